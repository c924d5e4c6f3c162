package slammap

import (
	"encoding/gob"
	"io"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/rimage/transform"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viamrobotics/viam-vslam/camera"
	"github.com/viamrobotics/viam-vslam/feature"
	"github.com/viamrobotics/viam-vslam/vocab"
)

// The on-disk container format is owned by the persistence collaborator;
// this file defines what must be captured (poses, observations,
// covisibility and tree edges, descriptors) and guarantees that loading
// reconstructs a map satisfying all graph invariants. gob is the
// placeholder container encoding.

// poseRecord serializes a pose as translation plus unit quaternion.
type poseRecord struct {
	TX, TY, TZ     float64
	QW, QX, QY, QZ float64
}

func newPoseRecord(p spatialmath.Pose) poseRecord {
	t := p.Point()
	q := p.Orientation().Quaternion()
	return poseRecord{TX: t.X, TY: t.Y, TZ: t.Z, QW: q.Real, QX: q.Imag, QY: q.Jmag, QZ: q.Kmag}
}

func (r poseRecord) pose() spatialmath.Pose {
	q := spatialmath.Quaternion(quat.Number{Real: r.QW, Imag: r.QX, Jmag: r.QY, Kmag: r.QZ})
	return spatialmath.NewPose(
		r3.Vector{X: r.TX, Y: r.TY, Z: r.TZ},
		&q,
	)
}

type keyFrameRecord struct {
	ID           int64
	Timestamp    float64
	Pose         poseRecord
	Keypoints    []feature.KeyPoint
	Descriptors  []feature.Descriptor
	Depths       []float64
	Bow          map[uint32]float64
	Observations []int64
	Covis        map[int64]int
	Parent       int64
	LoopEdges    []int64
}

type mapPointRecord struct {
	ID           int64
	Position     [3]float64
	Descriptor   feature.Descriptor
	Normal       [3]float64
	Observations map[int64]int
	FirstKF      int64
	Visible      int
	Found        int
}

type snapshot struct {
	Intrinsics transform.PinholeCameraIntrinsics
	Baseline   float64
	DepthScale float64

	KeyFrames []keyFrameRecord
	Points    []mapPointRecord
	Origin    int64
	Reference int64
	NextKF    int64
	NextMP    int64
}

// Save writes the map's full graph state to w. Callers must ensure no
// background optimization is running (i.e. after shutdown).
func (m *Map) Save(w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := snapshot{
		Origin:    int64(m.origin),
		Reference: int64(m.reference),
		NextKF:    int64(m.nextKF),
		NextMP:    int64(m.nextMP),
	}
	for _, kf := range m.keyframes {
		if snap.Intrinsics.Width == 0 && kf.camera != nil {
			snap.Intrinsics = *kf.camera.Intrinsics
			snap.Baseline = kf.camera.Baseline
			snap.DepthScale = kf.camera.DepthScale
		}
		rec := keyFrameRecord{
			ID:           int64(kf.id),
			Timestamp:    kf.timestamp,
			Pose:         newPoseRecord(kf.pose),
			Keypoints:    kf.keypoints,
			Descriptors:  kf.descriptors,
			Depths:       kf.depths,
			Bow:          make(map[uint32]float64, len(kf.bow)),
			Observations: make([]int64, len(kf.observations)),
			Covis:        make(map[int64]int, len(kf.covis)),
			Parent:       int64(kf.parent),
		}
		for wid, v := range kf.bow {
			rec.Bow[uint32(wid)] = v
		}
		for i, mpID := range kf.observations {
			rec.Observations[i] = int64(mpID)
		}
		for other, weight := range kf.covis {
			rec.Covis[int64(other)] = weight
		}
		for other := range kf.loopEdges {
			rec.LoopEdges = append(rec.LoopEdges, int64(other))
		}
		snap.KeyFrames = append(snap.KeyFrames, rec)
	}
	for _, mp := range m.points {
		rec := mapPointRecord{
			ID:           int64(mp.id),
			Position:     [3]float64{mp.position.X, mp.position.Y, mp.position.Z},
			Descriptor:   mp.descriptor,
			Normal:       [3]float64{mp.normal.X, mp.normal.Y, mp.normal.Z},
			Observations: make(map[int64]int, len(mp.observations)),
			FirstKF:      int64(mp.firstKF),
			Visible:      mp.visible,
			Found:        mp.found,
		}
		for kfID, slot := range mp.observations {
			rec.Observations[int64(kfID)] = slot
		}
		snap.Points = append(snap.Points, rec)
	}
	if err := gob.NewEncoder(w).Encode(&snap); err != nil {
		return errors.Wrap(err, "error encoding map snapshot")
	}
	return nil
}

// Load reconstructs a map from a snapshot written by Save, revalidating
// every graph invariant before returning it.
func Load(r io.Reader, covisMinWeight int) (*Map, error) {
	var snap snapshot
	if err := gob.NewDecoder(r).Decode(&snap); err != nil {
		return nil, errors.Wrap(err, "error decoding map snapshot")
	}

	m := NewMap(covisMinWeight)
	m.origin = KeyFrameID(snap.Origin)
	m.reference = KeyFrameID(snap.Reference)
	m.nextKF = KeyFrameID(snap.NextKF)
	m.nextMP = MapPointID(snap.NextMP)

	var cam *camera.Model
	if snap.Intrinsics.Width != 0 {
		intrinsics := snap.Intrinsics
		var err error
		cam, err = camera.NewModel(&intrinsics, snap.Baseline, snap.DepthScale)
		if err != nil {
			return nil, errors.Wrap(err, "snapshot carries invalid camera intrinsics")
		}
	}

	for _, rec := range snap.KeyFrames {
		kf := &KeyFrame{
			m:            m,
			id:           KeyFrameID(rec.ID),
			timestamp:    rec.Timestamp,
			camera:       cam,
			keypoints:    rec.Keypoints,
			descriptors:  rec.Descriptors,
			depths:       rec.Depths,
			bow:          make(vocab.BowVector, len(rec.Bow)),
			pose:         rec.Pose.pose(),
			observations: make([]MapPointID, len(rec.Observations)),
			covis:        make(map[KeyFrameID]int, len(rec.Covis)),
			parent:       KeyFrameID(rec.Parent),
			children:     make(map[KeyFrameID]bool),
			loopEdges:    make(map[KeyFrameID]bool),
		}
		for w, v := range rec.Bow {
			kf.bow[vocab.WordID(w)] = v
		}
		for i, mpID := range rec.Observations {
			kf.observations[i] = MapPointID(mpID)
		}
		for other, w := range rec.Covis {
			kf.covis[KeyFrameID(other)] = w
		}
		for _, other := range rec.LoopEdges {
			kf.loopEdges[KeyFrameID(other)] = true
		}
		m.keyframes[kf.id] = kf
	}
	for _, kf := range m.keyframes {
		if kf.parent != 0 {
			parent, ok := m.keyframes[kf.parent]
			if !ok {
				return nil, errors.Errorf("snapshot keyframe %d references missing parent %d", kf.id, kf.parent)
			}
			parent.children[kf.id] = true
		}
	}
	for _, rec := range snap.Points {
		mp := &MapPoint{
			m:            m,
			id:           MapPointID(rec.ID),
			position:     r3.Vector{X: rec.Position[0], Y: rec.Position[1], Z: rec.Position[2]},
			descriptor:   rec.Descriptor,
			normal:       r3.Vector{X: rec.Normal[0], Y: rec.Normal[1], Z: rec.Normal[2]},
			observations: make(map[KeyFrameID]int, len(rec.Observations)),
			firstKF:      KeyFrameID(rec.FirstKF),
			visible:      rec.Visible,
			found:        rec.Found,
		}
		for kfID, slot := range rec.Observations {
			mp.observations[KeyFrameID(kfID)] = slot
		}
		m.points[mp.id] = mp
	}

	if err := m.Consistent(); err != nil {
		return nil, errors.Wrap(err, "loaded map violates graph invariants")
	}
	return m, nil
}
