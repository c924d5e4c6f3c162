package slammap

import (
	"sort"

	"go.viam.com/rdk/spatialmath"

	"github.com/viamrobotics/viam-vslam/camera"
	"github.com/viamrobotics/viam-vslam/feature"
	"github.com/viamrobotics/viam-vslam/vocab"
)

// KeyFrameID is a stable handle to a keyframe within its Map.
type KeyFrameID int64

// KeyFrame is a retained camera observation: fixed feature data from the
// frame it was promoted from, a pose that optimization may later refine,
// and covisibility/spanning-tree edges to other keyframes. All mutable
// state is guarded by the owning Map's lock.
type KeyFrame struct {
	m  *Map
	id KeyFrameID

	timestamp   float64
	camera      *camera.Model
	keypoints   []feature.KeyPoint
	descriptors []feature.Descriptor
	depths      []float64
	bow         vocab.BowVector

	pose spatialmath.Pose
	// observations maps feature slot -> map point (0 when unassociated).
	observations []MapPointID

	covis     map[KeyFrameID]int
	parent    KeyFrameID
	children  map[KeyFrameID]bool
	loopEdges map[KeyFrameID]bool
	erased    bool
}

// ID returns the keyframe's handle.
func (kf *KeyFrame) ID() KeyFrameID { return kf.id }

// Timestamp returns the capture timestamp of the originating frame.
func (kf *KeyFrame) Timestamp() float64 { return kf.timestamp }

// Camera returns the camera model the keyframe was captured with.
func (kf *KeyFrame) Camera() *camera.Model { return kf.camera }

// KeyPoints returns the keyframe's feature locations. The slice is fixed
// at creation and must not be modified.
func (kf *KeyFrame) KeyPoints() []feature.KeyPoint { return kf.keypoints }

// Descriptors returns the keyframe's feature descriptors, fixed at creation.
func (kf *KeyFrame) Descriptors() []feature.Descriptor { return kf.descriptors }

// Depth returns the metric depth measured at a feature slot, negative when
// unknown.
func (kf *KeyFrame) Depth(slot int) float64 { return kf.depths[slot] }

// Bow returns the keyframe's bag-of-words vector, fixed at creation.
func (kf *KeyFrame) Bow() vocab.BowVector { return kf.bow }

// Pose returns the keyframe's camera-in-world pose.
func (kf *KeyFrame) Pose() spatialmath.Pose {
	kf.m.mu.RLock()
	defer kf.m.mu.RUnlock()
	return kf.pose
}

// SetPose replaces the keyframe's pose. Used by optimization and loop
// correction.
func (kf *KeyFrame) SetPose(pose spatialmath.Pose) {
	kf.m.mu.Lock()
	defer kf.m.mu.Unlock()
	kf.pose = pose
}

// Erased reports whether the keyframe has been culled from its map.
func (kf *KeyFrame) Erased() bool {
	kf.m.mu.RLock()
	defer kf.m.mu.RUnlock()
	return kf.erased
}

// MapPointAt returns the map point associated with a feature slot, or 0.
func (kf *KeyFrame) MapPointAt(slot int) MapPointID {
	kf.m.mu.RLock()
	defer kf.m.mu.RUnlock()
	if slot < 0 || slot >= len(kf.observations) {
		return 0
	}
	return kf.observations[slot]
}

// Observations returns a copy of the slot->map-point association table.
func (kf *KeyFrame) Observations() []MapPointID {
	kf.m.mu.RLock()
	defer kf.m.mu.RUnlock()
	out := make([]MapPointID, len(kf.observations))
	copy(out, kf.observations)
	return out
}

// TrackedCount returns how many feature slots reference a map point.
func (kf *KeyFrame) TrackedCount() int {
	kf.m.mu.RLock()
	defer kf.m.mu.RUnlock()
	n := 0
	for _, id := range kf.observations {
		if id != 0 {
			n++
		}
	}
	return n
}

// Parent returns the keyframe's spanning-tree parent, 0 for the root.
func (kf *KeyFrame) Parent() KeyFrameID {
	kf.m.mu.RLock()
	defer kf.m.mu.RUnlock()
	return kf.parent
}

// Children returns the keyframe's spanning-tree children.
func (kf *KeyFrame) Children() []KeyFrameID {
	kf.m.mu.RLock()
	defer kf.m.mu.RUnlock()
	return keyFrameIDSet(kf.children)
}

// LoopEdges returns keyframes connected by accepted loop closures.
func (kf *KeyFrame) LoopEdges() []KeyFrameID {
	kf.m.mu.RLock()
	defer kf.m.mu.RUnlock()
	return keyFrameIDSet(kf.loopEdges)
}

// CovisibilityWeight returns the number of map points shared with another
// keyframe, 0 when they are not connected.
func (kf *KeyFrame) CovisibilityWeight(other KeyFrameID) int {
	kf.m.mu.RLock()
	defer kf.m.mu.RUnlock()
	return kf.covis[other]
}

// CovisibleKeyFrames returns up to n connected keyframes ordered by
// decreasing shared-observation weight; n <= 0 returns all of them.
func (kf *KeyFrame) CovisibleKeyFrames(n int) []KeyFrameID {
	kf.m.mu.RLock()
	defer kf.m.mu.RUnlock()
	return kf.covisibleLocked(n)
}

func (kf *KeyFrame) covisibleLocked(n int) []KeyFrameID {
	ids := make([]KeyFrameID, 0, len(kf.covis))
	for id := range kf.covis {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		wi, wj := kf.covis[ids[i]], kf.covis[ids[j]]
		if wi != wj {
			return wi > wj
		}
		return ids[i] < ids[j]
	})
	if n > 0 && len(ids) > n {
		ids = ids[:n]
	}
	return ids
}

func keyFrameIDSet(set map[KeyFrameID]bool) []KeyFrameID {
	out := make([]KeyFrameID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
