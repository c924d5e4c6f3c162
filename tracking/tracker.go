// Package tracking estimates a camera pose for every incoming frame and
// decides when a frame is promoted to a keyframe.
package tracking

import (
	"math"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"

	"github.com/viamrobotics/viam-vslam/camera"
	"github.com/viamrobotics/viam-vslam/config"
	"github.com/viamrobotics/viam-vslam/feature"
	"github.com/viamrobotics/viam-vslam/frame"
	"github.com/viamrobotics/viam-vslam/keyframedb"
	"github.com/viamrobotics/viam-vslam/optimization"
	"github.com/viamrobotics/viam-vslam/slammap"
	"github.com/viamrobotics/viam-vslam/vocab"
)

// State is the tracker's lifecycle phase.
type State int

const (
	// NotInitialized means no map exists yet.
	NotInitialized State = iota
	// OK means the previous frame was tracked against the map.
	OK
	// Lost means tracking failed and the tracker is relocalizing.
	Lost
)

func (s State) String() string {
	switch s {
	case NotInitialized:
		return "NOT_INITIALIZED"
	case OK:
		return "OK"
	case Lost:
		return "LOST"
	default:
		return "UNKNOWN"
	}
}

// validTransition reports whether the tracker may move from one state to
// another. Staying in the current state is always legal; the only cross
// edges are NOT_INITIALIZED to OK, OK to LOST, and LOST to OK.
func validTransition(from, to State) bool {
	if from == to {
		return true
	}
	switch {
	case from == NotInitialized && to == OK:
		return true
	case from == OK && to == Lost:
		return true
	case from == Lost && to == OK:
		return true
	}
	return false
}

// searchWindow is the pixel half-width used when hunting for a feature slot
// to associate a projected map point with.
const searchWindow = 15.0

// KeyFrameSink receives keyframes promoted by the tracker. The local mapper
// implements it.
type KeyFrameSink interface {
	// Enqueue hands off a keyframe. It must never block.
	Enqueue(kf *slammap.KeyFrame)
	// Idle reports whether the sink has drained its queue and is waiting
	// for work.
	Idle() bool
}

// Tracker derives a camera-in-world pose per frame by associating extracted
// features with map points and refining the pose against them. It is not
// safe for concurrent ProcessFrame calls; accessors may be called from other
// goroutines.
type Tracker struct {
	logger golog.Logger
	cfg    *config.Config
	m      *slammap.Map
	db     *keyframedb.DB
	voc    *vocab.Vocabulary
	sink   KeyFrameSink

	mu            sync.Mutex
	state         State
	localization  bool
	lastFrame     *frame.Frame
	velocity      spatialmath.Pose
	refKF         slammap.KeyFrameID
	framesSinceKF int
	initFrame     *frame.Frame
}

// New returns a tracker over the given map. sink may be nil when no local
// mapping runs behind the tracker.
func New(
	logger golog.Logger,
	cfg *config.Config,
	m *slammap.Map,
	db *keyframedb.DB,
	voc *vocab.Vocabulary,
	sink KeyFrameSink,
) *Tracker {
	return &Tracker{
		logger: logger,
		cfg:    cfg,
		m:      m,
		db:     db,
		voc:    voc,
		sink:   sink,
		state:  NotInitialized,
	}
}

// State returns the tracker's current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ReferenceKeyFrame returns the keyframe the tracker currently tracks
// against, or 0 before initialization.
func (t *Tracker) ReferenceKeyFrame() slammap.KeyFrameID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refKF
}

// SetLocalizationMode toggles localization-only tracking. While enabled the
// tracker never promotes keyframes, so the map stays frozen.
func (t *Tracker) SetLocalizationMode(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.localization = on
}

// LocalizationMode reports whether keyframe promotion is suppressed.
func (t *Tracker) LocalizationMode() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localization
}

// Reset returns the tracker to its pre-initialization state. The caller is
// responsible for resetting the map and database it tracks against.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = NotInitialized
	t.lastFrame = nil
	t.velocity = nil
	t.refKF = 0
	t.framesSinceKF = 0
	t.initFrame = nil
}

// ResumeLost puts a fresh tracker into the lost state so it relocalizes
// against a preloaded map instead of bootstrapping a new one.
func (t *Tracker) ResumeLost() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = Lost
	t.lastFrame = nil
	t.velocity = nil
	t.initFrame = nil
}

func (t *Tracker) setState(to State) {
	if !validTransition(t.state, to) {
		t.logger.Errorw("refusing illegal tracker state transition",
			"from", t.state.String(), "to", to.String())
		return
	}
	if t.state != to {
		t.logger.Debugw("tracker state transition", "from", t.state.String(), "to", to.String())
	}
	t.state = to
}

// ProcessFrame tracks one frame. It returns the estimated camera-in-world
// pose and true on success; on initialization-pending or lost frames it
// returns a nil pose and false.
func (t *Tracker) ProcessFrame(f *frame.Frame) (spatialmath.Pose, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case NotInitialized:
		return t.initialize(f)
	case OK:
		return t.trackFrame(f)
	case Lost:
		return t.relocalize(f)
	default:
		t.logger.Errorw("tracker in unknown state", "state", int(t.state))
		return nil, false
	}
}

func (t *Tracker) initialize(f *frame.Frame) (spatialmath.Pose, bool) {
	if len(f.Keypoints) < t.cfg.MinInitFeatures {
		t.logger.Debugw("not enough features to initialize",
			"features", len(f.Keypoints), "needed", t.cfg.MinInitFeatures)
		return nil, false
	}

	var err error
	if t.cfg.Sensor == config.Monocular {
		err = t.initializeMonocular(f)
	} else {
		err = t.initializeWithDepth(f)
	}
	if err != nil {
		t.logger.Debugw("initialization pending", "error", err)
		return nil, false
	}

	t.setState(OK)
	t.lastFrame = f
	t.velocity = nil
	t.framesSinceKF = 0
	t.logger.Infow("map initialized",
		"keyframes", t.m.KeyFrameCount(), "points", t.m.MapPointCount())
	return f.Pose, true
}

// initializeWithDepth bootstraps a stereo or RGBD map from a single frame:
// the frame becomes the origin keyframe and every depth-valid feature slot
// is unprojected into a map point.
func (t *Tracker) initializeWithDepth(f *frame.Frame) error {
	f.Pose = spatialmath.NewZeroPose()
	bow := t.voc.Quantize(f.Descriptors)
	kf, err := t.m.AddKeyFrame(f, bow, 0)
	if err != nil {
		return err
	}

	created := 0
	for i, kp := range f.Keypoints {
		depth := f.Depths[i]
		if depth <= 0 {
			continue
		}
		pos := f.Camera.Unproject(kp.X, kp.Y, depth)
		mp, err := t.m.CreateMapPoint(pos, kf.ID(), i)
		if err != nil {
			return err
		}
		f.MapPoints[i] = int64(mp.ID())
		created++
	}
	if created < t.cfg.MinTrackedInliers {
		t.m.Clear()
		return errors.Errorf("only %d depth-valid features, need %d",
			created, t.cfg.MinTrackedInliers)
	}

	t.refKF = kf.ID()
	if t.sink != nil {
		t.sink.Enqueue(kf)
	}
	return nil
}

func (t *Tracker) trackFrame(f *frame.Frame) (spatialmath.Pose, bool) {
	predicted := t.predictPose()

	matched := t.associateWithLastFrame(f)
	if matched < t.cfg.MinTrackedInliers {
		f.ClearAssociations()
		matched = t.associateWithReference(f)
	}

	pose, inliers, err := t.optimizeAgainstAssociations(f, predicted)
	if err != nil || inliers < t.cfg.MinTrackedInliers {
		f.ClearAssociations()
		if t.associateWithReference(f) >= t.cfg.MinTrackedInliers {
			pose, inliers, err = t.optimizeAgainstAssociations(f, predicted)
		}
	}
	if err != nil || inliers < t.cfg.MinTrackedInliers {
		t.logger.Infow("tracking lost", "inliers", inliers, "error", err)
		t.setState(Lost)
		t.velocity = nil
		return nil, false
	}
	f.Pose = pose

	t.searchLocalMap(f)
	pose, inliers, err = t.optimizeAgainstAssociations(f, f.Pose)
	if err != nil || inliers < t.cfg.MinTrackedInliers {
		t.logger.Infow("tracking lost after local map search", "inliers", inliers, "error", err)
		t.setState(Lost)
		t.velocity = nil
		return nil, false
	}
	f.Pose = pose
	t.rewardTrackedPoints(f)

	if t.lastFrame != nil && t.lastFrame.Pose != nil {
		t.velocity = spatialmath.PoseBetween(t.lastFrame.Pose, f.Pose)
	}
	t.lastFrame = f
	t.framesSinceKF++

	if !t.localization && t.needKeyFrame(f) {
		if err := t.insertKeyFrame(f); err != nil {
			t.logger.Errorw("keyframe insertion failed", "error", err)
		}
	}

	t.setState(OK)
	return f.Pose, true
}

// predictPose applies the constant-velocity motion model to the last tracked
// pose.
func (t *Tracker) predictPose() spatialmath.Pose {
	if t.lastFrame == nil || t.lastFrame.Pose == nil {
		if ref := t.m.KeyFrame(t.refKF); ref != nil {
			return ref.Pose()
		}
		return spatialmath.NewZeroPose()
	}
	if t.velocity == nil {
		return t.lastFrame.Pose
	}
	return spatialmath.Compose(t.lastFrame.Pose, t.velocity)
}

// associateWithLastFrame copies map-point associations from the previous
// frame onto descriptor-matched slots of the current one.
func (t *Tracker) associateWithLastFrame(f *frame.Frame) int {
	if t.lastFrame == nil {
		return 0
	}
	matches := feature.MatchDescriptors(
		f.Descriptors, t.lastFrame.Descriptors, t.cfg.MatchMaxDistance, true)
	n := 0
	for _, match := range matches {
		id := t.lastFrame.MapPoints[match.Idx2]
		if id == frame.NoMapPoint {
			continue
		}
		mp := t.m.MapPoint(slammap.MapPointID(id))
		if mp == nil || mp.Erased() {
			continue
		}
		f.MapPoints[match.Idx1] = id
		n++
	}
	return n
}

// associateWithReference matches the frame directly against the reference
// keyframe's descriptors and carries over its map-point slots.
func (t *Tracker) associateWithReference(f *frame.Frame) int {
	ref := t.m.KeyFrame(t.refKF)
	if ref == nil || ref.Erased() {
		return 0
	}
	matches := feature.MatchDescriptors(
		f.Descriptors, ref.Descriptors(), t.cfg.MatchMaxDistance, true)
	n := 0
	for _, match := range matches {
		mpID := ref.MapPointAt(match.Idx2)
		if mpID == 0 {
			continue
		}
		mp := t.m.MapPoint(mpID)
		if mp == nil || mp.Erased() {
			continue
		}
		f.MapPoints[match.Idx1] = int64(mpID)
		n++
	}
	return n
}

// optimizeAgainstAssociations runs motion-only pose refinement over the
// frame's current associations, drops the associations classified as
// outliers, and returns the refined pose with the surviving inlier count.
func (t *Tracker) optimizeAgainstAssociations(
	f *frame.Frame, initial spatialmath.Pose,
) (spatialmath.Pose, int, error) {
	obs, slots := t.collectObservations(f)
	if len(obs) < 3 {
		return nil, 0, errors.Errorf("too few associations to optimize: %d", len(obs))
	}
	res, err := optimization.OptimizePose(
		f.Camera, initial, obs, t.cfg.PoseOptIterations, t.cfg.OutlierChiSquared)
	if err != nil {
		return nil, 0, err
	}
	for j, ok := range res.Inliers {
		if !ok {
			f.MapPoints[slots[j]] = frame.NoMapPoint
		}
	}
	return res.Pose, res.InlierCount, nil
}

func (t *Tracker) collectObservations(f *frame.Frame) ([]optimization.Observation, []int) {
	obs := make([]optimization.Observation, 0, len(f.Keypoints))
	slots := make([]int, 0, len(f.Keypoints))
	for i, id := range f.MapPoints {
		if id == frame.NoMapPoint {
			continue
		}
		mp := t.m.MapPoint(slammap.MapPointID(id))
		if mp == nil || mp.Erased() {
			f.MapPoints[i] = frame.NoMapPoint
			continue
		}
		obs = append(obs, optimization.Observation{
			World: mp.Position(),
			U:     f.Keypoints[i].X,
			V:     f.Keypoints[i].Y,
		})
		slots = append(slots, i)
	}
	return obs, slots
}

// searchLocalMap projects the map points seen by the reference keyframe and
// its covisibility neighborhood into the frame and associates those that
// land near a compatible free feature slot.
func (t *Tracker) searchLocalMap(f *frame.Frame) int {
	ref := t.m.KeyFrame(t.refKF)
	if ref == nil || ref.Erased() {
		return 0
	}
	local := append([]slammap.KeyFrameID{t.refKF}, ref.CovisibleKeyFrames(t.cfg.LocalWindow)...)

	inFrame := make(map[slammap.MapPointID]bool, len(f.MapPoints))
	for _, id := range f.MapPoints {
		if id != frame.NoMapPoint {
			inFrame[slammap.MapPointID(id)] = true
		}
	}

	seen := make(map[slammap.MapPointID]bool)
	added := 0
	for _, kfID := range local {
		kf := t.m.KeyFrame(kfID)
		if kf == nil || kf.Erased() {
			continue
		}
		for _, mpID := range kf.Observations() {
			if mpID == 0 || seen[mpID] || inFrame[mpID] {
				continue
			}
			seen[mpID] = true
			mp := t.m.MapPoint(mpID)
			if mp == nil || mp.Erased() {
				continue
			}
			u, v, ok := f.Camera.Project(camera.WorldToCamera(f.Pose, mp.Position()))
			if !ok {
				continue
			}
			mp.IncreaseVisible()

			best := -1
			bestDist := t.cfg.MatchMaxDistance + 1
			for i, kp := range f.Keypoints {
				if f.MapPoints[i] != frame.NoMapPoint {
					continue
				}
				if math.Abs(kp.X-u) > searchWindow || math.Abs(kp.Y-v) > searchWindow {
					continue
				}
				d, err := feature.HammingDistance(f.Descriptors[i], mp.Descriptor())
				if err != nil {
					continue
				}
				if d < bestDist {
					bestDist = d
					best = i
				}
			}
			if best >= 0 {
				f.MapPoints[best] = int64(mpID)
				added++
			}
		}
	}
	return added
}

// rewardTrackedPoints bumps the found counter of every point that survived
// the final pose refinement of this frame.
func (t *Tracker) rewardTrackedPoints(f *frame.Frame) {
	for _, id := range f.MapPoints {
		if id == frame.NoMapPoint {
			continue
		}
		if mp := t.m.MapPoint(slammap.MapPointID(id)); mp != nil && !mp.Erased() {
			mp.IncreaseFound()
		}
	}
}

// needKeyFrame applies the promotion policy: the map must need a keyframe
// (long gap since the last one, or an idle mapper) and the frame must track
// noticeably fewer points than the reference keyframe holds.
func (t *Tracker) needKeyFrame(f *frame.Frame) bool {
	if t.framesSinceKF < t.cfg.MinKeyFrameGap {
		return false
	}
	due := t.framesSinceKF >= t.cfg.MaxKeyFrameGap
	if !due && t.sink != nil && t.sink.Idle() {
		due = true
	}
	if !due {
		return false
	}

	ref := t.m.KeyFrame(t.refKF)
	if ref == nil || ref.Erased() {
		return true
	}
	refTracked := ref.TrackedCount()
	if refTracked == 0 {
		return true
	}
	ratio := float64(f.TrackedPoints()) / float64(refTracked)
	return ratio < t.cfg.RefTrackedRatio
}

func (t *Tracker) insertKeyFrame(f *frame.Frame) error {
	bow := t.voc.Quantize(f.Descriptors)
	kf, err := t.m.AddKeyFrame(f, bow, t.refKF)
	if err != nil {
		return err
	}

	// Depth sensors seed fresh points for unassociated slots so the local
	// mapper has material to refine.
	if t.cfg.Sensor != config.Monocular {
		for i, kp := range f.Keypoints {
			if f.MapPoints[i] != frame.NoMapPoint || f.Depths[i] <= 0 {
				continue
			}
			local := f.Camera.Unproject(kp.X, kp.Y, f.Depths[i])
			pos := camera.CameraToWorld(f.Pose, local)
			mp, err := t.m.CreateMapPoint(pos, kf.ID(), i)
			if err != nil {
				return err
			}
			f.MapPoints[i] = int64(mp.ID())
		}
		if err := t.m.UpdateConnections(kf.ID()); err != nil {
			return err
		}
	}

	t.refKF = kf.ID()
	t.framesSinceKF = 0
	if t.sink != nil {
		t.sink.Enqueue(kf)
	}
	t.logger.Debugw("keyframe promoted", "id", int64(kf.ID()), "tracked", f.TrackedPoints())
	return nil
}

// relocalize tries to re-acquire the pose against place-recognition
// candidates when tracking is lost.
func (t *Tracker) relocalize(f *frame.Frame) (spatialmath.Pose, bool) {
	bow := t.voc.Quantize(f.Descriptors)
	for _, cand := range t.db.RelocalizationCandidates(bow) {
		if cand.Erased() {
			continue
		}
		f.ClearAssociations()
		matches := feature.MatchDescriptors(
			f.Descriptors, cand.Descriptors(), t.cfg.MatchMaxDistance, true)
		n := 0
		for _, match := range matches {
			mpID := cand.MapPointAt(match.Idx2)
			if mpID == 0 {
				continue
			}
			mp := t.m.MapPoint(mpID)
			if mp == nil || mp.Erased() {
				continue
			}
			f.MapPoints[match.Idx1] = int64(mpID)
			n++
		}
		if n < t.cfg.RelocMinInliers {
			continue
		}

		pose, inliers, err := t.optimizeAgainstAssociations(f, cand.Pose())
		if err != nil || inliers < t.cfg.RelocMinInliers {
			continue
		}
		f.Pose = pose
		t.refKF = cand.ID()
		t.lastFrame = f
		t.velocity = nil
		t.framesSinceKF = 0
		t.setState(OK)
		t.logger.Infow("relocalized", "keyframe", int64(cand.ID()), "inliers", inliers)
		return pose, true
	}

	f.ClearAssociations()
	t.setState(Lost)
	return nil, false
}
