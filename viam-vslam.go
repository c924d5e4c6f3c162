// Package viamvslam runs a feature-based visual SLAM session: a tracker on
// the caller's goroutine estimating a pose per frame, plus background local
// mapping and loop closing workers consolidating the shared map.
package viamvslam

import (
	"context"
	"os"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/rdk/spatialmath"

	"github.com/viamrobotics/viam-vslam/camera"
	"github.com/viamrobotics/viam-vslam/config"
	"github.com/viamrobotics/viam-vslam/feature"
	"github.com/viamrobotics/viam-vslam/frame"
	"github.com/viamrobotics/viam-vslam/keyframedb"
	"github.com/viamrobotics/viam-vslam/localmapping"
	"github.com/viamrobotics/viam-vslam/loopclosing"
	"github.com/viamrobotics/viam-vslam/slammap"
	"github.com/viamrobotics/viam-vslam/tracking"
	"github.com/viamrobotics/viam-vslam/vocab"
)

// trajectoryEntry records one tracked frame relative to its reference
// keyframe, so later pose optimization carries through to the export; the
// absolute pose is kept as a fallback if the reference is culled.
type trajectoryEntry struct {
	timestamp float64
	ref       slammap.KeyFrameID
	rel       spatialmath.Pose
	abs       spatialmath.Pose
}

// System owns one SLAM session: the map, the place-recognition index, the
// tracker, and the two background workers. Track calls must come from a
// single goroutine; mode and reset requests may come from any.
type System struct {
	logger golog.Logger
	cfg    *config.Config
	cam    *camera.Model
	voc    *vocab.Vocabulary

	m       *slammap.Map
	db      *keyframedb.DB
	tracker *tracking.Tracker
	mapper  *localmapping.Mapper
	closer  *loopclosing.Closer

	pendingMu    sync.Mutex
	pendingReset bool
	pendingLoc   *bool

	mu         sync.Mutex
	shutdown   bool
	lastStamp  float64
	trajectory []trajectoryEntry
}

// New builds a session from the given configuration, loading the
// place-recognition vocabulary and starting the background workers. A
// vocabulary that cannot be loaded is fatal.
func New(ctx context.Context, cfg *config.Config, logger golog.Logger) (*System, error) {
	ctx, span := trace.StartSpan(ctx, "viamvslam::New")
	defer span.End()

	if err := cfg.Validate(""); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	cam, err := camera.NewModel(cfg.Intrinsics(), cfg.Baseline, cfg.DepthScale)
	if err != nil {
		return nil, errors.Wrap(err, "invalid camera model")
	}
	voc, err := vocab.Load(cfg.VocabularyPath)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot load vocabulary from %q", cfg.VocabularyPath)
	}

	s := &System{
		logger: logger,
		cfg:    cfg,
		cam:    cam,
		voc:    voc,
	}
	s.wire(slammap.NewMap(cfg.CovisMinWeight))
	s.start(ctx)
	logger.Infow("session started",
		"sensor", string(cfg.Sensor), "vocabulary_words", voc.Size())
	return s, nil
}

// NewFromSnapshot builds a session whose map is restored from a snapshot
// written by SaveMap. The tracker starts in the lost state and relocalizes
// against the restored map.
func NewFromSnapshot(
	ctx context.Context, cfg *config.Config, logger golog.Logger, path string,
) (*System, error) {
	ctx, span := trace.StartSpan(ctx, "viamvslam::NewFromSnapshot")
	defer span.End()

	s, err := New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		s.Shutdown()
		return nil, errors.Wrapf(err, "cannot open map snapshot %q", path)
	}
	defer func() {
		if err := f.Close(); err != nil {
			logger.Errorw("snapshot close failed", "error", err)
		}
	}()

	m, err := slammap.Load(f, cfg.CovisMinWeight)
	if err != nil {
		s.Shutdown()
		return nil, errors.Wrapf(err, "cannot restore map snapshot %q", path)
	}

	s.mapper.Close()
	s.closer.Close()
	s.wire(m)
	for _, kf := range m.KeyFrames() {
		s.db.Add(kf)
	}
	s.tracker.ResumeLost()
	s.start(ctx)
	logger.Infow("map snapshot restored",
		"keyframes", m.KeyFrameCount(), "points", m.MapPointCount())
	return s, nil
}

// wire rebuilds the pipeline components around a map.
func (s *System) wire(m *slammap.Map) {
	s.m = m
	s.db = keyframedb.New(m)
	s.mapper = localmapping.New(s.logger, s.cfg, m, s.db, nil)
	s.closer = loopclosing.New(s.logger, s.cfg, m, s.db, s.mapper)
	s.mapper.SetHandler(s.closer)
	s.tracker = tracking.New(s.logger, s.cfg, m, s.db, s.voc, s.mapper)
}

func (s *System) start(ctx context.Context) {
	s.mapper.Start(ctx)
	s.closer.Start(ctx)
	s.mu.Lock()
	s.shutdown = false
	s.mu.Unlock()
}

// Map returns the shared map for inspection.
func (s *System) Map() *slammap.Map { return s.m }

// Tracker returns the front-end tracker.
func (s *System) Tracker() *tracking.Tracker { return s.tracker }

// LocalMapper returns the background mapper.
func (s *System) LocalMapper() *localmapping.Mapper { return s.mapper }

// LoopCloser returns the background loop closer.
func (s *System) LoopCloser() *loopclosing.Closer { return s.closer }

// SetLocalizationMode requests localization-only tracking (no new keyframes,
// map frozen); off resumes full SLAM. Honored at the start of the next
// tracked frame.
func (s *System) SetLocalizationMode(on bool) {
	s.pendingMu.Lock()
	v := on
	s.pendingLoc = &v
	s.pendingMu.Unlock()
}

// Reset requests that the session drop the map and return the tracker to
// its pre-initialization state. Honored at the start of the next tracked
// frame.
func (s *System) Reset() {
	s.pendingMu.Lock()
	s.pendingReset = true
	s.pendingMu.Unlock()
}

// applyPending drains mode and reset requests exactly once per cycle.
func (s *System) applyPending() {
	s.pendingMu.Lock()
	reset := s.pendingReset
	loc := s.pendingLoc
	s.pendingReset = false
	s.pendingLoc = nil
	s.pendingMu.Unlock()

	if reset {
		s.mapper.Reset()
		s.closer.Reset()
		s.tracker.Reset()
		s.db.Clear()
		s.m.Clear()
		s.mu.Lock()
		s.trajectory = nil
		s.lastStamp = 0
		s.mu.Unlock()
		s.logger.Info("session reset")
	}
	if loc != nil {
		s.tracker.SetLocalizationMode(*loc)
		if *loc {
			s.mapper.Pause()
		} else {
			s.mapper.Resume()
		}
		s.logger.Infow("localization mode", "enabled", *loc)
	}
}

// TrackMonocular tracks one monocular frame given its pre-extracted
// keypoints and descriptors. It returns the camera-in-world pose and true
// when tracking succeeded.
func (s *System) TrackMonocular(
	ctx context.Context,
	timestamp float64,
	kps []feature.KeyPoint,
	descs []feature.Descriptor,
) (spatialmath.Pose, bool, error) {
	_, span := trace.StartSpan(ctx, "viamvslam::System::TrackMonocular")
	defer span.End()

	if s.cfg.Sensor != config.Monocular {
		return nil, false, errors.Errorf("session configured for %q input, not monocular", s.cfg.Sensor)
	}
	return s.track(timestamp, kps, descs, nil)
}

// TrackStereo tracks one stereo frame. disparities holds the per-keypoint
// horizontal disparity between the rectified pair, non-positive when
// unmatched.
func (s *System) TrackStereo(
	ctx context.Context,
	timestamp float64,
	kps []feature.KeyPoint,
	descs []feature.Descriptor,
	disparities []float64,
) (spatialmath.Pose, bool, error) {
	_, span := trace.StartSpan(ctx, "viamvslam::System::TrackStereo")
	defer span.End()

	if s.cfg.Sensor != config.Stereo {
		return nil, false, errors.Errorf("session configured for %q input, not stereo", s.cfg.Sensor)
	}
	if len(disparities) != len(kps) {
		return nil, false, errors.Errorf("keypoint/disparity count mismatch: %d vs %d", len(kps), len(disparities))
	}
	depths := make([]float64, len(disparities))
	for i, d := range disparities {
		if d > 0 {
			depths[i] = s.cam.DisparityToDepth(d)
		} else {
			depths[i] = -1
		}
	}
	return s.track(timestamp, kps, descs, depths)
}

// TrackRGBD tracks one depth-registered frame. depths holds the raw sensor
// depth sampled at each keypoint, non-positive when invalid; the configured
// depth map factor is applied here.
func (s *System) TrackRGBD(
	ctx context.Context,
	timestamp float64,
	kps []feature.KeyPoint,
	descs []feature.Descriptor,
	depths []float64,
) (spatialmath.Pose, bool, error) {
	_, span := trace.StartSpan(ctx, "viamvslam::System::TrackRGBD")
	defer span.End()

	if s.cfg.Sensor != config.RGBD {
		return nil, false, errors.Errorf("session configured for %q input, not rgbd", s.cfg.Sensor)
	}
	if len(depths) != len(kps) {
		return nil, false, errors.Errorf("keypoint/depth count mismatch: %d vs %d", len(kps), len(depths))
	}
	scaled := make([]float64, len(depths))
	for i, d := range depths {
		if d > 0 {
			if s.cam.DepthScale > 0 {
				d /= s.cam.DepthScale
			}
			scaled[i] = d
		} else {
			scaled[i] = -1
		}
	}
	return s.track(timestamp, kps, descs, scaled)
}

func (s *System) track(
	timestamp float64,
	kps []feature.KeyPoint,
	descs []feature.Descriptor,
	depths []float64,
) (spatialmath.Pose, bool, error) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil, false, errors.New("session has been shut down")
	}
	if len(s.trajectory) > 0 && timestamp <= s.lastStamp {
		s.mu.Unlock()
		return nil, false, errors.Errorf("timestamp %f not after previous %f", timestamp, s.lastStamp)
	}
	s.mu.Unlock()

	s.applyPending()

	f, err := frame.New(timestamp, s.cam, kps, descs, depths)
	if err != nil {
		return nil, false, err
	}
	pose, tracked := s.tracker.ProcessFrame(f)
	if !tracked {
		return nil, false, nil
	}

	s.recordTrajectory(timestamp, pose)
	return pose, true, nil
}

func (s *System) recordTrajectory(timestamp float64, pose spatialmath.Pose) {
	entry := trajectoryEntry{timestamp: timestamp, abs: pose}
	if ref := s.m.KeyFrame(s.tracker.ReferenceKeyFrame()); ref != nil && !ref.Erased() {
		entry.ref = ref.ID()
		entry.rel = spatialmath.PoseBetween(ref.Pose(), pose)
	}
	s.mu.Lock()
	s.trajectory = append(s.trajectory, entry)
	s.lastStamp = timestamp
	s.mu.Unlock()
}

// PointCloudMap returns the landmarks as a point cloud snapshot.
func (s *System) PointCloudMap(ctx context.Context) (pointcloud.PointCloud, error) {
	_, span := trace.StartSpan(ctx, "viamvslam::System::PointCloudMap")
	defer span.End()
	return s.m.PointCloud()
}

// SaveMap writes the map snapshot to a file. It may be called at any point;
// the snapshot is taken under the map lock and is internally consistent.
func (s *System) SaveMap(ctx context.Context, path string) error {
	_, span := trace.StartSpan(ctx, "viamvslam::System::SaveMap")
	defer span.End()

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "cannot create map snapshot %q", path)
	}
	if err := s.m.Save(f); err != nil {
		if cerr := f.Close(); cerr != nil {
			s.logger.Errorw("snapshot close failed", "error", cerr)
		}
		return errors.Wrap(err, "cannot write map snapshot")
	}
	return f.Close()
}

// Shutdown stops the background workers and waits for them to finish their
// current item. Trajectory export is only valid after it returns. It is
// idempotent.
func (s *System) Shutdown() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	s.mu.Unlock()

	s.mapper.Close()
	s.closer.Close()
	s.logger.Info("session shut down")
}

func (s *System) requireShutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.shutdown {
		return errors.New("trajectory export requires shutdown first; background optimization may still be rewriting poses")
	}
	return nil
}
