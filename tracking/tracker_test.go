package tracking_test

import (
	"sync"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/test"

	"github.com/viamrobotics/viam-vslam/config"
	"github.com/viamrobotics/viam-vslam/feature"
	"github.com/viamrobotics/viam-vslam/frame"
	"github.com/viamrobotics/viam-vslam/internal/testworld"
	"github.com/viamrobotics/viam-vslam/keyframedb"
	"github.com/viamrobotics/viam-vslam/slammap"
	"github.com/viamrobotics/viam-vslam/tracking"
	"github.com/viamrobotics/viam-vslam/vocab"
)

// captureSink records promoted keyframes instead of mapping them.
type captureSink struct {
	mu   sync.Mutex
	kfs  []*slammap.KeyFrame
	idle bool
}

func (s *captureSink) Enqueue(kf *slammap.KeyFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kfs = append(s.kfs, kf)
}

func (s *captureSink) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idle
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.kfs)
}

type fixture struct {
	w       *testworld.World
	cfg     *config.Config
	m       *slammap.Map
	db      *keyframedb.DB
	voc     *vocab.Vocabulary
	sink    *captureSink
	tracker *tracking.Tracker
}

func newFixture(t *testing.T, sensor config.Sensor) *fixture {
	t.Helper()
	w := testworld.New(60)
	cfg := w.Config(sensor)
	m := slammap.NewMap(cfg.CovisMinWeight)
	db := keyframedb.New(m)
	voc := w.Vocabulary()
	sink := &captureSink{}
	return &fixture{
		w:    w,
		cfg:  cfg,
		m:    m,
		db:   db,
		voc:  voc,
		sink: sink,
		tracker: tracking.New(
			golog.NewTestLogger(t), cfg, m, db, voc, sink),
	}
}

func (fx *fixture) depthFrame(t *testing.T, pose spatialmath.Pose, ts float64) *frame.Frame {
	t.Helper()
	kps, descs, depths := fx.w.Render(pose)
	f, err := frame.New(ts, fx.w.Cam, kps, descs, depths)
	test.That(t, err, test.ShouldBeNil)
	return f
}

func (fx *fixture) monoFrame(t *testing.T, pose spatialmath.Pose, ts float64) *frame.Frame {
	t.Helper()
	kps, descs, _ := fx.w.Render(pose)
	f, err := frame.New(ts, fx.w.Cam, kps, descs, nil)
	test.That(t, err, test.ShouldBeNil)
	return f
}

// garbageFrame has descriptors that match nothing in the world.
func (fx *fixture) garbageFrame(t *testing.T, ts float64) *frame.Frame {
	t.Helper()
	n := 30
	kps := make([]feature.KeyPoint, n)
	descs := make([]feature.Descriptor, n)
	for i := 0; i < n; i++ {
		kps[i] = feature.KeyPoint{X: float64(20 * (i % 30)), Y: float64(15 * (i / 30))}
		descs[i] = feature.Descriptor{uint64(i), uint64(i), uint64(i), uint64(i)}
	}
	f, err := frame.New(ts, fx.w.Cam, kps, descs, nil)
	test.That(t, err, test.ShouldBeNil)
	return f
}

func TestDepthBootstrap(t *testing.T) {
	fx := newFixture(t, config.RGBD)

	pose, ok := fx.tracker.ProcessFrame(fx.depthFrame(t, spatialmath.NewZeroPose(), 0))
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, fx.tracker.State(), test.ShouldEqual, tracking.OK)
	test.That(t, spatialmath.PoseAlmostEqual(pose, spatialmath.NewZeroPose()), test.ShouldBeTrue)
	test.That(t, fx.m.KeyFrameCount(), test.ShouldEqual, 1)
	test.That(t, fx.m.MapPointCount(), test.ShouldBeGreaterThanOrEqualTo, fx.cfg.MinTrackedInliers)
	test.That(t, fx.sink.count(), test.ShouldEqual, 1)
	test.That(t, fx.tracker.ReferenceKeyFrame(), test.ShouldEqual, fx.sink.kfs[0].ID())
}

func TestBootstrapNeedsFeatures(t *testing.T) {
	fx := newFixture(t, config.RGBD)

	f := fx.depthFrame(t, spatialmath.NewZeroPose(), 0)
	f.Keypoints = f.Keypoints[:5]
	f.Descriptors = f.Descriptors[:5]
	f.Depths = f.Depths[:5]
	f.MapPoints = f.MapPoints[:5]

	_, ok := fx.tracker.ProcessFrame(f)
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, fx.tracker.State(), test.ShouldEqual, tracking.NotInitialized)
	test.That(t, fx.m.KeyFrameCount(), test.ShouldEqual, 0)
}

func TestTrackSmallMotion(t *testing.T) {
	fx := newFixture(t, config.RGBD)

	_, ok := fx.tracker.ProcessFrame(fx.depthFrame(t, spatialmath.NewZeroPose(), 0))
	test.That(t, ok, test.ShouldBeTrue)

	truePose := spatialmath.NewPoseFromPoint(r3.Vector{X: 0.05, Y: 0.02})
	pose, ok := fx.tracker.ProcessFrame(fx.depthFrame(t, truePose, 1))
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, fx.tracker.State(), test.ShouldEqual, tracking.OK)
	test.That(t, spatialmath.PoseAlmostEqualEps(pose, truePose, 1e-2), test.ShouldBeTrue)
}

func TestLostAndRelocalize(t *testing.T) {
	fx := newFixture(t, config.RGBD)

	_, ok := fx.tracker.ProcessFrame(fx.depthFrame(t, spatialmath.NewZeroPose(), 0))
	test.That(t, ok, test.ShouldBeTrue)
	fx.db.Add(fx.sink.kfs[0])

	_, ok = fx.tracker.ProcessFrame(fx.garbageFrame(t, 1))
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, fx.tracker.State(), test.ShouldEqual, tracking.Lost)

	// Still lost on another unmatchable frame.
	_, ok = fx.tracker.ProcessFrame(fx.garbageFrame(t, 2))
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, fx.tracker.State(), test.ShouldEqual, tracking.Lost)

	pose, ok := fx.tracker.ProcessFrame(fx.depthFrame(t, spatialmath.NewZeroPose(), 3))
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, fx.tracker.State(), test.ShouldEqual, tracking.OK)
	test.That(t, spatialmath.PoseAlmostEqualEps(pose, spatialmath.NewZeroPose(), 1e-2), test.ShouldBeTrue)
}

func TestKeyFramePromotion(t *testing.T) {
	fx := newFixture(t, config.RGBD)
	fx.sink.idle = true

	_, ok := fx.tracker.ProcessFrame(fx.depthFrame(t, spatialmath.NewZeroPose(), 0))
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, fx.sink.count(), test.ShouldEqual, 1)

	// A frame seeing far fewer points than the reference trips the
	// promotion policy once the mapper is idle.
	f := fx.depthFrame(t, spatialmath.NewZeroPose(), 1)
	half := len(f.Keypoints) / 2
	f.Keypoints = f.Keypoints[:half]
	f.Descriptors = f.Descriptors[:half]
	f.Depths = f.Depths[:half]
	f.MapPoints = f.MapPoints[:half]

	_, ok = fx.tracker.ProcessFrame(f)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, fx.sink.count(), test.ShouldEqual, 2)
	test.That(t, fx.tracker.ReferenceKeyFrame(), test.ShouldEqual, fx.sink.kfs[1].ID())
}

func TestLocalizationModeSuppressesPromotion(t *testing.T) {
	fx := newFixture(t, config.RGBD)
	fx.sink.idle = true

	_, ok := fx.tracker.ProcessFrame(fx.depthFrame(t, spatialmath.NewZeroPose(), 0))
	test.That(t, ok, test.ShouldBeTrue)

	fx.tracker.SetLocalizationMode(true)
	test.That(t, fx.tracker.LocalizationMode(), test.ShouldBeTrue)

	f := fx.depthFrame(t, spatialmath.NewZeroPose(), 1)
	half := len(f.Keypoints) / 2
	f.Keypoints = f.Keypoints[:half]
	f.Descriptors = f.Descriptors[:half]
	f.Depths = f.Depths[:half]
	f.MapPoints = f.MapPoints[:half]

	_, ok = fx.tracker.ProcessFrame(f)
	test.That(t, ok, test.ShouldBeTrue)
	// The frame tracks but the map stays frozen.
	test.That(t, fx.sink.count(), test.ShouldEqual, 1)
	test.That(t, fx.m.KeyFrameCount(), test.ShouldEqual, 1)
}

func TestReset(t *testing.T) {
	fx := newFixture(t, config.RGBD)

	_, ok := fx.tracker.ProcessFrame(fx.depthFrame(t, spatialmath.NewZeroPose(), 0))
	test.That(t, ok, test.ShouldBeTrue)

	fx.tracker.Reset()
	fx.m.Clear()
	fx.db.Clear()
	test.That(t, fx.tracker.State(), test.ShouldEqual, tracking.NotInitialized)
	test.That(t, fx.tracker.ReferenceKeyFrame(), test.ShouldEqual, slammap.KeyFrameID(0))

	_, ok = fx.tracker.ProcessFrame(fx.depthFrame(t, spatialmath.NewZeroPose(), 1))
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, fx.m.KeyFrameCount(), test.ShouldEqual, 1)
}

func TestResumeLost(t *testing.T) {
	fx := newFixture(t, config.RGBD)

	// Populate the map and index through one tracker.
	_, ok := fx.tracker.ProcessFrame(fx.depthFrame(t, spatialmath.NewZeroPose(), 0))
	test.That(t, ok, test.ShouldBeTrue)
	fx.db.Add(fx.sink.kfs[0])

	// A fresh tracker over the same map relocalizes instead of
	// bootstrapping a second origin.
	fresh := tracking.New(golog.NewTestLogger(t), fx.cfg, fx.m, fx.db, fx.voc, fx.sink)
	fresh.ResumeLost()
	test.That(t, fresh.State(), test.ShouldEqual, tracking.Lost)

	pose, ok := fresh.ProcessFrame(fx.depthFrame(t, spatialmath.NewZeroPose(), 1))
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, fresh.State(), test.ShouldEqual, tracking.OK)
	test.That(t, spatialmath.PoseAlmostEqualEps(pose, spatialmath.NewZeroPose(), 1e-2), test.ShouldBeTrue)
	test.That(t, fx.m.KeyFrameCount(), test.ShouldEqual, 1)
}

func TestMonocularBootstrap(t *testing.T) {
	fx := newFixture(t, config.Monocular)

	// The first view is only stored; no map exists yet.
	_, ok := fx.tracker.ProcessFrame(fx.monoFrame(t, spatialmath.NewZeroPose(), 0))
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, fx.tracker.State(), test.ShouldEqual, tracking.NotInitialized)
	test.That(t, fx.m.KeyFrameCount(), test.ShouldEqual, 0)

	// A second view without parallax cannot triangulate anything.
	_, ok = fx.tracker.ProcessFrame(fx.monoFrame(t, spatialmath.NewZeroPose(), 1))
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, fx.tracker.State(), test.ShouldEqual, tracking.NotInitialized)

	// Enough baseline initializes a two-keyframe map at arbitrary scale.
	pose, ok := fx.tracker.ProcessFrame(fx.monoFrame(t, spatialmath.NewPoseFromPoint(r3.Vector{X: 0.3}), 2))
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, fx.tracker.State(), test.ShouldEqual, tracking.OK)
	test.That(t, pose, test.ShouldNotBeNil)
	test.That(t, fx.m.KeyFrameCount(), test.ShouldEqual, 2)
	test.That(t, fx.m.MapPointCount(), test.ShouldBeGreaterThanOrEqualTo, fx.cfg.MinTrackedInliers)
	test.That(t, fx.sink.count(), test.ShouldEqual, 2)
	test.That(t, fx.m.Consistent(), test.ShouldBeNil)
}
