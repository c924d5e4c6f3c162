package loopclosing_test

import (
	"sync"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/test"

	"github.com/viamrobotics/viam-vslam/camera"
	"github.com/viamrobotics/viam-vslam/config"
	"github.com/viamrobotics/viam-vslam/feature"
	"github.com/viamrobotics/viam-vslam/frame"
	"github.com/viamrobotics/viam-vslam/internal/testworld"
	"github.com/viamrobotics/viam-vslam/keyframedb"
	"github.com/viamrobotics/viam-vslam/loopclosing"
	"github.com/viamrobotics/viam-vslam/slammap"
)

// pauseRecorder counts how often the closer suspends local mapping.
type pauseRecorder struct {
	mu      sync.Mutex
	paused  int
	resumed int
}

func (p *pauseRecorder) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused++
}

func (p *pauseRecorder) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resumed++
}

// loopFixture builds a map with an origin keyframe observing every landmark,
// a chain of unrelated keyframes to accumulate history, and the machinery to
// append revisit keyframes carrying their own drifted landmark copies.
type loopFixture struct {
	w      *testworld.World
	cfg    *config.Config
	m      *slammap.Map
	db     *keyframedb.DB
	pause  *pauseRecorder
	closer *loopclosing.Closer

	pts    []r3.Vector
	descs  []feature.Descriptor
	origin *slammap.KeyFrame
	tail   *slammap.KeyFrame
	nextTS float64
}

func newLoopFixture(t *testing.T, consistencyRuns int) *loopFixture {
	t.Helper()
	w := testworld.New(40)
	cfg := w.Config(config.RGBD)
	cfg.LoopConsistencyRuns = consistencyRuns
	m := slammap.NewMap(1)
	db := keyframedb.New(m)
	pause := &pauseRecorder{}
	closer := loopclosing.New(golog.NewTestLogger(t), cfg, m, db, pause)

	fx := &loopFixture{w: w, cfg: cfg, m: m, db: db, pause: pause, closer: closer}
	zero := spatialmath.NewZeroPose()
	for i, lm := range w.Landmarks {
		if _, _, ok := w.Cam.Project(camera.WorldToCamera(zero, lm)); ok {
			fx.pts = append(fx.pts, lm)
			fx.descs = append(fx.descs, w.Descs[i])
		}
	}
	test.That(t, len(fx.pts), test.ShouldBeGreaterThan, 20)

	// Origin keyframe with every landmark at its true position.
	f := fx.placeFrame(t, zero)
	kf, err := m.AddKeyFrame(f, w.Vocabulary().Quantize(fx.descs), 0)
	test.That(t, err, test.ShouldBeNil)
	for i, p := range fx.pts {
		_, err := m.CreateMapPoint(p, kf.ID(), i)
		test.That(t, err, test.ShouldBeNil)
	}
	db.Add(kf)
	fx.origin = kf
	fx.tail = kf

	// Keyframes of an unrelated stretch of trajectory pad the map past the
	// detection minimum.
	for i := 0; i < 9; i++ {
		fx.addUnrelatedKeyFrame(t)
	}
	return fx
}

// placeFrame renders the fixture's landmarks as seen from the origin.
func (fx *loopFixture) placeFrame(t *testing.T, pose spatialmath.Pose) *frame.Frame {
	t.Helper()
	kps := make([]feature.KeyPoint, len(fx.pts))
	for i, p := range fx.pts {
		local := camera.WorldToCamera(spatialmath.NewZeroPose(), p)
		u, v := fx.w.Cam.Intrinsics.PointToPixel(local.X, local.Y, local.Z)
		kps[i] = feature.KeyPoint{X: u, Y: v}
	}
	f, err := frame.New(fx.nextTS, fx.w.Cam, kps, fx.descs, nil)
	test.That(t, err, test.ShouldBeNil)
	fx.nextTS++
	f.Pose = pose
	return f
}

func (fx *loopFixture) addUnrelatedKeyFrame(t *testing.T) *slammap.KeyFrame {
	t.Helper()
	n := 20
	kps := make([]feature.KeyPoint, n)
	descs := make([]feature.Descriptor, n)
	for i := 0; i < n; i++ {
		kps[i] = feature.KeyPoint{X: float64(30 * i % 600), Y: float64(20 * i % 440)}
		descs[i] = feature.Descriptor{uint64(i), uint64(i), uint64(i), uint64(i)}
	}
	f, err := frame.New(fx.nextTS, fx.w.Cam, kps, descs, nil)
	test.That(t, err, test.ShouldBeNil)
	f.Pose = spatialmath.NewPoseFromPoint(r3.Vector{Y: fx.nextTS * 0.01})
	fx.nextTS++
	kf, err := fx.m.AddKeyFrame(f, nil, fx.tail.ID())
	test.That(t, err, test.ShouldBeNil)
	fx.tail = kf
	return kf
}

// addRevisit appends a keyframe that sees the origin's place again, carrying
// its own landmark copies at the given positions and a drifted pose estimate.
func (fx *loopFixture) addRevisit(
	t *testing.T, pose spatialmath.Pose, positions []r3.Vector,
) *slammap.KeyFrame {
	t.Helper()
	f := fx.placeFrame(t, pose)
	kf, err := fx.m.AddKeyFrame(f, fx.w.Vocabulary().Quantize(fx.descs), fx.tail.ID())
	test.That(t, err, test.ShouldBeNil)
	for i, p := range positions {
		mp, err := fx.m.CreateMapPoint(p, kf.ID(), i)
		test.That(t, err, test.ShouldBeNil)
		// One shared observation keeps the revisit covisible with the
		// trajectory so its neighborhood sets the detection score bar.
		if i == 0 {
			test.That(t, fx.m.AddObservation(mp.ID(), fx.tail.ID(), 0), test.ShouldBeNil)
		}
	}
	test.That(t, fx.m.UpdateConnections(kf.ID()), test.ShouldBeNil)
	fx.tail = kf
	return kf
}

func drifted(pts []r3.Vector, drift r3.Vector) []r3.Vector {
	out := make([]r3.Vector, len(pts))
	for i, p := range pts {
		out[i] = p.Add(drift)
	}
	return out
}

func TestLoopClosureCorrectsDrift(t *testing.T) {
	fx := newLoopFixture(t, 1)
	drift := r3.Vector{X: 0.5}
	query := fx.addRevisit(t,
		spatialmath.NewPoseFromPoint(drift), drifted(fx.pts, drift))

	driftedIDs := make([]slammap.MapPointID, len(fx.pts))
	for i := range fx.pts {
		driftedIDs[i] = query.MapPointAt(i)
	}

	fx.closer.Enqueue(query)
	test.That(t, fx.closer.ProcessNext(), test.ShouldBeTrue)
	fx.closer.Close()

	test.That(t, fx.closer.LoopCount(), test.ShouldEqual, 1)
	test.That(t, fx.pause.paused, test.ShouldEqual, 1)
	test.That(t, fx.pause.resumed, test.ShouldEqual, 1)

	// The query pose snaps back onto the revisited place.
	test.That(t, spatialmath.PoseAlmostEqualEps(
		query.Pose(), spatialmath.NewZeroPose(), 1e-3), test.ShouldBeTrue)

	// Drifted duplicates were merged into the settled landmarks, which
	// did not move.
	for i := range fx.pts {
		test.That(t, query.MapPointAt(i), test.ShouldEqual, fx.origin.MapPointAt(i))
		mp := fx.m.MapPoint(fx.origin.MapPointAt(i))
		test.That(t, mp, test.ShouldNotBeNil)
		test.That(t, mp.Position().Sub(fx.pts[i]).Norm(), test.ShouldBeLessThan, 1e-3)
		if driftedIDs[i] != fx.origin.MapPointAt(i) {
			test.That(t, fx.m.MapPoint(driftedIDs[i]), test.ShouldBeNil)
		}
	}

	test.That(t, query.LoopEdges(), test.ShouldContain, fx.origin.ID())
	test.That(t, fx.origin.LoopEdges(), test.ShouldContain, query.ID())
	test.That(t, fx.m.Consistent(), test.ShouldBeNil)
}

func TestConsistencyGate(t *testing.T) {
	fx := newLoopFixture(t, 3)
	drift := r3.Vector{X: 0.5}

	// The same place has to recur across three consecutive detection runs
	// before a loop is accepted.
	for i := 0; i < 3; i++ {
		query := fx.addRevisit(t,
			spatialmath.NewPoseFromPoint(drift), drifted(fx.pts, drift))
		fx.closer.Enqueue(query)
		test.That(t, fx.closer.ProcessNext(), test.ShouldBeTrue)
		if i < 2 {
			test.That(t, fx.closer.LoopCount(), test.ShouldEqual, 0)
		}
	}
	fx.closer.Close()
	test.That(t, fx.closer.LoopCount(), test.ShouldEqual, 1)
	test.That(t, fx.tail.LoopEdges(), test.ShouldContain, fx.origin.ID())
}

func TestRejectsGeometricallyInconsistentCandidate(t *testing.T) {
	fx := newLoopFixture(t, 1)
	drift := r3.Vector{X: 0.5}

	// Descriptors match the origin's place but the landmark geometry is
	// scrambled, so no similarity fits the correspondences.
	scrambled := make([]r3.Vector, len(fx.pts))
	for i := range fx.pts {
		scrambled[i] = fx.pts[(i+7)%len(fx.pts)].Add(drift)
	}
	pose := spatialmath.NewPoseFromPoint(drift)
	query := fx.addRevisit(t, pose, scrambled)
	before := fx.m.Revision()

	fx.closer.Enqueue(query)
	test.That(t, fx.closer.ProcessNext(), test.ShouldBeTrue)
	fx.closer.Close()

	test.That(t, fx.closer.LoopCount(), test.ShouldEqual, 0)
	test.That(t, spatialmath.PoseAlmostEqual(query.Pose(), pose), test.ShouldBeTrue)
	test.That(t, query.LoopEdges(), test.ShouldBeEmpty)
	test.That(t, fx.m.Revision(), test.ShouldEqual, before)
}

func TestDetectionGates(t *testing.T) {
	fx := newLoopFixture(t, 1)

	// A keyframe processed while the map is still small is only indexed.
	small := slammap.NewMap(1)
	smallDB := keyframedb.New(small)
	closer := loopclosing.New(golog.NewTestLogger(t), fx.cfg, small, smallDB, nil)
	f := fx.placeFrame(t, spatialmath.NewZeroPose())
	kf, err := small.AddKeyFrame(f, fx.w.Vocabulary().Quantize(fx.descs), 0)
	test.That(t, err, test.ShouldBeNil)
	closer.Enqueue(kf)
	test.That(t, closer.ProcessNext(), test.ShouldBeTrue)
	test.That(t, closer.LoopCount(), test.ShouldEqual, 0)
	test.That(t, len(smallDB.RelocalizationCandidates(kf.Bow())), test.ShouldEqual, 1)

	// A keyframe culled before the closer reaches it never enters the
	// index.
	f2 := fx.placeFrame(t, spatialmath.NewZeroPose())
	kf2, err := small.AddKeyFrame(f2, fx.w.Vocabulary().Quantize(fx.descs), kf.ID())
	test.That(t, err, test.ShouldBeNil)
	closer.Enqueue(kf2)
	test.That(t, small.EraseKeyFrame(kf2.ID()), test.ShouldBeNil)
	test.That(t, closer.ProcessNext(), test.ShouldBeTrue)
	cands := smallDB.RelocalizationCandidates(kf2.Bow())
	test.That(t, len(cands), test.ShouldEqual, 1)
	test.That(t, cands[0].ID(), test.ShouldEqual, kf.ID())

	// Reset clears detection history and counters.
	fx.closer.Enqueue(fx.tail)
	test.That(t, fx.closer.QueueLen(), test.ShouldEqual, 1)
	fx.closer.Reset()
	test.That(t, fx.closer.QueueLen(), test.ShouldEqual, 0)
	test.That(t, fx.closer.LoopCount(), test.ShouldEqual, 0)
}
