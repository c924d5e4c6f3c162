package slammap_test

import (
	"bytes"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/test"

	"github.com/viamrobotics/viam-vslam/internal/testworld"
	"github.com/viamrobotics/viam-vslam/slammap"
)

func TestSnapshotRoundTrip(t *testing.T) {
	w := testworld.New(60)
	m := slammap.NewMap(2)

	pose1 := spatialmath.NewZeroPose()
	f1 := renderFrame(t, w, pose1, 0)
	kf1 := addKeyFrame(t, m, w, f1, 0)
	for i := 0; i < 6; i++ {
		mp, err := m.CreateMapPoint(r3.Vector{X: float64(i) * 0.5, Z: 5}, kf1.ID(), i)
		test.That(t, err, test.ShouldBeNil)
		f1.MapPoints[i] = int64(mp.ID())
	}

	pose2 := spatialmath.NewPoseFromPoint(r3.Vector{X: 0.3})
	f2 := renderFrame(t, w, pose2, 1)
	copy(f2.MapPoints, f1.MapPoints[:6])
	kf2 := addKeyFrame(t, m, w, f2, kf1.ID())
	test.That(t, m.AddLoopEdge(kf1.ID(), kf2.ID()), test.ShouldBeNil)

	var buf bytes.Buffer
	test.That(t, m.Save(&buf), test.ShouldBeNil)

	loaded, err := slammap.Load(&buf, 2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded.Consistent(), test.ShouldBeNil)
	test.That(t, loaded.KeyFrameCount(), test.ShouldEqual, m.KeyFrameCount())
	test.That(t, loaded.MapPointCount(), test.ShouldEqual, m.MapPointCount())
	test.That(t, loaded.OriginKeyFrame(), test.ShouldEqual, kf1.ID())

	lkf2 := loaded.KeyFrame(kf2.ID())
	test.That(t, lkf2, test.ShouldNotBeNil)
	test.That(t, spatialmath.PoseAlmostEqual(lkf2.Pose(), pose2), test.ShouldBeTrue)
	test.That(t, lkf2.Parent(), test.ShouldEqual, kf1.ID())
	test.That(t, lkf2.CovisibilityWeight(kf1.ID()), test.ShouldEqual, kf2.CovisibilityWeight(kf1.ID()))
	test.That(t, lkf2.LoopEdges(), test.ShouldResemble, []slammap.KeyFrameID{kf1.ID()})
	test.That(t, lkf2.Timestamp(), test.ShouldEqual, 1.0)

	for i := 0; i < 6; i++ {
		orig := m.MapPoint(slammap.MapPointID(f1.MapPoints[i]))
		rest := loaded.MapPoint(slammap.MapPointID(f1.MapPoints[i]))
		test.That(t, rest, test.ShouldNotBeNil)
		test.That(t, rest.Position(), test.ShouldResemble, orig.Position())
		test.That(t, rest.ObservationCount(), test.ShouldEqual, orig.ObservationCount())
		test.That(t, rest.Descriptor(), test.ShouldResemble, orig.Descriptor())
	}

	// New entities in the restored map must not collide with old handles.
	f3 := renderFrame(t, w, pose2, 2)
	kf3, err := loaded.AddKeyFrame(f3, w.Vocabulary().Quantize(f3.Descriptors), kf2.ID())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, kf3.ID(), test.ShouldBeGreaterThan, kf2.ID())
}
