package camera_test

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/rimage/transform"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/test"

	"github.com/viamrobotics/viam-vslam/camera"
)

func testModel(t *testing.T) *camera.Model {
	t.Helper()
	m, err := camera.NewModel(&transform.PinholeCameraIntrinsics{
		Width:  640,
		Height: 480,
		Fx:     500,
		Fy:     500,
		Ppx:    320,
		Ppy:    240,
	}, 0.1, 1)
	test.That(t, err, test.ShouldBeNil)
	return m
}

func TestProjectUnproject(t *testing.T) {
	m := testModel(t)

	p := r3.Vector{X: 0.5, Y: -0.25, Z: 4}
	u, v, ok := m.Project(p)
	test.That(t, ok, test.ShouldBeTrue)

	back := m.Unproject(u, v, p.Z)
	test.That(t, back.X, test.ShouldAlmostEqual, p.X, 1e-9)
	test.That(t, back.Y, test.ShouldAlmostEqual, p.Y, 1e-9)
	test.That(t, back.Z, test.ShouldAlmostEqual, p.Z, 1e-9)

	// Behind the camera.
	_, _, ok = m.Project(r3.Vector{Z: -1})
	test.That(t, ok, test.ShouldBeFalse)
	// Outside the image bounds.
	_, _, ok = m.Project(r3.Vector{X: 100, Z: 1})
	test.That(t, ok, test.ShouldBeFalse)
}

func TestDisparityToDepth(t *testing.T) {
	m := testModel(t)
	// depth = fx * baseline / disparity
	test.That(t, m.DisparityToDepth(10), test.ShouldAlmostEqual, 5.0, 1e-9)
	test.That(t, m.DisparityToDepth(0), test.ShouldEqual, -1)
	test.That(t, m.DisparityToDepth(-3), test.ShouldEqual, -1)
}

func TestWorldCameraTransforms(t *testing.T) {
	// Camera at (1, 0, 0) with its view axis turned onto +Y.
	pose := spatialmath.NewPose(
		r3.Vector{X: 1},
		&spatialmath.OrientationVectorDegrees{OY: 1, Theta: 0, OX: 0, OZ: 0},
	)
	world := r3.Vector{X: 2, Y: 0.5, Z: 3}

	local := camera.WorldToCamera(pose, world)
	back := camera.CameraToWorld(pose, local)
	test.That(t, back.X, test.ShouldAlmostEqual, world.X, 1e-9)
	test.That(t, back.Y, test.ShouldAlmostEqual, world.Y, 1e-9)
	test.That(t, back.Z, test.ShouldAlmostEqual, world.Z, 1e-9)

	// Identity pose leaves coordinates unchanged.
	ident := spatialmath.NewZeroPose()
	same := camera.WorldToCamera(ident, world)
	test.That(t, same.Sub(world).Norm(), test.ShouldAlmostEqual, 0, 1e-12)
}

func TestNewModelValidation(t *testing.T) {
	_, err := camera.NewModel(&transform.PinholeCameraIntrinsics{}, 0, 0)
	test.That(t, err, test.ShouldNotBeNil)

	m := testModel(t)
	test.That(t, m.DepthScale, test.ShouldEqual, 1.0)
	test.That(t, math.IsNaN(m.Baseline), test.ShouldBeFalse)
}
