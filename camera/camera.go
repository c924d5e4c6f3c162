// Package camera wraps the calibrated pinhole model the pipeline projects
// through. Calibration itself happens upstream; this package only consumes
// the resulting intrinsics.
package camera

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/rimage/transform"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/rdk/spatialmath"
)

// Model is a calibrated pinhole camera, optionally with a stereo baseline.
type Model struct {
	Intrinsics *transform.PinholeCameraIntrinsics
	// Baseline is the stereo baseline in meters; zero for monocular/RGBD.
	Baseline float64
	// DepthScale converts raw depth readings to meters; defaults to 1.
	DepthScale float64
}

// NewModel validates the intrinsics and returns a Model.
func NewModel(intrinsics *transform.PinholeCameraIntrinsics, baseline, depthScale float64) (*Model, error) {
	if err := intrinsics.CheckValid(); err != nil {
		return nil, errors.Wrap(err, "invalid camera intrinsics")
	}
	if depthScale == 0 {
		depthScale = 1
	}
	return &Model{Intrinsics: intrinsics, Baseline: baseline, DepthScale: depthScale}, nil
}

// Project maps a point in the camera frame to pixel coordinates. The bool
// is false when the point is behind the camera or outside the image bounds.
func (m *Model) Project(p r3.Vector) (float64, float64, bool) {
	if p.Z <= 0 {
		return 0, 0, false
	}
	u, v := m.Intrinsics.PointToPixel(p.X, p.Y, p.Z)
	if u < 0 || v < 0 || u >= float64(m.Intrinsics.Width) || v >= float64(m.Intrinsics.Height) {
		return u, v, false
	}
	return u, v, true
}

// Unproject maps a pixel plus depth (meters) into the camera frame.
func (m *Model) Unproject(u, v, depth float64) r3.Vector {
	x, y, z := m.Intrinsics.PixelToPoint(u, v, depth)
	return r3.Vector{X: x, Y: y, Z: z}
}

// DisparityToDepth converts a stereo disparity (pixels) to metric depth.
func (m *Model) DisparityToDepth(disparity float64) float64 {
	if disparity <= 0 {
		return -1
	}
	return m.Intrinsics.Fx * m.Baseline / disparity
}

// WorldToCamera expresses a world point in the frame of a camera whose pose
// (camera-in-world) is given.
func WorldToCamera(pose spatialmath.Pose, world r3.Vector) r3.Vector {
	q := quat.Conj(pose.Orientation().Quaternion())
	return rotate(q, world.Sub(pose.Point()))
}

// CameraToWorld expresses a camera-frame point in world coordinates.
func CameraToWorld(pose spatialmath.Pose, local r3.Vector) r3.Vector {
	return rotate(pose.Orientation().Quaternion(), local).Add(pose.Point())
}

func rotate(q quat.Number, v r3.Vector) r3.Vector {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}
