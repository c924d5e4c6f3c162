package optimization

import (
	"math"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viamrobotics/viam-vslam/camera"
)

// worldToCameraMat returns the 3x4 [R|t] matrix taking world coordinates to
// the camera frame of a camera-in-world pose.
func worldToCameraMat(pose spatialmath.Pose) *mat.Dense {
	q := quat.Conj(pose.Orientation().Quaternion())
	r := rotationMatrixFromQuat(q)
	c := pose.Point()
	t := rotateQuat(q, r3.Vector{X: -c.X, Y: -c.Y, Z: -c.Z})
	out := mat.NewDense(3, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.Set(i, j, r[i][j])
		}
	}
	out.Set(0, 3, t.X)
	out.Set(1, 3, t.Y)
	out.Set(2, 3, t.Z)
	return out
}

func rotationMatrixFromQuat(q quat.Number) [3][3]float64 {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return [3][3]float64{
		{1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y)},
		{2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x)},
		{2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y)},
	}
}

func rotateQuat(q quat.Number, v r3.Vector) r3.Vector {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// TriangulatePoint linearly triangulates a world point from two pixel
// measurements of it, using the direct linear transform on normalized image
// coordinates. The bool is false when the system is degenerate or the point
// does not land in front of both cameras.
func TriangulatePoint(
	cam1, cam2 *camera.Model,
	pose1, pose2 spatialmath.Pose,
	u1, v1, u2, v2 float64,
) (r3.Vector, bool) {
	p1 := worldToCameraMat(pose1)
	p2 := worldToCameraMat(pose2)

	xn1 := (u1 - cam1.Intrinsics.Ppx) / cam1.Intrinsics.Fx
	yn1 := (v1 - cam1.Intrinsics.Ppy) / cam1.Intrinsics.Fy
	xn2 := (u2 - cam2.Intrinsics.Ppx) / cam2.Intrinsics.Fx
	yn2 := (v2 - cam2.Intrinsics.Ppy) / cam2.Intrinsics.Fy

	a := mat.NewDense(4, 4, nil)
	for j := 0; j < 4; j++ {
		a.Set(0, j, xn1*p1.At(2, j)-p1.At(0, j))
		a.Set(1, j, yn1*p1.At(2, j)-p1.At(1, j))
		a.Set(2, j, xn2*p2.At(2, j)-p2.At(0, j))
		a.Set(3, j, yn2*p2.At(2, j)-p2.At(1, j))
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return r3.Vector{}, false
	}
	var v mat.Dense
	svd.VTo(&v)
	w := v.At(3, 3)
	if math.Abs(w) < 1e-12 {
		return r3.Vector{}, false
	}
	world := r3.Vector{X: v.At(0, 3) / w, Y: v.At(1, 3) / w, Z: v.At(2, 3) / w}

	if camera.WorldToCamera(pose1, world).Z <= 0 || camera.WorldToCamera(pose2, world).Z <= 0 {
		return world, false
	}
	return world, true
}

// QuatFromRotationMatrix converts a row-major 3x3 rotation matrix to a unit
// quaternion.
func QuatFromRotationMatrix(r *mat.Dense) quat.Number {
	t := r.At(0, 0) + r.At(1, 1) + r.At(2, 2)
	var q quat.Number
	switch {
	case t > 0:
		s := math.Sqrt(t+1) * 2
		q = quat.Number{
			Real: s / 4,
			Imag: (r.At(2, 1) - r.At(1, 2)) / s,
			Jmag: (r.At(0, 2) - r.At(2, 0)) / s,
			Kmag: (r.At(1, 0) - r.At(0, 1)) / s,
		}
	case r.At(0, 0) > r.At(1, 1) && r.At(0, 0) > r.At(2, 2):
		s := math.Sqrt(1+r.At(0, 0)-r.At(1, 1)-r.At(2, 2)) * 2
		q = quat.Number{
			Real: (r.At(2, 1) - r.At(1, 2)) / s,
			Imag: s / 4,
			Jmag: (r.At(0, 1) + r.At(1, 0)) / s,
			Kmag: (r.At(0, 2) + r.At(2, 0)) / s,
		}
	case r.At(1, 1) > r.At(2, 2):
		s := math.Sqrt(1+r.At(1, 1)-r.At(0, 0)-r.At(2, 2)) * 2
		q = quat.Number{
			Real: (r.At(0, 2) - r.At(2, 0)) / s,
			Imag: (r.At(0, 1) + r.At(1, 0)) / s,
			Jmag: s / 4,
			Kmag: (r.At(1, 2) + r.At(2, 1)) / s,
		}
	default:
		s := math.Sqrt(1+r.At(2, 2)-r.At(0, 0)-r.At(1, 1)) * 2
		q = quat.Number{
			Real: (r.At(1, 0) - r.At(0, 1)) / s,
			Imag: (r.At(0, 2) + r.At(2, 0)) / s,
			Jmag: (r.At(1, 2) + r.At(2, 1)) / s,
			Kmag: s / 4,
		}
	}
	n := math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Number{Real: q.Real / n, Imag: q.Imag / n, Jmag: q.Jmag / n, Kmag: q.Kmag / n}
}
