package loopclosing

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viamrobotics/viam-vslam/optimization"
)

// similarity is a world-to-world correction x' = scale * (R x) + T.
type similarity struct {
	Scale    float64
	Rotation quat.Number
	T        r3.Vector
}

func identitySimilarity() similarity {
	return similarity{Scale: 1, Rotation: quat.Number{Real: 1}}
}

func (s similarity) apply(v r3.Vector) r3.Vector {
	return rotateVec(s.Rotation, v).Mul(s.Scale).Add(s.T)
}

// fraction returns the similarity raised to the power w in [0, 1]:
// identity at 0, the full transform at 1, interpolated in between.
func (s similarity) fraction(w float64) similarity {
	if w <= 0 {
		return identitySimilarity()
	}
	if w >= 1 {
		return s
	}
	return similarity{
		Scale:    math.Exp(w * math.Log(s.Scale)),
		Rotation: quatPow(s.Rotation, w),
		T:        s.T.Mul(w),
	}
}

func rotateVec(q quat.Number, v r3.Vector) r3.Vector {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// quatPow scales a unit quaternion's rotation angle by w.
func quatPow(q quat.Number, w float64) quat.Number {
	if q.Real < 0 {
		q = quat.Number{Real: -q.Real, Imag: -q.Imag, Jmag: -q.Jmag, Kmag: -q.Kmag}
	}
	sinHalf := math.Sqrt(q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if sinHalf < 1e-12 {
		return quat.Number{Real: 1}
	}
	half := math.Atan2(sinHalf, q.Real)
	newHalf := half * w
	k := math.Sin(newHalf) / sinHalf
	return quat.Number{
		Real: math.Cos(newHalf),
		Imag: q.Imag * k,
		Jmag: q.Jmag * k,
		Kmag: q.Kmag * k,
	}
}

// solveSimilarity finds the scaled rigid transform mapping src points onto
// dst points by Horn's closed-form absolute-orientation method: centroid
// alignment, SVD of the cross-covariance for rotation, then a least-squares
// scale.
func solveSimilarity(src, dst []r3.Vector) (similarity, error) {
	if len(src) != len(dst) {
		return similarity{}, errors.Errorf("correspondence count mismatch: %d vs %d", len(src), len(dst))
	}
	if len(src) < 3 {
		return similarity{}, errors.Errorf("need at least 3 correspondences, got %d", len(src))
	}

	var cs, cd r3.Vector
	for i := range src {
		cs = cs.Add(src[i])
		cd = cd.Add(dst[i])
	}
	n := float64(len(src))
	cs = cs.Mul(1 / n)
	cd = cd.Mul(1 / n)

	h := mat.NewDense(3, 3, nil)
	for i := range src {
		a := src[i].Sub(cs)
		b := dst[i].Sub(cd)
		h.Set(0, 0, h.At(0, 0)+a.X*b.X)
		h.Set(0, 1, h.At(0, 1)+a.X*b.Y)
		h.Set(0, 2, h.At(0, 2)+a.X*b.Z)
		h.Set(1, 0, h.At(1, 0)+a.Y*b.X)
		h.Set(1, 1, h.At(1, 1)+a.Y*b.Y)
		h.Set(1, 2, h.At(1, 2)+a.Y*b.Z)
		h.Set(2, 0, h.At(2, 0)+a.Z*b.X)
		h.Set(2, 1, h.At(2, 1)+a.Z*b.Y)
		h.Set(2, 2, h.At(2, 2)+a.Z*b.Z)
	}

	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDFull) {
		return similarity{}, errors.New("cross-covariance SVD failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var r mat.Dense
	r.Mul(&v, u.T())
	if mat.Det(&r) < 0 {
		// Reflection case: flip the axis of least variance.
		d := mat.NewDiagDense(3, []float64{1, 1, -1})
		var vd mat.Dense
		vd.Mul(&v, d)
		r.Mul(&vd, u.T())
	}

	var num, den float64
	for i := range src {
		a := src[i].Sub(cs)
		b := dst[i].Sub(cd)
		ra := r3.Vector{
			X: r.At(0, 0)*a.X + r.At(0, 1)*a.Y + r.At(0, 2)*a.Z,
			Y: r.At(1, 0)*a.X + r.At(1, 1)*a.Y + r.At(1, 2)*a.Z,
			Z: r.At(2, 0)*a.X + r.At(2, 1)*a.Y + r.At(2, 2)*a.Z,
		}
		num += b.Dot(ra)
		den += a.Dot(a)
	}
	if den < 1e-12 || num <= 0 {
		return similarity{}, errors.New("degenerate correspondence set")
	}
	scale := num / den

	q := optimization.QuatFromRotationMatrix(&r)
	t := cd.Sub(rotateVec(q, cs).Mul(scale))
	return similarity{Scale: scale, Rotation: q, T: t}, nil
}

// fitSimilarity solves on all pairs, re-solves on the inliers of the first
// fit, and returns the refined transform with its inlier mask.
func fitSimilarity(src, dst []r3.Vector, tol float64) (similarity, []bool, int, error) {
	sim, err := solveSimilarity(src, dst)
	if err != nil {
		return similarity{}, nil, 0, err
	}

	classify := func(s similarity) ([]bool, int) {
		inliers := make([]bool, len(src))
		n := 0
		for i := range src {
			if s.apply(src[i]).Sub(dst[i]).Norm() <= tol {
				inliers[i] = true
				n++
			}
		}
		return inliers, n
	}

	inliers, n := classify(sim)
	if n < 3 {
		return similarity{}, inliers, n, errors.New("too few inliers to refine")
	}

	srcIn := make([]r3.Vector, 0, n)
	dstIn := make([]r3.Vector, 0, n)
	for i, ok := range inliers {
		if ok {
			srcIn = append(srcIn, src[i])
			dstIn = append(dstIn, dst[i])
		}
	}
	refined, err := solveSimilarity(srcIn, dstIn)
	if err != nil {
		return sim, inliers, n, nil
	}
	inliers, n = classify(refined)
	return refined, inliers, n, nil
}
