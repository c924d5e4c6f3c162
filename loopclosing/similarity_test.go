package loopclosing

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"
)

func testPoints() []r3.Vector {
	return []r3.Vector{
		{X: 1, Y: 0, Z: 0},
		{X: 0, Y: 2, Z: 0},
		{X: 0, Y: 0, Z: 3},
		{X: -1, Y: 1, Z: 2},
		{X: 2, Y: -1, Z: 1},
		{X: 1, Y: 1, Z: 1},
		{X: -2, Y: 0, Z: 4},
		{X: 3, Y: 2, Z: -1},
	}
}

// zRotation returns a rotation about +Z by the given angle.
func zRotation(angle float64) quat.Number {
	return quat.Number{Real: math.Cos(angle / 2), Kmag: math.Sin(angle / 2)}
}

func TestSolveSimilarity(t *testing.T) {
	want := similarity{
		Scale:    1.2,
		Rotation: zRotation(math.Pi / 6),
		T:        r3.Vector{X: 1, Y: -2, Z: 0.5},
	}
	src := testPoints()
	dst := make([]r3.Vector, len(src))
	for i, p := range src {
		dst[i] = want.apply(p)
	}

	got, err := solveSimilarity(src, dst)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.Scale, test.ShouldAlmostEqual, want.Scale, 1e-9)
	for _, probe := range []r3.Vector{{X: 5, Y: 5, Z: 5}, {X: -3, Y: 0.5, Z: 7}} {
		test.That(t, got.apply(probe).Sub(want.apply(probe)).Norm(), test.ShouldBeLessThan, 1e-9)
	}
}

func TestSolveSimilarityDegenerate(t *testing.T) {
	_, err := solveSimilarity(testPoints()[:2], testPoints()[:2])
	test.That(t, err, test.ShouldNotBeNil)

	_, err = solveSimilarity(testPoints(), testPoints()[:3])
	test.That(t, err, test.ShouldNotBeNil)

	// All source points coincide.
	same := []r3.Vector{{X: 1}, {X: 1}, {X: 1}}
	_, err = solveSimilarity(same, testPoints()[:3])
	test.That(t, err, test.ShouldNotBeNil)
}

func TestFitSimilarityRejectsOutliers(t *testing.T) {
	want := similarity{
		Scale:    0.9,
		Rotation: zRotation(-math.Pi / 8),
		T:        r3.Vector{X: -0.5, Y: 1, Z: 2},
	}
	src := testPoints()
	dst := make([]r3.Vector, len(src))
	for i, p := range src {
		dst[i] = want.apply(p)
	}
	// Two correspondences point somewhere else entirely.
	dst[0] = dst[0].Add(r3.Vector{X: 3, Y: -2, Z: 1})
	dst[5] = dst[5].Add(r3.Vector{X: -4, Z: 2})

	got, inliers, n, err := fitSimilarity(src, dst, 1.0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, len(src)-2)
	test.That(t, inliers[0], test.ShouldBeFalse)
	test.That(t, inliers[5], test.ShouldBeFalse)
	for _, probe := range []r3.Vector{{X: 2, Y: 3, Z: -1}} {
		test.That(t, got.apply(probe).Sub(want.apply(probe)).Norm(), test.ShouldBeLessThan, 1e-6)
	}
}

func TestSimilarityFraction(t *testing.T) {
	s := similarity{
		Scale:    2,
		Rotation: zRotation(math.Pi / 2),
		T:        r3.Vector{X: 4, Y: -2, Z: 6},
	}

	id := s.fraction(0)
	test.That(t, id.Scale, test.ShouldEqual, 1.0)
	probe := r3.Vector{X: 1, Y: 2, Z: 3}
	test.That(t, id.apply(probe).Sub(probe).Norm(), test.ShouldBeLessThan, 1e-12)

	full := s.fraction(1)
	test.That(t, full.apply(probe).Sub(s.apply(probe)).Norm(), test.ShouldBeLessThan, 1e-12)

	half := s.fraction(0.5)
	test.That(t, half.Scale, test.ShouldAlmostEqual, math.Sqrt2, 1e-12)
	test.That(t, half.T.Sub(s.T.Mul(0.5)).Norm(), test.ShouldBeLessThan, 1e-12)
	// Halving the rotation twice reproduces the full rotation.
	twice := quat.Mul(half.Rotation, half.Rotation)
	rotFull := rotateVec(s.Rotation, probe)
	rotTwice := rotateVec(twice, probe)
	test.That(t, rotTwice.Sub(rotFull).Norm(), test.ShouldBeLessThan, 1e-12)
}

func TestQuatPowIdentity(t *testing.T) {
	id := quat.Number{Real: 1}
	got := quatPow(id, 0.3)
	test.That(t, got.Real, test.ShouldAlmostEqual, 1.0, 1e-12)

	// Sign-flipped input represents the same rotation.
	neg := quat.Number{Real: -1}
	got = quatPow(neg, 0.7)
	test.That(t, got.Real, test.ShouldAlmostEqual, 1.0, 1e-12)
}
