package tracking

import (
	"math"
	"sort"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/rimage/transform"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viamrobotics/viam-vslam/camera"
	"github.com/viamrobotics/viam-vslam/feature"
	"github.com/viamrobotics/viam-vslam/frame"
	"github.com/viamrobotics/viam-vslam/optimization"
)

var errLowParallax = errors.New("insufficient parallax between reference and current frame")

// initializeMonocular bootstraps a map from two views. The first suitable
// frame is held as reference; subsequent frames are matched against it and,
// once enough baseline has accumulated, the relative pose is recovered from
// epipolar geometry and the matched features triangulated into map points.
func (t *Tracker) initializeMonocular(f *frame.Frame) error {
	if t.initFrame == nil {
		t.initFrame = f
		return errors.New("waiting for a second view")
	}
	ref := t.initFrame

	matches := feature.MatchDescriptors(
		ref.Descriptors, f.Descriptors, t.cfg.MatchMaxDistance, true)
	if len(matches) < t.cfg.MinInitFeatures {
		t.initFrame = f
		return errors.Errorf("only %d matches against reference, need %d",
			len(matches), t.cfg.MinInitFeatures)
	}

	var parallax float64
	for _, match := range matches {
		dx := f.Keypoints[match.Idx2].X - ref.Keypoints[match.Idx1].X
		dy := f.Keypoints[match.Idx2].Y - ref.Keypoints[match.Idx1].Y
		parallax += math.Hypot(dx, dy)
	}
	parallax /= float64(len(matches))
	if parallax < t.cfg.MinInitParallax {
		return errLowParallax
	}

	pose2, err := t.recoverRelativePose(ref, f, matches)
	if err != nil {
		t.initFrame = f
		return err
	}

	zero := spatialmath.NewZeroPose()
	points, good := t.triangulateMatches(ref, f, zero, pose2, matches)
	if good < t.cfg.MinTrackedInliers {
		t.initFrame = f
		return errors.Errorf("only %d well-triangulated matches, need %d",
			good, t.cfg.MinTrackedInliers)
	}

	pose2, points = normalizeMapScale(pose2, points)
	if err := t.buildInitialMap(ref, f, pose2, matches, points); err != nil {
		t.m.Clear()
		t.initFrame = f
		return err
	}
	t.initFrame = nil
	return nil
}

// recoverRelativePose estimates the second camera's pose relative to the
// first from the fundamental matrix of the matched features, testing the
// four essential-matrix decompositions by triangulated point support.
func (t *Tracker) recoverRelativePose(
	ref, cur *frame.Frame, matches []feature.Match,
) (spatialmath.Pose, error) {
	pts1 := make([]r2.Point, len(matches))
	pts2 := make([]r2.Point, len(matches))
	for i, match := range matches {
		pts1[i] = r2.Point{X: ref.Keypoints[match.Idx1].X, Y: ref.Keypoints[match.Idx1].Y}
		pts2[i] = r2.Point{X: cur.Keypoints[match.Idx2].X, Y: cur.Keypoints[match.Idx2].Y}
	}

	fund, err := transform.ComputeFundamentalMatrixAllPoints(pts1, pts2, true)
	if err != nil {
		return nil, errors.Wrap(err, "fundamental matrix estimation failed")
	}
	k := ref.Camera.Intrinsics.GetCameraMatrix()
	ess, err := transform.GetEssentialMatrixFromFundamental(k, k, fund)
	if err != nil {
		return nil, errors.Wrap(err, "essential matrix computation failed")
	}
	r1, r2m, tv, err := transform.DecomposeEssentialMatrix(ess)
	if err != nil {
		return nil, errors.Wrap(err, "essential matrix decomposition failed")
	}

	tvec := r3.Vector{X: tv.At(0, 0), Y: tv.At(1, 0), Z: tv.At(2, 0)}
	candidates := []spatialmath.Pose{
		poseFromWorldToCamera(r1, tvec),
		poseFromWorldToCamera(r1, tvec.Mul(-1)),
		poseFromWorldToCamera(r2m, tvec),
		poseFromWorldToCamera(r2m, tvec.Mul(-1)),
	}

	zero := spatialmath.NewZeroPose()
	best, bestGood, secondGood := -1, 0, 0
	for i, cand := range candidates {
		_, good := t.triangulateMatches(ref, cur, zero, cand, matches)
		if good > bestGood {
			secondGood = bestGood
			bestGood = good
			best = i
		} else if good > secondGood {
			secondGood = good
		}
	}
	if best < 0 || bestGood < t.cfg.MinTrackedInliers {
		return nil, errors.Errorf("no decomposition places enough points in front of both cameras (best %d)", bestGood)
	}
	if float64(secondGood) > 0.7*float64(bestGood) {
		return nil, errors.New("ambiguous essential matrix decomposition")
	}
	return candidates[best], nil
}

// poseFromWorldToCamera inverts a world-to-camera [R|t] into a
// camera-in-world pose.
func poseFromWorldToCamera(r *mat.Dense, tvec r3.Vector) spatialmath.Pose {
	var rwc mat.Dense
	rwc.CloneFrom(r.T())
	q := optimization.QuatFromRotationMatrix(&rwc)
	center := rotateVec(q, tvec.Mul(-1))
	o := spatialmath.Quaternion(q)
	return spatialmath.NewPose(center, &o)
}

func rotateVec(q quat.Number, v r3.Vector) r3.Vector {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// triangulateMatches triangulates every match under the two poses and keeps
// the points that land in front of both cameras with an acceptable
// reprojection error. The returned slice is indexed like matches, with zero
// vectors and a false entry meaning the match did not survive; good is the
// survivor count.
func (t *Tracker) triangulateMatches(
	ref, cur *frame.Frame,
	pose1, pose2 spatialmath.Pose,
	matches []feature.Match,
) ([]triangulated, int) {
	out := make([]triangulated, len(matches))
	good := 0
	for i, match := range matches {
		kp1 := ref.Keypoints[match.Idx1]
		kp2 := cur.Keypoints[match.Idx2]
		world, ok := optimization.TriangulatePoint(
			ref.Camera, cur.Camera, pose1, pose2, kp1.X, kp1.Y, kp2.X, kp2.Y)
		if !ok {
			continue
		}
		if reprojectionErrorSq(ref.Camera, pose1, world, kp1.X, kp1.Y) > t.cfg.OutlierChiSquared ||
			reprojectionErrorSq(cur.Camera, pose2, world, kp2.X, kp2.Y) > t.cfg.OutlierChiSquared {
			continue
		}
		out[i] = triangulated{World: world, OK: true}
		good++
	}
	return out, good
}

type triangulated struct {
	World r3.Vector
	OK    bool
}

func reprojectionErrorSq(cam *camera.Model, pose spatialmath.Pose, world r3.Vector, u, v float64) float64 {
	pu, pv, ok := cam.Project(camera.WorldToCamera(pose, world))
	if !ok {
		return math.Inf(1)
	}
	du := pu - u
	dv := pv - v
	return du*du + dv*dv
}

// normalizeMapScale rescales the two-view reconstruction so the median point
// depth in the first camera is one, pinning the otherwise free monocular
// scale.
func normalizeMapScale(pose2 spatialmath.Pose, points []triangulated) (spatialmath.Pose, []triangulated) {
	depths := make([]float64, 0, len(points))
	for _, p := range points {
		if p.OK {
			depths = append(depths, p.World.Z)
		}
	}
	if len(depths) == 0 {
		return pose2, points
	}
	sort.Float64s(depths)
	median := depths[len(depths)/2]
	if median <= 0 {
		return pose2, points
	}
	scale := 1.0 / median

	for i := range points {
		if points[i].OK {
			points[i].World = points[i].World.Mul(scale)
		}
	}
	scaled := spatialmath.NewPose(pose2.Point().Mul(scale), pose2.Orientation())
	return scaled, points
}

// buildInitialMap installs the two bootstrap keyframes and the triangulated
// points into the map.
func (t *Tracker) buildInitialMap(
	ref, cur *frame.Frame,
	pose2 spatialmath.Pose,
	matches []feature.Match,
	points []triangulated,
) error {
	ref.Pose = spatialmath.NewZeroPose()
	cur.Pose = pose2

	kf1, err := t.m.AddKeyFrame(ref, t.voc.Quantize(ref.Descriptors), 0)
	if err != nil {
		return err
	}
	kf2, err := t.m.AddKeyFrame(cur, t.voc.Quantize(cur.Descriptors), kf1.ID())
	if err != nil {
		return err
	}

	for i, match := range matches {
		if !points[i].OK {
			continue
		}
		mp, err := t.m.CreateMapPoint(points[i].World, kf1.ID(), match.Idx1)
		if err != nil {
			return err
		}
		if err := t.m.AddObservation(mp.ID(), kf2.ID(), match.Idx2); err != nil {
			return err
		}
		ref.MapPoints[match.Idx1] = int64(mp.ID())
		cur.MapPoints[match.Idx2] = int64(mp.ID())
	}

	if err := t.m.UpdateConnections(kf2.ID()); err != nil {
		return err
	}
	if err := t.m.UpdateConnections(kf1.ID()); err != nil {
		return err
	}

	t.refKF = kf2.ID()
	if t.sink != nil {
		t.sink.Enqueue(kf1)
		t.sink.Enqueue(kf2)
	}
	return nil
}
