// Package optimization implements the nonlinear refinement stages of the
// pipeline: motion-only pose optimization, the local bundle adjustment the
// local mapper runs over a covisibility window, and the full-map bundle
// adjustment triggered by loop closure. All of them minimize reprojection
// error with damped Gauss-Newton steps solved through gonum. The numeric
// scheme is deliberately self-contained so a different solver can be
// swapped in behind the same functions.
package optimization

import (
	"context"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viamrobotics/viam-vslam/camera"
	"github.com/viamrobotics/viam-vslam/slammap"
)

// Observation ties a world point to the pixel it was measured at.
type Observation struct {
	World r3.Vector
	U, V  float64
}

// PoseResult is the outcome of a motion-only optimization.
type PoseResult struct {
	Pose    spatialmath.Pose
	Inliers []bool
	// InlierCount is the number of observations within the outlier
	// threshold at the final pose.
	InlierCount int
}

const (
	poseDamping  = 1e-4
	pointDamping = 1e-6
	numericStep  = 1e-6
)

// OptimizePose refines a camera-in-world pose against fixed world points by
// minimizing squared reprojection error. Observations whose squared pixel
// error exceeds chi2 are treated as outliers and excluded from subsequent
// iterations (they may be readmitted if the refined pose brings them back).
func OptimizePose(
	cam *camera.Model,
	initial spatialmath.Pose,
	obs []Observation,
	iterations int,
	chi2 float64,
) (*PoseResult, error) {
	if len(obs) < 3 {
		return nil, errors.Errorf("pose optimization needs at least 3 observations, got %d", len(obs))
	}
	pose := initial
	inliers := make([]bool, len(obs))
	for i := range inliers {
		inliers[i] = true
	}

	for iter := 0; iter < iterations; iter++ {
		delta, ok := poseStep(cam, pose, obs, inliers)
		if !ok {
			break
		}
		pose = applyPoseIncrement(pose, delta)
		for i, o := range obs {
			inliers[i] = reprojErrorSq(cam, pose, o) <= chi2
		}
	}

	count := 0
	for _, in := range inliers {
		if in {
			count++
		}
	}
	return &PoseResult{Pose: pose, Inliers: inliers, InlierCount: count}, nil
}

// poseStep computes one damped Gauss-Newton increment (3 rotation, 3
// translation parameters) using numeric Jacobians.
func poseStep(cam *camera.Model, pose spatialmath.Pose, obs []Observation, inliers []bool) ([6]float64, bool) {
	var zero [6]float64
	jtj := mat.NewDense(6, 6, nil)
	jtr := mat.NewVecDense(6, nil)
	rows := 0

	for i, o := range obs {
		if !inliers[i] {
			continue
		}
		ru0, rv0, visible := residual(cam, pose, o)
		if !visible {
			continue
		}
		var ju, jv [6]float64
		for p := 0; p < 6; p++ {
			var d [6]float64
			d[p] = numericStep
			ru1, rv1, ok := residual(cam, applyPoseIncrement(pose, d), o)
			if !ok {
				continue
			}
			ju[p] = (ru1 - ru0) / numericStep
			jv[p] = (rv1 - rv0) / numericStep
		}
		for a := 0; a < 6; a++ {
			for b := 0; b < 6; b++ {
				jtj.Set(a, b, jtj.At(a, b)+ju[a]*ju[b]+jv[a]*jv[b])
			}
			jtr.SetVec(a, jtr.AtVec(a)+ju[a]*ru0+jv[a]*rv0)
		}
		rows++
	}
	if rows < 3 {
		return zero, false
	}
	for a := 0; a < 6; a++ {
		jtj.Set(a, a, jtj.At(a, a)+poseDamping)
	}
	var step mat.VecDense
	if err := step.SolveVec(jtj, jtr); err != nil {
		return zero, false
	}
	var delta [6]float64
	for p := 0; p < 6; p++ {
		delta[p] = -step.AtVec(p)
	}
	return delta, true
}

func residual(cam *camera.Model, pose spatialmath.Pose, o Observation) (float64, float64, bool) {
	local := camera.WorldToCamera(pose, o.World)
	if local.Z <= 0 {
		return 0, 0, false
	}
	u, v := cam.Intrinsics.PointToPixel(local.X, local.Y, local.Z)
	return u - o.U, v - o.V, true
}

func reprojErrorSq(cam *camera.Model, pose spatialmath.Pose, o Observation) float64 {
	ru, rv, ok := residual(cam, pose, o)
	if !ok {
		return math.Inf(1)
	}
	return ru*ru + rv*rv
}

// applyPoseIncrement perturbs a pose by (wx, wy, wz, tx, ty, tz): a
// left-multiplied rotation-vector increment and a world-frame translation.
func applyPoseIncrement(pose spatialmath.Pose, d [6]float64) spatialmath.Pose {
	w := r3.Vector{X: d[0], Y: d[1], Z: d[2]}
	q := expRotation(w)
	newQ := quat.Mul(q, pose.Orientation().Quaternion())
	newT := pose.Point().Add(r3.Vector{X: d[3], Y: d[4], Z: d[5]})
	o := spatialmath.Quaternion(newQ)
	return spatialmath.NewPose(newT, &o)
}

// expRotation converts a rotation vector to a unit quaternion.
func expRotation(w r3.Vector) quat.Number {
	theta := w.Norm()
	if theta < 1e-12 {
		return quat.Number{Real: 1}
	}
	axis := w.Mul(1 / theta)
	s := math.Sin(theta / 2)
	return quat.Number{
		Real: math.Cos(theta / 2),
		Imag: axis.X * s,
		Jmag: axis.Y * s,
		Kmag: axis.Z * s,
	}
}

// pointObservation is one keyframe's measurement of a landmark.
type pointObservation struct {
	cam  *camera.Model
	pose spatialmath.Pose
	u, v float64
}

// refinePoint runs damped Gauss-Newton on a single landmark position with
// all observing keyframes held fixed.
func refinePoint(position r3.Vector, obs []pointObservation, iterations int) (r3.Vector, bool) {
	if len(obs) < 2 {
		return position, false
	}
	p := position
	for iter := 0; iter < iterations; iter++ {
		jtj := mat.NewDense(3, 3, nil)
		jtr := mat.NewVecDense(3, nil)
		rows := 0
		for _, o := range obs {
			ru0, rv0, ok := residual(o.cam, o.pose, Observation{World: p, U: o.u, V: o.v})
			if !ok {
				continue
			}
			var ju, jv [3]float64
			for a := 0; a < 3; a++ {
				dp := p
				switch a {
				case 0:
					dp.X += numericStep
				case 1:
					dp.Y += numericStep
				case 2:
					dp.Z += numericStep
				}
				ru1, rv1, ok := residual(o.cam, o.pose, Observation{World: dp, U: o.u, V: o.v})
				if !ok {
					continue
				}
				ju[a] = (ru1 - ru0) / numericStep
				jv[a] = (rv1 - rv0) / numericStep
			}
			for a := 0; a < 3; a++ {
				for b := 0; b < 3; b++ {
					jtj.Set(a, b, jtj.At(a, b)+ju[a]*ju[b]+jv[a]*jv[b])
				}
				jtr.SetVec(a, jtr.AtVec(a)+ju[a]*ru0+jv[a]*rv0)
			}
			rows++
		}
		if rows < 2 {
			return p, false
		}
		for a := 0; a < 3; a++ {
			jtj.Set(a, a, jtj.At(a, a)+pointDamping)
		}
		var step mat.VecDense
		if err := step.SolveVec(jtj, jtr); err != nil {
			return p, false
		}
		p = r3.Vector{X: p.X - step.AtVec(0), Y: p.Y - step.AtVec(1), Z: p.Z - step.AtVec(2)}
	}
	return p, true
}

// Params bounds an adjustment run.
type Params struct {
	Iterations int
	Chi2       float64
}

// LocalBundleAdjust jointly refines the poses of a keyframe's covisibility
// window and the landmarks they observe, holding everything else fixed.
// abort is polled between units of work; when it reports true the
// best-effort result so far is kept and the function returns early.
// Observations still beyond the outlier threshold afterwards are erased
// from the map.
func LocalBundleAdjust(
	m *slammap.Map,
	center *slammap.KeyFrame,
	window int,
	params Params,
	abort func() bool,
) error {
	if center == nil {
		return errors.New("local bundle adjustment needs a center keyframe")
	}
	local := []*slammap.KeyFrame{center}
	for _, id := range center.CovisibleKeyFrames(window) {
		if kf := m.KeyFrame(id); kf != nil {
			local = append(local, kf)
		}
	}
	origin := m.OriginKeyFrame()

	for iter := 0; iter < params.Iterations; iter++ {
		for _, kf := range local {
			if abort != nil && abort() {
				return nil
			}
			// The root anchors the gauge; never move it.
			if kf.ID() == origin {
				continue
			}
			if err := refineKeyFramePose(m, kf, params); err != nil {
				continue
			}
		}
		if err := refineLocalPoints(m, local, abort); err != nil {
			return err
		}
	}
	return eraseOutlierObservations(m, local, params.Chi2)
}

func refineKeyFramePose(m *slammap.Map, kf *slammap.KeyFrame, params Params) error {
	kps := kf.KeyPoints()
	obs := make([]Observation, 0, len(kps))
	for slot, mpID := range kf.Observations() {
		if mpID == 0 {
			continue
		}
		mp := m.MapPoint(mpID)
		if mp == nil {
			continue
		}
		obs = append(obs, Observation{World: mp.Position(), U: kps[slot].X, V: kps[slot].Y})
	}
	res, err := OptimizePose(kf.Camera(), kf.Pose(), obs, 3, params.Chi2)
	if err != nil {
		return err
	}
	kf.SetPose(res.Pose)
	return nil
}

func refineLocalPoints(m *slammap.Map, local []*slammap.KeyFrame, abort func() bool) error {
	seen := make(map[slammap.MapPointID]bool)
	for _, kf := range local {
		for _, mpID := range kf.Observations() {
			if mpID == 0 || seen[mpID] {
				continue
			}
			seen[mpID] = true
			if abort != nil && abort() {
				return nil
			}
			mp := m.MapPoint(mpID)
			if mp == nil {
				continue
			}
			obs := gatherPointObservations(m, mp)
			if pos, ok := refinePoint(mp.Position(), obs, 2); ok {
				mp.SetPosition(pos)
			}
		}
	}
	return nil
}

func gatherPointObservations(m *slammap.Map, mp *slammap.MapPoint) []pointObservation {
	var obs []pointObservation
	for kfID, slot := range mp.Observations() {
		kf := m.KeyFrame(kfID)
		if kf == nil {
			continue
		}
		kp := kf.KeyPoints()[slot]
		obs = append(obs, pointObservation{cam: kf.Camera(), pose: kf.Pose(), u: kp.X, v: kp.Y})
	}
	return obs
}

func eraseOutlierObservations(m *slammap.Map, local []*slammap.KeyFrame, chi2 float64) error {
	for _, kf := range local {
		kps := kf.KeyPoints()
		pose := kf.Pose()
		for slot, mpID := range kf.Observations() {
			if mpID == 0 {
				continue
			}
			mp := m.MapPoint(mpID)
			if mp == nil {
				continue
			}
			o := Observation{World: mp.Position(), U: kps[slot].X, V: kps[slot].Y}
			if reprojErrorSq(kf.Camera(), pose, o) > chi2 {
				if err := m.EraseObservation(mpID, kf.ID()); err != nil {
					return errors.Wrap(err, "error erasing outlier observation")
				}
			}
		}
	}
	return nil
}

// GlobalBundleAdjust refines every keyframe pose and landmark in the map.
// It checks ctx between units of work so a superseding loop closure or
// shutdown can abort it; an aborted run returns ctx's error and leaves the
// map in the best-effort state reached so far.
func GlobalBundleAdjust(ctx context.Context, m *slammap.Map, params Params) error {
	origin := m.OriginKeyFrame()
	for iter := 0; iter < params.Iterations; iter++ {
		kfs := m.KeyFrames()
		for _, kf := range kfs {
			if err := ctx.Err(); err != nil {
				return err
			}
			if kf.ID() == origin || kf.Erased() {
				continue
			}
			//nolint:errcheck
			refineKeyFramePose(m, kf, params)
		}
		for _, mp := range m.MapPoints() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if mp.Erased() {
				continue
			}
			obs := gatherPointObservations(m, mp)
			if pos, ok := refinePoint(mp.Position(), obs, 2); ok {
				mp.SetPosition(pos)
			}
		}
	}
	return nil
}
