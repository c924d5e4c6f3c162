// Package localmapping maintains the map behind the tracker: it absorbs
// promoted keyframes, triangulates new landmarks, prunes unstable ones,
// refines the local neighborhood with bundle adjustment, and retires
// redundant keyframes.
package localmapping

import (
	"context"
	"math"
	"sync"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	goutils "go.viam.com/utils"

	"github.com/viamrobotics/viam-vslam/camera"
	"github.com/viamrobotics/viam-vslam/config"
	"github.com/viamrobotics/viam-vslam/feature"
	"github.com/viamrobotics/viam-vslam/keyframedb"
	"github.com/viamrobotics/viam-vslam/optimization"
	"github.com/viamrobotics/viam-vslam/slammap"
)

// fuseWindow is the pixel half-width used when projecting a landmark into a
// neighbor keyframe to hunt for duplicates.
const fuseWindow = 10.0

// minParallaxCos rejects triangulations whose viewing rays are nearly
// parallel (under roughly one degree apart).
const minParallaxCos = 0.9998

// KeyFrameHandler receives keyframes the mapper has finished with. The loop
// closer implements it.
type KeyFrameHandler interface {
	Enqueue(kf *slammap.KeyFrame)
}

// probation tracks a freshly created landmark until it has either proven
// itself or been culled.
type probation struct {
	id     slammap.MapPointID
	bornAt int
}

// Mapper consumes promoted keyframes on a dedicated worker goroutine. The
// tracker's Enqueue never blocks regardless of how far the worker lags.
type Mapper struct {
	logger golog.Logger
	cfg    *config.Config
	m      *slammap.Map
	db     *keyframedb.DB
	closer KeyFrameHandler

	q                       *keyframeQueue
	cancelFunc              func()
	activeBackgroundWorkers sync.WaitGroup

	mu        sync.Mutex
	idle      *sync.Cond
	paused    bool
	busy      bool
	processed int
	recent    []probation
}

// New returns a mapper over the given map. closer may be nil when no loop
// closing runs behind the mapper.
func New(
	logger golog.Logger,
	cfg *config.Config,
	m *slammap.Map,
	db *keyframedb.DB,
	closer KeyFrameHandler,
) *Mapper {
	lm := &Mapper{
		logger: logger,
		cfg:    cfg,
		m:      m,
		db:     db,
		closer: closer,
		q:      newKeyframeQueue(),
	}
	lm.idle = sync.NewCond(&lm.mu)
	return lm
}

// SetHandler wires the downstream consumer of processed keyframes. It must
// be called before Start.
func (lm *Mapper) SetHandler(h KeyFrameHandler) {
	lm.mu.Lock()
	lm.closer = h
	lm.mu.Unlock()
}

// Start launches the worker goroutine. Close stops it.
func (lm *Mapper) Start(ctx context.Context) {
	cancelCtx, cancel := context.WithCancel(ctx)
	lm.cancelFunc = cancel
	lm.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		lm.run(cancelCtx)
	}, lm.activeBackgroundWorkers.Done)
}

// Close stops the worker and waits for it to exit.
func (lm *Mapper) Close() {
	if lm.cancelFunc != nil {
		lm.cancelFunc()
	}
	lm.activeBackgroundWorkers.Wait()
}

// Enqueue accepts a promoted keyframe. It never blocks.
func (lm *Mapper) Enqueue(kf *slammap.KeyFrame) {
	lm.q.push(kf)
}

// QueueLen returns the number of keyframes awaiting processing.
func (lm *Mapper) QueueLen() int {
	return lm.q.len()
}

// Idle reports whether the mapper has drained its queue and is waiting.
func (lm *Mapper) Idle() bool {
	lm.mu.Lock()
	busy := lm.busy
	lm.mu.Unlock()
	return !busy && lm.q.len() == 0
}

// Pause suspends keyframe processing and waits for the in-flight keyframe,
// if any, to finish. Callers may mutate the map freely once it returns;
// queued work stays queued.
func (lm *Mapper) Pause() {
	lm.mu.Lock()
	lm.paused = true
	for lm.busy {
		lm.idle.Wait()
	}
	lm.mu.Unlock()
}

// Resume restarts processing after a Pause.
func (lm *Mapper) Resume() {
	lm.mu.Lock()
	lm.paused = false
	lm.mu.Unlock()
	lm.q.wake()
}

// Paused reports whether processing is suspended.
func (lm *Mapper) Paused() bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.paused
}

// Reset drops queued keyframes and probation state.
func (lm *Mapper) Reset() {
	lm.q.clear()
	lm.mu.Lock()
	lm.recent = nil
	lm.processed = 0
	lm.mu.Unlock()
}

func (lm *Mapper) setBusy(b bool) {
	lm.mu.Lock()
	lm.busy = b
	if !b {
		lm.idle.Broadcast()
	}
	lm.mu.Unlock()
}

func (lm *Mapper) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-lm.q.notify:
		}
		for ctx.Err() == nil && !lm.Paused() {
			kf := lm.q.pop()
			if kf == nil {
				break
			}
			lm.setBusy(true)
			lm.processKeyFrame(kf)
			lm.setBusy(false)
		}
	}
}

// ProcessNext pops and processes a single queued keyframe synchronously. It
// returns false when the queue is empty. It exists for deterministic
// single-threaded use; normal operation goes through Start.
func (lm *Mapper) ProcessNext() bool {
	kf := lm.q.pop()
	if kf == nil {
		return false
	}
	lm.setBusy(true)
	lm.processKeyFrame(kf)
	lm.setBusy(false)
	return true
}

func (lm *Mapper) processKeyFrame(kf *slammap.KeyFrame) {
	if kf.Erased() {
		return
	}
	lm.absorbKeyFrame(kf)
	lm.cullRecentPoints()
	lm.triangulateNewPoints(kf)
	lm.fuseDuplicates(kf)

	if lm.m.KeyFrameCount() > 2 {
		params := optimization.Params{
			Iterations: lm.cfg.BAIterations,
			Chi2:       lm.cfg.OutlierChiSquared,
		}
		abort := func() bool { return lm.q.len() > 0 }
		if err := optimization.LocalBundleAdjust(
			lm.m, kf, lm.cfg.LocalWindow, params, abort); err != nil {
			lm.logger.Errorw("local bundle adjustment failed", "error", err)
		}
	}

	lm.cullRedundantKeyFrames(kf)

	lm.mu.Lock()
	closer := lm.closer
	lm.mu.Unlock()
	if closer != nil && !kf.Erased() {
		closer.Enqueue(kf)
	}
	lm.logger.Debugw("keyframe processed",
		"id", int64(kf.ID()),
		"keyframes", lm.m.KeyFrameCount(),
		"points", lm.m.MapPointCount())
}

// absorbKeyFrame refreshes the keyframe's covisibility links and places its
// newly created landmarks under probation.
func (lm *Mapper) absorbKeyFrame(kf *slammap.KeyFrame) {
	if err := lm.m.UpdateConnections(kf.ID()); err != nil {
		lm.logger.Errorw("connection update failed", "keyframe", int64(kf.ID()), "error", err)
	}

	lm.mu.Lock()
	lm.processed++
	born := lm.processed
	for _, mpID := range kf.Observations() {
		if mpID == 0 {
			continue
		}
		mp := lm.m.MapPoint(mpID)
		if mp == nil || mp.Erased() || mp.FirstKeyFrame() != kf.ID() {
			continue
		}
		lm.recent = append(lm.recent, probation{id: mpID, bornAt: born})
	}
	lm.mu.Unlock()
}

// cullRecentPoints erases probation landmarks that are rarely confirmed by
// tracking or that failed to attract observers within the grace period.
func (lm *Mapper) cullRecentPoints() {
	lm.mu.Lock()
	recent := lm.recent
	processed := lm.processed
	lm.mu.Unlock()

	minObs := 3
	if lm.cfg.Sensor == config.Monocular {
		minObs = 2
	}

	kept := recent[:0]
	for _, p := range recent {
		mp := lm.m.MapPoint(p.id)
		if mp == nil || mp.Erased() {
			continue
		}
		age := processed - p.bornAt
		switch {
		case mp.FoundRatio() < lm.cfg.CullFoundRatio:
			lm.erasePoint(p.id)
		case age >= lm.cfg.CullGraceKeyFrames && mp.ObservationCount() < minObs:
			lm.erasePoint(p.id)
		case age > lm.cfg.CullGraceKeyFrames:
			// graduated
		default:
			kept = append(kept, p)
		}
	}

	lm.mu.Lock()
	lm.recent = kept
	lm.mu.Unlock()
}

func (lm *Mapper) erasePoint(id slammap.MapPointID) {
	if err := lm.m.EraseMapPoint(id); err != nil {
		lm.logger.Debugw("point cull skipped", "point", int64(id), "error", err)
	}
}

// triangulateNewPoints creates landmarks from feature matches between the
// keyframe and its covisibility neighbors, for slots not yet bound to a
// landmark.
func (lm *Mapper) triangulateNewPoints(kf *slammap.KeyFrame) {
	freeSlots, freeDescs := unboundSlots(kf)
	if len(freeSlots) == 0 {
		return
	}

	for _, nbID := range kf.CovisibleKeyFrames(lm.cfg.LocalWindow) {
		nb := lm.m.KeyFrame(nbID)
		if nb == nil || nb.Erased() {
			continue
		}
		baseline := kf.Pose().Point().Sub(nb.Pose().Point()).Norm()
		if baseline < 1e-6 {
			continue
		}

		nbSlots, nbDescs := unboundSlots(nb)
		if len(nbSlots) == 0 {
			continue
		}

		matches := feature.MatchDescriptors(freeDescs, nbDescs, lm.cfg.MatchMaxDistance, true)
		for _, match := range matches {
			slot1 := freeSlots[match.Idx1]
			slot2 := nbSlots[match.Idx2]
			if kf.MapPointAt(slot1) != 0 || nb.MapPointAt(slot2) != 0 {
				continue
			}
			kp1 := kf.KeyPoints()[slot1]
			kp2 := nb.KeyPoints()[slot2]
			world, ok := optimization.TriangulatePoint(
				kf.Camera(), nb.Camera(), kf.Pose(), nb.Pose(),
				kp1.X, kp1.Y, kp2.X, kp2.Y)
			if !ok {
				continue
			}
			if parallaxCos(kf.Pose(), nb.Pose(), world) > minParallaxCos {
				continue
			}
			if reprojErrSq(kf.Camera(), kf.Pose(), world, kp1.X, kp1.Y) > lm.cfg.MaxReprojError ||
				reprojErrSq(nb.Camera(), nb.Pose(), world, kp2.X, kp2.Y) > lm.cfg.MaxReprojError {
				continue
			}

			mp, err := lm.m.CreateMapPoint(world, kf.ID(), slot1)
			if err != nil {
				lm.logger.Errorw("landmark creation failed", "error", err)
				continue
			}
			if err := lm.m.AddObservation(mp.ID(), nb.ID(), slot2); err != nil {
				lm.logger.Errorw("landmark observation failed", "error", err)
				continue
			}
			lm.mu.Lock()
			lm.recent = append(lm.recent, probation{id: mp.ID(), bornAt: lm.processed})
			lm.mu.Unlock()
		}
	}
	if err := lm.m.UpdateConnections(kf.ID()); err != nil {
		lm.logger.Errorw("connection update failed", "keyframe", int64(kf.ID()), "error", err)
	}
}

func unboundSlots(kf *slammap.KeyFrame) ([]int, []feature.Descriptor) {
	descs := kf.Descriptors()
	slots := make([]int, 0, len(descs))
	out := make([]feature.Descriptor, 0, len(descs))
	for i := range descs {
		if kf.MapPointAt(i) != 0 {
			continue
		}
		slots = append(slots, i)
		out = append(out, descs[i])
	}
	return slots, out
}

func parallaxCos(pose1, pose2 spatialmath.Pose, world r3.Vector) float64 {
	ray1 := world.Sub(pose1.Point())
	ray2 := world.Sub(pose2.Point())
	n1 := ray1.Norm()
	n2 := ray2.Norm()
	if n1 == 0 || n2 == 0 {
		return 1
	}
	return ray1.Dot(ray2) / (n1 * n2)
}

func reprojErrSq(cam *camera.Model, pose spatialmath.Pose, world r3.Vector, u, v float64) float64 {
	pu, pv, ok := cam.Project(camera.WorldToCamera(pose, world))
	if !ok {
		return math.Inf(1)
	}
	du := pu - u
	dv := pv - v
	return du*du + dv*dv
}

// fuseDuplicates projects the keyframe's landmarks into its neighbors and
// the neighbors' landmarks into the keyframe, merging pairs that land on the
// same feature slot.
func (lm *Mapper) fuseDuplicates(kf *slammap.KeyFrame) {
	neighbors := kf.CovisibleKeyFrames(lm.cfg.LocalWindow)
	for _, nbID := range neighbors {
		nb := lm.m.KeyFrame(nbID)
		if nb == nil || nb.Erased() {
			continue
		}
		lm.fuseInto(kf, nb)
		lm.fuseInto(nb, kf)
	}
	if err := lm.m.UpdateConnections(kf.ID()); err != nil {
		lm.logger.Errorw("connection update failed", "keyframe", int64(kf.ID()), "error", err)
	}
}

// fuseInto projects src's landmarks into dst. A projected landmark landing
// on a slot bound to a different landmark merges the two, keeping the one
// with more observers; landing on a free matching slot adds an observation.
func (lm *Mapper) fuseInto(src, dst *slammap.KeyFrame) {
	dstKPs := dst.KeyPoints()
	dstDescs := dst.Descriptors()
	for _, mpID := range src.Observations() {
		if mpID == 0 {
			continue
		}
		mp := lm.m.MapPoint(mpID)
		if mp == nil || mp.Erased() {
			continue
		}
		if _, seen := mp.Observations()[dst.ID()]; seen {
			continue
		}
		u, v, ok := dst.Camera().Project(camera.WorldToCamera(dst.Pose(), mp.Position()))
		if !ok {
			continue
		}

		best := -1
		bestDist := lm.cfg.MatchMaxDistance + 1
		for i, kp := range dstKPs {
			if math.Abs(kp.X-u) > fuseWindow || math.Abs(kp.Y-v) > fuseWindow {
				continue
			}
			d, err := feature.HammingDistance(dstDescs[i], mp.Descriptor())
			if err != nil {
				continue
			}
			if d < bestDist {
				bestDist = d
				best = i
			}
		}
		if best < 0 {
			continue
		}

		otherID := dst.MapPointAt(best)
		switch {
		case otherID == 0:
			if err := lm.m.AddObservation(mpID, dst.ID(), best); err != nil {
				lm.logger.Debugw("fuse observation skipped", "error", err)
			}
		case otherID != mpID:
			other := lm.m.MapPoint(otherID)
			if other == nil || other.Erased() {
				continue
			}
			// Keep the better-observed landmark.
			if other.ObservationCount() >= mp.ObservationCount() {
				if err := lm.m.ReplaceMapPoint(mpID, otherID); err != nil {
					lm.logger.Debugw("fuse replace skipped", "error", err)
				}
			} else {
				if err := lm.m.ReplaceMapPoint(otherID, mpID); err != nil {
					lm.logger.Debugw("fuse replace skipped", "error", err)
				}
			}
		}
	}
}

// cullRedundantKeyFrames retires covisibility neighbors whose landmarks are
// almost entirely observed by at least three other keyframes.
func (lm *Mapper) cullRedundantKeyFrames(latest *slammap.KeyFrame) {
	for _, nbID := range latest.CovisibleKeyFrames(0) {
		nb := lm.m.KeyFrame(nbID)
		if nb == nil || nb.Erased() || nbID == lm.m.OriginKeyFrame() || nbID == latest.ID() {
			continue
		}
		tracked := 0
		redundant := 0
		for _, mpID := range nb.Observations() {
			if mpID == 0 {
				continue
			}
			mp := lm.m.MapPoint(mpID)
			if mp == nil || mp.Erased() {
				continue
			}
			tracked++
			if mp.ObservationCount() >= 4 {
				redundant++
			}
		}
		if tracked == 0 {
			continue
		}
		if float64(redundant)/float64(tracked) > lm.cfg.RedundantObsRatio {
			if lm.db != nil {
				lm.db.Erase(nb)
			}
			if err := lm.m.EraseKeyFrame(nbID); err != nil {
				lm.logger.Debugw("keyframe cull skipped", "keyframe", int64(nbID), "error", err)
				continue
			}
			lm.logger.Debugw("redundant keyframe culled", "keyframe", int64(nbID))
		}
	}
}
