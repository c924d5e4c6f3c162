// Package loopclosing detects revisited places, verifies them geometrically,
// and corrects the accumulated drift across the map.
package loopclosing

import (
	"context"
	"sync"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"
	goutils "go.viam.com/utils"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viamrobotics/viam-vslam/config"
	"github.com/viamrobotics/viam-vslam/feature"
	"github.com/viamrobotics/viam-vslam/keyframedb"
	"github.com/viamrobotics/viam-vslam/optimization"
	"github.com/viamrobotics/viam-vslam/slammap"
	"github.com/viamrobotics/viam-vslam/vocab"
)

const (
	// minMapKeyFrames gates loop detection until the map has some history.
	minMapKeyFrames = 10
	// loopCooldownKeyFrames suppresses detection right after an accepted
	// loop, while the correction settles.
	loopCooldownKeyFrames = 10
	// inlierTolFraction sets the correspondence residual tolerance as a
	// fraction of the candidate-side point spread.
	inlierTolFraction = 0.05
)

// MappingControl pauses the local mapper while a correction rewrites poses.
type MappingControl interface {
	Pause()
	Resume()
}

// consistencyGroup is a covisibility neighborhood seen among loop candidates
// in consecutive detection runs.
type consistencyGroup struct {
	members map[slammap.KeyFrameID]bool
	count   int
}

// correspondence pairs a query-side landmark with a candidate-side one.
type correspondence struct {
	query slammap.MapPointID
	cand  slammap.MapPointID
	src   r3.Vector
	dst   r3.Vector
}

// Closer consumes keyframes the local mapper has finished with. Detection
// and correction run on a dedicated worker; an accepted loop additionally
// launches a cancellable global bundle adjustment, at most one live at a
// time.
type Closer struct {
	logger  golog.Logger
	cfg     *config.Config
	m       *slammap.Map
	db      *keyframedb.DB
	mapping MappingControl

	q                       *keyframeQueue
	cancelFunc              func()
	activeBackgroundWorkers sync.WaitGroup

	mu        sync.Mutex
	rootCtx   context.Context
	groups    []consistencyGroup
	lastLoop  slammap.KeyFrameID
	loops     int
	gbaCancel context.CancelFunc
	gbaDone   chan struct{}
}

// New returns a loop closer over the given map and place-recognition index.
// mapping may be nil.
func New(
	logger golog.Logger,
	cfg *config.Config,
	m *slammap.Map,
	db *keyframedb.DB,
	mapping MappingControl,
) *Closer {
	return &Closer{
		logger:  logger,
		cfg:     cfg,
		m:       m,
		db:      db,
		mapping: mapping,
		q:       newKeyframeQueue(),
		rootCtx: context.Background(),
	}
}

// Start launches the worker goroutine. Close stops it.
func (lc *Closer) Start(ctx context.Context) {
	cancelCtx, cancel := context.WithCancel(ctx)
	lc.mu.Lock()
	lc.rootCtx = cancelCtx
	lc.mu.Unlock()
	lc.cancelFunc = cancel
	lc.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		lc.run(cancelCtx)
	}, lc.activeBackgroundWorkers.Done)
}

// Close stops the worker, aborts any in-flight global optimization, and
// waits for both to exit.
func (lc *Closer) Close() {
	if lc.cancelFunc != nil {
		lc.cancelFunc()
	}
	lc.mu.Lock()
	if lc.gbaCancel != nil {
		lc.gbaCancel()
	}
	lc.mu.Unlock()
	lc.activeBackgroundWorkers.Wait()
}

// Enqueue accepts a keyframe for loop detection. It never blocks.
func (lc *Closer) Enqueue(kf *slammap.KeyFrame) {
	lc.q.push(kf)
}

// QueueLen returns the number of keyframes awaiting detection.
func (lc *Closer) QueueLen() int {
	return lc.q.len()
}

// LoopCount returns the number of accepted loop closures this session.
func (lc *Closer) LoopCount() int {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.loops
}

// Reset drops queued keyframes, detection history, and aborts any running
// global optimization.
func (lc *Closer) Reset() {
	lc.q.clear()
	lc.mu.Lock()
	lc.groups = nil
	lc.lastLoop = 0
	lc.loops = 0
	if lc.gbaCancel != nil {
		lc.gbaCancel()
	}
	lc.mu.Unlock()
}

func (lc *Closer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-lc.q.notify:
		}
		for ctx.Err() == nil {
			kf := lc.q.pop()
			if kf == nil {
				break
			}
			lc.processKeyFrame(kf)
		}
	}
}

// ProcessNext pops and processes a single queued keyframe synchronously. It
// returns false when the queue is empty. It exists for deterministic
// single-threaded use; normal operation goes through Start.
func (lc *Closer) ProcessNext() bool {
	kf := lc.q.pop()
	if kf == nil {
		return false
	}
	lc.processKeyFrame(kf)
	return true
}

func (lc *Closer) processKeyFrame(kf *slammap.KeyFrame) {
	if kf.Erased() {
		return
	}
	// Every keyframe the mapper kept becomes queryable for relocalization
	// and future loops, whether or not a loop is found now.
	defer lc.db.Add(kf)
	if lc.m.KeyFrameCount() < minMapKeyFrames {
		return
	}
	lc.mu.Lock()
	last := lc.lastLoop
	lc.mu.Unlock()
	if last != 0 && kf.ID()-last < loopCooldownKeyFrames {
		return
	}

	cands := lc.db.LoopCandidates(kf, lc.minLoopScore(kf))
	if len(cands) == 0 {
		lc.mu.Lock()
		lc.groups = nil
		lc.mu.Unlock()
		return
	}

	for _, cand := range lc.filterConsistent(cands) {
		sim, pairs, ok := lc.verifyCandidate(kf, cand)
		if !ok {
			continue
		}
		lc.correctLoop(kf, cand, sim, pairs)
		lc.mu.Lock()
		lc.lastLoop = kf.ID()
		lc.loops++
		lc.mu.Unlock()
		lc.logger.Infow("loop closed",
			"query", int64(kf.ID()), "match", int64(cand.ID()))
		return
	}
}

// minLoopScore is the lowest place-recognition score among the query's
// covisibility neighbors: a true loop match should look at least as similar
// as the places right next to the query.
func (lc *Closer) minLoopScore(kf *slammap.KeyFrame) float64 {
	minScore := 1.0
	for _, nbID := range kf.CovisibleKeyFrames(0) {
		nb := lc.m.KeyFrame(nbID)
		if nb == nil || nb.Erased() {
			continue
		}
		if s := vocab.Score(kf.Bow(), nb.Bow()); s < minScore {
			minScore = s
		}
	}
	if minScore < lc.cfg.LoopMinScoreFloor {
		minScore = lc.cfg.LoopMinScoreFloor
	}
	return minScore
}

// filterConsistent keeps only candidates whose covisibility neighborhood
// has recurred across enough consecutive detection runs, suppressing one-off
// perceptual aliasing.
func (lc *Closer) filterConsistent(cands []*slammap.KeyFrame) []*slammap.KeyFrame {
	lc.mu.Lock()
	prev := lc.groups
	lc.mu.Unlock()

	var accepted []*slammap.KeyFrame
	next := make([]consistencyGroup, 0, len(cands))
	for _, cand := range cands {
		members := map[slammap.KeyFrameID]bool{cand.ID(): true}
		for _, id := range cand.CovisibleKeyFrames(0) {
			members[id] = true
		}

		count := 1
		for _, g := range prev {
			if intersects(members, g.members) && g.count+1 > count {
				count = g.count + 1
			}
		}
		next = append(next, consistencyGroup{members: members, count: count})
		if count >= lc.cfg.LoopConsistencyRuns {
			accepted = append(accepted, cand)
		}
	}

	lc.mu.Lock()
	lc.groups = next
	lc.mu.Unlock()
	return accepted
}

func intersects(a, b map[slammap.KeyFrameID]bool) bool {
	if len(b) < len(a) {
		a, b = b, a
	}
	for id := range a {
		if b[id] {
			return true
		}
	}
	return false
}

// verifyCandidate matches the query against the candidate through their
// landmarks and solves for the world correction. It fails when too few
// correspondences survive the fit.
func (lc *Closer) verifyCandidate(
	kf, cand *slammap.KeyFrame,
) (similarity, []correspondence, bool) {
	matches := feature.MatchDescriptors(
		kf.Descriptors(), cand.Descriptors(), lc.cfg.MatchMaxDistance, true)

	pairs := make([]correspondence, 0, len(matches))
	for _, match := range matches {
		qID := kf.MapPointAt(match.Idx1)
		cID := cand.MapPointAt(match.Idx2)
		if qID == 0 || cID == 0 {
			continue
		}
		qp := lc.m.MapPoint(qID)
		cp := lc.m.MapPoint(cID)
		if qp == nil || qp.Erased() || cp == nil || cp.Erased() {
			continue
		}
		pairs = append(pairs, correspondence{
			query: qID, cand: cID,
			src: qp.Position(), dst: cp.Position(),
		})
	}
	if len(pairs) < lc.cfg.LoopMinInliers {
		return similarity{}, nil, false
	}

	src := make([]r3.Vector, len(pairs))
	dst := make([]r3.Vector, len(pairs))
	for i, p := range pairs {
		src[i] = p.src
		dst[i] = p.dst
	}

	sim, inliers, n, err := fitSimilarity(src, dst, pointSpread(dst)*inlierTolFraction)
	if err != nil || n < lc.cfg.LoopMinInliers {
		return similarity{}, nil, false
	}

	kept := pairs[:0]
	for i, ok := range inliers {
		if ok {
			kept = append(kept, pairs[i])
		}
	}
	return sim, kept, true
}

// pointSpread is the mean distance of the points from their centroid.
func pointSpread(pts []r3.Vector) float64 {
	if len(pts) == 0 {
		return 1
	}
	var c r3.Vector
	for _, p := range pts {
		c = c.Add(p)
	}
	c = c.Mul(1 / float64(len(pts)))
	var sum float64
	for _, p := range pts {
		sum += p.Sub(c).Norm()
	}
	spread := sum / float64(len(pts))
	if spread < 1e-9 {
		return 1
	}
	return spread
}

// correctLoop applies the accepted correction: it is propagated over the
// spanning tree with influence decaying toward the candidate side, duplicate
// landmarks on the two loop sides are then merged, a loop edge is recorded,
// and a global optimization is launched to absorb the residual.
func (lc *Closer) correctLoop(
	kf, cand *slammap.KeyFrame,
	sim similarity,
	pairs []correspondence,
) {
	if lc.mapping != nil {
		lc.mapping.Pause()
		defer lc.mapping.Resume()
	}

	lc.propagateCorrection(kf, cand, sim)

	// With the query side moved onto the candidate side, matched landmark
	// pairs are duplicates; the candidate's copy is older and already
	// globally settled, so it wins.
	for _, p := range pairs {
		if p.query == p.cand {
			continue
		}
		if err := lc.m.ReplaceMapPoint(p.query, p.cand); err != nil {
			lc.logger.Debugw("loop point fusion skipped", "error", err)
		}
	}

	if err := lc.m.AddLoopEdge(kf.ID(), cand.ID()); err != nil {
		lc.logger.Errorw("loop edge insertion failed", "error", err)
	}
	if err := lc.m.UpdateConnections(kf.ID()); err != nil {
		lc.logger.Errorw("connection update failed", "error", err)
	}

	lc.launchGlobalBA()
}

// propagateCorrection rewrites keyframe poses and landmark positions with a
// fraction of the corrective transform that decays linearly with spanning
// tree distance from the query, reaching zero at the candidate: the query
// side moves fully onto the candidate side while the candidate side stays
// put.
func (lc *Closer) propagateCorrection(kf, cand *slammap.KeyFrame, sim similarity) {
	dists := lc.treeDistances(kf.ID())
	span, ok := dists[cand.ID()]
	if !ok || span <= 0 {
		span = 1
	}

	weights := make(map[slammap.KeyFrameID]float64, len(dists))
	for id, d := range dists {
		w := 1 - float64(d)/float64(span)
		if w > 0 {
			weights[id] = w
		}
	}

	for id, w := range weights {
		node := lc.m.KeyFrame(id)
		if node == nil || node.Erased() {
			continue
		}
		partial := sim.fraction(w)
		old := node.Pose()
		center := partial.apply(old.Point())
		orient := spatialmath.Quaternion(quat.Mul(partial.Rotation, old.Orientation().Quaternion()))
		node.SetPose(spatialmath.NewPose(center, &orient))
	}

	for _, mp := range lc.m.MapPoints() {
		if mp.Erased() {
			continue
		}
		w := 0.0
		for obsKF := range mp.Observations() {
			if ow, ok := weights[obsKF]; ok && ow > w {
				w = ow
			}
		}
		if w <= 0 {
			continue
		}
		mp.SetPosition(sim.fraction(w).apply(mp.Position()))
	}
}

// treeDistances walks the spanning tree breadth-first from a keyframe and
// returns every reachable keyframe's edge distance.
func (lc *Closer) treeDistances(from slammap.KeyFrameID) map[slammap.KeyFrameID]int {
	dists := map[slammap.KeyFrameID]int{from: 0}
	queue := []slammap.KeyFrameID{from}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		node := lc.m.KeyFrame(id)
		if node == nil {
			continue
		}
		next := node.Children()
		if p := node.Parent(); p != 0 {
			next = append(next, p)
		}
		for _, n := range next {
			if _, seen := dists[n]; seen {
				continue
			}
			dists[n] = dists[id] + 1
			queue = append(queue, n)
		}
	}
	return dists
}

// launchGlobalBA starts a full-map optimization on a detached worker. Any
// prior run is cancelled first and at most one runs at a time.
func (lc *Closer) launchGlobalBA() {
	lc.mu.Lock()
	if lc.gbaCancel != nil {
		lc.gbaCancel()
	}
	prevDone := lc.gbaDone
	gbaCtx, cancel := context.WithCancel(lc.rootCtx)
	done := make(chan struct{})
	lc.gbaCancel = cancel
	lc.gbaDone = done
	lc.mu.Unlock()

	lc.activeBackgroundWorkers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer lc.activeBackgroundWorkers.Done()
		defer close(done)
		if prevDone != nil {
			<-prevDone
		}
		if gbaCtx.Err() != nil {
			return
		}
		params := optimization.Params{
			Iterations: lc.cfg.GlobalBAIterations,
			Chi2:       lc.cfg.OutlierChiSquared,
		}
		err := optimization.GlobalBundleAdjust(gbaCtx, lc.m, params)
		switch {
		case err == nil:
			lc.logger.Debug("global bundle adjustment finished")
		case errors.Is(err, context.Canceled):
			lc.logger.Debug("global bundle adjustment superseded")
		default:
			lc.logger.Errorw("global bundle adjustment failed", "error", err)
		}
	})
}
