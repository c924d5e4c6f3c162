// Package slammap holds the shared SLAM map: the keyframe/map-point graph,
// the covisibility relation, and the spanning tree used for pose
// propagation. The Map is the only state shared between the tracker, the
// local mapper, and the loop closer; every read and every mutation goes
// through its guarded accessors, and mutators preserve the graph
// invariants (non-empty observer sets, connected acyclic spanning tree)
// within a single critical section.
package slammap

import (
	"sort"
	"sync"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/pointcloud"

	"github.com/viamrobotics/viam-vslam/feature"
	"github.com/viamrobotics/viam-vslam/frame"
	"github.com/viamrobotics/viam-vslam/vocab"
)

// Map owns all keyframes and map points. Entities are addressed by stable
// integer handles; cross-references between entities are handle lookups
// into the Map's arenas, never direct ownership.
type Map struct {
	mu sync.RWMutex

	keyframes map[KeyFrameID]*KeyFrame
	points    map[MapPointID]*MapPoint

	nextKF KeyFrameID
	nextMP MapPointID

	origin    KeyFrameID
	reference KeyFrameID
	revision  uint64

	// covisMinWeight is the minimum shared-observation count for a
	// covisibility edge; the single strongest neighbor is always kept.
	covisMinWeight int
}

// NewMap returns an empty map. covisMinWeight is the minimum number of
// shared observations for a covisibility edge.
func NewMap(covisMinWeight int) *Map {
	return &Map{
		keyframes:      make(map[KeyFrameID]*KeyFrame),
		points:         make(map[MapPointID]*MapPoint),
		nextKF:         1,
		nextMP:         1,
		covisMinWeight: covisMinWeight,
	}
}

// Revision returns the structural revision counter, incremented on every
// add/remove of an entity or edge.
func (m *Map) Revision() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.revision
}

// KeyFrameCount returns the number of keyframes in the map.
func (m *Map) KeyFrameCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keyframes)
}

// MapPointCount returns the number of map points in the map.
func (m *Map) MapPointCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.points)
}

// KeyFrame looks up a keyframe by handle; nil if absent.
func (m *Map) KeyFrame(id KeyFrameID) *KeyFrame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keyframes[id]
}

// MapPoint looks up a map point by handle; nil if absent.
func (m *Map) MapPoint(id MapPointID) *MapPoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.points[id]
}

// KeyFrames returns all keyframes ordered by creation.
func (m *Map) KeyFrames() []*KeyFrame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*KeyFrame, 0, len(m.keyframes))
	for _, kf := range m.keyframes {
		out = append(out, kf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// MapPoints returns all map points ordered by creation.
func (m *Map) MapPoints() []*MapPoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*MapPoint, 0, len(m.points))
	for _, mp := range m.points {
		out = append(out, mp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// OriginKeyFrame returns the spanning-tree root, 0 when the map is empty.
func (m *Map) OriginKeyFrame() KeyFrameID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.origin
}

// ReferenceKeyFrame returns the tracker's current reference keyframe.
func (m *Map) ReferenceKeyFrame() *KeyFrame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keyframes[m.reference]
}

// SetReferenceKeyFrame updates the tracker's reference keyframe.
func (m *Map) SetReferenceKeyFrame(id KeyFrameID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keyframes[id]; ok {
		m.reference = id
	}
}

// Clear removes every entity, returning the map to its initial state.
func (m *Map) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, kf := range m.keyframes {
		kf.erased = true
	}
	for _, mp := range m.points {
		mp.erased = true
	}
	m.keyframes = make(map[KeyFrameID]*KeyFrame)
	m.points = make(map[MapPointID]*MapPoint)
	m.nextKF = 1
	m.nextMP = 1
	m.origin = 0
	m.reference = 0
	m.revision++
}

// AddKeyFrame promotes a tracked frame into a keyframe. parent is the
// contributing keyframe (0 only for the first keyframe, which becomes the
// spanning-tree root). The frame's map-point associations are installed as
// observations in the same mutation.
func (m *Map) AddKeyFrame(f *frame.Frame, bow vocab.BowVector, parent KeyFrameID) (*KeyFrame, error) {
	if f.Pose == nil {
		return nil, errors.New("cannot promote an untracked frame to a keyframe")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if parent == 0 && m.origin != 0 {
		return nil, errors.New("spanning-tree root already exists")
	}
	if parent != 0 {
		if _, ok := m.keyframes[parent]; !ok {
			return nil, errors.Errorf("parent keyframe %d not in map", parent)
		}
	}

	kf := &KeyFrame{
		m:            m,
		id:           m.nextKF,
		timestamp:    f.Timestamp,
		camera:       f.Camera,
		keypoints:    f.Keypoints,
		descriptors:  f.Descriptors,
		depths:       f.Depths,
		bow:          bow,
		pose:         f.Pose,
		observations: make([]MapPointID, len(f.Keypoints)),
		covis:        make(map[KeyFrameID]int),
		parent:       parent,
		children:     make(map[KeyFrameID]bool),
		loopEdges:    make(map[KeyFrameID]bool),
	}
	m.nextKF++
	m.keyframes[kf.id] = kf
	if parent == 0 {
		m.origin = kf.id
	} else {
		m.keyframes[parent].children[kf.id] = true
	}
	m.reference = kf.id

	for slot, mpID := range f.MapPoints {
		if mpID == frame.NoMapPoint {
			continue
		}
		if mp, ok := m.points[MapPointID(mpID)]; ok {
			m.addObservationLocked(mp, kf, slot)
		}
	}
	m.updateConnectionsLocked(kf)
	m.revision++
	return kf, nil
}

// CreateMapPoint adds a new landmark created from (and observed by) the
// given keyframe at the given feature slot.
func (m *Map) CreateMapPoint(pos r3.Vector, firstKF KeyFrameID, slot int) (*MapPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kf, ok := m.keyframes[firstKF]
	if !ok {
		return nil, errors.Errorf("keyframe %d not in map", firstKF)
	}
	if slot < 0 || slot >= len(kf.observations) {
		return nil, errors.Errorf("feature slot %d out of range for keyframe %d", slot, firstKF)
	}
	mp := &MapPoint{
		m:            m,
		id:           m.nextMP,
		position:     pos,
		descriptor:   kf.descriptors[slot],
		observations: make(map[KeyFrameID]int),
		firstKF:      firstKF,
		visible:      1,
		found:        1,
	}
	m.nextMP++
	m.points[mp.id] = mp
	m.addObservationLocked(mp, kf, slot)
	m.revision++
	return mp, nil
}

// AddObservation records that a keyframe observes a map point at a feature
// slot, updating the point's representative descriptor and normal.
func (m *Map) AddObservation(mpID MapPointID, kfID KeyFrameID, slot int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.points[mpID]
	if !ok {
		return errors.Errorf("map point %d not in map", mpID)
	}
	kf, ok := m.keyframes[kfID]
	if !ok {
		return errors.Errorf("keyframe %d not in map", kfID)
	}
	if slot < 0 || slot >= len(kf.observations) {
		return errors.Errorf("feature slot %d out of range for keyframe %d", slot, kfID)
	}
	m.addObservationLocked(mp, kf, slot)
	m.revision++
	return nil
}

func (m *Map) addObservationLocked(mp *MapPoint, kf *KeyFrame, slot int) {
	if prev := kf.observations[slot]; prev != 0 && prev != mp.id {
		if prevMP, ok := m.points[prev]; ok {
			m.dropObservationLocked(prevMP, kf)
		}
	}
	kf.observations[slot] = mp.id
	mp.observations[kf.id] = slot
	m.refreshPointLocked(mp)
}

// EraseObservation removes a single keyframe's observation of a point. If
// that was the point's last observer, the point is removed in the same
// mutation, preserving the non-empty-observer invariant.
func (m *Map) EraseObservation(mpID MapPointID, kfID KeyFrameID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.points[mpID]
	if !ok {
		return errors.Errorf("map point %d not in map", mpID)
	}
	kf, ok := m.keyframes[kfID]
	if !ok {
		return errors.Errorf("keyframe %d not in map", kfID)
	}
	m.dropObservationLocked(mp, kf)
	if len(mp.observations) == 0 {
		m.erasePointLocked(mp)
	} else {
		m.refreshPointLocked(mp)
	}
	m.revision++
	return nil
}

func (m *Map) dropObservationLocked(mp *MapPoint, kf *KeyFrame) {
	if slot, ok := mp.observations[kf.id]; ok {
		if kf.observations[slot] == mp.id {
			kf.observations[slot] = 0
		}
		delete(mp.observations, kf.id)
	}
}

// EraseMapPoint removes a point and all of its observations.
func (m *Map) EraseMapPoint(mpID MapPointID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.points[mpID]
	if !ok {
		return errors.Errorf("map point %d not in map", mpID)
	}
	m.erasePointLocked(mp)
	m.revision++
	return nil
}

func (m *Map) erasePointLocked(mp *MapPoint) {
	for kfID, slot := range mp.observations {
		if kf, ok := m.keyframes[kfID]; ok && kf.observations[slot] == mp.id {
			kf.observations[slot] = 0
		}
	}
	mp.observations = make(map[KeyFrameID]int)
	mp.erased = true
	delete(m.points, mp.id)
}

// ReplaceMapPoint redirects every observation of old onto repl and erases
// old. Used when loop closing discovers the same physical point mapped
// independently on both loop sides.
func (m *Map) ReplaceMapPoint(oldID, replID MapPointID) error {
	if oldID == replID {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.points[oldID]
	if !ok {
		return errors.Errorf("map point %d not in map", oldID)
	}
	repl, ok := m.points[replID]
	if !ok {
		return errors.Errorf("map point %d not in map", replID)
	}
	for kfID, slot := range old.observations {
		kf, ok := m.keyframes[kfID]
		if !ok {
			continue
		}
		if _, already := repl.observations[kfID]; already {
			// The keyframe already sees the replacement; just drop
			// its observation of the duplicate.
			kf.observations[slot] = 0
			continue
		}
		kf.observations[slot] = repl.id
		repl.observations[kfID] = slot
	}
	repl.found += old.found
	repl.visible += old.visible
	old.observations = make(map[KeyFrameID]int)
	old.erased = true
	delete(m.points, oldID)
	m.refreshPointLocked(repl)
	m.revision++
	return nil
}

// EraseKeyFrame removes a keyframe, rewiring its spanning-tree children to
// preserve connectivity. The root cannot be erased, and observations whose
// last observer was this keyframe take their points with them.
func (m *Map) EraseKeyFrame(kfID KeyFrameID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kf, ok := m.keyframes[kfID]
	if !ok {
		return errors.Errorf("keyframe %d not in map", kfID)
	}
	if kfID == m.origin {
		return errors.New("cannot erase the spanning-tree root")
	}

	// Rewire each child to the best-connected candidate parent,
	// starting from the erased node's parent and growing the candidate
	// set as children are reattached.
	candidates := map[KeyFrameID]bool{kf.parent: true}
	pending := make(map[KeyFrameID]bool, len(kf.children))
	for c := range kf.children {
		pending[c] = true
	}
	for len(pending) > 0 {
		bestChild, bestParent, bestWeight := KeyFrameID(0), KeyFrameID(0), -1
		for c := range pending {
			child := m.keyframes[c]
			if child == nil {
				delete(pending, c)
				continue
			}
			for cand := range candidates {
				if w, ok := child.covis[cand]; ok && w > bestWeight {
					bestChild, bestParent, bestWeight = c, cand, w
				}
			}
		}
		if bestChild == 0 {
			// No covisibility route; fall back to the erased node's
			// parent to keep the tree connected.
			for c := range pending {
				m.reparentLocked(c, kf.parent)
				delete(pending, c)
			}
			break
		}
		m.reparentLocked(bestChild, bestParent)
		candidates[bestChild] = true
		delete(pending, bestChild)
	}

	for slot, mpID := range kf.observations {
		if mpID == 0 {
			continue
		}
		if mp, ok := m.points[mpID]; ok {
			kf.observations[slot] = 0
			delete(mp.observations, kfID)
			if len(mp.observations) == 0 {
				m.erasePointLocked(mp)
			} else {
				m.refreshPointLocked(mp)
			}
		}
	}
	for other := range kf.covis {
		if o, ok := m.keyframes[other]; ok {
			delete(o.covis, kfID)
			delete(o.loopEdges, kfID)
		}
	}
	if parent, ok := m.keyframes[kf.parent]; ok {
		delete(parent.children, kfID)
	}
	if m.reference == kfID {
		m.reference = kf.parent
	}
	kf.erased = true
	delete(m.keyframes, kfID)
	m.revision++
	return nil
}

func (m *Map) reparentLocked(child, parent KeyFrameID) {
	c, ok := m.keyframes[child]
	if !ok {
		return
	}
	if old, ok := m.keyframes[c.parent]; ok {
		delete(old.children, child)
	}
	c.parent = parent
	if p, ok := m.keyframes[parent]; ok {
		p.children[child] = true
	}
}

// UpdateConnections recomputes a keyframe's covisibility edges from its
// current shared observations.
func (m *Map) UpdateConnections(kfID KeyFrameID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kf, ok := m.keyframes[kfID]
	if !ok {
		return errors.Errorf("keyframe %d not in map", kfID)
	}
	m.updateConnectionsLocked(kf)
	m.revision++
	return nil
}

func (m *Map) updateConnectionsLocked(kf *KeyFrame) {
	counts := make(map[KeyFrameID]int)
	for _, mpID := range kf.observations {
		if mpID == 0 {
			continue
		}
		mp, ok := m.points[mpID]
		if !ok {
			continue
		}
		for other := range mp.observations {
			if other != kf.id {
				counts[other]++
			}
		}
	}

	// Drop stale edges on both sides before installing the new set.
	for other := range kf.covis {
		if o, ok := m.keyframes[other]; ok {
			delete(o.covis, kf.id)
		}
	}
	kf.covis = make(map[KeyFrameID]int)

	bestID, bestWeight := KeyFrameID(0), 0
	for other, w := range counts {
		if w > bestWeight || (w == bestWeight && other < bestID) {
			bestID, bestWeight = other, w
		}
		if w >= m.covisMinWeight {
			kf.covis[other] = w
			m.keyframes[other].covis[kf.id] = w
		}
	}
	// Always keep the strongest neighbor so new keyframes are never
	// isolated from the covisibility graph.
	if bestID != 0 {
		kf.covis[bestID] = bestWeight
		m.keyframes[bestID].covis[kf.id] = bestWeight
	}
}

// AddLoopEdge records an accepted loop closure between two keyframes.
func (m *Map) AddLoopEdge(a, b KeyFrameID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ka, ok := m.keyframes[a]
	if !ok {
		return errors.Errorf("keyframe %d not in map", a)
	}
	kb, ok := m.keyframes[b]
	if !ok {
		return errors.Errorf("keyframe %d not in map", b)
	}
	ka.loopEdges[b] = true
	kb.loopEdges[a] = true
	m.revision++
	return nil
}

// refreshPointLocked recomputes a point's representative descriptor (least
// median distance among observers) and mean viewing direction.
func (m *Map) refreshPointLocked(mp *MapPoint) {
	descs := make([]feature.Descriptor, 0, len(mp.observations))
	normal := r3.Vector{}
	n := 0
	for kfID, slot := range mp.observations {
		kf, ok := m.keyframes[kfID]
		if !ok {
			continue
		}
		descs = append(descs, kf.descriptors[slot])
		dir := mp.position.Sub(kf.pose.Point())
		if norm := dir.Norm(); norm > 0 {
			normal = normal.Add(dir.Mul(1 / norm))
			n++
		}
	}
	if len(descs) > 0 {
		mp.descriptor = feature.DistinctiveDescriptor(descs)
	}
	if n > 0 {
		mp.normal = normal.Mul(1 / float64(n))
	}
}

// PointCloud renders the current landmarks as an rdk point cloud for the
// visualization collaborator. The map lock is held for the duration, so
// the cloud is a consistent snapshot.
func (m *Map) PointCloud() (pointcloud.PointCloud, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pc := pointcloud.New()
	for _, mp := range m.points {
		if err := pc.Set(pointcloud.NewVector(mp.position.X, mp.position.Y, mp.position.Z), nil); err != nil {
			return nil, errors.Wrap(err, "error building map point cloud")
		}
	}
	return pc, nil
}

// Consistent verifies the cross-reference invariants: every observer of a
// point is a live keyframe, every observed point is live, every observer
// set is non-empty, and the spanning tree is connected and acyclic.
func (m *Map) Consistent() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, mp := range m.points {
		if len(mp.observations) == 0 {
			return errors.Errorf("map point %d has no observers", id)
		}
		for kfID, slot := range mp.observations {
			kf, ok := m.keyframes[kfID]
			if !ok {
				return errors.Errorf("map point %d observed by missing keyframe %d", id, kfID)
			}
			if kf.observations[slot] != id {
				return errors.Errorf("map point %d observer %d slot %d does not back-reference it", id, kfID, slot)
			}
		}
	}
	for id, kf := range m.keyframes {
		for slot, mpID := range kf.observations {
			if mpID == 0 {
				continue
			}
			if _, ok := m.points[mpID]; !ok {
				return errors.Errorf("keyframe %d slot %d references missing point %d", id, slot, mpID)
			}
		}
	}
	return m.spanningTreeConsistentLocked()
}

func (m *Map) spanningTreeConsistentLocked() error {
	if len(m.keyframes) == 0 {
		return nil
	}
	if _, ok := m.keyframes[m.origin]; !ok {
		return errors.New("spanning-tree root missing")
	}
	visited := make(map[KeyFrameID]bool, len(m.keyframes))
	queue := []KeyFrameID{m.origin}
	visited[m.origin] = true
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for child := range m.keyframes[cur].children {
			c, ok := m.keyframes[child]
			if !ok {
				return errors.Errorf("spanning tree references missing keyframe %d", child)
			}
			if c.parent != cur {
				return errors.Errorf("keyframe %d has inconsistent parent link", child)
			}
			if visited[child] {
				return errors.Errorf("spanning tree cycle through keyframe %d", child)
			}
			visited[child] = true
			queue = append(queue, child)
		}
	}
	if len(visited) != len(m.keyframes) {
		return errors.Errorf("spanning tree disconnected: reached %d of %d keyframes", len(visited), len(m.keyframes))
	}
	return nil
}
