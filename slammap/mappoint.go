package slammap

import (
	"github.com/golang/geo/r3"

	"github.com/viamrobotics/viam-vslam/feature"
)

// MapPointID is a stable handle to a map point within its Map.
type MapPointID int64

// MapPoint is a 3D landmark estimate with a representative descriptor, a
// viewing-direction estimate, and back-references to the keyframes that
// observe it. A point with no observers is garbage and is removed by the
// Map in the same mutation that drops its last observer.
type MapPoint struct {
	m  *Map
	id MapPointID

	position   r3.Vector
	descriptor feature.Descriptor
	normal     r3.Vector

	// observations maps keyframe -> feature slot in that keyframe.
	observations map[KeyFrameID]int
	firstKF      KeyFrameID

	visible int
	found   int
	erased  bool
}

// ID returns the point's handle.
func (mp *MapPoint) ID() MapPointID { return mp.id }

// Position returns the current 3D position estimate.
func (mp *MapPoint) Position() r3.Vector {
	mp.m.mu.RLock()
	defer mp.m.mu.RUnlock()
	return mp.position
}

// SetPosition replaces the position estimate. Used by optimization.
func (mp *MapPoint) SetPosition(p r3.Vector) {
	mp.m.mu.Lock()
	defer mp.m.mu.Unlock()
	mp.position = p
}

// Descriptor returns the representative descriptor.
func (mp *MapPoint) Descriptor() feature.Descriptor {
	mp.m.mu.RLock()
	defer mp.m.mu.RUnlock()
	return mp.descriptor
}

// Normal returns the mean viewing direction across observers.
func (mp *MapPoint) Normal() r3.Vector {
	mp.m.mu.RLock()
	defer mp.m.mu.RUnlock()
	return mp.normal
}

// FirstKeyFrame returns the keyframe the point was created from.
func (mp *MapPoint) FirstKeyFrame() KeyFrameID {
	mp.m.mu.RLock()
	defer mp.m.mu.RUnlock()
	return mp.firstKF
}

// Erased reports whether the point has been removed from its map.
func (mp *MapPoint) Erased() bool {
	mp.m.mu.RLock()
	defer mp.m.mu.RUnlock()
	return mp.erased
}

// Observations returns a copy of the observer set (keyframe -> slot).
func (mp *MapPoint) Observations() map[KeyFrameID]int {
	mp.m.mu.RLock()
	defer mp.m.mu.RUnlock()
	out := make(map[KeyFrameID]int, len(mp.observations))
	for k, v := range mp.observations {
		out[k] = v
	}
	return out
}

// ObservationCount returns the number of keyframes observing the point.
func (mp *MapPoint) ObservationCount() int {
	mp.m.mu.RLock()
	defer mp.m.mu.RUnlock()
	return len(mp.observations)
}

// IncreaseVisible records that the point fell inside a tracked frame's
// frustum.
func (mp *MapPoint) IncreaseVisible() {
	mp.m.mu.Lock()
	defer mp.m.mu.Unlock()
	mp.visible++
}

// IncreaseFound records that the point was actually matched in a frame.
func (mp *MapPoint) IncreaseFound() {
	mp.m.mu.Lock()
	defer mp.m.mu.Unlock()
	mp.found++
}

// FoundRatio is found/visible; the local mapper culls young points whose
// ratio stays low.
func (mp *MapPoint) FoundRatio() float64 {
	mp.m.mu.RLock()
	defer mp.m.mu.RUnlock()
	if mp.visible == 0 {
		return 0
	}
	return float64(mp.found) / float64(mp.visible)
}
