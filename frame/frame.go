// Package frame defines the ephemeral per-capture sample the tracker works
// on. A Frame lives for one tracker iteration; if the tracker decides the
// view is worth keeping, its data is promoted into a keyframe.
package frame

import (
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"

	"github.com/viamrobotics/viam-vslam/camera"
	"github.com/viamrobotics/viam-vslam/feature"
)

// NoMapPoint marks a feature slot with no associated map point.
const NoMapPoint = int64(0)

// Frame is a single captured sample: extracted features plus, once the
// tracker has run, a pose estimate and per-slot map-point associations.
type Frame struct {
	Timestamp   float64
	Camera      *camera.Model
	Keypoints   []feature.KeyPoint
	Descriptors []feature.Descriptor
	// Depths holds per-keypoint metric depth; negative when unknown
	// (always negative for monocular input).
	Depths []float64

	// Pose is the tracker's camera-in-world estimate, nil until tracked.
	Pose spatialmath.Pose
	// MapPoints holds, per feature slot, the ID of the associated map
	// point, or NoMapPoint.
	MapPoints []int64
}

// New builds a frame from extracted features. depths may be nil for
// monocular input.
func New(
	timestamp float64,
	cam *camera.Model,
	kps []feature.KeyPoint,
	descs []feature.Descriptor,
	depths []float64,
) (*Frame, error) {
	if len(kps) != len(descs) {
		return nil, errors.Errorf("keypoint/descriptor count mismatch: %d vs %d", len(kps), len(descs))
	}
	if depths != nil && len(depths) != len(kps) {
		return nil, errors.Errorf("keypoint/depth count mismatch: %d vs %d", len(kps), len(depths))
	}
	if depths == nil {
		depths = make([]float64, len(kps))
		for i := range depths {
			depths[i] = -1
		}
	}
	return &Frame{
		Timestamp:   timestamp,
		Camera:      cam,
		Keypoints:   kps,
		Descriptors: descs,
		Depths:      depths,
		MapPoints:   make([]int64, len(kps)),
	}, nil
}

// TrackedPoints counts feature slots currently associated with a map point.
func (f *Frame) TrackedPoints() int {
	n := 0
	for _, id := range f.MapPoints {
		if id != NoMapPoint {
			n++
		}
	}
	return n
}

// ClearAssociations drops all map-point associations.
func (f *Frame) ClearAssociations() {
	for i := range f.MapPoints {
		f.MapPoints[i] = NoMapPoint
	}
}
