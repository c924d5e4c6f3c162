// Package testworld builds deterministic synthetic scenes for exercising
// the pipeline without real imagery: a cloud of landmarks with unique
// descriptors that any camera pose can be "rendered" against.
package testworld

import (
	"bufio"
	"fmt"
	"os"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/rimage/transform"
	"go.viam.com/rdk/spatialmath"

	"github.com/viamrobotics/viam-vslam/camera"
	"github.com/viamrobotics/viam-vslam/config"
	"github.com/viamrobotics/viam-vslam/feature"
	"github.com/viamrobotics/viam-vslam/vocab"
)

// descriptorWords is the descriptor width in 64-bit words (256 bits).
const descriptorWords = 4

// World is a fixed set of landmarks, each with a unique descriptor, plus
// the camera that observes them.
type World struct {
	Cam       *camera.Model
	Landmarks []r3.Vector
	Descs     []feature.Descriptor
}

// New builds a world of n landmarks spread through a box in front of the
// origin. The layout and descriptors are deterministic in n.
func New(n int) *World {
	intr := &transform.PinholeCameraIntrinsics{
		Width:  640,
		Height: 480,
		Fx:     500,
		Fy:     500,
		Ppx:    320,
		Ppy:    240,
	}
	cam, err := camera.NewModel(intr, 0.1, 1)
	if err != nil {
		panic(err)
	}

	w := &World{Cam: cam}
	rng := uint64(0x9e3779b97f4a7c15)
	for i := 0; i < n; i++ {
		// Low-discrepancy spread keeps landmarks visible from poses
		// near the origin looking down +Z.
		fx := float64(i%16)/15.0 - 0.5
		fy := float64((i/16)%12)/11.0 - 0.5
		fz := float64(i%7) / 6.0
		w.Landmarks = append(w.Landmarks, r3.Vector{
			X: fx * 6,
			Y: fy * 4,
			Z: 4 + fz*4,
		})

		desc := make(feature.Descriptor, descriptorWords)
		for j := range desc {
			rng = splitmix64(rng)
			desc[j] = rng
		}
		w.Descs = append(w.Descs, desc)
	}
	return w
}

func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	z := x
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// Render projects every landmark visible from the pose and returns the
// keypoints, descriptors, and camera-frame depths a feature extractor would
// have produced there.
func (w *World) Render(pose spatialmath.Pose) ([]feature.KeyPoint, []feature.Descriptor, []float64) {
	var kps []feature.KeyPoint
	var descs []feature.Descriptor
	var depths []float64
	for i, lm := range w.Landmarks {
		local := camera.WorldToCamera(pose, lm)
		u, v, ok := w.Cam.Project(local)
		if !ok {
			continue
		}
		kps = append(kps, feature.KeyPoint{X: u, Y: v})
		descs = append(descs, w.Descs[i])
		depths = append(depths, local.Z)
	}
	return kps, descs, depths
}

// RenderStereo is Render with depths converted to the disparities a
// rectified stereo matcher would report.
func (w *World) RenderStereo(pose spatialmath.Pose) ([]feature.KeyPoint, []feature.Descriptor, []float64) {
	kps, descs, depths := w.Render(pose)
	disparities := make([]float64, len(depths))
	for i, d := range depths {
		disparities[i] = w.Cam.Intrinsics.Fx * w.Cam.Baseline / d
	}
	return kps, descs, disparities
}

// Config returns a configuration matched to the world's camera, with
// thresholds relaxed for small synthetic scenes.
func (w *World) Config(sensor config.Sensor) *config.Config {
	cfg := config.Default(sensor)
	cfg.Width = w.Cam.Intrinsics.Width
	cfg.Height = w.Cam.Intrinsics.Height
	cfg.Fx = w.Cam.Intrinsics.Fx
	cfg.Fy = w.Cam.Intrinsics.Fy
	cfg.Ppx = w.Cam.Intrinsics.Ppx
	cfg.Ppy = w.Cam.Intrinsics.Ppy
	cfg.Baseline = w.Cam.Baseline
	cfg.DepthScale = 1
	cfg.MinInitFeatures = 20
	cfg.MinTrackedInliers = 10
	cfg.RelocMinInliers = 10
	cfg.MinKeyFrameGap = 0
	cfg.LoopMinInliers = 10
	return cfg
}

// Vocabulary returns a codebook whose words are exactly the landmark
// descriptors, so quantization is collision-free.
func (w *World) Vocabulary() *vocab.Vocabulary {
	voc, err := vocab.New(append([]feature.Descriptor{}, w.Descs...))
	if err != nil {
		panic(err)
	}
	return voc
}

// WriteVocabulary writes the world's codebook in the loadable text format.
func (w *World) WriteVocabulary(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "cannot create vocabulary file %q", path)
	}
	bw := bufio.NewWriter(f)
	if _, err := fmt.Fprintln(bw, "# synthetic vocabulary"); err != nil {
		return err
	}
	for _, desc := range w.Descs {
		for j, word := range desc {
			if j > 0 {
				if _, err := fmt.Fprint(bw, " "); err != nil {
					return err
				}
			}
			if _, err := fmt.Fprintf(bw, "%x", word); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(bw); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return f.Close()
}
