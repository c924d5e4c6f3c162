// Package config holds the session settings: camera calibration handed in
// from the upstream calibration step, and every empirically tuned pipeline
// threshold, exposed as a field rather than buried as a constant.
package config

import (
	"os"

	"github.com/pkg/errors"
	"go.viam.com/rdk/rimage/transform"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v2"
)

// Sensor selects the ingestion mode of the session.
type Sensor string

const (
	// Monocular uses a single camera; bootstrap needs two views.
	Monocular Sensor = "mono"
	// Stereo uses a rectified stereo pair with per-feature disparities.
	Stereo Sensor = "stereo"
	// RGBD uses an intensity image with registered depth.
	RGBD Sensor = "rgbd"
)

// Config carries the camera model and the tuned pipeline parameters.
type Config struct {
	Sensor Sensor `yaml:"Sensor.type"`

	Width      int     `yaml:"Camera.width"`
	Height     int     `yaml:"Camera.height"`
	Fx         float64 `yaml:"Camera.fx"`
	Fy         float64 `yaml:"Camera.fy"`
	Ppx        float64 `yaml:"Camera.cx"`
	Ppy        float64 `yaml:"Camera.cy"`
	Baseline   float64 `yaml:"Stereo.b"`
	DepthScale float64 `yaml:"RGBD.DepthMapFactor"`

	VocabularyPath string `yaml:"Vocabulary.path"`

	// Tracking.
	MinInitFeatures   int     `yaml:"Tracking.minInitFeatures"`
	MinTrackedInliers int     `yaml:"Tracking.minInliers"`
	MatchMaxDistance  int     `yaml:"Tracking.matchMaxDist"`
	MinKeyFrameGap    int     `yaml:"Tracking.minKeyFrameGap"`
	MaxKeyFrameGap    int     `yaml:"Tracking.maxKeyFrameGap"`
	RefTrackedRatio   float64 `yaml:"Tracking.refTrackedRatio"`
	RelocMinInliers   int     `yaml:"Tracking.relocMinInliers"`
	MinInitParallax   float64 `yaml:"Tracking.minInitParallax"`

	// Local mapping.
	CovisMinWeight     int     `yaml:"LocalMapping.covisMinWeight"`
	LocalWindow        int     `yaml:"LocalMapping.localWindow"`
	CullFoundRatio     float64 `yaml:"LocalMapping.cullFoundRatio"`
	CullGraceKeyFrames int     `yaml:"LocalMapping.cullGraceKeyFrames"`
	RedundantObsRatio  float64 `yaml:"LocalMapping.redundantObsRatio"`
	MaxReprojError     float64 `yaml:"LocalMapping.maxReprojError"`

	// Loop closing.
	LoopMinInliers      int     `yaml:"LoopClosing.minInliers"`
	LoopConsistencyRuns int     `yaml:"LoopClosing.consistencyRuns"`
	LoopMinScoreFloor   float64 `yaml:"LoopClosing.minScoreFloor"`

	// Optimization.
	BAIterations       int     `yaml:"Optimizer.baIterations"`
	PoseOptIterations  int     `yaml:"Optimizer.poseIterations"`
	OutlierChiSquared  float64 `yaml:"Optimizer.outlierChi2"`
	GlobalBAIterations int     `yaml:"Optimizer.globalBAIterations"`
}

// Default returns the tuned defaults the original system ships with.
func Default(sensor Sensor) *Config {
	return &Config{
		Sensor:     sensor,
		DepthScale: 1,

		MinInitFeatures:   100,
		MinTrackedInliers: 30,
		MatchMaxDistance:  64,
		MinKeyFrameGap:    0,
		MaxKeyFrameGap:    30,
		RefTrackedRatio:   0.9,
		RelocMinInliers:   50,
		MinInitParallax:   1.0,

		CovisMinWeight:     15,
		LocalWindow:        10,
		CullFoundRatio:     0.25,
		CullGraceKeyFrames: 2,
		RedundantObsRatio:  0.9,
		MaxReprojError:     5.99,

		LoopMinInliers:      20,
		LoopConsistencyRuns: 3,
		LoopMinScoreFloor:   0.05,

		BAIterations:       5,
		PoseOptIterations:  10,
		OutlierChiSquared:  5.991,
		GlobalBAIterations: 10,
	}
}

// Load reads a yaml settings file, filling unset thresholds with defaults.
func Load(path string) (*Config, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read settings %q", path)
	}
	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return nil, errors.Wrapf(err, "unable to parse settings %q", path)
	}
	cfg := Default(fileCfg.Sensor)
	mergeSettings(cfg, &fileCfg)
	if err := cfg.Validate(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

func mergeSettings(dst, src *Config) {
	dst.Width, dst.Height = src.Width, src.Height
	dst.Fx, dst.Fy, dst.Ppx, dst.Ppy = src.Fx, src.Fy, src.Ppx, src.Ppy
	dst.Baseline = src.Baseline
	if src.DepthScale != 0 {
		dst.DepthScale = src.DepthScale
	}
	dst.VocabularyPath = src.VocabularyPath
	if src.MinInitFeatures != 0 {
		dst.MinInitFeatures = src.MinInitFeatures
	}
	if src.MinTrackedInliers != 0 {
		dst.MinTrackedInliers = src.MinTrackedInliers
	}
	if src.MatchMaxDistance != 0 {
		dst.MatchMaxDistance = src.MatchMaxDistance
	}
	// Zero is a meaningful gap (insert as soon as the heuristic fires),
	// so the field is copied unconditionally.
	dst.MinKeyFrameGap = src.MinKeyFrameGap
	if src.MaxKeyFrameGap != 0 {
		dst.MaxKeyFrameGap = src.MaxKeyFrameGap
	}
	if src.RefTrackedRatio != 0 {
		dst.RefTrackedRatio = src.RefTrackedRatio
	}
	if src.RelocMinInliers != 0 {
		dst.RelocMinInliers = src.RelocMinInliers
	}
	if src.MinInitParallax != 0 {
		dst.MinInitParallax = src.MinInitParallax
	}
	if src.CovisMinWeight != 0 {
		dst.CovisMinWeight = src.CovisMinWeight
	}
	if src.LocalWindow != 0 {
		dst.LocalWindow = src.LocalWindow
	}
	if src.CullFoundRatio != 0 {
		dst.CullFoundRatio = src.CullFoundRatio
	}
	if src.CullGraceKeyFrames != 0 {
		dst.CullGraceKeyFrames = src.CullGraceKeyFrames
	}
	if src.RedundantObsRatio != 0 {
		dst.RedundantObsRatio = src.RedundantObsRatio
	}
	if src.MaxReprojError != 0 {
		dst.MaxReprojError = src.MaxReprojError
	}
	if src.LoopMinInliers != 0 {
		dst.LoopMinInliers = src.LoopMinInliers
	}
	if src.LoopConsistencyRuns != 0 {
		dst.LoopConsistencyRuns = src.LoopConsistencyRuns
	}
	if src.LoopMinScoreFloor != 0 {
		dst.LoopMinScoreFloor = src.LoopMinScoreFloor
	}
	if src.BAIterations != 0 {
		dst.BAIterations = src.BAIterations
	}
	if src.PoseOptIterations != 0 {
		dst.PoseOptIterations = src.PoseOptIterations
	}
	if src.OutlierChiSquared != 0 {
		dst.OutlierChiSquared = src.OutlierChiSquared
	}
	if src.GlobalBAIterations != 0 {
		dst.GlobalBAIterations = src.GlobalBAIterations
	}
}

// Validate ensures the settings describe a usable session.
func (c *Config) Validate(path string) error {
	if !slices.Contains([]Sensor{Monocular, Stereo, RGBD}, c.Sensor) {
		return errors.Errorf("%s: unsupported sensor type %q", path, c.Sensor)
	}
	if c.Sensor == Stereo && c.Baseline <= 0 {
		return errors.Errorf("%s: stereo sessions need a positive baseline", path)
	}
	if err := c.Intrinsics().CheckValid(); err != nil {
		return errors.Wrapf(err, "%s: invalid camera intrinsics", path)
	}
	if c.MinTrackedInliers <= 0 || c.RelocMinInliers <= 0 {
		return errors.Errorf("%s: inlier thresholds must be positive", path)
	}
	if c.RefTrackedRatio <= 0 || c.RefTrackedRatio > 1 {
		return errors.Errorf("%s: Tracking.refTrackedRatio must be in (0, 1]", path)
	}
	if c.RedundantObsRatio <= 0 || c.RedundantObsRatio > 1 {
		return errors.Errorf("%s: LocalMapping.redundantObsRatio must be in (0, 1]", path)
	}
	return nil
}

// Intrinsics returns the camera intrinsics described by the settings.
func (c *Config) Intrinsics() *transform.PinholeCameraIntrinsics {
	return &transform.PinholeCameraIntrinsics{
		Width:  c.Width,
		Height: c.Height,
		Fx:     c.Fx,
		Fy:     c.Fy,
		Ppx:    c.Ppx,
		Ppy:    c.Ppy,
	}
}
