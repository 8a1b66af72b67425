// Package config provides configuration loading and management for brainseg.
// It handles loading configuration from YAML files and provides default values.
// Every recognized option is an explicit field with a default; unknown method
// names are rejected at load time rather than at the point of use.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Normalization method names accepted by preprocessing.normalization.
const (
	NormNone              = "none"
	NormZScore            = "z-score"
	NormWhiteStripe       = "white-stripe"
	NormHistogramMatching = "histogram-matching"
	NormFCM               = "fcm"
)

// Artifact injection method names accepted by preprocessing.artifact.
const (
	ArtifactNone            = "none"
	ArtifactGaussianNoise   = "gaussian-noise"
	ArtifactZeroFrequencies = "zero-frequencies"
)

// Config represents the pipeline configuration loaded from YAML
type Config struct {
	// Data locations and required inputs
	Data struct {
		// TrainDir is the directory with one subdirectory per training subject
		TrainDir string `yaml:"trainDir"`

		// TestDir is the directory with one subdirectory per testing subject
		TestDir string `yaml:"testDir"`

		// AtlasDir is the directory with the atlas reference volumes,
		// required when histogram matching is selected
		AtlasDir string `yaml:"atlasDir"`

		// Modalities lists the modality volumes every subject must provide
		Modalities []string `yaml:"modalities"`
	} `yaml:"data"`

	// Preprocessing parameters
	Preprocessing struct {
		// Normalization selects the intensity normalization method
		Normalization string `yaml:"normalization"`

		// MaskedOnly forces out-of-mask voxels to the background value
		// instead of passing them through the same rescaling
		MaskedOnly bool `yaml:"maskedOnly"`

		// Artifact selects the acquisition-degradation simulation applied
		// before normalization
		Artifact string `yaml:"artifact"`

		// NoiseSigma is the standard deviation of the gaussian-noise artifact,
		// relative to the masked intensity range
		NoiseSigma float64 `yaml:"noiseSigma"`

		// ZeroFrequencyFraction is the fraction of frequency bins zeroed by
		// the zero-frequencies artifact
		ZeroFrequencyFraction float64 `yaml:"zeroFrequencyFraction"`

		// Seed drives the per-subject artifact RNG, so reruns degrade each
		// subject identically
		Seed int64 `yaml:"seed"`

		// CoordinatesFeature toggles the normalized (x, y, z) feature columns
		CoordinatesFeature bool `yaml:"coordinatesFeature"`

		// IntensityFeature toggles the per-modality intensity columns
		IntensityFeature bool `yaml:"intensityFeature"`

		// GradientIntensityFeature toggles the per-modality gradient
		// magnitude columns
		GradientIntensityFeature bool `yaml:"gradientIntensityFeature"`

		// Parallel processes subjects concurrently during batch preprocessing
		Parallel bool `yaml:"parallel"`

		// NumWorkers bounds the worker count when Parallel is set
		NumWorkers int `yaml:"numWorkers"`
	} `yaml:"preprocessing"`

	// Forest parameters for the voxel-wise ensemble classifier
	Forest struct {
		// Trees is the number of trees in the forest
		Trees int `yaml:"trees"`

		// MaxDepth caps tree growth; 0 lets trees grow to the leaf-size limit
		MaxDepth int `yaml:"maxDepth"`

		// MinLeafSize is the minimum samples per leaf when MaxDepth is 0.
		// Tree construction is randomized and concurrent, so training is
		// statistically stable but not bit-reproducible across runs.
		MinLeafSize int `yaml:"minLeafSize"`
	} `yaml:"forest"`

	// PostProcessing parameters for segmentation cleanup
	PostProcessing struct {
		// Enabled toggles post-processing entirely
		Enabled bool `yaml:"enabled"`

		// KeepLargestComponent retains only the largest connected component
		// per tissue class
		KeepLargestComponent bool `yaml:"keepLargestComponent"`

		// FillHoles fills enclosed background cavities inside the mask
		FillHoles bool `yaml:"fillHoles"`

		// ProbabilityFloor is the minimum mean class probability a connected
		// component needs to survive cleanup; weaker components are removed
		// to background even if they are the largest of their class
		ProbabilityFloor float64 `yaml:"probabilityFloor"`

		// Parallel post-processes subjects concurrently
		Parallel bool `yaml:"parallel"`
	} `yaml:"postProcessing"`

	// Output parameters
	Output struct {
		// ResultDir is the directory where run results are written; each run
		// creates a timestamped subdirectory
		ResultDir string `yaml:"resultDir"`

		// ResultsDB is an optional SQLite file collecting evaluation records
		// across runs; empty disables persistence
		ResultsDB string `yaml:"resultsDB"`

		// SavePredictions writes predicted label volumes as DICOM files
		SavePredictions bool `yaml:"savePredictions"`

		// Verbose enables debug-level logging
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Data.Modalities = []string{"T1w", "T2w"}

	cfg.Preprocessing.Normalization = NormZScore
	cfg.Preprocessing.MaskedOnly = false
	cfg.Preprocessing.Artifact = ArtifactNone
	cfg.Preprocessing.NoiseSigma = 0.05
	cfg.Preprocessing.ZeroFrequencyFraction = 0.1
	cfg.Preprocessing.Seed = 42
	cfg.Preprocessing.CoordinatesFeature = true
	cfg.Preprocessing.IntensityFeature = true
	cfg.Preprocessing.GradientIntensityFeature = true
	cfg.Preprocessing.Parallel = true
	cfg.Preprocessing.NumWorkers = runtime.NumCPU()

	cfg.Forest.Trees = 20
	cfg.Forest.MaxDepth = 25
	cfg.Forest.MinLeafSize = 1

	cfg.PostProcessing.Enabled = true
	cfg.PostProcessing.KeepLargestComponent = true
	cfg.PostProcessing.FillHoles = true
	cfg.PostProcessing.ProbabilityFloor = 0
	cfg.PostProcessing.Parallel = true

	cfg.Output.ResultDir = "results"
	cfg.Output.SavePredictions = true
	cfg.Output.Verbose = false

	return cfg
}

// Validate checks every enumerated option and numeric range. LoadConfig calls
// it so that a bad configuration fails before any subject is touched.
func (c *Config) Validate() error {
	switch c.Preprocessing.Normalization {
	case NormNone, NormZScore, NormWhiteStripe, NormHistogramMatching, NormFCM:
	default:
		return fmt.Errorf("unknown normalization method %q", c.Preprocessing.Normalization)
	}

	switch c.Preprocessing.Artifact {
	case ArtifactNone, ArtifactGaussianNoise, ArtifactZeroFrequencies:
	default:
		return fmt.Errorf("unknown artifact method %q", c.Preprocessing.Artifact)
	}

	if c.Preprocessing.Normalization == NormHistogramMatching && c.Data.AtlasDir == "" {
		return fmt.Errorf("histogram-matching normalization requires data.atlasDir")
	}

	if len(c.Data.Modalities) == 0 {
		return fmt.Errorf("at least one modality is required")
	}

	if !c.Preprocessing.CoordinatesFeature &&
		!c.Preprocessing.IntensityFeature &&
		!c.Preprocessing.GradientIntensityFeature {
		return fmt.Errorf("at least one feature channel must be enabled")
	}

	if c.Preprocessing.NoiseSigma < 0 {
		return fmt.Errorf("noiseSigma must be >= 0, got %g", c.Preprocessing.NoiseSigma)
	}
	if c.Preprocessing.ZeroFrequencyFraction < 0 || c.Preprocessing.ZeroFrequencyFraction > 1 {
		return fmt.Errorf("zeroFrequencyFraction must be in [0, 1], got %g", c.Preprocessing.ZeroFrequencyFraction)
	}
	if c.Preprocessing.NumWorkers < 1 {
		c.Preprocessing.NumWorkers = runtime.NumCPU()
	}

	if c.Forest.Trees < 1 {
		return fmt.Errorf("forest.trees must be >= 1, got %d", c.Forest.Trees)
	}
	if c.Forest.MaxDepth < 0 {
		return fmt.Errorf("forest.maxDepth must be >= 0, got %d", c.Forest.MaxDepth)
	}
	if c.Forest.MinLeafSize < 1 {
		return fmt.Errorf("forest.minLeafSize must be >= 1, got %d", c.Forest.MinLeafSize)
	}

	if c.PostProcessing.ProbabilityFloor < 0 || c.PostProcessing.ProbabilityFloor > 1 {
		return fmt.Errorf("probabilityFloor must be in [0, 1], got %g", c.PostProcessing.ProbabilityFloor)
	}

	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
