// Package config provides configuration loading and management for
// vsseg3d. It handles loading configuration from YAML files and provides
// default values matching the reference model.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"vsseg3d/pkg/inference"
	"vsseg3d/pkg/network"
	"vsseg3d/pkg/patchex"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Model describes the network architecture
	Model struct {
		// InChannels is the channel count of the input volumes
		InChannels int `yaml:"inChannels"`

		// OutChannels is the number of segmentation classes
		OutChannels int `yaml:"outChannels"`

		// Channels lists the feature channels per depth, shallowest first
		Channels []int `yaml:"channels"`

		// Strides lists the 3-element resampling strides between depths
		Strides [][]int `yaml:"strides"`

		// KernelSizes lists the 3-element convolution kernels per depth
		KernelSizes [][]int `yaml:"kernelSizes"`

		// SampleKernelSizes lists the 3-element resampler kernels
		SampleKernelSizes [][]int `yaml:"sampleKernelSizes"`

		// NumResUnits enables residual units when > 0
		NumResUnits int `yaml:"numResUnits"`

		// Norm selects normalization: batch, instance or none
		Norm string `yaml:"norm"`

		// Act selects activation: prelu, relu or none
		Act string `yaml:"act"`

		// Dropout is the dropout rate of every conv block
		Dropout float64 `yaml:"dropout"`

		// Attention enables the spatial attention gates
		Attention bool `yaml:"attention"`

		// NumHeads is the bottleneck self-attention head count
		NumHeads int `yaml:"numHeads"`

		// HiddenMult scales the bottleneck feed-forward width
		HiddenMult int `yaml:"hiddenMult"`

		// Seed drives deterministic parameter initialization
		Seed uint64 `yaml:"seed"`
	} `yaml:"model"`

	// Inference controls the sliding-window pass
	Inference struct {
		// ROISize is the 3-element tile size in (x, y, z) order
		ROISize []int `yaml:"roiSize"`

		// Overlap is the tile overlap fraction
		Overlap float64 `yaml:"overlap"`

		// SigmaScale sets the Gaussian blending width
		SigmaScale float64 `yaml:"sigmaScale"`

		// TileBatch is how many tiles evaluate concurrently
		TileBatch int `yaml:"tileBatch"`

		// CaseWorkers is how many cases evaluate concurrently
		CaseWorkers int `yaml:"caseWorkers"`

		// ForegroundChannel indexes the logits channel treated as the
		// structure response map
		ForegroundChannel int `yaml:"foregroundChannel"`
	} `yaml:"inference"`

	// Patch controls the locator/extractor
	Patch struct {
		// WindowSize is the extracted patch extent per axis
		WindowSize int `yaml:"windowSize"`
	} `yaml:"patch"`

	// Output parameters
	Output struct {
		// ResultsDir is the root directory for exported results
		ResultsDir string `yaml:"resultsDir"`

		// SavePatches writes extracted prediction/label patches to disk
		SavePatches bool `yaml:"savePatches"`

		// SaveFigures writes centre-of-mass slice images to disk
		SaveFigures bool `yaml:"saveFigures"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	opts := network.DefaultOptions()
	cfg.Model.InChannels = opts.InChannels
	cfg.Model.OutChannels = opts.OutChannels
	cfg.Model.Channels = opts.Channels
	cfg.Model.Strides = triplesToLists(opts.Strides)
	cfg.Model.KernelSizes = triplesToLists(opts.KernelSizes)
	cfg.Model.SampleKernelSizes = triplesToLists(opts.SampleKernelSizes)
	cfg.Model.NumResUnits = opts.NumResUnits
	cfg.Model.Norm = opts.Norm
	cfg.Model.Act = opts.Act
	cfg.Model.Dropout = opts.Dropout
	cfg.Model.Attention = opts.Attention
	cfg.Model.NumHeads = opts.NumHeads
	cfg.Model.HiddenMult = opts.HiddenMult
	cfg.Model.Seed = opts.Seed

	inf := inference.DefaultOptions()
	cfg.Inference.ROISize = []int{inf.ROI[0], inf.ROI[1], inf.ROI[2]}
	cfg.Inference.Overlap = inf.Overlap
	cfg.Inference.SigmaScale = inf.SigmaScale
	cfg.Inference.TileBatch = inf.Workers
	cfg.Inference.CaseWorkers = runtime.NumCPU()
	cfg.Inference.ForegroundChannel = 1

	cfg.Patch.WindowSize = patchex.DefaultWindowSize

	cfg.Output.ResultsDir = "results"
	cfg.Output.SavePatches = true
	cfg.Output.SaveFigures = true
	cfg.Output.Verbose = true

	return cfg
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

// NetworkOptions converts the model section into builder options,
// validating the 3-element shape of every stride and kernel entry. The
// configuration-list-length invariant itself is checked by the builder.
func (c *Config) NetworkOptions() (network.Options, error) {
	opts := network.Options{
		InChannels:  c.Model.InChannels,
		OutChannels: c.Model.OutChannels,
		Channels:    c.Model.Channels,
		NumResUnits: c.Model.NumResUnits,
		Norm:        c.Model.Norm,
		Act:         c.Model.Act,
		Dropout:     c.Model.Dropout,
		Attention:   c.Model.Attention,
		NumHeads:    c.Model.NumHeads,
		HiddenMult:  c.Model.HiddenMult,
		Seed:        c.Model.Seed,
	}
	var err error
	if opts.Strides, err = listsToTriples("strides", c.Model.Strides); err != nil {
		return network.Options{}, err
	}
	if opts.KernelSizes, err = listsToTriples("kernelSizes", c.Model.KernelSizes); err != nil {
		return network.Options{}, err
	}
	if opts.SampleKernelSizes, err = listsToTriples("sampleKernelSizes", c.Model.SampleKernelSizes); err != nil {
		return network.Options{}, err
	}
	return opts, nil
}

// InferenceOptions converts the inference section into driver options.
func (c *Config) InferenceOptions() (inference.Options, error) {
	if len(c.Inference.ROISize) != 3 {
		return inference.Options{}, fmt.Errorf("roiSize needs exactly 3 entries, got %d", len(c.Inference.ROISize))
	}
	return inference.Options{
		ROI:        [3]int{c.Inference.ROISize[0], c.Inference.ROISize[1], c.Inference.ROISize[2]},
		Overlap:    c.Inference.Overlap,
		SigmaScale: c.Inference.SigmaScale,
		Workers:    c.Inference.TileBatch,
	}, nil
}

func triplesToLists(in [][3]int) [][]int {
	out := make([][]int, len(in))
	for i, t := range in {
		out[i] = []int{t[0], t[1], t[2]}
	}
	return out
}

func listsToTriples(name string, in [][]int) ([][3]int, error) {
	out := make([][3]int, len(in))
	for i, l := range in {
		if len(l) != 3 {
			return nil, fmt.Errorf("%s[%d] needs exactly 3 entries, got %d", name, i, len(l))
		}
		out[i] = [3]int{l[0], l[1], l[2]}
	}
	return out, nil
}
