// Package config provides configuration loading and management for ctslicesto3d.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters for the volume build
	Processing struct {
		// NumWorkers specifies how many slices are processed concurrently
		NumWorkers int `yaml:"numWorkers"`

		// IntensityThreshold is the luminance above which a pixel becomes a point
		IntensityThreshold float64 `yaml:"intensityThreshold"`
	} `yaml:"processing"`

	// Slicing parameters for oblique resampling
	Slicing struct {
		// ThicknessThreshold is the half-width of the slab around the plane, in normalized units
		ThicknessThreshold float64 `yaml:"thicknessThreshold"`

		// Debounce delays a resampling request so rapid updates coalesce
		Debounce time.Duration `yaml:"debounce"`
	} `yaml:"slicing"`

	// Output parameters
	Output struct {
		// Dir is where extracted slices and reports are written
		Dir string `yaml:"dir"`

		// HistogramBins is the number of bins in the intensity histogram report
		HistogramBins int `yaml:"histogramBins"`

		// Verbose prints a per-slice progress line
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`

	// Logging parameters
	Logging struct {
		// Level is one of debug, info, warn, error
		Level string `yaml:"level"`

		// File enables a rotating log file when set
		File string `yaml:"file"`
	} `yaml:"logging"`

	// Catalog parameters
	Catalog struct {
		// Path is the SQLite database recording render sessions; empty disables it
		Path string `yaml:"path"`
	} `yaml:"catalog"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumWorkers = runtime.NumCPU()
	cfg.Processing.IntensityThreshold = 0.15

	cfg.Slicing.ThicknessThreshold = 0.005
	cfg.Slicing.Debounce = 30 * time.Millisecond

	cfg.Output.Dir = "output"
	cfg.Output.HistogramBins = 64
	cfg.Output.Verbose = true

	cfg.Logging.Level = "info"

	return cfg
}

// Validate reports settings that would make a build meaningless.
func (c *Config) Validate() error {
	if c.Processing.NumWorkers < 1 {
		return fmt.Errorf("processing.numWorkers must be at least 1, got %d", c.Processing.NumWorkers)
	}
	if c.Processing.IntensityThreshold < 0 || c.Processing.IntensityThreshold >= 1 {
		return fmt.Errorf("processing.intensityThreshold must be in [0, 1), got %v", c.Processing.IntensityThreshold)
	}
	if c.Slicing.ThicknessThreshold <= 0 {
		return fmt.Errorf("slicing.thicknessThreshold must be positive, got %v", c.Slicing.ThicknessThreshold)
	}
	if c.Slicing.Debounce < 0 {
		return fmt.Errorf("slicing.debounce must not be negative, got %v", c.Slicing.Debounce)
	}
	if c.Output.HistogramBins < 1 {
		return fmt.Errorf("output.histogramBins must be at least 1, got %d", c.Output.HistogramBins)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
