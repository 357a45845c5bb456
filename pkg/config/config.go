// Package config provides configuration loading and management for the
// registration pipeline. It handles loading configuration from YAML files
// and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel processing
		NumCores int `yaml:"numCores"`

		// Overwrite re-registers rounds whose results already exist in
		// the dataset instead of skipping them
		Overwrite bool `yaml:"overwrite"`
	} `yaml:"processing"`

	// Registration parameters
	Registration struct {
		// DownsampleFactor is the working resolution of all correlation
		// passes and of the persisted displacement fields
		DownsampleFactor int `yaml:"downsampleFactor"`

		// OpticalFlow enables dense displacement-field refinement on
		// top of the rigid translation
		OpticalFlow bool `yaml:"opticalFlow"`

		// FlowBlockSize is the block-matching window extent in voxels
		FlowBlockSize int `yaml:"flowBlockSize"`

		// FlowSearchRadius is the maximum block displacement searched
		// per axis in voxels
		FlowSearchRadius int `yaml:"flowSearchRadius"`

		// FlowStride is the spacing between block origins in voxels
		FlowStride int `yaml:"flowStride"`
	} `yaml:"registration"`

	// Restoration parameters
	Restoration struct {
		// DeconIterations is the Richardson-Lucy iteration count
		DeconIterations int `yaml:"deconIterations"`

		// DeconRegularization damps the Richardson-Lucy update to keep
		// noise from amplifying
		DeconRegularization float64 `yaml:"deconRegularization"`

		// NumericalAperture of the objective, used to derive the
		// band-pass filter scales from each bit's emission wavelength
		NumericalAperture float64 `yaml:"numericalAperture"`

		// DoGSigmaRatio is the high-to-low sigma ratio of the
		// difference-of-Gaussians band-pass filter
		DoGSigmaRatio float64 `yaml:"dogSigmaRatio"`
	} `yaml:"restoration"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default processing parameters
	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default
	cfg.Processing.Overwrite = false

	// Set default registration parameters
	cfg.Registration.DownsampleFactor = 4
	cfg.Registration.OpticalFlow = true
	cfg.Registration.FlowBlockSize = 8
	cfg.Registration.FlowSearchRadius = 4
	cfg.Registration.FlowStride = 4

	// Set default restoration parameters
	cfg.Restoration.DeconIterations = 40
	cfg.Restoration.DeconRegularization = 1e-4
	cfg.Restoration.NumericalAperture = 1.35
	cfg.Restoration.DoGSigmaRatio = 1.6

	// Set default output parameters
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

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
