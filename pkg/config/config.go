// Package config provides configuration loading and management for neuroquant.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"neuroquant/internal/models"
	"neuroquant/pkg/external"
	"neuroquant/pkg/geometry"
	"neuroquant/pkg/warp"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores specifies how many goroutines sampling loops may use
		NumCores int `yaml:"numCores"`
	} `yaml:"processing"`

	// Network space parameters
	Network struct {
		// Shape is the voxel grid of the network space
		Shape [3]int `yaml:"shape"`

		// VoxelSize is the network voxel spacing in mm
		VoxelSize [3]float64 `yaml:"voxelSize"`

		// Orientation is the three-letter axis code of the network space
		Orientation string `yaml:"orientation"`

		// Interpolation is "linear" or "nearest"
		Interpolation string `yaml:"interpolation"`
	} `yaml:"network"`

	// SUVR parameters
	SUVR struct {
		// AffineTolerance is the absolute tolerance for PET/mask affines
		AffineTolerance float64 `yaml:"affineTolerance"`

		// SpacingTolerance is the absolute tolerance for PET/mask voxel sizes
		SpacingTolerance float64 `yaml:"spacingTolerance"`

		// MappingOrder is the interpolation order used to map masks (0-5)
		MappingOrder int `yaml:"mappingOrder"`

		// UseRegistered prefers the registered mask when one exists
		UseRegistered bool `yaml:"useRegistered"`

		// Labels lists the atlas labels summarized by regional SUVR
		Labels []int `yaml:"labels,omitempty"`
	} `yaml:"suvr"`

	// External tools
	External struct {
		// Timeout bounds each external command; 0 disables the limit
		Timeout time.Duration `yaml:"timeout"`

		Register   external.Command `yaml:"register"`
		Apply      external.Command `yaml:"apply"`
		SkullStrip external.Command `yaml:"skullStrip"`
	} `yaml:"external"`

	// Output parameters
	Output struct {
		// Verbose enables debug logging
		Verbose bool `yaml:"verbose"`

		// LogFile, when set, receives a rotated copy of the log
		LogFile string `yaml:"logFile"`

		// LogMaxSizeMB is the size at which the log file is rotated
		LogMaxSizeMB int `yaml:"logMaxSizeMB"`

		// LogMaxAgeDays is how long rotated logs are kept
		LogMaxAgeDays int `yaml:"logMaxAgeDays"`

		// Snapshots saves QC slice images next to batch results
		Snapshots bool `yaml:"snapshots"`

		// KeepIntermediate keeps staged files of external steps
		KeepIntermediate bool `yaml:"keepIntermediate"`

		// DataType is the on-disk type of derived volumes
		DataType string `yaml:"dataType"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumCores = runtime.NumCPU()

	cfg.Network.Shape = [3]int{192, 192, 192}
	cfg.Network.VoxelSize = [3]float64{1, 1, 1}
	cfg.Network.Orientation = geometry.NetworkOrientation
	cfg.Network.Interpolation = "linear"

	cfg.SUVR.AffineTolerance = 1e-3
	cfg.SUVR.SpacingTolerance = 0.1
	cfg.SUVR.MappingOrder = 0
	cfg.SUVR.UseRegistered = true

	cfg.External.Timeout = 30 * time.Minute

	cfg.Output.Verbose = false
	cfg.Output.LogMaxSizeMB = 100
	cfg.Output.LogMaxAgeDays = 28
	cfg.Output.DataType = "float32"

	return cfg
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
		return nil, fmt.Errorf("%w: error parsing config file: %v", models.ErrConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and mutually dependent settings
func (c *Config) Validate() error {
	for d := 0; d < 3; d++ {
		if c.Network.Shape[d] <= 0 {
			return fmt.Errorf("%w: network.shape must be positive, got %v", models.ErrConfig, c.Network.Shape)
		}
		if c.Network.VoxelSize[d] <= 0 {
			return fmt.Errorf("%w: network.voxelSize must be positive, got %v", models.ErrConfig, c.Network.VoxelSize)
		}
	}
	if _, err := geometry.Orientation(c.Network.Orientation); err != nil {
		return fmt.Errorf("network.orientation: %w", err)
	}
	if _, err := warp.ParseInterpolation(c.Network.Interpolation); err != nil {
		return fmt.Errorf("network.interpolation: %w", err)
	}
	if c.SUVR.AffineTolerance < 0 || c.SUVR.SpacingTolerance < 0 {
		return fmt.Errorf("%w: suvr tolerances must not be negative", models.ErrConfig)
	}
	if c.SUVR.MappingOrder < 0 || c.SUVR.MappingOrder > 5 {
		return fmt.Errorf("%w: suvr.mappingOrder must be in [0, 5], got %d", models.ErrConfig, c.SUVR.MappingOrder)
	}
	if c.External.Timeout < 0 {
		return fmt.Errorf("%w: external.timeout must not be negative", models.ErrConfig)
	}
	return nil
}

// Commands returns the configured external commands
func (c *Config) Commands() external.Commands {
	return external.Commands{
		Register:   c.External.Register,
		Apply:      c.External.Apply,
		SkullStrip: c.External.SkullStrip,
	}
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
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
