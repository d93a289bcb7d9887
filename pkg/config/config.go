// Package config provides configuration loading and management for
// segment-and-mesh. It handles loading configuration from YAML files and
// provides default values.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"grainmesh/pkg/artifact"
	"grainmesh/pkg/lod"
	"grainmesh/pkg/particle"
	"grainmesh/pkg/properties"
	"grainmesh/pkg/stl"
	"grainmesh/pkg/volume"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores is the number of particles processed concurrently
		NumCores int `yaml:"numCores"`

		// MinVoxels is the size floor; a region must have strictly more voxels
		MinVoxels int64 `yaml:"minVoxels"`

		// FirstID is the id given to the first accepted particle, 0 or 1
		FirstID int `yaml:"firstId"`

		// VoxelSize is the physical edge length of one voxel; 0 means resolve
		// it from the input
		VoxelSize float64 `yaml:"voxelSize"`

		// PromptVoxelSize asks on the terminal when no other source has a pitch
		PromptVoxelSize bool `yaml:"promptVoxelSize"`

		// Resume skips particles whose canonical record already exists
		Resume bool `yaml:"resume"`

		// DType and Shape describe raw volumes whose name carries no shape
		DType string `yaml:"dtype"`
		Shape []int  `yaml:"shape,omitempty"`
	} `yaml:"processing"`

	// Surface extraction parameters
	Mesh struct {
		// IsoLevel is the occupancy threshold, strictly between 0 and 1
		IsoLevel float64 `yaml:"isoLevel"`
	} `yaml:"mesh"`

	// Quality tier parameters
	Tiers struct {
		Names []string `yaml:"names"`

		// Backend is remesh, decimate or subprocess
		Backend string `yaml:"backend"`

		// WorkerBackend is the backend a subprocess worker runs
		WorkerBackend string `yaml:"workerBackend"`

		// Timeout bounds one subprocess run
		Timeout time.Duration `yaml:"timeout"`

		// MinVoxelSize clamps the target voxel size of the coarse tiers
		MinVoxelSize float64 `yaml:"minVoxelSize"`
	} `yaml:"tiers"`

	// Output parameters
	Output struct {
		// Dir overrides the directory derived from the input name
		Dir string `yaml:"dir"`

		// Grid writes the sparse occupancy grid of every particle
		Grid bool `yaml:"grid"`

		// Previews writes the mid-plane slices of every particle mask
		Previews bool `yaml:"previews"`

		// Metrics writes the run metrics in Prometheus text format
		Metrics bool `yaml:"metrics"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`

	// Artifact storage
	Storage struct {
		Driver artifact.Driver   `yaml:"driver"`
		S3     artifact.S3Config `yaml:"s3"`
	} `yaml:"storage"`

	// Run catalogue
	Catalog struct {
		// Driver is none, sqlite or postgres
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"catalog"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumCores = runtime.NumCPU()
	cfg.Processing.MinVoxels = particle.DefaultMinVoxels
	cfg.Processing.FirstID = 1
	cfg.Processing.DType = "uint8"

	cfg.Mesh.IsoLevel = stl.DefaultIsoLevel

	cfg.Tiers.Names = lod.TierNames(lod.DefaultTiers)
	cfg.Tiers.Backend = lod.BackendRemesh
	cfg.Tiers.WorkerBackend = lod.BackendRemesh
	cfg.Tiers.Timeout = 2 * time.Minute
	cfg.Tiers.MinVoxelSize = lod.DefaultMinVoxelSize

	cfg.Output.Grid = true
	cfg.Output.Metrics = true
	cfg.Output.Verbose = true

	cfg.Storage.Driver = artifact.DriverFS
	cfg.Storage.S3.Region = "us-east-1"

	cfg.Catalog.Driver = properties.CatalogNone

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	if configPath == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "error reading config file")
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "error parsing config file")
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return errors.Wrap(err, "error creating config directory")
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "error marshaling config")
	}

	return errors.Wrap(os.WriteFile(configPath, data, 0644), "error writing config file")
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	p := c.Processing
	if p.NumCores <= 0 {
		return errors.Errorf("processing.numCores must be positive, got %d", p.NumCores)
	}
	if p.MinVoxels < 0 {
		return errors.Errorf("processing.minVoxels must not be negative, got %d", p.MinVoxels)
	}
	if p.FirstID != 0 && p.FirstID != 1 {
		return errors.Errorf("processing.firstId must be 0 or 1, got %d", p.FirstID)
	}
	if p.VoxelSize < 0 {
		return errors.Errorf("processing.voxelSize must not be negative, got %g", p.VoxelSize)
	}
	if _, err := volume.ParseDType(p.DType); err != nil {
		return errors.Wrap(err, "processing.dtype")
	}
	if len(p.Shape) != 0 && len(p.Shape) != 3 {
		return errors.Errorf("processing.shape needs 3 values, got %v", p.Shape)
	}
	if iso := c.Mesh.IsoLevel; !(iso > 0 && iso < 1) {
		return errors.Errorf("mesh.isoLevel must lie strictly between 0 and 1, got %g", iso)
	}
	if len(c.Tiers.Names) == 0 {
		return errors.New("tiers.names must list at least one tier")
	}
	if _, err := lod.ParseTiers(c.Tiers.Names); err != nil {
		return errors.Wrap(err, "tiers.names")
	}
	switch c.Tiers.Backend {
	case lod.BackendRemesh, lod.BackendDecimate:
	case lod.BackendSubprocess:
		if c.Tiers.WorkerBackend != lod.BackendRemesh && c.Tiers.WorkerBackend != lod.BackendDecimate {
			return errors.Errorf("tiers.workerBackend must be %s or %s, got %q", lod.BackendRemesh, lod.BackendDecimate, c.Tiers.WorkerBackend)
		}
	default:
		return errors.Errorf("unknown tiers.backend %q", c.Tiers.Backend)
	}
	if c.Tiers.MinVoxelSize <= 0 {
		return errors.Errorf("tiers.minVoxelSize must be positive, got %g", c.Tiers.MinVoxelSize)
	}
	switch c.Storage.Driver {
	case artifact.DriverFS, artifact.DriverMemory:
	case artifact.DriverS3:
		if c.Storage.S3.Bucket == "" {
			return errors.New("storage.s3.bucket is required for the s3 driver")
		}
	default:
		return errors.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	switch c.Catalog.Driver {
	case properties.CatalogNone, properties.CatalogSQLite:
	case properties.CatalogPostgres:
		if c.Catalog.DSN == "" {
			return errors.New("catalog.dsn is required for the postgres driver")
		}
	default:
		return errors.Errorf("unknown catalog.driver %q", c.Catalog.Driver)
	}
	return nil
}
