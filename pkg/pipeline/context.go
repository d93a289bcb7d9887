// Package pipeline runs segmentation and mesh extraction over one labeled
// volume: load, catalogue, filter, per-particle export and properties.
package pipeline

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"grainmesh/pkg/artifact"
	"grainmesh/pkg/config"
	"grainmesh/pkg/lod"
	"grainmesh/pkg/properties"
)

// RunContext carries everything one run shares between its steps. Nothing
// in the pipeline keeps process-wide state.
type RunContext struct {
	Config  *config.Config
	Logger  *log.Logger
	Store   artifact.Store
	Writer  *artifact.Writer
	Metrics *Metrics
	Catalog *properties.Catalog
	Backend lod.Backend

	// RunID names the run in the catalogue, normally the input stem
	RunID string

	// TempDir holds scratch files such as grid encodings
	TempDir string
}

// OutputRoot is dir when set, otherwise <input dir>/<input stem>.
func OutputRoot(input, dir string) string {
	if dir != "" {
		return dir
	}
	return filepath.Join(filepath.Dir(input), RunName(input))
}

// RunName is the input file name without its extension.
func RunName(input string) string {
	base := filepath.Base(input)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// NewBackend builds the tier backend named in the configuration.
func NewBackend(cfg *config.Config) (lod.Backend, error) {
	if cfg.Tiers.Backend == lod.BackendSubprocess {
		return lod.NewSubprocessBackend(cfg.Tiers.WorkerBackend, cfg.Tiers.Timeout)
	}
	return lod.NewBackend(cfg.Tiers.Backend)
}

// NewRunContext opens the artifact store under root, the catalogue and the
// tier backend. A nil logger discards output.
func NewRunContext(ctx context.Context, cfg *config.Config, logger *log.Logger, root, runID string) (*RunContext, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	store, err := artifact.Open(ctx, artifact.Options{Driver: cfg.Storage.Driver, Root: root, S3: cfg.Storage.S3})
	if err != nil {
		return nil, errors.Wrap(err, "open artifact store")
	}
	backend, err := NewBackend(cfg)
	if err != nil {
		return nil, err
	}
	catalog, err := properties.OpenCatalog(ctx, cfg.Catalog.Driver, cfg.Catalog.DSN)
	if err != nil {
		return nil, err
	}
	return &RunContext{
		Config:  cfg,
		Logger:  logger,
		Store:   store,
		Writer:  artifact.NewWriter(store),
		Metrics: NewMetrics(),
		Catalog: catalog,
		Backend: backend,
		RunID:   runID,
		TempDir: os.TempDir(),
	}, nil
}

// Close releases the catalogue connection.
func (rc *RunContext) Close() error {
	return rc.Catalog.Close()
}

func (rc *RunContext) verbosef(format string, args ...interface{}) {
	if rc.Config.Output.Verbose {
		rc.Logger.Printf(format, args...)
	}
}

// event appends to the catalogue log; failures only produce a warning.
func (rc *RunContext) event(ctx context.Context, particle int, level, message string) {
	if rc.Catalog == nil {
		return
	}
	if err := rc.Catalog.LogEvent(ctx, rc.RunID, particle, level, message); err != nil {
		rc.Logger.Printf("Warning: catalog event: %v", err)
	}
}
