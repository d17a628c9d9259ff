package container

import (
	"context"
	"fmt"

	"datacard/adapters/bundle"
	"datacard/adapters/excel"
	"datacard/adapters/histfile"
	"datacard/adapters/yoda"
	"datacard/app"
	"datacard/domain/manifest"
	"datacard/internal"
	"datacard/internal/config"
	"datacard/ports"
)

// Container holds all application dependencies and manages their lifecycle
type Container struct {
	Config *config.Config
	Logger *internal.Logger

	// Histogram sources keyed by input format
	Loaders map[string]ports.SourceLoader

	// Outputs
	Writer ports.ArtifactWriter
	Reader ports.ArtifactReader
	Report ports.ReportWriter

	CardService *app.CardService
}

// Options are the per-card settings that shape the outputs
type Options struct {
	Sparse    bool
	Tolerance float64
	Report    excel.ReportConfig
}

// New creates a new dependency injection container
func New(cfg *config.Config, opts Options) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	c := &Container{
		Config: cfg,
		Logger: internal.NewLogger(internal.ParseLogLevel(cfg.Log.Level)),
	}
	c.initLoaders()
	c.initOutputs(opts)
	c.CardService = app.NewCardService(c.Loaders, c.Writer, c.Reader, c.Report, c.Logger)

	c.Logger.Debug("container ready: %d input formats, code version %s", len(c.Loaders), cfg.Output.CodeVersion)
	return c, nil
}

func (c *Container) initLoaders() {
	c.Loaders = map[string]ports.SourceLoader{
		"json": histfile.NewLoader(c.Logger, c.Config.Load.Concurrency),
		"yoda": yoda.NewLoader(c.Logger, c.Config.Load.YodaAxis),
	}
}

func (c *Container) initOutputs(opts Options) {
	c.Writer = bundle.NewWriter(c.Logger, manifest.Options{
		CodeVersion: c.Config.Output.CodeVersion,
		Sparse:      opts.Sparse,
		Tolerance:   opts.Tolerance,
	})
	c.Reader = bundle.Reader{}
	c.Report = excel.NewReportWriter(opts.Report, c.Logger)
}

// Shutdown flushes buffered log output
func (c *Container) Shutdown(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// zap reports an error when syncing a terminal; it is not actionable
	_ = c.Logger.Sync()
	return nil
}
