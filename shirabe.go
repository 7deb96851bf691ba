// Package shirabe is the public API for embedding the shirabe research
// run-state engine.
//
// Consumers import this package to construct and run the server without
// forking it:
//
//	app, err := shirabe.New(
//	    shirabe.WithVersion(version),
//	    shirabe.WithLogger(logger),
//	    shirabe.WithDriver(myBackend),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: shirabe (root) imports
// internal/*, but internal/* never imports shirabe (root).
package shirabe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/shirabe/internal/citations"
	"github.com/ashita-ai/shirabe/internal/config"
	"github.com/ashita-ai/shirabe/internal/driver"
	"github.com/ashita-ai/shirabe/internal/mcp"
	"github.com/ashita-ai/shirabe/internal/orchestrator"
	"github.com/ashita-ai/shirabe/internal/runindex"
	"github.com/ashita-ai/shirabe/internal/server"
	"github.com/ashita-ai/shirabe/internal/store"
	"github.com/ashita-ai/shirabe/internal/telemetry"
)

// App is the shirabe server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	store        *store.Store
	orch         *orchestrator.Orchestrator
	srv          *server.Server
	index        *runindex.Index // nil when the index is disabled
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the engine: loads configuration, opens the run state
// store and discovery index, wires the driver and orchestrator, and
// returns a ready-to-run App. It does NOT start any goroutines or accept
// HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("shirabe starting", "version", version, "port", cfg.Port, "data_dir", cfg.DataDir)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	st, err := store.New(cfg.DataDir, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("store: %w", err)
	}

	d := o.driver
	if d == nil {
		switch cfg.DriverMode {
		case "live":
			d = driver.NewLive(cfg.DriverEndpoint, cfg.DriverAPIKey, cfg.DriverTimeout)
			logger.Info("driver: live", "endpoint", cfg.DriverEndpoint)
		default:
			d = driver.Fixture{}
			logger.Info("driver: fixture (deterministic offline outputs)")
		}
	}

	var index *runindex.Index
	if cfg.IndexPath != "" {
		index, err = runindex.Open(cfg.IndexPath)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("runindex: %w", err)
		}
	}

	validator := citations.NewValidator(logger,
		citations.WithCheckers(citations.DefaultCheckers(cfg.CitationRedirectCap, cfg.CitationHopTimeout)...))

	orchOpts := []orchestrator.Option{orchestrator.WithValidator(validator)}
	if index != nil {
		orchOpts = append(orchOpts, orchestrator.WithIndexer(index))
	}
	orch := orchestrator.New(st, d, logger, orchOpts...)

	mcpSrv := mcp.New(st, orch, cfg.Limits(), logger)

	var lister server.Lister
	if index != nil {
		lister = index
	}
	srv := server.New(server.Config{
		Store:               st,
		Orchestrator:        orch,
		Logger:              logger,
		Index:               lister,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		APIKeyHash:          cfg.APIKeyHash,
		Limits:              cfg.Limits(),
	})

	return &App{
		cfg:          cfg,
		store:        st,
		orch:         orch,
		srv:          srv,
		index:        index,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Orchestrator exposes the engine for embedders that drive runs directly.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orch
}

// Store exposes the run state store.
func (a *App) Store() *store.Store {
	return a.store
}

// Run starts the HTTP server and the autopilot tick loop, then blocks
// until the context is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.TickInterval > 0 {
		go a.tickLoop(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// tickLoop periodically ticks every non-terminal run so accepted runs make
// progress without external polling.
func (a *App) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := a.store.ListRunIDs()
			if err != nil {
				a.logger.Warn("tick loop: list runs failed", "error", err)
				continue
			}
			for _, id := range ids {
				m, err := a.store.GetManifest(id)
				if err != nil || m.Status.Terminal() {
					continue
				}
				if _, err := a.orch.Tick(ctx, id); err != nil {
					a.logger.Warn("tick loop: tick failed", "run_id", id, "error", err)
				}
			}
		}
	}
}

// Shutdown stops accepting HTTP requests, drains in-flight work, and
// closes the index and OTEL providers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shirabe shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var firstErr error
	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		firstErr = err
	}
	if a.index != nil {
		if err := a.index.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := a.otelShutdown(shutdownCtx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
