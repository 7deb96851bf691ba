package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/shirabe/internal/model"
	"github.com/ashita-ai/shirabe/internal/orchestrator"
	"github.com/ashita-ai/shirabe/internal/store"
)

// Server is the shirabe HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Config holds all dependencies and settings for creating a Server.
// Optional fields (nil-safe): Index, MCPServer.
type Config struct {
	// Required dependencies.
	Store        *store.Store
	Orchestrator *orchestrator.Orchestrator
	Logger       *slog.Logger

	// Optional dependencies (nil = disabled).
	Index     Lister
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	APIKeyHash          string
	Limits              model.Limits
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(HandlersDeps{
		Store:        cfg.Store,
		Orchestrator: cfg.Orchestrator,
		Index:        cfg.Index,
		Version:      cfg.Version,
		Limits:       cfg.Limits,
	})

	mux := http.NewServeMux()

	// Run lifecycle.
	mux.HandleFunc("POST /v1/runs", h.HandleCreateRun)
	mux.HandleFunc("GET /v1/runs", h.HandleListRuns)
	mux.HandleFunc("GET /v1/runs/{run_id}", h.HandleGetRun)

	// Revision-guarded state patches.
	mux.HandleFunc("PATCH /v1/runs/{run_id}/manifest", h.HandlePatchManifest)
	mux.HandleFunc("PATCH /v1/runs/{run_id}/gates", h.HandlePatchGates)

	// Pipeline control.
	mux.HandleFunc("POST /v1/runs/{run_id}/advance", h.HandleAdvance)
	mux.HandleFunc("POST /v1/runs/{run_id}/tick", h.HandleTick)
	mux.HandleFunc("GET /v1/runs/{run_id}/decision", h.HandleDecision)
	mux.HandleFunc("POST /v1/runs/{run_id}/gates/{gate_id}/evaluate", h.HandleEvaluateGate)

	// Artifacts and history.
	mux.HandleFunc("GET /v1/runs/{run_id}/citations/report", h.HandleCitationReport)
	mux.HandleFunc("GET /v1/runs/{run_id}/report", h.HandleFinalReport)
	mux.HandleFunc("GET /v1/runs/{run_id}/audit", h.HandleAudit)

	// Cross-run discovery.
	mux.HandleFunc("GET /v1/index/runs", h.HandleIndexRuns)

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Health (no auth).
	mux.HandleFunc("GET /healthz", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → auth → body limit → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = bodyLimitMiddleware(cfg.MaxRequestBodyBytes, handler)
	handler = authMiddleware(cfg.APIKeyHash, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
