// Package mcp implements the Model Context Protocol surface for the
// run-state engine. It exposes the same operations as the HTTP API as MCP
// tools, so MCP-compatible agents can drive research runs directly.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/shirabe/internal/model"
	"github.com/ashita-ai/shirabe/internal/orchestrator"
	"github.com/ashita-ai/shirabe/internal/store"
)

// Server wraps the MCP server with the engine's service layer.
type Server struct {
	mcpServer    *mcpserver.MCPServer
	store        *store.Store
	orchestrator *orchestrator.Orchestrator
	limits       model.Limits
	logger       *slog.Logger
}

// New creates and configures an MCP server with all tools and resources.
func New(st *store.Store, o *orchestrator.Orchestrator, limits model.Limits, logger *slog.Logger) *Server {
	s := &Server{
		store:        st,
		orchestrator: o,
		limits:       limits,
		logger:       logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"shirabe",
		"0.1.0",
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// shirabe://runs/recent — recently touched runs with stage and status.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"shirabe://runs/recent",
			"Recent Runs",
			mcplib.WithResourceDescription("Recently touched research runs with stage and status"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRunsRecent,
	)
}

func (s *Server) registerTools() {
	// shirabe_initialize_run — start a research run.
	s.mcpServer.AddTool(
		mcplib.NewTool("shirabe_initialize_run",
			mcplib.WithDescription("Initialize a multi-stage research run for a query. Idempotent per run_id."),
			mcplib.WithString("query", mcplib.Description("The research question"), mcplib.Required()),
			mcplib.WithString("run_id", mcplib.Description("Run identifier; generated when omitted")),
		),
		s.handleInitializeRun,
	)

	// shirabe_get_run — manifest and gate state.
	s.mcpServer.AddTool(
		mcplib.NewTool("shirabe_get_run",
			mcplib.WithDescription("Get a run's manifest, stage, and gate results"),
			mcplib.WithString("run_id", mcplib.Description("Run identifier"), mcplib.Required()),
		),
		s.handleGetRun,
	)

	// shirabe_run_tick — one orchestration step.
	s.mcpServer.AddTool(
		mcplib.NewTool("shirabe_run_tick",
			mcplib.WithDescription("Perform one orchestration step: execute stage work, record a gate, or advance the stage"),
			mcplib.WithString("run_id", mcplib.Description("Run identifier"), mcplib.Required()),
		),
		s.handleRunTick,
	)

	// shirabe_advance_stage — explicit transition attempt.
	s.mcpServer.AddTool(
		mcplib.NewTool("shirabe_advance_stage",
			mcplib.WithDescription("Attempt a stage transition and return the precondition-by-precondition decision"),
			mcplib.WithString("run_id", mcplib.Description("Run identifier"), mcplib.Required()),
		),
		s.handleAdvanceStage,
	)

	// shirabe_evaluate_gate — on-demand gate evaluation.
	s.mcpServer.AddTool(
		mcplib.NewTool("shirabe_evaluate_gate",
			mcplib.WithDescription("Evaluate one quality gate against the run's current artifacts"),
			mcplib.WithString("run_id", mcplib.Description("Run identifier"), mcplib.Required()),
			mcplib.WithString("gate_id", mcplib.Description("Gate identifier, e.g. citations or summary_bounds"), mcplib.Required()),
		),
		s.handleEvaluateGate,
	)

	// shirabe_list_runs — run ids in the data directory.
	s.mcpServer.AddTool(
		mcplib.NewTool("shirabe_list_runs",
			mcplib.WithDescription("List run identifiers known to the state store"),
		),
		s.handleListRuns,
	)
}

func (s *Server) handleRunsRecent(_ context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	ids, err := s.store.ListRunIDs()
	if err != nil {
		return nil, fmt.Errorf("mcp: list runs: %w", err)
	}

	type runSummary struct {
		ID     string          `json:"id"`
		Query  string          `json:"query"`
		Status model.RunStatus `json:"status"`
		Stage  model.Stage     `json:"stage"`
	}
	summaries := make([]runSummary, 0, len(ids))
	for _, id := range ids {
		m, err := s.store.GetManifest(id)
		if err != nil {
			continue
		}
		summaries = append(summaries, runSummary{
			ID: m.ID, Query: m.Query, Status: m.Status, Stage: m.Stage.Current,
		})
		if len(summaries) == 20 {
			break
		}
	}

	data, err := json.MarshalIndent(summaries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal runs: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "shirabe://runs/recent",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleInitializeRun(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return errorResult("query is required"), nil
	}
	runID := request.GetString("run_id", "")
	if runID == "" {
		runID = newRunID()
	}

	m, err := s.orchestrator.StartRun(runID, query, s.limits)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to initialize run: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"run_id": m.ID, "status": m.Status, "stage": m.Stage.Current, "revision": m.Revision,
	})
}

func (s *Server) handleGetRun(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID := request.GetString("run_id", "")
	if runID == "" {
		return errorResult("run_id is required"), nil
	}
	m, err := s.store.GetManifest(runID)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to read run: %v", err)), nil
	}
	gs, err := s.store.GetGateSet(runID)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to read gates: %v", err)), nil
	}
	return jsonResult(map[string]any{"manifest": m, "gates": gs})
}

func (s *Server) handleRunTick(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID := request.GetString("run_id", "")
	if runID == "" {
		return errorResult("run_id is required"), nil
	}
	action, err := s.orchestrator.Tick(ctx, runID)
	if err != nil {
		return errorResult(fmt.Sprintf("tick failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"run_id": runID, "action": action})
}

func (s *Server) handleAdvanceStage(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID := request.GetString("run_id", "")
	if runID == "" {
		return errorResult("run_id is required"), nil
	}
	d, err := s.orchestrator.Advance(runID, "advance requested via mcp")
	if err != nil {
		return errorResult(fmt.Sprintf("advance failed: %v", err)), nil
	}
	return jsonResult(d)
}

func (s *Server) handleEvaluateGate(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID := request.GetString("run_id", "")
	gateID := request.GetString("gate_id", "")
	if runID == "" || gateID == "" {
		return errorResult("run_id and gate_id are required"), nil
	}
	res, err := s.orchestrator.EvaluateGate(runID, model.GateID(gateID))
	if err != nil {
		return errorResult(fmt.Sprintf("gate evaluation failed: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"gate_id":       gateID,
		"status":        res.Status,
		"metrics":       res.Metrics,
		"warnings":      res.Warnings,
		"inputs_digest": res.InputsDigest,
	})
}

func (s *Server) handleListRuns(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ids, err := s.store.ListRunIDs()
	if err != nil {
		return errorResult(fmt.Sprintf("failed to list runs: %v", err)), nil
	}
	return jsonResult(map[string]any{"run_ids": ids, "total": len(ids)})
}

func newRunID() string { return uuid.NewString() }

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
