package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/ashita-ai/shirabe/internal/fsm"
	"github.com/ashita-ai/shirabe/internal/model"
	"github.com/ashita-ai/shirabe/internal/orchestrator"
	"github.com/ashita-ai/shirabe/internal/store"
)

// Handlers bundles the HTTP handler dependencies.
type Handlers struct {
	store        *store.Store
	orchestrator *orchestrator.Orchestrator
	index        Lister
	version      string
	limits       model.Limits
}

// Lister exposes the discovery index to the list endpoint.
type Lister interface {
	List(ctx context.Context, limit int) ([]orchestrator.IndexEntry, error)
}

// HandlersDeps holds everything Handlers needs.
type HandlersDeps struct {
	Store        *store.Store
	Orchestrator *orchestrator.Orchestrator
	Index        Lister // optional
	Version      string
	Limits       model.Limits
}

// NewHandlers builds the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	return &Handlers{
		store:        deps.Store,
		orchestrator: deps.Orchestrator,
		index:        deps.Index,
		version:      deps.Version,
		limits:       deps.Limits,
	}
}

// writeStoreError maps store errors to the error taxonomy.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *store.RevisionConflictError
	var schema *store.SchemaViolationError
	switch {
	case errors.Is(err, store.ErrRunNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
	case errors.As(err, &conflict):
		writeErrorDetails(w, r, http.StatusConflict, model.ErrCodeRevisionConflict, err.Error(),
			map[string]any{"expected_revision": conflict.Expected, "actual_revision": conflict.Actual})
	case errors.As(err, &schema):
		writeErrorDetails(w, r, http.StatusUnprocessableEntity, model.ErrCodeSchemaViolation, err.Error(),
			map[string]any{"fields": schema.Fields})
	default:
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, err.Error())
	}
}

type createRunRequest struct {
	RunID  string        `json:"run_id,omitempty"`
	Query  string        `json:"query"`
	Limits *model.Limits `json:"limits,omitempty"`
}

// HandleCreateRun initializes a run. Supplying an existing run id is an
// idempotent no-op returning the current manifest.
func (h *Handlers) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if req.Query == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "query is required")
		return
	}
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	limits := h.limits
	if req.Limits != nil {
		limits = *req.Limits
	}

	m, err := h.orchestrator.StartRun(runID, req.Query, limits)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, m)
}

// HandleGetRun returns the manifest and gate set for one run.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	m, err := h.store.GetManifest(runID)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	gs, err := h.store.GetGateSet(runID)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"manifest": m, "gates": gs})
}

// HandleListRuns lists known run ids in the data directory.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	ids, err := h.store.ListRunIDs()
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"run_ids": ids})
}

type manifestPatchRequest struct {
	ExpectedRevision int64               `json:"expected_revision"`
	Patch            store.ManifestPatch `json:"patch"`
	Reason           string              `json:"reason"`
}

// HandlePatchManifest applies a revision-guarded manifest patch.
func (h *Handlers) HandlePatchManifest(w http.ResponseWriter, r *http.Request) {
	var req manifestPatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = "manifest patch via api"
	}
	m, err := h.store.PatchManifest(r.PathValue("run_id"), req.ExpectedRevision, req.Patch, req.Reason)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, m)
}

type gatePatchRequest struct {
	ExpectedRevision int64           `json:"expected_revision"`
	Patch            store.GatePatch `json:"patch"`
	Reason           string          `json:"reason"`
}

// HandlePatchGates applies a revision-guarded gate-set patch.
func (h *Handlers) HandlePatchGates(w http.ResponseWriter, r *http.Request) {
	var req gatePatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = "gate patch via api"
	}
	gs, err := h.store.PatchGateSet(r.PathValue("run_id"), req.ExpectedRevision, req.Patch, req.Reason)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, gs)
}

// HandleAdvance attempts one stage transition. A blocked transition is a
// successful request whose decision explains the unmet preconditions.
func (h *Handlers) HandleAdvance(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	d, err := h.orchestrator.Advance(runID, "advance requested via api")
	if err != nil {
		if errors.Is(err, fsm.ErrNoTransition) {
			writeError(w, r, http.StatusConflict, model.ErrCodePreconditionNotMet, err.Error())
			return
		}
		writeStoreError(w, r, err)
		return
	}
	status := http.StatusOK
	if !d.Allowed {
		status = http.StatusConflict
		w.Header().Set("X-Error-Code", model.ErrCodePreconditionNotMet)
	}
	writeJSON(w, r, status, d)
}

// HandleTick performs one orchestrator tick.
func (h *Handlers) HandleTick(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	action, err := h.orchestrator.Tick(r.Context(), runID)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"action": action})
}

// HandleEvaluateGate evaluates one gate on demand.
func (h *Handlers) HandleEvaluateGate(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	gateID := model.GateID(r.PathValue("gate_id"))

	res, err := h.orchestrator.EvaluateGate(runID, gateID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			writeStoreError(w, r, err)
			return
		}
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"gate_id":       gateID,
		"status":        res.Status,
		"metrics":       res.Metrics,
		"warnings":      res.Warnings,
		"inputs_digest": res.InputsDigest,
	})
}

// HandleCitationReport serves the human-readable citation report.
func (h *Handlers) HandleCitationReport(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	data, err := h.store.ReadArtifact(runID, orchestrator.CitationReportPath)
	if err != nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "citation report not available")
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// HandleFinalReport serves the run's final report.
func (h *Handlers) HandleFinalReport(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	data, err := h.store.ReadArtifact(runID, orchestrator.FinalReportPath)
	if err != nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "final report not available")
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// HandleAudit returns the run's audit log.
func (h *Handlers) HandleAudit(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if _, err := h.store.GetManifest(runID); err != nil {
		writeStoreError(w, r, err)
		return
	}
	events, err := h.store.ReadAudit(runID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"events": events})
}

// HandleDecision returns the current transition decision without applying it.
func (h *Handlers) HandleDecision(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	d, err := h.orchestrator.Decision(runID)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, d)
}

// HandleIndexRuns lists finished runs from the discovery index.
func (h *Handlers) HandleIndexRuns(w http.ResponseWriter, r *http.Request) {
	if h.index == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run index not configured")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := h.index.List(r.Context(), limit)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"runs": entries})
}

// HandleHealth reports liveness.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": h.version,
		"stages":  model.Stages,
		"gates":   model.GateIDs,
	})
}
