package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shirabe/internal/auth"
	"github.com/ashita-ai/shirabe/internal/citations"
	"github.com/ashita-ai/shirabe/internal/driver"
	"github.com/ashita-ai/shirabe/internal/model"
	"github.com/ashita-ai/shirabe/internal/orchestrator"
	"github.com/ashita-ai/shirabe/internal/server"
	"github.com/ashita-ai/shirabe/internal/store"
)

type allValid struct{}

func (allValid) Name() string { return "all_valid" }

func (allValid) Check(_ context.Context, _ string) (citations.CheckResult, error) {
	return citations.CheckResult{Status: model.CitationValid, Conclusive: true}, nil
}

func newTestServer(t *testing.T, apiKeyHash string) (*server.Server, *store.Store) {
	t.Helper()
	s, err := store.New(t.TempDir(), slog.Default())
	require.NoError(t, err)
	o := orchestrator.New(s, driver.Fixture{}, slog.Default(),
		orchestrator.WithValidator(citations.NewValidator(slog.Default(), citations.WithCheckers(allValid{}))))
	srv := server.New(server.Config{
		Store:        s,
		Orchestrator: o,
		Logger:       slog.Default(),
		Version:      "test",
		APIKeyHash:   apiKeyHash,
		Limits:       model.DefaultLimits(),
	})
	return srv, s
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, model.Envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env model.Envelope
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func TestCreateAndGetRun(t *testing.T) {
	srv, _ := newTestServer(t, "")

	rec, env := doJSON(t, srv.Handler(), http.MethodPost, "/v1/runs",
		map[string]any{"query": "solid-state battery outlook"})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.True(t, env.OK)
	assert.NotEmpty(t, env.Meta.RequestID)

	var m model.Manifest
	data, _ := json.Marshal(env.Data)
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, model.RunStatusCreated, m.Status)
	assert.Equal(t, int64(1), m.Revision)

	rec, env = doJSON(t, srv.Handler(), http.MethodGet, "/v1/runs/"+m.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, env.OK)

	rec, env = doJSON(t, srv.Handler(), http.MethodGet, "/v1/runs/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, model.ErrCodeNotFound, env.Error.Code)
}

func TestCreateRun_RequiresQuery(t *testing.T) {
	srv, _ := newTestServer(t, "")
	rec, env := doJSON(t, srv.Handler(), http.MethodPost, "/v1/runs", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, model.ErrCodeInvalidInput, env.Error.Code)
}

func TestPatchManifest_ConflictSurfacesActualRevision(t *testing.T) {
	srv, s := newTestServer(t, "")

	_, env := doJSON(t, srv.Handler(), http.MethodPost, "/v1/runs",
		map[string]any{"query": "q", "run_id": "run-conflict"})
	require.True(t, env.OK)

	running := model.RunStatusRunning
	_, err := s.PatchManifest("run-conflict", 1, store.ManifestPatch{Status: &running}, "bump")
	require.NoError(t, err)

	rec, env := doJSON(t, srv.Handler(), http.MethodPatch, "/v1/runs/run-conflict/manifest",
		map[string]any{
			"expected_revision": 1,
			"patch":             map[string]any{"status": "paused"},
			"reason":            "stale writer",
		})
	assert.Equal(t, http.StatusConflict, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, model.ErrCodeRevisionConflict, env.Error.Code)
	assert.EqualValues(t, 2, env.Error.Details["actual_revision"])
}

func TestPatchManifest_SchemaViolation(t *testing.T) {
	srv, _ := newTestServer(t, "")
	_, env := doJSON(t, srv.Handler(), http.MethodPost, "/v1/runs",
		map[string]any{"query": "q", "run_id": "run-imm"})
	require.True(t, env.OK)

	rec, env := doJSON(t, srv.Handler(), http.MethodPatch, "/v1/runs/run-imm/manifest",
		map[string]any{
			"expected_revision": 1,
			"patch":             map[string]any{"id": "other-id"},
		})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, model.ErrCodeSchemaViolation, env.Error.Code)
}

func TestAdvance_BlockedReturnsDecision(t *testing.T) {
	srv, _ := newTestServer(t, "")
	_, env := doJSON(t, srv.Handler(), http.MethodPost, "/v1/runs",
		map[string]any{"query": "q", "run_id": "run-adv"})
	require.True(t, env.OK)

	// No plan gate pass yet: init cannot advance.
	rec, env := doJSON(t, srv.Handler(), http.MethodPost, "/v1/runs/run-adv/advance", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	require.True(t, env.OK, "blocked decision is still a structured success")

	var d model.TransitionDecision
	data, _ := json.Marshal(env.Data)
	require.NoError(t, json.Unmarshal(data, &d))
	assert.False(t, d.Allowed)
	assert.NotEmpty(t, d.Preconditions)
}

func TestTickEndpointDrivesPipeline(t *testing.T) {
	srv, s := newTestServer(t, "")
	_, env := doJSON(t, srv.Handler(), http.MethodPost, "/v1/runs",
		map[string]any{"query": "q", "run_id": "run-tick"})
	require.True(t, env.OK)

	for i := 0; i < 60; i++ {
		rec, _ := doJSON(t, srv.Handler(), http.MethodPost, "/v1/runs/run-tick/tick", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		m, err := s.GetManifest("run-tick")
		require.NoError(t, err)
		if m.Status.Terminal() {
			break
		}
	}

	m, err := s.GetManifest("run-tick")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, m.Status)

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/run-tick/report", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cite:")
}

func TestEvaluateGateEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "")
	_, env := doJSON(t, srv.Handler(), http.MethodPost, "/v1/runs",
		map[string]any{"query": "q", "run_id": "run-gate"})
	require.True(t, env.OK)

	rec, env := doJSON(t, srv.Handler(), http.MethodPost,
		fmt.Sprintf("/v1/runs/run-gate/gates/%s/evaluate", model.GatePerspectivePlan), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, env.OK)

	rec, _ = doJSON(t, srv.Handler(), http.MethodPost, "/v1/runs/run-gate/gates/bogus/evaluate", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuth_BearerKeyEnforced(t *testing.T) {
	hash, err := auth.HashAPIKey("sk-secret")
	require.NoError(t, err)
	srv, _ := newTestServer(t, hash)

	rec, env := doJSON(t, srv.Handler(), http.MethodGet, "/v1/runs", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, model.ErrCodeUnauthorized, env.Error.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer sk-wrong")
	rec2 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusUnauthorized, rec2.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer sk-secret")
	rec3 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec3, req)
	assert.Equal(t, http.StatusOK, rec3.Code)

	// Health stays open.
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec4 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec4, req)
	assert.Equal(t, http.StatusOK, rec4.Code)
}

func TestAuditEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "")
	_, env := doJSON(t, srv.Handler(), http.MethodPost, "/v1/runs",
		map[string]any{"query": "q", "run_id": "run-audit"})
	require.True(t, env.OK)

	rec, env := doJSON(t, srv.Handler(), http.MethodGet, "/v1/runs/run-audit/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, env.OK)

	data, _ := json.Marshal(env.Data)
	var payload struct {
		Events []store.AuditEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(data, &payload))
	require.NotEmpty(t, payload.Events)
	assert.EqualValues(t, 1, payload.Events[0].Seq)
}
