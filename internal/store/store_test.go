package store_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shirabe/internal/model"
	"github.com/ashita-ai/shirabe/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(t.TempDir(), slog.Default())
	require.NoError(t, err)
	return s
}

func initRun(t *testing.T, s *store.Store) model.Manifest {
	t.Helper()
	m, err := s.Initialize(uuid.NewString(), "impact of solid-state batteries", model.DefaultLimits())
	require.NoError(t, err)
	return m
}

func TestInitialize_Idempotent(t *testing.T) {
	s := newTestStore(t)
	runID := uuid.NewString()

	first, err := s.Initialize(runID, "q", model.DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Revision)
	assert.Equal(t, model.RunStatusCreated, first.Status)
	assert.Equal(t, model.StageInit, first.Stage.Current)

	// Re-initializing an existing valid run is a no-op success.
	again, err := s.Initialize(runID, "different query ignored", model.DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.Revision, again.Revision)
	assert.Equal(t, first.Query, again.Query)

	gs, err := s.GetGateSet(runID)
	require.NoError(t, err)
	require.Len(t, gs.Gates, 6)
	for id, g := range gs.Gates {
		assert.Equal(t, model.GateStatusNotRun, g.Status, id)
	}
}

func TestPatchManifest_RevisionDiscipline(t *testing.T) {
	s := newTestStore(t)
	m := initRun(t, s)

	running := model.RunStatusRunning
	patched, err := s.PatchManifest(m.ID, 1, store.ManifestPatch{Status: &running}, "start run")
	require.NoError(t, err)
	assert.Equal(t, int64(2), patched.Revision)
	assert.Equal(t, model.RunStatusRunning, patched.Status)

	// Immutable fields survive byte-identical.
	assert.Equal(t, m.ID, patched.ID)
	assert.True(t, m.CreatedAt.Equal(patched.CreatedAt))

	// A second patch reusing expected_revision=1 is rejected, reporting
	// the actual revision 2.
	paused := model.RunStatusPaused
	_, err = s.PatchManifest(m.ID, 1, store.ManifestPatch{Status: &paused}, "stale writer")
	var conflict *store.RevisionConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(1), conflict.Expected)
	assert.Equal(t, int64(2), conflict.Actual)
}

func TestPatchManifest_RejectsImmutableFields(t *testing.T) {
	s := newTestStore(t)
	m := initRun(t, s)

	otherID := uuid.NewString()
	earlier := time.Now().Add(-time.Hour)
	_, err := s.PatchManifest(m.ID, 1, store.ManifestPatch{ID: &otherID, CreatedAt: &earlier}, "tamper")
	var violation *store.SchemaViolationError
	require.ErrorAs(t, err, &violation)
	assert.ElementsMatch(t, []string{"id", "created_at"}, violation.Fields)

	// Nothing was written.
	cur, err := s.GetManifest(m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cur.Revision)
}

func TestPatchManifest_RejectsInvalidEnumValues(t *testing.T) {
	s := newTestStore(t)
	m := initRun(t, s)

	bogus := model.RunStatus("stalled")
	_, err := s.PatchManifest(m.ID, 1, store.ManifestPatch{Status: &bogus}, "bad status")
	var violation *store.SchemaViolationError
	require.ErrorAs(t, err, &violation)
	assert.Contains(t, violation.Fields, "status")
}

func TestPatchGateSet_Invariants(t *testing.T) {
	s := newTestStore(t)
	m := initRun(t, s)
	now := time.Now().UTC()

	// Hard gate may not warn.
	_, err := s.PatchGateSet(m.ID, 1, store.GatePatch{
		GateID: model.GateCitations,
		Gate:   model.Gate{Status: model.GateStatusWarn, CheckedAt: &now},
	}, "bad warn")
	var violation *store.SchemaViolationError
	require.ErrorAs(t, err, &violation)

	// Leaving not_run requires checked_at.
	_, err = s.PatchGateSet(m.ID, 1, store.GatePatch{
		GateID: model.GateCitations,
		Gate:   model.Gate{Status: model.GateStatusPass},
	}, "missing checked_at")
	require.ErrorAs(t, err, &violation)
	assert.Contains(t, violation.Fields, "gate.checked_at")

	// Valid pass write bumps revision.
	gs, err := s.PatchGateSet(m.ID, 1, store.GatePatch{
		GateID: model.GateCitations,
		Gate:   model.Gate{Status: model.GateStatusPass, CheckedAt: &now},
	}, "citation gate pass")
	require.NoError(t, err)
	assert.Equal(t, int64(2), gs.Revision)

	// Gates are never silently reset.
	_, err = s.PatchGateSet(m.ID, 2, store.GatePatch{
		GateID: model.GateCitations,
		Gate:   model.Gate{Status: model.GateStatusNotRun},
	}, "reset attempt")
	require.ErrorAs(t, err, &violation)
}

func TestPatchGateSet_MissingGatesMapIsCorruptDocument(t *testing.T) {
	s := newTestStore(t)
	m := initRun(t, s)
	now := time.Now().UTC()

	// A hand-edited document that lost its gates map must surface as a
	// corrupt-document error, not a panic.
	doc := `{"schema":"gates.v1","run_id":"` + m.ID + `","revision":1}` + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(s.RunDir(m.ID), "gates.json"), []byte(doc), 0o640))

	_, err := s.PatchGateSet(m.ID, 1, store.GatePatch{
		GateID: model.GatePerspectivePlan,
		Gate:   model.Gate{Status: model.GateStatusPass, CheckedAt: &now},
	}, "patch after corruption")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt document")
}

func TestAuditLog_SequenceIsAuthoritative(t *testing.T) {
	s := newTestStore(t)
	m := initRun(t, s)

	running := model.RunStatusRunning
	_, err := s.PatchManifest(m.ID, 1, store.ManifestPatch{Status: &running}, "start")
	require.NoError(t, err)
	paused := model.RunStatusPaused
	_, err = s.PatchManifest(m.ID, 2, store.ManifestPatch{Status: &paused}, "pause")
	require.NoError(t, err)

	events, err := s.ReadAudit(m.ID)
	require.NoError(t, err)
	require.Len(t, events, 3) // initialize + two patches
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Seq)
	}
	assert.Equal(t, "initialize", events[0].Op)
	assert.Equal(t, "pause", events[2].Reason)
	assert.NotEmpty(t, events[2].Details["patch_digest"])
}

func TestArtifacts_RoundTripAndEscape(t *testing.T) {
	s := newTestStore(t)
	m := initRun(t, s)

	require.NoError(t, s.WriteArtifact(m.ID, "artifacts/plan/perspectives.json", []byte(`{"n":1}`)))
	assert.True(t, s.ArtifactExists(m.ID, "artifacts/plan/perspectives.json"))

	data, err := s.ReadArtifact(m.ID, "artifacts/plan/perspectives.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(data))

	assert.Error(t, s.WriteArtifact(m.ID, "../escape.txt", []byte("x")))
	assert.False(t, s.ArtifactExists(m.ID, "artifacts/plan/missing.json"))
}
