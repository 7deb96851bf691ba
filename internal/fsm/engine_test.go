package fsm_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shirabe/internal/fsm"
	"github.com/ashita-ai/shirabe/internal/gates"
	"github.com/ashita-ai/shirabe/internal/model"
	"github.com/ashita-ai/shirabe/internal/store"
)

func newHarness(t *testing.T) (*store.Store, *fsm.Engine) {
	t.Helper()
	s, err := store.New(t.TempDir(), slog.Default())
	require.NoError(t, err)
	e := fsm.New(s, slog.Default()).WithClock(func() time.Time {
		return time.Date(2026, 8, 2, 10, 0, 0, 0, time.UTC)
	})
	return s, e
}

func initRunAt(t *testing.T, s *store.Store, stage model.Stage) model.Manifest {
	t.Helper()
	m, err := s.Initialize(uuid.NewString(), "grid-scale storage outlook", model.DefaultLimits())
	require.NoError(t, err)
	if stage != model.StageInit {
		running := model.RunStatusRunning
		m, err = s.PatchManifest(m.ID, m.Revision, store.ManifestPatch{
			Status:       &running,
			StageCurrent: &stage,
		}, "test setup")
		require.NoError(t, err)
	}
	return m
}

func passGate(t *testing.T, s *store.Store, runID string, id model.GateID) {
	t.Helper()
	now := time.Date(2026, 8, 2, 9, 0, 0, 0, time.UTC)
	_, err := s.RecordGateResult(runID, id, model.Gate{
		Status:    model.GateStatusPass,
		CheckedAt: &now,
		Metrics:   map[string]any{"checked": true},
	}, "test setup")
	require.NoError(t, err)
}

func TestAdvance_BlockedWithoutGatePass(t *testing.T) {
	s, e := newHarness(t)
	m := initRunAt(t, s, model.StageCitations)

	d, err := e.Advance(m.ID, "advance requested")
	require.NoError(t, err)

	assert.False(t, d.Allowed)
	assert.Equal(t, model.StageCitations, d.From)
	assert.Equal(t, model.StageSummaries, d.To)
	failed := d.FailedPreconditions()
	require.Len(t, failed, 1)
	assert.Equal(t, model.PreconditionGate, failed[0].Kind)
	assert.Equal(t, string(model.GateCitations), failed[0].Name)

	// A blocked decision writes nothing.
	after, err := s.GetManifest(m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.Revision, after.Revision)
	assert.Equal(t, model.StageCitations, after.Stage.Current)
}

func TestAdvance_AppendsHistoryInOnePatch(t *testing.T) {
	s, e := newHarness(t)
	m := initRunAt(t, s, model.StageCitations)
	passGate(t, s, m.ID, model.GateCitations)

	d, err := e.Advance(m.ID, "citations validated")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	after, err := s.GetManifest(m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageSummaries, after.Stage.Current)
	require.Len(t, after.Stage.History, 1)
	h := after.Stage.History[0]
	assert.Equal(t, model.StageCitations, h.From)
	assert.Equal(t, model.StageSummaries, h.To)
	assert.Equal(t, d.InputsDigest, h.InputsDigest)
	assert.Equal(t, "citations validated", h.Reason)
	require.NotNil(t, after.StageStartedAt)
}

func TestDecide_Deterministic(t *testing.T) {
	s, e := newHarness(t)
	m := initRunAt(t, s, model.StageSummaries)
	passGate(t, s, m.ID, model.GateSummaryBounds)

	in, err := e.LoadInputs(m.ID)
	require.NoError(t, err)

	first, err := fsm.Decide(in)
	require.NoError(t, err)
	second, err := fsm.Decide(in)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.NotEmpty(t, first.InputsDigest)

	// Any change to the snapshot changes the digest.
	in.Manifest.Revision++
	third, err := fsm.Decide(in)
	require.NoError(t, err)
	assert.NotEqual(t, first.InputsDigest, third.InputsDigest)
}

func TestDecide_PivotBranchesOnStoredDecision(t *testing.T) {
	deepen := gates.PivotDecision{Decision: "deepen", Rationale: "wave1 findings diverge"}
	proceed := gates.PivotDecision{Decision: "proceed", Rationale: "coverage sufficient"}

	base := fsm.Inputs{Manifest: model.Manifest{
		Status: model.RunStatusRunning,
		Stage:  model.StageState{Current: model.StagePivot},
		Limits: model.DefaultLimits(),
	}}

	in := base
	in.Pivot = &deepen
	d, err := fsm.Decide(in)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, model.StageWave2, d.To)

	in.Pivot = &proceed
	d, err = fsm.Decide(in)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, model.StageCitations, d.To)

	in.Pivot = nil
	d, err = fsm.Decide(in)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestDecide_ReviewLoopAndCap(t *testing.T) {
	limits := model.DefaultLimits()
	limits.MaxReviewIterations = 2

	in := fsm.Inputs{
		Manifest: model.Manifest{
			Status: model.RunStatusRunning,
			Stage:  model.StageState{Current: model.StageReview},
			Limits: limits,
		},
		Review: &gates.ReviewVerdict{ChangesRequested: true, Notes: "tighten sourcing"},
	}

	d, err := fsm.Decide(in)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "first iteration may loop back")
	assert.Equal(t, model.StageSynthesis, d.To)

	in.Manifest.Stage.History = []model.StageTransition{
		{From: model.StageReview, To: model.StageSynthesis},
		{From: model.StageSynthesis, To: model.StageReview},
		{From: model.StageReview, To: model.StageSynthesis},
		{From: model.StageSynthesis, To: model.StageReview},
	}
	d, err = fsm.Decide(in)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "iteration budget exhausted")
}

func TestAdvance_ReviewExhaustionFailsRun(t *testing.T) {
	s, e := newHarness(t)
	m := initRunAt(t, s, model.StageReview)

	limits := model.DefaultLimits()
	limits.MaxReviewIterations = 0
	m, err := s.PatchManifest(m.ID, m.Revision, store.ManifestPatch{Limits: &limits}, "test setup")
	require.NoError(t, err)

	verdict := []byte(`{"approved":false,"changes_requested":true,"notes":"still thin"}`)
	require.NoError(t, s.WriteArtifact(m.ID, gates.ReviewPath, verdict))

	d, err := e.Advance(m.ID, "advance requested")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	after, err := s.GetManifest(m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, after.Status)
	require.Len(t, after.Failures, 1)
	assert.Equal(t, model.FailureKindExhausted, after.Failures[0].Kind)
	assert.Equal(t, model.StageReview, after.Failures[0].Stage)
	assert.False(t, after.Failures[0].Retryable)

	// Terminal runs no longer transition.
	_, err = e.Advance(m.ID, "advance requested")
	assert.ErrorIs(t, err, fsm.ErrNoTransition)
}

func TestAdvance_ReviewToFinalize(t *testing.T) {
	s, e := newHarness(t)
	m := initRunAt(t, s, model.StageReview)
	passGate(t, s, m.ID, model.GateSynthesisQuality)

	verdict := []byte(`{"approved":true,"changes_requested":false,"notes":"ship it"}`)
	require.NoError(t, s.WriteArtifact(m.ID, gates.ReviewPath, verdict))

	d, err := e.Advance(m.ID, "review approved")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	assert.Equal(t, model.StageFinalize, d.To)
}

func TestDecide_PausedRunNeverAdvances(t *testing.T) {
	in := fsm.Inputs{Manifest: model.Manifest{
		Status: model.RunStatusPaused,
		Stage:  model.StageState{Current: model.StageInit},
		Limits: model.DefaultLimits(),
	}}
	d, err := fsm.Decide(in)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	require.Len(t, d.Preconditions, 1)
	assert.Equal(t, model.PreconditionStatus, d.Preconditions[0].Kind)
}
