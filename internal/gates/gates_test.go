package gates

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shirabe/internal/citations"
	"github.com/ashita-ai/shirabe/internal/model"
)

func poolBytes(t *testing.T, recs []model.CitationRecord) []byte {
	t.Helper()
	data, err := citations.EncodePool(recs)
	require.NoError(t, err)
	return data
}

func planSnapshot(extra map[string][]byte) Snapshot {
	artifacts := map[string][]byte{
		PlanPath: []byte(`{"perspectives":[
			{"name":"economics","prompt":"economic impact"},
			{"name":"technology","prompt":"technical readiness"}]}`),
	}
	for k, v := range extra {
		artifacts[k] = v
	}
	return Snapshot{RunID: "run-1", Artifacts: artifacts}
}

func TestCitationGate_TenURLsOneUnassigned(t *testing.T) {
	recs := make([]model.CitationRecord, 0, 10)
	for i := 0; i < 9; i++ {
		recs = append(recs, model.CitationRecord{
			URL:    fmt.Sprintf("https://example.com/%d", i),
			Status: model.CitationValid,
		})
	}
	// One extracted URL with no assigned status.
	recs = append(recs, model.CitationRecord{URL: "https://example.com/unassigned"})

	snap := Snapshot{RunID: "r", Artifacts: map[string][]byte{PoolPath: poolBytes(t, recs)}}
	res := Run(CitationGate{}, snap, model.DefaultLimits())

	assert.Equal(t, model.GateStatusFail, res.Status)
	assert.Contains(t, res.Metrics["fail_reason"], "uncategorized")
	assert.InDelta(t, 0.1, res.Metrics["uncategorized_rate"], 1e-9)
	assert.InDelta(t, 0.9, res.Metrics["validated_rate"], 1e-9)
}

func TestCitationGate_EmptyPoolIsDistinctFailure(t *testing.T) {
	snap := Snapshot{RunID: "r", Artifacts: map[string][]byte{PoolPath: nil}}
	res := Run(CitationGate{}, snap, model.DefaultLimits())
	assert.Equal(t, model.GateStatusFail, res.Status)
	assert.Equal(t, "no sources extracted", res.Metrics["fail_reason"])
}

func TestCitationGate_PassWithLowValidationWarning(t *testing.T) {
	recs := []model.CitationRecord{
		{URL: "https://a.example.com", Status: model.CitationValid},
		{URL: "https://b.example.com", Status: model.CitationBlocked},
		{URL: "https://c.example.com", Status: model.CitationInvalid},
	}
	snap := Snapshot{RunID: "r", Artifacts: map[string][]byte{PoolPath: poolBytes(t, recs)}}
	res := Run(CitationGate{}, snap, model.DefaultLimits())

	assert.Equal(t, model.GateStatusPass, res.Status)
	assert.NotEmpty(t, res.Warnings, "low validated rate warns without blocking")
}

func TestGateEvaluation_Deterministic(t *testing.T) {
	recs := []model.CitationRecord{{URL: "https://a.example.com", Status: model.CitationValid}}
	snap := Snapshot{RunID: "r", Artifacts: map[string][]byte{PoolPath: poolBytes(t, recs)}}

	first := Run(CitationGate{}, snap, model.DefaultLimits())
	second := Run(CitationGate{}, snap, model.DefaultLimits())

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Metrics, second.Metrics)
	assert.Equal(t, first.InputsDigest, second.InputsDigest)
	assert.NotEmpty(t, first.InputsDigest)

	// A changed snapshot changes the digest.
	snap.Artifacts[PoolPath] = append(snap.Artifacts[PoolPath], '\n')
	third := Run(CitationGate{}, snap, model.DefaultLimits())
	assert.NotEqual(t, first.InputsDigest, third.InputsDigest)
}

func TestPerspectivePlanGate(t *testing.T) {
	res := Run(PerspectivePlanGate{}, planSnapshot(nil), model.DefaultLimits())
	assert.Equal(t, model.GateStatusPass, res.Status)
	assert.Equal(t, 2, res.Metrics["perspective_count"])

	missing := Run(PerspectivePlanGate{}, Snapshot{RunID: "r", Artifacts: map[string][]byte{}}, model.DefaultLimits())
	assert.Equal(t, model.GateStatusFail, missing.Status)

	limits := model.DefaultLimits()
	limits.MaxPerspectives = 1
	capped := Run(PerspectivePlanGate{}, planSnapshot(nil), limits)
	assert.Equal(t, model.GateStatusFail, capped.Status)

	dup := Snapshot{RunID: "r", Artifacts: map[string][]byte{
		PlanPath: []byte(`{"perspectives":[{"name":"a","prompt":"x"},{"name":"a","prompt":"y"}]}`),
	}}
	assert.Equal(t, model.GateStatusFail, Run(PerspectivePlanGate{}, dup, model.DefaultLimits()).Status)
}

func TestWaveOutputGate_PartialCompletionFails(t *testing.T) {
	snap := planSnapshot(map[string][]byte{
		Wave1Dir + "/economics.md": []byte("findings with sources"),
	})
	res := Run(WaveOutputGate{Dir: Wave1Dir}, snap, model.DefaultLimits())
	assert.Equal(t, model.GateStatusFail, res.Status)
	assert.Equal(t, 1, res.Metrics["outputs_present"])
	assert.Contains(t, res.Metrics["fail_reason"], "technology")

	snap = planSnapshot(map[string][]byte{
		Wave1Dir + "/economics.md":  []byte("findings"),
		Wave1Dir + "/technology.md": []byte("more findings"),
	})
	assert.Equal(t, model.GateStatusPass, Run(WaveOutputGate{Dir: Wave1Dir}, snap, model.DefaultLimits()).Status)
}

func TestPivotConsistencyGate_SoftWarn(t *testing.T) {
	snap := Snapshot{RunID: "r", Artifacts: map[string][]byte{
		PivotPath: []byte(`{"decision":"proceed","rationale":""}`),
	}}
	res := Run(PivotConsistencyGate{}, snap, model.DefaultLimits())
	assert.Equal(t, model.GateStatusWarn, res.Status, "soft gate may warn")
	assert.NotEmpty(t, res.Warnings)

	bad := Snapshot{RunID: "r", Artifacts: map[string][]byte{
		PivotPath: []byte(`{"decision":"sideways"}`),
	}}
	assert.Equal(t, model.GateStatusFail, Run(PivotConsistencyGate{}, bad, model.DefaultLimits()).Status)
}

func TestSummaryBoundsGate(t *testing.T) {
	limits := model.DefaultLimits()
	limits.MaxSummaryBytes = 32

	snap := planSnapshot(map[string][]byte{
		SummariesDir + "/economics.md":  []byte("short summary"),
		SummariesDir + "/technology.md": []byte("this summary is much too long for the configured bound"),
	})
	res := Run(SummaryBoundsGate{}, snap, limits)
	assert.Equal(t, model.GateStatusFail, res.Status)
	assert.Equal(t, 1, res.Metrics["summaries_oversize"])

	snap = planSnapshot(map[string][]byte{
		SummariesDir + "/economics.md":  []byte("short summary"),
		SummariesDir + "/technology.md": []byte("also short"),
	})
	assert.Equal(t, model.GateStatusPass, Run(SummaryBoundsGate{}, snap, limits).Status)
}

func TestSynthesisQualityGate(t *testing.T) {
	long := make([]byte, 0, 600)
	for len(long) < 400 {
		long = append(long, []byte("synthesized findings across perspectives. ")...)
	}

	noCites := Snapshot{RunID: "r", Artifacts: map[string][]byte{SynthesisPath: long}}
	res := Run(SynthesisQualityGate{}, noCites, model.DefaultLimits())
	assert.Equal(t, model.GateStatusFail, res.Status)

	withCite := Snapshot{RunID: "r", Artifacts: map[string][]byte{
		SynthesisPath: append(long, []byte(" [cite:abc123]")...),
	}}
	res = Run(SynthesisQualityGate{}, withCite, model.DefaultLimits())
	assert.Equal(t, model.GateStatusPass, res.Status)
	assert.NotEmpty(t, res.Warnings, "single citation warns")
}

func TestForStage(t *testing.T) {
	assert.Nil(t, ForStage(model.StageSynthesis))
	assert.Nil(t, ForStage(model.StageFinalize))
	require.NotNil(t, ForStage(model.StageCitations))
	assert.Equal(t, model.GateCitations, ForStage(model.StageCitations).ID())
	assert.Equal(t, Wave2Dir, ForStage(model.StageWave2).(WaveOutputGate).Dir)
}

func TestResultToGate(t *testing.T) {
	now := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	res := Result{Status: model.GateStatusPass, Metrics: map[string]any{"m": 1}, InputsDigest: "d"}
	g := res.ToGate(now)
	require.NotNil(t, g.CheckedAt)
	assert.True(t, g.CheckedAt.Equal(now))
	assert.Equal(t, "d", g.InputsDigest)
}
