package gates

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/ashita-ai/shirabe/internal/model"
)

// Run-relative artifact locations shared between stage handlers and gates.
const (
	PlanPath      = "artifacts/plan/perspectives.json"
	PivotPath     = "artifacts/pivot/decision.json"
	SynthesisPath = "artifacts/synthesis/draft.md"
	ReviewPath    = "artifacts/review/verdict.json"
	Wave1Dir      = "artifacts/wave1"
	Wave2Dir      = "artifacts/wave2"
	SummariesDir  = "artifacts/summaries"
)

// Plan is the validated perspective-plan artifact.
type Plan struct {
	Perspectives []Perspective `json:"perspectives"`
}

// Perspective is one parallel research angle.
type Perspective struct {
	Name   string `json:"name"`
	Prompt string `json:"prompt"`
}

// PivotDecision is the stored branch decision consulted by the FSM. The
// branch is never re-derived at transition time.
type PivotDecision struct {
	Decision  string `json:"decision"` // "deepen" or "proceed"
	Rationale string `json:"rationale"`
}

// ReviewVerdict is the reviewer's stored response to a synthesis draft.
// DraftDigest identifies the reviewed draft; a verdict whose digest no
// longer matches the current draft is stale.
type ReviewVerdict struct {
	Approved         bool   `json:"approved"`
	ChangesRequested bool   `json:"changes_requested"`
	Notes            string `json:"notes"`
	DraftDigest      string `json:"draft_digest,omitempty"`
}

// PerspectivePlanGate (hard) validates the perspective plan: parseable,
// within the fan-out cap, and with unique non-empty names and prompts.
type PerspectivePlanGate struct{}

func (PerspectivePlanGate) ID() model.GateID { return model.GatePerspectivePlan }

func (PerspectivePlanGate) Evaluate(snap Snapshot, limits model.Limits) Result {
	data, ok := snap.Artifacts[PlanPath]
	if !ok {
		return fail("perspective plan missing", nil)
	}
	var plan Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return fail("perspective plan unreadable: "+err.Error(), nil)
	}

	metrics := map[string]any{"perspective_count": len(plan.Perspectives)}
	if len(plan.Perspectives) == 0 {
		metrics["fail_reason"] = "plan has no perspectives"
		return Result{Status: model.GateStatusFail, Metrics: metrics}
	}
	if len(plan.Perspectives) > limits.MaxPerspectives {
		metrics["fail_reason"] = fmt.Sprintf("plan exceeds fan-out cap (%d > %d)",
			len(plan.Perspectives), limits.MaxPerspectives)
		return Result{Status: model.GateStatusFail, Metrics: metrics}
	}
	seen := make(map[string]bool, len(plan.Perspectives))
	for _, p := range plan.Perspectives {
		if p.Name == "" || p.Prompt == "" {
			metrics["fail_reason"] = "perspective with empty name or prompt"
			return Result{Status: model.GateStatusFail, Metrics: metrics}
		}
		if seen[p.Name] {
			metrics["fail_reason"] = "duplicate perspective name: " + p.Name
			return Result{Status: model.GateStatusFail, Metrics: metrics}
		}
		seen[p.Name] = true
	}
	return Result{Status: model.GateStatusPass, Metrics: metrics}
}

// WaveOutputGate (hard) checks that every planned perspective produced a
// non-empty output in the wave directory. Dir selects wave1 or wave2.
type WaveOutputGate struct {
	Dir string
}

func (WaveOutputGate) ID() model.GateID { return model.GateWaveOutput }

func (g WaveOutputGate) Evaluate(snap Snapshot, _ model.Limits) Result {
	planData, ok := snap.Artifacts[PlanPath]
	if !ok {
		return fail("perspective plan missing", nil)
	}
	var plan Plan
	if err := json.Unmarshal(planData, &plan); err != nil {
		return fail("perspective plan unreadable: "+err.Error(), nil)
	}

	var present, missing int
	var missingNames []string
	for _, p := range plan.Perspectives {
		out := snap.Artifacts[path.Join(g.Dir, p.Name+".md")]
		if len(strings.TrimSpace(string(out))) > 0 {
			present++
		} else {
			missing++
			missingNames = append(missingNames, p.Name)
		}
	}

	metrics := map[string]any{
		"wave_dir":        g.Dir,
		"outputs_present": present,
		"outputs_missing": missing,
	}
	if missing > 0 {
		metrics["fail_reason"] = "missing wave outputs: " + strings.Join(missingNames, ", ")
		return Result{Status: model.GateStatusFail, Metrics: metrics}
	}
	return Result{Status: model.GateStatusPass, Metrics: metrics}
}

// PivotConsistencyGate (soft) sanity-checks the stored pivot decision. It
// warns rather than blocks: the FSM branches on the artifact either way.
type PivotConsistencyGate struct{}

func (PivotConsistencyGate) ID() model.GateID { return model.GatePivotConsistency }

func (PivotConsistencyGate) Evaluate(snap Snapshot, _ model.Limits) Result {
	data, ok := snap.Artifacts[PivotPath]
	if !ok {
		return fail("pivot decision missing", nil)
	}
	var dec PivotDecision
	if err := json.Unmarshal(data, &dec); err != nil {
		return fail("pivot decision unreadable: "+err.Error(), nil)
	}
	metrics := map[string]any{"decision": dec.Decision}
	if dec.Decision != "deepen" && dec.Decision != "proceed" {
		metrics["fail_reason"] = "unknown pivot decision: " + dec.Decision
		return Result{Status: model.GateStatusFail, Metrics: metrics}
	}
	res := Result{Status: model.GateStatusPass, Metrics: metrics}
	if strings.TrimSpace(dec.Rationale) == "" {
		res.Status = model.GateStatusWarn
		res.Warnings = append(res.Warnings, "pivot decision has no rationale")
	}
	return res
}

// SummaryBoundsGate (hard) enforces the strict size bound on every
// per-perspective summary.
type SummaryBoundsGate struct{}

func (SummaryBoundsGate) ID() model.GateID { return model.GateSummaryBounds }

func (SummaryBoundsGate) Evaluate(snap Snapshot, limits model.Limits) Result {
	planData, ok := snap.Artifacts[PlanPath]
	if !ok {
		return fail("perspective plan missing", nil)
	}
	var plan Plan
	if err := json.Unmarshal(planData, &plan); err != nil {
		return fail("perspective plan unreadable: "+err.Error(), nil)
	}

	var oversize, missing int
	maxSeen := 0
	for _, p := range plan.Perspectives {
		sum, ok := snap.Artifacts[path.Join(SummariesDir, p.Name+".md")]
		switch {
		case !ok || len(strings.TrimSpace(string(sum))) == 0:
			missing++
		case len(sum) > limits.MaxSummaryBytes:
			oversize++
		}
		if len(sum) > maxSeen {
			maxSeen = len(sum)
		}
	}

	metrics := map[string]any{
		"summaries_expected": len(plan.Perspectives),
		"summaries_missing":  missing,
		"summaries_oversize": oversize,
		"max_summary_bytes":  maxSeen,
	}
	if missing > 0 {
		metrics["fail_reason"] = "missing summaries"
		return Result{Status: model.GateStatusFail, Metrics: metrics}
	}
	if oversize > 0 {
		metrics["fail_reason"] = fmt.Sprintf("%d summaries exceed %d bytes", oversize, limits.MaxSummaryBytes)
		return Result{Status: model.GateStatusFail, Metrics: metrics}
	}
	return Result{Status: model.GateStatusPass, Metrics: metrics}
}

// minSynthesisBytes is the hard floor for a synthesis draft; anything
// shorter cannot have integrated the summaries.
const minSynthesisBytes = 256

// SynthesisQualityGate (hard) checks the synthesis draft's hard metrics:
// present, above the size floor, and citing at least one validated source
// from the pool. Thin citation coverage is a non-blocking warning.
type SynthesisQualityGate struct{}

func (SynthesisQualityGate) ID() model.GateID { return model.GateSynthesisQuality }

func (SynthesisQualityGate) Evaluate(snap Snapshot, _ model.Limits) Result {
	draft, ok := snap.Artifacts[SynthesisPath]
	if !ok || len(strings.TrimSpace(string(draft))) == 0 {
		return fail("synthesis draft missing", nil)
	}

	metrics := map[string]any{"draft_bytes": len(draft)}
	if len(draft) < minSynthesisBytes {
		metrics["fail_reason"] = fmt.Sprintf("draft below %d-byte floor", minSynthesisBytes)
		return Result{Status: model.GateStatusFail, Metrics: metrics}
	}

	cited := strings.Count(string(draft), "cite:")
	metrics["citation_references"] = cited
	if cited == 0 {
		metrics["fail_reason"] = "draft cites no sources"
		return Result{Status: model.GateStatusFail, Metrics: metrics}
	}

	res := Result{Status: model.GateStatusPass, Metrics: metrics}
	if cited < 3 {
		res.Warnings = append(res.Warnings, "draft cites fewer than three sources")
	}
	return res
}

// ForStage returns the evaluator responsible for a stage's exit gate, or
// nil when the stage has none.
func ForStage(stage model.Stage) Evaluator {
	switch stage {
	case model.StageInit:
		return PerspectivePlanGate{}
	case model.StageWave1:
		return WaveOutputGate{Dir: Wave1Dir}
	case model.StagePivot:
		return PivotConsistencyGate{}
	case model.StageWave2:
		return WaveOutputGate{Dir: Wave2Dir}
	case model.StageCitations:
		return CitationGate{}
	case model.StageSummaries:
		return SummaryBoundsGate{}
	case model.StageReview:
		return SynthesisQualityGate{}
	default:
		return nil
	}
}
