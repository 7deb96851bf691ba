// Package fsm is the stage-transition authority. Given a manifest and gate
// snapshot it decides whether the run may advance and to where; identical
// snapshots always reproduce the identical decision and inputs digest,
// which is what makes crash recovery and test replay safe.
package fsm

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashita-ai/shirabe/internal/gates"
	"github.com/ashita-ai/shirabe/internal/integrity"
	"github.com/ashita-ai/shirabe/internal/model"
	"github.com/ashita-ai/shirabe/internal/store"
)

// ErrNoTransition is returned when the current stage has no outgoing
// transition (finalize) or the run status is terminal.
var ErrNoTransition = errors.New("fsm: no transition from current state")

// Inputs is the complete decision snapshot. Everything a transition
// depends on is in here; nothing is re-derived at decision time.
type Inputs struct {
	Manifest model.Manifest       `json:"manifest"`
	Gates    model.GateSet        `json:"gates"`
	Pivot    *gates.PivotDecision `json:"pivot,omitempty"`
	Review   *gates.ReviewVerdict `json:"review,omitempty"`
	// DraftPresent records whether a non-empty synthesis draft exists.
	DraftPresent bool `json:"draft_present"`
}

// Engine decides and applies stage transitions.
type Engine struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a transition engine over the given store.
func New(st *store.Store, logger *slog.Logger) *Engine {
	return &Engine{store: st, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the engine's time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Decide computes the transition decision for the snapshot. Pure: no I/O,
// no clock, fully reproducible.
func Decide(in Inputs) (model.TransitionDecision, error) {
	digest, err := integrity.DigestJSON(in)
	if err != nil {
		return model.TransitionDecision{}, err
	}

	d := model.TransitionDecision{
		From:         in.Manifest.Stage.Current,
		InputsDigest: digest,
	}

	if in.Manifest.Status.Terminal() || in.Manifest.Status == model.RunStatusPaused {
		d.Preconditions = append(d.Preconditions, model.PreconditionResult{
			Kind: model.PreconditionStatus, Name: "run_active", OK: false,
			Details: fmt.Sprintf("run status is %s", in.Manifest.Status),
		})
		return d, nil
	}

	switch in.Manifest.Stage.Current {
	case model.StageInit:
		d.To = model.StageWave1
		d.Preconditions = append(d.Preconditions, gatePrecondition(in.Gates, model.GatePerspectivePlan))

	case model.StageWave1:
		d.To = model.StagePivot
		d.Preconditions = append(d.Preconditions, gatePrecondition(in.Gates, model.GateWaveOutput))

	case model.StagePivot:
		// Deterministic branch on the stored pivot decision artifact.
		pre := model.PreconditionResult{Kind: model.PreconditionArtifact, Name: "pivot_decision"}
		switch {
		case in.Pivot == nil:
			pre.Details = "pivot decision artifact missing"
		case in.Pivot.Decision == "deepen":
			pre.OK = true
			d.To = model.StageWave2
		case in.Pivot.Decision == "proceed":
			pre.OK = true
			d.To = model.StageCitations
		default:
			pre.Details = "unknown pivot decision: " + in.Pivot.Decision
		}
		d.Preconditions = append(d.Preconditions, pre)

	case model.StageWave2:
		d.To = model.StageCitations
		d.Preconditions = append(d.Preconditions, gatePrecondition(in.Gates, model.GateWaveOutput))

	case model.StageCitations:
		d.To = model.StageSummaries
		d.Preconditions = append(d.Preconditions, gatePrecondition(in.Gates, model.GateCitations))

	case model.StageSummaries:
		d.To = model.StageSynthesis
		d.Preconditions = append(d.Preconditions, gatePrecondition(in.Gates, model.GateSummaryBounds))

	case model.StageSynthesis:
		d.To = model.StageReview
		d.Preconditions = append(d.Preconditions, model.PreconditionResult{
			Kind: model.PreconditionArtifact, Name: "synthesis_draft",
			OK:      in.DraftPresent,
			Details: draftDetails(in.DraftPresent),
		})

	case model.StageReview:
		return decideReview(in, d)

	case model.StageFinalize:
		d.Preconditions = append(d.Preconditions, model.PreconditionResult{
			Kind: model.PreconditionStatus, Name: "terminal_stage", OK: false,
			Details: "finalize has no outgoing transition",
		})
		return d, nil
	}

	d.Allowed = allOK(d.Preconditions)
	return d, nil
}

// decideReview handles the review stage's three-way outcome: another
// synthesis iteration, finalize, or nothing (which the engine converts to
// a terminal failure once iterations are exhausted).
func decideReview(in Inputs, d model.TransitionDecision) (model.TransitionDecision, error) {
	iterations := reviewIterations(in.Manifest)
	limit := in.Manifest.Limits.MaxReviewIterations

	if in.Review != nil && in.Review.ChangesRequested {
		d.To = model.StageSynthesis
		d.Preconditions = append(d.Preconditions,
			model.PreconditionResult{
				Kind: model.PreconditionArtifact, Name: "review_verdict", OK: true,
				Details: "reviewer requested changes",
			},
			model.PreconditionResult{
				Kind: model.PreconditionCounter, Name: "review_iterations",
				OK:      iterations < limit,
				Details: fmt.Sprintf("%d of %d used", iterations, limit),
			},
		)
		d.Allowed = allOK(d.Preconditions)
		return d, nil
	}

	d.To = model.StageFinalize
	d.Preconditions = append(d.Preconditions,
		model.PreconditionResult{
			Kind: model.PreconditionArtifact, Name: "review_verdict",
			OK:      in.Review != nil,
			Details: reviewDetails(in.Review),
		},
		gatePrecondition(in.Gates, model.GateSynthesisQuality),
	)
	d.Allowed = allOK(d.Preconditions)
	return d, nil
}

func draftDetails(present bool) string {
	if present {
		return "synthesis draft present"
	}
	return "synthesis draft missing"
}

func reviewDetails(v *gates.ReviewVerdict) string {
	if v == nil {
		return "review verdict artifact missing"
	}
	if v.Approved {
		return "reviewer approved"
	}
	return "reviewer neither approved nor requested changes"
}

// reviewIterations counts completed review→synthesis loops.
func reviewIterations(m model.Manifest) int {
	n := 0
	for _, h := range m.Stage.History {
		if h.From == model.StageReview && h.To == model.StageSynthesis {
			n++
		}
	}
	return n
}

func gatePrecondition(gs model.GateSet, id model.GateID) model.PreconditionResult {
	g := gs.Gates[id]
	ok := g.Status == model.GateStatusPass || (!id.Hard() && g.Status == model.GateStatusWarn)
	details := fmt.Sprintf("gate %s is %s", id, g.Status)
	return model.PreconditionResult{Kind: model.PreconditionGate, Name: string(id), OK: ok, Details: details}
}

func allOK(pres []model.PreconditionResult) bool {
	for _, p := range pres {
		if !p.OK {
			return false
		}
	}
	return true
}

// LoadInputs assembles the decision snapshot from disk.
func (e *Engine) LoadInputs(runID string) (Inputs, error) {
	m, err := e.store.GetManifest(runID)
	if err != nil {
		return Inputs{}, err
	}
	gs, err := e.store.GetGateSet(runID)
	if err != nil {
		return Inputs{}, err
	}
	in := Inputs{Manifest: m, Gates: gs}

	if data, err := e.store.ReadArtifact(runID, gates.PivotPath); err == nil {
		var p gates.PivotDecision
		if err := json.Unmarshal(data, &p); err == nil {
			in.Pivot = &p
		}
	}
	if data, err := e.store.ReadArtifact(runID, gates.ReviewPath); err == nil {
		var v gates.ReviewVerdict
		if err := json.Unmarshal(data, &v); err == nil {
			in.Review = &v
		}
	}
	in.DraftPresent = e.store.ArtifactExists(runID, gates.SynthesisPath)
	return in, nil
}

// Advance attempts one stage transition. On an allowed decision the stage
// pointer and history entry land in a single atomic manifest patch. A
// review stage whose hard metrics still fail at the iteration cap becomes
// a terminal run failure.
func (e *Engine) Advance(runID, reason string) (model.TransitionDecision, error) {
	in, err := e.LoadInputs(runID)
	if err != nil {
		return model.TransitionDecision{}, err
	}
	if in.Manifest.Stage.Current == model.StageFinalize || in.Manifest.Status.Terminal() {
		return model.TransitionDecision{}, ErrNoTransition
	}

	d, err := Decide(in)
	if err != nil {
		return model.TransitionDecision{}, err
	}

	if !d.Allowed {
		if exhausted := e.reviewExhausted(in, d); exhausted {
			if err := e.failRun(in, "synthesis-quality hard metrics failing at review iteration cap"); err != nil {
				return d, err
			}
		}
		e.logger.Info("transition blocked",
			"run_id", runID, "from", d.From, "failed_preconditions", len(d.FailedPreconditions()))
		return d, nil
	}

	now := e.now()
	stage := d.To
	running := model.RunStatusRunning
	patch := store.ManifestPatch{
		Status:       &running,
		StageCurrent: &stage,
		AppendHistory: &model.StageTransition{
			From:         d.From,
			To:           d.To,
			Timestamp:    now,
			Reason:       reason,
			InputsDigest: d.InputsDigest,
		},
		StageStartedAt: &now,
	}
	if _, err := e.store.PatchManifest(runID, in.Manifest.Revision, patch, reason); err != nil {
		return d, err
	}
	e.logger.Info("stage advanced", "run_id", runID, "from", d.From, "to", d.To)
	return d, nil
}

// reviewExhausted reports whether a blocked review decision has used up
// its iteration budget with hard metrics still failing.
func (e *Engine) reviewExhausted(in Inputs, d model.TransitionDecision) bool {
	if d.From != model.StageReview {
		return false
	}
	if reviewIterations(in.Manifest) < in.Manifest.Limits.MaxReviewIterations {
		return false
	}
	g := in.Gates.Gates[model.GateSynthesisQuality]
	return g.Status == model.GateStatusFail ||
		(in.Review != nil && in.Review.ChangesRequested)
}

func (e *Engine) failRun(in Inputs, msg string) error {
	failed := model.RunStatusFailed
	patch := store.ManifestPatch{
		Status: &failed,
		AppendFailure: &model.FailureRecord{
			Timestamp: e.now(),
			Stage:     in.Manifest.Stage.Current,
			Kind:      model.FailureKindExhausted,
			Message:   msg,
			Retryable: false,
		},
	}
	if _, err := e.store.PatchManifest(in.Manifest.ID, in.Manifest.Revision, patch, "review iterations exhausted"); err != nil {
		return err
	}
	e.logger.Warn("run failed terminally", "run_id", in.Manifest.ID, "reason", msg)
	return nil
}
