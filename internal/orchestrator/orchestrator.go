// Package orchestrator drives runs forward one idempotent tick at a time.
// A tick performs at most one advancing action: execute the current
// stage's work, record its exit gate, or apply a stage transition. Ticks
// re-read all state from disk, so a crashed process resumes by ticking
// again; completed work is detected by artifact presence and never redone.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashita-ai/shirabe/internal/citations"
	"github.com/ashita-ai/shirabe/internal/driver"
	"github.com/ashita-ai/shirabe/internal/fsm"
	"github.com/ashita-ai/shirabe/internal/gates"
	"github.com/ashita-ai/shirabe/internal/model"
	"github.com/ashita-ai/shirabe/internal/store"
	"github.com/ashita-ai/shirabe/internal/watchdog"
)

// Action names what a tick did. One tick, one action.
type Action string

const (
	ActionNone          Action = "none"
	ActionDeadlineFail  Action = "deadline_failed"
	ActionStageExecuted Action = "stage_executed"
	ActionGateRecorded  Action = "gate_recorded"
	ActionAdvanced      Action = "advanced"
	ActionBlocked       Action = "blocked"
	ActionCompleted     Action = "completed"
	ActionFailed        Action = "failed"
)

// Indexer records completed runs in the cross-run discovery index.
type Indexer interface {
	Record(ctx context.Context, entry IndexEntry) error
}

// IndexEntry is the discovery-index row for one finished run.
type IndexEntry struct {
	RunID       string
	Query       string
	Status      string
	CompletedAt time.Time
	ReportPath  string
}

// Orchestrator coordinates the store, gates, FSM, watchdog, and driver.
type Orchestrator struct {
	store     *store.Store
	engine    *fsm.Engine
	watchdog  *watchdog.Watchdog
	driver    driver.Driver
	validator *citations.Validator
	indexer   Indexer
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithValidator overrides the citation validator.
func WithValidator(v *citations.Validator) Option {
	return func(o *Orchestrator) { o.validator = v }
}

// WithIndexer wires the cross-run discovery index.
func WithIndexer(ix Indexer) Option {
	return func(o *Orchestrator) { o.indexer = ix }
}

// WithClock overrides the orchestrator's time source, including the
// engine's and watchdog's.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
		o.engine.WithClock(now)
		o.watchdog.WithClock(now)
	}
}

// New builds an orchestrator over the store and driver.
func New(st *store.Store, d driver.Driver, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     st,
		engine:    fsm.New(st, logger),
		watchdog:  watchdog.New(st, logger),
		driver:    d,
		validator: citations.NewValidator(logger),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// StartRun initializes a run and returns its manifest.
func (o *Orchestrator) StartRun(runID, query string, limits model.Limits) (model.Manifest, error) {
	return o.store.Initialize(runID, query, limits)
}

// Advance attempts one stage transition via the FSM.
func (o *Orchestrator) Advance(runID, reason string) (model.TransitionDecision, error) {
	return o.engine.Advance(runID, reason)
}

// Decision computes the current transition decision without applying it.
func (o *Orchestrator) Decision(runID string) (model.TransitionDecision, error) {
	in, err := o.engine.LoadInputs(runID)
	if err != nil {
		return model.TransitionDecision{}, err
	}
	return fsm.Decide(in)
}

// Tick performs at most one advancing action for the run. Safe to call
// repeatedly and after crashes; a tick that finds nothing to do reports
// ActionNone.
func (o *Orchestrator) Tick(ctx context.Context, runID string) (Action, error) {
	m, err := o.store.GetManifest(runID)
	if err != nil {
		return ActionNone, err
	}
	if m.Status.Terminal() || m.Status == model.RunStatusPaused {
		return ActionNone, nil
	}

	breached, err := o.watchdog.CheckDeadline(runID)
	if err != nil {
		return ActionNone, err
	}
	if breached {
		return ActionDeadlineFail, nil
	}

	if m.Stage.Current == model.StageFinalize {
		return o.finalize(ctx, m)
	}

	done, err := o.stageComplete(m)
	if err != nil {
		return ActionNone, err
	}
	if !done {
		if err := o.executeStage(ctx, m); err != nil {
			return o.recordStageFailure(m, err)
		}
		return ActionStageExecuted, nil
	}

	recorded, err := o.recordGateIfStale(m)
	if err != nil {
		return ActionNone, err
	}
	if recorded {
		return ActionGateRecorded, nil
	}

	d, err := o.engine.Advance(runID, "tick")
	if err != nil {
		return ActionNone, err
	}
	if !d.Allowed {
		return ActionBlocked, nil
	}
	return ActionAdvanced, nil
}

// RunToCompletion ticks until the run reaches a terminal status or stops
// making progress. maxTicks bounds the loop.
func (o *Orchestrator) RunToCompletion(ctx context.Context, runID string, maxTicks int) (Action, error) {
	last := ActionNone
	blocked := 0
	for i := 0; i < maxTicks; i++ {
		action, err := o.Tick(ctx, runID)
		if err != nil {
			return action, err
		}
		switch action {
		case ActionCompleted, ActionFailed, ActionDeadlineFail:
			return action, nil
		case ActionBlocked, ActionNone:
			blocked++
			if blocked >= 2 {
				return action, nil
			}
		default:
			blocked = 0
		}
		last = action
	}
	return last, fmt.Errorf("orchestrator: run %s not terminal after %d ticks", runID, maxTicks)
}

// recordGateIfStale evaluates the current stage's exit gate when its
// persisted record does not reflect the current artifact snapshot.
func (o *Orchestrator) recordGateIfStale(m model.Manifest) (bool, error) {
	eval := gates.ForStage(m.Stage.Current)
	if eval == nil {
		return false, nil
	}

	snap, err := o.snapshot(m)
	if err != nil {
		return false, err
	}
	gs, err := o.store.GetGateSet(m.ID)
	if err != nil {
		return false, err
	}

	current := gs.Gates[eval.ID()]
	if current.Status != model.GateStatusNotRun && current.InputsDigest == snap.Digest() {
		return false, nil
	}

	res := gates.Run(eval, snap, m.Limits)
	if _, err := o.store.RecordGateResult(m.ID, eval.ID(), res.ToGate(o.now()),
		fmt.Sprintf("gate %s evaluated at stage %s", eval.ID(), m.Stage.Current)); err != nil {
		return false, err
	}
	o.logger.Info("gate recorded",
		"run_id", m.ID, "gate", eval.ID(), "status", res.Status, "stage", m.Stage.Current)
	return true, nil
}

// EvaluateGate runs one gate on demand and persists the result.
func (o *Orchestrator) EvaluateGate(runID string, id model.GateID) (gates.Result, error) {
	m, err := o.store.GetManifest(runID)
	if err != nil {
		return gates.Result{}, err
	}
	eval := gates.ForStage(m.Stage.Current)
	if eval == nil || eval.ID() != id {
		eval = evaluatorFor(id)
	}
	if eval == nil {
		return gates.Result{}, fmt.Errorf("orchestrator: unknown gate %q", id)
	}
	snap, err := o.snapshot(m)
	if err != nil {
		return gates.Result{}, err
	}
	res := gates.Run(eval, snap, m.Limits)
	if _, err := o.store.RecordGateResult(runID, id, res.ToGate(o.now()), "gate evaluated on request"); err != nil {
		return gates.Result{}, err
	}
	return res, nil
}

func evaluatorFor(id model.GateID) gates.Evaluator {
	switch id {
	case model.GatePerspectivePlan:
		return gates.PerspectivePlanGate{}
	case model.GateWaveOutput:
		return gates.WaveOutputGate{Dir: gates.Wave1Dir}
	case model.GatePivotConsistency:
		return gates.PivotConsistencyGate{}
	case model.GateCitations:
		return gates.CitationGate{}
	case model.GateSummaryBounds:
		return gates.SummaryBoundsGate{}
	case model.GateSynthesisQuality:
		return gates.SynthesisQualityGate{}
	default:
		return nil
	}
}

// recordStageFailure books a driver failure, consuming one retry. An
// exhausted budget fails the run permanently.
func (o *Orchestrator) recordStageFailure(m model.Manifest, cause error) (Action, error) {
	entity := "stage:" + string(m.Stage.Current)
	o.logger.Warn("stage execution failed", "run_id", m.ID, "stage", m.Stage.Current, "error", cause)

	if _, err := o.watchdog.RequestRetry(m.ID, entity); err == nil {
		return ActionStageExecuted, cause
	}

	fresh, err := o.store.GetManifest(m.ID)
	if err != nil {
		return ActionNone, err
	}
	failed := model.RunStatusFailed
	patch := store.ManifestPatch{
		Status: &failed,
		AppendFailure: &model.FailureRecord{
			Timestamp: o.now(),
			Stage:     m.Stage.Current,
			Kind:      model.FailureKindExhausted,
			Message:   fmt.Sprintf("stage %s retries exhausted: %v", m.Stage.Current, cause),
			Retryable: false,
		},
	}
	if _, err := o.store.PatchManifest(m.ID, fresh.Revision, patch, "stage retries exhausted"); err != nil {
		return ActionNone, err
	}
	return ActionFailed, nil
}

// finalize writes the final report, completes the run, and records it in
// the discovery index.
func (o *Orchestrator) finalize(ctx context.Context, m model.Manifest) (Action, error) {
	if !o.store.ArtifactExists(m.ID, FinalReportPath) {
		if err := o.writeFinalReport(m); err != nil {
			return o.recordStageFailure(m, err)
		}
		return ActionStageExecuted, nil
	}

	completed := model.RunStatusCompleted
	patch := store.ManifestPatch{Status: &completed}
	if _, err := o.store.PatchManifest(m.ID, m.Revision, patch, "run finalized"); err != nil {
		return ActionNone, err
	}

	if o.indexer != nil {
		entry := IndexEntry{
			RunID:       m.ID,
			Query:       m.Query,
			Status:      string(model.RunStatusCompleted),
			CompletedAt: o.now(),
			ReportPath:  o.store.ArtifactPath(m.ID, FinalReportPath),
		}
		if err := o.indexer.Record(ctx, entry); err != nil {
			// Index entries are discovery-only; a failed insert never
			// blocks completion.
			o.logger.Warn("run index insert failed", "run_id", m.ID, "error", err)
		}
	}
	o.logger.Info("run completed", "run_id", m.ID)
	return ActionCompleted, nil
}
