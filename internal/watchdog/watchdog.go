// Package watchdog covers the two failure-containment mechanisms: the
// bounded retry ledger and the stage deadline check. Neither retries work
// on its own; both only record state the orchestrator acts on.
package watchdog

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ashita-ai/shirabe/internal/model"
	"github.com/ashita-ai/shirabe/internal/store"
)

// ErrRetriesExhausted marks an entity whose retry budget is spent. The
// exhausted state is permanent; it never resets on later requests.
var ErrRetriesExhausted = fmt.Errorf("watchdog: retries exhausted")

// Watchdog enforces stage deadlines and retry budgets over the store.
type Watchdog struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

// New builds a watchdog over the given store.
func New(st *store.Store, logger *slog.Logger) *Watchdog {
	return &Watchdog{store: st, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the watchdog's time source.
func (w *Watchdog) WithClock(now func() time.Time) *Watchdog {
	w.now = now
	return w
}

// RequestRetry records one retry attempt against the named entity (a gate
// or stage identifier). It returns the attempt number, or
// ErrRetriesExhausted once the budget is spent. The count survives in the
// manifest, so a crashed-and-resumed run keeps its ledger.
func (w *Watchdog) RequestRetry(runID, entity string) (int, error) {
	m, err := w.store.GetManifest(runID)
	if err != nil {
		return 0, err
	}

	used := m.Retries[entity]
	if used >= m.Limits.MaxRetries {
		w.logger.Warn("retry budget exhausted", "run_id", runID, "entity", entity, "used", used)
		return used, fmt.Errorf("%w: %s used %d of %d", ErrRetriesExhausted, entity, used, m.Limits.MaxRetries)
	}

	retries := make(map[string]int, len(m.Retries)+1)
	for k, v := range m.Retries {
		retries[k] = v
	}
	retries[entity] = used + 1

	patch := store.ManifestPatch{Retries: retries}
	if _, err := w.store.PatchManifest(runID, m.Revision, patch, "retry requested for "+entity); err != nil {
		return 0, err
	}
	w.logger.Info("retry granted", "run_id", runID, "entity", entity, "attempt", used+1)
	return used + 1, nil
}

// Exhausted reports whether the entity's retry budget is spent.
func (w *Watchdog) Exhausted(runID, entity string) (bool, error) {
	m, err := w.store.GetManifest(runID)
	if err != nil {
		return false, err
	}
	return m.Retries[entity] >= m.Limits.MaxRetries, nil
}

// CheckDeadline fails the run if its current stage has outlived the
// configured timeout. On a breach it writes a checkpoint artifact naming
// the stage, elapsed time, and suggested next action, appends a timeout
// failure, and moves the run to failed in the same manifest patch. Returns
// true when the run was failed by this call.
func (w *Watchdog) CheckDeadline(runID string) (bool, error) {
	m, err := w.store.GetManifest(runID)
	if err != nil {
		return false, err
	}
	if m.Status != model.RunStatusRunning || m.StageStartedAt.IsZero() {
		return false, nil
	}
	timeout, ok := m.Limits.StageTimeouts[m.Stage.Current]
	if !ok || timeout <= 0 {
		return false, nil
	}

	elapsed := w.now().Sub(m.StageStartedAt)
	if elapsed <= timeout {
		return false, nil
	}

	checkpoint := fmt.Sprintf(
		"run %s timed out in stage %s\nelapsed: %s (limit %s)\nstage started: %s\nlast revision: %d\n"+
			"next action: raise stage_timeouts.%s or patch status back to running to re-run the stage\n",
		runID, m.Stage.Current, elapsed.Round(time.Second), timeout, m.StageStartedAt.Format(time.RFC3339),
		m.Revision, m.Stage.Current)
	if err := w.store.WriteArtifact(runID, checkpointPath(m.Stage.Current), []byte(checkpoint)); err != nil {
		return false, fmt.Errorf("watchdog: write checkpoint: %w", err)
	}

	failed := model.RunStatusFailed
	patch := store.ManifestPatch{
		Status: &failed,
		AppendFailure: &model.FailureRecord{
			Timestamp: w.now(),
			Stage:     m.Stage.Current,
			Kind:      model.FailureKindTimeout,
			Message:   fmt.Sprintf("stage %s exceeded %s deadline", m.Stage.Current, timeout),
			Retryable: true,
		},
	}
	if _, err := w.store.PatchManifest(runID, m.Revision, patch, "stage deadline exceeded"); err != nil {
		return false, err
	}
	w.logger.Error("stage deadline exceeded",
		"run_id", runID, "stage", m.Stage.Current, "elapsed", elapsed, "timeout", timeout)
	return true, nil
}

// checkpointPath is where the human-readable timeout checkpoint lands.
func checkpointPath(stage model.Stage) string {
	return fmt.Sprintf("artifacts/checkpoints/%s-timeout.txt", stage)
}
