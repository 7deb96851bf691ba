package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ashita-ai/shirabe/internal/integrity"
	"github.com/ashita-ai/shirabe/internal/model"
)

// stageSubdirs are created under artifacts/ at initialization.
var stageSubdirs = []string{
	"plan", "wave1", "pivot", "wave2", "citations",
	"summaries", "synthesis", "review", "final",
}

// Initialize creates the run directory skeleton, an initial manifest at
// revision 1, and an all-not_run gate set. Re-initializing an existing,
// valid run is a no-op success returning the existing manifest.
func (s *Store) Initialize(runID, query string, limits model.Limits) (model.Manifest, error) {
	var existing model.Manifest
	err := s.readDoc(s.manifestPath(runID), &existing)
	switch {
	case err == nil:
		if existing.Schema != model.ManifestSchema || existing.ID != runID {
			return model.Manifest{}, fmt.Errorf("store: existing run %s has foreign manifest (schema %q, id %q)",
				runID, existing.Schema, existing.ID)
		}
		return existing, nil
	case !errors.Is(err, ErrRunNotFound):
		return model.Manifest{}, err
	}

	runDir := s.RunDir(runID)
	for _, sub := range stageSubdirs {
		if err := os.MkdirAll(filepath.Join(runDir, artifactsDir, sub), 0o750); err != nil {
			return model.Manifest{}, fmt.Errorf("store: create artifact skeleton: %w", err)
		}
	}

	now := s.now()
	m := model.Manifest{
		Schema:    model.ManifestSchema,
		ID:        runID,
		Query:     query,
		CreatedAt: now,
		UpdatedAt: now,
		Revision:  1,
		Status:    model.RunStatusCreated,
		Stage:     model.StageState{Current: model.StageInit},
		Limits:    limits,
		Artifacts: model.Artifacts{
			Root:      runDir,
			Plan:      filepath.Join(artifactsDir, "plan"),
			Wave1:     filepath.Join(artifactsDir, "wave1"),
			Pivot:     filepath.Join(artifactsDir, "pivot"),
			Wave2:     filepath.Join(artifactsDir, "wave2"),
			Citations: filepath.Join(artifactsDir, "citations"),
			Summaries: filepath.Join(artifactsDir, "summaries"),
			Synthesis: filepath.Join(artifactsDir, "synthesis"),
			Review:    filepath.Join(artifactsDir, "review"),
			Final:     filepath.Join(artifactsDir, "final"),
		},
		Retries:        map[string]int{},
		StageStartedAt: now,
	}

	if err := s.writeDocAtomic(s.manifestPath(runID), m); err != nil {
		return model.Manifest{}, err
	}
	if err := s.writeDocAtomic(s.gatesPath(runID), model.NewGateSet(runID, now)); err != nil {
		return model.Manifest{}, err
	}
	if err := s.appendAudit(runID, "initialize", "run created", map[string]any{"query": query}); err != nil {
		return model.Manifest{}, err
	}

	s.logger.Info("run initialized", "run_id", runID)
	return m, nil
}

// GetManifest reads a run's manifest.
func (s *Store) GetManifest(runID string) (model.Manifest, error) {
	var m model.Manifest
	if err := s.readDoc(s.manifestPath(runID), &m); err != nil {
		return model.Manifest{}, err
	}
	return m, nil
}

// ManifestPatch is a partial manifest update. Nil fields are untouched.
// ID, CreatedAt, Schema, and Revision are present only so attempts to edit
// them can be rejected with explicit field paths; Revision is always
// computed server-side as current+1.
type ManifestPatch struct {
	ID        *string    `json:"id,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	Schema    *string    `json:"schema,omitempty"`
	Revision  *int64     `json:"revision,omitempty"`

	Status           *model.RunStatus      `json:"status,omitempty"`
	Query            *string               `json:"query,omitempty"`
	Limits           *model.Limits         `json:"limits,omitempty"`
	StageCurrent     *model.Stage          `json:"stage_current,omitempty"`
	AppendHistory    *model.StageTransition `json:"append_history,omitempty"`
	AppendFailure    *model.FailureRecord  `json:"append_failure,omitempty"`
	Retries          map[string]int        `json:"retries,omitempty"`
	StageStartedAt   *time.Time            `json:"stage_started_at,omitempty"`
}

// immutableViolations returns the field paths of any immutable fields the
// patch attempts to set.
func (p ManifestPatch) immutableViolations() []string {
	var fields []string
	if p.ID != nil {
		fields = append(fields, "id")
	}
	if p.CreatedAt != nil {
		fields = append(fields, "created_at")
	}
	if p.Schema != nil {
		fields = append(fields, "schema")
	}
	if p.Revision != nil {
		fields = append(fields, "revision")
	}
	return fields
}

// validate rejects schema-invalid values before any write.
func (p ManifestPatch) validate() []string {
	var fields []string
	if p.Status != nil && !p.Status.Valid() {
		fields = append(fields, "status")
	}
	if p.StageCurrent != nil && !p.StageCurrent.Valid() {
		fields = append(fields, "stage.current")
	}
	if p.AppendHistory != nil && (!p.AppendHistory.From.Valid() || !p.AppendHistory.To.Valid()) {
		fields = append(fields, "append_history")
	}
	return fields
}

// PatchManifest applies a partial update under optimistic concurrency. On a
// stale expectedRevision the actual current revision is disclosed via
// RevisionConflictError. On success the new revision is current+1, the
// write is atomic, and one audit event records the reason and patch digest.
func (s *Store) PatchManifest(runID string, expectedRevision int64, patch ManifestPatch, reason string) (model.Manifest, error) {
	if fields := patch.immutableViolations(); len(fields) > 0 {
		return model.Manifest{}, &SchemaViolationError{Fields: fields, Reason: "immutable fields"}
	}
	if fields := patch.validate(); len(fields) > 0 {
		return model.Manifest{}, &SchemaViolationError{Fields: fields, Reason: "invalid values"}
	}

	m, err := s.GetManifest(runID)
	if err != nil {
		return model.Manifest{}, err
	}
	if m.Revision != expectedRevision {
		return model.Manifest{}, &RevisionConflictError{Expected: expectedRevision, Actual: m.Revision}
	}

	if patch.Status != nil {
		m.Status = *patch.Status
	}
	if patch.Query != nil {
		m.Query = *patch.Query
	}
	if patch.Limits != nil {
		m.Limits = *patch.Limits
	}
	if patch.StageCurrent != nil {
		m.Stage.Current = *patch.StageCurrent
	}
	if patch.AppendHistory != nil {
		m.Stage.History = append(m.Stage.History, *patch.AppendHistory)
	}
	if patch.AppendFailure != nil {
		m.Failures = append(m.Failures, *patch.AppendFailure)
	}
	if patch.Retries != nil {
		if m.Retries == nil {
			m.Retries = map[string]int{}
		}
		for k, v := range patch.Retries {
			m.Retries[k] = v
		}
	}
	if patch.StageStartedAt != nil {
		m.StageStartedAt = *patch.StageStartedAt
	}

	m.Revision = expectedRevision + 1
	m.UpdatedAt = s.now()

	if err := s.writeDocAtomic(s.manifestPath(runID), m); err != nil {
		return model.Manifest{}, err
	}

	digest, err := integrity.DigestJSON(patch)
	if err != nil {
		return model.Manifest{}, err
	}
	if err := s.appendAudit(runID, "patch_manifest", reason, map[string]any{
		"revision":     m.Revision,
		"patch_digest": digest,
	}); err != nil {
		return model.Manifest{}, err
	}
	return m, nil
}
