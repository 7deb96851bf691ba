package store

import (
	"errors"
	"fmt"

	"github.com/ashita-ai/shirabe/internal/integrity"
	"github.com/ashita-ai/shirabe/internal/model"
)

// GetGateSet reads a run's gate set.
func (s *Store) GetGateSet(runID string) (model.GateSet, error) {
	var gs model.GateSet
	if err := s.readDoc(s.gatesPath(runID), &gs); err != nil {
		return model.GateSet{}, err
	}
	return gs, nil
}

// GatePatch updates a single gate's record inside the gate set.
type GatePatch struct {
	GateID model.GateID `json:"gate_id"`
	Gate   model.Gate   `json:"gate"`
}

// validate enforces the gate-set document invariants before any write:
// known gate id, closed status enum, hard-gate-never-warn, checked_at
// required whenever status leaves not_run, and no silent reset to not_run.
func (p GatePatch) validate(current model.GateSet) []string {
	var fields []string
	if !p.GateID.Valid() {
		return []string{"gate_id"}
	}
	if !p.Gate.Status.Valid() {
		fields = append(fields, "gate.status")
	}
	if p.Gate.Status == model.GateStatusWarn && p.GateID.Hard() {
		fields = append(fields, "gate.status (hard gate cannot warn)")
	}
	if p.Gate.Status != model.GateStatusNotRun && p.Gate.CheckedAt == nil {
		fields = append(fields, "gate.checked_at")
	}
	if cur, ok := current.Gates[p.GateID]; ok &&
		cur.Status != model.GateStatusNotRun && p.Gate.Status == model.GateStatusNotRun {
		fields = append(fields, "gate.status (cannot reset to not_run)")
	}
	return fields
}

// PatchGateSet applies one gate update under the same atomicity and
// revision discipline as manifest patches.
func (s *Store) PatchGateSet(runID string, expectedRevision int64, patch GatePatch, reason string) (model.GateSet, error) {
	gs, err := s.GetGateSet(runID)
	if err != nil {
		return model.GateSet{}, err
	}
	if gs.Gates == nil {
		return model.GateSet{}, fmt.Errorf("store: corrupt document %s: missing gates map", gatesFile)
	}
	if gs.Revision != expectedRevision {
		return model.GateSet{}, &RevisionConflictError{Expected: expectedRevision, Actual: gs.Revision}
	}
	if fields := patch.validate(gs); len(fields) > 0 {
		return model.GateSet{}, &SchemaViolationError{Fields: fields, Reason: "gate patch"}
	}

	gs.Gates[patch.GateID] = patch.Gate
	gs.Revision = expectedRevision + 1
	gs.UpdatedAt = s.now()

	if err := s.writeDocAtomic(s.gatesPath(runID), gs); err != nil {
		return model.GateSet{}, err
	}

	digest, err := integrity.DigestJSON(patch)
	if err != nil {
		return model.GateSet{}, err
	}
	if err := s.appendAudit(runID, "patch_gates", reason, map[string]any{
		"gate":         string(patch.GateID),
		"status":       string(patch.Gate.Status),
		"revision":     gs.Revision,
		"patch_digest": digest,
	}); err != nil {
		return model.GateSet{}, err
	}
	return gs, nil
}

// RecordGateResult is a convenience wrapper that patches one gate using the
// set's current revision, retrying once on a concurrent bump.
func (s *Store) RecordGateResult(runID string, id model.GateID, gate model.Gate, reason string) (model.GateSet, error) {
	for attempt := 0; attempt < 2; attempt++ {
		gs, err := s.GetGateSet(runID)
		if err != nil {
			return model.GateSet{}, err
		}
		updated, err := s.PatchGateSet(runID, gs.Revision, GatePatch{GateID: id, Gate: gate}, reason)
		var conflict *RevisionConflictError
		if err != nil && attempt == 0 && errors.As(err, &conflict) {
			continue
		}
		return updated, err
	}
	return model.GateSet{}, fmt.Errorf("store: record gate result: unreachable")
}
