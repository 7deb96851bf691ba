package model

import "time"

// GateID names one of the six quality checkpoints.
type GateID string

const (
	GatePerspectivePlan  GateID = "perspective_plan"
	GateWaveOutput       GateID = "wave_output"
	GatePivotConsistency GateID = "pivot_consistency"
	GateCitations        GateID = "citations"
	GateSummaryBounds    GateID = "summary_bounds"
	GateSynthesisQuality GateID = "synthesis_quality"
)

// GateIDs lists all gates in canonical order.
var GateIDs = []GateID{
	GatePerspectivePlan, GateWaveOutput, GatePivotConsistency,
	GateCitations, GateSummaryBounds, GateSynthesisQuality,
}

// Valid reports whether id is a member of the fixed gate set.
func (id GateID) Valid() bool {
	for _, g := range GateIDs {
		if id == g {
			return true
		}
	}
	return false
}

// Hard reports whether the gate is hard-classified. A hard gate's status is
// never "warn"; soft gates may warn without blocking.
func (id GateID) Hard() bool {
	return id != GatePivotConsistency
}

// GateStatus is the outcome of a gate evaluation.
type GateStatus string

const (
	GateStatusNotRun GateStatus = "not_run"
	GateStatusPass   GateStatus = "pass"
	GateStatusFail   GateStatus = "fail"
	GateStatusWarn   GateStatus = "warn" // soft gates only
)

// Valid reports whether s is a member of the closed gate status set.
func (s GateStatus) Valid() bool {
	switch s {
	case GateStatusNotRun, GateStatusPass, GateStatusFail, GateStatusWarn:
		return true
	}
	return false
}

// Gate is one checkpoint record inside the gate set document.
type Gate struct {
	Status       GateStatus     `json:"status"`
	CheckedAt    *time.Time     `json:"checked_at,omitempty"`
	Metrics      map[string]any `json:"metrics,omitempty"`
	Artifacts    []string       `json:"artifacts,omitempty"`
	Warnings     []string       `json:"warnings,omitempty"`
	InputsDigest string         `json:"inputs_digest,omitempty"`
}

// GateSet is the per-run document holding all six gates. Created all-not_run
// at run start; gates move to pass/fail only via an evaluation write and are
// never silently reset.
type GateSet struct {
	Schema    string          `json:"schema"`
	RunID     string          `json:"run_id"` // immutable
	Revision  int64           `json:"revision"`
	UpdatedAt time.Time       `json:"updated_at"`
	Gates     map[GateID]Gate `json:"gates"`
}

// NewGateSet returns an all-not_run gate set for the given run.
func NewGateSet(runID string, now time.Time) GateSet {
	gates := make(map[GateID]Gate, len(GateIDs))
	for _, id := range GateIDs {
		gates[id] = Gate{Status: GateStatusNotRun}
	}
	return GateSet{
		Schema:    GateSetSchema,
		RunID:     runID,
		Revision:  1,
		UpdatedAt: now,
		Gates:     gates,
	}
}
