// Package model defines the core domain types for Shirabe.
//
// Manifest and GateSet correspond directly to the on-disk documents
// (manifest.v1 / gates.v1). Types use strong typing (closed enums,
// time.Time) and avoid interface{} wherever possible.
package model

import "time"

// Schema tags for the versioned on-disk documents.
const (
	ManifestSchema = "manifest.v1"
	GateSetSchema  = "gates.v1"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusCreated   RunStatus = "created"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCompleted RunStatus = "completed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Valid reports whether s is a member of the closed status set.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusCreated, RunStatusRunning, RunStatusPaused,
		RunStatusFailed, RunStatusCompleted, RunStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether the run can never advance again.
func (s RunStatus) Terminal() bool {
	return s == RunStatusFailed || s == RunStatusCompleted || s == RunStatusCancelled
}

// Stage is a node in the pipeline's finite-state machine.
type Stage string

const (
	StageInit      Stage = "init"
	StageWave1     Stage = "wave1"
	StagePivot     Stage = "pivot"
	StageWave2     Stage = "wave2"
	StageCitations Stage = "citations"
	StageSummaries Stage = "summaries"
	StageSynthesis Stage = "synthesis"
	StageReview    Stage = "review"
	StageFinalize  Stage = "finalize"
)

// Stages lists all pipeline stages in canonical order.
var Stages = []Stage{
	StageInit, StageWave1, StagePivot, StageWave2, StageCitations,
	StageSummaries, StageSynthesis, StageReview, StageFinalize,
}

// Valid reports whether s is a member of the fixed stage set.
func (s Stage) Valid() bool {
	for _, st := range Stages {
		if s == st {
			return true
		}
	}
	return false
}

// StageTransition is one immutable entry in the manifest's stage history.
type StageTransition struct {
	From         Stage     `json:"from"`
	To           Stage     `json:"to"`
	Timestamp    time.Time `json:"timestamp"`
	Reason       string    `json:"reason"`
	InputsDigest string    `json:"inputs_digest"`
}

// StageState is the FSM position recorded in the manifest.
type StageState struct {
	Current Stage             `json:"current"`
	History []StageTransition `json:"history"`
}

// Limits are the per-run resource caps, set at initialization.
type Limits struct {
	MaxPerspectives     int                     `json:"max_perspectives"`
	PerStageConcurrency int                     `json:"per_stage_concurrency"`
	MaxReviewIterations int                     `json:"max_review_iterations"`
	MaxSummaryBytes     int                     `json:"max_summary_bytes"`
	MaxRetries          int                     `json:"max_retries"`
	StageTimeouts       map[Stage]time.Duration `json:"stage_timeouts"`
}

// FailureKind classifies a failure record.
type FailureKind string

const (
	FailureKindTimeout   FailureKind = "timeout"
	FailureKindDriver    FailureKind = "driver"
	FailureKindGate      FailureKind = "gate"
	FailureKindExhausted FailureKind = "exhausted"
	FailureKindInternal  FailureKind = "internal"
)

// FailureRecord is one append-only failure entry in the manifest.
type FailureRecord struct {
	Timestamp time.Time   `json:"timestamp"`
	Stage     Stage       `json:"stage"`
	Kind      FailureKind `json:"kind"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable"`
}

// Artifacts holds the canonical artifact path pointers. Root is absolute;
// all other pointers are relative to Root.
type Artifacts struct {
	Root      string `json:"root"`
	Plan      string `json:"plan"`
	Wave1     string `json:"wave1"`
	Pivot     string `json:"pivot"`
	Wave2     string `json:"wave2"`
	Citations string `json:"citations"`
	Summaries string `json:"summaries"`
	Synthesis string `json:"synthesis"`
	Review    string `json:"review"`
	Final     string `json:"final"`
}

// Manifest is the durable lifecycle document for one run. Owned exclusively
// by the run state store; mutated only through its patch operation. The
// revision counter increases by exactly 1 per successful write.
type Manifest struct {
	Schema    string          `json:"schema"`
	ID        string          `json:"id"` // immutable
	Query     string          `json:"query"`
	CreatedAt time.Time       `json:"created_at"` // immutable
	UpdatedAt time.Time       `json:"updated_at"`
	Revision  int64           `json:"revision"`
	Status    RunStatus       `json:"status"`
	Stage     StageState      `json:"stage"`
	Limits    Limits          `json:"limits"`
	Artifacts Artifacts       `json:"artifacts"`
	Failures  []FailureRecord `json:"failures"`
	// Retries counts retry requests per gate or stage entity. Exceeding
	// Limits.MaxRetries is a permanent exhausted state, never auto-reset.
	Retries map[string]int `json:"retries"`
	// StageStartedAt anchors the watchdog's elapsed-time check for the
	// current stage attempt.
	StageStartedAt time.Time `json:"stage_started_at"`
}

// DefaultLimits returns the caps applied when a run is initialized without
// explicit overrides.
func DefaultLimits() Limits {
	return Limits{
		MaxPerspectives:     5,
		PerStageConcurrency: 3,
		MaxReviewIterations: 3,
		MaxSummaryBytes:     8 * 1024,
		MaxRetries:          3,
		StageTimeouts: map[Stage]time.Duration{
			StageInit:      5 * time.Minute,
			StageWave1:     30 * time.Minute,
			StagePivot:     5 * time.Minute,
			StageWave2:     30 * time.Minute,
			StageCitations: 20 * time.Minute,
			StageSummaries: 15 * time.Minute,
			StageSynthesis: 20 * time.Minute,
			StageReview:    15 * time.Minute,
			StageFinalize:  5 * time.Minute,
		},
	}
}
