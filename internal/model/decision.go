package model

// PreconditionKind classifies one evaluated transition precondition.
type PreconditionKind string

const (
	PreconditionGate     PreconditionKind = "gate"
	PreconditionArtifact PreconditionKind = "artifact"
	PreconditionCounter  PreconditionKind = "counter"
	PreconditionStatus   PreconditionKind = "status"
)

// PreconditionResult is one evaluated precondition in a transition decision.
type PreconditionResult struct {
	Kind    PreconditionKind `json:"kind"`
	Name    string           `json:"name"`
	OK      bool             `json:"ok"`
	Details string           `json:"details,omitempty"`
}

// TransitionDecision is the outcome of one stage-advance attempt. It is
// ephemeral: only its digest is persisted, in the stage history. Given
// identical manifest and gate snapshots the decision and its digest are
// byte-for-byte reproducible.
type TransitionDecision struct {
	From          Stage                `json:"from"`
	To            Stage                `json:"to"`
	Allowed       bool                 `json:"allowed"`
	Preconditions []PreconditionResult `json:"preconditions"`
	InputsDigest  string               `json:"inputs_digest"`
}

// FailedPreconditions returns the preconditions that did not hold, in
// evaluation order.
func (d TransitionDecision) FailedPreconditions() []PreconditionResult {
	var failed []PreconditionResult
	for _, p := range d.Preconditions {
		if !p.OK {
			failed = append(failed, p)
		}
	}
	return failed
}
