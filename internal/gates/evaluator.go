// Package gates implements the gate evaluator framework and the six
// pipeline gates. Evaluators are pure: the same artifact snapshot and
// limits always reproduce identical metrics, status, warnings, and inputs
// digest. Evaluators must not panic; every failure is expressed in the
// result.
package gates

import (
	"sort"
	"time"

	"github.com/ashita-ai/shirabe/internal/integrity"
	"github.com/ashita-ai/shirabe/internal/model"
)

// Snapshot is an immutable view of the artifact files a gate may consult,
// keyed by run-relative path.
type Snapshot struct {
	RunID     string
	Artifacts map[string][]byte
}

// Digest returns the deterministic digest of the snapshot contents.
func (s Snapshot) Digest() string {
	paths := make([]string, 0, len(s.Artifacts))
	for p := range s.Artifacts {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	fields := make([]string, 0, 2*len(paths)+1)
	fields = append(fields, s.RunID)
	for _, p := range paths {
		fields = append(fields, p, string(s.Artifacts[p]))
	}
	return integrity.DigestFields(fields...)
}

// Paths returns the snapshot's artifact paths in sorted order.
func (s Snapshot) Paths() []string {
	paths := make([]string, 0, len(s.Artifacts))
	for p := range s.Artifacts {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Result is a gate evaluation outcome before persistence.
type Result struct {
	Status       model.GateStatus
	Metrics      map[string]any
	Warnings     []string
	Artifacts    []string
	InputsDigest string
}

// Evaluator computes one gate's result from an artifact snapshot.
type Evaluator interface {
	ID() model.GateID
	Evaluate(snap Snapshot, limits model.Limits) Result
}

// Run evaluates e over snap, enforcing the framework invariants: the
// result carries the snapshot digest and consulted paths, and a hard
// gate's warn status is demoted to fail rather than persisted.
func Run(e Evaluator, snap Snapshot, limits model.Limits) Result {
	res := e.Evaluate(snap, limits)
	if res.Metrics == nil {
		res.Metrics = map[string]any{}
	}
	if res.Status == model.GateStatusWarn && e.ID().Hard() {
		res.Status = model.GateStatusFail
		res.Warnings = append(res.Warnings, "hard gate attempted warn status")
	}
	res.InputsDigest = snap.Digest()
	res.Artifacts = snap.Paths()
	return res
}

// ToGate converts a result into the persisted gate record.
func (r Result) ToGate(checkedAt time.Time) model.Gate {
	t := checkedAt.UTC()
	return model.Gate{
		Status:       r.Status,
		CheckedAt:    &t,
		Metrics:      r.Metrics,
		Artifacts:    r.Artifacts,
		Warnings:     r.Warnings,
		InputsDigest: r.InputsDigest,
	}
}

// fail is a helper for single-reason hard failures.
func fail(reason string, metrics map[string]any) Result {
	if metrics == nil {
		metrics = map[string]any{}
	}
	metrics["fail_reason"] = reason
	return Result{Status: model.GateStatusFail, Metrics: metrics}
}

// ratio guards against division by zero and keeps metric values stable.
func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}
