package gates

import (
	"github.com/ashita-ai/shirabe/internal/citations"
	"github.com/ashita-ai/shirabe/internal/model"
)

// PoolPath is the run-relative location of the citation pool consulted by
// the citation gate.
const PoolPath = "artifacts/citations/pool.jsonl"

// CitationGate is the hard gate over the citation pool. Let U be the set
// of distinct normalized URLs; every member must carry exactly one status
// from the five-value enum. The gate fails hard when any reference is
// uncategorized, and an empty U is a distinct "no sources extracted"
// failure, not a trivial pass.
type CitationGate struct{}

func (CitationGate) ID() model.GateID { return model.GateCitations }

func (CitationGate) Evaluate(snap Snapshot, _ model.Limits) Result {
	data, ok := snap.Artifacts[PoolPath]
	if !ok {
		return fail("citation pool missing", nil)
	}

	records, err := citations.DecodePool(data)
	if err != nil {
		return fail("citation pool unreadable: "+err.Error(), nil)
	}

	total := len(records)
	var validated, invalid, uncategorized int
	for _, rec := range records {
		switch {
		case !rec.Status.Valid():
			uncategorized++
		case rec.Status.Validated():
			validated++
		default:
			invalid++
		}
	}

	metrics := map[string]any{
		"total_urls":         total,
		"validated_rate":     ratio(validated, total),
		"invalid_rate":       ratio(invalid, total),
		"uncategorized_rate": ratio(uncategorized, total),
	}

	if total == 0 {
		metrics["fail_reason"] = "no sources extracted"
		return Result{Status: model.GateStatusFail, Metrics: metrics}
	}
	if uncategorized > 0 {
		metrics["fail_reason"] = "uncategorized references present"
		return Result{Status: model.GateStatusFail, Metrics: metrics}
	}

	res := Result{Status: model.GateStatusPass, Metrics: metrics}
	if ratio(validated, total) < 0.5 {
		res.Warnings = append(res.Warnings, "fewer than half of extracted sources validated")
	}
	return res
}
