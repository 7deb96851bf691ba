package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ashita-ai/shirabe/internal/citations"
	"github.com/ashita-ai/shirabe/internal/driver"
	"github.com/ashita-ai/shirabe/internal/gates"
	"github.com/ashita-ai/shirabe/internal/integrity"
	"github.com/ashita-ai/shirabe/internal/model"
)

// Run-relative artifact locations owned by the orchestrator.
const (
	CitationReportPath = "artifacts/citations/report.md"
	FinalReportPath    = "artifacts/final/report.md"
)

func (o *Orchestrator) loadPlan(runID string) (gates.Plan, error) {
	data, err := o.store.ReadArtifact(runID, gates.PlanPath)
	if err != nil {
		return gates.Plan{}, fmt.Errorf("orchestrator: read plan: %w", err)
	}
	var plan gates.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return gates.Plan{}, fmt.Errorf("orchestrator: decode plan: %w", err)
	}
	return plan, nil
}

// stageComplete reports whether the current stage's outputs already exist,
// which is what makes ticking idempotent across crashes.
func (o *Orchestrator) stageComplete(m model.Manifest) (bool, error) {
	switch m.Stage.Current {
	case model.StageInit:
		return o.store.ArtifactExists(m.ID, gates.PlanPath), nil

	case model.StageWave1, model.StageWave2:
		dir := gates.Wave1Dir
		if m.Stage.Current == model.StageWave2 {
			dir = gates.Wave2Dir
		}
		plan, err := o.loadPlan(m.ID)
		if err != nil {
			return false, err
		}
		for _, p := range plan.Perspectives {
			if !o.store.ArtifactExists(m.ID, path.Join(dir, p.Name+".md")) {
				return false, nil
			}
		}
		return true, nil

	case model.StagePivot:
		return o.store.ArtifactExists(m.ID, gates.PivotPath), nil

	case model.StageCitations:
		return o.store.ArtifactExists(m.ID, gates.PoolPath), nil

	case model.StageSummaries:
		plan, err := o.loadPlan(m.ID)
		if err != nil {
			return false, err
		}
		for _, p := range plan.Perspectives {
			if !o.store.ArtifactExists(m.ID, path.Join(gates.SummariesDir, p.Name+".md")) {
				return false, nil
			}
		}
		return true, nil

	case model.StageSynthesis:
		if !o.store.ArtifactExists(m.ID, gates.SynthesisPath) {
			return false, nil
		}
		// A changes-requested verdict against the current draft means the
		// draft must be regenerated before review runs again.
		verdict, draft, err := o.readVerdictAndDraft(m.ID)
		if err != nil || verdict == nil {
			return true, err
		}
		return !(verdict.ChangesRequested && verdict.DraftDigest == draftDigest(draft)), nil

	case model.StageReview:
		verdict, draft, err := o.readVerdictAndDraft(m.ID)
		if err != nil || verdict == nil {
			return false, err
		}
		// A verdict for an older draft is stale and must be redone.
		return verdict.DraftDigest == draftDigest(draft), nil

	default:
		return true, nil
	}
}

func (o *Orchestrator) readVerdictAndDraft(runID string) (*gates.ReviewVerdict, []byte, error) {
	draft, err := o.store.ReadArtifact(runID, gates.SynthesisPath)
	if err != nil {
		draft = nil
	}
	data, err := o.store.ReadArtifact(runID, gates.ReviewPath)
	if err != nil {
		return nil, draft, nil
	}
	var v gates.ReviewVerdict
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, draft, fmt.Errorf("orchestrator: decode review verdict: %w", err)
	}
	return &v, draft, nil
}

func draftDigest(draft []byte) string {
	return integrity.DigestFields(string(draft))
}

// executeStage performs the current stage's content generation.
func (o *Orchestrator) executeStage(ctx context.Context, m model.Manifest) error {
	o.logger.Info("executing stage", "run_id", m.ID, "stage", m.Stage.Current)
	switch m.Stage.Current {
	case model.StageInit:
		return o.runPlan(ctx, m)
	case model.StageWave1:
		return o.runWave(ctx, m, gates.Wave1Dir, "")
	case model.StageWave2:
		return o.runWave(ctx, m, gates.Wave2Dir, "deepen the earlier findings; ")
	case model.StagePivot:
		return o.runPivot(ctx, m)
	case model.StageCitations:
		return o.runCitations(ctx, m)
	case model.StageSummaries:
		return o.runSummaries(ctx, m)
	case model.StageSynthesis:
		return o.runSynthesis(ctx, m)
	case model.StageReview:
		return o.runReview(ctx, m)
	default:
		return fmt.Errorf("orchestrator: no handler for stage %q", m.Stage.Current)
	}
}

func (o *Orchestrator) runPlan(ctx context.Context, m model.Manifest) error {
	res, err := o.driver.SubmitTask(ctx, driver.Task{
		RunID: m.ID,
		Stage: string(model.StageInit),
		Prompt: fmt.Sprintf("plan up to %d research perspectives for: %s",
			m.Limits.MaxPerspectives, m.Query),
	})
	if err != nil {
		return err
	}
	return o.store.WriteArtifact(m.ID, gates.PlanPath, res.Content)
}

// runWave fans one task out per perspective, bounded by the per-stage
// concurrency cap. Perspectives whose output already exists are skipped,
// so a resumed wave only redoes the missing work.
func (o *Orchestrator) runWave(ctx context.Context, m model.Manifest, dir, promptPrefix string) error {
	plan, err := o.loadPlan(m.ID)
	if err != nil {
		return err
	}

	sem := semaphore.NewWeighted(int64(m.Limits.PerStageConcurrency))
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range plan.Perspectives {
		if o.store.ArtifactExists(m.ID, path.Join(dir, p.Name+".md")) {
			continue
		}
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			res, err := o.driver.SubmitTask(ctx, driver.Task{
				RunID:       m.ID,
				Stage:       string(m.Stage.Current),
				Perspective: p.Name,
				Prompt:      promptPrefix + p.Prompt,
			})
			if err != nil {
				return fmt.Errorf("perspective %s: %w", p.Name, err)
			}
			return o.store.WriteArtifact(m.ID, path.Join(dir, p.Name+".md"), res.Content)
		})
	}
	return g.Wait()
}

func (o *Orchestrator) runPivot(ctx context.Context, m model.Manifest) error {
	snap, err := o.snapshot(m)
	if err != nil {
		return err
	}
	res, err := o.driver.SubmitTask(ctx, driver.Task{
		RunID: m.ID,
		Stage: string(model.StagePivot),
		Prompt: fmt.Sprintf("decide deepen or proceed for %q given wave digest %s",
			m.Query, snap.Digest()),
	})
	if err != nil {
		return err
	}
	return o.store.WriteArtifact(m.ID, gates.PivotPath, res.Content)
}

// runCitations extracts every source reference from the wave outputs,
// normalizes and validates them, and persists the pool plus a
// human-readable report.
func (o *Orchestrator) runCitations(ctx context.Context, m model.Manifest) error {
	plan, err := o.loadPlan(m.ID)
	if err != nil {
		return err
	}

	var refs []citations.ExtractedRef
	for _, dir := range []string{gates.Wave1Dir, gates.Wave2Dir} {
		for _, p := range plan.Perspectives {
			rel := path.Join(dir, p.Name+".md")
			data, err := o.store.ReadArtifact(m.ID, rel)
			if err != nil {
				continue
			}
			refs = append(refs, citations.Extract(string(data), model.Provenance{
				Perspective: p.Name,
				Artifact:    rel,
			})...)
		}
	}

	records, err := o.validator.Validate(ctx, refs)
	if err != nil {
		return fmt.Errorf("orchestrator: validate citations: %w", err)
	}
	pool, err := citations.EncodePool(records)
	if err != nil {
		return err
	}
	if err := o.store.WriteArtifact(m.ID, gates.PoolPath, pool); err != nil {
		return err
	}
	return o.store.WriteArtifact(m.ID, CitationReportPath, []byte(citations.RenderReport(records)))
}

func (o *Orchestrator) runSummaries(ctx context.Context, m model.Manifest) error {
	plan, err := o.loadPlan(m.ID)
	if err != nil {
		return err
	}

	sem := semaphore.NewWeighted(int64(m.Limits.PerStageConcurrency))
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range plan.Perspectives {
		if o.store.ArtifactExists(m.ID, path.Join(gates.SummariesDir, p.Name+".md")) {
			continue
		}
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			findings := o.perspectiveFindings(m.ID, p.Name)
			res, err := o.driver.SubmitTask(ctx, driver.Task{
				RunID:       m.ID,
				Stage:       string(model.StageSummaries),
				Perspective: p.Name,
				Prompt: fmt.Sprintf("summarize within %d bytes:\n%s",
					m.Limits.MaxSummaryBytes, findings),
			})
			if err != nil {
				return fmt.Errorf("perspective %s: %w", p.Name, err)
			}
			return o.store.WriteArtifact(m.ID, path.Join(gates.SummariesDir, p.Name+".md"), res.Content)
		})
	}
	return g.Wait()
}

func (o *Orchestrator) perspectiveFindings(runID, name string) string {
	var b strings.Builder
	for _, dir := range []string{gates.Wave1Dir, gates.Wave2Dir} {
		if data, err := o.store.ReadArtifact(runID, path.Join(dir, name+".md")); err == nil {
			b.Write(data)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// runSynthesis builds the draft prompt from every summary and the
// validated citation ids so the draft can reference real pool entries.
func (o *Orchestrator) runSynthesis(ctx context.Context, m model.Manifest) error {
	plan, err := o.loadPlan(m.ID)
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "synthesize an answer to %q from these summaries", m.Query)
	if n := reviewCycles(m); n > 0 {
		fmt.Fprintf(&b, " (revision %d, address the reviewer's notes)", n)
	}
	b.WriteString(":\n")
	for _, p := range plan.Perspectives {
		if data, err := o.store.ReadArtifact(m.ID, path.Join(gates.SummariesDir, p.Name+".md")); err == nil {
			fmt.Fprintf(&b, "## %s\n%s\n", p.Name, data)
		}
	}

	if cids := o.validatedCitationIDs(m.ID); len(cids) > 0 {
		b.WriteString("\ncite these sources: " + strings.Join(cids, " ") + "\n")
	}

	res, err := o.driver.SubmitTask(ctx, driver.Task{
		RunID:  m.ID,
		Stage:  string(model.StageSynthesis),
		Prompt: b.String(),
	})
	if err != nil {
		return err
	}
	return o.store.WriteArtifact(m.ID, gates.SynthesisPath, res.Content)
}

func reviewCycles(m model.Manifest) int {
	n := 0
	for _, h := range m.Stage.History {
		if h.From == model.StageReview && h.To == model.StageSynthesis {
			n++
		}
	}
	return n
}

func (o *Orchestrator) validatedCitationIDs(runID string) []string {
	data, err := o.store.ReadArtifact(runID, gates.PoolPath)
	if err != nil {
		return nil
	}
	records, err := citations.DecodePool(data)
	if err != nil {
		return nil
	}
	var cids []string
	for _, rec := range records {
		if rec.Status.Validated() {
			cids = append(cids, rec.CID)
		}
	}
	return cids
}

// runReview dispatches the draft for review and stamps the verdict with
// the reviewed draft's digest, so stale verdicts are detectable.
func (o *Orchestrator) runReview(ctx context.Context, m model.Manifest) error {
	draft, err := o.store.ReadArtifact(m.ID, gates.SynthesisPath)
	if err != nil {
		return fmt.Errorf("orchestrator: read draft for review: %w", err)
	}

	res, err := o.driver.SubmitTask(ctx, driver.Task{
		RunID:  m.ID,
		Stage:  string(model.StageReview),
		Prompt: "review this synthesis draft:\n" + string(draft),
	})
	if err != nil {
		return err
	}

	var verdict gates.ReviewVerdict
	if err := json.Unmarshal(res.Content, &verdict); err != nil {
		return fmt.Errorf("orchestrator: decode reviewer verdict: %w", err)
	}
	verdict.DraftDigest = draftDigest(draft)
	stamped, err := json.Marshal(verdict)
	if err != nil {
		return err
	}
	return o.store.WriteArtifact(m.ID, gates.ReviewPath, stamped)
}

// writeFinalReport assembles the deliverable from the approved draft and
// the citation report.
func (o *Orchestrator) writeFinalReport(m model.Manifest) error {
	draft, err := o.store.ReadArtifact(m.ID, gates.SynthesisPath)
	if err != nil {
		return fmt.Errorf("orchestrator: read draft for final report: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", m.Query)
	b.Write(draft)
	if report, err := o.store.ReadArtifact(m.ID, CitationReportPath); err == nil {
		b.WriteString("\n\n## Source validation\n\n")
		b.Write(report)
	}
	return o.store.WriteArtifact(m.ID, FinalReportPath, []byte(b.String()))
}

// snapshot collects the artifacts the gates consult into an immutable
// view. Missing files are simply absent from the map.
func (o *Orchestrator) snapshot(m model.Manifest) (gates.Snapshot, error) {
	snap := gates.Snapshot{RunID: m.ID, Artifacts: map[string][]byte{}}

	fixed := []string{gates.PlanPath, gates.PivotPath, gates.PoolPath, gates.SynthesisPath, gates.ReviewPath}
	for _, rel := range fixed {
		if data, err := o.store.ReadArtifact(m.ID, rel); err == nil {
			snap.Artifacts[rel] = data
		}
	}

	if planData, ok := snap.Artifacts[gates.PlanPath]; ok {
		var plan gates.Plan
		if err := json.Unmarshal(planData, &plan); err == nil {
			for _, p := range plan.Perspectives {
				for _, dir := range []string{gates.Wave1Dir, gates.Wave2Dir, gates.SummariesDir} {
					rel := path.Join(dir, p.Name+".md")
					if data, err := o.store.ReadArtifact(m.ID, rel); err == nil {
						snap.Artifacts[rel] = data
					}
				}
			}
		}
	}
	return snap, nil
}
