package job

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/google/uuid"

	"deepscholar/internal/acquire"
	"deepscholar/internal/config"
	"deepscholar/internal/courtesy"
	"deepscholar/internal/coverage"
	"deepscholar/internal/embedding"
	"deepscholar/internal/engine"
	"deepscholar/internal/index"
	"deepscholar/internal/llm"
	"deepscholar/internal/logging"
	"deepscholar/internal/progress"
	"deepscholar/internal/report"
	"deepscholar/internal/retrieval"
	"deepscholar/internal/search"
	"deepscholar/internal/store"
)

// Deps wires the pipeline stages into a machine. Every field except Emitter
// and Embedder is required.
type Deps struct {
	Store    *store.Store
	LLM      llm.Client
	Engines  []engine.Adapter
	Embedder embedding.Engine // nil degrades retrieval to lexical-only
	Policy   *courtesy.Policy
	Cache    *acquire.FetchCache
	Emitter  *progress.Emitter
	Research config.ResearchConfig
}

// Machine drives one research job through the state table, checkpointing
// after every transition.
type Machine struct {
	deps Deps
	cp   *Checkpoint

	decomposer   *search.Decomposer
	orchestrator *search.Orchestrator
	dedup        *search.Deduper
	fetcher      *acquire.Fetcher
	pipeline     *index.Pipeline
	retriever    *retrieval.Retriever
	evaluator    coverage.Evaluator
	sufficiency  *coverage.SufficiencyChecker
	drafter      *report.Drafter

	pauseFlag  atomic.Bool
	cancelFlag atomic.Bool
}

// New creates a machine for a fresh job and persists its initial row.
func New(deps Deps, prompt string) (*Machine, error) {
	if prompt == "" {
		return nil, fmt.Errorf("research prompt is required")
	}

	cp := &Checkpoint{
		JobID:  uuid.NewString(),
		Prompt: prompt,
		State:  StatePending,
	}
	m := build(deps, cp)
	if err := m.checkpoint(); err != nil {
		return nil, err
	}
	logging.Job("Created job %s: %q", cp.JobID, prompt)
	return m, nil
}

// Load restores a machine from a persisted job.
func Load(deps Deps, jobID string) (*Machine, error) {
	rec, err := deps.Store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	cp, err := LoadCheckpoint(rec.Checkpoint)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", jobID, err)
	}
	logging.Job("Loaded job %s in state %s", jobID, cp.State)
	return build(deps, cp), nil
}

func build(deps Deps, cp *Checkpoint) *Machine {
	r := deps.Research
	return &Machine{
		deps:         deps,
		cp:           cp,
		decomposer:   search.NewDecomposer(deps.LLM),
		orchestrator: search.NewOrchestrator(deps.Engines, r.SearchPoolSize, r.TargetSources),
		dedup:        search.NewDeduperFrom(cp.SeenURLs),
		fetcher: acquire.NewFetcher(acquire.Config{
			FetchTimeout:    r.FetchTimeout,
			MaxContentBytes: r.MaxContentBytes,
			UserAgent:       r.UserAgent,
		}, deps.Policy, deps.Cache),
		pipeline:    index.NewPipeline(index.Config{ChunkSize: r.ChunkSize, ChunkOverlap: r.ChunkOverlap}, deps.Embedder),
		retriever:   retrieval.NewRetriever(deps.Embedder),
		evaluator:   coverage.NewSemanticEvaluator(deps.LLM),
		sufficiency: coverage.NewSufficiencyChecker(deps.LLM),
		drafter:     report.NewDrafter(deps.LLM),
	}
}

// JobID returns the job identifier.
func (m *Machine) JobID() string { return m.cp.JobID }

// State returns the current checkpointed state.
func (m *Machine) State() State { return m.cp.State }

// Report returns the final report markdown, empty until Completed.
func (m *Machine) Report() string { return m.cp.Report }

// Pause requests a pause at the next transition boundary.
func (m *Machine) Pause() { m.pauseFlag.Store(true) }

// Cancel requests cancellation at the next transition boundary.
func (m *Machine) Cancel() { m.cancelFlag.Store(true) }

// Run drives the job until it reaches a terminal state or pauses. Returns
// nil on Completed, Paused and Cancelled; the job error on Failed.
func (m *Machine) Run(ctx context.Context) error {
	for {
		if m.cp.State.Terminal() {
			return m.finalErr()
		}
		if m.cancelFlag.Load() || ctx.Err() != nil {
			return m.transitionCancelled()
		}
		if m.pauseFlag.Load() && m.cp.State != StatePaused {
			return m.transitionPaused()
		}

		var err error
		switch m.cp.State {
		case StatePending:
			err = m.transition(StatePlanning)
		case StatePaused:
			err = m.resume()
		case StatePlanning:
			err = m.runPlanning(ctx)
		case StateSearching:
			err = m.runSearching(ctx)
		case StateAcquiring:
			err = m.runAcquiring(ctx)
		case StateExtracting:
			err = m.runExtracting(ctx)
		case StateEvaluating:
			err = m.runEvaluating(ctx)
		case StateDrafting:
			err = m.runDrafting(ctx)
		case StateValidating:
			err = m.runValidating(ctx)
		case StateReporting:
			err = m.runReporting()
		default:
			err = fmt.Errorf("unknown state %q", m.cp.State)
		}

		if err != nil {
			if ctx.Err() != nil || m.cancelFlag.Load() {
				return m.transitionCancelled()
			}
			return m.transitionFailed(err)
		}
	}
}

// ====== STAGES ======

func (m *Machine) runPlanning(ctx context.Context) error {
	if m.cp.Plan == nil {
		plan, err := m.decomposer.Decompose(ctx, m.cp.Prompt)
		if err != nil {
			return fmt.Errorf("decomposition failed: %w", err)
		}
		m.cp.Plan = plan
	}
	m.cp.PendingQueries = m.cp.Plan.AllQueries()
	return m.transition(StateSearching)
}

func (m *Machine) runSearching(ctx context.Context) error {
	queries := m.cp.PendingQueries
	if len(queries) == 0 {
		queries = m.cp.Plan.AllQueries()
	}

	var skip []string
	for _, l := range m.cp.LaneReports {
		if l.Status == engine.StatusFailed {
			skip = append(skip, l.Engine)
		}
	}

	candidates, lanes := m.orchestrator.Run(ctx, queries, m.dedup, skip...)
	m.cp.Candidates = candidates
	m.cp.LaneReports = mergeLanes(m.cp.LaneReports, lanes)
	m.cp.PendingQueries = nil
	m.cp.SeenURLs = m.dedup.URLs()

	m.emit("search wave complete", fmt.Sprintf("%d new candidates", len(candidates)))
	return m.transition(StateAcquiring)
}

func (m *Machine) runAcquiring(ctx context.Context) error {
	fetched, summary := m.fetcher.FetchAll(ctx, m.cp.Candidates)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	for i := range fetched {
		f := &fetched[i]
		src := &store.SourceRecord{
			ID:        uuid.NewString(),
			JobID:     m.cp.JobID,
			URL:       f.Candidate.URL,
			Domain:    f.Domain,
			Title:     f.Title,
			Engine:    f.Candidate.Engine,
			Outcome:   string(f.Outcome),
			FetchedAt: f.FetchedAt,
		}
		if f.Succeeded() {
			src.Content = f.Markdown
			src.ContentHash = f.ContentHash
		}
		if err := m.deps.Store.AddSource(src); err != nil {
			return err
		}
	}

	m.cp.SourcesAcquired += summary.Succeeded
	m.cp.SourcesFailed += summary.Failed()
	m.cp.Candidates = nil

	m.emit("acquisition complete", fmt.Sprintf("%d acquired, %d failed", summary.Succeeded, summary.Failed()))
	return m.transition(StateExtracting)
}

func (m *Machine) runExtracting(ctx context.Context) error {
	sources, err := m.deps.Store.SourcesForJob(m.cp.JobID)
	if err != nil {
		return err
	}
	chunks, err := m.deps.Store.ChunksForJob(m.cp.JobID)
	if err != nil {
		return err
	}
	indexed := make(map[string]bool, len(chunks))
	for _, c := range chunks {
		indexed[c.SourceID] = true
	}

	for _, src := range sources {
		if src.Outcome != string(acquire.OutcomeSuccess) || src.Content == "" || indexed[src.ID] {
			continue
		}
		recs, _ := m.pipeline.Index(ctx, m.cp.JobID, src.ID, src.Content)
		if err := m.deps.Store.AddChunks(recs); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	m.emit("indexing complete", "")
	return m.transition(StateEvaluating)
}

func (m *Machine) runEvaluating(ctx context.Context) error {
	ev, err := m.gatherEvidence(ctx)
	if err != nil {
		return err
	}

	assessment, err := m.evaluator.Evaluate(ctx, m.cp.Plan, ev)
	if err != nil {
		return fmt.Errorf("coverage evaluation failed: %w", err)
	}
	m.cp.Assessment = assessment
	m.cp.Iteration++

	m.emit("coverage evaluated", fmt.Sprintf("score %.2f, iteration %d/%d",
		assessment.Score, m.cp.Iteration, m.deps.Research.MaxIterations))

	if coverage.ShouldContinue(assessment, ev, m.cp.Iteration, m.deps.Research.MaxIterations) {
		m.cp.PendingQueries = search.RemediationQueries(assessment.Unanswered(m.cp.Plan))
		if len(m.cp.PendingQueries) == 0 {
			m.cp.PendingQueries = m.cp.Plan.AllQueries()
		}
		return m.transition(StateSearching)
	}
	return m.transition(StateDrafting)
}

func (m *Machine) runDrafting(ctx context.Context) error {
	ev, err := m.gatherEvidence(ctx)
	if err != nil {
		return err
	}
	sources, err := m.deps.Store.SourcesForJob(m.cp.JobID)
	if err != nil {
		return err
	}
	cited := report.NumberSources(sources)
	byID := citationIndex(sources, cited)

	draft := m.drafter.Compose(ctx, m.cp.Plan, ev, cited, byID)
	m.cp.DraftBody = draft.Body
	m.cp.DraftExtractive = draft.Extractive

	m.emit("draft complete", "")
	return m.transition(StateValidating)
}

func (m *Machine) runValidating(ctx context.Context) error {
	sources, err := m.deps.Store.SourcesForJob(m.cp.JobID)
	if err != nil {
		return err
	}
	cited := report.NumberSources(sources)

	grounding := report.ScoreGrounding(m.cp.DraftBody, len(cited))
	m.cp.GroundingScore = grounding.Score

	// The sufficiency check runs exactly once per job.
	if m.cp.Sufficiency == nil {
		verdict := m.sufficiency.Check(ctx, m.cp.Prompt, m.cp.Plan, m.cp.DraftBody)
		m.cp.Sufficiency = &verdict

		if coverage.NeedsRemediation(verdict) && !m.cp.Remediated {
			m.cp.Remediated = true
			// Missing topics seed the remediation wave; unanswered
			// sub-questions are the fallback when the audit names none.
			m.cp.PendingQueries = search.TopicQueries(verdict.MissingTopics)
			if len(m.cp.PendingQueries) == 0 && m.cp.Assessment != nil {
				m.cp.PendingQueries = search.RemediationQueries(m.cp.Assessment.Unanswered(m.cp.Plan))
			}
			if len(m.cp.PendingQueries) == 0 {
				m.cp.PendingQueries = m.cp.Plan.AllQueries()
			}
			m.emit("remediation cycle", verdict.Reason)
			return m.transition(StateSearching)
		}
	}

	m.emit("validation complete", fmt.Sprintf("grounding %.2f", grounding.Score))
	return m.transition(StateReporting)
}

func (m *Machine) runReporting() error {
	sources, err := m.deps.Store.SourcesForJob(m.cp.JobID)
	if err != nil {
		return err
	}
	cited := report.NumberSources(sources)

	var sufficiency coverage.SufficiencyVerdict
	if m.cp.Sufficiency != nil {
		sufficiency = *m.cp.Sufficiency
	} else {
		sufficiency = coverage.SufficiencyVerdict{Sufficient: true}
	}

	m.cp.Report = report.Assemble(report.Input{
		Prompt:      m.cp.Prompt,
		Draft:       report.Draft{Body: m.cp.DraftBody, Extractive: m.cp.DraftExtractive},
		Grounding:   report.ScoreGrounding(m.cp.DraftBody, len(cited)),
		Assessment:  m.cp.Assessment,
		Sufficiency: sufficiency,
		Remediated:  m.cp.Remediated,
		Sources:     cited,
		Health:      healthFromSources(sources),
		Lanes:       m.cp.LaneReports,
		Iterations:  m.cp.Iteration,
	})

	m.emit("report assembled", "")
	return m.transition(StateCompleted)
}

// gatherEvidence retrieves the top chunks per sub-question.
func (m *Machine) gatherEvidence(ctx context.Context) (coverage.Evidence, error) {
	chunks, err := m.deps.Store.ChunksForJob(m.cp.JobID)
	if err != nil {
		return coverage.Evidence{}, err
	}

	hits := make(map[string][]retrieval.Hit, len(m.cp.Plan.SubQuestions))
	for _, sq := range m.cp.Plan.SubQuestions {
		hits[sq.ID] = m.retriever.Retrieve(ctx, sq.Text, chunks, 5)
	}
	return coverage.Evidence{
		HitsPerQuestion: hits,
		SourcesAcquired: m.cp.SourcesAcquired,
		TargetSources:   m.deps.Research.TargetSources,
	}, nil
}

// ====== TRANSITIONS ======

func (m *Machine) transition(to State) error {
	from := m.cp.State
	if !CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	m.cp.State = to
	logging.Job("Job %s: %s -> %s", m.cp.JobID, from, to)
	if err := m.checkpoint(); err != nil {
		return err
	}
	m.emit("state changed", "")
	return nil
}

func (m *Machine) transitionPaused() error {
	m.cp.ResumeState = m.cp.State
	if err := m.transition(StatePaused); err != nil {
		return err
	}
	logging.Job("Job %s paused (will resume at %s)", m.cp.JobID, m.cp.ResumeState)
	return nil
}

func (m *Machine) resume() error {
	to := m.cp.ResumeState
	if to == "" {
		to = StatePending
	}
	m.cp.ResumeState = ""
	m.pauseFlag.Store(false)
	return m.transition(to)
}

func (m *Machine) transitionCancelled() error {
	if m.cp.State.Terminal() {
		return m.finalErr()
	}
	if err := m.transition(StateCancelled); err != nil {
		return err
	}
	return nil
}

func (m *Machine) transitionFailed(cause error) error {
	m.cp.FailedErr = cause.Error()
	if err := m.transition(StateFailed); err != nil {
		return err
	}
	logging.Job("Job %s failed: %v", m.cp.JobID, cause)
	return cause
}

func (m *Machine) finalErr() error {
	if m.cp.State == StateFailed && m.cp.FailedErr != "" {
		return fmt.Errorf("%s", m.cp.FailedErr)
	}
	return nil
}

func (m *Machine) checkpoint() error {
	data, err := m.cp.Marshal()
	if err != nil {
		return err
	}
	return m.deps.Store.SaveJob(&store.JobRecord{
		ID:         m.cp.JobID,
		Prompt:     m.cp.Prompt,
		State:      string(m.cp.State),
		Checkpoint: data,
	})
}

func (m *Machine) emit(step, message string) {
	if m.deps.Emitter == nil {
		return
	}
	ev := progress.Event{
		JobID:         m.cp.JobID,
		State:         string(m.cp.State),
		Step:          step,
		SourcesFound:  m.cp.SourcesAcquired,
		SourcesFailed: m.cp.SourcesFailed,
		TargetSources: m.deps.Research.TargetSources,
		Iteration:     m.cp.Iteration,
		MaxIterations: m.deps.Research.MaxIterations,
		Message:       message,
	}
	if m.cp.Assessment != nil {
		ev.CoverageScore = m.cp.Assessment.Score
		ev.Answered = m.cp.Assessment.Answered()
		ev.TotalQuestions = len(m.cp.Assessment.Verdicts)
	}
	if m.cp.Sufficiency != nil {
		ev.Sufficient = m.cp.Sufficiency.Sufficient
		ev.SufficiencyScore = m.cp.Sufficiency.Score
	}
	ev.GroundingScore = m.cp.GroundingScore
	if m.deps.Policy != nil {
		ev.DomainsWaiting = m.deps.Policy.Waiting()
	}
	m.deps.Emitter.Emit(ev)
}

// ====== HELPERS ======

func citationIndex(sources []store.SourceRecord, cited []report.CitedSource) map[string]int {
	byURL := make(map[string]int, len(cited))
	for _, c := range cited {
		byURL[c.URL] = c.Number
	}
	out := make(map[string]int, len(sources))
	for _, s := range sources {
		if n, ok := byURL[s.URL]; ok {
			out[s.ID] = n
		}
	}
	return out
}

func healthFromSources(sources []store.SourceRecord) acquire.HealthSummary {
	var h acquire.HealthSummary
	for _, s := range sources {
		switch acquire.Outcome(s.Outcome) {
		case acquire.OutcomeSuccess:
			h.Succeeded++
		case acquire.OutcomeBlocked:
			h.Blocked++
		case acquire.OutcomePaywall:
			h.Paywalled++
		case acquire.OutcomeTimeout:
			h.TimedOut++
		case acquire.OutcomeCircuitBroken:
			h.CircuitBroken++
		case acquire.OutcomeUnsupported:
			h.Unsupported++
		default:
			h.Errored++
		}
	}
	return h
}

func mergeLanes(prev, next []engine.LaneReport) []engine.LaneReport {
	merged := make(map[string]engine.LaneReport, len(prev)+len(next))
	for _, l := range prev {
		merged[l.Engine] = l
	}
	for _, l := range next {
		if old, ok := merged[l.Engine]; ok {
			l.Succeeded += old.Succeeded
			l.Failed += old.Failed
			if l.LastError == "" {
				l.LastError = old.LastError
			}
			switch {
			case l.Failed == 0:
				l.Status = engine.StatusHealthy
			case l.Succeeded == 0:
				l.Status = engine.StatusFailed
			default:
				l.Status = engine.StatusDegraded
			}
		}
		merged[l.Engine] = l
	}
	out := make([]engine.LaneReport, 0, len(merged))
	for _, l := range merged {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Engine < out[j].Engine })
	return out
}
