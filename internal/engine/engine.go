package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/probe-labs/deepresearch/internal/activities"
	"github.com/probe-labs/deepresearch/internal/config"
	"github.com/probe-labs/deepresearch/internal/coordinator"
	"github.com/probe-labs/deepresearch/internal/degradation"
	"github.com/probe-labs/deepresearch/internal/enhancer"
	"github.com/probe-labs/deepresearch/internal/metrics"
	"github.com/probe-labs/deepresearch/internal/parallel"
	"github.com/probe-labs/deepresearch/internal/planner"
	"github.com/probe-labs/deepresearch/internal/retry"
	"github.com/probe-labs/deepresearch/internal/sources"
	"github.com/probe-labs/deepresearch/internal/state"
	"github.com/probe-labs/deepresearch/internal/streaming"
	"github.com/probe-labs/deepresearch/internal/tracing"
)

// Searcher is the slice of the search client the engine needs.
type Searcher interface {
	Search(ctx context.Context, in activities.SearchInput) (activities.SearchOutput, error)
	Healthy() bool
}

// Request describes one research run. A missing WorkflowID is assigned;
// Scenario selects a cycle-budget preset and may be empty.
type Request struct {
	WorkflowID string `json:"workflow_id,omitempty"`
	Query      string `json:"query"`
	Scenario   string `json:"scenario,omitempty"`
}

// Result is the terminal record of a run. Every run produces one; there is
// no error return because every external failure has a documented fallback.
type Result struct {
	WorkflowID     string        `json:"workflow_id"`
	Report         string        `json:"report"`
	CyclesUsed     int           `json:"cycles_used"`
	TasksCompleted []string      `json:"tasks_completed"`
	Sources        int           `json:"sources"`
	Forced         bool          `json:"forced"`
	Duration       time.Duration `json:"duration"`
}

// Engine drives the research workflow as an explicit stage machine. The
// engine owns the WorkflowState; planner, coordinator, and activities receive
// it (or slices of it) and return updates the engine merges. Once constructed
// with a valid config, a run always terminates with a report.
type Engine struct {
	// cfg and selector are swapped together on hot-reload; in-flight runs
	// keep the snapshot they started with.
	mu       sync.RWMutex
	cfg      config.EngineConfig
	selector *sources.Selector

	planner  *planner.Planner
	complete activities.TextCompleter
	search   Searcher
	scraper  enhancer.Scraper
	degrade  *degradation.Strategy
	stream   *streaming.Manager
	stats    *retry.Stats
	logger   *zap.Logger
}

// New validates cfg and wires the engine. Config validation is the only
// fail-fast path in the package.
func New(
	cfg config.EngineConfig,
	complete activities.TextCompleter,
	search Searcher,
	scraper enhancer.Scraper,
	stream *streaming.Manager,
	logger *zap.Logger,
) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	return &Engine{
		cfg:      cfg,
		planner:  planner.New(complete, logger),
		complete: complete,
		search:   search,
		scraper:  scraper,
		selector: sources.NewSelector(cfg.ExcludedDomains, cfg.PriorityDomains, logger),
		degrade:  degradation.NewStrategy(complete, search, scraper, logger),
		stream:   stream,
		stats:    &retry.Stats{},
		logger:   logger,
	}, nil
}

// Stats returns the aggregated external-call counters.
func (e *Engine) Stats() retry.Snapshot { return e.stats.Snapshot() }

// SetConfig swaps the configuration used by subsequent runs; in-flight runs
// keep the config they started with. Invalid configs are rejected, keeping
// the last valid one, so a bad reload never degrades the engine.
func (e *Engine) SetConfig(cfg config.EngineConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("engine config: %w", err)
	}
	selector := sources.NewSelector(cfg.ExcludedDomains, cfg.PriorityDomains, e.logger)
	e.mu.Lock()
	e.cfg = cfg
	e.selector = selector
	e.mu.Unlock()
	e.logger.Info("Engine configuration updated",
		zap.Int("max_global_cycles", cfg.MaxGlobalCycles),
		zap.Int("max_loops_per_task", cfg.MaxLoopsPerTask),
	)
	return nil
}

func (e *Engine) snapshot() (config.EngineConfig, *sources.Selector) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg, e.selector
}

// run carries the per-run wiring built from the scenario-adjusted config.
type run struct {
	cfg      config.EngineConfig
	scenario string
	s        *state.WorkflowState
	coord    *coordinator.Coordinator
	enhance  *enhancer.Enhancer

	queries  []string
	strategy coordinator.Strategy
	forced   bool
}

// Run executes the workflow to completion. It returns when the final report
// is composed or ctx is cancelled; cancellation still yields a fallback
// report over whatever was collected.
func (e *Engine) Run(ctx context.Context, req Request) Result {
	if req.WorkflowID == "" {
		req.WorkflowID = uuid.NewString()
	}
	scenario := req.Scenario
	if scenario == "" {
		scenario = "default"
	}
	base, selector := e.snapshot()
	cfg := base.ForScenario(req.Scenario)

	r := &run{
		cfg:      cfg,
		scenario: scenario,
		s:        state.NewWorkflowState(req.WorkflowID, req.Query),
		coord:    coordinator.New(cfg.MaxLoopsPerTask, cfg.FindingsSaturation, e.logger),
		enhance: enhancer.New(e.scraper, selector, enhancer.Config{
			MaxSources:        cfg.MaxSourcesToEnhance,
			Concurrency:       cfg.EnhanceConcurrency,
			ScrapeTimeout:     cfg.ScrapeTimeout,
			BatchTimeout:      cfg.EnhanceBatchTimeout,
			FindingsThreshold: cfg.FindingsThreshold,
			QualityThreshold:  cfg.QualityThreshold,
			RetryAttempts:     cfg.Retry.MaxAttempts,
			RetryBaseDelay:    cfg.Retry.BaseDelay,
		}, e.stats, e.logger),
	}

	metrics.WorkflowsStarted.WithLabelValues(scenario).Inc()
	e.logger.Info("Workflow started",
		zap.String("workflow_id", req.WorkflowID),
		zap.String("scenario", scenario),
		zap.String("query", req.Query),
	)
	e.stream.Publish(streaming.Event{
		WorkflowID: req.WorkflowID,
		Type:       streaming.TypeWorkflowStarted,
		Message:    req.Query,
		Payload: map[string]any{
			"scenario":          scenario,
			"max_global_cycles": cfg.MaxGlobalCycles,
		},
	})

	// Upper bound on stage-machine steps. Every Coordinate visit either
	// finalizes or leads through Reflect, which cannot repeat more than
	// MaxGlobalCycles times before the ceiling forces sufficiency; the guard
	// only matters if a transition bug breaks that argument.
	maxSteps := 6 * (cfg.MaxGlobalCycles + 2)

	stage := StagePlan
	for step := 0; stage != StageDone; step++ {
		if step > maxSteps {
			e.logger.Error("Stage budget exhausted, forcing finalize",
				zap.String("workflow_id", req.WorkflowID),
				zap.String("stage", string(stage)),
				zap.Int("steps", step),
			)
			metrics.ForcedCompletions.WithLabelValues("stage_budget").Inc()
			r.forced = true
			stage = StageFinalize
		}
		metrics.StageTransitions.WithLabelValues(string(stage)).Inc()

		switch stage {
		case StagePlan:
			stage = e.runPlan(ctx, r)
		case StageCoordinate:
			stage = e.runCoordinate(ctx, r)
		case StageQuery:
			stage = e.runQuery(ctx, r)
		case StageSearch:
			stage = e.runSearch(ctx, r)
		case StageEnhance:
			stage = e.runEnhance(ctx, r)
		case StageReflect:
			stage = e.runReflect(ctx, r)
		case StageFinalize:
			stage = e.runFinalize(ctx, r)
		default:
			stage = StageDone
		}
	}

	res := Result{
		WorkflowID:     req.WorkflowID,
		Report:         r.s.FinalReport,
		CyclesUsed:     r.s.Cycles.CycleCount,
		TasksCompleted: r.s.CompletedTasks,
		Sources:        len(r.s.Results),
		Forced:         r.forced,
		Duration:       time.Since(r.s.StartedAt),
	}
	metrics.WorkflowDuration.WithLabelValues(scenario).Observe(res.Duration.Seconds())
	metrics.WorkflowCycles.Observe(float64(res.CyclesUsed))
	e.logger.Info("Workflow finished",
		zap.String("workflow_id", res.WorkflowID),
		zap.Int("cycles_used", res.CyclesUsed),
		zap.Int("sources", res.Sources),
		zap.Bool("forced", res.Forced),
		zap.Duration("duration", res.Duration),
	)
	return res
}

func (e *Engine) runPlan(ctx context.Context, r *run) Stage {
	ctx, span := tracing.StartStageSpan(ctx, string(StagePlan), r.s.WorkflowID)
	defer span.End()

	if e.degrade.BehaviorFor("plan") == degradation.BehaviorFallback {
		e.degrade.Record(e.degrade.CurrentLevel(), "plan_fallback")
		r.s.Plan = planner.Fallback(r.s.Query)
	} else {
		r.s.Plan = e.planner.Plan(ctx, r.s.Query)
	}

	taskIDs := make([]string, len(r.s.Plan.Tasks))
	for i, t := range r.s.Plan.Tasks {
		taskIDs[i] = t.ID
	}
	e.publishStage(r, StagePlan, "", map[string]any{
		"tasks": taskIDs,
	})
	return Next(StagePlan, StageOutcome{})
}

func (e *Engine) runCoordinate(ctx context.Context, r *run) Stage {
	_, span := tracing.StartStageSpan(ctx, string(StageCoordinate), r.s.WorkflowID)
	defer span.End()

	out := r.coord.Coordinate(r.s)
	r.strategy = out.Strategy

	e.publishStage(r, StageCoordinate, out.TaskID, map[string]any{
		"decision": string(out.Decision),
		"strategy": string(out.Strategy),
		"reason":   out.Reason,
	})
	if out.Decision == coordinator.AdvanceTask {
		e.stream.Publish(streaming.Event{
			WorkflowID: r.s.WorkflowID,
			Type:       streaming.TypeTaskAdvanced,
			TaskID:     out.TaskID,
			Message:    out.Reason,
			Payload: map[string]any{
				"completed_tasks": len(r.s.CompletedTasks),
			},
		})
	}
	return Next(StageCoordinate, StageOutcome{Decision: out.Decision})
}

func (e *Engine) runQuery(ctx context.Context, r *run) Stage {
	ctx, span := tracing.StartStageSpan(ctx, string(StageQuery), r.s.WorkflowID)
	defer span.End()

	// Entering query generation starts a new cycle.
	r.s.Cycles.CycleCount++
	r.s.Cycles.TaskLoopCount++

	task := r.s.Plan.Current()
	if task == nil {
		// Coordinate only routes here with a live task; treat the impossible
		// as an empty cycle rather than a crash.
		r.queries = nil
		return Next(StageQuery, StageOutcome{})
	}

	in := activities.QueryGenerationInput{
		UserQuery:   r.s.Query,
		TaskID:      task.ID,
		Description: task.Description,
		SourceHint:  task.SourceHint,
		Critique:    r.s.LastCritique,
		MaxQueries:  r.cfg.QueriesPerCycle,
	}
	if e.degrade.BehaviorFor("generate_queries") == degradation.BehaviorFallback {
		e.degrade.Record(e.degrade.CurrentLevel(), "query_fallback")
		r.queries = activities.FallbackQueries(task.Description, r.cfg.QueriesPerCycle)
	} else {
		r.queries = activities.GenerateQueries(ctx, e.complete, in, e.logger)
	}

	e.publishStage(r, StageQuery, task.ID, map[string]any{
		"cycle":    r.s.Cycles.CycleCount,
		"strategy": string(r.strategy),
		"queries":  r.queries,
	})
	return Next(StageQuery, StageOutcome{})
}

func (e *Engine) runSearch(ctx context.Context, r *run) Stage {
	ctx, span := tracing.StartStageSpan(ctx, string(StageSearch), r.s.WorkflowID)
	defer span.End()

	taskID := ""
	if task := r.s.Plan.Current(); task != nil {
		taskID = task.ID
	}

	added := 0
	searchable := len(r.queries) > 0
	if searchable && e.degrade.BehaviorFor("search") != degradation.BehaviorProceed {
		// An unavailable search service yields an empty cycle, not an abort;
		// reflection and the cycle ceilings still drive the run forward.
		e.degrade.Record(e.degrade.CurrentLevel(), "search_skipped")
		searchable = false
	}
	if searchable {
		outcomes := parallel.RunBatch(ctx, r.queries, func(ctx context.Context, query string) (activities.SearchOutput, error) {
			return e.search.Search(ctx, activities.SearchInput{
				Query:      query,
				MaxResults: r.cfg.ResultsPerQuery,
			})
		}, parallel.Options{
			Name:         "search",
			Concurrency:  r.cfg.SearchConcurrency,
			BatchTimeout: r.cfg.SearchBatchTimeout,
			Retry: retry.Config{
				MaxAttempts:    r.cfg.Retry.MaxAttempts,
				BaseDelay:      r.cfg.Retry.BaseDelay,
				AttemptTimeout: r.cfg.Retry.AttemptTimeout,
			},
			Stats: e.stats,
		}, e.logger)

		for i, out := range outcomes {
			if !out.Success {
				// A failed query contributes nothing; siblings already ran.
				e.logger.Warn("Search query failed",
					zap.String("query", r.queries[i]),
					zap.Error(out.Err),
				)
				continue
			}
			results := make([]state.SearchResult, 0, len(out.Value.Results))
			for _, hit := range out.Value.Results {
				results = append(results, state.SearchResult{
					Title:   hit.Title,
					URL:     hit.URL,
					Snippet: hit.Snippet,
				})
			}
			added += r.s.MergeResults(taskID, results)
		}
	}

	doEnhance := false
	reason := "enhancement disabled by degradation"
	if e.degrade.BehaviorFor("enhance") == degradation.BehaviorProceed {
		doEnhance, reason = r.enhance.ShouldEnhance(r.s)
	} else {
		e.degrade.Record(e.degrade.CurrentLevel(), "enhance_skipped")
	}

	e.publishStage(r, StageSearch, taskID, map[string]any{
		"cycle":          r.s.Cycles.CycleCount,
		"added":          added,
		"total_results":  len(r.s.Results),
		"enhance":        doEnhance,
		"enhance_reason": reason,
	})
	return Next(StageSearch, StageOutcome{Enhance: doEnhance})
}

func (e *Engine) runEnhance(ctx context.Context, r *run) Stage {
	ctx, span := tracing.StartStageSpan(ctx, string(StageEnhance), r.s.WorkflowID)
	defer span.End()

	taskID := ""
	if task := r.s.Plan.Current(); task != nil {
		taskID = task.ID
	}

	enhanced := r.enhance.Enhance(ctx, r.s)
	for _, er := range enhanced {
		r.s.MergeEnhanced(er)
	}

	e.publishStage(r, StageEnhance, taskID, map[string]any{
		"cycle":          r.s.Cycles.CycleCount,
		"enhanced":       len(enhanced),
		"total_enhanced": len(r.s.Enhanced),
	})
	return Next(StageEnhance, StageOutcome{})
}

func (e *Engine) runReflect(ctx context.Context, r *run) Stage {
	ctx, span := tracing.StartStageSpan(ctx, string(StageReflect), r.s.WorkflowID)
	defer span.End()

	task := r.s.Plan.Current()
	taskID, desc := "", r.s.Query
	if task != nil {
		taskID, desc = task.ID, task.Description
	}

	var refl state.Reflection
	switch {
	case r.s.Cycles.CycleCount >= r.cfg.MaxGlobalCycles:
		// The hard ceiling always yields sufficiency, never an error.
		refl = state.Reflection{
			Critique:   "cycle ceiling reached; finalizing with collected evidence",
			Sufficient: true,
			Forced:     true,
		}
		metrics.ForcedCompletions.WithLabelValues("global_cycle_ceiling").Inc()
		e.stream.Publish(streaming.Event{
			WorkflowID: r.s.WorkflowID,
			Type:       streaming.TypeForcedCompletion,
			Stage:      string(StageReflect),
			TaskID:     taskID,
			Message:    "global cycle ceiling reached",
			Payload: map[string]any{
				"cycle":   r.s.Cycles.CycleCount,
				"ceiling": r.cfg.MaxGlobalCycles,
			},
		})
		e.logger.Warn("Forced completion at global cycle ceiling",
			zap.String("workflow_id", r.s.WorkflowID),
			zap.Int("cycle", r.s.Cycles.CycleCount),
		)

	case e.degrade.BehaviorFor("reflect") == degradation.BehaviorFallback:
		e.degrade.Record(e.degrade.CurrentLevel(), "reflect_fallback")
		refl = state.Reflection{
			Critique:   "reflection unavailable; proceeding with collected evidence",
			Sufficient: true,
			Forced:     true,
		}

	default:
		refl = activities.Reflect(ctx, e.complete, activities.ReflectionInput{
			UserQuery:   r.s.Query,
			Description: desc,
			Summaries:   evidenceSummaries(r.s, 10),
			CycleCount:  r.s.Cycles.CycleCount,
		}, e.logger)
	}

	r.s.LastCritique = refl.Critique
	r.s.IsComplete = refl.Sufficient
	if refl.Forced {
		r.forced = true
	}

	e.publishStage(r, StageReflect, taskID, map[string]any{
		"cycle":      r.s.Cycles.CycleCount,
		"sufficient": refl.Sufficient,
		"forced":     refl.Forced,
		"critique":   refl.Critique,
	})
	return Next(StageReflect, StageOutcome{})
}

func (e *Engine) runFinalize(ctx context.Context, r *run) Stage {
	ctx, span := tracing.StartStageSpan(ctx, string(StageFinalize), r.s.WorkflowID)
	defer span.End()

	findings, srcs := collectEvidence(r.s)
	in := activities.ReportInput{
		UserQuery: r.s.Query,
		Findings:  findings,
		Sources:   srcs,
	}

	status := "ok"
	var report string
	if e.degrade.BehaviorFor("compose_report") == degradation.BehaviorFallback {
		e.degrade.Record(e.degrade.CurrentLevel(), "report_fallback")
		report = activities.FallbackReport(in)
		status = "fallback_report"
	} else {
		composed, err := activities.ComposeReport(ctx, e.complete, in, e.logger)
		if err != nil {
			e.logger.Warn("Report synthesis failed, using fallback report", zap.Error(err))
			report = activities.FallbackReport(in)
			status = "fallback_report"
		} else {
			report = composed
		}
	}
	r.s.FinalReport = report
	metrics.WorkflowsCompleted.WithLabelValues(r.scenario, status).Inc()

	e.stream.Publish(streaming.Event{
		WorkflowID: r.s.WorkflowID,
		Type:       streaming.TypeWorkflowFinished,
		Stage:      string(StageFinalize),
		Message:    status,
		Payload: map[string]any{
			"report":          report,
			"cycles_used":     r.s.Cycles.CycleCount,
			"tasks_completed": r.s.CompletedTasks,
			"sources":         len(r.s.Results),
			"forced":          r.forced,
		},
	})
	return Next(StageFinalize, StageOutcome{})
}

func (e *Engine) publishStage(r *run, stage Stage, taskID string, payload map[string]any) {
	e.stream.Publish(streaming.Event{
		WorkflowID: r.s.WorkflowID,
		Type:       streaming.TypeStageCompleted,
		Stage:      string(stage),
		TaskID:     taskID,
		Payload:    payload,
	})
}

// evidenceSummaries returns up to max one-line summaries of the newest
// results, preferring enhanced content where available.
func evidenceSummaries(s *state.WorkflowState, max int) []string {
	results := s.Results
	if len(results) > max {
		results = results[len(results)-max:]
	}
	out := make([]string, 0, len(results))
	for _, r := range results {
		body := r.Snippet
		if er, ok := s.Enhanced[r.URL]; ok {
			body = er.EnhancedContent
		}
		out = append(out, summarize(r.Title, body, 280))
	}
	return out
}

// collectEvidence flattens the accumulated state into report inputs.
func collectEvidence(s *state.WorkflowState) (findings, srcs []string) {
	findings = make([]string, 0, len(s.Results))
	srcs = make([]string, 0, len(s.Results))
	for _, r := range s.Results {
		body := r.Snippet
		if er, ok := s.Enhanced[r.URL]; ok {
			body = er.EnhancedContent
		}
		findings = append(findings, summarize(r.Title, body, 500))
		srcs = append(srcs, r.URL)
	}
	return findings, srcs
}

func summarize(title, body string, maxLen int) string {
	var out string
	switch {
	case title != "" && body != "":
		out = title + ": " + body
	case title != "":
		out = title
	default:
		out = body
	}
	if len(out) > maxLen {
		out = out[:maxLen]
	}
	return out
}
