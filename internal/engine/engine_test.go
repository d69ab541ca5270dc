package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/probe-labs/deepresearch/internal/activities"
	"github.com/probe-labs/deepresearch/internal/config"
	"github.com/probe-labs/deepresearch/internal/coordinator"
	"github.com/probe-labs/deepresearch/internal/streaming"
)

type fakeCompleter struct {
	healthy    bool
	err        error
	sufficient func(call int) bool // nil means always sufficient
	reflects   atomic.Int32
}

func (f *fakeCompleter) Healthy() bool { return f.healthy }

func (f *fakeCompleter) Text(_ context.Context, prompt string, _ float64, _ bool) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	switch {
	case strings.Contains(prompt, "Decompose the research question"):
		return `{"tasks": [{"id": "task-1", "description": "survey the field", "info_needed": true, "priority": 1, "task_type": "general", "estimated_cycles": 1}]}`, nil
	case strings.Contains(prompt, "Generate focused web search queries"):
		return `{"queries": ["query one", "query two"]}`, nil
	case strings.Contains(prompt, "Assess whether the collected evidence"):
		call := int(f.reflects.Add(1))
		sufficient := true
		if f.sufficient != nil {
			sufficient = f.sufficient(call)
		}
		return fmt.Sprintf(`{"critique": "more depth", "sufficient": %v}`, sufficient), nil
	default:
		return "# Research Report\n\nSynthesized answer with citations.", nil
	}
}

type fakeSearcher struct {
	healthy bool
	err     error
	calls   atomic.Int32
	sameURL bool
}

func (f *fakeSearcher) Healthy() bool { return f.healthy }

func (f *fakeSearcher) Search(_ context.Context, in activities.SearchInput) (activities.SearchOutput, error) {
	n := f.calls.Add(1)
	if f.err != nil {
		return activities.SearchOutput{}, f.err
	}
	url := fmt.Sprintf("https://example.org/article-%d", n)
	if f.sameURL {
		url = "https://example.org/only-one"
	}
	return activities.SearchOutput{Results: []activities.SearchHit{
		{Title: "Result " + in.Query, URL: url, Snippet: "a finding about " + in.Query},
	}}, nil
}

type fakeScraper struct {
	healthy bool
	err     error
}

func (f *fakeScraper) Healthy() bool { return f.healthy }

func (f *fakeScraper) Scrape(_ context.Context, in activities.ScrapeInput) (activities.ScrapeResult, error) {
	if f.err != nil {
		return activities.ScrapeResult{}, f.err
	}
	return activities.ScrapeResult{
		Success: true,
		Usable:  true,
		Content: strings.Repeat("deep content ", 20),
		Title:   "Scraped " + in.URL,
	}, nil
}

func testConfig() config.EngineConfig {
	cfg := config.Default()
	cfg.SearchBatchTimeout = 2 * time.Second
	cfg.EnhanceBatchTimeout = 2 * time.Second
	cfg.Retry.MaxAttempts = 1
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.AttemptTimeout = time.Second
	return cfg
}

func newTestEngine(t *testing.T, cfg config.EngineConfig, c *fakeCompleter, s *fakeSearcher, sc *fakeScraper) (*Engine, *streaming.Manager) {
	t.Helper()
	stream := streaming.NewManager(64, nil)
	e, err := New(cfg, c, s, sc, stream, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("engine construction failed: %v", err)
	}
	return e, stream
}

func TestRunCompletesWhenReflectionSufficient(t *testing.T) {
	c := &fakeCompleter{healthy: true}
	s := &fakeSearcher{healthy: true}
	e, _ := newTestEngine(t, testConfig(), c, s, &fakeScraper{healthy: true})

	res := e.Run(context.Background(), Request{Query: "what is quantum error correction"})

	if res.Report == "" {
		t.Fatal("run must produce a report")
	}
	if !strings.Contains(res.Report, "Research Report") {
		t.Errorf("expected synthesized report, got %q", res.Report)
	}
	if res.CyclesUsed != 1 {
		t.Errorf("sufficient first reflection should use one cycle, used %d", res.CyclesUsed)
	}
	if res.Forced {
		t.Error("clean completion must not be marked forced")
	}
	if res.Sources == 0 {
		t.Error("expected collected sources")
	}
}

func TestRunStopsAtGlobalCycleCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.MaxGlobalCycles = 3
	cfg.MaxLoopsPerTask = 10
	cfg.FindingsSaturation = 1000

	c := &fakeCompleter{healthy: true, sufficient: func(int) bool { return false }}
	e, _ := newTestEngine(t, cfg, c, &fakeSearcher{healthy: true}, &fakeScraper{healthy: true})

	res := e.Run(context.Background(), Request{Query: "an unanswerable question"})

	if res.Report == "" {
		t.Fatal("forced completion must still produce a report")
	}
	if res.CyclesUsed != cfg.MaxGlobalCycles {
		t.Errorf("expected exactly %d cycles, used %d", cfg.MaxGlobalCycles, res.CyclesUsed)
	}
	if !res.Forced {
		t.Error("ceiling-terminated run must be marked forced")
	}
}

func TestRunSurvivesAllServicesDown(t *testing.T) {
	c := &fakeCompleter{healthy: false, err: errors.New("completion down")}
	s := &fakeSearcher{healthy: false, err: errors.New("search down")}
	sc := &fakeScraper{healthy: false, err: errors.New("scrape down")}
	e, _ := newTestEngine(t, testConfig(), c, s, sc)

	res := e.Run(context.Background(), Request{Query: "resilience under total failure"})

	if res.Report == "" {
		t.Fatal("total service failure must still yield a report")
	}
	if !strings.Contains(res.Report, "No sources were collected") {
		t.Errorf("expected source-list fallback report, got %q", res.Report)
	}
	if !res.Forced {
		t.Error("degraded reflection should mark the run forced")
	}
}

func TestRunDeduplicatesAcrossQueries(t *testing.T) {
	c := &fakeCompleter{healthy: true}
	s := &fakeSearcher{healthy: true, sameURL: true}
	e, _ := newTestEngine(t, testConfig(), c, s, &fakeScraper{healthy: true})

	res := e.Run(context.Background(), Request{Query: "dedup across queries"})

	if res.Sources != 1 {
		t.Errorf("same URL from every query must merge to one source, got %d", res.Sources)
	}
}

func TestRunEmitsOrderedEventStream(t *testing.T) {
	c := &fakeCompleter{healthy: true}
	e, stream := newTestEngine(t, testConfig(), c, &fakeSearcher{healthy: true}, &fakeScraper{healthy: true})

	res := e.Run(context.Background(), Request{WorkflowID: "wf-events", Query: "observable progress"})

	events := stream.ReplaySince("wf-events", 0)
	if len(events) < 4 {
		t.Fatalf("expected a full event trail, got %d events", len(events))
	}
	if events[0].Type != streaming.TypeWorkflowStarted {
		t.Errorf("first event must be workflow_started, got %s", events[0].Type)
	}
	last := events[len(events)-1]
	if last.Type != streaming.TypeWorkflowFinished {
		t.Errorf("last event must be workflow_finished, got %s", last.Type)
	}
	if last.Payload["report"] != res.Report {
		t.Error("terminal event must carry the final report")
	}
	for i := 1; i < len(events); i++ {
		if events[i].Seq <= events[i-1].Seq {
			t.Fatalf("sequence numbers must be strictly increasing: %d then %d",
				events[i-1].Seq, events[i].Seq)
		}
	}
}

func TestRunScenarioBudgetsApply(t *testing.T) {
	cfg := testConfig()
	c := &fakeCompleter{healthy: true, sufficient: func(int) bool { return false }}
	e, _ := newTestEngine(t, cfg, c, &fakeSearcher{healthy: true}, &fakeScraper{healthy: true})

	res := e.Run(context.Background(), Request{Query: "scoped run", Scenario: "simple"})

	// The simple preset caps the run at 4 global cycles.
	if res.CyclesUsed > 4 {
		t.Errorf("simple scenario must cap cycles at 4, used %d", res.CyclesUsed)
	}
}

func TestSetConfigAppliesToNextRun(t *testing.T) {
	cfg := testConfig()
	cfg.MaxLoopsPerTask = 10
	cfg.FindingsSaturation = 1000

	c := &fakeCompleter{healthy: true, sufficient: func(int) bool { return false }}
	e, _ := newTestEngine(t, cfg, c, &fakeSearcher{healthy: true}, &fakeScraper{healthy: true})

	next := cfg
	next.MaxGlobalCycles = 2
	if err := e.SetConfig(next); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	res := e.Run(context.Background(), Request{Query: "tighter budget after reload"})
	if res.CyclesUsed != 2 {
		t.Errorf("reloaded ceiling must bound the next run: used %d cycles, want 2", res.CyclesUsed)
	}
}

func TestSetConfigRejectsInvalidAndKeepsCurrent(t *testing.T) {
	cfg := testConfig()
	c := &fakeCompleter{healthy: true}
	e, _ := newTestEngine(t, cfg, c, &fakeSearcher{healthy: true}, &fakeScraper{healthy: true})

	bad := cfg
	bad.MaxGlobalCycles = 0
	if err := e.SetConfig(bad); err == nil {
		t.Fatal("invalid config must be rejected")
	}

	// The engine keeps running on the last valid config.
	res := e.Run(context.Background(), Request{Query: "still works"})
	if res.Report == "" {
		t.Fatal("run after rejected reload must still produce a report")
	}
}

func TestRunSkipsSearchWhenServiceDown(t *testing.T) {
	c := &fakeCompleter{healthy: true}
	s := &fakeSearcher{healthy: false, err: errors.New("search down")}
	e, _ := newTestEngine(t, testConfig(), c, s, &fakeScraper{healthy: true})

	res := e.Run(context.Background(), Request{Query: "no search available"})

	if got := s.calls.Load(); got != 0 {
		t.Errorf("search fan-out must be skipped when the service is down, got %d calls", got)
	}
	if res.Report == "" {
		t.Fatal("run without search must still produce a report")
	}
	if res.Sources != 0 {
		t.Errorf("expected no sources, got %d", res.Sources)
	}
}

func TestNextTransitions(t *testing.T) {
	cases := []struct {
		from Stage
		out  StageOutcome
		want Stage
	}{
		{StagePlan, StageOutcome{}, StageCoordinate},
		{StageCoordinate, StageOutcome{Decision: coordinator.ContinueTask}, StageQuery},
		{StageCoordinate, StageOutcome{Decision: coordinator.AdvanceTask}, StageQuery},
		{StageCoordinate, StageOutcome{Decision: coordinator.Finalize}, StageFinalize},
		{StageQuery, StageOutcome{}, StageSearch},
		{StageSearch, StageOutcome{Enhance: true}, StageEnhance},
		{StageSearch, StageOutcome{Enhance: false}, StageReflect},
		{StageEnhance, StageOutcome{}, StageReflect},
		{StageReflect, StageOutcome{}, StageCoordinate},
		{StageFinalize, StageOutcome{}, StageDone},
	}
	for _, tc := range cases {
		if got := Next(tc.from, tc.out); got != tc.want {
			t.Errorf("Next(%s, %+v) = %s, want %s", tc.from, tc.out, got, tc.want)
		}
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.MaxGlobalCycles = 0
	_, err := New(cfg, &fakeCompleter{healthy: true}, &fakeSearcher{healthy: true},
		&fakeScraper{healthy: true}, streaming.NewManager(8, nil), zaptest.NewLogger(t))
	if err == nil {
		t.Fatal("invalid config must fail engine construction")
	}
}
