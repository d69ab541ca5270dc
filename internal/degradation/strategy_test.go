package degradation

import (
	"testing"

	"go.uber.org/zap/zaptest"
)

type health bool

func (h health) Healthy() bool { return bool(h) }

func TestCurrentLevel(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cases := []struct {
		completion, search, scrape bool
		want                       Level
	}{
		{true, true, true, LevelNone},
		{true, true, false, LevelMinor},
		{false, true, false, LevelModerate},
		{false, false, false, LevelSevere},
	}
	for _, tc := range cases {
		s := NewStrategy(health(tc.completion), health(tc.search), health(tc.scrape), logger)
		if got := s.CurrentLevel(); got != tc.want {
			t.Errorf("health (%v,%v,%v): got %s want %s",
				tc.completion, tc.search, tc.scrape, got, tc.want)
		}
	}
}

func TestBehaviorForCompletionOps(t *testing.T) {
	logger := zaptest.NewLogger(t)
	down := NewStrategy(health(false), health(true), health(true), logger)
	for _, op := range []string{"plan", "generate_queries", "reflect", "compose_report"} {
		if b := down.BehaviorFor(op); b != BehaviorFallback {
			t.Errorf("%s with completion down: got %s want fallback", op, b)
		}
	}
	up := NewStrategy(health(true), health(true), health(true), logger)
	if b := up.BehaviorFor("plan"); b != BehaviorProceed {
		t.Errorf("plan with healthy services: got %s", b)
	}
}

func TestBehaviorForEnhanceSkipsWhenDegraded(t *testing.T) {
	logger := zaptest.NewLogger(t)

	scrapeDown := NewStrategy(health(true), health(true), health(false), logger)
	if b := scrapeDown.BehaviorFor("enhance"); b != BehaviorSkip {
		t.Errorf("enhance with scrape down: got %s want skip", b)
	}

	// Scrape is up but two other services are down: moderate level, still skip.
	moderate := NewStrategy(health(false), health(false), health(true), logger)
	if b := moderate.BehaviorFor("enhance"); b != BehaviorSkip {
		t.Errorf("enhance at moderate degradation: got %s want skip", b)
	}
}

func TestBehaviorForUnknownOperationProceeds(t *testing.T) {
	s := NewStrategy(health(false), health(false), health(false), zaptest.NewLogger(t))
	if b := s.BehaviorFor("something_else"); b != BehaviorProceed {
		t.Errorf("unknown op: got %s want proceed", b)
	}
}
