package degradation

import (
	"time"

	"go.uber.org/zap"

	"github.com/probe-labs/deepresearch/internal/metrics"
)

// Level represents the severity of degradation
type Level int

const (
	LevelNone     Level = iota
	LevelMinor          // single backing service failing
	LevelModerate       // two backing services failing
	LevelSevere         // everything failing
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelMinor:
		return "minor"
	case LevelModerate:
		return "moderate"
	case LevelSevere:
		return "severe"
	default:
		return "unknown"
	}
}

// Behavior defines how to handle an operation when degraded
type Behavior int

const (
	BehaviorProceed  Behavior = iota // continue with warnings
	BehaviorFallback                 // use the operation's documented fallback
	BehaviorSkip                     // skip the non-essential operation
)

func (b Behavior) String() string {
	switch b {
	case BehaviorProceed:
		return "proceed"
	case BehaviorFallback:
		return "fallback"
	case BehaviorSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// ServiceHealth reports whether a backing service currently admits calls.
type ServiceHealth interface {
	Healthy() bool
}

// Strategy maps backing-service health to a degradation level and to
// per-operation behavior. The engine consults it when choosing between a
// live call and the operation's fallback; nothing here ever aborts a run.
type Strategy struct {
	completion ServiceHealth
	search     ServiceHealth
	scrape     ServiceHealth
	logger     *zap.Logger
}

func NewStrategy(completion, search, scrape ServiceHealth, logger *zap.Logger) *Strategy {
	return &Strategy{completion: completion, search: search, scrape: scrape, logger: logger}
}

// CurrentLevel derives the degradation level from how many backing services
// are rejecting calls.
func (s *Strategy) CurrentLevel() Level {
	failed := 0
	if !s.completion.Healthy() {
		failed++
	}
	if !s.search.Healthy() {
		failed++
	}
	if !s.scrape.Healthy() {
		failed++
	}

	var level Level
	switch failed {
	case 0:
		level = LevelNone
	case 1:
		level = LevelMinor
	case 2:
		level = LevelModerate
	default:
		level = LevelSevere
	}
	metrics.DegradationLevel.Set(float64(level))
	return level
}

// BehaviorFor returns the behavior for a named operation given current
// health. Unknown operations proceed conservatively.
func (s *Strategy) BehaviorFor(operation string) Behavior {
	switch operation {
	case "plan", "generate_queries", "reflect", "compose_report":
		if !s.completion.Healthy() {
			return BehaviorFallback
		}
		return BehaviorProceed

	case "search":
		if !s.search.Healthy() {
			// Empty results are an acceptable input to later stages.
			return BehaviorFallback
		}
		return BehaviorProceed

	case "enhance":
		if !s.scrape.Healthy() || s.CurrentLevel() >= LevelModerate {
			return BehaviorSkip
		}
		return BehaviorProceed

	default:
		return BehaviorProceed
	}
}

// Record logs and counts a degradation event.
func (s *Strategy) Record(level Level, reason string) {
	s.logger.Info("Degradation event recorded",
		zap.String("level", level.String()),
		zap.String("reason", reason),
		zap.Time("timestamp", time.Now()),
	)
	metrics.DegradationEvents.WithLabelValues(level.String(), reason).Inc()
}
