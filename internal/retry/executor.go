package retry

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/probe-labs/deepresearch/internal/metrics"
)

// Config controls a single Execute call.
type Config struct {
	MaxAttempts    int           // total attempts, including the first
	BaseDelay      time.Duration // backoff is BaseDelay * 2^attempt
	AttemptTimeout time.Duration // per-attempt deadline; 0 means no per-attempt limit
}

// DefaultConfig matches the pacing used for backing-service calls.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		AttemptTimeout: 15 * time.Second,
	}
}

// Stats aggregates call counters across executors. Safe for concurrent use.
type Stats struct {
	total     atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	TotalCalls      int64 `json:"total_calls"`
	SuccessfulCalls int64 `json:"successful_calls"`
	FailedCalls     int64 `json:"failed_calls"`
	RetryCalls      int64 `json:"retry_calls"`
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		TotalCalls:      s.total.Load(),
		SuccessfulCalls: s.succeeded.Load(),
		FailedCalls:     s.failed.Load(),
		RetryCalls:      s.retried.Load(),
	}
}

// Outcome is the immutable result record of an Execute call. Success implies
// Value is set; failure implies Err is set. Execute never panics and never
// returns a partially filled record.
type Outcome[T any] struct {
	Success  bool
	Value    T
	Err      error
	Attempts int
	Elapsed  time.Duration
}

// Executor wraps operations with timeout, exponential backoff, and bounded
// retries, feeding shared call statistics.
type Executor struct {
	name   string
	cfg    Config
	stats  *Stats
	logger *zap.Logger
}

// NewExecutor creates an executor. A nil stats pointer gets a private one.
func NewExecutor(name string, cfg Config, stats *Stats, logger *zap.Logger) *Executor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if stats == nil {
		stats = &Stats{}
	}
	return &Executor{name: name, cfg: cfg, stats: stats, logger: logger}
}

func (e *Executor) Stats() Snapshot { return e.stats.Snapshot() }

// Execute runs op under the executor's retry policy. All failure is reported
// through the outcome; the last underlying error is retained. A cancelled
// context stops retrying immediately, so abandoned attempts from an expired
// batch never delay the caller.
func Execute[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error)) Outcome[T] {
	start := time.Now()
	e.stats.total.Add(1)
	metrics.RetryExecutions.WithLabelValues(e.name).Inc()

	var lastErr error
	attempts := 0
	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		attempts++
		if attempt > 0 {
			e.stats.retried.Add(1)
			metrics.RetryAttempts.WithLabelValues(e.name).Inc()
		}

		value, err := runAttempt(ctx, e.cfg.AttemptTimeout, op)
		if err == nil {
			e.stats.succeeded.Add(1)
			return Outcome[T]{
				Success:  true,
				Value:    value,
				Attempts: attempts,
				Elapsed:  time.Since(start),
			}
		}
		lastErr = err
		e.logger.Debug("Attempt failed",
			zap.String("operation", e.name),
			zap.Int("attempt", attempts),
			zap.Error(err),
		)

		if attempt == e.cfg.MaxAttempts-1 {
			break
		}
		if !sleep(ctx, e.cfg.BaseDelay*(1<<uint(attempt))) {
			lastErr = ctx.Err()
			break
		}
	}

	e.stats.failed.Add(1)
	var zero T
	return Outcome[T]{
		Success:  false,
		Value:    zero,
		Err:      fmt.Errorf("%s failed after %d attempts: %w", e.name, attempts, lastErr),
		Attempts: attempts,
		Elapsed:  time.Since(start),
	}
}

// runAttempt executes one attempt under its own deadline, recovering panics
// into errors so a misbehaving operation cannot take down the workflow.
func runAttempt[T any](ctx context.Context, timeout time.Duration, op func(ctx context.Context) (T, error)) (value T, err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()
	return op(ctx)
}

// sleep waits for d or until ctx is done; reports whether the full delay
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
