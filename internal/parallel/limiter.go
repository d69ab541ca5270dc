package parallel

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/probe-labs/deepresearch/internal/metrics"
	"github.com/probe-labs/deepresearch/internal/retry"
)

// ErrBatchTimeout marks items that were still pending when the batch
// deadline fired. They are recorded as failed outcomes, not retried.
var ErrBatchTimeout = errors.New("batch timeout")

// Options configures a batch run.
type Options struct {
	Name         string        // batch label for logs and metrics
	Concurrency  int           // max concurrent workers
	BatchTimeout time.Duration // deadline for the whole batch; 0 expires immediately
	Retry        retry.Config  // per-item retry policy
	Stats        *retry.Stats  // shared call counters; may be nil
}

type indexed[R any] struct {
	i   int
	out retry.Outcome[R]
}

// RunBatch executes worker for every item under a fixed concurrency ceiling.
// Each worker is wrapped by the retry executor. The returned slice is
// index-aligned with items regardless of completion order. A single worker's
// failure never cancels its siblings, and the batch deadline cancels only
// the still-pending workers of this batch, never the surrounding workflow.
// Results arriving after the deadline are discarded, so abandoned attempts
// never leak partial state to the caller.
func RunBatch[I, R any](
	ctx context.Context,
	items []I,
	worker func(ctx context.Context, item I) (R, error),
	opts Options,
	logger *zap.Logger,
) []retry.Outcome[R] {
	outcomes := make([]retry.Outcome[R], len(items))
	if len(items) == 0 {
		return outcomes
	}
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	bctx, cancel := context.WithTimeout(ctx, opts.BatchTimeout)
	defer cancel()

	ex := retry.NewExecutor(opts.Name, opts.Retry, opts.Stats, logger)

	sem := make(chan struct{}, concurrency)
	// Buffered to len(items) so late workers never block or leak.
	results := make(chan indexed[R], len(items))
	start := time.Now()

	for i := range items {
		go func(i int) {
			select {
			case sem <- struct{}{}:
			case <-bctx.Done():
				// Never admitted; recorded as a batch-timeout failure below.
				return
			}
			defer func() { <-sem }()

			out := retry.Execute(bctx, ex, func(ctx context.Context) (R, error) {
				return worker(ctx, items[i])
			})
			results <- indexed[R]{i: i, out: out}
		}(i)
	}

	finished := make([]bool, len(items))
	received := 0
collect:
	for received < len(items) {
		select {
		case r := <-results:
			outcomes[r.i] = r.out
			finished[r.i] = true
			received++
		case <-bctx.Done():
			break collect
		}
	}
	// Drain whatever completed concurrently with the deadline firing.
	for {
		select {
		case r := <-results:
			if !finished[r.i] {
				outcomes[r.i] = r.out
				finished[r.i] = true
			}
		default:
			goto done
		}
	}
done:

	timedOut := 0
	for i := range outcomes {
		if finished[i] {
			status := "ok"
			if !outcomes[i].Success {
				status = "failed"
			}
			metrics.BatchItems.WithLabelValues(opts.Name, status).Inc()
			continue
		}
		outcomes[i] = retry.Outcome[R]{
			Success: false,
			Err:     ErrBatchTimeout,
			Elapsed: time.Since(start),
		}
		metrics.BatchItems.WithLabelValues(opts.Name, "timeout").Inc()
		timedOut++
	}
	if timedOut > 0 {
		metrics.BatchTimeouts.WithLabelValues(opts.Name).Inc()
		logger.Warn("Batch deadline reached with pending items",
			zap.String("batch", opts.Name),
			zap.Int("timed_out", timedOut),
			zap.Int("total", len(items)),
			zap.Duration("deadline", opts.BatchTimeout),
		)
	}
	return outcomes
}
