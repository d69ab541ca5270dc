package streaming

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisMirror tees workflow events into a Redis Stream per workflow so
// external consumers can tail them. Mirroring is fire-and-forget
// observability: failures are logged, never surfaced to the engine, and the
// in-memory manager stays the source of truth.
type RedisMirror struct {
	client *redis.Client
	maxLen int64
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisMirror connects to redisURL (redis:// form). Returns nil when the
// URL is empty, so callers can wire it unconditionally.
func NewRedisMirror(redisURL string, logger *zap.Logger) *RedisMirror {
	if redisURL == "" {
		return nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("Invalid Redis URL, event mirroring disabled", zap.Error(err))
		return nil
	}
	return &RedisMirror{
		client: redis.NewClient(opts),
		maxLen: 1024,
		ttl:    time.Hour,
		logger: logger,
	}
}

func streamKey(workflowID string) string {
	return fmt.Sprintf("deepresearch:events:%s", workflowID)
}

// Publish appends the event to the workflow's stream, trimming to maxLen.
func (rm *RedisMirror) Publish(evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := streamKey(evt.WorkflowID)
	err := rm.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: rm.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"seq":   evt.Seq,
			"type":  evt.Type,
			"stage": evt.Stage,
			"data":  string(evt.Marshal()),
		},
	}).Err()
	if err != nil {
		rm.logger.Debug("Event mirror publish failed",
			zap.String("workflow_id", evt.WorkflowID),
			zap.Error(err),
		)
		return
	}
	rm.client.Expire(ctx, key, rm.ttl)
}

// Close releases the Redis connection. Safe on a nil mirror.
func (rm *RedisMirror) Close() error {
	if rm == nil {
		return nil
	}
	return rm.client.Close()
}
