// Package analytics keeps per-trigger activation counters in Redis. Each
// activation increments a time-bucketed counter keyed by trigger and
// operation; dashboards read the buckets directly. Recording is best
// effort and never affects engine correctness.
package analytics

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opengine-io/opengine/internal/domain"
)

type Config struct {
	// Window is the counter bucket width: 1m, 5m or 1h.
	Window time.Duration
	// Retention is how long counters live in Redis.
	Retention time.Duration
}

type RedisSink struct {
	client *redis.Client
	config Config
}

func NewRedisSink(client *redis.Client, config Config) *RedisSink {
	return &RedisSink{client: client, config: config}
}

// Record increments the activation counter for the activation's bucket.
// Errors are logged, never propagated.
func (s *RedisSink) Record(ctx context.Context, act domain.Activation) {
	key := buildKey(act.TriggerID.String(), act.OperationID.String(), act.ScheduledAt, s.config.Window)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.config.Retention)

	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("analytics: record activation=%s: %v", act.ID, err)
	}
}

func buildKey(triggerID, operationID string, t time.Time, window time.Duration) string {
	bucket := truncateToBucket(t, window)
	return fmt.Sprintf("t:%s:o:%s:act:%s", triggerID, operationID, bucket)
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch window {
	case time.Minute:
		return t.Format("200601021504")
	case 5 * time.Minute:
		minute := (t.Minute() / 5) * 5
		return t.Format("2006010215") + fmt.Sprintf("%02d", minute)
	case time.Hour:
		return t.Format("2006010215")
	default:
		return t.Format("200601021504")
	}
}
