package webhook

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultInFlightTTL bounds how long a crashed worker can block redelivery
const DefaultInFlightTTL = 2 * time.Minute

// InFlightGuard marks an event as being processed. It only short-circuits
// concurrent duplicate deliveries; correctness never depends on it.
type InFlightGuard interface {
	// Acquire reports false when another delivery holds the event
	Acquire(ctx context.Context, eventID string) (bool, error)
	Release(ctx context.Context, eventID string)
}

// NoopGuard never blocks
type NoopGuard struct{}

// Acquire always succeeds
func (NoopGuard) Acquire(context.Context, string) (bool, error) { return true, nil }

// Release does nothing
func (NoopGuard) Release(context.Context, string) {}

// RedisGuard holds a SET NX key per event id
type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisGuard creates a Redis-backed guard
func NewRedisGuard(client *redis.Client, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = DefaultInFlightTTL
	}
	return &RedisGuard{
		client: client,
		ttl:    ttl,
		prefix: "webhook:inflight:",
	}
}

// Acquire sets the event key if it is absent
func (g *RedisGuard) Acquire(ctx context.Context, eventID string) (bool, error) {
	return g.client.SetNX(ctx, g.prefix+eventID, time.Now().UTC().Format(time.RFC3339), g.ttl).Result()
}

// Release deletes the event key
func (g *RedisGuard) Release(ctx context.Context, eventID string) {
	g.client.Del(ctx, g.prefix+eventID)
}
