// Package ratelimit implements the per-sender hourly counter consulted at
// delivery time.
//
// It is a fixed-window limiter keyed by (sender, UTC hour bucket). A sender can
// legally reach 2x its quota across a bucket boundary (end of hour N plus start
// of hour N+1); that approximation is intentional.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable wraps any backend failure. Callers must fail closed.
var ErrUnavailable = errors.New("rate counter unavailable")

// DefaultExpirySlack is added to the one-hour bucket TTL so a key outlives its
// bucket briefly and never has to be swept.
const DefaultExpirySlack = 60 * time.Second

const bucketLayout = "2006-01-02T15"

// Decision is the outcome of one increment.
type Decision struct {
	Allowed bool
	Count   int64
	Quota   int
	Bucket  time.Time
	ResetAt time.Time
}

// Counter atomically increments the current bucket and compares against quota.
// Implementations own atomicity; callers never read-then-write.
type Counter interface {
	IncrementAndCheck(ctx context.Context, senderID string, quota int) (Decision, error)
}

// Config selects and tunes the counter backend.
//
// Driver values:
//   - "redis": shared across processes (default)
//   - "memory": single process only
type Config struct {
	Driver      string
	Prefix      string
	ExpirySlack time.Duration
}

// New builds the configured counter. rdb may be nil for the memory driver.
func New(cfg Config, rdb redis.UniversalClient) (Counter, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "redis":
		if rdb == nil {
			return nil, errors.New("ratelimit: redis driver needs a redis client")
		}
		return NewRedis(rdb, cfg.Prefix, cfg.ExpirySlack), nil
	case "memory":
		return NewMemory(cfg.ExpirySlack), nil
	default:
		return nil, fmt.Errorf("ratelimit: unknown driver %q", cfg.Driver)
	}
}

// HourBucket truncates t to its UTC hour.
func HourBucket(t time.Time) time.Time { return t.UTC().Truncate(time.Hour) }

// UntilNextHour returns the time left until the next UTC hour boundary.
// The result is always in (0, 1h].
func UntilNextHour(t time.Time) time.Duration {
	return HourBucket(t).Add(time.Hour).Sub(t)
}

// BucketKey is the counter key for a sender in a given bucket.
func BucketKey(prefix, senderID string, bucket time.Time) string {
	return prefix + "rate:" + senderID + ":" + bucket.UTC().Format(bucketLayout)
}

func decide(count int64, quota int, bucket time.Time) Decision {
	return Decision{
		Allowed: count <= int64(quota),
		Count:   count,
		Quota:   quota,
		Bucket:  bucket,
		ResetAt: bucket.Add(time.Hour),
	}
}

func bucketTTL(slack time.Duration) time.Duration {
	if slack <= 0 {
		slack = DefaultExpirySlack
	}
	return time.Hour + slack
}
