package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	count   int64
	expires time.Time
}

// MemoryCounter keeps counters in a mutex-guarded map with the same TTL
// semantics as the Redis backend. Visible to every worker of one process.
type MemoryCounter struct {
	mu  sync.Mutex
	m   map[string]memEntry
	ttl time.Duration
	ops uint64

	now func() time.Time
}

var _ Counter = (*MemoryCounter)(nil)

func NewMemory(slack time.Duration) *MemoryCounter {
	return &MemoryCounter{m: map[string]memEntry{}, ttl: bucketTTL(slack), now: time.Now}
}

// WithClock swaps the time source (tests).
func (c *MemoryCounter) WithClock(now func() time.Time) *MemoryCounter {
	c.now = now
	return c
}

func (c *MemoryCounter) IncrementAndCheck(ctx context.Context, senderID string, quota int) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	now := c.now()
	bucket := HourBucket(now)
	key := BucketKey("", senderID, bucket)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.m[key]
	if !ok || !now.Before(e.expires) {
		e = memEntry{expires: now.Add(c.ttl)}
	}
	e.count++
	c.m[key] = e

	c.ops++
	if c.ops%256 == 0 {
		c.pruneLocked(now)
	}
	return decide(e.count, quota, bucket), nil
}

// Len reports live keys (diagnostics/tests).
func (c *MemoryCounter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(c.now())
	return len(c.m)
}

func (c *MemoryCounter) pruneLocked(now time.Time) {
	for k, e := range c.m {
		if !now.Before(e.expires) {
			delete(c.m, k)
		}
	}
}
