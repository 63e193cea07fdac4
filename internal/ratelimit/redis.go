package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// INCR and the first-increment PEXPIRE run as one script so a crash between
// them can never leave an immortal key.
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

type RedisCounter struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

var _ Counter = (*RedisCounter)(nil)

func NewRedis(rdb redis.UniversalClient, prefix string, slack time.Duration) *RedisCounter {
	if prefix == "" {
		prefix = "mailsched:"
	}
	return &RedisCounter{rdb: rdb, prefix: prefix, ttl: bucketTTL(slack), now: time.Now}
}

func (c *RedisCounter) IncrementAndCheck(ctx context.Context, senderID string, quota int) (Decision, error) {
	bucket := HourBucket(c.now())
	key := BucketKey(c.prefix, senderID, bucket)

	n, err := incrScript.Run(ctx, c.rdb, []string{key}, c.ttl.Milliseconds()).Int64()
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return decide(n, quota, bucket), nil
}
