package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis layout (all keys share the prefix):
//
//	jobs     HASH  id -> job JSON
//	delayed  ZSET  id scored by readyAt (unix ms), every QUEUED job
//	claimed  ZSET  id scored by lease deadline (unix ms)
//	owner    HASH  id -> lease token
//
// Every state transition is a single Lua script.
type Redis struct {
	rdb    redis.UniversalClient
	policy Policy
	keys   redisKeys

	mu     sync.Mutex
	wake   chan struct{}
	closed bool

	now func() time.Time
}

type redisKeys struct {
	jobs, delayed, claimed, owner string
}

var _ Queue = (*Redis)(nil)

var enqueueScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

var claimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1])
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[3], id)
  redis.call('HDEL', KEYS[4], id)
  redis.call('ZADD', KEYS[2], ARGV[1], id)
end
local ids = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  return false
end
local id = ids[1]
redis.call('ZREM', KEYS[2], id)
redis.call('ZADD', KEYS[3], ARGV[2], id)
redis.call('HSET', KEYS[4], id, ARGV[3])
local body = redis.call('HGET', KEYS[1], id)
if not body then
  body = ''
end
return {id, body}
`)

var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[1], ARGV[1])
return 1
`)

var requeueScript = redis.NewScript(`
if redis.call('HGET', KEYS[4], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
return 1
`)

func NewRedis(rdb redis.UniversalClient, prefix string, p Policy) *Redis {
	if prefix == "" {
		prefix = "mailsched:"
	}
	return &Redis{
		rdb:    rdb,
		policy: p.normalize(),
		keys: redisKeys{
			jobs:    prefix + "queue:jobs",
			delayed: prefix + "queue:delayed",
			claimed: prefix + "queue:claimed",
			owner:   prefix + "queue:owner",
		},
		wake: make(chan struct{}),
		now:  time.Now,
	}
}

// WithClock swaps the time source (tests).
func (q *Redis) WithClock(now func() time.Time) *Redis {
	q.now = now
	return q
}

func (q *Redis) Enqueue(ctx context.Context, job Job, delay time.Duration) (string, error) {
	if q.isClosed() {
		return "", ErrClosed
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.policy.Attempts
	}
	now := q.now()
	job.EnqueuedAt = now
	job.ReadyAt = now.Add(delayOrZero(delay))

	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("queue: encode job: %w", err)
	}
	ok, err := enqueueScript.Run(ctx, q.rdb,
		[]string{q.keys.jobs, q.keys.delayed},
		job.ID, body, job.ReadyAt.UnixMilli()).Int()
	if err != nil {
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}
	if ok == 0 {
		return "", ErrExists
	}
	q.signal()
	return job.ID, nil
}

func (q *Redis) TryClaim(ctx context.Context) (*Job, error) {
	if q.isClosed() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := q.now()
	token := uuid.NewString()
	res, err := claimScript.Run(ctx, q.rdb,
		[]string{q.keys.jobs, q.keys.delayed, q.keys.claimed, q.keys.owner},
		now.UnixMilli(), now.Add(q.policy.Lease).UnixMilli(), token).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("queue: claim: unexpected reply %v", res)
	}

	job := Job{ID: res[0]}
	if res[1] != "" {
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			return nil, fmt.Errorf("queue: decode job %s: %w", res[0], err)
		}
	}
	job.State = StateClaimed
	job.Token = token
	return &job, nil
}

func (q *Redis) Claim(ctx context.Context) (*Job, error) {
	for {
		job, err := q.TryClaim(ctx)
		if err != nil || job != nil {
			return job, err
		}

		wait := q.policy.PollInterval
		if next, ok := q.nextReady(ctx); ok {
			wait = nextWake(wait, next.Sub(q.now()))
		}
		q.mu.Lock()
		wake := q.wake
		q.mu.Unlock()

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-wake:
			t.Stop()
		case <-t.C:
		}
	}
}

func (q *Redis) Ack(ctx context.Context, job *Job) error {
	if job == nil || job.Token == "" {
		return ErrLeaseLost
	}
	ok, err := ackScript.Run(ctx, q.rdb,
		[]string{q.keys.jobs, q.keys.claimed, q.keys.owner},
		job.ID, job.Token).Int()
	if err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *Redis) Requeue(ctx context.Context, job *Job, delay time.Duration) error {
	if job == nil || job.Token == "" {
		return ErrLeaseLost
	}
	return q.requeue(ctx, *job, job.Attempt, delay)
}

func (q *Redis) Fail(ctx context.Context, job *Job, cause error) (FailResult, error) {
	if job == nil || job.Token == "" {
		return FailResult{}, ErrLeaseLost
	}
	res := failOutcome(q.policy, job, cause)
	if res.Exhausted {
		if err := q.Ack(ctx, job); err != nil {
			return FailResult{}, err
		}
		return res, nil
	}
	if err := q.requeue(ctx, *job, res.Attempt, res.Delay); err != nil {
		return FailResult{}, err
	}
	return res, nil
}

func (q *Redis) requeue(ctx context.Context, job Job, attempt int, delay time.Duration) error {
	token := job.Token
	job.Attempt = attempt
	job.ReadyAt = q.now().Add(delayOrZero(delay))

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: encode job: %w", err)
	}
	ok, err := requeueScript.Run(ctx, q.rdb,
		[]string{q.keys.jobs, q.keys.delayed, q.keys.claimed, q.keys.owner},
		job.ID, token, body, job.ReadyAt.UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("queue: requeue: %w", err)
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	q.signal()
	return nil
}

func (q *Redis) Exists(ctx context.Context, id string) (bool, error) {
	ok, err := q.rdb.HExists(ctx, q.keys.jobs, id).Result()
	if err != nil {
		return false, fmt.Errorf("queue: exists: %w", err)
	}
	return ok, nil
}

func (q *Redis) Stats(ctx context.Context) (Stats, error) {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	pipe := q.rdb.Pipeline()
	ready := pipe.ZCount(ctx, q.keys.delayed, "-inf", now)
	total := pipe.ZCard(ctx, q.keys.delayed)
	claimed := pipe.ZCard(ctx, q.keys.claimed)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue: stats: %w", err)
	}
	return Stats{
		Ready:   ready.Val(),
		Delayed: total.Val() - ready.Val(),
		Claimed: claimed.Val(),
	}, nil
}

// Close stops blocked Claims. The redis client is owned by the caller.
func (q *Redis) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.wake)
		q.wake = make(chan struct{})
	}
	return nil
}

func (q *Redis) nextReady(ctx context.Context) (time.Time, bool) {
	zs, err := q.rdb.ZRangeWithScores(ctx, q.keys.delayed, 0, 0).Result()
	if err != nil || len(zs) == 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(zs[0].Score)), true
}

func (q *Redis) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Redis) signal() {
	q.mu.Lock()
	close(q.wake)
	q.wake = make(chan struct{})
	q.mu.Unlock()
}
