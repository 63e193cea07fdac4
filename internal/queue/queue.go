// Package queue is the durable delayed-job queue between admission and
// dispatch.
//
// A job is QUEUED until its ReadyAt passes, then a worker claims it under a
// lease. The holder of the lease token finishes the job with exactly one of
// Ack, Requeue or Fail. A lease that expires returns the job to QUEUED, so a
// crashed worker never loses a job (delivery is at-least-once).
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrExists    = errors.New("queue: job already exists")
	ErrLeaseLost = errors.New("queue: lease lost")
	ErrClosed    = errors.New("queue: closed")
)

type State string

const (
	StateQueued  State = "QUEUED"
	StateClaimed State = "CLAIMED"
)

// Payload is the minimal job body. The dispatcher reloads everything else from
// storage.
type Payload struct {
	MessageID string `json:"messageId"`
	SenderID  string `json:"senderId"`
}

type Job struct {
	ID          string    `json:"id"`
	Payload     Payload   `json:"payload"`
	ReadyAt     time.Time `json:"readyAt"`
	Attempt     int       `json:"attempt"`
	MaxAttempts int       `json:"maxAttempts"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`

	State State  `json:"-"`
	Token string `json:"-"`
}

// FailResult tells the caller whether a failed job will be retried.
type FailResult struct {
	Exhausted bool
	Attempt   int
	Delay     time.Duration
}

type Stats struct {
	Ready   int64 `json:"ready"`
	Delayed int64 `json:"delayed"`
	Claimed int64 `json:"claimed"`
}

// Queue is implemented by Memory and Redis.
type Queue interface {
	// Enqueue schedules job to become ready after delay. An empty ID gets a
	// generated one. A live job with the same ID yields ErrExists.
	Enqueue(ctx context.Context, job Job, delay time.Duration) (string, error)
	// TryClaim returns nil when nothing is ready.
	TryClaim(ctx context.Context) (*Job, error)
	// Claim blocks until a job is ready or ctx is done.
	Claim(ctx context.Context) (*Job, error)
	Ack(ctx context.Context, job *Job) error
	// Requeue returns a claimed job to QUEUED without consuming an attempt.
	Requeue(ctx context.Context, job *Job, delay time.Duration) error
	// Fail consumes an attempt and either schedules a retry or discards the job.
	Fail(ctx context.Context, job *Job, cause error) (FailResult, error)
	Exists(ctx context.Context, id string) (bool, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Policy is the retry and lease configuration.
type Policy struct {
	Attempts     int
	BackoffBase  time.Duration
	Lease        time.Duration
	PollInterval time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Attempts:     3,
		BackoffBase:  time.Second,
		Lease:        5 * time.Minute,
		PollInterval: time.Second,
	}
}

func (p Policy) normalize() Policy {
	d := DefaultPolicy()
	if p.Attempts <= 0 {
		p.Attempts = d.Attempts
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = d.BackoffBase
	}
	if p.Lease <= 0 {
		p.Lease = d.Lease
	}
	if p.PollInterval <= 0 {
		p.PollInterval = d.PollInterval
	}
	return p
}

// Backoff is the delay before retry number failures (1-based):
// base, 2*base, 4*base, ...
func (p Policy) Backoff(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	if failures > 30 {
		failures = 30
	}
	return p.BackoffBase * time.Duration(1<<(failures-1))
}

// NoRetry marks a failure as permanent: Fail discards the job immediately.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

func IsNoRetry(err error) bool {
	var nr noRetryError
	return errors.As(err, &nr)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return e.err.Error() }
func (e noRetryError) Unwrap() error { return e.err }

// failOutcome applies the policy to a job that just failed.
func failOutcome(p Policy, job *Job, cause error) FailResult {
	attempt := job.Attempt + 1
	max := job.MaxAttempts
	if max <= 0 {
		max = p.Attempts
	}
	if attempt >= max || IsNoRetry(cause) {
		return FailResult{Exhausted: true, Attempt: attempt}
	}
	return FailResult{Attempt: attempt, Delay: p.Backoff(attempt)}
}

// Config selects and tunes a queue backend.
//
// Driver values:
//   - "redis": durable and shared (default)
//   - "memory": single process, lost on restart
type Config struct {
	Driver string
	Prefix string
	Policy Policy
}

func Open(cfg Config, rdb redis.UniversalClient) (Queue, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "redis":
		if rdb == nil {
			return nil, errors.New("queue: redis driver needs a redis client")
		}
		return NewRedis(rdb, cfg.Prefix, cfg.Policy), nil
	case "memory":
		return NewMemory(cfg.Policy), nil
	default:
		return nil, fmt.Errorf("queue: unknown driver %q", cfg.Driver)
	}
}

func delayOrZero(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

// nextWake bounds a blocking Claim wait.
func nextWake(poll, until time.Duration) time.Duration {
	if until <= 0 {
		return time.Millisecond
	}
	if until < poll {
		return until
	}
	return poll
}
