package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memEntry struct {
	job        Job
	index      int // heap index, -1 while claimed
	leaseUntil time.Time
}

type readyHeap []*memEntry

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].job.ReadyAt.Equal(h[j].job.ReadyAt) {
		return h[i].job.EnqueuedAt.Before(h[j].job.EnqueuedAt)
	}
	return h[i].job.ReadyAt.Before(h[j].job.ReadyAt)
}
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *readyHeap) Push(x any) {
	e := x.(*memEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Memory is an in-process Queue. Jobs do not survive a restart.
type Memory struct {
	mu      sync.Mutex
	policy  Policy
	jobs    map[string]*memEntry
	queued  readyHeap
	claimed map[string]*memEntry
	wake    chan struct{}
	closed  bool

	now func() time.Time
}

var _ Queue = (*Memory)(nil)

func NewMemory(p Policy) *Memory {
	return &Memory{
		policy:  p.normalize(),
		jobs:    map[string]*memEntry{},
		claimed: map[string]*memEntry{},
		wake:    make(chan struct{}),
		now:     time.Now,
	}
}

// WithClock swaps the time source (tests).
func (q *Memory) WithClock(now func() time.Time) *Memory {
	q.now = now
	return q
}

func (q *Memory) Enqueue(ctx context.Context, job Job, delay time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrClosed
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if _, ok := q.jobs[job.ID]; ok {
		return "", ErrExists
	}
	now := q.now()
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.policy.Attempts
	}
	job.EnqueuedAt = now
	job.ReadyAt = now.Add(delayOrZero(delay))
	job.State = StateQueued
	job.Token = ""

	e := &memEntry{job: job}
	q.jobs[job.ID] = e
	heap.Push(&q.queued, e)
	q.signalLocked()
	return job.ID, nil
}

func (q *Memory) TryClaim(ctx context.Context) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	now := q.now()
	q.reclaimLocked(now)

	if len(q.queued) == 0 || q.queued[0].job.ReadyAt.After(now) {
		return nil, nil
	}
	e := heap.Pop(&q.queued).(*memEntry)
	e.job.State = StateClaimed
	e.job.Token = uuid.NewString()
	e.leaseUntil = now.Add(q.policy.Lease)
	q.claimed[e.job.ID] = e

	out := e.job
	return &out, nil
}

func (q *Memory) Claim(ctx context.Context) (*Job, error) {
	for {
		job, err := q.TryClaim(ctx)
		if err != nil || job != nil {
			return job, err
		}

		q.mu.Lock()
		wake := q.wake
		wait := q.untilNextLocked(q.now())
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

func (q *Memory) Ack(ctx context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.ownedLocked(job)
	if err != nil {
		return err
	}
	delete(q.claimed, e.job.ID)
	delete(q.jobs, e.job.ID)
	return nil
}

func (q *Memory) Requeue(ctx context.Context, job *Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.ownedLocked(job)
	if err != nil {
		return err
	}
	q.requeueLocked(e, e.job.Attempt, delay)
	return nil
}

func (q *Memory) Fail(ctx context.Context, job *Job, cause error) (FailResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.ownedLocked(job)
	if err != nil {
		return FailResult{}, err
	}
	res := failOutcome(q.policy, &e.job, cause)
	if res.Exhausted {
		delete(q.claimed, e.job.ID)
		delete(q.jobs, e.job.ID)
		return res, nil
	}
	q.requeueLocked(e, res.Attempt, res.Delay)
	return res, nil
}

func (q *Memory) Exists(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.jobs[id]
	return ok, nil
}

func (q *Memory) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var st Stats
	for _, e := range q.queued {
		if e.job.ReadyAt.After(now) {
			st.Delayed++
		} else {
			st.Ready++
		}
	}
	st.Claimed = int64(len(q.claimed))
	return st, nil
}

func (q *Memory) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.signalLocked()
	}
	return nil
}

func (q *Memory) ownedLocked(job *Job) (*memEntry, error) {
	if job == nil {
		return nil, ErrLeaseLost
	}
	e, ok := q.claimed[job.ID]
	if !ok || e.job.Token != job.Token || job.Token == "" {
		return nil, ErrLeaseLost
	}
	return e, nil
}

func (q *Memory) requeueLocked(e *memEntry, attempt int, delay time.Duration) {
	delete(q.claimed, e.job.ID)
	e.job.Attempt = attempt
	e.job.ReadyAt = q.now().Add(delayOrZero(delay))
	e.job.State = StateQueued
	e.job.Token = ""
	e.leaseUntil = time.Time{}
	heap.Push(&q.queued, e)
	q.signalLocked()
}

// reclaimLocked returns jobs whose lease expired to the queue, ready now.
func (q *Memory) reclaimLocked(now time.Time) {
	for id, e := range q.claimed {
		if now.Before(e.leaseUntil) {
			continue
		}
		delete(q.claimed, id)
		e.job.ReadyAt = now
		e.job.State = StateQueued
		e.job.Token = ""
		heap.Push(&q.queued, e)
	}
}

func (q *Memory) untilNextLocked(now time.Time) time.Duration {
	wait := q.policy.PollInterval
	if len(q.queued) > 0 {
		wait = nextWake(wait, q.queued[0].job.ReadyAt.Sub(now))
	}
	for _, e := range q.claimed {
		wait = nextWake(wait, e.leaseUntil.Sub(now))
	}
	return wait
}

// signalLocked wakes every blocked Claim.
func (q *Memory) signalLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}
