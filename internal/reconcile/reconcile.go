// Package reconcile finds unsettled messages whose job is gone and puts them
// back on the queue. Rows can be orphaned when admission is interrupted between
// the insert and the enqueue, or when a queue backend loses state.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"mailsched/internal/domain"
	"mailsched/internal/eventbus"
	"mailsched/internal/queue"
	logx "mailsched/pkg/logx"
)

const (
	DefaultSchedule = "@every 1m"
	DefaultGrace    = 5 * time.Minute
	DefaultBatch    = 100

	runTimeout = 2 * time.Minute
)

type Config struct {
	Enabled  bool
	Schedule string
	// Grace skips messages touched recently; their admission may still be in
	// flight.
	Grace time.Duration
	Batch int
}

func (c Config) normalize() Config {
	c.Schedule = strings.TrimSpace(c.Schedule)
	if c.Schedule == "" {
		c.Schedule = DefaultSchedule
	}
	if c.Grace <= 0 {
		c.Grace = DefaultGrace
	}
	if c.Batch <= 0 {
		c.Batch = DefaultBatch
	}
	return c
}

type Store interface {
	ListUnsettled(ctx context.Context, olderThan time.Time, after domain.Cursor, limit int) ([]domain.ScheduledMessage, error)
	SetJobID(ctx context.Context, id, jobID string) error
}

type Queue interface {
	Exists(ctx context.Context, id string) (bool, error)
	Enqueue(ctx context.Context, job queue.Job, delay time.Duration) (string, error)
}

// Result summarizes one sweep.
type Result struct {
	At       time.Time `json:"at"`
	Scanned  int       `json:"scanned"`
	Live     int       `json:"live"`
	Requeued int       `json:"requeued"`
	Err      string    `json:"error,omitempty"`
}

type Service struct {
	mu   sync.Mutex
	cfg  Config
	c    *cron.Cron
	last Result

	runMu sync.Mutex

	store Store
	q     Queue
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time
}

func New(cfg Config, store Store, q Queue, bus eventbus.Bus, log logx.Logger) *Service {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Service{
		cfg:   cfg.normalize(),
		store: store,
		q:     q,
		bus:   bus,
		log:   log.With(logx.String("comp", "reconcile")),
		now:   time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// RunOnce performs one sweep. Concurrent calls are serialized.
func (s *Service) RunOnce(ctx context.Context) (Result, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	now := s.now()
	res := Result{At: now}
	olderThan := now.Add(-cfg.Grace)

	// Page through every unsettled row so live jobs cannot hide later orphans.
	var (
		errs  []error
		after domain.Cursor
	)
	for ctx.Err() == nil {
		msgs, err := s.store.ListUnsettled(ctx, olderThan, after, cfg.Batch)
		if err != nil {
			errs = append(errs, fmt.Errorf("list unsettled: %w", err))
			break
		}
		res.Scanned += len(msgs)

		for _, m := range msgs {
			requeued, err := s.reconcileOne(ctx, m, now)
			if err != nil {
				errs = append(errs, err)
				if ctx.Err() != nil {
					break
				}
				continue
			}
			if requeued {
				res.Requeued++
			} else {
				res.Live++
			}
		}
		if len(msgs) < cfg.Batch {
			break
		}
		after = domain.CursorOf(msgs[len(msgs)-1])
	}

	if res.Requeued > 0 {
		s.bus.Publish(eventbus.Event{
			Type: eventbus.TypeReconciled,
			Time: now,
			Data: eventbus.Reconciled{Requeued: res.Requeued, Scanned: res.Scanned},
		})
		s.log.Warn("orphaned messages requeued", logx.Int("requeued", res.Requeued), logx.Int("scanned", res.Scanned))
	} else {
		s.log.Debug("sweep clean", logx.Int("scanned", res.Scanned))
	}
	return s.finish(res, errors.Join(errs...))
}

func (s *Service) reconcileOne(ctx context.Context, m domain.ScheduledMessage, now time.Time) (bool, error) {
	jobID := m.JobID
	if jobID == "" {
		jobID = m.ID
	}
	live, err := s.q.Exists(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("check job %s: %w", jobID, err)
	}
	if live {
		return false, nil
	}

	delay := m.SendAt.Sub(now)
	if delay < 0 {
		delay = 0
	}
	id, err := s.q.Enqueue(ctx, queue.Job{
		ID:      m.ID,
		Payload: queue.Payload{MessageID: m.ID, SenderID: m.SenderID},
	}, delay)
	if errors.Is(err, queue.ErrExists) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", m.ID, err)
	}
	if id != m.JobID {
		if err := s.store.SetJobID(ctx, m.ID, id); err != nil {
			return true, fmt.Errorf("record job id for %s: %w", m.ID, err)
		}
	}
	s.log.Info("message requeued",
		logx.String("message_id", m.ID),
		logx.String("status", string(m.Status)),
		logx.Duration("delay", delay),
	)
	return true, nil
}

func (s *Service) finish(res Result, err error) (Result, error) {
	if err != nil {
		res.Err = err.Error()
		s.log.Error("sweep failed", logx.Err(err))
	}
	s.mu.Lock()
	s.last = res
	s.mu.Unlock()
	return res, err
}

// Last returns the most recent sweep result.
func (s *Service) Last() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Start registers the sweep with cron. Jobs run with ctx as parent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.c != nil {
		return nil
	}

	c := cron.New(
		cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
		cron.WithLogger(cronLogger{s.log}),
	)
	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		runCtx, cancel := context.WithTimeout(ctx, runTimeout)
		defer cancel()
		_, _ = s.RunOnce(runCtx)
	}); err != nil {
		return fmt.Errorf("reconcile schedule %q: %w", s.cfg.Schedule, err)
	}
	c.Start()
	s.c = c
	s.log.Info("reconciler started", logx.String("schedule", s.cfg.Schedule), logx.Duration("grace", s.cfg.Grace))
	return nil
}

// Stop halts the schedule and waits for a running sweep or ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Apply swaps config. A schedule change restarts the cron.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	cfg = cfg.normalize()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.c != nil
	s.mu.Unlock()

	if running && (prev.Schedule != cfg.Schedule || !cfg.Enabled) {
		if err := s.Stop(ctx); err != nil {
			return err
		}
		running = false
	}
	if !running && cfg.Enabled {
		return s.Start(ctx)
	}
	return nil
}

// cronLogger routes cron's internal logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Trace("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
