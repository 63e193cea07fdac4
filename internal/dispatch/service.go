package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"mailsched/internal/eventbus"
	logx "mailsched/pkg/logx"

	rtsup "mailsched/internal/runtime/supervisor"
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	d   Deps
	log logx.Logger
	bus eventbus.Bus
	now func() time.Time

	limiter  *rate.Limiter
	sup      *rtsup.Supervisor
	inFlight atomic.Int32

	hmu      sync.Mutex
	history  []HistoryItem
	outcomes map[string]uint64
}

func New(cfg Config, d Deps) *Service {
	cfg = cfg.normalize()
	bus := d.Bus
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Service{
		cfg:      cfg,
		d:        d,
		log:      d.Log.With(logx.String("comp", "dispatch")),
		bus:      bus,
		now:      time.Now,
		limiter:  rate.NewLimiter(limitOf(cfg.MaxPerSecond), burstOf(cfg.MaxPerSecond)),
		outcomes: map[string]uint64{},
	}
}

// WithClock swaps the time source used for throttle deadlines (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func limitOf(perSecond int) rate.Limit {
	if perSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSecond)
}

func burstOf(perSecond int) int {
	if perSecond <= 0 {
		return 1
	}
	return perSecond
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start launches the workers. It is a no-op when disabled or already running.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.sup != nil {
		return
	}

	sup := rtsup.New(ctx, rtsup.WithLogger(s.log))
	for i := 0; i < s.cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("dispatch.worker.%d", idx), func(ctx context.Context) error {
			return s.worker(ctx, idx)
		}, rtsup.WithBackoff(500*time.Millisecond, 30*time.Second))
	}
	s.sup = sup
	s.log.Info("dispatch started",
		logx.Int("workers", s.cfg.Workers),
		logx.Duration("min_delay", s.cfg.MinDelay),
		logx.Int("max_per_second", s.cfg.MaxPerSecond),
	)
}

// Stop cancels the workers and waits for in-flight jobs to settle or ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	s.log.Info("dispatch stopped", logx.Err(err))
	return err
}

// Apply swaps pacing settings in place. A change in worker count or enabled
// state restarts the pool.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.normalize()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.sup != nil
	s.mu.Unlock()

	if prev.MaxPerSecond != cfg.MaxPerSecond {
		s.limiter.SetLimit(limitOf(cfg.MaxPerSecond))
		s.limiter.SetBurst(burstOf(cfg.MaxPerSecond))
	}

	switch {
	case running && !cfg.Enabled:
		_ = s.Stop(ctx)
	case running && prev.Workers != cfg.Workers:
		_ = s.Stop(ctx)
		s.Start(ctx)
	case !running && cfg.Enabled && !prev.Enabled:
		s.Start(ctx)
	}
}

func (s *Service) Snapshot(ctx context.Context) Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	sup := s.sup
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:      cfg.Enabled,
		Running:      sup != nil,
		Workers:      cfg.Workers,
		InFlight:     s.inFlight.Load(),
		MinDelay:     cfg.MinDelay.String(),
		MaxPerSecond: cfg.MaxPerSecond,
		Outcomes:     map[string]uint64{},
	}
	if sup != nil {
		snap.Goroutines = sup.Snapshot()
	}
	if s.d.Queue != nil {
		st, err := s.d.Queue.Stats(ctx)
		if err != nil {
			snap.QueueErr = err.Error()
		} else {
			snap.Queue = &st
		}
	}

	s.hmu.Lock()
	for k, v := range s.outcomes {
		snap.Outcomes[k] = v
	}
	snap.Recent = make([]HistoryItem, len(s.history))
	copy(snap.Recent, s.history)
	s.hmu.Unlock()
	return snap
}

func (s *Service) record(at time.Time, o eventbus.DispatchOutcome) {
	size := s.config().HistorySize
	s.hmu.Lock()
	s.outcomes[o.Kind]++
	s.history = append(s.history, HistoryItem{At: at, DispatchOutcome: o})
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()

	s.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatchOutcome, Time: at, Data: o})
}
