package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"mailsched/internal/admission"
	"mailsched/internal/api"
	"mailsched/internal/config"
	"mailsched/internal/dispatch"
	"mailsched/internal/eventbus"
	"mailsched/internal/metrics"
	"mailsched/internal/queue"
	"mailsched/internal/ratelimit"
	"mailsched/internal/reconcile"
	rtsup "mailsched/internal/runtime/supervisor"
	"mailsched/internal/storage"
	"mailsched/internal/transport"
	logx "mailsched/pkg/logx"
	"mailsched/pkg/systemd"
)

// Mode selects which roles a process runs.
type Mode string

const (
	// ModeServe runs the API, the workers and the reconciler.
	ModeServe Mode = "serve"
	// ModeAPI only admits campaigns.
	ModeAPI Mode = "api"
	// ModeWorker only dispatches and reconciles.
	ModeWorker Mode = "worker"
)

func (m Mode) api() bool     { return m == ModeServe || m == ModeAPI || m == "" }
func (m Mode) workers() bool { return m == ModeServe || m == ModeWorker || m == "" }

type Options struct {
	ConfigPath string
	Mode       Mode
	// LogLevel overrides logging.level, including after a reload.
	LogLevel string
	// Lookup replaces os.LookupEnv (tests).
	Lookup config.LookupFunc
}

type App struct {
	opts Options

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store     storage.Store
	rdb       *redis.Client
	queue     queue.Queue
	counter   ratelimit.Counter
	transport transport.Transport
	metrics   *metrics.Metrics

	admission *admission.Service
	dispatch  *dispatch.Service
	reconcile *reconcile.Service
	api       *api.Server
}

// New loads config and builds every component. Nothing runs until Start.
func New(ctx context.Context, opts Options) (a *App, err error) {
	if opts.Mode == "" {
		opts.Mode = ModeServe
	}
	cfgm := config.NewConfigManager(opts.ConfigPath)
	if opts.Lookup != nil {
		cfgm.SetLookup(opts.Lookup)
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := checkMode(opts.Mode, cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg, "mailsched"))
	if opts.LogLevel != "" {
		logSvc.Apply(mapLogging(overrideLevel(cfg, opts.LogLevel), "mailsched"))
	}
	a = &App{
		opts: opts,
		cfgm: cfgm,
		log:  log.With(logx.String("comp", "app"), logx.String("mode", string(opts.Mode))),
		logs: logSvc,
		bus:  eventbus.New(),
	}
	defer func() {
		if err != nil {
			a.closeResources()
			_ = logSvc.Close()
		}
	}()

	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	a.store, err = storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	var rdb redis.UniversalClient
	if needsRedis(cfg) {
		a.rdb, err = openRedis(ctx, cfg)
		if err != nil {
			return nil, err
		}
		rdb = a.rdb
	}

	qc, err := mapQueue(cfg)
	if err != nil {
		return nil, err
	}
	if a.queue, err = queue.Open(qc, rdb); err != nil {
		return nil, err
	}
	rc, err := mapRateLimit(cfg)
	if err != nil {
		return nil, err
	}
	if a.counter, err = ratelimit.New(rc, rdb); err != nil {
		return nil, err
	}
	tc, err := mapTransport(cfg)
	if err != nil {
		return nil, err
	}
	if a.transport, err = transport.New(tc, log.With(logx.String("comp", "transport"))); err != nil {
		return nil, err
	}

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New(a.bus)
	}

	a.admission = admission.New(a.store, a.queue, a.bus, log)

	dc, err := mapDispatch(cfg)
	if err != nil {
		return nil, err
	}
	a.dispatch = dispatch.New(dc, dispatch.Deps{
		Store:     a.store,
		Queue:     a.queue,
		Counter:   a.counter,
		Transport: a.transport,
		Bus:       a.bus,
		Log:       log,
	})

	recCfg, err := mapReconcile(cfg)
	if err != nil {
		return nil, err
	}
	a.reconcile = reconcile.New(recCfg, a.store, a.queue, a.bus, log)

	hc, err := mapHTTP(cfg)
	if err != nil {
		return nil, err
	}
	a.api = api.New(hc, api.Deps{
		Scheduler: a.admission,
		Records:   a.store,
		Dispatch:  a.dispatch,
		Metrics:   a.metrics,
		Log:       log,
	})

	a.log.Info("app built",
		logx.String("database", sc.Driver),
		logx.String("queue", qc.Driver),
		logx.String("ratelimit", rc.Driver),
		logx.String("transport", tc.Driver),
	)
	return a, nil
}

func overrideLevel(cfg *config.Config, level string) *config.Config {
	cp := *cfg
	cp.Logging.Level = level
	return &cp
}

func (a *App) Logger() logx.Logger            { return a.log }
func (a *App) Store() storage.Store           { return a.store }
func (a *App) Reconciler() *reconcile.Service { return a.reconcile }
func (a *App) Dispatcher() *dispatch.Service  { return a.dispatch }
func (a *App) API() *api.Server               { return a.api }

// Done is closed when the supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error the supervisor observed.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapDispatch(cfg); err != nil {
			return err
		}
		rc, err := mapReconcile(cfg)
		if err != nil {
			return err
		}
		if rc.Enabled && strings.TrimSpace(rc.Schedule) == "" {
			return errors.New("reconcile.schedule must not be empty")
		}
		return nil
	})

	if a.metrics != nil {
		a.sup.Go("metrics.consume", func(c context.Context) error { return a.metrics.Consume(c, a.bus) })
		a.sup.Go("metrics.queue", func(c context.Context) error {
			return a.metrics.SampleQueue(c, a.queue, 10*time.Second, a.log.With(logx.String("comp", "metrics")))
		})
	}

	a.sup.Go("events.log", a.logEvents)

	if a.opts.Mode.workers() {
		a.dispatch.Start(runCtx)
		if err := a.reconcile.Start(runCtx); err != nil {
			a.sup.Cancel()
			return err
		}
	}
	if a.opts.Mode.api() {
		a.sup.Go("http", a.api.Run)
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return systemd.Watchdog(c, a.log.With(logx.String("comp", "systemd")))
	})
	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if sent {
		_, _ = systemd.Status("serving")
	}

	a.log.Info("app started")
	return nil
}

// reloadLoop applies published configs, coalescing bursts.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		var newCfg *config.Config
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			newCfg = c
		}
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					newCfg = newer
				}
			default:
				break drain
			}
		}
		if newCfg == nil {
			continue
		}

		sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
		lastApplied = newCfg
		if len(sections) == 0 {
			a.log.Debug("config reload received, but no effective changes detected")
			continue
		}
		if restart := config.RestartRequired(sections); len(restart) > 0 {
			a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
		}

		logCfg := newCfg
		if a.opts.LogLevel != "" {
			logCfg = overrideLevel(newCfg, a.opts.LogLevel)
		}
		a.logs.Apply(mapLogging(logCfg, "mailsched"))

		if a.opts.Mode.workers() {
			if dc, err := mapDispatch(newCfg); err != nil {
				a.log.Warn("dispatch config rejected", logx.Err(err))
			} else {
				a.dispatch.Apply(ctx, dc)
			}
			if rc, err := mapReconcile(newCfg); err != nil {
				a.log.Warn("reconcile config rejected", logx.Err(err))
			} else if err := a.reconcile.Apply(ctx, rc); err != nil {
				a.log.Warn("reconcile apply failed", logx.Err(err))
			}
		}

		a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Time: time.Now(), Data: sections})
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Info("config reloaded", fields...)
	}
}

// logEvents mirrors bus traffic at debug level.
func (a *App) logEvents(ctx context.Context) error {
	ch, cancel := a.bus.Subscribe(64)
	defer cancel()
	log := a.log.With(logx.String("comp", "events"))
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			switch d := e.Data.(type) {
			case eventbus.DispatchOutcome:
				log.Debug(e.Type, logx.String("message", d.MessageID), logx.String("kind", d.Kind), logx.Int("attempt", d.Attempt))
			case eventbus.Reconciled:
				log.Info(e.Type, logx.Int("requeued", d.Requeued), logx.Int("scanned", d.Scanned))
			default:
				log.Debug(e.Type)
			}
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return a.logs.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("dispatch", 35*time.Second, a.dispatch.Stop)
	step("reconcile", 5*time.Second, a.reconcile.Stop)
	step("supervisor", 15*time.Second, a.sup.Wait)
	step("resources", 5*time.Second, func(context.Context) error {
		a.closeResources()
		return nil
	})

	a.log.Info("stopped")
	return a.logs.Close()
}

// closeResources releases everything New opened, in reverse order.
func (a *App) closeResources() {
	if a.transport != nil {
		if err := a.transport.Close(); err != nil {
			a.log.Warn("transport close failed", logx.Err(err))
		}
	}
	if a.queue != nil {
		_ = a.queue.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
}

// OpenStore loads config and opens only the record store, for one-shot
// commands that need neither redis nor workers.
func OpenStore(ctx context.Context, opts Options) (storage.Store, func(), error) {
	cfgm := config.NewConfigManager(opts.ConfigPath)
	if opts.Lookup != nil {
		cfgm.SetLookup(opts.Lookup)
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, nil, err
	}
	if opts.LogLevel != "" {
		cfg = overrideLevel(cfg, opts.LogLevel)
	}
	logSvc, log := logx.New(mapLogging(cfg, "mailsched"))
	sc, err := mapStorage(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, nil, err
	}
	st, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, nil, fmt.Errorf("storage: %w", err)
	}
	return st, func() {
		_ = st.Close()
		_ = logSvc.Close()
	}, nil
}
