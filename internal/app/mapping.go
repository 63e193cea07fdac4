package app

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"mailsched/internal/api"
	"mailsched/internal/config"
	"mailsched/internal/dispatch"
	"mailsched/internal/queue"
	"mailsched/internal/ratelimit"
	"mailsched/internal/reconcile"
	"mailsched/internal/storage"
	"mailsched/internal/transport"
	logx "mailsched/pkg/logx"
)

func mapLogging(cfg *config.Config, service string) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Service: service,
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("database.busy_timeout", cfg.Database.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN,
		BusyTimeout:  busy,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	}, nil
}

func mapQueue(cfg *config.Config) (queue.Config, error) {
	backoff, err := config.ParseDurationField("queue.backoff_base", cfg.Queue.BackoffBase)
	if err != nil {
		return queue.Config{}, err
	}
	lease, err := config.ParseDurationField("queue.lease", cfg.Queue.Lease)
	if err != nil {
		return queue.Config{}, err
	}
	poll, err := config.ParseDurationField("queue.poll_interval", cfg.Queue.PollInterval)
	if err != nil {
		return queue.Config{}, err
	}
	return queue.Config{
		Driver: cfg.Queue.Driver,
		Prefix: cfg.Redis.Prefix,
		Policy: queue.Policy{
			Attempts:     cfg.Queue.Attempts,
			BackoffBase:  backoff,
			Lease:        lease,
			PollInterval: poll,
		},
	}, nil
}

func mapRateLimit(cfg *config.Config) (ratelimit.Config, error) {
	slack, err := config.ParseDurationOrDefault("ratelimit.expiry_slack", cfg.RateLimit.ExpirySlack, ratelimit.DefaultExpirySlack)
	if err != nil {
		return ratelimit.Config{}, err
	}
	return ratelimit.Config{Driver: cfg.RateLimit.Driver, Prefix: cfg.Redis.Prefix, ExpirySlack: slack}, nil
}

func mapDispatch(cfg *config.Config) (dispatch.Config, error) {
	minDelay, err := config.ParseDurationField("dispatch.min_delay", cfg.Dispatch.MinDelay)
	if err != nil {
		return dispatch.Config{}, err
	}
	sendTimeout, err := config.ParseDurationField("dispatch.send_timeout", cfg.Dispatch.SendTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	unavailable, err := config.ParseDurationField("ratelimit.unavailable_retry", cfg.RateLimit.UnavailableRetry)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Enabled:          cfg.Dispatch.IsEnabled(),
		Workers:          cfg.Dispatch.Workers,
		MinDelay:         minDelay,
		MaxPerSecond:     cfg.Dispatch.MaxPerSecond,
		SendTimeout:      sendTimeout,
		UnavailableRetry: unavailable,
		HistorySize:      cfg.Dispatch.HistorySize,
	}, nil
}

func mapTransport(cfg *config.Config) (transport.Config, error) {
	timeout, err := config.ParseDurationField("transport.timeout", cfg.Transport.Timeout)
	if err != nil {
		return transport.Config{}, err
	}
	return transport.Config{
		Driver:   cfg.Transport.Driver,
		Host:     cfg.Transport.Host,
		Port:     cfg.Transport.Port,
		Username: cfg.Transport.Username,
		Password: cfg.Transport.Password,
		TLS:      cfg.Transport.TLS,
		Timeout:  timeout,
	}, nil
}

func mapReconcile(cfg *config.Config) (reconcile.Config, error) {
	grace, err := config.ParseDurationField("reconcile.grace", cfg.Reconcile.Grace)
	if err != nil {
		return reconcile.Config{}, err
	}
	return reconcile.Config{
		Enabled:  cfg.Reconcile.IsEnabled(),
		Schedule: cfg.Reconcile.Schedule,
		Grace:    grace,
		Batch:    cfg.Reconcile.Batch,
	}, nil
}

func mapHTTP(cfg *config.Config) (api.Config, error) {
	read, err := config.ParseDurationField("http.read_timeout", cfg.HTTP.ReadTimeout)
	if err != nil {
		return api.Config{}, err
	}
	write, err := config.ParseDurationField("http.write_timeout", cfg.HTTP.WriteTimeout)
	if err != nil {
		return api.Config{}, err
	}
	shutdown, err := config.ParseDurationField("http.shutdown_timeout", cfg.HTTP.ShutdownTimeout)
	if err != nil {
		return api.Config{}, err
	}
	return api.Config{
		Addr:            cfg.HTTP.Addr,
		ReadTimeout:     read,
		WriteTimeout:    write,
		ShutdownTimeout: shutdown,
		CORSOrigins:     cfg.HTTP.CORSOrigins,
		MetricsPath:     cfg.Metrics.Path,
		Pprof:           cfg.HTTP.Pprof,
	}, nil
}

// needsRedis reports whether any backend is configured for redis.
func needsRedis(cfg *config.Config) bool {
	isRedis := func(d string) bool {
		d = strings.ToLower(strings.TrimSpace(d))
		return d == "" || d == "redis"
	}
	return isRedis(cfg.Queue.Driver) || isRedis(cfg.RateLimit.Driver)
}

// openRedis connects and pings. The queue and the counter share one client.
func openRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(cfg.Redis.Host, strconv.Itoa(cfg.Redis.Port)),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis %s: %w", rdb.Options().Addr, err)
	}
	return rdb, nil
}

// checkMode rejects mode and driver pairs where admitted jobs would never be
// dispatched. A memory queue lives only inside the process that owns it.
func checkMode(mode Mode, cfg *config.Config) error {
	if mode.api() && !mode.workers() && strings.EqualFold(cfg.Queue.Driver, "memory") {
		return fmt.Errorf("%s mode needs a shared queue: queue.driver=memory is only dispatched by serve", mode)
	}
	return nil
}
