package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

var (
	knownDB        = []string{"sqlite", "sqlite3", "postgres", "postgresql", "pgx"}
	knownBackends  = []string{"redis", "memory"}
	knownTransport = []string{"log", "smtp"}
)

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	for path, raw := range map[string]string{
		"http.read_timeout":           c.HTTP.ReadTimeout,
		"http.write_timeout":          c.HTTP.WriteTimeout,
		"http.shutdown_timeout":       c.HTTP.ShutdownTimeout,
		"database.busy_timeout":       c.Database.BusyTimeout,
		"queue.backoff_base":          c.Queue.BackoffBase,
		"queue.lease":                 c.Queue.Lease,
		"queue.poll_interval":         c.Queue.PollInterval,
		"ratelimit.expiry_slack":      c.RateLimit.ExpirySlack,
		"ratelimit.unavailable_retry": c.RateLimit.UnavailableRetry,
		"dispatch.min_delay":          c.Dispatch.MinDelay,
		"dispatch.send_timeout":       c.Dispatch.SendTimeout,
		"transport.timeout":           c.Transport.Timeout,
		"reconcile.grace":             c.Reconcile.Grace,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(c.HTTP.Addr) == "" {
		add("http.addr is required")
	}
	if !oneOf(c.Database.Driver, knownDB) {
		add("database.driver: unknown driver %q", c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		add("database.dsn is required")
	}
	if !oneOf(c.Queue.Driver, knownBackends) {
		add("queue.driver: unknown driver %q", c.Queue.Driver)
	}
	if !oneOf(c.RateLimit.Driver, knownBackends) {
		add("ratelimit.driver: unknown driver %q", c.RateLimit.Driver)
	}
	if strings.EqualFold(c.Queue.Driver, "memory") != strings.EqualFold(c.RateLimit.Driver, "memory") {
		add("queue.driver and ratelimit.driver must both be memory or both be redis")
	}
	if c.Queue.Attempts < 1 {
		add("queue.attempts must be >= 1")
	}
	if c.Dispatch.Workers < 1 {
		add("dispatch.workers must be >= 1")
	}
	if c.Dispatch.MaxPerSecond < 1 {
		add("dispatch.max_per_second must be >= 1")
	}
	if !oneOf(c.Transport.Driver, knownTransport) {
		add("transport.driver: unknown driver %q", c.Transport.Driver)
	}
	if strings.EqualFold(c.Transport.Driver, "smtp") && strings.TrimSpace(c.Transport.Host) == "" {
		add("transport.host is required when transport.driver=smtp")
	}
	if c.Reconcile.IsEnabled() {
		if _, err := cron.ParseStandard(c.Reconcile.Schedule); err != nil {
			add("reconcile.schedule: %v", err)
		}
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		add("metrics.path must start with /")
	}
	return errors.Join(errs...)
}

func oneOf(v string, set []string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	for _, s := range set {
		if v == s {
			return true
		}
	}
	return false
}
