package config

import (
	"reflect"
	"strings"

	logx "mailsched/pkg/logx"
)

// SummarizeConfigChange lists changed sections and safe fields for logging.
// Secrets (passwords, DSNs) are reported only as "set".
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)
	section := func(name string, a, b any, fields ...logx.Field) {
		if reflect.DeepEqual(a, b) {
			return
		}
		changed = append(changed, name)
		attrs = append(attrs, fields...)
	}

	section("http", oldCfg.HTTP, newCfg.HTTP,
		logx.String("http.addr", newCfg.HTTP.Addr))
	section("logging", oldCfg.Logging, newCfg.Logging,
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.file", newCfg.Logging.File.Enabled))
	section("database", oldCfg.Database, newCfg.Database,
		logx.String("database.driver", newCfg.Database.Driver),
		logx.Bool("database.dsn_set", strings.TrimSpace(newCfg.Database.DSN) != ""))
	section("redis", oldCfg.Redis, newCfg.Redis,
		logx.String("redis.host", newCfg.Redis.Host),
		logx.Int("redis.port", newCfg.Redis.Port),
		logx.Bool("redis.password_set", newCfg.Redis.Password != ""))
	section("queue", oldCfg.Queue, newCfg.Queue,
		logx.String("queue.driver", newCfg.Queue.Driver),
		logx.Int("queue.attempts", newCfg.Queue.Attempts))
	section("ratelimit", oldCfg.RateLimit, newCfg.RateLimit,
		logx.String("ratelimit.driver", newCfg.RateLimit.Driver),
		logx.String("ratelimit.unavailable_retry", newCfg.RateLimit.UnavailableRetry))
	section("dispatch", oldCfg.Dispatch, newCfg.Dispatch,
		logx.Int("dispatch.workers", newCfg.Dispatch.Workers),
		logx.String("dispatch.min_delay", newCfg.Dispatch.MinDelay),
		logx.Int("dispatch.max_per_second", newCfg.Dispatch.MaxPerSecond))
	section("transport", oldCfg.Transport, newCfg.Transport,
		logx.String("transport.driver", newCfg.Transport.Driver),
		logx.String("transport.host", newCfg.Transport.Host),
		logx.Bool("transport.password_set", newCfg.Transport.Password != ""))
	section("reconcile", oldCfg.Reconcile, newCfg.Reconcile,
		logx.String("reconcile.schedule", newCfg.Reconcile.Schedule))
	section("metrics", oldCfg.Metrics, newCfg.Metrics,
		logx.Bool("metrics.enabled", newCfg.Metrics.Enabled))

	return changed, attrs
}

// RestartRequired reports sections that only take effect on restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "logging", "dispatch", "reconcile":
		default:
			out = append(out, s)
		}
	}
	return out
}
