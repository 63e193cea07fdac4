package config

// Default values. Durations are in the same string form as the file.
const (
	DefaultHTTPAddr        = ":3000"
	DefaultShutdownTimeout = "10s"

	DefaultDatabaseDriver = "sqlite"
	DefaultDatabaseDSN    = "./data/mailsched.db"

	DefaultRedisHost   = "localhost"
	DefaultRedisPort   = 6379
	DefaultRedisPrefix = "mailsched:"

	DefaultQueueAttempts     = 3
	DefaultQueueBackoffBase  = "1s"
	DefaultQueueLease        = "5m"
	DefaultQueuePollInterval = "1s"

	DefaultExpirySlack      = "60s"
	DefaultUnavailableRetry = "30s"

	DefaultWorkers      = 5
	DefaultMinDelay     = "1s"
	DefaultMaxPerSecond = 100
	DefaultSendTimeout  = "30s"
	DefaultHistorySize  = 200

	DefaultReconcileSchedule = "@every 1m"
	DefaultReconcileGrace    = "5m"
	DefaultReconcileBatch    = 100

	DefaultMetricsPath = "/metrics"
)

// Default returns a config that runs without a file.
func Default() *Config {
	c := &Config{}
	c.Logging.Level = "info"
	c.Logging.Console = true
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills every zero field in place.
func (c *Config) ApplyDefaults() {
	setStr := func(p *string, v string) {
		if *p == "" {
			*p = v
		}
	}
	setInt := func(p *int, v int) {
		if *p <= 0 {
			*p = v
		}
	}

	setStr(&c.HTTP.Addr, DefaultHTTPAddr)
	setStr(&c.HTTP.ShutdownTimeout, DefaultShutdownTimeout)
	if len(c.HTTP.CORSOrigins) == 0 {
		c.HTTP.CORSOrigins = []string{"*"}
	}

	setStr(&c.Logging.Level, "info")

	setStr(&c.Database.Driver, DefaultDatabaseDriver)
	if c.Database.Driver == DefaultDatabaseDriver {
		setStr(&c.Database.DSN, DefaultDatabaseDSN)
	}

	setStr(&c.Redis.Host, DefaultRedisHost)
	setInt(&c.Redis.Port, DefaultRedisPort)
	setStr(&c.Redis.Prefix, DefaultRedisPrefix)

	setStr(&c.Queue.Driver, "redis")
	setInt(&c.Queue.Attempts, DefaultQueueAttempts)
	setStr(&c.Queue.BackoffBase, DefaultQueueBackoffBase)
	setStr(&c.Queue.Lease, DefaultQueueLease)
	setStr(&c.Queue.PollInterval, DefaultQueuePollInterval)

	setStr(&c.RateLimit.Driver, "redis")
	setStr(&c.RateLimit.ExpirySlack, DefaultExpirySlack)
	setStr(&c.RateLimit.UnavailableRetry, DefaultUnavailableRetry)

	setInt(&c.Dispatch.Workers, DefaultWorkers)
	setStr(&c.Dispatch.MinDelay, DefaultMinDelay)
	setInt(&c.Dispatch.MaxPerSecond, DefaultMaxPerSecond)
	setStr(&c.Dispatch.SendTimeout, DefaultSendTimeout)
	setInt(&c.Dispatch.HistorySize, DefaultHistorySize)

	setStr(&c.Transport.Driver, "log")

	setStr(&c.Reconcile.Schedule, DefaultReconcileSchedule)
	setStr(&c.Reconcile.Grace, DefaultReconcileGrace)
	setInt(&c.Reconcile.Batch, DefaultReconcileBatch)

	setStr(&c.Metrics.Path, DefaultMetricsPath)
}
