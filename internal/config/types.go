package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "30s", "5m"). Empty or zero
// values fall back to the defaults in defaults.go.
type Config struct {
	HTTP      HTTPConfig      `json:"http"`
	Logging   LoggingConfig   `json:"logging"`
	Database  DatabaseConfig  `json:"database"`
	Redis     RedisConfig     `json:"redis"`
	Queue     QueueConfig     `json:"queue"`
	RateLimit RateLimitConfig `json:"ratelimit"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Transport TransportConfig `json:"transport"`
	Reconcile ReconcileConfig `json:"reconcile"`
	Metrics   MetricsConfig   `json:"metrics"`
}

type HTTPConfig struct {
	Addr            string   `json:"addr"`
	ReadTimeout     string   `json:"read_timeout,omitempty"`
	WriteTimeout    string   `json:"write_timeout,omitempty"`
	ShutdownTimeout string   `json:"shutdown_timeout,omitempty"`
	CORSOrigins     []string `json:"cors_origins,omitempty"`
	// Pprof mounts /debug/pprof on the API listener.
	Pprof bool `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DatabaseConfig selects the record store.
//
// Example:
//
//	"database": { "driver": "postgres", "dsn": "postgres://app@db/mailsched" }
type DatabaseConfig struct {
	Driver       string `json:"driver"`
	DSN          string `json:"dsn"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	// Prefix namespaces every key (queue and rate counters).
	Prefix string `json:"prefix,omitempty"`
}

type QueueConfig struct {
	Driver       string `json:"driver"`
	Attempts     int    `json:"attempts,omitempty"`
	BackoffBase  string `json:"backoff_base,omitempty"`
	Lease        string `json:"lease,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
}

type RateLimitConfig struct {
	Driver string `json:"driver"`
	// ExpirySlack extends each hourly key past its bucket.
	ExpirySlack string `json:"expiry_slack,omitempty"`
	// UnavailableRetry is how long a job waits when the counter cannot be reached.
	UnavailableRetry string `json:"unavailable_retry,omitempty"`
}

// DispatchConfig controls the worker pool.
//
// Enabled is a pointer so an omitted block still runs workers.
type DispatchConfig struct {
	Enabled      *bool  `json:"enabled,omitempty"`
	Workers      int    `json:"workers,omitempty"`
	MinDelay     string `json:"min_delay,omitempty"`
	MaxPerSecond int    `json:"max_per_second,omitempty"`
	SendTimeout  string `json:"send_timeout,omitempty"`
	HistorySize  int    `json:"history_size,omitempty"`
}

type TransportConfig struct {
	Driver   string `json:"driver"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	TLS      string `json:"tls,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

type ReconcileConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Schedule string `json:"schedule,omitempty"`
	Grace    string `json:"grace,omitempty"`
	Batch    int    `json:"batch,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

func (d DispatchConfig) IsEnabled() bool  { return d.Enabled == nil || *d.Enabled }
func (r ReconcileConfig) IsEnabled() bool { return r.Enabled == nil || *r.Enabled }
