package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func noEnv(string) (string, bool) { return "", false }

func envMap(m map[string]string) LookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestParseJSONAppliesDefaults(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "c.json", `{"http":{"addr":":8080"},"dispatch":{"workers":2}}`)
	m := NewConfigManager(p)
	m.SetLookup(noEnv)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" || cfg.Dispatch.Workers != 2 {
		t.Fatalf("file values lost: %+v", cfg)
	}
	if cfg.Queue.Attempts != 3 || cfg.Dispatch.MinDelay != "1s" || cfg.Reconcile.Schedule != "@every 1m" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if !cfg.Dispatch.IsEnabled() || !cfg.Reconcile.IsEnabled() {
		t.Fatalf("omitted enabled flags should default to true")
	}
	if m.Get() != cfg {
		t.Fatalf("Get should return the committed config")
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "c.yaml", "queue:\n  driver: memory\n  attempts: 5\nratelimit:\n  driver: memory\n")
	m := NewConfigManager(p)
	m.SetLookup(noEnv)
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Queue.Driver != "memory" || cfg.Queue.Attempts != 5 {
		t.Fatalf("yaml not decoded: %+v", cfg.Queue)
	}
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"unknown field": `{"dispatch":{"wokers":2}}`,
		"trailing":      `{} {}`,
	}
	for name, body := range tests {
		body := body
		t.Run(name, func(t *testing.T) {
			m := NewConfigManager(writeFile(t, "c.json", body))
			m.SetLookup(noEnv)
			if _, err := m.Parse(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestParseWithoutFileUsesDefaults(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("")
	m.SetLookup(envMap(map[string]string{"PORT": "4000"}))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.HTTP.Addr != ":4000" || cfg.Database.Driver != "sqlite" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	cfg := Default()
	err := ApplyEnv(cfg, envMap(map[string]string{
		"DATABASE_URL":      "postgres://app@db/mailsched",
		"REDIS_HOST":        "cache",
		"REDIS_PORT":        "6380",
		"EMAIL_CONCURRENCY": "8",
		"MIN_DELAY_MS":      "250",
		"SMTP_HOST":         "smtp.example.com",
	}))
	if err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Database.Driver != "postgres" || cfg.Redis.Host != "cache" || cfg.Redis.Port != 6380 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Dispatch.Workers != 8 || cfg.Dispatch.MinDelay != "250ms" {
		t.Fatalf("dispatch = %+v", cfg.Dispatch)
	}
	if cfg.Transport.Driver != "smtp" || cfg.Transport.Host != "smtp.example.com" {
		t.Fatalf("transport = %+v", cfg.Transport)
	}

	if err := ApplyEnv(Default(), envMap(map[string]string{"REDIS_PORT": "x"})); err == nil {
		t.Fatalf("expected error for bad REDIS_PORT")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"mixed backends", func(c *Config) { c.Queue.Driver = "memory" }, "both be memory"},
		{"smtp without host", func(c *Config) { c.Transport.Driver = "smtp" }, "transport.host"},
		{"bad cron", func(c *Config) { c.Reconcile.Schedule = "every now and then" }, "reconcile.schedule"},
		{"bad duration", func(c *Config) { c.Dispatch.MinDelay = "soon" }, "dispatch.min_delay"},
		{"unknown db", func(c *Config) { c.Database.Driver = "mongo" }, "database.driver"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate = %v, want mention of %q", err, tt.want)
			}
		})
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "c.json", `{"dispatch":{"workers":2}}`)
	m := NewConfigManager(p)
	m.SetLookup(noEnv)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	if ok, err := m.Reload(context.Background()); ok || err != nil {
		t.Fatalf("unchanged reload = %v, %v", ok, err)
	}

	if err := os.WriteFile(p, []byte(`{"dispatch":{"workers":7}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	ok, err := m.Reload(context.Background())
	if !ok || err != nil {
		t.Fatalf("changed reload = %v, %v", ok, err)
	}
	select {
	case cfg := <-ch:
		if cfg.Dispatch.Workers != 7 {
			t.Fatalf("published workers = %d", cfg.Dispatch.Workers)
		}
	case <-time.After(time.Second):
		t.Fatalf("no config published")
	}

	if err := os.WriteFile(p, []byte(`{"dispatch":{"workers":-1}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	// -1 is replaced by the default, so this is a change back to 5.
	if ok, err := m.Reload(context.Background()); !ok || err != nil {
		t.Fatalf("reload = %v, %v", ok, err)
	}

	m.SetValidator(func(ctx context.Context, cfg *Config) error { return context.Canceled })
	_ = os.WriteFile(p, []byte(`{"dispatch":{"workers":3}}`), 0o600)
	if ok, err := m.Reload(context.Background()); ok || err == nil {
		t.Fatalf("validator should reject reload")
	}
	if m.Get().Dispatch.Workers != 5 {
		t.Fatalf("rejected config was committed")
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "c.json", `{"dispatch":{"workers":2}}`)
	m := NewConfigManager(p)
	m.SetLookup(noEnv)
	m.debounce = 10 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(p, []byte(`{"dispatch":{"workers":9}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case cfg := <-ch:
		if cfg.Dispatch.Workers != 9 {
			t.Fatalf("workers = %d", cfg.Dispatch.Workers)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("watch did not publish")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a, b := Default(), Default()
	b.Dispatch.Workers = 10
	b.Transport.Password = "secret"

	changed, attrs := SummarizeConfigChange(a, b)
	if strings.Join(changed, ",") != "dispatch,transport" {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected attrs")
	}
	if got := RestartRequired(changed); len(got) != 1 || got[0] != "transport" {
		t.Fatalf("RestartRequired = %v", got)
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationOrDefault("x", "", time.Second); err != nil || d != time.Second {
		t.Fatalf("empty = %s, %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "250ms", time.Second); err != nil || d != 250*time.Millisecond {
		t.Fatalf("250ms = %s, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatalf("negative duration should fail")
	}
}

func TestLoadDotEnv(t *testing.T) {
	p := writeFile(t, ".env", "MAILSCHED_TEST_DOTENV=from-file\n")
	t.Cleanup(func() { _ = os.Unsetenv("MAILSCHED_TEST_DOTENV") })
	if err := LoadDotEnv(p, filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("MAILSCHED_TEST_DOTENV"); got != "from-file" {
		t.Fatalf("env = %q", got)
	}
}
