package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailsched/internal/config"
	"mailsched/internal/domain"
)

func noEnv(string) (string, bool) { return "", false }

func writeConfig(t *testing.T, mutate func(c map[string]any)) string {
	t.Helper()
	dir := t.TempDir()
	c := map[string]any{
		"http":     map[string]any{"addr": "127.0.0.1:0"},
		"logging":  map[string]any{"level": "error", "console": false},
		"database": map[string]any{"driver": "sqlite", "dsn": filepath.Join(dir, "app.db")},
		"queue":    map[string]any{"driver": "memory", "poll_interval": "20ms"},
		"ratelimit": map[string]any{
			"driver": "memory",
		},
		"dispatch":  map[string]any{"workers": 2, "min_delay": "1ms"},
		"transport": map[string]any{"driver": "log"},
		"metrics":   map[string]any{"enabled": true},
	}
	if mutate != nil {
		mutate(c)
	}
	b, err := json.Marshal(c)
	require.NoError(t, err)
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func startApp(t *testing.T, mode Mode, path string) *App {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	a, err := New(ctx, Options{ConfigPath: path, Mode: mode, Lookup: noEnv})
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() {
		cancel()
		stopCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		_ = a.Stop(stopCtx, StopDone)
	})
	return a
}

func postJSON(t *testing.T, url string, body any, out any) int {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestServeEndToEnd(t *testing.T) {
	a := startApp(t, ModeServe, writeConfig(t, nil))

	require.Eventually(t, func() bool { return a.API().Addr() != "" }, 5*time.Second, 10*time.Millisecond)
	base := "http://" + a.API().Addr()

	var sender domain.Sender
	code := postJSON(t, base+"/api/senders", map[string]any{"name": "Ops", "email": "ops@example.com", "hourlyQuota": 10}, &sender)
	require.Equal(t, http.StatusCreated, code)

	var scheduled struct {
		Message string `json:"message"`
		Jobs    []struct {
			ID string `json:"id"`
		} `json:"jobs"`
	}
	code = postJSON(t, base+"/api/schedule", map[string]any{
		"senderId":   sender.ID,
		"recipients": []string{"a@example.com", "b@example.com"},
		"subject":    "hi",
		"body":       "hello",
	}, &scheduled)
	require.Equal(t, http.StatusCreated, code)
	require.Len(t, scheduled.Jobs, 2)

	require.Eventually(t, func() bool {
		for _, j := range scheduled.Jobs {
			m, err := a.Store().GetMessage(context.Background(), j.ID)
			if err != nil || m.Status != domain.StatusSent {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWorkerModeDoesNotListen(t *testing.T) {
	a := startApp(t, ModeWorker, writeConfig(t, nil))
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, a.API().Addr())
	assert.True(t, a.Dispatcher().Snapshot(context.Background()).Running)
}

func redisConfig(t *testing.T) func(c map[string]any) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	return func(c map[string]any) {
		c["redis"] = map[string]any{"host": mr.Host(), "port": port, "prefix": "t:"}
		c["queue"] = map[string]any{"driver": "redis", "poll_interval": "20ms"}
		c["ratelimit"] = map[string]any{"driver": "redis"}
	}
}

func TestAPIModeDoesNotDispatch(t *testing.T) {
	a := startApp(t, ModeAPI, writeConfig(t, redisConfig(t)))
	require.Eventually(t, func() bool { return a.API().Addr() != "" }, 5*time.Second, 10*time.Millisecond)
	assert.False(t, a.Dispatcher().Snapshot(context.Background()).Running)
}

func TestAPIModeRejectsMemoryQueue(t *testing.T) {
	path := writeConfig(t, nil)
	_, err := New(context.Background(), Options{ConfigPath: path, Mode: ModeAPI, Lookup: noEnv})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue.driver=memory")

	// The same file is fine when the process also runs the workers.
	for _, mode := range []Mode{ModeServe, ModeWorker} {
		a, err := New(context.Background(), Options{ConfigPath: path, Mode: mode, Lookup: noEnv})
		require.NoError(t, err, mode)
		require.NoError(t, a.Stop(context.Background(), StopDone))
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, func(c map[string]any) {
		c["ratelimit"] = map[string]any{"driver": "redis"}
	})
	_, err := New(context.Background(), Options{ConfigPath: path, Lookup: noEnv})
	require.Error(t, err)
}

func TestReloadAppliesDispatchPacing(t *testing.T) {
	path := writeConfig(t, nil)
	a := startApp(t, ModeWorker, path)

	cfg := a.cfgm.Get()
	next := *cfg
	next.Dispatch.MinDelay = "250ms"
	next.Dispatch.MaxPerSecond = 7
	b, err := json.Marshal(&next)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))

	// The file watcher may get there first; either path publishes once.
	_, err = a.cfgm.Reload(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s := a.Dispatcher().Snapshot(context.Background())
		return s.MinDelay == "250ms" && s.MaxPerSecond == 7
	}, 5*time.Second, 20*time.Millisecond)
}

func TestMappingParsesDurations(t *testing.T) {
	cfg := config.Default()
	cfg.Dispatch.MinDelay = "2s"
	cfg.Queue.Driver = "memory"
	cfg.RateLimit.Driver = "memory"

	dc, err := mapDispatch(cfg)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, dc.MinDelay)
	assert.True(t, dc.Enabled)
	assert.False(t, needsRedis(cfg))

	cfg.Dispatch.MinDelay = "soon"
	_, err = mapDispatch(cfg)
	assert.Error(t, err)
}
