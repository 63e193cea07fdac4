package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	// Must not panic.
	l.Info("hello", String("k", "v"))
	if l.With(String("a", "b")).IsZero() {
		t.Fatal("derived logger with fields should not be zero")
	}
}

func TestServiceApplySwapsLevel(t *testing.T) {
	var buf bytes.Buffer
	svc, log := newService(Config{Level: "warn", Console: true, JSON: true, Service: "mailsched"}, &buf)
	defer svc.Close()

	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}

	svc.Apply(Config{Level: "debug", Console: true, JSON: true, Service: "mailsched"})
	log.With(String("comp", "test")).Debug("kept", Int("n", 3), Err(errors.New("boom")))

	line := strings.TrimSpace(buf.String())
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		t.Fatalf("expected JSON line, got %q: %v", line, err)
	}
	if m["message"] != "kept" || m["comp"] != "test" || m["svc"] != "mailsched" || m["err"] != "boom" {
		t.Fatalf("unexpected fields: %v", m)
	}
	if m["n"].(float64) != 3 {
		t.Fatalf("n = %v, want 3", m["n"])
	}
}

func TestParseLevelDefaults(t *testing.T) {
	t.Parallel()
	if got := parseLevel("nope", LevelInfo); got != LevelInfo {
		t.Fatalf("parseLevel(nope) = %v, want info", got)
	}
	if got := parseLevel(" Warning ", LevelInfo); got != LevelWarn {
		t.Fatalf("parseLevel(warning) = %v, want warn", got)
	}
}

func TestCallerAndNilErr(t *testing.T) {
	var buf bytes.Buffer
	svc, log := newService(Config{Level: "info", Console: true, JSON: true}, &buf)
	defer svc.Close()

	log.With(String("comp", "x")).Warn("hi", Err(nil), Int64("n", 2))

	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m); err != nil {
		t.Fatalf("expected JSON line, got %q: %v", buf.String(), err)
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
		t.Fatalf("caller = %v", m["caller"])
	}
	if _, ok := m["err"]; ok {
		t.Fatalf("nil error should not be logged: %v", m)
	}
	if m["level"] != "warn" || m["comp"] != "x" {
		t.Fatalf("unexpected fields: %v", m)
	}
}
