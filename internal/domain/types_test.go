package domain

import (
	"fmt"
	"testing"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusSent, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusThrottled, true},
		{StatusPending, StatusPending, true},
		{StatusThrottled, StatusThrottled, true},
		{StatusThrottled, StatusSent, true},
		{StatusThrottled, StatusFailed, true},
		{StatusThrottled, StatusPending, false},
		{StatusSent, StatusFailed, false},
		{StatusSent, StatusSent, false},
		{StatusFailed, StatusThrottled, false},
		{Status("BOGUS"), StatusSent, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestParseStatus(t *testing.T) {
	t.Parallel()
	s, err := ParseStatus(" throttled ")
	if err != nil || s != StatusThrottled {
		t.Fatalf("ParseStatus = %q, %v", s, err)
	}
	if _, err := ParseStatus("queued"); !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSenderValidateDefaultsQuota(t *testing.T) {
	t.Parallel()
	s := Sender{Name: " Ops ", Email: "ops@example.com"}
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if s.HourlyQuota != DefaultHourlyQuota || s.Name != "Ops" {
		t.Fatalf("unexpected sender after validate: %+v", s)
	}

	bad := Sender{Name: "x", Email: "nope"}
	if err := bad.Validate(); !IsValidation(err) {
		t.Fatalf("expected validation error for bad email, got %v", err)
	}
}
