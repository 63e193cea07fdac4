// Package domain holds the types shared by admission, dispatch, storage and
// the HTTP boundary. It imports nothing else from this module.
package domain

import (
	"strings"
	"time"
)

// DefaultHourlyQuota is applied when a sender is created without a quota.
const DefaultHourlyQuota = 100

// Status is the delivery state of a scheduled message.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusThrottled Status = "THROTTLED"
	StatusSent      Status = "SENT"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further writes are allowed.
func (s Status) Terminal() bool { return s == StatusSent || s == StatusFailed }

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusThrottled, StatusSent, StatusFailed:
		return true
	}
	return false
}

// ParseStatus is case-insensitive ("sent" == "SENT").
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", &ValidationError{Field: "status", Reason: "unknown status " + raw}
	}
	return s, nil
}

// CanTransition encodes the allowed status graph:
//
//	PENDING   -> SENT | FAILED | THROTTLED
//	THROTTLED -> SENT | FAILED | THROTTLED
//
// Re-writing the same non-terminal status is allowed (attempt bookkeeping).
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}
	if to == StatusPending {
		return from == StatusPending
	}
	return true
}

type Sender struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Email       string    `json:"email"`
	HourlyQuota int       `json:"hourlyQuota"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Validate normalizes the sender in place.
func (s *Sender) Validate() error {
	s.Name = strings.TrimSpace(s.Name)
	s.Email = strings.TrimSpace(s.Email)
	if s.Name == "" {
		return &ValidationError{Field: "name", Reason: "is required"}
	}
	if s.Email == "" || !strings.Contains(s.Email, "@") {
		return &ValidationError{Field: "email", Reason: "must be an email address"}
	}
	if s.HourlyQuota == 0 {
		s.HourlyQuota = DefaultHourlyQuota
	}
	if s.HourlyQuota < 0 {
		return &ValidationError{Field: "hourlyQuota", Reason: "must be positive"}
	}
	return nil
}

type ScheduledMessage struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"senderId"`
	Recipient   string    `json:"recipient"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
	SendAt      time.Time `json:"sendAt"`
	Status      Status    `json:"status"`
	JobID       string    `json:"jobId,omitempty"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"lastError,omitempty"`
	TransportID string    `json:"transportId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Record is a message joined with its sender (list/detail views).
type Record struct {
	ScheduledMessage
	Sender Sender `json:"sender"`
}

// Filter narrows ListMessages. Zero values mean "any".
type Filter struct {
	Status      Status
	SenderEmail string
	Limit       int
}

// Cursor is a keyset position in (updated_at, id) order.
type Cursor struct {
	UpdatedAt time.Time
	ID        string
}

func (c Cursor) IsZero() bool { return c.ID == "" && c.UpdatedAt.IsZero() }

// CursorOf positions a cursor just at m.
func CursorOf(m ScheduledMessage) Cursor { return Cursor{UpdatedAt: m.UpdatedAt, ID: m.ID} }

// Update is a status write performed by the dispatcher.
// Nil pointers leave the column untouched.
type Update struct {
	Status      Status
	Attempts    *int
	LastError   *string
	TransportID string
}
