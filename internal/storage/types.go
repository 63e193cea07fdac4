package storage

import (
	"context"
	"errors"
	"time"

	"mailsched/internal/domain"
)

// ErrInvalidTransition is returned when an update would move a message along
// an edge the status graph does not allow.
var ErrInvalidTransition = errors.New("storage: invalid status transition")

type Config struct {
	Driver       string
	DSN          string        // sqlite: file path; postgres: connection URL
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only; 0 means default
}

// Store is the persistence API used by admission, dispatch, reconcile and the
// HTTP boundary.
type Store interface {
	CreateSender(ctx context.Context, s domain.Sender) (domain.Sender, error)
	GetSender(ctx context.Context, id string) (domain.Sender, error)
	ListSenders(ctx context.Context) ([]domain.Sender, error)

	// CreateMessage inserts a PENDING record. ID, CreatedAt and UpdatedAt are
	// assigned when empty.
	CreateMessage(ctx context.Context, m domain.ScheduledMessage) (domain.ScheduledMessage, error)
	SetJobID(ctx context.Context, id, jobID string) error
	// UpdateMessage applies a dispatcher write. It never touches a SENT or
	// FAILED record and returns domain.ErrTerminal instead.
	UpdateMessage(ctx context.Context, id string, u domain.Update) error
	GetMessage(ctx context.Context, id string) (domain.ScheduledMessage, error)
	GetRecord(ctx context.Context, id string) (domain.Record, error)
	ListMessages(ctx context.Context, f domain.Filter) ([]domain.Record, error)
	// ListUnsettled returns PENDING/THROTTLED records not updated since olderThan,
	// in (updated_at, id) order and strictly after the cursor.
	ListUnsettled(ctx context.Context, olderThan time.Time, after domain.Cursor, limit int) ([]domain.ScheduledMessage, error)

	Close() error
}
