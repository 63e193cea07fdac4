// Package dispatch runs the worker pool that turns due jobs into sent mail.
package dispatch

import (
	"context"
	"time"

	"mailsched/internal/domain"
	"mailsched/internal/eventbus"
	"mailsched/internal/queue"
	"mailsched/internal/ratelimit"
	"mailsched/internal/transport"
	logx "mailsched/pkg/logx"

	rtsup "mailsched/internal/runtime/supervisor"
)

const (
	defaultWorkers          = 5
	defaultSendTimeout      = 30 * time.Second
	defaultUnavailableRetry = 30 * time.Second
	defaultHistorySize      = 200

	// settleTimeout bounds the bookkeeping writes after a send, which run even
	// when the worker context is already cancelled.
	settleTimeout = 10 * time.Second
)

type Config struct {
	Enabled bool
	Workers int
	// MinDelay is the per-worker pause after each successful send.
	MinDelay time.Duration
	// MaxPerSecond caps claims across all workers. 0 means unlimited.
	MaxPerSecond     int
	SendTimeout      time.Duration
	UnavailableRetry time.Duration
	HistorySize      int
}

func (c Config) normalize() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
	if c.UnavailableRetry <= 0 {
		c.UnavailableRetry = defaultUnavailableRetry
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	if c.MinDelay < 0 {
		c.MinDelay = 0
	}
	return c
}

// Store is what a worker reads and writes while processing one job.
type Store interface {
	GetMessage(ctx context.Context, id string) (domain.ScheduledMessage, error)
	GetSender(ctx context.Context, id string) (domain.Sender, error)
	UpdateMessage(ctx context.Context, id string, u domain.Update) error
}

type Deps struct {
	Store     Store
	Queue     queue.Queue
	Counter   ratelimit.Counter
	Transport transport.Transport
	Bus       eventbus.Bus
	Log       logx.Logger
}

// HistoryItem is one processed job, kept for the snapshot.
type HistoryItem struct {
	At time.Time `json:"at"`
	eventbus.DispatchOutcome
}

type Snapshot struct {
	Enabled      bool              `json:"enabled"`
	Running      bool              `json:"running"`
	Workers      int               `json:"workers"`
	InFlight     int32             `json:"inFlight"`
	MinDelay     string            `json:"minDelay"`
	MaxPerSecond int               `json:"maxPerSecond"`
	Outcomes     map[string]uint64 `json:"outcomes"`
	Queue        *queue.Stats      `json:"queue,omitempty"`
	QueueErr     string            `json:"queueError,omitempty"`
	Goroutines   []rtsup.Stats     `json:"goroutines,omitempty"`
	Recent       []HistoryItem     `json:"recent"`
}
