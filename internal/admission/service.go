// Package admission accepts campaign requests and turns each recipient into a
// persisted PENDING message plus a delayed job.
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailsched/internal/domain"
	"mailsched/internal/eventbus"
	"mailsched/internal/queue"
	logx "mailsched/pkg/logx"
)

// Store is the slice of the record store admission writes to.
type Store interface {
	GetSender(ctx context.Context, id string) (domain.Sender, error)
	CreateMessage(ctx context.Context, m domain.ScheduledMessage) (domain.ScheduledMessage, error)
	SetJobID(ctx context.Context, id, jobID string) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job, delay time.Duration) (string, error)
}

type Request struct {
	SenderID     string
	Recipients   []string
	Subject      string
	Body         string
	SendAt       *time.Time
	PerPairDelay time.Duration
	HourlyLimit  int
}

type Scheduled struct {
	MessageID    string    `json:"id"`
	JobID        string    `json:"jobId"`
	Recipient    string    `json:"recipient"`
	ScheduledFor time.Time `json:"scheduledAt"`
}

type Service struct {
	store Store
	queue Enqueuer
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time
}

func New(store Store, q Enqueuer, bus eventbus.Bus, log logx.Logger) *Service {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Service{
		store: store,
		queue: q,
		bus:   bus,
		log:   log.With(logx.String("comp", "admission")),
		now:   time.Now,
	}
}

// WithClock swaps the time source (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// ScheduleCampaign admits one campaign. Messages are written one recipient at
// a time; if a step fails the request returns an error and rows already
// written are left to the reconciler.
func (s *Service) ScheduleCampaign(ctx context.Context, req Request) ([]Scheduled, error) {
	sender, err := s.store.GetSender(ctx, req.SenderID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("sender not found: %w", domain.ErrNotFound)
		}
		return nil, err
	}

	recipients := NormalizeRecipients(req.Recipients)
	if len(recipients) == 0 {
		return nil, &domain.ValidationError{Field: "recipients", Reason: "no recipients provided"}
	}
	if req.HourlyLimit < 0 || req.PerPairDelay < 0 {
		return nil, &domain.ValidationError{Reason: "delay and hourlyLimit must not be negative"}
	}

	now := s.now()
	plan := Plan(now, req.SendAt, req.PerPairDelay, req.HourlyLimit, len(recipients))

	out := make([]Scheduled, 0, len(recipients))
	for i, to := range recipients {
		sc, err := s.admitOne(ctx, sender, to, req, plan[i])
		if err != nil {
			s.log.Error("campaign admission aborted",
				logx.String("sender_id", sender.ID),
				logx.Int("admitted", len(out)),
				logx.Int("total", len(recipients)),
				logx.Err(err),
			)
			return nil, err
		}
		out = append(out, sc)
	}

	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeCampaignScheduled,
		Data: eventbus.CampaignScheduled{
			SenderID: sender.ID,
			Count:    len(out),
			First:    plan[0],
			Last:     plan[len(plan)-1],
		},
	})
	s.log.Info("campaign scheduled",
		logx.String("sender_id", sender.ID),
		logx.Int("count", len(out)),
		logx.Time("first", plan[0]),
		logx.Duration("interval", Interval(req.PerPairDelay, req.HourlyLimit)),
	)
	return out, nil
}

func (s *Service) admitOne(ctx context.Context, sender domain.Sender, to string, req Request, at time.Time) (Scheduled, error) {
	msg, err := s.store.CreateMessage(ctx, domain.ScheduledMessage{
		SenderID:  sender.ID,
		Recipient: to,
		Subject:   req.Subject,
		Body:      req.Body,
		SendAt:    at,
	})
	if err != nil {
		return Scheduled{}, fmt.Errorf("create message for %s: %w", to, err)
	}

	delay := at.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	jobID, err := s.queue.Enqueue(ctx, queue.Job{
		ID:      msg.ID,
		Payload: queue.Payload{MessageID: msg.ID, SenderID: sender.ID},
	}, delay)
	if err != nil {
		return Scheduled{}, fmt.Errorf("enqueue message %s: %w", msg.ID, err)
	}
	if err := s.store.SetJobID(ctx, msg.ID, jobID); err != nil {
		return Scheduled{}, fmt.Errorf("record job id for %s: %w", msg.ID, err)
	}
	return Scheduled{MessageID: msg.ID, JobID: jobID, Recipient: to, ScheduledFor: msg.SendAt}, nil
}
