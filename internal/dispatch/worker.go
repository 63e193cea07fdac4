package dispatch

import (
	"context"
	"errors"
	"time"

	"mailsched/internal/domain"
	"mailsched/internal/eventbus"
	"mailsched/internal/queue"
	"mailsched/internal/ratelimit"
	"mailsched/internal/transport"
	logx "mailsched/pkg/logx"
)

// worker loops claim -> process until ctx is done. A claim error is returned
// so the supervisor restarts the worker with backoff.
func (s *Service) worker(ctx context.Context, idx int) error {
	log := s.log.With(logx.Int("worker", idx))
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil
		}
		job, err := s.d.Queue.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			log.Warn("claim failed", logx.Err(err))
			return err
		}
		if job == nil {
			continue
		}

		s.inFlight.Add(1)
		out := s.Process(ctx, job)
		s.inFlight.Add(-1)

		if out.Kind == eventbus.OutcomeSent {
			if d := s.config().MinDelay; d > 0 {
				t := time.NewTimer(d)
				select {
				case <-ctx.Done():
					t.Stop()
					return nil
				case <-t.C:
				}
			}
		}
	}
}

// Process runs one claimed job to exactly one queue outcome (ack, requeue or
// fail) and returns what happened.
func (s *Service) Process(ctx context.Context, job *queue.Job) eventbus.DispatchOutcome {
	start := time.Now()
	out := eventbus.DispatchOutcome{
		MessageID: job.Payload.MessageID,
		SenderID:  job.Payload.SenderID,
		Attempt:   job.Attempt,
	}
	out.Kind, out.Err = s.process(ctx, job)
	out.Took = time.Since(start)
	s.record(s.now(), out)
	return out
}

func (s *Service) process(ctx context.Context, job *queue.Job) (string, string) {
	log := s.log.With(logx.String("message_id", job.Payload.MessageID), logx.String("job_id", job.ID))

	// Bookkeeping after this point must not be lost to a shutdown.
	settle, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	msg, err := s.d.Store.GetMessage(ctx, job.Payload.MessageID)
	if errors.Is(err, domain.ErrNotFound) {
		log.Warn("message missing, dropping job")
		s.ack(settle, log, job)
		return eventbus.OutcomeSkipped, "message not found"
	}
	if err != nil {
		if ctx.Err() != nil {
			return s.deferShutdown(settle, log, job, ctx.Err())
		}
		return s.fail(settle, log, job, nil, err)
	}

	// Redelivered after a terminal write: no transport call, no status write.
	if msg.Status.Terminal() {
		log.Debug("message already settled", logx.String("status", string(msg.Status)))
		s.ack(settle, log, job)
		return eventbus.OutcomeSkipped, ""
	}

	sender, err := s.d.Store.GetSender(ctx, msg.SenderID)
	if errors.Is(err, domain.ErrNotFound) {
		return s.fail(settle, log, job, &msg, queue.NoRetry(errors.New("sender not found")))
	}
	if err != nil {
		if ctx.Err() != nil {
			return s.deferShutdown(settle, log, job, ctx.Err())
		}
		return s.fail(settle, log, job, &msg, err)
	}

	dec, err := s.d.Counter.IncrementAndCheck(ctx, sender.ID, sender.HourlyQuota)
	if err != nil {
		// Fail closed: never send when the quota cannot be verified.
		wait := s.config().UnavailableRetry
		if ctx.Err() != nil {
			wait = 0
		}
		log.Warn("rate counter unavailable, deferring", logx.Duration("retry_in", wait), logx.Err(err))
		s.requeue(settle, log, job, wait)
		return eventbus.OutcomeDeferred, err.Error()
	}
	if !dec.Allowed {
		return s.throttle(settle, log, job, msg, sender, dec)
	}

	cfg := s.config()
	sendCtx, sendCancel := context.WithTimeout(ctx, cfg.SendTimeout)
	transportID, err := s.d.Transport.Send(sendCtx, transport.Address{Name: sender.Name, Email: sender.Email}, msg.Recipient, msg.Subject, msg.Body)
	sendCancel()
	if err != nil {
		if ctx.Err() != nil {
			return s.deferShutdown(settle, log, job, ctx.Err())
		}
		if transport.IsPermanent(err) {
			err = queue.NoRetry(err)
		}
		return s.fail(settle, log, job, &msg, err)
	}

	if err := s.d.Store.UpdateMessage(settle, msg.ID, domain.Update{Status: domain.StatusSent, TransportID: transportID}); err != nil {
		// The mail is out; acking avoids a duplicate send on redelivery.
		log.Error("mark sent failed", logx.String("transport_id", transportID), logx.Err(err))
	}
	s.ack(settle, log, job)
	log.Info("mail sent",
		logx.String("sender_id", sender.ID),
		logx.String("transport_id", transportID),
		logx.Int64("count", dec.Count),
		logx.Int("quota", dec.Quota),
	)
	return eventbus.OutcomeSent, ""
}

func (s *Service) throttle(ctx context.Context, log logx.Logger, job *queue.Job, msg domain.ScheduledMessage, sender domain.Sender, dec ratelimit.Decision) (string, string) {
	err := s.d.Store.UpdateMessage(ctx, msg.ID, domain.Update{Status: domain.StatusThrottled})
	if errors.Is(err, domain.ErrTerminal) {
		s.ack(ctx, log, job)
		return eventbus.OutcomeSkipped, ""
	}
	if err != nil {
		log.Error("mark throttled failed", logx.Err(err))
	}

	wait := ratelimit.UntilNextHour(s.now())
	log.Warn("rate limit exceeded, deferring to next hour",
		logx.String("sender_id", sender.ID),
		logx.Int64("count", dec.Count),
		logx.Int("quota", dec.Quota),
		logx.Duration("retry_in", wait),
	)
	s.requeue(ctx, log, job, wait)
	return eventbus.OutcomeThrottled, ""
}

// fail hands the error to the queue's retry policy. While attempts remain the
// message keeps its status; on exhaustion it becomes FAILED.
func (s *Service) fail(ctx context.Context, log logx.Logger, job *queue.Job, msg *domain.ScheduledMessage, cause error) (string, string) {
	res, err := s.d.Queue.Fail(ctx, job, cause)
	if err != nil {
		log.Error("queue fail", logx.Err(err), logx.String("cause", cause.Error()))
		return eventbus.OutcomeDeferred, cause.Error()
	}

	kind := eventbus.OutcomeRetry
	if res.Exhausted {
		kind = eventbus.OutcomeFailed
	}
	if msg == nil {
		log.Warn("processing failed", logx.Int("attempt", res.Attempt), logx.Bool("exhausted", res.Exhausted), logx.Err(cause))
		return kind, cause.Error()
	}

	lastErr := cause.Error()
	attempts := res.Attempt
	u := domain.Update{Status: msg.Status, Attempts: &attempts, LastError: &lastErr}
	if res.Exhausted {
		u.Status = domain.StatusFailed
		log.Error("delivery failed permanently", logx.Int("attempts", attempts), logx.Err(cause))
	} else {
		log.Warn("delivery failed, will retry", logx.Int("attempt", attempts), logx.Duration("retry_in", res.Delay), logx.Err(cause))
	}
	if err := s.d.Store.UpdateMessage(ctx, msg.ID, u); err != nil {
		log.Error("record failure", logx.Err(err))
	}
	return kind, lastErr
}

func (s *Service) ack(ctx context.Context, log logx.Logger, job *queue.Job) {
	if err := s.d.Queue.Ack(ctx, job); err != nil {
		log.Warn("ack failed", logx.Err(err))
	}
}

func (s *Service) requeue(ctx context.Context, log logx.Logger, job *queue.Job, delay time.Duration) {
	if err := s.d.Queue.Requeue(ctx, job, delay); err != nil {
		log.Warn("requeue failed", logx.Err(err))
	}
}

// deferShutdown hands the job back untouched. A cancelled worker is not a
// delivery failure and must not spend attempts.
func (s *Service) deferShutdown(ctx context.Context, log logx.Logger, job *queue.Job, cause error) (string, string) {
	log.Debug("worker stopping, job returned", logx.Err(cause))
	s.requeue(ctx, log, job, 0)
	return eventbus.OutcomeDeferred, cause.Error()
}
