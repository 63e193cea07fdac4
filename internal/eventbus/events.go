package eventbus

import "time"

const (
	TypeCampaignScheduled = "campaign.scheduled"
	TypeDispatchOutcome   = "dispatch.outcome"
	TypeReconciled        = "reconcile.requeued"
	TypeConfigReloaded    = "config.reloaded"
)

// CampaignScheduled is published once per accepted schedule request.
type CampaignScheduled struct {
	SenderID string
	Count    int
	First    time.Time
	Last     time.Time
}

// Outcome kinds for DispatchOutcome.Kind.
const (
	OutcomeSent      = "sent"
	OutcomeThrottled = "throttled"
	OutcomeRetry     = "retry"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
	OutcomeDeferred  = "deferred"
)

// DispatchOutcome is published after every processed job.
type DispatchOutcome struct {
	MessageID string
	SenderID  string
	Kind      string
	Attempt   int
	Took      time.Duration
	Err       string
}

// Reconciled is published after a sweep that re-enqueued at least one message.
type Reconciled struct {
	Requeued int
	Scanned  int
}
