package admission

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"mailsched/internal/domain"
	"mailsched/internal/eventbus"
	"mailsched/internal/queue"
	"mailsched/internal/storage"
	logx "mailsched/pkg/logx"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestPlanPerPairDelay(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	got := Plan(now, nil, 2*time.Second, 0, 5)
	for i, at := range got {
		if want := now.Add(time.Duration(i) * 2000 * time.Millisecond); !at.Equal(want) {
			t.Fatalf("recipient %d at %s, want %s", i, at, want)
		}
	}
}

func TestPlanInterval(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		delay time.Duration
		limit int
		want  time.Duration
	}{
		{"none", 0, 0, 0},
		{"hourly limit", 0, 4, 15 * time.Minute},
		{"delay wins", 20 * time.Minute, 4, 20 * time.Minute},
		{"limit wins", time.Second, 60, time.Minute},
		{"negative ignored", -time.Second, -3, 0},
	}
	for _, tt := range tests {
		if got := Interval(tt.delay, tt.limit); got != tt.want {
			t.Fatalf("%s: Interval = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestPlanSendAt(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	if got := Plan(now, &past, 0, 0, 1); !got[0].Equal(now) {
		t.Fatalf("past sendAt should start now, got %s", got[0])
	}
	future := now.Add(90 * time.Minute)
	got := Plan(now, &future, time.Minute, 0, 2)
	if !got[0].Equal(future) || !got[1].Equal(future.Add(time.Minute)) {
		t.Fatalf("future plan = %v", got)
	}
	if Plan(now, nil, 0, 0, 0) != nil {
		t.Fatalf("empty plan should be nil")
	}
}

func TestNormalizeRecipients(t *testing.T) {
	t.Parallel()
	got := NormalizeRecipients([]string{" a@x.io ", "", "b@x.io", "a@x.io", "  "})
	want := []string{"a@x.io", "b@x.io", "a@x.io"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

type fixture struct {
	svc   *Service
	store storage.Store
	q     *queue.Memory
	clk   *fakeClock
	bus   eventbus.Bus
	s     domain.Sender
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Open(ctx, storage.Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "a.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	sender, err := st.CreateSender(ctx, domain.Sender{Name: "Ops", Email: "ops@example.com", HourlyQuota: 5})
	if err != nil {
		t.Fatalf("CreateSender: %v", err)
	}
	clk := &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	q := queue.NewMemory(queue.DefaultPolicy()).WithClock(clk.Now)
	bus := eventbus.New()
	svc := New(st, q, bus, logx.Nop()).WithClock(clk.Now)
	return &fixture{svc: svc, store: st, q: q, clk: clk, bus: bus, s: sender}
}

func TestScheduleCampaignUnknownSender(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := f.svc.ScheduleCampaign(context.Background(), Request{SenderID: "nope", Recipients: []string{"a@x.io"}})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestScheduleCampaignNoRecipients(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := f.svc.ScheduleCampaign(context.Background(), Request{SenderID: f.s.ID, Recipients: []string{" ", ""}})
	if !domain.IsValidation(err) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestScheduleCampaignWritesMessagesAndJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	events, unsub := f.bus.Subscribe(4)
	defer unsub()

	got, err := f.svc.ScheduleCampaign(ctx, Request{
		SenderID:     f.s.ID,
		Recipients:   []string{"a@x.io", "b@x.io", "a@x.io"},
		Subject:      "Hi",
		Body:         "Hello",
		PerPairDelay: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("ScheduleCampaign: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("scheduled %d, want 3", len(got))
	}
	if got[0].MessageID == got[2].MessageID {
		t.Fatalf("duplicate recipients must yield distinct messages")
	}
	for i, sc := range got {
		if sc.JobID != sc.MessageID {
			t.Fatalf("job id %s != message id %s", sc.JobID, sc.MessageID)
		}
		want := f.clk.Now().Add(time.Duration(i) * 10 * time.Second)
		if !sc.ScheduledFor.Equal(want) {
			t.Fatalf("recipient %d scheduled %s, want %s", i, sc.ScheduledFor, want)
		}
		m, err := f.store.GetMessage(ctx, sc.MessageID)
		if err != nil {
			t.Fatalf("GetMessage: %v", err)
		}
		if m.Status != domain.StatusPending || m.JobID != sc.JobID || m.Recipient != sc.Recipient {
			t.Fatalf("stored message = %+v", m)
		}
	}

	// First job is due now, the second only after the spacing.
	j, _ := f.q.TryClaim(ctx)
	if j == nil || j.ID != got[0].MessageID || j.Payload.SenderID != f.s.ID {
		t.Fatalf("first claim = %+v", j)
	}
	if j2, _ := f.q.TryClaim(ctx); j2 != nil {
		t.Fatalf("second job claimed early")
	}
	f.clk.Advance(10 * time.Second)
	if j2, _ := f.q.TryClaim(ctx); j2 == nil || j2.ID != got[1].MessageID {
		t.Fatalf("second claim = %+v", j2)
	}

	select {
	case e := <-events:
		cs, ok := e.Data.(eventbus.CampaignScheduled)
		if e.Type != eventbus.TypeCampaignScheduled || !ok || cs.Count != 3 {
			t.Fatalf("event = %+v", e)
		}
	default:
		t.Fatalf("no campaign event published")
	}
}

func TestScheduleCampaignResubmitIsNotDeduplicated(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	req := Request{SenderID: f.s.ID, Recipients: []string{"a@x.io"}, Subject: "s", Body: "b"}
	first, err := f.svc.ScheduleCampaign(context.Background(), req)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := f.svc.ScheduleCampaign(context.Background(), req)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first[0].MessageID == second[0].MessageID || first[0].JobID == second[0].JobID {
		t.Fatalf("identical requests must create distinct messages and jobs")
	}
	if !first[0].ScheduledFor.Equal(f.clk.Now()) {
		t.Fatalf("no delay should schedule at admission time, got %s", first[0].ScheduledFor)
	}
}

type failingEnqueuer struct{ after int }

func (f *failingEnqueuer) Enqueue(ctx context.Context, job queue.Job, delay time.Duration) (string, error) {
	if f.after == 0 {
		return "", errors.New("redis down")
	}
	f.after--
	return job.ID, nil
}

func TestScheduleCampaignAbortsOnEnqueueFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	svc := New(f.store, &failingEnqueuer{after: 1}, nil, logx.Nop())
	_, err := svc.ScheduleCampaign(context.Background(), Request{
		SenderID: f.s.ID, Recipients: []string{"a@x.io", "b@x.io", "c@x.io"},
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	// One fully admitted plus one orphan row without a job id.
	recs, _ := f.store.ListMessages(context.Background(), domain.Filter{})
	if len(recs) != 2 {
		t.Fatalf("rows = %d, want 2", len(recs))
	}
	orphans := 0
	for _, r := range recs {
		if r.JobID == "" {
			orphans++
		}
	}
	if orphans != 1 {
		t.Fatalf("orphans = %d, want 1", orphans)
	}
}
