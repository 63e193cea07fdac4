package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"mailsched/internal/domain"
	logx "mailsched/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(context.Background(), Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "mailsched.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func mustSender(t *testing.T, st Store, email string, quota int) domain.Sender {
	t.Helper()
	s, err := st.CreateSender(context.Background(), domain.Sender{Name: "Sender " + email, Email: email, HourlyQuota: quota})
	if err != nil {
		t.Fatalf("CreateSender: %v", err)
	}
	return s
}

func mustMessage(t *testing.T, st Store, senderID, to string) domain.ScheduledMessage {
	t.Helper()
	m, err := st.CreateMessage(context.Background(), domain.ScheduledMessage{
		SenderID:  senderID,
		Recipient: to,
		Subject:   "hello",
		Body:      "world",
		SendAt:    time.Now().Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	return m
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(context.Background(), Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
	if _, err := Open(context.Background(), Config{Driver: "sqlite"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for empty sqlite path")
	}
}

func TestSenderLifecycle(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	s := mustSender(t, st, "ops@example.com", 0)
	if s.ID == "" || s.HourlyQuota != domain.DefaultHourlyQuota {
		t.Fatalf("created sender = %+v", s)
	}

	got, err := st.GetSender(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSender: %v", err)
	}
	if got.Email != s.Email || !got.CreatedAt.Equal(s.CreatedAt) {
		t.Fatalf("GetSender = %+v, want %+v", got, s)
	}

	_, err = st.CreateSender(ctx, domain.Sender{Name: "dup", Email: "ops@example.com"})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("duplicate email: %v", err)
	}

	if _, err := st.GetSender(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing sender: %v", err)
	}

	list, err := st.ListSenders(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListSenders = %v, %v", list, err)
	}
}

func TestCreateMessageRequiresSender(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	_, err := st.CreateMessage(context.Background(), domain.ScheduledMessage{
		SenderID: "nobody", Recipient: "a@x.io", Subject: "s", Body: "b", SendAt: time.Now(),
	})
	if err == nil {
		t.Fatalf("expected foreign key error")
	}
}

func TestUpdateMessageTerminalIsFinal(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	s := mustSender(t, st, "a@example.com", 10)
	m := mustMessage(t, st, s.ID, "r@example.com")

	if m.Status != domain.StatusPending {
		t.Fatalf("new message status = %s", m.Status)
	}
	if err := st.UpdateMessage(ctx, m.ID, domain.Update{Status: domain.StatusThrottled}); err != nil {
		t.Fatalf("-> THROTTLED: %v", err)
	}
	if err := st.UpdateMessage(ctx, m.ID, domain.Update{Status: domain.StatusPending}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("THROTTLED -> PENDING: %v", err)
	}
	if err := st.UpdateMessage(ctx, m.ID, domain.Update{Status: domain.StatusSent, TransportID: "smtp-1"}); err != nil {
		t.Fatalf("-> SENT: %v", err)
	}

	msg := "late failure"
	err := st.UpdateMessage(ctx, m.ID, domain.Update{Status: domain.StatusFailed, LastError: &msg})
	if !errors.Is(err, domain.ErrTerminal) {
		t.Fatalf("SENT -> FAILED: %v", err)
	}

	got, err := st.GetMessage(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.Status != domain.StatusSent || got.TransportID != "smtp-1" || got.LastError != "" {
		t.Fatalf("terminal record changed: %+v", got)
	}

	if err := st.UpdateMessage(ctx, "missing", domain.Update{Status: domain.StatusSent}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing message: %v", err)
	}
}

func TestUpdateMessageAttemptBookkeeping(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	s := mustSender(t, st, "a@example.com", 10)
	m := mustMessage(t, st, s.ID, "r@example.com")

	attempts, last := 1, "451 try later"
	if err := st.UpdateMessage(ctx, m.ID, domain.Update{Status: domain.StatusPending, Attempts: &attempts, LastError: &last}); err != nil {
		t.Fatalf("UpdateMessage: %v", err)
	}
	got, _ := st.GetMessage(ctx, m.ID)
	if got.Status != domain.StatusPending || got.Attempts != 1 || got.LastError != last {
		t.Fatalf("record = %+v", got)
	}
}

func TestSetJobID(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	s := mustSender(t, st, "a@example.com", 10)
	m := mustMessage(t, st, s.ID, "r@example.com")

	if err := st.SetJobID(ctx, m.ID, m.ID); err != nil {
		t.Fatalf("SetJobID: %v", err)
	}
	got, _ := st.GetMessage(ctx, m.ID)
	if got.JobID != m.ID {
		t.Fatalf("JobID = %q", got.JobID)
	}
	if err := st.SetJobID(ctx, "missing", "x"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing: %v", err)
	}
}

func TestListMessagesFilters(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	a := mustSender(t, st, "a@example.com", 10)
	b := mustSender(t, st, "b@example.com", 10)

	m1 := mustMessage(t, st, a.ID, "1@x.io")
	time.Sleep(2 * time.Millisecond)
	m2 := mustMessage(t, st, a.ID, "2@x.io")
	time.Sleep(2 * time.Millisecond)
	m3 := mustMessage(t, st, b.ID, "3@x.io")
	if err := st.UpdateMessage(ctx, m2.ID, domain.Update{Status: domain.StatusSent}); err != nil {
		t.Fatalf("UpdateMessage: %v", err)
	}

	tests := []struct {
		name   string
		filter domain.Filter
		want   []string
	}{
		{"all newest first", domain.Filter{}, []string{m3.ID, m2.ID, m1.ID}},
		{"by status", domain.Filter{Status: domain.StatusSent}, []string{m2.ID}},
		{"by sender email", domain.Filter{SenderEmail: "a@example.com"}, []string{m2.ID, m1.ID}},
		{"both", domain.Filter{Status: domain.StatusPending, SenderEmail: "a@example.com"}, []string{m1.ID}},
		{"limit", domain.Filter{Limit: 1}, []string{m3.ID}},
		{"no match", domain.Filter{SenderEmail: "nobody@example.com"}, nil},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := st.ListMessages(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListMessages: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d records, want %d", len(got), len(tt.want))
			}
			for i, r := range got {
				if r.ID != tt.want[i] {
					t.Fatalf("record %d = %s, want %s", i, r.ID, tt.want[i])
				}
				if r.Sender.ID != r.SenderID || r.Sender.Email == "" {
					t.Fatalf("sender not joined: %+v", r.Sender)
				}
			}
		})
	}

	rec, err := st.GetRecord(ctx, m3.ID)
	if err != nil || rec.Sender.Email != "b@example.com" {
		t.Fatalf("GetRecord = %+v, %v", rec, err)
	}
}

func TestListUnsettled(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	s := mustSender(t, st, "a@example.com", 10)

	pending := mustMessage(t, st, s.ID, "1@x.io")
	throttled := mustMessage(t, st, s.ID, "2@x.io")
	sent := mustMessage(t, st, s.ID, "3@x.io")
	_ = st.UpdateMessage(ctx, throttled.ID, domain.Update{Status: domain.StatusThrottled})
	_ = st.UpdateMessage(ctx, sent.ID, domain.Update{Status: domain.StatusSent})

	got, err := st.ListUnsettled(ctx, time.Now().Add(time.Minute), domain.Cursor{}, 10)
	if err != nil {
		t.Fatalf("ListUnsettled: %v", err)
	}
	ids := map[string]bool{}
	for _, m := range got {
		ids[m.ID] = true
	}
	if len(got) != 2 || !ids[pending.ID] || !ids[throttled.ID] {
		t.Fatalf("unsettled = %v", ids)
	}

	got, _ = st.ListUnsettled(ctx, time.Now().Add(-time.Hour), domain.Cursor{}, 10)
	if len(got) != 0 {
		t.Fatalf("recently updated messages should be skipped, got %d", len(got))
	}

	// Keyset paging visits each row once.
	seen := map[string]bool{}
	var after domain.Cursor
	for page := 0; page < 5; page++ {
		got, err := st.ListUnsettled(ctx, time.Now().Add(time.Minute), after, 1)
		if err != nil {
			t.Fatalf("ListUnsettled page %d: %v", page, err)
		}
		if len(got) == 0 {
			break
		}
		if seen[got[0].ID] {
			t.Fatalf("row %s returned twice", got[0].ID)
		}
		seen[got[0].ID] = true
		after = domain.CursorOf(got[0])
	}
	if len(seen) != 2 || !seen[pending.ID] || !seen[throttled.ID] {
		t.Fatalf("paged rows = %v", seen)
	}
}
