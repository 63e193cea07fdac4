package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"mailsched/internal/domain"
	logx "mailsched/pkg/logx"
)

type sqlStore struct {
	db  *sql.DB
	d   dialect
	sb  sq.StatementBuilderType
	log logx.Logger
	now func() time.Time
}

var _ Store = (*sqlStore)(nil)

func defaultNow() time.Time { return time.Now().UTC() }

var messageColumns = []string{
	"m.id", "m.sender_id", "m.recipient", "m.subject", "m.body", "m.send_at", "m.status",
	"m.job_id", "m.attempts", "m.last_error", "m.transport_id", "m.created_at", "m.updated_at",
}

var senderColumns = []string{"s.id", "s.name", "s.email", "s.hourly_quota", "s.created_at"}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) CreateSender(ctx context.Context, in domain.Sender) (domain.Sender, error) {
	if err := in.Validate(); err != nil {
		return domain.Sender{}, err
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	in.CreatedAt = s.now().Truncate(time.Millisecond)

	sqlStr, args, err := s.sb.
		Insert("senders").
		Columns("id", "name", "email", "hourly_quota", "created_at").
		Values(in.ID, in.Name, in.Email, in.HourlyQuota, in.CreatedAt.UnixMilli()).
		ToSql()
	if err != nil {
		return domain.Sender{}, fmt.Errorf("build create sender sql: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		if s.d.isUniqueViolation(err) {
			return domain.Sender{}, fmt.Errorf("sender %s: %w", in.Email, domain.ErrConflict)
		}
		return domain.Sender{}, fmt.Errorf("create sender: %w", err)
	}
	return in, nil
}

func (s *sqlStore) GetSender(ctx context.Context, id string) (domain.Sender, error) {
	sqlStr, args, err := s.sb.
		Select(senderColumns...).
		From("senders s").
		Where(sq.Eq{"s.id": id}).
		ToSql()
	if err != nil {
		return domain.Sender{}, fmt.Errorf("build get sender sql: %w", err)
	}
	out, err := scanSender(s.db.QueryRowContext(ctx, sqlStr, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Sender{}, fmt.Errorf("sender %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Sender{}, fmt.Errorf("get sender: %w", err)
	}
	return out, nil
}

func (s *sqlStore) ListSenders(ctx context.Context) ([]domain.Sender, error) {
	sqlStr, args, err := s.sb.
		Select(senderColumns...).
		From("senders s").
		OrderBy("s.created_at DESC", "s.email").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list senders sql: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list senders: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Sender, 0)
	for rows.Next() {
		sd, err := scanSender(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sender: %w", err)
		}
		out = append(out, sd)
	}
	return out, rows.Err()
}

func (s *sqlStore) CreateMessage(ctx context.Context, m domain.ScheduledMessage) (domain.ScheduledMessage, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := s.now().Truncate(time.Millisecond)
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	m.Status = domain.StatusPending
	m.Attempts = 0
	m.SendAt = m.SendAt.UTC().Truncate(time.Millisecond)

	sqlStr, args, err := s.sb.
		Insert("scheduled_messages").
		Columns("id", "sender_id", "recipient", "subject", "body", "send_at", "status",
			"job_id", "attempts", "created_at", "updated_at").
		Values(m.ID, m.SenderID, m.Recipient, m.Subject, m.Body, m.SendAt.UnixMilli(), string(m.Status),
			nullStr(m.JobID), 0, m.CreatedAt.UnixMilli(), m.UpdatedAt.UnixMilli()).
		ToSql()
	if err != nil {
		return domain.ScheduledMessage{}, fmt.Errorf("build create message sql: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		if s.d.isUniqueViolation(err) {
			return domain.ScheduledMessage{}, fmt.Errorf("message %s: %w", m.ID, domain.ErrConflict)
		}
		return domain.ScheduledMessage{}, fmt.Errorf("create message: %w", err)
	}
	return m, nil
}

func (s *sqlStore) SetJobID(ctx context.Context, id, jobID string) error {
	sqlStr, args, err := s.sb.
		Update("scheduled_messages").
		Set("job_id", jobID).
		Set("updated_at", s.now().UnixMilli()).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build set job id sql: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("set job id: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *sqlStore) UpdateMessage(ctx context.Context, id string, u domain.Update) error {
	if !u.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, u.Status)
	}
	cur, err := s.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	if cur.Status.Terminal() {
		return fmt.Errorf("message %s is %s: %w", id, cur.Status, domain.ErrTerminal)
	}
	if !domain.CanTransition(cur.Status, u.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, u.Status)
	}

	q := s.sb.
		Update("scheduled_messages").
		Set("status", string(u.Status)).
		Set("updated_at", s.now().UnixMilli()).
		Where(sq.Eq{"id": id}).
		Where(sq.NotEq{"status": []string{string(domain.StatusSent), string(domain.StatusFailed)}})
	if u.Attempts != nil {
		q = q.Set("attempts", *u.Attempts)
	}
	if u.LastError != nil {
		q = q.Set("last_error", nullStr(*u.LastError))
	}
	if u.TransportID != "" {
		q = q.Set("transport_id", u.TransportID)
	}

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update message sql: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost a race with another writer that settled the record.
		return fmt.Errorf("message %s: %w", id, domain.ErrTerminal)
	}
	return nil
}

func (s *sqlStore) GetMessage(ctx context.Context, id string) (domain.ScheduledMessage, error) {
	sqlStr, args, err := s.sb.
		Select(messageColumns...).
		From("scheduled_messages m").
		Where(sq.Eq{"m.id": id}).
		ToSql()
	if err != nil {
		return domain.ScheduledMessage{}, fmt.Errorf("build get message sql: %w", err)
	}
	m, err := scanMessage(s.db.QueryRowContext(ctx, sqlStr, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScheduledMessage{}, fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.ScheduledMessage{}, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

func (s *sqlStore) GetRecord(ctx context.Context, id string) (domain.Record, error) {
	sqlStr, args, err := s.recordQuery().Where(sq.Eq{"m.id": id}).ToSql()
	if err != nil {
		return domain.Record{}, fmt.Errorf("build get record sql: %w", err)
	}
	r, err := scanRecord(s.db.QueryRowContext(ctx, sqlStr, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Record{}, fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Record{}, fmt.Errorf("get record: %w", err)
	}
	return r, nil
}

func (s *sqlStore) ListMessages(ctx context.Context, f domain.Filter) ([]domain.Record, error) {
	q := s.recordQuery().OrderBy("m.created_at DESC", "m.id DESC")
	if f.Status != "" {
		q = q.Where(sq.Eq{"m.status": string(f.Status)})
	}
	if email := strings.TrimSpace(f.SenderEmail); email != "" {
		q = q.Where(sq.Eq{"s.email": email})
	}
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list messages sql: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListUnsettled(ctx context.Context, olderThan time.Time, after domain.Cursor, limit int) ([]domain.ScheduledMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	q := s.sb.
		Select(messageColumns...).
		From("scheduled_messages m").
		Where(sq.Eq{"m.status": []string{string(domain.StatusPending), string(domain.StatusThrottled)}}).
		Where(sq.Lt{"m.updated_at": olderThan.UnixMilli()})
	if !after.IsZero() {
		ms := after.UpdatedAt.UnixMilli()
		q = q.Where(sq.Or{
			sq.Gt{"m.updated_at": ms},
			sq.And{sq.Eq{"m.updated_at": ms}, sq.Gt{"m.id": after.ID}},
		})
	}
	sqlStr, args, err := q.
		OrderBy("m.updated_at", "m.id").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list unsettled sql: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list unsettled: %w", err)
	}
	defer rows.Close()

	var out []domain.ScheduledMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqlStore) recordQuery() sq.SelectBuilder {
	cols := append(append([]string{}, messageColumns...), senderColumns...)
	return s.sb.
		Select(cols...).
		From("scheduled_messages m").
		Join("senders s ON s.id = m.sender_id")
}

type scanner interface {
	Scan(dest ...any) error
}

type messageRow struct {
	m                             domain.ScheduledMessage
	sendAt, createdAt, updatedAt  int64
	status                        string
	jobID, lastError, transportID sql.NullString
}

func (r *messageRow) dest() []any {
	return []any{
		&r.m.ID, &r.m.SenderID, &r.m.Recipient, &r.m.Subject, &r.m.Body, &r.sendAt, &r.status,
		&r.jobID, &r.m.Attempts, &r.lastError, &r.transportID, &r.createdAt, &r.updatedAt,
	}
}

func (r *messageRow) value() domain.ScheduledMessage {
	m := r.m
	m.SendAt = fromMillis(r.sendAt)
	m.CreatedAt = fromMillis(r.createdAt)
	m.UpdatedAt = fromMillis(r.updatedAt)
	m.Status = domain.Status(r.status)
	m.JobID = r.jobID.String
	m.LastError = r.lastError.String
	m.TransportID = r.transportID.String
	return m
}

type senderRow struct {
	s         domain.Sender
	createdAt int64
}

func (r *senderRow) dest() []any {
	return []any{&r.s.ID, &r.s.Name, &r.s.Email, &r.s.HourlyQuota, &r.createdAt}
}

func (r *senderRow) value() domain.Sender {
	s := r.s
	s.CreatedAt = fromMillis(r.createdAt)
	return s
}

func scanMessage(sc scanner) (domain.ScheduledMessage, error) {
	var r messageRow
	if err := sc.Scan(r.dest()...); err != nil {
		return domain.ScheduledMessage{}, err
	}
	return r.value(), nil
}

func scanSender(sc scanner) (domain.Sender, error) {
	var r senderRow
	if err := sc.Scan(r.dest()...); err != nil {
		return domain.Sender{}, err
	}
	return r.value(), nil
}

func scanRecord(sc scanner) (domain.Record, error) {
	var (
		mr messageRow
		sr senderRow
	)
	if err := sc.Scan(append(mr.dest(), sr.dest()...)...); err != nil {
		return domain.Record{}, err
	}
	return domain.Record{ScheduledMessage: mr.value(), Sender: sr.value()}, nil
}

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
