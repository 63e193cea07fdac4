package transport

import (
	"context"

	"github.com/google/uuid"

	logx "mailsched/pkg/logx"
)

// Log is a dry-run transport.
type Log struct {
	log logx.Logger
}

var _ Transport = (*Log)(nil)

func NewLog(log logx.Logger) *Log {
	return &Log{log: log.With(logx.String("comp", "transport.log"))}
}

func (t *Log) Send(ctx context.Context, from Address, to, subject, body string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	t.log.Info("mail sent (dry run)",
		logx.String("id", id),
		logx.String("from", from.String()),
		logx.String("to", to),
		logx.String("subject", subject),
		logx.Int("body_len", len(body)),
	)
	return id, nil
}

func (t *Log) Close() error { return nil }
