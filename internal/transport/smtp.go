package transport

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	logx "mailsched/pkg/logx"
)

// SMTP delivers through a relay. A fresh connection is dialed per message.
type SMTP struct {
	client *mail.Client
	log    logx.Logger
}

var _ Transport = (*SMTP)(nil)

func NewSMTP(cfg Config, log logx.Logger) (*SMTP, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return nil, errors.New("transport: smtp host is required")
	}
	port := cfg.Port
	if port <= 0 {
		port = 587
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	opts := []mail.Option{
		mail.WithPort(port),
		mail.WithTimeout(timeout),
		mail.WithTLSPolicy(tlsPolicy(cfg.TLS)),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	c, err := mail.NewClient(host, opts...)
	if err != nil {
		return nil, fmt.Errorf("transport: smtp client: %w", err)
	}
	return &SMTP{client: c, log: log.With(logx.String("comp", "transport.smtp"))}, nil
}

func (t *SMTP) Send(ctx context.Context, from Address, to, subject, body string) (string, error) {
	m, err := buildMessage(from, to, subject, body)
	if err != nil {
		return "", Permanent(err)
	}
	if err := t.client.DialAndSendWithContext(ctx, m); err != nil {
		return "", classify(err)
	}
	id := ""
	if h := m.GetGenHeader(mail.HeaderMessageID); len(h) > 0 {
		id = h[0]
	}
	t.log.Debug("mail sent", logx.String("id", id), logx.String("to", to))
	return id, nil
}

func (t *SMTP) Close() error { return t.client.Close() }

func buildMessage(from Address, to, subject, body string) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.FromFormat(from.Name, from.Email); err != nil {
		return nil, fmt.Errorf("from address: %w", err)
	}
	if err := m.To(to); err != nil {
		return nil, fmt.Errorf("recipient address: %w", err)
	}
	m.Subject(subject)
	m.SetMessageID()
	m.SetDate()
	m.SetBodyString(mail.TypeTextPlain, body)
	m.AddAlternativeString(mail.TypeTextHTML, "<p>"+html.EscapeString(body)+"</p>")
	return m, nil
}

// classify marks 5xx envelope rejections as permanent. Everything else
// (dial failures, timeouts, 4xx) is left retryable.
func classify(err error) error {
	var se *mail.SendError
	if !errors.As(err, &se) || se.IsTemp() {
		return err
	}
	switch se.Reason {
	case mail.ErrSMTPMailFrom, mail.ErrSMTPRcptTo, mail.ErrGetSender, mail.ErrGetRcpts:
		return Permanent(err)
	}
	return err
}

func tlsPolicy(v string) mail.TLSPolicy {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "mandatory", "required":
		return mail.TLSMandatory
	case "none", "off", "disabled":
		return mail.NoTLS
	default:
		return mail.TLSOpportunistic
	}
}
