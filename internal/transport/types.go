// Package transport delivers a rendered message to a mail server.
//
// It is constructed once by the app and injected into the dispatcher.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "mailsched/pkg/logx"
)

// Address is a display name plus mailbox.
type Address struct {
	Name  string
	Email string
}

func (a Address) String() string {
	if a.Name == "" {
		return a.Email
	}
	return fmt.Sprintf("%q <%s>", a.Name, a.Email)
}

// Transport sends one message and returns the transport-assigned message id.
type Transport interface {
	Send(ctx context.Context, from Address, to, subject, body string) (string, error)
	Close() error
}

// Config selects a driver.
//
// Driver values:
//   - "log": dry run, logs and returns a generated id (default)
//   - "smtp": real delivery through an SMTP relay
type Config struct {
	Driver   string
	Host     string
	Port     int
	Username string
	Password string
	// TLS is one of "opportunistic" (default), "mandatory" or "none".
	TLS     string
	Timeout time.Duration
}

func New(cfg Config, log logx.Logger) (Transport, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "log":
		return NewLog(log), nil
	case "smtp":
		return NewSMTP(cfg, log)
	default:
		return nil, fmt.Errorf("transport: unknown driver %q", cfg.Driver)
	}
}

// Permanent marks err as a failure that will not go away on retry
// (rejected recipient, malformed address).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe permanentError
	return errors.As(err, &pe)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }
