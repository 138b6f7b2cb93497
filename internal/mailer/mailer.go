// ABOUTME: Verification code delivery: Mailer interface with SMTP and log implementations
// ABOUTME: Delivery failures surface to the caller and are never retried here

package mailer

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
)

// Mailer delivers a message to a recipient. Implementations do not retry;
// retry policy belongs to the caller or the transport provider.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTPMailer sends mail over SMTP with PLAIN auth.
type SMTPMailer struct {
	addr string
	auth smtp.Auth
	from string
}

// NewSMTPMailer creates a mailer for the given SMTP server.
func NewSMTPMailer(host string, port int, username, password, from string) *SMTPMailer {
	var auth smtp.Auth
	if username != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &SMTPMailer{
		addr: fmt.Sprintf("%s:%d", host, port),
		auth: auth,
		from: from,
	}
}

// Send delivers the message. The context is accepted for interface symmetry;
// net/smtp does not support cancellation mid-send.
func (m *SMTPMailer) Send(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", m.from)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(body)

	if err := smtp.SendMail(m.addr, m.auth, m.from, []string{to}, []byte(msg.String())); err != nil {
		return fmt.Errorf("sending mail: %w", err)
	}
	return nil
}

// LogMailer writes messages to the log instead of delivering them. Useful in
// development where no SMTP server is available.
type LogMailer struct {
	logger *slog.Logger
}

// NewLogMailer creates a mailer that only logs.
func NewLogMailer() *LogMailer {
	return &LogMailer{logger: slog.Default().With("component", "mailer")}
}

// Send logs the message and reports success.
func (m *LogMailer) Send(ctx context.Context, to, subject, body string) error {
	m.logger.Info("mail (log mode, not delivered)", "to", to, "subject", subject, "body", body)
	return nil
}
