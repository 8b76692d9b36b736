package postcall

import (
	"context"
	"errors"
	"fmt"

	"github.com/mailgun/mailgun-go/v4"
)

// Mailer delivers one result email.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// MailgunMailer sends result emails through the Mailgun API.
type MailgunMailer struct {
	mg     mailgun.Mailgun
	sender string
}

// NewMailgunMailer builds a mailer for the given domain. sender is the From
// address; empty defaults to results@<domain>.
func NewMailgunMailer(domain, apiKey, sender string) (*MailgunMailer, error) {
	if domain == "" || apiKey == "" {
		return nil, errors.New("postcall: mailgun domain and api key are required")
	}
	if sender == "" {
		sender = "results@" + domain
	}
	return &MailgunMailer{
		mg:     mailgun.NewMailgun(domain, apiKey),
		sender: sender,
	}, nil
}

func (m *MailgunMailer) Send(ctx context.Context, to, subject, body string) error {
	msg := m.mg.NewMessage(m.sender, subject, body, to)
	if _, _, err := m.mg.Send(ctx, msg); err != nil {
		return fmt.Errorf("postcall: send email: %w", err)
	}
	return nil
}

var _ Mailer = (*MailgunMailer)(nil)

// emailSubject derives the result email subject from the session's interview
// type and participant name.
func emailSubject(info sessionInfo) string {
	title := info.interviewType
	if title == "" {
		title = "Interview"
	}
	if info.participantName != "" {
		return fmt.Sprintf("%s Results: %s", title, info.participantName)
	}
	return fmt.Sprintf("%s Results: %s", title, info.roomName)
}
