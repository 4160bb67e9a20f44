package action

import (
	"context"
	"fmt"
	"log/slog"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// EmailSender delivers a composed alert message.
type EmailSender interface {
	SendEmail(ctx context.Context, subject, htmlBody string, to []string) error
}

// sendClient is the slice of the SendGrid client the Mailer uses.
type sendClient interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// Mailer composes and delivers alert emails through SendGrid. Constructed
// without an API key it logs messages instead of sending them.
type Mailer struct {
	client    sendClient
	fromName  string
	fromAddr  string
	converter *md.Converter
	logger    *slog.Logger
}

// MailerOption configures a Mailer.
type MailerOption func(*Mailer)

// WithMailerLogger sets the logger.
func WithMailerLogger(logger *slog.Logger) MailerOption {
	return func(m *Mailer) {
		m.logger = logger
	}
}

// withSendClient overrides the SendGrid client. Tests use it.
func withSendClient(c sendClient) MailerOption {
	return func(m *Mailer) {
		m.client = c
	}
}

// NewMailer creates a Mailer sending as fromName <fromAddr>. An empty API
// key disables delivery.
func NewMailer(apiKey, fromName, fromAddr string, opts ...MailerOption) *Mailer {
	m := &Mailer{
		fromName:  fromName,
		fromAddr:  fromAddr,
		converter: md.NewConverter("", true, nil),
		logger:    slog.Default(),
	}
	if apiKey != "" {
		m.client = sendgrid.NewSendClient(apiKey)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SendEmail delivers one message to every recipient. The HTML body is also
// attached as a markdown plain-text part for clients that prefer it.
func (m *Mailer) SendEmail(ctx context.Context, subject, htmlBody string, to []string) error {
	if m.client == nil {
		m.logger.Info("email delivery disabled, dropping message",
			"subject", subject,
			"recipients", len(to))
		return nil
	}

	message := mail.NewV3Mail()
	message.SetFrom(mail.NewEmail(m.fromName, m.fromAddr))
	message.Subject = subject

	p := mail.NewPersonalization()
	for _, addr := range to {
		p.AddTos(mail.NewEmail("", addr))
	}
	message.AddPersonalizations(p)

	// SendGrid requires the plain part before the HTML part.
	if plain, err := m.converter.ConvertString(htmlBody); err == nil {
		message.AddContent(mail.NewContent("text/plain", plain))
	}
	message.AddContent(mail.NewContent("text/html", htmlBody))

	resp, err := m.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("send email: sendgrid status %d: %s", resp.StatusCode, resp.Body)
	}
	return nil
}

type sendEmailParams struct {
	Subject string   `json:"subject" validate:"required"`
	Body    string   `json:"body" validate:"required"`
	To      []string `json:"to" validate:"required,min=1,dive,email"`
}

// SendEmail mails a rule's alert to its recipients.
type SendEmail struct {
	Subject string
	Body    string
	To      []string

	mailer EmailSender
	logger *slog.Logger
}

func newSendEmail(raw map[string]any, deps Deps) (Action, error) {
	var p sendEmailParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return &SendEmail{Subject: p.Subject, Body: p.Body, To: p.To, mailer: deps.Email, logger: deps.logger()}, nil
}

func (s *SendEmail) Type() string { return TypeSendEmail }

func (s *SendEmail) Perform(ctx context.Context) error {
	if s.mailer == nil {
		s.logger.Warn("no mailer configured, dropping email", "subject", s.Subject)
		return nil
	}
	return s.mailer.SendEmail(ctx, s.Subject, s.Body, s.To)
}
