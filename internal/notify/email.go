package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/BTreeMap/SalesPipe/internal/models"
)

// EmailSender defines the interface for sending emails.
type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// EmailMessage represents an email to be sent.
type EmailMessage struct {
	To      string
	ToName  string
	Subject string
	Body    string // Plain text body
	HTML    string // Optional HTML body
}

// SendGridConfig holds configuration for SendGrid.
type SendGridConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
}

// SendGridSender sends emails via the SendGrid API.
type SendGridSender struct {
	client    *sendgrid.Client
	fromEmail string
	fromName  string
}

// NewSendGridSender returns nil when no API key is configured.
func NewSendGridSender(cfg SendGridConfig) *SendGridSender {
	if cfg.APIKey == "" {
		return nil
	}
	if cfg.FromName == "" {
		cfg.FromName = "SalesPipe"
	}
	return &SendGridSender{
		client:    sendgrid.NewSendClient(cfg.APIKey),
		fromEmail: cfg.FromEmail,
		fromName:  cfg.FromName,
	}
}

// Send sends an email via SendGrid.
func (s *SendGridSender) Send(ctx context.Context, msg EmailMessage) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("notify: sendgrid client not configured")
	}

	from := mail.NewEmail(s.fromName, s.fromEmail)
	to := mail.NewEmail(msg.ToName, msg.To)
	htmlBody := msg.HTML
	if htmlBody == "" {
		htmlBody = msg.Body
	}
	message := mail.NewSingleEmail(from, msg.Subject, to, msg.Body, htmlBody)

	response, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("notify: sendgrid send failed: %w", err)
	}
	if response.StatusCode >= 400 {
		slog.Error("SendGrid returned error status", "status", response.StatusCode, "body", response.Body, "to", msg.To)
		return fmt.Errorf("notify: sendgrid returned status %d", response.StatusCode)
	}
	slog.Info("Email sent via SendGrid", "to", msg.To, "subject", msg.Subject, "status", response.StatusCode)
	return nil
}

// EmailNotifier emails notifications to the admin address.
type EmailNotifier struct {
	sender EmailSender
	to     string
}

// Compile-time check that EmailNotifier implements Notifier.
var _ Notifier = (*EmailNotifier)(nil)

// NewEmailNotifier returns nil when sender or address is missing.
func NewEmailNotifier(sender EmailSender, adminEmail string) *EmailNotifier {
	if sender == nil || adminEmail == "" {
		return nil
	}
	return &EmailNotifier{sender: sender, to: adminEmail}
}

// NotifyAdmin emails the formatted notification.
func (e *EmailNotifier) NotifyAdmin(ctx context.Context, n models.Notification, c *models.CustomerContext) error {
	body := Format(n)
	msg := EmailMessage{
		To:      e.to,
		Subject: fmt.Sprintf("[SalesPipe] %s: %s", Title(n.Type), n.Phone),
		Body:    body,
		HTML:    "<pre>" + html.EscapeString(body) + "</pre>",
	}
	return e.sender.Send(ctx, msg)
}
