// Package notify delivers admin notifications raised by the conversation engine.
//
// A Notifier is a sink: WhatsApp to the admin phone, email through SendGrid,
// or a fan-out over several sinks. Delivery is best effort; failures are
// returned to the caller, which logs them and moves on.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/BTreeMap/SalesPipe/internal/models"
)

// Notifier delivers one admin notification.
type Notifier interface {
	NotifyAdmin(ctx context.Context, n models.Notification, c *models.CustomerContext) error
}

var titles = map[models.NotificationType]string{
	models.NotificationTrialRequest:    "🆕 Trial request",
	models.NotificationPaymentReceived: "💳 Payment to verify",
	models.NotificationEscalation:      "🚨 Customer needs a human",
	models.NotificationTechnicalIssue:  "🛠 Technical issue",
}

// Title returns the short heading for a notification type.
func Title(t models.NotificationType) string {
	if title, ok := titles[t]; ok {
		return title
	}
	return "Notification: " + string(t)
}

// Format renders a notification as plain text with the collected fields sorted by key.
func Format(n models.Notification) string {
	var b strings.Builder
	b.WriteString(Title(n.Type))
	b.WriteString("\n")
	b.WriteString(n.Message)
	b.WriteString("\n\nPhone: ")
	b.WriteString(n.Phone)

	keys := make([]string, 0, len(n.Fields))
	for k := range n.Fields {
		if k != "phone" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, n.Fields[k])
	}
	if n.RawText != "" {
		fmt.Fprintf(&b, "\n\nCustomer wrote: %q", snippet(n.RawText, 500))
	}
	return b.String()
}

func snippet(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}

// Multi fans a notification out to every sink. Every sink is tried; the
// joined error reports the ones that failed.
type Multi []Notifier

// NotifyAdmin delivers n to each sink.
func (m Multi) NotifyAdmin(ctx context.Context, n models.Notification, c *models.CustomerContext) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.NotifyAdmin(ctx, n, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes notifications to the log. It is the sink used when no
// admin channel is configured.
type LogNotifier struct{}

// NotifyAdmin logs n.
func (LogNotifier) NotifyAdmin(ctx context.Context, n models.Notification, c *models.CustomerContext) error {
	slog.Warn("Admin notification (no sink configured)", "type", n.Type, "phone", n.Phone, "message", n.Message)
	return nil
}
