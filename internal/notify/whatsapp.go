package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/SalesPipe/internal/models"
)

// Sender sends a text message; every messaging.Service satisfies it.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) (string, error)
}

// WhatsAppNotifier messages the admin's own WhatsApp number.
type WhatsAppNotifier struct {
	sender     Sender
	adminPhone string
}

// Compile-time check that WhatsAppNotifier implements Notifier.
var _ Notifier = (*WhatsAppNotifier)(nil)

// NewWhatsAppNotifier returns nil when adminPhone is empty.
func NewWhatsAppNotifier(sender Sender, adminPhone string) *WhatsAppNotifier {
	if sender == nil || adminPhone == "" {
		return nil
	}
	return &WhatsAppNotifier{sender: sender, adminPhone: adminPhone}
}

// NotifyAdmin sends the formatted notification to the admin phone.
func (w *WhatsAppNotifier) NotifyAdmin(ctx context.Context, n models.Notification, c *models.CustomerContext) error {
	id, err := w.sender.SendMessage(ctx, w.adminPhone, Format(n))
	if err != nil {
		return fmt.Errorf("notify: whatsapp admin message failed: %w", err)
	}
	slog.Info("Admin notified via WhatsApp", "type", n.Type, "phone", n.Phone, "id", id)
	return nil
}
