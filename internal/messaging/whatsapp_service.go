package messaging

import (
	"context"
	"log/slog"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/SalesPipe/internal/models"
)

// whatsmeowClient is what WhatsAppService needs from the whatsapp package.
type whatsmeowClient interface {
	SendMessage(ctx context.Context, to string, body string) (string, error)
	DownloadImage(ctx context.Context, img *waE2E.ImageMessage) ([]byte, error)
	AddEventHandler(fn func(evt interface{})) uint32
	RemoveEventHandler(id uint32)
}

// WhatsAppService implements Service on a linked WhatsApp Web device.
type WhatsAppService struct {
	*inbox
	client    whatsmeowClient
	handlerID uint32
	started   bool
}

// Compile-time check that WhatsAppService implements Service.
var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService creates a service over a connected whatsmeow client.
func NewWhatsAppService(client whatsmeowClient) *WhatsAppService {
	return &WhatsAppService{
		inbox:  newInbox("WhatsAppService"),
		client: client,
	}
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a phone number into a JID user part.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// Start subscribes to whatsmeow events. Events are handled until ctx is cancelled or Stop is called.
func (s *WhatsAppService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.handlerID = s.client.AddEventHandler(func(evt interface{}) {
		if msg, ok := evt.(*events.Message); ok {
			s.handleIncomingMessage(ctx, msg)
		}
	})
	s.mu.Unlock()
	slog.Debug("WhatsAppService event handler registered")

	go func() {
		select {
		case <-ctx.Done():
			slog.Debug("WhatsAppService stopping event handler due to context cancellation")
		case <-s.done:
		}
		s.client.RemoveEventHandler(s.handlerID)
	}()
	return nil
}

// Stop unsubscribes from events and closes the responses channel.
func (s *WhatsAppService) Stop() error {
	s.stop()
	return nil
}

// Responses returns the channel of inbound customer messages.
func (s *WhatsAppService) Responses() <-chan models.InboundMessage {
	return s.responses
}

// SendMessage sends a text message and returns the WhatsApp message id.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) (string, error) {
	if s.isStopped() {
		return "", ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("WhatsAppService SendMessage validation error", "error", err, "to", to)
		return "", err
	}
	id, err := s.client.SendMessage(ctx, canonicalTo, body)
	if err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", canonicalTo)
		return "", err
	}
	slog.Debug("WhatsAppService message sent", "to", canonicalTo, "id", id)
	return id, nil
}

// handleIncomingMessage converts a direct customer message into an InboundMessage.
// Group chats, own messages and content other than text or images are ignored.
func (s *WhatsAppService) handleIncomingMessage(ctx context.Context, evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}
	phone, err := CanonicalizePhone(evt.Info.Sender.User)
	if err != nil {
		slog.Debug("WhatsAppService ignoring message from unusable sender", "sender", evt.Info.Sender.String(), "error", err)
		return
	}

	msg := models.InboundMessage{
		ID:        string(evt.Info.ID),
		Phone:     phone,
		Timestamp: evt.Info.Timestamp,
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	switch {
	case evt.Message.GetConversation() != "":
		msg.Text = evt.Message.GetConversation()
	case evt.Message.GetExtendedTextMessage().GetText() != "":
		msg.Text = evt.Message.GetExtendedTextMessage().GetText()
	case evt.Message.GetImageMessage() != nil:
		img := evt.Message.GetImageMessage()
		msg.Text = img.GetCaption()
		data, err := s.client.DownloadImage(ctx, img)
		if err != nil {
			slog.Warn("WhatsAppService image download failed", "phone", phone, "error", err)
		} else {
			msg.Image, msg.ImageMIME = data, img.GetMimetype()
		}
		if msg.Text == "" && len(msg.Image) == 0 {
			return
		}
	default:
		slog.Debug("WhatsAppService ignoring unsupported message", "phone", phone)
		return
	}

	slog.Info("WhatsAppService inbound message", "phone", phone, "id", msg.ID, "has_image", len(msg.Image) > 0)
	s.emit(msg)
}
