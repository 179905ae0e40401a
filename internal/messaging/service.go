// Package messaging connects SalesPipe to WhatsApp providers.
//
// Each provider adapter implements Service: it sends text to a phone number and
// emits inbound customer messages on the Responses channel. ResponseHandler
// drains that channel into the conversation engine.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/BTreeMap/SalesPipe/internal/models"
)

// Constants for channel configuration shared by all services.
const (
	// DefaultChannelBufferSize defines the default buffer size for the responses channel
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
	// minPhoneDigits is the shortest accepted canonical phone number
	minPhoneDigits = 6
)

// ErrServiceStopped is returned when sending through a service after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// phoneNumberRegex matches every character that is not a digit.
var phoneNumberRegex = regexp.MustCompile(`\D`)

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient and returns the provider message id.
	SendMessage(ctx context.Context, to string, body string) (string, error)

	// Start begins any background processing (e.g., event subscriptions).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Responses returns a channel of inbound customer messages.
	Responses() <-chan models.InboundMessage
}

// HistoryProvider is implemented by services that can fetch the conversation
// as the provider saw it, including messages typed by a human agent.
type HistoryProvider interface {
	RecentMessages(ctx context.Context, phone string, limit int) ([]models.ChatTurn, error)
}

// CanonicalizePhone strips every non-digit and requires at least six digits.
func CanonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("%w: recipient cannot be empty", models.ErrInvalidPhone)
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("%w: no digits found in recipient %q", models.ErrInvalidPhone, recipient)
	}
	if len(canonical) < minPhoneDigits {
		return "", fmt.Errorf("%w: %q is too short (minimum %d digits required)", models.ErrInvalidPhone, canonical, minPhoneDigits)
	}
	return canonical, nil
}

// inbox is the responses channel and stop bookkeeping every service shares.
type inbox struct {
	name      string
	responses chan models.InboundMessage
	done      chan struct{}
	mu        sync.RWMutex
	stopped   bool
}

func newInbox(name string) *inbox {
	return &inbox{
		name:      name,
		responses: make(chan models.InboundMessage, DefaultChannelBufferSize),
		done:      make(chan struct{}),
	}
}

func (b *inbox) isStopped() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stopped
}

// stop marks the inbox stopped and closes the channel once in-flight emitters have drained.
func (b *inbox) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	close(b.done)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(b.responses)
	}()
	slog.Info(b.name + " stopped")
}

// emit pushes msg into the responses channel, dropping it when the consumer is stuck.
func (b *inbox) emit(msg models.InboundMessage) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		slog.Warn(b.name+" dropping inbound message (service stopped)", "phone", msg.Phone)
		return false
	}

	select {
	case b.responses <- msg:
		slog.Debug(b.name+" emitted inbound message", "phone", msg.Phone, "id", msg.ID)
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(b.name+" responses channel blocked, dropping message", "phone", msg.Phone, "timeout", DefaultChannelTimeout)
		return false
	}
}
