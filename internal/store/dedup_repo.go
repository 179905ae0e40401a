// Package store provides the DedupRepo interface for inbound message deduplication.
package store

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/SalesPipe/internal/models"
)

// DefaultDedupWindow is how long a seen message id is remembered.
const DefaultDedupWindow = 24 * time.Hour

// dedupNamespace seeds fallback keys for messages without a provider id.
var dedupNamespace = uuid.MustParse("6f1c2a9e-3d8b-4c57-9a41-0d5e7b2f8c13")

// DedupRecord represents an inbound message deduplication record.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	Phone       string     `json:"phone"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo defines the interface for inbound message deduplication.
// Records are kept for a bounded retention window.
type DedupRepo interface {
	// IsDuplicate checks if a message ID has already been recorded.
	IsDuplicate(ctx context.Context, messageID string) (bool, error)

	// RecordInbound inserts a new inbound message record. Returns false if the
	// message was already recorded (duplicate).
	RecordInbound(ctx context.Context, messageID, phone string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(ctx context.Context, messageID string) error
}

// DedupKey returns the provider message id, or a stable key derived from
// phone, text and timestamp when the provider supplies none.
func DedupKey(msg models.InboundMessage) string {
	if msg.ID != "" {
		return msg.ID
	}
	seed := msg.Phone + "\x00" + msg.Text + "\x00" + strconv.FormatInt(msg.Timestamp.UnixNano(), 10)
	return "fallback:" + uuid.NewSHA1(dedupNamespace, []byte(seed)).String()
}
