// Package history keeps the bounded per-phone log of exchanged messages.
package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/SalesPipe/internal/models"
)

// MaxMessages is the number of messages retained per phone; older entries are dropped first.
const MaxMessages = 50

// Log is an append-only, bounded message log keyed by phone.
type Log interface {
	// Append records msg for phone, trimming the oldest entries beyond MaxMessages.
	Append(ctx context.Context, phone string, msg models.ConversationMessage) error
	// Recent returns up to limit of the newest messages, oldest first. limit <= 0 returns all.
	Recent(ctx context.Context, phone string, limit int) ([]models.ConversationMessage, error)
}

// prepare fills the id and timestamp of a message when the caller left them empty.
func prepare(msg models.ConversationMessage) models.ConversationMessage {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return msg
}

// MemoryLog keeps message logs in process memory.
type MemoryLog struct {
	mu   sync.RWMutex
	logs map[string][]models.ConversationMessage
	max  int
}

// Compile-time check that MemoryLog implements Log.
var _ Log = (*MemoryLog)(nil)

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{logs: make(map[string][]models.ConversationMessage), max: MaxMessages}
}

func (l *MemoryLog) Append(ctx context.Context, phone string, msg models.ConversationMessage) error {
	msg = prepare(msg)
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := append(l.logs[phone], msg)
	if over := len(entries) - l.max; over > 0 {
		entries = append([]models.ConversationMessage(nil), entries[over:]...)
	}
	l.logs[phone] = entries
	return nil
}

func (l *MemoryLog) Recent(ctx context.Context, phone string, limit int) ([]models.ConversationMessage, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entries := l.logs[phone]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]models.ConversationMessage, len(entries))
	copy(out, entries)
	return out, nil
}
