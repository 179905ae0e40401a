package store

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultDedupCapacity bounds the number of message ids kept in memory.
const DefaultDedupCapacity = 10000

// MemoryDedup remembers recent message ids in an expiring LRU.
type MemoryDedup struct {
	mu    sync.Mutex
	seen  *expirable.LRU[string, DedupRecord]
	clock func() time.Time
}

// Compile-time check that MemoryDedup implements DedupRepo.
var _ DedupRepo = (*MemoryDedup)(nil)

// NewMemoryDedup creates an in-memory dedup set with the given retention window.
func NewMemoryDedup(window time.Duration, capacity int) *MemoryDedup {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	return &MemoryDedup{
		seen:  expirable.NewLRU[string, DedupRecord](capacity, nil, window),
		clock: time.Now,
	}
}

func (m *MemoryDedup) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	return m.seen.Contains(messageID), nil
}

func (m *MemoryDedup) RecordInbound(ctx context.Context, messageID, phone string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen.Contains(messageID) {
		return false, nil
	}
	m.seen.Add(messageID, DedupRecord{MessageID: messageID, Phone: phone, ReceivedAt: m.clock()})
	return true, nil
}

func (m *MemoryDedup) MarkProcessed(ctx context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.seen.Peek(messageID)
	if !ok {
		return nil
	}
	now := m.clock()
	rec.ProcessedAt = &now
	m.seen.Add(messageID, rec)
	return nil
}
