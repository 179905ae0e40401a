package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/SalesPipe/internal/models"
)

// InMemoryStore keeps customer contexts in process memory.
type InMemoryStore struct {
	mu       sync.RWMutex
	contexts map[string]*models.CustomerContext
	keys     *keyedMutex
	clock    func() time.Time
}

// Compile-time check that InMemoryStore implements ContextStore.
var _ ContextStore = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory context store.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	cfg := applyOptions(opts)
	return &InMemoryStore{
		contexts: make(map[string]*models.CustomerContext),
		keys:     newKeyedMutex(),
		clock:    cfg.Clock,
	}
}

func (s *InMemoryStore) load(phone string) (*models.CustomerContext, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contexts[phone]
	return c, ok
}

func (s *InMemoryStore) save(c *models.CustomerContext) {
	s.mu.Lock()
	s.contexts[c.Phone] = c
	s.mu.Unlock()
}

// GetOrCreate returns the existing record or stores a new one.
func (s *InMemoryStore) GetOrCreate(ctx context.Context, phone string) (*models.CustomerContext, error) {
	unlock := s.keys.Lock(phone)
	defer unlock()
	if c, ok := s.load(phone); ok {
		return c.Clone(), nil
	}
	c := models.NewCustomerContext(phone, s.clock())
	s.save(c)
	slog.Debug("InMemoryStore.GetOrCreate: created context", "phone", phone)
	return c.Clone(), nil
}

// Get returns a copy of the record for phone.
func (s *InMemoryStore) Get(ctx context.Context, phone string) (*models.CustomerContext, error) {
	c, ok := s.load(phone)
	if !ok {
		return nil, models.ErrCustomerNotFound
	}
	return c.Clone(), nil
}

// Update applies fn under the per-phone lock.
func (s *InMemoryStore) Update(ctx context.Context, phone string, fn UpdateFunc) (*models.CustomerContext, error) {
	unlock := s.keys.Lock(phone)
	defer unlock()

	current, ok := s.load(phone)
	if !ok {
		current = models.NewCustomerContext(phone, s.clock())
	}
	next, err := applyUpdate(current, fn, s.clock())
	if err != nil {
		return nil, err
	}
	s.save(next)
	if next.State != current.State {
		slog.Debug("InMemoryStore.Update: state changed", "phone", phone, "from", current.State, "to", next.State)
	}
	return next.Clone(), nil
}

// Has reports whether a record exists for phone.
func (s *InMemoryStore) Has(ctx context.Context, phone string) (bool, error) {
	_, ok := s.load(phone)
	return ok, nil
}

// All returns copies of every record ordered by phone.
func (s *InMemoryStore) All(ctx context.Context) ([]*models.CustomerContext, error) {
	s.mu.RLock()
	out := make([]*models.CustomerContext, 0, len(s.contexts))
	for _, c := range s.contexts {
		out = append(out, c.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Phone < out[j].Phone })
	return out, nil
}
