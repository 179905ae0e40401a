// Package store provides storage backends for SalesPipe customer contexts.
//
// It includes an in-memory store and SQLite/PostgreSQL backed stores, plus the
// inbound message deduplication repositories.
package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/SalesPipe/internal/models"
)

// UpdateFunc mutates a customer context inside the store's critical section.
// Returning an error aborts the update and leaves the stored record untouched.
type UpdateFunc func(c *models.CustomerContext) error

// ContextStore owns every CustomerContext, keyed by phone number.
// Update is an atomic read-modify-write per phone; different phones never block each other.
type ContextStore interface {
	// GetOrCreate returns the existing record or persists a fresh one in the new state.
	GetOrCreate(ctx context.Context, phone string) (*models.CustomerContext, error)
	// Get returns the record or models.ErrCustomerNotFound.
	Get(ctx context.Context, phone string) (*models.CustomerContext, error)
	// Update applies fn to the existing (or newly created) record and persists the result.
	Update(ctx context.Context, phone string, fn UpdateFunc) (*models.CustomerContext, error)
	// Has reports whether a record exists without creating one.
	Has(ctx context.Context, phone string) (bool, error)
	// All returns a snapshot of every record.
	All(ctx context.Context) ([]*models.CustomerContext, error)
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN         string
	Clock       func() time.Time
	DedupWindow time.Duration
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithClock overrides the time source used for created/updated timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) { o.Clock = clock }
}

// WithDedupWindow sets how long inbound message ids are remembered.
func WithDedupWindow(d time.Duration) Option {
	return func(o *Opts) { o.DedupWindow = d }
}

func applyOptions(opts []Option) Opts {
	cfg := Opts{Clock: time.Now, DedupWindow: DefaultDedupWindow}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	return cfg
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite3"
}

// applyUpdate runs fn on a copy of current and returns the record to persist.
// previous_state tracks the last state change and updated_at never moves backwards.
func applyUpdate(current *models.CustomerContext, fn UpdateFunc, now time.Time) (*models.CustomerContext, error) {
	next := current.Clone()
	before := next.State
	if fn != nil {
		if err := fn(next); err != nil {
			return nil, err
		}
	}
	next.Phone = current.Phone
	next.CreatedAt = current.CreatedAt
	if next.State != before {
		next.PreviousState = before
	} else {
		next.PreviousState = current.PreviousState
	}
	if now.After(current.UpdatedAt) {
		next.UpdatedAt = now
	} else {
		next.UpdatedAt = current.UpdatedAt
	}
	return next, nil
}

// keyedMutex serialises work per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyLock)}
}

// Lock acquires the lock for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
