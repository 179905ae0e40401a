package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/SalesPipe/internal/models"
)

// sqlContexts implements ContextStore over database/sql. Records are stored as
// a JSON document next to indexed phone, state and timestamp columns.
type sqlContexts struct {
	db     *sql.DB
	name   string
	dollar bool
	upsert string
	keys   *keyedMutex
	clock  func() time.Time
}

func newSQLContexts(db *sql.DB, name string, dollar bool, clock func() time.Time) *sqlContexts {
	s := &sqlContexts{db: db, name: name, dollar: dollar, keys: newKeyedMutex(), clock: clock}
	s.upsert = s.bind(`INSERT INTO customer_contexts (phone, state, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (phone) DO UPDATE SET state = excluded.state, data = excluded.data, updated_at = excluded.updated_at`)
	return s
}

// bind rewrites ? placeholders into $n for PostgreSQL.
func (s *sqlContexts) bind(query string) string {
	if !s.dollar {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqlContexts) load(ctx context.Context, q queryer, phone string) (*models.CustomerContext, error) {
	var data string
	err := q.QueryRowContext(ctx, s.bind(`SELECT data FROM customer_contexts WHERE phone = ?`), phone).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrCustomerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load context %s: %w", phone, err)
	}
	var c models.CustomerContext
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, fmt.Errorf("decode context %s: %w", phone, err)
	}
	return &c, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *sqlContexts) save(ctx context.Context, e execer, c *models.CustomerContext) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode context %s: %w", c.Phone, err)
	}
	if _, err := e.ExecContext(ctx, s.upsert, c.Phone, string(c.State), string(data), c.CreatedAt.UTC(), c.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("save context %s: %w", c.Phone, err)
	}
	return nil
}

func (s *sqlContexts) GetOrCreate(ctx context.Context, phone string) (*models.CustomerContext, error) {
	unlock := s.keys.Lock(phone)
	defer unlock()

	c, err := s.load(ctx, s.db, phone)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, models.ErrCustomerNotFound) {
		slog.Error(s.name+".GetOrCreate: load failed", "phone", phone, "error", err)
		return nil, err
	}
	c = models.NewCustomerContext(phone, s.clock())
	if err := s.save(ctx, s.db, c); err != nil {
		slog.Error(s.name+".GetOrCreate: save failed", "phone", phone, "error", err)
		return nil, err
	}
	slog.Debug(s.name+".GetOrCreate: created context", "phone", phone)
	return c, nil
}

func (s *sqlContexts) Get(ctx context.Context, phone string) (*models.CustomerContext, error) {
	return s.load(ctx, s.db, phone)
}

func (s *sqlContexts) Update(ctx context.Context, phone string, fn UpdateFunc) (*models.CustomerContext, error) {
	unlock := s.keys.Lock(phone)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update %s: %w", phone, err)
	}
	defer tx.Rollback()

	current, err := s.load(ctx, tx, phone)
	if errors.Is(err, models.ErrCustomerNotFound) {
		current = models.NewCustomerContext(phone, s.clock())
	} else if err != nil {
		return nil, err
	}

	next, err := applyUpdate(current, fn, s.clock())
	if err != nil {
		return nil, err
	}
	if err := s.save(ctx, tx, next); err != nil {
		slog.Error(s.name+".Update: save failed", "phone", phone, "error", err)
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update %s: %w", phone, err)
	}
	if next.State != current.State {
		slog.Debug(s.name+".Update: state changed", "phone", phone, "from", current.State, "to", next.State)
	}
	return next, nil
}

func (s *sqlContexts) Has(ctx context.Context, phone string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.bind(`SELECT COUNT(1) FROM customer_contexts WHERE phone = ?`), phone).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check context %s: %w", phone, err)
	}
	return n > 0, nil
}

func (s *sqlContexts) All(ctx context.Context) ([]*models.CustomerContext, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM customer_contexts ORDER BY phone`)
	if err != nil {
		slog.Error(s.name+".All: query failed", "error", err)
		return nil, fmt.Errorf("failed to query contexts: %w", err)
	}
	defer rows.Close()

	var out []*models.CustomerContext
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan context row: %w", err)
		}
		var c models.CustomerContext
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, fmt.Errorf("failed to decode context row: %w", err)
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate context rows: %w", err)
	}
	slog.Debug(s.name+".All: loaded contexts", "count", len(out))
	return out, nil
}
