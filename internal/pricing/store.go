// Package pricing owns the model pricing table and the usage cost
// computation. The table lives in SQLite and is fronted by an in-process
// cache with explicit invalidation, driven by the admin subsystem's update
// signal.
package pricing

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/memchat-relay/internal/domain"
)

// Source is the read side consumed by the cost calculator.
type Source interface {
	Lookup(ctx context.Context, model string) (domain.ModelPricing, bool, error)
}

// Store is a SQLite-backed pricing table.
type Store struct {
	db    *sql.DB
	cache *expirable.LRU[string, domain.ModelPricing]
}

var _ Source = (*Store)(nil)

// NewStore opens (or creates) the pricing database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{
		db:    db,
		cache: expirable.NewLRU[string, domain.ModelPricing](256, nil, 5*time.Minute),
	}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS model_pricing (
		model TEXT PRIMARY KEY,
		input_per_mtok REAL NOT NULL,
		output_per_mtok REAL NOT NULL,
		cached_input_per_mtok REAL NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL
	)`)
	return err
}

// Lookup returns the pricing row for the model. The second return is false
// when the model is absent.
func (s *Store) Lookup(ctx context.Context, model string) (domain.ModelPricing, bool, error) {
	if cached, ok := s.cache.Get(model); ok {
		return cached, true, nil
	}

	var p domain.ModelPricing
	err := s.db.QueryRowContext(ctx,
		`SELECT model, input_per_mtok, output_per_mtok, cached_input_per_mtok
		 FROM model_pricing WHERE model = ?`, model,
	).Scan(&p.Model, &p.InputPerMtok, &p.OutputPerMtok, &p.CachedInputPerMtok)
	if err == sql.ErrNoRows {
		return domain.ModelPricing{}, false, nil
	}
	if err != nil {
		return domain.ModelPricing{}, false, fmt.Errorf("failed to look up pricing: %w", err)
	}

	s.cache.Add(model, p)
	return p, true, nil
}

// Upsert writes a pricing row and invalidates its cache entry.
func (s *Store) Upsert(ctx context.Context, p domain.ModelPricing) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO model_pricing (model, input_per_mtok, output_per_mtok, cached_input_per_mtok, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(model) DO UPDATE SET
			input_per_mtok = excluded.input_per_mtok,
			output_per_mtok = excluded.output_per_mtok,
			cached_input_per_mtok = excluded.cached_input_per_mtok,
			updated_at = excluded.updated_at`,
		p.Model, p.InputPerMtok, p.OutputPerMtok, p.CachedInputPerMtok, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert pricing: %w", err)
	}

	s.cache.Remove(p.Model)
	return nil
}

// Seed upserts a batch of pricing rows, used at startup from config.
func (s *Store) Seed(ctx context.Context, rows []domain.ModelPricing) error {
	for _, p := range rows {
		if err := s.Upsert(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Invalidate drops one model's cache entry. Called on the admin subsystem's
// update signal.
func (s *Store) Invalidate(model string) {
	s.cache.Remove(model)
}

// InvalidateAll drops the whole cache.
func (s *Store) InvalidateAll() {
	s.cache.Purge()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
