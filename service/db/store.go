package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/campuspay/service/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TableName is the key-value table backing persisted blobs.
const TableName = "kv_entries"

const schema = `
CREATE TABLE IF NOT EXISTS kv_entries (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_kv_entries_updated_at ON kv_entries (updated_at);
`

// Store is a string key-value store on Postgres. It satisfies
// store.Backend so the transaction store can persist to the database.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// If metrics is nil, no metrics will be recorded.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{
		pool:    pool,
		metrics: m,
	}
}

// Connect opens a pool against url and verifies it with a ping.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// Entry is a row of the key-value table.
type Entry struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// EnsureSchema creates the key-value table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	start := time.Now()
	_, err := s.pool.Exec(ctx, schema)
	s.record("migrate", start, err)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", TableName, err)
	}
	return nil
}

// Get returns the value stored under key. A missing key is reported with
// ok=false and a nil error.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	start := time.Now()
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM kv_entries WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		s.record("get", start, nil)
		return "", false, nil
	}
	s.record("get", start, err)
	if err != nil {
		return "", false, fmt.Errorf("failed to get %q: %w", key, err)
	}
	return value, true, nil
}

// Set upserts the value stored under key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	start := time.Now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO kv_entries (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, value,
	)
	s.record("set", start, err)
	if err != nil {
		return fmt.Errorf("failed to set %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	start := time.Now()
	_, err := s.pool.Exec(ctx, `DELETE FROM kv_entries WHERE key = $1`, key)
	s.record("delete", start, err)
	if err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}

// ListEntries returns the entries whose key starts with prefix, most
// recently updated first.
func (s *Store) ListEntries(ctx context.Context, prefix string) ([]*Entry, error) {
	start := time.Now()
	rows, err := s.pool.Query(ctx, `
		SELECT key, value, updated_at FROM kv_entries
		WHERE starts_with(key, $1)
		ORDER BY updated_at DESC, key`,
		prefix,
	)
	if err != nil {
		s.record("list", start, err)
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Entry, error) {
		var e Entry
		if err := row.Scan(&e.Key, &e.Value, &e.UpdatedAt); err != nil {
			return nil, err
		}
		return &e, nil
	})
	s.record("list", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to scan entries: %w", err)
	}
	return entries, nil
}

// DeletePrefix removes every entry whose key starts with prefix and returns
// how many were removed. Used to drop all cached ledger snapshots.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	start := time.Now()
	tag, err := s.pool.Exec(ctx, `DELETE FROM kv_entries WHERE starts_with(key, $1)`, prefix)
	s.record("delete", start, err)
	if err != nil {
		return 0, fmt.Errorf("failed to delete prefix %q: %w", prefix, err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) record(op string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordDBQuery(op, TableName, time.Since(start).Seconds(), err)
}
