// Package store is the PostgreSQL persistence layer: crawler account
// registry, append-only snapshot tables, the task-run log, and the
// analytical reads the query API serves.
//
// All snapshot tables share the same contract: composite primary key
// (natural id, collected_at), inserts are ON CONFLICT DO NOTHING, and
// nothing on the hot path updates or deletes.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/pcrdb/pcrdb/pkg/log"
)

// Store wraps a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// New connects to PostgreSQL and pings it.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool, log: log.WithComponent("store")}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks database liveness.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// TableCount returns the row count of one of the known tables. Unknown
// names are rejected so the task logger can never be used for SQL
// injection via a task table map.
func (s *Store) TableCount(ctx context.Context, table string) (int64, error) {
	if !knownTables[table] {
		return 0, fmt.Errorf("unknown table %q", table)
	}
	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

var knownTables = map[string]bool{
	"accounts":                 true,
	"clan_snapshots":           true,
	"player_clan_snapshots":    true,
	"player_profile_snapshots": true,
	"grand_arena_snapshots":    true,
	"arena_deck_snapshots":     true,
	"task_logs":                true,
}
