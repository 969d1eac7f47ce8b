// Package store is the durable state store: an append-only per-entity entry
// log plus the mutable activity run records. It is the sole writer of both
// tables; writes are serialized in-process.
package store

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
)

// Store wraps the SQL backend. Safe for concurrent use; writes are
// serialized so that check-then-append sequences stay race-free.
type Store struct {
	l  *slog.Logger
	db *sql.DB

	mu sync.Mutex
}

// New creates a store over an open database handle. The schema must already
// be migrated.
func New(l *slog.Logger, db *sql.DB) *Store {
	return &Store{
		l:  l.With(slog.String("component", "store")),
		db: db,
	}
}

// Ping checks backend connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
