package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"homectrl/internal/entry"
	"homectrl/pkg/utils"
)

const entryColumns = "id, entity, kind, created_at, payload"

// Append persists a new entry and returns its assigned id. The write is
// committed before the call returns.
func (s *Store) Append(ctx context.Context, e entry.Entry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.insertEntry(ctx, s.db, e)
}

// Latest returns the most recent entry for (entity, kind), or nil when the
// pair has never been observed.
func (s *Store) Latest(ctx context.Context, entity string, kind entry.Kind) (*entry.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM entries WHERE entity = $1 AND kind = $2 ORDER BY created_at DESC, id DESC LIMIT 1",
		entity, string(kind))

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("query latest entry: %w", err)
	}

	return &e, nil
}

// LatestPerEntity returns the latest entry of the given kind for every
// entity ever observed, in one pass over the index.
func (s *Store) LatestPerEntity(ctx context.Context, kind entry.Kind) ([]entry.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM (
			SELECT `+entryColumns+`,
			       ROW_NUMBER() OVER (PARTITION BY entity ORDER BY created_at DESC, id DESC) AS rn
			FROM entries WHERE kind = $1
		) AS latest WHERE rn = 1 ORDER BY entity`,
		string(kind))
	if err != nil {
		return nil, fmt.Errorf("query latest per entity: %w", err)
	}

	defer s.closeRows(rows, "latest per entity")

	return collectEntries(rows)
}

// Range returns the entries for (entity, kind) within [from, to], ordered by
// created_at ascending. Nil bounds are open.
func (s *Store) Range(ctx context.Context, entity string, kind entry.Kind, from, to *entry.Timestamp) ([]entry.Entry, error) {
	query := "SELECT " + entryColumns + " FROM entries WHERE entity = $1 AND kind = $2"
	args := []any{entity, string(kind)}

	if from != nil {
		args = append(args, from.String())
		query += " AND created_at >= $" + strconv.Itoa(len(args))
	}

	if to != nil {
		args = append(args, to.String())
		query += " AND created_at <= $" + strconv.Itoa(len(args))
	}

	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entry range: %w", err)
	}

	defer s.closeRows(rows, "entry range")

	return collectEntries(rows)
}

// SaveIfChanged appends the candidate unless the latest entry for its
// (entity, kind) compares equal under the kind's predicate. Returns the new
// id and true when an entry was written.
func (s *Store) SaveIfChanged(ctx context.Context, e entry.Entry) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin save-if-changed: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	row := tx.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM entries WHERE entity = $1 AND kind = $2 ORDER BY created_at DESC, id DESC LIMIT 1",
		e.Entity, string(e.Kind()))

	latest, err := scanEntry(row)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		// First observation for the pair.
	case err != nil:
		return 0, false, fmt.Errorf("query latest entry: %w", err)
	case latest.Value.Equal(e.Value):
		return 0, false, nil
	}

	id, err := s.insertEntry(ctx, tx, e)
	if err != nil {
		return 0, false, err
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit save-if-changed: %w", err)
	}

	return id, true, nil
}

type execer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) insertEntry(ctx context.Context, db execer, e entry.Entry) (int64, error) {
	payload, err := entry.MarshalValue(e.Value)
	if err != nil {
		return 0, fmt.Errorf("marshal entry payload: %w", err)
	}

	var id int64

	err = db.QueryRowContext(ctx,
		"INSERT INTO entries (entity, kind, created_at, payload) VALUES ($1, $2, $3, $4) RETURNING id",
		e.Entity, string(e.Kind()), e.CreatedAt.String(), string(payload)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert entry: %w", err)
	}

	return id, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (entry.Entry, error) {
	var (
		e         entry.Entry
		kind      string
		createdAt string
		payload   string
	)

	if err := row.Scan(&e.ID, &e.Entity, &kind, &createdAt, &payload); err != nil {
		return entry.Entry{}, err
	}

	ts, err := entry.ParseTimestamp(createdAt)
	if err != nil {
		return entry.Entry{}, fmt.Errorf("parse stored created_at: %w", err)
	}

	e.CreatedAt = ts

	value, err := entry.DecodeValue(entry.Kind(kind), []byte(payload))
	if err != nil {
		return entry.Entry{}, fmt.Errorf("decode stored payload: %w", err)
	}

	e.Value = value

	return e, nil
}

func collectEntries(rows *sql.Rows) ([]entry.Entry, error) {
	var entries []entry.Entry

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}

	return entries, nil
}

func (s *Store) closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		s.l.Error("failed to close rows for "+what, utils.ErrAttr(err))
	}
}
