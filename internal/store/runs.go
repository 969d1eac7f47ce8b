package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"homectrl/internal/entry"
)

// ErrRunAlreadyOpen is returned by StartRun when a run of the same kind is
// still open.
var ErrRunAlreadyOpen = errors.New("an activity run of this kind is already open")

// ErrRunClosed is returned by CloseRun when the run is not open.
var ErrRunClosed = errors.New("activity run is not open")

// ActivityRun is one bounded activity of an appliance. EndAt and EndEnergy
// are nil while the run is in progress.
type ActivityRun struct {
	ID          int64
	Kind        string
	StartAt     entry.Timestamp
	StartEnergy int64
	EndAt       *entry.Timestamp
	EndEnergy   *int64
}

// Active reports whether the run is still open.
func (r ActivityRun) Active() bool {
	return r.EndAt == nil
}

const runColumns = "id, kind, start_at, start_energy, end_at, end_energy"

// OpenRun returns the open run of the given kind, or nil when none is open.
// At most one run per kind can be open; the schema enforces this.
func (s *Store) OpenRun(ctx context.Context, kind string) (*ActivityRun, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+runColumns+" FROM activity_runs WHERE kind = $1 AND end_at IS NULL",
		kind)

	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("query open run: %w", err)
	}

	return &r, nil
}

// StartRun opens a new run of the given kind. Fails with ErrRunAlreadyOpen
// when one is already in progress.
func (s *Store) StartRun(ctx context.Context, kind string, startAt entry.Timestamp, startEnergy int64) (*ActivityRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin start run: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	var open int

	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM activity_runs WHERE kind = $1 AND end_at IS NULL",
		kind).Scan(&open)
	if err != nil {
		return nil, fmt.Errorf("check open run: %w", err)
	}

	if open > 0 {
		return nil, ErrRunAlreadyOpen
	}

	run := ActivityRun{
		Kind:        kind,
		StartAt:     startAt,
		StartEnergy: startEnergy,
	}

	err = tx.QueryRowContext(ctx,
		"INSERT INTO activity_runs (kind, start_at, start_energy) VALUES ($1, $2, $3) RETURNING id",
		kind, startAt.String(), startEnergy).Scan(&run.ID)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit start run: %w", err)
	}

	return &run, nil
}

// CloseRun finalizes an open run with its end time and energy reading.
// Fails with ErrRunClosed when the run does not exist or is already closed.
func (s *Store) CloseRun(ctx context.Context, id int64, endAt entry.Timestamp, endEnergy int64) (*ActivityRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin close run: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx,
		"UPDATE activity_runs SET end_at = $1, end_energy = $2 WHERE id = $3 AND end_at IS NULL",
		endAt.String(), endEnergy, id)
	if err != nil {
		return nil, fmt.Errorf("update run: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("check close run: %w", err)
	}

	if affected == 0 {
		return nil, ErrRunClosed
	}

	row := tx.QueryRowContext(ctx,
		"SELECT "+runColumns+" FROM activity_runs WHERE id = $1", id)

	run, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("reload closed run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit close run: %w", err)
	}

	return &run, nil
}

// Runs returns all runs of the given kind ordered by start time ascending.
func (s *Store) Runs(ctx context.Context, kind string) ([]ActivityRun, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+runColumns+" FROM activity_runs WHERE kind = $1 ORDER BY start_at ASC, id ASC",
		kind)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}

	defer s.closeRows(rows, "activity runs")

	var runs []ActivityRun

	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}

		runs = append(runs, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, nil
}

func scanRun(row rowScanner) (ActivityRun, error) {
	var (
		r         ActivityRun
		startAt   string
		endAt     sql.NullString
		endEnergy sql.NullInt64
	)

	if err := row.Scan(&r.ID, &r.Kind, &startAt, &r.StartEnergy, &endAt, &endEnergy); err != nil {
		return ActivityRun{}, err
	}

	ts, err := entry.ParseTimestamp(startAt)
	if err != nil {
		return ActivityRun{}, fmt.Errorf("parse stored start_at: %w", err)
	}

	r.StartAt = ts

	if endAt.Valid {
		ts, err := entry.ParseTimestamp(endAt.String)
		if err != nil {
			return ActivityRun{}, fmt.Errorf("parse stored end_at: %w", err)
		}

		r.EndAt = &ts
	}

	if endEnergy.Valid {
		r.EndEnergy = &endEnergy.Int64
	}

	return r, nil
}
