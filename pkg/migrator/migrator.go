// Package migrator runs dbmate migrations from an embedded filesystem.
package migrator

import (
	"embed"
	"errors"
	"log/slog"

	"homectrl/pkg/dialect"
)

// Migrator applies pending database migrations.
type Migrator interface {
	Migrate() error
}

// New creates a migrator for the given dialect. For SQLite the connection
// string is a file path; for PostgreSQL it is a connection URL.
//
//nolint:ireturn // Returns Migrator interface
func New(l *slog.Logger, d dialect.Dialect, connStr string, fsys embed.FS, migrationsDir string) (Migrator, error) {
	if migrationsDir == "" {
		return nil, errors.New("migrations directory is required")
	}

	switch d {
	case dialect.SQLite:
		return newSQLiteMigrator(l, connStr, fsys, migrationsDir)
	case dialect.PostgreSQL:
		return newPostgresMigrator(l, connStr, fsys, migrationsDir)
	default:
		return nil, errors.New("unsupported dialect: " + d.String())
	}
}
