package migrator

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/amacneil/dbmate/v2/pkg/dbmate"
	_ "github.com/amacneil/dbmate/v2/pkg/driver/postgres"

	"homectrl/pkg/utils"
)

type postgresMigrator struct {
	db *dbmate.DB
	l  *slog.Logger
}

// newPostgresMigrator creates a PostgreSQL migrator. The connection string
// must be a URL.
func newPostgresMigrator(l *slog.Logger, connStr string, fsys embed.FS, migrationsDir string) (*postgresMigrator, error) {
	if connStr == "" {
		return nil, errors.New("connection string is required")
	}

	if _, err := fsys.ReadDir(migrationsDir); err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	u, err := url.Parse(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	db := dbmate.New(u)
	db.Strict = true
	db.FS = fsys
	db.MigrationsDir = []string{migrationsDir}
	db.AutoDumpSchema = false

	l = l.With(slog.String("component", "db-migrator"), slog.String("dialect", "postgres"))
	db.Log = utils.NewSlogWriter(l)

	return &postgresMigrator{db: db, l: l}, nil
}

// Migrate runs pending migrations on the PostgreSQL database.
func (m *postgresMigrator) Migrate() error {
	m.l.Info("Migrating database")

	if err := m.db.Migrate(); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	return nil
}
