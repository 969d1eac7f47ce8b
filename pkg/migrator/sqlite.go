package migrator

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/amacneil/dbmate/v2/pkg/dbmate"
	_ "github.com/amacneil/dbmate/v2/pkg/driver/sqlite"

	"homectrl/pkg/utils"
)

type sqliteMigrator struct {
	db *dbmate.DB
	l  *slog.Logger
}

// newSQLiteMigrator creates a SQLite migrator. The connection string is a
// file path; in-memory databases are rejected because a second connection
// would see an empty schema.
func newSQLiteMigrator(l *slog.Logger, connStr string, fsys embed.FS, migrationsDir string) (*sqliteMigrator, error) {
	if connStr == "" {
		return nil, errors.New("connection string is required")
	}

	if strings.Contains(connStr, "memory") {
		return nil, errors.New("in-memory databases are not supported")
	}

	if _, err := fsys.ReadDir(migrationsDir); err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	u, err := url.Parse("sqlite:" + connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}

	db := dbmate.New(u)
	db.Strict = true
	db.FS = fsys
	db.MigrationsDir = []string{migrationsDir}
	db.AutoDumpSchema = false

	l = l.With(slog.String("component", "db-migrator"), slog.String("dialect", "sqlite"))
	db.Log = utils.NewSlogWriter(l)

	return &sqliteMigrator{db: db, l: l}, nil
}

// Migrate runs pending migrations on the SQLite database.
func (m *sqliteMigrator) Migrate() error {
	m.l.Info("Migrating database")

	if err := m.db.Migrate(); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	return nil
}
