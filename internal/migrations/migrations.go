// Package migrations embeds the per-dialect SQL schema files.
//
// Structure:
//
//	.
//	|-- sqlite
//	|   |-- migrations
//	|       |-- *.sql
//	|-- postgres
//	    |-- migrations
//	        |-- *.sql
package migrations

import (
	"embed"

	"homectrl/pkg/dialect"
)

//go:embed sqlite/migrations/*.sql postgres/migrations/*.sql
var migrationsFS embed.FS

// GetFS returns the embedded migrations filesystem.
func GetFS() embed.FS {
	return migrationsFS
}

// Dir returns the migrations directory for the given dialect inside GetFS().
func Dir(d dialect.Dialect) string {
	return d.String() + "/migrations"
}
