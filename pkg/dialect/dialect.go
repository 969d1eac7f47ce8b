// Package dialect selects the SQL backend of the state store.
package dialect

import "fmt"

type Dialect string

const (
	SQLite     Dialect = "sqlite"
	PostgreSQL Dialect = "postgres"
)

func (d Dialect) Validate() error {
	switch d {
	case SQLite, PostgreSQL:
		return nil
	default:
		return fmt.Errorf("unsupported dialect: %s", d)
	}
}

func (d Dialect) String() string {
	return string(d)
}

// Driver returns the database/sql driver name for the dialect.
func (d Dialect) Driver() string {
	switch d {
	case SQLite:
		return "sqlite3"
	case PostgreSQL:
		return "pgx"
	default:
		return ""
	}
}
