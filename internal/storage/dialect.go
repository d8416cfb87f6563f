package storage

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect captures the SQL differences the engine cares about. Queries are
// written with '?' placeholders and rebound per dialect.
type Dialect struct {
	// Name is the configuration name ("postgres" or "sqlite").
	Name string

	// Driver is the database/sql driver name.
	Driver string

	// ListTablesQuery returns one column: the names of user tables in the
	// schema the connection targets.
	ListTablesQuery string

	// CorrectionsDDL creates the schema_corrections audit table idempotently.
	CorrectionsDDL string

	numbered bool
}

// Postgres is the production dialect (lib/pq).
var Postgres = Dialect{
	Name:   "postgres",
	Driver: "postgres",
	ListTablesQuery: `SELECT table_name FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_type = 'BASE TABLE'`,
	CorrectionsDDL: `CREATE TABLE IF NOT EXISTS schema_corrections (
		id BIGSERIAL PRIMARY KEY,
		correction_type TEXT NOT NULL,
		table_name TEXT,
		description TEXT,
		sql_executed TEXT NOT NULL,
		user_id TEXT,
		executed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	numbered: true,
}

// SQLite is used for local development and tests (modernc.org/sqlite).
var SQLite = Dialect{
	Name:   "sqlite",
	Driver: "sqlite",
	ListTablesQuery: `SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`,
	CorrectionsDDL: `CREATE TABLE IF NOT EXISTS schema_corrections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		correction_type TEXT NOT NULL,
		table_name TEXT,
		description TEXT,
		sql_executed TEXT NOT NULL,
		user_id TEXT,
		executed_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
}

// DialectFor returns the dialect registered under name.
func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "postgres", "postgresql", "":
		return Postgres, nil
	case "sqlite":
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("%w: unknown dialect %q", ErrInvalidInput, name)
	}
}

// Rebind rewrites '?' placeholders into the dialect's native form. Question
// marks inside single-quoted literals are left alone.
func (d Dialect) Rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
