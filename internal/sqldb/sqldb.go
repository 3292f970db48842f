// Package sqldb opens the relational database shared by the stores and hides
// the placeholder differences between SQLite and PostgreSQL.
package sqldb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect identifies the SQL backend.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

// DB is a database handle tagged with its dialect.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Open connects to url. postgres:// and postgresql:// URLs use lib/pq; anything
// else is a SQLite file path, optionally prefixed with sqlite://.
func Open(url string) (*DB, error) {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		db, err := sql.Open("postgres", url)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return &DB{DB: db, Dialect: Postgres}, nil
	}
	return OpenSQLite(strings.TrimPrefix(url, "sqlite://"))
}

// OpenSQLite opens (creating if needed) a SQLite database file.
func OpenSQLite(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &DB{DB: db, Dialect: SQLite}, nil
}

// Rebind rewrites ? placeholders to $1, $2, ... for PostgreSQL. Queries must not
// contain literal question marks.
func (d *DB) Rebind(query string) string {
	if d.Dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Pick returns the SQLite or PostgreSQL variant of a statement.
func (d *DB) Pick(sqlite, postgres string) string {
	if d.Dialect == Postgres {
		return postgres
	}
	return sqlite
}

// ExecAll runs each statement in order, stopping at the first error.
func (d *DB) ExecAll(stmts ...string) error {
	for _, s := range stmts {
		if _, err := d.Exec(s); err != nil {
			return fmt.Errorf("failed to execute %q: %w", firstLine(s), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
