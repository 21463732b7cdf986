package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect is the SQL flavour behind a DSN.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// ErrUnsupportedDialect is returned for DSNs that are neither postgres nor sqlite.
var ErrUnsupportedDialect = errors.New("unsupported database URL scheme")

const sqlitePrefix = "sqlite://"

// DialectOf returns the dialect for dsn: postgres:// and postgresql:// are Postgres, sqlite:// is SQLite.
func DialectOf(dsn string) (Dialect, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "":
		return "", errors.New("DATABASE_URL is not set")
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return Postgres, nil
	case strings.HasPrefix(dsn, sqlitePrefix):
		return SQLite, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedDialect, dsn)
}

// SQLitePath returns the filesystem path of a sqlite:// DSN.
func SQLitePath(dsn string) string {
	path := strings.TrimPrefix(strings.TrimSpace(dsn), sqlitePrefix)
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}

// Open opens the database behind dsn and pings it. Caller must call Close when done.
// SQLite parent directories are created and the pool is limited to one connection so writers do not contend.
func Open(dsn string) (*sql.DB, error) {
	dialect, err := DialectOf(dsn)
	if err != nil {
		return nil, err
	}

	var db *sql.DB
	switch dialect {
	case SQLite:
		path := SQLitePath(dsn)
		if path == "" {
			return nil, errors.New("sqlite DATABASE_URL has no path")
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		db, err = sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1)
	default:
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, err
		}
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
