// Package store provides SQLite-backed implementations of the vector store
// and graph store for single-host deployments. Both persist to a local
// database file, so an index survives restarts without any external service.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/54b3r/kbingest-go/internal/rag"
)

// db wraps the connection pool shared by the store types in this package.
type db struct {
	// sql is the underlying database connection pool.
	sql *sql.DB
}

// open opens (or creates) the database at path and applies ddl.
// Use ":memory:" for an in-memory database in tests.
func open(path, ddl string) (*db, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("store: could not create %s: %w", dir, err)
			}
		}
	}

	// WAL mode improves concurrent read performance and is safe for single-host use.
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// Limit to a single writer connection to avoid SQLITE_BUSY under concurrent writes.
	// This also keeps ":memory:" databases alive for the lifetime of the pool.
	sqlDB.SetMaxOpenConns(1)

	if _, err := sqlDB.Exec(ddl); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("store: migrate %s: %w", path, err)
	}
	return &db{sql: sqlDB}, nil
}

// Ping verifies the database is reachable.
func (d *db) Ping(ctx context.Context) error {
	if err := d.sql.PingContext(ctx); err != nil {
		return classify(fmt.Errorf("store: ping: %w", err))
	}
	return nil
}

// Close releases the database connection pool.
func (d *db) Close() error {
	if err := d.sql.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}

// classify marks lock contention as transient so the coordinator retries it.
func classify(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return rag.Transient(err)
		}
	}
	return err
}

// isForeignKey reports whether err is a foreign key constraint violation.
func isForeignKey(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	if se.Code() == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY {
		return true
	}
	return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), "FOREIGN KEY")
}
