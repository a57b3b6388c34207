// Package database opens the payment core's SQL store. Postgres is used when
// a postgres:// URL is configured; anything else runs in lite mode on SQLite.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect names the SQL engine behind a *sql.DB.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// DefaultLitePath is used when no URL is configured.
const DefaultLitePath = "data/paycore.db"

// Open connects to url and pings it. An empty url opens DefaultLitePath.
func Open(ctx context.Context, url string) (*sql.DB, Dialect, error) {
	logger := slog.Default().With("component", "database")

	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		db, err := sql.Open("postgres", url)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, "", fmt.Errorf("postgres ping failed: %w", err)
		}
		logger.InfoContext(ctx, "postgres connected")
		return db, DialectPostgres, nil
	}

	path := strings.TrimPrefix(url, "sqlite://")
	if path == "" {
		path = DefaultLitePath
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, "", fmt.Errorf("failed to create data dir: %w", err)
		}
	}
	db, err := OpenSQLite(path)
	if err != nil {
		return nil, "", err
	}
	logger.InfoContext(ctx, "lite mode: using sqlite", "path", path)
	return db, DialectSQLite, nil
}

// OpenSQLite opens a single-connection SQLite handle. SQLite serializes
// writers, and ":memory:" databases are private to one connection.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// IsUniqueViolation reports whether err is a primary key or unique
// constraint failure on either engine.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		if code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
