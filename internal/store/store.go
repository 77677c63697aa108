// Package store persists applications, domains, environment variables,
// deployment history, the deployment queue and runtime settings in SQLite.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("already exists")
)

// goose keeps its dialect and filesystem in package state
var gooseMu sync.Mutex

// Options tune store behaviour.
type Options struct {
	// PortStart is the lowest port handed out to new applications.
	PortStart int
}

// Store is the SQLite-backed row store.
type Store struct {
	db        *sql.DB
	portStart int
}

// Open opens (creating if needed) the database at dbPath and applies
// pending migrations.
func Open(ctx context.Context, dbPath string, opts Options) (*Store, error) {
	s, err := open(dbPath, opts)
	if err != nil {
		return nil, err
	}

	if err := s.Migrate(ctx); err != nil {
		s.db.Close()
		return nil, err
	}

	return s, nil
}

// OpenWithoutMigrate opens the database without touching its schema.
func OpenWithoutMigrate(dbPath string, opts Options) (*Store, error) {
	return open(dbPath, opts)
}

func open(dbPath string, opts Options) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")

	db, err := sql.Open("sqlite", "file:"+dbPath+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for SQLite (single writer)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if opts.PortStart == 0 {
		opts.PortStart = 4000
	}

	return &Store{db: db, portStart: opts.PortStart}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping ensures the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Migrate applies pending migrations.
func (s *Store) Migrate(ctx context.Context) error {
	return withGoose(func() error {
		runCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()

		if err := goose.UpContext(runCtx, s.db, "migrations"); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		return nil
	})
}

// MigrateDown rolls back the latest migration, or down to targetVersion
// when it is positive.
func (s *Store) MigrateDown(ctx context.Context, targetVersion int64) error {
	return withGoose(func() error {
		if targetVersion > 0 {
			if err := goose.DownToContext(ctx, s.db, "migrations", targetVersion); err != nil {
				return fmt.Errorf("rollback to version %d: %w", targetVersion, err)
			}
			return nil
		}
		if err := goose.DownContext(ctx, s.db, "migrations"); err != nil {
			return fmt.Errorf("rollback latest migration: %w", err)
		}
		return nil
	})
}

// SchemaVersion reports the current migration version.
func (s *Store) SchemaVersion(ctx context.Context) (int64, error) {
	var version int64
	err := withGoose(func() error {
		v, err := goose.GetDBVersionContext(ctx, s.db)
		if err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		version = v
		return nil
	})
	return version, err
}

func withGoose(fn func() error) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}
	return fn()
}

// scanner is an interface that both *sql.Row and *sql.Rows implement
type scanner interface {
	Scan(dest ...interface{}) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nowString() string {
	return formatTime(time.Now())
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
