// Package store is the local mailbox cache: accounts, threads, messages,
// drafts, contacts and sync checkpoints in SQLite.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/wesm/mailsync/internal/fileutil"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store provides database operations for the mailbox cache.
type Store struct {
	db         *sqlx.DB
	dbPath     string
	logger     *slog.Logger
	migrations []Migration
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for migration progress.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithMigrations replaces the migration list. Used by tests that need to
// open a database at an older schema version.
func WithMigrations(m []Migration) Option {
	return func(s *Store) {
		s.migrations = m
	}
}

// Writers take the lock at BEGIN so that two read-then-write transactions
// cannot deadlock upgrading their locks.
const defaultSQLiteParams = "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON&_txlock=immediate"

// isSQLiteError checks if err is a sqlite3.Error with a message containing substr.
func isSQLiteError(err error, substr string) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return strings.Contains(sqliteErr.Error(), substr)
	}
	var sqliteErrPtr *sqlite3.Error
	if errors.As(err, &sqliteErrPtr) && sqliteErrPtr != nil {
		return strings.Contains(sqliteErrPtr.Error(), substr)
	}
	return false
}

// Open opens or creates the database at the given path and applies any
// pending migrations.
func Open(ctx context.Context, dbPath string, opts ...Option) (*Store, error) {
	s := &Store{
		dbPath:     dbPath,
		logger:     slog.Default(),
		migrations: Migrations,
	}
	for _, opt := range opts {
		opt(s)
	}

	dir := filepath.Dir(dbPath)
	if err := fileutil.MkdirPrivate(dir); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sqlx.Open("sqlite3", dbPath+defaultSQLiteParams)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s.db = db

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for advanced queries.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// Tx is a write transaction over the mailbox cache. Every multi-row change
// goes through a Tx so readers never observe half-applied state.
type Tx struct {
	tx *sqlx.Tx
}

// Update runs fn in a transaction. If fn returns an error the transaction
// is rolled back; otherwise it is committed.
func (s *Store) Update(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Tx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// querier is satisfied by both *sqlx.DB and *sqlx.Tx so read helpers are
// shared between the store and open transactions.
type querier interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

// Stats holds row counts for one account, or all accounts when the
// account is empty.
type Stats struct {
	Threads  int64 `json:"threads"`
	Messages int64 `json:"messages"`
	Drafts   int64 `json:"drafts"`
	Contacts int64 `json:"contacts"`
	DBSize   int64 `json:"dbSize"`
}

// GetStats returns statistics about the cache.
func (s *Store) GetStats(ctx context.Context, account string) (*Stats, error) {
	stats := &Stats{}
	queries := []struct {
		table string
		dest  *int64
	}{
		{"threads", &stats.Threads},
		{"messages", &stats.Messages},
		{"drafts", &stats.Drafts},
		{"contacts", &stats.Contacts},
	}
	for _, q := range queries {
		query := "SELECT COUNT(*) FROM " + q.table
		var args []any
		if account != "" {
			query += " WHERE account_email = ?"
			args = append(args, account)
		}
		if err := s.db.GetContext(ctx, q.dest, query, args...); err != nil {
			if isSQLiteError(err, "no such table") {
				continue
			}
			return nil, fmt.Errorf("count %s: %w", q.table, err)
		}
	}
	if info, err := os.Stat(s.dbPath); err == nil {
		stats.DBSize = info.Size()
	}
	return stats, nil
}
