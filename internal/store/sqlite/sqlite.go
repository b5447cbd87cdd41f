// Package sqlite is the embedded lending store. Every write transaction is opened with
// BEGIN IMMEDIATE, so the database write lock is held for the whole unit of work and
// concurrent borrows are serialized by SQLite itself.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/punchamoorthee/lendingops/internal/domain"
	"github.com/punchamoorthee/lendingops/internal/lending"
)

//go:embed schema.sql
var schema string

const defaultBusyTimeout = 5 * time.Second

// Store implements lending.UnitOfWork on a SQLite database file.
type Store struct {
	db          *sqlx.DB
	reads       *sqlx.DB
	log         *zap.Logger
	defaultMax  int
	busyTimeout time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for transaction diagnostics.
func WithLogger(log *zap.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// WithDefaultMaxBorrowBooks sets the limit applied to accounts without a borrowing profile.
func WithDefaultMaxBorrowBooks(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.defaultMax = n
		}
	}
}

// WithBusyTimeout bounds how long a transaction waits for the write lock before failing
// with a concurrency conflict.
func WithBusyTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.busyTimeout = d
		}
	}
}

// Open opens (or creates) the database file at path.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	s := &Store{
		log:         zap.NewNop(),
		defaultMax:  domain.DefaultMaxBorrowBooks,
		busyTimeout: defaultBusyTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	base := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=1&_journal_mode=WAL",
		path, s.busyTimeout.Milliseconds())
	db, err := openPool(ctx, base+"&_txlock=immediate")
	if err != nil {
		return nil, err
	}
	// Deferred read transactions pin one WAL snapshot without taking the write lock.
	reads, err := openPool(ctx, base+"&_txlock=deferred&_query_only=1")
	if err != nil {
		db.Close()
		return nil, err
	}

	s.db = db
	s.reads = reads
	return s, nil
}

func openPool(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

// Close releases both connection pools.
func (s *Store) Close() error {
	return errors.Join(s.reads.Close(), s.db.Close())
}

// Migrate applies the embedded schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// WithinTx runs fn inside an immediate transaction and commits when fn returns nil.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, sess lending.Session) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return s.fail(fmt.Errorf("tx begin failed: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := fn(ctx, &session{q: tx, defaultMax: s.defaultMax}); err != nil {
		return s.fail(err)
	}

	if err := tx.Commit(); err != nil {
		return s.fail(fmt.Errorf("tx commit failed: %w", err))
	}
	return nil
}

func (s *Store) fail(err error) error {
	err = classify(err)
	if errors.Is(err, domain.ErrConcurrencyConflict) {
		s.log.Debug("sqlite write lock contention", zap.Error(err))
	}
	return err
}

// View runs fn in a deferred read transaction so multi-statement reads share one snapshot.
func (s *Store) View(ctx context.Context, fn func(ctx context.Context, sess lending.Session) error) error {
	tx, err := s.reads.BeginTxx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return classify(fmt.Errorf("read tx begin failed: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck

	return classify(fn(ctx, &session{q: tx, defaultMax: s.defaultMax, readOnly: true}))
}

// classify maps lock contention onto domain.ErrConcurrencyConflict and CHECK failures onto
// domain.ErrInvariantViolation, keeping the driver error in the chain.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}
	switch {
	case sqliteErr.Code == sqlite3.ErrBusy, sqliteErr.Code == sqlite3.ErrLocked:
		return errors.Join(domain.ErrConcurrencyConflict, err)
	case sqliteErr.ExtendedCode == sqlite3.ErrConstraintCheck:
		return errors.Join(domain.ErrInvariantViolation, err)
	default:
		return err
	}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
