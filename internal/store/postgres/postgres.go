// Package postgres is the production lending store on top of pgx. Write transactions run at
// READ COMMITTED and take explicit row locks (SELECT ... FOR UPDATE) on the account, book and
// loan rows they touch, so every check-then-act sequence observes the latest committed state.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/punchamoorthee/lendingops/internal/domain"
	"github.com/punchamoorthee/lendingops/internal/lending"
)

//go:embed schema.sql
var schema string

// SQLSTATE codes that signal a transaction lost a race and may be retried.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeCheckViolation       = "23514"
)

const defaultLockTimeout = 2 * time.Second

type Store struct {
	pool        *pgxpool.Pool
	log         *zap.Logger
	defaultMax  int
	lockTimeout time.Duration
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

// WithLockTimeout bounds how long a transaction waits for a row lock. Zero disables the bound.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d >= 0 {
			s.lockTimeout = d
		}
	}
}

// NewStore connects a pool to connString and verifies it with a ping.
func NewStore(ctx context.Context, connString string, opts ...Option) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return NewStoreFromPool(pool, opts...), nil
}

// NewStoreFromPool wraps an existing pool. The caller keeps ownership of the pool's lifetime
// only if it never calls Close on the Store.
func NewStoreFromPool(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		log:         zap.NewNop(),
		defaultMax:  domain.DefaultMaxBorrowBooks,
		lockTimeout: defaultLockTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Migrate applies the embedded schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// WithinTx runs fn in a READ COMMITTED transaction and commits when fn returns nil.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, sess lending.Session) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return s.fail(fmt.Errorf("tx begin failed: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if s.lockTimeout > 0 {
		// SET does not take bind parameters.
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return s.fail(fmt.Errorf("set lock timeout: %w", err))
		}
	}

	if err := fn(ctx, &session{q: tx, defaultMax: s.defaultMax}); err != nil {
		return s.fail(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return s.fail(fmt.Errorf("tx commit failed: %w", err))
	}
	return nil
}

// View runs fn in a read-only transaction so multi-statement reads share one snapshot.
func (s *Store) View(ctx context.Context, fn func(ctx context.Context, sess lending.Session) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return s.fail(fmt.Errorf("tx begin failed: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(ctx, &session{q: tx, defaultMax: s.defaultMax, readOnly: true}); err != nil {
		return s.fail(err)
	}
	return tx.Commit(ctx)
}

func (s *Store) fail(err error) error {
	err = classify(err)
	if errors.Is(err, domain.ErrConcurrencyConflict) {
		s.log.Debug("postgres lock contention", zap.Error(err))
	}
	return err
}

// classify maps serialization failures, deadlocks and lock timeouts onto
// domain.ErrConcurrencyConflict and counter CHECK failures onto domain.ErrInvariantViolation.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
		return errors.Join(domain.ErrConcurrencyConflict, err)
	case codeCheckViolation:
		return errors.Join(domain.ErrInvariantViolation, err)
	default:
		return err
	}
}
