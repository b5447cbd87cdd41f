// Package store selects and opens the configured lending backend.
package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/punchamoorthee/lendingops/internal/config"
	"github.com/punchamoorthee/lendingops/internal/domain"
	"github.com/punchamoorthee/lendingops/internal/lending"
	"github.com/punchamoorthee/lendingops/internal/store/postgres"
	"github.com/punchamoorthee/lendingops/internal/store/sqlite"
)

// Backend is a lending store plus the administrative operations used by the tools.
type Backend interface {
	lending.UnitOfWork

	Migrate(ctx context.Context) error
	// CreateAccount adds an account. A negative maxBorrowBooks leaves it on the default limit.
	CreateAccount(ctx context.Context, username string, role domain.Role, maxBorrowBooks int) (int64, error)
	CreateBook(ctx context.Context, isbn, title, author string, copies int) (int64, error)
	Seed(ctx context.Context, accounts, books, copies int) error
	Close() error
}

var (
	_ Backend = (*postgres.Store)(nil)
	_ Backend = (*sqlite.Store)(nil)
)

// Open connects to the backend named by cfg.DBDriver.
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger) (Backend, error) {
	log = log.With(zap.String("driver", cfg.DBDriver))

	switch cfg.DBDriver {
	case config.DriverPostgres:
		s, err := postgres.NewStore(ctx, cfg.DBSource,
			postgres.WithLogger(log),
			postgres.WithDefaultMaxBorrowBooks(cfg.DefaultMaxBorrowBooks),
			postgres.WithLockTimeout(cfg.LockTimeout),
		)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverSQLite:
		opts := []sqlite.Option{
			sqlite.WithLogger(log),
			sqlite.WithDefaultMaxBorrowBooks(cfg.DefaultMaxBorrowBooks),
		}
		if cfg.LockTimeout > 0 {
			opts = append(opts, sqlite.WithBusyTimeout(cfg.LockTimeout))
		}
		s, err := sqlite.Open(ctx, cfg.DBSource, opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.DBDriver)
	}
}
