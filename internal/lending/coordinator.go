package lending

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/punchamoorthee/lendingops/internal/domain"
)

const (
	opBorrow      = "borrow"
	opReturn      = "return"
	opForceReturn = "force_return"
)

// ErrNilUnitOfWork is returned when the Coordinator is built without a store.
var ErrNilUnitOfWork = errors.New("unit of work must not be nil")

// Coordinator runs borrow, return and force-return as single transactions over a UnitOfWork.
// It is identity-agnostic: callers are expected to have checked roles and record ownership.
type Coordinator struct {
	uow     UnitOfWork
	ledger  InventoryLedger
	policy  BorrowLimitPolicy
	records LoanRecordStore
	retry   retryPolicy
	log     *zap.Logger
	clock   func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator) error

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Coordinator) error {
		if log != nil {
			c.log = log
		}
		return nil
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) error {
		if clock != nil {
			c.clock = clock
		}
		return nil
	}
}

// WithLoanPeriod sets the span between borrow date and due date.
func WithLoanPeriod(period time.Duration) Option {
	return func(c *Coordinator) error {
		if period <= 0 {
			return fmt.Errorf("loan period must be positive, got %s", period)
		}
		c.records.loanPeriod = period
		return nil
	}
}

// WithRetry tunes how concurrency conflicts are retried.
func WithRetry(opts ...RetryOption) Option {
	return func(c *Coordinator) error {
		for _, opt := range opts {
			if err := opt(&c.retry); err != nil {
				return err
			}
		}
		return nil
	}
}

// NewCoordinator builds a Coordinator around an explicitly provided unit of work.
func NewCoordinator(uow UnitOfWork, opts ...Option) (*Coordinator, error) {
	if uow == nil {
		return nil, ErrNilUnitOfWork
	}

	c := &Coordinator{
		uow:     uow,
		records: LoanRecordStore{loanPeriod: domain.DefaultLoanPeriod},
		retry:   defaultRetryPolicy(),
		log:     zap.NewNop(),
		clock:   time.Now,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Borrow lends one copy of bookID to accountID.
func (c *Coordinator) Borrow(ctx context.Context, accountID, bookID int64, remarks string) (domain.LoanRecord, error) {
	var record domain.LoanRecord

	err := c.execute(ctx, opBorrow, []zap.Field{zap.Int64("account_id", accountID), zap.Int64("book_id", bookID)},
		func(ctx context.Context, s Session) error {
			account, err := s.ResolveAccount(ctx, accountID)
			if err != nil {
				return err
			}
			if err := c.policy.CheckLimit(ctx, s, account); err != nil {
				return err
			}
			if _, err := c.ledger.ReserveCopy(ctx, s, bookID); err != nil {
				return err
			}
			record, err = c.records.Open(ctx, s, account.ID, bookID, remarks, c.now())
			return err
		})
	if err != nil {
		return domain.LoanRecord{}, err
	}
	return record, nil
}

// ReturnBook closes an active loan as returned and puts the copy back.
func (c *Coordinator) ReturnBook(ctx context.Context, recordID int64, remarks string) (domain.LoanRecord, error) {
	return c.closeLoan(ctx, opReturn, recordID, domain.LoanReturned, remarks)
}

// ForceReturn closes an active loan on an administrator's behalf. Overdue releases the copy;
// Lost writes it off.
func (c *Coordinator) ForceReturn(ctx context.Context, recordID int64, target domain.LoanStatus, remarks string) (domain.LoanRecord, error) {
	if target != domain.LoanOverdue && target != domain.LoanLost {
		return domain.LoanRecord{}, fmt.Errorf("%w: got %s", domain.ErrInvalidTargetStatus, target)
	}
	return c.closeLoan(ctx, opForceReturn, recordID, target, remarks)
}

func (c *Coordinator) closeLoan(ctx context.Context, op string, recordID int64, status domain.LoanStatus, remarks string) (domain.LoanRecord, error) {
	var record domain.LoanRecord

	err := c.execute(ctx, op, []zap.Field{zap.Int64("record_id", recordID), zap.Stringer("status", status)},
		func(ctx context.Context, s Session) error {
			var err error
			record, err = c.records.Close(ctx, s, recordID, status, remarks, c.now())
			if err != nil {
				return err
			}
			_, err = c.ledger.ReleaseCopy(ctx, s, record.BookID, !status.ReleasesCopy())
			return err
		})
	if err != nil {
		return domain.LoanRecord{}, err
	}
	return record, nil
}

// ListActiveLoans returns the account's open loans, oldest first.
func (c *Coordinator) ListActiveLoans(ctx context.Context, accountID int64) ([]domain.LoanRecord, error) {
	var records []domain.LoanRecord
	err := c.uow.View(ctx, func(ctx context.Context, s Session) error {
		if _, err := s.ResolveAccount(ctx, accountID); err != nil {
			return err
		}
		var err error
		records, err = s.ListActiveLoans(ctx, accountID)
		return err
	})
	return records, err
}

// GetLoan returns a single loan record.
func (c *Coordinator) GetLoan(ctx context.Context, recordID int64) (domain.LoanRecord, error) {
	var record domain.LoanRecord
	err := c.uow.View(ctx, func(ctx context.Context, s Session) error {
		var err error
		record, err = s.GetLoan(ctx, recordID)
		return err
	})
	return record, err
}

// ListLoans pages through loan records, newest first.
func (c *Coordinator) ListLoans(ctx context.Context, filter domain.LoanFilter) (domain.LoanPage, error) {
	filter = filter.Normalize()

	var page domain.LoanPage
	err := c.uow.View(ctx, func(ctx context.Context, s Session) error {
		var err error
		page, err = s.ListLoans(ctx, filter)
		return err
	})
	return page, err
}

// GetBook returns a book with its current copy counters.
func (c *Coordinator) GetBook(ctx context.Context, bookID int64) (domain.Book, error) {
	var book domain.Book
	err := c.uow.View(ctx, func(ctx context.Context, s Session) error {
		var err error
		book, err = s.GetBook(ctx, bookID)
		return err
	})
	return book, err
}

// execute runs fn in a write transaction, retrying concurrency conflicts, and records the outcome.
func (c *Coordinator) execute(ctx context.Context, op string, fields []zap.Field, fn func(ctx context.Context, s Session) error) error {
	start := time.Now()
	log := c.log.With(append(fields, zap.String("operation", op))...)

	out, err := c.retry.retryOnConflict(ctx,
		func(ctx context.Context) error {
			return c.uow.WithinTx(ctx, fn)
		},
		func(attempt int, err error) {
			conflictRetries.WithLabelValues(op).Inc()
			log.Debug("retrying after conflict", zap.Int("attempt", attempt), zap.Error(err))
		})

	elapsed := time.Since(start)
	operationDuration.WithLabelValues(op).Observe(elapsed.Seconds())
	operationsTotal.WithLabelValues(op, outcomeLabel(err)).Inc()

	log = log.With(zap.Int("attempts", out.Attempts), zap.Duration("duration", elapsed))
	switch {
	case err == nil:
		log.Info("lending operation committed")
	case domain.IsBusinessError(err):
		log.Info("lending operation rejected", zap.Error(err))
	case errors.Is(err, domain.ErrConcurrencyConflict):
		log.Warn("lending operation gave up after conflicts", zap.Error(err))
	case errors.Is(err, domain.ErrInvariantViolation):
		log.Error("inventory invariant violated", zap.Error(err))
	default:
		log.Error("lending operation failed", zap.Error(err))
	}
	return err
}

func (c *Coordinator) now() time.Time {
	return c.clock().UTC().Truncate(time.Microsecond)
}
