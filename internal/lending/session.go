package lending

import (
	"context"

	"github.com/punchamoorthee/lendingops/internal/domain"
)

// AccountDirectory resolves the borrowing profile of an account. Inside a write transaction the
// implementation must lock the account row so that concurrent borrows by one account serialize.
type AccountDirectory interface {
	ResolveAccount(ctx context.Context, accountID int64) (domain.Account, error)
}

// BookRows is the persistence surface of the InventoryLedger.
type BookRows interface {
	// LockBook reads a book and holds a row lock on it until the transaction ends.
	LockBook(ctx context.Context, bookID int64) (domain.Book, error)
	SetAvailableCopies(ctx context.Context, bookID int64, available int) error
	GetBook(ctx context.Context, bookID int64) (domain.Book, error)
}

// LoanRows is the persistence surface of the LoanRecordStore and the BorrowLimitPolicy.
type LoanRows interface {
	CountActiveLoans(ctx context.Context, accountID int64) (int, error)
	InsertLoan(ctx context.Context, record *domain.LoanRecord) error
	// LockLoan reads a loan record and holds a row lock on it until the transaction ends.
	LockLoan(ctx context.Context, recordID int64) (domain.LoanRecord, error)
	UpdateLoan(ctx context.Context, record domain.LoanRecord) error
	GetLoan(ctx context.Context, recordID int64) (domain.LoanRecord, error)
	ListActiveLoans(ctx context.Context, accountID int64) ([]domain.LoanRecord, error)
	ListLoans(ctx context.Context, filter domain.LoanFilter) (domain.LoanPage, error)
}

// Session is the transaction-scoped view of the store handed to a unit of work.
type Session interface {
	AccountDirectory
	BookRows
	LoanRows
}

// UnitOfWork runs functions against a Session. Implementations must commit only when fn returns
// nil, roll back otherwise, and translate lock contention or serialization failures into
// domain.ErrConcurrencyConflict.
type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, s Session) error) error
	View(ctx context.Context, fn func(ctx context.Context, s Session) error) error
}
