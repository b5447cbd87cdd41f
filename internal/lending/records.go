package lending

import (
	"context"
	"fmt"
	"time"

	"github.com/punchamoorthee/lendingops/internal/domain"
)

// LoanRecordStore creates and closes loan records. It owns the loan state machine.
type LoanRecordStore struct {
	loanPeriod time.Duration
}

// Open persists a new active loan for account on book.
func (s LoanRecordStore) Open(ctx context.Context, loans LoanRows, accountID, bookID int64, remarks string, now time.Time) (domain.LoanRecord, error) {
	record := domain.LoanRecord{
		AccountID:  accountID,
		BookID:     bookID,
		BorrowDate: now,
		DueDate:    now.Add(s.loanPeriod),
		Status:     domain.LoanActive,
		Remarks:    remarks,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := loans.InsertLoan(ctx, &record); err != nil {
		return domain.LoanRecord{}, fmt.Errorf("insert loan: %w", err)
	}
	return record, nil
}

// Close locks an active record and moves it to status. It fails with domain.ErrInvalidState if
// the record is already closed.
func (s LoanRecordStore) Close(ctx context.Context, loans LoanRows, recordID int64, status domain.LoanStatus, remarks string, now time.Time) (domain.LoanRecord, error) {
	record, err := loans.LockLoan(ctx, recordID)
	if err != nil {
		return domain.LoanRecord{}, err
	}
	if err := record.Close(status, remarks, now); err != nil {
		return domain.LoanRecord{}, err
	}
	if err := loans.UpdateLoan(ctx, record); err != nil {
		return domain.LoanRecord{}, fmt.Errorf("update loan %d: %w", recordID, err)
	}
	return record, nil
}
