package lending

import (
	"context"
	"fmt"

	"github.com/punchamoorthee/lendingops/internal/domain"
)

// BorrowLimitPolicy enforces the per-account maximum of active loans.
type BorrowLimitPolicy struct{}

// CheckLimit fails with domain.ErrLimitExceeded when the account already holds its maximum.
// The account must have been resolved through the same session, which holds its row lock.
func (BorrowLimitPolicy) CheckLimit(ctx context.Context, loans LoanRows, account domain.Account) error {
	active, err := loans.CountActiveLoans(ctx, account.ID)
	if err != nil {
		return fmt.Errorf("count active loans of account %d: %w", account.ID, err)
	}
	if active >= account.MaxBorrowBooks {
		return fmt.Errorf("%w: account %d holds %d of %d",
			domain.ErrLimitExceeded, account.ID, active, account.MaxBorrowBooks)
	}
	return nil
}
