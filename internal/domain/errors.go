package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is matched by every missing-entity error below.
var ErrNotFound = errors.New("not found")

var (
	ErrAccountNotFound = fmt.Errorf("account %w", ErrNotFound)
	ErrBookNotFound    = fmt.Errorf("book %w", ErrNotFound)
	ErrLoanNotFound    = fmt.Errorf("loan record %w", ErrNotFound)
)

var (
	// ErrOutOfStock is returned when a book has no copy left to lend.
	ErrOutOfStock = errors.New("no available copies")

	// ErrLimitExceeded is returned when the account already holds its maximum of active loans.
	ErrLimitExceeded = errors.New("borrow limit exceeded")

	// ErrInvalidState is returned when closing a loan that is no longer active.
	ErrInvalidState = errors.New("loan is not active")

	// ErrInvalidTargetStatus is returned when a force-return names a status other than overdue or lost.
	ErrInvalidTargetStatus = errors.New("target status must be overdue or lost")

	// ErrInvalidStatus is returned when a status name or code cannot be parsed.
	ErrInvalidStatus = errors.New("invalid loan status")

	// ErrConcurrencyConflict marks a transaction aborted by lock contention or a serialization
	// failure. It is the only error the coordinator retries.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrInvariantViolation marks an internal consistency failure, e.g. a release that would push
	// available copies above the total. It is never expected and never retried.
	ErrInvariantViolation = errors.New("invariant violation")
)

// IsBusinessError reports whether err is an expected business outcome rather than a system failure.
func IsBusinessError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrOutOfStock) ||
		errors.Is(err, ErrLimitExceeded) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrInvalidTargetStatus) ||
		errors.Is(err, ErrInvalidStatus)
}
