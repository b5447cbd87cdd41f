package lending

import (
	"context"
	"fmt"

	"github.com/punchamoorthee/lendingops/internal/domain"
)

// InventoryLedger is the only writer of a book's available copy count.
type InventoryLedger struct{}

// ReserveCopy takes one copy off the shelf. The book row stays locked until the surrounding
// transaction ends, so two callers can never both see the last copy.
func (InventoryLedger) ReserveCopy(ctx context.Context, rows BookRows, bookID int64) (domain.Book, error) {
	book, err := rows.LockBook(ctx, bookID)
	if err != nil {
		return domain.Book{}, err
	}
	if err := checkCounters(book); err != nil {
		return domain.Book{}, err
	}
	if book.AvailableCopies <= 0 {
		return domain.Book{}, fmt.Errorf("%w: book %d", domain.ErrOutOfStock, bookID)
	}

	book.AvailableCopies--
	if err := rows.SetAvailableCopies(ctx, bookID, book.AvailableCopies); err != nil {
		return domain.Book{}, fmt.Errorf("reserve copy of book %d: %w", bookID, err)
	}
	return book, nil
}

// ReleaseCopy puts a copy back unless it is being written off. A written-off copy keeps
// TotalCopies unchanged, so the book stays permanently one copy short.
func (InventoryLedger) ReleaseCopy(ctx context.Context, rows BookRows, bookID int64, removeFromCirculation bool) (domain.Book, error) {
	book, err := rows.LockBook(ctx, bookID)
	if err != nil {
		return domain.Book{}, err
	}
	if err := checkCounters(book); err != nil {
		return domain.Book{}, err
	}
	if removeFromCirculation {
		return book, nil
	}
	if book.AvailableCopies+1 > book.TotalCopies {
		return domain.Book{}, fmt.Errorf("%w: releasing a copy of book %d would exceed %d total copies",
			domain.ErrInvariantViolation, bookID, book.TotalCopies)
	}

	book.AvailableCopies++
	if err := rows.SetAvailableCopies(ctx, bookID, book.AvailableCopies); err != nil {
		return domain.Book{}, fmt.Errorf("release copy of book %d: %w", bookID, err)
	}
	return book, nil
}

func checkCounters(b domain.Book) error {
	if b.AvailableCopies < 0 || b.AvailableCopies > b.TotalCopies {
		return fmt.Errorf("%w: book %d has %d of %d copies available",
			domain.ErrInvariantViolation, b.ID, b.AvailableCopies, b.TotalCopies)
	}
	return nil
}
