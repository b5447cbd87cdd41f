package sqlite

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/punchamoorthee/lendingops/internal/domain"
)

// CreateAccount inserts an account and, when maxBorrowBooks >= 0, its borrowing profile.
func (s *Store) CreateAccount(ctx context.Context, username string, role domain.Role, maxBorrowBooks int) (int64, error) {
	if role == "" {
		role = domain.RoleUser
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, s.fail(err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx,
		`INSERT INTO accounts (username, role, created_at) VALUES (?, ?, ?)`,
		username, string(role), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("insert account: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if maxBorrowBooks >= 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO borrowing_profiles (account_id, max_borrow_books) VALUES (?, ?)`,
			id, maxBorrowBooks); err != nil {
			return 0, fmt.Errorf("insert borrowing profile: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, s.fail(err)
	}
	return id, nil
}

// CreateBook inserts a book with all copies on the shelf.
func (s *Store) CreateBook(ctx context.Context, isbn, title, author string, copies int) (int64, error) {
	if copies < 1 {
		return 0, fmt.Errorf("a book needs at least one copy, got %d", copies)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO books (isbn, title, author, total_copies, available_copies, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		nullString(isbn), title, author, copies, copies, now, now)
	if err != nil {
		return 0, s.fail(fmt.Errorf("insert book: %w", err))
	}
	return res.LastInsertId()
}

// Seed inserts generated accounts and books until the tables hold at least the requested
// number of rows. The first account is an admin. Running it again is a no-op.
func (s *Store) Seed(ctx context.Context, accounts, books, copies int) error {
	var have struct {
		Accounts int `db:"accounts"`
		Books    int `db:"books"`
	}
	if err := s.db.GetContext(ctx, &have,
		`SELECT (SELECT COUNT(*) FROM accounts) AS accounts, (SELECT COUNT(*) FROM books) AS books`); err != nil {
		return err
	}
	if have.Accounts >= accounts && have.Books >= books {
		s.log.Info("database already seeded", zap.Int("accounts", have.Accounts), zap.Int("books", have.Books))
		return nil
	}

	for i := have.Accounts; i < accounts; i++ {
		role := domain.RoleUser
		if i == 0 {
			role = domain.RoleAdmin
		}
		if _, err := s.CreateAccount(ctx, fmt.Sprintf("reader%04d", i+1), role, -1); err != nil {
			return err
		}
	}
	for i := have.Books; i < books; i++ {
		if _, err := s.CreateBook(ctx, fmt.Sprintf("SEED-%06d", i+1), fmt.Sprintf("Seed Title %d", i+1), "Seed Author", copies); err != nil {
			return err
		}
	}
	s.log.Info("seeded database", zap.Int("accounts", accounts-have.Accounts), zap.Int("books", books-have.Books))
	return nil
}
