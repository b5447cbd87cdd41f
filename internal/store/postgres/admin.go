package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/punchamoorthee/lendingops/internal/domain"
)

// CreateAccount inserts an account and, when maxBorrowBooks >= 0, its borrowing profile.
func (s *Store) CreateAccount(ctx context.Context, username string, role domain.Role, maxBorrowBooks int) (int64, error) {
	if role == "" {
		role = domain.RoleUser
	}

	var id int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`INSERT INTO accounts (username, role) VALUES ($1, $2) RETURNING id`,
			username, string(role)).Scan(&id); err != nil {
			return fmt.Errorf("insert account: %w", err)
		}
		if maxBorrowBooks < 0 {
			return nil
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO borrowing_profiles (account_id, max_borrow_books) VALUES ($1, $2)`,
			id, maxBorrowBooks); err != nil {
			return fmt.Errorf("insert borrowing profile: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, s.fail(err)
	}
	return id, nil
}

// CreateBook inserts a book with all copies on the shelf.
func (s *Store) CreateBook(ctx context.Context, isbn, title, author string, copies int) (int64, error) {
	if copies < 1 {
		return 0, fmt.Errorf("a book needs at least one copy, got %d", copies)
	}
	var isbnArg any
	if isbn != "" {
		isbnArg = isbn
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO books (isbn, title, author, total_copies, available_copies)
		VALUES ($1, $2, $3, $4, $4)
		RETURNING id`,
		isbnArg, title, author, copies).Scan(&id)
	if err != nil {
		return 0, s.fail(fmt.Errorf("insert book: %w", err))
	}
	return id, nil
}

// Seed bulk-loads generated accounts and books with COPY until the tables hold at least the
// requested number of rows. Running it again is a no-op.
func (s *Store) Seed(ctx context.Context, accounts, books, copies int) error {
	var haveAccounts, haveBooks int
	if err := s.pool.QueryRow(ctx,
		`SELECT (SELECT COUNT(*) FROM accounts), (SELECT COUNT(*) FROM books)`).
		Scan(&haveAccounts, &haveBooks); err != nil {
		return err
	}
	if haveAccounts >= accounts && haveBooks >= books {
		s.log.Info("database already seeded", zap.Int("accounts", haveAccounts), zap.Int("books", haveBooks))
		return nil
	}

	now := time.Now().UTC()
	var accountRows [][]any
	for i := haveAccounts; i < accounts; i++ {
		role := domain.RoleUser
		if i == 0 {
			role = domain.RoleAdmin
		}
		accountRows = append(accountRows, []any{fmt.Sprintf("reader%04d", i+1), string(role), now})
	}
	var bookRows [][]any
	for i := haveBooks; i < books; i++ {
		bookRows = append(bookRows, []any{
			fmt.Sprintf("SEED-%06d", i+1), fmt.Sprintf("Seed Title %d", i+1), "Seed Author",
			copies, copies, now, now,
		})
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		n, err := tx.CopyFrom(ctx,
			pgx.Identifier{"accounts"},
			[]string{"username", "role", "created_at"},
			pgx.CopyFromRows(accountRows))
		if err != nil {
			return fmt.Errorf("bulk insert accounts: %w", err)
		}
		m, err := tx.CopyFrom(ctx,
			pgx.Identifier{"books"},
			[]string{"isbn", "title", "author", "total_copies", "available_copies", "created_at", "updated_at"},
			pgx.CopyFromRows(bookRows))
		if err != nil {
			return fmt.Errorf("bulk insert books: %w", err)
		}
		s.log.Info("seeded database", zap.Int64("accounts", n), zap.Int64("books", m))
		return nil
	})
}
