package sqlite

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/lendingops/internal/domain"
	"github.com/punchamoorthee/lendingops/internal/lending"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	s, err := Open(ctx, filepath.Join(t.TempDir(), "lending.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

func Test_Store_Migrate_IsIdempotent(t *testing.T) {
	s := tempStore(t)

	assert.NoError(t, s.Migrate(context.Background()))
}

func Test_Session_ResolveAccount_DefaultAndProfileLimit(t *testing.T) {
	ctx := context.Background()
	s := tempStore(t)

	withDefault, err := s.CreateAccount(ctx, "alice", domain.RoleUser, -1)
	require.NoError(t, err)
	withProfile, err := s.CreateAccount(ctx, "bob", domain.RoleAdmin, 2)
	require.NoError(t, err)

	err = s.View(ctx, func(ctx context.Context, sess lending.Session) error {
		a, err := sess.ResolveAccount(ctx, withDefault)
		require.NoError(t, err)
		assert.Equal(t, domain.DefaultMaxBorrowBooks, a.MaxBorrowBooks)
		assert.Equal(t, domain.RoleUser, a.Role)

		b, err := sess.ResolveAccount(ctx, withProfile)
		require.NoError(t, err)
		assert.Equal(t, 2, b.MaxBorrowBooks)
		assert.Equal(t, domain.RoleAdmin, b.Role)

		_, err = sess.ResolveAccount(ctx, 999)
		assert.ErrorIs(t, err, domain.ErrAccountNotFound)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func Test_Store_WithinTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := tempStore(t)
	bookID, err := s.CreateBook(ctx, "978-0", "Rollback", "Nobody", 2)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.WithinTx(ctx, func(ctx context.Context, sess lending.Session) error {
		require.NoError(t, sess.SetAvailableCopies(ctx, bookID, 1))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = s.View(ctx, func(ctx context.Context, sess lending.Session) error {
		b, err := sess.GetBook(ctx, bookID)
		require.NoError(t, err)
		assert.Equal(t, 2, b.AvailableCopies)
		return nil
	})
	require.NoError(t, err)
}

func Test_Store_WithinTx_CheckConstraintIsInvariantViolation(t *testing.T) {
	ctx := context.Background()
	s := tempStore(t)
	bookID, err := s.CreateBook(ctx, "", "Bounded", "Nobody", 1)
	require.NoError(t, err)

	err = s.WithinTx(ctx, func(ctx context.Context, sess lending.Session) error {
		return sess.SetAvailableCopies(ctx, bookID, 2)
	})
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)
}

func Test_Session_LoanLifecycle(t *testing.T) {
	ctx := context.Background()
	s := tempStore(t)
	accountID, err := s.CreateAccount(ctx, "carol", domain.RoleUser, -1)
	require.NoError(t, err)
	bookID, err := s.CreateBook(ctx, "978-1", "Lifecycle", "Someone", 1)
	require.NoError(t, err)

	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := domain.LoanRecord{
		AccountID:  accountID,
		BookID:     bookID,
		BorrowDate: now,
		DueDate:    now.Add(domain.DefaultLoanPeriod),
		Status:     domain.LoanActive,
		Remarks:    "first",
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err = s.WithinTx(ctx, func(ctx context.Context, sess lending.Session) error {
		return sess.InsertLoan(ctx, &rec)
	})
	require.NoError(t, err)
	require.NotZero(t, rec.ID)

	err = s.WithinTx(ctx, func(ctx context.Context, sess lending.Session) error {
		n, err := sess.CountActiveLoans(ctx, accountID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		locked, err := sess.LockLoan(ctx, rec.ID)
		require.NoError(t, err)
		assert.True(t, locked.BorrowDate.Equal(now))
		assert.Nil(t, locked.ReturnDate)

		require.NoError(t, locked.Close(domain.LoanReturned, "back", now.Add(time.Hour)))
		return sess.UpdateLoan(ctx, locked)
	})
	require.NoError(t, err)

	err = s.View(ctx, func(ctx context.Context, sess lending.Session) error {
		got, err := sess.GetLoan(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.LoanReturned, got.Status)
		require.NotNil(t, got.ReturnDate)
		assert.True(t, got.ReturnDate.Equal(now.Add(time.Hour)))
		assert.Equal(t, "first; back", got.Remarks)

		active, err := sess.ListActiveLoans(ctx, accountID)
		require.NoError(t, err)
		assert.Empty(t, active)

		_, err = sess.GetLoan(ctx, rec.ID+100)
		assert.ErrorIs(t, err, domain.ErrLoanNotFound)
		return nil
	})
	require.NoError(t, err)
}

func Test_Session_ListLoans_FiltersAndPages(t *testing.T) {
	ctx := context.Background()
	s := tempStore(t)
	alice, err := s.CreateAccount(ctx, "alice", domain.RoleUser, -1)
	require.NoError(t, err)
	bob, err := s.CreateAccount(ctx, "bob", domain.RoleUser, -1)
	require.NoError(t, err)
	goBook, err := s.CreateBook(ctx, "978-2", "The Go Programming Language", "Donovan", 5)
	require.NoError(t, err)
	ddd, err := s.CreateBook(ctx, "978-3", "Domain-Driven Design", "Evans", 5)
	require.NoError(t, err)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	loans := []struct {
		account int64
		book    int64
		status  domain.LoanStatus
	}{
		{alice, goBook, domain.LoanActive},
		{alice, ddd, domain.LoanReturned},
		{bob, goBook, domain.LoanActive},
		{alice, goBook, domain.LoanLost},
	}
	err = s.WithinTx(ctx, func(ctx context.Context, sess lending.Session) error {
		for i, l := range loans {
			at := base.Add(time.Duration(i) * time.Hour)
			rec := domain.LoanRecord{
				AccountID: l.account, BookID: l.book, BorrowDate: at, DueDate: at.Add(domain.DefaultLoanPeriod),
				Status: l.status, CreatedAt: at, UpdatedAt: at,
			}
			if err := sess.InsertLoan(ctx, &rec); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = s.View(ctx, func(ctx context.Context, sess lending.Session) error {
		page, err := sess.ListLoans(ctx, domain.LoanFilter{AccountID: &alice, Size: 2})
		require.NoError(t, err)
		assert.Len(t, page.Content, 2)
		assert.Equal(t, int64(3), page.PageInfo.TotalElements)
		assert.Equal(t, 2, page.PageInfo.TotalPages)
		assert.True(t, page.PageInfo.HasNext)
		assert.Equal(t, domain.LoanLost, page.Content[0].Status, "newest first")

		active := domain.LoanActive
		page, err = sess.ListLoans(ctx, domain.LoanFilter{Status: &active})
		require.NoError(t, err)
		assert.Equal(t, int64(2), page.PageInfo.TotalElements)

		page, err = sess.ListLoans(ctx, domain.LoanFilter{Keyword: "EVANS"})
		require.NoError(t, err)
		require.Len(t, page.Content, 1)
		assert.Equal(t, ddd, page.Content[0].BookID)

		page, err = sess.ListLoans(ctx, domain.LoanFilter{Keyword: "bob"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), page.PageInfo.TotalElements)

		page, err = sess.ListLoans(ctx, domain.LoanFilter{Page: math.MaxInt, Size: 10})
		require.NoError(t, err)
		assert.Empty(t, page.Content)
		assert.Equal(t, int64(4), page.PageInfo.TotalElements)
		assert.False(t, page.PageInfo.HasNext)
		return nil
	})
	require.NoError(t, err)
}

func Test_Session_ReadOnlyRefusesLocks(t *testing.T) {
	ctx := context.Background()
	s := tempStore(t)
	bookID, err := s.CreateBook(ctx, "", "Read only", "Nobody", 1)
	require.NoError(t, err)

	err = s.View(ctx, func(ctx context.Context, sess lending.Session) error {
		_, err := sess.LockBook(ctx, bookID)
		return err
	})
	assert.Error(t, err)
}

func Test_Store_View_ReadsOneSnapshot(t *testing.T) {
	ctx := context.Background()
	s := tempStore(t)
	bookID, err := s.CreateBook(ctx, "", "Snapshot", "Nobody", 3)
	require.NoError(t, err)

	err = s.View(ctx, func(ctx context.Context, sess lending.Session) error {
		before, err := sess.GetBook(ctx, bookID)
		require.NoError(t, err)

		require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, w lending.Session) error {
			return w.SetAvailableCopies(ctx, bookID, 1)
		}))

		after, err := sess.GetBook(ctx, bookID)
		require.NoError(t, err)
		assert.Equal(t, before.AvailableCopies, after.AvailableCopies)
		return nil
	})
	require.NoError(t, err)

	err = s.View(ctx, func(ctx context.Context, sess lending.Session) error {
		b, err := sess.GetBook(ctx, bookID)
		require.NoError(t, err)
		assert.Equal(t, 1, b.AvailableCopies)
		return nil
	})
	require.NoError(t, err)
}

func Test_Store_Seed(t *testing.T) {
	ctx := context.Background()
	s := tempStore(t)

	require.NoError(t, s.Seed(ctx, 3, 4, 2))
	require.NoError(t, s.Seed(ctx, 3, 4, 2), "second run is a no-op")

	err := s.View(ctx, func(ctx context.Context, sess lending.Session) error {
		admin, err := sess.ResolveAccount(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, domain.RoleAdmin, admin.Role)

		b, err := sess.GetBook(ctx, 4)
		require.NoError(t, err)
		assert.Equal(t, 2, b.TotalCopies)
		assert.Equal(t, 2, b.AvailableCopies)

		_, err = sess.GetBook(ctx, 5)
		assert.ErrorIs(t, err, domain.ErrBookNotFound)
		return nil
	})
	require.NoError(t, err)
}

func Test_Classify(t *testing.T) {
	busy := sqlite3.Error{Code: sqlite3.ErrBusy}
	assert.ErrorIs(t, classify(busy), domain.ErrConcurrencyConflict)

	check := sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintCheck}
	assert.ErrorIs(t, classify(check), domain.ErrInvariantViolation)

	unique := sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}
	got := classify(unique)
	assert.NotErrorIs(t, got, domain.ErrConcurrencyConflict)
	assert.NotErrorIs(t, got, domain.ErrInvariantViolation)

	assert.NoError(t, classify(nil))
}
