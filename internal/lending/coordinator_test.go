package lending_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/punchamoorthee/lendingops/internal/domain"
	"github.com/punchamoorthee/lendingops/internal/lending"
	"github.com/punchamoorthee/lendingops/internal/store/sqlite"
)

var fixedNow = time.Date(2025, 4, 2, 9, 30, 0, 0, time.UTC)

type fixture struct {
	coordinator *lending.Coordinator
	store       *sqlite.Store
}

func newFixture(t *testing.T, opts ...lending.Option) fixture {
	t.Helper()
	ctx := context.Background()

	s, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "lending.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(ctx))

	opts = append([]lending.Option{
		lending.WithLogger(zaptest.NewLogger(t)),
		lending.WithClock(func() time.Time { return fixedNow }),
	}, opts...)
	c, err := lending.NewCoordinator(s, opts...)
	require.NoError(t, err)

	return fixture{coordinator: c, store: s}
}

func (f fixture) account(t *testing.T, name string, max int) int64 {
	t.Helper()
	id, err := f.store.CreateAccount(context.Background(), name, domain.RoleUser, max)
	require.NoError(t, err)
	return id
}

func (f fixture) book(t *testing.T, title string, copies int) int64 {
	t.Helper()
	id, err := f.store.CreateBook(context.Background(), "", title, "Author", copies)
	require.NoError(t, err)
	return id
}

func (f fixture) copies(t *testing.T, bookID int64) (available, total int) {
	t.Helper()
	b, err := f.coordinator.GetBook(context.Background(), bookID)
	require.NoError(t, err)
	return b.AvailableCopies, b.TotalCopies
}

func (f fixture) activeLoans(t *testing.T, accountID int64) []domain.LoanRecord {
	t.Helper()
	records, err := f.coordinator.ListActiveLoans(context.Background(), accountID)
	require.NoError(t, err)
	return records
}

func Test_NewCoordinator_RejectsBadConfiguration(t *testing.T) {
	_, err := lending.NewCoordinator(nil)
	assert.ErrorIs(t, err, lending.ErrNilUnitOfWork)

	f := newFixture(t)
	_, err = lending.NewCoordinator(f.store, lending.WithLoanPeriod(0))
	assert.Error(t, err)

	_, err = lending.NewCoordinator(f.store, lending.WithRetry(lending.WithMaxAttempts(0)))
	assert.ErrorIs(t, err, lending.ErrInvalidMaxAttempts)
}

func Test_Borrow_ThenReturn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acct := f.account(t, "acct1", -1)
	bookID := f.book(t, "Three Copies", 3)

	record, err := f.coordinator.Borrow(ctx, acct, bookID, "reading room")
	require.NoError(t, err)

	available, total := f.copies(t, bookID)
	assert.Equal(t, 2, available)
	assert.Equal(t, 3, total)
	assert.NotZero(t, record.ID)
	assert.Equal(t, domain.LoanActive, record.Status)
	assert.Equal(t, fixedNow, record.BorrowDate)
	assert.Equal(t, record.BorrowDate.Add(30*24*time.Hour), record.DueDate)
	assert.Nil(t, record.ReturnDate)
	assert.Len(t, f.activeLoans(t, acct), 1)

	returned, err := f.coordinator.ReturnBook(ctx, record.ID, "fine condition")
	require.NoError(t, err)

	available, _ = f.copies(t, bookID)
	assert.Equal(t, 3, available)
	assert.Equal(t, domain.LoanReturned, returned.Status)
	require.NotNil(t, returned.ReturnDate)
	assert.Equal(t, fixedNow, *returned.ReturnDate)
	assert.Equal(t, "reading room; fine condition", returned.Remarks)
	assert.Empty(t, f.activeLoans(t, acct))

	stored, err := f.coordinator.GetLoan(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LoanReturned, stored.Status)
	assert.Equal(t, returned.Remarks, stored.Remarks)
}

func Test_ReturnBook_Twice_FailsInvalidState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acct := f.account(t, "twice", -1)
	bookID := f.book(t, "Twice", 1)

	record, err := f.coordinator.Borrow(ctx, acct, bookID, "")
	require.NoError(t, err)
	_, err = f.coordinator.ReturnBook(ctx, record.ID, "")
	require.NoError(t, err)

	_, err = f.coordinator.ReturnBook(ctx, record.ID, "again")
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	available, total := f.copies(t, bookID)
	assert.Equal(t, 1, available)
	assert.Equal(t, 1, total)
}

func Test_ForceReturn_Lost_KeepsCopyOffTheShelf(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acct := f.account(t, "careless", -1)
	bookID := f.book(t, "Single Copy", 1)

	record, err := f.coordinator.Borrow(ctx, acct, bookID, "")
	require.NoError(t, err)
	available, _ := f.copies(t, bookID)
	require.Equal(t, 0, available)

	lost, err := f.coordinator.ForceReturn(ctx, record.ID, domain.LoanLost, "damaged")
	require.NoError(t, err)

	assert.Equal(t, domain.LoanLost, lost.Status)
	assert.Equal(t, "damaged", lost.Remarks)
	require.NotNil(t, lost.ReturnDate)
	available, total := f.copies(t, bookID)
	assert.Equal(t, 0, available)
	assert.Equal(t, 1, total)

	_, err = f.coordinator.Borrow(ctx, acct, bookID, "")
	assert.ErrorIs(t, err, domain.ErrOutOfStock)
}

func Test_ForceReturn_Overdue_ReleasesCopy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acct := f.account(t, "late", -1)
	bookID := f.book(t, "Overdue", 2)

	record, err := f.coordinator.Borrow(ctx, acct, bookID, "")
	require.NoError(t, err)

	overdue, err := f.coordinator.ForceReturn(ctx, record.ID, domain.LoanOverdue, "reconciled")
	require.NoError(t, err)
	assert.Equal(t, domain.LoanOverdue, overdue.Status)

	available, _ := f.copies(t, bookID)
	assert.Equal(t, 2, available)

	_, err = f.coordinator.ForceReturn(ctx, record.ID, domain.LoanLost, "")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func Test_ForceReturn_RejectsNonAdministrativeTargets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acct := f.account(t, "target", -1)
	bookID := f.book(t, "Target", 1)
	record, err := f.coordinator.Borrow(ctx, acct, bookID, "")
	require.NoError(t, err)

	for _, target := range []domain.LoanStatus{domain.LoanActive, domain.LoanReturned, domain.LoanStatus(7)} {
		_, err := f.coordinator.ForceReturn(ctx, record.ID, target, "")
		assert.ErrorIs(t, err, domain.ErrInvalidTargetStatus, target.String())
	}

	stored, err := f.coordinator.GetLoan(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LoanActive, stored.Status)
}

func Test_Borrow_OutOfStock_ChangesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first := f.account(t, "first", -1)
	second := f.account(t, "second", -1)
	bookID := f.book(t, "Scarce", 1)

	_, err := f.coordinator.Borrow(ctx, first, bookID, "")
	require.NoError(t, err)

	_, err = f.coordinator.Borrow(ctx, second, bookID, "")
	assert.ErrorIs(t, err, domain.ErrOutOfStock)

	available, total := f.copies(t, bookID)
	assert.Equal(t, 0, available)
	assert.Equal(t, 1, total)
	assert.Empty(t, f.activeLoans(t, second))
}

func Test_Borrow_LimitExceeded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acct := f.account(t, "limited", 2)
	bookID := f.book(t, "Plenty", 5)

	for i := 0; i < 2; i++ {
		_, err := f.coordinator.Borrow(ctx, acct, bookID, "")
		require.NoError(t, err)
	}

	_, err := f.coordinator.Borrow(ctx, acct, bookID, "")
	assert.ErrorIs(t, err, domain.ErrLimitExceeded)

	available, _ := f.copies(t, bookID)
	assert.Equal(t, 3, available)
	assert.Len(t, f.activeLoans(t, acct), 2)
}

func Test_Borrow_ZeroLimitAccountCannotBorrow(t *testing.T) {
	f := newFixture(t)
	acct := f.account(t, "suspended", 0)
	bookID := f.book(t, "Any", 1)

	_, err := f.coordinator.Borrow(context.Background(), acct, bookID, "")
	assert.ErrorIs(t, err, domain.ErrLimitExceeded)
}

func Test_NotFound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acct := f.account(t, "present", -1)
	bookID := f.book(t, "Present", 1)

	_, err := f.coordinator.Borrow(ctx, 404, bookID, "")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)

	_, err = f.coordinator.Borrow(ctx, acct, 404, "")
	assert.ErrorIs(t, err, domain.ErrBookNotFound)
	assert.Empty(t, f.activeLoans(t, acct))

	_, err = f.coordinator.ReturnBook(ctx, 404, "")
	assert.ErrorIs(t, err, domain.ErrLoanNotFound)

	_, err = f.coordinator.ForceReturn(ctx, 404, domain.LoanLost, "")
	assert.ErrorIs(t, err, domain.ErrLoanNotFound)

	_, err = f.coordinator.ListActiveLoans(ctx, 404)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.coordinator.GetLoan(ctx, 404)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.coordinator.GetBook(ctx, 404)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func Test_WithLoanPeriod(t *testing.T) {
	f := newFixture(t, lending.WithLoanPeriod(14*24*time.Hour))
	acct := f.account(t, "short", -1)
	bookID := f.book(t, "Short Loan", 1)

	record, err := f.coordinator.Borrow(context.Background(), acct, bookID, "")
	require.NoError(t, err)
	assert.Equal(t, fixedNow.Add(14*24*time.Hour), record.DueDate)
}

func Test_ListLoans(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.account(t, "alice", -1)
	bob := f.account(t, "bob", -1)
	bookID := f.book(t, "Shared Shelf", 5)

	a1, err := f.coordinator.Borrow(ctx, alice, bookID, "")
	require.NoError(t, err)
	_, err = f.coordinator.Borrow(ctx, alice, bookID, "")
	require.NoError(t, err)
	_, err = f.coordinator.Borrow(ctx, bob, bookID, "")
	require.NoError(t, err)
	_, err = f.coordinator.ReturnBook(ctx, a1.ID, "")
	require.NoError(t, err)

	page, err := f.coordinator.ListLoans(ctx, domain.LoanFilter{AccountID: &alice})
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.PageInfo.TotalElements)
	assert.Equal(t, domain.DefaultPageSize, page.PageInfo.PageSize)

	returned := domain.LoanReturned
	page, err = f.coordinator.ListLoans(ctx, domain.LoanFilter{Status: &returned})
	require.NoError(t, err)
	require.Len(t, page.Content, 1)
	assert.Equal(t, a1.ID, page.Content[0].ID)

	page, err = f.coordinator.ListLoans(ctx, domain.LoanFilter{Keyword: "shelf", Size: 1, Page: 2})
	require.NoError(t, err)
	assert.Len(t, page.Content, 1)
	assert.Equal(t, 3, page.PageInfo.TotalPages)
	assert.True(t, page.PageInfo.HasNext)
}

// Test_Concurrent_LastCopy races two accounts for a book with one copy left.
func Test_Concurrent_LastCopy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	bookID := f.book(t, "Last Copy", 1)
	accounts := []int64{f.account(t, "racer1", -1), f.account(t, "racer2", -1)}

	errs := raceBorrows(ctx, f.coordinator, accounts, []int64{bookID, bookID})

	assertExactlyOneSucceeded(t, errs, domain.ErrOutOfStock)
	available, _ := f.copies(t, bookID)
	assert.Equal(t, 0, available)
	assert.Len(t, append(f.activeLoans(t, accounts[0]), f.activeLoans(t, accounts[1])...), 1)
}

// Test_Concurrent_LastSlot races two borrows by an account one loan short of its limit.
func Test_Concurrent_LastSlot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acct := f.account(t, "greedy", 2)
	first := f.book(t, "Held", 1)
	b1 := f.book(t, "Wanted 1", 1)
	b2 := f.book(t, "Wanted 2", 1)

	_, err := f.coordinator.Borrow(ctx, acct, first, "")
	require.NoError(t, err)

	errs := raceBorrows(ctx, f.coordinator, []int64{acct, acct}, []int64{b1, b2})

	assertExactlyOneSucceeded(t, errs, domain.ErrLimitExceeded)
	assert.Len(t, f.activeLoans(t, acct), 2)

	avail1, _ := f.copies(t, b1)
	avail2, _ := f.copies(t, b2)
	assert.Equal(t, 1, avail1+avail2, "the losing borrow must not hold a copy")
}

// Test_Concurrent_ManyBorrowers keeps copy counts conserved under a larger burst.
func Test_Concurrent_ManyBorrowers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	const copies, borrowers = 3, 8
	bookID := f.book(t, "Popular", copies)

	accounts := make([]int64, borrowers)
	books := make([]int64, borrowers)
	for i := range accounts {
		accounts[i] = f.account(t, "burst"+string(rune('a'+i)), -1)
		books[i] = bookID
	}

	errs := raceBorrows(ctx, f.coordinator, accounts, books)

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrOutOfStock)
	}
	assert.Equal(t, copies, ok)
	available, total := f.copies(t, bookID)
	assert.Equal(t, 0, available)
	assert.Equal(t, copies, total)
}

func raceBorrows(ctx context.Context, c *lending.Coordinator, accounts, books []int64) []error {
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make([]error, len(accounts))
	)
	for i := range accounts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = c.Borrow(ctx, accounts[i], books[i], "")
		}(i)
	}
	close(start)
	wg.Wait()
	return errs
}

func assertExactlyOneSucceeded(t *testing.T, errs []error, loserErr error) {
	t.Helper()
	var ok, lost int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, loserErr):
			lost++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, len(errs)-1, lost)
}
