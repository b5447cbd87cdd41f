package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/punchamoorthee/lendingops/internal/domain"
	"github.com/punchamoorthee/lendingops/internal/store/listing"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type session struct {
	q          querier
	defaultMax int
	readOnly   bool
}

type loanRow struct {
	ID         int64      `db:"id"`
	AccountID  int64      `db:"account_id"`
	BookID     int64      `db:"book_id"`
	BorrowDate time.Time  `db:"borrow_date"`
	DueDate    time.Time  `db:"due_date"`
	ReturnDate *time.Time `db:"return_date"`
	Status     int16      `db:"status"`
	Remarks    string     `db:"remarks"`
	CreatedAt  time.Time  `db:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"`
}

func (r loanRow) toDomain() domain.LoanRecord {
	rec := domain.LoanRecord{
		ID:         r.ID,
		AccountID:  r.AccountID,
		BookID:     r.BookID,
		BorrowDate: r.BorrowDate.UTC(),
		DueDate:    r.DueDate.UTC(),
		Status:     domain.LoanStatus(r.Status),
		Remarks:    r.Remarks,
		CreatedAt:  r.CreatedAt.UTC(),
		UpdatedAt:  r.UpdatedAt.UTC(),
	}
	if r.ReturnDate != nil {
		t := r.ReturnDate.UTC()
		rec.ReturnDate = &t
	}
	return rec
}

var loanSelect = "SELECT " + strings.Join(listing.LoanColumns, ", ") + " FROM loan_records"

const bookSelect = `SELECT id, COALESCE(isbn, ''), title, author, total_copies, available_copies, created_at, updated_at FROM books`

func (s *session) ResolveAccount(ctx context.Context, accountID int64) (domain.Account, error) {
	query := `
		SELECT a.id, a.username, a.role, COALESCE(p.max_borrow_books, $2), a.created_at
		FROM accounts a
		LEFT JOIN borrowing_profiles p ON p.account_id = a.id
		WHERE a.id = $1`
	if !s.readOnly {
		// Serializes concurrent borrows by the same account across the limit check and insert.
		query += ` FOR UPDATE OF a`
	}

	var (
		a    domain.Account
		role string
	)
	err := s.q.QueryRow(ctx, query, accountID, s.defaultMax).
		Scan(&a.ID, &a.Username, &role, &a.MaxBorrowBooks, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Account{}, fmt.Errorf("%w: %d", domain.ErrAccountNotFound, accountID)
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("resolve account %d: %w", accountID, err)
	}
	a.Role = domain.Role(role)
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}

func (s *session) LockBook(ctx context.Context, bookID int64) (domain.Book, error) {
	if s.readOnly {
		return domain.Book{}, errors.New("lock book: session is read-only")
	}
	return s.scanBook(ctx, bookSelect+` WHERE id = $1 FOR UPDATE`, bookID)
}

func (s *session) GetBook(ctx context.Context, bookID int64) (domain.Book, error) {
	return s.scanBook(ctx, bookSelect+` WHERE id = $1`, bookID)
}

func (s *session) scanBook(ctx context.Context, query string, bookID int64) (domain.Book, error) {
	var b domain.Book
	err := s.q.QueryRow(ctx, query, bookID).Scan(
		&b.ID, &b.ISBN, &b.Title, &b.Author, &b.TotalCopies, &b.AvailableCopies, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Book{}, fmt.Errorf("%w: %d", domain.ErrBookNotFound, bookID)
	}
	if err != nil {
		return domain.Book{}, fmt.Errorf("get book %d: %w", bookID, err)
	}
	b.CreatedAt, b.UpdatedAt = b.CreatedAt.UTC(), b.UpdatedAt.UTC()
	return b, nil
}

func (s *session) SetAvailableCopies(ctx context.Context, bookID int64, available int) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE books SET available_copies = $1, updated_at = now() WHERE id = $2`, available, bookID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: %d", domain.ErrBookNotFound, bookID)
	}
	return nil
}

func (s *session) CountActiveLoans(ctx context.Context, accountID int64) (int, error) {
	var n int
	err := s.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM loan_records WHERE account_id = $1 AND status = $2`,
		accountID, int16(domain.LoanActive)).Scan(&n)
	return n, err
}

func (s *session) InsertLoan(ctx context.Context, record *domain.LoanRecord) error {
	return s.q.QueryRow(ctx, `
		INSERT INTO loan_records (account_id, book_id, borrow_date, due_date, status, remarks, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		record.AccountID, record.BookID, record.BorrowDate, record.DueDate,
		int16(record.Status), record.Remarks, record.CreatedAt, record.UpdatedAt,
	).Scan(&record.ID)
}

func (s *session) LockLoan(ctx context.Context, recordID int64) (domain.LoanRecord, error) {
	if s.readOnly {
		return domain.LoanRecord{}, errors.New("lock loan: session is read-only")
	}
	return s.oneLoan(ctx, loanSelect+` WHERE id = $1 FOR UPDATE`, recordID)
}

func (s *session) GetLoan(ctx context.Context, recordID int64) (domain.LoanRecord, error) {
	return s.oneLoan(ctx, loanSelect+` WHERE id = $1`, recordID)
}

func (s *session) oneLoan(ctx context.Context, query string, recordID int64) (domain.LoanRecord, error) {
	rows, err := s.q.Query(ctx, query, recordID)
	if err != nil {
		return domain.LoanRecord{}, fmt.Errorf("get loan %d: %w", recordID, err)
	}
	row, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[loanRow])
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.LoanRecord{}, fmt.Errorf("%w: %d", domain.ErrLoanNotFound, recordID)
	}
	if err != nil {
		return domain.LoanRecord{}, fmt.Errorf("get loan %d: %w", recordID, err)
	}
	return row.toDomain(), nil
}

func (s *session) UpdateLoan(ctx context.Context, record domain.LoanRecord) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE loan_records SET return_date = $1, status = $2, remarks = $3, updated_at = $4
		WHERE id = $5`,
		record.ReturnDate, int16(record.Status), record.Remarks, record.UpdatedAt, record.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: %d", domain.ErrLoanNotFound, record.ID)
	}
	return nil
}

func (s *session) ListActiveLoans(ctx context.Context, accountID int64) ([]domain.LoanRecord, error) {
	records, err := s.manyLoans(ctx,
		loanSelect+` WHERE account_id = $1 AND status = $2 ORDER BY borrow_date, id`,
		accountID, int16(domain.LoanActive))
	if err != nil {
		return nil, fmt.Errorf("list active loans of account %d: %w", accountID, err)
	}
	return records, nil
}

func (s *session) ListLoans(ctx context.Context, filter domain.LoanFilter) (domain.LoanPage, error) {
	filter = filter.Normalize()
	countStmt, pageStmt, err := listing.LoanQueries(listing.DialectPostgres, filter)
	if err != nil {
		return domain.LoanPage{}, err
	}

	var total int64
	if err := s.q.QueryRow(ctx, countStmt.SQL, countStmt.Args...).Scan(&total); err != nil {
		return domain.LoanPage{}, fmt.Errorf("count loans: %w", err)
	}

	records, err := s.manyLoans(ctx, pageStmt.SQL, pageStmt.Args...)
	if err != nil {
		return domain.LoanPage{}, fmt.Errorf("list loans: %w", err)
	}

	return domain.LoanPage{
		Content:  records,
		PageInfo: domain.NewPageInfo(filter, total),
	}, nil
}

func (s *session) manyLoans(ctx context.Context, query string, args ...any) ([]domain.LoanRecord, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	loanRows, err := pgx.CollectRows(rows, pgx.RowToStructByName[loanRow])
	if err != nil {
		return nil, err
	}
	records := make([]domain.LoanRecord, 0, len(loanRows))
	for _, r := range loanRows {
		records = append(records, r.toDomain())
	}
	return records, nil
}
