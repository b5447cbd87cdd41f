package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/punchamoorthee/lendingops/internal/domain"
	"github.com/punchamoorthee/lendingops/internal/store/listing"
)

// session serves a single unit of work. Inside WithinTx the whole database is write-locked,
// so the Lock* methods are plain reads.
type session struct {
	q          sqlx.ExtContext
	defaultMax int
	readOnly   bool
}

type accountRow struct {
	ID             int64     `db:"id"`
	Username       string    `db:"username"`
	Role           string    `db:"role"`
	MaxBorrowBooks int       `db:"max_borrow_books"`
	CreatedAt      time.Time `db:"created_at"`
}

type bookRow struct {
	ID              int64          `db:"id"`
	ISBN            sql.NullString `db:"isbn"`
	Title           string         `db:"title"`
	Author          string         `db:"author"`
	TotalCopies     int            `db:"total_copies"`
	AvailableCopies int            `db:"available_copies"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

type loanRow struct {
	ID         int64        `db:"id"`
	AccountID  int64        `db:"account_id"`
	BookID     int64        `db:"book_id"`
	BorrowDate time.Time    `db:"borrow_date"`
	DueDate    time.Time    `db:"due_date"`
	ReturnDate sql.NullTime `db:"return_date"`
	Status     int16        `db:"status"`
	Remarks    string       `db:"remarks"`
	CreatedAt  time.Time    `db:"created_at"`
	UpdatedAt  time.Time    `db:"updated_at"`
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
	if r.ReturnDate.Valid {
		t := r.ReturnDate.Time.UTC()
		rec.ReturnDate = &t
	}
	return rec
}

func (r bookRow) toDomain() domain.Book {
	return domain.Book{
		ID:              r.ID,
		ISBN:            r.ISBN.String,
		Title:           r.Title,
		Author:          r.Author,
		TotalCopies:     r.TotalCopies,
		AvailableCopies: r.AvailableCopies,
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
	}
}

var loanSelect = "SELECT " + strings.Join(listing.LoanColumns, ", ") + " FROM loan_records"

const bookSelect = `SELECT id, isbn, title, author, total_copies, available_copies, created_at, updated_at FROM books`

func (s *session) ResolveAccount(ctx context.Context, accountID int64) (domain.Account, error) {
	var row accountRow
	err := sqlx.GetContext(ctx, s.q, &row, `
		SELECT a.id, a.username, a.role, COALESCE(p.max_borrow_books, ?) AS max_borrow_books, a.created_at
		FROM accounts a
		LEFT JOIN borrowing_profiles p ON p.account_id = a.id
		WHERE a.id = ?`, s.defaultMax, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, fmt.Errorf("%w: %d", domain.ErrAccountNotFound, accountID)
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("resolve account %d: %w", accountID, err)
	}
	return domain.Account{
		ID:             row.ID,
		Username:       row.Username,
		Role:           domain.Role(row.Role),
		MaxBorrowBooks: row.MaxBorrowBooks,
		CreatedAt:      row.CreatedAt.UTC(),
	}, nil
}

func (s *session) LockBook(ctx context.Context, bookID int64) (domain.Book, error) {
	if s.readOnly {
		return domain.Book{}, errors.New("lock book: session is read-only")
	}
	return s.GetBook(ctx, bookID)
}

func (s *session) GetBook(ctx context.Context, bookID int64) (domain.Book, error) {
	var row bookRow
	err := sqlx.GetContext(ctx, s.q, &row, bookSelect+` WHERE id = ?`, bookID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Book{}, fmt.Errorf("%w: %d", domain.ErrBookNotFound, bookID)
	}
	if err != nil {
		return domain.Book{}, fmt.Errorf("get book %d: %w", bookID, err)
	}
	return row.toDomain(), nil
}

func (s *session) SetAvailableCopies(ctx context.Context, bookID int64, available int) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE books SET available_copies = ?, updated_at = ? WHERE id = ?`,
		available, time.Now().UTC(), bookID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: %d", domain.ErrBookNotFound, bookID)
	}
	return nil
}

func (s *session) CountActiveLoans(ctx context.Context, accountID int64) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, s.q, &n,
		`SELECT COUNT(*) FROM loan_records WHERE account_id = ? AND status = ?`,
		accountID, int16(domain.LoanActive))
	return n, err
}

func (s *session) InsertLoan(ctx context.Context, record *domain.LoanRecord) error {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO loan_records (account_id, book_id, borrow_date, due_date, status, remarks, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.AccountID, record.BookID, record.BorrowDate, record.DueDate,
		int16(record.Status), record.Remarks, record.CreatedAt, record.UpdatedAt)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	record.ID = id
	return nil
}

func (s *session) LockLoan(ctx context.Context, recordID int64) (domain.LoanRecord, error) {
	if s.readOnly {
		return domain.LoanRecord{}, errors.New("lock loan: session is read-only")
	}
	return s.GetLoan(ctx, recordID)
}

func (s *session) GetLoan(ctx context.Context, recordID int64) (domain.LoanRecord, error) {
	var row loanRow
	err := sqlx.GetContext(ctx, s.q, &row, loanSelect+` WHERE id = ?`, recordID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.LoanRecord{}, fmt.Errorf("%w: %d", domain.ErrLoanNotFound, recordID)
	}
	if err != nil {
		return domain.LoanRecord{}, fmt.Errorf("get loan %d: %w", recordID, err)
	}
	return row.toDomain(), nil
}

func (s *session) UpdateLoan(ctx context.Context, record domain.LoanRecord) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE loan_records SET return_date = ?, status = ?, remarks = ?, updated_at = ?
		WHERE id = ?`,
		record.ReturnDate, int16(record.Status), record.Remarks, record.UpdatedAt, record.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: %d", domain.ErrLoanNotFound, record.ID)
	}
	return nil
}

func (s *session) ListActiveLoans(ctx context.Context, accountID int64) ([]domain.LoanRecord, error) {
	var rows []loanRow
	err := sqlx.SelectContext(ctx, s.q, &rows,
		loanSelect+` WHERE account_id = ? AND status = ? ORDER BY borrow_date, id`,
		accountID, int16(domain.LoanActive))
	if err != nil {
		return nil, fmt.Errorf("list active loans of account %d: %w", accountID, err)
	}
	return toRecords(rows), nil
}

func (s *session) ListLoans(ctx context.Context, filter domain.LoanFilter) (domain.LoanPage, error) {
	filter = filter.Normalize()
	countStmt, pageStmt, err := listing.LoanQueries(listing.DialectSQLite, filter)
	if err != nil {
		return domain.LoanPage{}, err
	}

	var total int64
	if err := sqlx.GetContext(ctx, s.q, &total, countStmt.SQL, countStmt.Args...); err != nil {
		return domain.LoanPage{}, fmt.Errorf("count loans: %w", err)
	}

	var rows []loanRow
	if err := sqlx.SelectContext(ctx, s.q, &rows, pageStmt.SQL, pageStmt.Args...); err != nil {
		return domain.LoanPage{}, fmt.Errorf("list loans: %w", err)
	}

	return domain.LoanPage{
		Content:  toRecords(rows),
		PageInfo: domain.NewPageInfo(filter, total),
	}, nil
}

func toRecords(rows []loanRow) []domain.LoanRecord {
	records := make([]domain.LoanRecord, 0, len(rows))
	for _, r := range rows {
		records = append(records, r.toDomain())
	}
	return records
}
