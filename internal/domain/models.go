package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// DefaultLoanPeriod is how long a borrowed copy may stay out before it is due.
const DefaultLoanPeriod = 30 * 24 * time.Hour

// DefaultMaxBorrowBooks applies to accounts without a borrowing profile.
const DefaultMaxBorrowBooks = 5

// Role is the caller's authorization level as asserted by the auth layer.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Principal is the already-authenticated caller identity. The engine trusts it as given.
type Principal struct {
	AccountID int64 `json:"account_id"`
	Role      Role  `json:"role"`
}

func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// Account is the read-only view of a library member the engine needs.
type Account struct {
	ID             int64     `json:"id"`
	Username       string    `json:"username"`
	Role           Role      `json:"role"`
	MaxBorrowBooks int       `json:"max_borrow_books"`
	CreatedAt      time.Time `json:"created_at"`
}

// Book carries the catalog identity and the materialized copy counters.
// 0 <= AvailableCopies <= TotalCopies must hold after every lending operation.
type Book struct {
	ID              int64     `json:"id"`
	ISBN            string    `json:"isbn"`
	Title           string    `json:"title"`
	Author          string    `json:"author"`
	TotalCopies     int       `json:"total_copies"`
	AvailableCopies int       `json:"available_copies"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// LoanStatus is the lifecycle state of a loan record. The numeric values are persisted.
type LoanStatus int16

const (
	LoanActive   LoanStatus = 0
	LoanReturned LoanStatus = 1
	LoanOverdue  LoanStatus = 2
	LoanLost     LoanStatus = 3
)

var loanStatusNames = map[LoanStatus]string{
	LoanActive:   "active",
	LoanReturned: "returned",
	LoanOverdue:  "overdue",
	LoanLost:     "lost",
}

func (s LoanStatus) String() string {
	if name, ok := loanStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("LoanStatus(%d)", int16(s))
}

// Valid reports whether s is one of the known statuses.
func (s LoanStatus) Valid() bool {
	_, ok := loanStatusNames[s]
	return ok
}

// Terminal reports whether no further transition is allowed from s.
func (s LoanStatus) Terminal() bool {
	return s != LoanActive
}

// ReleasesCopy reports whether closing a loan into s puts the copy back on the shelf.
func (s LoanStatus) ReleasesCopy() bool {
	return s == LoanReturned || s == LoanOverdue
}

func (s LoanStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("unknown loan status %d", int16(s))
	}
	return []byte(s.String()), nil
}

func (s *LoanStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseLoanStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseLoanStatus accepts the lowercase status name or its numeric code.
func ParseLoanStatus(v string) (LoanStatus, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	for status, name := range loanStatusNames {
		if v == name || v == fmt.Sprintf("%d", int16(status)) {
			return status, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidStatus, v)
}

// LoanRecord is one borrow event and, once closed, its outcome. Records are never deleted.
type LoanRecord struct {
	ID         int64      `json:"id"`
	AccountID  int64      `json:"account_id"`
	BookID     int64      `json:"book_id"`
	BorrowDate time.Time  `json:"borrow_date"`
	DueDate    time.Time  `json:"due_date"`
	ReturnDate *time.Time `json:"return_date,omitempty"`
	Status     LoanStatus `json:"status"`
	Remarks    string     `json:"remarks"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Close moves an active record into a terminal status.
func (r *LoanRecord) Close(status LoanStatus, remarks string, at time.Time) error {
	if r.Status != LoanActive {
		return fmt.Errorf("%w: loan %d is %s", ErrInvalidState, r.ID, r.Status)
	}
	if !status.Terminal() || !status.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidTargetStatus, status)
	}
	r.Status = status
	r.ReturnDate = &at
	r.Remarks = MergeRemarks(r.Remarks, remarks)
	r.UpdatedAt = at
	return nil
}

// MergeRemarks appends a closing note to the borrow-time remarks.
func MergeRemarks(existing, added string) string {
	added = strings.TrimSpace(added)
	switch {
	case added == "":
		return existing
	case strings.TrimSpace(existing) == "":
		return added
	default:
		return existing + "; " + added
	}
}

// LoanFilter narrows a loan listing. Zero values mean "no constraint".
type LoanFilter struct {
	AccountID *int64
	Status    *LoanStatus
	Keyword   string
	Page      int
	Size      int
}

const (
	DefaultPageSize = 10
	MaxPageSize     = 100

	// MaxPage keeps Offset well inside int32 so it never wraps in the SQL layer.
	MaxPage = math.MaxInt32 / MaxPageSize
)

// Normalize clamps paging to sane bounds.
func (f LoanFilter) Normalize() LoanFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Page > MaxPage {
		f.Page = MaxPage
	}
	if f.Size < 1 {
		f.Size = DefaultPageSize
	}
	if f.Size > MaxPageSize {
		f.Size = MaxPageSize
	}
	f.Keyword = strings.TrimSpace(f.Keyword)
	return f
}

// Offset is the number of rows preceding the requested page.
func (f LoanFilter) Offset() int {
	return (f.Page - 1) * f.Size
}

type PageInfo struct {
	CurrentPage   int   `json:"current_page"`
	PageSize      int   `json:"page_size"`
	TotalPages    int   `json:"total_pages"`
	TotalElements int64 `json:"total_elements"`
	HasNext       bool  `json:"has_next"`
}

// NewPageInfo derives page metadata from a normalized filter and the total row count.
func NewPageInfo(f LoanFilter, total int64) PageInfo {
	pages := 0
	if f.Size > 0 {
		pages = int((total + int64(f.Size) - 1) / int64(f.Size))
	}
	return PageInfo{
		CurrentPage:   f.Page,
		PageSize:      f.Size,
		TotalPages:    pages,
		TotalElements: total,
		HasNext:       f.Page < pages,
	}
}

// LoanPage is one page of a loan listing.
type LoanPage struct {
	Content  []LoanRecord `json:"content"`
	PageInfo PageInfo     `json:"page_info"`
}
