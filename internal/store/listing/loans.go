// Package listing builds the filtered, paged loan queries shared by the SQL stores.
package listing

import (
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"  // dialect registration

	"github.com/punchamoorthee/lendingops/internal/domain"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite3"

	tableLoans    = "loan_records"
	tableBooks    = "books"
	tableAccounts = "accounts"
)

// LoanColumns is the column order every loan scan in the stores expects.
var LoanColumns = []string{
	"id", "account_id", "book_id", "borrow_date", "due_date",
	"return_date", "status", "remarks", "created_at", "updated_at",
}

// Statement is a prepared SQL string with its positional arguments.
type Statement struct {
	SQL  string
	Args []any
}

// LoanQueries returns the count and page statements for a normalized filter.
func LoanQueries(dialect string, f domain.LoanFilter) (count Statement, page Statement, err error) {
	base := goqu.Dialect(dialect).
		From(goqu.T(tableLoans).As("lr")).
		Join(goqu.T(tableBooks).As("b"), goqu.On(goqu.I("b.id").Eq(goqu.I("lr.book_id")))).
		Join(goqu.T(tableAccounts).As("a"), goqu.On(goqu.I("a.id").Eq(goqu.I("lr.account_id")))).
		Where(conditions(f)...).
		Prepared(true)

	count.SQL, count.Args, err = base.Select(goqu.COUNT(goqu.Star())).ToSQL()
	if err != nil {
		return Statement{}, Statement{}, fmt.Errorf("build loan count query: %w", err)
	}

	cols := make([]any, 0, len(LoanColumns))
	for _, c := range LoanColumns {
		cols = append(cols, goqu.I("lr."+c))
	}
	page.SQL, page.Args, err = base.Select(cols...).
		Order(goqu.I("lr.created_at").Desc(), goqu.I("lr.id").Desc()).
		Limit(uint(f.Size)).
		Offset(uint(f.Offset())).
		ToSQL()
	if err != nil {
		return Statement{}, Statement{}, fmt.Errorf("build loan page query: %w", err)
	}
	return count, page, nil
}

func conditions(f domain.LoanFilter) []goqu.Expression {
	var where []goqu.Expression
	if f.AccountID != nil {
		where = append(where, goqu.I("lr.account_id").Eq(*f.AccountID))
	}
	if f.Status != nil {
		where = append(where, goqu.I("lr.status").Eq(int16(*f.Status)))
	}
	if f.Keyword != "" {
		kw := "%" + strings.ToLower(f.Keyword) + "%"
		where = append(where, goqu.L(
			"(LOWER(b.title) LIKE ? OR LOWER(b.author) LIKE ? OR LOWER(a.username) LIKE ?)",
			kw, kw, kw,
		))
	}
	return where
}
