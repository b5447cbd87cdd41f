package listing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/lendingops/internal/domain"
)

func Test_LoanQueries_NoFilter(t *testing.T) {
	f := domain.LoanFilter{}.Normalize()

	count, page, err := LoanQueries(DialectPostgres, f)

	require.NoError(t, err)
	assert.Contains(t, count.SQL, "COUNT(*)")
	assert.NotContains(t, count.SQL, "WHERE")
	assert.Contains(t, page.SQL, "ORDER BY")
	assert.Contains(t, page.SQL, "LIMIT")
	assert.NotContains(t, page.SQL, "LOWER(")
}

func Test_LoanQueries_AllFilters_Postgres(t *testing.T) {
	accountID := int64(7)
	status := domain.LoanActive
	f := domain.LoanFilter{AccountID: &accountID, Status: &status, Keyword: "  Go  ", Page: 2, Size: 5}.Normalize()

	count, page, err := LoanQueries(DialectPostgres, f)

	require.NoError(t, err)
	assert.Contains(t, count.SQL, "$1")
	assert.Contains(t, count.SQL, "LOWER(b.title) LIKE")
	assert.Contains(t, count.Args, "%go%")
	assert.Contains(t, count.Args, accountID)
	assert.Contains(t, page.SQL, `"lr"."created_at" DESC`)
}

func Test_LoanQueries_SQLitePlaceholders(t *testing.T) {
	accountID := int64(3)
	f := domain.LoanFilter{AccountID: &accountID}.Normalize()

	count, page, err := LoanQueries(DialectSQLite, f)

	require.NoError(t, err)
	assert.Contains(t, count.SQL, "?")
	assert.NotContains(t, count.SQL, "$1")
	assert.Contains(t, page.SQL, "?")
}
