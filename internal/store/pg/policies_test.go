package pg

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"circdesk.org/internal/policy"
)

func TestPolicyResolverReadsOverrides(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectQuery("from policies").
		WithArgs("school-1", "student").
		WillReturnRows(sqlmock.NewRows(
			[]string{"max_books", "loan_days", "max_renewals", "fine_per_day", "allow_due_override"},
		).AddRow(4, 21, 3, 5, true))

	r := NewPolicyResolver(db)
	l := r.Resolve(context.Background(), "school-1", policy.Student)
	assert.Equal(t, policy.Limits{MaxBooks: 4, LoanDays: 21, MaxRenewals: 3, FinePerDay: 5, AllowDueOverride: true}, l)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPolicyResolverFallsBackToDefaults(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectQuery("from policies").
		WithArgs("school-1", "staff").
		WillReturnError(sql.ErrNoRows)

	r := NewPolicyResolver(db)
	l := r.Resolve(context.Background(), "school-1", policy.Staff)
	assert.Equal(t, policy.Defaults(policy.Staff), l)
	require.NoError(t, mock.ExpectationsWereMet())
}
