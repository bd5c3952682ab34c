package pg

import (
	"context"
	"database/sql"

	"circdesk.org/internal/policy"
)

// PolicyResolver reads tenant policy overrides from the policies table.
// Absent or unreadable configuration falls back to the built-in defaults;
// resolution never fails.
type PolicyResolver struct {
	db *sql.DB
}

var _ policy.Resolver = (*PolicyResolver)(nil)

func NewPolicyResolver(db *sql.DB) *PolicyResolver {
	return &PolicyResolver{db: db}
}

func (r *PolicyResolver) Resolve(ctx context.Context, tenantID string, mt policy.MemberType) policy.Limits {
	l, ok := resolveLimits(ctx, r.db, tenantID, mt)
	if !ok {
		return policy.Defaults(mt)
	}
	return l
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// resolveLimitsTx resolves limits inside an open transaction so the policy
// read shares the operation's snapshot.
func resolveLimitsTx(ctx context.Context, tx *sql.Tx, tenantID string, mt policy.MemberType) policy.Limits {
	l, ok := resolveLimits(ctx, tx, tenantID, mt)
	if !ok {
		return policy.Defaults(mt)
	}
	return l
}

func resolveLimits(ctx context.Context, q querier, tenantID string, mt policy.MemberType) (policy.Limits, bool) {
	var l policy.Limits
	err := q.QueryRowContext(ctx, `
		select max_books, loan_days, max_renewals, fine_per_day, allow_due_override
		from policies where tenant_id=$1 and member_type=$2
	`, tenantID, string(mt)).Scan(&l.MaxBooks, &l.LoanDays, &l.MaxRenewals, &l.FinePerDay, &l.AllowDueOverride)
	if err != nil {
		return policy.Limits{}, false
	}
	return l, true
}
