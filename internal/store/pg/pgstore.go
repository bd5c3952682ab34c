// Package pg implements the circulation engine on PostgreSQL.
//
// Every state-changing operation runs inside a single serializable
// transaction: the limit check and the copy claim are never separated by a
// window another request can slip through. The member row is the lock for the
// per-member loan limit; the copy claim is one conditional UPDATE whose
// rows-affected count decides the race.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"circdesk.org/internal/circulation"
	"circdesk.org/internal/ids"
	"circdesk.org/internal/policy"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ circulation.Service = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithClock overrides the wall clock, read once per operation.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return NewStore(db, opts...), nil
}

// NewStore wraps an existing database handle (used by tests).
func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) RegisterCopy(ctx context.Context, tenantID string, in circulation.RegisterCopyInput) (circulation.Copy, error) {
	if tenantID == "" || in.TitleID == "" {
		return circulation.Copy{}, circulation.ErrInvalidInput
	}
	condition := in.Condition
	if condition == "" {
		condition = "good"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return circulation.Copy{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// Single atomic increment per tenant; never read-max-then-insert.
	var accession uint64
	if err := tx.QueryRowContext(ctx, `
		insert into accession_counters(tenant_id, value)
		values ($1, 1)
		on conflict (tenant_id) do update
		set value = accession_counters.value + 1
		returning value
	`, tenantID).Scan(&accession); err != nil {
		return circulation.Copy{}, err
	}

	c := circulation.Copy{
		ID:          ids.New(),
		TenantID:    tenantID,
		TitleID:     in.TitleID,
		RackID:      in.RackID,
		AccessionNo: accession,
		Status:      circulation.CopyAvailable,
		IsReference: in.IsReference,
		Condition:   condition,
		CreatedAt:   s.now(),
	}
	if _, err := tx.ExecContext(ctx, `
		insert into copies(id, tenant_id, title_id, rack_id, accession_no, status, is_reference, condition, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, c.ID, c.TenantID, c.TitleID, c.RackID, c.AccessionNo, c.Status, c.IsReference, c.Condition, c.CreatedAt); err != nil {
		return circulation.Copy{}, err
	}
	if err := tx.Commit(); err != nil {
		return circulation.Copy{}, err
	}
	return c, nil
}

func (s *Store) GetCopy(ctx context.Context, tenantID, copyID string) (circulation.Copy, error) {
	return scanCopy(s.db.QueryRowContext(ctx, `
		select id, tenant_id, title_id, rack_id, accession_no, status, is_reference, condition, created_at
		from copies where tenant_id=$1 and id=$2
	`, tenantID, copyID))
}

func (s *Store) WithdrawCopy(ctx context.Context, tenantID, copyID string) (circulation.Copy, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return circulation.Copy{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var status circulation.CopyStatus
	err = tx.QueryRowContext(ctx, `
		select status from copies where tenant_id=$1 and id=$2 for update
	`, tenantID, copyID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return circulation.Copy{}, circulation.ErrNotFound
	}
	if err != nil {
		return circulation.Copy{}, err
	}
	if status == circulation.CopyWithdrawn {
		return circulation.Copy{}, circulation.ErrWithdrawn
	}

	if _, err := tx.ExecContext(ctx, `
		update copies set status=$3 where tenant_id=$1 and id=$2
	`, tenantID, copyID, circulation.CopyWithdrawn); err != nil {
		return circulation.Copy{}, err
	}

	c, err := scanCopy(tx.QueryRowContext(ctx, `
		select id, tenant_id, title_id, rack_id, accession_no, status, is_reference, condition, created_at
		from copies where tenant_id=$1 and id=$2
	`, tenantID, copyID))
	if err != nil {
		return circulation.Copy{}, err
	}
	if err := tx.Commit(); err != nil {
		return circulation.Copy{}, err
	}
	return c, nil
}

func (s *Store) Issue(ctx context.Context, tenantID string, in circulation.IssueInput) (circulation.Loan, error) {
	if in.CopyID == "" || in.MemberID == "" {
		return circulation.Loan{}, circulation.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return circulation.Loan{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// Member row lock is the serialization point for the loan limit.
	var (
		memberType string
		active     bool
		blocked    bool
	)
	err = tx.QueryRowContext(ctx, `
		select member_type, active, blocked from members
		where tenant_id=$1 and id=$2 for update
	`, tenantID, in.MemberID).Scan(&memberType, &active, &blocked)
	if errors.Is(err, sql.ErrNoRows) {
		return circulation.Loan{}, circulation.ErrNotFound
	}
	if err != nil {
		return circulation.Loan{}, err
	}
	if !active {
		return circulation.Loan{}, circulation.ErrMemberInactive
	}
	if blocked {
		return circulation.Loan{}, circulation.ErrMemberBlocked
	}

	var (
		copyStatus  circulation.CopyStatus
		isReference bool
	)
	err = tx.QueryRowContext(ctx, `
		select status, is_reference from copies
		where tenant_id=$1 and id=$2 for update
	`, tenantID, in.CopyID).Scan(&copyStatus, &isReference)
	if errors.Is(err, sql.ErrNoRows) {
		return circulation.Loan{}, circulation.ErrNotFound
	}
	if err != nil {
		return circulation.Loan{}, err
	}
	if isReference || copyStatus == circulation.CopyWithdrawn {
		return circulation.Loan{}, circulation.ErrNotLoanable
	}
	if copyStatus != circulation.CopyAvailable {
		return circulation.Loan{}, circulation.ErrConflict
	}

	limits := resolveLimitsTx(ctx, tx, tenantID, policy.Normalize(memberType))

	var openLoans int
	if err := tx.QueryRowContext(ctx, `
		select count(*) from loans
		where tenant_id=$1 and member_id=$2 and returned_at is null
	`, tenantID, in.MemberID).Scan(&openLoans); err != nil {
		return circulation.Loan{}, err
	}
	if openLoans >= limits.MaxBooks {
		return circulation.Loan{}, circulation.ErrLimitExceeded
	}

	now := s.now()
	due := now.Add(time.Duration(limits.LoanDays) * 24 * time.Hour)
	if in.DueAt != nil && limits.AllowDueOverride && in.DueAt.After(now) {
		due = in.DueAt.UTC()
	}

	// The claim: exactly one concurrent issuer sees rows-affected = 1.
	res, err := tx.ExecContext(ctx, `
		update copies set status=$3
		where tenant_id=$1 and id=$2 and status=$4 and not is_reference
	`, tenantID, in.CopyID, circulation.CopyIssued, circulation.CopyAvailable)
	if err != nil {
		return circulation.Loan{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return circulation.Loan{}, err
	} else if n != 1 {
		return circulation.Loan{}, circulation.ErrConflict
	}

	l := circulation.Loan{
		ID:       ids.New(),
		TenantID: tenantID,
		CopyID:   in.CopyID,
		MemberID: in.MemberID,
		IssuedAt: now,
		DueAt:    due,
	}
	if _, err := tx.ExecContext(ctx, `
		insert into loans(id, tenant_id, copy_id, member_id, issued_at, due_at, renewals)
		values ($1,$2,$3,$4,$5,$6,0)
	`, l.ID, l.TenantID, l.CopyID, l.MemberID, l.IssuedAt, l.DueAt); err != nil {
		return circulation.Loan{}, err
	}
	if err := tx.Commit(); err != nil {
		return circulation.Loan{}, err
	}
	return l, nil
}

func (s *Store) Renew(ctx context.Context, tenantID, loanID string) (circulation.Loan, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return circulation.Loan{}, err
	}
	defer func() { _ = tx.Rollback() }()

	l, err := scanLoan(tx.QueryRowContext(ctx, loanSelect+`
		where tenant_id=$1 and id=$2 for update
	`, tenantID, loanID))
	if errors.Is(err, sql.ErrNoRows) {
		return circulation.Loan{}, circulation.ErrNotFound
	}
	if err != nil {
		return circulation.Loan{}, err
	}
	if !l.Open() {
		return circulation.Loan{}, circulation.ErrAlreadyClosed
	}

	limits := resolveLimitsTx(ctx, tx, tenantID, memberTypeTx(ctx, tx, tenantID, l.MemberID))
	if l.Renewals >= limits.MaxRenewals {
		return circulation.Loan{}, circulation.ErrRenewalLimit
	}

	now := s.now()
	due := now.Add(time.Duration(limits.LoanDays) * 24 * time.Hour)
	// Renewal restarts the clock from now, but never moves the due date back.
	if !due.After(l.DueAt) {
		due = l.DueAt
	}

	if _, err := tx.ExecContext(ctx, `
		update loans set due_at=$3, renewals=renewals+1, renewed_at=$4
		where tenant_id=$1 and id=$2
	`, tenantID, loanID, due, now); err != nil {
		return circulation.Loan{}, err
	}
	if err := tx.Commit(); err != nil {
		return circulation.Loan{}, err
	}

	l.DueAt = due
	l.Renewals++
	l.RenewedAt = &now
	return l, nil
}

func (s *Store) Return(ctx context.Context, tenantID string, in circulation.ReturnInput) (circulation.ReturnResult, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return circulation.ReturnResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	l, err := scanLoan(tx.QueryRowContext(ctx, loanSelect+`
		where tenant_id=$1 and id=$2 for update
	`, tenantID, in.LoanID))
	if errors.Is(err, sql.ErrNoRows) {
		return circulation.ReturnResult{}, circulation.ErrNotFound
	}
	if err != nil {
		return circulation.ReturnResult{}, err
	}
	if !l.Open() {
		return circulation.ReturnResult{}, circulation.ErrAlreadyClosed
	}

	limits := resolveLimitsTx(ctx, tx, tenantID, memberTypeTx(ctx, tx, tenantID, l.MemberID))

	now := s.now()
	days := circulation.OverdueDays(l.DueAt, now)
	amount := int64(days) * limits.FinePerDay

	remarks := l.Remarks
	if in.Remarks != "" {
		remarks = in.Remarks
	}
	if _, err := tx.ExecContext(ctx, `
		update loans set returned_at=$3, overdue=$4, overdue_days=$5, fine_amount=$6, remarks=$7
		where tenant_id=$1 and id=$2
	`, tenantID, l.ID, now, days > 0, days, amount, remarks); err != nil {
		return circulation.ReturnResult{}, err
	}

	var fine *circulation.Fine
	if amount > 0 {
		f := circulation.Fine{
			ID:        ids.New(),
			TenantID:  tenantID,
			LoanID:    l.ID,
			CopyID:    l.CopyID,
			MemberID:  l.MemberID,
			Amount:    amount,
			Balance:   amount,
			Status:    circulation.FinePending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if _, err := tx.ExecContext(ctx, `
			insert into fines(id, tenant_id, loan_id, copy_id, member_id, amount, balance, status, created_at, updated_at)
			values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, f.ID, f.TenantID, f.LoanID, f.CopyID, f.MemberID, f.Amount, f.Balance, f.Status, f.CreatedAt, f.UpdatedAt); err != nil {
			return circulation.ReturnResult{}, err
		}
		fine = &f
	}

	// Withdrawn stays withdrawn; only an issued copy goes back on the shelf.
	if in.Condition != "" {
		_, err = tx.ExecContext(ctx, `
			update copies set status=$3, condition=$4
			where tenant_id=$1 and id=$2 and status=$5
		`, tenantID, l.CopyID, circulation.CopyAvailable, in.Condition, circulation.CopyIssued)
	} else {
		_, err = tx.ExecContext(ctx, `
			update copies set status=$3
			where tenant_id=$1 and id=$2 and status=$4
		`, tenantID, l.CopyID, circulation.CopyAvailable, circulation.CopyIssued)
	}
	if err != nil {
		return circulation.ReturnResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return circulation.ReturnResult{}, err
	}

	l.ReturnedAt = &now
	l.Overdue = days > 0
	l.OverdueDays = days
	l.FineAmount = amount
	l.Remarks = remarks
	return circulation.ReturnResult{Loan: l, Fine: fine}, nil
}

func (s *Store) GetLoan(ctx context.Context, tenantID, loanID string) (circulation.Loan, error) {
	l, err := scanLoan(s.db.QueryRowContext(ctx, loanSelect+`
		where tenant_id=$1 and id=$2
	`, tenantID, loanID))
	if errors.Is(err, sql.ErrNoRows) {
		return circulation.Loan{}, circulation.ErrNotFound
	}
	return l, err
}

func (s *Store) ListOpenLoans(ctx context.Context, tenantID, memberID string) ([]circulation.Loan, error) {
	rows, err := s.db.QueryContext(ctx, loanSelect+`
		where tenant_id=$1 and member_id=$2 and returned_at is null
		order by issued_at asc
	`, tenantID, memberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []circulation.Loan
	for rows.Next() {
		l, err := scanLoanRows(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func (s *Store) PayFine(ctx context.Context, tenantID, fineID string, amount int64) (circulation.Fine, error) {
	if amount <= 0 {
		return circulation.Fine{}, circulation.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return circulation.Fine{}, err
	}
	defer func() { _ = tx.Rollback() }()

	f, err := scanFine(tx.QueryRowContext(ctx, fineSelect+`
		where tenant_id=$1 and id=$2 for update
	`, tenantID, fineID))
	if errors.Is(err, sql.ErrNoRows) {
		return circulation.Fine{}, circulation.ErrNotFound
	}
	if err != nil {
		return circulation.Fine{}, err
	}
	if f.Status != circulation.FinePending {
		return circulation.Fine{}, circulation.ErrFineSettled
	}
	if amount > f.Balance {
		return circulation.Fine{}, circulation.ErrOverPayment
	}

	f.Balance -= amount
	f.UpdatedAt = s.now()
	if f.Balance == 0 {
		f.Status = circulation.FinePaid
	}
	if _, err := tx.ExecContext(ctx, `
		update fines set balance=$3, status=$4, updated_at=$5
		where tenant_id=$1 and id=$2
	`, tenantID, fineID, f.Balance, f.Status, f.UpdatedAt); err != nil {
		return circulation.Fine{}, err
	}
	if err := tx.Commit(); err != nil {
		return circulation.Fine{}, err
	}
	return f, nil
}

func (s *Store) WaiveFine(ctx context.Context, tenantID, fineID, reason string) (circulation.Fine, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return circulation.Fine{}, err
	}
	defer func() { _ = tx.Rollback() }()

	f, err := scanFine(tx.QueryRowContext(ctx, fineSelect+`
		where tenant_id=$1 and id=$2 for update
	`, tenantID, fineID))
	if errors.Is(err, sql.ErrNoRows) {
		return circulation.Fine{}, circulation.ErrNotFound
	}
	if err != nil {
		return circulation.Fine{}, err
	}
	if f.Status != circulation.FinePending {
		return circulation.Fine{}, circulation.ErrFineSettled
	}

	f.Balance = 0
	f.Status = circulation.FineWaived
	f.Reason = reason
	f.UpdatedAt = s.now()
	if _, err := tx.ExecContext(ctx, `
		update fines set balance=0, status=$3, reason=$4, updated_at=$5
		where tenant_id=$1 and id=$2
	`, tenantID, fineID, f.Status, f.Reason, f.UpdatedAt); err != nil {
		return circulation.Fine{}, err
	}
	if err := tx.Commit(); err != nil {
		return circulation.Fine{}, err
	}
	return f, nil
}

func (s *Store) ListFines(ctx context.Context, tenantID, memberID string) ([]circulation.Fine, error) {
	rows, err := s.db.QueryContext(ctx, fineSelect+`
		where tenant_id=$1 and member_id=$2
		order by created_at asc
	`, tenantID, memberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []circulation.Fine
	for rows.Next() {
		f, err := scanFineRows(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

func (s *Store) SyncMember(ctx context.Context, tenantID string, m circulation.Member) (circulation.Member, error) {
	if tenantID == "" || m.ID == "" {
		return circulation.Member{}, circulation.ErrInvalidInput
	}
	m.TenantID = tenantID
	m.Type = policy.Normalize(string(m.Type))
	m.SyncedAt = s.now()

	if _, err := s.db.ExecContext(ctx, `
		insert into members(id, tenant_id, member_type, active, blocked, blocked_reason, synced_at)
		values ($1,$2,$3,$4,$5,$6,$7)
		on conflict (tenant_id, id) do update
		set member_type=excluded.member_type,
		    active=excluded.active,
		    blocked=excluded.blocked,
		    blocked_reason=excluded.blocked_reason,
		    synced_at=excluded.synced_at
	`, m.ID, m.TenantID, m.Type, m.Active, m.Blocked, m.BlockedReason, m.SyncedAt); err != nil {
		return circulation.Member{}, err
	}
	return m, nil
}

func (s *Store) GetMember(ctx context.Context, tenantID, memberID string) (circulation.Member, error) {
	var m circulation.Member
	var memberType string
	err := s.db.QueryRowContext(ctx, `
		select id, tenant_id, member_type, active, blocked, blocked_reason, synced_at
		from members where tenant_id=$1 and id=$2
	`, tenantID, memberID).Scan(&m.ID, &m.TenantID, &memberType, &m.Active, &m.Blocked, &m.BlockedReason, &m.SyncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return circulation.Member{}, circulation.ErrNotFound
	}
	if err != nil {
		return circulation.Member{}, err
	}
	m.Type = policy.MemberType(memberType)
	return m, nil
}

func (s *Store) DashboardStats(ctx context.Context, tenantID string) (circulation.Stats, error) {
	now := s.now()
	st := circulation.Stats{AsOf: now}

	if err := s.db.QueryRowContext(ctx, `
		select
			count(*) filter (where status='available'),
			count(*) filter (where status='issued'),
			count(*) filter (where status='withdrawn')
		from copies where tenant_id=$1
	`, tenantID).Scan(&st.CopiesAvailable, &st.CopiesIssued, &st.CopiesWithdrawn); err != nil {
		return circulation.Stats{}, err
	}

	if err := s.db.QueryRowContext(ctx, `
		select count(*), count(*) filter (where due_at <= $2)
		from loans where tenant_id=$1 and returned_at is null
	`, tenantID, now.Add(-24*time.Hour)).Scan(&st.OpenLoans, &st.OverdueLoans); err != nil {
		return circulation.Stats{}, err
	}

	if err := s.db.QueryRowContext(ctx, `
		select count(*), coalesce(sum(balance),0)
		from fines where tenant_id=$1 and status='pending'
	`, tenantID).Scan(&st.PendingFines, &st.PendingBalance); err != nil {
		return circulation.Stats{}, err
	}
	return st, nil
}

// --- row scanning helpers ---

const loanSelect = `
	select id, tenant_id, copy_id, member_id, issued_at, due_at, renewals, renewed_at,
	       returned_at, overdue, overdue_days, fine_amount, remarks
	from loans
`

const fineSelect = `
	select id, tenant_id, loan_id, copy_id, member_id, amount, balance, status, reason, created_at, updated_at
	from fines
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCopy(row rowScanner) (circulation.Copy, error) {
	var c circulation.Copy
	err := row.Scan(&c.ID, &c.TenantID, &c.TitleID, &c.RackID, &c.AccessionNo,
		&c.Status, &c.IsReference, &c.Condition, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return circulation.Copy{}, circulation.ErrNotFound
	}
	if err != nil {
		return circulation.Copy{}, err
	}
	return c, nil
}

func scanLoan(row rowScanner) (circulation.Loan, error) {
	var (
		l          circulation.Loan
		renewedAt  sql.NullTime
		returnedAt sql.NullTime
	)
	err := row.Scan(&l.ID, &l.TenantID, &l.CopyID, &l.MemberID, &l.IssuedAt, &l.DueAt,
		&l.Renewals, &renewedAt, &returnedAt, &l.Overdue, &l.OverdueDays, &l.FineAmount, &l.Remarks)
	if err != nil {
		return circulation.Loan{}, err
	}
	if renewedAt.Valid {
		t := renewedAt.Time
		l.RenewedAt = &t
	}
	if returnedAt.Valid {
		t := returnedAt.Time
		l.ReturnedAt = &t
	}
	return l, nil
}

func scanLoanRows(rows *sql.Rows) (circulation.Loan, error) { return scanLoan(rows) }

func scanFine(row rowScanner) (circulation.Fine, error) {
	var f circulation.Fine
	err := row.Scan(&f.ID, &f.TenantID, &f.LoanID, &f.CopyID, &f.MemberID,
		&f.Amount, &f.Balance, &f.Status, &f.Reason, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return circulation.Fine{}, err
	}
	return f, nil
}

func scanFineRows(rows *sql.Rows) (circulation.Fine, error) { return scanFine(rows) }

func memberTypeTx(ctx context.Context, tx *sql.Tx, tenantID, memberID string) policy.MemberType {
	var raw string
	if err := tx.QueryRowContext(ctx, `
		select member_type from members where tenant_id=$1 and id=$2
	`, tenantID, memberID).Scan(&raw); err != nil {
		return policy.Student
	}
	return policy.Normalize(raw)
}
