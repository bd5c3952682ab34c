// Package circulation is the lending engine: copy lifecycle, issue/renew/return
// and fine accrual, scoped per tenant.
package circulation

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"circdesk.org/internal/ids"
	"circdesk.org/internal/policy"
)

// Service defines the circulation engine operations. Every call is scoped to
// one tenant; nothing crosses tenant boundaries.
type Service interface {
	RegisterCopy(ctx context.Context, tenantID string, in RegisterCopyInput) (Copy, error)
	GetCopy(ctx context.Context, tenantID, copyID string) (Copy, error)
	WithdrawCopy(ctx context.Context, tenantID, copyID string) (Copy, error)

	Issue(ctx context.Context, tenantID string, in IssueInput) (Loan, error)
	Renew(ctx context.Context, tenantID, loanID string) (Loan, error)
	Return(ctx context.Context, tenantID string, in ReturnInput) (ReturnResult, error)
	GetLoan(ctx context.Context, tenantID, loanID string) (Loan, error)
	ListOpenLoans(ctx context.Context, tenantID, memberID string) ([]Loan, error)

	PayFine(ctx context.Context, tenantID, fineID string, amount int64) (Fine, error)
	WaiveFine(ctx context.Context, tenantID, fineID, reason string) (Fine, error)
	ListFines(ctx context.Context, tenantID, memberID string) ([]Fine, error)

	SyncMember(ctx context.Context, tenantID string, m Member) (Member, error)
	GetMember(ctx context.Context, tenantID, memberID string) (Member, error)

	DashboardStats(ctx context.Context, tenantID string) (Stats, error)
}

// InMemory implements Service with in-process concurrency safety. It is the
// semantic reference; the Postgres store mirrors it behavior for behavior.
type InMemory struct {
	mu        sync.RWMutex
	members   map[string]map[string]*Member // tenant -> id -> member
	copies    map[string]map[string]*Copy
	loans     map[string]map[string]*Loan
	fines     map[string]map[string]*Fine
	accession map[string]uint64 // tenant -> last assigned number

	policies policy.Resolver
	now      func() time.Time
}

var _ Service = (*InMemory)(nil)

// Option configures InMemory.
type Option func(*InMemory)

// WithClock overrides the wall clock, read once per operation.
func WithClock(now func() time.Time) Option {
	return func(s *InMemory) { s.now = now }
}

// NewInMemory creates an empty engine resolving policy through r.
func NewInMemory(r policy.Resolver, opts ...Option) *InMemory {
	s := &InMemory{
		members:   make(map[string]map[string]*Member),
		copies:    make(map[string]map[string]*Copy),
		loans:     make(map[string]map[string]*Loan),
		fines:     make(map[string]map[string]*Fine),
		accession: make(map[string]uint64),
		policies:  r,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemory) RegisterCopy(ctx context.Context, tenantID string, in RegisterCopyInput) (Copy, error) {
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(in.TitleID) == "" {
		return Copy{}, ErrInvalidInput
	}
	condition := in.Condition
	if condition == "" {
		condition = "good"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Accession assignment and copy creation are one critical section, so two
	// concurrent registrations can never observe the same number.
	s.accession[tenantID]++
	c := &Copy{
		ID:          ids.New(),
		TenantID:    tenantID,
		TitleID:     in.TitleID,
		RackID:      in.RackID,
		AccessionNo: s.accession[tenantID],
		Status:      CopyAvailable,
		IsReference: in.IsReference,
		Condition:   condition,
		CreatedAt:   s.now(),
	}
	s.tenantCopies(tenantID)[c.ID] = c
	return *c, nil
}

func (s *InMemory) GetCopy(ctx context.Context, tenantID, copyID string) (Copy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.copies[tenantID][copyID]
	if !ok {
		return Copy{}, ErrNotFound
	}
	return *c, nil
}

func (s *InMemory) WithdrawCopy(ctx context.Context, tenantID, copyID string) (Copy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.copies[tenantID][copyID]
	if !ok {
		return Copy{}, ErrNotFound
	}
	if c.Status == CopyWithdrawn {
		return Copy{}, ErrWithdrawn
	}
	c.Status = CopyWithdrawn
	return *c, nil
}

func (s *InMemory) Issue(ctx context.Context, tenantID string, in IssueInput) (Loan, error) {
	if in.CopyID == "" || in.MemberID == "" {
		return Loan{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Member before copy, mirroring the store's lock order, so mixed failure
	// cases surface the same error from both implementations.
	m, ok := s.members[tenantID][in.MemberID]
	if !ok {
		return Loan{}, ErrNotFound
	}
	if !m.Active {
		return Loan{}, ErrMemberInactive
	}
	if m.Blocked {
		return Loan{}, ErrMemberBlocked
	}

	c, ok := s.copies[tenantID][in.CopyID]
	if !ok {
		return Loan{}, ErrNotFound
	}
	if c.IsReference || c.Status == CopyWithdrawn {
		return Loan{}, ErrNotLoanable
	}
	if c.Status != CopyAvailable {
		return Loan{}, ErrConflict
	}

	limits := s.policies.Resolve(ctx, tenantID, m.Type)
	if s.countOpenLoans(tenantID, in.MemberID) >= limits.MaxBooks {
		return Loan{}, ErrLimitExceeded
	}

	now := s.now()
	due := now.Add(time.Duration(limits.LoanDays) * 24 * time.Hour)
	if in.DueAt != nil && limits.AllowDueOverride && in.DueAt.After(now) {
		due = in.DueAt.UTC()
	}

	// Claim and record under the same lock: the status flip and the loan row
	// are never observable separately.
	c.Status = CopyIssued
	l := &Loan{
		ID:       ids.New(),
		TenantID: tenantID,
		CopyID:   c.ID,
		MemberID: m.ID,
		IssuedAt: now,
		DueAt:    due,
	}
	s.tenantLoans(tenantID)[l.ID] = l
	return *l, nil
}

func (s *InMemory) Renew(ctx context.Context, tenantID, loanID string) (Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.loans[tenantID][loanID]
	if !ok {
		return Loan{}, ErrNotFound
	}
	if !l.Open() {
		return Loan{}, ErrAlreadyClosed
	}

	mt := policy.Student
	if m, ok := s.members[tenantID][l.MemberID]; ok {
		mt = m.Type
	}
	limits := s.policies.Resolve(ctx, tenantID, mt)
	if l.Renewals >= limits.MaxRenewals {
		return Loan{}, ErrRenewalLimit
	}

	now := s.now()
	due := now.Add(time.Duration(limits.LoanDays) * 24 * time.Hour)
	// Renewal restarts the clock from now, but never moves the due date back.
	if due.After(l.DueAt) {
		l.DueAt = due
	}
	l.Renewals++
	l.RenewedAt = &now
	return *l, nil
}

func (s *InMemory) Return(ctx context.Context, tenantID string, in ReturnInput) (ReturnResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.loans[tenantID][in.LoanID]
	if !ok {
		return ReturnResult{}, ErrNotFound
	}
	if !l.Open() {
		return ReturnResult{}, ErrAlreadyClosed
	}

	mt := policy.Student
	if m, ok := s.members[tenantID][l.MemberID]; ok {
		mt = m.Type
	}
	limits := s.policies.Resolve(ctx, tenantID, mt)

	now := s.now()
	days := OverdueDays(l.DueAt, now)
	amount := int64(days) * limits.FinePerDay

	l.ReturnedAt = &now
	l.Overdue = days > 0
	l.OverdueDays = days
	l.FineAmount = amount
	if in.Remarks != "" {
		l.Remarks = in.Remarks
	}

	var fine *Fine
	if amount > 0 {
		f := &Fine{
			ID:        ids.New(),
			TenantID:  tenantID,
			LoanID:    l.ID,
			CopyID:    l.CopyID,
			MemberID:  l.MemberID,
			Amount:    amount,
			Balance:   amount,
			Status:    FinePending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.tenantFines(tenantID)[f.ID] = f
		out := *f
		fine = &out
	}

	// Withdrawn stays withdrawn: returning a lost-then-withdrawn copy closes
	// the loan without resurrecting the copy.
	if c, ok := s.copies[tenantID][l.CopyID]; ok && c.Status == CopyIssued {
		c.Status = CopyAvailable
		if in.Condition != "" {
			c.Condition = in.Condition
		}
	}

	return ReturnResult{Loan: *l, Fine: fine}, nil
}

func (s *InMemory) GetLoan(ctx context.Context, tenantID, loanID string) (Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.loans[tenantID][loanID]
	if !ok {
		return Loan{}, ErrNotFound
	}
	return *l, nil
}

func (s *InMemory) ListOpenLoans(ctx context.Context, tenantID, memberID string) ([]Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Loan
	for _, l := range s.loans[tenantID] {
		if l.MemberID == memberID && l.Open() {
			res = append(res, *l)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].IssuedAt.Before(res[j].IssuedAt) })
	return res, nil
}

func (s *InMemory) PayFine(ctx context.Context, tenantID, fineID string, amount int64) (Fine, error) {
	if amount <= 0 {
		return Fine{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.fines[tenantID][fineID]
	if !ok {
		return Fine{}, ErrNotFound
	}
	if f.Status != FinePending {
		return Fine{}, ErrFineSettled
	}
	if amount > f.Balance {
		return Fine{}, ErrOverPayment
	}

	f.Balance -= amount
	f.UpdatedAt = s.now()
	if f.Balance == 0 {
		f.Status = FinePaid
	}
	return *f, nil
}

func (s *InMemory) WaiveFine(ctx context.Context, tenantID, fineID, reason string) (Fine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.fines[tenantID][fineID]
	if !ok {
		return Fine{}, ErrNotFound
	}
	if f.Status != FinePending {
		return Fine{}, ErrFineSettled
	}

	f.Balance = 0
	f.Status = FineWaived
	f.Reason = reason
	f.UpdatedAt = s.now()
	return *f, nil
}

func (s *InMemory) ListFines(ctx context.Context, tenantID, memberID string) ([]Fine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Fine
	for _, f := range s.fines[tenantID] {
		if f.MemberID == memberID {
			res = append(res, *f)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

func (s *InMemory) SyncMember(ctx context.Context, tenantID string, m Member) (Member, error) {
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(m.ID) == "" {
		return Member{}, ErrInvalidInput
	}
	m.TenantID = tenantID
	m.Type = policy.Normalize(string(m.Type))

	s.mu.Lock()
	defer s.mu.Unlock()
	m.SyncedAt = s.now()
	stored := m
	s.tenantMembers(tenantID)[m.ID] = &stored
	return m, nil
}

func (s *InMemory) GetMember(ctx context.Context, tenantID, memberID string) (Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[tenantID][memberID]
	if !ok {
		return Member{}, ErrNotFound
	}
	return *m, nil
}

func (s *InMemory) DashboardStats(ctx context.Context, tenantID string) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	st := Stats{AsOf: now}
	for _, c := range s.copies[tenantID] {
		switch c.Status {
		case CopyAvailable:
			st.CopiesAvailable++
		case CopyIssued:
			st.CopiesIssued++
		case CopyWithdrawn:
			st.CopiesWithdrawn++
		}
	}
	for _, l := range s.loans[tenantID] {
		if !l.Open() {
			continue
		}
		st.OpenLoans++
		if OverdueDays(l.DueAt, now) > 0 {
			st.OverdueLoans++
		}
	}
	for _, f := range s.fines[tenantID] {
		if f.Status == FinePending {
			st.PendingFines++
			st.PendingBalance += f.Balance
		}
	}
	return st, nil
}

// OverdueDays is the number of whole days between due and at, floored at zero.
func OverdueDays(due, at time.Time) int {
	d := at.Sub(due)
	if d <= 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}

func (s *InMemory) countOpenLoans(tenantID, memberID string) int {
	n := 0
	for _, l := range s.loans[tenantID] {
		if l.MemberID == memberID && l.Open() {
			n++
		}
	}
	return n
}

func (s *InMemory) tenantMembers(tenantID string) map[string]*Member {
	m, ok := s.members[tenantID]
	if !ok {
		m = make(map[string]*Member)
		s.members[tenantID] = m
	}
	return m
}

func (s *InMemory) tenantCopies(tenantID string) map[string]*Copy {
	m, ok := s.copies[tenantID]
	if !ok {
		m = make(map[string]*Copy)
		s.copies[tenantID] = m
	}
	return m
}

func (s *InMemory) tenantLoans(tenantID string) map[string]*Loan {
	m, ok := s.loans[tenantID]
	if !ok {
		m = make(map[string]*Loan)
		s.loans[tenantID] = m
	}
	return m
}

func (s *InMemory) tenantFines(tenantID string) map[string]*Fine {
	m, ok := s.fines[tenantID]
	if !ok {
		m = make(map[string]*Fine)
		s.fines[tenantID] = m
	}
	return m
}
