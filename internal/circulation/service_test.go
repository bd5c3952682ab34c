package circulation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"circdesk.org/internal/policy"
)

const tenant = "school-1"

type fixture struct {
	svc *InMemory
	res *policy.Static
	now time.Time
	mu  sync.Mutex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		res: policy.NewStatic(),
		now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	f.svc = NewInMemory(f.res, WithClock(func() time.Time {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.now
	}))
	return f
}

func (f *fixture) advanceDays(d int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(time.Duration(d) * 24 * time.Hour)
}

func (f *fixture) member(t *testing.T, id string, mt policy.MemberType) Member {
	t.Helper()
	m, err := f.svc.SyncMember(context.Background(), tenant, Member{ID: id, Type: mt, Active: true})
	if err != nil {
		t.Fatalf("sync member %s: %v", id, err)
	}
	return m
}

func (f *fixture) copyOf(t *testing.T, title string) Copy {
	t.Helper()
	c, err := f.svc.RegisterCopy(context.Background(), tenant, RegisterCopyInput{TitleID: title})
	if err != nil {
		t.Fatalf("register copy: %v", err)
	}
	return c
}

func TestIssueHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.member(t, "m1", policy.Student)
	c := f.copyOf(t, "title-1")

	l, err := f.svc.Issue(ctx, tenant, IssueInput{CopyID: c.ID, MemberID: "m1"})
	if err != nil {
		t.Fatal(err)
	}
	if want := f.now.Add(14 * 24 * time.Hour); !l.DueAt.Equal(want) {
		t.Fatalf("due date: got %v want %v", l.DueAt, want)
	}

	got, _ := f.svc.GetCopy(ctx, tenant, c.ID)
	if got.Status != CopyIssued {
		t.Fatalf("copy status after issue: %s", got.Status)
	}
	open, _ := f.svc.ListOpenLoans(ctx, tenant, "m1")
	if len(open) != 1 || open[0].ID != l.ID {
		t.Fatalf("expected exactly the new open loan, got %v", open)
	}
}

func TestIssueReferenceCopyNotLoanable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.member(t, "m1", policy.Student)
	c, err := f.svc.RegisterCopy(ctx, tenant, RegisterCopyInput{TitleID: "atlas", IsReference: true})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.svc.Issue(ctx, tenant, IssueInput{CopyID: c.ID, MemberID: "m1"}); !errors.Is(err, ErrNotLoanable) {
		t.Fatalf("expected ErrNotLoanable, got %v", err)
	}
}

func TestIssueMemberStateChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.copyOf(t, "title-1")

	f.svc.SyncMember(ctx, tenant, Member{ID: "inactive", Type: policy.Student})
	if _, err := f.svc.Issue(ctx, tenant, IssueInput{CopyID: c.ID, MemberID: "inactive"}); !errors.Is(err, ErrMemberInactive) {
		t.Fatalf("expected ErrMemberInactive, got %v", err)
	}

	f.svc.SyncMember(ctx, tenant, Member{ID: "blocked", Type: policy.Student, Active: true, Blocked: true, BlockedReason: "lost book"})
	if _, err := f.svc.Issue(ctx, tenant, IssueInput{CopyID: c.ID, MemberID: "blocked"}); !errors.Is(err, ErrMemberBlocked) {
		t.Fatalf("expected ErrMemberBlocked, got %v", err)
	}

	if _, err := f.svc.Issue(ctx, tenant, IssueInput{CopyID: c.ID, MemberID: "ghost"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// Member checks run before copy checks, matching the store's lock order:
	// a blocked member with a missing copy reports the member problem.
	if _, err := f.svc.Issue(ctx, tenant, IssueInput{CopyID: "missing", MemberID: "blocked"}); !errors.Is(err, ErrMemberBlocked) {
		t.Fatalf("expected ErrMemberBlocked, got %v", err)
	}
}

func TestIssueLimitExceeded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.member(t, "m1", policy.Student) // maxBooks = 2

	a := f.copyOf(t, "a")
	b := f.copyOf(t, "b")
	c := f.copyOf(t, "c")

	if _, err := f.svc.Issue(ctx, tenant, IssueInput{CopyID: a.ID, MemberID: "m1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Issue(ctx, tenant, IssueInput{CopyID: b.ID, MemberID: "m1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Issue(ctx, tenant, IssueInput{CopyID: c.ID, MemberID: "m1"}); !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}
}

func TestIssueSameCopyTwiceConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.member(t, "m1", policy.Staff)
	f.member(t, "m2", policy.Staff)
	c := f.copyOf(t, "title-1")

	if _, err := f.svc.Issue(ctx, tenant, IssueInput{CopyID: c.ID, MemberID: "m1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Issue(ctx, tenant, IssueInput{CopyID: c.ID, MemberID: "m2"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestConcurrentIssueSameCopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.copyOf(t, "title-1")

	const N = 16
	for i := 0; i < N; i++ {
		f.member(t, memberID(i), policy.Staff)
	}

	var wg sync.WaitGroup
	errs := make([]error, N)
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Issue(ctx, tenant, IssueInput{CopyID: c.ID, MemberID: memberID(i)})
		}(i)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != N-1 {
		t.Fatalf("expected exactly one winner, got wins=%d conflicts=%d", wins, conflicts)
	}
}

func TestConcurrentIssueRespectsLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.member(t, "m1", policy.Student) // maxBooks = 2

	const N = 10
	copies := make([]Copy, N)
	for i := range copies {
		copies[i] = f.copyOf(t, "t")
	}

	var wg sync.WaitGroup
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = f.svc.Issue(ctx, tenant, IssueInput{CopyID: copies[i].ID, MemberID: "m1"})
		}(i)
	}
	wg.Wait()

	open, _ := f.svc.ListOpenLoans(ctx, tenant, "m1")
	if len(open) != 2 {
		t.Fatalf("open loans after concurrent issues: got %d want 2", len(open))
	}
}

func TestConcurrentRegisterAssignsUniqueAccessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const N = 64
	var wg sync.WaitGroup
	nums := make([]uint64, N)
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := f.svc.RegisterCopy(ctx, tenant, RegisterCopyInput{TitleID: "t"})
			if err != nil {
				t.Error(err)
				return
			}
			nums[i] = c.AccessionNo
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool, N)
	for _, n := range nums {
		if n == 0 || n > N || seen[n] {
			t.Fatalf("accession numbers not unique 1..%d: %v", N, nums)
		}
		seen[n] = true
	}
}

func TestAccessionScopedPerTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, _ := f.svc.RegisterCopy(ctx, "school-a", RegisterCopyInput{TitleID: "t"})
	b, _ := f.svc.RegisterCopy(ctx, "school-b", RegisterCopyInput{TitleID: "t"})
	if a.AccessionNo != 1 || b.AccessionNo != 1 {
		t.Fatalf("tenant counters leaked: a=%d b=%d", a.AccessionNo, b.AccessionNo)
	}
}

func TestRenewRestartsClockAndCountsRenewals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.member(t, "m1", policy.Student) // loanDays=14, maxRenewals=1
	c := f.copyOf(t, "t")

	l, err := f.svc.Issue(ctx, tenant, IssueInput{CopyID: c.ID, MemberID: "m1"})
	if err != nil {
		t.Fatal(err)
	}

	f.advanceDays(10)
	renewed, err := f.svc.Renew(ctx, tenant, l.ID)
	if err != nil {
		t.Fatal(err)
	}
	if want := f.now.Add(14 * 24 * time.Hour); !renewed.DueAt.Equal(want) {
		t.Fatalf("renewed due date: got %v want %v", renewed.DueAt, want)
	}
	if renewed.DueAt.Before(l.DueAt) {
		t.Fatal("renewal decreased the due date")
	}
	if renewed.Renewals != 1 {
		t.Fatalf("renewals: got %d want 1", renewed.Renewals)
	}

	if _, err := f.svc.Renew(ctx, tenant, l.ID); !errors.Is(err, ErrRenewalLimit) {
		t.Fatalf("expected ErrRenewalLimit, got %v", err)
	}
	after, _ := f.svc.GetLoan(ctx, tenant, l.ID)
	if !after.DueAt.Equal(renewed.DueAt) {
		t.Fatal("failed renewal changed the due date")
	}
}

func TestRenewClosedLoan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.member(t, "m1", policy.Student)
	c := f.copyOf(t, "t")

	l, _ := f.svc.Issue(ctx, tenant, IssueInput{CopyID: c.ID, MemberID: "m1"})
	if _, err := f.svc.Return(ctx, tenant, ReturnInput{LoanID: l.ID}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Renew(ctx, tenant, l.ID); !errors.Is(err, ErrAlreadyClosed) {
		t.Fatalf("expected ErrAlreadyClosed, got %v", err)
	}
	if _, err := f.svc.Renew(ctx, tenant, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReturnOnTimeProducesNoFine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.member(t, "m1", policy.Student)
	c := f.copyOf(t, "t")

	l, _ := f.svc.Issue(ctx, tenant, IssueInput{CopyID: c.ID, MemberID: "m1"})
	f.advanceDays(14)
	res, err := f.svc.Return(ctx, tenant, ReturnInput{LoanID: l.ID, Condition: "worn"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Fine != nil {
		t.Fatalf("unexpected fine: %+v", res.Fine)
	}
	if res.Loan.Overdue || res.Loan.OverdueDays != 0 || res.Loan.FineAmount != 0 {
		t.Fatalf("on-time return marked overdue: %+v", res.Loan)
	}
	got, _ := f.svc.GetCopy(ctx, tenant, c.ID)
	if got.Status != CopyAvailable || got.Condition != "worn" {
		t.Fatalf("copy after return: %+v", got)
	}
}

func TestReturnOverdueCreatesFine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.member(t, "m1", policy.Student) // loanDays=14, finePerDay=1
	c := f.copyOf(t, "t")

	l, _ := f.svc.Issue(ctx, tenant, IssueInput{CopyID: c.ID, MemberID: "m1"})
	f.advanceDays(20)

	res, err := f.svc.Return(ctx, tenant, ReturnInput{LoanID: l.ID})
	if err != nil {
		t.Fatal(err)
	}
	if res.Fine == nil {
		t.Fatal("expected a fine")
	}
	if res.Loan.OverdueDays != 6 || res.Fine.Amount != 6 || res.Fine.Balance != 6 {
		t.Fatalf("overdue math: days=%d amount=%d balance=%d", res.Loan.OverdueDays, res.Fine.Amount, res.Fine.Balance)
	}
	if res.Fine.Status != FinePending || res.Fine.LoanID != l.ID {
		t.Fatalf("fine shape: %+v", res.Fine)
	}

	if _, err := f.svc.Return(ctx, tenant, ReturnInput{LoanID: l.ID}); !errors.Is(err, ErrAlreadyClosed) {
		t.Fatalf("expected ErrAlreadyClosed, got %v", err)
	}
}

func TestStaffAccruesNoFine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.member(t, "s1", policy.Staff) // finePerDay=0
	c := f.copyOf(t, "t")

	l, _ := f.svc.Issue(ctx, tenant, IssueInput{CopyID: c.ID, MemberID: "s1"})
	f.advanceDays(45)

	res, err := f.svc.Return(ctx, tenant, ReturnInput{LoanID: l.ID})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Loan.Overdue || res.Loan.OverdueDays != 15 {
		t.Fatalf("staff overdue flags: %+v", res.Loan)
	}
	if res.Fine != nil || res.Loan.FineAmount != 0 {
		t.Fatalf("staff should not be fined: %+v", res)
	}
}

func TestWithdrawLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.member(t, "m1", policy.Student)
	c := f.copyOf(t, "t")

	l, _ := f.svc.Issue(ctx, tenant, IssueInput{CopyID: c.ID, MemberID: "m1"})

	// a copy lost while on loan gets withdrawn; the return closes the loan
	// without resurrecting the copy
	if _, err := f.svc.WithdrawCopy(ctx, tenant, c.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.WithdrawCopy(ctx, tenant, c.ID); !errors.Is(err, ErrWithdrawn) {
		t.Fatalf("expected ErrWithdrawn, got %v", err)
	}
	if _, err := f.svc.Return(ctx, tenant, ReturnInput{LoanID: l.ID}); err != nil {
		t.Fatal(err)
	}
	got, _ := f.svc.GetCopy(ctx, tenant, c.ID)
	if got.Status != CopyWithdrawn {
		t.Fatalf("withdrawn is terminal, got %s", got.Status)
	}
	if _, err := f.svc.Issue(ctx, tenant, IssueInput{CopyID: c.ID, MemberID: "m1"}); !errors.Is(err, ErrNotLoanable) {
		t.Fatalf("expected ErrNotLoanable, got %v", err)
	}
}

func TestPayFineLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fine := f.overdueFine(t, "m1")

	mid, err := f.svc.PayFine(ctx, tenant, fine.ID, 4)
	if err != nil {
		t.Fatal(err)
	}
	if mid.Balance != 2 || mid.Status != FinePending {
		t.Fatalf("partial payment: %+v", mid)
	}

	if _, err := f.svc.PayFine(ctx, tenant, fine.ID, 3); !errors.Is(err, ErrOverPayment) {
		t.Fatalf("expected ErrOverPayment, got %v", err)
	}

	done, err := f.svc.PayFine(ctx, tenant, fine.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if done.Balance != 0 || done.Status != FinePaid {
		t.Fatalf("settled fine: %+v", done)
	}

	if _, err := f.svc.PayFine(ctx, tenant, fine.ID, 1); !errors.Is(err, ErrFineSettled) {
		t.Fatalf("expected ErrFineSettled, got %v", err)
	}
	if _, err := f.svc.PayFine(ctx, tenant, fine.ID, 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for zero amount, got %v", err)
	}
}

func TestWaiveFine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fine := f.overdueFine(t, "m1")

	w, err := f.svc.WaiveFine(ctx, tenant, fine.ID, "damaged in flood")
	if err != nil {
		t.Fatal(err)
	}
	if w.Balance != 0 || w.Status != FineWaived || w.Reason != "damaged in flood" {
		t.Fatalf("waived fine: %+v", w)
	}
	if _, err := f.svc.WaiveFine(ctx, tenant, fine.ID, "again"); !errors.Is(err, ErrFineSettled) {
		t.Fatalf("expected ErrFineSettled, got %v", err)
	}
	if _, err := f.svc.PayFine(ctx, tenant, fine.ID, 1); !errors.Is(err, ErrFineSettled) {
		t.Fatalf("waived fine must not accept payments, got %v", err)
	}
}

func TestDashboardStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.member(t, "m1", policy.Student)

	a := f.copyOf(t, "a")
	f.copyOf(t, "b")
	w := f.copyOf(t, "c")
	f.svc.WithdrawCopy(ctx, tenant, w.ID)

	f.svc.Issue(ctx, tenant, IssueInput{CopyID: a.ID, MemberID: "m1"})
	f.advanceDays(20) // the open loan is now 6 days overdue

	st, err := f.svc.DashboardStats(ctx, tenant)
	if err != nil {
		t.Fatal(err)
	}
	if st.CopiesAvailable != 1 || st.CopiesIssued != 1 || st.CopiesWithdrawn != 1 {
		t.Fatalf("copy counts: %+v", st)
	}
	if st.OpenLoans != 1 || st.OverdueLoans != 1 {
		t.Fatalf("loan counts: %+v", st)
	}

	other, _ := f.svc.DashboardStats(ctx, "another-school")
	if other.CopiesAvailable != 0 || other.OpenLoans != 0 {
		t.Fatalf("stats leaked across tenants: %+v", other)
	}
}

func TestTenantIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.member(t, "m1", policy.Student)
	c := f.copyOf(t, "t")
	l, _ := f.svc.Issue(ctx, tenant, IssueInput{CopyID: c.ID, MemberID: "m1"})

	if _, err := f.svc.GetLoan(ctx, "other-school", l.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("loan visible across tenants: %v", err)
	}
	if _, err := f.svc.Return(ctx, "other-school", ReturnInput{LoanID: l.ID}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("return crossed tenants: %v", err)
	}
}

func (f *fixture) overdueFine(t *testing.T, memberID string) Fine {
	t.Helper()
	ctx := context.Background()
	f.member(t, memberID, policy.Student)
	c := f.copyOf(t, "overdue-title")
	l, err := f.svc.Issue(ctx, tenant, IssueInput{CopyID: c.ID, MemberID: memberID})
	if err != nil {
		t.Fatal(err)
	}
	f.advanceDays(20)
	res, err := f.svc.Return(ctx, tenant, ReturnInput{LoanID: l.ID})
	if err != nil {
		t.Fatal(err)
	}
	if res.Fine == nil {
		t.Fatal("fixture expected an overdue fine")
	}
	return *res.Fine
}

func memberID(i int) string {
	return "member-" + string(rune('a'+i%26)) + string(rune('0'+i/26))
}

func TestOverdueDays(t *testing.T) {
	due := time.Date(2026, 3, 16, 9, 0, 0, 0, time.UTC)
	cases := []struct {
		at   time.Time
		want int
	}{
		{due.Add(-48 * time.Hour), 0},
		{due, 0},
		{due.Add(23 * time.Hour), 0},
		{due.Add(24 * time.Hour), 1},
		{due.Add(6 * 24 * time.Hour), 6},
	}
	for _, c := range cases {
		if got := OverdueDays(due, c.at); got != c.want {
			t.Fatalf("OverdueDays(%v): got %d want %d", c.at, got, c.want)
		}
	}
}
