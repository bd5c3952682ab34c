package circulation

import (
	"errors"
	"time"

	"circdesk.org/internal/policy"
)

// CopyStatus is the lifecycle state of a physical copy.
type CopyStatus string

const (
	CopyAvailable CopyStatus = "available"
	CopyIssued    CopyStatus = "issued"
	CopyWithdrawn CopyStatus = "withdrawn" // terminal
)

// FineStatus is the settlement state of a fine.
type FineStatus string

const (
	FinePending FineStatus = "pending"
	FinePaid    FineStatus = "paid"
	FineWaived  FineStatus = "waived"
)

// Member is a borrower as fed by the surrounding application. The engine never
// creates members on its own; it only mirrors what the collaborator syncs in.
type Member struct {
	ID            string            `json:"id"`
	TenantID      string            `json:"tenant_id"`
	Type          policy.MemberType `json:"type"`
	Active        bool              `json:"active"`
	Blocked       bool              `json:"blocked"`
	BlockedReason string            `json:"blocked_reason,omitempty"`
	SyncedAt      time.Time         `json:"synced_at"`
}

// Copy is one physical unit of a catalog title. AccessionNo is assigned once at
// registration and never reused within a tenant.
type Copy struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	TitleID     string     `json:"title_id"`
	RackID      string     `json:"rack_id,omitempty"`
	AccessionNo uint64     `json:"accession_no"`
	Status      CopyStatus `json:"status"`
	IsReference bool       `json:"is_reference"`
	Condition   string     `json:"condition,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Loan is one lending episode of one copy to one member. Closed loans are
// immutable.
type Loan struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	CopyID      string     `json:"copy_id"`
	MemberID    string     `json:"member_id"`
	IssuedAt    time.Time  `json:"issued_at"`
	DueAt       time.Time  `json:"due_at"`
	Renewals    int        `json:"renewals"`
	RenewedAt   *time.Time `json:"renewed_at,omitempty"`
	ReturnedAt  *time.Time `json:"returned_at,omitempty"`
	Overdue     bool       `json:"overdue"`
	OverdueDays int        `json:"overdue_days"`
	FineAmount  int64      `json:"fine_amount"` // minor units
	Remarks     string     `json:"remarks,omitempty"`
}

// Open reports whether the loan has not been returned yet.
func (l Loan) Open() bool { return l.ReturnedAt == nil }

// Fine is a financial obligation created when a loan closes overdue.
// Amounts are in minor units; no floats.
type Fine struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenant_id"`
	LoanID    string     `json:"loan_id"`
	CopyID    string     `json:"copy_id"`
	MemberID  string     `json:"member_id"`
	Amount    int64      `json:"amount"`
	Balance   int64      `json:"balance"`
	Status    FineStatus `json:"status"`
	Reason    string     `json:"reason,omitempty"` // set on waive
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// RegisterCopyInput describes a copy to accession.
type RegisterCopyInput struct {
	TitleID     string
	RackID      string
	IsReference bool
	Condition   string
}

// IssueInput describes an issue request. DueAt is honored only when the
// resolved policy allows explicit overrides.
type IssueInput struct {
	CopyID   string
	MemberID string
	DueAt    *time.Time
}

// ReturnInput describes a return request.
type ReturnInput struct {
	LoanID    string
	Condition string
	Remarks   string
}

// ReturnResult carries the closed loan and the fine assessed, if any.
type ReturnResult struct {
	Loan Loan  `json:"loan"`
	Fine *Fine `json:"fine,omitempty"`
}

// Stats is the read-only dashboard projection for one tenant.
type Stats struct {
	CopiesAvailable int       `json:"copies_available"`
	CopiesIssued    int       `json:"copies_issued"`
	CopiesWithdrawn int       `json:"copies_withdrawn"`
	OpenLoans       int       `json:"open_loans"`
	OverdueLoans    int       `json:"overdue_loans"`
	PendingFines    int       `json:"pending_fines"`
	PendingBalance  int64     `json:"pending_balance"`
	AsOf            time.Time `json:"as_of"`
}

// Typed failures. Callers branch on these with errors.Is; none of them leaves
// persisted state changed.
var (
	ErrNotFound       = errors.New("not found")
	ErrNotLoanable    = errors.New("copy is not loanable")
	ErrMemberInactive = errors.New("member is inactive")
	ErrMemberBlocked  = errors.New("member is blocked")
	ErrLimitExceeded  = errors.New("open loan limit exceeded")
	ErrRenewalLimit   = errors.New("renewal limit exceeded")
	ErrAlreadyClosed  = errors.New("loan already closed")
	ErrConflict       = errors.New("conflicting concurrent update")
	ErrWithdrawn      = errors.New("copy already withdrawn")
	ErrOverPayment    = errors.New("payment exceeds remaining balance")
	ErrFineSettled    = errors.New("fine already settled")
	ErrInvalidInput   = errors.New("invalid input")
)
