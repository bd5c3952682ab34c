package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"circdesk.org/internal/audit"
	"circdesk.org/internal/circulation"
	"circdesk.org/internal/obs"
	"circdesk.org/internal/policy"
	"circdesk.org/internal/stream"
)

type registerCopyRequest struct {
	TitleID     string `json:"title_id" validate:"required"`
	RackID      string `json:"rack_id"`
	IsReference bool   `json:"is_reference"`
	Condition   string `json:"condition"`
}

type issueRequest struct {
	CopyID   string     `json:"copy_id" validate:"required"`
	MemberID string     `json:"member_id" validate:"required"`
	DueAt    *time.Time `json:"due_at"`
}

type returnRequest struct {
	Condition string `json:"condition"`
	Remarks   string `json:"remarks"`
}

type paymentRequest struct {
	Amount int64 `json:"amount" validate:"required,gt=0"`
}

type waiveRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type syncMemberRequest struct {
	Type          string `json:"type" validate:"omitempty,oneof=student staff"`
	Active        bool   `json:"active"`
	Blocked       bool   `json:"blocked"`
	BlockedReason string `json:"blocked_reason"`
}

// --- routing ---

func (a *API) handleCopiesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.registerCopy(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleCopyResource(w http.ResponseWriter, r *http.Request) {
	id, action, ok := splitResource(r.URL.Path, "/v1/copies/")
	if !ok {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch {
	case action == "" && r.Method == http.MethodGet:
		a.getCopy(w, r, id)
	case action == "withdraw" && r.Method == http.MethodPost:
		a.withdrawCopy(w, r, id)
	case action == "":
		methodNotAllowed(w, r, http.MethodGet)
	case action == "withdraw":
		methodNotAllowed(w, r, http.MethodPost)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleLoansCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.issue(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleLoanResource(w http.ResponseWriter, r *http.Request) {
	id, action, ok := splitResource(r.URL.Path, "/v1/loans/")
	if !ok {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch {
	case action == "" && r.Method == http.MethodGet:
		a.getLoan(w, r, id)
	case action == "renew" && r.Method == http.MethodPost:
		a.renew(w, r, id)
	case action == "return" && r.Method == http.MethodPost:
		a.returnLoan(w, r, id)
	case action == "":
		methodNotAllowed(w, r, http.MethodGet)
	case action == "renew" || action == "return":
		methodNotAllowed(w, r, http.MethodPost)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleMemberResource(w http.ResponseWriter, r *http.Request) {
	id, action, ok := splitResource(r.URL.Path, "/v1/members/")
	if !ok {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch {
	case action == "" && r.Method == http.MethodPut:
		a.syncMember(w, r, id)
	case action == "loans" && r.Method == http.MethodGet:
		a.listOpenLoans(w, r, id)
	case action == "fines" && r.Method == http.MethodGet:
		a.listFines(w, r, id)
	case action == "":
		methodNotAllowed(w, r, http.MethodPut)
	case action == "loans" || action == "fines":
		methodNotAllowed(w, r, http.MethodGet)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleFineResource(w http.ResponseWriter, r *http.Request) {
	id, action, ok := splitResource(r.URL.Path, "/v1/fines/")
	if !ok {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch {
	case action == "payments" && r.Method == http.MethodPost:
		a.payFine(w, r, id)
	case action == "waive" && r.Method == http.MethodPost:
		a.waiveFine(w, r, id)
	case action == "payments" || action == "waive":
		methodNotAllowed(w, r, http.MethodPost)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	tenant, err := tenantFrom(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	st, err := a.engine.DashboardStats(r.Context(), tenant)
	if err != nil {
		a.handleEngineError(w, r, tenant, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handlePolicies reports the effective lending rules per member type for the
// caller's tenant, table overrides included.
func (a *API) handlePolicies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	tenant, err := tenantFrom(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	out := make(map[string]policy.Limits, 2)
	for _, mt := range []policy.MemberType{policy.Student, policy.Staff} {
		out[string(mt)] = a.policies.Resolve(r.Context(), tenant, mt)
	}
	writeJSON(w, http.StatusOK, out)
}

// splitResource parses "/prefix/{id}" and "/prefix/{id}/{action}".
func splitResource(path, prefix string) (id, action string, ok bool) {
	rest := strings.TrimPrefix(path, prefix)
	if rest == "" || rest == path {
		return "", "", false
	}
	parts := strings.Split(strings.TrimSuffix(rest, "/"), "/")
	switch len(parts) {
	case 1:
		return parts[0], "", parts[0] != ""
	case 2:
		return parts[0], parts[1], parts[0] != "" && parts[1] != ""
	}
	return "", "", false
}

// --- operations ---

func (a *API) registerCopy(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantFrom(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var req registerCopyRequest
	if err := a.decodeValid(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	c, err := a.engine.RegisterCopy(r.Context(), tenant, circulation.RegisterCopyInput{
		TitleID:     req.TitleID,
		RackID:      req.RackID,
		IsReference: req.IsReference,
		Condition:   req.Condition,
	})
	if err != nil {
		a.handleEngineError(w, r, tenant, err)
		return
	}

	a.audit(r, "circulation.copy.register", map[string]any{
		"copy_id":      c.ID,
		"title_id":     c.TitleID,
		"accession_no": c.AccessionNo,
		"is_reference": c.IsReference,
	})
	a.publish(stream.Event{Tenant: tenant, Kind: stream.KindCopyRegistered, CopyID: c.ID})

	w.Header().Set("Location", "/v1/copies/"+c.ID)
	writeJSON(w, http.StatusCreated, c)
}

func (a *API) getCopy(w http.ResponseWriter, r *http.Request, id string) {
	tenant, err := tenantFrom(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	c, err := a.engine.GetCopy(r.Context(), tenant, id)
	if err != nil {
		a.handleEngineError(w, r, tenant, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) withdrawCopy(w http.ResponseWriter, r *http.Request, id string) {
	tenant, err := tenantFrom(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := requireLibrarian(r); err != nil {
		writeError(w, r, http.StatusForbidden, "librarian role required")
		return
	}

	c, err := a.engine.WithdrawCopy(r.Context(), tenant, id)
	if err != nil {
		a.handleEngineError(w, r, tenant, err)
		return
	}

	a.audit(r, "circulation.copy.withdraw", map[string]any{"copy_id": c.ID})
	a.publish(stream.Event{Tenant: tenant, Kind: stream.KindCopyWithdrawn, CopyID: c.ID})
	writeJSON(w, http.StatusOK, c)
}

func (a *API) issue(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantFrom(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var req issueRequest
	if err := a.decodeValid(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	l, err := a.engine.Issue(r.Context(), tenant, circulation.IssueInput{
		CopyID:   req.CopyID,
		MemberID: req.MemberID,
		DueAt:    req.DueAt,
	})
	if err != nil {
		if errors.Is(err, circulation.ErrConflict) {
			obs.CountIssueConflict(tenant)
		}
		a.handleEngineError(w, r, tenant, err)
		return
	}

	obs.CountIssue(tenant)
	a.audit(r, "circulation.loan.issue", map[string]any{
		"loan_id":   l.ID,
		"copy_id":   l.CopyID,
		"member_id": l.MemberID,
		"due_at":    l.DueAt,
	})
	a.publish(stream.Event{Tenant: tenant, Kind: stream.KindLoanIssued, LoanID: l.ID, CopyID: l.CopyID, MemberID: l.MemberID})

	w.Header().Set("Location", "/v1/loans/"+l.ID)
	writeJSON(w, http.StatusCreated, l)
}

func (a *API) getLoan(w http.ResponseWriter, r *http.Request, id string) {
	tenant, err := tenantFrom(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	l, err := a.engine.GetLoan(r.Context(), tenant, id)
	if err != nil {
		a.handleEngineError(w, r, tenant, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (a *API) renew(w http.ResponseWriter, r *http.Request, id string) {
	tenant, err := tenantFrom(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	l, err := a.engine.Renew(r.Context(), tenant, id)
	if err != nil {
		a.handleEngineError(w, r, tenant, err)
		return
	}

	obs.CountRenewal(tenant)
	a.audit(r, "circulation.loan.renew", map[string]any{
		"loan_id":  l.ID,
		"due_at":   l.DueAt,
		"renewals": l.Renewals,
	})
	a.publish(stream.Event{Tenant: tenant, Kind: stream.KindLoanRenewed, LoanID: l.ID, CopyID: l.CopyID, MemberID: l.MemberID})
	writeJSON(w, http.StatusOK, l)
}

func (a *API) returnLoan(w http.ResponseWriter, r *http.Request, id string) {
	tenant, err := tenantFrom(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var req returnRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.engine.Return(r.Context(), tenant, circulation.ReturnInput{
		LoanID:    id,
		Condition: req.Condition,
		Remarks:   req.Remarks,
	})
	if err != nil {
		a.handleEngineError(w, r, tenant, err)
		return
	}

	obs.CountReturn(tenant, res.Loan.Overdue)
	fields := map[string]any{
		"loan_id":      res.Loan.ID,
		"copy_id":      res.Loan.CopyID,
		"member_id":    res.Loan.MemberID,
		"overdue_days": res.Loan.OverdueDays,
	}
	if res.Fine != nil {
		fields["fine_id"] = res.Fine.ID
		fields["fine_amount"] = res.Fine.Amount
		obs.CountFineAssessed(tenant, res.Fine.Amount)
	}
	a.audit(r, "circulation.loan.return", fields)
	a.publish(stream.Event{
		Tenant:   tenant,
		Kind:     stream.KindLoanReturned,
		LoanID:   res.Loan.ID,
		CopyID:   res.Loan.CopyID,
		MemberID: res.Loan.MemberID,
		Overdue:  res.Loan.Overdue,
	})
	if res.Fine != nil {
		a.publish(stream.Event{
			Tenant:   tenant,
			Kind:     stream.KindFineAssessed,
			FineID:   res.Fine.ID,
			LoanID:   res.Fine.LoanID,
			MemberID: res.Fine.MemberID,
			Amount:   res.Fine.Amount,
		})
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) syncMember(w http.ResponseWriter, r *http.Request, id string) {
	tenant, err := tenantFrom(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var req syncMemberRequest
	if err := a.decodeValid(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	m, err := a.engine.SyncMember(r.Context(), tenant, circulation.Member{
		ID:            id,
		Type:          policy.Normalize(req.Type),
		Active:        req.Active,
		Blocked:       req.Blocked,
		BlockedReason: req.BlockedReason,
	})
	if err != nil {
		a.handleEngineError(w, r, tenant, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) listOpenLoans(w http.ResponseWriter, r *http.Request, memberID string) {
	tenant, err := tenantFrom(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	loans, err := a.engine.ListOpenLoans(r.Context(), tenant, memberID)
	if err != nil {
		a.handleEngineError(w, r, tenant, err)
		return
	}
	if loans == nil {
		loans = []circulation.Loan{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": loans,
		"as_of": time.Now().UTC(),
	})
}

func (a *API) listFines(w http.ResponseWriter, r *http.Request, memberID string) {
	tenant, err := tenantFrom(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	fines, err := a.engine.ListFines(r.Context(), tenant, memberID)
	if err != nil {
		a.handleEngineError(w, r, tenant, err)
		return
	}
	if fines == nil {
		fines = []circulation.Fine{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": fines,
		"as_of": time.Now().UTC(),
	})
}

func (a *API) payFine(w http.ResponseWriter, r *http.Request, id string) {
	tenant, err := tenantFrom(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var req paymentRequest
	if err := a.decodeValid(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	f, err := a.engine.PayFine(r.Context(), tenant, id, req.Amount)
	if err != nil {
		a.handleEngineError(w, r, tenant, err)
		return
	}

	a.audit(r, "circulation.fine.payment", map[string]any{
		"fine_id": f.ID,
		"amount":  req.Amount,
		"balance": f.Balance,
		"status":  f.Status,
	})
	if f.Status == circulation.FinePaid {
		obs.CountFineSettled(tenant, "paid")
		a.publish(stream.Event{Tenant: tenant, Kind: stream.KindFinePaid, FineID: f.ID, MemberID: f.MemberID, Amount: f.Amount})
	}
	writeJSON(w, http.StatusOK, f)
}

func (a *API) waiveFine(w http.ResponseWriter, r *http.Request, id string) {
	tenant, err := tenantFrom(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := requireLibrarian(r); err != nil {
		writeError(w, r, http.StatusForbidden, "librarian role required")
		return
	}
	var req waiveRequest
	if err := a.decodeValid(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	f, err := a.engine.WaiveFine(r.Context(), tenant, id, req.Reason)
	if err != nil {
		a.handleEngineError(w, r, tenant, err)
		return
	}

	a.audit(r, "circulation.fine.waive", map[string]any{
		"fine_id": f.ID,
		"reason":  req.Reason,
	})
	obs.CountFineSettled(tenant, "waived")
	a.publish(stream.Event{Tenant: tenant, Kind: stream.KindFineWaived, FineID: f.ID, MemberID: f.MemberID, Amount: f.Amount})
	writeJSON(w, http.StatusOK, f)
}

// --- shared plumbing ---

func (a *API) audit(r *http.Request, event string, fields map[string]any) {
	_ = audit.LogEvent(r.Context(), event, fields)
}

func (a *API) publish(evt stream.Event) {
	if a.stream == nil {
		return
	}
	a.stream.Publish(evt)
}

func (a *API) handleEngineError(w http.ResponseWriter, r *http.Request, tenant string, err error) {
	switch {
	case errors.Is(err, circulation.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, circulation.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, circulation.ErrConflict),
		errors.Is(err, circulation.ErrAlreadyClosed),
		errors.Is(err, circulation.ErrNotLoanable),
		errors.Is(err, circulation.ErrWithdrawn),
		errors.Is(err, circulation.ErrOverPayment),
		errors.Is(err, circulation.ErrFineSettled):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, circulation.ErrMemberBlocked),
		errors.Is(err, circulation.ErrMemberInactive),
		errors.Is(err, circulation.ErrLimitExceeded),
		errors.Is(err, circulation.ErrRenewalLimit):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
