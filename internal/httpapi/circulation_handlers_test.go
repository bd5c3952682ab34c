package httpapi

import (
	"net/http"
	"testing"

	"circdesk.org/internal/auth"
)

func seedMember(t *testing.T, api *apiClient, headers map[string]string, id, memberType string) {
	t.Helper()
	resp := api.put("/v1/members/"+id, map[string]any{
		"type":   memberType,
		"active": true,
	}, headers)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sync member status: %d", resp.StatusCode)
	}
}

func seedCopy(t *testing.T, api *apiClient, headers map[string]string) string {
	t.Helper()
	resp := api.post("/v1/copies", map[string]any{"title_id": "t1"}, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register copy status: %d", resp.StatusCode)
	}
	c := decode[map[string]any](t, resp)
	return c["id"].(string)
}

func TestAPICirculationFlow(t *testing.T) {
	api := newTestAPI(t)
	headers := api.authHeader("desk", "school-a", auth.RoleLibrarian)

	seedMember(t, api, headers, "m1", "student")
	copyID := seedCopy(t, api, headers)

	// Issue.
	resp := api.post("/v1/loans", map[string]any{
		"copy_id":   copyID,
		"member_id": "m1",
	}, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("issue status: %d", resp.StatusCode)
	}
	loan := decode[map[string]any](t, resp)
	loanID := loan["id"].(string)
	if resp.Header.Get("Location") == "" {
		t.Fatalf("missing Location header on issue")
	}

	// Renew once, restarting the clock from now.
	resp = api.post("/v1/loans/"+loanID+"/renew", nil, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("renew status: %d", resp.StatusCode)
	}
	renewed := decode[map[string]any](t, resp)
	if renewed["renewals"].(float64) != 1 {
		t.Fatalf("unexpected renewal count: %v", renewed["renewals"])
	}

	// Student renewal limit is one.
	resp = api.post("/v1/loans/"+loanID+"/renew", nil, headers)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("second renew status: %d", resp.StatusCode)
	}

	// Student policy: 14 loan days, fine one unit per late day. Twenty days
	// after the renewal the loan is six days overdue.
	api.clock.AdvanceDays(20)
	resp = api.post("/v1/loans/"+loanID+"/return", nil, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("return status: %d", resp.StatusCode)
	}
	result := decode[map[string]any](t, resp)
	fine, ok := result["fine"].(map[string]any)
	if !ok {
		t.Fatalf("expected a fine on overdue return: %v", result)
	}
	if fine["amount"].(float64) != 6 {
		t.Fatalf("unexpected fine amount: %v", fine["amount"])
	}
	fineID := fine["id"].(string)

	// Returning again conflicts.
	resp = api.post("/v1/loans/"+loanID+"/return", nil, headers)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double return status: %d", resp.StatusCode)
	}

	// The copy is back on the shelf.
	resp = api.get("/v1/copies/"+copyID, nil, headers)
	c := decode[map[string]any](t, resp)
	if c["status"] != "available" {
		t.Fatalf("copy status after return: %v", c["status"])
	}

	// Pay the fine in two installments.
	resp = api.post("/v1/fines/"+fineID+"/payments", map[string]any{"amount": 4}, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("payment status: %d", resp.StatusCode)
	}
	partial := decode[map[string]any](t, resp)
	if partial["balance"].(float64) != 2 || partial["status"] != "pending" {
		t.Fatalf("after partial payment: balance=%v status=%v", partial["balance"], partial["status"])
	}

	resp = api.post("/v1/fines/"+fineID+"/payments", map[string]any{"amount": 2}, headers)
	settled := decode[map[string]any](t, resp)
	if settled["balance"].(float64) != 0 || settled["status"] != "paid" {
		t.Fatalf("after settlement: balance=%v status=%v", settled["balance"], settled["status"])
	}

	// Overpaying a settled fine conflicts.
	resp = api.post("/v1/fines/"+fineID+"/payments", map[string]any{"amount": 1}, headers)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("payment on settled fine status: %d", resp.StatusCode)
	}

	// Dashboard reflects the settled state.
	resp = api.get("/v1/stats", nil, headers)
	stats := decode[map[string]any](t, resp)
	if stats["open_loans"].(float64) != 0 || stats["pending_fines"].(float64) != 0 {
		t.Fatalf("unexpected stats: %v", stats)
	}
	if stats["copies_available"].(float64) != 1 {
		t.Fatalf("unexpected available copies: %v", stats["copies_available"])
	}
}

func TestAPIIssueConflicts(t *testing.T) {
	api := newTestAPI(t)
	headers := api.authHeader("desk", "school-a", auth.RoleLibrarian)

	seedMember(t, api, headers, "m1", "student")
	seedMember(t, api, headers, "m2", "student")
	copyID := seedCopy(t, api, headers)

	resp := api.post("/v1/loans", map[string]any{"copy_id": copyID, "member_id": "m1"}, headers)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("issue status: %d", resp.StatusCode)
	}

	resp = api.post("/v1/loans", map[string]any{"copy_id": copyID, "member_id": "m2"}, headers)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second issue status: %d", resp.StatusCode)
	}
}

func TestAPIBlockedMemberRejected(t *testing.T) {
	api := newTestAPI(t)
	headers := api.authHeader("desk", "school-a", auth.RoleLibrarian)

	resp := api.put("/v1/members/m1", map[string]any{
		"type":           "student",
		"active":         true,
		"blocked":        true,
		"blocked_reason": "unpaid dues",
	}, headers)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sync member status: %d", resp.StatusCode)
	}
	copyID := seedCopy(t, api, headers)

	resp = api.post("/v1/loans", map[string]any{"copy_id": copyID, "member_id": "m1"}, headers)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("issue to blocked member status: %d", resp.StatusCode)
	}
}

func TestAPIWithdrawRequiresLibrarian(t *testing.T) {
	api := newTestAPI(t)
	librarian := api.authHeader("desk", "school-a", auth.RoleLibrarian)
	clerk := api.authHeader("clerk", "school-a")

	copyID := seedCopy(t, api, librarian)

	resp := api.post("/v1/copies/"+copyID+"/withdraw", nil, clerk)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("withdraw without role status: %d", resp.StatusCode)
	}

	resp = api.post("/v1/copies/"+copyID+"/withdraw", nil, librarian)
	withdrawn := decode[map[string]any](t, resp)
	if withdrawn["status"] != "withdrawn" {
		t.Fatalf("copy status after withdraw: %v", withdrawn["status"])
	}

	// Withdrawn is terminal.
	resp = api.post("/v1/copies/"+copyID+"/withdraw", nil, librarian)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double withdraw status: %d", resp.StatusCode)
	}
}

func TestAPIWaiveRequiresLibrarian(t *testing.T) {
	api := newTestAPI(t)
	librarian := api.authHeader("desk", "school-a", auth.RoleLibrarian)
	clerk := api.authHeader("clerk", "school-a")

	seedMember(t, api, librarian, "m1", "student")
	copyID := seedCopy(t, api, librarian)

	resp := api.post("/v1/loans", map[string]any{"copy_id": copyID, "member_id": "m1"}, librarian)
	loan := decode[map[string]any](t, resp)
	loanID := loan["id"].(string)

	api.clock.AdvanceDays(16)
	resp = api.post("/v1/loans/"+loanID+"/return", nil, librarian)
	result := decode[map[string]any](t, resp)
	fineID := result["fine"].(map[string]any)["id"].(string)

	resp = api.post("/v1/fines/"+fineID+"/waive", map[string]any{"reason": "grace period"}, clerk)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("waive without role status: %d", resp.StatusCode)
	}

	resp = api.post("/v1/fines/"+fineID+"/waive", map[string]any{"reason": "grace period"}, librarian)
	waived := decode[map[string]any](t, resp)
	if waived["status"] != "waived" || waived["balance"].(float64) != 0 {
		t.Fatalf("after waive: status=%v balance=%v", waived["status"], waived["balance"])
	}
}

func TestAPITenantIsolation(t *testing.T) {
	api := newTestAPI(t)
	schoolA := api.authHeader("desk-a", "school-a", auth.RoleLibrarian)
	schoolB := api.authHeader("desk-b", "school-b", auth.RoleLibrarian)

	copyID := seedCopy(t, api, schoolA)

	resp := api.get("/v1/copies/"+copyID, nil, schoolB)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cross-tenant read status: %d", resp.StatusCode)
	}
}

func TestAPIMemberProjections(t *testing.T) {
	api := newTestAPI(t)
	headers := api.authHeader("desk", "school-a", auth.RoleLibrarian)

	seedMember(t, api, headers, "m1", "staff")
	c1 := seedCopy(t, api, headers)
	c2 := seedCopy(t, api, headers)

	for _, id := range []string{c1, c2} {
		resp := api.post("/v1/loans", map[string]any{"copy_id": id, "member_id": "m1"}, headers)
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("issue status: %d", resp.StatusCode)
		}
	}

	resp := api.get("/v1/members/m1/loans", nil, headers)
	loans := decode[map[string]any](t, resp)
	if len(loans["items"].([]any)) != 2 {
		t.Fatalf("unexpected open loan count: %v", loans["items"])
	}

	resp = api.get("/v1/members/m1/fines", nil, headers)
	fines := decode[map[string]any](t, resp)
	if len(fines["items"].([]any)) != 0 {
		t.Fatalf("expected no fines: %v", fines["items"])
	}
}

func TestAPIPoliciesReportEffectiveRules(t *testing.T) {
	api := newTestAPI(t)
	headers := api.authHeader("desk", "school-a")

	resp := api.get("/v1/policies", nil, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("policies status: %d", resp.StatusCode)
	}
	rules := decode[map[string]map[string]any](t, resp)

	student, ok := rules["student"]
	if !ok {
		t.Fatalf("missing student rules: %v", rules)
	}
	if student["max_books"].(float64) != 2 || student["loan_days"].(float64) != 14 {
		t.Fatalf("unexpected student rules: %v", student)
	}
	staff, ok := rules["staff"]
	if !ok {
		t.Fatalf("missing staff rules: %v", rules)
	}
	if staff["fine_per_day"].(float64) != 0 {
		t.Fatalf("unexpected staff rules: %v", staff)
	}
}

func TestAPIRegisterCopyValidation(t *testing.T) {
	api := newTestAPI(t)
	headers := api.authHeader("desk", "school-a")

	resp := api.post("/v1/copies", map[string]any{"rack_id": "r1"}, headers)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("register without title status: %d", resp.StatusCode)
	}
}
