// Command smoke-circ runs a quick end-to-end circulation pass against a
// running circdesk-api: sync a member, accession a copy, issue it, return it
// and check the copy is back on the shelf. Intended for dev environments with
// auth disabled.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"time"
)

func main() {
	base := os.Getenv("CIRCDESK_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	tenant := os.Getenv("CIRCDESK_SMOKE_TENANT")
	if tenant == "" {
		tenant = "smoke"
	}

	client := &http.Client{Timeout: 5 * time.Second}
	memberID := fmt.Sprintf("smoke-member-%d", rand.Int())

	var member map[string]any
	call(client, http.MethodPut, base+"/v1/members/"+memberID, tenant, map[string]any{
		"type":   "student",
		"active": true,
	}, &member)

	var copyRec map[string]any
	call(client, http.MethodPost, base+"/v1/copies", tenant, map[string]any{
		"title_id": fmt.Sprintf("smoke-title-%d", rand.Int()),
	}, &copyRec)
	copyID := copyRec["id"].(string)

	var loan map[string]any
	call(client, http.MethodPost, base+"/v1/loans", tenant, map[string]any{
		"copy_id":   copyID,
		"member_id": memberID,
	}, &loan)
	loanID := loan["id"].(string)

	var result map[string]any
	call(client, http.MethodPost, base+"/v1/loans/"+loanID+"/return", tenant, nil, &result)
	if fine, ok := result["fine"]; ok && fine != nil {
		log.Fatalf("on-time return produced a fine: %v", fine)
	}

	var after map[string]any
	call(client, http.MethodGet, base+"/v1/copies/"+copyID, tenant, nil, &after)
	if after["status"] != "available" {
		log.Fatalf("copy not back on shelf: %v", after["status"])
	}

	fmt.Printf("✅ circdesk smoke test passed: copy=%s loan=%s\n", copyID, loanID)
}

func call(client *http.Client, method, url, tenant string, body any, out any) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			log.Fatalf("marshal %s %s: %v", method, url, err)
		}
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("build %s %s: %v", method, url, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Tenant-ID", tenant)

	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var errBody map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		log.Fatalf("%s %s: status %d: %v", method, url, resp.StatusCode, errBody["error"])
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
}
