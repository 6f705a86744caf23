package handlers

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/realisonsdotcom/execution-core/internal/audit"
	"github.com/realisonsdotcom/execution-core/internal/vault"
)

func TestStoreCredentialCreated(t *testing.T) {
	fv := &fakeVault{}
	engine := newTestHandler(&fakeRouter{}, fv, &fakeAudit{}, nil)

	body := map[string]any{
		"account_id": "acct-1",
		"broker_id":  "paper",
		"fields":     map[string]string{"api_key": "k", "api_secret": "s"},
	}
	resp := doRequest(engine, http.MethodPost, "/credentials", makeToken(t, "acct-1", "can.trade"), body)
	if resp.Code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", resp.Code, resp.Body.String())
	}
	if fv.last["api_key"] != "k" {
		t.Fatalf("vault saw %+v", fv.last)
	}
	// The plaintext fields must not be echoed back.
	var out map[string]any
	_ = json.Unmarshal(resp.Body.Bytes(), &out)
	if _, ok := out["fields"]; ok {
		t.Fatal("response echoed credential fields")
	}
	if out["status"] != "stored" {
		t.Fatalf("unexpected body %+v", out)
	}
}

func TestStoreCredentialErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
		code string
	}{
		{"unknown broker", vault.ErrUnknownBroker, http.StatusNotFound, "BROKER_NOT_FOUND"},
		{"bad shape", vault.ErrInvalidCredentialFormat, http.StatusBadRequest, "VALIDATION_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fv := &fakeVault{err: tc.err}
			engine := newTestHandler(&fakeRouter{}, fv, &fakeAudit{}, nil)
			body := map[string]any{
				"account_id": "acct-1",
				"broker_id":  "nope",
				"fields":     map[string]string{"api_key": "k"},
			}
			resp := doRequest(engine, http.MethodPost, "/credentials", makeToken(t, "acct-1", "can.trade"), body)
			if resp.Code != tc.want {
				t.Fatalf("status = %d, want %d", resp.Code, tc.want)
			}
			var out errorResponse
			_ = json.Unmarshal(resp.Body.Bytes(), &out)
			if out.Code != tc.code {
				t.Fatalf("code = %s, want %s", out.Code, tc.code)
			}
		})
	}
}

func TestStoreCredentialForeignAccountForbidden(t *testing.T) {
	engine := newTestHandler(&fakeRouter{}, &fakeVault{}, &fakeAudit{}, nil)
	body := map[string]any{
		"account_id": "acct-other",
		"broker_id":  "paper",
		"fields":     map[string]string{"api_key": "k"},
	}
	resp := doRequest(engine, http.MethodPost, "/credentials", makeToken(t, "acct-1", "can.trade"), body)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("status = %d", resp.Code)
	}
}

func TestQueryAuditScoping(t *testing.T) {
	fa := &fakeAudit{entries: []audit.Entry{{
		ID:        uuid.New(),
		OrderID:   "ord-1",
		AccountID: "acct-1",
		BrokerID:  "paper",
		Event:     audit.EventOrderReceived,
		Actor:     "user-1",
		CreatedAt: time.Now().UTC(),
	}}}
	fr := &fakeRouter{state: acceptedState("ord-1")}
	engine := newTestHandler(fr, &fakeVault{}, fa, nil)

	resp := doRequest(engine, http.MethodGet, "/audit?order_id=ord-1", makeToken(t, "acct-1", "can.trade"), nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("owner query: %d", resp.Code)
	}
	var out struct {
		Entries []map[string]any `json:"entries"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Entries) != 1 || out.Entries[0]["order_id"] != "ord-1" {
		t.Fatalf("unexpected entries %+v", out.Entries)
	}

	// The order belongs to acct-1; a different principal needs the
	// elevated capability even when querying by order id.
	resp = doRequest(engine, http.MethodGet, "/audit?order_id=ord-1", makeToken(t, "acct-2", "can.trade"), nil)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("foreign query: %d", resp.Code)
	}
	resp = doRequest(engine, http.MethodGet, "/audit?order_id=ord-1", makeToken(t, "acct-2", "can.trade", "can.manage_accounts"), nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("elevated query: %d", resp.Code)
	}
}
