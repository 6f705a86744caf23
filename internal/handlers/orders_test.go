package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"

	"github.com/realisonsdotcom/execution-core/internal/audit"
	"github.com/realisonsdotcom/execution-core/internal/entitlement"
	"github.com/realisonsdotcom/execution-core/internal/rate"
	"github.com/realisonsdotcom/execution-core/internal/router"
	"github.com/realisonsdotcom/execution-core/internal/storage"
	"github.com/realisonsdotcom/execution-core/internal/validation"
	"github.com/realisonsdotcom/execution-core/internal/vault"
	"github.com/realisonsdotcom/execution-core/libs/auth"
)

var testSecret = []byte("test-secret")

type fakeRouter struct {
	state   *storage.OrderState
	created bool
	err     error

	cancelState *storage.OrderState
	cancelErr   error

	lastSubmit *router.SubmitRequest
}

func (f *fakeRouter) Submit(_ context.Context, _ auth.Principal, req router.SubmitRequest) (*storage.OrderState, bool, error) {
	f.lastSubmit = &req
	return f.state, f.created, f.err
}

func (f *fakeRouter) Cancel(_ context.Context, _ auth.Principal, _ string) (*storage.OrderState, error) {
	return f.cancelState, f.cancelErr
}

func (f *fakeRouter) GetOrder(_ context.Context, _ string) (*storage.OrderState, error) {
	if f.state == nil {
		return nil, storage.ErrNotFound
	}
	return f.state, nil
}

func (f *fakeRouter) ListOrders(_ context.Context, _ string, _ storage.OrderFilter) ([]storage.OrderState, string, error) {
	if f.state == nil {
		return nil, "", nil
	}
	return []storage.OrderState{*f.state}, "next", nil
}

type fakeVault struct {
	err  error
	last vault.Payload
}

func (f *fakeVault) Store(_ context.Context, _, _, _ string, payload vault.Payload) error {
	f.last = payload
	return f.err
}

type fakeAudit struct {
	entries []audit.Entry
}

func (f *fakeAudit) Query(_ context.Context, _ audit.Filter) ([]audit.Entry, error) {
	return f.entries, nil
}

func newTestHandler(fr *fakeRouter, fv *fakeVault, fa *fakeAudit, limiter rate.Limiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	h := New(fr, fv, fa, entitlement.NewGate(entitlement.Capabilities{}), limiter, slog.Default())
	h.Register(engine, testSecret)
	return engine
}

func makeToken(t *testing.T, accountID string, caps ...string) string {
	t.Helper()
	claims := auth.Claims{
		AccountID:    accountID,
		Capabilities: caps,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func doRequest(engine *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	engine.ServeHTTP(resp, req)
	return resp
}

func acceptedState(orderID string) *storage.OrderState {
	now := time.Now().UTC()
	return &storage.OrderState{
		OrderID:        orderID,
		AccountID:      "acct-1",
		BrokerID:       "paper",
		Instrument:     "AAPL",
		Side:           "buy",
		Type:           "market",
		Quantity:       decimal.NewFromInt(10),
		FilledQuantity: decimal.Zero,
		TimeInForce:    "DAY",
		Status:         storage.OrderStatusCredentialsResolved,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func submitBody(orderID string) map[string]string {
	return map[string]string{
		"order_id":   orderID,
		"account_id": "acct-1",
		"broker_id":  "paper",
		"instrument": "AAPL",
		"side":       "buy",
		"order_type": "market",
		"quantity":   "10",
	}
}

func TestSubmitOrderRequiresToken(t *testing.T) {
	engine := newTestHandler(&fakeRouter{}, &fakeVault{}, &fakeAudit{}, nil)
	resp := doRequest(engine, http.MethodPost, "/orders", "", submitBody("ord-1"))
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.Code)
	}
}

func TestSubmitOrderAccepted(t *testing.T) {
	fr := &fakeRouter{state: acceptedState("ord-1"), created: true}
	engine := newTestHandler(fr, &fakeVault{}, &fakeAudit{}, nil)
	token := makeToken(t, "acct-1", "can.trade")

	resp := doRequest(engine, http.MethodPost, "/orders", token, submitBody("ord-1"))
	if resp.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", resp.Code, resp.Body.String())
	}
	var body orderResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.OrderID != "ord-1" || body.Status != storage.OrderStatusCredentialsResolved {
		t.Fatalf("unexpected body %+v", body)
	}
	if fr.lastSubmit == nil || fr.lastSubmit.BrokerID != "paper" {
		t.Fatalf("router saw %+v", fr.lastSubmit)
	}
}

func TestSubmitOrderDuplicateIs409(t *testing.T) {
	existing := acceptedState("ord-dup")
	existing.Status = storage.OrderStatusAcknowledged
	fr := &fakeRouter{state: existing, created: false}
	engine := newTestHandler(fr, &fakeVault{}, &fakeAudit{}, nil)

	resp := doRequest(engine, http.MethodPost, "/orders", makeToken(t, "acct-1", "can.trade"), submitBody("ord-dup"))
	if resp.Code != http.StatusConflict {
		t.Fatalf("status = %d", resp.Code)
	}
	var body orderResponse
	_ = json.Unmarshal(resp.Body.Bytes(), &body)
	if body.Status != storage.OrderStatusAcknowledged {
		t.Fatalf("conflict body should carry existing status, got %+v", body)
	}
}

func TestSubmitOrderStatusMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
		code string
	}{
		{"validation", validation.ValidationErrors{{Field: "quantity", Message: "must be positive"}}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"forbidden", &router.ForbiddenError{Reason: "missing capability"}, http.StatusForbidden, "FORBIDDEN"},
		{"no credential", vault.ErrCredentialNotFound, http.StatusNotFound, "CREDENTIAL_NOT_FOUND"},
		{"decrypt failed", vault.ErrDecryptionFailed, http.StatusNotFound, "CREDENTIAL_NOT_FOUND"},
		{"unknown broker", router.ErrUnknownBroker, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"saturated", router.ErrQueueSaturated, http.StatusBadGateway, "DISPATCH_UNAVAILABLE"},
		{"internal", errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fr := &fakeRouter{err: tc.err}
			engine := newTestHandler(fr, &fakeVault{}, &fakeAudit{}, nil)
			resp := doRequest(engine, http.MethodPost, "/orders", makeToken(t, "acct-1", "can.trade"), submitBody("ord-x"))
			if resp.Code != tc.want {
				t.Fatalf("status = %d, want %d", resp.Code, tc.want)
			}
			var body errorResponse
			_ = json.Unmarshal(resp.Body.Bytes(), &body)
			if body.Code != tc.code {
				t.Fatalf("code = %s, want %s", body.Code, tc.code)
			}
		})
	}
}

func TestSubmitOrderRateLimited(t *testing.T) {
	limiter := rate.NewMemory(1, time.Minute)
	fr := &fakeRouter{state: acceptedState("ord-rl"), created: true}
	engine := newTestHandler(fr, &fakeVault{}, &fakeAudit{}, limiter)
	token := makeToken(t, "acct-1", "can.trade")

	if resp := doRequest(engine, http.MethodPost, "/orders", token, submitBody("ord-rl")); resp.Code != http.StatusAccepted {
		t.Fatalf("first submit: %d", resp.Code)
	}
	resp := doRequest(engine, http.MethodPost, "/orders", token, submitBody("ord-rl2"))
	if resp.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", resp.Code)
	}
	if resp.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestGetOrderScoping(t *testing.T) {
	fr := &fakeRouter{state: acceptedState("ord-1")}
	engine := newTestHandler(fr, &fakeVault{}, &fakeAudit{}, nil)

	resp := doRequest(engine, http.MethodGet, "/orders/ord-1", makeToken(t, "acct-1", "can.trade"), nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("owner read: %d", resp.Code)
	}
	// Foreign principal without elevation is refused.
	resp = doRequest(engine, http.MethodGet, "/orders/ord-1", makeToken(t, "acct-2", "can.trade"), nil)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("foreign read: %d", resp.Code)
	}
	// Elevated principal may read.
	resp = doRequest(engine, http.MethodGet, "/orders/ord-1", makeToken(t, "acct-2", "can.trade", "can.manage_accounts"), nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("elevated read: %d", resp.Code)
	}
}

func TestGetOrderNotFound(t *testing.T) {
	engine := newTestHandler(&fakeRouter{}, &fakeVault{}, &fakeAudit{}, nil)
	resp := doRequest(engine, http.MethodGet, "/orders/missing", makeToken(t, "acct-1", "can.trade"), nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("status = %d", resp.Code)
	}
}

func TestCancelOrderMapping(t *testing.T) {
	cancelled := acceptedState("ord-1")
	cancelled.Status = storage.OrderStatusCancelled

	cases := []struct {
		name  string
		state *storage.OrderState
		err   error
		want  int
	}{
		{"ok", cancelled, nil, http.StatusOK},
		{"not found", nil, storage.ErrNotFound, http.StatusNotFound},
		{"too late", nil, router.ErrCancelTooLate, http.StatusConflict},
		{"terminal", nil, storage.ErrInvalidStatus, http.StatusConflict},
		{"forbidden", nil, &router.ForbiddenError{Reason: "nope"}, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fr := &fakeRouter{cancelState: tc.state, cancelErr: tc.err}
			engine := newTestHandler(fr, &fakeVault{}, &fakeAudit{}, nil)
			resp := doRequest(engine, http.MethodDelete, "/orders/ord-1", makeToken(t, "acct-1", "can.trade"), nil)
			if resp.Code != tc.want {
				t.Fatalf("status = %d, want %d", resp.Code, tc.want)
			}
		})
	}
}

func TestListOrders(t *testing.T) {
	fr := &fakeRouter{state: acceptedState("ord-1")}
	engine := newTestHandler(fr, &fakeVault{}, &fakeAudit{}, nil)

	resp := doRequest(engine, http.MethodGet, "/orders?limit=10", makeToken(t, "acct-1", "can.trade"), nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d", resp.Code)
	}
	var body listOrdersResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Orders) != 1 || body.NextCursor != "next" {
		t.Fatalf("unexpected body %+v", body)
	}

	if resp := doRequest(engine, http.MethodGet, "/orders?limit=abc", makeToken(t, "acct-1", "can.trade"), nil); resp.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: %d", resp.Code)
	}
}
