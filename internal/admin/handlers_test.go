package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/ksred/p2p-bridge/internal/accounts"
	"github.com/ksred/p2p-bridge/internal/apperr"
	"github.com/ksred/p2p-bridge/internal/auth"
	"github.com/ksred/p2p-bridge/internal/orchestrator"
	"github.com/ksred/p2p-bridge/internal/pool"
	"github.com/ksred/p2p-bridge/internal/receipt"
	"github.com/ksred/p2p-bridge/pkg/middleware"
	"github.com/ksred/p2p-bridge/pkg/response"
	"github.com/shopspring/decimal"
)

const testSecret = "test-jwt-secret"

type fakeEngine struct {
	mu       sync.Mutex
	orders   map[string]*pool.TradeOrder
	receipts map[string]receipt.Submission
	auto     bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		orders: map[string]*pool.TradeOrder{
			"ord_review": {OrderID: "ord_review", ExternalTxID: "TX1", Status: pool.StatusManualReview, FiatAmount: decimal.NewFromInt(30000)},
			"ord_done":   {OrderID: "ord_done", ExternalTxID: "TX2", Status: pool.StatusCompleted},
		},
		receipts: make(map[string]receipt.Submission),
		auto:     true,
	}
}

func (f *fakeEngine) lookup(id string) (*pool.TradeOrder, error) {
	o, ok := f.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, apperr.ErrNotFound)
	}
	return o, nil
}

func (f *fakeEngine) GetActiveOrders(context.Context) ([]pool.TradeOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []pool.TradeOrder
	for _, o := range f.orders {
		if !o.Status.Terminal() {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *fakeEngine) GetOrder(_ context.Context, id string) (*pool.StagedOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, err := f.lookup(id)
	if err != nil {
		return nil, err
	}
	return &pool.StagedOrder{Order: *o}, nil
}

func (f *fakeEngine) ApproveOrder(_ context.Context, id string) (*pool.TradeOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, err := f.lookup(id)
	if err != nil {
		return nil, err
	}
	if o.Status == pool.StatusCompleted {
		return nil, fmt.Errorf("%w: order %s is completed", apperr.ErrInvalidTransition, id)
	}
	o.Status = pool.StatusCompleted
	return o, nil
}

func (f *fakeEngine) RejectOrder(_ context.Context, id, reason string) (*pool.TradeOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, err := f.lookup(id)
	if err != nil {
		return nil, err
	}
	o.Status = pool.StatusCancelled
	return o, nil
}

func (f *fakeEngine) SubmitReceipt(_ context.Context, id string, sub receipt.Submission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.lookup(id); err != nil {
		return err
	}
	if sub.Receipt == nil && sub.Path == "" {
		return apperr.Validation("submission needs a receipt or a file path")
	}
	f.receipts[id] = sub
	return nil
}

func (f *fakeEngine) SetAutoMode(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auto = enabled
}

func (f *fakeEngine) AutoMode() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.auto
}

func (f *fakeEngine) SystemStatus(context.Context) (*orchestrator.SystemStatus, error) {
	return &orchestrator.SystemStatus{
		Running:  true,
		AutoMode: f.AutoMode(),
		Stages:   map[pool.Stage]int{pool.StageActive: 2},
		Accounts: &accounts.Stats{AccountsB: 2, ActiveAds: 2, TotalAdCapacity: 8},
	}, nil
}

type fakeAccounts struct {
	suspended map[string]bool
}

func (f *fakeAccounts) ListAccountsA(context.Context) ([]accounts.AccountA, error) {
	return []accounts.AccountA{{AccountID: "a1", Login: "gate-1", CredentialRef: "env:GATE_PASSWORD"}}, nil
}

func (f *fakeAccounts) ListAccountsB(context.Context) ([]accounts.AccountB, error) {
	return []accounts.AccountB{{AccountID: "b1", Name: "AccountB1", APIKey: "key", APISecret: "very-secret"}}, nil
}

func (f *fakeAccounts) Suspend(_ context.Context, id string) error {
	if id != "b1" {
		return fmt.Errorf("account %s: %w", id, apperr.ErrNotFound)
	}
	f.suspended[id] = true
	return nil
}

func (f *fakeAccounts) Resume(_ context.Context, id string) error {
	delete(f.suspended, id)
	return nil
}

type fakeBalances struct {
	set map[string]decimal.Decimal
}

func (f *fakeBalances) SetBalance(_ context.Context, id string, amount decimal.Decimal) error {
	f.set[id] = amount
	return nil
}

type testServer struct {
	router   *gin.Engine
	engine   *fakeEngine
	accounts *fakeAccounts
	balances *fakeBalances
	token    string
}

func newTestServer(t *testing.T, limiter *middleware.RateLimiter) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	authService := auth.NewService(testSecret, "operator", "operator-secret")
	s := &testServer{
		engine:   newFakeEngine(),
		accounts: &fakeAccounts{suspended: make(map[string]bool)},
		balances: &fakeBalances{set: make(map[string]decimal.Decimal)},
	}
	s.router = NewRouter(authService, NewGinHandlers(s.engine, s.accounts, s.balances), testSecret, limiter)

	tok, err := authService.GenerateToken(auth.Credentials{APIKey: "operator", APISecret: "operator-secret"})
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	s.token = tok.Token
	return s
}

func (s *testServer) do(method, path, body string, authed bool) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) response.Response {
	t.Helper()
	var resp response.Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
	return resp
}

func TestRoutes(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		path     string
		body     string
		authed   bool
		wantCode int
		wantErr  string
	}{
		{"health is public", http.MethodGet, "/api/v1/health", "", false, http.StatusOK, ""},
		{"status needs token", http.MethodGet, "/api/v1/status", "", false, http.StatusUnauthorized, response.ErrCodeUnauthorized},
		{"status", http.MethodGet, "/api/v1/status", "", true, http.StatusOK, ""},
		{"list orders", http.MethodGet, "/api/v1/orders", "", true, http.StatusOK, ""},
		{"missing order", http.MethodGet, "/api/v1/orders/ord_nope", "", true, http.StatusNotFound, response.ErrCodeNotFound},
		{"approve review", http.MethodPost, "/api/v1/orders/ord_review/approve", "", true, http.StatusCreated, ""},
		{"approve completed", http.MethodPost, "/api/v1/orders/ord_done/approve", "", true, http.StatusConflict, response.ErrCodeInvalidTransition},
		{"reject with reason", http.MethodPost, "/api/v1/orders/ord_review/reject", `{"reason":"fraud"}`, true, http.StatusCreated, ""},
		{"empty receipt", http.MethodPost, "/api/v1/orders/ord_review/receipt", `{}`, true, http.StatusBadRequest, response.ErrCodeValidationFailed},
		{"auto mode needs enabled", http.MethodPut, "/api/v1/auto-mode", `{}`, true, http.StatusBadRequest, response.ErrCodeBadRequest},
		{"suspend unknown", http.MethodPost, "/api/v1/accounts/bybit/b9/suspend", "", true, http.StatusNotFound, response.ErrCodeNotFound},
		{"negative balance", http.MethodPut, "/api/v1/accounts/gate/a1/balance", `{"amount":"-5"}`, true, http.StatusBadRequest, response.ErrCodeBadRequest},
		{"bad credentials", http.MethodPost, "/api/v1/auth/token", `{"api_key":"operator","api_secret":"wrong"}`, false, http.StatusUnauthorized, response.ErrCodeUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, nil)
			w := s.do(tt.method, tt.path, tt.body, tt.authed)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d, body %s", w.Code, tt.wantCode, w.Body.String())
			}
			resp := decode(t, w)
			if tt.wantErr == "" {
				if !resp.Success {
					t.Errorf("success = false, error %+v", resp.Error)
				}
				return
			}
			if resp.Error == nil || resp.Error.Code != tt.wantErr {
				t.Errorf("error = %+v, want code %s", resp.Error, tt.wantErr)
			}
		})
	}
}

func TestSubmitReceiptAndAutoMode(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodPost, "/api/v1/orders/ord_review/receipt", `{"amount":"30000","bank_name":"T-Bank"}`, true)
	if w.Code != http.StatusCreated {
		t.Fatalf("receipt status = %d, body %s", w.Code, w.Body.String())
	}
	sub := s.engine.receipts["ord_review"]
	if sub.Receipt == nil || !sub.Receipt.Amount.Equal(decimal.NewFromInt(30000)) || sub.Receipt.BankName != "T-Bank" {
		t.Errorf("submission = %+v", sub)
	}

	w = s.do(http.MethodPut, "/api/v1/auto-mode", `{"enabled":false}`, true)
	if w.Code != http.StatusOK {
		t.Fatalf("auto mode status = %d, body %s", w.Code, w.Body.String())
	}
	if s.engine.AutoMode() {
		t.Error("auto mode still on")
	}
}

func TestListAccountsHidesSecrets(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodGet, "/api/v1/accounts", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	for _, secret := range []string{"very-secret", "env:GATE_PASSWORD"} {
		if bytes.Contains([]byte(body), []byte(secret)) {
			t.Errorf("response leaks %q: %s", secret, body)
		}
	}
}

func TestSetBalance(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodPut, "/api/v1/accounts/gate/a1/balance", `{"amount":"250000"}`, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if got := s.balances.set["a1"]; !got.Equal(decimal.NewFromInt(250000)) {
		t.Errorf("balance = %s", got)
	}
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, middleware.NewRateLimiter(1, 1000))

	var last *httptest.ResponseRecorder
	for i := 0; i < 6; i++ {
		last = s.do(http.MethodPost, "/api/v1/auth/token", `{"api_key":"operator","api_secret":"operator-secret"}`, false)
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", last.Code)
	}
	if last.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}

	if w := s.do(http.MethodGet, "/api/v1/status", "", true); w.Code != http.StatusOK {
		t.Errorf("admin call status = %d, want 200", w.Code)
	}
}
