package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/craigrallen/yeshe-norbu-sub000/internal/domain"
	stripegw "github.com/craigrallen/yeshe-norbu-sub000/internal/gateway/stripe"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/reconcile"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/service"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/store/memory"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/webhook"
)

const testSyncKey = "sync-key"

type cardStub struct{}

func (cardStub) CreatePaymentIntent(_ context.Context, req stripegw.IntentRequest) (*stripegw.Intent, error) {
	return &stripegw.Intent{ID: "pi_http_" + req.OrderID[:8], ClientSecret: "cs_test"}, nil
}

func (cardStub) RefundPayment(_ context.Context, _ string, _ decimal.Decimal, _ string) (string, error) {
	return "re_http", nil
}

type reconcilerStub struct {
	limit int
}

func (r *reconcilerStub) Run(_ context.Context, limit int) (reconcile.Summary, error) {
	r.limit = limit
	return reconcile.Summary{Processed: 3, Inserted: 1}, nil
}

type testAPI struct {
	*API
	repo       *memory.Store
	reconciler *reconcilerStub
}

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, service.Options{Card: cardStub{}})
	auth := NewAuthManager("test-secret-key", time.Hour, "123456", repo)
	rec := &reconcilerStub{}

	api := New(svc, auth, Options{
		AllowedOrigin: "*",
		SyncAPIKey:    testSyncKey,
		StripeWebhook: webhook.NewStripeHandler("whsec_http", svc, webhook.Options{}),
		SwishWebhook:  webhook.NewSwishHandler("cb-token", svc, webhook.Options{}),
		Reconciler:    rec,
	})
	return &testAPI{API: api, repo: repo, reconciler: rec}
}

func (a *testAPI) do(t *testing.T, method string, path string, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	a.Handler().ServeHTTP(res, req)
	return res
}

func login(t *testing.T, api *testAPI, username string, password string) string {
	t.Helper()
	res := api.do(t, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: username, Password: password})
	if res.Code != http.StatusOK {
		t.Fatalf("%s login failed, status %d", username, res.Code)
	}
	var payload domain.LoginResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode login response failed: %v", err)
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		t.Fatalf("expected access token in login response")
	}
	return payload.AccessToken
}

func decodeBody[T any](t *testing.T, res *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v (%s)", err, res.Body.String())
	}
	return out
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	res := api.do(t, http.MethodGet, "/healthz", "", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	body := decodeBody[map[string]any](t, res)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)
	res := api.do(t, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "admin", Password: "wrongpassword"})
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", res.Code, res.Body.String())
	}
}

func TestPOSRoutesRequireAuth(t *testing.T) {
	api := newTestAPI(t)
	res := api.do(t, http.MethodPost, "/api/v1/pos/sessions", "", domain.SessionOpenRequest{})
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.Code)
	}
}

func TestAdminRoutesRejectStaff(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "staff", "staff123")
	res := api.do(t, http.MethodGet, "/api/v1/admin/audit-log", token, nil)
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", res.Code)
	}
}

func TestCashSessionFlow(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "staff", "staff123")

	res := api.do(t, http.MethodPost, "/api/v1/pos/sessions", token, map[string]any{"opening_float": "1000"})
	if res.Code != http.StatusCreated {
		t.Fatalf("open session: %d %s", res.Code, res.Body.String())
	}
	opened := decodeBody[struct {
		Session domain.POSSession `json:"session"`
	}](t, res)

	res = api.do(t, http.MethodPost, "/api/v1/pos/transactions", token, map[string]any{
		"session_id":    opened.Session.ID,
		"lines":         []map[string]any{{"description": "Cushion", "quantity": 1, "unit_price": "450"}},
		"method":        "cash",
		"cash_received": "500",
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("record sale: %d %s", res.Code, res.Body.String())
	}
	sale := decodeBody[domain.POSSaleResponse](t, res)
	if !sale.ChangeGiven.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected change 50, got %s", sale.ChangeGiven)
	}

	res = api.do(t, http.MethodGet, "/api/v1/pos/sessions/"+opened.Session.ID+"/summary", token, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("summary: %d", res.Code)
	}

	res = api.do(t, http.MethodPost, "/api/v1/pos/sessions/"+opened.Session.ID+"/close", token, map[string]any{"counted_cash": "1440"})
	if res.Code != http.StatusOK {
		t.Fatalf("close session: %d %s", res.Code, res.Body.String())
	}
	summary := decodeBody[domain.SessionSummary](t, res)
	if !summary.Session.CashVariance.Decimal.Equal(decimal.NewFromInt(-10)) {
		t.Fatalf("expected variance -10, got %s", summary.Session.CashVariance.Decimal)
	}

	res = api.do(t, http.MethodPost, "/api/v1/pos/sessions/"+opened.Session.ID+"/close", token, map[string]any{"counted_cash": "1440"})
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409 closing twice, got %d", res.Code)
	}
}

func TestPOSSaleValidationIs400(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "staff", "staff123")

	res := api.do(t, http.MethodPost, "/api/v1/pos/transactions", token, map[string]any{
		"session_id": "missing",
		"lines":      []map[string]any{{"description": "Tea", "quantity": 1, "unit_price": "30"}},
		"method":     "complimentary",
	})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for comp without reason, got %d", res.Code)
	}
}

func TestCardCheckoutCreatesPendingOrder(t *testing.T) {
	api := newTestAPI(t)
	res := api.do(t, http.MethodPost, "/api/v1/checkout/card", "", map[string]any{
		"email": "guest@example.se",
		"lines": []map[string]any{{"description": "Retreat", "quantity": 1, "unit_price": "350"}},
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("checkout: %d %s", res.Code, res.Body.String())
	}
	resp := decodeBody[domain.CheckoutResponse](t, res)
	if resp.Order.Status != domain.OrderPending || resp.ClientSecret != "cs_test" {
		t.Fatalf("unexpected checkout response %+v", resp)
	}
}

func TestSwishCheckoutWithoutGatewayIs503(t *testing.T) {
	api := newTestAPI(t)
	res := api.do(t, http.MethodPost, "/api/v1/checkout/swish", "", map[string]any{
		"lines": []map[string]any{{"description": "Tea", "quantity": 1, "unit_price": "30"}},
	})
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", res.Code)
	}
}

func TestManualOrderCancelAndAuditExport(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "admin", "admin123")

	res := api.do(t, http.MethodPost, "/api/v1/admin/orders/manual", token, map[string]any{
		"lines":         []map[string]any{{"description": "Donation", "quantity": 1, "unit_price": "200"}},
		"method":        "cash",
		"cash_received": "200",
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("manual order: %d %s", res.Code, res.Body.String())
	}
	manual := decodeBody[domain.POSSaleResponse](t, res)

	res = api.do(t, http.MethodPost, "/api/v1/admin/orders/"+manual.Order.ID+"/cancel", token, map[string]any{"reason": "entered twice"})
	if res.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", res.Code, res.Body.String())
	}
	res = api.do(t, http.MethodPost, "/api/v1/admin/orders/"+manual.Order.ID+"/cancel", token, map[string]any{})
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second cancel, got %d", res.Code)
	}

	res = api.do(t, http.MethodGet, "/api/v1/admin/audit-log?order_id="+manual.Order.ID, token, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("audit log: %d", res.Code)
	}
	logs := decodeBody[struct {
		Entries []domain.AuditEntry `json:"entries"`
	}](t, res)
	if len(logs.Entries) != 2 || logs.Entries[1].Action != domain.ActionOrderCancelled {
		t.Fatalf("unexpected audit entries %+v", logs.Entries)
	}

	res = api.do(t, http.MethodGet, "/api/v1/admin/audit-log?format=csv&order_id="+manual.Order.ID, token, nil)
	if !strings.HasPrefix(res.Header().Get("Content-Type"), "text/csv") {
		t.Fatalf("expected csv export, got %q", res.Header().Get("Content-Type"))
	}
	if lines := strings.Count(strings.TrimSpace(res.Body.String()), "\n"); lines != 2 {
		t.Fatalf("expected header and two rows, got %d newlines", lines)
	}

	res = api.do(t, http.MethodGet, "/api/v1/admin/audit-log?from=yesterday", token, nil)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad from, got %d", res.Code)
	}
}

func TestRefundRequiresManagerPIN(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "admin", "admin123")

	res := api.do(t, http.MethodPost, "/api/v1/admin/orders/manual", token, map[string]any{
		"lines":  []map[string]any{{"description": "Book", "quantity": 1, "unit_price": "120"}},
		"method": "card",
	})
	manual := decodeBody[domain.POSSaleResponse](t, res)

	path := "/api/v1/admin/payments/" + manual.Payment.ID + "/refund"
	res = api.do(t, http.MethodPost, path, token, map[string]any{"amount": "20", "reason": "damaged", "manager_pin": "000000"})
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for wrong pin, got %d", res.Code)
	}

	res = api.do(t, http.MethodPost, path, token, map[string]any{"amount": "20", "reason": "damaged", "manager_pin": "123456"})
	if res.Code != http.StatusOK {
		t.Fatalf("refund: %d %s", res.Code, res.Body.String())
	}
	refund := decodeBody[domain.RefundResult](t, res)
	if refund.Order.Status != domain.OrderPartiallyRefunded {
		t.Fatalf("expected partially refunded, got %s", refund.Order.Status)
	}

	res = api.do(t, http.MethodPost, path, token, map[string]any{"amount": "200", "reason": "too much", "manager_pin": "123456"})
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409 for refund over amount, got %d", res.Code)
	}
}

func TestReconcileNeedsSyncKeyAndClampsLimit(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/reconcile/stripe", strings.NewReader(`{"limit":99999}`))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", res.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/admin/reconcile/stripe", strings.NewReader(`{"limit":99999}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Sync-Api-Key", testSyncKey)
	res = httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("reconcile: %d %s", res.Code, res.Body.String())
	}
	if api.reconciler.limit != reconcile.MaxLimit {
		t.Fatalf("expected limit clamped to %d, got %d", reconcile.MaxLimit, api.reconciler.limit)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/admin/reconcile/stripe", nil)
	req.Header.Set("X-Sync-Api-Key", testSyncKey)
	res = httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	if res.Code != http.StatusOK || api.reconciler.limit != reconcile.DefaultLimit {
		t.Fatalf("expected default limit, got %d (status %d)", api.reconciler.limit, res.Code)
	}
}

func TestWebhooksRejectUnauthenticatedDeliveries(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", strings.NewReader(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for stripe, got %d", res.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/swish?token=wrong", strings.NewReader(`{"id":"X"}`))
	res = httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for swish, got %d", res.Code)
	}
}

func TestSwishCallbackForUnknownPaymentIsAccepted(t *testing.T) {
	api := newTestAPI(t)
	body := `{"id":"UNKNOWN1","paymentReference":"PR","amount":10,"currency":"SEK","status":"PAID"}`

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/swish?token=cb-token", strings.NewReader(body))
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", res.Code, res.Body.String())
	}
	result := decodeBody[webhook.Result](t, res)
	if !result.Ignored {
		t.Fatalf("expected unknown reference to be ignored, got %+v", result)
	}
}

func TestAdminProvisionsStaffLogin(t *testing.T) {
	api := newTestAPI(t)
	admin := login(t, api, "admin", "admin123")

	res := api.do(t, http.MethodPost, "/api/v1/admin/users", admin, map[string]any{"username": "tenzin", "password": "prayer-wheel", "role": "staff"})
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", res.Code, res.Body.String())
	}
	if strings.Contains(res.Body.String(), "prayer-wheel") || strings.Contains(res.Body.String(), "$2") {
		t.Fatalf("expected password to stay out of the response, got %s", res.Body.String())
	}

	staff := login(t, api, "tenzin", "prayer-wheel")
	res = api.do(t, http.MethodPost, "/api/v1/admin/users", staff, map[string]any{"username": "other", "password": "prayer-wheel"})
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected staff to be refused, got %d", res.Code)
	}

	res = api.do(t, http.MethodPost, "/api/v1/admin/users", admin, map[string]any{"username": "tenzin", "password": "prayer-wheel"})
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409 for taken username, got %d", res.Code)
	}
}
