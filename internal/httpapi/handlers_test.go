package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"retailpos/internal/cache"
	"retailpos/internal/domain"
	"retailpos/internal/service"
	"retailpos/internal/store/memory"
)

// newTestAPI builds a full API over the seeded in-memory store with a real
// AuthManager and Service, so handler tests exercise the whole request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded(zap.NewNop())
	policy := service.DefaultPolicy()
	policy.Backoff = 0
	svc := service.New(repo, cache.NewMemorySettingsCache(), policy, zap.NewNop())
	auth := NewAuthManager("test-secret-key", time.Hour, "123456", repo, zap.NewNop())

	return New(svc, auth, "*", zap.NewNop())
}

type client struct {
	t     *testing.T
	api   *API
	token string
	csrf  string
}

func newClient(t *testing.T, api *API, username string, password string) *client {
	t.Helper()
	return &client{t: t, api: api, token: login(t, api, username, password), csrf: fetchCSRFToken(t, api)}
}

func (c *client) do(method string, path string, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(c.t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-CSRF-Token", c.csrf)
	res := httptest.NewRecorder()
	c.api.Handler().ServeHTTP(res, req)
	return res
}

func decodeBody[T any](t *testing.T, res *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out), res.Body.String())
	return out
}

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, true, body["ok"])
}

func TestHandleLoginInvalidCredentials(t *testing.T) {
	api := newTestAPI(t)

	payload, _ := json.Marshal(domain.LoginRequest{Username: "admin", Password: "wrongpassword"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleProductsRequiresAuth(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	c := newClient(t, api, "cashier", "cashier123")
	res := c.do(http.MethodGet, "/api/v1/products", nil)
	require.Equal(t, http.StatusOK, res.Code)
	body := decodeBody[map[string][]domain.Product](t, res)
	assert.NotEmpty(t, body["products"])
}

func TestSessionCheckoutAndRefundFlow(t *testing.T) {
	api := newTestAPI(t)
	c := newClient(t, api, "cashier", "cashier123")

	res := c.do(http.MethodPost, "/api/v1/shifts", domain.ShiftStartRequest{OpeningBalance: money("100")})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	shift := decodeBody[domain.Shift](t, res)

	res = c.do(http.MethodPost, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	sess := decodeBody[domain.SessionView](t, res)

	res = c.do(http.MethodPost, "/api/v1/sessions/"+sess.ID+"/lines", domain.SessionLineRequest{ProductID: "prod-coffee"})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	res = c.do(http.MethodPost, "/api/v1/sessions/"+sess.ID+"/lines", domain.SessionLineRequest{ProductID: "prod-milk"})
	require.Equal(t, http.StatusOK, res.Code)
	res = c.do(http.MethodPatch, "/api/v1/sessions/"+sess.ID+"/lines/1", domain.SessionQuantityRequest{Quantity: 3})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	view := decodeBody[domain.SessionView](t, res)
	// 8.50 + 3 x 2.20 = 15.10, tax 15% = 2.27 (2.265 rounded)
	assert.True(t, money("17.37").Equal(view.Totals.Total), view.Totals.Total.String())

	res = c.do(http.MethodPost, "/api/v1/sessions/"+sess.ID+"/checkout", domain.SessionCheckoutRequest{
		Payment: domain.PaymentInfo{Method: domain.PaymentCash, CashReceived: money("20")},
	})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	settled := decodeBody[domain.SettleResult](t, res)
	assert.True(t, money("2.63").Equal(settled.Invoice.ChangeAmount))
	assert.Equal(t, shift.ID, settled.Invoice.ShiftID)

	res = c.do(http.MethodGet, "/api/v1/sessions/"+sess.ID, nil)
	assert.Equal(t, http.StatusNotFound, res.Code)

	res = c.do(http.MethodGet, "/api/v1/invoices/"+settled.Invoice.ID, nil)
	require.Equal(t, http.StatusOK, res.Code)

	refund := map[string]string{"reason": "customer changed mind", "manager_pin": "123456"}
	res = c.do(http.MethodPost, "/api/v1/invoices/"+settled.Invoice.ID+"/refund", refund)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	refunded := decodeBody[domain.Invoice](t, res)
	assert.Equal(t, domain.InvoiceStatusRefunded, refunded.Status)
	assert.True(t, refunded.ShiftReversed)

	res = c.do(http.MethodPost, "/api/v1/invoices/"+settled.Invoice.ID+"/refund", refund)
	assert.Equal(t, http.StatusConflict, res.Code)

	res = c.do(http.MethodGet, "/api/v1/shifts/"+shift.ID+"/reconciliation", nil)
	require.Equal(t, http.StatusOK, res.Code)
	rec := decodeBody[domain.ShiftReconciliation](t, res)
	assert.Equal(t, 1, rec.RefundsCount)
	assert.True(t, money("100").Equal(rec.ExpectedCash), rec.ExpectedCash.String())
}

func TestSettlementIdempotencyHeader(t *testing.T) {
	api := newTestAPI(t)
	c := newClient(t, api, "cashier", "cashier123")

	body := domain.CheckoutRequest{
		Items:   []domain.CheckoutItem{{ProductID: "prod-tea", Quantity: 1}},
		Payment: domain.PaymentInfo{Method: domain.PaymentCard},
	}
	send := func() *httptest.ResponseRecorder {
		payload, _ := json.Marshal(body)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/settlements", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-CSRF-Token", c.csrf)
		req.Header.Set("Idempotency-Key", "till-1-0001")
		res := httptest.NewRecorder()
		api.Handler().ServeHTTP(res, req)
		return res
	}

	first := send()
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	second := send()
	require.Equal(t, http.StatusOK, second.Code)

	a := decodeBody[domain.SettleResult](t, first)
	b := decodeBody[domain.SettleResult](t, second)
	assert.Equal(t, a.Invoice.ID, b.Invoice.ID)
	assert.True(t, b.Duplicate)
}

func TestSettlementErrorStatuses(t *testing.T) {
	api := newTestAPI(t)
	c := newClient(t, api, "cashier", "cashier123")

	res := c.do(http.MethodPost, "/api/v1/settlements", domain.CheckoutRequest{
		Items:   []domain.CheckoutItem{{ProductID: "prod-bread", Quantity: 1}},
		Payment: domain.PaymentInfo{Method: domain.PaymentCash, CashReceived: money("1")},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, res.Code)

	res = c.do(http.MethodPost, "/api/v1/settlements", domain.CheckoutRequest{
		Payment: domain.PaymentInfo{Method: domain.PaymentCash, CashReceived: money("1")},
	})
	assert.Equal(t, http.StatusBadRequest, res.Code)

	res = c.do(http.MethodPost, "/api/v1/settlements", domain.CheckoutRequest{
		Items:   []domain.CheckoutItem{{ProductID: "prod-bread", Quantity: 500}},
		Payment: domain.PaymentInfo{Method: domain.PaymentCard},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, res.Code, "oversell rejected")

	res = c.do(http.MethodPost, "/api/v1/settlements", domain.CheckoutRequest{
		Items:   []domain.CheckoutItem{{ProductID: "prod-bread", Quantity: 1}, {ProductID: "prod-tea", Quantity: -1}},
		Payment: domain.PaymentInfo{Method: domain.PaymentCard},
	})
	assert.Equal(t, http.StatusBadRequest, res.Code, "negative quantity")

	res = c.do(http.MethodPost, "/api/v1/settlements", domain.CheckoutRequest{
		Items:   []domain.CheckoutItem{{ProductID: "prod-unknown", Quantity: 1}},
		Payment: domain.PaymentInfo{Method: domain.PaymentCard},
	})
	assert.Equal(t, http.StatusNotFound, res.Code)

	res = c.do(http.MethodPost, "/api/v1/settlements", map[string]any{"unknown": true})
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestSettlementIgnoresClientPrices(t *testing.T) {
	api := newTestAPI(t)
	c := newClient(t, api, "cashier", "cashier123")

	res := c.do(http.MethodPost, "/api/v1/settlements", map[string]any{
		"lines": []map[string]any{
			{"product_id": "prod-coffee", "product_name": "Coffee", "quantity": 1, "unit_price": "0.01"},
		},
		"payment": map[string]any{"method": domain.PaymentCash, "cash_received": "1"},
	})
	assert.Equal(t, http.StatusBadRequest, res.Code, res.Body.String())

	res = c.do(http.MethodPost, "/api/v1/settlements", map[string]any{
		"items": []map[string]any{
			{"product_id": "prod-coffee", "quantity": 1, "unit_price": "0.01"},
		},
		"payment": map[string]any{"method": domain.PaymentCash, "cash_received": "1"},
	})
	assert.Equal(t, http.StatusBadRequest, res.Code, "price field is not accepted on items")

	res = c.do(http.MethodPost, "/api/v1/settlements", domain.CheckoutRequest{
		Items:   []domain.CheckoutItem{{ProductID: "prod-coffee", Quantity: 1}},
		Payment: domain.PaymentInfo{Method: domain.PaymentCard},
	})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	result := decodeBody[domain.SettleResult](t, res)
	require.Len(t, result.Invoice.Items, 1)
	assert.True(t, money("8.50").Equal(result.Invoice.Items[0].UnitPrice), result.Invoice.Items[0].UnitPrice.String())
	assert.True(t, money("8.50").Equal(result.Invoice.Subtotal))
}

func TestShiftEndpoints(t *testing.T) {
	api := newTestAPI(t)
	c := newClient(t, api, "cashier", "cashier123")

	res := c.do(http.MethodGet, "/api/v1/shifts/active", nil)
	assert.Equal(t, http.StatusNotFound, res.Code)

	res = c.do(http.MethodPost, "/api/v1/shifts", domain.ShiftStartRequest{OpeningBalance: money("50")})
	require.Equal(t, http.StatusCreated, res.Code)
	shift := decodeBody[domain.Shift](t, res)

	res = c.do(http.MethodPost, "/api/v1/shifts", domain.ShiftStartRequest{OpeningBalance: money("50")})
	assert.Equal(t, http.StatusConflict, res.Code)

	res = c.do(http.MethodPost, "/api/v1/shifts/"+shift.ID+"/notes", domain.ShiftNoteRequest{Note: "float counted twice"})
	require.Equal(t, http.StatusOK, res.Code)

	res = c.do(http.MethodPost, "/api/v1/shifts/"+shift.ID+"/close", domain.ShiftCloseRequest{ClosingBalance: money("55")})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	rec := decodeBody[domain.ShiftReconciliation](t, res)
	require.NotNil(t, rec.CashVariance)
	assert.True(t, money("5").Equal(*rec.CashVariance))

	res = c.do(http.MethodPost, "/api/v1/shifts/"+shift.ID+"/close", domain.ShiftCloseRequest{ClosingBalance: money("55")})
	assert.Equal(t, http.StatusConflict, res.Code)

	res = c.do(http.MethodGet, "/api/v1/shifts/"+shift.ID+"/invoices?limit=5", nil)
	assert.Equal(t, http.StatusOK, res.Code)
}

func TestSettingsRequireAdminToUpdate(t *testing.T) {
	api := newTestAPI(t)
	cashier := newClient(t, api, "cashier", "cashier123")
	admin := newClient(t, api, "admin", "admin123")

	res := cashier.do(http.MethodGet, "/api/v1/settings", nil)
	require.Equal(t, http.StatusOK, res.Code)
	settings := decodeBody[domain.Settings](t, res)

	settings.TaxRate = money("10")
	res = cashier.do(http.MethodPut, "/api/v1/settings", settings)
	assert.Equal(t, http.StatusForbidden, res.Code)

	res = admin.do(http.MethodPut, "/api/v1/settings", settings)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	res = cashier.do(http.MethodGet, "/api/v1/settings", nil)
	require.Equal(t, http.StatusOK, res.Code)
	updated := decodeBody[domain.Settings](t, res)
	assert.True(t, money("10").Equal(updated.TaxRate))
}

func TestAdminManagesCashiers(t *testing.T) {
	api := newTestAPI(t)
	admin := newClient(t, api, "admin", "admin123")

	res := admin.do(http.MethodPost, "/api/v1/users/cashiers", domain.CashierCreateRequest{
		Username: "till07", Name: "Till Seven", Password: "secret77",
	})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())

	res = admin.do(http.MethodGet, "/api/v1/users/cashiers", nil)
	require.Equal(t, http.StatusOK, res.Code)
	body := decodeBody[map[string][]domain.CashierResponse](t, res)
	usernames := make([]string, 0, len(body["cashiers"]))
	for _, cashier := range body["cashiers"] {
		usernames = append(usernames, cashier.Username)
	}
	assert.Contains(t, usernames, "till07")

	newClient(t, api, "till07", "secret77")
}

func TestUnknownRouteReturnsJSON404(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/nope", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}
