package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/safar/marketplace-settlement/internal/apperr"
	"github.com/safar/marketplace-settlement/internal/audit"
	"github.com/safar/marketplace-settlement/internal/audit/audittest"
	"github.com/safar/marketplace-settlement/internal/clock"
	"github.com/safar/marketplace-settlement/internal/gateway"
	"github.com/safar/marketplace-settlement/internal/memory"
	"github.com/safar/marketplace-settlement/internal/metrics"
	"github.com/safar/marketplace-settlement/internal/models"
	"github.com/safar/marketplace-settlement/internal/pagination"
	"github.com/safar/marketplace-settlement/internal/settlement"
	"github.com/safar/marketplace-settlement/internal/visibility"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubSettlement records what the handlers pass and returns canned results.
type stubSettlement struct {
	checkoutIn  settlement.CheckoutInput
	checkoutErr error

	settleRes *settlement.SettleResult
	settleErr error

	webhookErr error
	cancelled  string
	reason     string
	advanced   models.OrderStatus
	listedUser int64
}

func (s *stubSettlement) Checkout(_ context.Context, in settlement.CheckoutInput) (*settlement.CheckoutResult, error) {
	s.checkoutIn = in
	if s.checkoutErr != nil {
		return nil, s.checkoutErr
	}
	return &settlement.CheckoutResult{Reference: "TST-1", AuthorizationURL: "https://pay.example/TST-1"}, nil
}

func (s *stubSettlement) Settle(_ context.Context, reference string, _ settlement.Source) (*settlement.SettleResult, error) {
	return s.settleRes, s.settleErr
}

func (s *stubSettlement) HandleWebhook(context.Context, []byte, string) error { return s.webhookErr }

func (s *stubSettlement) Cancel(_ context.Context, reference, reason string) (*settlement.CancelResult, error) {
	s.cancelled, s.reason = reference, reason
	return &settlement.CancelResult{Reference: reference, Status: models.OrderStatusCancelled}, nil
}

func (s *stubSettlement) Refund(_ context.Context, reference, _ string) (*settlement.CancelResult, error) {
	return nil, &apperr.Error{Kind: apperr.KindInvalidTransition, Op: "refund order", Reference: reference, Message: "cannot refund a pending payment"}
}

func (s *stubSettlement) AdvanceOrder(_ context.Context, orderID int64, next models.OrderStatus) (*models.Order, error) {
	s.advanced = next
	return &models.Order{ID: orderID, Status: next}, nil
}

func (s *stubSettlement) ListOrders(_ context.Context, userID int64, _ string, _ int) (*pagination.CursorPage[models.MainOrder], error) {
	s.listedUser = userID
	return &pagination.CursorPage[models.MainOrder]{Items: []models.MainOrder{}}, nil
}

func (s *stubSettlement) ChangePlan(_ context.Context, storeID int64, plan string) (*visibility.Result, error) {
	return &visibility.Result{StoreID: storeID, Plan: plan}, nil
}

func (s *stubSettlement) Enforce(_ context.Context, storeID int64) (*visibility.Result, error) {
	return &visibility.Result{StoreID: storeID}, nil
}

func (s *stubSettlement) InitializeSubscription(_ context.Context, storeID int64, plan, _, _ string) (*settlement.SubscriptionCheckout, error) {
	return &settlement.SubscriptionCheckout{Reference: "SUB-1", Plan: plan}, nil
}

func (s *stubSettlement) ActivateSubscription(_ context.Context, storeID int64, plan, _ string) (*settlement.SubscriptionResult, error) {
	return nil, &apperr.Error{Kind: apperr.KindAmountMismatch, Op: "gateway verify", Message: "paid 1, expected 2"}
}

type fixture struct {
	svc   *stubSettlement
	rec   *audittest.Recorder
	store *memory.Store
	reg   *prometheus.Registry
	h     http.Handler
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC))
	store := memory.NewStore(clk)
	reg := prometheus.NewRegistry()
	f := &fixture{svc: &stubSettlement{}, rec: &audittest.Recorder{}, store: store, reg: reg}
	srv := New(cfg, Deps{
		Settlement: f.svc,
		Audit:      audit.New(store, audit.Options{Clock: clk}),
		Recorder:   f.rec,
		Metrics:    metrics.New(reg),
		Gatherer:   reg,
	})
	f.h = srv.Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, header map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)

	var out map[string]any
	if strings.HasPrefix(strings.TrimSpace(rr.Body.String()), "{") {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	}
	return rr, out
}

var buyer = map[string]string{"X-User-ID": "7"}

const cartBody = `{"email":"buyer@example.com","stores":[{"store_id":1,"items":[{"product_id":42,"quantity":2}]}]}`

func TestCheckoutRequiresUser(t *testing.T) {
	f := newFixture(t, Config{})
	rr, body := f.do(t, http.MethodPost, "/checkout", cartBody, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "validation", body["code"])
}

func TestCheckoutTakesUserFromHeader(t *testing.T) {
	f := newFixture(t, Config{})
	rr, body := f.do(t, http.MethodPost, "/checkout", cartBody, buyer)
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "TST-1", body["reference"])
	assert.Equal(t, int64(7), f.svc.checkoutIn.UserID)
	require.Len(t, f.svc.checkoutIn.Stores, 1)
	assert.Equal(t, int64(42), f.svc.checkoutIn.Stores[0].Items[0].ProductID)
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}

func TestCheckoutRejectsUnknownFields(t *testing.T) {
	f := newFixture(t, Config{})
	rr, _ := f.do(t, http.MethodPost, "/checkout", `{"grand_total":1}`, buyer)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCheckoutFailureNamesProduct(t *testing.T) {
	f := newFixture(t, Config{})
	f.svc.checkoutErr = apperr.ProductError(apperr.KindInsufficientStock, "verify amount", 42, "requested 2, available 1")

	rr, body := f.do(t, http.MethodPost, "/checkout", cartBody, buyer)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "insufficient_stock", body["code"])
	assert.Equal(t, float64(42), body["product_id"])
	assert.Equal(t, "requested 2, available 1", body["error"])
}

func TestVerifyKeepsFailureDetailPrivate(t *testing.T) {
	f := newFixture(t, Config{})
	f.svc.settleRes = &settlement.SettleResult{Reference: "TST-1", Outcome: settlement.OutcomeRejected}
	f.svc.settleErr = &apperr.Error{Kind: apperr.KindAmountMismatch, Op: "gateway verify", Message: "paid 100, expected 1000"}

	rr, body := f.do(t, http.MethodGet, "/payments/verify/TST-1", "", nil)
	assert.Equal(t, http.StatusPaymentRequired, rr.Code)
	assert.Equal(t, verifyFailed, body["error"])
	assert.NotContains(t, rr.Body.String(), "expected 1000")

	f.svc.settleRes = &settlement.SettleResult{Reference: "TST-1", Outcome: settlement.OutcomePending}
	f.svc.settleErr = apperr.New(apperr.KindVerificationFailed, "gateway verify", "payment status abandoned")
	rr, body = f.do(t, http.MethodGet, "/payments/verify/TST-1", "", nil)
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, "pending", body["outcome"])

	f.svc.settleRes = &settlement.SettleResult{Reference: "TST-1", Outcome: settlement.OutcomeSettled}
	f.svc.settleErr = nil
	rr, body = f.do(t, http.MethodGet, "/payments/verify/TST-1", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "settled", body["outcome"])
}

func TestWebhookStatusCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"accepted", nil, http.StatusOK},
		{"bad signature", apperr.New(apperr.KindInvalidSignature, "gateway webhook", "signature does not match"), http.StatusUnauthorized},
		{"gateway down", apperr.New(apperr.KindGateway, "gateway verify", "request timed out"), http.StatusInternalServerError},
		{"database", errors.New("connection reset"), http.StatusInternalServerError},
		{"unknown order", apperr.New(apperr.KindNotFound, "get order", "order not found"), http.StatusOK},
		{"already failed", apperr.New(apperr.KindInvalidTransition, "settle payment", "payment already failed"), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			f.svc.webhookErr = tt.err
			rr, _ := f.do(t, http.MethodPost, "/webhooks/payment", `{"event":"charge.success"}`,
				map[string]string{gateway.SignatureHeader: "abc"})
			assert.Equal(t, tt.code, rr.Code)
		})
	}
}

func TestRateLimitIsPerClientAndAudited(t *testing.T) {
	f := newFixture(t, Config{RateLimitRPS: 0.001, RateLimitBurst: 1, TrustProxy: true})
	// The proxy appends the address it saw; earlier hops come from the client.
	first := map[string]string{"X-User-ID": "7", "X-Forwarded-For": "10.9.9.9, 203.0.113.9"}
	again := map[string]string{"X-User-ID": "7", "X-Forwarded-For": "10.1.1.1, 203.0.113.9"}
	second := map[string]string{"X-User-ID": "8", "X-Forwarded-For": "198.51.100.4"}

	rr, _ := f.do(t, http.MethodPost, "/checkout", cartBody, first)
	assert.Equal(t, http.StatusCreated, rr.Code)
	rr, body := f.do(t, http.MethodPost, "/checkout", cartBody, again)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "rate_limited", body["code"])
	rr, _ = f.do(t, http.MethodPost, "/checkout", cartBody, second)
	assert.Equal(t, http.StatusCreated, rr.Code)

	ev, ok := f.rec.Last(models.AuditRateLimitExceeded)
	require.True(t, ok)
	assert.Equal(t, "203.0.113.9", ev.IPAddress)
	require.NotNil(t, ev.UserID)
	assert.Equal(t, int64(7), *ev.UserID)
	assert.Equal(t, 1, f.rec.Count(models.AuditRateLimitExceeded))
}

func TestRateLimitIgnoresForwardedForByDefault(t *testing.T) {
	f := newFixture(t, Config{RateLimitRPS: 0.001, RateLimitBurst: 1})
	first := map[string]string{"X-User-ID": "7", "X-Forwarded-For": "203.0.113.9"}
	rotated := map[string]string{"X-User-ID": "7", "X-Forwarded-For": "198.51.100.4"}

	rr, _ := f.do(t, http.MethodPost, "/checkout", cartBody, first)
	assert.Equal(t, http.StatusCreated, rr.Code)
	rr, _ = f.do(t, http.MethodPost, "/checkout", cartBody, rotated)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code, "same peer shares one bucket")

	ev, ok := f.rec.Last(models.AuditRateLimitExceeded)
	require.True(t, ok)
	assert.Equal(t, "192.0.2.1", ev.IPAddress)
}

func TestOrderRoutes(t *testing.T) {
	f := newFixture(t, Config{})

	rr, body := f.do(t, http.MethodPost, "/orders/TST-9/cancel", `{"reason":"changed mind"}`, buyer)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "cancelled", body["status"])
	assert.Equal(t, "TST-9", f.svc.cancelled)
	assert.Equal(t, "changed mind", f.svc.reason)

	rr, body = f.do(t, http.MethodPost, "/orders/TST-9/refund", "", buyer)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "TST-9", body["reference"])

	rr, _ = f.do(t, http.MethodPost, "/store-orders/12/status", `{"status":"shipped"}`, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, models.OrderStatusShipped, f.svc.advanced)

	rr, _ = f.do(t, http.MethodPost, "/store-orders/abc/status", `{"status":"shipped"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr, _ = f.do(t, http.MethodGet, "/orders?user_id=5&limit=10", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, int64(5), f.svc.listedUser)

	rr, _ = f.do(t, http.MethodGet, "/orders", "", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestStoreRoutes(t *testing.T) {
	f := newFixture(t, Config{})

	rr, body := f.do(t, http.MethodPost, "/stores/3/plan", `{"plan":"pro"}`, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "pro", body["plan"])

	rr, _ = f.do(t, http.MethodPost, "/stores/3/visibility/enforce", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr, body = f.do(t, http.MethodPost, "/stores/3/subscription/initialize", `{"plan":"pro","email":"owner@example.com"}`, nil)
	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "SUB-1", body["reference"])

	rr, body = f.do(t, http.MethodGet, "/stores/3/subscription/verify/SUB-1?plan=pro", "", nil)
	assert.Equal(t, http.StatusPaymentRequired, rr.Code)
	assert.Equal(t, verifyFailed, body["error"])
}

func TestAuditRoutes(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.store.InsertAuditEvent(ctx, &models.AuditEvent{Reference: "TST-5", Event: models.AuditOrderCreated}))
	require.NoError(t, f.store.InsertAuditEvent(ctx, &models.AuditEvent{Reference: "TST-5", Event: models.AuditAmountMismatch}))

	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/audit/trail/TST-5", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var trail []models.AuditEvent
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &trail))
	require.Len(t, trail, 2)
	assert.Equal(t, models.AuditAmountMismatch, trail[0].Event)

	rr, body := f.do(t, http.MethodGet, "/audit/suspicious?window_hours=1", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(1), body["amount_mismatches"])

	rr, _ = f.do(t, http.MethodGet, "/audit/suspicious?window_hours=0", "", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	f.h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/audit/alerts", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, Config{})

	rr, body := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", body["status"])

	rr = httptest.NewRecorder()
	f.h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	raw, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `settlement_http_requests_total{code="200",route="/healthz"} 1`)
}
