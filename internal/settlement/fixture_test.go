package settlement

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/safar/marketplace-settlement/internal/audit/audittest"
	"github.com/safar/marketplace-settlement/internal/clock"
	"github.com/safar/marketplace-settlement/internal/gateway"
	"github.com/safar/marketplace-settlement/internal/memory"
	"github.com/safar/marketplace-settlement/internal/metrics"
	"github.com/safar/marketplace-settlement/internal/models"
	"github.com/safar/marketplace-settlement/internal/pricing"
	"github.com/safar/marketplace-settlement/internal/visibility"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const testSecret = "sk_test_settlement"

type initCall struct {
	Email     string         `json:"email"`
	Amount    int64          `json:"amount"`
	Reference string         `json:"reference"`
	Metadata  map[string]any `json:"metadata"`
}

// fakeGateway serves initialize and verify. Unknown references verify as
// abandoned, which is what the real gateway reports before payment.
type fakeGateway struct {
	mu       sync.Mutex
	inits    []initCall
	verifies int
	txs      map[string]gateway.Transaction
	failInit bool

	// beforeVerify runs ahead of each verify response, outside the lock.
	beforeVerify func(ref string)
}

func (g *fakeGateway) serve(w http.ResponseWriter, r *http.Request) {
	if ref, ok := strings.CutPrefix(r.URL.Path, "/transaction/verify/"); ok {
		g.mu.Lock()
		hook := g.beforeVerify
		g.mu.Unlock()
		if hook != nil {
			hook(ref)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var data any
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/transaction/initialize":
		if g.failInit {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"status":false,"message":"upstream unavailable"}`))
			return
		}
		var c initCall
		if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		g.inits = append(g.inits, c)
		data = map[string]string{
			"authorization_url": "https://pay.example/" + c.Reference,
			"access_code":       "ac_" + c.Reference,
			"reference":         c.Reference,
		}
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/transaction/verify/"):
		g.verifies++
		ref := strings.TrimPrefix(r.URL.Path, "/transaction/verify/")
		tx, ok := g.txs[ref]
		if !ok {
			tx = gateway.Transaction{Reference: ref, Status: gateway.StatusAbandoned}
		}
		data = tx
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"status": true, "message": "ok", "data": data})
}

func (g *fakeGateway) set(ref, status string, amount int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	paid := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	g.txs[ref] = gateway.Transaction{Reference: ref, Status: status, Amount: amount, Channel: "card", PaidAt: &paid}
}

func (g *fakeGateway) onVerify(fn func(ref string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.beforeVerify = fn
}

func (g *fakeGateway) initCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inits)
}

func (g *fakeGateway) lastInit() initCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inits[len(g.inits)-1]
}

type fixture struct {
	store   *memory.Store
	clock   *clock.Manual
	rec     *audittest.Recorder
	gw      *fakeGateway
	svc     *Service
	storeID int64
	seq     int
}

func intp(v int) *int { return &v }

func newFixture(t *testing.T, limits visibility.PlanLimits) *fixture {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC))
	store := memory.NewStore(clk)
	rec := &audittest.Recorder{}
	m := metrics.New(prometheus.NewRegistry())

	fg := &fakeGateway{txs: map[string]gateway.Transaction{}}
	srv := httptest.NewServer(http.HandlerFunc(fg.serve))
	t.Cleanup(srv.Close)

	client := gateway.New(gateway.Config{
		BaseURL:   srv.URL,
		SecretKey: testSecret,
		Timeout:   time.Second,
		Clock:     clk,
	}, rec, m, nil)

	svc := New(store, client, limits, Options{
		Recorder:        rec,
		Metrics:         m,
		Clock:           clk,
		ReferencePrefix: "TST",
		CallbackURL:     "https://shop.example/callback",
	})

	st := &models.Store{Name: "shop", SubscriptionPlan: "free"}
	require.NoError(t, store.CreateStore(context.Background(), st))

	return &fixture{store: store, clock: clk, rec: rec, gw: fg, svc: svc, storeID: st.ID}
}

// product creates an active product; later calls are newer.
func (f *fixture) product(t *testing.T, storeID int64, price string, qty int) int64 {
	t.Helper()
	f.seq++
	p := &models.Product{
		StoreID:           storeID,
		Name:              "product",
		Price:             decimal.RequireFromString(price),
		InventoryQuantity: qty,
		IsActive:          true,
		CreatedAt:         time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(f.seq) * time.Hour),
	}
	require.NoError(t, f.store.CreateProduct(context.Background(), p))
	return p.ID
}

func (f *fixture) get(t *testing.T, id int64) *models.Product {
	t.Helper()
	p, err := f.store.GetProduct(context.Background(), id)
	require.NoError(t, err)
	return p
}

func (f *fixture) order(t *testing.T, ref string) *models.MainOrder {
	t.Helper()
	m, err := f.store.GetMainOrderByReference(context.Background(), ref)
	require.NoError(t, err)
	return m
}

func (f *fixture) checkout(t *testing.T, carts ...pricing.StoreCart) *CheckoutResult {
	t.Helper()
	res, err := f.svc.Checkout(context.Background(), CheckoutInput{
		UserID: 7,
		Email:  "buyer@example.com",
		Stores: carts,
	})
	require.NoError(t, err)
	return res
}

// paid checks out one item and has the gateway report it paid.
func (f *fixture) paid(t *testing.T, productID int64, qty int) string {
	t.Helper()
	res := f.checkout(t, pricing.StoreCart{StoreID: f.storeID, Items: []pricing.Item{{ProductID: productID, Quantity: qty}}})
	f.gw.set(res.Reference, gateway.StatusSuccess, res.Breakdown.GrandTotal)
	return res.Reference
}

func webhookBody(t *testing.T, event, ref string, amount int64, metadata map[string]any) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"event": event,
		"data": map[string]any{
			"reference": ref,
			"amount":    amount,
			"status":    "success",
			"metadata":  metadata,
		},
	})
	require.NoError(t, err)
	return body
}
