package settlement

import (
	"context"
	"testing"

	"github.com/safar/marketplace-settlement/internal/apperr"
	"github.com/safar/marketplace-settlement/internal/models"
	"github.com/safar/marketplace-settlement/internal/pricing"
	"github.com/safar/marketplace-settlement/internal/visibility"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckoutInsufficientStockMakesNoGatewayCall(t *testing.T) {
	f := newFixture(t, visibility.DefaultPlanLimits())
	p := f.product(t, f.storeID, "10.00", 5)
	q := f.product(t, f.storeID, "5.00", 1)

	_, err := f.svc.Checkout(context.Background(), CheckoutInput{
		UserID: 7,
		Email:  "buyer@example.com",
		Stores: []pricing.StoreCart{{StoreID: f.storeID, Items: []pricing.Item{
			{ProductID: p, Quantity: 2},
			{ProductID: q, Quantity: 2},
		}}},
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInsufficientStock, apperr.KindOf(err))
	assert.Equal(t, q, apperr.ProductOf(err))

	assert.Zero(t, f.gw.initCount())
	assert.Equal(t, 1, f.rec.Count(models.AuditAmountVerificationFailed))
	assert.Zero(t, f.rec.Count(models.AuditOrderCreated))

	page, err := f.svc.ListOrders(context.Background(), 7, "", 10)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Equal(t, 5, f.get(t, p).InventoryQuantity)
}

func TestCheckoutPersistsPendingOrderWithFrozenPrices(t *testing.T) {
	f := newFixture(t, visibility.DefaultPlanLimits())
	other := &models.Store{Name: "other", SubscriptionPlan: "free"}
	require.NoError(t, f.store.CreateStore(context.Background(), other))

	a := f.product(t, f.storeID, "12.50", 10)
	b := f.product(t, other.ID, "3.99", 10)

	res, err := f.svc.Checkout(context.Background(), CheckoutInput{
		UserID:      7,
		Email:       "buyer@example.com",
		DeliveryFee: 500,
		Stores: []pricing.StoreCart{
			{StoreID: f.storeID, Items: []pricing.Item{{ProductID: a, Quantity: 2}}},
			{StoreID: other.ID, Items: []pricing.Item{{ProductID: b, Quantity: 3}}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(2500+1197+500), res.Breakdown.GrandTotal)
	assert.Equal(t, "https://pay.example/"+res.Reference, res.AuthorizationURL)

	call := f.gw.lastInit()
	assert.Equal(t, res.Breakdown.GrandTotal, call.Amount)
	assert.Equal(t, "order", call.Metadata["type"])

	m := f.order(t, res.Reference)
	assert.Equal(t, models.PaymentStatusPending, m.PaymentStatus)
	require.Len(t, m.SubOrders, 2)
	assert.True(t, m.TotalsConsistent())
	assert.Equal(t, int64(1250), m.SubOrders[0].Items[0].PriceAtPurchase)

	// Nothing is debited before payment.
	assert.Equal(t, 10, f.get(t, a).InventoryQuantity)
	assert.Equal(t, []models.AuditEventKind{
		models.AuditAmountVerificationPassed,
		models.AuditOrderCreated,
		models.AuditPaymentInitialized,
	}, f.rec.Kinds())
}

func TestCheckoutAuditsClientTotalMismatch(t *testing.T) {
	f := newFixture(t, visibility.DefaultPlanLimits())
	p := f.product(t, f.storeID, "10.00", 5)

	claimed := int64(100)
	res, err := f.svc.Checkout(context.Background(), CheckoutInput{
		UserID:      7,
		Email:       "buyer@example.com",
		ClientTotal: &claimed,
		Stores:      []pricing.StoreCart{{StoreID: f.storeID, Items: []pricing.Item{{ProductID: p, Quantity: 1}}}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), f.gw.lastInit().Amount)

	ev, ok := f.rec.Last(models.AuditAmountMismatch)
	require.True(t, ok)
	assert.Equal(t, res.Reference, ev.Reference)
	require.NotNil(t, ev.Amount)
	require.NotNil(t, ev.ExpectedAmount)
	assert.Equal(t, claimed, *ev.Amount)
	assert.Equal(t, int64(1000), *ev.ExpectedAmount)
}

func TestCheckoutGatewayFailureMarksOrderFailed(t *testing.T) {
	f := newFixture(t, visibility.DefaultPlanLimits())
	p := f.product(t, f.storeID, "10.00", 5)
	f.gw.failInit = true

	_, err := f.svc.Checkout(context.Background(), CheckoutInput{
		UserID: 7,
		Email:  "buyer@example.com",
		Stores: []pricing.StoreCart{{StoreID: f.storeID, Items: []pricing.Item{{ProductID: p, Quantity: 1}}}},
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindGateway, apperr.KindOf(err))

	var e *apperr.Error
	require.ErrorAs(t, err, &e)
	m := f.order(t, e.Reference)
	assert.Equal(t, models.PaymentStatusFailed, m.PaymentStatus)
	assert.Equal(t, 1, f.rec.Count(models.AuditPaymentInitializationFailed))
}

func TestCheckoutValidatesBuyer(t *testing.T) {
	f := newFixture(t, visibility.DefaultPlanLimits())
	_, err := f.svc.Checkout(context.Background(), CheckoutInput{Email: "buyer@example.com"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	_, err = f.svc.Checkout(context.Background(), CheckoutInput{UserID: 1})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}
