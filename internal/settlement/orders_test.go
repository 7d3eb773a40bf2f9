package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/safar/marketplace-settlement/internal/apperr"
	"github.com/safar/marketplace-settlement/internal/gateway"
	"github.com/safar/marketplace-settlement/internal/models"
	"github.com/safar/marketplace-settlement/internal/pricing"
	"github.com/safar/marketplace-settlement/internal/visibility"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func settled(t *testing.T, f *fixture, productID int64, qty int) string {
	t.Helper()
	ref := f.paid(t, productID, qty)
	res, err := f.svc.Settle(context.Background(), ref, SourceWebhook)
	require.NoError(t, err)
	require.Equal(t, OutcomeSettled, res.Outcome)
	return ref
}

func TestCancelRestoresAndReactivates(t *testing.T) {
	f := newFixture(t, visibility.DefaultPlanLimits())
	p := f.product(t, f.storeID, "10.00", 2)
	ref := settled(t, f, p, 2)
	require.False(t, f.get(t, p).IsActive)

	res, err := f.svc.Cancel(context.Background(), ref, "out of delivery area")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, res.Status)
	assert.Equal(t, models.PaymentStatusPaid, res.PaymentStatus)
	assert.Len(t, res.Restored, 1)
	assert.Equal(t, []int64{p}, res.Reactivated)

	prod := f.get(t, p)
	assert.Equal(t, 2, prod.InventoryQuantity)
	assert.True(t, prod.IsActive)
	assert.Equal(t, models.DeactivationNone, prod.DeactivationReason)

	m := f.order(t, ref)
	assert.Equal(t, models.OrderStatusCancelled, m.Status)
	assert.NotNil(t, m.SubOrders[0].InventoryRestoredAt)

	again, err := f.svc.Cancel(context.Background(), ref, "out of delivery area")
	require.NoError(t, err)
	assert.True(t, again.AlreadyDone)
	assert.Equal(t, 2, f.get(t, p).InventoryQuantity)
	assert.Equal(t, 1, f.rec.Count(models.AuditInventoryRestored))
	assert.Equal(t, 1, f.rec.Count(models.AuditOrderCancelled))
}

func TestCancelPendingBlocksLateSettlement(t *testing.T) {
	f := newFixture(t, visibility.DefaultPlanLimits())
	p := f.product(t, f.storeID, "10.00", 5)
	ref := f.paid(t, p, 1)

	res, err := f.svc.Cancel(context.Background(), ref, "changed mind")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, res.PaymentStatus)
	assert.Empty(t, res.Restored, "nothing was debited")

	late, err := f.svc.Settle(context.Background(), ref, SourceWebhook)
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, late.Outcome)
	assert.Equal(t, 5, f.get(t, p).InventoryQuantity)
	assert.Equal(t, "cancelled: changed mind", f.order(t, ref).PaymentDetails.FailureReason)
}

func TestRefund(t *testing.T) {
	f := newFixture(t, visibility.DefaultPlanLimits())
	p := f.product(t, f.storeID, "10.00", 5)

	pending := f.checkout(t, pricing.StoreCart{StoreID: f.storeID, Items: []pricing.Item{{ProductID: p, Quantity: 1}}})
	_, err := f.svc.Refund(context.Background(), pending.Reference, "duplicate purchase")
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))

	ref := settled(t, f, p, 3)
	res, err := f.svc.Refund(context.Background(), ref, "duplicate purchase")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusRefunded, res.PaymentStatus)
	assert.Equal(t, 5, f.get(t, p).InventoryQuantity)

	again, err := f.svc.Refund(context.Background(), ref, "duplicate purchase")
	require.NoError(t, err)
	assert.True(t, again.AlreadyDone)
	assert.Equal(t, 5, f.get(t, p).InventoryQuantity)
	assert.Equal(t, 1, f.rec.Count(models.AuditPaymentRefunded))

	// A refunded payment reported again by the gateway is a duplicate.
	dup, err := f.svc.Settle(context.Background(), ref, SourcePoll)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, dup.Outcome)
	assert.Equal(t, 5, f.get(t, p).InventoryQuantity)
}

func TestUnwindRejectedOnceShipped(t *testing.T) {
	f := newFixture(t, visibility.DefaultPlanLimits())
	p := f.product(t, f.storeID, "10.00", 5)
	ref := settled(t, f, p, 1)
	m := f.order(t, ref)

	_, err := f.svc.AdvanceOrder(context.Background(), m.SubOrders[0].ID, models.OrderStatusShipped)
	require.NoError(t, err)

	_, err = f.svc.Cancel(context.Background(), ref, "too late")
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))
	_, err = f.svc.Refund(context.Background(), ref, "too late")
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))
	assert.Equal(t, 4, f.get(t, p).InventoryQuantity)
}

func TestAdvanceOrder(t *testing.T) {
	f := newFixture(t, visibility.DefaultPlanLimits())
	p := f.product(t, f.storeID, "10.00", 5)

	unpaid := f.checkout(t, pricing.StoreCart{StoreID: f.storeID, Items: []pricing.Item{{ProductID: p, Quantity: 1}}})
	_, err := f.svc.AdvanceOrder(context.Background(), f.order(t, unpaid.Reference).SubOrders[0].ID, models.OrderStatusProcessing)
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err), "payment must be confirmed first")

	ref := settled(t, f, p, 1)
	id := f.order(t, ref).SubOrders[0].ID

	_, err = f.svc.AdvanceOrder(context.Background(), id, models.OrderStatusDelivered)
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))
	_, err = f.svc.AdvanceOrder(context.Background(), id, "lost")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	for _, next := range []models.OrderStatus{models.OrderStatusShipped, models.OrderStatusDelivered} {
		o, err := f.svc.AdvanceOrder(context.Background(), id, next)
		require.NoError(t, err)
		assert.Equal(t, next, o.Status)
		assert.Equal(t, next, f.order(t, ref).Status)
	}

	_, err = f.svc.AdvanceOrder(context.Background(), id, models.OrderStatusCancelled)
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))

	_, err = f.svc.AdvanceOrder(context.Background(), 9999, models.OrderStatusShipped)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestCancelOneSubOrder(t *testing.T) {
	f := newFixture(t, visibility.DefaultPlanLimits())
	other := &models.Store{Name: "other", SubscriptionPlan: "free"}
	require.NoError(t, f.store.CreateStore(context.Background(), other))
	a := f.product(t, f.storeID, "10.00", 5)
	b := f.product(t, other.ID, "2.00", 5)

	res := f.checkout(t,
		pricing.StoreCart{StoreID: f.storeID, Items: []pricing.Item{{ProductID: a, Quantity: 1}}},
		pricing.StoreCart{StoreID: other.ID, Items: []pricing.Item{{ProductID: b, Quantity: 2}}},
	)
	f.gw.set(res.Reference, gateway.StatusSuccess, res.Breakdown.GrandTotal)
	_, err := f.svc.Settle(context.Background(), res.Reference, SourcePoll)
	require.NoError(t, err)

	m := f.order(t, res.Reference)
	var ours, theirs models.Order
	for _, o := range m.SubOrders {
		if o.StoreID == other.ID {
			theirs = o
		} else {
			ours = o
		}
	}

	o, err := f.svc.AdvanceOrder(context.Background(), theirs.ID, models.OrderStatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, o.Status)
	assert.NotNil(t, o.InventoryRestoredAt)
	assert.Equal(t, 5, f.get(t, b).InventoryQuantity)
	assert.Equal(t, 4, f.get(t, a).InventoryQuantity)
	assert.Equal(t, models.OrderStatusProcessing, f.order(t, res.Reference).Status)

	_, err = f.svc.AdvanceOrder(context.Background(), ours.ID, models.OrderStatusShipped)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusShipped, f.order(t, res.Reference).Status)
}

func TestCancellingEverySubOrderFailsPendingPayment(t *testing.T) {
	f := newFixture(t, visibility.DefaultPlanLimits())
	other := &models.Store{Name: "other", SubscriptionPlan: "free"}
	require.NoError(t, f.store.CreateStore(context.Background(), other))
	a := f.product(t, f.storeID, "10.00", 5)
	b := f.product(t, other.ID, "2.00", 5)

	res := f.checkout(t,
		pricing.StoreCart{StoreID: f.storeID, Items: []pricing.Item{{ProductID: a, Quantity: 1}}},
		pricing.StoreCart{StoreID: other.ID, Items: []pricing.Item{{ProductID: b, Quantity: 2}}},
	)
	subs := f.order(t, res.Reference).SubOrders
	require.Len(t, subs, 2)

	_, err := f.svc.AdvanceOrder(context.Background(), subs[0].ID, models.OrderStatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, f.order(t, res.Reference).PaymentStatus, "one order is still payable")

	_, err = f.svc.AdvanceOrder(context.Background(), subs[1].ID, models.OrderStatusCancelled)
	require.NoError(t, err)
	m := f.order(t, res.Reference)
	assert.Equal(t, models.OrderStatusCancelled, m.Status)
	assert.Equal(t, models.PaymentStatusFailed, m.PaymentStatus)

	// The buyer pays anyway; nothing is debited.
	f.gw.set(res.Reference, gateway.StatusSuccess, res.Breakdown.GrandTotal)
	late, err := f.svc.Settle(context.Background(), res.Reference, SourceWebhook)
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, late.Outcome)
	assert.Equal(t, 5, f.get(t, a).InventoryQuantity)
	assert.Equal(t, 5, f.get(t, b).InventoryQuantity)
}

func TestListOrdersPages(t *testing.T) {
	f := newFixture(t, visibility.DefaultPlanLimits())
	p := f.product(t, f.storeID, "1.00", 50)

	var refs []string
	for i := 0; i < 3; i++ {
		refs = append(refs, f.checkout(t, pricing.StoreCart{StoreID: f.storeID, Items: []pricing.Item{{ProductID: p, Quantity: 1}}}).Reference)
		f.clock.Advance(time.Minute)
	}

	page, err := f.svc.ListOrders(context.Background(), 7, "", 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, refs[2], page.Items[0].Reference)
	assert.Equal(t, refs[1], page.Items[1].Reference)
	require.NotEmpty(t, page.NextCursor)

	page, err = f.svc.ListOrders(context.Background(), 7, page.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.False(t, page.HasMore)
	assert.Equal(t, refs[0], page.Items[0].Reference)
	assert.Empty(t, page.NextCursor)

	page, err = f.svc.ListOrders(context.Background(), 8, "", 2)
	require.NoError(t, err)
	assert.Empty(t, page.Items)

	_, err = f.svc.ListOrders(context.Background(), 7, "%%%", 2)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}
