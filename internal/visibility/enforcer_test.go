package visibility

import (
	"context"
	"testing"
	"time"

	"github.com/safar/marketplace-settlement/internal/apperr"
	"github.com/safar/marketplace-settlement/internal/audit/audittest"
	"github.com/safar/marketplace-settlement/internal/clock"
	"github.com/safar/marketplace-settlement/internal/memory"
	"github.com/safar/marketplace-settlement/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	store    *memory.Store
	clock    *clock.Manual
	rec      *audittest.Recorder
	enforcer *Enforcer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewManual(base.Add(30 * 24 * time.Hour))
	s := memory.NewStore(clk)
	rec := &audittest.Recorder{}
	return &fixture{
		store:    s,
		clock:    clk,
		rec:      rec,
		enforcer: NewEnforcer(s, s, DefaultPlanLimits(), Options{Recorder: rec, Clock: clk}),
	}
}

func (f *fixture) shop(t *testing.T, plan string) int64 {
	t.Helper()
	st := &models.Store{Name: plan, SubscriptionPlan: plan, SubscriptionStatus: models.SubscriptionActive}
	require.NoError(t, f.store.CreateStore(context.Background(), st))
	return st.ID
}

// products creates n active products, the i-th created i hours after base.
func (f *fixture) products(t *testing.T, storeID int64, n int) []int64 {
	t.Helper()
	ids := make([]int64, n)
	for i := 0; i < n; i++ {
		p := &models.Product{
			StoreID:           storeID,
			Name:              "p",
			Price:             decimal.NewFromInt(5),
			InventoryQuantity: 3,
			IsActive:          true,
			CreatedAt:         base.Add(time.Duration(i) * time.Hour),
		}
		require.NoError(t, f.store.CreateProduct(context.Background(), p))
		ids[i] = p.ID
	}
	return ids
}

func (f *fixture) active(t *testing.T, storeID int64) map[int64]bool {
	t.Helper()
	ps, err := f.store.ListStoreProducts(context.Background(), storeID)
	require.NoError(t, err)
	out := map[int64]bool{}
	for _, p := range ps {
		if p.IsActive {
			out[p.ID] = true
		}
	}
	return out
}

func TestDowngradeKeepsNewestTen(t *testing.T) {
	f := newFixture(t)
	shop := f.shop(t, "pro")
	ids := f.products(t, shop, 12)

	require.NoError(t, f.store.UpdateStorePlan(context.Background(), shop, "free"))
	res, err := f.enforcer.Enforce(context.Background(), shop)
	require.NoError(t, err)

	assert.Equal(t, 0, res.Activated)
	assert.Equal(t, 2, res.Deactivated)
	assert.Equal(t, 10, res.VisibleCount)
	assert.Equal(t, 12, res.Total)
	require.NotNil(t, res.Limit)
	assert.Equal(t, 10, *res.Limit)

	active := f.active(t, shop)
	assert.Len(t, active, 10)
	assert.False(t, active[ids[0]], "oldest must be hidden")
	assert.False(t, active[ids[1]], "second oldest must be hidden")

	hidden, err := f.store.GetProduct(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, models.DeactivationPlanLimit, hidden.DeactivationReason)
	require.NotNil(t, hidden.DeactivatedAt)
	assert.Equal(t, f.clock.Now(), *hidden.DeactivatedAt)

	assert.Equal(t, 1, f.rec.Count(models.AuditProductsVisibilityEnforced))
}

func TestEnforceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	shop := f.shop(t, "free")
	f.products(t, shop, 12)

	_, err := f.enforcer.Enforce(context.Background(), shop)
	require.NoError(t, err)

	res, err := f.enforcer.Enforce(context.Background(), shop)
	require.NoError(t, err)
	assert.Zero(t, res.Activated)
	assert.Zero(t, res.Deactivated)
	assert.Equal(t, 10, res.VisibleCount)
	assert.Equal(t, 1, f.rec.Count(models.AuditProductsVisibilityEnforced), "no-op runs are not audited")
}

func TestUpgradeReactivatesHiddenProducts(t *testing.T) {
	f := newFixture(t)
	shop := f.shop(t, "free")
	f.products(t, shop, 12)
	_, err := f.enforcer.Enforce(context.Background(), shop)
	require.NoError(t, err)

	require.NoError(t, f.store.UpdateStorePlan(context.Background(), shop, "starter"))
	res, err := f.enforcer.Enforce(context.Background(), shop)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Activated)
	assert.Len(t, f.active(t, shop), 12)
}

func TestUnlimitedPlanActivatesAll(t *testing.T) {
	f := newFixture(t)
	shop := f.shop(t, "enterprise")
	ids := f.products(t, shop, 3)

	_, err := f.store.DeactivateProducts(context.Background(), ids[:2], base)
	require.NoError(t, err)

	res, err := f.enforcer.Enforce(context.Background(), shop)
	require.NoError(t, err)
	assert.Nil(t, res.Limit)
	assert.Equal(t, 2, res.Activated)
	assert.Len(t, f.active(t, shop), 3)
}

func TestNewestWinsOnProductCreation(t *testing.T) {
	f := newFixture(t)
	shop := f.shop(t, "free")
	ids := f.products(t, shop, 10)

	fresh := &models.Product{StoreID: shop, Name: "new", Price: decimal.NewFromInt(1), InventoryQuantity: 1, IsActive: true, CreatedAt: base.Add(100 * time.Hour)}
	require.NoError(t, f.store.CreateProduct(context.Background(), fresh))

	res, err := f.enforcer.Enforce(context.Background(), shop)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deactivated)

	active := f.active(t, shop)
	assert.True(t, active[fresh.ID])
	assert.False(t, active[ids[0]])
}

func TestTiesBrokenByHigherID(t *testing.T) {
	f := newFixture(t)
	shop := f.shop(t, "free")

	var ids []int64
	for i := 0; i < 11; i++ {
		p := &models.Product{StoreID: shop, Name: "same", Price: decimal.NewFromInt(1), InventoryQuantity: 1, IsActive: true, CreatedAt: base}
		require.NoError(t, f.store.CreateProduct(context.Background(), p))
		ids = append(ids, p.ID)
	}

	_, err := f.enforcer.Enforce(context.Background(), shop)
	require.NoError(t, err)
	assert.False(t, f.active(t, shop)[ids[0]], "lowest id loses the tie")
}

func TestLapsedSubscriptionFallsBackToFree(t *testing.T) {
	f := newFixture(t)
	expired := base
	st := &models.Store{Name: "lapsed", SubscriptionPlan: "pro", SubscriptionStatus: models.SubscriptionActive, SubscriptionExpiryDate: &expired}
	require.NoError(t, f.store.CreateStore(context.Background(), st))
	f.products(t, st.ID, 12)

	res, err := f.enforcer.Enforce(context.Background(), st.ID)
	require.NoError(t, err)
	assert.Equal(t, FallbackPlan, res.Plan)
	assert.Equal(t, 10, res.VisibleCount)
}

func TestOutOfStockProductsAreIneligible(t *testing.T) {
	f := newFixture(t)
	shop := f.shop(t, "free")
	ids := f.products(t, shop, 11)

	_, err := f.store.DecrementStock(context.Background(), ids[10], 3, base)
	require.NoError(t, err)

	res, err := f.enforcer.Enforce(context.Background(), shop)
	require.NoError(t, err)
	assert.Equal(t, 10, res.Total)
	assert.Equal(t, 0, res.Deactivated, "the sold-out product frees a slot")
	assert.Len(t, f.active(t, shop), 10)
}

func TestEnforceErrors(t *testing.T) {
	f := newFixture(t)

	_, err := f.enforcer.Enforce(context.Background(), 999)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	shop := f.shop(t, "platinum")
	_, err = f.enforcer.Enforce(context.Background(), shop)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestCapacityInvariantAcrossPlans(t *testing.T) {
	f := newFixture(t)
	for _, tc := range []struct {
		plan     string
		products int
		want     int
	}{
		{"free", 3, 3},
		{"free", 10, 10},
		{"free", 25, 10},
		{"starter", 60, 50},
		{"enterprise", 40, 40},
	} {
		shop := f.shop(t, tc.plan)
		f.products(t, shop, tc.products)

		res, err := f.enforcer.Enforce(context.Background(), shop)
		require.NoError(t, err)
		assert.Equal(t, tc.want, res.VisibleCount, tc.plan)
		assert.Len(t, f.active(t, shop), tc.want, tc.plan)
	}
}
