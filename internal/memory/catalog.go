package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/safar/marketplace-settlement/internal/apperr"
	"github.com/safar/marketplace-settlement/internal/models"
)

func (s *Store) CreateStore(ctx context.Context, st *models.Store) error {
	defer s.lock(ctx)()

	if st.ID == 0 {
		st.ID = s.id()
	} else if st.ID > s.nextID {
		s.nextID = st.ID
	}
	now := s.now()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	st.UpdatedAt = now
	if st.SubscriptionStatus == "" {
		st.SubscriptionStatus = models.SubscriptionActive
	}
	s.stores[st.ID] = cloneStore(st)
	return nil
}

func (s *Store) GetStore(ctx context.Context, id int64) (*models.Store, error) {
	defer s.lock(ctx)()

	st, ok := s.stores[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "get store", fmt.Sprintf("store %d not found", id))
	}
	return cloneStore(st), nil
}

func (s *Store) UpdateStorePlan(ctx context.Context, storeID int64, plan string) error {
	defer s.lock(ctx)()

	st, ok := s.stores[storeID]
	if !ok {
		return apperr.New(apperr.KindNotFound, "update store plan", fmt.Sprintf("store %d not found", storeID))
	}
	st.SubscriptionPlan = plan
	st.UpdatedAt = s.now()
	return nil
}

// ActivateSubscription applies a paid subscription once per payment reference.
func (s *Store) ActivateSubscription(ctx context.Context, storeID int64, plan string, expiry time.Time, reference string) (bool, error) {
	defer s.lock(ctx)()

	st, ok := s.stores[storeID]
	if !ok {
		return false, apperr.New(apperr.KindNotFound, "activate subscription", fmt.Sprintf("store %d not found", storeID))
	}
	for _, other := range s.stores {
		if other.LastPaymentReference == reference {
			return false, nil
		}
	}
	st.SubscriptionPlan = plan
	st.SubscriptionStatus = models.SubscriptionActive
	st.SubscriptionExpiryDate = &expiry
	st.LastPaymentReference = reference
	st.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) CreateProduct(ctx context.Context, p *models.Product) error {
	defer s.lock(ctx)()

	if _, ok := s.stores[p.StoreID]; !ok {
		return apperr.New(apperr.KindNotFound, "create product", fmt.Sprintf("store %d not found", p.StoreID))
	}
	if p.InventoryQuantity < 0 {
		return apperr.Validation("create product", "inventory quantity cannot be negative")
	}
	if p.ID == 0 {
		p.ID = s.id()
	} else if p.ID > s.nextID {
		s.nextID = p.ID
	}
	now := s.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	p.Version = 1
	s.products[p.ID] = cloneProduct(p)
	return nil
}

func (s *Store) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	defer s.lock(ctx)()

	p, ok := s.products[id]
	if !ok {
		return nil, apperr.ProductError(apperr.KindNotFound, "get product", id, "product not found")
	}
	return cloneProduct(p), nil
}

// ListStoreProducts returns the store's non-deleted products, newest first.
func (s *Store) ListStoreProducts(ctx context.Context, storeID int64) ([]models.Product, error) {
	defer s.lock(ctx)()

	var out []models.Product
	for _, p := range s.products {
		if p.StoreID == storeID && !p.IsDeleted {
			out = append(out, *cloneProduct(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// ActivateProducts turns on the listed inactive products, skipping deleted ones
// and ones parked for being out of stock.
func (s *Store) ActivateProducts(ctx context.Context, ids []int64) (int, error) {
	defer s.lock(ctx)()

	n := 0
	now := s.now()
	for _, id := range ids {
		p, ok := s.products[id]
		if !ok || p.IsActive || p.IsDeleted || p.DeactivationReason == models.DeactivationOutOfStock {
			continue
		}
		p.IsActive = true
		p.DeactivatedAt = nil
		p.DeactivationReason = models.DeactivationNone
		p.UpdatedAt = now
		p.Version++
		n++
	}
	return n, nil
}

func (s *Store) DeactivateProducts(ctx context.Context, ids []int64, at time.Time) (int, error) {
	defer s.lock(ctx)()

	n := 0
	for _, id := range ids {
		p, ok := s.products[id]
		if !ok || !p.IsActive || p.IsDeleted {
			continue
		}
		t := at
		p.IsActive = false
		p.DeactivatedAt = &t
		p.DeactivationReason = models.DeactivationPlanLimit
		p.UpdatedAt = s.now()
		p.Version++
		n++
	}
	return n, nil
}

// DecrementStock removes qty units if at least qty remain. Reaching zero parks
// the product as out of stock.
func (s *Store) DecrementStock(ctx context.Context, productID int64, qty int, at time.Time) (int, error) {
	defer s.lock(ctx)()

	p, ok := s.products[productID]
	if !ok {
		return 0, apperr.ProductError(apperr.KindNotFound, "decrement stock", productID, "product not found")
	}
	if p.IsDeleted {
		return 0, apperr.ProductError(apperr.KindUnavailable, "decrement stock", productID, "product is deleted")
	}
	if p.InventoryQuantity < qty {
		return 0, apperr.ProductError(apperr.KindInsufficientStock, "decrement stock", productID,
			fmt.Sprintf("requested %d, available %d", qty, p.InventoryQuantity))
	}

	p.InventoryQuantity -= qty
	if p.InventoryQuantity == 0 {
		if p.IsActive {
			t := at
			p.DeactivatedAt = &t
		}
		p.IsActive = false
		p.DeactivationReason = models.DeactivationOutOfStock
	}
	p.UpdatedAt = s.now()
	p.Version++
	return p.InventoryQuantity, nil
}

// IncrementStock returns qty units and reports whether the product was brought
// back from an out-of-stock deactivation.
func (s *Store) IncrementStock(ctx context.Context, productID int64, qty int) (bool, error) {
	defer s.lock(ctx)()

	p, ok := s.products[productID]
	if !ok {
		return false, apperr.ProductError(apperr.KindNotFound, "increment stock", productID, "product not found")
	}

	p.InventoryQuantity += qty
	reactivated := false
	if p.DeactivationReason == models.DeactivationOutOfStock && p.InventoryQuantity > 0 && !p.IsDeleted {
		p.IsActive = true
		p.DeactivatedAt = nil
		p.DeactivationReason = models.DeactivationNone
		reactivated = true
	}
	p.UpdatedAt = s.now()
	p.Version++
	return reactivated, nil
}
