// Package memory provides in-process implementations of the settlement
// repositories. Units of work are serialized and rolled back by snapshot, which
// gives the same all-or-nothing behaviour as the Postgres adapters.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/safar/marketplace-settlement/internal/clock"
	"github.com/safar/marketplace-settlement/internal/models"
)

type Store struct {
	txMu  sync.Mutex
	clock clock.Clock

	nextID     int64
	stores     map[int64]*models.Store
	products   map[int64]*models.Product
	mainOrders map[int64]*models.MainOrder
	orders     map[int64]*models.Order
	refs       map[string]int64

	auditMu   sync.Mutex
	audit     []models.AuditEvent
	auditSeq  int64
	auditFail error
}

func NewStore(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Store{
		clock:      clk,
		stores:     make(map[int64]*models.Store),
		products:   make(map[int64]*models.Product),
		mainOrders: make(map[int64]*models.MainOrder),
		orders:     make(map[int64]*models.Order),
		refs:       make(map[string]int64),
	}
}

type txKey struct{}

func (s *Store) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Store)
	return owner == s
}

// lock serializes access unless ctx already belongs to a unit of work on s.
func (s *Store) lock(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.txMu.Lock()
	return s.txMu.Unlock
}

// WithinTx runs fn exclusively; if fn fails every change it made is undone.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type snapshot struct {
	nextID     int64
	stores     map[int64]*models.Store
	products   map[int64]*models.Product
	mainOrders map[int64]*models.MainOrder
	orders     map[int64]*models.Order
	refs       map[string]int64
}

func (s *Store) snapshot() snapshot {
	snap := snapshot{
		nextID:     s.nextID,
		stores:     make(map[int64]*models.Store, len(s.stores)),
		products:   make(map[int64]*models.Product, len(s.products)),
		mainOrders: make(map[int64]*models.MainOrder, len(s.mainOrders)),
		orders:     make(map[int64]*models.Order, len(s.orders)),
		refs:       make(map[string]int64, len(s.refs)),
	}
	for id, v := range s.stores {
		snap.stores[id] = cloneStore(v)
	}
	for id, v := range s.products {
		snap.products[id] = cloneProduct(v)
	}
	for id, v := range s.mainOrders {
		snap.mainOrders[id] = cloneMainOrder(v)
	}
	for id, v := range s.orders {
		snap.orders[id] = cloneOrder(v)
	}
	for k, v := range s.refs {
		snap.refs[k] = v
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.nextID = snap.nextID
	s.stores = snap.stores
	s.products = snap.products
	s.mainOrders = snap.mainOrders
	s.orders = snap.orders
	s.refs = snap.refs
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *Store) now() time.Time {
	return s.clock.Now()
}

func cloneStore(v *models.Store) *models.Store {
	c := *v
	if v.SubscriptionExpiryDate != nil {
		t := *v.SubscriptionExpiryDate
		c.SubscriptionExpiryDate = &t
	}
	return &c
}

func cloneProduct(v *models.Product) *models.Product {
	c := *v
	if v.DeactivatedAt != nil {
		t := *v.DeactivatedAt
		c.DeactivatedAt = &t
	}
	return &c
}

func cloneOrder(v *models.Order) *models.Order {
	c := *v
	c.Items = append([]models.OrderItem(nil), v.Items...)
	if v.InventoryDebitedAt != nil {
		t := *v.InventoryDebitedAt
		c.InventoryDebitedAt = &t
	}
	if v.InventoryRestoredAt != nil {
		t := *v.InventoryRestoredAt
		c.InventoryRestoredAt = &t
	}
	return &c
}

// cloneMainOrder copies the aggregate row; sub-orders live in s.orders.
func cloneMainOrder(v *models.MainOrder) *models.MainOrder {
	c := *v
	c.SubOrders = nil
	if v.PaidAt != nil {
		t := *v.PaidAt
		c.PaidAt = &t
	}
	if v.LastPolledAt != nil {
		t := *v.LastPolledAt
		c.LastPolledAt = &t
	}
	return &c
}
