package memory

import (
	"context"
	"sort"
	"time"

	"github.com/safar/marketplace-settlement/internal/apperr"
	"github.com/safar/marketplace-settlement/internal/models"
	"github.com/safar/marketplace-settlement/internal/pagination"
)

// CreateMainOrder stores m with its sub-orders and items, assigning ids.
func (s *Store) CreateMainOrder(ctx context.Context, m *models.MainOrder) error {
	defer s.lock(ctx)()

	if m.Reference == "" {
		return apperr.Validation("create main order", "reference is required")
	}
	if _, dup := s.refs[m.Reference]; dup {
		return &apperr.Error{Kind: apperr.KindDuplicateProcessing, Op: "create main order", Reference: m.Reference, Message: "reference already exists"}
	}

	now := s.now()
	m.ID = s.id()
	m.CreatedAt, m.UpdatedAt = now, now
	m.Version = 1
	if m.PaymentStatus == "" {
		m.PaymentStatus = models.PaymentStatusPending
	}
	if m.Status == "" {
		m.Status = models.OrderStatusPending
	}

	for i := range m.SubOrders {
		o := &m.SubOrders[i]
		o.ID = s.id()
		o.MainOrderID = m.ID
		o.UserID = m.UserID
		o.CreatedAt, o.UpdatedAt = now, now
		if o.Status == "" {
			o.Status = models.OrderStatusPending
		}
		for j := range o.Items {
			o.Items[j].ID = s.id()
			o.Items[j].OrderID = o.ID
			o.Items[j].CreatedAt = now
		}
		s.orders[o.ID] = cloneOrder(o)
	}

	s.mainOrders[m.ID] = cloneMainOrder(m)
	s.refs[m.Reference] = m.ID
	return nil
}

func (s *Store) GetMainOrderByReference(ctx context.Context, reference string) (*models.MainOrder, error) {
	defer s.lock(ctx)()

	m, ok := s.mainByRef(reference)
	if !ok {
		return nil, &apperr.Error{Kind: apperr.KindNotFound, Op: "get main order", Reference: reference, Message: "order not found"}
	}
	return s.assemble(m), nil
}

func (s *Store) GetMainOrder(ctx context.Context, id int64) (*models.MainOrder, error) {
	defer s.lock(ctx)()

	m, ok := s.mainOrders[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "get main order", "order not found")
	}
	return s.assemble(m), nil
}

func (s *Store) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	defer s.lock(ctx)()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "get order", "order not found")
	}
	return cloneOrder(o), nil
}

// ListMainOrdersByUser pages through a user's orders newest first, starting
// strictly after cursor.
func (s *Store) ListMainOrdersByUser(ctx context.Context, userID int64, cursor pagination.Cursor, limit int) ([]models.MainOrder, error) {
	defer s.lock(ctx)()

	var rows []*models.MainOrder
	for _, m := range s.mainOrders {
		if m.UserID == userID && cursor.Before(m.CreatedAt, m.ID) {
			rows = append(rows, m)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.After(rows[j].CreatedAt)
		}
		return rows[i].ID > rows[j].ID
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}

	out := make([]models.MainOrder, 0, len(rows))
	for _, m := range rows {
		out = append(out, *s.assemble(m))
	}
	return out, nil
}

// ClaimPayment moves a pending payment to paid. It reports false when the
// payment was not pending, which callers treat as a duplicate settlement.
func (s *Store) ClaimPayment(ctx context.Context, reference string, details models.PaymentDetails, paidAt time.Time) (bool, error) {
	defer s.lock(ctx)()

	m, ok := s.mainByRef(reference)
	if !ok {
		return false, &apperr.Error{Kind: apperr.KindNotFound, Op: "claim payment", Reference: reference, Message: "order not found"}
	}
	if m.PaymentStatus != models.PaymentStatusPending {
		return false, nil
	}
	t := paidAt
	m.PaymentStatus = models.PaymentStatusPaid
	m.PaymentDetails = details
	m.PaidAt = &t
	m.UpdatedAt = s.now()
	m.Version++
	return true, nil
}

func (s *Store) MarkPaymentFailed(ctx context.Context, reference string, details models.PaymentDetails) (bool, error) {
	defer s.lock(ctx)()

	m, ok := s.mainByRef(reference)
	if !ok {
		return false, &apperr.Error{Kind: apperr.KindNotFound, Op: "mark payment failed", Reference: reference, Message: "order not found"}
	}
	if m.PaymentStatus != models.PaymentStatusPending {
		return false, nil
	}
	m.PaymentStatus = models.PaymentStatusFailed
	m.PaymentDetails = details
	m.UpdatedAt = s.now()
	m.Version++
	return true, nil
}

func (s *Store) MarkRefunded(ctx context.Context, reference string) (bool, error) {
	defer s.lock(ctx)()

	m, ok := s.mainByRef(reference)
	if !ok {
		return false, &apperr.Error{Kind: apperr.KindNotFound, Op: "mark refunded", Reference: reference, Message: "order not found"}
	}
	if m.PaymentStatus != models.PaymentStatusPaid {
		return false, nil
	}
	m.PaymentStatus = models.PaymentStatusRefunded
	m.UpdatedAt = s.now()
	m.Version++
	return true, nil
}

// SetOrderStatus moves a sub-order from one status to another, reporting false
// when it was no longer in from.
func (s *Store) SetOrderStatus(ctx context.Context, orderID int64, from, to models.OrderStatus) (bool, error) {
	defer s.lock(ctx)()

	o, ok := s.orders[orderID]
	if !ok {
		return false, apperr.New(apperr.KindNotFound, "set order status", "order not found")
	}
	if o.Status != from {
		return false, nil
	}
	o.Status = to
	o.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) SetMainOrderStatus(ctx context.Context, reference string, status models.OrderStatus) error {
	defer s.lock(ctx)()

	m, ok := s.mainByRef(reference)
	if !ok {
		return &apperr.Error{Kind: apperr.KindNotFound, Op: "set main order status", Reference: reference, Message: "order not found"}
	}
	if m.Status != status {
		m.Status = status
		m.UpdatedAt = s.now()
		m.Version++
	}
	return nil
}

func (s *Store) MarkInventoryDebited(ctx context.Context, orderID int64, at time.Time) (bool, error) {
	defer s.lock(ctx)()

	o, ok := s.orders[orderID]
	if !ok {
		return false, apperr.New(apperr.KindNotFound, "mark inventory debited", "order not found")
	}
	if o.InventoryDebitedAt != nil {
		return false, nil
	}
	t := at
	o.InventoryDebitedAt = &t
	return true, nil
}

func (s *Store) MarkInventoryRestored(ctx context.Context, orderID int64, at time.Time) (bool, error) {
	defer s.lock(ctx)()

	o, ok := s.orders[orderID]
	if !ok {
		return false, apperr.New(apperr.KindNotFound, "mark inventory restored", "order not found")
	}
	if o.InventoryDebitedAt == nil || o.InventoryRestoredAt != nil {
		return false, nil
	}
	t := at
	o.InventoryRestoredAt = &t
	return true, nil
}

// ClaimStalePending returns up to limit pending references not polled since
// before, oldest first, stamping them as polled at now.
func (s *Store) ClaimStalePending(ctx context.Context, before, now time.Time, limit int) ([]string, error) {
	defer s.lock(ctx)()

	var stale []*models.MainOrder
	for _, m := range s.mainOrders {
		if m.PaymentStatus != models.PaymentStatusPending {
			continue
		}
		last := m.CreatedAt
		if m.LastPolledAt != nil {
			last = *m.LastPolledAt
		}
		if last.Before(before) {
			stale = append(stale, m)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		if !stale[i].CreatedAt.Equal(stale[j].CreatedAt) {
			return stale[i].CreatedAt.Before(stale[j].CreatedAt)
		}
		return stale[i].ID < stale[j].ID
	})
	if len(stale) > limit {
		stale = stale[:limit]
	}

	refs := make([]string, 0, len(stale))
	for _, m := range stale {
		t := now
		m.LastPolledAt = &t
		refs = append(refs, m.Reference)
	}
	return refs, nil
}

// DeferPoll keeps a pending payment out of ClaimStalePending by pretending it
// was polled at until.
func (s *Store) DeferPoll(ctx context.Context, reference string, until time.Time) error {
	defer s.lock(ctx)()

	m, ok := s.mainByRef(reference)
	if !ok || m.PaymentStatus != models.PaymentStatusPending {
		return nil
	}
	t := until
	m.LastPolledAt = &t
	return nil
}

func (s *Store) mainByRef(reference string) (*models.MainOrder, bool) {
	id, ok := s.refs[reference]
	if !ok {
		return nil, false
	}
	m, ok := s.mainOrders[id]
	return m, ok
}

func (s *Store) assemble(m *models.MainOrder) *models.MainOrder {
	out := cloneMainOrder(m)
	for _, o := range s.orders {
		if o.MainOrderID == m.ID {
			out.SubOrders = append(out.SubOrders, *cloneOrder(o))
		}
	}
	sort.Slice(out.SubOrders, func(i, j int) bool { return out.SubOrders[i].ID < out.SubOrders[j].ID })
	return out
}
