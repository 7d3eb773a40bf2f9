package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"
	"github.com/safar/marketplace-settlement/internal/apperr"
	"github.com/safar/marketplace-settlement/internal/database"
	"github.com/safar/marketplace-settlement/internal/models"
	"github.com/safar/marketplace-settlement/internal/pagination"
)

func orderNotFound(op, reference string) error {
	return &apperr.Error{Kind: apperr.KindNotFound, Op: op, Reference: reference, Message: "order not found"}
}

// CreateMainOrder stores m with its sub-orders and items, assigning ids.
func (s *Store) CreateMainOrder(ctx context.Context, m *models.MainOrder) error {
	const op = "create main order"
	if m.Reference == "" {
		return apperr.Validation(op, "reference is required")
	}
	if m.PaymentStatus == "" {
		m.PaymentStatus = models.PaymentStatusPending
	}
	if m.Status == "" {
		m.Status = models.OrderStatusPending
	}
	details, err := json.Marshal(m.PaymentDetails)
	if err != nil {
		return fmt.Errorf("encode payment details: %w", err)
	}

	return s.WithinTx(ctx, func(ctx context.Context) error {
		conn := s.conn(ctx)
		err := conn.QueryRowContext(ctx, `
			INSERT INTO main_orders (reference, user_id, email, grand_total, delivery_fee, payment_status, payment_details, status, created_at, updated_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW(), 1)
			RETURNING id, created_at, updated_at, version`,
			m.Reference, m.UserID, m.Email, m.GrandTotal, m.DeliveryFee, m.PaymentStatus, details, m.Status,
		).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt, &m.Version)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return &apperr.Error{Kind: apperr.KindDuplicateProcessing, Op: op, Reference: m.Reference, Message: "reference already exists", Err: err}
			}
			return fmt.Errorf("create main order: %w", err)
		}

		for i := range m.SubOrders {
			o := &m.SubOrders[i]
			o.MainOrderID = m.ID
			o.UserID = m.UserID
			if o.Status == "" {
				o.Status = models.OrderStatusPending
			}
			err := conn.QueryRowContext(ctx, `
				INSERT INTO orders (main_order_id, store_id, user_id, total_price, status, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
				RETURNING id, created_at, updated_at`,
				o.MainOrderID, o.StoreID, o.UserID, o.TotalPrice, o.Status,
			).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
			if err != nil {
				return fmt.Errorf("create order for store %d: %w", o.StoreID, err)
			}

			for j := range o.Items {
				it := &o.Items[j]
				it.OrderID = o.ID
				err := conn.QueryRowContext(ctx, `
					INSERT INTO order_items (order_id, product_id, quantity, price_at_purchase, created_at)
					VALUES ($1, $2, $3, $4, NOW())
					RETURNING id, created_at`,
					it.OrderID, it.ProductID, it.Quantity, it.PriceAtPurchase,
				).Scan(&it.ID, &it.CreatedAt)
				if err != nil {
					return fmt.Errorf("create order item: %w", err)
				}
			}
		}
		return nil
	})
}

const mainOrderColumns = `id, reference, user_id, email, grand_total, delivery_fee, payment_status,
	payment_details, status, paid_at, last_polled_at, created_at, updated_at, version`

func scanMainOrder(row rowScanner) (*models.MainOrder, error) {
	var (
		m        models.MainOrder
		details  []byte
		paid     sql.NullTime
		lastPoll sql.NullTime
	)
	err := row.Scan(
		&m.ID,
		&m.Reference,
		&m.UserID,
		&m.Email,
		&m.GrandTotal,
		&m.DeliveryFee,
		&m.PaymentStatus,
		&details,
		&m.Status,
		&paid,
		&lastPoll,
		&m.CreatedAt,
		&m.UpdatedAt,
		&m.Version,
	)
	if err != nil {
		return nil, err
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &m.PaymentDetails); err != nil {
			return nil, fmt.Errorf("decode payment details: %w", err)
		}
	}
	m.PaidAt = timePtr(paid)
	m.LastPolledAt = timePtr(lastPoll)
	return &m, nil
}

func (s *Store) GetMainOrderByReference(ctx context.Context, reference string) (*models.MainOrder, error) {
	m, err := scanMainOrder(s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+mainOrderColumns+` FROM main_orders WHERE reference = $1`, reference))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, orderNotFound("get main order", reference)
		}
		return nil, fmt.Errorf("get main order: %w", err)
	}
	if err := s.attachSubOrders(ctx, []*models.MainOrder{m}); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) GetMainOrder(ctx context.Context, id int64) (*models.MainOrder, error) {
	m, err := scanMainOrder(s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+mainOrderColumns+` FROM main_orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.KindNotFound, "get main order", "order not found")
		}
		return nil, fmt.Errorf("get main order: %w", err)
	}
	if err := s.attachSubOrders(ctx, []*models.MainOrder{m}); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	orders, err := s.loadOrders(ctx, `WHERE id = $1`, orderID)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, apperr.New(apperr.KindNotFound, "get order", "order not found")
	}
	return &orders[0], nil
}

// ListMainOrdersByUser pages through a user's orders newest first, starting
// strictly after cursor.
func (s *Store) ListMainOrdersByUser(ctx context.Context, userID int64, cursor pagination.Cursor, limit int) ([]models.MainOrder, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT `+mainOrderColumns+`
		FROM main_orders
		WHERE user_id = $1
		  AND (created_at, id) < ($2, $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4`,
		userID, cursor.CreatedAt, cursor.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("list main orders: %w", err)
	}
	defer rows.Close()

	var mains []*models.MainOrder
	for rows.Next() {
		m, err := scanMainOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan main order: %w", err)
		}
		mains = append(mains, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	if err := s.attachSubOrders(ctx, mains); err != nil {
		return nil, err
	}

	out := make([]models.MainOrder, 0, len(mains))
	for _, m := range mains {
		out = append(out, *m)
	}
	return out, nil
}

func (s *Store) attachSubOrders(ctx context.Context, mains []*models.MainOrder) error {
	if len(mains) == 0 {
		return nil
	}
	ids := make([]int64, len(mains))
	byID := make(map[int64]*models.MainOrder, len(mains))
	for i, m := range mains {
		ids[i] = m.ID
		byID[m.ID] = m
	}
	orders, err := s.loadOrders(ctx, `WHERE main_order_id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return err
	}
	for _, o := range orders {
		m := byID[o.MainOrderID]
		m.SubOrders = append(m.SubOrders, o)
	}
	return nil
}

// loadOrders reads the orders matching where, ordered by id, with their items.
func (s *Store) loadOrders(ctx context.Context, where string, args ...any) ([]models.Order, error) {
	conn := s.conn(ctx)
	rows, err := conn.QueryContext(ctx, `
		SELECT id, main_order_id, store_id, user_id, total_price, status,
		       inventory_debited_at, inventory_restored_at, created_at, updated_at
		FROM orders `+where+`
		ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("load orders: %w", err)
	}
	defer rows.Close()

	var (
		orders []models.Order
		ids    []int64
	)
	for rows.Next() {
		var (
			o                 models.Order
			debited, restored sql.NullTime
		)
		if err := rows.Scan(&o.ID, &o.MainOrderID, &o.StoreID, &o.UserID, &o.TotalPrice, &o.Status,
			&debited, &restored, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.InventoryDebitedAt = timePtr(debited)
		o.InventoryRestoredAt = timePtr(restored)
		orders = append(orders, o)
		ids = append(ids, o.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	if len(orders) == 0 {
		return nil, nil
	}

	itemRows, err := conn.QueryContext(ctx, `
		SELECT id, order_id, product_id, quantity, price_at_purchase, created_at
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY id`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("load order items: %w", err)
	}
	defer itemRows.Close()

	index := make(map[int64]int, len(orders))
	for i, o := range orders {
		index[o.ID] = i
	}
	for itemRows.Next() {
		var it models.OrderItem
		if err := itemRows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Quantity, &it.PriceAtPurchase, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		o := &orders[index[it.OrderID]]
		o.Items = append(o.Items, it)
	}
	if err := itemRows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return orders, nil
}

// transition runs a conditional update on main_orders. Zero rows means either
// the guard failed (false, nil) or the reference does not exist.
func (s *Store) transition(ctx context.Context, op, reference, query string, args ...any) (bool, error) {
	res, err := s.conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	ok, err := affected(res)
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	if ok {
		return true, nil
	}
	var exists bool
	if err := s.conn(ctx).QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM main_orders WHERE reference = $1)`, reference).Scan(&exists); err != nil {
		return false, fmt.Errorf("check order exists: %w", err)
	}
	if !exists {
		return false, orderNotFound(op, reference)
	}
	return false, nil
}

// ClaimPayment moves a pending payment to paid. It reports false when the
// payment was not pending, which callers treat as a duplicate settlement.
func (s *Store) ClaimPayment(ctx context.Context, reference string, details models.PaymentDetails, paidAt time.Time) (bool, error) {
	raw, err := json.Marshal(details)
	if err != nil {
		return false, fmt.Errorf("encode payment details: %w", err)
	}
	return s.transition(ctx, "claim payment", reference, `
		UPDATE main_orders
		SET payment_status = 'paid',
		    payment_details = $2,
		    paid_at = $3,
		    updated_at = NOW(),
		    version = version + 1
		WHERE reference = $1 AND payment_status = 'pending'`,
		reference, raw, paidAt)
}

func (s *Store) MarkPaymentFailed(ctx context.Context, reference string, details models.PaymentDetails) (bool, error) {
	raw, err := json.Marshal(details)
	if err != nil {
		return false, fmt.Errorf("encode payment details: %w", err)
	}
	return s.transition(ctx, "mark payment failed", reference, `
		UPDATE main_orders
		SET payment_status = 'failed',
		    payment_details = $2,
		    updated_at = NOW(),
		    version = version + 1
		WHERE reference = $1 AND payment_status = 'pending'`,
		reference, raw)
}

func (s *Store) MarkRefunded(ctx context.Context, reference string) (bool, error) {
	return s.transition(ctx, "mark refunded", reference, `
		UPDATE main_orders
		SET payment_status = 'refunded',
		    updated_at = NOW(),
		    version = version + 1
		WHERE reference = $1 AND payment_status = 'paid'`,
		reference)
}

func (s *Store) SetMainOrderStatus(ctx context.Context, reference string, status models.OrderStatus) error {
	_, err := s.transition(ctx, "set main order status", reference, `
		UPDATE main_orders
		SET status = $2,
		    updated_at = NOW(),
		    version = version + 1
		WHERE reference = $1 AND status <> $2`,
		reference, status)
	return err
}

// orderUpdate runs a guarded update on orders keyed by $1.
func (s *Store) orderUpdate(ctx context.Context, op string, orderID int64, query string, args ...any) (bool, error) {
	res, err := s.conn(ctx).ExecContext(ctx, query, append([]any{orderID}, args...)...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	ok, err := affected(res)
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	if ok {
		return true, nil
	}
	var exists bool
	if err := s.conn(ctx).QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, orderID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check order exists: %w", err)
	}
	if !exists {
		return false, apperr.New(apperr.KindNotFound, op, "order not found")
	}
	return false, nil
}

// SetOrderStatus moves a sub-order from one status to another, reporting false
// when it was no longer in from.
func (s *Store) SetOrderStatus(ctx context.Context, orderID int64, from, to models.OrderStatus) (bool, error) {
	return s.orderUpdate(ctx, "set order status", orderID, `
		UPDATE orders SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		from, to)
}

func (s *Store) MarkInventoryDebited(ctx context.Context, orderID int64, at time.Time) (bool, error) {
	return s.orderUpdate(ctx, "mark inventory debited", orderID, `
		UPDATE orders SET inventory_debited_at = $2, updated_at = NOW()
		WHERE id = $1 AND inventory_debited_at IS NULL`,
		at)
}

func (s *Store) MarkInventoryRestored(ctx context.Context, orderID int64, at time.Time) (bool, error) {
	return s.orderUpdate(ctx, "mark inventory restored", orderID, `
		UPDATE orders SET inventory_restored_at = $2, updated_at = NOW()
		WHERE id = $1 AND inventory_debited_at IS NOT NULL AND inventory_restored_at IS NULL`,
		at)
}

// ClaimStalePending returns up to limit pending references not polled since
// before, oldest first, stamping them as polled at now. Rows another poller
// holds are skipped.
func (s *Store) ClaimStalePending(ctx context.Context, before, now time.Time, limit int) ([]string, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		WITH stale AS (
			SELECT id, created_at
			FROM main_orders
			WHERE payment_status = 'pending'
			  AND COALESCE(last_polled_at, created_at) < $1
			ORDER BY created_at, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE main_orders m
		SET last_polled_at = $2
		FROM stale
		WHERE m.id = stale.id
		RETURNING m.reference, stale.created_at, stale.id`,
		before, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim stale pending: %w", err)
	}
	defer rows.Close()

	type claimed struct {
		ref     string
		created time.Time
		id      int64
	}
	var got []claimed
	for rows.Next() {
		var c claimed
		if err := rows.Scan(&c.ref, &c.created, &c.id); err != nil {
			return nil, fmt.Errorf("scan stale reference: %w", err)
		}
		got = append(got, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	sort.Slice(got, func(i, j int) bool {
		if !got[i].created.Equal(got[j].created) {
			return got[i].created.Before(got[j].created)
		}
		return got[i].id < got[j].id
	})
	refs := make([]string, len(got))
	for i, c := range got {
		refs[i] = c.ref
	}
	return refs, nil
}

// DeferPoll moves a pending payment's poll mark to until, so the reconciler
// leaves it alone until then.
func (s *Store) DeferPoll(ctx context.Context, reference string, until time.Time) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE main_orders
		SET last_polled_at = $2
		WHERE reference = $1 AND payment_status = 'pending'`,
		reference, until)
	if err != nil {
		return fmt.Errorf("defer poll: %w", err)
	}
	return nil
}
