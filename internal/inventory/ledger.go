// Package inventory applies stock movements for settled and cancelled orders.
//
// Every movement runs as one unit of work: either all items of all orders move
// or none do. Markers on the order rows make debit and restore at-most-once.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/safar/marketplace-settlement/internal/apperr"
	"github.com/safar/marketplace-settlement/internal/audit"
	"github.com/safar/marketplace-settlement/internal/clock"
	"github.com/safar/marketplace-settlement/internal/logging"
	"github.com/safar/marketplace-settlement/internal/metrics"
	"github.com/safar/marketplace-settlement/internal/models"
	"go.uber.org/zap"
)

// UnitOfWork runs fn atomically. Implementations join a unit already carried
// by ctx and may run fn more than once.
type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Repository interface {
	// DecrementStock subtracts qty only if that many remain and returns what is
	// left. A product that reaches zero is deactivated as out of stock.
	DecrementStock(ctx context.Context, productID int64, qty int, at time.Time) (int, error)
	// IncrementStock adds qty and reports whether an out-of-stock product was
	// reactivated.
	IncrementStock(ctx context.Context, productID int64, qty int) (bool, error)
	// MarkInventoryDebited sets the debit marker, returning false if it was set.
	MarkInventoryDebited(ctx context.Context, orderID int64, at time.Time) (bool, error)
	// MarkInventoryRestored sets the restore marker on a debited order,
	// returning false if the order was never debited or is already restored.
	MarkInventoryRestored(ctx context.Context, orderID int64, at time.Time) (bool, error)
}

type Options struct {
	Recorder audit.Recorder
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Clock    clock.Clock
}

type Ledger struct {
	uow      UnitOfWork
	repo     Repository
	recorder audit.Recorder
	metrics  *metrics.Metrics
	log      *zap.Logger
	clock    clock.Clock
}

func NewLedger(uow UnitOfWork, repo Repository, opts Options) *Ledger {
	if opts.Recorder == nil {
		opts.Recorder = audit.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}
	return &Ledger{
		uow:      uow,
		repo:     repo,
		recorder: opts.Recorder,
		metrics:  metrics.OrDiscard(opts.Metrics),
		log:      logging.OrNop(opts.Logger).With(zap.String("component", "inventory")),
		clock:    opts.Clock,
	}
}

// DebitResult reports stock left per product after a debit.
type DebitResult struct {
	Remaining map[int64]int
	// Depleted lists products that hit zero and were deactivated.
	Depleted []int64

	reference string
	orders    []models.Order
}

type movement struct {
	productID int64
	qty       int
}

// merge sums quantities per product and sorts by product id, so concurrent
// units always lock rows in the same order.
func merge(orders []models.Order) ([]movement, error) {
	qty := make(map[int64]int)
	for _, o := range orders {
		for _, it := range o.Items {
			if it.Quantity <= 0 {
				return nil, apperr.ProductError(apperr.KindValidation, "merge items", it.ProductID, "quantity must be positive")
			}
			qty[it.ProductID] += it.Quantity
		}
	}
	out := make([]movement, 0, len(qty))
	for id, n := range qty {
		out = append(out, movement{productID: id, qty: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].productID < out[j].productID })
	return out, nil
}

const opDebit = "debit inventory"

// Debit removes the items of orders from stock in a single unit of work.
//
// An order whose debit marker is already set makes the whole call fail with
// KindDuplicateProcessing and change nothing. Any item-level failure rolls
// everything back and returns KindTransactionAborted wrapping the cause.
//
// When ctx carries the caller's unit of work the debit is not final until that
// unit commits, so success is not audited here; call DebitCommitted afterwards.
func (l *Ledger) Debit(ctx context.Context, reference string, orders ...models.Order) (*DebitResult, error) {
	if len(orders) == 0 {
		return nil, apperr.Validation(opDebit, "no orders to debit")
	}
	moves, err := merge(orders)
	if err != nil {
		return nil, err
	}
	if len(moves) == 0 {
		return nil, apperr.Validation(opDebit, "orders have no items")
	}

	ids := orderIDs(orders)
	now := l.clock.Now()
	log := logging.FromContext(ctx, l.log)

	var res *DebitResult
	err = l.uow.WithinTx(ctx, func(ctx context.Context) error {
		res = &DebitResult{Remaining: make(map[int64]int, len(moves)), reference: reference, orders: orders}

		for _, id := range ids {
			marked, err := l.repo.MarkInventoryDebited(ctx, id, now)
			if err != nil {
				return fmt.Errorf("mark order %d debited: %w", id, err)
			}
			if !marked {
				return &apperr.Error{Kind: apperr.KindDuplicateProcessing, Op: opDebit, Reference: reference,
					Message: fmt.Sprintf("order %d already debited", id)}
			}
		}

		for _, mv := range moves {
			left, err := l.repo.DecrementStock(ctx, mv.productID, mv.qty, now)
			if err != nil {
				return err
			}
			res.Remaining[mv.productID] = left
			if left == 0 {
				res.Depleted = append(res.Depleted, mv.productID)
			}
		}
		return nil
	})

	if err != nil {
		if errors.Is(err, apperr.ErrDuplicateProcessing) {
			l.metrics.InventoryOperations.WithLabelValues("debit", "duplicate").Inc()
			log.Info("inventory_debit_duplicate", zap.String("reference", reference))
			return nil, err
		}

		productID := apperr.ProductOf(err)
		l.metrics.InventoryOperations.WithLabelValues("debit", "failed").Inc()
		l.recorder.Record(ctx, models.AuditInventoryDebitFailed, reference,
			audit.Err(err), audit.Meta(map[string]any{"order_ids": ids, "product_id": productID}))
		log.Warn("inventory_debit_failed",
			zap.String("reference", reference),
			zap.Int64("product_id", productID),
			zap.Error(err),
		)
		return nil, &apperr.Error{Kind: apperr.KindTransactionAborted, Op: opDebit, Reference: reference,
			ProductID: productID, Message: "inventory debit rolled back", Err: err}
	}

	return res, nil
}

// DebitCommitted records a debit once the unit of work it ran in has
// committed.
func (l *Ledger) DebitCommitted(ctx context.Context, res *DebitResult) {
	if res == nil {
		return
	}
	l.metrics.InventoryOperations.WithLabelValues("debit", "ok").Inc()
	for _, o := range res.orders {
		l.recorder.Record(ctx, models.AuditInventoryDebited, res.reference,
			audit.Meta(map[string]any{"order_id": o.ID, "store_id": o.StoreID, "items": itemSummary(o.Items)}))
	}
	if len(res.Depleted) > 0 {
		logging.FromContext(ctx, l.log).Info("products_out_of_stock",
			zap.String("reference", res.reference), zap.Int64s("product_ids", res.Depleted))
	}
}

// SkipReason explains why a restore did nothing.
type SkipReason string

const (
	SkipNone            SkipReason = ""
	SkipWrongState      SkipReason = "wrong_state"
	SkipNotDebited      SkipReason = "not_debited"
	SkipAlreadyRestored SkipReason = "already_restored"
)

type RestoreResult struct {
	Applied bool
	Skipped SkipReason
	// Reactivated lists products brought back from an out-of-stock deactivation.
	Reactivated []int64

	reference string
	order     models.Order
	reason    string
}

const opRestore = "restore inventory"

// Restore returns a cancelled or refunded order's items to stock. Orders in
// any other state, orders never debited and orders already restored are
// skipped without error. Like Debit, an applied restore is audited by
// RestoreCommitted once the caller's unit of work has committed.
func (l *Ledger) Restore(ctx context.Context, reference string, order models.Order, payment models.PaymentStatus, reason string) (*RestoreResult, error) {
	log := logging.FromContext(ctx, l.log)

	if order.Status != models.OrderStatusCancelled && payment != models.PaymentStatusRefunded {
		l.metrics.InventoryOperations.WithLabelValues("restore", "skipped").Inc()
		log.Info("inventory_restore_skipped",
			zap.String("reference", reference),
			zap.Int64("order_id", order.ID),
			zap.String("status", string(order.Status)),
			zap.String("payment_status", string(payment)),
		)
		return &RestoreResult{Skipped: SkipWrongState}, nil
	}

	moves, err := merge([]models.Order{order})
	if err != nil {
		return nil, err
	}

	now := l.clock.Now()
	var res *RestoreResult
	err = l.uow.WithinTx(ctx, func(ctx context.Context) error {
		res = &RestoreResult{reference: reference, order: order, reason: reason}

		marked, err := l.repo.MarkInventoryRestored(ctx, order.ID, now)
		if err != nil {
			return fmt.Errorf("mark order %d restored: %w", order.ID, err)
		}
		if !marked {
			res.Skipped = SkipAlreadyRestored
			if order.InventoryDebitedAt == nil {
				res.Skipped = SkipNotDebited
			}
			return nil
		}

		for _, mv := range moves {
			reactivated, err := l.repo.IncrementStock(ctx, mv.productID, mv.qty)
			if err != nil {
				return err
			}
			if reactivated {
				res.Reactivated = append(res.Reactivated, mv.productID)
			}
		}
		res.Applied = true
		return nil
	})
	if err != nil {
		l.metrics.InventoryOperations.WithLabelValues("restore", "failed").Inc()
		log.Error("inventory_restore_failed",
			zap.String("reference", reference),
			zap.Int64("order_id", order.ID),
			zap.Error(err),
		)
		return nil, &apperr.Error{Kind: apperr.KindTransactionAborted, Op: opRestore, Reference: reference,
			ProductID: apperr.ProductOf(err), Message: "inventory restore rolled back", Err: err}
	}

	if !res.Applied {
		l.metrics.InventoryOperations.WithLabelValues("restore", "skipped").Inc()
		log.Info("inventory_restore_skipped",
			zap.String("reference", reference),
			zap.Int64("order_id", order.ID),
			zap.String("skip", string(res.Skipped)),
		)
		return res, nil
	}

	return res, nil
}

// RestoreCommitted records an applied restore once the unit of work it ran in
// has committed. Skipped restores record nothing.
func (l *Ledger) RestoreCommitted(ctx context.Context, res *RestoreResult) {
	if res == nil || !res.Applied {
		return
	}
	l.metrics.InventoryOperations.WithLabelValues("restore", "ok").Inc()
	l.recorder.Record(ctx, models.AuditInventoryRestored, res.reference,
		audit.Meta(map[string]any{
			"order_id":    res.order.ID,
			"store_id":    res.order.StoreID,
			"reason":      res.reason,
			"items":       itemSummary(res.order.Items),
			"reactivated": res.Reactivated,
		}))
}

func orderIDs(orders []models.Order) []int64 {
	ids := make([]int64, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func itemSummary(items []models.OrderItem) []map[string]any {
	out := make([]map[string]any, len(items))
	for i, it := range items {
		out[i] = map[string]any{"product_id": it.ProductID, "quantity": it.Quantity}
	}
	return out
}
