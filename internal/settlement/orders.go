package settlement

import (
	"context"
	"fmt"

	"github.com/safar/marketplace-settlement/internal/apperr"
	"github.com/safar/marketplace-settlement/internal/audit"
	"github.com/safar/marketplace-settlement/internal/inventory"
	"github.com/safar/marketplace-settlement/internal/logging"
	"github.com/safar/marketplace-settlement/internal/models"
	"github.com/safar/marketplace-settlement/internal/pagination"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type CancelResult struct {
	Reference     string               `json:"reference"`
	Status        models.OrderStatus   `json:"status"`
	PaymentStatus models.PaymentStatus `json:"payment_status"`
	Restored      []int64              `json:"restored_orders"`
	Reactivated   []int64              `json:"reactivated_products"`
	// AlreadyDone is set when a previous call made the change.
	AlreadyDone bool `json:"already_done"`
}

const (
	opCancel  = "cancel order"
	opRefund  = "refund order"
	opAdvance = "advance order"
)

// Cancel cancels every sub-order of reference and returns debited stock. A
// pending payment is marked failed so a late success cannot settle it.
func (s *Service) Cancel(ctx context.Context, reference, reason string) (*CancelResult, error) {
	return s.unwind(ctx, opCancel, reference, reason)
}

// Refund marks a paid order refunded, cancels what has not shipped and
// returns its stock. The money movement itself happens at the gateway.
func (s *Service) Refund(ctx context.Context, reference, reason string) (*CancelResult, error) {
	return s.unwind(ctx, opRefund, reference, reason)
}

func (s *Service) unwind(ctx context.Context, op, reference, reason string) (*CancelResult, error) {
	ctx, span := s.tracer.Start(ctx, "settlement.unwind")
	span.SetAttributes(attribute.String("payment.reference", reference), attribute.String("settlement.op", op))
	defer span.End()
	log := logging.FromContext(ctx, s.log).With(zap.String("reference", reference), zap.String("op", op))

	order, err := s.repo.GetMainOrderByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if err := checkUnwind(op, order); err != nil {
		return nil, err
	}

	res := &CancelResult{Reference: reference}
	if done(op, order) {
		res.AlreadyDone = true
		res.Status = order.Status
		res.PaymentStatus = order.PaymentStatus
		return res, nil
	}

	var restores []*inventory.RestoreResult
	err = s.repo.WithinTx(ctx, func(ctx context.Context) error {
		res.Restored, res.Reactivated, restores = nil, nil, nil
		payment := order.PaymentStatus

		switch {
		case op == opRefund:
			ok, err := s.repo.MarkRefunded(ctx, reference)
			if err != nil {
				return fmt.Errorf("mark refunded: %w", err)
			}
			if !ok {
				return &apperr.Error{Kind: apperr.KindInvalidTransition, Op: op, Reference: reference, Message: "payment changed concurrently"}
			}
			payment = models.PaymentStatusRefunded
		case payment == models.PaymentStatusPending:
			if _, err := s.repo.MarkPaymentFailed(ctx, reference, models.PaymentDetails{FailureReason: "cancelled: " + reason}); err != nil {
				return fmt.Errorf("mark payment failed: %w", err)
			}
			payment = models.PaymentStatusFailed
		}

		for _, o := range order.SubOrders {
			if o.Status != models.OrderStatusCancelled {
				ok, err := s.repo.SetOrderStatus(ctx, o.ID, o.Status, models.OrderStatusCancelled)
				if err != nil {
					return fmt.Errorf("cancel order %d: %w", o.ID, err)
				}
				if !ok {
					return &apperr.Error{Kind: apperr.KindInvalidTransition, Op: op, Reference: reference,
						Message: fmt.Sprintf("order %d changed concurrently", o.ID)}
				}
				o.Status = models.OrderStatusCancelled
			}

			restored, err := s.ledger.Restore(ctx, reference, o, payment, reason)
			if err != nil {
				return err
			}
			restores = append(restores, restored)
			if restored.Applied {
				res.Restored = append(res.Restored, o.ID)
				res.Reactivated = append(res.Reactivated, restored.Reactivated...)
			}
		}

		if err := s.repo.SetMainOrderStatus(ctx, reference, models.OrderStatusCancelled); err != nil {
			return fmt.Errorf("cancel main order: %w", err)
		}
		res.Status = models.OrderStatusCancelled
		res.PaymentStatus = payment
		return nil
	})
	if err != nil {
		log.Error("order_unwind_failed", zap.Error(err))
		return nil, err
	}
	for _, r := range restores {
		s.ledger.RestoreCommitted(ctx, r)
	}

	kind := models.AuditOrderCancelled
	if op == opRefund {
		kind = models.AuditPaymentRefunded
	}
	s.recorder.Record(ctx, kind, reference,
		audit.User(order.UserID), audit.Amount(order.GrandTotal),
		audit.Meta(map[string]any{"reason": reason, "restored_orders": res.Restored, "payment_status": string(res.PaymentStatus)}))
	log.Info("order_unwound",
		zap.String("reason", reason),
		zap.Int64s("restored_orders", res.Restored),
		zap.Int64s("reactivated", res.Reactivated),
	)

	if len(res.Reactivated) > 0 {
		s.enforceAll(ctx, storesOf(order.SubOrders, res.Reactivated))
	}
	return res, nil
}

func checkUnwind(op string, order *models.MainOrder) error {
	for _, o := range order.SubOrders {
		if o.Status == models.OrderStatusShipped || o.Status == models.OrderStatusDelivered {
			return &apperr.Error{Kind: apperr.KindInvalidTransition, Op: op, Reference: order.Reference,
				Message: fmt.Sprintf("order %d is already %s", o.ID, o.Status)}
		}
	}
	if op == opRefund && order.PaymentStatus != models.PaymentStatusPaid && order.PaymentStatus != models.PaymentStatusRefunded {
		return &apperr.Error{Kind: apperr.KindInvalidTransition, Op: op, Reference: order.Reference,
			Message: fmt.Sprintf("cannot refund a %s payment", order.PaymentStatus)}
	}
	return nil
}

func done(op string, order *models.MainOrder) bool {
	if op == opRefund {
		return order.PaymentStatus == models.PaymentStatusRefunded
	}
	return order.Status == models.OrderStatusCancelled
}

// AdvanceOrder moves one sub-order along its state machine and keeps the main
// order's status in step. Cancelling a paid sub-order returns its stock.
func (s *Service) AdvanceOrder(ctx context.Context, orderID int64, next models.OrderStatus) (*models.Order, error) {
	if !next.Valid() {
		return nil, apperr.Validation(opAdvance, fmt.Sprintf("unknown status %q", next))
	}
	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.Status.CanTransitionTo(next) {
		return nil, apperr.New(apperr.KindInvalidTransition, opAdvance,
			fmt.Sprintf("order %d cannot move from %s to %s", orderID, o.Status, next))
	}
	parent, err := s.repo.GetMainOrder(ctx, o.MainOrderID)
	if err != nil {
		return nil, err
	}
	if next != models.OrderStatusCancelled && parent.PaymentStatus != models.PaymentStatusPaid {
		return nil, &apperr.Error{Kind: apperr.KindInvalidTransition, Op: opAdvance, Reference: parent.Reference,
			Message: fmt.Sprintf("payment is %s", parent.PaymentStatus)}
	}

	var (
		restored      *inventory.RestoreResult
		paymentFailed bool
	)
	err = s.repo.WithinTx(ctx, func(ctx context.Context) error {
		restored, paymentFailed = nil, false

		ok, err := s.repo.SetOrderStatus(ctx, orderID, o.Status, next)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.New(apperr.KindInvalidTransition, opAdvance, fmt.Sprintf("order %d changed concurrently", orderID))
		}

		if next == models.OrderStatusCancelled {
			cancelled := *o
			cancelled.Status = next
			restored, err = s.ledger.Restore(ctx, parent.Reference, cancelled, parent.PaymentStatus, "order cancelled")
			if err != nil {
				return err
			}
		}

		fresh, err := s.repo.GetMainOrder(ctx, parent.ID)
		if err != nil {
			return err
		}
		status := models.AggregateStatus(fresh.SubOrders)
		// Nothing is left to pay for, so a late success must not settle it.
		if status == models.OrderStatusCancelled && fresh.PaymentStatus == models.PaymentStatusPending {
			paymentFailed, err = s.repo.MarkPaymentFailed(ctx, parent.Reference,
				models.PaymentDetails{FailureReason: "cancelled: every order cancelled"})
			if err != nil {
				return fmt.Errorf("mark payment failed: %w", err)
			}
		}
		return s.repo.SetMainOrderStatus(ctx, parent.Reference, status)
	})
	if err != nil {
		return nil, err
	}
	s.ledger.RestoreCommitted(ctx, restored)

	var reactivated []int64
	if restored != nil {
		reactivated = restored.Reactivated
	}

	if next == models.OrderStatusCancelled {
		s.recorder.Record(ctx, models.AuditOrderCancelled, parent.Reference,
			audit.User(parent.UserID), audit.Amount(o.TotalPrice),
			audit.Meta(map[string]any{"order_id": orderID, "store_id": o.StoreID, "payment_failed": paymentFailed}))
		if len(reactivated) > 0 {
			s.enforceAll(ctx, []int64{o.StoreID})
		}
	}
	logging.FromContext(ctx, s.log).Info("order_advanced",
		zap.Int64("order_id", orderID),
		zap.String("from", string(o.Status)),
		zap.String("to", string(next)),
	)
	return s.repo.GetOrder(ctx, orderID)
}

// ListOrders pages through a user's orders, newest first.
func (s *Service) ListOrders(ctx context.Context, userID int64, cursor string, limit int) (*pagination.CursorPage[models.MainOrder], error) {
	if userID <= 0 {
		return nil, apperr.Validation("list orders", "user id is required")
	}
	cur, err := pagination.DecodeCursor(cursor)
	if err != nil {
		return nil, apperr.Validation("list orders", "invalid cursor")
	}
	limit = pagination.ClampLimit(limit)

	orders, err := s.repo.ListMainOrdersByUser(ctx, userID, cur, limit+1)
	if err != nil {
		return nil, err
	}
	page := &pagination.CursorPage[models.MainOrder]{Items: orders}
	if len(orders) > limit {
		page.Items = orders[:limit]
		page.HasMore = true
		last := page.Items[limit-1]
		page.NextCursor = pagination.EncodeCursor(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	if page.Items == nil {
		page.Items = []models.MainOrder{}
	}
	return page, nil
}
