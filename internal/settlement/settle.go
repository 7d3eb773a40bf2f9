package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/safar/marketplace-settlement/internal/apperr"
	"github.com/safar/marketplace-settlement/internal/audit"
	"github.com/safar/marketplace-settlement/internal/gateway"
	"github.com/safar/marketplace-settlement/internal/inventory"
	"github.com/safar/marketplace-settlement/internal/logging"
	"github.com/safar/marketplace-settlement/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Source says what triggered a settlement attempt.
type Source string

const (
	SourceWebhook  Source = "webhook"
	SourcePoll     Source = "poll"
	SourceCallback Source = "callback"
)

type Outcome string

const (
	OutcomeSettled     Outcome = "settled"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeFailed      Outcome = "failed"
	OutcomePending     Outcome = "pending"
	OutcomeRejected    Outcome = "rejected"
	OutcomeDebitFailed Outcome = "debit_failed"
	OutcomeError       Outcome = "error"
)

type SettleResult struct {
	Reference     string               `json:"reference"`
	Outcome       Outcome              `json:"outcome"`
	PaymentStatus models.PaymentStatus `json:"payment_status"`
	Depleted      []int64              `json:"depleted_products,omitempty"`
}

const opSettle = "settle payment"

// Settle verifies reference with the gateway and, on success, claims the
// payment and debits every sub-order in one transaction. Running it again for
// a settled reference is a no-op reported as OutcomeDuplicate.
//
// A non-nil result is returned whenever the order exists; err explains any
// outcome other than settled or duplicate.
func (s *Service) Settle(ctx context.Context, reference string, source Source) (res *SettleResult, err error) {
	ctx, span := s.tracer.Start(ctx, "settlement.settle")
	span.SetAttributes(attribute.String("payment.reference", reference), attribute.String("settlement.source", string(source)))
	defer func() {
		outcome := OutcomeError
		if res != nil {
			outcome = res.Outcome
		}
		s.metrics.Settlements.WithLabelValues(string(source), string(outcome)).Inc()
		span.SetAttributes(attribute.String("settlement.outcome", string(outcome)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(outcome))
		}
		span.End()
	}()
	log := logging.FromContext(ctx, s.log).With(zap.String("reference", reference), zap.String("source", string(source)))

	order, err := s.repo.GetMainOrderByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	res = &SettleResult{Reference: reference, PaymentStatus: order.PaymentStatus}

	switch order.PaymentStatus {
	case models.PaymentStatusPaid, models.PaymentStatusRefunded:
		res.Outcome = OutcomeDuplicate
		s.recordDuplicate(ctx, order, order.PaymentStatus, source)
		log.Info("settlement_duplicate", zap.String("payment_status", string(order.PaymentStatus)))
		return res, nil
	case models.PaymentStatusFailed:
		res.Outcome = OutcomeFailed
		return res, &apperr.Error{Kind: apperr.KindInvalidTransition, Op: opSettle, Reference: reference, Message: "payment already failed"}
	}

	tx, err := s.gw.Verify(ctx, reference, order.GrandTotal)
	if err != nil {
		return s.verificationFailed(ctx, res, tx, err, source)
	}

	details := models.PaymentDetails{
		GatewayStatus: tx.Status,
		Channel:       tx.Channel,
		Amount:        tx.Amount,
		PaidAt:        tx.PaidAt,
		Source:        string(source),
	}
	paidAt := s.clock.Now()
	if tx.PaidAt != nil {
		paidAt = *tx.PaidAt
	}

	var (
		claimed bool
		current models.PaymentStatus
		debit   *inventory.DebitResult
	)
	err = s.repo.WithinTx(ctx, func(ctx context.Context) error {
		claimed, current, debit = false, "", nil

		ok, err := s.repo.ClaimPayment(ctx, reference, details, paidAt)
		if err != nil {
			return fmt.Errorf("claim payment: %w", err)
		}
		if !ok {
			// Someone else moved the payment off pending after we verified it.
			fresh, err := s.repo.GetMainOrderByReference(ctx, reference)
			if err != nil {
				return fmt.Errorf("reload payment: %w", err)
			}
			current = fresh.PaymentStatus
			return nil
		}
		claimed = true

		// Sub-orders cancelled while the payment was pending are left alone.
		subs := make([]models.Order, len(order.SubOrders))
		var live []models.Order
		for i, o := range order.SubOrders {
			advanced, err := s.repo.SetOrderStatus(ctx, o.ID, models.OrderStatusPending, models.OrderStatusProcessing)
			if err != nil {
				return fmt.Errorf("advance order %d: %w", o.ID, err)
			}
			if advanced {
				o.Status = models.OrderStatusProcessing
				live = append(live, o)
			}
			subs[i] = o
		}
		if err := s.repo.SetMainOrderStatus(ctx, reference, models.AggregateStatus(subs)); err != nil {
			return fmt.Errorf("advance main order: %w", err)
		}
		if len(live) == 0 {
			return nil
		}

		debit, err = s.ledger.Debit(ctx, reference, live...)
		if err != nil {
			if apperr.KindOf(err) == apperr.KindDuplicateProcessing {
				return nil
			}
			return err
		}
		return nil
	})
	if err != nil {
		res.Outcome = OutcomeDebitFailed
		s.debitFailed(ctx, order, err)
		return res, err
	}

	if !claimed {
		res.PaymentStatus = current
		if current == models.PaymentStatusPaid || current == models.PaymentStatusRefunded {
			res.Outcome = OutcomeDuplicate
			s.recordDuplicate(ctx, order, current, source)
			log.Info("settlement_duplicate", zap.String("payment_status", string(current)))
			return res, nil
		}
		return s.chargedAfterClose(ctx, res, order, tx, source)
	}
	s.ledger.DebitCommitted(ctx, debit)

	var depleted []int64
	if debit != nil {
		depleted = debit.Depleted
	}
	res.Outcome = OutcomeSettled
	res.PaymentStatus = models.PaymentStatusPaid
	res.Depleted = depleted
	log.Info("settlement_completed",
		zap.Int64("amount", tx.Amount),
		zap.String("channel", tx.Channel),
		zap.Int("sub_orders", len(order.SubOrders)),
	)

	if len(depleted) > 0 {
		s.enforceAll(ctx, storesOf(order.SubOrders, depleted))
	}
	return res, nil
}

// verificationFailed settles the order's fate after the gateway did not
// confirm a payment. Only definitive declines and amount mismatches mark the
// payment failed; anything else leaves it pending for a later attempt.
func (s *Service) verificationFailed(ctx context.Context, res *SettleResult, tx *gateway.Transaction, err error, source Source) (*SettleResult, error) {
	log := logging.FromContext(ctx, s.log).With(zap.String("reference", res.Reference))

	var reason string
	switch apperr.KindOf(err) {
	case apperr.KindVerificationFailed:
		if tx == nil || !gateway.Definitive(tx.Status) {
			res.Outcome = OutcomePending
			return res, err
		}
		res.Outcome = OutcomeFailed
		reason = "payment " + tx.Status
	case apperr.KindAmountMismatch:
		res.Outcome = OutcomeRejected
		reason = "amount mismatch"
	default:
		res.Outcome = OutcomeError
		log.Warn("settlement_verify_unavailable", zap.Error(err))
		return res, err
	}

	details := models.PaymentDetails{Source: string(source), FailureReason: reason}
	if tx != nil {
		details.GatewayStatus = tx.Status
		details.Channel = tx.Channel
		details.Amount = tx.Amount
	}
	marked, markErr := s.repo.MarkPaymentFailed(ctx, res.Reference, details)
	if markErr != nil {
		return res, errors.Join(err, fmt.Errorf("mark payment failed: %w", markErr))
	}
	if marked {
		res.PaymentStatus = models.PaymentStatusFailed
		log.Warn("settlement_payment_failed", zap.String("reason", reason))
	}
	return res, err
}

func (s *Service) recordDuplicate(ctx context.Context, order *models.MainOrder, status models.PaymentStatus, source Source) {
	s.recorder.Record(ctx, models.AuditDuplicateOrderUpdated, order.Reference,
		audit.User(order.UserID), audit.Amount(order.GrandTotal),
		audit.Meta(map[string]any{"source": string(source), "payment_status": string(status)}))
}

// chargedAfterClose handles a charge the gateway confirmed for an order that
// was failed or cancelled in the meantime. Nothing is debited; the charge is
// audited so it can be refunded.
func (s *Service) chargedAfterClose(ctx context.Context, res *SettleResult, order *models.MainOrder, tx *gateway.Transaction, source Source) (*SettleResult, error) {
	res.Outcome = OutcomeRejected
	s.recorder.Record(ctx, models.AuditVerificationFailed, order.Reference,
		audit.User(order.UserID), audit.Amount(tx.Amount), audit.Expected(order.GrandTotal),
		audit.Meta(map[string]any{
			"reason":          "paid_after_cancel",
			"refund_required": true,
			"gateway_status":  tx.Status,
			"payment_status":  string(res.PaymentStatus),
			"source":          string(source),
		}))
	logging.FromContext(ctx, s.log).Error("settlement_charge_after_close",
		zap.String("reference", order.Reference),
		zap.String("payment_status", string(res.PaymentStatus)),
		zap.Int64("amount", tx.Amount),
	)
	return res, &apperr.Error{Kind: apperr.KindInvalidTransition, Op: opSettle, Reference: order.Reference,
		Message: fmt.Sprintf("payment confirmed after the order became %s; the charge needs a refund", res.PaymentStatus)}
}

// debitFailed handles a unit of work that rolled back after the gateway had
// confirmed the charge. When stock could not be debited the payment stays
// pending, but the reconciler holds off so the same charge is not re-verified
// on every sweep.
func (s *Service) debitFailed(ctx context.Context, order *models.MainOrder, err error) {
	log := logging.FromContext(ctx, s.log).With(zap.String("reference", order.Reference))
	if apperr.KindOf(err) != apperr.KindTransactionAborted {
		log.Error("settlement_claim_failed", zap.Error(err))
		return
	}

	until := s.clock.Now().Add(s.debitRetry)
	log.Error("settlement_charged_unfulfillable",
		zap.Int64("product_id", apperr.ProductOf(err)),
		zap.Time("retry_after", until),
		zap.Error(err),
	)
	if deferErr := s.repo.DeferPoll(ctx, order.Reference, until); deferErr != nil {
		log.Warn("settlement_defer_poll_failed", zap.Error(deferErr))
	}
}

// HandleWebhook authenticates and dispatches a gateway webhook. Successful
// charges are settled exactly as a poll would settle them; subscription
// charges activate the store's plan instead.
func (s *Service) HandleWebhook(ctx context.Context, body []byte, signature string) error {
	ev, err := s.gw.ParseWebhook(ctx, body, signature)
	if err != nil {
		if apperr.KindOf(err) != apperr.KindInvalidSignature {
			s.recorder.Record(ctx, models.AuditWebhookError, "", audit.Err(err))
		}
		return err
	}

	ref := ev.Data.Reference
	meta := ev.Data.Meta()
	s.recorder.Record(ctx, models.AuditWebhookReceived, ref,
		audit.Amount(ev.Data.Amount),
		audit.Meta(map[string]any{"event": ev.Event, "status": ev.Data.Status, "type": meta.Type}))
	log := logging.FromContext(ctx, s.log).With(zap.String("reference", ref), zap.String("event", ev.Event))

	if ref == "" {
		err := apperr.Validation("handle webhook", "reference is required")
		s.recorder.Record(ctx, models.AuditWebhookError, "", audit.Err(err))
		return err
	}

	switch ev.Event {
	case gateway.EventChargeSuccess:
		if meta.Type == "subscription" {
			_, err = s.ActivateSubscription(ctx, meta.StoreID, meta.Plan, ref)
		} else {
			_, err = s.Settle(ctx, ref, SourceWebhook)
		}
	case gateway.EventChargeFailed:
		if meta.Type != "subscription" {
			err = s.chargeFailed(ctx, ev)
		}
	default:
		log.Info("webhook_ignored")
		return nil
	}

	if err != nil {
		s.recorder.Record(ctx, models.AuditWebhookError, ref,
			audit.Err(err), audit.Meta(map[string]any{"event": ev.Event}))
		log.Warn("webhook_processing_failed", zap.Error(err))
		return err
	}
	return nil
}

func (s *Service) chargeFailed(ctx context.Context, ev *gateway.WebhookEvent) error {
	marked, err := s.repo.MarkPaymentFailed(ctx, ev.Data.Reference, models.PaymentDetails{
		GatewayStatus: ev.Data.Status,
		Channel:       ev.Data.Channel,
		Amount:        ev.Data.Amount,
		Source:        string(SourceWebhook),
		FailureReason: ev.Data.GatewayResponse,
	})
	if err != nil {
		return err
	}
	if marked {
		logging.FromContext(ctx, s.log).Info("payment_marked_failed", zap.String("reference", ev.Data.Reference))
	}
	return nil
}
