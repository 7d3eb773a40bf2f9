package settlement

import (
	"context"
	"fmt"

	"github.com/safar/marketplace-settlement/internal/apperr"
	"github.com/safar/marketplace-settlement/internal/audit"
	"github.com/safar/marketplace-settlement/internal/gateway"
	"github.com/safar/marketplace-settlement/internal/logging"
	"github.com/safar/marketplace-settlement/internal/models"
	"github.com/safar/marketplace-settlement/internal/pricing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

type CheckoutInput struct {
	UserID      int64               `json:"user_id"`
	Email       string              `json:"email"`
	Stores      []pricing.StoreCart `json:"stores"`
	DeliveryFee int64               `json:"delivery_fee"`
	// ClientTotal is what the client believes it owes. It is compared and
	// audited but never used for settlement.
	ClientTotal *int64 `json:"client_total,omitempty"`
	CallbackURL string `json:"callback_url,omitempty"`
}

type CheckoutResult struct {
	Reference        string             `json:"reference"`
	AuthorizationURL string             `json:"authorization_url"`
	AccessCode       string             `json:"access_code"`
	Breakdown        *pricing.Breakdown `json:"breakdown"`
}

const opCheckout = "checkout"

// Checkout prices the cart from the catalog, persists a pending order with the
// verified prices frozen on each item and opens a gateway payment. Nothing is
// sent to the gateway unless every item verifies.
func (s *Service) Checkout(ctx context.Context, in CheckoutInput) (res *CheckoutResult, err error) {
	if in.UserID <= 0 {
		return nil, apperr.Validation(opCheckout, "user id is required")
	}
	if in.Email == "" {
		return nil, apperr.Validation(opCheckout, "email is required")
	}

	reference := gateway.NewReference(s.prefix, s.clock.Now())
	ctx, span := s.tracer.Start(ctx, "settlement.checkout")
	span.SetAttributes(attribute.String("payment.reference", reference), attribute.Int64("user.id", in.UserID))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "checkout failed")
		}
		span.End()
	}()
	log := logging.FromContext(ctx, s.log).With(zap.String("reference", reference))

	breakdown, err := s.verifier.Verify(ctx, pricing.Checkout{Stores: in.Stores, DeliveryFee: in.DeliveryFee})
	if err != nil {
		fields := []audit.Field{audit.User(in.UserID), audit.Err(err),
			audit.Meta(map[string]any{"kind": apperr.KindOf(err).String()})}
		if pid := apperr.ProductOf(err); pid != 0 {
			fields = append(fields, audit.Meta(map[string]any{"product_id": pid}))
		}
		s.recorder.Record(ctx, models.AuditAmountVerificationFailed, reference, fields...)
		log.Info("checkout_rejected", zap.Error(err))
		return nil, err
	}
	s.recorder.Record(ctx, models.AuditAmountVerificationPassed, reference,
		audit.User(in.UserID), audit.Amount(breakdown.GrandTotal))

	if in.ClientTotal != nil {
		if cmpErr := pricing.CompareClientTotal(breakdown, *in.ClientTotal); cmpErr != nil {
			s.recorder.Record(ctx, models.AuditAmountMismatch, reference,
				audit.User(in.UserID), audit.Amount(*in.ClientTotal), audit.Expected(breakdown.GrandTotal),
				audit.Meta(map[string]any{"source": "client_total"}))
			log.Warn("checkout_client_total_mismatch",
				zap.Int64("client_total", *in.ClientTotal),
				zap.Int64("verified_total", breakdown.GrandTotal),
			)
		}
	}

	order := buildMainOrder(reference, in, breakdown)
	if err := s.repo.CreateMainOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("persist order: %w", err)
	}
	s.recorder.Record(ctx, models.AuditOrderCreated, reference,
		audit.User(in.UserID), audit.Amount(order.GrandTotal),
		audit.Meta(map[string]any{"main_order_id": order.ID, "sub_orders": len(order.SubOrders)}))

	callback := in.CallbackURL
	if callback == "" {
		callback = s.callbackURL
	}
	opened, err := s.gw.Initialize(ctx, gateway.InitializeRequest{
		Email:       in.Email,
		Amount:      order.GrandTotal,
		Reference:   reference,
		CallbackURL: callback,
		Metadata: map[string]any{
			"type":          "order",
			"main_order_id": order.ID,
			"user_id":       in.UserID,
		},
	})
	if err != nil {
		if _, markErr := s.repo.MarkPaymentFailed(ctx, reference, models.PaymentDetails{
			FailureReason: "initialization failed",
		}); markErr != nil {
			log.Error("checkout_mark_failed_failed", zap.Error(markErr))
		}
		return nil, err
	}

	log.Info("checkout_initialized",
		zap.Int64("grand_total", order.GrandTotal),
		zap.Int("stores", len(order.SubOrders)),
	)
	return &CheckoutResult{
		Reference:        reference,
		AuthorizationURL: opened.AuthorizationURL,
		AccessCode:       opened.AccessCode,
		Breakdown:        breakdown,
	}, nil
}

func buildMainOrder(reference string, in CheckoutInput, b *pricing.Breakdown) *models.MainOrder {
	m := &models.MainOrder{
		Reference:     reference,
		UserID:        in.UserID,
		Email:         in.Email,
		GrandTotal:    b.GrandTotal,
		DeliveryFee:   b.DeliveryFee,
		PaymentStatus: models.PaymentStatusPending,
		Status:        models.OrderStatusPending,
	}
	for _, st := range b.Stores {
		o := models.Order{
			StoreID:    st.StoreID,
			UserID:     in.UserID,
			TotalPrice: st.Total,
			Status:     models.OrderStatusPending,
		}
		for _, l := range st.Lines {
			o.Items = append(o.Items, models.OrderItem{
				ProductID:       l.ProductID,
				Quantity:        l.Quantity,
				PriceAtPurchase: l.UnitPrice,
			})
		}
		m.SubOrders = append(m.SubOrders, o)
	}
	return m
}
