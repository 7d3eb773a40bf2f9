package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/safar/marketplace-settlement/internal/apperr"
	"github.com/safar/marketplace-settlement/internal/audit"
	"github.com/safar/marketplace-settlement/internal/gateway"
	"github.com/safar/marketplace-settlement/internal/logging"
	"github.com/safar/marketplace-settlement/internal/models"
	"github.com/safar/marketplace-settlement/internal/visibility"
	"go.uber.org/zap"
)

// ChangePlan switches a store's plan without a payment (downgrades, support
// overrides) and re-applies the visibility cap.
func (s *Service) ChangePlan(ctx context.Context, storeID int64, plan string) (*visibility.Result, error) {
	if !s.enforcer.Limits().Known(plan) {
		return nil, apperr.Validation("change plan", fmt.Sprintf("unknown plan %q", plan))
	}
	if err := s.repo.UpdateStorePlan(ctx, storeID, plan); err != nil {
		return nil, err
	}
	logging.FromContext(ctx, s.log).Info("store_plan_changed", zap.Int64("store_id", storeID), zap.String("plan", plan))
	return s.enforcer.Enforce(ctx, storeID)
}

// ProductCreated admits a new product. Being the newest, it displaces the
// oldest visible product when the store is at its cap.
func (s *Service) ProductCreated(ctx context.Context, storeID int64) (*visibility.Result, error) {
	return s.enforcer.Enforce(ctx, storeID)
}

type SubscriptionCheckout struct {
	Reference        string `json:"reference"`
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Plan             string `json:"plan"`
	Amount           int64  `json:"amount"`
}

const opSubscription = "subscription"

func (s *Service) planPrice(plan string) (int64, error) {
	if !s.enforcer.Limits().Known(plan) {
		return 0, apperr.Validation(opSubscription, fmt.Sprintf("unknown plan %q", plan))
	}
	price, ok := s.prices[plan]
	if !ok || price <= 0 {
		return 0, apperr.Validation(opSubscription, fmt.Sprintf("plan %q cannot be purchased", plan))
	}
	return price, nil
}

// InitializeSubscription opens a gateway payment for a plan. The store and
// plan travel in the transaction metadata so the webhook can activate it.
func (s *Service) InitializeSubscription(ctx context.Context, storeID int64, plan, email, callbackURL string) (*SubscriptionCheckout, error) {
	price, err := s.planPrice(plan)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.GetStore(ctx, storeID); err != nil {
		return nil, err
	}
	if callbackURL == "" {
		callbackURL = s.callbackURL
	}

	reference := gateway.NewReference(s.subPrefix, s.clock.Now())
	opened, err := s.gw.Initialize(ctx, gateway.InitializeRequest{
		Email:       email,
		Amount:      price,
		Reference:   reference,
		CallbackURL: callbackURL,
		Metadata: map[string]any{
			"type":     "subscription",
			"store_id": storeID,
			"plan":     plan,
		},
	})
	if err != nil {
		return nil, err
	}
	return &SubscriptionCheckout{
		Reference:        reference,
		AuthorizationURL: opened.AuthorizationURL,
		AccessCode:       opened.AccessCode,
		Plan:             plan,
		Amount:           price,
	}, nil
}

type SubscriptionResult struct {
	StoreID    int64              `json:"store_id"`
	Plan       string             `json:"plan"`
	ExpiresAt  *time.Time         `json:"expires_at,omitempty"`
	Applied    bool               `json:"applied"`
	Visibility *visibility.Result `json:"visibility,omitempty"`
}

// ActivateSubscription verifies a subscription payment for exactly the plan's
// price and applies it once per reference. Renewing the current plan extends
// the unexpired period.
func (s *Service) ActivateSubscription(ctx context.Context, storeID int64, plan, reference string) (*SubscriptionResult, error) {
	if storeID <= 0 {
		return nil, apperr.Validation(opSubscription, "store id is required")
	}
	price, err := s.planPrice(plan)
	if err != nil {
		return nil, err
	}
	st, err := s.repo.GetStore(ctx, storeID)
	if err != nil {
		return nil, err
	}
	res := &SubscriptionResult{StoreID: storeID, Plan: plan}
	if st.LastPaymentReference == reference {
		res.Plan = st.SubscriptionPlan
		res.ExpiresAt = st.SubscriptionExpiryDate
		return res, nil
	}

	tx, err := s.gw.Verify(ctx, reference, price)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	start := now
	if st.SubscriptionPlan == plan && !st.SubscriptionLapsed(now) && st.SubscriptionExpiryDate != nil {
		start = *st.SubscriptionExpiryDate
	}
	expiry := start.Add(s.period)

	applied, err := s.repo.ActivateSubscription(ctx, storeID, plan, expiry, reference)
	if err != nil {
		return nil, fmt.Errorf("activate subscription: %w", err)
	}
	res.Applied = applied
	if !applied {
		return res, nil
	}
	res.ExpiresAt = &expiry

	s.recorder.Record(ctx, models.AuditSubscriptionPaymentVerified, reference,
		audit.Amount(tx.Amount), audit.Expected(price),
		audit.Meta(map[string]any{"store_id": storeID, "plan": plan, "expires_at": expiry}))
	logging.FromContext(ctx, s.log).Info("subscription_activated",
		zap.Int64("store_id", storeID),
		zap.String("plan", plan),
		zap.Time("expires_at", expiry),
	)

	if res.Visibility, err = s.enforcer.Enforce(ctx, storeID); err != nil {
		return res, err
	}
	return res, nil
}
