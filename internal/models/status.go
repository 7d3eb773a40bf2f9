package models

import "fmt"

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusDelivered, OrderStatusCancelled:
		return true
	case OrderStatusPending, OrderStatusProcessing, OrderStatusShipped:
		return false
	}
	return false
}

// CanTransitionTo encodes pending -> processing -> shipped -> delivered, with
// cancellation allowed until the order ships.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	switch s {
	case OrderStatusPending:
		return next == OrderStatusProcessing || next == OrderStatusCancelled
	case OrderStatusProcessing:
		return next == OrderStatusShipped || next == OrderStatusCancelled
	case OrderStatusShipped:
		return next == OrderStatusDelivered
	case OrderStatusDelivered, OrderStatusCancelled:
		return false
	}
	return false
}

var orderStatusRank = map[OrderStatus]int{
	OrderStatusPending:    0,
	OrderStatusProcessing: 1,
	OrderStatusShipped:    2,
	OrderStatusDelivered:  3,
}

// AggregateStatus derives a main order's status from its sub-orders: cancelled
// once every sub-order is cancelled, otherwise the least advanced live status.
func AggregateStatus(subs []Order) OrderStatus {
	agg := OrderStatusCancelled
	for _, o := range subs {
		if o.Status == OrderStatusCancelled {
			continue
		}
		if agg == OrderStatusCancelled || orderStatusRank[o.Status] < orderStatusRank[agg] {
			agg = o.Status
		}
	}
	return agg
}

func ParseOrderStatus(v string) (OrderStatus, error) {
	s := OrderStatus(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown order status %q", v)
	}
	return s, nil
}

type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusPaid, PaymentStatusFailed, PaymentStatusRefunded:
		return true
	}
	return false
}

type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionExpired   SubscriptionStatus = "expired"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionActive, SubscriptionExpired, SubscriptionCancelled:
		return true
	}
	return false
}

// DeactivationReason records why a product is hidden. The zero value means
// the product is active or was hidden manually.
type DeactivationReason string

const (
	DeactivationNone       DeactivationReason = ""
	DeactivationOutOfStock DeactivationReason = "out_of_stock"
	DeactivationPlanLimit  DeactivationReason = "plan_limit"
)

type AuditEventKind string

const (
	AuditPaymentInitialized          AuditEventKind = "payment_initialized"
	AuditPaymentInitializationFailed AuditEventKind = "payment_initialization_failed"
	AuditAmountVerificationPassed    AuditEventKind = "amount_verification_passed"
	AuditAmountVerificationFailed    AuditEventKind = "amount_verification_failed"
	AuditAmountMismatch              AuditEventKind = "amount_mismatch"
	AuditVerificationAttempt         AuditEventKind = "verification_attempt"
	AuditVerificationSuccess         AuditEventKind = "verification_success"
	AuditVerificationFailed          AuditEventKind = "verification_failed"
	AuditInventoryDebited            AuditEventKind = "inventory_debited"
	AuditInventoryDebitFailed        AuditEventKind = "inventory_debit_failed"
	AuditInventoryRestored           AuditEventKind = "inventory_restored"
	AuditOrderCreated                AuditEventKind = "order_created"
	AuditDuplicateOrderUpdated       AuditEventKind = "duplicate_order_updated"
	AuditOrderCancelled              AuditEventKind = "order_cancelled"
	AuditPaymentRefunded             AuditEventKind = "payment_refunded"
	AuditWebhookReceived             AuditEventKind = "webhook_received"
	AuditWebhookInvalidSignature     AuditEventKind = "webhook_invalid_signature"
	AuditWebhookError                AuditEventKind = "webhook_error"
	AuditRateLimitExceeded           AuditEventKind = "rate_limit_exceeded"
	AuditSubscriptionPaymentVerified AuditEventKind = "subscription_payment_verified"
	AuditProductsVisibilityEnforced  AuditEventKind = "products_visibility_enforced"
)

// AuditEventKinds lists every kind in declaration order.
var AuditEventKinds = []AuditEventKind{
	AuditPaymentInitialized,
	AuditPaymentInitializationFailed,
	AuditAmountVerificationPassed,
	AuditAmountVerificationFailed,
	AuditAmountMismatch,
	AuditVerificationAttempt,
	AuditVerificationSuccess,
	AuditVerificationFailed,
	AuditInventoryDebited,
	AuditInventoryDebitFailed,
	AuditInventoryRestored,
	AuditOrderCreated,
	AuditDuplicateOrderUpdated,
	AuditOrderCancelled,
	AuditPaymentRefunded,
	AuditWebhookReceived,
	AuditWebhookInvalidSignature,
	AuditWebhookError,
	AuditRateLimitExceeded,
	AuditSubscriptionPaymentVerified,
	AuditProductsVisibilityEnforced,
}

func (k AuditEventKind) Valid() bool {
	for _, known := range AuditEventKinds {
		if k == known {
			return true
		}
	}
	return false
}
