package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type Store struct {
	ID                     int64              `json:"id"`
	Name                   string             `json:"name"`
	SubscriptionPlan       string             `json:"subscription_plan"`
	SubscriptionStatus     SubscriptionStatus `json:"subscription_status"`
	SubscriptionExpiryDate *time.Time         `json:"subscription_expiry_date,omitempty"`
	LastPaymentReference   string             `json:"last_payment_reference,omitempty"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// SubscriptionLapsed reports whether the paid plan no longer applies at now.
func (s *Store) SubscriptionLapsed(now time.Time) bool {
	if s.SubscriptionStatus != SubscriptionActive {
		return true
	}
	return s.SubscriptionExpiryDate != nil && !s.SubscriptionExpiryDate.After(now)
}

type Product struct {
	ID                 int64              `json:"id"`
	StoreID            int64              `json:"store_id"`
	SKU                string             `json:"sku"`
	Name               string             `json:"name"`
	Price              decimal.Decimal    `json:"price"`
	InventoryQuantity  int                `json:"inventory_quantity"`
	IsActive           bool               `json:"is_active"`
	IsDeleted          bool               `json:"is_deleted"`
	DeactivatedAt      *time.Time         `json:"deactivated_at,omitempty"`
	DeactivationReason DeactivationReason `json:"deactivation_reason,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
	Version            int                `json:"version"`
}

// VisibilityEligible reports whether the product competes for a visible slot.
// Products parked for being out of stock are excluded until restocked.
func (p *Product) VisibilityEligible() bool {
	return !p.IsDeleted && p.DeactivationReason != DeactivationOutOfStock
}

type OrderItem struct {
	ID              int64     `json:"id"`
	OrderID         int64     `json:"order_id"`
	ProductID       int64     `json:"product_id"`
	Quantity        int       `json:"quantity"`
	PriceAtPurchase int64     `json:"price_at_purchase"`
	CreatedAt       time.Time `json:"created_at"`
}

func (i OrderItem) Subtotal() int64 {
	return i.PriceAtPurchase * int64(i.Quantity)
}

// Order is one store's share of a checkout.
type Order struct {
	ID                  int64       `json:"id"`
	MainOrderID         int64       `json:"main_order_id"`
	StoreID             int64       `json:"store_id"`
	UserID              int64       `json:"user_id"`
	Items               []OrderItem `json:"items"`
	TotalPrice          int64       `json:"total_price"`
	Status              OrderStatus `json:"status"`
	InventoryDebitedAt  *time.Time  `json:"inventory_debited_at,omitempty"`
	InventoryRestoredAt *time.Time  `json:"inventory_restored_at,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// ItemsTotal sums priceAtPurchase*quantity over the items.
func (o *Order) ItemsTotal() int64 {
	var total int64
	for _, it := range o.Items {
		total += it.Subtotal()
	}
	return total
}

type PaymentDetails struct {
	GatewayStatus string     `json:"gateway_status,omitempty"`
	Channel       string     `json:"channel,omitempty"`
	Amount        int64      `json:"amount,omitempty"`
	PaidAt        *time.Time `json:"paid_at,omitempty"`
	Source        string     `json:"source,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
}

// MainOrder aggregates the per-store orders of one checkout under a single
// gateway reference.
type MainOrder struct {
	ID             int64          `json:"id"`
	Reference      string         `json:"reference"`
	UserID         int64          `json:"user_id"`
	Email          string         `json:"email"`
	SubOrders      []Order        `json:"sub_orders"`
	GrandTotal     int64          `json:"grand_total"`
	DeliveryFee    int64          `json:"delivery_fee"`
	PaymentStatus  PaymentStatus  `json:"payment_status"`
	PaymentDetails PaymentDetails `json:"payment_details"`
	Status         OrderStatus    `json:"status"`
	PaidAt         *time.Time     `json:"paid_at,omitempty"`
	LastPolledAt   *time.Time     `json:"last_polled_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	Version        int            `json:"version"`
}

// TotalsConsistent checks both conservation invariants: every sub-order's
// total equals its items, and the sub-order totals plus delivery equal the
// grand total.
func (m *MainOrder) TotalsConsistent() bool {
	sum := m.DeliveryFee
	for i := range m.SubOrders {
		o := &m.SubOrders[i]
		if o.ItemsTotal() != o.TotalPrice {
			return false
		}
		sum += o.TotalPrice
	}
	return sum == m.GrandTotal
}

type AuditEvent struct {
	ID             int64           `json:"id"`
	Reference      string          `json:"reference"`
	UserID         *int64          `json:"user_id,omitempty"`
	Event          AuditEventKind  `json:"event"`
	Amount         *int64          `json:"amount,omitempty"`
	ExpectedAmount *int64          `json:"expected_amount,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	IPAddress      string          `json:"ip_address,omitempty"`
	UserAgent      string          `json:"user_agent,omitempty"`
	Error          string          `json:"error,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}
