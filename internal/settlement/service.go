// Package settlement coordinates checkout, payment verification, inventory
// and store visibility. It owns idempotency: gateway calls may be repeated
// freely, and every state change is guarded by a conditional update.
package settlement

import (
	"context"
	"time"

	"github.com/safar/marketplace-settlement/internal/audit"
	"github.com/safar/marketplace-settlement/internal/clock"
	"github.com/safar/marketplace-settlement/internal/gateway"
	"github.com/safar/marketplace-settlement/internal/inventory"
	"github.com/safar/marketplace-settlement/internal/logging"
	"github.com/safar/marketplace-settlement/internal/metrics"
	"github.com/safar/marketplace-settlement/internal/models"
	"github.com/safar/marketplace-settlement/internal/pagination"
	"github.com/safar/marketplace-settlement/internal/pricing"
	"github.com/safar/marketplace-settlement/internal/visibility"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Repository is everything the service persists. Both the Postgres and the
// in-memory stores satisfy it.
type Repository interface {
	inventory.UnitOfWork
	inventory.Repository
	visibility.Repository
	pricing.Catalog

	CreateMainOrder(ctx context.Context, m *models.MainOrder) error
	GetMainOrder(ctx context.Context, id int64) (*models.MainOrder, error)
	GetMainOrderByReference(ctx context.Context, reference string) (*models.MainOrder, error)
	GetOrder(ctx context.Context, orderID int64) (*models.Order, error)
	ListMainOrdersByUser(ctx context.Context, userID int64, cursor pagination.Cursor, limit int) ([]models.MainOrder, error)

	ClaimPayment(ctx context.Context, reference string, details models.PaymentDetails, paidAt time.Time) (bool, error)
	MarkPaymentFailed(ctx context.Context, reference string, details models.PaymentDetails) (bool, error)
	MarkRefunded(ctx context.Context, reference string) (bool, error)
	SetOrderStatus(ctx context.Context, orderID int64, from, to models.OrderStatus) (bool, error)
	SetMainOrderStatus(ctx context.Context, reference string, status models.OrderStatus) error
	ClaimStalePending(ctx context.Context, before, now time.Time, limit int) ([]string, error)
	DeferPoll(ctx context.Context, reference string, until time.Time) error

	UpdateStorePlan(ctx context.Context, storeID int64, plan string) error
	ActivateSubscription(ctx context.Context, storeID int64, plan string, expiry time.Time, reference string) (bool, error)
}

// Gateway is the subset of *gateway.Client the service drives.
type Gateway interface {
	Initialize(ctx context.Context, req gateway.InitializeRequest) (*gateway.InitializeResult, error)
	Verify(ctx context.Context, reference string, expectedAmount int64) (*gateway.Transaction, error)
	ParseWebhook(ctx context.Context, body []byte, signature string) (*gateway.WebhookEvent, error)
}

const (
	DefaultSubscriptionPeriod = 30 * 24 * time.Hour
	DefaultSubscriptionPrefix = "SUB"
	DefaultStaleAfter         = 5 * time.Minute
	DefaultReconcileBatch     = 50
	DefaultDebitRetryAfter    = time.Hour
)

// DefaultPlanPrices are monthly subscription prices in minor units. The free
// plan cannot be bought.
func DefaultPlanPrices() map[string]int64 {
	return map[string]int64{
		"starter":    500000,
		"pro":        1500000,
		"enterprise": 5000000,
	}
}

type Options struct {
	Recorder audit.Recorder
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Clock    clock.Clock

	ReferencePrefix    string
	SubscriptionPrefix string
	CallbackURL        string
	PlanPrices         map[string]int64
	SubscriptionPeriod time.Duration

	// StaleAfter is how long a pending payment waits before the reconciler
	// polls it, and ReconcileBatch caps how many one sweep claims.
	StaleAfter     time.Duration
	ReconcileBatch int

	// DebitRetryAfter holds back polling of a charged payment whose stock
	// could not be debited.
	DebitRetryAfter time.Duration
}

type Service struct {
	repo     Repository
	gw       Gateway
	verifier *pricing.AmountVerifier
	ledger   *inventory.Ledger
	enforcer *visibility.Enforcer

	recorder audit.Recorder
	metrics  *metrics.Metrics
	log      *zap.Logger
	clock    clock.Clock
	tracer   trace.Tracer

	prefix      string
	subPrefix   string
	callbackURL string
	prices      map[string]int64
	period      time.Duration
	staleAfter  time.Duration
	debitRetry  time.Duration
	batch       int
}

func New(repo Repository, gw Gateway, limits visibility.PlanLimits, opts Options) *Service {
	if opts.Recorder == nil {
		opts.Recorder = audit.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}
	if opts.ReferencePrefix == "" {
		opts.ReferencePrefix = "MKT"
	}
	if opts.SubscriptionPrefix == "" {
		opts.SubscriptionPrefix = DefaultSubscriptionPrefix
	}
	if opts.PlanPrices == nil {
		opts.PlanPrices = DefaultPlanPrices()
	}
	if opts.SubscriptionPeriod <= 0 {
		opts.SubscriptionPeriod = DefaultSubscriptionPeriod
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.ReconcileBatch <= 0 {
		opts.ReconcileBatch = DefaultReconcileBatch
	}
	if opts.DebitRetryAfter <= 0 {
		opts.DebitRetryAfter = DefaultDebitRetryAfter
	}
	log := logging.OrNop(opts.Logger)

	prices := make(map[string]int64, len(opts.PlanPrices))
	for plan, p := range opts.PlanPrices {
		prices[plan] = p
	}

	ledger := inventory.NewLedger(repo, repo, inventory.Options{
		Recorder: opts.Recorder,
		Metrics:  opts.Metrics,
		Logger:   log,
		Clock:    opts.Clock,
	})
	enforcer := visibility.NewEnforcer(repo, repo, limits, visibility.Options{
		Recorder: opts.Recorder,
		Metrics:  opts.Metrics,
		Logger:   log,
		Clock:    opts.Clock,
	})

	return &Service{
		repo:        repo,
		gw:          gw,
		verifier:    pricing.NewAmountVerifier(repo),
		ledger:      ledger,
		enforcer:    enforcer,
		recorder:    opts.Recorder,
		metrics:     metrics.OrDiscard(opts.Metrics),
		log:         log.With(zap.String("component", "settlement")),
		clock:       opts.Clock,
		tracer:      otel.Tracer("settlement.service"),
		prefix:      opts.ReferencePrefix,
		subPrefix:   opts.SubscriptionPrefix,
		callbackURL: opts.CallbackURL,
		prices:      prices,
		period:      opts.SubscriptionPeriod,
		staleAfter:  opts.StaleAfter,
		debitRetry:  opts.DebitRetryAfter,
		batch:       opts.ReconcileBatch,
	}
}

// Enforce applies the store's visibility cap.
func (s *Service) Enforce(ctx context.Context, storeID int64) (*visibility.Result, error) {
	return s.enforcer.Enforce(ctx, storeID)
}

// enforceAll re-applies the cap for each store after stock changes made some
// products eligible or ineligible. Failures are logged; the stock change has
// already committed.
func (s *Service) enforceAll(ctx context.Context, storeIDs []int64) {
	seen := make(map[int64]bool, len(storeIDs))
	for _, id := range storeIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, err := s.enforcer.Enforce(ctx, id); err != nil {
			logging.FromContext(ctx, s.log).Warn("visibility_reenforce_failed",
				zap.Int64("store_id", id),
				zap.Error(err),
			)
		}
	}
}

// storesOf returns the stores whose orders contain any of productIDs.
func storesOf(orders []models.Order, productIDs []int64) []int64 {
	want := make(map[int64]bool, len(productIDs))
	for _, id := range productIDs {
		want[id] = true
	}
	var stores []int64
	for _, o := range orders {
		for _, it := range o.Items {
			if want[it.ProductID] {
				stores = append(stores, o.StoreID)
				break
			}
		}
	}
	return stores
}
