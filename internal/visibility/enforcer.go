// Package visibility caps how many products a store shows at once, according
// to its subscription plan. The newest products win the visible slots.
package visibility

import (
	"context"
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

type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Repository interface {
	GetStore(ctx context.Context, id int64) (*models.Store, error)
	// ListStoreProducts returns the store's non-deleted products.
	ListStoreProducts(ctx context.Context, storeID int64) ([]models.Product, error)
	// ActivateProducts activates those of ids that are inactive and eligible,
	// returning how many changed.
	ActivateProducts(ctx context.Context, ids []int64) (int, error)
	// DeactivateProducts deactivates those of ids that are active, marking them
	// as over the plan limit, and returns how many changed.
	DeactivateProducts(ctx context.Context, ids []int64, at time.Time) (int, error)
}

type Options struct {
	Recorder audit.Recorder
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Clock    clock.Clock
}

type Enforcer struct {
	uow      UnitOfWork
	repo     Repository
	limits   PlanLimits
	recorder audit.Recorder
	metrics  *metrics.Metrics
	log      *zap.Logger
	clock    clock.Clock
}

func NewEnforcer(uow UnitOfWork, repo Repository, limits PlanLimits, opts Options) *Enforcer {
	if opts.Recorder == nil {
		opts.Recorder = audit.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}
	return &Enforcer{
		uow:      uow,
		repo:     repo,
		limits:   limits,
		recorder: opts.Recorder,
		metrics:  metrics.OrDiscard(opts.Metrics),
		log:      logging.OrNop(opts.Logger).With(zap.String("component", "visibility")),
		clock:    opts.Clock,
	}
}

func (e *Enforcer) Limits() PlanLimits { return e.limits }

type Result struct {
	StoreID int64  `json:"store_id"`
	Plan    string `json:"plan"`
	// Limit is nil for unlimited plans.
	Limit        *int `json:"limit"`
	Activated    int  `json:"activated"`
	Deactivated  int  `json:"deactivated"`
	VisibleCount int  `json:"visible_count"`
	Total        int  `json:"total"`
}

// StoreReference is the audit reference used for store-level events.
func StoreReference(storeID int64) string {
	return fmt.Sprintf("store-%d", storeID)
}

const opEnforce = "enforce visibility"

// Enforce makes exactly min(eligible, limit) of the store's products visible,
// keeping the newest. Only rows whose state must change are written, so
// repeated runs report no changes.
func (e *Enforcer) Enforce(ctx context.Context, storeID int64) (*Result, error) {
	now := e.clock.Now()

	var res *Result
	err := e.uow.WithinTx(ctx, func(ctx context.Context) error {
		st, err := e.repo.GetStore(ctx, storeID)
		if err != nil {
			return fmt.Errorf("load store %d: %w", storeID, err)
		}

		plan := st.SubscriptionPlan
		if plan != FallbackPlan && st.SubscriptionLapsed(now) {
			plan = FallbackPlan
		}
		limit, unlimited, ok := e.limits.Limit(plan)
		if !ok {
			return apperr.Validation(opEnforce, fmt.Sprintf("store %d has unknown plan %q", storeID, plan))
		}

		products, err := e.repo.ListStoreProducts(ctx, storeID)
		if err != nil {
			return fmt.Errorf("list products for store %d: %w", storeID, err)
		}
		eligible := rank(products)

		visible := len(eligible)
		if !unlimited && visible > limit {
			visible = limit
		}

		var activate, deactivate []int64
		for i, p := range eligible {
			switch {
			case i < visible && !p.IsActive:
				activate = append(activate, p.ID)
			case i >= visible && p.IsActive:
				deactivate = append(deactivate, p.ID)
			}
		}

		res = &Result{StoreID: storeID, Plan: plan, VisibleCount: visible, Total: len(eligible)}
		if !unlimited {
			res.Limit = &limit
		}

		// Hide first so the store never shows more than its cap mid-run.
		if len(deactivate) > 0 {
			if res.Deactivated, err = e.repo.DeactivateProducts(ctx, deactivate, now); err != nil {
				return fmt.Errorf("deactivate products: %w", err)
			}
		}
		if len(activate) > 0 {
			if res.Activated, err = e.repo.ActivateProducts(ctx, activate); err != nil {
				return fmt.Errorf("activate products: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		logging.FromContext(ctx, e.log).Error("visibility_enforce_failed", zap.Int64("store_id", storeID), zap.Error(err))
		return nil, err
	}

	e.metrics.VisibilityChanges.WithLabelValues("activated").Add(float64(res.Activated))
	e.metrics.VisibilityChanges.WithLabelValues("deactivated").Add(float64(res.Deactivated))

	if res.Activated > 0 || res.Deactivated > 0 {
		e.recorder.Record(ctx, models.AuditProductsVisibilityEnforced, StoreReference(storeID),
			audit.Meta(map[string]any{
				"store_id":      storeID,
				"plan":          res.Plan,
				"limit":         res.Limit,
				"activated":     res.Activated,
				"deactivated":   res.Deactivated,
				"visible_count": res.VisibleCount,
				"total":         res.Total,
			}))
		logging.FromContext(ctx, e.log).Info("visibility_enforced",
			zap.Int64("store_id", storeID),
			zap.String("plan", res.Plan),
			zap.Int("activated", res.Activated),
			zap.Int("deactivated", res.Deactivated),
			zap.Int("visible", res.VisibleCount),
		)
	}
	return res, nil
}

// rank keeps eligible products, newest first with ties broken by higher id.
func rank(products []models.Product) []models.Product {
	out := make([]models.Product, 0, len(products))
	for _, p := range products {
		if p.VisibilityEligible() {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}
