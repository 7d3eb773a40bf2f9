package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/safar/marketplace-settlement/internal/apperr"
	"github.com/safar/marketplace-settlement/internal/models"
)

func storeNotFound(op string, id int64) error {
	return apperr.New(apperr.KindNotFound, op, fmt.Sprintf("store %d not found", id))
}

func (s *Store) CreateStore(ctx context.Context, st *models.Store) error {
	if st.SubscriptionStatus == "" {
		st.SubscriptionStatus = models.SubscriptionActive
	}
	if st.SubscriptionPlan == "" {
		st.SubscriptionPlan = "free"
	}
	err := s.conn(ctx).QueryRowContext(ctx, `
		INSERT INTO stores (name, subscription_plan, subscription_status, subscription_expiry_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, NOW()), NOW())
		RETURNING id, created_at, updated_at`,
		st.Name, st.SubscriptionPlan, st.SubscriptionStatus, st.SubscriptionExpiryDate, nullTime(st.CreatedAt),
	).Scan(&st.ID, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create store: %w", err)
	}
	return nil
}

func (s *Store) GetStore(ctx context.Context, id int64) (*models.Store, error) {
	var (
		st     models.Store
		expiry sql.NullTime
		ref    sql.NullString
	)
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT id, name, subscription_plan, subscription_status, subscription_expiry_date,
		       last_payment_reference, created_at, updated_at
		FROM stores WHERE id = $1`, id).Scan(
		&st.ID,
		&st.Name,
		&st.SubscriptionPlan,
		&st.SubscriptionStatus,
		&expiry,
		&ref,
		&st.CreatedAt,
		&st.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storeNotFound("get store", id)
		}
		return nil, fmt.Errorf("get store: %w", err)
	}
	st.SubscriptionExpiryDate = timePtr(expiry)
	st.LastPaymentReference = ref.String
	return &st, nil
}

func (s *Store) UpdateStorePlan(ctx context.Context, storeID int64, plan string) error {
	res, err := s.conn(ctx).ExecContext(ctx,
		`UPDATE stores SET subscription_plan = $2, updated_at = NOW() WHERE id = $1`,
		storeID, plan)
	if err != nil {
		return fmt.Errorf("update store plan: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if !ok {
		return storeNotFound("update store plan", storeID)
	}
	return nil
}

// ActivateSubscription applies a paid subscription once per payment reference.
// The NOT EXISTS guard keeps a replayed reference from tripping the unique
// index, which would abort the surrounding transaction.
func (s *Store) ActivateSubscription(ctx context.Context, storeID int64, plan string, expiry time.Time, reference string) (bool, error) {
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE stores
		SET subscription_plan = $2,
		    subscription_status = 'active',
		    subscription_expiry_date = $3,
		    last_payment_reference = $4,
		    updated_at = NOW()
		WHERE id = $1
		  AND NOT EXISTS (SELECT 1 FROM stores WHERE last_payment_reference = $4)`,
		storeID, plan, expiry, reference)
	if err != nil {
		return false, fmt.Errorf("activate subscription: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	if ok {
		return true, nil
	}
	if _, err := s.GetStore(ctx, storeID); err != nil {
		return false, err
	}
	return false, nil
}
