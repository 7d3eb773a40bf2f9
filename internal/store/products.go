package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/safar/marketplace-settlement/internal/apperr"
	"github.com/safar/marketplace-settlement/internal/models"
)

const productColumns = `id, store_id, sku, name, price, inventory_quantity, is_active, is_deleted,
	deactivated_at, deactivation_reason, created_at, updated_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (*models.Product, error) {
	var (
		p           models.Product
		deactivated sql.NullTime
		reason      sql.NullString
	)
	err := row.Scan(
		&p.ID,
		&p.StoreID,
		&p.SKU,
		&p.Name,
		&p.Price,
		&p.InventoryQuantity,
		&p.IsActive,
		&p.IsDeleted,
		&deactivated,
		&reason,
		&p.CreatedAt,
		&p.UpdatedAt,
		&p.Version,
	)
	if err != nil {
		return nil, err
	}
	p.DeactivatedAt = timePtr(deactivated)
	p.DeactivationReason = models.DeactivationReason(reason.String)
	return &p, nil
}

func (s *Store) CreateProduct(ctx context.Context, p *models.Product) error {
	query := `
		INSERT INTO products (store_id, sku, name, price, inventory_quantity, is_active, is_deleted, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, NOW()), NOW(), 1)
		RETURNING ` + productColumns

	created, err := scanProduct(s.conn(ctx).QueryRowContext(ctx, query,
		p.StoreID, p.SKU, p.Name, p.Price, p.InventoryQuantity, p.IsActive, p.IsDeleted, nullTime(p.CreatedAt)))
	if err != nil {
		return fmt.Errorf("create product: %w", err)
	}
	*p = *created
	return nil
}

func (s *Store) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	p, err := scanProduct(s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ProductError(apperr.KindNotFound, "get product", id, "product not found")
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	return p, nil
}

// ListStoreProducts returns the store's non-deleted products, newest first.
func (s *Store) ListStoreProducts(ctx context.Context, storeID int64) ([]models.Product, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE store_id = $1 AND NOT is_deleted
		ORDER BY created_at DESC, id DESC`, storeID)
	if err != nil {
		return nil, fmt.Errorf("list store products: %w", err)
	}
	defer rows.Close()

	var products []models.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return products, nil
}

func (s *Store) ActivateProducts(ctx context.Context, ids []int64) (int, error) {
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE products
		SET is_active = TRUE,
		    deactivated_at = NULL,
		    deactivation_reason = NULL,
		    updated_at = NOW(),
		    version = version + 1
		WHERE id = ANY($1)
		  AND NOT is_active
		  AND NOT is_deleted
		  AND deactivation_reason IS DISTINCT FROM 'out_of_stock'`,
		pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("activate products: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return int(n), nil
}

func (s *Store) DeactivateProducts(ctx context.Context, ids []int64, at time.Time) (int, error) {
	res, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE products
		SET is_active = FALSE,
		    deactivated_at = $2,
		    deactivation_reason = 'plan_limit',
		    updated_at = NOW(),
		    version = version + 1
		WHERE id = ANY($1)
		  AND is_active
		  AND NOT is_deleted`,
		pq.Array(ids), at)
	if err != nil {
		return 0, fmt.Errorf("deactivate products: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return int(n), nil
}

// DecrementStock is a guarded atomic decrement. A row reaching zero is parked
// as out of stock in the same statement.
func (s *Store) DecrementStock(ctx context.Context, productID int64, qty int, at time.Time) (int, error) {
	var left int
	err := s.conn(ctx).QueryRowContext(ctx, `
		UPDATE products
		SET inventory_quantity = inventory_quantity - $1,
		    is_active = CASE WHEN inventory_quantity = $1 THEN FALSE ELSE is_active END,
		    deactivated_at = CASE WHEN inventory_quantity = $1 AND is_active THEN $3 ELSE deactivated_at END,
		    deactivation_reason = CASE WHEN inventory_quantity = $1 THEN 'out_of_stock' ELSE deactivation_reason END,
		    updated_at = NOW(),
		    version = version + 1
		WHERE id = $2
		  AND inventory_quantity >= $1
		  AND NOT is_deleted
		RETURNING inventory_quantity`,
		qty, productID, at).Scan(&left)
	if err == nil {
		return left, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("decrement stock: %w", err)
	}
	return 0, s.whyNotDecremented(ctx, productID, qty)
}

func (s *Store) whyNotDecremented(ctx context.Context, productID int64, qty int) error {
	const op = "decrement stock"
	var (
		available int
		deleted   bool
	)
	err := s.conn(ctx).QueryRowContext(ctx,
		`SELECT inventory_quantity, is_deleted FROM products WHERE id = $1`, productID).Scan(&available, &deleted)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return apperr.ProductError(apperr.KindNotFound, op, productID, "product not found")
	case err != nil:
		return fmt.Errorf("inspect product %d: %w", productID, err)
	case deleted:
		return apperr.ProductError(apperr.KindUnavailable, op, productID, "product is deleted")
	}
	return apperr.ProductError(apperr.KindInsufficientStock, op, productID,
		fmt.Sprintf("requested %d, available %d", qty, available))
}

// IncrementStock adds stock back and reactivates a product parked as out of
// stock, reporting whether it did.
func (s *Store) IncrementStock(ctx context.Context, productID int64, qty int) (bool, error) {
	var reactivated bool
	err := s.conn(ctx).QueryRowContext(ctx, `
		WITH prev AS (
			SELECT id, (deactivation_reason = 'out_of_stock' AND NOT is_deleted) AS parked
			FROM products
			WHERE id = $2
			FOR UPDATE
		)
		UPDATE products p
		SET inventory_quantity = p.inventory_quantity + $1,
		    is_active = CASE WHEN prev.parked THEN TRUE ELSE p.is_active END,
		    deactivated_at = CASE WHEN prev.parked THEN NULL ELSE p.deactivated_at END,
		    deactivation_reason = CASE WHEN prev.parked THEN NULL ELSE p.deactivation_reason END,
		    updated_at = NOW(),
		    version = p.version + 1
		FROM prev
		WHERE p.id = prev.id
		RETURNING prev.parked`,
		qty, productID).Scan(&reactivated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, apperr.ProductError(apperr.KindNotFound, "increment stock", productID, "product not found")
		}
		return false, fmt.Errorf("increment stock: %w", err)
	}
	return reactivated, nil
}
