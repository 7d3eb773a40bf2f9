// Package pricing recomputes checkout totals from the catalog. Client-supplied
// prices are never trusted; they are only compared against the result.
package pricing

import (
	"context"
	"fmt"

	"github.com/safar/marketplace-settlement/internal/apperr"
	"github.com/safar/marketplace-settlement/internal/models"
	"github.com/safar/marketplace-settlement/internal/money"
)

// Catalog is the authoritative product source.
type Catalog interface {
	GetProduct(ctx context.Context, id int64) (*models.Product, error)
}

type Item struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type StoreCart struct {
	StoreID int64  `json:"store_id"`
	Items   []Item `json:"items"`
}

type Checkout struct {
	Stores      []StoreCart `json:"stores"`
	DeliveryFee int64       `json:"delivery_fee"`
}

type Line struct {
	ProductID int64  `json:"product_id"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	Subtotal  int64  `json:"subtotal"`
}

type StoreTotal struct {
	StoreID int64  `json:"store_id"`
	Lines   []Line `json:"lines"`
	Total   int64  `json:"total"`
}

// Breakdown is the verified price of a checkout in minor units.
type Breakdown struct {
	Stores      []StoreTotal `json:"stores"`
	DeliveryFee int64        `json:"delivery_fee"`
	GrandTotal  int64        `json:"grand_total"`
}

type AmountVerifier struct {
	catalog Catalog
}

func NewAmountVerifier(catalog Catalog) *AmountVerifier {
	return &AmountVerifier{catalog: catalog}
}

const opVerify = "verify amounts"

// Verify prices every line from the catalog and stops at the first problem,
// returning an *apperr.Error that names the product.
func (v *AmountVerifier) Verify(ctx context.Context, co Checkout) (*Breakdown, error) {
	if len(co.Stores) == 0 {
		return nil, apperr.Validation(opVerify, "cart is empty")
	}
	if co.DeliveryFee < 0 {
		return nil, apperr.Validation(opVerify, "delivery fee cannot be negative")
	}

	b := &Breakdown{DeliveryFee: co.DeliveryFee}
	grand := co.DeliveryFee
	requested := make(map[int64]int)
	seenStores := make(map[int64]bool)

	for _, cart := range co.Stores {
		if len(cart.Items) == 0 {
			return nil, apperr.Validation(opVerify, fmt.Sprintf("store %d has no items", cart.StoreID))
		}
		if seenStores[cart.StoreID] {
			return nil, apperr.Validation(opVerify, fmt.Sprintf("store %d listed more than once", cart.StoreID))
		}
		seenStores[cart.StoreID] = true

		st := StoreTotal{StoreID: cart.StoreID}
		for _, it := range cart.Items {
			line, err := v.line(ctx, cart.StoreID, it, requested)
			if err != nil {
				return nil, err
			}
			st.Lines = append(st.Lines, line)
			if st.Total, err = money.Add(st.Total, line.Subtotal); err != nil {
				return nil, apperr.Wrap(apperr.KindValidation, opVerify, err)
			}
		}

		var err error
		if grand, err = money.Add(grand, st.Total); err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, opVerify, err)
		}
		b.Stores = append(b.Stores, st)
	}

	b.GrandTotal = grand
	return b, nil
}

func (v *AmountVerifier) line(ctx context.Context, storeID int64, it Item, requested map[int64]int) (Line, error) {
	if it.Quantity <= 0 {
		return Line{}, apperr.ProductError(apperr.KindValidation, opVerify, it.ProductID, "quantity must be positive")
	}

	p, err := v.catalog.GetProduct(ctx, it.ProductID)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return Line{}, apperr.ProductError(apperr.KindNotFound, opVerify, it.ProductID, "product not found")
		}
		return Line{}, fmt.Errorf("load product %d: %w", it.ProductID, err)
	}

	switch {
	case p.IsDeleted:
		return Line{}, apperr.ProductError(apperr.KindUnavailable, opVerify, p.ID, fmt.Sprintf("%q is no longer available", p.Name))
	case !p.IsActive:
		return Line{}, apperr.ProductError(apperr.KindUnavailable, opVerify, p.ID, fmt.Sprintf("%q is not currently for sale", p.Name))
	case p.StoreID != storeID:
		return Line{}, apperr.ProductError(apperr.KindUnavailable, opVerify, p.ID, fmt.Sprintf("%q is not sold by store %d", p.Name, storeID))
	}

	// The same product may appear on several lines; stock covers their sum.
	requested[p.ID] += it.Quantity
	if requested[p.ID] > p.InventoryQuantity {
		return Line{}, apperr.ProductError(apperr.KindInsufficientStock, opVerify, p.ID,
			fmt.Sprintf("%q: requested %d, available %d", p.Name, requested[p.ID], p.InventoryQuantity))
	}

	unit, err := money.ToMinor(p.Price)
	if err != nil {
		return Line{}, &apperr.Error{Kind: apperr.KindValidation, Op: opVerify, ProductID: p.ID, Message: "catalog price is not representable", Err: err}
	}
	subtotal, err := money.Mul(unit, it.Quantity)
	if err != nil {
		return Line{}, &apperr.Error{Kind: apperr.KindValidation, Op: opVerify, ProductID: p.ID, Err: err}
	}

	return Line{
		ProductID: p.ID,
		Name:      p.Name,
		Quantity:  it.Quantity,
		UnitPrice: unit,
		Subtotal:  subtotal,
	}, nil
}

// CompareClientTotal checks an amount the client believes it owes. The client
// figure is informational; settlement always uses the verified total.
func CompareClientTotal(b *Breakdown, clientTotal int64) error {
	if clientTotal == b.GrandTotal {
		return nil
	}
	return apperr.New(apperr.KindAmountMismatch, "compare client total",
		fmt.Sprintf("client total %s does not match verified total %s", money.Format(clientTotal), money.Format(b.GrandTotal)))
}
