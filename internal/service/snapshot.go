package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/fjod/go_cart/order-service/internal/catalog"
	"github.com/fjod/go_cart/order-service/internal/domain"
	"github.com/shopspring/decimal"
)

// SnapshotBuilder prices a list of cart lines against the catalog. It is the
// one entry point for both persisted carts and guest item lists.
type SnapshotBuilder struct {
	catalog  ProductCatalog
	currency string
	now      func() time.Time
}

func NewSnapshotBuilder(c ProductCatalog, currency string) *SnapshotBuilder {
	return &SnapshotBuilder{catalog: c, currency: currency, now: time.Now}
}

// BuildSnapshot merges duplicate products, keeping first-seen order, and
// captures each product's current name, sku and price.
func (b *SnapshotBuilder) BuildSnapshot(ctx context.Context, lines []domain.CartLine) (*domain.CartSnapshot, error) {
	if len(lines) == 0 {
		return nil, domain.ErrEmptyCart
	}

	verr := &domain.ValidationError{}
	quantities := make(map[int64]int64, len(lines))
	overflowed := make(map[int64]bool)
	ids := make([]int64, 0, len(lines))
	for i, line := range lines {
		if line.Quantity <= 0 {
			verr.Add(fmt.Sprintf("items[%d].quantity", i), "must be positive")
			continue
		}
		if _, seen := quantities[line.ProductID]; !seen {
			ids = append(ids, line.ProductID)
		}
		quantities[line.ProductID] += int64(line.Quantity)
		if quantities[line.ProductID] > math.MaxInt32 && !overflowed[line.ProductID] {
			overflowed[line.ProductID] = true
			verr.Add(fmt.Sprintf("items[%d].quantity", i),
				fmt.Sprintf("total quantity for product %d is too large", line.ProductID))
		}
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	products, err := b.catalog.GetProducts(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load products: %w", err)
	}
	byID := make(map[int64]*catalog.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	snapshot := &domain.CartSnapshot{
		Items:      make([]domain.CartSnapshotItem, 0, len(ids)),
		Currency:   b.currency,
		CapturedAt: b.now(),
	}
	total := decimal.Zero
	for _, id := range ids {
		p, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %d", domain.ErrProductNotFound, id)
		}
		if !p.Active {
			return nil, fmt.Errorf("%w: %d", domain.ErrProductInactive, id)
		}

		qty := int32(quantities[id])
		subtotal := domain.RoundMoney(p.Price.Mul(decimal.NewFromInt32(qty)))
		snapshot.Items = append(snapshot.Items, domain.CartSnapshotItem{
			ProductID:   p.ID,
			ProductName: p.Name,
			SKU:         p.SKU,
			Quantity:    qty,
			UnitPrice:   p.Price,
			Subtotal:    subtotal,
		})
		total = total.Add(subtotal)
	}
	snapshot.TotalAmount = domain.RoundMoney(total)
	return snapshot, nil
}
