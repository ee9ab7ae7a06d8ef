// Package cart stores registered users' shopping carts. Guest item lists
// never reach this package.
package cart

import (
	"context"
	"errors"
	"time"

	"github.com/fjod/go_cart/order-service/internal/domain"
)

var (
	ErrCartNotFound = errors.New("cart not found")
	ErrItemNotFound = errors.New("item not found in cart")
	ErrCacheMiss    = errors.New("cache miss")
)

type Cart struct {
	ID        string    `bson:"_id,omitempty" json:"id,omitempty"`
	UserID    int64     `bson:"user_id" json:"user_id"`
	Items     []Item    `bson:"items" json:"items"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

type Item struct {
	ProductID int64     `bson:"product_id" json:"product_id"`
	Quantity  int32     `bson:"quantity" json:"quantity"`
	AddedAt   time.Time `bson:"added_at" json:"added_at"`
}

// Lines converts the cart into the order of items the customer added them in.
func (c *Cart) Lines() []domain.CartLine {
	if c == nil {
		return nil
	}
	lines := make([]domain.CartLine, 0, len(c.Items))
	for _, it := range c.Items {
		lines = append(lines, domain.CartLine{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return lines
}

// Repository defines the interface for cart data operations
// Consumers define this interface, not the MongoDB implementation
type Repository interface {
	GetCart(ctx context.Context, userID int64) (*Cart, error)
	AddItem(ctx context.Context, userID int64, item Item) error
	RemoveItem(ctx context.Context, userID int64, productID int64) error
	DeleteCart(ctx context.Context, userID int64) error
}

type Cache interface {
	Get(ctx context.Context, userID int64) (*Cart, error)
	Set(ctx context.Context, userID int64, cart *Cart) error
	Delete(ctx context.Context, userID int64) error
}
