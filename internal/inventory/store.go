// Package inventory is the single authority over product stock. Every
// decrement or restoration of stock goes through a Ledger.
package inventory

import (
	"context"
	"errors"
	"time"
)

var (
	ErrReservationNotFound = errors.New("reservation not found")
	ErrReservationExpired  = errors.New("reservation has expired")
	ErrInvalidStatus       = errors.New("invalid reservation status for this operation")
	ErrBelowReserved       = errors.New("stock level below reserved quantity")
)

const (
	// ReservationTTL is how long a reservation is valid before auto-expiring
	ReservationTTL = 5 * time.Minute

	// CleanupInterval is how often the background sweep runs
	CleanupInterval = 30 * time.Second
)

type Config struct {
	ReservationTTL  time.Duration
	CleanupInterval time.Duration

	// Orders lets the sweep commit, rather than release, an expired
	// reservation whose order was stored before the commit happened.
	// Without it every expired reservation is released.
	Orders OrderLookup
}

// OrderLookup reports whether a live order holds the stock of a reservation
// reference. A cancelled order does not.
type OrderLookup interface {
	OrderPlaced(ctx context.Context, reference string) (bool, error)
}

func (c Config) withDefaults() Config {
	if c.ReservationTTL <= 0 {
		c.ReservationTTL = ReservationTTL
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = CleanupInterval
	}
	return c
}

// Ledger defines stock operations. Product lookups fail with
// domain.ErrProductNotFound, shortages with *domain.InsufficientStockError.
type Ledger interface {
	// GetStock returns stock for the ids that exist; unknown ids are skipped.
	GetStock(ctx context.Context, productIDs []int64) ([]StockInfo, error)

	// Reserve holds stock for every item or for none of them.
	Reserve(ctx context.Context, reference string, items []ReservationItem) (*Reservation, error)

	// Commit turns a reservation into a permanent decrement. Committing a
	// committed reservation is a no-op.
	Commit(ctx context.Context, reservationID string) error

	// Release returns reserved stock. Releasing a released or expired
	// reservation is a no-op; a committed one is ErrInvalidStatus.
	Release(ctx context.Context, reservationID string) error

	// IncreaseStock adds units back on hand.
	IncreaseStock(ctx context.Context, productID int64, quantity int32) error

	// Restock returns the stock held for a cancelled order. An open
	// reservation under reference is released; a committed one, or none at
	// all, puts items back on hand. It applies at most once per reference, so
	// a retry after a crash never restocks twice. Products no longer stocked
	// are skipped.
	Restock(ctx context.Context, reference string, items []ReservationItem) error

	// SetStock sets the stock level for a product (used for initialization).
	// Units held by open reservations are kept, so quantity may not drop
	// below them.
	SetStock(ctx context.Context, productID int64, quantity int32) error

	// ExpireReservations closes every open reservation past its TTL and
	// returns how many it closed. A reservation whose order exists is
	// committed; any other is released.
	ExpireReservations(ctx context.Context) (int, error)

	Close() error
}
