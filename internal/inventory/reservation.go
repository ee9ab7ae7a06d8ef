package inventory

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/fjod/go_cart/order-service/internal/domain"
)

// ReservationStatus represents the state of a stock reservation
type ReservationStatus string

const (
	StatusReserved  ReservationStatus = "reserved"
	StatusCommitted ReservationStatus = "committed"
	StatusReleased  ReservationStatus = "released"
	StatusExpired   ReservationStatus = "expired"
)

type ReservationItem struct {
	ProductID int64 `json:"product_id"`
	Quantity  int32 `json:"quantity"`
}

// Reservation holds stock for one order until it is committed, released or
// swept after ExpiresAt.
type Reservation struct {
	ID        string
	Reference string
	Items     []ReservationItem
	Status    ReservationStatus
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (r *Reservation) IsExpiredAt(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// StockInfo contains stock information for a product
type StockInfo struct {
	ProductID int64
	Total     int32 // on hand, including reserved units
	Reserved  int32 // held by open reservations
}

// Available returns the available stock (total - reserved)
func (s StockInfo) Available() int32 {
	return s.Total - s.Reserved
}

// normalizeItems merges duplicate product ids and sorts by product id so
// every backend checks and locks rows in the same order.
func normalizeItems(items []ReservationItem) ([]ReservationItem, error) {
	if len(items) == 0 {
		return nil, domain.ErrEmptyCart
	}
	merged := make(map[int64]int64, len(items))
	for _, it := range items {
		if it.Quantity <= 0 {
			return nil, domain.ErrInvalidQuantity
		}
		merged[it.ProductID] += int64(it.Quantity)
		if merged[it.ProductID] > math.MaxInt32 {
			return nil, domain.NewValidationError("items",
				fmt.Sprintf("total quantity for product %d is too large", it.ProductID))
		}
	}
	out := make([]ReservationItem, 0, len(merged))
	for id, qty := range merged {
		out = append(out, ReservationItem{ProductID: id, Quantity: int32(qty)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}
