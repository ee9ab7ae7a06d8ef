package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderItem struct {
	ProductID   int64           `json:"product_id"`
	ProductName string          `json:"product_name"`
	SKU         string          `json:"sku"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Quantity    int32           `json:"quantity"`
	Subtotal    decimal.Decimal `json:"subtotal"`
}

// Customer identifies who placed an order: a registered user id or a guest,
// never both.
type Customer struct {
	UserID int64
	Guest  *GuestCustomer
}

func (c Customer) Validate() error {
	switch {
	case c.UserID > 0 && c.Guest != nil:
		return NewValidationError("customer", "order cannot belong to both a user and a guest")
	case c.UserID > 0:
		return nil
	case c.Guest != nil:
		return c.Guest.Validate()
	default:
		return NewValidationError("customer", "order must belong to a user or a guest")
	}
}

type Order struct {
	ID              uuid.UUID
	UserID          int64
	Guest           *GuestCustomer
	TotalAmount     decimal.Decimal
	Currency        string
	ShippingAddress Address
	Status          OrderStatus
	Items           []OrderItem
	Payment         *Payment
	Notes           string
	IdempotencyKey  string
	OrderDate       time.Time
	ShippedAt       *time.Time
	DeliveredAt     *time.Time
	UpdatedAt       time.Time

	// RestockPending is set with the cancellation and cleared once its stock
	// is back in the ledger.
	RestockPending bool
}

// NewOrder builds a PENDING order from a priced snapshot. Line items are
// copied so the order never shares backing arrays with the snapshot.
func NewOrder(customer Customer, address Address, snapshot *CartSnapshot, now time.Time) (*Order, error) {
	if err := customer.Validate(); err != nil {
		return nil, err
	}
	if err := address.Validate(); err != nil {
		return nil, err
	}
	if snapshot == nil || len(snapshot.Items) == 0 {
		return nil, ErrEmptyCart
	}

	items := make([]OrderItem, 0, len(snapshot.Items))
	total := decimal.Zero
	for _, it := range snapshot.Items {
		subtotal := RoundMoney(it.UnitPrice.Mul(decimal.NewFromInt32(it.Quantity)))
		items = append(items, OrderItem{
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			SKU:         it.SKU,
			UnitPrice:   it.UnitPrice,
			Quantity:    it.Quantity,
			Subtotal:    subtotal,
		})
		total = total.Add(subtotal)
	}

	var guest *GuestCustomer
	if customer.Guest != nil {
		g := *customer.Guest
		guest = &g
	}

	return &Order{
		ID:              uuid.New(),
		UserID:          customer.UserID,
		Guest:           guest,
		TotalAmount:     RoundMoney(total),
		Currency:        snapshot.Currency,
		ShippingAddress: address,
		Status:          OrderStatusPending,
		Items:           items,
		OrderDate:       now,
		UpdatedAt:       now,
	}, nil
}

func (o *Order) IsGuest() bool {
	return o.Guest != nil
}

// CustomerEmail is the guest email; registered users are resolved upstream.
func (o *Order) CustomerEmail() string {
	if o.Guest != nil {
		return o.Guest.Email
	}
	return ""
}

// TransitionTo moves the order to target, stamping ShippedAt and DeliveredAt
// the first time those states are entered.
func (o *Order) TransitionTo(target OrderStatus, now time.Time) error {
	if !CanTransitionTo(o.Status, target) {
		return &TransitionError{From: o.Status, To: target}
	}
	switch target {
	case OrderStatusShipped:
		if o.ShippedAt == nil {
			t := now
			o.ShippedAt = &t
		}
	case OrderStatusDelivered:
		if o.DeliveredAt == nil {
			t := now
			o.DeliveredAt = &t
		}
	}
	o.Status = target
	o.UpdatedAt = now
	return nil
}

// AppendNote adds a timestamped line to the audit trail. Existing notes are
// never rewritten.
func (o *Order) AppendNote(note string, now time.Time) {
	note = strings.TrimSpace(note)
	if note == "" {
		return
	}
	line := "[" + now.UTC().Format(time.RFC3339) + "] " + note
	if o.Notes == "" {
		o.Notes = line
		return
	}
	o.Notes += "\n" + line
}

func (o *Order) ItemCount() int32 {
	var n int32
	for _, it := range o.Items {
		n += it.Quantity
	}
	return n
}
