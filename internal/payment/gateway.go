// Package payment settles order payments. Real processors are out of scope;
// SimulatedGateway stands in for them and BreakerGateway bounds every call.
package payment

import (
	"context"

	"github.com/fjod/go_cart/order-service/internal/domain"
	"github.com/shopspring/decimal"
)

type Request struct {
	OrderRef string
	Amount   decimal.Decimal
	Currency string
	Method   domain.PaymentMethod
}

// RefundRequest with an empty TransactionID voids whatever was charged under
// OrderRef, for charges whose outcome never came back.
type RefundRequest struct {
	OrderRef      string
	TransactionID string
	Amount        decimal.Decimal
	Method        domain.PaymentMethod
}

type Outcome struct {
	Status          domain.PaymentStatus
	TransactionID   string
	Gateway         string
	GatewayResponse string
}

// Gateway returns an error only when the outcome is unknown; a refusal is a
// FAILED outcome with a nil error.
type Gateway interface {
	ProcessPayment(ctx context.Context, req Request) (*Outcome, error)
	Refund(ctx context.Context, req RefundRequest) (*Outcome, error)
}
