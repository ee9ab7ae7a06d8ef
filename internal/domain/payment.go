package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type PaymentMethod string

const (
	PaymentMethodCreditCard     PaymentMethod = "CREDIT_CARD"
	PaymentMethodPayPal         PaymentMethod = "PAYPAL"
	PaymentMethodCashOnDelivery PaymentMethod = "CASH_ON_DELIVERY"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCreditCard, PaymentMethodPayPal, PaymentMethodCashOnDelivery:
		return true
	}
	return false
}

// IsPrepaid is true for methods that settle synchronously at checkout.
func (m PaymentMethod) IsPrepaid() bool {
	return m == PaymentMethodCreditCard || m == PaymentMethodPayPal
}

func ParsePaymentMethod(raw string) (PaymentMethod, error) {
	m := PaymentMethod(raw)
	if !m.Valid() {
		return "", NewValidationError("payment_method", fmt.Sprintf("unsupported payment method %q", raw))
	}
	return m, nil
}

type PaymentStatus string

const (
	PaymentStatusSuccess  PaymentStatus = "SUCCESS"
	PaymentStatusPending  PaymentStatus = "PENDING"
	PaymentStatusFailed   PaymentStatus = "FAILED"
	PaymentStatusRefunded PaymentStatus = "REFUNDED"
)

type Payment struct {
	Method          PaymentMethod   `json:"method"`
	Gateway         string          `json:"gateway"`
	TransactionID   string          `json:"transaction_id"`
	Status          PaymentStatus   `json:"status"`
	Amount          decimal.Decimal `json:"amount"`
	GatewayResponse string          `json:"gateway_response,omitempty"`
	ProcessedAt     time.Time       `json:"processed_at"`
}

// NeedsRefund is true when money was actually captured.
func (p *Payment) NeedsRefund() bool {
	return p != nil && p.Status == PaymentStatusSuccess
}
