package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrEmptyCart         = errors.New("cart is empty, nothing to checkout")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
	ErrProductNotFound   = errors.New("product not found")
	ErrProductInactive   = errors.New("product is not available for sale")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrAddressNotFound   = errors.New("address not found")
	ErrAddressIncomplete = errors.New("shipping address is incomplete")
	ErrPaymentFailed     = errors.New("payment failed")
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidTransition = errors.New("illegal transition of order status")
	ErrConcurrentUpdate  = errors.New("order was modified concurrently")
	ErrRestockIncomplete = errors.New("stock could not be fully restored")
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries every field that failed validation in one request.
type ValidationError struct {
	Fields []FieldError
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: message}}}
}

func (e *ValidationError) Add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

// OrNil returns nil when no field failed, so callers can return it directly.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

type StockShortage struct {
	ProductID int64 `json:"product_id"`
	Requested int32 `json:"requested"`
	Available int32 `json:"available"`
}

// InsufficientStockError lists every product that could not be reserved.
type InsufficientStockError struct {
	Shortages []StockShortage
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Shortages))
	for _, s := range e.Shortages {
		parts = append(parts, fmt.Sprintf("product %d (requested: %d, available: %d)", s.ProductID, s.Requested, s.Available))
	}
	return fmt.Sprintf("%s for %s", ErrInsufficientStock, strings.Join(parts, ", "))
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

type TransitionError struct {
	From OrderStatus
	To   OrderStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrInvalidTransition, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// PaymentError is returned when the gateway refused, timed out or errored.
// Err is the transport error, if there was one.
type PaymentError struct {
	Status PaymentStatus
	Reason string
	Err    error
}

func (e *PaymentError) Error() string {
	msg := ErrPaymentFailed.Error()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PaymentError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrPaymentFailed, e.Err}
	}
	return []error{ErrPaymentFailed}
}
