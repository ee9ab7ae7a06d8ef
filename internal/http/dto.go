package http

import (
	"strconv"
	"time"

	"github.com/fjod/go_cart/order-service/internal/domain"
	"github.com/fjod/go_cart/order-service/internal/service"
	"github.com/google/uuid"
)

type OrderItemDTO struct {
	ProductID   int64  `json:"product_id"`
	ProductName string `json:"product_name"`
	SKU         string `json:"sku"`
	Quantity    int32  `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	Subtotal    string `json:"subtotal"`
}

type PaymentDTO struct {
	Method          string `json:"method"`
	Status          string `json:"status"`
	TransactionID   string `json:"transaction_id"`
	Amount          string `json:"amount"`
	GatewayResponse string `json:"gateway_response,omitempty"`
	ProcessedAt     string `json:"processed_at"`
}

type OrderResponseDTO struct {
	ID              string                `json:"id"`
	UserID          int64                 `json:"user_id,omitempty"`
	Guest           *domain.GuestCustomer `json:"guest,omitempty"`
	Status          string                `json:"status"`
	TotalAmount     string                `json:"total_amount"`
	Currency        string                `json:"currency"`
	ShippingAddress domain.Address        `json:"shipping_address"`
	Items           []OrderItemDTO        `json:"items"`
	Payment         *PaymentDTO           `json:"payment,omitempty"`
	Notes           string                `json:"notes,omitempty"`
	OrderDate       string                `json:"order_date"`
	ShippedAt       string                `json:"shipped_at,omitempty"`
	DeliveredAt     string                `json:"delivered_at,omitempty"`
}

type CartLineDTO struct {
	ProductID int64 `json:"product_id"`
	Quantity  int32 `json:"quantity"`
}

type PlaceOrderRequestDTO struct {
	AddressID     int64         `json:"address_id"`
	PaymentMethod string        `json:"payment_method"`
	Items         []CartLineDTO `json:"items,omitempty"`
	Notes         string        `json:"notes,omitempty"`
}

type GuestOrderRequestDTO struct {
	Guest           domain.GuestCustomer `json:"guest"`
	ShippingAddress domain.Address       `json:"shipping_address"`
	PaymentMethod   string               `json:"payment_method"`
	Items           []CartLineDTO        `json:"items"`
	Notes           string               `json:"notes,omitempty"`
}

type UpdateStatusRequestDTO struct {
	Status string `json:"status"`
	Notes  string `json:"notes,omitempty"`
}

type CancelOrderRequestDTO struct {
	Reason string `json:"reason,omitempty"`
}

type BulkShipRequestDTO struct {
	OrderIDs []string `json:"order_ids"`
}

type BulkFailureDTO struct {
	OrderID string `json:"order_id"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

type BulkResultDTO struct {
	Succeeded []string         `json:"succeeded"`
	Failed    []BulkFailureDTO `json:"failed"`
}

func toOrderDTO(o *domain.Order) OrderResponseDTO {
	dto := OrderResponseDTO{
		ID:              o.ID.String(),
		UserID:          o.UserID,
		Guest:           o.Guest,
		Status:          o.Status.String(),
		TotalAmount:     o.TotalAmount.StringFixed(2),
		Currency:        o.Currency,
		ShippingAddress: o.ShippingAddress,
		Items:           make([]OrderItemDTO, 0, len(o.Items)),
		Notes:           o.Notes,
		OrderDate:       o.OrderDate.Format(time.RFC3339),
		ShippedAt:       formatTime(o.ShippedAt),
		DeliveredAt:     formatTime(o.DeliveredAt),
	}
	for _, it := range o.Items {
		dto.Items = append(dto.Items, OrderItemDTO{
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			SKU:         it.SKU,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice.StringFixed(2),
			Subtotal:    it.Subtotal.StringFixed(2),
		})
	}
	if p := o.Payment; p != nil {
		dto.Payment = &PaymentDTO{
			Method:          string(p.Method),
			Status:          string(p.Status),
			TransactionID:   p.TransactionID,
			Amount:          p.Amount.StringFixed(2),
			GatewayResponse: p.GatewayResponse,
			ProcessedAt:     p.ProcessedAt.Format(time.RFC3339),
		}
	}
	return dto
}

func toOrderDTOs(orders []*domain.Order) []OrderResponseDTO {
	out := make([]OrderResponseDTO, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrderDTO(o))
	}
	return out
}

func toBulkResultDTO(res *service.BulkResult) BulkResultDTO {
	dto := BulkResultDTO{
		Succeeded: make([]string, 0, len(res.Succeeded)),
		Failed:    make([]BulkFailureDTO, 0, len(res.Failed)),
	}
	for _, id := range res.Succeeded {
		dto.Succeeded = append(dto.Succeeded, id.String())
	}
	for _, f := range res.Failed {
		_, code := errorStatus(f.Err)
		dto.Failed = append(dto.Failed, BulkFailureDTO{OrderID: f.OrderID.String(), Error: f.Err.Error(), Code: code})
	}
	return dto
}

func toCartLines(items []CartLineDTO) []domain.CartLine {
	if len(items) == 0 {
		return nil
	}
	lines := make([]domain.CartLine, 0, len(items))
	for _, it := range items {
		lines = append(lines, domain.CartLine{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return lines
}

func parseOrderIDs(raw []string) ([]uuid.UUID, error) {
	verr := &domain.ValidationError{}
	ids := make([]uuid.UUID, 0, len(raw))
	for i, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			verr.Add("order_ids["+strconv.Itoa(i)+"]", "is not a valid order id")
			continue
		}
		ids = append(ids, id)
	}
	if len(raw) == 0 {
		verr.Add("order_ids", "at least one order id is required")
	}
	return ids, verr.OrNil()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
