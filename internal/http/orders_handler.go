package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/fjod/go_cart/order-service/internal/domain"
	"github.com/fjod/go_cart/order-service/internal/service"
	"github.com/fjod/go_cart/order-service/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const HeaderIdempotencyKey = "Idempotency-Key"

// OrderService is the part of service.OrderService the customer-facing
// routes need.
type OrderService interface {
	PlaceOrder(ctx context.Context, req service.PlaceOrderRequest) (*domain.Order, error)
	PlaceGuestOrder(ctx context.Context, req service.GuestOrderRequest) (*domain.Order, error)
	GetOrderForUser(ctx context.Context, identity domain.Identity, orderID uuid.UUID) (*domain.Order, error)
	ListOrdersByUser(ctx context.Context, identity domain.Identity) ([]*domain.Order, error)
	CancelOrder(ctx context.Context, orderID uuid.UUID, reason string) (*domain.Order, error)
}

type OrdersHandler struct {
	orders  OrderService
	log     logger.Logger
	timeout time.Duration
}

func NewOrdersHandler(orders OrderService, log logger.Logger, timeout time.Duration) *OrdersHandler {
	return &OrdersHandler{
		orders:  orders,
		log:     log,
		timeout: timeout,
	}
}

type CancelResponseDTO struct {
	Order    OrderResponseDTO `json:"order"`
	Warnings []string         `json:"warnings,omitempty"`
}

// POST /api/v1/orders
func (h *OrdersHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	identity, ok := identityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthenticated", "missing user authentication")
		return
	}

	var req PlaceOrderRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	order, err := h.orders.PlaceOrder(ctx, service.PlaceOrderRequest{
		Identity:       identity,
		AddressID:      req.AddressID,
		PaymentMethod:  domain.PaymentMethod(req.PaymentMethod),
		Items:          toCartLines(req.Items),
		Notes:          req.Notes,
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
	})
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}

	respondJSON(w, http.StatusCreated, toOrderDTO(order))
}

// POST /api/v1/guest/orders
func (h *OrdersHandler) PlaceGuestOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req GuestOrderRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	order, err := h.orders.PlaceGuestOrder(ctx, service.GuestOrderRequest{
		Guest:          req.Guest,
		Address:        req.ShippingAddress,
		PaymentMethod:  domain.PaymentMethod(req.PaymentMethod),
		Items:          toCartLines(req.Items),
		Notes:          req.Notes,
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
	})
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}

	respondJSON(w, http.StatusCreated, toOrderDTO(order))
}

// GET /api/v1/orders
func (h *OrdersHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	identity, ok := identityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthenticated", "missing user authentication")
		return
	}

	orders, err := h.orders.ListOrdersByUser(ctx, identity)
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}

	respondJSON(w, http.StatusOK, toOrderDTOs(orders))
}

// GET /api/v1/orders/{order_id}
func (h *OrdersHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	identity, ok := identityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthenticated", "missing user authentication")
		return
	}

	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	order, err := h.orders.GetOrderForUser(ctx, identity, orderID)
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}

	respondJSON(w, http.StatusOK, toOrderDTO(order))
}

// POST /api/v1/orders/{order_id}/cancel
func (h *OrdersHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	identity, ok := identityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthenticated", "missing user authentication")
		return
	}

	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	var req CancelOrderRequestDTO
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return
		}
	}

	if _, err := h.orders.GetOrderForUser(ctx, identity, orderID); err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}

	order, err := h.orders.CancelOrder(ctx, orderID, req.Reason)
	respondCancelled(w, r, h.log, order, err)
}

// respondCancelled answers 200 whenever the status change committed, listing
// any compensation that did not complete as a warning.
func respondCancelled(w http.ResponseWriter, r *http.Request, log logger.Logger, order *domain.Order, err error) {
	if order == nil {
		handleServiceError(w, r, log, err)
		return
	}

	resp := CancelResponseDTO{Order: toOrderDTO(order)}
	if err != nil {
		log.Error("order cancelled with incomplete compensation",
			logger.String("order_id", order.ID.String()),
			logger.String("request_id", getRequestID(r.Context())),
			logger.Error(err))
		resp.Warnings = append(resp.Warnings, err.Error())
	}
	respondJSON(w, http.StatusOK, resp)
}

func orderIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	orderID, err := uuid.Parse(chi.URLParam(r, "order_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_argument", "order_id must be a valid UUID")
		return uuid.Nil, false
	}
	return orderID, true
}
