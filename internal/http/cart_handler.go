package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/fjod/go_cart/order-service/internal/cart"
	"github.com/fjod/go_cart/order-service/pkg/logger"
	"github.com/go-chi/chi/v5"
)

const maxItemQuantity = 99

type CartService interface {
	GetCart(ctx context.Context, userID int64) (*cart.Cart, error)
	AddItem(ctx context.Context, userID int64, productID int64, quantity int32) error
	RemoveItem(ctx context.Context, userID int64, productID int64) error
}

type CartHandler struct {
	carts   CartService
	log     logger.Logger
	timeout time.Duration
}

func NewCartHandler(carts CartService, log logger.Logger, timeout time.Duration) *CartHandler {
	return &CartHandler{
		carts:   carts,
		log:     log,
		timeout: timeout,
	}
}

type AddItemRequestDTO struct {
	ProductID int64 `json:"product_id"`
	Quantity  int32 `json:"quantity"`
}

// POST /api/v1/cart/items
func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	identity, ok := identityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthenticated", "missing user authentication")
		return
	}

	var req AddItemRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	if req.ProductID <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_product_id", "product_id must be positive")
		return
	}
	if req.Quantity <= 0 || req.Quantity > maxItemQuantity {
		respondError(w, http.StatusBadRequest, "invalid_quantity", "quantity must be between 1 and 99")
		return
	}

	if err := h.carts.AddItem(ctx, identity.UserID, req.ProductID, req.Quantity); err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}

	c, err := h.carts.GetCart(ctx, identity.UserID)
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}

	respondJSON(w, http.StatusCreated, c)
}

// GET /api/v1/cart
func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	identity, ok := identityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthenticated", "missing user authentication")
		return
	}

	c, err := h.carts.GetCart(ctx, identity.UserID)
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}

	respondJSON(w, http.StatusOK, c)
}

// DELETE /api/v1/cart/items/{product_id}
func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	identity, ok := identityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthenticated", "missing user authentication")
		return
	}

	productID, err := strconv.ParseInt(chi.URLParam(r, "product_id"), 10, 64)
	if err != nil || productID <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_product_id", "product_id must be positive")
		return
	}

	if err := h.carts.RemoveItem(ctx, identity.UserID, productID); err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
