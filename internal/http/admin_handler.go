package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/fjod/go_cart/order-service/internal/domain"
	"github.com/fjod/go_cart/order-service/internal/service"
	"github.com/fjod/go_cart/order-service/pkg/logger"
	"github.com/google/uuid"
)

const defaultActionAge = 24 * time.Hour

type AdminService interface {
	GetOrder(ctx context.Context, orderID uuid.UUID) (*domain.Order, error)
	UpdateStatus(ctx context.Context, orderID uuid.UUID, target domain.OrderStatus, notes string) (*domain.Order, error)
	CancelOrder(ctx context.Context, orderID uuid.UUID, reason string) (*domain.Order, error)
	MarkOrdersAsShipped(ctx context.Context, orderIDs []uuid.UUID) (*service.BulkResult, error)
	RevenueReport(ctx context.Context, from, to time.Time) (*service.RevenueReport, error)
	Statistics(ctx context.Context) (*service.Statistics, error)
	OrdersRequiringAction(ctx context.Context, olderThan time.Duration) ([]*domain.Order, error)
}

// AdminHandler serves back-office routes. Every route sits behind AdminOnly.
type AdminHandler struct {
	admin   AdminService
	log     logger.Logger
	timeout time.Duration
}

func NewAdminHandler(admin AdminService, log logger.Logger, timeout time.Duration) *AdminHandler {
	return &AdminHandler{
		admin:   admin,
		log:     log,
		timeout: timeout,
	}
}

// GET /api/v1/admin/orders/{order_id}
func (h *AdminHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	order, err := h.admin.GetOrder(ctx, orderID)
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}

	respondJSON(w, http.StatusOK, toOrderDTO(order))
}

// PATCH /api/v1/admin/orders/{order_id}/status
func (h *AdminHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	var req UpdateStatusRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	target := domain.OrderStatus(req.Status)
	order, err := h.admin.UpdateStatus(ctx, orderID, target, req.Notes)
	if target == domain.OrderStatusCancelled {
		respondCancelled(w, r, h.log, order, err)
		return
	}
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}

	respondJSON(w, http.StatusOK, toOrderDTO(order))
}

// POST /api/v1/admin/orders/{order_id}/cancel
func (h *AdminHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

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

	order, err := h.admin.CancelOrder(ctx, orderID, req.Reason)
	respondCancelled(w, r, h.log, order, err)
}

// POST /api/v1/admin/orders/ship
//
// Responds 200 when every order shipped and 207 when some did not; the body
// lists each failure.
func (h *AdminHandler) MarkOrdersAsShipped(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req BulkShipRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	ids, err := parseOrderIDs(req.OrderIDs)
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}

	result, err := h.admin.MarkOrdersAsShipped(ctx, ids)
	if result == nil {
		handleServiceError(w, r, h.log, err)
		return
	}

	status := http.StatusOK
	if len(result.Failed) > 0 {
		status = http.StatusMultiStatus
	}
	respondJSON(w, status, toBulkResultDTO(result))
}

// GET /api/v1/admin/reports/revenue?from=2024-06-01&to=2024-07-01
//
// Dates are RFC 3339 timestamps or YYYY-MM-DD days in UTC; to is exclusive.
func (h *AdminHandler) RevenueReport(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	verr := &domain.ValidationError{}
	from, err := parseDate(r.URL.Query().Get("from"))
	if err != nil {
		verr.Add("from", err.Error())
	}
	to, err := parseDate(r.URL.Query().Get("to"))
	if err != nil {
		verr.Add("to", err.Error())
	}
	if err := verr.OrNil(); err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}

	report, err := h.admin.RevenueReport(ctx, from, to)
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}

	respondJSON(w, http.StatusOK, report)
}

// GET /api/v1/admin/reports/statistics
func (h *AdminHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	stats, err := h.admin.Statistics(ctx)
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}

	respondJSON(w, http.StatusOK, stats)
}

// GET /api/v1/admin/orders/requiring-action?older_than=48h
func (h *AdminHandler) OrdersRequiringAction(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	olderThan := defaultActionAge
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			handleServiceError(w, r, h.log, domain.NewValidationError("older_than", "must be a duration such as 48h"))
			return
		}
		olderThan = d
	}

	orders, err := h.admin.OrdersRequiringAction(ctx, olderThan)
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}

	respondJSON(w, http.StatusOK, toOrderDTOs(orders))
}

func parseDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("is required")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, errors.New("must be YYYY-MM-DD or RFC 3339")
	}
	return t, nil
}
