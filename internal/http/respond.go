package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fjod/go_cart/order-service/internal/cart"
	"github.com/fjod/go_cart/order-service/internal/domain"
	"github.com/fjod/go_cart/order-service/pkg/logger"
)

type ErrorResponse struct {
	Error     string                 `json:"error"`
	Code      string                 `json:"code"`
	Details   string                 `json:"details,omitempty"`
	Fields    []domain.FieldError    `json:"fields,omitempty"`
	Shortages []domain.StockShortage `json:"shortages,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// errorStatus maps a service error onto an HTTP status and a stable error code.
// Order matters: more specific errors wrap the generic ones below them.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrAddressIncomplete):
		return http.StatusBadRequest, "address_incomplete"
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrInvalidQuantity):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, domain.ErrEmptyCart):
		return http.StatusUnprocessableEntity, "empty_cart"
	case errors.Is(err, domain.ErrOrderNotFound):
		return http.StatusNotFound, "order_not_found"
	case errors.Is(err, domain.ErrAddressNotFound):
		return http.StatusNotFound, "address_not_found"
	case errors.Is(err, domain.ErrProductNotFound):
		return http.StatusNotFound, "product_not_found"
	case errors.Is(err, cart.ErrCartNotFound), errors.Is(err, cart.ErrItemNotFound):
		return http.StatusNotFound, "cart_item_not_found"
	case errors.Is(err, domain.ErrProductInactive):
		return http.StatusUnprocessableEntity, "product_inactive"
	case errors.Is(err, domain.ErrInsufficientStock):
		return http.StatusConflict, "insufficient_stock"
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, domain.ErrConcurrentUpdate):
		return http.StatusConflict, "concurrent_update"
	case errors.Is(err, domain.ErrPaymentFailed):
		return http.StatusPaymentRequired, "payment_failed"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, domain.ErrRestockIncomplete):
		return http.StatusInternalServerError, "restock_incomplete"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// handleServiceError writes err as an ErrorResponse. Internal errors are
// logged and their text is not leaked to the client.
func handleServiceError(w http.ResponseWriter, r *http.Request, log logger.Logger, err error) {
	status, code := errorStatus(err)

	resp := ErrorResponse{Error: err.Error(), Code: code}
	if status >= http.StatusInternalServerError && status != http.StatusGatewayTimeout {
		log.Error("request failed",
			logger.String("request_id", getRequestID(r.Context())),
			logger.String("path", r.URL.Path),
			logger.Error(err))
		resp.Error = "internal server error"
		if code == "restock_incomplete" {
			resp.Error = domain.ErrRestockIncomplete.Error()
		}
	}

	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		resp.Fields = verr.Fields
	}
	var serr *domain.InsufficientStockError
	if errors.As(err, &serr) {
		resp.Shortages = serr.Shortages
	}

	respondJSON(w, status, resp)
}
