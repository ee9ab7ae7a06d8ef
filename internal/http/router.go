package http

import (
	"net/http"
	"time"

	"github.com/fjod/go_cart/order-service/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

type RouterConfig struct {
	Orders *OrdersHandler
	Admin  *AdminHandler
	Cart   *CartHandler
	Log    logger.Logger

	// PlacementLimiter throttles both checkout routes. Nil disables it.
	PlacementLimiter *rate.Limiter
	RequestTimeout   time.Duration
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(AccessLog(cfg.Log))
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}
	r.Use(IdentityMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.With(RateLimit(cfg.PlacementLimiter)).Post("/guest/orders", cfg.Orders.PlaceGuestOrder)

		r.Route("/orders", func(r chi.Router) {
			r.With(RateLimit(cfg.PlacementLimiter)).Post("/", cfg.Orders.PlaceOrder)
			r.Get("/", cfg.Orders.ListOrders)
			r.Get("/{order_id}", cfg.Orders.GetOrder)
			r.Post("/{order_id}/cancel", cfg.Orders.CancelOrder)
		})

		if cfg.Cart != nil {
			r.Route("/cart", func(r chi.Router) {
				r.Get("/", cfg.Cart.GetCart)
				r.Post("/items", cfg.Cart.AddItem)
				r.Delete("/items/{product_id}", cfg.Cart.RemoveItem)
			})
		}

		r.Route("/admin", func(r chi.Router) {
			r.Use(AdminOnly)
			r.Post("/orders/ship", cfg.Admin.MarkOrdersAsShipped)
			r.Get("/orders/requiring-action", cfg.Admin.OrdersRequiringAction)
			r.Get("/orders/{order_id}", cfg.Admin.GetOrder)
			r.Patch("/orders/{order_id}/status", cfg.Admin.UpdateStatus)
			r.Post("/orders/{order_id}/cancel", cfg.Admin.CancelOrder)
			r.Get("/reports/revenue", cfg.Admin.RevenueReport)
			r.Get("/reports/statistics", cfg.Admin.Statistics)
		})
	})

	return otelhttp.NewHandler(r, "order-service.http")
}
