package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fjod/go_cart/order-service/internal/cart"
	"github.com/fjod/go_cart/order-service/internal/domain"
	"github.com/fjod/go_cart/order-service/internal/inventory"
	"github.com/fjod/go_cart/order-service/internal/payment"
	"github.com/fjod/go_cart/order-service/internal/repository"
	"github.com/fjod/go_cart/order-service/pkg/logger"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// PlaceOrderRequest places an order for a registered user. When Items is
// empty the user's persisted cart is used and cleared on success.
type PlaceOrderRequest struct {
	Identity       domain.Identity
	AddressID      int64
	PaymentMethod  domain.PaymentMethod
	Items          []domain.CartLine
	Notes          string
	IdempotencyKey string
}

type GuestOrderRequest struct {
	Guest          domain.GuestCustomer
	Address        domain.Address
	PaymentMethod  domain.PaymentMethod
	Items          []domain.CartLine
	Notes          string
	IdempotencyKey string
}

type placement struct {
	customer       domain.Customer
	address        domain.Address
	snapshot       *domain.CartSnapshot
	method         domain.PaymentMethod
	notes          string
	idempotencyKey string
}

func (s *OrderService) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (order *domain.Order, err error) {
	ctx, span := s.tracer.Start(ctx, "OrderService.PlaceOrder",
		trace.WithAttributes(attribute.Int64("user_id", req.Identity.UserID)))
	defer func() { endSpan(span, err) }()

	verr := &domain.ValidationError{}
	if err := req.Identity.Validate(); err != nil {
		return nil, err
	}
	if !req.PaymentMethod.Valid() {
		verr.Add("payment_method", "must be one of CREDIT_CARD, PAYPAL, CASH_ON_DELIVERY")
	}
	if req.AddressID <= 0 {
		verr.Add("address_id", "is required")
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	customer := domain.Customer{UserID: req.Identity.UserID}
	if existing, err := s.findIdempotent(ctx, req.IdempotencyKey, customer); existing != nil || err != nil {
		return existing, err
	}

	lines := req.Items
	fromCart := len(lines) == 0
	if fromCart {
		c, err := s.carts.GetCart(ctx, req.Identity.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to load cart: %w", err)
		}
		lines = c.Lines()
	}

	snapshot, err := s.snapshots.BuildSnapshot(ctx, lines)
	if err != nil {
		return nil, err
	}

	stored, err := s.addresses.GetAddress(ctx, req.Identity.UserID, req.AddressID)
	if err != nil {
		return nil, err
	}
	if err := stored.Address.Validate(); err != nil {
		return nil, err
	}

	order, err = s.place(ctx, placement{
		customer:       customer,
		address:        stored.Address,
		snapshot:       snapshot,
		method:         req.PaymentMethod,
		notes:          req.Notes,
		idempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}

	if fromCart {
		s.clearCart(ctx, req.Identity.UserID, order)
	}
	return order, nil
}

// clearCart empties the cart the order was placed from. When that fails the
// clear is queued for the cart cleaner; the order stands either way.
func (s *OrderService) clearCart(ctx context.Context, userID int64, order *domain.Order) {
	cerr := s.carts.ClearCart(ctx, userID)
	if cerr == nil {
		return
	}

	log := s.log.WithContext(ctx).With(
		logger.Int64("user_id", userID),
		logger.String("order_id", order.ID.String()))
	if s.cartClears == nil {
		log.Warn("failed to clear cart after checkout", logger.Error(cerr))
		return
	}

	qctx, cancel := detached(ctx, s.cfg.NotifyTimeout)
	defer cancel()
	err := s.cartClears.EnqueueCartClear(qctx, cart.ClearRequest{
		UserID:      userID,
		OrderID:     order.ID.String(),
		RequestedAt: s.now().UTC(),
	})
	if err != nil {
		log.Error("failed to clear cart after checkout", logger.Error(errors.Join(cerr, err)))
		return
	}
	log.Warn("cart clear deferred", logger.Error(cerr))
}

func (s *OrderService) PlaceGuestOrder(ctx context.Context, req GuestOrderRequest) (order *domain.Order, err error) {
	ctx, span := s.tracer.Start(ctx, "OrderService.PlaceGuestOrder")
	defer func() { endSpan(span, err) }()

	if err := req.Guest.Validate(); err != nil {
		return nil, err
	}
	if !req.PaymentMethod.Valid() {
		return nil, domain.NewValidationError("payment_method", "must be one of CREDIT_CARD, PAYPAL, CASH_ON_DELIVERY")
	}

	guest := req.Guest
	guest.Email = strings.TrimSpace(guest.Email)
	customer := domain.Customer{Guest: &guest}
	if existing, err := s.findIdempotent(ctx, req.IdempotencyKey, customer); existing != nil || err != nil {
		return existing, err
	}

	snapshot, err := s.snapshots.BuildSnapshot(ctx, req.Items)
	if err != nil {
		return nil, err
	}
	if err := req.Address.Validate(); err != nil {
		return nil, err
	}

	return s.place(ctx, placement{
		customer:       customer,
		address:        req.Address,
		snapshot:       snapshot,
		method:         req.PaymentMethod,
		notes:          req.Notes,
		idempotencyKey: req.IdempotencyKey,
	})
}

// findIdempotent returns the order already placed under key by the same
// customer. A key reused by a different customer is a validation error.
func (s *OrderService) findIdempotent(ctx context.Context, key string, customer domain.Customer) (*domain.Order, error) {
	if key == "" {
		return nil, nil
	}
	existing, err := s.orders.GetOrderByIdempotencyKey(ctx, key)
	if errors.Is(err, domain.ErrOrderNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}
	if !sameCustomer(existing, customer) {
		return nil, domain.NewValidationError("idempotency_key", "already used by another order")
	}

	s.log.WithContext(ctx).Info("duplicate placement request",
		logger.String("idempotency_key", key),
		logger.String("order_id", existing.ID.String()),
		logger.String("status", existing.Status.String()))
	return existing, nil
}

func sameCustomer(o *domain.Order, c domain.Customer) bool {
	if c.Guest != nil {
		return o.Guest != nil && strings.EqualFold(o.Guest.Email, c.Guest.Email)
	}
	return o.Guest == nil && o.UserID == c.UserID
}

// place reserves stock, charges the customer, persists a CONFIRMED order and
// commits the reservation. On any failure every completed step is
// compensated; an order already stored is left CANCELLED.
func (s *OrderService) place(ctx context.Context, p placement) (*domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PlacementTimeout)
	defer cancel()

	log := s.log.WithContext(ctx)

	order, err := domain.NewOrder(p.customer, p.address, p.snapshot, s.now())
	if err != nil {
		return nil, err
	}
	order.IdempotencyKey = p.idempotencyKey
	order.AppendNote(p.notes, order.OrderDate)
	log = log.With(logger.String("order_id", order.ID.String()))

	sg := newSaga(s.log)
	rollback := func(cause error) error {
		log.Warn("order placement failed, compensating",
			logger.Any("steps", sg.names()),
			logger.Error(cause))
		cctx, ccancel := detached(ctx, s.cfg.CompensationTimeout)
		defer ccancel()
		return sg.compensate(cctx)
	}
	abort := func(cause error) (*domain.Order, error) {
		if cerr := rollback(cause); cerr != nil {
			return nil, errors.Join(cause, cerr)
		}
		return nil, cause
	}

	reservation, err := s.ledger.Reserve(ctx, order.ID.String(), reservationItems(order.Items))
	if err != nil {
		return nil, err
	}
	sg.add("return stock", func(cctx context.Context) error {
		return s.returnStock(cctx, order)
	})

	pay, err := s.charge(ctx, order, p.method)
	if err != nil {
		var perr *domain.PaymentError
		if errors.As(err, &perr) && perr.Err != nil {
			// no answer from the gateway; the charge may still have gone through
			sg.add("void payment", func(cctx context.Context) error {
				return s.voidCharge(cctx, order, p.method)
			})
		}
		return abort(err)
	}
	if pay.NeedsRefund() {
		sg.add("refund payment", func(cctx context.Context) error {
			_, rerr := s.payments.Refund(cctx, payment.RefundRequest{
				OrderRef:      order.ID.String(),
				TransactionID: pay.TransactionID,
				Amount:        pay.Amount,
				Method:        pay.Method,
			})
			return rerr
		})
	}
	order.Payment = pay

	if err := order.TransitionTo(domain.OrderStatusConfirmed, s.now()); err != nil {
		return abort(err)
	}

	// The order is stored before the reservation is committed. If the process
	// dies in between, the ledger sweep finds the live order and commits.
	if err := s.orders.CreateOrder(ctx, order); err != nil {
		if errors.Is(err, repository.ErrDuplicateIdempotencyKey) {
			// lost a race with an identical request; hand back the winner
			if cerr := rollback(err); cerr != nil {
				return nil, errors.Join(err, cerr)
			}
			return s.orders.GetOrderByIdempotencyKey(ctx, p.idempotencyKey)
		}
		return abort(fmt.Errorf("failed to save order: %w", err))
	}
	sg.add("cancel order", func(cctx context.Context) error {
		return s.cancelUnplaced(cctx, order)
	})

	if err := s.ledger.Commit(ctx, reservation.ID); err != nil {
		return abort(fmt.Errorf("failed to commit reservation: %w", err))
	}

	log.Info("order placed",
		logger.String("status", order.Status.String()),
		logger.String("payment_status", string(pay.Status)),
		logger.String("total", order.TotalAmount.StringFixed(2)))

	s.notifyConfirmation(ctx, order)
	return order, nil
}

// charge runs the payment. Gateway errors, timeouts and an open breaker all
// count as FAILED.
func (s *OrderService) charge(ctx context.Context, order *domain.Order, method domain.PaymentMethod) (*domain.Payment, error) {
	out, err := s.payments.ProcessPayment(ctx, payment.Request{
		OrderRef: order.ID.String(),
		Amount:   order.TotalAmount,
		Currency: order.Currency,
		Method:   method,
	})
	if err != nil {
		return nil, &domain.PaymentError{Status: domain.PaymentStatusFailed, Reason: "gateway unavailable", Err: err}
	}

	switch out.Status {
	case domain.PaymentStatusSuccess, domain.PaymentStatusPending:
		return &domain.Payment{
			Method:          method,
			Gateway:         out.Gateway,
			TransactionID:   out.TransactionID,
			Status:          out.Status,
			Amount:          order.TotalAmount,
			GatewayResponse: out.GatewayResponse,
			ProcessedAt:     s.now(),
		}, nil
	default:
		return nil, &domain.PaymentError{Status: domain.PaymentStatusFailed, Reason: out.GatewayResponse}
	}
}

// voidCharge refunds by order reference a charge whose outcome is unknown.
func (s *OrderService) voidCharge(ctx context.Context, order *domain.Order, method domain.PaymentMethod) error {
	_, err := s.payments.Refund(ctx, payment.RefundRequest{
		OrderRef: order.ID.String(),
		Amount:   order.TotalAmount,
		Method:   method,
	})
	if err != nil {
		s.log.WithContext(ctx).Error("void failed, payment needs manual reconciliation",
			logger.String("order_id", order.ID.String()),
			logger.String("amount", order.TotalAmount.StringFixed(2)),
			logger.String("method", string(method)),
			logger.Error(err))
		return fmt.Errorf("void payment: %w", err)
	}
	return nil
}

// cancelUnplaced marks a stored order CANCELLED after a later placement step
// failed. The restock flag is set so recovery covers a failed stock return.
func (s *OrderService) cancelUnplaced(ctx context.Context, order *domain.Order) error {
	previous := order.Status
	now := s.now()
	if err := order.TransitionTo(domain.OrderStatusCancelled, now); err != nil {
		return err
	}
	order.AppendNote("placement failed", now)
	order.RestockPending = true
	if err := s.orders.UpdateOrderStatus(ctx, order, previous); err != nil {
		order.RestockPending = false
		return fmt.Errorf("cancel order: %w", err)
	}
	return nil
}

func reservationItems(items []domain.OrderItem) []inventory.ReservationItem {
	out := make([]inventory.ReservationItem, len(items))
	for i, it := range items {
		out[i] = inventory.ReservationItem{ProductID: it.ProductID, Quantity: it.Quantity}
	}
	return out
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
