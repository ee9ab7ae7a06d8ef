package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/order-service/internal/domain"
	"github.com/fjod/go_cart/order-service/internal/payment"
	"github.com/fjod/go_cart/order-service/pkg/logger"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// BulkFailure is one order a bulk operation could not process.
type BulkFailure struct {
	OrderID uuid.UUID
	Err     error
}

type BulkResult struct {
	Succeeded []uuid.UUID
	Failed    []BulkFailure
}

func (s *OrderService) GetOrder(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	return s.orders.GetOrderByID(ctx, orderID)
}

// GetOrderForUser hides orders that belong to someone else behind
// domain.ErrOrderNotFound.
func (s *OrderService) GetOrderForUser(ctx context.Context, identity domain.Identity, orderID uuid.UUID) (*domain.Order, error) {
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	order, err := s.orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != identity.UserID {
		return nil, domain.ErrOrderNotFound
	}
	return order, nil
}

func (s *OrderService) ListOrdersByUser(ctx context.Context, identity domain.Identity) ([]*domain.Order, error) {
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	return s.orders.ListOrdersByUserID(ctx, identity.UserID)
}

// UpdateStatus moves an order to target. Moving to CANCELLED restores stock
// and refunds a captured payment, exactly like CancelOrder.
func (s *OrderService) UpdateStatus(ctx context.Context, orderID uuid.UUID, target domain.OrderStatus, notes string) (order *domain.Order, err error) {
	ctx, span := s.tracer.Start(ctx, "OrderService.UpdateStatus", trace.WithAttributes(
		attribute.String("order_id", orderID.String()),
		attribute.String("target_status", string(target))))
	defer func() { endSpan(span, err) }()

	if !target.Valid() {
		return nil, domain.NewValidationError("status", fmt.Sprintf("unknown order status %q", target))
	}

	order, err = s.orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if target == domain.OrderStatusCancelled {
		return s.cancel(ctx, order, notes)
	}

	previous := order.Status
	now := s.now()
	if err := order.TransitionTo(target, now); err != nil {
		return nil, err
	}
	order.AppendNote(transitionNote(previous, target, notes), now)

	if err := s.orders.UpdateOrderStatus(ctx, order, previous); err != nil {
		return nil, err
	}

	s.log.WithContext(ctx).Info("order status changed",
		logger.String("order_id", order.ID.String()),
		logger.String("from", previous.String()),
		logger.String("to", target.String()))
	s.notifyStatusChange(ctx, order, previous)
	return order, nil
}

// CancelOrder cancels a PENDING or CONFIRMED order.
func (s *OrderService) CancelOrder(ctx context.Context, orderID uuid.UUID, reason string) (order *domain.Order, err error) {
	ctx, span := s.tracer.Start(ctx, "OrderService.CancelOrder",
		trace.WithAttributes(attribute.String("order_id", orderID.String())))
	defer func() { endSpan(span, err) }()

	order, err = s.orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return s.cancel(ctx, order, reason)
}

// cancel claims the order with a conditional status update first, so two
// concurrent cancellations can never restock twice. The same update sets the
// restock flag, which stays until the stock is back. Restock and refund then
// run detached from ctx. When either fails the order is still returned
// together with the error.
func (s *OrderService) cancel(ctx context.Context, order *domain.Order, reason string) (*domain.Order, error) {
	if !order.Status.IsCancellable() {
		return nil, &domain.TransitionError{From: order.Status, To: domain.OrderStatusCancelled}
	}

	previous := order.Status
	now := s.now()
	if err := order.TransitionTo(domain.OrderStatusCancelled, now); err != nil {
		return nil, err
	}
	order.AppendNote(transitionNote(previous, domain.OrderStatusCancelled, reason), now)
	order.RestockPending = true

	if err := s.orders.UpdateOrderStatus(ctx, order, previous); err != nil {
		return nil, err
	}

	log := s.log.WithContext(ctx).With(logger.String("order_id", order.ID.String()))
	cctx, cancel := detached(ctx, s.cfg.CompensationTimeout)
	defer cancel()

	var errs []error
	if err := s.returnStock(cctx, order); err != nil {
		log.Error("stock restoration pending after cancellation", logger.Error(err))
		errs = append(errs, err)
	}
	if order.Payment.NeedsRefund() {
		if err := s.refund(cctx, order); err != nil {
			log.Error("refund failed after cancellation", logger.Error(err))
			errs = append(errs, err)
		}
	}

	log.Info("order cancelled", logger.String("from", previous.String()))
	s.notifyStatusChange(ctx, order, previous)
	return order, errors.Join(errs...)
}

// returnStock gives the order's stock back to the ledger, retrying a few
// times, then clears the restock flag. The ledger applies a restock once per
// order, so retrying after a partial failure is safe.
func (s *OrderService) returnStock(ctx context.Context, order *domain.Order) error {
	ref := order.ID.String()
	items := reservationItems(order.Items)

	var err error
	for attempt := 1; attempt <= s.cfg.RestockAttempts; attempt++ {
		if err = s.ledger.Restock(ctx, ref, items); err == nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(time.Duration(attempt) * s.cfg.RestockBackoff):
		}
	}
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrRestockIncomplete, err)
	}

	if !order.RestockPending {
		return nil
	}
	if err := s.orders.ClearRestockPending(ctx, order.ID); err != nil {
		return fmt.Errorf("clear restock flag: %w", err)
	}
	order.RestockPending = false
	return nil
}

func (s *OrderService) refund(ctx context.Context, order *domain.Order) error {
	out, err := s.payments.Refund(ctx, payment.RefundRequest{
		OrderRef:      order.ID.String(),
		TransactionID: order.Payment.TransactionID,
		Amount:        order.Payment.Amount,
		Method:        order.Payment.Method,
	})
	if err != nil {
		return fmt.Errorf("refund payment: %w", err)
	}

	refunded := *order.Payment
	refunded.Status = domain.PaymentStatusRefunded
	refunded.TransactionID = out.TransactionID
	refunded.GatewayResponse = out.GatewayResponse
	refunded.ProcessedAt = s.now()
	if err := s.orders.UpdatePayment(ctx, order.ID, &refunded); err != nil {
		return fmt.Errorf("record refund: %w", err)
	}
	order.Payment = &refunded
	return nil
}

// MarkOrdersAsShipped ships each order independently. One failure never
// undoes another order's success; all failures come back joined.
func (s *OrderService) MarkOrdersAsShipped(ctx context.Context, orderIDs []uuid.UUID) (*BulkResult, error) {
	ctx, span := s.tracer.Start(ctx, "OrderService.MarkOrdersAsShipped",
		trace.WithAttributes(attribute.Int("order_count", len(orderIDs))))
	defer span.End()

	ids := dedupe(orderIDs)
	errs := make([]error, len(ids))

	var g errgroup.Group
	g.SetLimit(s.cfg.BulkConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			_, errs[i] = s.UpdateStatus(ctx, id, domain.OrderStatusShipped, "bulk shipment")
			return nil
		})
	}
	_ = g.Wait()

	result := &BulkResult{}
	var joined []error
	for i, id := range ids {
		if errs[i] != nil {
			result.Failed = append(result.Failed, BulkFailure{OrderID: id, Err: errs[i]})
			joined = append(joined, fmt.Errorf("order %s: %w", id, errs[i]))
			continue
		}
		result.Succeeded = append(result.Succeeded, id)
	}

	s.log.WithContext(ctx).Info("bulk shipment processed",
		logger.Int("succeeded", len(result.Succeeded)),
		logger.Int("failed", len(result.Failed)))
	return result, errors.Join(joined...)
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func transitionNote(from, to domain.OrderStatus, note string) string {
	msg := fmt.Sprintf("status %s -> %s", from, to)
	if note != "" {
		msg += ": " + note
	}
	return msg
}
