package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/order-service/pkg/logger"
)

const restockRecoveryBatch = 100

// RecoverPendingRestocks finishes restocks that a cancellation gave up on or
// never reached. It returns how many orders were settled.
func (s *OrderService) RecoverPendingRestocks(ctx context.Context) (int, error) {
	orders, err := s.orders.ListRestockPending(ctx, restockRecoveryBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending restocks: %w", err)
	}

	settled := 0
	var errs []error
	for _, order := range orders {
		if err := s.returnStock(ctx, order); err != nil {
			errs = append(errs, fmt.Errorf("order %s: %w", order.ID, err))
			continue
		}
		settled++
	}
	return settled, errors.Join(errs...)
}

// RunRestockRecovery calls RecoverPendingRestocks every interval until ctx is
// done.
func (s *OrderService) RunRestockRecovery(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("restock recovery started", logger.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("restock recovery stopped")
			return
		case <-ticker.C:
			n, err := s.RecoverPendingRestocks(ctx)
			if err != nil {
				s.log.Error("restock recovery incomplete", logger.Error(err))
			}
			if n > 0 {
				s.log.Info("restored stock for cancelled orders", logger.Int("count", n))
			}
		}
	}
}
