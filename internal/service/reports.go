package service

import (
	"context"
	"sort"
	"time"

	"github.com/fjod/go_cart/order-service/internal/domain"
	"github.com/fjod/go_cart/order-service/internal/repository"
	"github.com/shopspring/decimal"
)

// revenueStatuses are the states in which an order counts as sold.
var revenueStatuses = []domain.OrderStatus{
	domain.OrderStatusConfirmed,
	domain.OrderStatusShipped,
	domain.OrderStatusDelivered,
}

type RevenueReport struct {
	From              time.Time                                       `json:"from"`
	To                time.Time                                       `json:"to"`
	OrderCount        int                                             `json:"order_count"`
	Revenue           decimal.Decimal                                 `json:"revenue"`
	AverageOrderValue decimal.Decimal                                 `json:"average_order_value"`
	ByStatus          map[domain.OrderStatus]repository.StatusTotals `json:"by_status"`
}

type Statistics struct {
	TotalOrders int                                             `json:"total_orders"`
	Revenue     decimal.Decimal                                 `json:"revenue"`
	ByStatus    map[domain.OrderStatus]repository.StatusTotals `json:"by_status"`
}

// RevenueReport sums sold orders placed in [from, to).
func (s *OrderService) RevenueReport(ctx context.Context, from, to time.Time) (*RevenueReport, error) {
	if from.IsZero() || to.IsZero() || !to.After(from) {
		return nil, domain.NewValidationError("to", "must be after from")
	}

	orders, err := s.orders.ListOrders(ctx, repository.OrderFilter{
		Statuses: revenueStatuses,
		From:     from,
		To:       to,
	})
	if err != nil {
		return nil, err
	}

	report := &RevenueReport{
		From:              from,
		To:                to,
		Revenue:           decimal.Zero,
		AverageOrderValue: decimal.Zero,
		ByStatus:          make(map[domain.OrderStatus]repository.StatusTotals, len(revenueStatuses)),
	}
	for _, st := range revenueStatuses {
		report.ByStatus[st] = repository.StatusTotals{Amount: decimal.Zero}
	}
	for _, o := range orders {
		report.OrderCount++
		report.Revenue = report.Revenue.Add(o.TotalAmount)
		t := report.ByStatus[o.Status]
		t.Count++
		t.Amount = t.Amount.Add(o.TotalAmount)
		report.ByStatus[o.Status] = t
	}
	if report.OrderCount > 0 {
		report.AverageOrderValue = domain.RoundMoney(report.Revenue.Div(decimal.NewFromInt(int64(report.OrderCount))))
	}
	return report, nil
}

// Statistics reports order counts and amounts for every status.
func (s *OrderService) Statistics(ctx context.Context) (*Statistics, error) {
	totals, err := s.orders.CountOrdersByStatus(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Statistics{
		Revenue:  decimal.Zero,
		ByStatus: make(map[domain.OrderStatus]repository.StatusTotals, len(domain.AllOrderStatuses)),
	}
	for _, st := range domain.AllOrderStatuses {
		t, ok := totals[st]
		if !ok {
			t = repository.StatusTotals{Amount: decimal.Zero}
		}
		stats.ByStatus[st] = t
		stats.TotalOrders += t.Count
	}
	for _, st := range revenueStatuses {
		stats.Revenue = stats.Revenue.Add(stats.ByStatus[st].Amount)
	}
	return stats, nil
}

// OrdersRequiringAction lists PENDING and CONFIRMED orders placed more than
// olderThan ago, oldest first.
func (s *OrderService) OrdersRequiringAction(ctx context.Context, olderThan time.Duration) ([]*domain.Order, error) {
	if olderThan <= 0 {
		return nil, domain.NewValidationError("older_than", "must be positive")
	}

	orders, err := s.orders.ListOrders(ctx, repository.OrderFilter{
		Statuses: []domain.OrderStatus{domain.OrderStatusPending, domain.OrderStatusConfirmed},
		To:       s.now().Add(-olderThan),
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].OrderDate.Before(orders[j].OrderDate)
	})
	return orders, nil
}
