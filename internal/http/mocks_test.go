package http

import (
	"context"
	"sync"
	"time"

	"github.com/fjod/go_cart/order-service/internal/cart"
	"github.com/fjod/go_cart/order-service/internal/domain"
	"github.com/fjod/go_cart/order-service/internal/service"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// --- Mocks ---

// OrdersMock satisfies both OrderService and AdminService.
type OrdersMock struct {
	mu sync.Mutex

	order  *domain.Order
	orders []*domain.Order
	bulk   *service.BulkResult
	report *service.RevenueReport
	stats  *service.Statistics
	err    error

	// cancelErr is returned alongside order by CancelOrder.
	cancelErr error

	placed      []service.PlaceOrderRequest
	guestPlaced []service.GuestOrderRequest
	cancelled   []uuid.UUID
	olderThan   time.Duration
	from, to    time.Time
}

func (m *OrdersMock) PlaceOrder(ctx context.Context, req service.PlaceOrderRequest) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placed = append(m.placed, req)
	if m.err != nil {
		return nil, m.err
	}
	return m.order, nil
}

func (m *OrdersMock) PlaceGuestOrder(ctx context.Context, req service.GuestOrderRequest) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guestPlaced = append(m.guestPlaced, req)
	if m.err != nil {
		return nil, m.err
	}
	return m.order, nil
}

func (m *OrdersMock) GetOrder(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.order, nil
}

func (m *OrdersMock) GetOrderForUser(ctx context.Context, identity domain.Identity, orderID uuid.UUID) (*domain.Order, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.order == nil || m.order.UserID != identity.UserID {
		return nil, domain.ErrOrderNotFound
	}
	return m.order, nil
}

func (m *OrdersMock) ListOrdersByUser(ctx context.Context, identity domain.Identity) ([]*domain.Order, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.orders, nil
}

func (m *OrdersMock) CancelOrder(ctx context.Context, orderID uuid.UUID, reason string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, orderID)
	if m.err != nil {
		return nil, m.err
	}
	return m.order, m.cancelErr
}

func (m *OrdersMock) UpdateStatus(ctx context.Context, orderID uuid.UUID, target domain.OrderStatus, notes string) (*domain.Order, error) {
	if m.err != nil {
		return nil, m.err
	}
	if target == domain.OrderStatusCancelled {
		return m.order, m.cancelErr
	}
	return m.order, nil
}

func (m *OrdersMock) MarkOrdersAsShipped(ctx context.Context, orderIDs []uuid.UUID) (*service.BulkResult, error) {
	if m.bulk == nil {
		return nil, m.err
	}
	return m.bulk, m.err
}

func (m *OrdersMock) RevenueReport(ctx context.Context, from, to time.Time) (*service.RevenueReport, error) {
	m.from, m.to = from, to
	if m.err != nil {
		return nil, m.err
	}
	return m.report, nil
}

func (m *OrdersMock) Statistics(ctx context.Context) (*service.Statistics, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.stats, nil
}

func (m *OrdersMock) OrdersRequiringAction(ctx context.Context, olderThan time.Duration) ([]*domain.Order, error) {
	m.olderThan = olderThan
	if m.err != nil {
		return nil, m.err
	}
	return m.orders, nil
}

type CartMock struct {
	cart    *cart.Cart
	err     error
	added   int
	removed []int64
}

func (m *CartMock) GetCart(ctx context.Context, userID int64) (*cart.Cart, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.cart, nil
}

func (m *CartMock) AddItem(ctx context.Context, userID int64, productID int64, quantity int32) error {
	if m.err != nil {
		return m.err
	}
	m.added++
	return nil
}

func (m *CartMock) RemoveItem(ctx context.Context, userID int64, productID int64) error {
	if m.err != nil {
		return m.err
	}
	m.removed = append(m.removed, productID)
	return nil
}

// --- helpers ---

const testUserID = int64(1)

func testOrder(status domain.OrderStatus) *domain.Order {
	price := decimal.RequireFromString("1299.99")
	return &domain.Order{
		ID:          uuid.New(),
		UserID:      testUserID,
		TotalAmount: price,
		Currency:    "USD",
		ShippingAddress: domain.Address{
			Street: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US",
		},
		Status: status,
		Items: []domain.OrderItem{
			{ProductID: 1, ProductName: "Laptop", SKU: "LAP-PRO-15", UnitPrice: price, Quantity: 1, Subtotal: price},
		},
		Payment: &domain.Payment{
			Method:        domain.PaymentMethodCreditCard,
			TransactionID: "txn-1",
			Status:        domain.PaymentStatusSuccess,
			Amount:        price,
			ProcessedAt:   time.Date(2026, 2, 12, 10, 0, 0, 0, time.UTC),
		},
		OrderDate: time.Date(2026, 2, 12, 10, 0, 0, 0, time.UTC),
	}
}
