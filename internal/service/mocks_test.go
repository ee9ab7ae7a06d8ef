package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fjod/go_cart/order-service/internal/cart"
	"github.com/fjod/go_cart/order-service/internal/catalog"
	"github.com/fjod/go_cart/order-service/internal/domain"
	"github.com/fjod/go_cart/order-service/internal/inventory"
	"github.com/fjod/go_cart/order-service/internal/payment"
	"github.com/fjod/go_cart/order-service/internal/repository"
	"github.com/fjod/go_cart/order-service/pkg/logger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// MockOrderRepository is an in-memory repository.OrderRepository with the
// same conditional update semantics as the Postgres one.
type MockOrderRepository struct {
	mu        sync.Mutex
	orders    map[uuid.UUID]domain.Order
	CreateErr error
	UpdateErr error
	Created   int
}

func NewMockOrderRepository() *MockOrderRepository {
	return &MockOrderRepository{orders: make(map[uuid.UUID]domain.Order)}
}

func (m *MockOrderRepository) CreateOrder(_ context.Context, order *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return m.CreateErr
	}
	if order.IdempotencyKey != "" {
		for _, o := range m.orders {
			if o.IdempotencyKey == order.IdempotencyKey {
				return repository.ErrDuplicateIdempotencyKey
			}
		}
	}
	m.orders[order.ID] = cloneOrder(order)
	m.Created++
	return nil
}

func (m *MockOrderRepository) GetOrderByID(_ context.Context, id uuid.UUID) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	c := cloneOrder(&o)
	return &c, nil
}

func (m *MockOrderRepository) GetOrderByIdempotencyKey(_ context.Context, key string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.IdempotencyKey == key {
			c := cloneOrder(&o)
			return &c, nil
		}
	}
	return nil, domain.ErrOrderNotFound
}

func (m *MockOrderRepository) ListOrdersByUserID(ctx context.Context, userID int64) ([]*domain.Order, error) {
	return m.ListOrders(ctx, repository.OrderFilter{UserID: userID})
}

func (m *MockOrderRepository) ListOrders(_ context.Context, f repository.OrderFilter) ([]*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Order
	for _, o := range m.orders {
		if f.UserID > 0 && o.UserID != f.UserID {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, o.Status) {
			continue
		}
		if !f.From.IsZero() && o.OrderDate.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !o.OrderDate.Before(f.To) {
			continue
		}
		c := cloneOrder(&o)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderDate.After(out[j].OrderDate) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MockOrderRepository) CountOrdersByStatus(_ context.Context) (map[domain.OrderStatus]repository.StatusTotals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.OrderStatus]repository.StatusTotals)
	for _, o := range m.orders {
		t, ok := out[o.Status]
		if !ok {
			t.Amount = decimal.Zero
		}
		t.Count++
		t.Amount = t.Amount.Add(o.TotalAmount)
		out[o.Status] = t
	}
	return out, nil
}

func (m *MockOrderRepository) UpdateOrderStatus(_ context.Context, order *domain.Order, expected domain.OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	stored, ok := m.orders[order.ID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if stored.Status != expected {
		return domain.ErrConcurrentUpdate
	}
	stored.Status = order.Status
	stored.ShippedAt = order.ShippedAt
	stored.DeliveredAt = order.DeliveredAt
	stored.Notes = order.Notes
	stored.UpdatedAt = order.UpdatedAt
	stored.RestockPending = order.RestockPending
	m.orders[order.ID] = stored
	return nil
}

func (m *MockOrderRepository) OrderPlaced(_ context.Context, reference string) (bool, error) {
	id, err := uuid.Parse(reference)
	if err != nil {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	return ok && o.Status != domain.OrderStatusCancelled, nil
}

func (m *MockOrderRepository) ListRestockPending(_ context.Context, limit int) ([]*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Order
	for _, o := range m.orders {
		if o.RestockPending && len(out) < limit {
			c := cloneOrder(&o)
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *MockOrderRepository) ClearRestockPending(_ context.Context, orderID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[orderID]; ok {
		o.RestockPending = false
		m.orders[orderID] = o
	}
	return nil
}

func (m *MockOrderRepository) UpdatePayment(_ context.Context, orderID uuid.UUID, p *domain.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.orders[orderID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	cp := *p
	stored.Payment = &cp
	m.orders[orderID] = stored
	return nil
}

// put stores an order directly, bypassing placement.
func (m *MockOrderRepository) put(o *domain.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = cloneOrder(o)
}

func (m *MockOrderRepository) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

func cloneOrder(o *domain.Order) domain.Order {
	c := *o
	c.Items = append([]domain.OrderItem(nil), o.Items...)
	if o.Payment != nil {
		p := *o.Payment
		c.Payment = &p
	}
	if o.Guest != nil {
		g := *o.Guest
		c.Guest = &g
	}
	return c
}

func containsStatus(list []domain.OrderStatus, s domain.OrderStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type MockAddressStore struct {
	Addresses map[int64]*domain.StoredAddress
}

func (m *MockAddressStore) GetAddress(_ context.Context, userID, addressID int64) (*domain.StoredAddress, error) {
	a, ok := m.Addresses[addressID]
	if !ok || a.UserID != userID {
		return nil, domain.ErrAddressNotFound
	}
	return a, nil
}

type MockCatalog struct {
	Products map[int64]*catalog.Product
	Err      error
}

func (m *MockCatalog) GetProducts(_ context.Context, ids []int64) ([]*catalog.Product, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	var out []*catalog.Product
	for _, id := range ids {
		if p, ok := m.Products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

type MockCartStore struct {
	mu       sync.Mutex
	Carts    map[int64]*cart.Cart
	ClearErr error
	Cleared  []int64
}

func (m *MockCartStore) GetCart(_ context.Context, userID int64) (*cart.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.Carts[userID]; ok {
		return c, nil
	}
	return &cart.Cart{UserID: userID}, nil
}

func (m *MockCartStore) ClearCart(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ClearErr != nil {
		return m.ClearErr
	}
	delete(m.Carts, userID)
	m.Cleared = append(m.Cleared, userID)
	return nil
}

type MockCartClearQueue struct {
	mu       sync.Mutex
	Err      error
	Requests []cart.ClearRequest
}

func (m *MockCartClearQueue) EnqueueCartClear(_ context.Context, req cart.ClearRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Requests = append(m.Requests, req)
	return nil
}

// MockGateway approves prepaid charges unless told otherwise and records
// refunds.
type MockGateway struct {
	mu        sync.Mutex
	Status    domain.PaymentStatus
	Response  string
	Err       error
	Delay     time.Duration
	RefundErr error
	Charges   int
	Refunds   []payment.RefundRequest
}

func (m *MockGateway) ProcessPayment(ctx context.Context, req payment.Request) (*payment.Outcome, error) {
	m.mu.Lock()
	m.Charges++
	status, resp, err, delay := m.Status, m.Response, m.Err, m.Delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if !req.Method.IsPrepaid() {
		status = domain.PaymentStatusPending
	} else if status == "" {
		status = domain.PaymentStatusSuccess
	}
	return &payment.Outcome{
		Status:          status,
		TransactionID:   "TXN-" + req.OrderRef,
		Gateway:         "mock",
		GatewayResponse: resp,
	}, nil
}

func (m *MockGateway) Refund(_ context.Context, req payment.RefundRequest) (*payment.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RefundErr != nil {
		return nil, m.RefundErr
	}
	m.Refunds = append(m.Refunds, req)
	return &payment.Outcome{Status: domain.PaymentStatusRefunded, TransactionID: "RFD-" + req.OrderRef, Gateway: "mock"}, nil
}

func (m *MockGateway) refundCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Refunds)
}

type sentNotification struct {
	Kind     string
	OrderID  uuid.UUID
	Status   domain.OrderStatus
	Previous domain.OrderStatus
}

type MockNotifier struct {
	mu   sync.Mutex
	Err  error
	Sent []sentNotification
}

func (m *MockNotifier) SendOrderConfirmation(_ context.Context, o *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, sentNotification{Kind: "confirmation", OrderID: o.ID, Status: o.Status})
	return m.Err
}

func (m *MockNotifier) SendOrderStatusUpdate(_ context.Context, o *domain.Order, previous domain.OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, sentNotification{Kind: "status", OrderID: o.ID, Status: o.Status, Previous: previous})
	return m.Err
}

func (m *MockNotifier) sent() []sentNotification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentNotification(nil), m.Sent...)
}

// flakyLedger fails Restock a fixed number of times before delegating.
type flakyLedger struct {
	inventory.Ledger
	failures atomic.Int32
}

func (f *flakyLedger) Restock(ctx context.Context, reference string, items []inventory.ReservationItem) error {
	if f.failures.Add(-1) >= 0 {
		return errors.New("connection reset")
	}
	return f.Ledger.Restock(ctx, reference, items)
}

type commitErrLedger struct {
	inventory.Ledger
	err error
}

func (l commitErrLedger) Commit(context.Context, string) error {
	return l.err
}

// crashingLedger panics on Commit, standing in for a process that dies
// between storing an order and committing its reservation.
type crashingLedger struct {
	inventory.Ledger
}

func (crashingLedger) Commit(context.Context, string) error {
	panic("process killed")
}

// crashingOrders panics on CreateOrder, standing in for a process that dies
// after charging but before the order is stored.
type crashingOrders struct {
	*MockOrderRepository
}

func (crashingOrders) CreateOrder(context.Context, *domain.Order) error {
	panic("process killed")
}

const (
	laptopID  int64 = 1
	mouseID   int64 = 2
	monitorID int64 = 4
	retiredID int64 = 5
	userID    int64 = 42
	addressID int64 = 7
)

var homeAddress = domain.Address{Street: "1 Main St", City: "Springfield", State: "IL", PostalCode: "62701", Country: "US"}

type fixture struct {
	svc       *OrderService
	orders    *MockOrderRepository
	ledger    *inventory.MemoryStore
	carts     *MockCartStore
	gateway   *MockGateway
	notifier  *MockNotifier
	addresses *MockAddressStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ledger := inventory.NewMemoryStore(inventory.Config{CleanupInterval: time.Hour}, logger.Nop())
	t.Cleanup(func() { ledger.Close() })

	ctx := context.Background()
	require.NoError(t, ledger.SetStock(ctx, laptopID, 10))
	require.NoError(t, ledger.SetStock(ctx, mouseID, 50))
	require.NoError(t, ledger.SetStock(ctx, monitorID, 1))
	require.NoError(t, ledger.SetStock(ctx, retiredID, 5))

	f := &fixture{
		orders:   NewMockOrderRepository(),
		ledger:   ledger,
		carts:    &MockCartStore{Carts: map[int64]*cart.Cart{}},
		gateway:  &MockGateway{},
		notifier: &MockNotifier{},
		addresses: &MockAddressStore{Addresses: map[int64]*domain.StoredAddress{
			addressID: {ID: addressID, UserID: userID, IsDefault: true, Address: homeAddress},
			8:         {ID: 8, UserID: userID, Address: domain.Address{Street: "2 Side St"}},
		}},
	}

	f.svc = NewOrderService(Deps{
		Orders:    f.orders,
		Addresses: f.addresses,
		Ledger:    ledger,
		Catalog: &MockCatalog{Products: map[int64]*catalog.Product{
			laptopID:  {ID: laptopID, SKU: "LAP-PRO-15", Name: "Laptop Pro 15", Price: decimal.RequireFromString("999.99"), Active: true},
			mouseID:   {ID: mouseID, SKU: "MOU-WL-01", Name: "Wireless Mouse", Price: decimal.RequireFromString("10.10"), Active: true},
			monitorID: {ID: monitorID, SKU: "MON-4K-27", Name: "4K Monitor", Price: decimal.RequireFromString("399.99"), Active: true},
			retiredID: {ID: retiredID, SKU: "HDP-NC-01", Name: "Headphones", Price: decimal.RequireFromString("199.99"), Active: false},
		}},
		Carts:    f.carts,
		Payments: f.gateway,
		Notifier: f.notifier,
		Log:      logger.Nop(),
	}, Config{
		PlacementTimeout:    2 * time.Second,
		CompensationTimeout: time.Second,
		RestockBackoff:      time.Millisecond,
	})
	t.Cleanup(f.svc.Wait)
	return f
}

func (f *fixture) available(t *testing.T, productID int64) int32 {
	t.Helper()
	stocks, err := f.ledger.GetStock(context.Background(), []int64{productID})
	require.NoError(t, err)
	require.Len(t, stocks, 1)
	return stocks[0].Available()
}

func (f *fixture) registeredRequest(items ...domain.CartLine) PlaceOrderRequest {
	return PlaceOrderRequest{
		Identity:      domain.Identity{UserID: userID, Email: "user@example.com"},
		AddressID:     addressID,
		PaymentMethod: domain.PaymentMethodCreditCard,
		Items:         items,
	}
}

func guestRequest(items ...domain.CartLine) GuestOrderRequest {
	return GuestOrderRequest{
		Guest:         domain.GuestCustomer{Email: "guest@example.com", FirstName: "Ann", LastName: "Lee"},
		Address:       homeAddress,
		PaymentMethod: domain.PaymentMethodPayPal,
		Items:         items,
	}
}

// storedOrder saves an order in the given status without going through
// placement. Its stock is taken out of the ledger as if it had been placed.
func (f *fixture) storedOrder(t *testing.T, status domain.OrderStatus, payStatus domain.PaymentStatus, orderDate time.Time) *domain.Order {
	t.Helper()
	ctx := context.Background()
	snapshot := &domain.CartSnapshot{
		Currency: "USD",
		Items: []domain.CartSnapshotItem{
			{ProductID: mouseID, ProductName: "Wireless Mouse", SKU: "MOU-WL-01", Quantity: 2, UnitPrice: decimal.RequireFromString("10.10")},
		},
	}
	order, err := domain.NewOrder(domain.Customer{UserID: userID}, homeAddress, snapshot, orderDate)
	require.NoError(t, err)
	order.Status = status
	order.Payment = &domain.Payment{
		Method: domain.PaymentMethodCreditCard, Gateway: "mock", TransactionID: "TXN-" + order.ID.String(),
		Status: payStatus, Amount: order.TotalAmount, ProcessedAt: orderDate,
	}

	res, err := f.ledger.Reserve(ctx, order.ID.String(), []inventory.ReservationItem{{ProductID: mouseID, Quantity: 2}})
	require.NoError(t, err)
	require.NoError(t, f.ledger.Commit(ctx, res.ID))

	f.orders.put(order)
	return order
}
