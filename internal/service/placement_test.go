package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fjod/go_cart/order-service/internal/cart"
	"github.com/fjod/go_cart/order-service/internal/domain"
	"github.com/fjod/go_cart/order-service/internal/inventory"
	"github.com/fjod/go_cart/order-service/internal/repository"
	"github.com/fjod/go_cart/order-service/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlaceOrder_Success(t *testing.T) {
	f := newFixture(t)
	req := f.registeredRequest(
		domain.CartLine{ProductID: laptopID, Quantity: 1},
		domain.CartLine{ProductID: mouseID, Quantity: 3},
	)
	req.Notes = "leave at the door"

	order, err := f.svc.PlaceOrder(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusConfirmed, order.Status)
	assert.Equal(t, userID, order.UserID)
	assert.Equal(t, "1030.29", order.TotalAmount.StringFixed(2))
	assert.Equal(t, homeAddress, order.ShippingAddress)
	require.Len(t, order.Items, 2)
	assert.Equal(t, "30.30", order.Items[1].Subtotal.StringFixed(2))
	require.NotNil(t, order.Payment)
	assert.Equal(t, domain.PaymentStatusSuccess, order.Payment.Status)
	assert.Contains(t, order.Notes, "leave at the door")

	assert.Equal(t, int32(9), f.available(t, laptopID))
	assert.Equal(t, int32(47), f.available(t, mouseID))

	stored, err := f.svc.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusConfirmed, stored.Status)

	f.svc.Wait()
	sent := f.notifier.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "confirmation", sent[0].Kind)
	assert.Equal(t, order.ID, sent[0].OrderID)

	// explicit items never touch the persisted cart
	assert.Empty(t, f.carts.Cleared)
}

func TestPlaceOrder_FromPersistedCart(t *testing.T) {
	f := newFixture(t)
	f.carts.Carts[userID] = &cart.Cart{UserID: userID, Items: []cart.Item{
		{ProductID: mouseID, Quantity: 2},
		{ProductID: laptopID, Quantity: 1},
	}}

	order, err := f.svc.PlaceOrder(context.Background(), f.registeredRequest())
	require.NoError(t, err)

	require.Len(t, order.Items, 2)
	assert.Equal(t, mouseID, order.Items[0].ProductID)
	assert.Equal(t, []int64{userID}, f.carts.Cleared)
}

func TestPlaceOrder_CartClearFailureDoesNotFailPlacement(t *testing.T) {
	f := newFixture(t)
	f.carts.Carts[userID] = &cart.Cart{UserID: userID, Items: []cart.Item{{ProductID: mouseID, Quantity: 1}}}
	f.carts.ClearErr = errors.New("mongo unavailable")

	order, err := f.svc.PlaceOrder(context.Background(), f.registeredRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusConfirmed, order.Status)
}

func TestPlaceOrder_CartClearFailureIsQueued(t *testing.T) {
	f := newFixture(t)
	queue := &MockCartClearQueue{}
	f.svc.cartClears = queue
	f.carts.Carts[userID] = &cart.Cart{UserID: userID, Items: []cart.Item{{ProductID: mouseID, Quantity: 1}}}
	f.carts.ClearErr = errors.New("mongo unavailable")

	order, err := f.svc.PlaceOrder(context.Background(), f.registeredRequest())
	require.NoError(t, err)

	require.Len(t, queue.Requests, 1)
	assert.Equal(t, userID, queue.Requests[0].UserID)
	assert.Equal(t, order.ID.String(), queue.Requests[0].OrderID)
	assert.False(t, queue.Requests[0].RequestedAt.IsZero())

	// explicit items never touch the cart
	_, err = f.svc.PlaceOrder(context.Background(), f.registeredRequest(domain.CartLine{ProductID: mouseID, Quantity: 1}))
	require.NoError(t, err)
	assert.Len(t, queue.Requests, 1)
}

func TestPlaceOrder_EmptyCart(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.PlaceOrder(context.Background(), f.registeredRequest())

	assert.ErrorIs(t, err, domain.ErrEmptyCart)
	assert.Zero(t, f.gateway.Charges)
	assert.Zero(t, f.orders.count())
}

func TestPlaceOrder_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*PlaceOrderRequest)
		want   error
	}{
		{
			name:   "anonymous identity",
			mutate: func(r *PlaceOrderRequest) { r.Identity = domain.Identity{} },
			want:   domain.ErrValidation,
		},
		{
			name:   "unknown payment method",
			mutate: func(r *PlaceOrderRequest) { r.PaymentMethod = "BARTER" },
			want:   domain.ErrValidation,
		},
		{
			name:   "non positive quantity",
			mutate: func(r *PlaceOrderRequest) { r.Items = []domain.CartLine{{ProductID: mouseID, Quantity: 0}} },
			want:   domain.ErrValidation,
		},
		{
			name:   "unknown product",
			mutate: func(r *PlaceOrderRequest) { r.Items = []domain.CartLine{{ProductID: 999, Quantity: 1}} },
			want:   domain.ErrProductNotFound,
		},
		{
			name:   "inactive product",
			mutate: func(r *PlaceOrderRequest) { r.Items = []domain.CartLine{{ProductID: retiredID, Quantity: 1}} },
			want:   domain.ErrProductInactive,
		},
		{
			name:   "address of another user",
			mutate: func(r *PlaceOrderRequest) { r.Identity.UserID = 99 },
			want:   domain.ErrAddressNotFound,
		},
		{
			name:   "incomplete stored address",
			mutate: func(r *PlaceOrderRequest) { r.AddressID = 8 },
			want:   domain.ErrAddressIncomplete,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := f.registeredRequest(domain.CartLine{ProductID: mouseID, Quantity: 1})
			tt.mutate(&req)

			_, err := f.svc.PlaceOrder(context.Background(), req)

			assert.ErrorIs(t, err, tt.want)
			assert.Zero(t, f.gateway.Charges)
			assert.Equal(t, int32(50), f.available(t, mouseID))
		})
	}
}

func TestPlaceGuestOrder_Success(t *testing.T) {
	f := newFixture(t)

	order, err := f.svc.PlaceGuestOrder(context.Background(), guestRequest(
		domain.CartLine{ProductID: mouseID, Quantity: 1},
		domain.CartLine{ProductID: mouseID, Quantity: 2},
	))
	require.NoError(t, err)

	assert.True(t, order.IsGuest())
	assert.Zero(t, order.UserID)
	assert.Equal(t, "guest@example.com", order.CustomerEmail())
	require.Len(t, order.Items, 1)
	assert.Equal(t, int32(3), order.Items[0].Quantity)
	assert.Equal(t, int32(47), f.available(t, mouseID))
}

func TestPlaceGuestOrder_InvalidGuestAndAddress(t *testing.T) {
	f := newFixture(t)

	req := guestRequest(domain.CartLine{ProductID: mouseID, Quantity: 1})
	req.Guest = domain.GuestCustomer{Email: "not-an-email"}
	_, err := f.svc.PlaceGuestOrder(context.Background(), req)

	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Fields, 3)

	req = guestRequest(domain.CartLine{ProductID: mouseID, Quantity: 1})
	req.Address.City = ""
	_, err = f.svc.PlaceGuestOrder(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrAddressIncomplete)
	assert.Zero(t, f.gateway.Charges)
}

func TestPlaceGuestOrder_CashOnDeliveryIsConfirmedWithPendingPayment(t *testing.T) {
	f := newFixture(t)
	req := guestRequest(domain.CartLine{ProductID: laptopID, Quantity: 2})
	req.PaymentMethod = domain.PaymentMethodCashOnDelivery

	order, err := f.svc.PlaceGuestOrder(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusConfirmed, order.Status)
	assert.Equal(t, domain.PaymentStatusPending, order.Payment.Status)
	assert.Equal(t, int32(8), f.available(t, laptopID))
}

func TestPlaceOrder_InsufficientStock(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.PlaceOrder(context.Background(), f.registeredRequest(
		domain.CartLine{ProductID: mouseID, Quantity: 1},
		domain.CartLine{ProductID: monitorID, Quantity: 2},
	))

	require.ErrorIs(t, err, domain.ErrInsufficientStock)
	var serr *domain.InsufficientStockError
	require.ErrorAs(t, err, &serr)
	require.Len(t, serr.Shortages, 1)
	assert.Equal(t, domain.StockShortage{ProductID: monitorID, Requested: 2, Available: 1}, serr.Shortages[0])

	// nothing reserved, nothing charged, nothing stored
	assert.Equal(t, int32(50), f.available(t, mouseID))
	assert.Equal(t, int32(1), f.available(t, monitorID))
	assert.Zero(t, f.gateway.Charges)
	assert.Zero(t, f.orders.count())
}

func TestPlaceOrder_PaymentRefusedReleasesStock(t *testing.T) {
	f := newFixture(t)
	f.gateway.Status = domain.PaymentStatusFailed
	f.gateway.Response = "card_declined"

	_, err := f.svc.PlaceOrder(context.Background(), f.registeredRequest(domain.CartLine{ProductID: laptopID, Quantity: 2}))

	require.ErrorIs(t, err, domain.ErrPaymentFailed)
	var perr *domain.PaymentError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "card_declined", perr.Reason)

	assert.Equal(t, int32(10), f.available(t, laptopID))
	assert.Zero(t, f.orders.count())
	assert.Zero(t, f.gateway.refundCount())

	f.svc.Wait()
	assert.Empty(t, f.notifier.sent())
}

func TestPlaceOrder_GatewayErrorCountsAsFailed(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("connection refused")
	f.gateway.Err = boom

	_, err := f.svc.PlaceOrder(context.Background(), f.registeredRequest(domain.CartLine{ProductID: laptopID, Quantity: 1}))

	assert.ErrorIs(t, err, domain.ErrPaymentFailed)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(10), f.available(t, laptopID))
	// the gateway never answered, so the charge is voided by order reference
	require.Equal(t, 1, f.gateway.refundCount())
	assert.NotEmpty(t, f.gateway.Refunds[0].OrderRef)
	assert.Empty(t, f.gateway.Refunds[0].TransactionID)
}

func TestPlaceOrder_PaymentTimeoutReleasesStock(t *testing.T) {
	f := newFixture(t)
	f.svc.cfg.PlacementTimeout = 50 * time.Millisecond
	f.gateway.Delay = time.Second

	start := time.Now()
	_, err := f.svc.PlaceOrder(context.Background(), f.registeredRequest(domain.CartLine{ProductID: laptopID, Quantity: 3}))

	assert.ErrorIs(t, err, domain.ErrPaymentFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	// compensation ran on a detached context even though placement timed out
	assert.Equal(t, int32(10), f.available(t, laptopID))
	assert.Zero(t, f.orders.count())

	require.Equal(t, 1, f.gateway.refundCount())
	void := f.gateway.Refunds[0]
	assert.NotEmpty(t, void.OrderRef)
	assert.Empty(t, void.TransactionID)
	assert.Equal(t, "2999.97", void.Amount.StringFixed(2))
	assert.Equal(t, domain.PaymentMethodCreditCard, void.Method)
}

func TestPlaceOrder_VoidFailureIsReported(t *testing.T) {
	f := newFixture(t)
	f.gateway.Err = errors.New("connection refused")
	f.gateway.RefundErr = errors.New("gateway down")

	_, err := f.svc.PlaceOrder(context.Background(), f.registeredRequest(domain.CartLine{ProductID: laptopID, Quantity: 1}))

	assert.ErrorIs(t, err, domain.ErrPaymentFailed)
	assert.Contains(t, err.Error(), "void payment")
	assert.Equal(t, int32(10), f.available(t, laptopID))
}

func TestPlaceOrder_CommitFailureCancelsStoredOrder(t *testing.T) {
	f := newFixture(t)
	f.svc.ledger = commitErrLedger{Ledger: f.ledger, err: errors.New("ledger unavailable")}

	_, err := f.svc.PlaceOrder(context.Background(), f.registeredRequest(domain.CartLine{ProductID: laptopID, Quantity: 2}))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger unavailable")
	assert.Equal(t, int32(10), f.available(t, laptopID))
	assert.Equal(t, 1, f.gateway.refundCount())

	orders, lerr := f.orders.ListOrders(context.Background(), repository.OrderFilter{})
	require.NoError(t, lerr)
	require.Len(t, orders, 1)
	assert.Equal(t, domain.OrderStatusCancelled, orders[0].Status)
	assert.False(t, orders[0].RestockPending)
	assert.Contains(t, orders[0].Notes, "placement failed")
}

// crashFixture swaps the ledger for one whose sweep resolves reservations
// against the fixture's orders, with a TTL short enough to sweep in a test.
func crashFixture(t *testing.T) (*fixture, *inventory.MemoryStore) {
	t.Helper()
	f := newFixture(t)
	ledger := inventory.NewMemoryStore(inventory.Config{
		ReservationTTL:  10 * time.Millisecond,
		CleanupInterval: time.Hour,
		Orders:          f.orders,
	}, logger.Nop())
	t.Cleanup(func() { ledger.Close() })
	require.NoError(t, ledger.SetStock(context.Background(), laptopID, 10))
	f.ledger = ledger
	f.svc.ledger = ledger
	return f, ledger
}

func sweepOnce(t *testing.T, ledger inventory.Ledger) {
	t.Helper()
	require.Eventually(t, func() bool {
		n, err := ledger.ExpireReservations(context.Background())
		return err == nil && n == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPlaceOrder_CrashAfterStoringOrderSweepCommits(t *testing.T) {
	f, ledger := crashFixture(t)
	f.svc.ledger = crashingLedger{Ledger: ledger}

	require.Panics(t, func() {
		_, _ = f.svc.PlaceOrder(context.Background(), f.registeredRequest(domain.CartLine{ProductID: laptopID, Quantity: 2}))
	})
	require.Equal(t, 1, f.orders.count())
	assert.Equal(t, int32(8), f.available(t, laptopID))

	sweepOnce(t, ledger)

	stocks, err := ledger.GetStock(context.Background(), []int64{laptopID})
	require.NoError(t, err)
	require.Len(t, stocks, 1)
	assert.Equal(t, int32(8), stocks[0].Total)
	assert.Equal(t, int32(0), stocks[0].Reserved)
}

func TestPlaceOrder_CrashBeforeStoringOrderSweepReleases(t *testing.T) {
	f, ledger := crashFixture(t)
	f.svc.orders = crashingOrders{MockOrderRepository: f.orders}

	require.Panics(t, func() {
		_, _ = f.svc.PlaceOrder(context.Background(), f.registeredRequest(domain.CartLine{ProductID: laptopID, Quantity: 2}))
	})
	require.Zero(t, f.orders.count())

	sweepOnce(t, ledger)

	stocks, err := ledger.GetStock(context.Background(), []int64{laptopID})
	require.NoError(t, err)
	require.Len(t, stocks, 1)
	assert.Equal(t, int32(10), stocks[0].Total)
	assert.Equal(t, int32(10), stocks[0].Available())
}

func TestPlaceOrder_PersistFailureRestocksAndRefunds(t *testing.T) {
	f := newFixture(t)
	f.orders.CreateErr = errors.New("disk full")

	_, err := f.svc.PlaceOrder(context.Background(), f.registeredRequest(domain.CartLine{ProductID: laptopID, Quantity: 4}))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, int32(10), f.available(t, laptopID))
	require.Equal(t, 1, f.gateway.refundCount())
	assert.Equal(t, "3999.96", f.gateway.Refunds[0].Amount.StringFixed(2))
}

func TestPlaceOrder_CompensationFailureIsReported(t *testing.T) {
	f := newFixture(t)
	f.orders.CreateErr = errors.New("disk full")
	f.gateway.RefundErr = errors.New("refund rejected")

	_, err := f.svc.PlaceOrder(context.Background(), f.registeredRequest(domain.CartLine{ProductID: laptopID, Quantity: 1}))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Contains(t, err.Error(), "refund rejected")
	// restock still ran after the refund failed
	assert.Equal(t, int32(10), f.available(t, laptopID))
}

func TestPlaceOrder_IdempotencyKey(t *testing.T) {
	f := newFixture(t)
	req := f.registeredRequest(domain.CartLine{ProductID: laptopID, Quantity: 1})
	req.IdempotencyKey = "checkout-123"

	first, err := f.svc.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	second, err := f.svc.PlaceOrder(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.gateway.Charges)
	assert.Equal(t, int32(9), f.available(t, laptopID))

	// a guest may not reuse a registered user's key
	guest := guestRequest(domain.CartLine{ProductID: laptopID, Quantity: 1})
	guest.IdempotencyKey = "checkout-123"
	_, err = f.svc.PlaceGuestOrder(context.Background(), guest)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestPlaceGuestOrder_NoOversellUnderContention(t *testing.T) {
	f := newFixture(t)

	const buyers = 25
	var wg sync.WaitGroup
	var placed, short atomic.Int32
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.PlaceGuestOrder(context.Background(), guestRequest(
				domain.CartLine{ProductID: mouseID, Quantity: 1},
				domain.CartLine{ProductID: laptopID, Quantity: 1},
			))
			switch {
			case err == nil:
				placed.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				short.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), placed.Load())
	assert.Equal(t, int32(buyers-10), short.Load())
	assert.Equal(t, int32(0), f.available(t, laptopID))
	assert.Equal(t, int32(40), f.available(t, mouseID))
	assert.Equal(t, 10, f.orders.count())
}
