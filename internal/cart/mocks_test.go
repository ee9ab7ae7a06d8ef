package cart

import (
	"context"
	"sync"
	"sync/atomic"
)

type mockRepository struct {
	m         sync.RWMutex
	cart      *Cart
	err       error
	deleteErr error
	getCalls  atomic.Int32
}

func (m *mockRepository) GetCart(context.Context, int64) (*Cart, error) {
	m.getCalls.Add(1)
	m.m.RLock()
	defer m.m.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	if m.cart == nil {
		return nil, ErrCartNotFound
	}
	return m.cart, nil
}

func (m *mockRepository) AddItem(_ context.Context, userID int64, item Item) error {
	m.m.Lock()
	defer m.m.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.cart == nil {
		m.cart = &Cart{UserID: userID}
	}
	m.cart.Items = append(m.cart.Items, item)
	return nil
}

func (m *mockRepository) RemoveItem(_ context.Context, _ int64, productID int64) error {
	m.m.Lock()
	defer m.m.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.cart == nil {
		return ErrItemNotFound
	}
	for i, item := range m.cart.Items {
		if item.ProductID == productID {
			m.cart.Items = append(m.cart.Items[:i], m.cart.Items[i+1:]...)
			return nil
		}
	}
	return ErrItemNotFound
}

func (m *mockRepository) DeleteCart(context.Context, int64) error {
	m.m.Lock()
	defer m.m.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	if m.cart == nil {
		return ErrCartNotFound
	}
	m.cart = nil
	return nil
}

type mockCache struct {
	m           sync.RWMutex
	cart        *Cart
	err         error
	deleteCalls int
}

func (m *mockCache) Get(context.Context, int64) (*Cart, error) {
	m.m.RLock()
	defer m.m.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	if m.cart == nil {
		return nil, ErrCacheMiss
	}
	return m.cart, nil
}

func (m *mockCache) Set(_ context.Context, _ int64, cart *Cart) error {
	m.m.Lock()
	defer m.m.Unlock()
	m.cart = cart
	return nil
}

func (m *mockCache) Delete(context.Context, int64) error {
	m.m.Lock()
	defer m.m.Unlock()
	m.deleteCalls++
	m.cart = nil
	return nil
}

func (m *mockCache) getCart() *Cart {
	m.m.RLock()
	defer m.m.RUnlock()
	return m.cart
}
