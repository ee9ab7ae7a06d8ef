package inventory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fjod/go_cart/order-service/internal/domain"
	"github.com/fjod/go_cart/order-service/pkg/logger"
	"github.com/google/uuid"
)

// MemoryStore implements Ledger with in-memory storage. A single mutex
// serializes every mutation.
type MemoryStore struct {
	mu           sync.RWMutex
	stocks       map[int64]*StockInfo    // productID -> stock info
	reservations map[string]*Reservation // reservationID -> reservation
	restocked    map[string]struct{}     // references already restocked

	cfg Config
	log logger.Logger
	now func() time.Time

	stopCleanup chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

func NewMemoryStore(cfg Config, log logger.Logger) *MemoryStore {
	s := &MemoryStore{
		stocks:       make(map[int64]*StockInfo),
		reservations: make(map[string]*Reservation),
		restocked:    make(map[string]struct{}),
		cfg:          cfg.withDefaults(),
		log:          log,
		now:          time.Now,
		stopCleanup:  make(chan struct{}),
	}

	s.wg.Add(1)
	go s.cleanupLoop()

	return s
}

func (s *MemoryStore) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := s.ExpireReservations(context.Background())
			if err != nil {
				s.log.Warn("reservation sweep incomplete", logger.Error(err))
			}
			if n > 0 {
				s.log.Info("closed orphaned reservations", logger.Int("count", n))
			}
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *MemoryStore) ExpireReservations(ctx context.Context) (int, error) {
	s.mu.RLock()
	now := s.now()
	var due []Reservation
	for _, reservation := range s.reservations {
		if reservation.Status == StatusReserved && reservation.IsExpiredAt(now) {
			due = append(due, *reservation)
		}
	}
	s.mu.RUnlock()

	// Order lookups run without the lock; the status is re-checked below.
	var errs []error
	placed := make(map[string]bool, len(due))
	skip := make(map[string]bool)
	if s.cfg.Orders != nil {
		for _, r := range due {
			exists, err := s.cfg.Orders.OrderPlaced(ctx, r.Reference)
			if err != nil {
				skip[r.ID] = true
				errs = append(errs, fmt.Errorf("failed to look up order %s: %w", r.Reference, err))
				continue
			}
			placed[r.ID] = exists
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	closed := 0
	for _, r := range due {
		reservation := s.reservations[r.ID]
		if skip[r.ID] || reservation.Status != StatusReserved {
			continue
		}
		if placed[r.ID] {
			s.deductReserved(reservation)
			reservation.Status = StatusCommitted
		} else {
			s.returnReserved(reservation)
			reservation.Status = StatusExpired
		}
		closed++
	}
	return closed, errors.Join(errs...)
}

func (s *MemoryStore) GetStock(_ context.Context, productIDs []int64) ([]StockInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]StockInfo, 0, len(productIDs))
	for _, id := range productIDs {
		if stock, exists := s.stocks[id]; exists {
			result = append(result, *stock)
		}
	}
	return result, nil
}

func (s *MemoryStore) Reserve(_ context.Context, reference string, items []ReservationItem) (*Reservation, error) {
	items, err := normalizeItems(items)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// First pass: validate every item so a shortage leaves stock untouched
	var shortages []domain.StockShortage
	for _, item := range items {
		stock, exists := s.stocks[item.ProductID]
		if !exists {
			return nil, fmt.Errorf("%w: %d", domain.ErrProductNotFound, item.ProductID)
		}
		if stock.Available() < item.Quantity {
			shortages = append(shortages, domain.StockShortage{
				ProductID: item.ProductID,
				Requested: item.Quantity,
				Available: stock.Available(),
			})
		}
	}
	if len(shortages) > 0 {
		return nil, &domain.InsufficientStockError{Shortages: shortages}
	}

	// Second pass: reserve stock for all items
	for _, item := range items {
		s.stocks[item.ProductID].Reserved += item.Quantity
	}

	now := s.now()
	reservation := &Reservation{
		ID:        uuid.New().String(),
		Reference: reference,
		Items:     items,
		Status:    StatusReserved,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.ReservationTTL),
	}

	s.reservations[reservation.ID] = reservation
	return copyReservation(reservation), nil
}

func (s *MemoryStore) Commit(_ context.Context, reservationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reservation, exists := s.reservations[reservationID]
	if !exists {
		return ErrReservationNotFound
	}

	switch reservation.Status {
	case StatusCommitted:
		return nil
	case StatusExpired:
		return ErrReservationExpired
	case StatusReleased:
		return ErrInvalidStatus
	}

	if reservation.IsExpiredAt(s.now()) {
		s.returnReserved(reservation)
		reservation.Status = StatusExpired
		return ErrReservationExpired
	}

	s.deductReserved(reservation)
	reservation.Status = StatusCommitted
	return nil
}

func (s *MemoryStore) Release(_ context.Context, reservationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reservation, exists := s.reservations[reservationID]
	if !exists {
		return ErrReservationNotFound
	}

	switch reservation.Status {
	case StatusReleased, StatusExpired:
		return nil
	case StatusCommitted:
		return ErrInvalidStatus
	}

	s.returnReserved(reservation)
	reservation.Status = StatusReleased
	return nil
}

func (s *MemoryStore) IncreaseStock(_ context.Context, productID int64, quantity int32) error {
	if quantity <= 0 {
		return domain.ErrInvalidQuantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.addStock(productID, quantity)
}

func (s *MemoryStore) Restock(_ context.Context, reference string, items []ReservationItem) error {
	items, err := normalizeItems(items)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, done := s.restocked[reference]; done {
		return nil
	}
	s.restocked[reference] = struct{}{}

	reservation := s.latestReservation(reference)
	if reservation != nil {
		switch reservation.Status {
		case StatusReserved:
			s.returnReserved(reservation)
			reservation.Status = StatusReleased
			return nil
		case StatusReleased, StatusExpired:
			return nil
		}
		items = reservation.Items
	}
	for _, item := range items {
		if err := s.addStock(item.ProductID, item.Quantity); err != nil {
			s.log.Warn("skipping restock of unknown product", logger.Int64("product_id", item.ProductID))
		}
	}
	return nil
}

// latestReservation must be called with mu held.
func (s *MemoryStore) latestReservation(reference string) *Reservation {
	var latest *Reservation
	for _, r := range s.reservations {
		if r.Reference == reference && (latest == nil || r.CreatedAt.After(latest.CreatedAt)) {
			latest = r
		}
	}
	return latest
}

func (s *MemoryStore) SetStock(_ context.Context, productID int64, quantity int32) error {
	if quantity < 0 {
		return domain.ErrInvalidQuantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stock, exists := s.stocks[productID]
	if !exists {
		s.stocks[productID] = &StockInfo{ProductID: productID, Total: quantity}
		return nil
	}
	if quantity < stock.Reserved {
		return fmt.Errorf("%w: product %d has %d reserved", ErrBelowReserved, productID, stock.Reserved)
	}
	stock.Total = quantity
	return nil
}

// Close stops the background sweep and waits for it to finish
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
	})
	s.wg.Wait()
	return nil
}

// addStock must be called with mu held.
func (s *MemoryStore) addStock(productID int64, quantity int32) error {
	stock, exists := s.stocks[productID]
	if !exists {
		return fmt.Errorf("%w: %d", domain.ErrProductNotFound, productID)
	}
	stock.Total += quantity
	return nil
}

// returnReserved must be called with mu held.
func (s *MemoryStore) returnReserved(r *Reservation) {
	for _, item := range r.Items {
		if stock, ok := s.stocks[item.ProductID]; ok {
			stock.Reserved -= item.Quantity
		}
	}
}

// deductReserved must be called with mu held. Reserved already holds the
// quantity, so both counters drop.
func (s *MemoryStore) deductReserved(r *Reservation) {
	for _, item := range r.Items {
		stock := s.stocks[item.ProductID]
		stock.Total -= item.Quantity
		stock.Reserved -= item.Quantity
	}
}

func copyReservation(r *Reservation) *Reservation {
	c := *r
	c.Items = append([]ReservationItem(nil), r.Items...)
	return &c
}
