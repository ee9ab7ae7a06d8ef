package inventory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fjod/go_cart/order-service/internal/domain"
	"github.com/fjod/go_cart/order-service/pkg/logger"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresStore implements Ledger on Postgres. Product rows are locked with
// SELECT ... FOR UPDATE in ascending product id order, so concurrent
// multi-item reservations cannot deadlock or oversell.
type PostgresStore struct {
	db  *sql.DB
	cfg Config
	log logger.Logger
}

func NewPostgresStore(db *sql.DB, cfg Config, log logger.Logger) *PostgresStore {
	return &PostgresStore{db: db, cfg: cfg.withDefaults(), log: log}
}

func (s *PostgresStore) RunMigrations(dir string) error {
	driver, err := postgres.WithInstance(s.db, &postgres.Config{
		MigrationsTable: "inventory_schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(fmt.Sprintf("file://%s", dir), "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if e2 := m.Up(); e2 != nil && !errors.Is(e2, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", e2)
	}
	return nil
}

// Run sweeps expired reservations every CleanupInterval until ctx is done.
func (s *PostgresStore) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	s.log.Info("reservation sweeper started", logger.Duration("interval", s.cfg.CleanupInterval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("reservation sweeper stopped")
			return
		case <-ticker.C:
			n, err := s.ExpireReservations(ctx)
			if err != nil {
				s.log.Error("failed to expire reservations", logger.Error(err))
			}
			if n > 0 {
				s.log.Info("closed orphaned reservations", logger.Int("count", n))
			}
		}
	}
}

func (s *PostgresStore) GetStock(ctx context.Context, productIDs []int64) ([]StockInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT product_id, total, reserved FROM product_stock WHERE product_id = ANY($1) ORDER BY product_id`,
		pq.Array(productIDs))
	if err != nil {
		return nil, fmt.Errorf("query stock: %w", err)
	}
	defer rows.Close()

	result := make([]StockInfo, 0, len(productIDs))
	for rows.Next() {
		var si StockInfo
		if err := rows.Scan(&si.ProductID, &si.Total, &si.Reserved); err != nil {
			return nil, fmt.Errorf("scan stock row: %w", err)
		}
		result = append(result, si)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return result, nil
}

func (s *PostgresStore) Reserve(ctx context.Context, reference string, items []ReservationItem) (*Reservation, error) {
	items, err := normalizeItems(items)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, len(items))
	for i, it := range items {
		ids[i] = it.ProductID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	locked, err := lockStock(ctx, tx, ids)
	if err != nil {
		return nil, err
	}

	var shortages []domain.StockShortage
	for _, item := range items {
		stock, ok := locked[item.ProductID]
		if !ok {
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

	for _, item := range items {
		if _, err := tx.ExecContext(ctx,
			`UPDATE product_stock SET reserved = reserved + $2, updated_at = NOW() WHERE product_id = $1`,
			item.ProductID, item.Quantity); err != nil {
			return nil, fmt.Errorf("reserve product %d: %w", item.ProductID, err)
		}
	}

	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("marshal reservation items: %w", err)
	}

	now := time.Now().UTC()
	reservation := &Reservation{
		ID:        uuid.New().String(),
		Reference: reference,
		Items:     items,
		Status:    StatusReserved,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.ReservationTTL),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO stock_reservations (id, reference, items, status, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		reservation.ID, reservation.Reference, itemsJSON, reservation.Status,
		reservation.CreatedAt, reservation.ExpiresAt); err != nil {
		return nil, fmt.Errorf("insert reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reservation: %w", err)
	}
	return reservation, nil
}

func (s *PostgresStore) Commit(ctx context.Context, reservationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	r, err := lockReservation(ctx, tx, reservationID)
	if err != nil {
		return err
	}

	switch r.Status {
	case StatusCommitted:
		return nil
	case StatusExpired:
		return ErrReservationExpired
	case StatusReleased:
		return ErrInvalidStatus
	}

	if r.IsExpiredAt(time.Now()) {
		if err := finishReservation(ctx, tx, r, StatusExpired); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit expiry: %w", err)
		}
		return ErrReservationExpired
	}

	if err := finishReservation(ctx, tx, r, StatusCommitted); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reservation: %w", err)
	}
	return nil
}

func (s *PostgresStore) Release(ctx context.Context, reservationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	r, err := lockReservation(ctx, tx, reservationID)
	if err != nil {
		return err
	}

	switch r.Status {
	case StatusReleased, StatusExpired:
		return nil
	case StatusCommitted:
		return ErrInvalidStatus
	}

	if err := finishReservation(ctx, tx, r, StatusReleased); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit release: %w", err)
	}
	return nil
}

func (s *PostgresStore) IncreaseStock(ctx context.Context, productID int64, quantity int32) error {
	if quantity <= 0 {
		return domain.ErrInvalidQuantity
	}

	return addStock(ctx, s.db, productID, quantity)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func addStock(ctx context.Context, db execer, productID int64, quantity int32) error {
	res, err := db.ExecContext(ctx,
		`UPDATE product_stock SET total = total + $2, updated_at = NOW() WHERE product_id = $1`,
		productID, quantity)
	if err != nil {
		return fmt.Errorf("increase stock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", domain.ErrProductNotFound, productID)
	}
	return nil
}

// Restock records the reference in stock_restocks in the same transaction as
// the stock update, so a repeated call is a no-op.
func (s *PostgresStore) Restock(ctx context.Context, reference string, items []ReservationItem) error {
	items, err := normalizeItems(items)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO stock_restocks (reference) VALUES ($1) ON CONFLICT (reference) DO NOTHING`, reference)
	if err != nil {
		return fmt.Errorf("record restock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return nil
	}

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM stock_reservations WHERE reference = $1 ORDER BY created_at DESC LIMIT 1`,
		reference).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("find reservation: %w", err)
	default:
		r, err := lockReservation(ctx, tx, id)
		if err != nil {
			return err
		}
		switch r.Status {
		case StatusReserved:
			if err := finishReservation(ctx, tx, r, StatusReleased); err != nil {
				return err
			}
			return commitRestock(tx)
		case StatusReleased, StatusExpired:
			return commitRestock(tx)
		}
		items = r.Items
	}

	for _, item := range items {
		err := addStock(ctx, tx, item.ProductID, item.Quantity)
		if errors.Is(err, domain.ErrProductNotFound) {
			s.log.Warn("skipping restock of unknown product", logger.Int64("product_id", item.ProductID))
			continue
		}
		if err != nil {
			return fmt.Errorf("restock product %d: %w", item.ProductID, err)
		}
	}
	return commitRestock(tx)
}

func commitRestock(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit restock: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetStock(ctx context.Context, productID int64, quantity int32) error {
	if quantity < 0 {
		return domain.ErrInvalidQuantity
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO product_stock (product_id, total, reserved) VALUES ($1, $2, 0)
		 ON CONFLICT (product_id) DO UPDATE SET total = EXCLUDED.total, updated_at = NOW()
		 WHERE product_stock.reserved <= EXCLUDED.total`,
		productID, quantity)
	if err != nil {
		return fmt.Errorf("set stock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: product %d", ErrBelowReserved, productID)
	}
	return nil
}

type dueReservation struct {
	id        string
	reference string
	items     []ReservationItem
}

// ExpireReservations skips reservations locked by an in-flight commit or
// release; the next sweep picks them up if they are still open. A
// reservation whose order lookup fails is left open for the next sweep.
func (s *PostgresStore) ExpireReservations(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	due, err := lockDueReservations(ctx, tx)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	var errs []error
	var committed, expired []string
	reservedDelta := make(map[int64]int32)
	totalDelta := make(map[int64]int32)
	for _, r := range due {
		placed := false
		if s.cfg.Orders != nil {
			placed, err = s.cfg.Orders.OrderPlaced(ctx, r.reference)
			if err != nil {
				errs = append(errs, fmt.Errorf("failed to look up order %s: %w", r.reference, err))
				continue
			}
		}
		for _, it := range r.items {
			reservedDelta[it.ProductID] += it.Quantity
			if placed {
				totalDelta[it.ProductID] += it.Quantity
			}
		}
		if placed {
			committed = append(committed, r.id)
		} else {
			expired = append(expired, r.id)
		}
	}

	productIDs := make([]int64, 0, len(reservedDelta))
	for id := range reservedDelta {
		productIDs = append(productIDs, id)
	}
	sort.Slice(productIDs, func(i, j int) bool { return productIDs[i] < productIDs[j] })

	for _, id := range productIDs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE product_stock SET reserved = reserved - $2, total = total - $3, updated_at = NOW()
			 WHERE product_id = $1`,
			id, reservedDelta[id], totalDelta[id]); err != nil {
			return 0, fmt.Errorf("settle stock for product %d: %w", id, err)
		}
	}

	for status, ids := range map[ReservationStatus][]string{StatusExpired: expired, StatusCommitted: committed} {
		if len(ids) == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE stock_reservations SET status = $1 WHERE id = ANY($2)`,
			status, pq.Array(ids)); err != nil {
			return 0, fmt.Errorf("mark reservations %s: %w", status, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit expiry: %w", err)
	}
	return len(committed) + len(expired), errors.Join(errs...)
}

func lockDueReservations(ctx context.Context, tx *sql.Tx) ([]dueReservation, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, reference, items FROM stock_reservations
		 WHERE status = $1 AND expires_at < NOW()
		 ORDER BY id
		 FOR UPDATE SKIP LOCKED`, StatusReserved)
	if err != nil {
		return nil, fmt.Errorf("query expired reservations: %w", err)
	}
	defer rows.Close()

	var due []dueReservation
	for rows.Next() {
		var r dueReservation
		var itemsJSON []byte
		if err := rows.Scan(&r.id, &r.reference, &itemsJSON); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		if err := json.Unmarshal(itemsJSON, &r.items); err != nil {
			return nil, fmt.Errorf("unmarshal reservation items: %w", err)
		}
		due = append(due, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return due, nil
}

// Close is a no-op; the *sql.DB is owned by the caller.
func (s *PostgresStore) Close() error {
	return nil
}

func lockStock(ctx context.Context, tx *sql.Tx, ids []int64) (map[int64]StockInfo, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT product_id, total, reserved FROM product_stock
		 WHERE product_id = ANY($1)
		 ORDER BY product_id
		 FOR UPDATE`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("lock stock rows: %w", err)
	}
	defer rows.Close()

	locked := make(map[int64]StockInfo, len(ids))
	for rows.Next() {
		var si StockInfo
		if err := rows.Scan(&si.ProductID, &si.Total, &si.Reserved); err != nil {
			return nil, fmt.Errorf("scan stock row: %w", err)
		}
		locked[si.ProductID] = si
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return locked, nil
}

func lockReservation(ctx context.Context, tx *sql.Tx, id string) (*Reservation, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrReservationNotFound
	}

	var r Reservation
	var itemsJSON []byte
	err := tx.QueryRowContext(ctx,
		`SELECT id, reference, items, status, created_at, expires_at
		 FROM stock_reservations WHERE id = $1 FOR UPDATE`, id).
		Scan(&r.ID, &r.Reference, &itemsJSON, &r.Status, &r.CreatedAt, &r.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock reservation: %w", err)
	}
	if err := json.Unmarshal(itemsJSON, &r.Items); err != nil {
		return nil, fmt.Errorf("unmarshal reservation items: %w", err)
	}
	return &r, nil
}

// finishReservation moves an open reservation to a final status, adjusting
// stock rows in ascending product id order. Items are stored sorted.
func finishReservation(ctx context.Context, tx *sql.Tx, r *Reservation, status ReservationStatus) error {
	query := `UPDATE product_stock SET reserved = reserved - $2, updated_at = NOW() WHERE product_id = $1`
	if status == StatusCommitted {
		query = `UPDATE product_stock SET reserved = reserved - $2, total = total - $2, updated_at = NOW() WHERE product_id = $1`
	}
	for _, item := range r.Items {
		if _, err := tx.ExecContext(ctx, query, item.ProductID, item.Quantity); err != nil {
			return fmt.Errorf("update stock for product %d: %w", item.ProductID, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE stock_reservations SET status = $2 WHERE id = $1`, r.ID, status); err != nil {
		return fmt.Errorf("update reservation status: %w", err)
	}
	r.Status = status
	return nil
}
