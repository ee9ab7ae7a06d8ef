package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fjod/go_cart/order-service/internal/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(cred *Credentials) (*Repository, error) {
	psqlconn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cred.Host,
		cred.Port,
		cred.User,
		cred.Password,
		cred.DBName)

	db, err := sql.Open("postgres", psqlconn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if e2 := db.Ping(); e2 != nil {
		return nil, fmt.Errorf("failed to ping database: %w", e2)
	}

	db.SetMaxOpenConns(100)
	db.SetMaxIdleConns(10)
	return &Repository{db: db}, nil
}

// DB exposes the pool so the inventory ledger can share it.
func (r *Repository) DB() *sql.DB {
	return r.db
}

func (r *Repository) RunMigrations(cred *Credentials) error {
	driver, err := postgres.WithInstance(r.db, &postgres.Config{
		MigrationsTable: "orders_schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", cred.MigrationsDirPath),
		"postgres",
		driver,
	)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if e2 := m.Up(); e2 != nil && !errors.Is(e2, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", e2)
	}

	return nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

const orderColumns = `o.id, o.user_id, o.guest_email, o.guest_first_name, o.guest_last_name,
	o.total_amount, o.currency, o.status,
	o.ship_street, o.ship_city, o.ship_state, o.ship_postal_code, o.ship_country,
	o.items, o.notes, o.idempotency_key, o.order_date, o.shipped_at, o.delivered_at, o.updated_at,
	o.restock_pending,
	p.method, p.gateway, p.transaction_id, p.status, p.amount, p.gateway_response, p.processed_at`

const orderFrom = ` FROM orders o LEFT JOIN payments p ON p.order_id = o.id`

// CreateOrder inserts the order and its payment record in one transaction.
func (r *Repository) CreateOrder(ctx context.Context, order *domain.Order) error {
	itemsJSON, err := json.Marshal(order.Items)
	if err != nil {
		return fmt.Errorf("failed to marshal order items: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var guestEmail, guestFirst, guestLast sql.NullString
	if order.Guest != nil {
		guestEmail = sql.NullString{String: order.Guest.Email, Valid: true}
		guestFirst = sql.NullString{String: order.Guest.FirstName, Valid: true}
		guestLast = sql.NullString{String: order.Guest.LastName, Valid: true}
	}

	query := `INSERT INTO orders (id, user_id, guest_email, guest_first_name, guest_last_name,
	              total_amount, currency, status,
	              ship_street, ship_city, ship_state, ship_postal_code, ship_country,
	              items, notes, idempotency_key, order_date, shipped_at, delivered_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`

	_, insertErr := tx.ExecContext(ctx, query,
		order.ID,
		nullInt64(order.UserID),
		guestEmail,
		guestFirst,
		guestLast,
		order.TotalAmount,
		order.Currency,
		order.Status,
		order.ShippingAddress.Street,
		order.ShippingAddress.City,
		order.ShippingAddress.State,
		order.ShippingAddress.PostalCode,
		order.ShippingAddress.Country,
		itemsJSON,
		order.Notes,
		nullString(order.IdempotencyKey),
		order.OrderDate,
		order.ShippedAt,
		order.DeliveredAt,
		order.UpdatedAt,
	)
	if insertErr != nil {
		var pqErr *pq.Error
		if errors.As(insertErr, &pqErr) && pqErr.Code == "23505" && order.IdempotencyKey != "" {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("insert order: %w", insertErr)
	}

	if order.Payment != nil {
		if err := upsertPayment(ctx, tx, order.ID, order.Payment); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit order: %w", err)
	}
	return nil
}

func (r *Repository) GetOrderByID(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+orderFrom+` WHERE o.id = $1`, id)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order by id: %w", err)
	}
	return order, nil
}

func (r *Repository) GetOrderByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+orderFrom+` WHERE o.idempotency_key = $1`, key)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order by idempotency key: %w", err)
	}
	return order, nil
}

func (r *Repository) ListOrdersByUserID(ctx context.Context, userID int64) ([]*domain.Order, error) {
	return r.ListOrders(ctx, OrderFilter{UserID: userID})
}

// ListOrders returns matching orders, newest first.
func (r *Repository) ListOrders(ctx context.Context, filter OrderFilter) ([]*domain.Order, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.UserID > 0 {
		where = append(where, "o.user_id = "+arg(filter.UserID))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		where = append(where, "o.status = ANY("+arg(pq.Array(statuses))+")")
	}
	if !filter.From.IsZero() {
		where = append(where, "o.order_date >= "+arg(filter.From))
	}
	if !filter.To.IsZero() {
		where = append(where, "o.order_date < "+arg(filter.To))
	}

	query := `SELECT ` + orderColumns + orderFrom
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY o.order_date DESC, o.id`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []*domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return orders, nil
}

func (r *Repository) CountOrdersByStatus(ctx context.Context) (map[domain.OrderStatus]StatusTotals, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*), COALESCE(SUM(total_amount), 0) FROM orders GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count orders by status: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.OrderStatus]StatusTotals)
	for rows.Next() {
		var status domain.OrderStatus
		var totals StatusTotals
		if err := rows.Scan(&status, &totals.Count, &totals.Amount); err != nil {
			return nil, fmt.Errorf("scan status totals: %w", err)
		}
		out[status] = totals
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return out, nil
}

func (r *Repository) UpdateOrderStatus(ctx context.Context, order *domain.Order, expected domain.OrderStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE orders SET status = $1, shipped_at = $2, delivered_at = $3, notes = $4, updated_at = $5,
		        restock_pending = $6
		 WHERE id = $7 AND status = $8`,
		order.Status, order.ShippedAt, order.DeliveredAt, order.Notes, order.UpdatedAt,
		order.RestockPending, order.ID, expected)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, order.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check order exists: %w", err)
	}
	if !exists {
		return domain.ErrOrderNotFound
	}
	return domain.ErrConcurrentUpdate
}

func (r *Repository) UpdatePayment(ctx context.Context, orderID uuid.UUID, payment *domain.Payment) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := upsertPayment(ctx, tx, orderID, payment); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *Repository) OrderPlaced(ctx context.Context, reference string) (bool, error) {
	id, err := uuid.Parse(reference)
	if err != nil {
		return false, nil
	}
	var placed bool
	err = r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1 AND status <> $2)`,
		id, domain.OrderStatusCancelled).Scan(&placed)
	if err != nil {
		return false, fmt.Errorf("check order placed: %w", err)
	}
	return placed, nil
}

// ListRestockPending returns cancelled orders whose stock has not been
// confirmed back in the ledger, oldest first.
func (r *Repository) ListRestockPending(ctx context.Context, limit int) ([]*domain.Order, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+orderColumns+orderFrom+` WHERE o.restock_pending ORDER BY o.updated_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query restock pending orders: %w", err)
	}
	defer rows.Close()

	var orders []*domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return orders, nil
}

func (r *Repository) ClearRestockPending(ctx context.Context, orderID uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE orders SET restock_pending = FALSE WHERE id = $1`, orderID); err != nil {
		return fmt.Errorf("clear restock pending: %w", err)
	}
	return nil
}

func (r *Repository) GetAddress(ctx context.Context, userID, addressID int64) (*domain.StoredAddress, error) {
	var a domain.StoredAddress
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, street, city, state, postal_code, country, is_default
		 FROM addresses WHERE id = $1 AND user_id = $2`, addressID, userID).
		Scan(&a.ID, &a.UserID, &a.Street, &a.City, &a.State, &a.PostalCode, &a.Country, &a.IsDefault)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAddressNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query address: %w", err)
	}
	return &a, nil
}

func (r *Repository) CreateAddress(ctx context.Context, a *domain.StoredAddress) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO addresses (user_id, street, city, state, postal_code, country, is_default)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		a.UserID, a.Street, a.City, a.State, a.PostalCode, a.Country, a.IsDefault).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("insert address: %w", err)
	}
	return nil
}

func (r *Repository) EnqueueEvent(ctx context.Context, event *OutboxEvent) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO outbox_events (aggregate_id, event_type, payload) VALUES ($1, $2, $3)
		 RETURNING id, created_at`,
		event.AggregateID, event.EventType, []byte(event.Payload)).Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

func (r *Repository) GetUnprocessedEvents(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, aggregate_id, event_type, payload, created_at FROM outbox_events
		 WHERE processed_at IS NULL ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox events: %w", err)
	}
	defer rows.Close()

	var events []*OutboxEvent
	for rows.Next() {
		var e OutboxEvent
		var payload []byte
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.EventType, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		e.Payload = payload
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return events, nil
}

func (r *Repository) MarkEventAsProcessed(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE outbox_events SET processed_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark outbox event processed: %w", err)
	}
	return nil
}

func upsertPayment(ctx context.Context, tx *sql.Tx, orderID uuid.UUID, p *domain.Payment) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO payments (order_id, method, gateway, transaction_id, status, amount, gateway_response, processed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (order_id) DO UPDATE SET
		     transaction_id = EXCLUDED.transaction_id,
		     status = EXCLUDED.status,
		     gateway_response = EXCLUDED.gateway_response,
		     processed_at = EXCLUDED.processed_at`,
		orderID, p.Method, p.Gateway, p.TransactionID, p.Status, p.Amount, p.GatewayResponse, p.ProcessedAt)
	if err != nil {
		return fmt.Errorf("upsert payment: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		o                                 domain.Order
		userID                            sql.NullInt64
		guestEmail, guestFirst, guestLast sql.NullString
		idempotencyKey                    sql.NullString
		shippedAt, deliveredAt            sql.NullTime
		itemsJSON                         []byte

		payMethod, payGateway, payTxID, payStatus, payResponse sql.NullString
		payAmount                                              decimal.NullDecimal
		payProcessedAt                                         sql.NullTime
	)

	err := row.Scan(
		&o.ID, &userID, &guestEmail, &guestFirst, &guestLast,
		&o.TotalAmount, &o.Currency, &o.Status,
		&o.ShippingAddress.Street, &o.ShippingAddress.City, &o.ShippingAddress.State,
		&o.ShippingAddress.PostalCode, &o.ShippingAddress.Country,
		&itemsJSON, &o.Notes, &idempotencyKey, &o.OrderDate, &shippedAt, &deliveredAt, &o.UpdatedAt,
		&o.RestockPending,
		&payMethod, &payGateway, &payTxID, &payStatus, &payAmount, &payResponse, &payProcessedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
		return nil, fmt.Errorf("unmarshal order items: %w", err)
	}

	o.UserID = userID.Int64
	if guestEmail.Valid {
		o.Guest = &domain.GuestCustomer{Email: guestEmail.String, FirstName: guestFirst.String, LastName: guestLast.String}
	}
	o.IdempotencyKey = idempotencyKey.String
	if shippedAt.Valid {
		t := shippedAt.Time
		o.ShippedAt = &t
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		o.DeliveredAt = &t
	}
	if payMethod.Valid {
		o.Payment = &domain.Payment{
			Method:          domain.PaymentMethod(payMethod.String),
			Gateway:         payGateway.String,
			TransactionID:   payTxID.String,
			Status:          domain.PaymentStatus(payStatus.String),
			Amount:          payAmount.Decimal,
			GatewayResponse: payResponse.String,
			ProcessedAt:     payProcessedAt.Time,
		}
	}
	return &o, nil
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
