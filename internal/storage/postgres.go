package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidCursor = errors.New("invalid cursor")
	ErrInvalidStatus = errors.New("invalid status transition")
)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const orderColumns = `order_id, account_id, broker_id, instrument, side, type, limit_price::text, quantity::text, filled_quantity::text, time_in_force, status, attempt_count, broker_ref, last_error, created_at, updated_at`

// CreateOrder claims the order id atomically. When a row with the same
// order id already exists the insert is a no-op and the existing state
// is returned with created == false.
func (s *Store) CreateOrder(ctx context.Context, order OrderState) (*OrderState, bool, error) {
	var price string
	priceNull := true
	if order.LimitPrice != nil {
		price = order.LimitPrice.String()
		priceNull = false
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO orders (order_id, account_id, broker_id, instrument, side, type, limit_price, quantity, filled_quantity, time_in_force, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (order_id) DO NOTHING
		RETURNING `+orderColumns+`
	`, order.OrderID, order.AccountID, order.BrokerID, order.Instrument, order.Side, order.Type,
		nullableString(price, priceNull), order.Quantity.String(), order.FilledQuantity.String(),
		order.TimeInForce, order.Status)

	stored, err := scanOrderRow(row)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	existing, err := s.GetOrder(ctx, order.OrderID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (*OrderState, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE order_id = $1
	`, orderID)
	order, err := scanOrderRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return order, nil
}

// TransitionOrder moves an order to a new status only while its current
// status is in from. A row that exists under a different status yields
// ErrInvalidStatus.
func (s *Store) TransitionOrder(ctx context.Context, orderID, to string, from ...string) (*OrderState, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE orders
		SET status = $1, updated_at = now()
		WHERE order_id = $2 AND status = ANY($3)
		RETURNING `+orderColumns+`
	`, to, orderID, from)
	order, err := scanOrderRow(row)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, s.statusMismatch(ctx, orderID)
	}
	return order, nil
}

// RecordDispatchAttempt bumps the attempt counter and remembers the
// last failure text. Returns the new attempt count.
func (s *Store) RecordDispatchAttempt(ctx context.Context, orderID, lastError string) (int, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE orders
		SET attempt_count = attempt_count + 1, last_error = $1, updated_at = now()
		WHERE order_id = $2
		RETURNING attempt_count
	`, lastError, orderID)
	var count int
	if err := row.Scan(&count); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return count, nil
}

// MarkAcknowledged records the venue reference alongside the
// acknowledged transition.
func (s *Store) MarkAcknowledged(ctx context.Context, orderID, brokerRef string) (*OrderState, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE orders
		SET status = $1, broker_ref = $2, last_error = '', updated_at = now()
		WHERE order_id = $3 AND status = $4
		RETURNING `+orderColumns+`
	`, OrderStatusAcknowledged, brokerRef, orderID, OrderStatusSubmitted)
	order, err := scanOrderRow(row)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, s.statusMismatch(ctx, orderID)
	}
	return order, nil
}

// ApplyBrokerUpdate settles an acknowledged order from an async venue
// event. Only acknowledged and partially filled orders are updatable.
func (s *Store) ApplyBrokerUpdate(ctx context.Context, orderID, status string, filledQty decimal.Decimal) (*OrderState, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE orders
		SET status = $1, filled_quantity = $2, updated_at = now()
		WHERE order_id = $3 AND status = ANY($4)
		RETURNING `+orderColumns+`
	`, status, filledQty.String(), orderID, []string{OrderStatusAcknowledged, OrderStatusPartiallyFilled})
	order, err := scanOrderRow(row)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, s.statusMismatch(ctx, orderID)
	}
	return order, nil
}

func (s *Store) ListOrders(ctx context.Context, accountID string, filter OrderFilter) ([]OrderState, string, error) {
	limit := clampLimit(filter.Limit)

	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE account_id = $1
	`
	args := []any{accountID}
	idx := 2

	if filter.BrokerID != "" {
		query += fmt.Sprintf(" AND broker_id = $%d", idx)
		args = append(args, filter.BrokerID)
		idx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, filter.Status)
		idx++
	}
	if filter.From != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", idx)
		args = append(args, *filter.From)
		idx++
	}
	if filter.To != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", idx)
		args = append(args, *filter.To)
		idx++
	}
	if filter.Cursor != "" {
		ts, id, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, "", ErrInvalidCursor
		}
		query += fmt.Sprintf(" AND (created_at, order_id) > ($%d, $%d)", idx, idx+1)
		args = append(args, ts, id)
		idx += 2
	}

	query += fmt.Sprintf(" ORDER BY created_at, order_id LIMIT $%d", idx)
	args = append(args, limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	orders := make([]OrderState, 0, limit)
	for rows.Next() {
		order, err := scanOrderRow(rows)
		if err != nil {
			return nil, "", err
		}
		orders = append(orders, *order)
	}
	if rows.Err() != nil {
		return nil, "", rows.Err()
	}

	var nextCursor string
	if len(orders) > limit {
		last := orders[limit]
		orders = orders[:limit]
		nextCursor = encodeCursor(last.CreatedAt, last.OrderID)
	}

	return orders, nextCursor, nil
}

// statusMismatch distinguishes a missing order from one in a state the
// caller's guard excluded.
func (s *Store) statusMismatch(ctx context.Context, orderID string) error {
	var status string
	row := s.pool.QueryRow(ctx, `
		SELECT status
		FROM orders
		WHERE order_id = $1
	`, orderID)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return ErrInvalidStatus
}

func scanOrderRow(row pgx.Row) (*OrderState, error) {
	var order OrderState
	var priceStr *string
	var qtyStr string
	var filledStr string
	if err := row.Scan(&order.OrderID, &order.AccountID, &order.BrokerID, &order.Instrument, &order.Side,
		&order.Type, &priceStr, &qtyStr, &filledStr, &order.TimeInForce, &order.Status,
		&order.AttemptCount, &order.BrokerRef, &order.LastError, &order.CreatedAt, &order.UpdatedAt); err != nil {
		return nil, err
	}

	if priceStr != nil && *priceStr != "" {
		val, err := decimal.NewFromString(*priceStr)
		if err != nil {
			return nil, fmt.Errorf("parse limit price: %w", err)
		}
		order.LimitPrice = &val
	}

	qty, err := decimal.NewFromString(qtyStr)
	if err != nil {
		return nil, fmt.Errorf("parse quantity: %w", err)
	}
	filled, err := decimal.NewFromString(filledStr)
	if err != nil {
		return nil, fmt.Errorf("parse filled quantity: %w", err)
	}
	order.Quantity = qty
	order.FilledQuantity = filled

	return &order, nil
}

func nullableString(value string, null bool) any {
	if null {
		return nil
	}
	return value
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 100 {
		return 100
	}
	return limit
}

func encodeCursor(ts time.Time, orderID string) string {
	payload := fmt.Sprintf("%s|%s", ts.UTC().Format(time.RFC3339Nano), orderID)
	return base64.StdEncoding.EncodeToString([]byte(payload))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	decoded, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", ErrInvalidCursor
	}
	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return time.Time{}, "", ErrInvalidCursor
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", ErrInvalidCursor
	}
	return ts, parts[1], nil
}
