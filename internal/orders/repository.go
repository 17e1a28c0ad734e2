package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/joao-fontenele/shopflow/internal/domain"
	"github.com/joao-fontenele/shopflow/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type ListFilter struct {
	Requester string
	Status    domain.OrderStatus
	Limit     int
	Offset    int
}

// Transition is one compare-and-set step: the order moves from From to To
// only if it is still in From when the update runs.
type Transition struct {
	OrderID  string
	From     domain.OrderStatus
	To       domain.OrderStatus
	Approver string
	Actor    string
	Reason   string
	At       time.Time
}

type OrderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) Create(ctx context.Context, order *domain.Order) error {
	order.ID = uuid.New().String()

	err := store.WithTx(ctx, r.db, nil, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders (id, requester, status, approver, total, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, order.ID, order.Requester, order.Status, order.Approver, order.Total, order.Version, order.CreatedAt, order.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		for i, item := range order.Items {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO order_items (order_id, position, product_ref, quantity, unit_price)
				VALUES ($1, $2, $3, $4, $5)
			`, order.ID, i, item.ProductRef, item.Quantity, item.UnitPrice)
			if err != nil {
				return fmt.Errorf("insert order item %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		order.ID = ""
		return err
	}
	return nil
}

func (r *OrderRepository) Get(ctx context.Context, id string) (*domain.Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("order %s: %w", id, domain.ErrNotFound)
	}

	order := &domain.Order{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, requester, status, approver, total, version, created_at, updated_at
		FROM orders
		WHERE id = $1
	`, id).Scan(&order.ID, &order.Requester, &order.Status, &order.Approver, &order.Total, &order.Version, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("order %s: %w", id, domain.ErrNotFound)
		}
		return nil, store.Classify(fmt.Errorf("get order: %w", err))
	}

	byID := map[string]*domain.Order{order.ID: order}
	if err := r.loadItems(ctx, byID, []string{order.ID}); err != nil {
		return nil, err
	}
	return order, nil
}

// List returns orders newest first. Items for the whole page are fetched
// with a single query.
func (r *OrderRepository) List(ctx context.Context, filter ListFilter) ([]domain.Order, error) {
	var (
		where []string
		args  []any
	)
	if filter.Requester != "" {
		args = append(args, filter.Requester)
		where = append(where, "requester = $"+strconv.Itoa(len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, "status = $"+strconv.Itoa(len(args)))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	args = append(args, limit, max(filter.Offset, 0))

	query := `SELECT id, requester, status, approver, total, version, created_at, updated_at FROM orders`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.Classify(fmt.Errorf("list orders: %w", err))
	}
	defer func() { _ = rows.Close() }()

	orderMap := make(map[string]*domain.Order)
	var orderIDs []string

	for rows.Next() {
		var order domain.Order
		if err := rows.Scan(&order.ID, &order.Requester, &order.Status, &order.Approver, &order.Total, &order.Version, &order.CreatedAt, &order.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		order.Items = []domain.OrderItem{}
		orderMap[order.ID] = &order
		orderIDs = append(orderIDs, order.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Classify(err)
	}

	if len(orderIDs) == 0 {
		return []domain.Order{}, nil
	}

	if err := r.loadItems(ctx, orderMap, orderIDs); err != nil {
		return nil, err
	}

	orders := make([]domain.Order, 0, len(orderIDs))
	for _, id := range orderIDs {
		orders = append(orders, *orderMap[id])
	}
	return orders, nil
}

func (r *OrderRepository) loadItems(ctx context.Context, orderMap map[string]*domain.Order, orderIDs []string) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT order_id, product_ref, quantity, unit_price
		FROM order_items
		WHERE order_id = ANY($1::uuid[])
		ORDER BY order_id, position
	`, pq.Array(orderIDs))
	if err != nil {
		return store.Classify(fmt.Errorf("load order items: %w", err))
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var orderID string
		var item domain.OrderItem
		if err := rows.Scan(&orderID, &item.ProductRef, &item.Quantity, &item.UnitPrice); err != nil {
			return fmt.Errorf("scan order item: %w", err)
		}
		if order, ok := orderMap[orderID]; ok {
			order.Items = append(order.Items, item)
		}
	}
	return store.Classify(rows.Err())
}

// History returns the audit log of an order, oldest first.
func (r *OrderRepository) History(ctx context.Context, id string) ([]domain.OrderEvent, error) {
	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, from_status, to_status, actor, reason, occurred_at
		FROM order_events
		WHERE order_id = $1
		ORDER BY id
	`, id)
	if err != nil {
		return nil, store.Classify(fmt.Errorf("list order events: %w", err))
	}
	defer func() { _ = rows.Close() }()

	events := []domain.OrderEvent{}
	for rows.Next() {
		var ev domain.OrderEvent
		if err := rows.Scan(&ev.ID, &ev.OrderID, &ev.FromStatus, &ev.ToStatus, &ev.Actor, &ev.Reason, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan order event: %w", err)
		}
		events = append(events, ev)
	}
	return events, store.Classify(rows.Err())
}

// Transition applies t and appends its audit row in one transaction. It
// returns domain.ErrConcurrencyConflict when the order is no longer in t.From.
func (r *OrderRepository) Transition(ctx context.Context, t Transition) (*domain.OrderEvent, error) {
	ev := &domain.OrderEvent{
		OrderID:    t.OrderID,
		FromStatus: t.From,
		ToStatus:   t.To,
		Actor:      t.Actor,
		Reason:     t.Reason,
		OccurredAt: t.At,
	}

	err := store.WithTx(ctx, r.db, nil, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE orders
			SET status = $3,
				approver = COALESCE(NULLIF($4::text, ''), approver),
				updated_at = GREATEST(updated_at, $5),
				version = version + 1
			WHERE id = $1 AND status = $2
		`, t.OrderID, t.From, t.To, t.Approver, t.At)
		if err != nil {
			return fmt.Errorf("update order status: %w", err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rowsAffected == 0 {
			return fmt.Errorf("order %s left %s: %w", t.OrderID, t.From, domain.ErrConcurrencyConflict)
		}

		return tx.QueryRowContext(ctx, `
			INSERT INTO order_events (order_id, from_status, to_status, actor, reason, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id
		`, t.OrderID, t.From, t.To, t.Actor, t.Reason, t.At).Scan(&ev.ID)
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}
