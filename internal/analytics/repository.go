package analytics

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/shopflow/internal/domain"
	"github.com/joao-fontenele/shopflow/internal/store"
)

// spendFilter keeps orders that count towards spending figures.
const spendFilter = `status NOT IN ('cancelled', 'rejected')`

// Aggregator answers read-only questions about orders and triggers. Every
// call runs in its own read-only transaction and never writes.
type Aggregator struct {
	db *sql.DB
}

func NewAggregator(db *sql.DB) *Aggregator {
	return &Aggregator{db: db}
}

func (a *Aggregator) read(ctx context.Context, w Window, fn func(tx *sql.Tx) error) error {
	if err := w.Validate(); err != nil {
		return err
	}
	return store.WithTx(ctx, a.db, store.ReadOnly, fn)
}

// StatusCounts counts orders created in the window by current status. Every
// status is present, with zero when no order is in it.
func (a *Aggregator) StatusCounts(ctx context.Context, w Window) ([]StatusCount, error) {
	counts := make(map[domain.OrderStatus]int)
	err := a.read(ctx, w, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT status, COUNT(*)
			FROM orders
			WHERE created_at >= $1 AND created_at < $2
			GROUP BY status
		`, w.From, w.To)
		if err != nil {
			return fmt.Errorf("count orders by status: %w", err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var (
				status domain.OrderStatus
				n      int
			)
			if err := rows.Scan(&status, &n); err != nil {
				return err
			}
			counts[status] = n
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	out := make([]StatusCount, 0, len(domain.Statuses()))
	for _, s := range domain.Statuses() {
		out = append(out, StatusCount{Status: s, Count: counts[s]})
	}
	return out, nil
}

func (a *Aggregator) OrdersByStatus(ctx context.Context, status domain.OrderStatus, w Window, limit int) ([]OrderSummary, error) {
	if !status.Valid() {
		return nil, &domain.ValidationError{Field: "status", Reason: "unknown order status"}
	}

	out := []OrderSummary{}
	err := a.read(ctx, w, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT o.id, o.requester, o.status, o.total, o.created_at, o.updated_at,
				(SELECT COUNT(*) FROM order_items i WHERE i.order_id = o.id)
			FROM orders o
			WHERE o.status = $1 AND o.created_at >= $2 AND o.created_at < $3
			ORDER BY o.created_at DESC, o.id
			LIMIT $4
		`, status, w.From, w.To, clampLimit(limit))
		if err != nil {
			return fmt.Errorf("list orders by status: %w", err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var s OrderSummary
			if err := rows.Scan(&s.ID, &s.Requester, &s.Status, &s.Total, &s.CreatedAt, &s.UpdatedAt, &s.Items); err != nil {
				return err
			}
			out = append(out, s)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// StatusDurations measures each completed stay from consecutive audit rows of
// orders created in the window. The stay in draft starts at created_at.
func (a *Aggregator) StatusDurations(ctx context.Context, w Window) ([]StatusDuration, error) {
	out := []StatusDuration{}
	err := a.read(ctx, w, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			WITH stays AS (
				SELECT e.from_status AS status,
					e.occurred_at - COALESCE(
						LAG(e.occurred_at) OVER (PARTITION BY e.order_id ORDER BY e.id),
						o.created_at
					) AS stay
				FROM order_events e
				JOIN orders o ON o.id = e.order_id
				WHERE o.created_at >= $1 AND o.created_at < $2
			)
			SELECT status, COUNT(*), EXTRACT(EPOCH FROM AVG(stay))::float8
			FROM stays
			GROUP BY status
		`, w.From, w.To)
		if err != nil {
			return fmt.Errorf("compute status durations: %w", err)
		}
		defer func() { _ = rows.Close() }()

		byStatus := make(map[domain.OrderStatus]StatusDuration)
		for rows.Next() {
			var d StatusDuration
			if err := rows.Scan(&d.Status, &d.Samples, &d.AvgSeconds); err != nil {
				return err
			}
			byStatus[d.Status] = d
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, s := range domain.Statuses() {
			if d, ok := byStatus[s]; ok {
				out = append(out, d)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TriggerRates groups triggers registered in the window by kind.
func (a *Aggregator) TriggerRates(ctx context.Context, w Window) ([]TriggerRate, error) {
	out := []TriggerRate{}
	err := a.read(ctx, w, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT kind,
				COUNT(*),
				COUNT(*) FILTER (WHERE status = 'fired'),
				COUNT(*) FILTER (WHERE status = 'cancelled'),
				COUNT(*) FILTER (WHERE status = 'pending'),
				COUNT(*) FILTER (WHERE dispatch_error <> '')
			FROM scheduled_triggers
			WHERE created_at >= $1 AND created_at < $2
			GROUP BY kind
			ORDER BY kind
		`, w.From, w.To)
		if err != nil {
			return fmt.Errorf("compute trigger rates: %w", err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var r TriggerRate
			if err := rows.Scan(&r.Kind, &r.Total, &r.Fired, &r.Cancelled, &r.Pending, &r.DispatchFailed); err != nil {
				return err
			}
			r.computeRates()
			out = append(out, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (a *Aggregator) Summary(ctx context.Context, w Window) (*Summary, error) {
	s := &Summary{Window: w}
	err := a.read(ctx, w, func(tx *sql.Tx) error {
		var avg decimal.NullDecimal
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*),
				COUNT(*) FILTER (WHERE status = 'closed'),
				COUNT(*) FILTER (WHERE status = 'cancelled'),
				COUNT(DISTINCT requester),
				COALESCE(SUM(total) FILTER (WHERE `+spendFilter+`), 0),
				AVG(total) FILTER (WHERE `+spendFilter+`)
			FROM orders
			WHERE created_at >= $1 AND created_at < $2
		`, w.From, w.To).Scan(&s.TotalOrders, &s.CompletedOrders, &s.CancelledOrders, &s.ActiveRequesters, &s.TotalSpent, &avg)
		if err != nil {
			return fmt.Errorf("summarize orders: %w", err)
		}
		if avg.Valid {
			s.AverageOrder = avg.Decimal.Round(2)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (a *Aggregator) TopProducts(ctx context.Context, w Window, limit int) ([]ProductStat, error) {
	out := []ProductStat{}
	err := a.read(ctx, w, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT i.product_ref, SUM(i.quantity), COUNT(DISTINCT i.order_id), SUM(i.quantity * i.unit_price)
			FROM order_items i
			JOIN orders o ON o.id = i.order_id
			WHERE o.created_at >= $1 AND o.created_at < $2 AND o.`+spendFilter+`
			GROUP BY i.product_ref
			ORDER BY SUM(i.quantity) DESC, i.product_ref
			LIMIT $3
		`, w.From, w.To, clampLimit(limit))
		if err != nil {
			return fmt.Errorf("rank products: %w", err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var p ProductStat
			if err := rows.Scan(&p.ProductRef, &p.Quantity, &p.Orders, &p.Revenue); err != nil {
				return err
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (a *Aggregator) TopRequesters(ctx context.Context, w Window, limit int) ([]RequesterStat, error) {
	out := []RequesterStat{}
	err := a.read(ctx, w, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT requester, COUNT(*), SUM(total)
			FROM orders
			WHERE created_at >= $1 AND created_at < $2 AND `+spendFilter+`
			GROUP BY requester
			ORDER BY SUM(total) DESC, requester
			LIMIT $3
		`, w.From, w.To, clampLimit(limit))
		if err != nil {
			return fmt.Errorf("rank requesters: %w", err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var r RequesterStat
			if err := rows.Scan(&r.Requester, &r.Orders, &r.Spent); err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
