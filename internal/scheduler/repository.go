package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/joao-fontenele/shopflow/internal/domain"
	"github.com/joao-fontenele/shopflow/internal/store"
)

const triggerColumns = `id, kind, COALESCE(target_order_id::text, ''), fire_at, recurrence,
	COALESCE(series_id::text, ''), expect_status, payload, status, created_at,
	settled_at, dispatched_at, dispatch_error`

type TriggerRepository struct {
	db *sql.DB
}

func NewTriggerRepository(db *sql.DB) *TriggerRepository {
	return &TriggerRepository{db: db}
}

// Insert stores a pending trigger. It reports false when the trigger belongs
// to a series that already has a pending occurrence.
func (r *TriggerRepository) Insert(ctx context.Context, t *domain.Trigger) (bool, error) {
	return insertTrigger(ctx, r.db, t)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertTrigger(ctx context.Context, db execer, t *domain.Trigger) (bool, error) {
	payload := string(t.Payload)
	if payload == "" {
		payload = "{}"
	}

	result, err := db.ExecContext(ctx, `
		INSERT INTO scheduled_triggers
			(id, kind, target_order_id, fire_at, recurrence, series_id, expect_status, payload, status, created_at)
		VALUES ($1, $2, NULLIF($3::text, '')::uuid, $4, $5, NULLIF($6::text, '')::uuid, $7, $8, $9, $10)
		ON CONFLICT (series_id) WHERE status = 'pending' DO NOTHING
	`, t.ID, t.Kind, t.OrderID, t.FireAt, t.Recurrence, t.SeriesID, t.ExpectStatus, payload, domain.TriggerStatusPending, t.CreatedAt)
	if err != nil {
		return false, store.Classify(fmt.Errorf("insert trigger: %w", err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected == 1, nil
}

// PendingInSeries returns the pending occurrence of a series, or nil.
func (r *TriggerRepository) PendingInSeries(ctx context.Context, seriesID string) (*domain.Trigger, error) {
	t, err := scanTrigger(r.db.QueryRowContext(ctx, `
		SELECT `+triggerColumns+`
		FROM scheduled_triggers
		WHERE series_id = $1 AND status = 'pending'
	`, seriesID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, store.Classify(fmt.Errorf("get pending series occurrence: %w", err))
	}
	return t, nil
}

// Due returns pending triggers whose fire time has passed, oldest first.
func (r *TriggerRepository) Due(ctx context.Context, now time.Time, limit int) ([]domain.Trigger, error) {
	return r.query(ctx, `
		SELECT `+triggerColumns+`
		FROM scheduled_triggers
		WHERE status = 'pending' AND fire_at <= $1
		ORDER BY fire_at, id
		LIMIT $2
	`, now, limit)
}

func (r *TriggerRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Trigger, error) {
	return r.query(ctx, `
		SELECT `+triggerColumns+`
		FROM scheduled_triggers
		WHERE target_order_id = $1
		ORDER BY created_at, id
	`, orderID)
}

// Settle flips a pending trigger to its outcome in one transaction. The target
// order row is share-locked so a concurrent ledger transition cannot change
// the status between the check and the update. When the trigger fires and
// next is set, next is inserted as the series' new pending occurrence. ok is
// false when another tick settled the trigger first.
func (r *TriggerRepository) Settle(ctx context.Context, t domain.Trigger, now time.Time, next *domain.Trigger) (status domain.TriggerStatus, ok bool, err error) {
	err = store.WithTx(ctx, r.db, nil, func(tx *sql.Tx) error {
		var (
			orderStatus domain.OrderStatus
			found       bool
		)
		if t.OrderScoped() {
			err := tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = $1 FOR SHARE`, t.OrderID).Scan(&orderStatus)
			switch {
			case errors.Is(err, sql.ErrNoRows):
			case err != nil:
				return fmt.Errorf("lock trigger order: %w", err)
			default:
				found = true
			}
		}

		status = t.Outcome(orderStatus, found)

		result, err := tx.ExecContext(ctx, `
			UPDATE scheduled_triggers
			SET status = $2, settled_at = $3
			WHERE id = $1 AND status = 'pending'
		`, t.ID, status, now)
		if err != nil {
			return fmt.Errorf("settle trigger: %w", err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rowsAffected == 0 {
			return nil
		}
		ok = true

		if status == domain.TriggerStatusFired && next != nil {
			if _, err := insertTrigger(ctx, tx, next); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return status, ok, nil
}

// CancelPending cancels one trigger if it is still pending.
func (r *TriggerRepository) CancelPending(ctx context.Context, id string, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_triggers
		SET status = 'cancelled', settled_at = $2
		WHERE id = $1 AND status = 'pending'
	`, id, now)
	if err != nil {
		return false, store.Classify(fmt.Errorf("cancel trigger: %w", err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected == 1, nil
}

func (r *TriggerRepository) CancelForOrder(ctx context.Context, orderID string, now time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_triggers
		SET status = 'cancelled', settled_at = $2
		WHERE target_order_id = $1 AND status = 'pending'
	`, orderID, now)
	if err != nil {
		return 0, store.Classify(fmt.Errorf("cancel order triggers: %w", err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rowsAffected), nil
}

// RecordDispatch stores the delivery outcome of a fired trigger. The trigger
// status is never touched.
func (r *TriggerRepository) RecordDispatch(ctx context.Context, id string, at time.Time, dispatchErr string) error {
	var err error
	if dispatchErr == "" {
		_, err = r.db.ExecContext(ctx, `
			UPDATE scheduled_triggers SET dispatched_at = $2, dispatch_error = '' WHERE id = $1
		`, id, at)
	} else {
		_, err = r.db.ExecContext(ctx, `
			UPDATE scheduled_triggers SET dispatch_error = $2 WHERE id = $1
		`, id, dispatchErr)
	}
	if err != nil {
		return store.Classify(fmt.Errorf("record dispatch: %w", err))
	}
	return nil
}

func (r *TriggerRepository) query(ctx context.Context, query string, args ...any) ([]domain.Trigger, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.Classify(fmt.Errorf("query triggers: %w", err))
	}
	defer func() { _ = rows.Close() }()

	triggers := []domain.Trigger{}
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		triggers = append(triggers, *t)
	}
	return triggers, store.Classify(rows.Err())
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrigger(row scanner) (*domain.Trigger, error) {
	var (
		t          domain.Trigger
		payload    []byte
		settled    sql.NullTime
		dispatched sql.NullTime
	)
	err := row.Scan(&t.ID, &t.Kind, &t.OrderID, &t.FireAt, &t.Recurrence,
		&t.SeriesID, &t.ExpectStatus, &payload, &t.Status, &t.CreatedAt,
		&settled, &dispatched, &t.DispatchError)
	if err != nil {
		return nil, err
	}

	t.Payload = payload
	if settled.Valid {
		t.SettledAt = &settled.Time
	}
	if dispatched.Valid {
		t.DispatchedAt = &dispatched.Time
	}
	return &t, nil
}
