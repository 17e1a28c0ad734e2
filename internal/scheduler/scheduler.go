package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/joao-fontenele/shopflow/internal/domain"
	"github.com/joao-fontenele/shopflow/internal/telemetry"
)

var tracer = otel.Tracer("scheduler")

const DefaultBatchSize = 100

type Store interface {
	Insert(ctx context.Context, t *domain.Trigger) (bool, error)
	PendingInSeries(ctx context.Context, seriesID string) (*domain.Trigger, error)
	Due(ctx context.Context, now time.Time, limit int) ([]domain.Trigger, error)
	Settle(ctx context.Context, t domain.Trigger, now time.Time, next *domain.Trigger) (domain.TriggerStatus, bool, error)
	CancelPending(ctx context.Context, id string, now time.Time) (bool, error)
	CancelForOrder(ctx context.Context, orderID string, now time.Time) (int, error)
	RecordDispatch(ctx context.Context, id string, at time.Time, dispatchErr string) error
	ListByOrder(ctx context.Context, orderID string) ([]domain.Trigger, error)
}

type Dispatcher interface {
	Enqueue(ctx context.Context, n domain.Notification) error
}

// Action is a side effect run when a trigger of its kind fires.
type Action func(ctx context.Context, t domain.Trigger) error

// PayloadFunc builds the notification payload of a fired trigger at fire time
// instead of using the payload stored at registration.
type PayloadFunc func(ctx context.Context, t domain.Trigger) (json.RawMessage, error)

// Registration describes a trigger to schedule. Exactly one of FireAt and
// Recurrence is needed; a recurring registration without FireAt starts at the
// rule's next activation.
type Registration struct {
	Kind         domain.TriggerKind
	OrderID      string
	FireAt       time.Time
	Recurrence   string
	SeriesID     string
	ExpectStatus domain.OrderStatus
	Payload      json.RawMessage
}

type TickReport struct {
	Due       int
	Fired     int
	Cancelled int
	Skipped   int
	Failed    int
}

type Scheduler struct {
	store      Store
	dispatcher Dispatcher
	batchSize  int
	logger     *slog.Logger
	metrics    *telemetry.Instruments
	now        func() time.Time

	mu       sync.RWMutex
	actions  map[domain.TriggerKind]Action
	payloads map[domain.TriggerKind]PayloadFunc
}

func New(store Store, dispatcher Dispatcher, batchSize int, logger *slog.Logger) *Scheduler {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		batchSize:  batchSize,
		logger:     logger,
		metrics:    telemetry.Engine(),
		now:        time.Now,
		actions:    make(map[domain.TriggerKind]Action),
		payloads:   make(map[domain.TriggerKind]PayloadFunc),
	}
}

func (s *Scheduler) Handle(kind domain.TriggerKind, action Action) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[kind] = action
}

func (s *Scheduler) Payload(kind domain.TriggerKind, fn PayloadFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads[kind] = fn
}

func (s *Scheduler) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Register schedules a trigger. Registering into a series that already has a
// pending occurrence with the same rule returns that occurrence; a different
// rule replaces it.
func (s *Scheduler) Register(ctx context.Context, reg Registration) (*domain.Trigger, error) {
	if reg.Kind == "" {
		return nil, &domain.ValidationError{Field: "kind", Reason: "must not be empty"}
	}
	if reg.ExpectStatus != "" && !reg.ExpectStatus.Valid() {
		return nil, &domain.ValidationError{Field: "expect_status", Reason: "unknown order status"}
	}
	if reg.FireAt.IsZero() && reg.Recurrence == "" {
		return nil, &domain.ValidationError{Field: "fire_at", Reason: "either fire_at or recurrence is required"}
	}

	now := s.clock()
	t := &domain.Trigger{
		ID:           uuid.New().String(),
		Kind:         reg.Kind,
		OrderID:      reg.OrderID,
		FireAt:       reg.FireAt.UTC(),
		Recurrence:   reg.Recurrence,
		SeriesID:     reg.SeriesID,
		ExpectStatus: reg.ExpectStatus,
		Payload:      reg.Payload,
		Status:       domain.TriggerStatusPending,
		CreatedAt:    now,
	}

	if t.Recurring() {
		schedule, err := ParseRule(t.Recurrence)
		if err != nil {
			return nil, err
		}
		if t.FireAt.IsZero() {
			t.FireAt = schedule.Next(now).UTC()
		}
		if t.SeriesID == "" {
			t.SeriesID = uuid.New().String()
		}
	}

	if t.SeriesID != "" {
		existing, err := s.store.PendingInSeries(ctx, t.SeriesID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if existing.Recurrence == t.Recurrence {
				return existing, nil
			}
			if _, err := s.store.CancelPending(ctx, existing.ID, now); err != nil {
				return nil, err
			}
			s.logger.Info("trigger series rescheduled", "series_id", t.SeriesID, "from", existing.Recurrence, "to", t.Recurrence)
		}
	}

	inserted, err := s.store.Insert(ctx, t)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// lost a race with a concurrent registration of the same series
		existing, err := s.store.PendingInSeries(ctx, t.SeriesID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("series %s: %w", t.SeriesID, domain.ErrConcurrencyConflict)
		}
		return existing, nil
	}

	s.logger.Debug("trigger registered", "trigger_id", t.ID, "kind", t.Kind, "order_id", t.OrderID, "fire_at", t.FireAt)
	return t, nil
}

// CancelFor cancels every pending trigger of an order. Calling it for an order
// without pending triggers is a no-op.
func (s *Scheduler) CancelFor(ctx context.Context, orderID string) (int, error) {
	return s.store.CancelForOrder(ctx, orderID, s.clock())
}

func (s *Scheduler) ListByOrder(ctx context.Context, orderID string) ([]domain.Trigger, error) {
	return s.store.ListByOrder(ctx, orderID)
}

// Tick settles every trigger due at now, up to the batch size. Each trigger
// settles in its own transaction, so one failure does not block the rest; a
// trigger that another process settled first is skipped.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (TickReport, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	now = now.UTC().Truncate(time.Microsecond)
	var report TickReport

	due, err := s.store.Due(ctx, now, s.batchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return report, fmt.Errorf("select due triggers: %w", err)
	}
	report.Due = len(due)

	var errs []error
	for _, t := range due {
		status, ok, err := s.settle(ctx, t, now)
		switch {
		case err != nil:
			report.Failed++
			errs = append(errs, fmt.Errorf("trigger %s: %w", t.ID, err))
			s.logger.Error("failed to settle trigger", "error", err, "trigger_id", t.ID, "kind", t.Kind)
			continue
		case !ok:
			report.Skipped++
			continue
		}

		s.metrics.TriggersSettled.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", string(t.Kind)),
			attribute.String("status", string(status)),
		))

		t.Status = status
		t.SettledAt = &now
		if status == domain.TriggerStatusFired {
			report.Fired++
			s.fire(ctx, t)
		} else {
			report.Cancelled++
			s.logger.Debug("trigger cancelled at fire time", "trigger_id", t.ID, "kind", t.Kind, "order_id", t.OrderID)
		}
	}

	span.SetAttributes(
		attribute.Int("tick.due", report.Due),
		attribute.Int("tick.fired", report.Fired),
		attribute.Int("tick.cancelled", report.Cancelled),
		attribute.Int("tick.skipped", report.Skipped),
	)
	s.metrics.TickDuration.Record(ctx, time.Since(start).Seconds())

	return report, errors.Join(errs...)
}

func (s *Scheduler) settle(ctx context.Context, t domain.Trigger, now time.Time) (domain.TriggerStatus, bool, error) {
	var next *domain.Trigger
	if t.Recurring() {
		fireAt, err := NextFireAt(t.Recurrence, t.FireAt, now)
		if err != nil {
			s.logger.Error("recurrence rule no longer parses, series ends", "error", err, "trigger_id", t.ID, "rule", t.Recurrence)
		} else {
			occurrence := t.NextOccurrence(uuid.New().String(), fireAt, now)
			next = &occurrence
		}
	}
	return s.store.Settle(ctx, t, now, next)
}

func (s *Scheduler) fire(ctx context.Context, t domain.Trigger) {
	ctx, span := tracer.Start(ctx, "scheduler.fire",
		trace.WithAttributes(
			attribute.String("trigger.id", t.ID),
			attribute.String("trigger.kind", string(t.Kind)),
		),
	)
	defer span.End()

	s.mu.RLock()
	action := s.actions[t.Kind]
	payloadFn := s.payloads[t.Kind]
	s.mu.RUnlock()

	if action != nil {
		if err := action(ctx, t); err != nil {
			span.RecordError(err)
			s.logger.Error("trigger action failed", "error", err, "trigger_id", t.ID, "kind", t.Kind, "order_id", t.OrderID)
		}
	}

	payload := t.Payload
	if payloadFn != nil {
		p, err := payloadFn(ctx, t)
		if err != nil {
			s.logger.Error("failed to build trigger payload", "error", err, "trigger_id", t.ID, "kind", t.Kind)
		} else {
			payload = p
		}
	}

	s.logger.Info("trigger fired", "trigger_id", t.ID, "kind", t.Kind, "order_id", t.OrderID)

	if s.dispatcher == nil {
		return
	}
	err := s.dispatcher.Enqueue(ctx, domain.Notification{
		ID:        uuid.New().String(),
		Kind:      domain.TriggerNotificationKind(t.Kind),
		OrderID:   t.OrderID,
		TriggerID: t.ID,
		Payload:   payload,
		Timestamp: *t.SettledAt,
	})
	if err != nil {
		s.RecordDispatch(ctx, t.ID, err)
	}
}

// RecordDispatch stores the delivery outcome of a fired trigger's
// notification. A failed delivery never reverts the trigger.
func (s *Scheduler) RecordDispatch(ctx context.Context, triggerID string, dispatchErr error) {
	msg := ""
	if dispatchErr != nil {
		msg = dispatchErr.Error()
		s.logger.Warn("trigger notification not delivered", "error", dispatchErr, "trigger_id", triggerID)
	}
	if err := s.store.RecordDispatch(ctx, triggerID, s.clock(), msg); err != nil {
		s.logger.Error("failed to record dispatch result", "error", err, "trigger_id", triggerID)
	}
}
