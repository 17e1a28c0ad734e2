package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/joao-fontenele/shopflow/internal/authz"
	"github.com/joao-fontenele/shopflow/internal/domain"
	"github.com/joao-fontenele/shopflow/internal/scheduler"
	"github.com/joao-fontenele/shopflow/internal/telemetry"
)

// SystemActor is recorded on transitions the engine makes on its own.
const SystemActor = "system"

const ReasonExpired = "expired"

var tracer = otel.Tracer("orders/ledger")

type Store interface {
	Create(ctx context.Context, order *domain.Order) error
	Get(ctx context.Context, id string) (*domain.Order, error)
	List(ctx context.Context, filter ListFilter) ([]domain.Order, error)
	History(ctx context.Context, id string) ([]domain.OrderEvent, error)
	Transition(ctx context.Context, t Transition) (*domain.OrderEvent, error)
}

// Triggers is the part of the scheduler the ledger drives.
type Triggers interface {
	Register(ctx context.Context, reg scheduler.Registration) (*domain.Trigger, error)
	CancelFor(ctx context.Context, orderID string) (int, error)
}

type Notifier interface {
	Enqueue(ctx context.Context, n domain.Notification) error
}

// Timers holds the delays of the order-scoped triggers. A zero value disables
// the trigger.
type Timers struct {
	DraftTTL       time.Duration
	ReminderAfter  time.Duration
	AutoCloseAfter time.Duration
}

type Ledger struct {
	store      Store
	triggers   Triggers
	notifier   Notifier
	authorizer authz.Authorizer
	timers     Timers
	logger     *slog.Logger
	metrics    *telemetry.Instruments
	now        func() time.Time
}

func NewLedger(store Store, triggers Triggers, notifier Notifier, authorizer authz.Authorizer, timers Timers, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:      store,
		triggers:   triggers,
		notifier:   notifier,
		authorizer: authorizer,
		timers:     timers,
		logger:     logger,
		metrics:    telemetry.Engine(),
		now:        time.Now,
	}
}

func (l *Ledger) clock() time.Time {
	return l.now().UTC().Truncate(time.Microsecond)
}

func (l *Ledger) Create(ctx context.Context, requester string, items []domain.OrderItem) (*domain.Order, error) {
	ctx, span := tracer.Start(ctx, "ledger.create")
	defer span.End()

	order, err := domain.NewOrder(requester, items, l.clock())
	if err != nil {
		return nil, err
	}

	if err := l.store.Create(ctx, order); err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("create order: %w", err)
	}
	span.SetAttributes(attribute.String("order.id", order.ID))

	if l.timers.DraftTTL > 0 {
		l.register(ctx, order, domain.TriggerKindAutoExpire, l.timers.DraftTTL)
	}
	l.notify(ctx, order, domain.NotificationOrderCreated, domain.OrderTransitionPayload{
		Requester: order.Requester,
		ToStatus:  order.Status,
		Actor:     order.Requester,
	})

	l.logger.Info("order created", "order_id", order.ID, "requester", order.Requester, "total", order.Total.String())
	return order, nil
}

func (l *Ledger) Get(ctx context.Context, id string) (*domain.Order, error) {
	return l.store.Get(ctx, id)
}

func (l *Ledger) List(ctx context.Context, filter ListFilter) ([]domain.Order, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, &domain.ValidationError{Field: "status", Reason: "unknown order status"}
	}
	return l.store.List(ctx, filter)
}

func (l *Ledger) History(ctx context.Context, id string) ([]domain.OrderEvent, error) {
	return l.store.History(ctx, id)
}

func (l *Ledger) Submit(ctx context.Context, id, actor string) (*domain.Order, error) {
	return l.transition(ctx, id, step{to: domain.OrderStatusSubmitted, actor: actor})
}

// Decide approves or rejects a submitted order. Only actors holding the
// approve capability may decide.
func (l *Ledger) Decide(ctx context.Context, id, actor string, approve bool, reason string) (*domain.Order, error) {
	to := domain.OrderStatusRejected
	if approve {
		to = domain.OrderStatusApproved
	}
	return l.transition(ctx, id, step{
		to:       to,
		actor:    actor,
		reason:   reason,
		approver: actor,
		authorize: func(ctx context.Context) error {
			if !l.authorizer.HasCapability(ctx, actor, authz.CapabilityApprove) {
				return fmt.Errorf("actor %s may not decide orders: %w", actor, domain.ErrUnauthorized)
			}
			return nil
		},
	})
}

func (l *Ledger) Fulfill(ctx context.Context, id, actor string) (*domain.Order, error) {
	return l.transition(ctx, id, step{to: domain.OrderStatusFulfilled, actor: actor})
}

func (l *Ledger) Close(ctx context.Context, id, actor string) (*domain.Order, error) {
	return l.transition(ctx, id, step{to: domain.OrderStatusClosed, actor: actor})
}

// Cancel moves a non-terminal order to cancelled. On an order that is already
// terminal it changes nothing and returns the order as stored.
func (l *Ledger) Cancel(ctx context.Context, id, actor, reason string) (*domain.Order, error) {
	return l.transition(ctx, id, step{to: domain.OrderStatusCancelled, actor: actor, reason: reason, terminalNoop: true})
}

// TriggerActions returns the order side effects of fired triggers, keyed by
// trigger kind. Each action only applies while the order is still in the
// status the trigger was registered for.
func (l *Ledger) TriggerActions() map[domain.TriggerKind]func(context.Context, domain.Trigger) error {
	return map[domain.TriggerKind]func(context.Context, domain.Trigger) error{
		domain.TriggerKindAutoExpire: func(ctx context.Context, t domain.Trigger) error {
			_, err := l.transition(ctx, t.OrderID, step{
				to:       domain.OrderStatusCancelled,
				actor:    SystemActor,
				reason:   ReasonExpired,
				onlyFrom: domain.OrderStatusDraft,
			})
			return err
		},
		domain.TriggerKindAutoClose: func(ctx context.Context, t domain.Trigger) error {
			_, err := l.transition(ctx, t.OrderID, step{
				to:       domain.OrderStatusClosed,
				actor:    SystemActor,
				onlyFrom: domain.OrderStatusFulfilled,
			})
			return err
		},
	}
}

type step struct {
	to        domain.OrderStatus
	actor     string
	reason    string
	approver  string
	authorize func(ctx context.Context) error
	// terminalNoop turns a request on a terminal order into a read.
	terminalNoop bool
	// onlyFrom turns a request on an order in any other status into a read.
	onlyFrom domain.OrderStatus
}

func (l *Ledger) transition(ctx context.Context, id string, s step) (*domain.Order, error) {
	ctx, span := tracer.Start(ctx, "ledger.transition",
		trace.WithAttributes(
			attribute.String("order.id", id),
			attribute.String("order.to_status", string(s.to)),
			attribute.String("actor", s.actor),
		),
	)
	defer span.End()

	if s.actor == "" {
		return nil, &domain.ValidationError{Field: "actor", Reason: "must not be empty"}
	}

	var (
		order *domain.Order
		ev    *domain.OrderEvent
	)
	for attempt := 0; ; attempt++ {
		var err error
		order, err = l.store.Get(ctx, id)
		if err != nil {
			recordSpanError(span, err)
			return nil, err
		}

		if (s.terminalNoop && order.Status.Terminal()) || (s.onlyFrom != "" && order.Status != s.onlyFrom) {
			span.SetAttributes(attribute.Bool("order.noop", true))
			return order, nil
		}
		if err := order.CheckTransition(s.to); err != nil {
			recordSpanError(span, err)
			return nil, err
		}
		if s.authorize != nil {
			if err := s.authorize(ctx); err != nil {
				recordSpanError(span, err)
				return nil, err
			}
		}

		ev, err = l.store.Transition(ctx, Transition{
			OrderID:  order.ID,
			From:     order.Status,
			To:       s.to,
			Approver: s.approver,
			Actor:    s.actor,
			Reason:   s.reason,
			At:       order.NextUpdatedAt(l.clock()),
		})
		if err == nil {
			break
		}
		if errors.Is(err, domain.ErrConcurrencyConflict) && attempt == 0 {
			l.logger.Debug("order changed concurrently, retrying", "order_id", id, "to_status", s.to)
			continue
		}
		recordSpanError(span, err)
		return nil, err
	}

	order.Status = ev.ToStatus
	order.UpdatedAt = ev.OccurredAt
	order.Version++
	if s.approver != "" {
		order.Approver = s.approver
	}

	l.metrics.OrderTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(ev.FromStatus)),
		attribute.String("to", string(ev.ToStatus)),
	))
	l.afterTransition(ctx, order, ev)

	l.logger.Info("order transitioned",
		"order_id", order.ID,
		"from", ev.FromStatus,
		"to", ev.ToStatus,
		"actor", ev.Actor,
	)
	return order, nil
}

// afterTransition retracts triggers that belonged to the status the order
// left, registers the one for the status it entered and queues the
// notification. Failures are logged; the transition is already committed.
func (l *Ledger) afterTransition(ctx context.Context, order *domain.Order, ev *domain.OrderEvent) {
	if n, err := l.triggers.CancelFor(ctx, order.ID); err != nil {
		l.logger.Error("failed to cancel order triggers", "error", err, "order_id", order.ID)
	} else if n > 0 {
		l.logger.Debug("order triggers cancelled", "order_id", order.ID, "count", n)
	}

	switch order.Status {
	case domain.OrderStatusSubmitted:
		if l.timers.ReminderAfter > 0 {
			l.register(ctx, order, domain.TriggerKindReminder, l.timers.ReminderAfter)
		}
	case domain.OrderStatusFulfilled:
		if l.timers.AutoCloseAfter > 0 {
			l.register(ctx, order, domain.TriggerKindAutoClose, l.timers.AutoCloseAfter)
		}
	}

	l.notify(ctx, order, domain.OrderNotificationKind(order.Status), domain.OrderTransitionPayload{
		Requester:  order.Requester,
		FromStatus: ev.FromStatus,
		ToStatus:   ev.ToStatus,
		Actor:      ev.Actor,
		Approver:   order.Approver,
		Reason:     ev.Reason,
	})
}

type triggerPayload struct {
	Requester string `json:"requester"`
	Total     string `json:"total"`
	Status    string `json:"status"`
}

func (l *Ledger) register(ctx context.Context, order *domain.Order, kind domain.TriggerKind, after time.Duration) {
	payload, err := json.Marshal(triggerPayload{
		Requester: order.Requester,
		Total:     order.Total.String(),
		Status:    string(order.Status),
	})
	if err != nil {
		l.logger.Error("failed to encode trigger payload", "error", err, "order_id", order.ID)
		return
	}

	_, err = l.triggers.Register(ctx, scheduler.Registration{
		Kind:         kind,
		OrderID:      order.ID,
		FireAt:       order.UpdatedAt.Add(after),
		ExpectStatus: order.Status,
		Payload:      payload,
	})
	if err != nil {
		l.logger.Error("failed to register trigger", "error", err, "order_id", order.ID, "kind", kind)
	}
}

func (l *Ledger) notify(ctx context.Context, order *domain.Order, kind string, payload domain.OrderTransitionPayload) {
	if l.notifier == nil {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		l.logger.Error("failed to encode notification", "error", err, "order_id", order.ID)
		return
	}

	err = l.notifier.Enqueue(ctx, domain.Notification{
		ID:        uuid.New().String(),
		Kind:      kind,
		OrderID:   order.ID,
		Payload:   data,
		Timestamp: order.UpdatedAt,
	})
	if err != nil {
		l.logger.Warn("notification not queued", "error", err, "order_id", order.ID, "kind", kind)
	}
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
