package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/joao-fontenele/shopflow/internal/domain"
	"github.com/joao-fontenele/shopflow/internal/telemetry"
)

var tracer = otel.Tracer("dispatch")

var (
	ErrQueueFull  = fmt.Errorf("%w: queue full", domain.ErrDispatchFailure)
	ErrPoolClosed = fmt.Errorf("%w: pool closed", domain.ErrDispatchFailure)
)

// ResultFunc observes the outcome of each delivery attempt.
type ResultFunc func(ctx context.Context, n domain.Notification, err error)

type job struct {
	n    domain.Notification
	link trace.Link
}

// Pool delivers notifications on a fixed set of workers. Enqueue never blocks
// the caller: when the queue is full the notification is dropped and counted
// as a failure.
type Pool struct {
	dispatcher Dispatcher
	workers    int
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *telemetry.Instruments
	onResult   ResultFunc

	queue chan job
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewPool(dispatcher Dispatcher, workers, queueSize int, timeout time.Duration, logger *slog.Logger) *Pool {
	return &Pool{
		dispatcher: dispatcher,
		workers:    max(workers, 1),
		timeout:    timeout,
		logger:     logger,
		metrics:    telemetry.Engine(),
		queue:      make(chan job, max(queueSize, 1)),
	}
}

// OnResult sets the callback run after every delivery. Set it before Start.
func (p *Pool) OnResult(fn ResultFunc) {
	p.onResult = fn
}

func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for j := range p.queue {
				p.deliver(j)
			}
		}()
	}
	p.logger.Info("dispatch pool started", "workers", p.workers, "queue", cap(p.queue))
}

func (p *Pool) Enqueue(ctx context.Context, n domain.Notification) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.failed(ctx, n, "closed")
		return ErrPoolClosed
	}

	select {
	case p.queue <- job{n: n, link: trace.LinkFromContext(ctx)}:
		return nil
	default:
		p.failed(ctx, n, "queue_full")
		return ErrQueueFull
	}
}

func (p *Pool) failed(ctx context.Context, n domain.Notification, reason string) {
	p.metrics.DispatchFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", n.Kind),
		attribute.String("reason", reason),
	))
	p.logger.Warn("notification dropped", "notification_id", n.ID, "kind", n.Kind, "reason", reason)
}

func (p *Pool) deliver(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "dispatch "+j.n.Kind,
		trace.WithLinks(j.link),
		trace.WithAttributes(
			attribute.String("notification.id", j.n.ID),
			attribute.String("notification.kind", j.n.Kind),
		),
	)
	defer span.End()

	err := p.dispatcher.Deliver(ctx, j.n)
	if err != nil {
		err = fmt.Errorf("%w: %w", domain.ErrDispatchFailure, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.metrics.DispatchFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", j.n.Kind),
			attribute.String("reason", "delivery"),
		))
		p.logger.Error("failed to deliver notification", "error", err, "notification_id", j.n.ID, "kind", j.n.Kind)
	}

	if p.onResult != nil {
		p.onResult(ctx, j.n, err)
	}
}

// Close stops accepting work and waits for queued notifications to be
// delivered or for ctx to end.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("dispatch pool did not drain"), ctx.Err())
	}
}
