package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/joao-fontenele/shopflow/internal/domain"
	"github.com/joao-fontenele/shopflow/internal/messaging"
)

// Dispatcher delivers a notification to its recipients. Implementations must
// be safe for concurrent use.
type Dispatcher interface {
	Deliver(ctx context.Context, n domain.Notification) error
}

type DispatcherFunc func(ctx context.Context, n domain.Notification) error

func (f DispatcherFunc) Deliver(ctx context.Context, n domain.Notification) error {
	return f(ctx, n)
}

func key(n domain.Notification) string {
	if n.OrderID != "" {
		return n.OrderID
	}
	return n.Kind
}

type KafkaDispatcher struct {
	producer *messaging.Producer
}

func NewKafkaDispatcher(producer *messaging.Producer) *KafkaDispatcher {
	return &KafkaDispatcher{producer: producer}
}

func (d *KafkaDispatcher) Deliver(ctx context.Context, n domain.Notification) error {
	return d.producer.Publish(ctx, key(n), n, map[string]string{messaging.HeaderKind: n.Kind})
}

type RabbitDispatcher struct {
	publisher *messaging.FanoutPublisher
}

func NewRabbitDispatcher(publisher *messaging.FanoutPublisher) *RabbitDispatcher {
	return &RabbitDispatcher{publisher: publisher}
}

func (d *RabbitDispatcher) Deliver(ctx context.Context, n domain.Notification) error {
	return d.publisher.Publish(ctx, n, map[string]string{messaging.HeaderKind: n.Kind})
}

// WebhookDispatcher posts the notification as JSON. Any non-2xx answer is a
// failed delivery.
type WebhookDispatcher struct {
	url    string
	client *http.Client
}

func NewWebhookDispatcher(url string, client *http.Client) *WebhookDispatcher {
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &WebhookDispatcher{url: url, client: client}
}

func (d *WebhookDispatcher) Deliver(ctx context.Context, n domain.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Notification-Kind", n.Kind)
	req.Header.Set("X-Notification-ID", n.ID)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// LogDispatcher only logs. It is the transport when nothing else is set up.
type LogDispatcher struct {
	logger *slog.Logger
}

func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Deliver(_ context.Context, n domain.Notification) error {
	d.logger.Info("notification",
		"notification_id", n.ID,
		"kind", n.Kind,
		"order_id", n.OrderID,
		"trigger_id", n.TriggerID,
		"payload", string(n.Payload),
	)
	return nil
}

// Fanout delivers to every dispatcher and fails if any of them fails.
type Fanout []Dispatcher

func (f Fanout) Deliver(ctx context.Context, n domain.Notification) error {
	var errs []error
	for _, d := range f {
		if err := d.Deliver(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
