package messaging

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

var consumerTracer = otel.Tracer("messaging/consumer")

// Handler processes one message. headers holds the Kafka headers that are not
// trace context.
type Handler func(ctx context.Context, payload []byte, headers map[string]string) error

type Consumer struct {
	reader  *kafka.Reader
	topic   string
	groupID string

	attempts int
	backoff  time.Duration
	logger   *slog.Logger
}

type ConsumerOption func(*Consumer, *kafka.ReaderConfig)

func WithStartOffset(offset int64) ConsumerOption {
	return func(_ *Consumer, cfg *kafka.ReaderConfig) {
		cfg.StartOffset = offset
	}
}

// WithRetry retries a failing message up to attempts times in total, waiting
// backoff, doubled each time, between tries. A message that still fails is
// logged and committed so it does not block the partition.
func WithRetry(attempts int, backoff time.Duration, logger *slog.Logger) ConsumerOption {
	return func(c *Consumer, _ *kafka.ReaderConfig) {
		c.attempts = attempts
		c.backoff = backoff
		c.logger = logger
	}
}

func NewConsumer(brokers []string, topic, groupID string, opts ...ConsumerOption) *Consumer {
	cfg := kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: groupID,
	}

	c := &Consumer{
		topic:    topic,
		groupID:  groupID,
		attempts: 1,
	}
	for _, opt := range opts {
		opt(c, &cfg)
	}
	c.reader = kafka.NewReader(cfg)

	return c
}

func (c *Consumer) Consume(ctx context.Context, handler Handler) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			return err
		}

		if err := c.processWithRetry(ctx, msg, handler); err != nil {
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			return err
		}
	}
}

func (c *Consumer) processWithRetry(ctx context.Context, msg kafka.Message, handler Handler) error {
	backoff := c.backoff
	var err error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if err = c.processMessage(ctx, msg, handler, attempt); err == nil {
			return nil
		}
		if attempt == c.attempts {
			break
		}
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if c.logger == nil {
		return err
	}
	c.logger.Error("dropping message after retries",
		"error", err,
		"topic", c.topic,
		"partition", msg.Partition,
		"offset", msg.Offset,
		"attempts", c.attempts,
	)
	return nil
}

func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message, handler Handler, attempt int) error {
	carrier := NewMessageCarrier(&msg)
	parentCtx := otel.GetTextMapPropagator().Extract(ctx, carrier)

	spanCtx, span := consumerTracer.Start(parentCtx, "process "+c.topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingOperationName("process"),
			semconv.MessagingOperationTypeDeliver,
			semconv.MessagingDestinationName(c.topic),
			semconv.MessagingKafkaConsumerGroup(c.groupID),
			semconv.MessagingKafkaMessageOffset(int(msg.Offset)),
			semconv.MessagingDestinationPartitionID(strconv.Itoa(msg.Partition)),
			semconv.MessagingKafkaMessageKey(string(msg.Key)),
			attribute.Int("messaging.attempt", attempt),
		),
	)
	defer span.End()

	headers := make(map[string]string, len(msg.Headers))
	fields := otel.GetTextMapPropagator().Fields()
	for _, h := range msg.Headers {
		if !contains(fields, h.Key) {
			headers[h.Key] = string(h.Value)
		}
	}

	if err := handler(spanCtx, msg.Value, headers); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
