package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	TransportKafka    = "kafka"
	TransportRabbitMQ = "rabbitmq"
	TransportWebhook  = "webhook"
	TransportLog      = "log"
)

type Config struct {
	PostgresURL    string
	PostgresSchema string
	MigrationsPath string
	Port           string
	LogLevel       slog.Level

	TickInterval   time.Duration
	TickBatch      int
	DraftTTL       time.Duration
	ReminderAfter  time.Duration
	AutoCloseAfter time.Duration
	DigestSchedule string
	ApproverIDs    []string

	Transports       []string
	KafkaBrokers     []string
	NotifyTopic      string
	NotifyGroup      string
	RabbitMQURL      string
	RabbitMQExchange string
	WebhookURL       string
	DispatchWorkers  int
	DispatchQueue    int
	DispatchTimeout  time.Duration

	OTelEnabled  bool
	OTelEndpoint string
}

// Load reads the process configuration from the environment. lookup is
// os.LookupEnv in production and a map in tests.
func Load(lookup func(string) (string, bool)) (*Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	r := reader{lookup: lookup}

	cfg := &Config{
		PostgresURL:    r.str("POSTGRES_URL", ""),
		PostgresSchema: r.str("POSTGRES_SCHEMA", "shop"),
		MigrationsPath: r.str("MIGRATIONS_PATH", "file://migrations"),
		Port:           r.str("PORT", "8081"),
		LogLevel:       r.level("LOG_LEVEL", slog.LevelInfo),

		TickInterval:   r.duration("TICK_INTERVAL", 30*time.Second),
		TickBatch:      r.integer("TICK_BATCH", 100),
		DraftTTL:       r.duration("DRAFT_TTL", 24*time.Hour),
		ReminderAfter:  r.duration("REMINDER_AFTER", 12*time.Hour),
		AutoCloseAfter: r.duration("AUTO_CLOSE_AFTER", 72*time.Hour),
		DigestSchedule: r.str("DIGEST_SCHEDULE", "0 9 * * *"),
		ApproverIDs:    r.list("APPROVER_IDS"),

		Transports:       r.list("DISPATCH_TRANSPORT"),
		KafkaBrokers:     r.list("KAFKA_BROKERS"),
		NotifyTopic:      r.str("NOTIFY_TOPIC", "shop.notifications"),
		NotifyGroup:      r.str("NOTIFY_GROUP", "shop-notifier"),
		RabbitMQURL:      r.str("RABBITMQ_URL", ""),
		RabbitMQExchange: r.str("RABBITMQ_EXCHANGE", "notifications_fanout"),
		WebhookURL:       r.str("WEBHOOK_URL", ""),
		DispatchWorkers:  r.integer("DISPATCH_WORKERS", 4),
		DispatchQueue:    r.integer("DISPATCH_QUEUE", 256),
		DispatchTimeout:  r.duration("DISPATCH_TIMEOUT", 10*time.Second),

		OTelEnabled:  r.boolean("OTEL_ENABLED", false),
		OTelEndpoint: r.str("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
	}

	if len(cfg.Transports) == 0 {
		cfg.Transports = []string{TransportLog}
	}

	if len(r.errs) > 0 {
		return nil, errors.Join(r.errs...)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.PostgresURL == "" {
		errs = append(errs, errors.New("POSTGRES_URL environment variable is required"))
	}
	if c.TickInterval <= 0 {
		errs = append(errs, errors.New("TICK_INTERVAL must be positive"))
	}
	if c.TickBatch <= 0 {
		errs = append(errs, errors.New("TICK_BATCH must be positive"))
	}
	if c.DispatchWorkers <= 0 || c.DispatchQueue <= 0 {
		errs = append(errs, errors.New("DISPATCH_WORKERS and DISPATCH_QUEUE must be positive"))
	}
	for _, t := range c.Transports {
		switch t {
		case TransportKafka:
			if len(c.KafkaBrokers) == 0 {
				errs = append(errs, errors.New("KAFKA_BROKERS is required for the kafka transport"))
			}
		case TransportRabbitMQ:
			if c.RabbitMQURL == "" {
				errs = append(errs, errors.New("RABBITMQ_URL is required for the rabbitmq transport"))
			}
		case TransportWebhook:
			if c.WebhookURL == "" {
				errs = append(errs, errors.New("WEBHOOK_URL is required for the webhook transport"))
			}
		case TransportLog:
		default:
			errs = append(errs, fmt.Errorf("unknown dispatch transport %q", t))
		}
	}
	return errors.Join(errs...)
}

type reader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *reader) str(key, fallback string) string {
	if v, ok := r.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func (r *reader) list(key string) []string {
	raw := r.str(key, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (r *reader) duration(key string, fallback time.Duration) time.Duration {
	raw := r.str(key, "")
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}

func (r *reader) integer(key string, fallback int) int {
	raw := r.str(key, "")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func (r *reader) boolean(key string, fallback bool) bool {
	raw := r.str(key, "")
	if raw == "" {
		return fallback
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return b
}

func (r *reader) level(key string, fallback slog.Level) slog.Level {
	raw := r.str(key, "")
	if raw == "" {
		return fallback
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(raw)); err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return lvl
}

// Relay is the configuration of the notifier process, which consumes the
// notification topic and forwards to the bot webhook.
type Relay struct {
	KafkaBrokers []string
	NotifyTopic  string
	NotifyGroup  string
	WebhookURL   string
	Kinds        []string
	Attempts     int
	Backoff      time.Duration
	Port         string
	LogLevel     slog.Level

	OTelEnabled  bool
	OTelEndpoint string
}

func LoadRelay(lookup func(string) (string, bool)) (*Relay, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	r := reader{lookup: lookup}

	cfg := &Relay{
		KafkaBrokers: r.list("KAFKA_BROKERS"),
		NotifyTopic:  r.str("NOTIFY_TOPIC", "shop.notifications"),
		NotifyGroup:  r.str("NOTIFY_GROUP", "shop-notifier"),
		WebhookURL:   r.str("WEBHOOK_URL", ""),
		Kinds:        r.list("RELAY_KINDS"),
		Attempts:     r.integer("RELAY_ATTEMPTS", 5),
		Backoff:      r.duration("RELAY_BACKOFF", time.Second),
		Port:         r.str("PORT", "8082"),
		LogLevel:     r.level("LOG_LEVEL", slog.LevelInfo),

		OTelEnabled:  r.boolean("OTEL_ENABLED", false),
		OTelEndpoint: r.str("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
	}
	if len(r.errs) > 0 {
		return nil, errors.Join(r.errs...)
	}

	var errs []error
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS environment variable is required"))
	}
	if cfg.WebhookURL == "" {
		errs = append(errs, errors.New("WEBHOOK_URL environment variable is required"))
	}
	if cfg.Attempts <= 0 {
		errs = append(errs, errors.New("RELAY_ATTEMPTS must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}
