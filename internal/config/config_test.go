package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func env(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestLoad(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		cfg, err := Load(env(map[string]string{"POSTGRES_URL": "postgres://localhost/shop"}))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Port != "8081" {
			t.Errorf("expected default port 8081, got %s", cfg.Port)
		}
		if cfg.DraftTTL != 24*time.Hour {
			t.Errorf("expected 24h draft ttl, got %v", cfg.DraftTTL)
		}
		if len(cfg.Transports) != 1 || cfg.Transports[0] != TransportLog {
			t.Errorf("expected log transport by default, got %v", cfg.Transports)
		}
		if cfg.LogLevel != slog.LevelInfo {
			t.Errorf("expected info level, got %v", cfg.LogLevel)
		}
	})

	t.Run("parses overrides", func(t *testing.T) {
		cfg, err := Load(env(map[string]string{
			"POSTGRES_URL":       "postgres://localhost/shop",
			"TICK_INTERVAL":      "5s",
			"APPROVER_IDS":       "100, 200,,300",
			"DISPATCH_TRANSPORT": "kafka,webhook",
			"KAFKA_BROKERS":      "k1:9092,k2:9092",
			"WEBHOOK_URL":        "http://bot:8080/notify",
			"LOG_LEVEL":          "debug",
		}))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.TickInterval != 5*time.Second {
			t.Errorf("expected 5s, got %v", cfg.TickInterval)
		}
		if strings.Join(cfg.ApproverIDs, "|") != "100|200|300" {
			t.Errorf("unexpected approvers: %v", cfg.ApproverIDs)
		}
		if len(cfg.KafkaBrokers) != 2 {
			t.Errorf("expected two brokers, got %v", cfg.KafkaBrokers)
		}
		if cfg.LogLevel != slog.LevelDebug {
			t.Errorf("expected debug level, got %v", cfg.LogLevel)
		}
	})

	t.Run("reports every problem", func(t *testing.T) {
		_, err := Load(env(map[string]string{
			"TICK_INTERVAL":      "soon",
			"DISPATCH_TRANSPORT": "rabbitmq,carrier-pigeon",
		}))
		if err == nil {
			t.Fatal("expected an error")
		}
		msg := err.Error()
		for _, want := range []string{"TICK_INTERVAL", "POSTGRES_URL", "RABBITMQ_URL", "carrier-pigeon"} {
			if !strings.Contains(msg, want) {
				t.Errorf("expected error to mention %s, got %q", want, msg)
			}
		}
	})
}

func TestLoadRelay(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := LoadRelay(env(map[string]string{
			"KAFKA_BROKERS": "kafka:9092",
			"WEBHOOK_URL":   "http://bot/hook",
		}))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.NotifyTopic != "shop.notifications" || cfg.Attempts != 5 || cfg.Backoff != time.Second {
			t.Errorf("unexpected defaults %+v", cfg)
		}
		if len(cfg.Kinds) != 0 {
			t.Errorf("expected no kind filter, got %v", cfg.Kinds)
		}
	})

	t.Run("kind filter", func(t *testing.T) {
		cfg, err := LoadRelay(env(map[string]string{
			"KAFKA_BROKERS": "kafka:9092",
			"WEBHOOK_URL":   "http://bot/hook",
			"RELAY_KINDS":   "order.submitted, trigger.digest",
		}))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(cfg.Kinds) != 2 || cfg.Kinds[1] != "trigger.digest" {
			t.Errorf("unexpected kinds %v", cfg.Kinds)
		}
	})

	t.Run("missing webhook", func(t *testing.T) {
		if _, err := LoadRelay(env(map[string]string{"KAFKA_BROKERS": "kafka:9092"})); err == nil {
			t.Fatal("expected an error")
		}
	})
}
