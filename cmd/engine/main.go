package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/joao-fontenele/shopflow/internal/analytics"
	"github.com/joao-fontenele/shopflow/internal/authz"
	"github.com/joao-fontenele/shopflow/internal/config"
	"github.com/joao-fontenele/shopflow/internal/dispatch"
	"github.com/joao-fontenele/shopflow/internal/domain"
	"github.com/joao-fontenele/shopflow/internal/messaging"
	"github.com/joao-fontenele/shopflow/internal/orders"
	"github.com/joao-fontenele/shopflow/internal/scheduler"
	"github.com/joao-fontenele/shopflow/internal/store"
	"github.com/joao-fontenele/shopflow/internal/telemetry"
)

const (
	serviceName    = "shop-engine"
	serviceVersion = "0.1.0"
	digestSeries   = "digest"
)

func main() {
	cfg, err := config.Load(nil)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))

	if err := run(cfg, logger); err != nil {
		logger.Error("engine stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTelEnabled {
		shutdownTracer, err := telemetry.InitTracerProvider(ctx, cfg.OTelEndpoint, serviceName, serviceVersion)
		if err != nil {
			return err
		}
		defer func() { _ = shutdownTracer(context.Background()) }()
	}

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider(serviceName, serviceVersion)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownMeter(context.Background()) }()

	db, err := store.Open(ctx, cfg.PostgresURL, cfg.PostgresSchema)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	transport, closeTransport, err := buildTransport(cfg, logger)
	if err != nil {
		return err
	}
	defer closeTransport()

	pool := dispatch.NewPool(transport, cfg.DispatchWorkers, cfg.DispatchQueue, cfg.DispatchTimeout, logger)

	triggerRepo := scheduler.NewTriggerRepository(db)
	sched := scheduler.New(triggerRepo, pool, cfg.TickBatch, logger)
	pool.OnResult(func(ctx context.Context, n domain.Notification, err error) {
		if n.TriggerID != "" {
			sched.RecordDispatch(ctx, n.TriggerID, err)
		}
	})
	pool.Start()

	aggregator := analytics.NewAggregator(db)
	ledger := orders.NewLedger(
		orders.NewOrderRepository(db),
		sched,
		pool,
		authz.NewStaticAuthorizer(cfg.ApproverIDs, authz.CapabilityApprove),
		orders.Timers{
			DraftTTL:       cfg.DraftTTL,
			ReminderAfter:  cfg.ReminderAfter,
			AutoCloseAfter: cfg.AutoCloseAfter,
		},
		logger,
	)
	for kind, action := range ledger.TriggerActions() {
		sched.Handle(kind, action)
	}
	sched.Payload(domain.TriggerKindDigest, analytics.DigestFunc(aggregator))

	if _, err := sched.Register(ctx, scheduler.Registration{
		Kind:       domain.TriggerKindDigest,
		Recurrence: cfg.DigestSchedule,
		SeriesID:   scheduler.SeriesID(digestSeries),
	}); err != nil {
		return err
	}

	driverCtx, stopDriver := context.WithCancel(context.Background())
	var driverDone sync.WaitGroup
	driverDone.Add(1)
	go func() {
		defer driverDone.Done()
		scheduler.NewDriver(sched, cfg.TickInterval, logger).Run(driverCtx)
	}()

	orderHandler := orders.NewHandler(ledger, sched, logger)
	analyticsHandler := analytics.NewHandler(aggregator, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("GET /metrics", metricsHandler)

	mux.HandleFunc("GET /orders", telemetry.WithHTTPRoute(orderHandler.HandleList))
	mux.HandleFunc("POST /orders", telemetry.WithHTTPRoute(orderHandler.HandleCreate))
	mux.HandleFunc("GET /orders/{id}", telemetry.WithHTTPRoute(orderHandler.HandleGet))
	mux.HandleFunc("GET /orders/{id}/events", telemetry.WithHTTPRoute(orderHandler.HandleHistory))
	mux.HandleFunc("GET /orders/{id}/triggers", telemetry.WithHTTPRoute(orderHandler.HandleTriggers))
	mux.HandleFunc("POST /orders/{id}/submit", telemetry.WithHTTPRoute(orderHandler.HandleSubmit))
	mux.HandleFunc("POST /orders/{id}/decision", telemetry.WithHTTPRoute(orderHandler.HandleDecision))
	mux.HandleFunc("POST /orders/{id}/fulfill", telemetry.WithHTTPRoute(orderHandler.HandleFulfill))
	mux.HandleFunc("POST /orders/{id}/close", telemetry.WithHTTPRoute(orderHandler.HandleClose))
	mux.HandleFunc("POST /orders/{id}/cancel", telemetry.WithHTTPRoute(orderHandler.HandleCancel))

	mux.HandleFunc("GET /analytics/status-counts", telemetry.WithHTTPRoute(analyticsHandler.HandleStatusCounts))
	mux.HandleFunc("GET /analytics/orders", telemetry.WithHTTPRoute(analyticsHandler.HandleOrders))
	mux.HandleFunc("GET /analytics/status-durations", telemetry.WithHTTPRoute(analyticsHandler.HandleStatusDurations))
	mux.HandleFunc("GET /analytics/triggers", telemetry.WithHTTPRoute(analyticsHandler.HandleTriggerRates))
	mux.HandleFunc("GET /analytics/summary", telemetry.WithHTTPRoute(analyticsHandler.HandleSummary))
	mux.HandleFunc("GET /analytics/top-products", telemetry.WithHTTPRoute(analyticsHandler.HandleTopProducts))
	mux.HandleFunc("GET /analytics/top-requesters", telemetry.WithHTTPRoute(analyticsHandler.HandleTopRequesters))

	server := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: otelhttp.NewHandler(mux, serviceName,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				if r.Pattern != "" {
					return r.Pattern
				}
				return r.Method + " " + r.URL.Path
			}),
		),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting engine", "port", cfg.Port, "transports", cfg.Transports)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	stopDriver()
	driverDone.Wait()
	if err := pool.Close(shutdownCtx); err != nil {
		logger.Error("dispatch pool did not drain", "error", err)
	}
	return err
}

// buildTransport assembles the configured dispatch transports. The returned
// func closes their broker connections.
func buildTransport(cfg *config.Config, logger *slog.Logger) (dispatch.Dispatcher, func(), error) {
	var (
		fanout  dispatch.Fanout
		closers []func() error
	)
	closeAll := func() {
		for _, c := range closers {
			_ = c()
		}
	}

	for _, name := range cfg.Transports {
		switch name {
		case config.TransportKafka:
			producer := messaging.NewProducer(cfg.KafkaBrokers, cfg.NotifyTopic)
			closers = append(closers, producer.Close)
			fanout = append(fanout, dispatch.NewKafkaDispatcher(producer))
		case config.TransportRabbitMQ:
			publisher, err := messaging.DialFanout(cfg.RabbitMQURL, cfg.RabbitMQExchange)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			closers = append(closers, publisher.Close)
			fanout = append(fanout, dispatch.NewRabbitDispatcher(publisher))
		case config.TransportWebhook:
			client := &http.Client{
				Timeout:   cfg.DispatchTimeout,
				Transport: otelhttp.NewTransport(http.DefaultTransport),
			}
			fanout = append(fanout, dispatch.NewWebhookDispatcher(cfg.WebhookURL, client))
		case config.TransportLog:
			fanout = append(fanout, dispatch.NewLogDispatcher(logger))
		}
	}

	if len(fanout) == 1 {
		return fanout[0], closeAll, nil
	}
	return fanout, closeAll, nil
}
