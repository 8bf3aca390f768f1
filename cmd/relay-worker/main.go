package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"isp-ops-event-bus/eventbus"
	"isp-ops-event-bus/relay"
	"isp-ops-event-bus/shared/cachex"
	"isp-ops-event-bus/shared/config"
	"isp-ops-event-bus/shared/dbx"
	"isp-ops-event-bus/shared/httpx"
	"isp-ops-event-bus/shared/logx"
	"isp-ops-event-bus/shared/metricsx"
	"isp-ops-event-bus/shared/observability"
)

// relay-worker hosts a bus instance whose subscriptions forward events to
// Kafka. Domain services embed the same bus in-process; this binary gives
// deployments a standing process that mirrors shared-store events out to
// Kafka consumers.
func main() {
	cfg, problems := config.Load("relay-worker", 8085)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if len(cfg.RelayEventTypes) == 0 {
		problems = append(problems, config.Problem{Field: "RELAY_EVENT_TYPES", Message: "RELAY_EVENT_TYPES is required"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	if cfg.OtelEnabled {
		if shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		}); err == nil {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}
	metricsx.Register()

	store, cleanup, err := buildStorage(cfg)
	if err != nil {
		logger.Error(context.Background(), "store_init_failed", "event store init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer cleanup()

	producer, err := relay.NewProducer(cfg)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka producer init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer producer.Close()

	bus := eventbus.Default(
		eventbus.WithStorage(store),
		eventbus.WithLogger(logger.WithComponent("eventbus")),
		eventbus.WithMaxRetries(cfg.BusMaxRetries),
		eventbus.WithRetryBackoff(time.Duration(cfg.BusRetryBackoffMS)*time.Millisecond),
	)
	defer eventbus.ResetDefault()

	forwarder := relay.NewForwarder(producer, cfg.RelayTopicPrefix, logger)
	for _, eventType := range cfg.RelayEventTypes {
		sub := bus.Subscribe(eventType, forwarder.Handler())
		logger.Info(context.Background(), "relay_subscribed", "relay subscribed to event type",
			slog.String("event_type", sub.EventType()),
			slog.String("topic", relay.TopicFor(cfg.RelayTopicPrefix, eventType)),
		)
	}

	opsServer := newOpsServer(cfg, logger)
	go func() {
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "ops_server_failed", "ops http server failed",
				slog.String("error", err.Error()),
			)
		}
	}()

	logger.Info(context.Background(), "worker_start", "relay worker started",
		slog.Int("event_types", len(cfg.RelayEventTypes)),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = opsServer.Shutdown(shutdownCtx)
	bus.Close()
	bus.Wait()

	logger.Info(context.Background(), "worker_stop", "relay worker stopped")
}

func buildStorage(cfg config.Config) (eventbus.Storage, func(), error) {
	switch cfg.BusStore {
	case "redis":
		cache, err := cachex.New(cfg)
		if err != nil {
			return nil, func() {}, err
		}
		store, err := eventbus.NewRedisStore(cache.Client())
		if err != nil {
			_ = cache.Close()
			return nil, func() {}, err
		}
		return store, func() { _ = cache.Close() }, nil
	case "postgres":
		pool, err := dbx.NewPool(cfg)
		if err != nil {
			return nil, func() {}, err
		}
		if err := dbx.Ping(context.Background(), pool); err != nil {
			pool.Close()
			return nil, func() {}, err
		}
		store, err := eventbus.NewPostgresStore(pool)
		if err != nil {
			pool.Close()
			return nil, func() {}, err
		}
		return store, pool.Close, nil
	default:
		return eventbus.NewMemoryStore(), func() {}, nil
	}
}

func newOpsServer(cfg config.Config, logger logx.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsx.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	handler := httpx.WithRequestID(httpx.WithRecover(logger, httpx.WithRequestLog(logger, metricsx.Instrument(mux))))
	handler = otelhttp.NewHandler(handler, "http")
	return &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
