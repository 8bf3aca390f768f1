package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"isp-ops-event-bus/eventbus"
	"isp-ops-event-bus/shared/cachex"
	"isp-ops-event-bus/shared/config"
	"isp-ops-event-bus/shared/dbx"
	"isp-ops-event-bus/shared/httpx"
	"isp-ops-event-bus/shared/influxx"
	"isp-ops-event-bus/shared/lockx"
	"isp-ops-event-bus/shared/logx"
	"isp-ops-event-bus/shared/metricsx"
	"isp-ops-event-bus/shared/observability"
)

const (
	taskDLQScan    = "dlq.scan"
	taskDLQRequeue = "dlq.requeue"

	lastScanKeyTTL = 24 * time.Hour
)

var (
	scanLockKey = cachex.Key("dlq", "scan")
	lastScanKey = cachex.Key("dlq", "last_scan")
)

type requeuePayload struct {
	EventID string `json:"event_id"`
}

type scanSummary struct {
	ScannedAt time.Time      `json:"scanned_at"`
	Depth     int            `json:"depth"`
	ByType    map[string]int `json:"by_type,omitempty"`
}

func main() {
	cfg, problems := config.Load("dlq-worker", 8084)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.RedisAddr == "" {
		problems = append(problems, config.Problem{Field: "REDIS_ADDR", Message: "REDIS_ADDR is required"})
	}
	if cfg.AsynqRedisAddr == "" {
		problems = append(problems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required"})
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

	cache, err := cachex.New(cfg)
	if err != nil {
		logger.Error(context.Background(), "redis_init_failed", "redis init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer cache.Close()

	store, cleanup, err := buildStorage(cfg, cache)
	if err != nil {
		logger.Error(context.Background(), "store_init_failed", "event store init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer cleanup()

	bus := eventbus.Default(
		eventbus.WithStorage(store),
		eventbus.WithLogger(logger.WithComponent("eventbus")),
		eventbus.WithMaxRetries(cfg.BusMaxRetries),
		eventbus.WithRetryBackoff(time.Duration(cfg.BusRetryBackoffMS)*time.Millisecond),
	)
	defer eventbus.ResetDefault()

	var stats *influxx.Client
	if cfg.InfluxURL != "" {
		stats, err = influxx.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "influx_init_failed", "influx disabled",
				slog.String("error", err.Error()),
			)
		} else {
			defer stats.Close()
		}
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues: map[string]int{
			cfg.AsynqQueue: 1,
		},
	})
	defer server.Shutdown()

	mux := asynq.NewServeMux()
	mux.HandleFunc(taskDLQScan, func(ctx context.Context, t *asynq.Task) error {
		ran, err := lockx.WithLock(ctx, cache.Client(), scanLockKey, time.Duration(cfg.DLQScanSec)*time.Second, func(ctx context.Context) error {
			return scanDeadLetters(ctx, cfg, logger, bus, cache, stats)
		})
		if err != nil {
			return err
		}
		if !ran {
			logger.Debug(ctx, "dlq_scan_skipped", "another worker holds the scan lock")
		}
		return nil
	})
	mux.HandleFunc(taskDLQRequeue, func(ctx context.Context, t *asynq.Task) error {
		var payload requeuePayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return err
		}
		eventID := strings.TrimSpace(payload.EventID)
		if eventID == "" {
			return fmt.Errorf("event_id is required")
		}
		if err := bus.Replay(ctx, eventID); err != nil {
			if errors.Is(err, eventbus.ErrNotFound) {
				logger.Warn(ctx, "dlq_requeue_unknown", "requeue target not found",
					slog.String("event_id", eventID),
				)
				return nil
			}
			return err
		}
		logger.Info(ctx, "dlq_requeue", "dead-letter event replayed",
			slog.String("event_id", eventID),
		)
		return nil
	})

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
	})
	defer scheduler.Shutdown()
	if _, err := scheduler.Register("@every "+strconv.Itoa(cfg.DLQScanSec)+"s", asynq.NewTask(taskDLQScan, nil, asynq.Queue(cfg.AsynqQueue))); err != nil {
		logger.Error(context.Background(), "scheduler_init_failed", "scheduler init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if err := scheduler.Start(); err != nil {
		logger.Error(context.Background(), "scheduler_start_failed", "scheduler start failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	opsServer := newOpsServer(cfg, logger, cache)
	go func() {
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "ops_server_failed", "ops http server failed",
				slog.String("error", err.Error()),
			)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = opsServer.Shutdown(shutdownCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "worker_start", "dlq worker started",
			slog.String("queue", cfg.AsynqQueue),
			slog.Int("scan_sec", cfg.DLQScanSec),
		)
		errCh <- server.Run(mux)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, asynq.ErrServerClosed) {
			logger.Error(context.Background(), "worker_failed", "worker failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	logger.Info(context.Background(), "worker_stop", "dlq worker stopped")
}

func scanDeadLetters(ctx context.Context, cfg config.Config, logger logx.Logger, bus *eventbus.Bus, cache *cachex.Client, stats *influxx.Client) error {
	records, err := bus.GetEvents(ctx, eventbus.Filter{Status: eventbus.StatusDeadLetter})
	if err != nil {
		return err
	}
	metricsx.SetDeadLetterDepth(len(records))

	byType := make(map[string]int)
	for _, rec := range records {
		byType[rec.EventType]++
	}
	summary := scanSummary{ScannedAt: time.Now().UTC(), Depth: len(records), ByType: byType}
	if err := cache.SetJSON(ctx, lastScanKey, summary, lastScanKeyTTL); err != nil {
		logger.Warn(ctx, "scan_summary_cache_failed", "failed to cache scan summary",
			slog.String("error", err.Error()),
		)
	}
	logged := 0
	for _, rec := range records {
		if logged >= cfg.DLQBatchSize {
			break
		}
		logger.Warn(ctx, "dlq_event", "event waiting in dead-letter queue",
			slog.String("event_id", rec.EventID),
			slog.String("event_type", rec.EventType),
			slog.String("tenant_id", rec.Metadata.TenantID),
			slog.Int("retry_count", rec.RetryCount),
			slog.String("error", rec.ErrorMessage),
		)
		logged++
	}

	if stats != nil && len(byType) > 0 {
		if err := stats.WriteDeadLetterDepth(ctx, cfg.ServiceName, byType, time.Now().UTC()); err != nil {
			logger.Warn(ctx, "influx_write_failed", "failed to write dead-letter stats",
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func buildStorage(cfg config.Config, cache *cachex.Client) (eventbus.Storage, func(), error) {
	switch cfg.BusStore {
	case "redis":
		store, err := eventbus.NewRedisStore(cache.Client())
		return store, func() {}, err
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

func newOpsServer(cfg config.Config, logger logx.Logger, cache *cachex.Client) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsx.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := cache.Ping(r.Context()); err != nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "redis unreachable", nil)
			return
		}
		body := map[string]any{"status": "ok"}
		var summary scanSummary
		if found, err := cache.GetJSON(r.Context(), lastScanKey, &summary); err == nil && found {
			body["last_scan"] = summary
		}
		httpx.WriteJSON(w, http.StatusOK, body)
	})

	handler := httpx.WithRequestID(httpx.WithRecover(logger, httpx.WithRequestLog(logger, metricsx.Instrument(mux))))
	handler = otelhttp.NewHandler(handler, "http")
	return &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
