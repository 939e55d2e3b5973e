package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"

	"github.com/prospectly/enrichflow/config"
	"github.com/prospectly/enrichflow/correlation"
	"github.com/prospectly/enrichflow/enrichment"
	"github.com/prospectly/enrichflow/log"
	"github.com/prospectly/enrichflow/provider"
	"github.com/prospectly/enrichflow/redisstore"
	"github.com/prospectly/enrichflow/webhook"
	"github.com/prospectly/enrichflow/workflow"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("enrichflowd exited with error", log.ReasonKey, err.Error())
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, shutdownTracing, err := setupTracing(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer shutdownTracing()

	c := clock.New()

	var (
		instanceStore workflow.InstanceStore
		registry      correlation.Registry
	)

	if cfg.Redis.Addr != "" {
		rc := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Addr},
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rc.Close()

		if err := rc.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}

		instanceStore = redisstore.NewInstanceStore(rc, redisstore.DefaultTTL)
		registry = redisstore.NewCorrelationRegistry(rc, redisstore.DefaultTTL)

		logger.Info("using redis stores", "addr", cfg.Redis.Addr)
	} else {
		memStore := workflow.NewMemoryInstanceStore(time.Hour)
		defer memStore.Close()

		instanceStore = memStore
		registry = correlation.NewMemoryRegistry()

		logger.Info("using in-memory stores")
	}

	jobs := enrichment.NewMemoryStore(c)

	engine := workflow.NewEngine(
		workflow.WithLogger(logger),
		workflow.WithClock(c),
		workflow.WithTracerProvider(tp),
		workflow.WithInstanceStore(instanceStore),
	)

	providerClient := provider.NewClient(
		cfg.Provider.BaseURL,
		cfg.Provider.APIKey,
		provider.WithLogger(logger),
		provider.WithClock(c),
		provider.WithTracerProvider(tp),
		provider.WithMaxBatchSize(cfg.Provider.BatchSize),
		provider.WithRateLimit(rate.Limit(cfg.Provider.RateLimit), 1),
	)

	failures := enrichment.NewFailureHandler(
		jobs,
		cfg.Enrichment.MaxRetries,
		enrichment.WithFailureLogger(logger),
		enrichment.WithFailureClock(c),
	)

	pipeline := enrichment.NewPipeline(
		engine,
		jobs,
		providerClient,
		registry,
		failures,
		cfg.Provider.WebhookURL,
		enrichment.WithCallbackTimeout(cfg.Enrichment.CallbackTimeout),
		enrichment.WithPipelineClock(c),
		enrichment.WithPipelineLogger(logger),
	)

	coordinator := enrichment.NewCoordinator(
		jobs,
		enrichment.NewDomainClassifier(),
		pipeline,
		failures,
		enrichment.CoordinatorConfig{
			BatchSize:  cfg.Provider.BatchSize,
			StaleAfter: cfg.Enrichment.StaleAfter,
			Clock:      c,
			Logger:     logger,
		},
	)

	mux := http.NewServeMux()
	mux.Handle("POST /webhooks/enrichment", webhook.NewHandler(
		[]byte(cfg.Webhook.Secret),
		registry,
		engine,
		webhook.WithLogger(logger),
	))
	mux.HandleFunc("POST /jobs/{id}/retry", func(w http.ResponseWriter, r *http.Request) {
		err := failures.Retry(r.Context(), r.PathValue("id"))
		switch {
		case errors.Is(err, enrichment.ErrJobNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, enrichment.ErrJobNotTerminal):
			http.Error(w, err.Error(), http.StatusConflict)
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	srvErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTP.Addr)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	coordErr := make(chan error, 1)
	go func() {
		coordErr <- coordinator.Run(ctx, cfg.Enrichment.CycleInterval)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-srvErr:
		return fmt.Errorf("http server: %w", err)
	case err := <-coordErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("coordinator: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", log.ReasonKey, err.Error())
	}

	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Error("engine shutdown", log.ReasonKey, err.Error())
	}

	return nil
}

// setupTracing builds the tracer provider selected by the config. The
// returned shutdown func flushes pending spans and must be called on exit.
func setupTracing(ctx context.Context, cfg config.TracingConfig) (trace.TracerProvider, func(), error) {
	var exporter sdktrace.SpanExporter

	switch cfg.Exporter {
	case "", "none":
		return noop.NewTracerProvider(), func() {}, nil

	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, nil, err
		}
		exporter = exp

	case "otlp":
		opts := []otlptracehttp.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		}

		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, nil, err
		}
		exporter = exp

	default:
		return nil, nil, fmt.Errorf("unknown tracing exporter %q", cfg.Exporter)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName("enrichflowd"),
	))
	if err != nil {
		return nil, nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := tp.Shutdown(ctx); err != nil {
			slog.Error("tracer provider shutdown", log.ReasonKey, err.Error())
		}
	}

	return tp, shutdown, nil
}
