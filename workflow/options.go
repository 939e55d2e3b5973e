package workflow

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prospectly/enrichflow/metrics"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type Options struct {
	Logger *slog.Logger

	Clock clock.Clock

	Metrics metrics.Client

	TracerProvider trace.TracerProvider

	// Store keeps instance state. Defaults to an in-memory store with a one
	// hour retention for finished instances.
	Store InstanceStore

	// FinishedRetention is only used when no explicit store is given.
	FinishedRetention time.Duration
}

var DefaultOptions = Options{
	FinishedRetention: time.Hour,
}

type EngineOption func(*Options)

func WithLogger(logger *slog.Logger) EngineOption {
	return func(o *Options) {
		o.Logger = logger
	}
}

func WithClock(c clock.Clock) EngineOption {
	return func(o *Options) {
		o.Clock = c
	}
}

func WithMetrics(client metrics.Client) EngineOption {
	return func(o *Options) {
		o.Metrics = client
	}
}

func WithTracerProvider(tp trace.TracerProvider) EngineOption {
	return func(o *Options) {
		o.TracerProvider = tp
	}
}

func WithInstanceStore(store InstanceStore) EngineOption {
	return func(o *Options) {
		o.Store = store
	}
}

func WithFinishedRetention(retention time.Duration) EngineOption {
	return func(o *Options) {
		o.FinishedRetention = retention
	}
}

func applyOptions(opts ...EngineOption) Options {
	options := DefaultOptions

	for _, opt := range opts {
		opt(&options)
	}

	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Clock == nil {
		options.Clock = clock.New()
	}
	if options.Metrics == nil {
		options.Metrics = metrics.NewNoopClient()
	}
	if options.TracerProvider == nil {
		options.TracerProvider = noop.NewTracerProvider()
	}

	return options
}
