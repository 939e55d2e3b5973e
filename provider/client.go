// Package provider wraps the external enrichment API. Submission retries
// transient failures at the transport level: rate limits honor the provider's
// retry hint, retryable server errors back off exponentially, network errors
// get a small fixed budget, and terminal errors fail immediately.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/prospectly/enrichflow/log"
	"github.com/prospectly/enrichflow/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"
)

// Item is one email sent to the provider for enrichment. SubscriberID is an
// opaque correlation tag echoed back in the callback.
type Item struct {
	SubscriberID string            `json:"subscriberId"`
	Email        string            `json:"email"`
	CustomFields map[string]string `json:"customFields,omitempty"`
}

type submitRequest struct {
	WebhookURL string `json:"webhookUrl"`
	Items      []Item `json:"items"`
}

type submitResponse struct {
	CorrelationID string `json:"correlationId"`
}

// networkRetries is the fixed budget for transport-level failures that carry
// no provider signal.
const networkRetries = 3

type Options struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	Clock      clock.Clock
	Metrics    metrics.Client

	TracerProvider trace.TracerProvider

	// MaxAttempts caps provider-signaled retries (rate limits and retryable
	// server errors).
	MaxAttempts int

	// RetryableStatusCodes are the server error statuses worth retrying.
	RetryableStatusCodes []int

	// MaxBatchSize is the provider's per-submission item limit.
	MaxBatchSize int

	// RateLimit throttles outbound requests. Zero disables throttling.
	RateLimit rate.Limit
	RateBurst int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

var DefaultOptions = Options{
	MaxAttempts:          5,
	RetryableStatusCodes: []int{http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout},
	MaxBatchSize:         100,
	InitialBackoff:       time.Second,
	MaxBackoff:           30 * time.Second,
}

type Option func(*Options)

func WithHTTPClient(c *http.Client) Option {
	return func(o *Options) {
		o.HTTPClient = c
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

func WithClock(c clock.Clock) Option {
	return func(o *Options) {
		o.Clock = c
	}
}

func WithMetrics(mc metrics.Client) Option {
	return func(o *Options) {
		o.Metrics = mc
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Options) {
		o.TracerProvider = tp
	}
}

func WithMaxAttempts(n int) Option {
	return func(o *Options) {
		o.MaxAttempts = n
	}
}

func WithRetryableStatusCodes(codes ...int) Option {
	return func(o *Options) {
		o.RetryableStatusCodes = codes
	}
}

func WithMaxBatchSize(n int) Option {
	return func(o *Options) {
		o.MaxBatchSize = n
	}
}

func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(o *Options) {
		o.RateLimit = limit
		o.RateBurst = burst
	}
}

func WithBackoff(initial, max time.Duration) Option {
	return func(o *Options) {
		o.InitialBackoff = initial
		o.MaxBackoff = max
	}
}

// Client submits enrichment batches. Safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string

	httpClient *http.Client
	logger     *slog.Logger
	clock      clock.Clock
	mc         metrics.Client
	tracer     trace.Tracer
	limiter    *rate.Limiter

	maxAttempts    int
	retryable      map[int]bool
	maxBatchSize   int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	options := DefaultOptions
	for _, opt := range opts {
		opt(&options)
	}

	if options.HTTPClient == nil {
		options.HTTPClient = &http.Client{Timeout: 30 * time.Second}
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

	retryable := make(map[int]bool, len(options.RetryableStatusCodes))
	for _, code := range options.RetryableStatusCodes {
		retryable[code] = true
	}

	var limiter *rate.Limiter
	if options.RateLimit > 0 {
		burst := options.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(options.RateLimit, burst)
	}

	return &Client{
		baseURL:        baseURL,
		apiKey:         apiKey,
		httpClient:     options.HTTPClient,
		logger:         options.Logger,
		clock:          options.Clock,
		mc:             options.Metrics,
		tracer:         options.TracerProvider.Tracer("enrichflow/provider"),
		limiter:        limiter,
		maxAttempts:    options.MaxAttempts,
		retryable:      retryable,
		maxBatchSize:   options.MaxBatchSize,
		initialBackoff: options.InitialBackoff,
		maxBackoff:     options.MaxBackoff,
	}
}

// Submit sends one batch and returns the provider's correlation id. The
// provider delivers results asynchronously to webhookURL, echoing that id.
func (c *Client) Submit(ctx context.Context, items []Item, webhookURL string) (string, error) {
	if len(items) == 0 {
		return "", ErrEmptyBatch
	}
	if len(items) > c.maxBatchSize {
		return "", fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(items), c.maxBatchSize)
	}

	ctx, span := c.tracer.Start(ctx, "SubmitBatch", trace.WithAttributes(
		attribute.Int(log.BatchSizeKey, len(items)),
	))
	defer span.End()

	body, err := json.Marshal(submitRequest{
		WebhookURL: webhookURL,
		Items:      items,
	})
	if err != nil {
		return "", fmt.Errorf("encoding submit request: %w", err)
	}

	bo := backoff.ExponentialBackOff{
		InitialInterval:     c.initialBackoff,
		MaxInterval:         c.maxBackoff,
		Multiplier:          2,
		RandomizationFactor: 0.2,
		Clock:               c.clock,
		Stop:                backoff.Stop,
	}
	bo.Reset()

	networkFailures := 0

	for attempt := 1; ; attempt++ {
		correlationID, err := c.doSubmit(ctx, body)
		if err == nil {
			span.SetAttributes(attribute.String(log.CorrelationIDKey, correlationID))
			return correlationID, nil
		}

		var apiErr *APIError
		isAPIErr := errors.As(err, &apiErr)

		switch {
		case isAPIErr && apiErr.permanent:
			return "", err

		case !isAPIErr:
			// Transport failure, no provider signal. Small fixed budget.
			networkFailures++
			if networkFailures > networkRetries {
				return "", &TransportError{Attempts: networkFailures, cause: err}
			}

		default:
			if attempt >= c.maxAttempts {
				return "", fmt.Errorf("submit failed after %d attempts: %w", attempt, err)
			}
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return "", fmt.Errorf("submit retries exhausted: %w", err)
		}
		if isAPIErr && apiErr.RetryAfter > 0 {
			wait = apiErr.RetryAfter
		}

		c.logger.Debug("Retrying provider submission",
			log.AttemptKey, attempt,
			log.DelayKey, wait.String(),
			log.ReasonKey, err.Error(),
		)

		timer := c.clock.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) doSubmit(ctx context.Context, body []byte) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/batches", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.mc.Counter(metrics.ProviderRequests, metrics.Tags{}, 1)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("submitting batch: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading submit response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", c.classifyStatus(resp, respBody)
	}

	var parsed submitResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", &APIError{
			StatusCode: resp.StatusCode,
			Body:       fmt.Sprintf("unparsable response: %v", err),
			code:       CodeContract,
			permanent:  true,
		}
	}

	if parsed.CorrelationID == "" {
		return "", &APIError{
			StatusCode: resp.StatusCode,
			Body:       "response is missing correlationId",
			code:       CodeContract,
			permanent:  true,
		}
	}

	return parsed.CorrelationID, nil
}

func (c *Client) classifyStatus(resp *http.Response, body []byte) *APIError {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Body:       string(body),
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		apiErr.code = CodeRateLimited
		apiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		c.mc.Counter(metrics.ProviderRateLimited, metrics.Tags{}, 1)

	case resp.StatusCode == http.StatusPaymentRequired:
		apiErr.code = CodeCredits
		apiErr.permanent = true
		apiErr.cause = ErrCreditsExhausted

	case c.retryable[resp.StatusCode]:
		apiErr.code = CodeServerError

	case resp.StatusCode >= 500:
		// Server errors outside the configured retryable set are terminal.
		apiErr.code = CodeServerError
		apiErr.permanent = true

	default:
		apiErr.code = CodeValidation
		apiErr.permanent = true
	}

	return apiErr
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}

	return 0
}
