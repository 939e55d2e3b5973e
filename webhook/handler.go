// Package webhook is the inbound boundary for provider callbacks. Every
// request is HMAC-verified against the raw body before anything reaches the
// workflow engine; callbacks that cannot be verified never wake a workflow.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/prospectly/enrichflow/correlation"
	"github.com/prospectly/enrichflow/enrichment"
	"github.com/prospectly/enrichflow/log"
	"github.com/prospectly/enrichflow/metrics"
)

// SignatureHeader carries the hex-encoded HMAC-SHA256 of the raw request
// body.
const SignatureHeader = "X-Enrich-Signature"

const maxBodySize = 4 << 20

// EventSink routes a verified callback to the workflow instance awaiting it.
// It reports whether a running instance accepted the event.
type EventSink interface {
	EmitEvent(workflowID, eventType string, payload any) bool
}

type callbackPayload struct {
	CorrelationID string                      `json:"correlationId"`
	Results       []enrichment.CallbackResult `json:"results"`
}

// Handler verifies and routes enrichment callbacks.
type Handler struct {
	secret   []byte
	registry correlation.Registry
	sink     EventSink
	logger   *slog.Logger
	mc       metrics.Client
}

type HandlerOption func(*Handler)

func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

func WithMetrics(mc metrics.Client) HandlerOption {
	return func(h *Handler) {
		h.mc = mc
	}
}

func NewHandler(secret []byte, registry correlation.Registry, sink EventSink, opts ...HandlerOption) *Handler {
	h := &Handler{
		secret:   secret,
		registry: registry,
		sink:     sink,
	}

	for _, opt := range opts {
		opt(h)
	}

	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.mc == nil {
		h.mc = metrics.NewNoopClient()
	}

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}

	if !h.verify(body, r.Header.Get(SignatureHeader)) {
		h.logger.Warn("Rejected enrichment callback with invalid signature",
			log.RemoteAddrKey, r.RemoteAddr,
		)
		h.mc.Counter(metrics.CallbackRejected, metrics.Tags{}, 1)

		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var payload callbackPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.logger.Warn("Rejected malformed enrichment callback", log.ReasonKey, err.Error())
		h.mc.Counter(metrics.CallbackRejected, metrics.Tags{}, 1)

		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	if payload.CorrelationID == "" {
		http.Error(w, "missing correlationId", http.StatusBadRequest)
		return
	}

	workflowID, ok, err := h.registry.Lookup(r.Context(), payload.CorrelationID)
	if err != nil {
		h.logger.Error("Correlation lookup failed",
			log.CorrelationIDKey, payload.CorrelationID,
			log.ReasonKey, err.Error(),
		)

		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}

	if !ok {
		// No workflow is waiting: the batch already completed, timed out, or
		// this is a duplicate delivery. Dropping it is deliberate; there is
		// no out-of-band job update path.
		h.logger.Info("Dropping callback for unknown correlation id",
			log.CorrelationIDKey, payload.CorrelationID,
		)
		h.mc.Counter(metrics.CallbackUnknown, metrics.Tags{}, 1)

		w.WriteHeader(http.StatusOK)
		return
	}

	delivered := h.sink.EmitEvent(workflowID, enrichment.EventCallback, payload.Results)
	if !delivered {
		// The instance finished between lookup and emit. Same policy as an
		// unknown correlation id.
		h.logger.Info("Dropping callback for finished workflow instance",
			log.CorrelationIDKey, payload.CorrelationID,
			log.WorkflowIDKey, workflowID,
		)
		h.mc.Counter(metrics.CallbackUnknown, metrics.Tags{}, 1)

		w.WriteHeader(http.StatusOK)
		return
	}

	h.logger.Debug("Routed enrichment callback",
		log.CorrelationIDKey, payload.CorrelationID,
		log.WorkflowIDKey, workflowID,
	)
	h.mc.Counter(metrics.CallbackAccepted, metrics.Tags{}, 1)

	w.WriteHeader(http.StatusOK)
}

// verify compares the header signature to the HMAC-SHA256 of the exact raw
// body bytes in constant time.
func (h *Handler) verify(body []byte, signature string) bool {
	if signature == "" {
		return false
	}

	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)

	return hmac.Equal(provided, mac.Sum(nil))
}

// Sign computes the signature the provider attaches. Exported for tests and
// local tooling.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)

	return hex.EncodeToString(mac.Sum(nil))
}
