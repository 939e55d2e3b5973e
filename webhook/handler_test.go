package webhook

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/prospectly/enrichflow/correlation"
	"github.com/prospectly/enrichflow/enrichment"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("webhook-test-secret")

type recordingSink struct {
	mu     sync.Mutex
	events []sinkEvent
	accept bool
}

type sinkEvent struct {
	workflowID string
	eventType  string
	payload    any
}

func (s *recordingSink) EmitEvent(workflowID, eventType string, payload any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, sinkEvent{workflowID, eventType, payload})

	return s.accept
}

func (s *recordingSink) recorded() []sinkEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]sinkEvent(nil), s.events...)
}

func postCallback(t *testing.T, h *Handler, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/webhooks/enrichment", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	return w
}

func Test_Handler_RoutesVerifiedCallback(t *testing.T) {
	registry := correlation.NewMemoryRegistry()
	require.NoError(t, registry.Register(context.Background(), "abc", "wf1"))

	sink := &recordingSink{accept: true}
	h := NewHandler(testSecret, registry, sink)

	body := []byte(`{"correlationId":"abc","results":[{"email":"alice@gmail.com","creditsUsed":1.5}]}`)

	w := postCallback(t, h, body, Sign(testSecret, body))
	require.Equal(t, http.StatusOK, w.Code)

	events := sink.recorded()
	require.Len(t, events, 1)
	require.Equal(t, "wf1", events[0].workflowID)
	require.Equal(t, enrichment.EventCallback, events[0].eventType)

	results, ok := events[0].payload.([]enrichment.CallbackResult)
	require.True(t, ok)
	require.Len(t, results, 1)
	require.Equal(t, "alice@gmail.com", results[0].Email)
	require.Equal(t, 1.5, results[0].CreditsUsed)
}

func Test_Handler_RejectsInvalidSignature(t *testing.T) {
	registry := correlation.NewMemoryRegistry()
	require.NoError(t, registry.Register(context.Background(), "abc", "wf1"))

	sink := &recordingSink{accept: true}
	h := NewHandler(testSecret, registry, sink)

	body := []byte(`{"correlationId":"abc","results":[]}`)

	w := postCallback(t, h, body, Sign([]byte("wrong-secret"), body))
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Empty(t, sink.recorded(), "unverified callbacks must never reach the engine")
}

func Test_Handler_RejectsMissingSignature(t *testing.T) {
	sink := &recordingSink{accept: true}
	h := NewHandler(testSecret, correlation.NewMemoryRegistry(), sink)

	body := []byte(`{"correlationId":"abc","results":[]}`)

	w := postCallback(t, h, body, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Empty(t, sink.recorded())
}

func Test_Handler_SignatureIsOverExactBody(t *testing.T) {
	sink := &recordingSink{accept: true}
	h := NewHandler(testSecret, correlation.NewMemoryRegistry(), sink)

	body := []byte(`{"correlationId":"abc","results":[]}`)
	tampered := []byte(`{"correlationId":"xyz","results":[]}`)

	w := postCallback(t, h, tampered, Sign(testSecret, body))
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func Test_Handler_DropsUnknownCorrelationID(t *testing.T) {
	sink := &recordingSink{accept: true}
	h := NewHandler(testSecret, correlation.NewMemoryRegistry(), sink)

	body := []byte(`{"correlationId":"never-registered","results":[]}`)

	// Unknown batches are dropped without erroring the HTTP response.
	w := postCallback(t, h, body, Sign(testSecret, body))
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, sink.recorded())
}

func Test_Handler_DropsCallbackForFinishedInstance(t *testing.T) {
	registry := correlation.NewMemoryRegistry()
	require.NoError(t, registry.Register(context.Background(), "abc", "wf1"))

	// The sink refuses delivery: the instance finished between lookup and
	// emit.
	sink := &recordingSink{accept: false}
	h := NewHandler(testSecret, registry, sink)

	body := []byte(`{"correlationId":"abc","results":[]}`)

	w := postCallback(t, h, body, Sign(testSecret, body))
	require.Equal(t, http.StatusOK, w.Code)
}

func Test_Handler_RejectsMalformedPayload(t *testing.T) {
	sink := &recordingSink{accept: true}
	h := NewHandler(testSecret, correlation.NewMemoryRegistry(), sink)

	body := []byte(`not json`)

	w := postCallback(t, h, body, Sign(testSecret, body))
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Empty(t, sink.recorded())
}

func Test_Handler_RejectsMissingCorrelationID(t *testing.T) {
	sink := &recordingSink{accept: true}
	h := NewHandler(testSecret, correlation.NewMemoryRegistry(), sink)

	body := []byte(`{"results":[]}`)

	w := postCallback(t, h, body, Sign(testSecret, body))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func Test_Handler_RejectsNonPost(t *testing.T) {
	h := NewHandler(testSecret, correlation.NewMemoryRegistry(), &recordingSink{})

	req := httptest.NewRequest(http.MethodGet, "/webhooks/enrichment", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
