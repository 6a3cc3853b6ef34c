package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattstrayer/bulkpush/internal/metrics"
	"github.com/mattstrayer/bulkpush/internal/queue"
	"github.com/mattstrayer/bulkpush/internal/queue/memory"
)

type feedbackResponse struct {
	Feedback []queue.TokenFeedback `json:"feedback"`
	Total    int64                 `json:"total"`
}

func newTestServer(t *testing.T) (*Server, *memory.FeedbackStore, *metrics.Metrics) {
	t.Helper()
	store := memory.NewFeedbackStore()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	return NewServer(":0", store, reg), store, m
}

func do(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestFeedbackPeekAndPop(t *testing.T) {
	s, store, _ := newTestServer(t)
	sink := queue.FeedbackSink{Store: store, Service: "apns"}
	require.NoError(t, sink.MarkInvalid(context.Background(), []string{"t1", "t2", "t3"}))

	rec := do(t, s, http.MethodGet, "/api/feedback/peek?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var peek feedbackResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &peek))
	assert.Len(t, peek.Feedback, 2)
	assert.EqualValues(t, 3, peek.Total)
	assert.Equal(t, "t1", peek.Feedback[0].Token)

	rec = do(t, s, http.MethodPost, "/api/feedback")
	require.Equal(t, http.StatusOK, rec.Code)
	var pop feedbackResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pop))
	assert.Len(t, pop.Feedback, 3)

	n, err := store.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFeedbackMethods(t *testing.T) {
	s, _, _ := newTestServer(t)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, s, http.MethodGet, "/api/feedback").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, s, http.MethodPost, "/api/feedback/peek").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, m := newTestServer(t)
	m.CountAttempt("/data/tokens.txt.3", time.Second)

	rec := do(t, s, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `bulkpush_delivery_attempts_total{shard="tokens.txt.3"} 1`))
}

func TestServeAndShutdown(t *testing.T) {
	s, _, _ := newTestServer(t)
	s.server.Addr = "127.0.0.1:0"

	done := make(chan error, 1)
	go func() { done <- s.Serve() }()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.NoError(t, <-done)
}
