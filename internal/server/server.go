package server

import (
	"context"
	"net/http"
	"sync/atomic"

	"log/slog"

	"github.com/mattstrayer/bulkpush/internal/queue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes metrics and invalid token feedback while a dispatch runs.
type Server struct {
	server        *http.Server
	shuttingDown  atomic.Bool
	feedbackStore queue.FeedbackStore
}

// NewServer ...
func NewServer(addr string, fs queue.FeedbackStore, gatherer prometheus.Gatherer) (s *Server) {
	s = &Server{
		feedbackStore: fs,
	}

	mux := http.NewServeMux()
	s.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	mux.HandleFunc("/api/feedback", s.handleFeedback)
	mux.HandleFunc("/api/feedback/peek", s.handleFeedbackPeek)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.handleHealth)
	return s
}

// Handler ...
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Serve starts the HTTP server and blocks until it is shut down.
func (s *Server) Serve() (err error) {
	slog.Info("Bulkpush server started", "address", s.server.Addr)
	err = s.server.ListenAndServe()
	if s.shuttingDown.Load() {
		err = nil
	}
	return
}

// Shutdown ...
func (s *Server) Shutdown(ctx context.Context) (err error) {
	s.shuttingDown.Store(true)

	if err = s.server.Shutdown(ctx); err != nil {
		slog.Error("Shutting down bulkpush server", "error", err)
		return
	}
	slog.Info("Bulkpush server stopped")
	return
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
