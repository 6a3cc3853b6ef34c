package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mattstrayer/bulkpush/internal/queue"
)

const defaultFeedbackLimit = 1000

func feedbackLimit(r *http.Request) int {
	limit := defaultFeedbackLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	return limit
}

// handleFeedback retrieves and removes feedback entries (pop behavior).
// Query params:
//   - limit: max number of entries to return (default 1000)
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Invalid request method.", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	feedback, err := s.feedbackStore.Pop(ctx, feedbackLimit(r))
	if err != nil {
		slog.Error("Failed to retrieve feedback", "error", err)
		http.Error(w, "Failed to retrieve feedback", http.StatusInternalServerError)
		return
	}

	writeJSON(w, struct {
		Feedback []queue.TokenFeedback `json:"feedback"`
	}{Feedback: feedback})
}

// handleFeedbackPeek retrieves feedback entries without removing them.
// Query params:
//   - limit: max number of entries to return (default 1000)
func (s *Server) handleFeedbackPeek(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Invalid request method.", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	feedback, err := s.feedbackStore.Peek(ctx, feedbackLimit(r))
	if err != nil {
		slog.Error("Failed to peek feedback", "error", err)
		http.Error(w, "Failed to retrieve feedback", http.StatusInternalServerError)
		return
	}

	count, _ := s.feedbackStore.Len(ctx)

	writeJSON(w, struct {
		Feedback []queue.TokenFeedback `json:"feedback"`
		Total    int64                 `json:"total"`
	}{Feedback: feedback, Total: count})
}

func writeJSON(w http.ResponseWriter, v any) {
	j, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(j)
}
