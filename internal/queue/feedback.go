package queue

import (
	"context"
	"time"
)

// ReasonInvalid marks a token the gateway permanently rejected.
const ReasonInvalid = "invalid"

// TokenFeedback represents feedback about an invalid or replaced device token.
type TokenFeedback struct {
	Service     string `json:"service"`
	Token       string `json:"token"`
	Replacement string `json:"replacement_token,omitempty"`
	Reason      string `json:"reason"`
	Timestamp   int64  `json:"timestamp"`
}

// FeedbackStore defines the interface for storing and retrieving device token feedback.
// Implementations can use in-memory storage, Redis, or other backends.
type FeedbackStore interface {
	// Push adds feedback entries to the store, oldest first.
	Push(ctx context.Context, feedback ...TokenFeedback) error

	// Pop retrieves and removes up to limit feedback entries from the store.
	// Returns an empty slice if no feedback is available.
	Pop(ctx context.Context, limit int) ([]TokenFeedback, error)

	// Peek retrieves up to limit feedback entries without removing them.
	// Useful for inspection or when external systems consume directly from Redis.
	Peek(ctx context.Context, limit int) ([]TokenFeedback, error)

	// Len returns the number of feedback entries in the store.
	Len(ctx context.Context) (int64, error)

	// Close releases any resources held by the store.
	Close() error
}

// FeedbackSink publishes retired tokens to a FeedbackStore so systems
// other than the token database can drop them too.
type FeedbackSink struct {
	Store   FeedbackStore
	Service string
}

// MarkInvalid pushes one "invalid" entry per token.
func (s FeedbackSink) MarkInvalid(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	now := time.Now().Unix()
	feedback := make([]TokenFeedback, len(tokens))
	for i, token := range tokens {
		feedback[i] = TokenFeedback{
			Service:   s.Service,
			Token:     token,
			Reason:    ReasonInvalid,
			Timestamp: now,
		}
	}
	return s.Store.Push(ctx, feedback...)
}

// ServiceID names the gateway feedback is reported for.
func ServiceID(sandbox bool) string {
	if sandbox {
		return "apns-sandbox"
	}
	return "apns"
}
