package redis

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mattstrayer/bulkpush/internal/queue"
	"github.com/redis/go-redis/v9"
)

// FeedbackKey is the list feedback is stored in. External systems can
// consume it directly, newest entries at the head.
const FeedbackKey = "bulkpush:feedback"

// FeedbackStore is a Redis-backed implementation of queue.FeedbackStore.
// Feedback is persisted to Redis and survives restarts.
type FeedbackStore struct {
	client *redis.Client
	key    string
}

// NewFeedbackStore creates a new Redis-backed feedback store using an existing client.
func NewFeedbackStore(client *redis.Client) *FeedbackStore {
	return &FeedbackStore{client: client, key: FeedbackKey}
}

// NewFeedbackStoreFromURL creates a new Redis-backed feedback store from a Redis URL.
func NewFeedbackStoreFromURL(redisURL string) (*FeedbackStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	opt.PoolSize = 10
	opt.MinIdleConns = 2
	opt.PoolTimeout = time.Second * 30

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	slog.Info("Redis feedback store connected", "key", FeedbackKey)
	return NewFeedbackStore(client), nil
}

// Push adds feedback entries to the Redis list.
// Uses LPUSH so newest entries are at the head of the list.
func (s *FeedbackStore) Push(ctx context.Context, feedback ...queue.TokenFeedback) error {
	if len(feedback) == 0 {
		return nil
	}
	values := make([]any, len(feedback))
	for i, f := range feedback {
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}
		values[i] = data
	}
	return s.client.LPush(ctx, s.key, values...).Err()
}

// Pop retrieves and removes up to limit feedback entries from the store.
// Removes from the tail (oldest entries first - FIFO order).
func (s *FeedbackStore) Pop(ctx context.Context, limit int) ([]queue.TokenFeedback, error) {
	if limit <= 0 {
		limit = 100
	}

	pipe := s.client.TxPipeline()
	lrangeCmd := pipe.LRange(ctx, s.key, -int64(limit), -1)
	pipe.LTrim(ctx, s.key, 0, -int64(limit+1))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	items, err := lrangeCmd.Result()
	if err != nil {
		return nil, err
	}
	return decode(items), nil
}

// Peek retrieves up to limit feedback entries without removing them.
// Returns oldest entries first (from tail of list).
func (s *FeedbackStore) Peek(ctx context.Context, limit int) ([]queue.TokenFeedback, error) {
	if limit <= 0 {
		limit = 100
	}

	items, err := s.client.LRange(ctx, s.key, -int64(limit), -1).Result()
	if err != nil {
		return nil, err
	}
	return decode(items), nil
}

// decode turns list items, newest first, into feedback oldest first.
func decode(items []string) []queue.TokenFeedback {
	result := make([]queue.TokenFeedback, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		var feedback queue.TokenFeedback
		if err := json.Unmarshal([]byte(items[i]), &feedback); err != nil {
			slog.Warn("Failed to unmarshal feedback entry", "error", err)
			continue
		}
		result = append(result, feedback)
	}
	return result
}

// Len returns the number of feedback entries in the store.
func (s *FeedbackStore) Len(ctx context.Context) (int64, error) {
	return s.client.LLen(ctx, s.key).Result()
}

// Close closes the Redis client connection.
func (s *FeedbackStore) Close() error {
	return s.client.Close()
}

// Ensure FeedbackStore implements queue.FeedbackStore
var _ queue.FeedbackStore = (*FeedbackStore)(nil)
