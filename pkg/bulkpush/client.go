package bulkpush

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// FeedbackKey is the Redis list bulkpush publishes retired tokens to.
const FeedbackKey = "bulkpush:feedback"

// InvalidToken is a device token the gateway permanently rejected.
type InvalidToken struct {
	Service   string `json:"service"`
	Token     string `json:"token"`
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp"`
}

// Client ...
type Client interface {
	// InvalidTokens pops up to limit retired tokens, oldest first.
	InvalidTokens(ctx context.Context, limit int) ([]InvalidToken, error)
	Close() error
}

type redisClient struct {
	client *redis.Client
}

// NewRedisClient ...
func NewRedisClient(redisURL string) (Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	// Configure connection timeouts
	opt.ReadTimeout = 10 * time.Second  // Timeout for read operations
	opt.WriteTimeout = 10 * time.Second // Timeout for write operations
	opt.DialTimeout = 5 * time.Second   // Timeout for establishing connections

	return &redisClient{
		client: redis.NewClient(opt),
	}, nil
}

// InvalidTokens ...
func (rc *redisClient) InvalidTokens(ctx context.Context, limit int) ([]InvalidToken, error) {
	if limit <= 0 {
		limit = 100
	}
	var items *redis.StringSliceCmd
	_, err := rc.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		items = pipe.LRange(ctx, FeedbackKey, -int64(limit), -1)
		pipe.LTrim(ctx, FeedbackKey, 0, -int64(limit+1))
		return nil
	})
	if err != nil {
		return nil, err
	}

	values := items.Val()
	tokens := make([]InvalidToken, 0, len(values))
	for i := len(values) - 1; i >= 0; i-- {
		var t InvalidToken
		if err := json.Unmarshal([]byte(values[i]), &t); err != nil {
			continue
		}
		tokens = append(tokens, t)
	}
	return tokens, nil
}

// Close ...
func (rc *redisClient) Close() error {
	return rc.client.Close()
}
