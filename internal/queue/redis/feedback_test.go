package redis

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattstrayer/bulkpush/internal/queue"
)

// newTestStore connects to the Redis at REDIS_ADDR, using a throwaway key.
func newTestStore(t *testing.T) *FeedbackStore {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	s := NewFeedbackStore(client)
	s.key = "bulkpush:test:" + t.Name()
	ctx := context.Background()
	require.NoError(t, client.Del(ctx, s.key).Err())
	t.Cleanup(func() {
		client.Del(context.Background(), s.key)
		s.Close()
	})
	return s
}

func TestFeedbackStoreFIFO(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Push(ctx,
		queue.TokenFeedback{Token: "a", Reason: queue.ReasonInvalid},
		queue.TokenFeedback{Token: "b", Reason: queue.ReasonInvalid},
	))
	require.NoError(t, s.Push(ctx, queue.TokenFeedback{Token: "c", Reason: queue.ReasonInvalid}))

	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	peeked, err := s.Peek(ctx, 2)
	require.NoError(t, err)
	require.Len(t, peeked, 2)
	assert.Equal(t, "a", peeked[0].Token)
	assert.Equal(t, "b", peeked[1].Token)

	popped, err := s.Pop(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, peeked, popped)

	n, err = s.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestDecodeSkipsGarbage(t *testing.T) {
	got := decode([]string{`{"token":"new"}`, "not json", `{"token":"old"}`})
	require.Len(t, got, 2)
	assert.Equal(t, "old", got[0].Token)
	assert.Equal(t, "new", got[1].Token)
}
