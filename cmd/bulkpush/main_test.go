package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattstrayer/bulkpush/internal/queue/memory"
)

func TestNewFeedbackStore(t *testing.T) {
	host, addr := *redisHost, *apiAddr
	t.Cleanup(func() { *redisHost, *apiAddr = host, addr })
	*redisHost = ""

	*apiAddr = ""
	fs, err := newFeedbackStore()
	require.NoError(t, err)
	assert.Nil(t, fs)

	*apiAddr = "127.0.0.1:0"
	fs, err = newFeedbackStore()
	require.NoError(t, err)
	assert.IsType(t, &memory.FeedbackStore{}, fs)
}

func TestRunWithoutFeedbackStore(t *testing.T) {
	store := &fakeStore{shards: map[int][]string{0: {tok("0")}}}
	d := &rejectingDeliverer{bad: map[string]bool{tok("0"): true}}
	disp, _ := newTestDispatcher(t, store, d)
	disp.feedback = nil

	require.NoError(t, disp.run(context.Background(), invocation{Profile: "prod_m"}))
	assert.Equal(t, []string{tok("0")}, store.invalid)
}
