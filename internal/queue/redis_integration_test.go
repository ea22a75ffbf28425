//go:build integration

package queue

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attest/pkg/platform/sentinel"
	"attest/pkg/testutil/containers"
)

func newRedisQueue(t *testing.T, window time.Duration) *Redis {
	t.Helper()
	rc := containers.NewRedisContainer(t)
	return NewRedis(rc.Client, "itest", window, 14*24*time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRedisQueueRoundTrip(t *testing.T) {
	q := newRedisQueue(t, time.Minute)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, Request{Subject: "u1", Action: "join", Signal: "sig"})
	require.NoError(t, err)

	delivery, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, delivery)
	assert.Equal(t, id, delivery.Request.ID)
	assert.Equal(t, "u1", delivery.Request.Subject)
	assert.Equal(t, id, delivery.Token)

	require.NoError(t, q.Ack(ctx, delivery.Token))

	// Nothing left: not on ingress, not dead-lettered.
	next, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)
	letters, err := q.List(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestRedisQueueEmptyReceive(t *testing.T) {
	q := newRedisQueue(t, time.Minute)

	delivery, err := q.Receive(context.Background())
	require.NoError(t, err)
	assert.Nil(t, delivery)
}

func TestRedisQueueExpiredDeliveryDeadLetters(t *testing.T) {
	q := newRedisQueue(t, 50*time.Millisecond)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, Request{Subject: "u1", Action: "join"})
	require.NoError(t, err)

	delivery, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, delivery)

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, q.Sweep(ctx))

	// Single attempt spent: dead-lettered, not redelivered.
	next, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)

	letters, err := q.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, id, letters[0].Request.ID)
	assert.Equal(t, WindowExpiredReason, letters[0].Reason)

	// A late ack is rejected.
	err = q.Ack(ctx, delivery.Token)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestRedisQueueReplay(t *testing.T) {
	q := newRedisQueue(t, 50*time.Millisecond)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, Request{Subject: "u1", Action: "join"})
	require.NoError(t, err)
	_, err = q.Receive(ctx)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, q.Sweep(ctx))

	require.NoError(t, q.Replay(ctx, id))

	delivery, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, delivery)
	assert.Equal(t, id, delivery.Request.ID)

	letters, err := q.List(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestRedisQueueSweepReArmsDeliveryWithoutDeadline(t *testing.T) {
	rc := containers.NewRedisContainer(t)
	q := NewRedis(rc.Client, "itest", 50*time.Millisecond, 14*24*time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	id, err := q.Enqueue(ctx, Request{Subject: "u1", Action: "join"})
	require.NoError(t, err)

	// A receive that died right after moving the request in flight leaves it
	// in the inflight list with no deadline entry.
	moved, err := rc.Client.LMove(ctx, q.pendingKey(), q.inflightKey(), "RIGHT", "LEFT").Result()
	require.NoError(t, err)
	require.Equal(t, id, moved)

	// The first sweep arms a fresh window; once it expires the request lands
	// in the dead-letter queue instead of staying stranded.
	require.NoError(t, q.Sweep(ctx))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, q.Sweep(ctx))

	letters, err := q.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, id, letters[0].Request.ID)
	assert.Equal(t, "u1", letters[0].Request.Subject)
	assert.Equal(t, WindowExpiredReason, letters[0].Reason)
}

func TestRedisQueueAckRemovesAllDeliveryState(t *testing.T) {
	rc := containers.NewRedisContainer(t)
	q := NewRedis(rc.Client, "itest", time.Minute, 14*24*time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Request{Subject: "u1", Action: "join"})
	require.NoError(t, err)
	delivery, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, delivery)
	require.NoError(t, q.Ack(ctx, delivery.Token))

	// No orphaned payload, in-flight entry, or deadline survives the ack.
	for _, key := range []string{q.messagesKey(), q.inflightKey(), q.deadlinesKey()} {
		n, err := rc.Client.Exists(ctx, key).Result()
		require.NoError(t, err)
		assert.Zero(t, n, key)
	}
}

func TestRedisQueueReplayUnknown(t *testing.T) {
	q := newRedisQueue(t, time.Minute)
	err := q.Replay(context.Background(), "missing")
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}
