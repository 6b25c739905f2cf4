package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/routepilot/gateway/pkg/clock"
	"github.com/routepilot/gateway/pkg/kv"
	"github.com/routepilot/gateway/pkg/realtime/queue"
	"github.com/routepilot/gateway/pkg/realtime/types"
)

func newQueue(t *testing.T, store kv.Store, c clock.Clock) (*queue.Queue, *types.ConnectionState) {
	t.Helper()
	state := types.NewConnectionState("c1", "t1", c.Now())
	q := queue.New(state, store, c, nil, nil)
	return q, state
}

func TestEnqueueDequeue_PreservesOrder(t *testing.T) {
	c := clock.NewFake(time.Unix(1000, 0))
	q, _ := newQueue(t, kv.NewMemoryStore(), c)

	for i := 0; i < 5; i++ {
		ok := q.Enqueue(context.Background(), i, types.KindIntermediate, false, 0)
		require.True(t, ok)
	}

	for i := 0; i < 5; i++ {
		msg, ok := q.Dequeue(context.Background())
		require.True(t, ok)
		require.Equal(t, int64(i), msg.SequenceNumber)
		require.Equal(t, i, msg.Payload)
	}

	_, ok := q.Dequeue(context.Background())
	require.False(t, ok)
}

// TestFinalMessageNeverDropped checks that a final message is never
// dropped, even when it must evict an oldest intermediate over the cap.
func TestFinalMessageNeverDropped(t *testing.T) {
	c := clock.NewFake(time.Unix(1000, 0))
	q, state := newQueue(t, kv.NewMemoryStore(), c)
	state.MaxQueueSize = 3
	state.DropThreshold = 100 // disable the intermediate drop rule for this test

	for i := 0; i < 3; i++ {
		require.True(t, q.Enqueue(context.Background(), i, types.KindIntermediate, false, 0))
	}
	// queue_size (3) is not yet > max_queue_size (3), so no eviction happens
	// on this enqueue; push one more over the cap first.
	require.True(t, q.Enqueue(context.Background(), 3, types.KindIntermediate, false, 0))

	ok := q.Enqueue(context.Background(), "done", types.KindFinal, true, 0)
	require.True(t, ok)

	msg, ok := q.Dequeue(context.Background())
	require.True(t, ok)
	require.Equal(t, 1, msg.Payload) // oldest (seq 0) evicted to make room
}

func TestIntermediateDropped_WhenSlow(t *testing.T) {
	c := clock.NewFake(time.Unix(1000, 0))
	q, state := newQueue(t, kv.NewMemoryStore(), c)
	state.Slow = true

	var droppedReason types.DropReason
	q2 := queue.New(state, kv.NewMemoryStore(), c, nil, func(tenantID string, reason types.DropReason) {
		droppedReason = reason
	})

	ok := q2.Enqueue(context.Background(), "x", types.KindIntermediate, false, 0)
	require.False(t, ok)
	require.Equal(t, types.DropSlowClient, droppedReason)
	_ = q
}

func TestIntermediateDropped_WhenQueueFull(t *testing.T) {
	c := clock.NewFake(time.Unix(1000, 0))
	state := types.NewConnectionState("c1", "t1", c.Now())
	state.DropThreshold = 2

	var droppedReason types.DropReason
	q := queue.New(state, kv.NewMemoryStore(), c, nil, func(_ string, reason types.DropReason) { droppedReason = reason })

	// Drops start once the queue holds more than DropThreshold messages.
	for i := 0; i < 3; i++ {
		require.True(t, q.Enqueue(context.Background(), i, types.KindIntermediate, false, 0))
	}
	ok := q.Enqueue(context.Background(), "over", types.KindIntermediate, false, 0)
	require.False(t, ok)
	require.Equal(t, types.DropQueueFull, droppedReason)
}

func TestDequeue_DropsAgedOutIntermediate(t *testing.T) {
	c := clock.NewFake(time.Unix(1000, 0))
	q, _ := newQueue(t, kv.NewMemoryStore(), c)

	require.True(t, q.Enqueue(context.Background(), "old", types.KindIntermediate, false, 0))
	c.Advance(6 * time.Minute)
	require.True(t, q.Enqueue(context.Background(), "fresh", types.KindIntermediate, false, 0))

	msg, ok := q.Dequeue(context.Background())
	require.True(t, ok)
	require.Equal(t, "fresh", msg.Payload)
}

// TestOverflowSpillAndRestore enqueues more than max_memory_size, persists
// the connection, then restores it and verifies delivery order is
// preserved end to end.
func TestOverflowSpillAndRestore(t *testing.T) {
	c := clock.NewFake(time.Unix(1000, 0))
	store := kv.NewMemoryStore()
	state := types.NewConnectionState("c1", "t1", c.Now())
	state.MaxQueueSize = 1000
	state.DropThreshold = 1000
	q := queue.New(state, store, c, nil, nil)

	const n = 60
	for i := 0; i < n; i++ {
		require.True(t, q.Enqueue(context.Background(), i, types.KindIntermediate, false, 0))
	}

	require.NoError(t, q.Persist(context.Background()))

	state2 := types.NewConnectionState("c1", "t1", c.Now())
	q2 := queue.New(state2, store, c, nil, nil)
	require.NoError(t, q2.Restore(context.Background()))

	for i := 0; i < n; i++ {
		msg, ok := q2.Dequeue(context.Background())
		require.True(t, ok, "expected message %d", i)
		require.Equal(t, i, msg.Payload)
	}
	_, ok := q2.Dequeue(context.Background())
	require.False(t, ok)
}

func TestAck_ClearsSlowFlag(t *testing.T) {
	c := clock.NewFake(time.Unix(1000, 0))
	q, state := newQueue(t, kv.NewMemoryStore(), c)
	state.Slow = true
	q.Ack(5)
	require.False(t, state.Slow)
	require.Equal(t, int64(5), state.LastAckSeq)
}

func TestCheckSlow_FlagsAfterThreshold(t *testing.T) {
	c := clock.NewFake(time.Unix(1000, 0))
	q, state := newQueue(t, kv.NewMemoryStore(), c)
	q.MarkSent(1)
	c.Advance(1100 * time.Millisecond)
	q.CheckSlow()
	require.True(t, state.Slow)
}
