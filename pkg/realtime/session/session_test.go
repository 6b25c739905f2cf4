package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/routepilot/gateway/pkg/clock"
	"github.com/routepilot/gateway/pkg/kv"
	"github.com/routepilot/gateway/pkg/realtime/session"
	"github.com/routepilot/gateway/pkg/realtime/types"
)

// fakeTransport is an in-memory session.Transport for tests.
type fakeTransport struct {
	mu      sync.Mutex
	written [][]byte
	closed  bool
	failing bool
}

func (f *fakeTransport) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return assertErr
	}
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) { return 0, nil, nil }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) messages() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.written))
	copy(out, f.written)
	return out
}

type fakeErr struct{}

func (fakeErr) Error() string { return "write failed" }

var assertErr error = fakeErr{}

func TestConnect_TracksActiveConnections(t *testing.T) {
	store := kv.NewMemoryStore()
	c := clock.NewFake(time.Unix(1000, 0))
	m := session.New(store, c, nil, nil, nil)

	id, err := m.Connect(context.Background(), &fakeTransport{}, "t1", "")
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Equal(t, 1, m.Statistics().ActiveConnections)
}

func TestEnqueueAndPump_DeliversMessage(t *testing.T) {
	store := kv.NewMemoryStore()
	c := clock.NewFake(time.Unix(1000, 0))
	m := session.New(store, c, nil, nil, nil)

	transport := &fakeTransport{}
	id, err := m.Connect(context.Background(), transport, "t1", "c1")
	require.NoError(t, err)

	require.True(t, m.Enqueue(context.Background(), id, map[string]string{"hello": "world"}, types.KindIntermediate, false, 0))

	ctx := context.Background()
	m.Start(ctx)
	defer m.Stop(ctx)

	require.Eventually(t, func() bool {
		return len(transport.messages()) == 1
	}, time.Second, 5*time.Millisecond)

	var envelope map[string]any
	require.NoError(t, json.Unmarshal(transport.messages()[0], &envelope))
	require.Equal(t, "intermediate", envelope["kind"])
}

func TestDisconnect_PersistsRemainingQueue(t *testing.T) {
	store := kv.NewMemoryStore()
	c := clock.NewFake(time.Unix(1000, 0))
	m := session.New(store, c, nil, nil, nil)

	transport := &fakeTransport{}
	ctx := context.Background()
	id, err := m.Connect(ctx, transport, "t1", "c1")
	require.NoError(t, err)

	require.True(t, m.Enqueue(ctx, id, "payload", types.KindIntermediate, false, 0))
	m.Disconnect(ctx, id)
	require.True(t, transport.closed)
	require.Equal(t, 0, m.Statistics().ActiveConnections)

	raw, err := store.LRange(ctx, "realtime:queue:t1:c1", 0, -1)
	require.NoError(t, err)
	require.Len(t, raw, 1)
}

func TestHandleInboundText_AckUpdatesQueueState(t *testing.T) {
	store := kv.NewMemoryStore()
	c := clock.NewFake(time.Unix(1000, 0))
	m := session.New(store, c, nil, nil, nil)

	ctx := context.Background()
	id, err := m.Connect(ctx, &fakeTransport{}, "t1", "c1")
	require.NoError(t, err)

	ack, _ := json.Marshal(map[string]any{"type": "ack", "sequence": 3})
	m.HandleInboundText(ctx, id, ack)

	stats := m.TenantStatistics("t1")
	require.Len(t, stats.Connections, 1)
	require.Equal(t, int64(3), stats.Connections[0].LastAckSeq)
}

func TestHandleInboundText_OtherFramesReachHandler(t *testing.T) {
	store := kv.NewMemoryStore()
	c := clock.NewFake(time.Unix(1000, 0))

	var got []byte
	m := session.New(store, c, nil, nil, func(_ context.Context, connectionID, tenantID string, raw []byte) {
		got = raw
	})

	ctx := context.Background()
	id, err := m.Connect(ctx, &fakeTransport{}, "t1", "c1")
	require.NoError(t, err)

	frame, _ := json.Marshal(map[string]any{"type": "chat", "content": "hi"})
	m.HandleInboundText(ctx, id, frame)
	require.Equal(t, frame, got)
}
