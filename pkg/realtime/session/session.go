// Package session implements the Session Manager: it
// accepts bidirectional client sessions over gorilla/websocket, owns each
// connection's ConnectionState and queue.Queue exclusively, pumps outbound
// messages on a fixed cadence, and enforces liveness via heartbeats.
//
// Grounded on apps/realtime/core/websocket_manager.py: connect/disconnect
// bookkeeping, a background message-processor loop, and a ping monitor with
// the same 30s/60s heartbeat cadence.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/routepilot/gateway/internal/observability"
	"github.com/routepilot/gateway/pkg/clock"
	"github.com/routepilot/gateway/pkg/kv"
	"github.com/routepilot/gateway/pkg/realtime/queue"
	"github.com/routepilot/gateway/pkg/realtime/types"
)

// pumpCadence is the fixed interval at which the background pump wakes and
// drains each connection's queue.
const pumpCadence = 20 * time.Millisecond

// messagesPerTick bounds how many messages the pump drains per connection
// per wake, to avoid a single busy connection starving the rest.
const messagesPerTick = 10

// heartbeatSilence is how long a connection may go without outbound
// traffic before a heartbeat frame is pushed.
const heartbeatSilence = 30 * time.Second

// staleAfter is how long a connection may go without a pong before it is
// closed as stale.
const staleAfter = 60 * time.Second

// idleReapAfter is the inactivity limit of the coarser sweep from cleanup_expired_connections
// in the Python source: connections with no activity at all for this long
// are force-closed, distinct from the heartbeat-driven staleAfter check.
const idleReapAfter = 30 * time.Minute

// Transport abstracts the wire connection so tests can substitute a fake.
// gorilla/websocket.Conn satisfies it directly.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// MetricsSink receives Session Manager metrics against the ws_* label set.
// internal/routermetrics provides the Prometheus-backed implementation.
type MetricsSink interface {
	SetActiveConnections(tenantID string, n int)
	RecordMessageSent(tenantID string, kind types.MessageKind)
	RecordBackpressureDrop(tenantID string, reason types.DropReason)
	RecordSendError(tenantID string)
	SetQueueSize(tenantID, connectionID string, size int)
}

type nopMetrics struct{}

func (nopMetrics) SetActiveConnections(string, int)                    {}
func (nopMetrics) RecordMessageSent(string, types.MessageKind)         {}
func (nopMetrics) RecordBackpressureDrop(string, types.DropReason)     {}
func (nopMetrics) RecordSendError(string)                              {}
func (nopMetrics) SetQueueSize(string, string, int)                    {}

// InboundHandler is invoked for any inbound frame the Session Manager does
// not handle directly (everything other than ack/ping/pong).
type InboundHandler func(ctx context.Context, connectionID, tenantID string, raw []byte)

type connection struct {
	id       string
	tenantID string
	conn     Transport
	state    *types.ConnectionState
	queue    *queue.Queue

	mu          sync.Mutex
	closed      bool
	lastOutbound time.Time
	lastPong    time.Time
}

// Manager owns every active connection's ConnectionState and queue.Queue
// and drives the background pump and liveness sweeps.
type Manager struct {
	store   kv.Store
	clock   clock.Clock
	logger  *observability.Logger
	metrics MetricsSink
	onFrame InboundHandler

	mu          sync.Mutex
	connections map[string]*connection
	tenantIndex map[string]map[string]struct{}

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Manager. metrics and onFrame may be nil.
func New(store kv.Store, c clock.Clock, logger *observability.Logger, metrics MetricsSink, onFrame InboundHandler) *Manager {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if onFrame == nil {
		onFrame = func(context.Context, string, string, []byte) {}
	}
	return &Manager{
		store:       store,
		clock:       c,
		logger:      logger,
		metrics:     metrics,
		onFrame:     onFrame,
		connections: make(map[string]*connection),
		tenantIndex: make(map[string]map[string]struct{}),
		stop:        make(chan struct{}),
	}
}

// Connect registers a new session, restoring any persisted queue for the
// given connectionID (the resume-on-reconnect path). If connectionID is
// empty a fresh one is generated.
func (m *Manager) Connect(ctx context.Context, transport Transport, tenantID, connectionID string) (string, error) {
	if connectionID == "" {
		connectionID = uuid.NewString()
	}

	now := m.clock.Now()
	state := types.NewConnectionState(connectionID, tenantID, now)
	conn := &connection{
		id:           connectionID,
		tenantID:     tenantID,
		conn:         transport,
		state:        state,
		lastOutbound: now,
		lastPong:     now,
	}
	conn.queue = queue.New(state, m.store, m.clock, m.logger, func(tid string, reason types.DropReason) {
		m.metrics.RecordBackpressureDrop(tid, reason)
	})

	if err := conn.queue.Restore(ctx); err != nil && m.logger != nil {
		m.logger.RedactedWarn("failed to restore connection queue", "connection_id", connectionID, "error", err)
	}

	m.mu.Lock()
	m.connections[connectionID] = conn
	if m.tenantIndex[tenantID] == nil {
		m.tenantIndex[tenantID] = make(map[string]struct{})
	}
	m.tenantIndex[tenantID][connectionID] = struct{}{}
	active := len(m.tenantIndex[tenantID])
	m.mu.Unlock()

	m.metrics.SetActiveConnections(tenantID, active)
	return connectionID, nil
}

// Disconnect closes and unregisters a connection, persisting its remaining
// queue first.
func (m *Manager) Disconnect(ctx context.Context, connectionID string) {
	m.mu.Lock()
	conn, ok := m.connections[connectionID]
	if ok {
		delete(m.connections, connectionID)
		if idx := m.tenantIndex[conn.tenantID]; idx != nil {
			delete(idx, connectionID)
			if len(idx) == 0 {
				delete(m.tenantIndex, conn.tenantID)
			}
		}
	}
	active := 0
	if ok {
		active = len(m.tenantIndex[conn.tenantID])
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	conn.mu.Lock()
	conn.closed = true
	conn.mu.Unlock()

	_ = conn.queue.Persist(ctx)
	_ = conn.conn.Close()

	m.metrics.SetActiveConnections(conn.tenantID, active)
}

// Enqueue queues an outbound message for delivery on connectionID; see
// queue.Queue.Enqueue for the drop semantics.
func (m *Manager) Enqueue(ctx context.Context, connectionID string, payload any, kind types.MessageKind, isFinal bool, priority int) bool {
	m.mu.Lock()
	conn, ok := m.connections[connectionID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return conn.queue.Enqueue(ctx, payload, kind, isFinal, priority)
}

// BroadcastTenant enqueues payload on every connection belonging to
// tenantID, excluding exclude if non-empty, and returns the number of
// connections the message was accepted on.
func (m *Manager) BroadcastTenant(ctx context.Context, tenantID string, payload any, kind types.MessageKind, exclude string) int {
	m.mu.Lock()
	ids := make([]string, 0, len(m.tenantIndex[tenantID]))
	for id := range m.tenantIndex[tenantID] {
		if id != exclude {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	sent := 0
	for _, id := range ids {
		if m.Enqueue(ctx, id, payload, kind, false, 0) {
			sent++
		}
	}
	return sent
}

// Start launches the background pump and liveness sweep goroutines. It
// must be called once; Stop shuts them down.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(2)
	go m.pumpLoop(ctx)
	go m.livenessLoop(ctx)
}

// Stop signals the background goroutines to exit and, within a 10s budget,
// persists every remaining connection's queue for cooperative shutdown.
func (m *Manager) Stop(ctx context.Context) {
	close(m.stop)
	m.wg.Wait()

	drainCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	m.mu.Lock()
	ids := make([]string, 0, len(m.connections))
	for id := range m.connections {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Disconnect(drainCtx, id)
	}
}

func (m *Manager) pumpLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(pumpCadence)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pumpOnce(ctx)
		}
	}
}

func (m *Manager) pumpOnce(ctx context.Context) {
	m.mu.Lock()
	conns := make([]*connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, conn := range conns {
		m.drainConnection(ctx, conn)
	}
}

func (m *Manager) drainConnection(ctx context.Context, conn *connection) {
	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		return
	}
	conn.mu.Unlock()

	for i := 0; i < messagesPerTick; i++ {
		msg, ok := conn.queue.Dequeue(ctx)
		if !ok {
			break
		}

		if !m.writeMessage(conn, msg) {
			m.Disconnect(ctx, conn.id)
			return
		}

		conn.queue.MarkSent(msg.SequenceNumber)
		m.metrics.RecordMessageSent(conn.tenantID, msg.Kind)

		conn.mu.Lock()
		conn.lastOutbound = m.clock.Now()
		conn.mu.Unlock()
	}

	m.metrics.SetQueueSize(conn.tenantID, conn.id, conn.queue.Size())
}

type wireEnvelope struct {
	ID        string               `json:"id"`
	Kind      types.MessageKind    `json:"kind"`
	Sequence  int64                `json:"sequence"`
	Timestamp time.Time            `json:"timestamp"`
	Data      any                  `json:"data"`
	IsFinal   bool                 `json:"is_final"`
	TenantID  string               `json:"tenant_id"`
}

func (m *Manager) writeMessage(conn *connection, msg *types.OutboundMessage) bool {
	envelope := wireEnvelope{
		ID:        msg.MessageID,
		Kind:      msg.Kind,
		Sequence:  msg.SequenceNumber,
		Timestamp: msg.EnqueuedAt,
		Data:      msg.Payload,
		IsFinal:   msg.IsFinal,
		TenantID:  msg.TenantID,
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return false
	}

	if err := conn.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		m.metrics.RecordSendError(conn.tenantID)
		if m.logger != nil {
			m.logger.RedactedWarn("websocket send failed", "connection_id", conn.id, "error", err)
		}
		return false
	}
	return true
}

// HandleInboundText dispatches a raw inbound text frame: ack/ping/pong are
// handled directly ; everything else is passed to the
// configured InboundHandler.
func (m *Manager) HandleInboundText(ctx context.Context, connectionID string, raw []byte) {
	m.mu.Lock()
	conn, ok := m.connections[connectionID]
	m.mu.Unlock()
	if !ok {
		return
	}

	var frame struct {
		Type     string `json:"type"`
		Sequence int64  `json:"sequence"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}

	switch frame.Type {
	case "ack":
		conn.queue.Ack(frame.Sequence)
		conn.queue.CheckSlow()
	case "ping":
		conn.queue.Enqueue(ctx, map[string]string{"type": "pong"}, types.KindHeartbeat, false, 0)
	case "pong":
		conn.mu.Lock()
		conn.lastPong = m.clock.Now()
		conn.mu.Unlock()
	default:
		m.onFrame(ctx, connectionID, conn.tenantID, raw)
	}
}

func (m *Manager) livenessLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepLiveness(ctx)
		}
	}
}

func (m *Manager) sweepLiveness(ctx context.Context) {
	now := m.clock.Now()

	m.mu.Lock()
	conns := make([]*connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, conn := range conns {
		conn.queue.CheckSlow()

		conn.mu.Lock()
		sinceOutbound := now.Sub(conn.lastOutbound)
		sincePong := now.Sub(conn.lastPong)
		sinceActivity := now.Sub(conn.state.LastActivityAt)
		conn.mu.Unlock()

		if sinceActivity > idleReapAfter {
			m.Disconnect(ctx, conn.id)
			continue
		}

		if sincePong > staleAfter {
			if m.logger != nil {
				m.logger.RedactedWarn("connection stale, disconnecting", "connection_id", conn.id)
			}
			m.Disconnect(ctx, conn.id)
			continue
		}

		if sinceOutbound > heartbeatSilence {
			conn.queue.Enqueue(ctx, map[string]string{"type": "ping"}, types.KindHeartbeat, false, 0)
		}
	}
}

// Statistics summarizes current Session Manager state, mirroring the
// Python source's get_overall_stats.
type Statistics struct {
	ActiveConnections int
	TenantCount       int
}

func (m *Manager) Statistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Statistics{
		ActiveConnections: len(m.connections),
		TenantCount:       len(m.tenantIndex),
	}
}

// ConnectionDetail is the per-connection snapshot returned by
// TenantStatistics, mirroring the Python source's get_metrics.
type ConnectionDetail struct {
	ConnectionID string
	QueueSize    int
	Slow         bool
	LastSentSeq  int64
	LastAckSeq   int64
}

// TenantStatistics summarizes Session Manager state for a single tenant,
// mirroring the Python source's get_metrics: active connections, total
// queue depth, slow-connection count, and per-connection detail. Backs the
// get_statistics(tenant_id) administrative operation.
type TenantStatistics struct {
	TenantID          string
	ActiveConnections int
	TotalQueueSize    int
	SlowConnections   int
	Connections       []ConnectionDetail
}

func (m *Manager) TenantStatistics(tenantID string) TenantStatistics {
	m.mu.Lock()
	ids := make([]string, 0, len(m.tenantIndex[tenantID]))
	for id := range m.tenantIndex[tenantID] {
		ids = append(ids, id)
	}
	conns := make([]*connection, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.connections[id]; ok {
			conns = append(conns, c)
		}
	}
	m.mu.Unlock()

	stats := TenantStatistics{TenantID: tenantID, ActiveConnections: len(conns)}
	for _, conn := range conns {
		snap := conn.queue.Snapshot()
		detail := ConnectionDetail{
			ConnectionID: conn.id,
			QueueSize:    snap.QueueSize,
			Slow:         snap.Slow,
			LastSentSeq:  snap.LastSentSeq,
			LastAckSeq:   snap.LastAckSeq,
		}

		stats.TotalQueueSize += snap.QueueSize
		if snap.Slow {
			stats.SlowConnections++
		}
		stats.Connections = append(stats.Connections, detail)
	}
	return stats
}
