// Package types defines the data model shared by the realtime backpressure
// pipeline: outbound messages and per-connection state.
package types

import "time"

// MessageKind classifies an OutboundMessage for backpressure and metrics
// purposes.
type MessageKind string

const (
	KindIntermediate MessageKind = "intermediate"
	KindFinal        MessageKind = "final"
	KindHeartbeat    MessageKind = "heartbeat"
	KindResume       MessageKind = "resume"
)

// DropReason labels why an intermediate message never reached the wire, for
// the ws_backpressure_drops_total{tenant,reason} metric.
type DropReason string

const (
	DropQueueFull   DropReason = "queue_full"
	DropSlowClient  DropReason = "slow_client"
	DropAgedOut     DropReason = "aged_out"
)

// OutboundMessage is one unit of outbound traffic queued for a connection.
type OutboundMessage struct {
	MessageID      string
	ConnectionID   string
	TenantID       string
	Kind           MessageKind
	Payload        any
	Priority       int
	SequenceNumber int64
	IsFinal        bool
	EnqueuedAt     time.Time
}

// ConnectionState tracks a single logical connection's queue and liveness
// bookkeeping. It is owned exclusively by the Session Manager task driving
// that connection — see pkg/realtime/session.
type ConnectionState struct {
	ConnectionID string
	TenantID     string

	QueueSize     int
	MaxQueueSize  int
	DropThreshold int

	LastSentSeq int64
	LastAckSeq  int64

	Slow bool

	LastActivityAt time.Time
	LastAckAt      time.Time

	DroppedCount int64
	SentCount    int64
}

// DefaultMaxQueueSize and DefaultDropThreshold mirror the Python source's
// ConnectionState defaults (backpressure_manager.py).
const (
	DefaultMaxQueueSize  = 100
	DefaultDropThreshold = 80
)

// SlowClientThreshold is the no-ack duration after which a connection is
// marked slow.
const SlowClientThreshold = 1000 * time.Millisecond

// NewConnectionState constructs a ConnectionState with spec defaults.
func NewConnectionState(connectionID, tenantID string, now time.Time) *ConnectionState {
	return &ConnectionState{
		ConnectionID:   connectionID,
		TenantID:       tenantID,
		MaxQueueSize:   DefaultMaxQueueSize,
		DropThreshold:  DefaultDropThreshold,
		LastActivityAt: now,
		LastAckAt:      now,
	}
}

// Valid reports whether the core connection-state invariants hold:
// last_acked_seq ≤ last_sent_seq and queue_size ≤ max_queue_size.
func (c *ConnectionState) Valid() bool {
	return c.LastAckSeq <= c.LastSentSeq && c.QueueSize <= c.MaxQueueSize
}
