// Package queue implements the Per-Connection Outbound Queue + Backpressure
// Policy, grounded on the Python apps/realtime/core/backpressure_manager.py
// source: a bounded in-memory FIFO per connection with overflow spill into
// a durable KV store, drop rules for intermediate messages, and
// resume-on-reconnect.
package queue

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/routepilot/gateway/internal/observability"
	"github.com/routepilot/gateway/pkg/clock"
	"github.com/routepilot/gateway/pkg/kv"
	"github.com/routepilot/gateway/pkg/realtime/types"
)

// kvTimeout bounds every spill/restore call against the KV store.
const kvTimeout = 200 * time.Millisecond

// maxMemorySize is the in-memory queue depth above which the oldest half is
// spilled to the KV store.
const maxMemorySize = 50

// spillTTL is the TTL applied to a connection's spilled queue key.
const spillTTL = 3600 * time.Second

// maxQueueAge is the maximum age an intermediate message may reach before
// it is dropped at dequeue time.
const maxQueueAge = 5 * time.Minute

// DropFunc is invoked once per dropped intermediate message, carrying the
// reason for the ws_backpressure_drops_total{tenant,reason} metric.
type DropFunc func(tenantID string, reason types.DropReason)

// Queue is a single connection's outbound queue. Every method takes mu
// while it reads or changes the in-memory queue and connection state, so
// the Session Manager may call it from its pump, liveness sweep and
// enqueue paths concurrently; KV store calls run outside the lock.
type Queue struct {
	connectionID string
	tenantID     string
	store        kv.Store
	clock        clock.Clock
	logger       *observability.Logger
	onDrop       DropFunc

	mu       sync.Mutex
	mem      *list.List // of *types.OutboundMessage
	nextSeq  int64
	state    *types.ConnectionState
}

func redisKey(tenantID, connectionID string) string {
	return "realtime:queue:" + tenantID + ":" + connectionID
}

// New constructs a Queue for a connection. state must be non-nil and is
// mutated in place by the queue's operations.
func New(state *types.ConnectionState, store kv.Store, c clock.Clock, logger *observability.Logger, onDrop DropFunc) *Queue {
	if onDrop == nil {
		onDrop = func(string, types.DropReason) {}
	}
	return &Queue{
		connectionID: state.ConnectionID,
		tenantID:     state.TenantID,
		store:        store,
		clock:        c,
		logger:       logger,
		onDrop:       onDrop,
		mem:          list.New(),
		state:        state,
	}
}

// Enqueue appends a message to the queue, applying the backpressure drop
// policy. It returns false if the message was dropped.
func (q *Queue) Enqueue(ctx context.Context, payload any, kind types.MessageKind, isFinal bool, priority int) bool {
	q.mu.Lock()

	seq := q.nextSeq
	q.nextSeq++

	msg := &types.OutboundMessage{
		MessageID:      q.connectionID + "_" + itoa(seq),
		ConnectionID:   q.connectionID,
		TenantID:       q.tenantID,
		Kind:           kind,
		Payload:        payload,
		Priority:       priority,
		SequenceNumber: seq,
		IsFinal:        isFinal,
		EnqueuedAt:     q.clock.Now(),
	}

	if isFinal || kind == types.KindFinal {
		q.pushFinal(msg)
		q.mu.Unlock()
		return true
	}

	if reason, drop := q.shouldDrop(msg); drop {
		q.state.DroppedCount++
		q.mu.Unlock()
		q.onDrop(q.tenantID, reason)
		return false
	}

	q.mem.PushBack(msg)
	q.state.QueueSize++
	overflow := q.mem.Len() > maxMemorySize
	q.mu.Unlock()

	if overflow {
		q.spillOverflow(ctx)
	}
	return true
}

// pushFinal enqueues a final message unconditionally, evicting the oldest
// intermediate message to make room if the queue is over max_queue_size.
// Caller holds q.mu.
func (q *Queue) pushFinal(msg *types.OutboundMessage) {
	if q.state.QueueSize > q.state.MaxQueueSize {
		for e := q.mem.Front(); e != nil; e = e.Next() {
			if m := e.Value.(*types.OutboundMessage); !m.IsFinal && m.Kind != types.KindFinal {
				q.mem.Remove(e)
				q.state.QueueSize--
				q.state.DroppedCount++
				break
			}
		}
	}
	q.mem.PushBack(msg)
	q.state.QueueSize++
}

// shouldDrop implements the intermediate-message drop rules. Caller holds
// q.mu.
func (q *Queue) shouldDrop(msg *types.OutboundMessage) (types.DropReason, bool) {
	if q.state.Slow {
		return types.DropSlowClient, true
	}
	if q.state.QueueSize > q.state.DropThreshold {
		return types.DropQueueFull, true
	}
	return "", false
}

// Dequeue returns the next message for this connection, preferring the
// in-memory queue and falling back to the KV store spill once memory is
// exhausted. It returns (nil, false) when there is nothing to deliver, and
// silently drops aged-out intermediate messages as it encounters them.
func (q *Queue) Dequeue(ctx context.Context) (*types.OutboundMessage, bool) {
	for {
		msg, ok := q.popMemory()
		if !ok {
			break
		}
		if q.isAgedOut(msg) {
			q.mu.Lock()
			q.state.DroppedCount++
			q.mu.Unlock()
			q.onDrop(q.tenantID, types.DropAgedOut)
			continue
		}
		return msg, true
	}

	msg, ok := q.popSpill(ctx)
	if !ok {
		return nil, false
	}
	if q.isAgedOut(msg) {
		q.mu.Lock()
		q.state.DroppedCount++
		q.mu.Unlock()
		q.onDrop(q.tenantID, types.DropAgedOut)
		return q.Dequeue(ctx)
	}
	return msg, true
}

func (q *Queue) isAgedOut(msg *types.OutboundMessage) bool {
	if msg.IsFinal || msg.Kind == types.KindFinal {
		return false
	}
	return q.clock.Now().Sub(msg.EnqueuedAt) > maxQueueAge
}

func (q *Queue) popMemory() (*types.OutboundMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.mem.Front()
	if e == nil {
		return nil, false
	}
	q.mem.Remove(e)
	q.state.QueueSize--
	return e.Value.(*types.OutboundMessage), true
}

// Ack records acknowledgement of seq and clears slow-client status.
func (q *Queue) Ack(seq int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.state.LastAckSeq = seq
	now := q.clock.Now()
	q.state.LastActivityAt = now
	q.state.LastAckAt = now
	q.state.Slow = false
}

// MarkSent records a successful delivery and advances last_sent_seq.
func (q *Queue) MarkSent(seq int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if seq > q.state.LastSentSeq {
		q.state.LastSentSeq = seq
	}
	q.state.SentCount++
}

// CheckSlow re-evaluates the slow-client condition against the current
// clock; called by the Session Manager's liveness sweep.
func (q *Queue) CheckSlow() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state.LastSentSeq == q.state.LastAckSeq {
		return
	}
	q.state.Slow = q.clock.Now().Sub(q.state.LastAckAt) > types.SlowClientThreshold
}

// Size returns the current queue depth: messages held in memory plus those
// spilled to the KV store and not yet dequeued.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state.QueueSize
}

// Snapshot returns a copy of the connection's current state, safe to read
// without holding the queue's internal lock.
func (q *Queue) Snapshot() types.ConnectionState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return *q.state
}

type wireMessage struct {
	MessageID      string          `json:"message_id"`
	ConnectionID   string          `json:"connection_id"`
	TenantID       string          `json:"tenant_id"`
	Kind           types.MessageKind `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	SequenceNumber int64           `json:"sequence_number"`
	IsFinal        bool            `json:"is_final"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
}

func encode(msg *types.OutboundMessage) (string, error) {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(wireMessage{
		MessageID:      msg.MessageID,
		ConnectionID:   msg.ConnectionID,
		TenantID:       msg.TenantID,
		Kind:           msg.Kind,
		Payload:        payload,
		Priority:       msg.Priority,
		SequenceNumber: msg.SequenceNumber,
		IsFinal:        msg.IsFinal,
		EnqueuedAt:     msg.EnqueuedAt,
	})
	return string(raw), err
}

func decode(raw string) (*types.OutboundMessage, error) {
	var w wireMessage
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, err
	}
	var payload any
	if len(w.Payload) > 0 {
		_ = json.Unmarshal(w.Payload, &payload)
	}
	return &types.OutboundMessage{
		MessageID:      w.MessageID,
		ConnectionID:   w.ConnectionID,
		TenantID:       w.TenantID,
		Kind:           w.Kind,
		Payload:        payload,
		Priority:       w.Priority,
		SequenceNumber: w.SequenceNumber,
		IsFinal:        w.IsFinal,
		EnqueuedAt:     w.EnqueuedAt,
	}, nil
}

// spillOverflow moves the oldest half of the in-memory queue to the KV
// store Spilled batches are LPushed in oldest-to-newest
// argument order, which (matching Redis's LPUSH multi-value semantics)
// leaves the oldest message at the tail of the durable list; popSpill then
// drains FIFO via RPop. A later, newer overflow batch is LPushed on top,
// landing nearer the head, so older spilled messages always reach the tail
// — and RPop — before newer ones.
func (q *Queue) spillOverflow(ctx context.Context) {
	if q.store == nil {
		return
	}

	q.mu.Lock()
	n := q.mem.Len() / 2
	encoded := make([]string, 0, n)
	for i := 0; i < n; i++ {
		e := q.mem.Front()
		if e == nil {
			break
		}
		q.mem.Remove(e)
		msg := e.Value.(*types.OutboundMessage)
		if raw, err := encode(msg); err == nil {
			encoded = append(encoded, raw)
		}
	}
	q.mu.Unlock()

	if len(encoded) == 0 {
		return
	}

	sctx, cancel := context.WithTimeout(ctx, kvTimeout)
	defer cancel()
	key := redisKey(q.tenantID, q.connectionID)
	_ = q.store.LPush(sctx, key, encoded...)
	_ = q.store.Expire(sctx, key, spillTTL)
}

// popSpill pops the oldest spilled message (the tail of the durable list,
// per spillOverflow's push order).
func (q *Queue) popSpill(ctx context.Context) (*types.OutboundMessage, bool) {
	if q.store == nil {
		return nil, false
	}
	sctx, cancel := context.WithTimeout(ctx, kvTimeout)
	defer cancel()
	raw, err := q.store.RPop(sctx, redisKey(q.tenantID, q.connectionID))
	if err != nil || raw == "" {
		return nil, false
	}
	q.mu.Lock()
	q.state.QueueSize--
	q.mu.Unlock()
	msg, err := decode(raw)
	if err != nil {
		return nil, false
	}
	return msg, true
}

// Persist flushes the entire in-memory queue to the KV store, for use on
// connection close.
func (q *Queue) Persist(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	q.mu.Lock()
	encoded := make([]string, 0, q.mem.Len())
	for e := q.mem.Front(); e != nil; e = e.Next() {
		msg := e.Value.(*types.OutboundMessage)
		if raw, err := encode(msg); err == nil {
			encoded = append(encoded, raw)
		}
	}
	q.mem.Init()
	q.mu.Unlock()

	if len(encoded) == 0 {
		return nil
	}

	sctx, cancel := context.WithTimeout(ctx, kvTimeout)
	defer cancel()
	key := redisKey(q.tenantID, q.connectionID)
	if err := q.store.LPush(sctx, key, encoded...); err != nil {
		return err
	}
	return q.store.Expire(sctx, key, spillTTL)
}

// Restore loads any previously persisted messages for this connection back
// into memory, in original order, and clears the durable key. This is the
// resume-on-reconnect path.
func (q *Queue) Restore(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	key := redisKey(q.tenantID, q.connectionID)

	sctx, cancel := context.WithTimeout(ctx, kvTimeout)
	raw, err := q.store.LRange(sctx, key, 0, -1)
	cancel()
	if err != nil {
		if err == kv.ErrNotFound {
			return nil
		}
		return err
	}
	if len(raw) == 0 {
		return nil
	}

	q.mu.Lock()
	// LRange returns head-to-tail, i.e. newest-to-oldest per the LPush
	// producer convention; walk it back-to-front to replay oldest-first.
	for i := len(raw) - 1; i >= 0; i-- {
		msg, decErr := decode(raw[i])
		if decErr != nil {
			continue
		}
		q.mem.PushBack(msg)
		q.state.QueueSize++
		if msg.SequenceNumber >= q.nextSeq {
			q.nextSeq = msg.SequenceNumber + 1
		}
	}
	q.mu.Unlock()

	dctx, dcancel := context.WithTimeout(ctx, kvTimeout)
	defer dcancel()
	return q.store.Del(dctx, key)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
