// Package synchub is the WebSocket connection registry and fan-out layer:
// one Hub per tenant, registering connections, broadcasting committed
// mutations in version order, and servicing catch-up or full-resync on
// reconnect. Grounded on the teacher's pkg/events.Broker (subscriber map
// plus broadcast loop) and pkg/worker.HealthMonitor's
// ticker-loop-with-cancel-funcs shape for the heartbeat/idle-eviction
// sweep.
package synchub

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cuemby/rebac-core/pkg/metrics"
	"github.com/cuemby/rebac-core/pkg/types"
)

const (
	// DefaultIdleTimeout closes a connection after this long with no
	// client activity (version frame, mutation request, or pong).
	DefaultIdleTimeout = 5 * time.Minute

	// DefaultSendQueueSize bounds each connection's outbound frame buffer.
	DefaultSendQueueSize = 256

	pingInterval  = 30 * time.Second
	pongTolerance = 3
)

// FrameType is the closed set of wire frame kinds exchanged over a Sync
// Hub WebSocket.
type FrameType string

const (
	FrameVersion      FrameType = "version"
	FrameCatchUp      FrameType = "catch_up"
	FrameFullResync   FrameType = "full_sync_required"
	FrameMutation     FrameType = "mutation"
	FrameMutate       FrameType = "mutate"
	FrameAck          FrameType = "ack"
	FrameReject       FrameType = "reject"
	FrameSchemaChange FrameType = "schema_change"
	FramePing         FrameType = "ping"
	FramePong         FrameType = "pong"
	FrameError        FrameType = "error"
)

// Frame is the envelope for every message exchanged over the hub's
// WebSocket, in either direction.
type Frame struct {
	Type      FrameType              `json:"type"`
	Version   uint64                 `json:"version,omitempty"`
	From      uint64                 `json:"from,omitempty"`
	To        uint64                 `json:"to,omitempty"`
	Mutations []types.MutationEntry  `json:"mutations,omitempty"`
	ClientID  string                 `json:"client_id,omitempty"`
	Kind      types.MutationKind     `json:"kind,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Message   string                 `json:"message,omitempty"`
}

// SlowConsumer is returned (and logged) when a connection's send queue
// overflows.
type SlowConsumer struct{ ConnID string }

func (e *SlowConsumer) Error() string {
	return fmt.Sprintf("connection %q exceeded send queue capacity", e.ConnID)
}

// MutationLog is the subset of pkg/kvlog.Log the hub needs to serve
// catch-up replay, kept narrow so synchub does not import kvlog directly.
type MutationLog interface {
	Range(tenant string, from, to uint64) ([]types.MutationEntry, error)
	OldestVersion(tenant string) (uint64, error)
}

// MutationApplier lets the hub commit an optimistic client-submitted
// mutation. The implementation (a tenant Actor) returns the assigned
// version or an error which becomes a reject frame.
type MutationApplier func(kind types.MutationKind, payload map[string]interface{}) (version uint64, err error)

// conn is one live WebSocket connection.
type conn struct {
	id       string
	tenant   string
	ws       *websocket.Conn
	send     chan Frame
	state    types.ConnState
	lastAck  uint64
	lastSeen time.Time
	missedP  int
	mu       sync.Mutex
	closeOne sync.Once
}

func (c *conn) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *conn) idle() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastSeen)
}

func (c *conn) setState(s types.ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *conn) info() types.ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return types.ConnectionInfo{
		ID:             c.id,
		TenantID:       c.tenant,
		State:          c.state,
		LastAckVersion: c.lastAck,
		LastActivity:   c.lastSeen,
		QueueDepth:     len(c.send),
	}
}

// Hub is the per-tenant connection registry and broadcaster.
type Hub struct {
	tenant string
	log    MutationLog
	apply  MutationApplier

	mu    sync.RWMutex
	conns map[string]*conn

	currentVersion func() uint64

	idleTimeout  time.Duration
	sendQueueCap int

	stopCh chan struct{}
}

// New builds a Hub for one tenant. currentVersion reports the ledger's
// latest committed version, used to decide catch-up vs. full resync.
func New(tenant string, log MutationLog, apply MutationApplier, currentVersion func() uint64) *Hub {
	return &Hub{
		tenant:         tenant,
		log:            log,
		apply:          apply,
		conns:          make(map[string]*conn),
		currentVersion: currentVersion,
		idleTimeout:    DefaultIdleTimeout,
		sendQueueCap:   DefaultSendQueueSize,
		stopCh:         make(chan struct{}),
	}
}

// Start begins the heartbeat/idle-eviction sweep loop.
func (h *Hub) Start() {
	go h.sweepLoop()
}

// Stop halts the sweep loop and closes every live connection.
func (h *Hub) Stop() {
	close(h.stopCh)
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.conns {
		h.closeConn(c, "server_shutdown")
		delete(h.conns, id)
	}
}

func (h *Hub) sweepLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.sweep()
		case <-h.stopCh:
			return
		}
	}
}

func (h *Hub) sweep() {
	h.mu.Lock()
	victims := make([]*conn, 0)
	for id, c := range h.conns {
		if c.idle() >= h.idleTimeout {
			victims = append(victims, c)
			delete(h.conns, id)
			continue
		}
		if h.pingExceeded(c) {
			victims = append(victims, c)
			delete(h.conns, id)
		}
	}
	h.mu.Unlock()

	for _, c := range victims {
		reason := "idle_eviction"
		if c.missedP >= pongTolerance {
			reason = "heartbeat_missed"
		}
		h.closeConn(c, reason)
	}
}

// pingExceeded reports whether the connection has missed pongTolerance
// consecutive pongs and should be evicted; otherwise it sends another ping.
// Every ping sent counts as missed until the pong handler resets the count.
func (h *Hub) pingExceeded(c *conn) bool {
	c.mu.Lock()
	exceeded := c.missedP >= pongTolerance
	if !exceeded {
		c.missedP++
	}
	c.mu.Unlock()
	if exceeded {
		return true
	}
	_ = c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
	return false
}

// Register takes an already-upgraded WebSocket and runs its read/write
// pumps, returning once the connection is fully closed.
func (h *Hub) Register(ws *websocket.Conn) {
	c := &conn{
		id:       uuid.New().String(),
		tenant:   h.tenant,
		ws:       ws,
		send:     make(chan Frame, h.sendQueueCap),
		state:    types.ConnConnecting,
		lastSeen: time.Now(),
	}

	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	metrics.ConnectionsActive.WithLabelValues(h.tenant).Inc()
	defer metrics.ConnectionsActive.WithLabelValues(h.tenant).Dec()

	c.setState(types.ConnOpen)

	ws.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.missedP = 0
		c.mu.Unlock()
		c.touch()
		return nil
	})

	done := make(chan struct{})
	go h.writePump(c, done)
	h.readPump(c)
	close(done)

	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
}

func (h *Hub) writePump(c *conn, done <-chan struct{}) {
	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			data, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			_ = c.ws.WriteMessage(websocket.TextMessage, data)
		case <-done:
			return
		}
	}
}

func (h *Hub) readPump(c *conn) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.touch()

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		switch frame.Type {
		case FrameVersion:
			h.handleVersionFrame(c, frame.Version)
		case FrameMutate:
			h.handleMutateFrame(c, frame)
		case FramePing:
			h.deliverUnlocked(c, Frame{Type: FramePong})
		}
	}
}

func (h *Hub) handleVersionFrame(c *conn, clientVersion uint64) {
	current := h.currentVersion()
	lag := current - clientVersion
	if clientVersion > current {
		lag = 0
	}

	oldest, err := h.log.OldestVersion(h.tenant)
	tooOld := err == nil && clientVersion < oldest && clientVersion != 0

	if tooOld || lag > types.MaxCatchUp {
		c.setState(types.ConnFullResyncRequired)
		metrics.FullResyncsTotal.WithLabelValues(h.tenant).Inc()
		h.deliverUnlocked(c, Frame{Type: FrameFullResync, Reason: "beyond retention"})
		return
	}

	if lag > 0 {
		c.setState(types.ConnCatchUp)
		entries, err := h.log.Range(h.tenant, clientVersion, current)
		if err == nil && len(entries) > 0 {
			h.deliverUnlocked(c, Frame{Type: FrameCatchUp, From: clientVersion, To: current, Mutations: entries})
		}
	}

	c.mu.Lock()
	c.lastAck = current
	c.mu.Unlock()
	c.setState(types.ConnStreaming)
}

func (h *Hub) handleMutateFrame(c *conn, frame Frame) {
	if h.apply == nil {
		h.deliverUnlocked(c, Frame{Type: FrameReject, ClientID: frame.ClientID, Reason: "mutations not accepted on this connection"})
		return
	}
	version, err := h.apply(frame.Kind, frame.Payload)
	if err != nil {
		h.deliverUnlocked(c, Frame{Type: FrameReject, ClientID: frame.ClientID, Reason: err.Error()})
		return
	}
	h.deliverUnlocked(c, Frame{Type: FrameAck, ClientID: frame.ClientID, Version: version})
}

// deliver enqueues frame on c's send channel and reports whether the
// connection was just evicted because its bounded queue is full. deliver
// never touches h.conns itself — callers that already hold h.mu (Broadcast,
// BroadcastSchemaChange) must collect evicted ids and delete them after
// releasing the lock, the same way sweep does; deliverUnlocked is for
// callers that aren't already holding it.
func (h *Hub) deliver(c *conn, frame Frame) bool {
	select {
	case c.send <- frame:
		return false
	default:
		h.closeConn(c, "slow_consumer")
		return true
	}
}

// deliverUnlocked wraps deliver for call sites outside Broadcast/
// BroadcastSchemaChange's read-lock scope, taking h.mu itself to remove an
// evicted connection.
func (h *Hub) deliverUnlocked(c *conn, frame Frame) {
	if h.deliver(c, frame) {
		h.mu.Lock()
		delete(h.conns, c.id)
		h.mu.Unlock()
	}
}

func (h *Hub) closeConn(c *conn, reason string) {
	c.closeOne.Do(func() {
		c.setState(types.ConnClosed)
		close(c.send)
		_ = c.ws.Close()
		metrics.ConnectionsEvictedTotal.WithLabelValues(h.tenant, reason).Inc()
	})
}

// Broadcast delivers a freshly committed mutation to every connection in
// Streaming or CatchUp state, in version order (the caller is expected to
// call Broadcast once per mutation, in commit order).
func (h *Hub) Broadcast(entry types.MutationEntry) {
	h.mu.RLock()
	frame := Frame{Type: FrameMutation, Version: entry.Version, Mutations: []types.MutationEntry{entry}}
	var evicted []string
	for id, c := range h.conns {
		c.mu.Lock()
		state := c.state
		c.mu.Unlock()
		if state != types.ConnStreaming && state != types.ConnCatchUp {
			continue
		}
		if h.deliver(c, frame) {
			evicted = append(evicted, id)
			continue
		}
		c.mu.Lock()
		c.lastAck = entry.Version
		c.mu.Unlock()
	}
	h.mu.RUnlock()

	h.dropEvicted(evicted)
}

// BroadcastSchemaChange notifies every registered connection, whatever its
// state, that the
// tenant's active schema changed, so clients can re-fetch the compiled
// schema before issuing further mutations.
func (h *Hub) BroadcastSchemaChange(version int) {
	h.mu.RLock()
	frame := Frame{Type: FrameSchemaChange, Version: uint64(version)}
	var evicted []string
	for id, c := range h.conns {
		if h.deliver(c, frame) {
			evicted = append(evicted, id)
		}
	}
	h.mu.RUnlock()

	h.dropEvicted(evicted)
}

// dropEvicted removes ids from h.conns. Called only after the RLock held
// during a broadcast loop has been released, since deliver's slow-consumer
// path must not try to take the write lock reentrantly.
func (h *Hub) dropEvicted(ids []string) {
	if len(ids) == 0 {
		return
	}
	h.mu.Lock()
	for _, id := range ids {
		delete(h.conns, id)
	}
	h.mu.Unlock()
}

// ConnectionCount returns the number of currently registered connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Connections returns a snapshot of every live connection's observable state.
func (h *Hub) Connections() []types.ConnectionInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]types.ConnectionInfo, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c.info())
	}
	return out
}
