package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/natea/claimflow/pkg/models"
	"github.com/natea/claimflow/pkg/storage"
	"github.com/natea/claimflow/pkg/telemetry"
)

const (
	// heartbeatInterval is how often the hub scans connections.
	heartbeatInterval = 30 * time.Second
	// pingDeadline is how long a connection may go without a ping
	// before the heartbeat closes it.
	pingDeadline = 60 * time.Second
	// writeTimeout bounds one WebSocket send.
	writeTimeout = 5 * time.Second
)

// SnapshotSource provides the full claim list for board-room snapshots.
// Implemented by the claims stores.
type SnapshotSource interface {
	ListClaims(ctx context.Context, filter models.ClaimFilter) ([]*models.Claim, error)
}

// Connection is a single WebSocket observer.
//
// rooms is mutated only by the connection's own read loop and by the
// hub's close path; both run under the hub's roomMu. writeMu serializes
// sends so two broadcasts cannot interleave frames on one socket.
type Connection struct {
	ID   uint64
	conn *websocket.Conn
	ctx  context.Context

	writeMu sync.Mutex

	mu       sync.Mutex
	lastPing time.Time
	rooms    map[string]bool
}

func (c *Connection) touchPing() {
	c.mu.Lock()
	c.lastPing = time.Now()
	c.mu.Unlock()
}

func (c *Connection) sincePing() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastPing)
}

// Hub accepts observer connections, tracks room memberships in a
// two-sided index, delivers board snapshots plus subsequent events, and
// enforces the ping heartbeat. One Hub instance serves the process.
type Hub struct {
	snapshots SnapshotSource

	mu          sync.RWMutex
	connections map[uint64]*Connection
	nextConnID  uint64

	// Two-sided room index: every mutation updates both directions so
	// that disconnect is O(rooms joined by that connection).
	roomMu  sync.RWMutex
	members map[string]map[uint64]bool // room → set of connection ids

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHub creates a Hub. snapshots provides the claim list sent when an
// observer joins the board room.
func NewHub(snapshots SnapshotSource) *Hub {
	return &Hub{
		snapshots:   snapshots,
		connections: make(map[uint64]*Connection),
		members:     make(map[string]map[uint64]bool),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the heartbeat loop.
func (h *Hub) Start() {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-h.stopCh:
				return
			case <-ticker.C:
				h.heartbeat()
			}
		}
	}()
}

// Stop terminates the heartbeat loop and closes every connection.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.wg.Wait()

	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// HandleConnection manages the lifecycle of one observer connection.
// Called by the WebSocket HTTP handler after upgrade; blocks until the
// connection closes. No snapshot is sent on connect — only when the
// observer later joins the board room.
func (h *Hub) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	c := &Connection{
		conn:     conn,
		ctx:      parentCtx,
		lastPing: time.Now(),
		rooms:    make(map[string]bool),
	}

	h.mu.Lock()
	h.nextConnID++
	c.ID = h.nextConnID
	h.connections[c.ID] = c
	h.mu.Unlock()
	telemetry.HubConnections.Inc()

	slog.Debug("Observer connected", "connection_id", c.ID)
	defer h.closeConnection(c)

	for {
		_, data, err := conn.Read(parentCtx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.sendFrame(c, ServerFrame{Type: FrameError, Code: CodeInvalidMessage, Msg: "malformed frame"})
			continue
		}
		h.handleClientMessage(parentCtx, c, msg)
	}
}

func (h *Hub) handleClientMessage(ctx context.Context, c *Connection, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		// Join and snapshot happen under the write mutex so a concurrent
		// broadcast cannot deliver a delta ahead of the snapshot: the
		// snapshot state is always a prefix of the subsequent stream.
		c.writeMu.Lock()
		joined := h.join(c, msg.Rooms)
		for _, room := range joined {
			if room == RoomBoard {
				h.sendSnapshotLocked(ctx, c)
			}
		}
		c.writeMu.Unlock()
	case "unsubscribe":
		h.leave(c, msg.Rooms)
	case "ping":
		c.touchPing()
		h.sendFrame(c, ServerFrame{Type: FramePong})
	default:
		h.sendFrame(c, ServerFrame{Type: FrameError, Code: CodeInvalidMessage, Msg: fmt.Sprintf("unknown action %q", msg.Action)})
	}
}

// join applies new room memberships to both index sides and returns the
// rooms that were actually new for this connection.
func (h *Hub) join(c *Connection, rooms []string) []string {
	h.roomMu.Lock()
	defer h.roomMu.Unlock()

	var joined []string
	for _, room := range rooms {
		if room == "" || c.rooms[room] {
			continue
		}
		c.rooms[room] = true
		if h.members[room] == nil {
			h.members[room] = make(map[uint64]bool)
		}
		h.members[room][c.ID] = true
		joined = append(joined, room)
	}
	return joined
}

// leave removes room memberships from both index sides.
func (h *Hub) leave(c *Connection, rooms []string) {
	h.roomMu.Lock()
	defer h.roomMu.Unlock()

	for _, room := range rooms {
		if !c.rooms[room] {
			continue
		}
		delete(c.rooms, room)
		if set, ok := h.members[room]; ok {
			delete(set, c.ID)
			if len(set) == 0 {
				delete(h.members, room)
			}
		}
	}
}

// closeConnection removes the connection from every room it was in and
// from the connection map, then closes the socket.
func (h *Hub) closeConnection(c *Connection) {
	h.roomMu.Lock()
	for room := range c.rooms {
		if set, ok := h.members[room]; ok {
			delete(set, c.ID)
			if len(set) == 0 {
				delete(h.members, room)
			}
		}
	}
	c.rooms = make(map[string]bool)
	h.roomMu.Unlock()

	h.mu.Lock()
	_, present := h.connections[c.ID]
	delete(h.connections, c.ID)
	h.mu.Unlock()

	if present {
		telemetry.HubConnections.Dec()
		slog.Debug("Observer disconnected", "connection_id", c.ID)
	}
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

// Broadcast routes one event to its target rooms and sends the wrapped
// frame to the deduplicated union of their members. Send failures are
// logged, not retried — the next event has its own delivery attempt.
func (h *Hub) Broadcast(e models.DashboardEvent) {
	rooms := EventRooms(e)
	if len(rooms) == 0 {
		return
	}

	h.roomMu.RLock()
	targets := make(map[uint64]bool)
	for _, room := range rooms {
		for id := range h.members[room] {
			targets[id] = true
		}
	}
	h.roomMu.RUnlock()

	if len(targets) == 0 {
		return
	}

	h.mu.RLock()
	conns := make([]*Connection, 0, len(targets))
	for id := range targets {
		if c, ok := h.connections[id]; ok {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	frame := ServerFrame{Type: FrameEvent, Event: &e}
	for _, c := range conns {
		h.sendFrame(c, frame)
	}
}

// BroadcastFrame sends a frame to every connected observer, regardless
// of room membership. Used for operator command frames.
func (h *Hub) BroadcastFrame(frame ServerFrame) {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		h.sendFrame(c, frame)
	}
}

// sendSnapshotLocked sends the full claim list as a single snapshot
// frame. The caller holds c.writeMu.
func (h *Hub) sendSnapshotLocked(ctx context.Context, c *Connection) {
	claims, err := h.snapshots.ListClaims(ctx, models.ClaimFilter{})
	if err != nil {
		slog.Error("Snapshot fetch failed", "connection_id", c.ID, "error", err)
		return
	}
	if claims == nil {
		claims = []*models.Claim{}
	}
	h.writeFrameLocked(c, ServerFrame{Type: FrameSnapshot, Claims: claims})
}

// sendFrame marshals and sends one frame under the connection's write
// mutex so concurrent broadcasts cannot interleave bytes.
func (h *Hub) sendFrame(c *Connection, frame ServerFrame) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	h.writeFrameLocked(c, frame)
}

// writeFrameLocked does the marshal and timed write. The caller holds
// c.writeMu.
func (h *Hub) writeFrameLocked(c *Connection, frame ServerFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Warn("Failed to marshal frame", "connection_id", c.ID, "error", err)
		return
	}

	writeCtx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		slog.Warn("Failed to send to observer", "connection_id", c.ID, "error", err)
	}
}

// heartbeat closes connections whose last ping is too old and sends a
// keepalive to the rest.
func (h *Hub) heartbeat() {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if c.sincePing() > pingDeadline {
			slog.Info("Closing observer after ping timeout", "connection_id", c.ID)
			_ = c.conn.Close(websocket.StatusPolicyViolation, "ping timeout")
			continue
		}
		writeCtx, cancel := context.WithTimeout(c.ctx, writeTimeout)
		_ = c.conn.Ping(writeCtx)
		cancel()
	}
}

// ActiveConnections returns the number of connected observers.
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// roomMembers returns the member count of a room. Unexported — tests
// poll this instead of sleeping.
func (h *Hub) roomMembers(room string) int {
	h.roomMu.RLock()
	defer h.roomMu.RUnlock()
	return len(h.members[room])
}

var _ SnapshotSource = (storage.ClaimsStorage)(nil)
