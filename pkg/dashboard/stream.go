package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/natea/claimflow/pkg/events"
	"github.com/natea/claimflow/pkg/retry"
)

const (
	// connectTimeout bounds one WebSocket dial.
	connectTimeout = 10 * time.Second
	// maxReconnectAttempts caps silent reconnects before the stream is
	// declared dead.
	maxReconnectAttempts = 10
	// reconnectBaseDelay seeds the reconnect backoff.
	reconnectBaseDelay = time.Second
	// reconnectMaxDelay caps one reconnect wait.
	reconnectMaxDelay = 30 * time.Second
	// pingInterval is the client-side heartbeat cadence, under the hub's
	// 60 s ping deadline.
	pingInterval = 25 * time.Second
)

// ErrStreamDead is reported through Err after the reconnect budget is
// exhausted.
var ErrStreamDead = errors.New("dashboard stream: reconnect attempts exhausted")

// Unsubscribe removes a stream subscriber.
type Unsubscribe func()

// streamState holds the persistent event stream: one connection, one
// pending reconnect timer at most, and the subscriber set.
type streamState struct {
	client *Client

	mu           sync.Mutex
	conn         *websocket.Conn
	connected    bool
	disconnected bool // explicit Disconnect — suppresses reconnects
	attempts     int
	reconnectTmr *time.Timer
	terminalErr  error

	subMu  sync.RWMutex
	subs   map[int]func(events.ServerFrame)
	nextID int

	wg sync.WaitGroup
}

func newStreamState(c *Client) *streamState {
	return &streamState{client: c, subs: make(map[int]func(events.ServerFrame))}
}

// wsURL derives the WebSocket endpoint from the REST base URL.
func (c *Client) wsURL() string {
	base := c.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/api/ws"
}

// Connect opens the event stream. The initial attempt fails loudly within
// the connect deadline; later reconnects are silent and driven by the
// close handler.
func (c *Client) Connect(ctx context.Context) error {
	s := c.stream
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	s.disconnected = false
	s.terminalErr = nil
	s.attempts = 0
	s.mu.Unlock()

	return s.dial(ctx)
}

func (s *streamState) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	opts := &websocket.DialOptions{}
	if s.client.authToken != "" {
		opts.HTTPHeader = map[string][]string{
			"Authorization": {"Bearer " + s.client.authToken},
		}
	}

	conn, _, err := websocket.Dial(dialCtx, s.client.wsURL(), opts)
	if err != nil {
		return fmt.Errorf("connecting event stream: %w", err)
	}

	s.mu.Lock()
	if s.disconnected {
		// Disconnect won the race against a pending reconnect.
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return nil
	}
	s.conn = conn
	s.connected = true
	s.attempts = 0
	s.mu.Unlock()

	// Join the rooms the orchestrator observes.
	join := events.ClientMessage{Action: "subscribe", Rooms: []string{events.RoomBoard, events.RoomLogs}}
	if err := writeJSON(ctx, conn, join); err != nil {
		slog.Warn("Failed to join stream rooms", "error", err)
	}

	done := make(chan struct{})
	s.wg.Add(2)
	go s.readLoop(conn, done)
	go s.pingLoop(conn, done)

	slog.Info("Dashboard event stream connected")
	return nil
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// Subscribe registers a callback for every incoming stream frame. A
// panicking subscriber is recovered and logged; it never kills delivery.
func (c *Client) Subscribe(cb func(events.ServerFrame)) Unsubscribe {
	s := c.stream
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = cb
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// Err returns the terminal stream error, if any.
func (c *Client) Err() error {
	c.stream.mu.Lock()
	defer c.stream.mu.Unlock()
	return c.stream.terminalErr
}

// Connected reports whether the stream is currently up.
func (c *Client) Connected() bool {
	c.stream.mu.Lock()
	defer c.stream.mu.Unlock()
	return c.stream.connected
}

// Disconnect gracefully closes the stream and cancels any pending
// reconnect. Safe to call multiple times.
func (c *Client) Disconnect() {
	s := c.stream
	s.mu.Lock()
	s.disconnected = true
	if s.reconnectTmr != nil {
		s.reconnectTmr.Stop()
		s.reconnectTmr = nil
	}
	conn := s.conn
	s.conn = nil
	s.connected = false
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	s.wg.Wait()
}

func (s *streamState) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer s.wg.Done()
	defer close(done)

	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			s.onClosed(err)
			return
		}

		var frame events.ServerFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("Malformed stream frame", "error", err)
			continue
		}

		// Heartbeat frames are filtered from debug logging.
		if frame.Type != events.FramePong {
			slog.Debug("Stream frame", "type", frame.Type)
		}

		s.deliver(frame)
	}
}

func (s *streamState) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := writeJSON(context.Background(), conn, events.ClientMessage{Action: "ping"}); err != nil {
				return
			}
		}
	}
}

func (s *streamState) deliver(frame events.ServerFrame) {
	s.subMu.RLock()
	cbs := make([]func(events.ServerFrame), 0, len(s.subs))
	for _, cb := range s.subs {
		cbs = append(cbs, cb)
	}
	s.subMu.RUnlock()

	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Stream subscriber panicked", "panic", r)
				}
			}()
			cb(frame)
		}()
	}
}

// onClosed handles an unexpected stream close: schedule a single silent
// reconnect with jittered exponential backoff, up to the attempts cap.
func (s *streamState) onClosed(cause error) {
	s.mu.Lock()
	s.connected = false
	s.conn = nil

	if s.disconnected {
		s.mu.Unlock()
		return
	}
	if s.reconnectTmr != nil {
		// A reconnect is already pending.
		s.mu.Unlock()
		return
	}
	if s.attempts >= maxReconnectAttempts {
		s.terminalErr = ErrStreamDead
		s.mu.Unlock()
		slog.Error("Dashboard stream dead", "attempts", maxReconnectAttempts, "cause", cause)
		return
	}

	delay := retry.Delay(reconnectBaseDelay, s.attempts, reconnectMaxDelay)
	s.attempts++
	attempt := s.attempts
	s.reconnectTmr = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.reconnectTmr = nil
		if s.disconnected {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		if err := s.dial(context.Background()); err != nil {
			slog.Warn("Stream reconnect failed", "attempt", attempt, "error", err)
			s.onClosed(err)
		}
	})
	s.mu.Unlock()

	slog.Warn("Dashboard stream closed, reconnecting",
		"attempt", attempt, "delay", delay, "cause", cause)
}
