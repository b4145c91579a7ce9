package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait is the maximum time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// heartbeatInterval is how often a Registered connection is pinged
	// (spec §4.4: "every 30s").
	heartbeatInterval = 30 * time.Second

	// missedHeartbeatLimit is the number of consecutive intervals without
	// any inbound message before the connection is considered dead
	// (spec §4.4: "two consecutive intervals").
	missedHeartbeatLimit = 2

	// registerDeadline bounds how long a connection may sit in
	// Awaiting-Register before the hub gives up on it. Not spec-mandated —
	// a practical safety net against connections that never send `register`,
	// grounded in the teacher's pongWait read-deadline pattern.
	registerDeadline = 30 * time.Second

	// maxMessageSize bounds a single inbound frame, generous enough for a
	// task_result carrying a moderate amount of text.
	maxMessageSize = 1 << 20 // 1 MiB

	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// connState is the per-connection state machine (spec §4.4):
// Connecting -> Awaiting-Register -> Registered -> Closed.
type connState int32

const (
	stateAwaitingRegister connState = iota
	stateRegistered
	stateClosed
)

// Client is one agent's live WebSocket connection. readPump is the sole
// reader, writePump the sole writer — gorilla/websocket connections are not
// safe for concurrent writes, exactly as in the teacher's internal/websocket.
type Client struct {
	gw   *Gateway
	conn *websocket.Conn
	send chan []byte

	logger *zap.Logger

	state     atomic.Int32
	agentName string // set once, at successful registration; read-only after

	mu            sync.Mutex
	lastSeen      time.Time
	missedBeats   int
}

func newClient(gw *Gateway, conn *websocket.Conn, logger *zap.Logger) *Client {
	c := &Client{
		gw:     gw,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: logger,
	}
	c.state.Store(int32(stateAwaitingRegister))
	c.lastSeen = time.Now()
	return c
}

// Close implements registry.Connection: it is how the registry evicts a
// stale connection when a newer one registers under the same name.
func (c *Client) Close() error {
	if c.state.Swap(int32(stateClosed)) == int32(stateClosed) {
		return nil
	}
	close(c.send)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	return c.conn.Close()
}

// serve upgrades the HTTP request and runs the client until it disconnects.
// Blocks until the connection closes.
func serve(gw *Gateway, w http.ResponseWriter, r *http.Request, logger *zap.Logger) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("gateway: upgrade failed", zap.Error(err))
		return
	}
	c := newClient(gw, conn, logger.With(zap.String("remote_addr", r.RemoteAddr)))

	go c.writePump()
	c.readPump()
}

func (c *Client) registered() bool {
	return connState(c.state.Load()) == stateRegistered
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.missedBeats = 0
	c.mu.Unlock()
	if c.agentName != "" {
		c.gw.registry.Touch(c.agentName)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.gw.handleDisconnect(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(registerDeadline))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Debug("gateway: unexpected close", zap.Error(err))
			}
			return
		}
		c.touch()
		if !c.registered() {
			// Extend the deadline: more data arrived, give it more time to
			// complete registration.
			_ = c.conn.SetReadDeadline(time.Now().Add(registerDeadline))
		}
		c.dispatch(data)
		if c.registered() {
			// Past registration, liveness is enforced by the heartbeat in
			// writePump, not by a read deadline.
			_ = c.conn.SetReadDeadline(time.Time{})
		}
	}
}

// dispatch is the closed tagged-union switch spec §9 calls for: every frame
// type is either handled or explicitly ignored, with no default fallthrough
// that silently accepts unknown types.
func (c *Client) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return // malformed JSON is dropped silently (spec §6)
	}

	if !c.registered() {
		if env.Type != TypeRegister {
			return // only `register` is accepted before Registered (spec §4.4)
		}
		c.handleRegister(data)
		return
	}

	switch env.Type {
	case TypeRegister:
		// Already registered; a second register on the same connection is
		// not part of the protocol. Ignored.
	case TypePong:
		// touch() above already reset last_seen/missedBeats.
	case TypeTaskResult:
		c.handleTaskResult(data)
	case TypeTaskCancelled:
		c.handleTaskCancelled(data)
	case TypeTaskProgress:
		c.handleTaskProgress(data)
	case TypeStatusReport:
		c.handleStatusReport(data)
	case TypeListAgents:
		c.handleListAgents(data)
	case TypeTaskStatus:
		c.handleTaskStatus(data)
	case TypeSendMessage:
		// Reserved; no-op in the current core (spec §6).
	default:
		// Unknown frame types are ignored (spec §6).
	}
}

// enqueue writes msg to the send buffer. If the buffer is full the client is
// considered too slow and is disconnected, mirroring the teacher's
// Hub.Publish backpressure handling.
func (c *Client) enqueue(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("gateway: marshal outbound frame failed", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("gateway: send buffer full, disconnecting slow client")
		go c.Close()
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(heartbeatInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("gateway: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if !c.registered() {
				continue // heartbeat only applies to Registered connections (spec §4.4)
			}
			c.mu.Lock()
			c.missedBeats++
			dead := c.missedBeats >= missedHeartbeatLimit
			c.mu.Unlock()
			if dead {
				c.logger.Info("gateway: connection missed heartbeats, closing")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, mustMarshal(pingFrame{Type: TypePing})); err != nil {
				return
			}
		}
	}
}

func mustMarshal(v any) []byte {
	data, _ := json.Marshal(v)
	return data
}
