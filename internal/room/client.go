package room

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tilemud/tilemud-server/internal/protocol"
	"github.com/tilemud/tilemud-server/internal/ratelimit"
)

const (
	// maxMessageSize is the maximum size in bytes of a single inbound WebSocket message.
	maxMessageSize = 8192

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// joinTimeout is how long a client has to send the join envelope after connecting.
	joinTimeout = 30 * time.Second

	// readIdleTimeout severs a connection that has sent nothing for this long.
	readIdleTimeout = 120 * time.Second
)

// Client represents a single WebSocket connection. Each client runs two goroutines (readPump and writePump) and talks
// to the Room via its send channel.
type Client struct {
	id   string
	room *Room
	conn *websocket.Conn

	// send carries outbound messages to writePump. sendMu serializes enqueues against closeSend so a late broadcast
	// cannot write to a closed channel.
	send       chan []byte
	sendMu     sync.Mutex
	sendClosed bool

	flood *ratelimit.FloodGuard
	log   zerolog.Logger

	// Set once by readPump after a successful join; never touched by other goroutines.
	player *Player
}

func newClient(r *Room, conn *websocket.Conn) *Client {
	id := uuid.NewString()
	return &Client{
		id:    id,
		room:  r,
		conn:  conn,
		send:  make(chan []byte, 256),
		flood: ratelimit.NewFloodGuard(r.floodRate, r.floodBurst),
		log:   r.log.With().Str("client_id", id).Logger(),
	}
}

// ServeWebSocket runs a freshly upgraded connection through the join handshake and then the intent loop. It blocks
// until the connection closes, which is what the Fiber websocket handler expects.
func (r *Room) ServeWebSocket(ctx context.Context, conn *websocket.Conn) {
	c := newClient(r, conn)
	go c.writePump()
	c.readPump(ctx)
}

// readPump reads messages from the WebSocket connection. The first message must be the join envelope; every later
// message is an intent, except a leave envelope which ends the session with consent. readPump owns closing the
// connection and unregistering the client.
func (c *Client) readPump(ctx context.Context) {
	consented := false
	defer func() {
		c.room.unregister(ctx, c, c.player, !consented)
		c.closeSend()
		if c.conn != nil {
			_ = c.conn.Close()
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(joinTimeout))

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readIdleTimeout))

		if c.player == nil {
			c.player = c.room.handleJoin(ctx, c, message)
			if c.player == nil {
				return
			}
			continue
		}

		if !c.flood.Allow() {
			c.log.Warn().Str("session_id", c.player.SessionID).Msg("Connection message flood, closing")
			c.closeWithCode(protocol.CloseRateLimited, protocol.ReasonRateLimited)
			return
		}

		if isLeave(message) {
			consented = true
			if notice, err := protocol.NewDisconnect(protocol.CloseNormal, protocol.ReasonConsentedLeave); err == nil {
				c.enqueue(notice)
			}
			c.closeWithCode(protocol.CloseNormal, protocol.ReasonConsentedLeave)
			return
		}

		c.room.dispatch(ctx, c, c.player, message)
	}
}

// writePump writes messages from the send channel to the WebSocket connection. It exits when the send channel is
// closed or a write fails.
func (c *Client) writePump() {
	defer func() {
		if c.conn != nil {
			_ = c.conn.Close()
		}
	}()

	for msg := range c.send {
		if c.conn == nil {
			continue
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.log.Debug().Err(err).Msg("WebSocket write error")
			return
		}
	}
}

// enqueue sends a message to the client's write channel. Messages for a closed client are dropped. If the channel is
// full, the message is dropped and the connection is closed so a slow consumer cannot stall the room.
func (c *Client) enqueue(msg []byte) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	select {
	case c.send <- msg:
	default:
		c.log.Warn().Msg("Client send buffer full, closing connection")
		if c.conn != nil {
			_ = c.conn.Close()
		}
	}
}

// closeSend closes the send channel so writePump drains the backlog and exits. Idempotent; every disconnect path must
// reach it or the write goroutine leaks.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	close(c.send)
}

// closeWithCode sends a WebSocket close frame with the given code and reason, then closes the underlying connection.
func (c *Client) closeWithCode(code int, reason string) {
	if c.conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.conn.Close()
}

// isLeave reports whether the raw message is a consented leave envelope.
func isLeave(raw []byte) bool {
	var env struct {
		Type string `json:"type"`
	}
	return json.Unmarshal(raw, &env) == nil && env.Type == "leave"
}
