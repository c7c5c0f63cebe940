package room

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/coscribe/coscribe/internal/auth"
	"github.com/coscribe/coscribe/internal/crdt"
	"github.com/coscribe/coscribe/internal/protocol"
)

// ConnState is a connection's position in its lifecycle.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateAuthenticating
	StateJoined
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 2_000_000
	sendQueueSize  = 256
)

// ErrSendQueueFull reports a subscriber too slow to keep up with broadcasts.
var ErrSendQueueFull = errors.New("send queue is full")

// ErrConnectionClosed reports a send attempted after the connection shut
// down.
var ErrConnectionClosed = errors.New("connection is closed")

// Connection is one websocket member of a room.
type Connection struct {
	ID       string
	Identity auth.Identity
	JoinedAt time.Time

	state atomic.Int32

	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	room   *Room
	sync   *crdt.SyncState
	logger *zap.Logger

	limiter   *messageLimiter
	closeOnce sync.Once
}

func newConnection(id string, identity auth.Identity, ws *websocket.Conn, room *Room, logger *zap.Logger) *Connection {
	c := &Connection{
		ID:       id,
		Identity: identity,
		JoinedAt: time.Now(),
		ws:       ws,
		send:     make(chan []byte, sendQueueSize),
		done:     make(chan struct{}),
		room:     room,
		logger:   logger.With(zap.String("connection", id), zap.String("user", identity.UserID)),
		limiter:  newMessageLimiter(maxMessagesPerMinute),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// State returns the connection's lifecycle state.
func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Connection) setState(s ConnState) {
	c.state.Store(int32(s))
}

// Send queues a pre-encoded frame, dropping it when the peer cannot keep
// up. The send channel is never closed, so a late frame racing close lands
// in an abandoned buffer instead of panicking.
func (c *Connection) Send(frame []byte) error {
	if c.State() == StateClosed {
		return ErrConnectionClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// SendError queues an error frame.
func (c *Connection) SendError(message, code string) {
	if err := c.Send(protocol.EncodeError(message, code, time.Now().UnixMilli())); err != nil {
		c.logger.Debug("dropping error frame", zap.String("code", code))
	}
}

// readPump pumps frames from the websocket into the room until the
// connection dies. A single connection's misbehavior never takes the room
// down: bad frames are dropped and answered with an error frame.
func (c *Connection) readPump() {
	defer func() {
		c.room.leave(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.room.heartbeat(c)
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}

		if !c.limiter.allow() {
			c.SendError("too many messages, slow down", "RATE_LIMIT_EXCEEDED")
			continue
		}

		msg, err := protocol.Decode(raw)
		if err != nil {
			c.logger.Warn("dropping undecodable frame", zap.Error(err))
			c.SendError("invalid message: "+err.Error(), "INVALID_MESSAGE")
			continue
		}

		c.room.handleMessage(c, msg)
	}
}

// writePump pumps queued frames to the websocket and keeps the connection
// alive with pings.
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		close(c.done)
	})
}
