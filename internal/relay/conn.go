package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// writeTimeout bounds a single frame write so one stuck socket cannot
// wedge a broadcast.
const writeTimeout = 10 * time.Second

// Socket is the subset of *websocket.Conn the relay writes to. Read loops
// stay in the transport handler; everything past registration only writes.
type Socket interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Conn is a registered relay connection: a socket plus its role, channel
// binding, and a unique identity used to detect stale close events.
type Conn struct {
	id      string
	role    string
	channel string
	sock    Socket

	mu     sync.Mutex // serializes writes to sock
	closed bool
}

// NewConn wraps a socket for registration under the given channel and role.
func NewConn(channelID, role string, sock Socket) *Conn {
	return &Conn{
		id:      uuid.NewString(),
		role:    role,
		channel: channelID,
		sock:    sock,
	}
}

// ID returns the connection identity. Two connections never share an ID,
// which is what makes superseded-peer close events distinguishable.
func (c *Conn) ID() string { return c.id }

// Role returns "peer" or "caller".
func (c *Conn) Role() string { return c.role }

// Channel returns the channel id this connection is bound to.
func (c *Conn) Channel() string { return c.channel }

// WriteRaw delivers a pre-encoded frame verbatim.
func (c *Conn) WriteRaw(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	return c.sock.WriteMessage(websocket.TextMessage, data)
}

// WriteJSON encodes v and delivers it as a single text frame.
func (c *Conn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.WriteRaw(data)
}

// CloseWithReason sends a close frame carrying the given code and reason,
// then closes the socket. Used when a newer peer supersedes this one.
func (c *Conn) CloseWithReason(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	_ = c.sock.Close()
}

// Close closes the underlying socket without a close frame.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.sock.Close()
}
