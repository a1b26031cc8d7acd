package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chatrelay/pkg/types"
)

// Connection wraps one live websocket session. Writes are serialized
// through a single writer goroutine; the per-connection write order is
// the in-room delivery-order guarantee.
type Connection struct {
	id       string
	identity types.Identity

	conn         *websocket.Conn
	writeCh      chan []byte
	writeTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
}

// NewConnection wraps an upgraded websocket bound to a verified user.
func NewConnection(conn *websocket.Conn, id types.Identity, bufferSize int, writeTimeout time.Duration) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:           uuid.New().String(),
		identity:     id,
		conn:         conn,
		writeCh:      make(chan []byte, bufferSize),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}

	go c.writeLoop()

	return c
}

// writeLoop drains writeCh onto the socket. The channel is never
// closed: a concurrent Push racing the writer's exit must fail through
// the cancelled context, not panic on a closed channel. On exit the
// context is cancelled so pending and future pushes fail fast.
func (c *Connection) writeLoop() {
	defer c.cancel()

	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Push queues one event envelope for delivery to this client.
func (c *Connection) Push(event string, data interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	payload, err := json.Marshal(types.Push{Event: event, Data: data})
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- payload:
		return nil
	case <-time.After(c.writeTimeout):
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Close tears down the writer goroutine and the underlying socket.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// ID returns the opaque connection id.
func (c *Connection) ID() string {
	return c.id
}

// UserID returns the owning user id, set once post-auth.
func (c *Connection) UserID() string {
	return c.identity.UserID
}

// Identity returns the verified identity bound to the connection.
func (c *Connection) Identity() types.Identity {
	return c.identity
}

// Sender returns the identity in message-attribution form.
func (c *Connection) Sender() types.Sender {
	return types.Sender{ID: c.identity.UserID, Username: c.identity.Username}
}
