// ABOUTME: Connection wraps one live websocket and serializes outbound writes
// ABOUTME: A buffered send channel plus a single write pump keeps writes race-free

package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 54 * time.Second

	sendBufferSize = 128
)

// ErrConnectionClosed is returned by Send after the connection has been closed.
var ErrConnectionClosed = errors.New("connection closed")

// Socket is the subset of *websocket.Conn the connection needs for writing.
// Defined as an interface so tests can substitute a fake transport.
type Socket interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Options holds timing configuration for connections.
// Zero values fall back to defaults.
type Options struct {
	WriteTimeout time.Duration
	PingInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	return o
}

// Connection represents one live, authenticated real-time channel.
// It is safe for concurrent use.
type Connection struct {
	ID       string
	Identity string

	sock Socket
	opts Options

	send   chan []byte
	once   sync.Once
	closed chan struct{}
}

// NewConnection constructs a Connection for the given identity and transport.
func NewConnection(identity string, sock Socket, opts Options) *Connection {
	return &Connection{
		ID:       uuid.NewString(),
		Identity: identity,
		sock:     sock,
		opts:     opts.withDefaults(),
		send:     make(chan []byte, sendBufferSize),
		closed:   make(chan struct{}),
	}
}

// Start launches the write loop. It must be called exactly once per connection.
func (c *Connection) Start() {
	go c.writeLoop()
}

// Send enqueues payload for delivery. If the client is slow and the buffer is
// full, the connection is closed to keep backpressure bounded.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	case c.send <- payload:
		return nil
	default:
		c.Close(websocket.CloseGoingAway, "send buffer full")
		return errors.New("connection buffer exceeded")
	}
}

// Close terminates the connection and stops the write loop. Idempotent.
func (c *Connection) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.closed)
		_ = c.sock.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		_ = c.sock.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(c.opts.WriteTimeout))
		_ = c.sock.Close()
	})
}

// Done returns a channel closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			if err := c.writeMessage(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.writePing(); err != nil {
				return
			}
		}
	}
}

func (c *Connection) writeMessage(payload []byte) error {
	if err := c.sock.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return c.sock.WriteMessage(websocket.TextMessage, payload)
}

func (c *Connection) writePing() error {
	if err := c.sock.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return c.sock.WriteMessage(websocket.PingMessage, nil)
}
