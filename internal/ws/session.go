package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	ErrSessionClosed  = errors.New("session closed")
	ErrSendBufferFull = errors.New("session send buffer full")
)

// Transport is the duplex channel a Session writes to. Implementations must
// be safe for concurrent use.
type Transport interface {
	// Send queues a text frame. It never blocks on the network.
	Send(data []byte) error
	// Open reports whether the transport still accepts frames.
	Open() bool
	// Close shuts the transport down. It is idempotent.
	Close() error
}

// Session is one live /watch connection owned by exactly one user.
type Session struct {
	ID        uuid.UUID
	Username  string
	Transport Transport
}

// NewSession allocates a fresh id for a transport owned by username.
func NewSession(username string, t Transport) *Session {
	return &Session{
		ID:        uuid.New(),
		Username:  username,
		Transport: t,
	}
}

// EventKind classifies session lifecycle events read off a connection.
type EventKind int

const (
	EventMessage EventKind = iota // text frame from the client
	EventClose                    // peer sent a close frame
	EventError                    // read failed without a close frame
)

// Event is one lifecycle event. Close and Error are terminal: after either
// one the event stream is closed.
type Event struct {
	Kind EventKind
	Data []byte
	Err  error
}

// conn is a gorilla connection with a buffered write pump and a read pump
// that reports lifecycle events as a stream.
type conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newConn(ws *websocket.Conn, sendBuffer int, writeTimeout time.Duration) *conn {
	c := &conn{
		ws:           ws,
		writeTimeout: writeTimeout,
		send:         make(chan []byte, sendBuffer),
	}
	go c.writePump()
	return c
}

func (c *conn) writePump() {
	defer c.ws.Close()
	for msg := range c.send {
		if c.writeTimeout > 0 {
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		}
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			// Closing the socket ends the read pump, which reports the
			// terminal event and triggers unregistration.
			c.markClosed()
			return
		}
	}
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
		time.Now().Add(time.Second),
	)
}

func (c *conn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSessionClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		// Client can't keep up; drop it rather than stall the fan-out.
		c.closeLocked()
		return ErrSendBufferFull
	}
}

func (c *conn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

func (c *conn) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// markClosed flags the transport closed after a write failure. The send
// channel is left for Close to release.
func (c *conn) markClosed() {
	c.mu.Lock()
	c.closeLocked()
	c.mu.Unlock()
	_ = c.ws.Close()
}

// events starts the read pump. Exactly one terminal event is emitted, then
// the channel is closed.
func (c *conn) events() <-chan Event {
	ch := make(chan Event, 1)
	go func() {
		defer close(ch)
		for {
			msgType, data, err := c.ws.ReadMessage()
			if err != nil {
				var closeErr *websocket.CloseError
				if errors.As(err, &closeErr) {
					ch <- Event{Kind: EventClose, Err: err}
				} else {
					ch <- Event{Kind: EventError, Err: err}
				}
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}
			ch <- Event{Kind: EventMessage, Data: data}
		}
	}()
	return ch
}
