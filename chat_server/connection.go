package chatserver

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/macwilko/wikid-realtime/events"
)

// Identity is the authenticated user behind a connection. It is resolved once
// by the handshake and never re-validated.
type Identity struct {
	UserID string
	Name   string
}

// Sink is the outbound side of a transport session. Deliver must not block;
// it returns false when the event could not be queued.
type Sink interface {
	Deliver(env events.Envelope) bool
	Close()
}

// Ender is implemented by sinks that can close a session for good, as
// opposed to Close, after which the client is expected to reconnect.
type Ender interface {
	End()
}

// Connection is one live transport session. Room membership lives in the
// Registry, never on the connection itself.
type Connection struct {
	ID          string
	UserID      string
	UserName    string
	ConnectedAt time.Time
	Fallback    bool

	sink     Sink
	lastSeen atomic.Int64
}

func NewConnection(ident Identity, sink Sink, fallback bool) *Connection {
	now := time.Now()

	c := &Connection{
		ID:          uuid.NewString(),
		UserID:      ident.UserID,
		UserName:    ident.Name,
		ConnectedAt: now,
		Fallback:    fallback,
		sink:        sink,
	}
	c.lastSeen.Store(now.UnixNano())

	return c
}

func (c *Connection) Identity() Identity {
	return Identity{UserID: c.UserID, Name: c.UserName}
}

// Send queues env on the connection's transport.
func (c *Connection) Send(env events.Envelope) bool {
	return c.sink.Deliver(env)
}

// Close ends the transport session; the client may reconnect.
func (c *Connection) Close() {
	c.sink.Close()
}

// End closes the session for good where the transport can say so.
func (c *Connection) End() {
	if e, ok := c.sink.(Ender); ok {
		e.End()
		return
	}

	c.sink.Close()
}

func (c *Connection) Touch(t time.Time) {
	c.lastSeen.Store(t.UnixNano())
}

func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}
