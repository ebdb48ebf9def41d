package handlers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	chatserver "github.com/macwilko/wikid-realtime/chat_server"
	"github.com/macwilko/wikid-realtime/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024

	DefaultSendBuffer = 256
)

// socketSink queues outbound events for the write pump. A full queue means
// the peer is not keeping up. code is the close code the pump sends once
// done is closed.
type socketSink struct {
	send chan events.Envelope
	done chan struct{}
	once sync.Once
	code int
}

func newSocketSink(size int) *socketSink {
	if size <= 0 {
		size = DefaultSendBuffer
	}

	return &socketSink{
		send: make(chan events.Envelope, size),
		done: make(chan struct{}),
	}
}

func (s *socketSink) Deliver(env events.Envelope) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.send <- env:
		return true
	default:
		return false
	}
}

// Close tears the socket down with 1013 so the client reconnects.
func (s *socketSink) Close() {
	s.shut(websocket.CloseTryAgainLater)
}

// End closes with 1000, which tells the client not to come back.
func (s *socketSink) End() {
	s.shut(websocket.CloseNormalClosure)
}

func (s *socketSink) shut(code int) {
	s.once.Do(func() {
		s.code = code
		close(s.done)
	})
}

// Socket serves the primary transport.
type Socket struct {
	server     *chatserver.Server
	sendBuffer int
	logger     *slog.Logger
}

func NewSocket(server *chatserver.Server, sendBuffer int, logger *slog.Logger) *Socket {
	return &Socket{
		server:     server,
		sendBuffer: sendBuffer,
		logger:     logger.With(slog.String("component", "socket")),
	}
}

// Serve owns one websocket for its whole life: admission, the read loop and
// release. Writes happen only on the write pump.
func (s *Socket) Serve(c *websocket.Conn) {
	ident, ok := c.Locals(viewerKey).(chatserver.Identity)

	if !ok {
		s.logger.Error("💀 Connection without an identity, closing")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := newSocketSink(s.sendBuffer)
	conn := chatserver.NewConnection(ident, sink, false)

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		s.writePump(c, sink)
	}()

	defer func() {
		sink.Close()
		s.server.Release(conn.ID)
		wg.Wait()
	}()

	if err := s.server.Admit(ctx, conn); err != nil {
		s.logger.Error("💀 Couldn't admit connection",
			slog.String("userID", ident.UserID),
			slog.String("error", err.Error()))

		return
	}

	s.logger.Info("😍 Client connected",
		slog.String("connID", conn.ID),
		slog.String("userID", ident.UserID))

	c.SetReadLimit(maxMessageSize)
	c.SetReadDeadline(time.Now().Add(pongWait))
	c.SetPongHandler(func(string) error {
		conn.Touch(time.Now())
		return c.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := c.ReadMessage()

		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("Unexpected read error on connection",
					slog.String("connID", conn.ID),
					slog.String("error", err.Error()))
			}

			return
		}

		c.SetReadDeadline(time.Now().Add(pongWait))

		if messageType != websocket.TextMessage {
			continue
		}

		env, err := events.Parse(message)

		if err == nil {
			err = s.server.HandleInbound(ctx, conn, env)
		}

		if err != nil {
			s.server.Reject(conn, err)
		}
	}
}

func (s *Socket) writePump(c *websocket.Conn, sink *socketSink) {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case env := <-sink.send:
			c.SetWriteDeadline(time.Now().Add(writeWait))

			if err := c.WriteJSON(env); err != nil {
				s.logger.Warn("💀 Couldn't write message", slog.String("error", err.Error()))
				sink.Close()
				return
			}

		case <-ticker.C:
			c.SetWriteDeadline(time.Now().Add(writeWait))

			if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
				sink.Close()
				return
			}

		case <-sink.done:
			c.SetWriteDeadline(time.Now().Add(writeWait))
			c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(sink.code, ""))
			return
		}
	}
}
