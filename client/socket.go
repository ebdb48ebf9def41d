package client

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/macwilko/wikid-realtime/events"
)

const writeWait = 10 * time.Second

// SocketTransport is the primary transport: one websocket per session,
// authenticated with a token query parameter.
type SocketTransport struct {
	url    string
	token  string
	dialer *websocket.Dialer
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	handler func(events.Envelope)
	onDrop  func(error)

	writeMu sync.Mutex
}

func NewSocketTransport(rawURL, token string, logger *slog.Logger) *SocketTransport {
	return &SocketTransport{
		url:   rawURL,
		token: token,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger.With(slog.String("component", "socket")),
	}
}

func (t *SocketTransport) OnEvent(handler func(events.Envelope)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

func (t *SocketTransport) OnDrop(handler func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDrop = handler
}

func (t *SocketTransport) Connect(ctx context.Context) error {
	u, err := url.Parse(t.url)

	if err != nil {
		return &events.TransportError{Op: "dial", Err: err}
	}

	q := u.Query()
	q.Set("token", t.token)
	u.RawQuery = q.Encode()

	conn, resp, err := t.dialer.DialContext(ctx, u.String(), nil)

	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return &events.AuthenticationError{Reason: "handshake refused", Err: err}
		}

		return &events.TransportError{Op: "dial", Err: err}
	}

	t.mu.Lock()
	old := t.conn
	t.conn = conn
	t.mu.Unlock()

	if old != nil {
		old.Close()
	}

	go t.readLoop(conn)

	return nil
}

func (t *SocketTransport) readLoop(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()

		if err != nil {
			t.dropped(conn, err)
			return
		}

		env, err := events.Parse(msg)

		if err != nil {
			t.logger.Warn("💀 Dropping malformed event", slog.String("error", err.Error()))
			continue
		}

		t.mu.Lock()
		handler := t.handler
		t.mu.Unlock()

		if handler != nil {
			handler(env)
		}
	}
}

// dropped reports the end of conn unless it was closed on purpose or already
// replaced.
func (t *SocketTransport) dropped(conn *websocket.Conn, err error) {
	t.mu.Lock()

	if t.conn != conn {
		t.mu.Unlock()
		return
	}

	t.conn = nil
	onDrop := t.onDrop
	t.mu.Unlock()

	conn.Close()

	var reason error = &events.TransportError{Op: "read", Err: err}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
		reason = events.ErrServerClosed
	}

	if onDrop != nil {
		onDrop(reason)
	}
}

func (t *SocketTransport) Send(_ context.Context, env events.Envelope) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return &events.TransportError{Op: "send", Err: errors.New("not connected")}
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := conn.WriteJSON(env); err != nil {
		return &events.TransportError{Op: "send", Err: err}
	}

	return nil
}

func (t *SocketTransport) Disconnect() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}

	t.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()

	return conn.Close()
}
