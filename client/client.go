// Package client is the application-facing side of the realtime subsystem:
// a connection manager over two interchangeable transports and a
// subscription multiplexer that dispatches every inbound event the same way
// whichever transport carried it.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/macwilko/wikid-realtime/events"
	"github.com/macwilko/wikid-realtime/typing"
)

const typingSweepInterval = 100 * time.Millisecond

type Handler func(events.Envelope)

type subscription struct {
	kind    events.Kind
	handler Handler
}

// Stats are passive delivery counters.
type Stats struct {
	Sent         uint64
	Received     uint64
	LastActivity time.Time
}

type Client struct {
	manager *Manager
	typing  *typing.Table
	now     func() time.Time
	logger  *slog.Logger

	mu       sync.RWMutex
	handlers map[events.Kind][]*subscription

	sent         atomic.Uint64
	received     atomic.Uint64
	lastActivity atomic.Int64

	sweepMu     sync.Mutex
	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// New builds a client. Unless replaced in opts, the primary transport is a
// websocket to opts.URL and the fallback polls opts.FallbackURL.
func New(opts Options) (*Client, error) {
	opts = opts.withDefaults()

	primary, fallback := opts.Primary, opts.Fallback

	if primary == nil {
		if opts.URL == "" {
			return nil, fmt.Errorf("client: URL is required")
		}

		primary = NewSocketTransport(opts.URL, opts.Token, opts.Logger)
	}

	if fallback == nil {
		base := opts.FallbackURL

		if base == "" {
			derived, err := fallbackBase(opts.URL)

			if err != nil {
				return nil, err
			}

			base = derived
		}

		fallback = NewPollingTransport(base, opts.Token, opts.PollInterval, opts.Logger)
	}

	c := &Client{
		typing:   typing.NewTable(opts.TypingTTL, opts.Now),
		now:      opts.Now,
		logger:   opts.Logger.With(slog.String("component", "client")),
		handlers: make(map[events.Kind][]*subscription),
	}

	c.manager = NewManager(opts, primary, fallback, c.dispatch)

	return c, nil
}

func (c *Client) Connect(ctx context.Context) error {
	c.startSweep()

	err := c.manager.Connect(ctx)

	if err != nil {
		c.stopSweep()
	}

	return err
}

// Disconnect stops every timer and loop, typing expiry included, then
// releases the transports.
func (c *Client) Disconnect() error {
	c.stopSweep()

	return c.manager.Disconnect()
}

func (c *Client) Reconnect(ctx context.Context) error {
	c.startSweep()

	return c.manager.Reconnect(ctx)
}

func (c *Client) State() State {
	return c.manager.State()
}

func (c *Client) FallbackActive() bool {
	return c.manager.FallbackActive()
}

func (c *Client) OnStateChange(fn func(Change)) {
	c.manager.OnStateChange(fn)
}

func (c *Client) OnAuthError(fn func(error)) {
	c.manager.OnAuthError(fn)
}

// Subscribe registers handler for kind. Handlers of one kind run in
// registration order. The returned func removes exactly this registration
// and may be called any number of times.
func (c *Client) Subscribe(kind events.Kind, handler Handler) (unsubscribe func()) {
	sub := &subscription{kind: kind, handler: handler}

	c.mu.Lock()
	c.handlers[kind] = append(c.handlers[kind], sub)
	c.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() { c.remove(sub) })
	}
}

func (c *Client) remove(sub *subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	subs := c.handlers[sub.kind]

	for i, s := range subs {
		if s == sub {
			c.handlers[sub.kind] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}

	if len(c.handlers[sub.kind]) == 0 {
		delete(c.handlers, sub.kind)
	}
}

// On subscribes a handler typed by payload; the kind comes from P.
func On[P events.Payload](c *Client, handler func(p P, at time.Time)) (unsubscribe func()) {
	var zero P

	return c.Subscribe(zero.Kind(), func(env events.Envelope) {
		if p, ok := env.Payload.(P); ok {
			handler(p, env.Timestamp)
		}
	})
}

// Emit sends an event through the active transport. false means it was not
// delivered: not connected with no fallback, a kind/payload mismatch, or a
// failed send.
func (c *Client) Emit(kind events.Kind, payload events.Payload) bool {
	return c.EmitContext(context.Background(), kind, payload)
}

func (c *Client) EmitContext(ctx context.Context, kind events.Kind, payload events.Payload) bool {
	if payload == nil || payload.Kind() != kind {
		c.logger.Warn("💀 Payload doesn't match event kind", slog.String("type", kind.String()))
		return false
	}

	if !c.manager.Send(ctx, events.NewAt(payload, c.now())) {
		return false
	}

	c.sent.Add(1)
	c.touch()

	return true
}

// JoinPost subscribes to typing indicators on a post. The room is
// re-requested after every reconnection.
func (c *Client) JoinPost(ctx context.Context, postID string) bool {
	return c.manager.JoinRoom(ctx, events.PostRoom(postID))
}

func (c *Client) LeavePost(ctx context.Context, postID string) bool {
	return c.manager.LeaveRoom(ctx, events.PostRoom(postID))
}

func (c *Client) StartTyping(postID string) bool {
	return c.Emit(events.UserTyping, events.UserTypingPayload{PostID: postID})
}

func (c *Client) StopTyping(postID string) bool {
	return c.Emit(events.UserStoppedTyping, events.UserStoppedTypingPayload{PostID: postID})
}

// TypingUsers lists who is typing on postID, as last reported by the
// server.
func (c *Client) TypingUsers(postID string) []typing.State {
	return c.typing.Active(postID)
}

func (c *Client) Stats() Stats {
	s := Stats{
		Sent:     c.sent.Load(),
		Received: c.received.Load(),
	}

	if ns := c.lastActivity.Load(); ns != 0 {
		s.LastActivity = time.Unix(0, ns)
	}

	return s
}

func (c *Client) touch() {
	c.lastActivity.Store(c.now().UnixNano())
}

// dispatch is the only inbound path, shared by both transports.
func (c *Client) dispatch(env events.Envelope) {
	c.received.Add(1)
	c.touch()

	c.track(env)

	c.mu.RLock()
	subs := append([]*subscription(nil), c.handlers[env.Type]...)
	c.mu.RUnlock()

	for _, s := range subs {
		s.handler(env)
	}
}

// track keeps the typing table in step with the server.
func (c *Client) track(env events.Envelope) {
	switch p := env.Payload.(type) {
	case events.UserTypingPayload:
		c.typing.Touch(p.UserID, p.PostID, p.UserName)

	case events.UserStoppedTypingPayload:
		c.typing.Remove(p.UserID, p.PostID)

	case events.UserOfflinePayload:
		c.typing.RemoveUser(p.UserID)

	case events.SyncResponsePayload:
		for _, t := range p.Typing {
			c.typing.Touch(t.UserID, t.PostID, t.UserName)
		}
	}
}

func (c *Client) startSweep() {
	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()

	if c.sweepCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.sweepCancel, c.sweepDone = cancel, done

	go func() {
		defer close(done)

		c.typing.Run(ctx, typingSweepInterval, func(s typing.State) {
			c.logger.Debug("Typing expired",
				slog.String("userID", s.UserID),
				slog.String("postID", s.PostID))
		})
	}()
}

func (c *Client) stopSweep() {
	c.sweepMu.Lock()
	cancel, done := c.sweepCancel, c.sweepDone
	c.sweepCancel, c.sweepDone = nil, nil
	c.sweepMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
