package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/macwilko/wikid-realtime/events"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Manager owns the primary transport and its state machine, and switches to
// the fallback transport when the primary can't be recovered.
//
// State listeners run synchronously on the goroutine that caused the
// transition and must not call Connect, Reconnect or Disconnect.
type Manager struct {
	opts     Options
	primary  Transport
	fallback Transport
	backoff  backoff
	dispatch func(events.Envelope)
	logger   *slog.Logger

	// notifyMu orders transitions and their listener calls.
	notifyMu sync.Mutex

	mu             sync.Mutex
	state          State
	fallbackActive bool
	attempts       int
	reconnectCtx   context.Context
	reconnectStop  context.CancelFunc
	probing        bool
	seq            uint64
	rooms          map[string]struct{}
	life           context.Context
	lifeCancel     context.CancelFunc
	connCancel     context.CancelFunc
	listeners      []func(Change)
	authListeners  []func(error)

	wg sync.WaitGroup
}

// NewManager wires both transports to dispatch, the single path every
// inbound envelope takes.
func NewManager(opts Options, primary, fallback Transport, dispatch func(events.Envelope)) *Manager {
	opts = opts.withDefaults()

	m := &Manager{
		opts:     opts,
		primary:  primary,
		fallback: fallback,
		backoff: backoff{
			base:   opts.ReconnectionDelay,
			max:    opts.ReconnectionDelayMax,
			factor: opts.RandomizationFactor,
		},
		dispatch: dispatch,
		logger:   opts.Logger.With(slog.String("component", "manager")),
		state:    Disconnected,
		rooms:    make(map[string]struct{}),
	}

	primary.OnEvent(m.receive)
	fallback.OnEvent(m.receive)

	if d, ok := primary.(Dropper); ok {
		d.OnDrop(m.dropped)
	}

	return m
}

func (m *Manager) receive(env events.Envelope) {
	if m.dispatch != nil {
		m.dispatch(env)
	}
}

func (m *Manager) OnStateChange(fn func(Change)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// OnAuthError is called when either transport's credential is refused. The
// manager is DISCONNECTED by then and will not retry.
func (m *Manager) OnAuthError(fn func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authListeners = append(m.authListeners, fn)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) FallbackActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fallbackActive
}

// Attempts is the number of reconnection attempts since the last successful
// connection.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// transition applies fn under the lock and notifies listeners, unless life
// is no longer the current session.
func (m *Manager) transition(life context.Context, fn func(c *Change)) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()

	if life != nil && m.life != life {
		m.mu.Unlock()
		return
	}

	c := Change{State: m.state, FallbackActive: m.fallbackActive, Attempt: m.attempts}
	fn(&c)
	m.state = c.State
	m.fallbackActive = c.FallbackActive
	m.attempts = c.Attempt

	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()

	m.logger.Debug("State changed",
		slog.String("state", c.State.String()),
		slog.Bool("fallbackActive", c.FallbackActive),
		slog.Int("attempt", c.Attempt))

	for _, l := range listeners {
		l(c)
	}
}

// Connect starts a session. Only an authentication failure is returned;
// transport failures are retried in the background. Connect is a no-op
// while a session is running; use Reconnect to force the primary transport.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()

	if m.life != nil {
		m.mu.Unlock()
		return nil
	}

	life, cancel := context.WithCancel(context.Background())
	m.life, m.lifeCancel = life, cancel
	m.mu.Unlock()

	m.transition(life, func(c *Change) { c.State = Connecting })

	err := m.primary.Connect(ctx)

	if err == nil {
		m.connected(life)
		return nil
	}

	if events.IsAuthentication(err) {
		m.authFailed(life, err)
		return err
	}

	m.logger.Warn("💀 Couldn't connect", slog.String("error", err.Error()))

	if m.opts.DisableReconnection {
		m.transition(life, func(c *Change) {
			c.State = Disconnected
			c.Err = err
		})
		m.activateFallback(life, err)

		return nil
	}

	m.startReconnect(life, err)

	return nil
}

// Reconnect tries the primary transport once right away, whatever the
// current state. On failure the current mode is kept.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	life, state := m.life, m.state
	m.mu.Unlock()

	if life == nil {
		return m.Connect(ctx)
	}

	if state == Connected {
		return nil
	}

	err := m.primary.Connect(ctx)

	if err == nil {
		m.connected(life)
		return nil
	}

	if events.IsAuthentication(err) {
		m.authFailed(life, err)
	}

	return err
}

// Disconnect ends the session: it stops every loop owned by the manager,
// then releases both transports.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	cancel := m.lifeCancel
	connCancel := m.connCancel
	wasFallback := m.fallbackActive
	m.life, m.lifeCancel, m.connCancel = nil, nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()

	if connCancel != nil {
		connCancel()
	}

	m.wg.Wait()

	err := m.primary.Disconnect()

	if wasFallback {
		m.fallback.Disconnect()
	}

	m.transition(nil, func(c *Change) {
		c.State = Disconnected
		c.FallbackActive = false
		c.Attempt = 0
	})

	return err
}

// connected enters CONNECTED: a pending reconnect loop is stopped, the
// fallback is released, rooms are re-requested with SYNC_REQUEST and the
// heartbeat starts.
func (m *Manager) connected(life context.Context) {
	if life.Err() != nil {
		m.primary.Disconnect()
		return
	}

	m.mu.Lock()

	if m.connCancel != nil {
		m.connCancel()
	}

	if m.reconnectStop != nil {
		m.reconnectStop()
		m.reconnectCtx, m.reconnectStop = nil, nil
	}

	connCtx, cancel := context.WithCancel(life)
	m.connCancel = cancel
	wasFallback := m.fallbackActive
	rooms := maps.Keys(m.rooms)
	m.mu.Unlock()

	slices.Sort(rooms)

	if wasFallback {
		m.fallback.Disconnect()
	}

	m.transition(life, func(c *Change) {
		c.State = Connected
		c.FallbackActive = false
		c.Attempt = 0
	})

	m.logger.Info("🚀 Connected", slog.Bool("recoveredFromFallback", wasFallback))

	if err := m.primary.Send(connCtx, events.New(events.SyncRequestPayload{Rooms: rooms})); err != nil {
		m.logger.Warn("💀 Couldn't request sync", slog.String("error", err.Error()))
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.heartbeat(connCtx)
	}()
}

func (m *Manager) authFailed(life context.Context, err error) {
	m.logger.Error("💀 Authentication refused", slog.String("error", err.Error()))

	m.mu.Lock()

	if m.life != life {
		m.mu.Unlock()
		return
	}

	m.lifeCancel()
	m.life, m.lifeCancel, m.connCancel = nil, nil, nil
	wasFallback := m.fallbackActive
	listeners := slices.Clone(m.authListeners)
	m.mu.Unlock()

	if wasFallback {
		m.fallback.Disconnect()
	}

	m.transition(nil, func(c *Change) {
		c.State = Disconnected
		c.FallbackActive = false
		c.Attempt = 0
		c.Err = err
	})

	for _, l := range listeners {
		l(err)
	}
}

// dropped handles a primary session lost without Disconnect.
func (m *Manager) dropped(err error) {
	m.mu.Lock()
	life := m.life

	if life == nil || m.state != Connected {
		m.mu.Unlock()
		return
	}

	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}

	m.mu.Unlock()

	m.logger.Warn("💀 Connection lost", slog.String("error", err.Error()))

	if errors.Is(err, events.ErrServerClosed) || m.opts.DisableReconnection {
		m.transition(life, func(c *Change) {
			c.State = Disconnected
			c.Err = err
		})
		m.activateFallback(life, err)

		return
	}

	m.startReconnect(life, err)
}

func (m *Manager) startReconnect(life context.Context, cause error) {
	m.mu.Lock()

	if m.reconnectCtx != nil || m.life != life {
		m.mu.Unlock()
		return
	}

	loop, stop := context.WithCancel(life)
	m.reconnectCtx, m.reconnectStop = loop, stop
	m.mu.Unlock()

	m.transition(life, func(c *Change) {
		c.State = Reconnecting
		c.Attempt = 0
		c.Err = cause
	})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.reconnectLoop(life, loop, stop)
	}()
}

// reconnectLoop runs until an attempt succeeds, attempts run out or loop is
// cancelled, which connected does when another path got there first.
func (m *Manager) reconnectLoop(life, loop context.Context, stop context.CancelFunc) {
	done := func() {
		m.mu.Lock()
		if m.reconnectCtx == loop {
			m.reconnectCtx, m.reconnectStop = nil, nil
		}
		m.mu.Unlock()
		stop()
	}

	for attempt := 1; attempt <= m.opts.ReconnectionAttempts; attempt++ {
		if !sleep(loop, m.backoff.delay(attempt)) {
			done()
			return
		}

		n := attempt
		m.transition(life, func(c *Change) {
			if loop.Err() != nil {
				return
			}

			c.State = Reconnecting
			c.Attempt = n
		})

		err := m.primary.Connect(loop)

		if loop.Err() != nil {
			done()
			return
		}

		if err == nil {
			done()
			m.connected(life)
			return
		}

		if events.IsAuthentication(err) {
			done()
			m.authFailed(life, err)
			return
		}

		m.logger.Warn("💀 Reconnection attempt failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
	}

	done()

	m.transition(life, func(c *Change) {
		c.State = Error
		c.Err = events.ErrReconnectExhausted
	})

	m.activateFallback(life, events.ErrReconnectExhausted)
}

// activateFallback switches outgoing and incoming traffic to the fallback
// transport and starts probing the primary one.
func (m *Manager) activateFallback(life context.Context, cause error) {
	m.mu.Lock()

	if m.fallbackActive || m.life != life || life.Err() != nil {
		m.mu.Unlock()
		return
	}

	m.mu.Unlock()

	m.transition(life, func(c *Change) {
		c.FallbackActive = true
		c.Err = cause
	})

	m.logger.Warn("🐢 Fallback transport active", slog.String("cause", cause.Error()))

	if err := m.fallback.Connect(life); err != nil {
		if events.IsAuthentication(err) {
			m.transition(life, func(c *Change) { c.FallbackActive = false })
			m.authFailed(life, err)
			return
		}

		m.logger.Warn("💀 Fallback transport failed to start", slog.String("error", err.Error()))
	} else if err := m.fallback.Send(life, events.New(events.SyncRequestPayload{Rooms: m.Rooms()})); err != nil {
		m.logger.Warn("💀 Couldn't request sync over fallback", slog.String("error", err.Error()))
	}

	m.startProbe(life)
}

func (m *Manager) startProbe(life context.Context) {
	m.mu.Lock()

	if m.probing {
		m.mu.Unlock()
		return
	}

	m.probing = true
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			m.probing = false
			m.mu.Unlock()
		}()

		m.probe(life)
	}()
}

// probe retries the primary transport while the fallback is active.
func (m *Manager) probe(life context.Context) {
	ticker := time.NewTicker(m.opts.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-life.Done():
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		active := m.fallbackActive && m.state != Connected
		m.mu.Unlock()

		if !active {
			return
		}

		err := m.primary.Connect(life)

		if err == nil {
			m.connected(life)
			return
		}

		if events.IsAuthentication(err) {
			m.authFailed(life, err)
			return
		}

		m.logger.Debug("Primary transport still unavailable", slog.String("error", err.Error()))
	}
}

func (m *Manager) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		m.seq++
		seq := m.seq
		m.mu.Unlock()

		if err := m.primary.Send(ctx, events.New(events.HeartbeatPayload{Seq: seq})); err != nil {
			m.logger.Warn("💀 Heartbeat failed", slog.String("error", err.Error()))
		}
	}
}

// Send routes env through whichever transport is active. It reports false,
// never an error, when nothing could carry it.
func (m *Manager) Send(ctx context.Context, env events.Envelope) bool {
	m.mu.Lock()
	state, fallback := m.state, m.fallbackActive
	m.mu.Unlock()

	var err error

	switch {
	case state == Connected:
		err = m.primary.Send(ctx, env)
	case fallback:
		err = m.fallback.Send(ctx, env)
	default:
		return false
	}

	if err != nil {
		m.logger.Debug("Send failed",
			slog.String("type", env.Type.String()),
			slog.String("error", err.Error()))

		return false
	}

	return true
}

// JoinRoom remembers room so it is re-requested after every reconnection,
// and joins it now if a transport is available.
func (m *Manager) JoinRoom(ctx context.Context, room string) bool {
	m.mu.Lock()
	m.rooms[room] = struct{}{}
	m.mu.Unlock()

	return m.Send(ctx, events.New(events.RoomJoinPayload{Room: room}))
}

func (m *Manager) LeaveRoom(ctx context.Context, room string) bool {
	m.mu.Lock()
	delete(m.rooms, room)
	m.mu.Unlock()

	return m.Send(ctx, events.New(events.RoomLeavePayload{Room: room}))
}

func (m *Manager) Rooms() []string {
	m.mu.Lock()
	rooms := maps.Keys(m.rooms)
	m.mu.Unlock()

	slices.Sort(rooms)

	return rooms
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
