package chatserver

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/macwilko/wikid-realtime/events"
)

// DefaultOutboxSize bounds the deliveries waiting to be published to the
// adapter. When it is full new deliveries stay local.
const DefaultOutboxSize = 1024

const publishTimeout = 5 * time.Second

// Router delivers events to local connections and, when an adapter is
// attached, to the other processes. Publishing runs on the router's own
// goroutine, in dispatch order, so a slow adapter never holds up a caller.
type Router struct {
	nodeID   string
	registry *Registry
	metrics  *Metrics
	logger   *slog.Logger
	outbox   chan Delivery

	mu         sync.RWMutex
	adapter    Adapter
	publishing bool
}

func NewRouter(nodeID string, registry *Registry, metrics *Metrics, logger *slog.Logger) *Router {
	return &Router{
		nodeID:   nodeID,
		registry: registry,
		metrics:  metrics,
		logger:   logger.With(slog.String("component", "router")),
		outbox:   make(chan Delivery, DefaultOutboxSize),
	}
}

// Attach subscribes to the adapter and relays remote deliveries until ctx
// is done. If the subscription fails the adapter is detached and the router
// keeps serving local connections only.
func (r *Router) Attach(ctx context.Context, adapter Adapter) {
	r.mu.Lock()
	r.adapter = adapter
	start := !r.publishing
	r.publishing = true
	r.mu.Unlock()

	if start {
		go r.publishLoop(ctx)
	}

	go func() {
		err := adapter.Subscribe(ctx, r.Relay)

		if err != nil && ctx.Err() == nil {
			r.logger.Error("💀 Adapter unavailable, running single-process",
				slog.String("error", err.Error()))

			r.Detach()
		}
	}()
}

func (r *Router) Detach() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.adapter = nil
}

func (r *Router) Distributed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.adapter != nil
}

func (r *Router) ToRoom(ctx context.Context, room string, env events.Envelope) int {
	return r.Deliver(ctx, Target{Scope: ScopeRoom, Room: room}, env)
}

// ToRoomExcept skips every connection owned by exceptUserID.
func (r *Router) ToRoomExcept(ctx context.Context, room, exceptUserID string, env events.Envelope) int {
	return r.Deliver(ctx, Target{Scope: ScopeRoom, Room: room, ExceptUserID: exceptUserID}, env)
}

// ToUser reaches every device of userID.
func (r *Router) ToUser(ctx context.Context, userID string, env events.Envelope) int {
	return r.Deliver(ctx, Target{Scope: ScopeUser, UserID: userID}, env)
}

func (r *Router) ToAll(ctx context.Context, env events.Envelope) int {
	return r.Deliver(ctx, Target{Scope: ScopeAll}, env)
}

// Deliver sends env to the local connections selected by target, then
// queues it for the other processes. It returns the local delivery count
// and never waits on the adapter.
func (r *Router) Deliver(_ context.Context, target Target, env events.Envelope) int {
	n := r.deliverLocal(target, env)

	if !r.Distributed() {
		return n
	}

	select {
	case r.outbox <- Delivery{Origin: r.nodeID, Target: target, Envelope: env}:
	default:
		if r.metrics != nil {
			r.metrics.AdapterFailures.Inc()
		}

		r.logger.Warn("💀 Publish backlog full, other processes will miss it",
			slog.String("type", env.Type.String()))
	}

	return n
}

// publishLoop drains the outbox into whichever adapter is attached until ctx
// is done. Deliveries queued before a detach are dropped.
func (r *Router) publishLoop(ctx context.Context) {
	defer func() {
		r.mu.Lock()
		r.publishing = false
		r.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case d := <-r.outbox:
			r.mu.RLock()
			adapter := r.adapter
			r.mu.RUnlock()

			if adapter != nil {
				r.publish(ctx, adapter, d)
			}
		}
	}
}

func (r *Router) publish(ctx context.Context, adapter Adapter, d Delivery) {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err := adapter.Publish(ctx, d)

	if err == nil {
		return
	}

	var unavailable *events.AdapterUnavailableError

	if errors.As(err, &unavailable) && r.metrics != nil {
		r.metrics.AdapterFailures.Inc()
	}

	r.logger.Warn("💀 Couldn't publish delivery, other processes will miss it",
		slog.String("type", d.Envelope.Type.String()),
		slog.String("error", err.Error()))
}

// Relay delivers a delivery received from another process. Deliveries
// published by this process were already delivered locally.
func (r *Router) Relay(d Delivery) {
	if d.Origin == r.nodeID {
		return
	}

	r.deliverLocal(d.Target, d.Envelope)
}

// Send delivers env to exactly one connection.
func (r *Router) Send(conn *Connection, env events.Envelope) bool {
	if conn.Send(env) {
		r.observeDelivered(env)
		return true
	}

	r.evict(conn, env)

	return false
}

func (r *Router) deliverLocal(target Target, env events.Envelope) int {
	var conns []*Connection

	switch target.Scope {
	case ScopeRoom:
		conns = r.registry.Members(target.Room)
	case ScopeUser:
		conns = r.registry.ConnectionsFor(target.UserID)
	case ScopeAll:
		conns = r.registry.All()
	default:
		r.logger.Warn("💀 Unknown delivery scope", slog.String("scope", string(target.Scope)))
		return 0
	}

	n := 0

	for _, conn := range conns {
		if target.ExceptUserID != "" && conn.UserID == target.ExceptUserID {
			continue
		}

		if r.Send(conn, env) {
			n++
		}
	}

	return n
}

// evict drops a connection whose transport can't keep up. Deregistration
// runs on its own goroutine since evict may be reached from inside a
// presence notification.
func (r *Router) evict(conn *Connection, env events.Envelope) {
	if r.metrics != nil {
		r.metrics.Dropped.WithLabelValues(env.Type.String()).Inc()
	}

	r.logger.Warn("💀 Slow or closed connection, evicting",
		slog.String("connID", conn.ID),
		slog.String("userID", conn.UserID))

	conn.Close()
	go r.registry.Deregister(conn.ID)
}

func (r *Router) observeDelivered(env events.Envelope) {
	if r.metrics != nil {
		r.metrics.Delivered.WithLabelValues(env.Type.String()).Inc()
	}
}
