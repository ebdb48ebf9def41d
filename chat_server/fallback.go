package chatserver

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/macwilko/wikid-realtime/events"
)

const DefaultFallbackTTL = 30 * time.Second

// Fallback tracks polling sessions. Each identity has at most one session
// per process; it is a regular registry connection whose sink is the
// identity's queue, so presence and routing treat it like a socket.
type Fallback struct {
	server *Server
	store  QueueStore
	ttl    time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Connection
}

func newFallback(server *Server, store QueueStore, ttl time.Duration, logger *slog.Logger) *Fallback {
	if ttl <= 0 {
		ttl = DefaultFallbackTTL
	}

	return &Fallback{
		server:   server,
		store:    store,
		ttl:      ttl,
		logger:   logger.With(slog.String("component", "fallback")),
		sessions: make(map[string]*Connection),
	}
}

// Session returns the identity's polling connection, admitting a new one
// if needed, and marks it as seen.
func (f *Fallback) Session(ctx context.Context, ident Identity) (*Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.server.now()

	if conn, ok := f.sessions[ident.UserID]; ok {
		if _, live := f.server.Registry.Connection(conn.ID); live {
			conn.Touch(now)
			return conn, nil
		}

		delete(f.sessions, ident.UserID)
	}

	sink := &queueSink{store: f.store, userID: ident.UserID, logger: f.logger}
	conn := NewConnection(ident, sink, true)
	conn.Touch(now)

	if err := f.server.Admit(ctx, conn); err != nil {
		return nil, err
	}

	f.sessions[ident.UserID] = conn

	f.logger.Info("🐢 Fallback session started", slog.String("userID", ident.UserID))

	return conn, nil
}

// Poll returns and clears everything queued for the identity.
func (f *Fallback) Poll(ctx context.Context, ident Identity) ([]events.Envelope, error) {
	if _, err := f.Session(ctx, ident); err != nil {
		return nil, err
	}

	return f.store.Drain(ctx, ident.UserID)
}

// Emit handles one event sent through the fallback endpoint exactly like an
// event read from a socket.
func (f *Fallback) Emit(ctx context.Context, ident Identity, env events.Envelope) error {
	conn, err := f.Session(ctx, ident)

	if err != nil {
		return err
	}

	return f.server.HandleInbound(ctx, conn, env)
}

// Sweep ends sessions that have not polled within the TTL.
func (f *Fallback) Sweep(ctx context.Context) int {
	f.mu.Lock()

	deadline := f.server.now().Add(-f.ttl)
	var idle []*Connection

	for userID, conn := range f.sessions {
		if conn.LastSeen().Before(deadline) {
			idle = append(idle, conn)
			delete(f.sessions, userID)
		}
	}

	f.mu.Unlock()

	for _, conn := range idle {
		f.logger.Info("🐢 Fallback session expired", slog.String("userID", conn.UserID))

		conn.Close()
		f.server.Release(conn.ID)

		if err := f.store.Clear(ctx, conn.UserID); err != nil {
			f.logger.Warn("💀 Couldn't clear fallback queue",
				slog.String("userID", conn.UserID),
				slog.String("error", err.Error()))
		}
	}

	return len(idle)
}

func (f *Fallback) Active(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.sessions[userID]
	return ok
}

func (f *Fallback) run(ctx context.Context) {
	ticker := time.NewTicker(f.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.Sweep(ctx)
		}
	}
}
