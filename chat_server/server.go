package chatserver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/macwilko/wikid-realtime/events"
	"github.com/macwilko/wikid-realtime/typing"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/exp/slices"
)

// RoomResolver lists the rooms a new connection joins on admission.
type RoomResolver func(ctx context.Context, ident Identity) ([]string, error)

// DefaultRooms joins the identity's own room and the public room.
func DefaultRooms(_ context.Context, ident Identity) ([]string, error) {
	return []string{events.UserRoom(ident.UserID), events.PublicRoom}, nil
}

type Options struct {
	NodeID        string
	Logger        *slog.Logger
	Adapter       Adapter
	Queue         QueueStore
	Rooms         RoomResolver
	TypingTTL     time.Duration
	SweepInterval time.Duration
	FallbackTTL   time.Duration
	Registerer    prometheus.Registerer
	Now           func() time.Time
}

// Server is the realtime context built once per process and handed to
// every handler that needs it.
type Server struct {
	NodeID   string
	Registry *Registry
	Router   *Router
	Presence *Presence
	Typing   *TypingCoordinator
	Fallback *Fallback
	Metrics  *Metrics

	adapter       Adapter
	rooms         RoomResolver
	sweepInterval time.Duration
	now           func() time.Time
	logger        *slog.Logger
}

func NewServer(opts Options) *Server {
	if opts.NodeID == "" {
		opts.NodeID = uuid.NewString()
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.Queue == nil {
		opts.Queue = NewMemoryQueue(DefaultQueueLimit)
	}

	if opts.Rooms == nil {
		opts.Rooms = DefaultRooms
	}

	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	logger := opts.Logger.With(slog.String("node", opts.NodeID))
	metrics := NewMetrics(opts.Registerer)

	s := &Server{
		NodeID:        opts.NodeID,
		Metrics:       metrics,
		adapter:       opts.Adapter,
		rooms:         opts.Rooms,
		sweepInterval: opts.SweepInterval,
		now:           opts.Now,
		logger:        logger,
	}

	s.Registry = NewRegistry(logger, metrics)
	s.Registry.now = opts.Now
	s.Router = NewRouter(opts.NodeID, s.Registry, metrics, logger)
	s.Typing = NewTypingCoordinator(typing.NewTable(opts.TypingTTL, opts.Now), s.Router, logger)
	s.Presence = NewPresence(s.Registry, s.Router, s.Typing, logger)
	s.Fallback = newFallback(s, opts.Queue, opts.FallbackTTL, logger)

	return s
}

// Run attaches the adapter and runs the sweepers until ctx is done.
func (s *Server) Run(ctx context.Context) {
	if s.adapter != nil {
		s.Router.Attach(ctx, s.adapter)
	} else {
		s.logger.Warn("🚧 No broadcast adapter, running single-process")
	}

	go s.Fallback.run(ctx)

	s.Typing.Run(ctx, s.sweepInterval)

	if s.adapter != nil {
		s.adapter.Close()
	}
}

// Admit greets an authenticated connection with CONNECTED, registers it and
// joins its default rooms. CONNECTED goes out first so it precedes the
// connection's own USER_ONLINE.
func (s *Server) Admit(ctx context.Context, conn *Connection) error {
	rooms, err := s.rooms(ctx, conn.Identity())

	if err != nil {
		return fmt.Errorf("resolve rooms: %w", err)
	}

	slices.Sort(rooms)
	rooms = slices.Compact(rooms)

	s.Router.Send(conn, events.NewAt(events.ConnectedPayload{
		ConnectionID: conn.ID,
		UserID:       conn.UserID,
		Rooms:        rooms,
	}, s.now()))

	s.Registry.Register(conn)

	for _, room := range rooms {
		if err := s.Registry.JoinRoom(conn.ID, room); err != nil {
			return fmt.Errorf("join %s: %w", room, err)
		}
	}

	return nil
}

// Release deregisters a connection. Safe to call more than once.
func (s *Server) Release(connID string) {
	s.Registry.Deregister(connID)
}

// Kick ends a connection deliberately. Unlike an eviction the client is
// told not to reconnect.
func (s *Server) Kick(connID string) error {
	conn, ok := s.Registry.Connection(connID)

	if !ok {
		return ErrUnknownConnection
	}

	s.logger.Info("🚧 Kicking connection",
		slog.String("connID", conn.ID),
		slog.String("userID", conn.UserID))

	conn.End()
	s.Release(connID)

	return nil
}

// Snapshot answers SYNC_REQUEST for conn.
func (s *Server) Snapshot(conn *Connection) events.SyncResponsePayload {
	rooms := s.Registry.RoomsOf(conn.ID)
	typingStates := []events.UserTypingPayload{}

	for _, room := range rooms {
		postID, ok := events.PostIDOf(room)
		if !ok {
			continue
		}

		for _, t := range s.Typing.Active(postID) {
			if t.UserID != conn.UserID {
				typingStates = append(typingStates, t)
			}
		}
	}

	return events.SyncResponsePayload{
		OnlineUsers: s.Registry.OnlineUsers(),
		Typing:      typingStates,
		Rooms:       rooms,
		ServerTime:  s.now().UTC(),
	}
}
