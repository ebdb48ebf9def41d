package chatserver

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// ErrUnknownConnection is returned for a connection ID the registry does
// not hold, usually one that has already been released.
var ErrUnknownConnection = errors.New("unknown connection")

// Transition is a presence change for one identity: its connection count
// went from 0 to 1 (Online) or from 1 to 0.
type Transition struct {
	UserID string
	Online bool
	At     time.Time
}

// Registry owns every live Connection, the identity index and room
// membership. It is the only writer of that state.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
	users map[string]map[string]*Connection
	rooms map[string]map[string]*Connection
	joins map[string]map[string]struct{}

	// notifyMu orders transitions so listeners observe online/offline for
	// one identity in the order they happened.
	notifyMu  sync.Mutex
	listeners []func(Transition)

	now     func() time.Time
	metrics *Metrics
	logger  *slog.Logger
}

func NewRegistry(logger *slog.Logger, metrics *Metrics) *Registry {
	return &Registry{
		conns:   make(map[string]*Connection),
		users:   make(map[string]map[string]*Connection),
		rooms:   make(map[string]map[string]*Connection),
		joins:   make(map[string]map[string]struct{}),
		now:     time.Now,
		metrics: metrics,
		logger:  logger.With(slog.String("component", "registry")),
	}
}

// OnTransition adds a presence listener. Listeners run synchronously after
// the index is updated and must not call back into Register or Deregister.
func (r *Registry) OnTransition(fn func(Transition)) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.listeners = append(r.listeners, fn)
}

// Register admits conn. Registering the same connection ID twice is a
// no-op. online is true when conn is the identity's first connection.
func (r *Registry) Register(conn *Connection) (online bool) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()

	if _, exists := r.conns[conn.ID]; exists {
		r.mu.Unlock()
		return false
	}

	r.conns[conn.ID] = conn
	r.joins[conn.ID] = make(map[string]struct{})

	devices, ok := r.users[conn.UserID]
	if !ok {
		devices = make(map[string]*Connection)
		r.users[conn.UserID] = devices
	}
	devices[conn.ID] = conn
	online = len(devices) == 1

	r.observe()
	r.mu.Unlock()

	r.logger.Debug("Connection registered",
		slog.String("connID", conn.ID),
		slog.String("userID", conn.UserID),
		slog.Bool("fallback", conn.Fallback))

	if online {
		r.notify(Transition{UserID: conn.UserID, Online: true, At: r.now()})
	}

	return online
}

// Deregister removes the connection from every room and from the identity
// index. offline is true only for the call that removes the identity's
// last connection.
func (r *Registry) Deregister(connID string) (conn *Connection, offline bool) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()

	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}

	delete(r.conns, connID)

	for room := range r.joins[connID] {
		r.removeMember(room, connID)
	}
	delete(r.joins, connID)

	if devices, ok := r.users[conn.UserID]; ok {
		delete(devices, connID)

		if len(devices) == 0 {
			delete(r.users, conn.UserID)
			offline = true
		}
	}

	r.observe()
	r.mu.Unlock()

	r.logger.Debug("Connection deregistered",
		slog.String("connID", connID),
		slog.String("userID", conn.UserID))

	if offline {
		r.notify(Transition{UserID: conn.UserID, Online: false, At: r.now()})
	}

	return conn, offline
}

func (r *Registry) notify(t Transition) {
	if r.metrics != nil {
		r.metrics.observeTransition(t)
	}

	for _, fn := range r.listeners {
		fn(t)
	}
}

// observe must be called with mu held.
func (r *Registry) observe() {
	if r.metrics == nil {
		return
	}

	r.metrics.Connections.Set(float64(len(r.conns)))
	r.metrics.OnlineUsers.Set(float64(len(r.users)))
}

func (r *Registry) JoinRoom(connID, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]*Connection)
		r.rooms[room] = members
	}

	members[connID] = conn
	r.joins[connID][room] = struct{}{}

	return nil
}

func (r *Registry) LeaveRoom(connID, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[connID]; !ok {
		return ErrUnknownConnection
	}

	r.removeMember(room, connID)
	delete(r.joins[connID], room)

	return nil
}

// removeMember must be called with mu held.
func (r *Registry) removeMember(room, connID string) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}

	delete(members, connID)

	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// Connection looks up a live connection by ID.
func (r *Registry) Connection(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[connID]
	return conn, ok
}

// SocketsFor returns the connection IDs held by userID, sorted.
func (r *Registry) SocketsFor(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := maps.Keys(r.users[userID])
	slices.Sort(ids)

	return ids
}

// ConnectionsFor returns the live connections held by userID, sorted by ID.
func (r *Registry) ConnectionsFor(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return sortedConns(r.users[userID])
}

// Members returns a snapshot of the connections in room.
func (r *Registry) Members(room string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return sortedConns(r.rooms[room])
}

// All returns every live connection, sorted by ID.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return sortedConns(r.conns)
}

func (r *Registry) RoomsOf(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := maps.Keys(r.joins[connID])
	slices.Sort(rooms)

	return rooms
}

func (r *Registry) InRoom(connID, room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.joins[connID][room]
	return ok
}

// OnlineUsers lists every identity with at least one connection.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := maps.Keys(r.users)
	slices.Sort(users)

	return users
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.users[userID]) > 0
}

// Count is the number of live connections on this process.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns)
}

func sortedConns(m map[string]*Connection) []*Connection {
	conns := maps.Values(m)
	slices.SortFunc(conns, func(a, b *Connection) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})

	return conns
}
