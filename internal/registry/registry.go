package registry

import (
	"context"
	"errors"
	"fmt"
	"hash/maphash"
	"log/slog"
	"sync"
	"time"

	"roomcast/internal/auth"
	"roomcast/internal/broker"
	"roomcast/internal/metrics"
	"roomcast/internal/models"

	"github.com/c-pro/geche"
)

const shardCount = 32

var ErrDuplicateConnection = errors.New("connection already registered")

// Listener is told that a user's connection set or focus changed. It is
// invoked outside registry locks and must re-read state it cares about.
type Listener interface {
	Changed(userID string)
}

type Connection struct {
	ID     string
	UserID string
	Sink   broker.Subscriber

	mu       sync.Mutex
	rooms    map[string]struct{}
	lastSeen time.Time
	focused  bool
	closed   bool
}

func (c *Connection) Focused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.focused
}

func (c *Connection) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// keyMapper spreads string keys uniformly over shards.
type keyMapper struct {
	seed maphash.Seed
}

func (m keyMapper) Map(key string, numShards int) int {
	return int(maphash.String(m.seed, key) % uint64(numShards))
}

type userSet = map[string]*Connection

// Registry tracks live, identified connections per user and their joined
// rooms. The connection index is a sharded geche cache; per-user sets live
// in Locker shards so membership updates are atomic.
type Registry struct {
	verifier auth.Verifier
	broker   *broker.Broker
	timeout  time.Duration
	now      func() time.Time

	mapper keyMapper
	conns  *geche.Sharded[string, *Connection]
	users  [shardCount]*geche.Locker[string, userSet]

	listenerMu sync.RWMutex
	listener   Listener
}

func New(verifier auth.Verifier, b *broker.Broker, heartbeatTimeout time.Duration) *Registry {
	mapper := keyMapper{seed: maphash.MakeSeed()}
	r := &Registry{
		verifier: verifier,
		broker:   b,
		timeout:  heartbeatTimeout,
		now:      time.Now,
		mapper:   mapper,
		conns: geche.NewSharded[string, *Connection](func() geche.Geche[string, *Connection] {
			return geche.NewMapCache[string, *Connection]()
		}, shardCount, mapper),
	}
	for i := range r.users {
		r.users[i] = geche.NewLocker[string, userSet](geche.NewMapCache[string, userSet]())
	}
	return r
}

func (r *Registry) userShard(userID string) *geche.Locker[string, userSet] {
	return r.users[r.mapper.Map(userID, shardCount)]
}

func (r *Registry) lookup(connID string) (*Connection, bool) {
	conn, err := r.conns.Get(connID)
	return conn, err == nil
}

func (r *Registry) onlineUsers() int {
	n := 0
	for _, l := range r.users {
		tx := l.RLock()
		n += tx.Len()
		tx.Unlock()
	}
	return n
}

func (r *Registry) SetListener(l Listener) {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	r.listener = l
}

func (r *Registry) notify(userID string) {
	r.listenerMu.RLock()
	l := r.listener
	r.listenerMu.RUnlock()
	if l != nil {
		l.Changed(userID)
	}
	metrics.SetOnlineUsers(r.onlineUsers())
}

// Register verifies the token and records the connection for userID.
func (r *Registry) Register(ctx context.Context, connID, userID, token string, sink broker.Subscriber) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if userID == "" || token == "" {
		return models.ErrIdentityUnverified
	}
	if err := r.verifier.Verify(userID, token); err != nil {
		return fmt.Errorf("%w: %v", models.ErrIdentityUnverified, err)
	}

	conn := &Connection{
		ID:       connID,
		UserID:   userID,
		Sink:     sink,
		rooms:    make(map[string]struct{}),
		lastSeen: r.now(),
	}
	if _, inserted := r.conns.SetIfAbsent(connID, conn); !inserted {
		return ErrDuplicateConnection
	}

	tx := r.userShard(userID).Lock()
	set, err := tx.Get(userID)
	if err != nil {
		set = make(userSet)
	}
	set[connID] = conn
	tx.Set(userID, set)
	tx.Unlock()

	slog.Info("connection registered", "conn_id", connID, "user_id", userID)
	r.notify(userID)
	return nil
}

// Unregister removes the connection from every room it joined. Unknown IDs
// are ignored.
func (r *Registry) Unregister(connID string) {
	conn, ok := r.lookup(connID)
	if !ok {
		return
	}

	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		return
	}
	conn.closed = true
	rooms := make([]string, 0, len(conn.rooms))
	for id := range conn.rooms {
		rooms = append(rooms, id)
	}
	conn.rooms = map[string]struct{}{}
	conn.mu.Unlock()

	for _, roomID := range rooms {
		r.broker.Leave(roomID, connID)
	}

	_ = r.conns.Del(connID)

	tx := r.userShard(conn.UserID).Lock()
	if set, err := tx.Get(conn.UserID); err == nil {
		delete(set, connID)
		if len(set) == 0 {
			_ = tx.Del(conn.UserID)
		}
	}
	tx.Unlock()

	slog.Info("connection unregistered", "conn_id", connID, "user_id", conn.UserID)
	r.notify(conn.UserID)
}

func (r *Registry) Lookup(connID string) (*Connection, bool) {
	return r.lookup(connID)
}

func (r *Registry) JoinRoom(connID, roomID string) error {
	conn, ok := r.lookup(connID)
	if !ok {
		return models.ErrNotIdentified
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.closed {
		return models.ErrNotIdentified
	}
	conn.rooms[roomID] = struct{}{}
	r.broker.Join(roomID, conn.Sink)
	return nil
}

func (r *Registry) LeaveRoom(connID, roomID string) error {
	conn, ok := r.lookup(connID)
	if !ok {
		return models.ErrNotIdentified
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	delete(conn.rooms, roomID)
	r.broker.Leave(roomID, connID)
	return nil
}

func (r *Registry) InRoom(connID, roomID string) bool {
	conn, ok := r.lookup(connID)
	if !ok {
		return false
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	_, joined := conn.rooms[roomID]
	return joined
}

func (r *Registry) Rooms(connID string) []string {
	conn, ok := r.lookup(connID)
	if !ok {
		return nil
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	out := make([]string, 0, len(conn.rooms))
	for id := range conn.rooms {
		out = append(out, id)
	}
	return out
}

// EvictUser removes every connection of userID from roomID and returns how
// many were removed.
func (r *Registry) EvictUser(roomID, userID string) int {
	n := 0
	for _, conn := range r.connections(userID) {
		if r.InRoom(conn.ID, roomID) {
			_ = r.LeaveRoom(conn.ID, roomID)
			n++
		}
	}
	return n
}

// Touch records liveness for the connection.
func (r *Registry) Touch(connID string, now time.Time) {
	conn, ok := r.lookup(connID)
	if !ok {
		return
	}
	conn.mu.Lock()
	if now.After(conn.lastSeen) {
		conn.lastSeen = now
	}
	conn.mu.Unlock()
}

func (r *Registry) SetFocus(connID string, focused bool) error {
	conn, ok := r.lookup(connID)
	if !ok {
		return models.ErrNotIdentified
	}
	conn.mu.Lock()
	changed := conn.focused != focused
	conn.focused = focused
	conn.mu.Unlock()
	if changed {
		r.notify(conn.UserID)
	}
	return nil
}

func (r *Registry) connections(userID string) []*Connection {
	tx := r.userShard(userID).RLock()
	defer tx.Unlock()
	set, err := tx.Get(userID)
	if err != nil {
		return nil
	}
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// Connections returns the delivery endpoints of every live connection of
// userID.
func (r *Registry) Connections(userID string) []broker.Subscriber {
	conns := r.connections(userID)
	out := make([]broker.Subscriber, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Sink)
	}
	return out
}

// Summary counts the user's live connections and how many report focus.
func (r *Registry) Summary(userID string) (alive, focused int) {
	for _, c := range r.connections(userID) {
		alive++
		if c.Focused() {
			focused++
		}
	}
	return alive, focused
}

// IsOnline reports whether userID has at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	alive, _ := r.Summary(userID)
	return alive > 0
}

// DisconnectUser closes and unregisters every connection of userID.
func (r *Registry) DisconnectUser(userID string) int {
	conns := r.connections(userID)
	for _, c := range conns {
		c.Sink.Close()
		r.Unregister(c.ID)
	}
	return len(conns)
}

// Sweep closes connections that have not shown liveness within the
// heartbeat timeout and returns their IDs.
func (r *Registry) Sweep(now time.Time) []string {
	if r.timeout <= 0 {
		return nil
	}
	var stale []*Connection
	for _, c := range r.conns.Snapshot() {
		if now.Sub(c.LastSeen()) > r.timeout {
			stale = append(stale, c)
		}
	}

	ids := make([]string, 0, len(stale))
	for _, c := range stale {
		slog.Info("heartbeat timeout", "conn_id", c.ID, "user_id", c.UserID)
		c.Sink.Close()
		r.Unregister(c.ID)
		ids = append(ids, c.ID)
	}
	return ids
}

// Run sweeps stale connections until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = r.timeout / 2
	}
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep(r.now())
		}
	}
}

func (r *Registry) Len() int {
	return r.conns.Len()
}
