// Package hub tracks the live connections of every user and fans events out
// to them.
package hub

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	DefaultPingInterval   = 5 * time.Second
	DefaultWriteWait      = 10 * time.Second
	DefaultSendBufferSize = 256
	DefaultShards         = 32
)

type Config struct {
	Logger *slog.Logger

	PingInterval   time.Duration
	WriteWait      time.Duration
	SendBufferSize int
	Shards         int

	// OnMessage receives inbound frames that are not part of the heartbeat.
	OnMessage func(c *Conn, payload []byte)
}

// Registry maps users to their live connections. Users are spread over
// shards by a hash of their id, so unrelated users never contend on a lock.
type Registry struct {
	logger         *slog.Logger
	pingInterval   time.Duration
	writeWait      time.Duration
	sendBufferSize int
	onMessage      func(c *Conn, payload []byte)

	shards []*shard
	total  atomic.Int64
	closed atomic.Bool
}

type shard struct {
	mu    sync.RWMutex
	users map[string]map[*Conn]struct{}
}

func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = DefaultWriteWait
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = DefaultSendBufferSize
	}
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShards
	}

	r := &Registry{
		logger:         cfg.Logger,
		pingInterval:   cfg.PingInterval,
		writeWait:      cfg.WriteWait,
		sendBufferSize: cfg.SendBufferSize,
		onMessage:      cfg.OnMessage,
		shards:         make([]*shard, cfg.Shards),
	}
	for i := range r.shards {
		r.shards[i] = &shard{users: make(map[string]map[*Conn]struct{})}
	}
	return r, nil
}

func (r *Registry) shardFor(userID string) *shard {
	return r.shards[xxhash.Sum64String(userID)%uint64(len(r.shards))]
}

// Register adds c to the connections of userID and starts its heartbeat.
// Registering a connection that is already registered is a no-op.
func (r *Registry) Register(userID string, c *Conn) {
	if !c.bind(userID) {
		r.logger.Warn("Connection already belongs to another user, ignoring",
			"conn", c.id, "user", userID, "owner", c.UserID())
		return
	}
	if r.closed.Load() {
		c.close("registry closed", nil)
		return
	}

	s := r.shardFor(userID)
	s.mu.Lock()
	if c.closed() {
		s.mu.Unlock()
		return
	}
	conns, ok := s.users[userID]
	if !ok {
		conns = make(map[*Conn]struct{})
		s.users[userID] = conns
	}
	if _, dup := conns[c]; dup {
		s.mu.Unlock()
		r.logger.Debug("Connection already registered", "user", userID, "conn", c.id)
		return
	}
	conns[c] = struct{}{}
	count := len(conns)
	s.mu.Unlock()

	total := r.total.Add(1)
	if r.closed.Load() {
		c.close("registry closed", nil)
		return
	}
	c.start()
	r.logger.Info("Connection registered", "user", userID, "conn", c.id, "user_conns", count, "total", total)
}

// Unregister removes c and shuts it down. Unregistering a connection that is
// not registered is a no-op.
func (r *Registry) Unregister(userID string, c *Conn) {
	if !r.remove(userID, c) {
		return
	}
	c.close("unregistered", nil)
}

// remove reports whether c was registered under userID.
func (r *Registry) remove(userID string, c *Conn) bool {
	s := r.shardFor(userID)
	s.mu.Lock()
	conns, ok := s.users[userID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if _, ok := conns[c]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(conns, c)
	remaining := len(conns)
	if remaining == 0 {
		delete(s.users, userID)
	}
	s.mu.Unlock()

	total := r.total.Add(-1)
	r.logger.Info("Connection unregistered", "user", userID, "conn", c.id, "user_conns", remaining, "total", total)
	return true
}

// Send queues payload on every live connection of the given users. It
// returns false if any of them has no live connection; the others still
// receive it. A user listed twice receives it once.
func (r *Registry) Send(payload []byte, userIDs ...string) bool {
	return r.SendExcept(payload, "", userIDs...)
}

// SendExcept is Send skipping the connection with id exceptConnID.
func (r *Registry) SendExcept(payload []byte, exceptConnID string, userIDs ...string) bool {
	delivered := true
	var slow []*Conn
	seen := make(map[string]struct{}, len(userIDs))
	for _, userID := range userIDs {
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		s := r.shardFor(userID)
		s.mu.RLock()
		conns := s.users[userID]
		if len(conns) == 0 {
			delivered = false
		}
		for c := range conns {
			if c.id == exceptConnID {
				continue
			}
			if _, full := c.enqueue(payload); full {
				slow = append(slow, c)
			}
		}
		s.mu.RUnlock()
	}
	r.dropSlow(slow)
	return delivered
}

// Broadcast queues payload on every live connection.
func (r *Registry) Broadcast(payload []byte) {
	var slow []*Conn
	for _, s := range r.shards {
		s.mu.RLock()
		for _, conns := range s.users {
			for c := range conns {
				if _, full := c.enqueue(payload); full {
					slow = append(slow, c)
				}
			}
		}
		s.mu.RUnlock()
	}
	r.dropSlow(slow)
}

// dropSlow closes connections whose queue overflowed. Dropping a frame in
// the middle of a stream would break ordering, so the peer has to reconnect.
func (r *Registry) dropSlow(slow []*Conn) {
	for _, c := range slow {
		r.logger.Warn("Send queue full, dropping slow connection", "user", c.UserID(), "conn", c.id)
		c.close("slow consumer", nil)
	}
}

// Online reports whether userID has at least one live connection.
func (r *Registry) Online(userID string) bool {
	return r.Connections(userID) > 0
}

// Connections is the number of live connections of userID.
func (r *Registry) Connections(userID string) int {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users[userID])
}

// Total is the number of live connections across all users.
func (r *Registry) Total() int {
	return int(r.total.Load())
}

// Stats returns the number of connected users and of live connections.
func (r *Registry) Stats() (users, conns int) {
	for _, s := range r.shards {
		s.mu.RLock()
		users += len(s.users)
		for _, set := range s.users {
			conns += len(set)
		}
		s.mu.RUnlock()
	}
	return users, conns
}

// Close shuts every connection down. Connections registered afterwards are
// closed immediately.
func (r *Registry) Close() {
	if r.closed.Swap(true) {
		return
	}
	var all []*Conn
	for _, s := range r.shards {
		s.mu.RLock()
		for _, conns := range s.users {
			for c := range conns {
				all = append(all, c)
			}
		}
		s.mu.RUnlock()
	}
	for _, c := range all {
		c.close("shutdown", nil)
	}
	r.logger.Info("Registry closed", "connections", len(all))
}
