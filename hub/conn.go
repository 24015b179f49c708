package hub

import (
	"bytes"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	pingFrame = []byte("ping")
	pongFrame = []byte("pong")
)

// Transport is the duplex channel under a Conn. ReadText must only be called
// from one goroutine and WriteText from one goroutine; Close may be called
// from anywhere, more than once.
type Transport interface {
	ReadText() ([]byte, error)
	WriteText(payload []byte, deadline time.Time) error
	Close() error
	RemoteAddr() string
}

// pongNotifier is implemented by transports that see protocol level pongs.
type pongNotifier interface {
	SetPongNotifier(func())
}

// Conn is one live connection of a user. It owns a bounded send queue that a
// single write pump drains, so frames reach the peer in the order they were
// queued.
type Conn struct {
	id        string
	transport Transport
	registry  *Registry
	logger    *slog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	startOnce sync.Once
	hb        *heartbeat

	mu   sync.Mutex
	user string
}

// NewConn wraps a transport. The connection does nothing until it is
// registered for a user.
func (r *Registry) NewConn(t Transport) *Conn {
	id := uuid.NewString()
	c := &Conn{
		id:        id,
		transport: t,
		registry:  r,
		logger:    r.logger.With("conn", id, "remote_addr", t.RemoteAddr()),
		send:      make(chan []byte, r.sendBufferSize),
		done:      make(chan struct{}),
		hb:        newHeartbeat(time.Now()),
	}
	if pn, ok := t.(pongNotifier); ok {
		pn.SetPongNotifier(c.pong)
	}
	return c
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

func (c *Conn) RemoteAddr() string { return c.transport.RemoteAddr() }

func (c *Conn) State() HeartbeatState {
	s, _ := c.hb.snapshot()
	return s
}

// LastPong is the time of the last answered ping, or of creation.
func (c *Conn) LastPong() time.Time {
	_, t := c.hb.snapshot()
	return t
}

// Done is closed once the connection is dead.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Send queues payload on this connection only. A full queue closes it.
func (c *Conn) Send(payload []byte) bool {
	ok, full := c.enqueue(payload)
	if full {
		c.registry.dropSlow([]*Conn{c})
	}
	return ok
}

// Close shuts the connection down and unregisters it.
func (c *Conn) Close() {
	c.close("closed", nil)
}

// bind ties the connection to a user. A connection belongs to one user for
// its whole life.
func (c *Conn) bind(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == "" {
		c.user = userID
	}
	return c.user == userID
}

func (c *Conn) start() {
	c.startOnce.Do(func() {
		go c.writePump()
		go c.readPump()
	})
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// enqueue queues a frame without blocking. False means the connection is
// gone or its queue is full; the caller closes a full one.
func (c *Conn) enqueue(payload []byte) (ok, full bool) {
	if c.closed() {
		return false, false
	}
	select {
	case c.send <- payload:
		return true, false
	default:
		return false, true
	}
}

func (c *Conn) close(reason string, err error) {
	c.closeOnce.Do(func() {
		c.hb.kill()
		close(c.done)
		if cerr := c.transport.Close(); cerr != nil {
			c.logger.Debug("Transport close error", "error", cerr)
		}
		user := c.UserID()
		if user != "" {
			c.registry.remove(user, c)
		}
		if err != nil {
			c.logger.Info("Connection closed", "user", user, "reason", reason, "error", err)
		} else {
			c.logger.Info("Connection closed", "user", user, "reason", reason)
		}
	})
}

func (c *Conn) pong() {
	c.hb.pong(time.Now())
}

// readPump is the only reader of the transport.
func (c *Conn) readPump() {
	for {
		payload, err := c.transport.ReadText()
		if err != nil {
			c.close("transport closed", err)
			return
		}
		switch string(bytes.TrimSpace(payload)) {
		case "pong":
			c.pong()
		case "ping":
			if _, full := c.enqueue(pongFrame); full {
				c.close("slow consumer", nil)
				return
			}
		default:
			if c.registry.onMessage != nil {
				c.registry.onMessage(c, payload)
				continue
			}
			c.logger.Debug("Ignoring inbound frame", "size", len(payload))
		}
	}
}

// writePump is the only writer of the transport. It also drives the heartbeat
// so pings are ordered with the rest of the outbound frames.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.registry.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			if err := c.transport.WriteText(payload, time.Now().Add(c.registry.writeWait)); err != nil {
				c.close("write failed", err)
				return
			}
		case <-ticker.C:
			if !c.hb.tick() {
				c.close("heartbeat timeout", nil)
				return
			}
			if err := c.transport.WriteText(pingFrame, time.Now().Add(c.registry.writeWait)); err != nil {
				c.close("ping failed", err)
				return
			}
		}
	}
}
