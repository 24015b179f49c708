package hub

import (
	"sync"
	"time"
)

type HeartbeatState int

const (
	StateAlive HeartbeatState = iota
	StateAwaitingPong
	StateDead
)

func (s HeartbeatState) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateAwaitingPong:
		return "awaiting_pong"
	case StateDead:
		return "dead"
	}
	return "unknown"
}

// heartbeat is the liveness state machine of one connection. Dead is terminal.
type heartbeat struct {
	mu       sync.Mutex
	state    HeartbeatState
	lastPong time.Time
}

func newHeartbeat(now time.Time) *heartbeat {
	return &heartbeat{state: StateAlive, lastPong: now}
}

// tick runs once per ping interval. It reports whether a ping should be sent;
// false means the peer missed the previous ping and the connection is dead.
func (h *heartbeat) tick() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case StateAlive:
		h.state = StateAwaitingPong
		return true
	case StateAwaitingPong:
		h.state = StateDead
	}
	return false
}

// pong records a pong. Pongs that arrive while alive are ignored.
func (h *heartbeat) pong(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateAwaitingPong {
		return
	}
	h.state = StateAlive
	h.lastPong = now
}

// kill moves to Dead and reports whether this call did it.
func (h *heartbeat) kill() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateDead {
		return false
	}
	h.state = StateDead
	return true
}

func (h *heartbeat) snapshot() (HeartbeatState, time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state, h.lastPong
}
