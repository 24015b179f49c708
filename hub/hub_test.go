package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/InsulaLabs/parley/db/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransportClosed = errors.New("transport closed")

type fakeTransport struct {
	name     string
	autoPong bool
	inbound  chan []byte
	closed   chan struct{}
	once     sync.Once
	gate     chan struct{}

	mu      sync.Mutex
	written [][]byte
}

func newFakeTransport(name string, autoPong bool) *fakeTransport {
	return &fakeTransport{
		name:     name,
		autoPong: autoPong,
		inbound:  make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (f *fakeTransport) ReadText() ([]byte, error) {
	select {
	case p := <-f.inbound:
		return p, nil
	case <-f.closed:
		return nil, errTransportClosed
	}
}

func (f *fakeTransport) WriteText(payload []byte, _ time.Time) error {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-f.closed:
		}
	}
	select {
	case <-f.closed:
		return errTransportClosed
	default:
	}
	f.mu.Lock()
	f.written = append(f.written, append([]byte(nil), payload...))
	f.mu.Unlock()
	if f.autoPong && string(payload) == "ping" {
		select {
		case f.inbound <- []byte("pong"):
		default:
		}
	}
	return nil
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) RemoteAddr() string { return f.name }

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// frames returns everything written except heartbeat pings.
func (f *fakeTransport) frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for _, p := range f.written {
		if string(p) == "ping" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (f *fakeTransport) pings() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.written {
		if string(p) == "ping" {
			n++
		}
	}
	return n
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newTestRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()
	cfg.Logger = testLogger()
	if cfg.PingInterval == 0 {
		cfg.PingInterval = time.Hour
	}
	r, err := NewRegistry(cfg)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func connect(r *Registry, userID string, t Transport) *Conn {
	c := r.NewConn(t)
	r.Register(userID, c)
	return c
}

func TestHeartbeatStateMachine(t *testing.T) {
	hb := newHeartbeat(time.Now())

	hb.pong(time.Now())
	s, _ := hb.snapshot()
	assert.Equal(t, StateAlive, s, "pong while alive is ignored")

	require.True(t, hb.tick())
	s, _ = hb.snapshot()
	assert.Equal(t, StateAwaitingPong, s)

	answered := time.Now().Add(time.Second)
	hb.pong(answered)
	s, last := hb.snapshot()
	assert.Equal(t, StateAlive, s)
	assert.Equal(t, answered, last)

	require.True(t, hb.tick())
	require.False(t, hb.tick(), "missed pong kills the connection")
	s, _ = hb.snapshot()
	assert.Equal(t, StateDead, s)

	hb.pong(time.Now())
	require.False(t, hb.tick(), "dead is terminal")
	require.False(t, hb.kill())
}

func TestRegisterIsIdempotent(t *testing.T) {
	r := newTestRegistry(t, Config{})
	tr := newFakeTransport("a1", false)
	c := connect(r, "alice", tr)

	r.Register("alice", c)
	r.Register("alice", c)
	assert.Equal(t, 1, r.Connections("alice"))
	assert.Equal(t, 1, r.Total())

	r.Register("bob", c)
	assert.False(t, r.Online("bob"), "a connection cannot change owner")
	assert.Equal(t, "alice", c.UserID())
}

func TestUnregisterRemovesEmptyEntries(t *testing.T) {
	r := newTestRegistry(t, Config{})
	a1 := connect(r, "alice", newFakeTransport("a1", false))
	a2 := connect(r, "alice", newFakeTransport("a2", false))

	users, conns := r.Stats()
	assert.Equal(t, 1, users)
	assert.Equal(t, 2, conns)

	r.Unregister("alice", a1)
	assert.Equal(t, 1, r.Connections("alice"))

	r.Unregister("alice", a2)
	assert.False(t, r.Online("alice"))
	users, conns = r.Stats()
	assert.Zero(t, users)
	assert.Zero(t, conns)
	assert.Zero(t, r.Total())

	s := r.shardFor("alice")
	s.mu.RLock()
	_, present := s.users["alice"]
	s.mu.RUnlock()
	assert.False(t, present)

	r.Unregister("alice", a2)
	r.Unregister("nobody", a1)
	assert.Zero(t, r.Total())
}

func TestUnregisterAbsentConnectionIsNoop(t *testing.T) {
	r := newTestRegistry(t, Config{})
	tr := newFakeTransport("a1", false)
	c := connect(r, "alice", tr)

	r.Unregister("bob", c)
	assert.True(t, r.Online("alice"))
	assert.False(t, tr.isClosed(), "wrong owner must not tear the connection down")
	assert.Equal(t, 1, r.Total())

	strayTr := newFakeTransport("stray", false)
	stray := r.NewConn(strayTr)
	r.Unregister("alice", stray)
	assert.Equal(t, 1, r.Connections("alice"))
	assert.False(t, strayTr.isClosed())
	stray.Close()

	assert.True(t, r.Send([]byte("still here"), "alice"))
	require.Eventually(t, func() bool { return len(tr.frames()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestRegisterAfterCloseIsRejected(t *testing.T) {
	r := newTestRegistry(t, Config{})
	tr := newFakeTransport("late", false)
	c := r.NewConn(tr)
	c.Close()

	r.Register("alice", c)
	assert.False(t, r.Online("alice"))

	r.Close()
	tr2 := newFakeTransport("after-close", false)
	connect(r, "bob", tr2)
	assert.False(t, r.Online("bob"))
	assert.True(t, tr2.isClosed())
}

func TestSendReportsOfflineRecipients(t *testing.T) {
	r := newTestRegistry(t, Config{})
	alice := newFakeTransport("a1", false)
	connect(r, "alice", alice)

	assert.True(t, r.Send([]byte("hi"), "alice"))
	assert.False(t, r.Send([]byte("hello"), "alice", "bob"))
	assert.False(t, r.Send([]byte("nobody"), "bob"))

	require.Eventually(t, func() bool { return len(alice.frames()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "hi", string(alice.frames()[0]))
	assert.Equal(t, "hello", string(alice.frames()[1]))
}

func TestSendDeliversOncePerUser(t *testing.T) {
	r := newTestRegistry(t, Config{})
	phone := newFakeTransport("a1", false)
	laptop := newFakeTransport("a2", false)
	connect(r, "alice", phone)
	connect(r, "alice", laptop)

	assert.True(t, r.Send([]byte("once"), "alice", "alice"))
	assert.True(t, r.Send([]byte("twice"), "alice"))

	for _, tr := range []*fakeTransport{phone, laptop} {
		tr := tr
		require.Eventually(t, func() bool { return len(tr.frames()) == 2 }, time.Second, 5*time.Millisecond, tr.name)
		assert.Equal(t, "once", string(tr.frames()[0]))
		assert.Equal(t, "twice", string(tr.frames()[1]))
	}
}

func TestBroadcastReachesEveryConnection(t *testing.T) {
	r := newTestRegistry(t, Config{Shards: 4})
	var transports []*fakeTransport
	for i := 0; i < 20; i++ {
		tr := newFakeTransport(fmt.Sprintf("c%d", i), false)
		transports = append(transports, tr)
		connect(r, fmt.Sprintf("user-%d", i%7), tr)
	}

	r.Broadcast([]byte("announcement"))
	for _, tr := range transports {
		tr := tr
		require.Eventually(t, func() bool { return len(tr.frames()) == 1 }, time.Second, 5*time.Millisecond, tr.name)
	}
}

func TestDeliveryPreservesOrder(t *testing.T) {
	r := newTestRegistry(t, Config{SendBufferSize: 512})
	tr := newFakeTransport("a1", false)
	connect(r, "alice", tr)

	const n = 200
	for i := 0; i < n; i++ {
		require.True(t, r.Send([]byte(fmt.Sprint(i)), "alice"))
	}
	require.Eventually(t, func() bool { return len(tr.frames()) == n }, time.Second, 5*time.Millisecond)
	for i, f := range tr.frames() {
		require.Equal(t, fmt.Sprint(i), string(f))
	}
}

func TestHeartbeatDropsSilentConnections(t *testing.T) {
	r := newTestRegistry(t, Config{PingInterval: 20 * time.Millisecond})
	silent := newFakeTransport("silent", false)
	responsive := newFakeTransport("responsive", true)
	dead := connect(r, "alice", silent)
	live := connect(r, "bob", responsive)

	require.Eventually(t, func() bool { return !r.Online("alice") }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, silent.isClosed())
	assert.Equal(t, StateDead, dead.State())
	assert.False(t, r.Send([]byte("anyone there?"), "alice"))
	assert.Empty(t, silent.frames())

	time.Sleep(150 * time.Millisecond)
	assert.True(t, r.Online("bob"))
	assert.NotEqual(t, StateDead, live.State())
	assert.GreaterOrEqual(t, responsive.pings(), 3)
	assert.False(t, responsive.isClosed())
}

func TestTransportCloseUnregisters(t *testing.T) {
	r := newTestRegistry(t, Config{})
	tr := newFakeTransport("a1", false)
	c := connect(r, "alice", tr)

	tr.Close()
	require.Eventually(t, func() bool { return !r.Online("alice") }, time.Second, 5*time.Millisecond)
	<-c.Done()
	assert.Equal(t, StateDead, c.State())
}

func TestClientPingIsAnswered(t *testing.T) {
	r := newTestRegistry(t, Config{})
	tr := newFakeTransport("a1", false)
	connect(r, "alice", tr)

	tr.inbound <- []byte("ping")
	require.Eventually(t, func() bool {
		f := tr.frames()
		return len(f) == 1 && string(f[0]) == "pong"
	}, time.Second, 5*time.Millisecond)
}

func TestInboundFramesReachHandler(t *testing.T) {
	got := make(chan string, 1)
	r := newTestRegistry(t, Config{OnMessage: func(c *Conn, payload []byte) {
		got <- c.UserID() + ":" + string(payload)
	}})
	tr := newFakeTransport("a1", false)
	connect(r, "alice", tr)

	tr.inbound <- []byte(`{"type":"typing"}`)
	select {
	case v := <-got:
		assert.Equal(t, `alice:{"type":"typing"}`, v)
	case <-time.After(time.Second):
		t.Fatal("inbound frame not delivered")
	}
}

func TestSlowConsumerIsDropped(t *testing.T) {
	r := newTestRegistry(t, Config{SendBufferSize: 4})
	slow := newFakeTransport("slow", false)
	slow.gate = make(chan struct{})
	fast := newFakeTransport("fast", false)
	connect(r, "alice", slow)
	connect(r, "alice", fast)

	for i := 0; i < 20; i++ {
		r.Send([]byte(fmt.Sprint(i)), "alice")
		time.Sleep(2 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return r.Connections("alice") == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, slow.isClosed())
	require.Eventually(t, func() bool { return len(fast.frames()) == 20 }, time.Second, 5*time.Millisecond)
}

func TestCloseShutsEverythingDown(t *testing.T) {
	r := newTestRegistry(t, Config{})
	a := newFakeTransport("a", false)
	b := newFakeTransport("b", false)
	connect(r, "alice", a)
	connect(r, "bob", b)

	r.Close()
	assert.True(t, a.isClosed())
	assert.True(t, b.isClosed())
	assert.Zero(t, r.Total())
}

type wireEvent struct {
	Type string `json:"type"`
	Body struct {
		ConversationID string         `json:"conversationId"`
		Message        models.Message `json:"message"`
		Nonce          *int64         `json:"nonce"`
	} `json:"body"`
}

func decodeFrames(t *testing.T, tr *fakeTransport) []wireEvent {
	t.Helper()
	var out []wireEvent
	for _, f := range tr.frames() {
		var ev wireEvent
		require.NoError(t, json.Unmarshal(f, &ev))
		out = append(out, ev)
	}
	return out
}

func TestMessagePostedEchoesToOtherDevices(t *testing.T) {
	r := newTestRegistry(t, Config{})
	d := NewDispatcher(testLogger(), r)

	a1 := newFakeTransport("a1", false)
	a2 := newFakeTransport("a2", false)
	b := newFakeTransport("b", false)
	origin := connect(r, "U", a1)
	connect(r, "U", a2)
	connect(r, "V", b)

	conv := models.Conversation{ID: "dm-1", Members: []string{"U", "V"}}
	msg := models.Message{ID: "m-1", ConversationID: conv.ID, AuthorID: "U", Content: "hey"}
	nonce := int64(42)

	require.True(t, d.MessagePosted(conv, msg, &nonce, origin.ID()))

	require.Eventually(t, func() bool { return len(b.frames()) == 1 && len(a2.frames()) == 1 }, time.Second, 5*time.Millisecond)

	toRecipient := decodeFrames(t, b)[0]
	assert.Equal(t, models.EventTypeMessage, toRecipient.Type)
	assert.Equal(t, "dm-1", toRecipient.Body.ConversationID)
	assert.Equal(t, "hey", toRecipient.Body.Message.Content)
	assert.Nil(t, toRecipient.Body.Nonce)
	assert.NotContains(t, string(b.frames()[0]), "nonce")

	echo := decodeFrames(t, a2)[0]
	require.NotNil(t, echo.Body.Nonce)
	assert.Equal(t, int64(42), *echo.Body.Nonce)
	assert.Equal(t, "m-1", echo.Body.Message.ID)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, a1.frames(), "the posting connection gets no echo")
}

func TestMessagePostedWithoutOrigin(t *testing.T) {
	r := newTestRegistry(t, Config{})
	d := NewDispatcher(testLogger(), r)

	a1 := newFakeTransport("a1", false)
	a2 := newFakeTransport("a2", false)
	connect(r, "U", a1)
	connect(r, "U", a2)

	conv := models.Conversation{ID: "dm-2", Members: []string{"U", "V"}}
	msg := models.Message{ID: "m-2", ConversationID: conv.ID, AuthorID: "U", Content: "anyone?"}
	nonce := int64(7)

	assert.False(t, d.MessagePosted(conv, msg, &nonce, ""), "V is offline")

	for _, tr := range []*fakeTransport{a1, a2} {
		tr := tr
		require.Eventually(t, func() bool { return len(tr.frames()) == 1 }, time.Second, 5*time.Millisecond)
		ev := decodeFrames(t, tr)[0]
		require.NotNil(t, ev.Body.Nonce)
		assert.Equal(t, int64(7), *ev.Body.Nonce)
	}
}

func TestDispatcherSendAndBroadcast(t *testing.T) {
	r := newTestRegistry(t, Config{})
	d := NewDispatcher(testLogger(), r)
	a := newFakeTransport("a", false)
	b := newFakeTransport("b", false)
	connect(r, "alice", a)
	connect(r, "bob", b)

	assert.True(t, d.Send(models.Event{Type: "notice", Body: map[string]string{"text": "hi"}}, "alice"))
	d.Broadcast(models.Event{Type: "notice", Body: "maintenance"})

	require.Eventually(t, func() bool { return len(a.frames()) == 2 && len(b.frames()) == 1 }, time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `{"type":"notice","body":{"text":"hi"}}`, string(a.frames()[0]))
	assert.JSONEq(t, `{"type":"notice","body":"maintenance"}`, string(b.frames()[0]))
}
