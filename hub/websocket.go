package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketTransport adapts a gorilla websocket connection. Protocol level
// pongs count as heartbeat pongs alongside "pong" text frames.
type WebSocketTransport struct {
	conn      *websocket.Conn
	writeWait time.Duration

	mu     sync.Mutex
	onPong func()
}

func NewWebSocketTransport(conn *websocket.Conn, maxMessageSize int64, writeWait time.Duration) *WebSocketTransport {
	if writeWait <= 0 {
		writeWait = DefaultWriteWait
	}
	t := &WebSocketTransport{conn: conn, writeWait: writeWait}
	if maxMessageSize > 0 {
		conn.SetReadLimit(maxMessageSize)
	}
	conn.SetPongHandler(func(string) error {
		t.mu.Lock()
		fn := t.onPong
		t.mu.Unlock()
		if fn != nil {
			fn()
		}
		return nil
	})
	return t
}

func (t *WebSocketTransport) SetPongNotifier(fn func()) {
	t.mu.Lock()
	t.onPong = fn
	t.mu.Unlock()
}

// ReadText returns the next text frame. Binary frames are skipped.
func (t *WebSocketTransport) ReadText() ([]byte, error) {
	for {
		kind, payload, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage {
			return payload, nil
		}
	}
}

func (t *WebSocketTransport) WriteText(payload []byte, deadline time.Time) error {
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

func (t *WebSocketTransport) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(t.writeWait))
	return t.conn.Close()
}

func (t *WebSocketTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}
