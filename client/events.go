package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/InsulaLabs/parley/db/models"
	"github.com/gorilla/websocket"
)

// Event is one frame pushed by the server. Body is decoded lazily.
type Event struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

// Message decodes the body of a "message" event.
func (e Event) Message() (models.MessageBody, error) {
	var body models.MessageBody
	if e.Type != models.EventTypeMessage {
		return body, fmt.Errorf("event type is %q, not %q", e.Type, models.EventTypeMessage)
	}
	err := json.Unmarshal(e.Body, &body)
	return body, err
}

// Hello decodes the body of the "hello" event that opens every connection.
func (e Event) Hello() (models.HelloBody, error) {
	var body models.HelloBody
	if e.Type != models.EventTypeHello {
		return body, fmt.Errorf("event type is %q, not %q", e.Type, models.EventTypeHello)
	}
	err := json.Unmarshal(e.Body, &body)
	return body, err
}

// Listen opens a live connection and calls onEvent for every event until ctx
// is cancelled or the server drops the connection. Heartbeat pings are
// answered here and never reach onEvent. A nil error means ctx ended it.
func (c *Client) Listen(ctx context.Context, onEvent func(Event)) error {
	wsURL := *c.baseURL
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = c.baseURL.Path + "/api/v1/ws"

	header := http.Header{}
	header.Set(c.userHeader, c.user)

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.timeout,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: c.skipVerify},
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return fmt.Errorf("failed to dial websocket %s: %w", wsURL.String(), decodeError(resp))
		}
		return fmt.Errorf("failed to dial websocket %s: %w", wsURL.String(), err)
	}
	defer conn.Close()
	c.logger.Debug("Listening for events", "url", wsURL.String())

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
				c.logger.Debug("Error sending close message", "error", err)
			}
			conn.Close()
		case <-stopped:
		}
	}()

	for {
		kind, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("WebSocket connection closed by server", "error", err)
				return nil
			}
			return fmt.Errorf("websocket read: %w", err)
		}
		if kind != websocket.TextMessage {
			continue
		}

		switch string(payload) {
		case "ping":
			if err := conn.WriteMessage(websocket.TextMessage, []byte("pong")); err != nil {
				return fmt.Errorf("websocket pong: %w", err)
			}
			continue
		case "pong":
			continue
		}

		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			c.logger.Error("Failed to unmarshal event", "error", err, "message", string(payload))
			continue
		}
		onEvent(ev)
	}
}
