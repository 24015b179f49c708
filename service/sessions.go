package service

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/InsulaLabs/parley/db/models"
	"github.com/InsulaLabs/parley/hub"
)

type statusResponse struct {
	Users       int    `json:"users"`
	Connections int    `json:"connections"`
	Uptime      string `json:"uptime"`
	StartedAt   string `json:"startedAt"`
}

// sessionHandler upgrades to a websocket and registers the connection for
// the caller. The first frame is a hello carrying the connection id.
func (s *Service) sessionHandler(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())

	if total := s.registry.Total(); total >= s.cfg.Sessions.MaxConnections {
		s.logger.Warn("Max WebSocket connections reached, rejecting new connection", "current", total, "max", s.cfg.Sessions.MaxConnections)
		writeError(w, http.StatusServiceUnavailable, "too many connections")
		return
	}

	ws, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade WebSocket connection", "user", user, "error", err)
		return
	}

	conn := s.registry.NewConn(hub.NewWebSocketTransport(ws, s.cfg.Sessions.MaxMessageSize, s.cfg.Sessions.WriteWait))
	hello, err := json.Marshal(models.Event{
		Type: models.EventTypeHello,
		Body: models.HelloBody{ConnectionID: conn.ID()},
	})
	if err == nil {
		conn.Send(hello)
	}
	s.registry.Register(user, conn)
}

func (s *Service) statusHandler(w http.ResponseWriter, r *http.Request) {
	users, conns := s.registry.Stats()

	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	writeJSON(w, http.StatusOK, statusResponse{
		Users:       users,
		Connections: conns,
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
		StartedAt:   s.startedAt.Format(time.RFC3339),
	})
}
