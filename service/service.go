// Package service is the HTTP surface of parley: the websocket endpoint,
// file upload and download, conversations and messages.
package service

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/InsulaLabs/parley/config"
	"github.com/InsulaLabs/parley/db/models"
	"github.com/InsulaLabs/parley/hub"
	"github.com/InsulaLabs/parley/store"
	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

// ObjectStore is the part of the object store the routes use.
type ObjectStore interface {
	Put(ctx context.Context, src io.Reader, name, mediaType, ownerID string) (store.Result, error)
	Get(ctx context.Context, digest string) (io.ReadCloser, models.Object, error)
}

// MessageStore records conversations and messages.
type MessageStore interface {
	CreateConversation(ctx context.Context, members []string) (models.Conversation, error)
	Conversation(ctx context.Context, id string) (models.Conversation, error)
	Conversations(ctx context.Context, userID string) ([]models.Conversation, error)
	RecordMessage(ctx context.Context, conversationID, authorID, content string) (models.Message, models.Conversation, error)
	Messages(ctx context.Context, conversationID, before string, limit int) ([]models.Message, error)
}

type Config struct {
	Logger     *slog.Logger
	Server     *config.Server
	Objects    ObjectStore
	Messages   MessageStore
	Registry   *hub.Registry
	Dispatcher *hub.Dispatcher
}

type Service struct {
	logger     *slog.Logger
	cfg        *config.Server
	objects    ObjectStore
	messages   MessageStore
	registry   *hub.Registry
	dispatcher *hub.Dispatcher

	mux          *http.ServeMux
	wsUpgrader   websocket.Upgrader
	rateLimiters map[string]*ttlcache.Cache[string, *rate.Limiter]
	startedAt    time.Time
}

func New(cfg Config) (*Service, error) {
	if cfg.Logger == nil || cfg.Server == nil {
		return nil, errors.New("logger and server config are required")
	}
	if cfg.Objects == nil || cfg.Messages == nil || cfg.Registry == nil || cfg.Dispatcher == nil {
		return nil, errors.New("objects, messages, registry and dispatcher are required")
	}

	s := &Service{
		logger:       cfg.Logger,
		cfg:          cfg.Server,
		objects:      cfg.Objects,
		messages:     cfg.Messages,
		registry:     cfg.Registry,
		dispatcher:   cfg.Dispatcher,
		mux:          http.NewServeMux(),
		rateLimiters: newRateLimiters(cfg.Logger.With("component", "rate-limiter"), cfg.Server.RateLimiters),
		startedAt:    time.Now(),
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.Server.Sessions.WebSocketReadBufferSize,
			WriteBufferSize: cfg.Server.Sessions.WebSocketWriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				cfg.Logger.Debug("WebSocket CheckOrigin called", "origin", r.Header.Get("Origin"), "host", r.Host)
				return true
			},
		},
	}
	s.routes()
	return s, nil
}

func (s *Service) routes() {
	s.mux.Handle("GET /api/v1/ws", s.withUser(s.rateLimitMiddleware(http.HandlerFunc(s.sessionHandler), categorySessions)))

	s.mux.Handle("POST /api/v1/files", s.withUser(s.rateLimitMiddleware(http.HandlerFunc(s.uploadHandler), categoryFiles)))
	s.mux.Handle("GET /api/v1/files/{digest}", s.withUser(s.rateLimitMiddleware(http.HandlerFunc(s.downloadHandler), categoryFiles)))

	s.mux.Handle("GET /api/v1/conversations", s.withUser(s.rateLimitMiddleware(http.HandlerFunc(s.listConversationsHandler), categoryDefault)))
	s.mux.Handle("POST /api/v1/conversations", s.withUser(s.rateLimitMiddleware(http.HandlerFunc(s.createConversationHandler), categoryDefault)))
	s.mux.Handle("GET /api/v1/conversations/{id}/messages", s.withUser(s.rateLimitMiddleware(http.HandlerFunc(s.listMessagesHandler), categoryMessages)))
	s.mux.Handle("POST /api/v1/conversations/{id}/messages", s.withUser(s.rateLimitMiddleware(http.HandlerFunc(s.postMessageHandler), categoryMessages)))

	s.mux.Handle("GET /api/v1/status", s.rateLimitMiddleware(http.HandlerFunc(s.statusHandler), categoryDefault))
}

// Handler is the root handler with every route mounted.
func (s *Service) Handler() http.Handler {
	return s.mux
}

// Run serves until ctx is cancelled, then drains in-flight requests, closes
// every live connection and stops the rate limiters.
func (s *Service) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.HttpBinding,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Server shutdown error", "error", err)
		}
	}()

	s.startedAt = time.Now()
	var err error
	if s.cfg.TLS.Cert != "" && s.cfg.TLS.Key != "" {
		s.logger.Info("Starting HTTPS server", "listen_addr", srv.Addr, "cert", s.cfg.TLS.Cert)
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		err = srv.ListenAndServeTLS(s.cfg.TLS.Cert, s.cfg.TLS.Key)
	} else {
		s.logger.Info("TLS cert or key not specified in config. Starting HTTP server (insecure).", "listen_addr", srv.Addr)
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	s.registry.Close()
	s.Close()
	s.logger.Info("Server stopped")
	return err
}

// Close stops the rate limiter caches.
func (s *Service) Close() {
	for _, limiter := range s.rateLimiters {
		limiter.Stop()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
