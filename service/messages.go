package service

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/InsulaLabs/parley/db/meta"
	"github.com/InsulaLabs/parley/db/models"
)

const maxJSONBody = 64 << 10

type createConversationRequest struct {
	Members []string `json:"members"`
}

type postMessageRequest struct {
	Content string `json:"content"`
	Nonce   *int64 `json:"nonce,omitempty"`
	// Origin is the id of the posting connection, from its hello event.
	Origin string `json:"origin,omitempty"`
}

type postMessageResponse struct {
	Message   models.Message `json:"message"`
	Delivered bool           `json:"delivered"`
}

type conversationsResponse struct {
	Conversations []models.Conversation `json:"conversations"`
}

type messagesResponse struct {
	Messages []models.Message `json:"messages"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload: "+err.Error())
		return false
	}
	return true
}

func (s *Service) writeMetaError(w http.ResponseWriter, err error, user string) {
	switch {
	case errors.Is(err, meta.ErrNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, meta.ErrNotMember):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, meta.ErrEmptyContent), errors.Is(err, meta.ErrTooFewMembers):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("Metadata failure", "user", user, "error", err)
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
	}
}

// createConversationHandler always makes the caller a member.
func (s *Service) createConversationHandler(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	var req createConversationRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	conv, err := s.messages.CreateConversation(r.Context(), append(req.Members, user))
	if err != nil {
		s.writeMetaError(w, err, user)
		return
	}
	s.logger.Info("Conversation created", "conversation", conv.ID, "user", user, "members", len(conv.Members))
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Service) listConversationsHandler(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	convs, err := s.messages.Conversations(r.Context(), user)
	if err != nil {
		s.writeMetaError(w, err, user)
		return
	}
	writeJSON(w, http.StatusOK, conversationsResponse{Conversations: convs})
}

func (s *Service) listMessagesHandler(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	id := r.PathValue("id")

	conv, err := s.messages.Conversation(r.Context(), id)
	if err != nil {
		s.writeMetaError(w, err, user)
		return
	}
	if !conv.HasMember(user) {
		s.writeMetaError(w, meta.ErrNotMember, user)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}

	msgs, err := s.messages.Messages(r.Context(), id, r.URL.Query().Get("before"), limit)
	if err != nil {
		s.writeMetaError(w, err, user)
		return
	}
	writeJSON(w, http.StatusOK, messagesResponse{Messages: msgs})
}

// postMessageHandler records the message, then notifies the other members
// and echoes it to the author's other connections.
func (s *Service) postMessageHandler(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	id := r.PathValue("id")

	var req postMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	msg, conv, err := s.messages.RecordMessage(r.Context(), id, user, req.Content)
	if err != nil {
		s.writeMetaError(w, err, user)
		return
	}

	delivered := s.dispatcher.MessagePosted(conv, msg, req.Nonce, req.Origin)
	writeJSON(w, http.StatusCreated, postMessageResponse{Message: msg, Delivered: delivered})
}
