package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nstogner/klever/pkg/agent"
	"github.com/nstogner/klever/pkg/auth"
	"github.com/nstogner/klever/pkg/domain"
	"github.com/nstogner/klever/pkg/logger"
	"github.com/nstogner/klever/pkg/reconcile"
	"github.com/nstogner/klever/pkg/store"
)

var (
	errUnauthorized = errors.New("unauthorized")
	errNotFound     = errors.New("not found")
)

// chatRequest is the body of POST /api/chat: the whole conversation as the
// client displays it.
type chatRequest struct {
	ID       string                  `json:"id"`
	Messages []domain.DisplayMessage `json:"messages"`
}

// handleChatStream runs the agent on the submitted conversation and streams
// its events as Server-Sent Events.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	sess := auth.FromContext(r.Context())
	if sess == nil {
		s.errorResponse(w, r, http.StatusUnauthorized, errUnauthorized)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, r, http.StatusBadRequest, err)
		return
	}
	if req.ID == "" {
		s.errorResponse(w, r, http.StatusBadRequest, errors.New("missing chat id"))
		return
	}
	if len(req.Messages) == 0 {
		s.errorResponse(w, r, http.StatusBadRequest, errors.New("no messages"))
		return
	}
	msgs := reconcile.ToStored(req.Messages)
	if err := domain.ValidateLog(msgs); err != nil {
		s.errorResponse(w, r, http.StatusBadRequest, err)
		return
	}

	// Do not let one user overwrite another user's chat.
	existing, err := s.chats.GetChatByID(r.Context(), req.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		s.errorResponse(w, r, http.StatusInternalServerError, err)
		return
	case existing.UserID != sess.User.ID:
		s.errorResponse(w, r, http.StatusUnauthorized, errUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, r, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log := logger.FromContext(r.Context())
	emit := func(ev agent.Event) {
		data, err := json.Marshal(ev)
		if err != nil {
			log.Error("Failed to encode event", "type", ev.Type, "error", err)
			return
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return
		}
		flusher.Flush()
	}

	// Errors are delivered to the client as an error event.
	if _, err := s.agent.Run(r.Context(), agent.Request{
		ChatID:   req.ID,
		UserID:   sess.User.ID,
		Messages: msgs,
	}, emit); err != nil {
		log.Warn("Chat run failed", "chatID", req.ID, "error", err)
	}
}

// handleDeleteChat removes a chat owned by the session user.
func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		s.errorResponse(w, r, http.StatusNotFound, errNotFound)
		return
	}
	sess := auth.FromContext(r.Context())
	if sess == nil {
		s.errorResponse(w, r, http.StatusUnauthorized, errUnauthorized)
		return
	}

	chat, err := s.chats.GetChatByID(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.errorResponse(w, r, http.StatusNotFound, errNotFound)
		return
	case err != nil:
		s.errorResponse(w, r, http.StatusInternalServerError, err)
		return
	case chat.UserID != sess.User.ID:
		s.errorResponse(w, r, http.StatusUnauthorized, errUnauthorized)
		return
	}

	if err := s.chats.DeleteChatByID(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.errorResponse(w, r, http.StatusNotFound, errNotFound)
			return
		}
		logger.FromContext(r.Context()).Error("Failed to delete chat", "chatID", id, "error", err)
		s.errorResponse(w, r, http.StatusInternalServerError, errors.New("An error occurred while processing your request"))
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"message": "Chat deleted"})
}

// handleHistory lists the session user's chats, newest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sess := auth.FromContext(r.Context())
	if sess == nil {
		s.errorResponse(w, r, http.StatusUnauthorized, errUnauthorized)
		return
	}
	items, err := s.history(r, sess.User.ID)
	if err != nil {
		s.errorResponse(w, r, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, items)
}

// handleGetChat returns the reconciled display messages of a chat.
func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	sess := auth.FromContext(r.Context())
	if sess == nil {
		s.errorResponse(w, r, http.StatusUnauthorized, errUnauthorized)
		return
	}
	chat, err := s.chats.GetChatByID(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.errorResponse(w, r, http.StatusNotFound, errNotFound)
		return
	case err != nil:
		s.errorResponse(w, r, http.StatusInternalServerError, err)
		return
	case chat.UserID != sess.User.ID:
		s.errorResponse(w, r, http.StatusNotFound, errNotFound)
		return
	}
	s.jsonResponse(w, http.StatusOK, chatView{
		ID:       chat.ID,
		Title:    reconcile.Title(chat),
		Messages: reconcile.Messages(chat.Messages),
	})
}

type chatView struct {
	ID       string                  `json:"id"`
	Title    string                  `json:"title"`
	Messages []domain.DisplayMessage `json:"messages"`
}
