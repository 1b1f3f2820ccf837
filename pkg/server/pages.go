package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nstogner/klever/pkg/agent"
	"github.com/nstogner/klever/pkg/auth"
	"github.com/nstogner/klever/pkg/domain"
	"github.com/nstogner/klever/pkg/logger"
	"github.com/nstogner/klever/pkg/reconcile"
	"github.com/nstogner/klever/pkg/store"
)

func (s *Server) handleNewChatPage(w http.ResponseWriter, r *http.Request) {
	sess := auth.FromContext(r.Context())
	if sess == nil {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}
	data, err := s.chatPage(r, sess, uuid.New().String(), nil)
	if err != nil {
		s.renderError(w, r, http.StatusInternalServerError, err)
		return
	}
	s.pages.render(w, http.StatusOK, "chat", data)
}

func (s *Server) handleChatPage(w http.ResponseWriter, r *http.Request) {
	sess := auth.FromContext(r.Context())
	if sess == nil {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}
	chat, ok := s.ownedChat(w, r, sess, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	data, err := s.chatPage(r, sess, chat.ID, reconcile.Messages(chat.Messages))
	if err != nil {
		s.renderError(w, r, http.StatusInternalServerError, err)
		return
	}
	data.Title = reconcile.Title(chat)
	s.pages.render(w, http.StatusOK, "chat", data)
}

// handleChatSubmit appends one user message from the composer form, runs the
// agent to completion and sends the browser back to the chat.
func (s *Server) handleChatSubmit(w http.ResponseWriter, r *http.Request) {
	sess := auth.FromContext(r.Context())
	if sess == nil {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}
	chatID := chi.URLParam(r, "id")
	target := "/chat/" + chatID

	if err := r.ParseForm(); err != nil {
		s.renderError(w, r, http.StatusBadRequest, err)
		return
	}
	content := strings.TrimSpace(r.PostForm.Get("content"))
	if content == "" {
		http.Redirect(w, r, target, http.StatusSeeOther)
		return
	}

	_, err := s.agent.Continue(r.Context(), chatID, sess.User.ID, content, nil)
	switch {
	case errors.Is(err, agent.ErrForbidden):
		s.renderError(w, r, http.StatusNotFound, errors.New("This chat could not be found."))
		return
	case err != nil:
		logger.FromContext(r.Context()).Error("Chat turn failed", "chatID", chatID, "error", err)
		s.renderError(w, r, http.StatusBadGateway, errors.New("The assistant could not answer right now. Please try again."))
		return
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// chatPage loads the sidebar and assembles the chat page for the session
// user.
func (s *Server) chatPage(r *http.Request, sess *auth.Session, chatID string, msgs []domain.DisplayMessage) (pageData, error) {
	history, err := s.history(r, sess.User.ID)
	if err != nil {
		return pageData{}, err
	}
	return pageData{
		User:     &sess.User,
		History:  history,
		ChatID:   chatID,
		Messages: msgs,
	}, nil
}

func (s *Server) history(r *http.Request, userID string) ([]historyItem, error) {
	chats, err := s.chats.GetChatsByUserID(r.Context(), userID)
	if err != nil {
		return nil, err
	}
	items := make([]historyItem, 0, len(chats))
	for i := range chats {
		items = append(items, historyItem{
			ID:        chats[i].ID,
			Title:     reconcile.Title(&chats[i]),
			CreatedAt: chats[i].CreatedAt.Format(time.RFC3339),
		})
	}
	return items, nil
}

// ownedChat loads a chat for a page and writes a 404 page unless it exists
// and belongs to the session user.
func (s *Server) ownedChat(w http.ResponseWriter, r *http.Request, sess *auth.Session, id string) (*domain.Chat, bool) {
	chat, err := s.chats.GetChatByID(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.renderError(w, r, http.StatusNotFound, errors.New("This chat could not be found."))
		return nil, false
	case err != nil:
		s.renderError(w, r, http.StatusInternalServerError, err)
		return nil, false
	case chat.UserID != sess.User.ID:
		s.renderError(w, r, http.StatusNotFound, errors.New("This chat could not be found."))
		return nil, false
	}
	return chat, true
}

func (s *Server) renderError(w http.ResponseWriter, r *http.Request, status int, err error) {
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("Page Error", "status", status, "error", err)
		if status == http.StatusInternalServerError {
			msg = "Something went wrong. Please try again."
		}
	}
	data := pageData{Title: http.StatusText(status), Error: msg}
	if sess := auth.FromContext(r.Context()); sess != nil {
		data.User = &sess.User
	}
	s.pages.render(w, status, "error", data)
}

// --- Auth pages ---

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	if auth.FromContext(r.Context()) != nil {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	s.pages.render(w, http.StatusOK, "login", pageData{Title: "Sign In"})
}

func (s *Server) handleRegisterPage(w http.ResponseWriter, r *http.Request) {
	if auth.FromContext(r.Context()) != nil {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	s.pages.render(w, http.StatusOK, "register", pageData{Title: "Sign Up"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.handleAuthForm(w, r, "login", "Sign In", http.StatusUnauthorized, s.auth.Login)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	s.handleAuthForm(w, r, "register", "Sign Up", http.StatusInternalServerError, s.auth.Register)
}

func (s *Server) handleAuthForm(
	w http.ResponseWriter,
	r *http.Request,
	page, title string,
	failedStatus int,
	action func(context.Context, auth.Credentials) (auth.ActionState, *auth.Session),
) {
	if err := r.ParseForm(); err != nil {
		s.renderError(w, r, http.StatusBadRequest, err)
		return
	}
	creds := auth.Credentials{
		Email:    strings.TrimSpace(r.PostForm.Get("email")),
		Password: r.PostForm.Get("password"),
	}
	state, sess := action(r.Context(), creds)
	if sess != nil {
		if err := s.auth.SetCookie(w, sess); err != nil {
			s.renderError(w, r, http.StatusInternalServerError, err)
			return
		}
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	status := http.StatusOK
	switch state.Status {
	case auth.StatusInvalidData:
		status = http.StatusBadRequest
	case auth.StatusUserExists:
		status = http.StatusConflict
	case auth.StatusFailed:
		status = failedStatus
	}
	s.pages.render(w, status, page, pageData{
		Title: title,
		State: state,
		Email: creds.Email,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.auth.ClearCookie(w)
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}
