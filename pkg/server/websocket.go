package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/nstogner/klever/pkg/agent"
	"github.com/nstogner/klever/pkg/auth"
	"github.com/nstogner/klever/pkg/domain"
	"github.com/nstogner/klever/pkg/logger"
	"github.com/nstogner/klever/pkg/reconcile"
	"github.com/nstogner/klever/pkg/store"
)

const (
	wsPingInterval = 30 * time.Second
	wsWriteWait    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// snapshotFrame carries the full reconciled chat. It is sent when the socket
// opens and whenever the stored chat changes.
type snapshotFrame struct {
	Type     string                  `json:"type"`
	Messages []domain.DisplayMessage `json:"messages"`
}

type wsConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteJSON(v)
}

// handleChatWebSocket lets a client converse over a websocket: each
// {"content": "..."} frame runs one agent turn whose events are streamed
// back as JSON frames.
func (s *Server) handleChatWebSocket(w http.ResponseWriter, r *http.Request) {
	sess := auth.FromContext(r.Context())
	if sess == nil {
		s.errorResponse(w, r, http.StatusUnauthorized, errUnauthorized)
		return
	}
	chatID := chi.URLParam(r, "id")

	// A chat that does not exist yet is created by the first message.
	chat, err := s.chats.GetChatByID(r.Context(), chatID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		chat = &domain.Chat{ID: chatID, UserID: sess.User.ID}
	case err != nil:
		s.errorResponse(w, r, http.StatusInternalServerError, err)
		return
	case chat.UserID != sess.User.ID:
		s.errorResponse(w, r, http.StatusNotFound, errNotFound)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.FromContext(r.Context()).Error("Failed to upgrade websocket", "error", err)
		return
	}
	defer ws.Close()

	log := logger.FromContext(r.Context()).With("chatID", chatID)
	conn := &wsConn{ws: ws}
	done := make(chan struct{})
	updates, unsubscribe := s.chats.Subscribe()
	defer unsubscribe()

	// Send initial chat state.
	if err := conn.writeJSON(snapshotFrame{Type: "messages", Messages: reconcile.Messages(chat.Messages)}); err != nil {
		log.Error("Failed initial chat sync", "error", err)
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)

	// Writer goroutine: pushes the chat to the client whenever it is saved.
	go func() {
		defer wg.Done()

		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case id := <-updates:
				if id != chatID {
					continue
				}
				if err := s.syncChat(r.Context(), conn, chatID); err != nil {
					log.Error("Failed chat sync", "error", err)
					ws.Close()
					return
				}
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					ws.Close()
					return
				}
			}
		}
	}()

	// Reader loop: receives user messages and runs the agent on each.
	for {
		var msg struct {
			Content string `json:"content"`
		}
		if err := ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("WebSocket read ended", "error", err)
			}
			break
		}

		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		emit := func(ev agent.Event) {
			if err := conn.writeJSON(ev); err != nil {
				log.Debug("Failed to write event", "type", ev.Type, "error", err)
			}
		}
		if _, err := s.agent.Continue(r.Context(), chatID, sess.User.ID, content, emit); err != nil {
			log.Warn("Chat turn failed", "error", err)
			if errors.Is(err, agent.ErrForbidden) {
				break
			}
		}
	}

	close(done)
	wg.Wait()
}

func (s *Server) syncChat(ctx context.Context, conn *wsConn, chatID string) error {
	chat, err := s.chats.GetChatByID(ctx, chatID)
	if errors.Is(err, store.ErrNotFound) {
		// Deleted elsewhere.
		return conn.writeJSON(snapshotFrame{Type: "messages", Messages: []domain.DisplayMessage{}})
	}
	if err != nil {
		return err
	}
	return conn.writeJSON(snapshotFrame{Type: "messages", Messages: reconcile.Messages(chat.Messages)})
}
