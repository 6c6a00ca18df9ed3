// Package api serves the REST surface: account endpoints and chat operations
// for clients that do not keep a WebSocket open.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/chatkeep/server/chat"
	"github.com/chatkeep/server/middleware"
	"github.com/chatkeep/server/session"
	"github.com/chatkeep/server/turn"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// TurnTracker tracks running turns across transports; *turn.Manager implements it.
type TurnTracker interface {
	IsRunning(userID, chatID string) bool
	Claim(ctx context.Context, userID, chatID string) (context.Context, func(), error)
}

// ChatHandler handles chat-related REST endpoints.
type ChatHandler struct {
	chats *chat.Manager
	turns TurnTracker
}

// NewChatHandler creates a new chat handler. turns may be nil.
func NewChatHandler(chats *chat.Manager, turns TurnTracker) *ChatHandler {
	return &ChatHandler{chats: chats, turns: turns}
}

type createRequest struct {
	Title string `json:"title"`
}

type renameRequest struct {
	Title string `json:"title"`
}

type messageRequest struct {
	Content string `json:"content"`
}

// streamEvent is one server-sent event of a message reply.
type streamEvent struct {
	Type    string           `json:"type"`
	Content string           `json:"content,omitempty"`
	Error   string           `json:"error,omitempty"`
	Message *session.Message `json:"message,omitempty"`
	Saved   bool             `json:"saved,omitempty"`
}

// HandleList handles GET /api/chats
func (h *ChatHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	chats, err := h.chats.List(r.Context(), userID)
	if err != nil {
		writeFailure(w, r, err, "list chats")
		return
	}
	if chats == nil {
		chats = []session.Summary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

// HandleCreate handles POST /api/chats
func (h *ChatHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	summary, err := h.chats.Create(r.Context(), middleware.UserID(r.Context()), req.Title)
	if err != nil {
		writeFailure(w, r, err, "create chat")
		return
	}
	writeJSON(w, http.StatusCreated, summary)
}

// HandleCurrent handles GET /api/chats/current
func (h *ChatHandler) HandleCurrent(w http.ResponseWriter, r *http.Request) {
	sess, err := h.chats.Current(r.Context(), middleware.UserID(r.Context()))
	if err != nil {
		writeFailure(w, r, err, "get current chat")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chat": sess})
}

// HandleGet handles GET /api/chats/{id}
func (h *ChatHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := h.chats.Get(r.Context(), middleware.UserID(r.Context()), r.PathValue("id"))
	if err != nil {
		writeFailure(w, r, err, "get chat")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// HandleRename handles PATCH /api/chats/{id}
func (h *ChatHandler) HandleRename(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.chats.Rename(r.Context(), middleware.UserID(r.Context()), r.PathValue("id"), req.Title); err != nil {
		writeFailure(w, r, err, "rename chat")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleDelete handles DELETE /api/chats/{id}
func (h *ChatHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	chatID := r.PathValue("id")
	if h.turns != nil && h.turns.IsRunning(userID, chatID) {
		writeError(w, http.StatusConflict, "a reply is in progress for this chat")
		return
	}
	if err := h.chats.Delete(r.Context(), userID, chatID); err != nil {
		writeFailure(w, r, err, "delete chat")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSelect handles PUT /api/chats/{id}/select
func (h *ChatHandler) HandleSelect(w http.ResponseWriter, r *http.Request) {
	if err := h.chats.Select(r.Context(), middleware.UserID(r.Context()), r.PathValue("id")); err != nil {
		writeFailure(w, r, err, "select chat")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleMessage handles POST /api/chats/{id}/messages. The reply is streamed
// as server-sent events; the request ends when the reply does.
func (h *ChatHandler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	chatID := r.PathValue("id")

	var req messageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeFailure(w, r, chat.ErrEmptyMessage, "send message")
		return
	}
	// Validate before the stream headers go out so errors keep their status.
	if _, err := h.chats.Get(r.Context(), userID, chatID); err != nil {
		writeFailure(w, r, err, "send message")
		return
	}

	ctx := r.Context()
	if h.turns != nil {
		turnCtx, release, err := h.turns.Claim(ctx, userID, chatID)
		if errors.Is(err, turn.ErrBusy) {
			writeError(w, http.StatusConflict, "a reply is already in progress for this chat")
			return
		}
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "server is shutting down")
			return
		}
		defer release()
		ctx = turnCtx
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(ev streamEvent) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	result, err := h.chats.Send(ctx, userID, chatID, req.Content, func(fragment string) error {
		return send(streamEvent{Type: "text", Content: fragment})
	})
	if err != nil {
		slog.Error("message failed", "userId", userID, "chatId", chatID, "error", err)
		send(streamEvent{Type: "error", Error: err.Error()})
		if result == nil {
			return
		}
	}
	if result.Err != nil {
		send(streamEvent{Type: "error", Error: result.Err.Error()})
	}
	send(streamEvent{Type: "done", Message: &result.Message, Saved: result.Saved})
}

// Register registers chat handlers to the given mux.
func (h *ChatHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/chats", h.HandleList)
	mux.HandleFunc("POST /api/chats", h.HandleCreate)
	mux.HandleFunc("GET /api/chats/current", h.HandleCurrent)
	mux.HandleFunc("GET /api/chats/{id}", h.HandleGet)
	mux.HandleFunc("PATCH /api/chats/{id}", h.HandleRename)
	mux.HandleFunc("DELETE /api/chats/{id}", h.HandleDelete)
	mux.HandleFunc("PUT /api/chats/{id}/select", h.HandleSelect)
	mux.HandleFunc("POST /api/chats/{id}/messages", h.HandleMessage)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeFailure maps a chat or store error to an HTTP status.
func writeFailure(w http.ResponseWriter, r *http.Request, err error, action string) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "chat not found")
	case errors.Is(err, session.ErrInvalidID),
		errors.Is(err, chat.ErrEmptyTitle),
		errors.Is(err, chat.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("failed to "+action, "path", r.URL.Path, "userId", middleware.UserID(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}
