package ws

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/chatkeep/server/chat"
	"github.com/chatkeep/server/rpc"
	"github.com/chatkeep/server/session"
)

// deleteWait bounds how long chat.delete waits for an interrupted turn.
const deleteWait = 5 * time.Second

func (h *rpcMethodHandler) handleChatList(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, chats *chat.Manager) {
	list, err := chats.List(ctx, h.state.user())
	if err != nil {
		h.replyFailure(ctx, conn, req.ID, err, "list chats")
		return
	}
	if err := conn.Reply(ctx, req.ID, rpc.ChatListResult{Chats: list}); err != nil {
		h.log.Error("failed to send chat list response", "error", err)
	}
}

func (h *rpcMethodHandler) handleChatCreate(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, chats *chat.Manager) {
	var params rpc.ChatCreateParams
	if req.Params != nil {
		if err := unmarshalParams(req, &params); err != nil {
			h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
			return
		}
	}

	summary, err := chats.Create(ctx, h.state.user(), params.Title)
	if err != nil {
		h.replyFailure(ctx, conn, req.ID, err, "create chat")
		return
	}
	if err := conn.Reply(ctx, req.ID, summary); err != nil {
		h.log.Error("failed to send chat create response", "error", err)
	}
}

func (h *rpcMethodHandler) handleChatGet(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, chats *chat.Manager) {
	chatID, ok := h.chatParam(ctx, conn, req)
	if !ok {
		return
	}
	sess, err := chats.Get(ctx, h.state.user(), chatID)
	if err != nil {
		h.replyFailure(ctx, conn, req.ID, err, "get chat")
		return
	}
	if err := conn.Reply(ctx, req.ID, sess); err != nil {
		h.log.Error("failed to send chat get response", "error", err)
	}
}

func (h *rpcMethodHandler) handleChatCurrent(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, chats *chat.Manager) {
	sess, err := chats.Current(ctx, h.state.user())
	if err != nil {
		h.replyFailure(ctx, conn, req.ID, err, "get current chat")
		return
	}
	if err := conn.Reply(ctx, req.ID, rpc.ChatCurrentResult{Chat: sess}); err != nil {
		h.log.Error("failed to send chat current response", "error", err)
	}
}

func (h *rpcMethodHandler) handleChatSelect(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, chats *chat.Manager) {
	chatID, ok := h.chatParam(ctx, conn, req)
	if !ok {
		return
	}
	if err := chats.Select(ctx, h.state.user(), chatID); err != nil {
		h.replyFailure(ctx, conn, req.ID, err, "select chat")
		return
	}
	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		h.log.Error("failed to send chat select response", "error", err)
	}
}

func (h *rpcMethodHandler) handleChatRename(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, chats *chat.Manager) {
	var params rpc.ChatRenameParams
	if err := unmarshalParams(req, &params); err != nil || params.ChatID == "" {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}
	if err := chats.Rename(ctx, h.state.user(), params.ChatID, params.Title); err != nil {
		h.replyFailure(ctx, conn, req.ID, err, "rename chat")
		return
	}
	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		h.log.Error("failed to send chat rename response", "error", err)
	}
}

func (h *rpcMethodHandler) handleChatDelete(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, chats *chat.Manager) {
	chatID, ok := h.chatParam(ctx, conn, req)
	if !ok {
		return
	}
	userID := h.state.user()

	// A running turn would write the chat back after it is removed.
	if h.turns.Interrupt(userID, chatID) {
		waitCtx, cancel := context.WithTimeout(ctx, deleteWait)
		err := h.turns.Wait(waitCtx, userID, chatID)
		cancel()
		if err != nil {
			h.log.Warn("interrupted turn did not finish before delete", "chatId", chatID, "error", err)
		}
	}

	if err := chats.Delete(ctx, userID, chatID); err != nil {
		h.replyFailure(ctx, conn, req.ID, err, "delete chat")
		return
	}
	h.turns.Unsubscribe(userID, chatID, conn)
	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		h.log.Error("failed to send chat delete response", "error", err)
	}
}

func (h *rpcMethodHandler) handleAttach(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, chats *chat.Manager) {
	chatID, ok := h.chatParam(ctx, conn, req)
	if !ok {
		return
	}
	userID := h.state.user()

	sess, err := chats.Get(ctx, userID, chatID)
	if err != nil {
		h.replyFailure(ctx, conn, req.ID, err, "attach chat")
		return
	}

	h.state.subscribe(chatID, conn)

	result := rpc.AttachResult{
		TurnRunning: h.turns.IsRunning(userID, chatID),
		Chat:        sess,
	}
	if err := conn.Reply(ctx, req.ID, result); err != nil {
		h.log.Error("failed to send attach response", "error", err)
	}
}

func (h *rpcMethodHandler) handleMessage(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, chats *chat.Manager) {
	var params rpc.MessageParams
	if err := unmarshalParams(req, &params); err != nil || params.ChatID == "" {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}
	if strings.TrimSpace(params.Content) == "" {
		h.replyFailure(ctx, conn, req.ID, chat.ErrEmptyMessage, "send message")
		return
	}
	userID := h.state.user()

	// Reject unknown chats before the turn is queued so the caller gets the
	// error as the response rather than a notification.
	if _, err := chats.Get(ctx, userID, params.ChatID); err != nil {
		h.replyFailure(ctx, conn, req.ID, err, "send message")
		return
	}

	// Auto-subscribe so the sender sees its own reply
	h.state.subscribe(params.ChatID, conn)

	if err := h.turns.Start(chats, userID, params.ChatID, params.Content); err != nil {
		if errors.Is(err, context.Canceled) {
			h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, "server is shutting down")
			return
		}
		h.replyFailure(ctx, conn, req.ID, err, "send message")
		return
	}

	h.log.Info("message queued", "chatId", params.ChatID)
	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		h.log.Error("failed to send message response", "error", err)
	}
}

func (h *rpcMethodHandler) handleInterrupt(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	chatID, ok := h.chatParam(ctx, conn, req)
	if !ok {
		return
	}
	interrupted := h.turns.Interrupt(h.state.user(), chatID)
	if err := conn.Reply(ctx, req.ID, rpc.InterruptResult{Interrupted: interrupted}); err != nil {
		h.log.Error("failed to send interrupt response", "error", err)
	}
}

func (h *rpcMethodHandler) handleChatListSubscribe(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if h.lists == nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeMethodNotFound, "chat list watching is disabled")
		return
	}
	id, chats, err := h.lists.Subscribe(ctx, conn, h.state.connID, h.state.user())
	if err != nil {
		h.replyFailure(ctx, conn, req.ID, err, "subscribe to chat list")
		return
	}
	if chats == nil {
		chats = []session.Summary{}
	}
	if err := conn.Reply(ctx, req.ID, rpc.ChatListSubscribeResult{ID: id, Chats: chats}); err != nil {
		h.log.Error("failed to send chat list subscribe response", "error", err)
	}
}

func (h *rpcMethodHandler) handleChatListUnsubscribe(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.ChatListUnsubscribeParams
	if err := unmarshalParams(req, &params); err != nil || params.ID == "" {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}
	if h.lists == nil || !h.lists.Unsubscribe(params.ID, h.state.user()) {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "subscription not found")
		return
	}
	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		h.log.Error("failed to send chat list unsubscribe response", "error", err)
	}
}

func (h *rpcMethodHandler) chatParam(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (string, bool) {
	var params rpc.ChatParams
	if err := unmarshalParams(req, &params); err != nil || params.ChatID == "" {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return "", false
	}
	return params.ChatID, true
}
