// Package ws serves the chat protocol as JSON-RPC 2.0 over WebSocket.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/chatkeep/server/chat"
	"github.com/chatkeep/server/llm"
	"github.com/chatkeep/server/reply"
	"github.com/chatkeep/server/rpc"
	"github.com/chatkeep/server/session"
	"github.com/chatkeep/server/turn"
	"github.com/chatkeep/server/watch"
)

// Application error codes, outside the range reserved by JSON-RPC.
const (
	CodeInvalidCredential int64 = -32001
	CodeBusy              int64 = -32002
	CodeUnavailable       int64 = -32003
)

// TokenVerifier resolves an access token to a user id; *auth.Tokens implements it.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// ProviderFactory builds a completion provider for a client-supplied API key.
type ProviderFactory func(ctx context.Context, apiKey string) (llm.Provider, error)

// RPCHandler handles JSON-RPC 2.0 over WebSocket.
type RPCHandler struct {
	tokens    TokenVerifier
	chats     *chat.Manager
	turns     *turn.Manager
	lists     *watch.ChatListWatcher
	providers ProviderFactory
	devMode   bool
}

// NewRPCHandler creates a new JSON-RPC handler. providers may be nil, in
// which case client API keys are rejected.
func NewRPCHandler(tokens TokenVerifier, chats *chat.Manager, turns *turn.Manager, lists *watch.ChatListWatcher, providers ProviderFactory, devMode bool) *RPCHandler {
	return &RPCHandler{
		tokens:    tokens,
		chats:     chats,
		turns:     turns,
		lists:     lists,
		providers: providers,
		devMode:   devMode,
	}
}

func (h *RPCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: h.devMode,
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err)
		return
	}

	h.handleConnection(r.Context(), conn)
}

func (h *RPCHandler) handleConnection(ctx context.Context, wsConn *websocket.Conn) {
	connID := uuid.Must(uuid.NewV7()).String()
	log := slog.With("connId", connID)
	log.Info("new websocket connection")

	// Create ObjectStream adapter for coder/websocket
	stream := newWebSocketStream(wsConn)

	state := &rpcConnState{
		connID:     connID,
		chats:      h.chats,
		subscribed: make(map[string]struct{}),
		turns:      h.turns,
		log:        log,
	}

	handler := &rpcMethodHandler{
		RPCHandler: h,
		state:      state,
		log:        log,
	}

	rpcConn := jsonrpc2.NewConn(ctx, stream, jsonrpc2.AsyncHandler(handler))
	state.setConn(rpcConn)

	// Wait for connection to close
	<-rpcConn.DisconnectNotify()

	// Cleanup: unsubscribe from all chats and list watches
	n := state.cleanup()
	if h.lists != nil {
		h.lists.CleanupConnection(connID)
	}
	log.Info("connection closed", "subscriptions", n)
}

// rpcConnState tracks per-connection state.
type rpcConnState struct {
	connID string
	log    *slog.Logger
	turns  *turn.Manager

	mu         sync.Mutex
	conn       *jsonrpc2.Conn
	userID     string
	chats      *chat.Manager
	credErr    error
	subscribed map[string]struct{}
}

func (s *rpcConnState) setConn(conn *jsonrpc2.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *rpcConnState) setUser(userID string) {
	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()
}

func (s *rpcConnState) user() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// setCredential switches the connection to its own provider, or records why
// the client's key cannot be used.
func (s *rpcConnState) setCredential(chats *chat.Manager, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chats != nil {
		s.chats = chats
	}
	s.credErr = err
}

func (s *rpcConnState) session() (*chat.Manager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chats, s.credErr
}

func (s *rpcConnState) subscribe(chatID string, conn *jsonrpc2.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subscribed[chatID]; !exists {
		s.turns.Subscribe(s.userID, chatID, conn)
		s.subscribed[chatID] = struct{}{}
	}
}

func (s *rpcConnState) cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.turns.UnsubscribeAll(s.conn)
	}
	return len(s.subscribed)
}

// rpcMethodHandler handles JSON-RPC method calls.
type rpcMethodHandler struct {
	*RPCHandler
	state         *rpcConnState
	log           *slog.Logger
	authenticated bool
	authMu        sync.Mutex
}

func (h *rpcMethodHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	h.log.Debug("received request", "method", req.Method, "id", req.ID)

	// Auth must be the first request
	if !h.isAuthenticated() {
		if req.Method != "auth" {
			h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidRequest, "first request must be auth")
			conn.Close()
			return
		}
		h.handleAuth(ctx, conn, req)
		return
	}

	if req.Method == "credential.set" {
		h.handleCredentialSet(ctx, conn, req)
		return
	}

	// A rejected client key blocks chat operations until a valid one is set
	chats, credErr := h.state.session()
	if credErr != nil {
		h.replyError(ctx, conn, req.ID, credentialCode(credErr), credErr.Error())
		return
	}

	switch req.Method {
	case "chat.list":
		h.handleChatList(ctx, conn, req, chats)
	case "chat.create":
		h.handleChatCreate(ctx, conn, req, chats)
	case "chat.get":
		h.handleChatGet(ctx, conn, req, chats)
	case "chat.current":
		h.handleChatCurrent(ctx, conn, req, chats)
	case "chat.select":
		h.handleChatSelect(ctx, conn, req, chats)
	case "chat.rename":
		h.handleChatRename(ctx, conn, req, chats)
	case "chat.delete":
		h.handleChatDelete(ctx, conn, req, chats)
	case "chat.attach":
		h.handleAttach(ctx, conn, req, chats)
	case "chat.message":
		h.handleMessage(ctx, conn, req, chats)
	case "chat.interrupt":
		h.handleInterrupt(ctx, conn, req)
	case "chat.list.subscribe":
		h.handleChatListSubscribe(ctx, conn, req)
	case "chat.list.unsubscribe":
		h.handleChatListUnsubscribe(ctx, conn, req)
	default:
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (h *rpcMethodHandler) isAuthenticated() bool {
	h.authMu.Lock()
	defer h.authMu.Unlock()
	return h.authenticated
}

func (h *rpcMethodHandler) setAuthenticated() {
	h.authMu.Lock()
	h.authenticated = true
	h.authMu.Unlock()
}

func (h *rpcMethodHandler) handleAuth(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.AuthParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		conn.Close()
		return
	}

	userID, err := h.tokens.Verify(params.Token)
	if err != nil {
		h.log.Warn("invalid auth token", "error", err)
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidRequest, "invalid token")
		conn.Close()
		return
	}

	h.state.setUser(userID)
	h.log = h.log.With("userId", userID)
	h.setAuthenticated()
	h.log.Info("authenticated")

	if params.APIKey != "" {
		if err := h.applyCredential(ctx, params.APIKey, true); err != nil {
			h.replyError(ctx, conn, req.ID, credentialCode(err), err.Error())
			return
		}
	}

	chats, _ := h.state.session()
	p := chats.Bridge().Provider()
	result := rpc.AuthResult{UserID: userID, Provider: p.Name(), Echo: llm.IsEcho(p)}
	if err := conn.Reply(ctx, req.ID, result); err != nil {
		h.log.Error("failed to send auth response", "error", err)
	}
}

func (h *rpcMethodHandler) handleCredentialSet(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.CredentialParams
	if err := unmarshalParams(req, &params); err != nil || params.APIKey == "" {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	if err := h.applyCredential(ctx, params.APIKey, false); err != nil {
		h.replyError(ctx, conn, req.ID, credentialCode(err), err.Error())
		return
	}

	chats, _ := h.state.session()
	p := chats.Bridge().Provider()
	result := rpc.AuthResult{UserID: h.state.user(), Provider: p.Name(), Echo: llm.IsEcho(p)}
	if err := conn.Reply(ctx, req.ID, result); err != nil {
		h.log.Error("failed to send credential response", "error", err)
	}
}

// applyCredential validates apiKey before any chat operation can use it.
// A rejected key blocks chat operations. A check that failed for another
// reason only blocks them when initial is set, so a later credential.set
// that hits an outage keeps the credential already in use.
func (h *rpcMethodHandler) applyCredential(ctx context.Context, apiKey string, initial bool) error {
	if h.providers == nil {
		err := errors.New("client api keys are not accepted")
		h.state.setCredential(nil, err)
		return err
	}

	p, err := h.providers(ctx, apiKey)
	if err == nil {
		err = llm.Validate(ctx, p)
	}
	if errors.Is(err, llm.ErrInvalidCredential) {
		h.log.Warn("client api key rejected", "error", err)
		h.state.setCredential(nil, err)
		return err
	}
	if err != nil {
		h.log.Warn("failed to check client api key", "error", err)
		if !errors.Is(err, llm.ErrUnavailable) {
			err = fmt.Errorf("%w: %v", llm.ErrUnavailable, err)
		}
		if initial {
			h.state.setCredential(nil, err)
		}
		return err
	}

	h.state.setCredential(h.chats.WithBridge(reply.NewBridge(p)), nil)
	h.log.Info("client api key accepted", "provider", p.Name())
	return nil
}

func credentialCode(err error) int64 {
	if errors.Is(err, llm.ErrUnavailable) {
		return CodeUnavailable
	}
	return CodeInvalidCredential
}

func (h *rpcMethodHandler) replyError(ctx context.Context, conn *jsonrpc2.Conn, id jsonrpc2.ID, code int64, message string) {
	err := &jsonrpc2.Error{
		Code:    code,
		Message: message,
	}
	if replyErr := conn.ReplyWithError(ctx, id, err); replyErr != nil {
		h.log.Error("failed to send error response", "error", replyErr)
	}
}

// replyFailure maps a chat or store error to a JSON-RPC error.
func (h *rpcMethodHandler) replyFailure(ctx context.Context, conn *jsonrpc2.Conn, id jsonrpc2.ID, err error, action string) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		h.replyError(ctx, conn, id, jsonrpc2.CodeInvalidParams, "chat not found")
	case errors.Is(err, session.ErrInvalidID):
		h.replyError(ctx, conn, id, jsonrpc2.CodeInvalidParams, "invalid id")
	case errors.Is(err, chat.ErrEmptyTitle), errors.Is(err, chat.ErrEmptyMessage):
		h.replyError(ctx, conn, id, jsonrpc2.CodeInvalidParams, err.Error())
	case errors.Is(err, turn.ErrBusy):
		h.replyError(ctx, conn, id, CodeBusy, err.Error())
	default:
		h.log.Error("failed to "+action, "error", err)
		h.replyError(ctx, conn, id, jsonrpc2.CodeInternalError, "failed to "+action)
	}
}

func unmarshalParams(req *jsonrpc2.Request, v any) error {
	if req.Params == nil {
		return errors.New("missing params")
	}
	return json.Unmarshal(*req.Params, v)
}

// webSocketStream adapts coder/websocket to jsonrpc2.ObjectStream.
type webSocketStream struct {
	conn *websocket.Conn
	mu   sync.Mutex // protects writes
}

func newWebSocketStream(conn *websocket.Conn) *webSocketStream {
	return &webSocketStream{conn: conn}
}

func (s *webSocketStream) ReadObject(v interface{}) error {
	_, data, err := s.conn.Read(context.Background())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *webSocketStream) WriteObject(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(context.Background(), websocket.MessageText, data)
}

func (s *webSocketStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

// Ensure webSocketStream implements ObjectStream
var _ jsonrpc2.ObjectStream = (*webSocketStream)(nil)
