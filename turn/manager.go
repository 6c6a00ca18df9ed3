// Package turn runs chat turns in the background so they outlive the request
// that started them, and fans their fragments out to JSON-RPC subscribers.
package turn

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/chatkeep/server/chat"
	"github.com/chatkeep/server/reply"
	"github.com/chatkeep/server/rpc"
)

// ErrBusy is returned by Start while a turn for the same chat is still running.
var ErrBusy = errors.New("a reply is already in progress for this chat")

// Sender runs one turn; *chat.Manager implements it.
type Sender interface {
	Send(ctx context.Context, userID, chatID, content string, onFragment func(string) error) (*chat.Turn, error)
}

var _ Sender = (*chat.Manager)(nil)

type key struct {
	userID string
	chatID string
}

// Manager tracks running turns and JSON-RPC subscriptions.
// Turns and subscriptions have independent lifecycles.
type Manager struct {
	// Turn management: (user, chat) -> running turn
	turnsMu sync.Mutex
	turns   map[key]*running

	// Subscription management: (user, chat) -> subscribed JSON-RPC connections
	subsMu sync.Mutex
	subs   map[key][]*jsonrpc2.Conn

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

type running struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager() *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		turns:  make(map[key]*running),
		subs:   make(map[key][]*jsonrpc2.Conn),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start runs content as a new turn on chatID through sender. Fragments are
// broadcast as chat.text, the outcome as chat.done or chat.error.
func (m *Manager) Start(sender Sender, userID, chatID, content string) error {
	k := key{userID, chatID}

	m.turnsMu.Lock()
	if m.ctx.Err() != nil {
		m.turnsMu.Unlock()
		return context.Canceled
	}
	if _, exists := m.turns[k]; exists {
		m.turnsMu.Unlock()
		return ErrBusy
	}
	// Use manager's context for the turn lifecycle, not the request context
	ctx, cancel := context.WithCancel(m.ctx)
	t := &running{cancel: cancel, done: make(chan struct{})}
	m.turns[k] = t
	m.wg.Add(1)
	m.turnsMu.Unlock()

	go func() {
		defer m.wg.Done()
		defer close(t.done)
		defer m.remove(k, t)
		defer cancel()
		m.run(ctx, sender, k, content)
	}()

	slog.Info("turn started", "userId", userID, "chatId", chatID)
	return nil
}

// Claim registers a turn the caller runs itself, such as a REST request
// streaming its own reply, so Start, Interrupt and Wait see it. The returned
// context ends on Interrupt, on Shutdown or when ctx ends. release must be
// called once the turn is over.
func (m *Manager) Claim(ctx context.Context, userID, chatID string) (context.Context, func(), error) {
	k := key{userID, chatID}

	m.turnsMu.Lock()
	if m.ctx.Err() != nil {
		m.turnsMu.Unlock()
		return nil, nil, context.Canceled
	}
	if _, exists := m.turns[k]; exists {
		m.turnsMu.Unlock()
		return nil, nil, ErrBusy
	}
	turnCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(m.ctx, cancel)
	t := &running{cancel: cancel, done: make(chan struct{})}
	m.turns[k] = t
	m.wg.Add(1)
	m.turnsMu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			stop()
			cancel()
			m.remove(k, t)
			close(t.done)
			m.wg.Done()
		})
	}
	slog.Info("turn claimed", "userId", userID, "chatId", chatID)
	return turnCtx, release, nil
}

func (m *Manager) run(ctx context.Context, sender Sender, k key, content string) {
	log := slog.With("userId", k.userID, "chatId", k.chatID)

	// Notifications are still delivered after an interrupt.
	notifyCtx := context.WithoutCancel(ctx)

	result, err := sender.Send(ctx, k.userID, k.chatID, content, func(fragment string) error {
		m.Notify(notifyCtx, k.userID, k.chatID, "chat.text", rpc.TextParams{ChatID: k.chatID, Content: fragment})
		return nil
	})
	if err != nil {
		log.Error("turn failed", "error", err)
		m.Notify(notifyCtx, k.userID, k.chatID, "chat.error", rpc.ErrorParams{ChatID: k.chatID, Error: err.Error()})
		return
	}
	if result.Err != nil && !errors.Is(result.Err, reply.ErrAbandoned) {
		m.Notify(notifyCtx, k.userID, k.chatID, "chat.error", rpc.ErrorParams{ChatID: k.chatID, Error: result.Err.Error()})
	}
	m.Notify(notifyCtx, k.userID, k.chatID, "chat.done", rpc.DoneParams{
		ChatID:  k.chatID,
		Message: result.Message,
		Saved:   result.Saved,
	})
	log.Info("turn ended", "state", result.State.String())
}

func (m *Manager) remove(k key, t *running) {
	m.turnsMu.Lock()
	defer m.turnsMu.Unlock()
	if m.turns[k] == t {
		delete(m.turns, k)
	}
}

// IsRunning returns whether a turn is in progress for the chat.
func (m *Manager) IsRunning(userID, chatID string) bool {
	m.turnsMu.Lock()
	defer m.turnsMu.Unlock()
	_, ok := m.turns[key{userID, chatID}]
	return ok
}

// Interrupt cancels the running turn, closing its upstream request.
// Returns false if nothing was running.
func (m *Manager) Interrupt(userID, chatID string) bool {
	m.turnsMu.Lock()
	t, ok := m.turns[key{userID, chatID}]
	m.turnsMu.Unlock()
	if !ok {
		return false
	}
	t.cancel()
	slog.Info("turn interrupted", "userId", userID, "chatId", chatID)
	return true
}

// Wait blocks until the chat has no running turn or ctx ends.
func (m *Manager) Wait(ctx context.Context, userID, chatID string) error {
	m.turnsMu.Lock()
	t, ok := m.turns[key{userID, chatID}]
	m.turnsMu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe adds a JSON-RPC connection to receive events for a chat.
// Returns true if this is a new subscription (not already subscribed).
func (m *Manager) Subscribe(userID, chatID string, conn *jsonrpc2.Conn) bool {
	k := key{userID, chatID}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	for _, c := range m.subs[k] {
		if c == conn {
			return false
		}
	}

	m.subs[k] = append(m.subs[k], conn)
	slog.Debug("subscribed to chat", "userId", userID, "chatId", chatID, "totalSubs", len(m.subs[k]))
	return true
}

// Unsubscribe removes a JSON-RPC connection from receiving events.
func (m *Manager) Unsubscribe(userID, chatID string, conn *jsonrpc2.Conn) {
	k := key{userID, chatID}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	m.dropLocked(k, conn)
}

// UnsubscribeAll removes conn from every chat; used when a connection closes.
func (m *Manager) UnsubscribeAll(conn *jsonrpc2.Conn) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for k := range m.subs {
		m.dropLocked(k, conn)
	}
}

func (m *Manager) dropLocked(k key, conn *jsonrpc2.Conn) {
	conns := m.subs[k]
	kept := make([]*jsonrpc2.Conn, 0, len(conns))
	for _, c := range conns {
		if c != conn {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		delete(m.subs, k)
	} else {
		m.subs[k] = kept
	}
}

// Subscribers returns a copy of the subscribers for a chat.
func (m *Manager) Subscribers(userID, chatID string) []*jsonrpc2.Conn {
	k := key{userID, chatID}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	conns := make([]*jsonrpc2.Conn, len(m.subs[k]))
	copy(conns, m.subs[k])
	return conns
}

// Notify sends a JSON-RPC notification to all subscribers of a chat.
func (m *Manager) Notify(ctx context.Context, userID, chatID, method string, params any) {
	for _, conn := range m.Subscribers(userID, chatID) {
		if err := conn.Notify(ctx, method, params); err != nil {
			slog.Debug("notify failed", "error", err, "method", method)
		}
	}
}

// Shutdown interrupts all turns and waits for them to store their outcome.
func (m *Manager) Shutdown() {
	m.turnsMu.Lock()
	m.cancel()
	n := len(m.turns)
	m.turnsMu.Unlock()

	m.wg.Wait()
	slog.Info("turn manager shutdown complete", "turnsInterrupted", n)
}
