// Package chat manages a user's chats and runs conversation turns against the
// reply bridge.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chatkeep/server/reply"
	"github.com/chatkeep/server/session"
)

var (
	ErrEmptyMessage = errors.New("message content is empty")
	ErrEmptyTitle   = errors.New("title is empty")
)

// Manager presents chat operations for users. It owns the store, the bridge
// used for replies and the per-user selection.
type Manager struct {
	store      session.Store
	bridge     *reply.Bridge
	sel        *selections
	saveFailed bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithSaveFailedReplies controls whether the partial text of a failed reply,
// including its error fragment, is stored as the assistant message.
// Enabled by default.
func WithSaveFailedReplies(save bool) Option {
	return func(m *Manager) { m.saveFailed = save }
}

// WithSelectionStore persists selections. By default a store that also
// implements session.SelectionStore is used, otherwise selections live in memory.
func WithSelectionStore(s session.SelectionStore) Option {
	return func(m *Manager) { m.sel.store = s }
}

func NewManager(store session.Store, bridge *reply.Bridge, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		bridge:     bridge,
		sel:        &selections{ids: make(map[string]string)},
		saveFailed: true,
	}
	if ss, ok := store.(session.SelectionStore); ok {
		m.sel.store = ss
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WithBridge returns a Manager sharing m's store and selections that replies
// through b instead.
func (m *Manager) WithBridge(b *reply.Bridge) *Manager {
	c := *m
	c.bridge = b
	return &c
}

func (m *Manager) Bridge() *reply.Bridge {
	return m.bridge
}

// Create adds a chat and selects it.
func (m *Manager) Create(ctx context.Context, userID, title string) (session.Summary, error) {
	summary, err := m.store.Create(ctx, userID, strings.TrimSpace(title))
	if err != nil {
		return session.Summary{}, err
	}
	if err := m.sel.save(ctx, userID, summary.ID); err != nil {
		return session.Summary{}, err
	}
	slog.Info("chat created", "userId", userID, "chatId", summary.ID)
	return summary, nil
}

func (m *Manager) List(ctx context.Context, userID string) ([]session.Summary, error) {
	return m.store.List(ctx, userID)
}

// Get returns session.ErrNotFound when userID has no chat with chatID.
func (m *Manager) Get(ctx context.Context, userID, chatID string) (session.Session, error) {
	sess, found, err := m.store.Get(ctx, userID, chatID)
	if err != nil {
		return session.Session{}, err
	}
	if !found {
		return session.Session{}, session.ErrNotFound
	}
	return sess, nil
}

// Select makes chatID the user's current chat.
func (m *Manager) Select(ctx context.Context, userID, chatID string) error {
	if _, err := m.Get(ctx, userID, chatID); err != nil {
		return err
	}
	return m.sel.save(ctx, userID, chatID)
}

// Current returns the selected chat. If the selection no longer exists the
// most recent chat is selected instead. Returns nil when the user has no chats.
func (m *Manager) Current(ctx context.Context, userID string) (*session.Session, error) {
	selected, err := m.sel.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if selected != "" {
		sess, found, err := m.store.Get(ctx, userID, selected)
		if err != nil {
			return nil, err
		}
		if found {
			return &sess, nil
		}
	}

	list, err := m.store.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, summary := range list {
		sess, found, err := m.store.Get(ctx, userID, summary.ID)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		if err := m.sel.save(ctx, userID, sess.ID); err != nil {
			return nil, err
		}
		return &sess, nil
	}
	if selected != "" {
		if err := m.sel.save(ctx, userID, ""); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (m *Manager) mostRecent(ctx context.Context, userID string) (string, error) {
	list, err := m.store.List(ctx, userID)
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "", nil
	}
	return list[0].ID, nil
}

func (m *Manager) Rename(ctx context.Context, userID, chatID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return ErrEmptyTitle
	}
	if _, err := m.Get(ctx, userID, chatID); err != nil {
		return err
	}
	return m.store.Rename(ctx, userID, chatID, title)
}

// Delete removes a chat. Deleting the selected chat moves the selection to the
// most recent remaining chat, or clears it.
func (m *Manager) Delete(ctx context.Context, userID, chatID string) error {
	if err := m.store.Delete(ctx, userID, chatID); err != nil {
		return err
	}

	selected, err := m.sel.load(ctx, userID)
	if err != nil {
		return err
	}
	if selected != chatID {
		return nil
	}
	next, err := m.mostRecent(ctx, userID)
	if err != nil {
		return err
	}
	slog.Info("chat deleted", "userId", userID, "chatId", chatID, "selected", next)
	return m.sel.save(ctx, userID, next)
}

// Turn is the outcome of one Send.
type Turn struct {
	// Message is the assistant message built from the reply fragments.
	Message session.Message
	State   reply.State
	// Err is the reply failure, if any. The chat remains usable.
	Err error
	// Saved reports whether Message was appended to the chat.
	Saved bool
}

// Send runs one turn: the user message is stored before the provider is called,
// fragments are passed to onFragment as they arrive, and the assistant message
// is stored once the reply ends. An error from onFragment stops the reply.
//
// Returned errors are request or storage failures; provider failures are
// reported in Turn.Err.
func (m *Manager) Send(ctx context.Context, userID, chatID, content string, onFragment func(string) error) (*Turn, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}

	sess, err := m.Get(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}

	if sess.Title == session.DefaultTitle && !hasUserMessage(sess.Messages) {
		if title := AutoTitle(content); title != "" {
			sess.Title = title
		}
	}
	sess = sess.Append(session.Message{Role: session.RoleUser, Content: content})
	if err := m.store.Save(ctx, userID, chatID, sess); err != nil {
		return nil, err
	}

	log := slog.With("userId", userID, "chatId", chatID)
	log.Debug("turn started", "provider", m.bridge.Provider().Name(), "contentLength", len(content))

	r := m.bridge.Stream(ctx, sess.Messages)
	for fragment := range r.Fragments() {
		if onFragment == nil {
			continue
		}
		if err := onFragment(fragment); err != nil {
			log.Debug("fragment consumer stopped", "error", err)
			break
		}
	}

	turn := &Turn{
		Message: session.Message{Role: session.RoleAssistant, Content: r.Text()},
		State:   r.State(),
		Err:     r.Err(),
	}

	if !m.shouldSave(turn) {
		log.Info("turn ended without saving", "state", turn.State.String(), "error", turn.Err)
		return turn, nil
	}

	// The reply may have been cut by ctx; storing its outcome must not be.
	saved, err := m.appendReply(context.WithoutCancel(ctx), userID, chatID, turn.Message)
	if err != nil {
		return turn, fmt.Errorf("save reply: %w", err)
	}
	turn.Saved = saved
	log.Info("turn ended", "state", turn.State.String(), "replyLength", len(turn.Message.Content), "saved", saved)
	return turn, nil
}

func (m *Manager) shouldSave(turn *Turn) bool {
	if turn.Message.Content == "" {
		return false
	}
	return turn.State == reply.StateCompleted || m.saveFailed
}

// appendReply re-reads the chat so edits made while streaming are kept.
func (m *Manager) appendReply(ctx context.Context, userID, chatID string, msg session.Message) (bool, error) {
	sess, found, err := m.store.Get(ctx, userID, chatID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if err := m.store.Save(ctx, userID, chatID, sess.Append(msg)); err != nil {
		return false, err
	}
	return true, nil
}

func hasUserMessage(msgs []session.Message) bool {
	for _, msg := range msgs {
		if msg.Role == session.RoleUser {
			return true
		}
	}
	return false
}
