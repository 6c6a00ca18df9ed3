package watch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/chatkeep/server/rpc"
	"github.com/chatkeep/server/session"
)

// OperationReload tells clients to re-fetch the whole list.
const OperationReload = "reload"

// selfWriteWindow hides directory events caused by the store's own writes.
const selfWriteWindow = 500 * time.Millisecond

// UserDirs is notified when the first subscriber of a user arrives and when
// the last one leaves. *DirWatcher implements it.
type UserDirs interface {
	Watch(userID string) error
	Unwatch(userID string)
}

type listEvent struct {
	change *session.ChangeEvent
	reload string // user id
}

// ChatListWatcher notifies subscribers when their own chat list changes.
// Uses a channel-based async notification pattern to avoid blocking the chat
// store's mutex during network I/O.
type ChatListWatcher struct {
	*BaseWatcher
	store   session.Store
	eventCh chan listEvent

	dirs UserDirs

	usersMu     sync.Mutex
	userRefs    map[string]int
	lastChanged map[string]time.Time
}

func NewChatListWatcher(store session.Store) *ChatListWatcher {
	w := &ChatListWatcher{
		BaseWatcher: NewBaseWatcher("cl"),
		store:       store,
		eventCh:     make(chan listEvent, 64), // Buffer to avoid blocking
		userRefs:    make(map[string]int),
		lastChanged: make(map[string]time.Time),
	}
	store.SetOnChangeListener(w)
	return w
}

// SetUserDirs attaches a directory watcher. Must be called before Start.
func (w *ChatListWatcher) SetUserDirs(dirs UserDirs) {
	w.dirs = dirs
}

func (w *ChatListWatcher) Start() error {
	go w.eventLoop()
	slog.Info("ChatListWatcher started")
	return nil
}

func (w *ChatListWatcher) Stop() {
	w.Cancel()
	slog.Info("ChatListWatcher stopped")
}

// eventLoop processes chat change events asynchronously.
func (w *ChatListWatcher) eventLoop() {
	for {
		select {
		case <-w.Context().Done():
			return
		case ev := <-w.eventCh:
			if ev.change != nil {
				w.notifyChange(*ev.change)
			} else {
				w.notifyReload(ev.reload)
			}
		}
	}
}

func (w *ChatListWatcher) notifyChange(event session.ChangeEvent) {
	n := w.NotifyUser(event.UserID, "chat.list.changed", func(sub *Subscription) any {
		params := rpc.ChatListChangedParams{
			ID:        sub.ID,
			Operation: string(event.Op),
		}
		if event.Op == session.OperationDelete {
			params.ChatID = event.Chat.ID
		} else {
			chat := event.Chat
			params.Chat = &chat
		}
		return params
	})
	if n > 0 {
		slog.Debug("notified chat list change", "operation", event.Op, "userId", event.UserID, "subscribers", n)
	}
}

func (w *ChatListWatcher) notifyReload(userID string) {
	n := w.NotifyUser(userID, "chat.list.changed", func(sub *Subscription) any {
		return rpc.ChatListChangedParams{ID: sub.ID, Operation: OperationReload}
	})
	if n > 0 {
		slog.Debug("notified chat list reload", "userId", userID, "subscribers", n)
	}
}

// Subscribe registers a subscriber for userID's chats and returns the
// subscription ID along with the current list.
func (w *ChatListWatcher) Subscribe(ctx context.Context, conn *jsonrpc2.Conn, connID, userID string) (string, []session.Summary, error) {
	id := w.GenerateID()
	sub := &Subscription{
		ID:     id,
		UserID: userID,
		ConnID: connID,
		Conn:   conn,
	}
	// Add subscription BEFORE getting the list to avoid missing events
	// that occur between List() and AddSubscription().
	w.AddSubscription(sub)

	chats, err := w.store.List(ctx, userID)
	if err != nil {
		w.RemoveSubscription(id)
		return "", nil, err
	}
	w.retainUser(userID)

	slog.Debug("chat list subscription added", "watchId", id, "connId", connID, "userId", userID)
	return id, chats, nil
}

// Unsubscribe removes a subscription. Only the owning user may remove it.
func (w *ChatListWatcher) Unsubscribe(id, userID string) bool {
	w.subMu.RLock()
	sub, ok := w.subscriptions[id]
	w.subMu.RUnlock()
	if !ok || sub.UserID != userID {
		return false
	}
	if w.RemoveSubscription(id) == nil {
		return false
	}
	w.releaseUser(userID)
	return true
}

func (w *ChatListWatcher) CleanupConnection(connID string) {
	for _, sub := range w.BaseWatcher.CleanupConnection(connID) {
		w.releaseUser(sub.UserID)
	}
}

func (w *ChatListWatcher) retainUser(userID string) {
	w.usersMu.Lock()
	w.userRefs[userID]++
	first := w.userRefs[userID] == 1
	w.usersMu.Unlock()

	if first && w.dirs != nil {
		if err := w.dirs.Watch(userID); err != nil {
			slog.Warn("failed to watch chat directory", "userId", userID, "error", err)
		}
	}
}

func (w *ChatListWatcher) releaseUser(userID string) {
	w.usersMu.Lock()
	w.userRefs[userID]--
	last := w.userRefs[userID] <= 0
	if last {
		delete(w.userRefs, userID)
	}
	w.usersMu.Unlock()

	if last && w.dirs != nil {
		w.dirs.Unwatch(userID)
	}
}

// OnChatChange implements session.OnChangeListener.
// This method is called from the chat store's mutex, so it must not block.
// Events are queued to the channel for async processing.
func (w *ChatListWatcher) OnChatChange(event session.ChangeEvent) {
	if w.Context().Err() != nil {
		return
	}

	w.usersMu.Lock()
	w.lastChanged[event.UserID] = time.Now()
	w.usersMu.Unlock()

	select {
	case w.eventCh <- listEvent{change: &event}:
	default:
		slog.Warn("chat list change event dropped (buffer full)", "operation", event.Op)
	}
}

// Reload tells userID's subscribers to re-fetch their list, unless the store
// itself just reported a change for that user.
func (w *ChatListWatcher) Reload(userID string) {
	if w.Context().Err() != nil {
		return
	}

	w.usersMu.Lock()
	recent := time.Since(w.lastChanged[userID]) < selfWriteWindow
	w.usersMu.Unlock()
	if recent {
		return
	}

	select {
	case w.eventCh <- listEvent{reload: userID}:
	default:
		slog.Warn("chat list reload dropped (buffer full)", "userId", userID)
	}
}
