package watch

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/chatkeep/server/session"
)

type mockStore struct {
	session.Store
	chats    []session.Summary
	err      error
	listener session.OnChangeListener
}

func (m *mockStore) List(ctx context.Context, userID string) ([]session.Summary, error) {
	return m.chats, m.err
}

func (m *mockStore) SetOnChangeListener(listener session.OnChangeListener) {
	m.listener = listener
}

type fakeDirs struct {
	watched map[string]int
}

func (f *fakeDirs) Watch(userID string) error { f.watched[userID]++; return nil }
func (f *fakeDirs) Unwatch(userID string)     { f.watched[userID]-- }

func TestChatListWatcher_Subscribe(t *testing.T) {
	store := &mockStore{chats: []session.Summary{{ID: "c1", Title: "One"}, {ID: "c2", Title: "Two"}}}
	w := NewChatListWatcher(store)

	id, chats, err := w.Subscribe(context.Background(), nil, "conn1", "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(id, "cl_") {
		t.Errorf("id = %q, want cl_ prefix", id)
	}
	if len(chats) != 2 {
		t.Errorf("expected 2 chats, got %d", len(chats))
	}
	if !w.HasSubscriptions() {
		t.Error("expected HasSubscriptions to be true")
	}
}

func TestChatListWatcher_ListenerRegistered(t *testing.T) {
	store := &mockStore{}
	w := NewChatListWatcher(store)
	if store.listener != w {
		t.Error("expected watcher to be registered as listener")
	}
}

func TestChatListWatcher_Subscribe_ListError(t *testing.T) {
	store := &mockStore{err: errors.New("list failed")}
	w := NewChatListWatcher(store)

	if _, _, err := w.Subscribe(context.Background(), nil, "conn1", "alice"); err == nil {
		t.Error("expected error")
	}
	if w.HasSubscriptions() {
		t.Error("expected no subscriptions after error")
	}
}

func TestChatListWatcher_UnsubscribeOwnerOnly(t *testing.T) {
	dirs := &fakeDirs{watched: map[string]int{}}
	w := NewChatListWatcher(&mockStore{})
	w.SetUserDirs(dirs)

	id, _, _ := w.Subscribe(context.Background(), nil, "conn1", "alice")
	if dirs.watched["alice"] != 1 {
		t.Errorf("watch count = %d, want 1", dirs.watched["alice"])
	}

	if w.Unsubscribe(id, "bob") {
		t.Error("bob removed alice's subscription")
	}
	if !w.Unsubscribe(id, "alice") {
		t.Error("Unsubscribe returned false")
	}
	if w.HasSubscriptions() {
		t.Error("expected HasSubscriptions to be false")
	}
	if dirs.watched["alice"] != 0 {
		t.Errorf("watch count = %d, want 0", dirs.watched["alice"])
	}
}

func TestChatListWatcher_CleanupConnection(t *testing.T) {
	dirs := &fakeDirs{watched: map[string]int{}}
	w := NewChatListWatcher(&mockStore{})
	w.SetUserDirs(dirs)

	w.Subscribe(context.Background(), nil, "conn1", "alice")
	w.Subscribe(context.Background(), nil, "conn1", "alice")
	w.Subscribe(context.Background(), nil, "conn2", "alice")
	if dirs.watched["alice"] != 1 {
		t.Fatalf("watch count = %d, want 1", dirs.watched["alice"])
	}

	w.CleanupConnection("conn1")
	if dirs.watched["alice"] != 1 {
		t.Errorf("directory unwatched while conn2 still subscribed")
	}
	w.CleanupConnection("conn2")
	if dirs.watched["alice"] != 0 || w.HasSubscriptions() {
		t.Errorf("watch count = %d after cleanup", dirs.watched["alice"])
	}
}

func TestChatListWatcher_NotifiesOwnerOnly(t *testing.T) {
	store, err := session.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	w := NewChatListWatcher(store)
	w.Start()
	defer w.Stop()

	aliceConn, aliceRec := pipeConn(t)
	bobConn, bobRec := pipeConn(t)
	ctx := context.Background()
	aliceSub, _, _ := w.Subscribe(ctx, aliceConn, "a", "alice")
	w.Subscribe(ctx, bobConn, "b", "bob")

	summary, _ := store.Create(ctx, "alice", "hello")
	got := aliceRec.changed(t)
	if got.ID != aliceSub || got.Operation != "create" || got.Chat == nil || got.Chat.ID != summary.ID {
		t.Errorf("create notification = %+v", got)
	}

	store.Delete(ctx, "alice", summary.ID)
	got = aliceRec.changed(t)
	if got.Operation != "delete" || got.ChatID != summary.ID || got.Chat != nil {
		t.Errorf("delete notification = %+v", got)
	}

	bobRec.none(t, 200*time.Millisecond)
}

func TestChatListWatcher_Reload(t *testing.T) {
	w := NewChatListWatcher(&mockStore{})
	w.Start()
	defer w.Stop()

	conn, rec := pipeConn(t)
	w.Subscribe(context.Background(), conn, "a", "alice")

	w.Reload("alice")
	if got := rec.changed(t); got.Operation != OperationReload {
		t.Errorf("operation = %q, want reload", got.Operation)
	}

	// A store change just happened; the directory event is ours.
	w.OnChatChange(session.ChangeEvent{Op: session.OperationUpdate, UserID: "alice", Chat: session.Summary{ID: "c1"}})
	if got := rec.changed(t); got.Operation != "update" {
		t.Errorf("operation = %q, want update", got.Operation)
	}
	w.Reload("alice")
	rec.none(t, 200*time.Millisecond)
}

func TestChatListWatcher_AfterStop(t *testing.T) {
	w := NewChatListWatcher(&mockStore{})
	w.Start()
	w.Stop()

	// Should not block or panic after Stop
	w.OnChatChange(session.ChangeEvent{Op: session.OperationCreate, UserID: "alice"})
	w.Reload("alice")
}
