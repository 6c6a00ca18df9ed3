package turn

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/sourcegraph/jsonrpc2"
	"go.uber.org/goleak"

	"github.com/chatkeep/server/chat"
	"github.com/chatkeep/server/llm/llmtest"
	"github.com/chatkeep/server/reply"
	"github.com/chatkeep/server/rpc"
	"github.com/chatkeep/server/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	ch chan *jsonrpc2.Request
}

func (r *recorder) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if req.Notif {
		r.ch <- req
	}
}

// pipeConn returns a server-side connection whose notifications land in the recorder.
func pipeConn(t *testing.T) (*jsonrpc2.Conn, *recorder) {
	t.Helper()
	a, b := net.Pipe()
	ctx := context.Background()
	rec := &recorder{ch: make(chan *jsonrpc2.Request, 64)}
	noop := jsonrpc2.HandlerWithError(func(context.Context, *jsonrpc2.Conn, *jsonrpc2.Request) (any, error) {
		return nil, nil
	})
	server := jsonrpc2.NewConn(ctx, jsonrpc2.NewBufferedStream(a, jsonrpc2.VSCodeObjectCodec{}), noop)
	client := jsonrpc2.NewConn(ctx, jsonrpc2.NewBufferedStream(b, jsonrpc2.VSCodeObjectCodec{}), rec)
	t.Cleanup(func() {
		server.Close()
		client.Close()
		<-server.DisconnectNotify()
		<-client.DisconnectNotify()
	})
	return server, rec
}

func (r *recorder) next(t *testing.T) *jsonrpc2.Request {
	t.Helper()
	select {
	case req := <-r.ch:
		return req
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for notification")
		return nil
	}
}

// until reads notifications until method arrives and returns it.
func (r *recorder) until(t *testing.T, method string) *jsonrpc2.Request {
	t.Helper()
	for {
		if req := r.next(t); req.Method == method {
			return req
		}
	}
}

func newChats(t *testing.T, p *llmtest.Provider) (*chat.Manager, string) {
	t.Helper()
	store, err := session.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	chats := chat.NewManager(store, reply.NewBridge(p))
	summary, err := chats.Create(context.Background(), "alice", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return chats, summary.ID
}

func wait(t *testing.T, m *Manager, chatID string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Wait(ctx, "alice", chatID); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestStart_BroadcastsFragmentsAndDone(t *testing.T) {
	chats, chatID := newChats(t, &llmtest.Provider{Chunks: []string{"2+2 ", "is 4."}})
	m := NewManager()
	defer m.Shutdown()

	conn, rec := pipeConn(t)
	if !m.Subscribe("alice", chatID, conn) {
		t.Fatal("Subscribe returned false for new subscription")
	}
	if m.Subscribe("alice", chatID, conn) {
		t.Error("Subscribe returned true for duplicate subscription")
	}

	if err := m.Start(chats, "alice", chatID, "2+2?"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var texts []string
	for _, want := range []string{"chat.text", "chat.text", "chat.done"} {
		req := rec.next(t)
		if req.Method != want {
			t.Fatalf("method = %q, want %q", req.Method, want)
		}
		if want == "chat.text" {
			var p rpc.TextParams
			json.Unmarshal(*req.Params, &p)
			texts = append(texts, p.Content)
			continue
		}
		var done rpc.DoneParams
		if err := json.Unmarshal(*req.Params, &done); err != nil {
			t.Fatalf("unmarshal done: %v", err)
		}
		if done.Message.Content != "2+2 is 4." || !done.Saved || done.ChatID != chatID {
			t.Errorf("done = %+v", done)
		}
	}
	if len(texts) != 2 || texts[0] != "2+2 " {
		t.Errorf("texts = %q", texts)
	}

	wait(t, m, chatID)
	sess, err := chats.Get(context.Background(), "alice", chatID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(sess.Messages) != 2 {
		t.Errorf("got %d messages, want 2", len(sess.Messages))
	}
}

func TestStart_BusyAndInterrupt(t *testing.T) {
	p := &llmtest.Provider{Chunks: []string{"thinking"}, Block: true, Started: make(chan struct{}, 1)}
	chats, chatID := newChats(t, p)
	m := NewManager()
	defer m.Shutdown()

	conn, rec := pipeConn(t)
	m.Subscribe("alice", chatID, conn)

	if err := m.Start(chats, "alice", chatID, "first"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-p.Started

	if !m.IsRunning("alice", chatID) {
		t.Error("IsRunning = false during turn")
	}
	if err := m.Start(chats, "alice", chatID, "second"); !errors.Is(err, ErrBusy) {
		t.Errorf("second Start: err = %v, want ErrBusy", err)
	}
	if m.IsRunning("bob", chatID) {
		t.Error("IsRunning leaked across users")
	}

	if !m.Interrupt("alice", chatID) {
		t.Fatal("Interrupt returned false")
	}
	rec.until(t, "chat.error")
	done := rec.until(t, "chat.done")
	var params rpc.DoneParams
	json.Unmarshal(*done.Params, &params)
	if params.Message.Content == "" {
		t.Error("interrupted turn produced no message")
	}

	wait(t, m, chatID)
	if m.IsRunning("alice", chatID) {
		t.Error("IsRunning = true after interrupt")
	}
	if m.Interrupt("alice", chatID) {
		t.Error("Interrupt returned true with nothing running")
	}
}

func TestStart_SendErrorNotifies(t *testing.T) {
	chats, _ := newChats(t, &llmtest.Provider{Chunks: []string{"x"}})
	m := NewManager()
	defer m.Shutdown()

	conn, rec := pipeConn(t)
	m.Subscribe("alice", "missing", conn)

	if err := m.Start(chats, "alice", "missing", "hi"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	req := rec.next(t)
	if req.Method != "chat.error" {
		t.Fatalf("method = %q, want chat.error", req.Method)
	}
	var params rpc.ErrorParams
	json.Unmarshal(*req.Params, &params)
	if params.Error != session.ErrNotFound.Error() {
		t.Errorf("error = %q", params.Error)
	}
}

func TestUnsubscribe(t *testing.T) {
	m := NewManager()
	defer m.Shutdown()

	conn, _ := pipeConn(t)
	other, _ := pipeConn(t)
	m.Subscribe("alice", "c1", conn)
	m.Subscribe("alice", "c2", conn)
	m.Subscribe("alice", "c1", other)

	m.Unsubscribe("alice", "c1", conn)
	if got := len(m.Subscribers("alice", "c1")); got != 1 {
		t.Errorf("c1 subscribers = %d, want 1", got)
	}

	m.UnsubscribeAll(conn)
	if got := len(m.Subscribers("alice", "c2")); got != 0 {
		t.Errorf("c2 subscribers = %d, want 0", got)
	}
	if got := len(m.Subscribers("alice", "c1")); got != 1 {
		t.Errorf("c1 subscribers = %d, want 1", got)
	}
}

func TestShutdown_InterruptsAndRejects(t *testing.T) {
	p := &llmtest.Provider{Block: true, Started: make(chan struct{}, 1)}
	chats, chatID := newChats(t, p)
	m := NewManager()

	if err := m.Start(chats, "alice", chatID, "hello"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-p.Started

	m.Shutdown()
	if m.IsRunning("alice", chatID) {
		t.Error("turn still running after Shutdown")
	}
	if err := m.Start(chats, "alice", chatID, "again"); err == nil {
		t.Error("Start after Shutdown succeeded")
	}
}

func TestClaim_SharesBusyState(t *testing.T) {
	chats, chatID := newChats(t, &llmtest.Provider{Chunks: []string{"x"}})
	m := NewManager()
	defer m.Shutdown()

	ctx, release, err := m.Claim(context.Background(), "alice", chatID)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !m.IsRunning("alice", chatID) {
		t.Error("IsRunning = false for claimed turn")
	}
	if err := m.Start(chats, "alice", chatID, "hello"); !errors.Is(err, ErrBusy) {
		t.Errorf("Start during claim: err = %v, want ErrBusy", err)
	}
	if _, _, err := m.Claim(context.Background(), "alice", chatID); !errors.Is(err, ErrBusy) {
		t.Errorf("second Claim: err = %v, want ErrBusy", err)
	}

	if !m.Interrupt("alice", chatID) {
		t.Fatal("Interrupt returned false for claimed turn")
	}
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("claimed context not canceled by Interrupt")
	}

	release()
	release()
	wait(t, m, chatID)
	if m.IsRunning("alice", chatID) {
		t.Error("IsRunning = true after release")
	}
	if err := m.Start(chats, "alice", chatID, "hello"); err != nil {
		t.Errorf("Start after release: %v", err)
	}
	wait(t, m, chatID)
}

func TestClaim_BlockedByStart(t *testing.T) {
	p := &llmtest.Provider{Block: true, Started: make(chan struct{}, 1)}
	chats, chatID := newChats(t, p)
	m := NewManager()
	defer m.Shutdown()

	if err := m.Start(chats, "alice", chatID, "hello"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-p.Started

	if _, _, err := m.Claim(context.Background(), "alice", chatID); !errors.Is(err, ErrBusy) {
		t.Errorf("Claim during turn: err = %v, want ErrBusy", err)
	}
}

func TestClaim_ShutdownCancels(t *testing.T) {
	m := NewManager()
	ctx, release, err := m.Claim(context.Background(), "alice", "c1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}

	shut := make(chan struct{})
	go func() {
		m.Shutdown()
		close(shut)
	}()

	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("claimed context not canceled by Shutdown")
	}
	release()
	select {
	case <-shut:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return after release")
	}
	if _, _, err := m.Claim(context.Background(), "alice", "c1"); err == nil {
		t.Error("Claim after Shutdown succeeded")
	}
}
