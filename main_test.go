package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chatkeep/server/api"
	"github.com/chatkeep/server/auth"
	"github.com/chatkeep/server/chat"
	"github.com/chatkeep/server/config"
	"github.com/chatkeep/server/llm"
	"github.com/chatkeep/server/reply"
	"github.com/chatkeep/server/session"
	"github.com/chatkeep/server/watch"
)

func newTestHandler(t *testing.T) (http.Handler, *auth.Tokens) {
	t.Helper()
	dataDir := t.TempDir()
	store, err := session.NewFileStore(dataDir)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	tokens, err := auth.NewTokens("test-secret", time.Minute)
	if err != nil {
		t.Fatalf("failed to create tokens: %v", err)
	}
	users, err := auth.NewUsers(dataDir)
	if err != nil {
		t.Fatalf("failed to create users: %v", err)
	}
	chats := chat.NewManager(store, reply.NewBridge(llm.Echo{}))
	return newHandler(tokens, api.NewChatHandler(chats, nil), api.NewAuthHandler(users, tokens), nil), tokens
}

func TestHealthEndpoint(t *testing.T) {
	handler, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("got status %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("got body %q, want %q", rec.Body.String(), "ok")
	}
}

func TestPingEndpoint(t *testing.T) {
	handler, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/ping", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("got status %d, want %d", rec.Code, http.StatusOK)
	}
	want := `{"message":"pong"}`
	if rec.Body.String() != want {
		t.Errorf("got body %q, want %q", rec.Body.String(), want)
	}
}

func TestChatsRequireToken(t *testing.T) {
	handler, tokens := newTestHandler(t)

	t.Run("rejects without token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/chats", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("got status %d, want %d", rec.Code, http.StatusUnauthorized)
		}
	})

	t.Run("lists with valid token", func(t *testing.T) {
		tok, err := tokens.Issue("alice")
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		req := httptest.NewRequest(http.MethodGet, "/api/chats", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("got status %d, want %d", rec.Code, http.StatusOK)
		}
	})
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := out.String(); got != "chatkeep dev\n" {
		t.Errorf("got %q", got)
	}
}

func TestServeRequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	cmd := newRootCmd()
	cmd.SetArgs([]string{"serve", "--data-dir", t.TempDir()})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "JWT_SECRET") {
		t.Errorf("expected missing secret error, got %v", err)
	}
}

func TestOpenStore(t *testing.T) {
	for _, backend := range []string{config.BackendFile, config.BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			cfg := &config.Config{DataDir: t.TempDir(), StorageBackend: backend}
			store, dir, closeStore, err := openStore(cfg)
			if err != nil {
				t.Fatalf("openStore: %v", err)
			}
			defer closeStore()
			if (dir != "") != (backend == config.BackendFile) {
				t.Errorf("chats dir = %q for %s", dir, backend)
			}
			if _, err := store.Create(context.Background(), "alice", ""); err != nil {
				t.Errorf("create: %v", err)
			}
		})
	}
}

func TestRunChat(t *testing.T) {
	store, err := session.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	chats := chat.NewManager(store, reply.NewBridge(llm.Echo{}))
	ctx := context.Background()

	in := strings.NewReader("hello there\n/rename Greetings\n/new Second\n/list\n/bogus\n/quit\n")
	var out bytes.Buffer
	if err := runChat(ctx, in, &out, chats, "alice"); err != nil {
		t.Fatalf("runChat: %v", err)
	}

	text := out.String()
	for _, want := range []string{"Echo: hello there", "Greetings", "Second", "unknown command /bogus"} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}

	list, err := chats.List(ctx, "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 chats, got %d", len(list))
	}
	current, err := chats.Current(ctx, "alice")
	if err != nil || current == nil || current.Title != "Second" {
		t.Errorf("current = %+v, %v", current, err)
	}
}

func TestRunChat_ResumesHistory(t *testing.T) {
	store, err := session.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	chats := chat.NewManager(store, reply.NewBridge(llm.Echo{}))
	ctx := context.Background()

	if err := runChat(ctx, strings.NewReader("first question\n"), &bytes.Buffer{}, chats, "bob"); err != nil {
		t.Fatalf("runChat: %v", err)
	}

	var out bytes.Buffer
	if err := runChat(ctx, strings.NewReader(""), &out, chats, "bob"); err != nil {
		t.Fatalf("runChat: %v", err)
	}
	if !strings.Contains(out.String(), "user: first question") || !strings.Contains(out.String(), "assistant: Echo: first question") {
		t.Errorf("history not shown:\n%s", out.String())
	}
}

func TestExternalEditResyncsTitles(t *testing.T) {
	store, err := session.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	sum, err := store.Create(context.Background(), "alice", "Before")
	if err != nil {
		t.Fatalf("failed to create chat: %v", err)
	}

	path := filepath.Join(store.UserDir("alice"), sum.ID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read record: %v", err)
	}
	if err := os.WriteFile(path, []byte(strings.Replace(string(data), `"Before"`, `"After"`, 1)), 0644); err != nil {
		t.Fatalf("failed to write record: %v", err)
	}

	lists := watch.NewChatListWatcher(store)
	t.Cleanup(lists.Stop)
	externalEdit(store, lists)("alice")

	list, err := store.List(context.Background(), "alice")
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(list) != 1 || list[0].Title != "After" {
		t.Errorf("expected edited title, got %+v", list)
	}
}
