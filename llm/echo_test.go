package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/chatkeep/server/session"
)

func TestEcho_RepliesWithLastUserMessage(t *testing.T) {
	history := []session.Message{
		{Role: session.RoleUser, Content: "first"},
		{Role: session.RoleAssistant, Content: "Echo: first"},
		{Role: session.RoleUser, Content: "hi"},
	}

	var chunks []string
	err := Echo{}.StreamChat(context.Background(), history, func(c string) error {
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	if len(chunks) != 1 || chunks[0] != "Echo: hi" {
		t.Errorf("chunks = %q, want [\"Echo: hi\"]", chunks)
	}
}

func TestEcho_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := Echo{}.StreamChat(ctx, nil, func(string) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if called {
		t.Error("onChunk called after cancellation")
	}
}

func TestIsEcho(t *testing.T) {
	if !IsEcho(Echo{}) {
		t.Error("IsEcho(Echo{}) = false")
	}
	if IsEcho(&OpenAI{}) {
		t.Error("IsEcho(*OpenAI) = true")
	}
}
