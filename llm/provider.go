// Package llm adapts external chat-completion APIs to a single streaming interface.
package llm

import (
	"context"
	"errors"

	"github.com/chatkeep/server/session"
)

var (
	// ErrInvalidCredential is returned when an API key is rejected by the backend.
	ErrInvalidCredential = errors.New("invalid api credential")
	// ErrUnavailable is returned when a credential could not be checked because
	// the backend failed for another reason.
	ErrUnavailable = errors.New("completion service unavailable")
)

// Provider streams a reply for a conversation.
type Provider interface {
	// Name identifies the backend in logs.
	Name() string

	// StreamChat sends the full history and calls onChunk for every piece of
	// reply text as it arrives. Returning an error from onChunk aborts the stream.
	// StreamChat returns after the last chunk or on the first failure.
	StreamChat(ctx context.Context, history []session.Message, onChunk func(chunk string) error) error
}

// Validator is implemented by providers that can check their credential up front.
type Validator interface {
	// Validate returns an error wrapping ErrInvalidCredential if the key is
	// rejected, or ErrUnavailable if the backend could not answer.
	Validate(ctx context.Context) error
}

// lastUserMessage returns the content of the most recent user message.
func lastUserMessage(history []session.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == session.RoleUser {
			return history[i].Content
		}
	}
	return ""
}
