package llm

import (
	"context"

	"github.com/chatkeep/server/session"
)

// Echo is the degraded provider used when no API key is available.
// It answers with the last user message verbatim.
type Echo struct{}

var _ Provider = Echo{}

func (Echo) Name() string { return string(TypeEcho) }

func (Echo) StreamChat(ctx context.Context, history []session.Message, onChunk func(string) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return onChunk("Echo: " + lastUserMessage(history))
}

// IsEcho reports whether p runs in echo mode.
func IsEcho(p Provider) bool {
	_, ok := p.(Echo)
	return ok
}
