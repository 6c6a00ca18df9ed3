// Package llmtest provides a scripted llm.Provider for tests.
package llmtest

import (
	"context"
	"sync"

	"github.com/chatkeep/server/llm"
	"github.com/chatkeep/server/session"
)

// Provider streams Chunks, then returns Err. With Block set it waits for the
// context to end after the last chunk instead of returning.
type Provider struct {
	Chunks []string
	Err    error
	Block  bool

	// Started, if non-nil, receives a value when a stream begins.
	Started chan struct{}

	mu        sync.Mutex
	histories [][]session.Message
}

var _ llm.Provider = (*Provider)(nil)

func (p *Provider) Name() string { return "fake" }

func (p *Provider) StreamChat(ctx context.Context, history []session.Message, onChunk func(string) error) error {
	p.mu.Lock()
	p.histories = append(p.histories, append([]session.Message(nil), history...))
	p.mu.Unlock()

	if p.Started != nil {
		select {
		case p.Started <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for _, c := range p.Chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := onChunk(c); err != nil {
			return err
		}
	}
	if p.Block {
		<-ctx.Done()
		return ctx.Err()
	}
	return p.Err
}

// Calls returns the number of streams started.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.histories)
}

// LastHistory returns the history sent with the most recent stream.
func (p *Provider) LastHistory() []session.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.histories) == 0 {
		return nil
	}
	return p.histories[len(p.histories)-1]
}

// Validating wraps a Provider with a fixed Validate result.
type Validating struct {
	*Provider
	ValidateErr error
}

var _ llm.Validator = Validating{}

func (v Validating) Validate(ctx context.Context) error { return v.ValidateErr }
