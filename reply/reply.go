// Package reply turns a provider's streamed completion into a lazy sequence of
// text fragments with a per-reply state machine.
package reply

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"strings"
	"sync"

	"github.com/chatkeep/server/llm"
	"github.com/chatkeep/server/session"
)

const (
	// Greeting is the single fragment produced for an empty history.
	Greeting = "Hello! How can I assist you today?"

	errorPrefix = "Sorry, I encountered an error: "
)

// ErrAbandoned is the terminal error of a reply whose consumer stopped early.
var ErrAbandoned = errors.New("reply abandoned before completion")

// errStopped aborts the provider stream after the consumer breaks out.
var errStopped = errors.New("consumer stopped")

// State is the lifecycle position of a single reply.
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateStreaming
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ErrorFragment formats err the way it is shown inline to the user.
func ErrorFragment(err error) string {
	return errorPrefix + err.Error()
}

// Bridge forwards conversation history to a provider.
type Bridge struct {
	provider llm.Provider
}

func NewBridge(p llm.Provider) *Bridge {
	return &Bridge{provider: p}
}

// Provider returns the backend this bridge talks to.
func (b *Bridge) Provider() llm.Provider {
	return b.provider
}

// Stream prepares a reply for history. Nothing is sent until the fragments
// are iterated.
func (b *Bridge) Stream(ctx context.Context, history []session.Message) *Reply {
	return &Reply{
		ctx:      ctx,
		provider: b.provider,
		history:  append([]session.Message(nil), history...),
	}
}

// Complete requests the whole reply at once. For identical input it returns
// the same text a successful Stream concatenates to.
func (b *Bridge) Complete(ctx context.Context, history []session.Message) (string, error) {
	if len(history) == 0 {
		return Greeting, nil
	}
	var sb strings.Builder
	err := b.provider.StreamChat(ctx, history, func(chunk string) error {
		sb.WriteString(chunk)
		return nil
	})
	if err != nil {
		return "", err
	}
	return sb.String(), nil
}

// Reply is one attempt at an assistant message. It is not restartable; a
// failed reply stays failed and a new Stream call must be made.
type Reply struct {
	ctx      context.Context
	provider llm.Provider
	history  []session.Message

	mu      sync.Mutex
	started bool
	state   State
	text    strings.Builder
	err     error
}

// Fragments returns the reply text as it arrives. On a provider failure the
// last fragment is a human-readable error message. Only the first iteration
// produces values.
func (r *Reply) Fragments() iter.Seq[string] {
	return func(yield func(string) bool) {
		r.mu.Lock()
		if r.started {
			r.mu.Unlock()
			return
		}
		r.started = true
		r.state = StateRequesting
		r.mu.Unlock()

		if len(r.history) == 0 {
			r.emit(Greeting)
			if !yield(Greeting) {
				r.finish(ErrAbandoned)
				return
			}
			r.finish(nil)
			return
		}

		ctx, cancel := context.WithCancel(r.ctx)
		defer cancel()

		stopped := false
		err := r.provider.StreamChat(ctx, r.history, func(chunk string) error {
			if stopped {
				return errStopped
			}
			if chunk == "" {
				return nil
			}
			r.emit(chunk)
			if !yield(chunk) {
				stopped = true
				cancel()
				return errStopped
			}
			return nil
		})

		switch {
		case stopped:
			r.finish(ErrAbandoned)
		case err != nil:
			slog.Warn("reply stream failed", "provider", r.provider.Name(), "error", err)
			frag := ErrorFragment(err)
			r.emit(frag)
			r.finish(err)
			yield(frag)
		default:
			r.finish(nil)
		}
	}
}

func (r *Reply) emit(fragment string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StateStreaming
	r.text.WriteString(fragment)
}

func (r *Reply) finish(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
	if err != nil {
		r.state = StateFailed
	} else {
		r.state = StateCompleted
	}
}

// Text returns every fragment produced so far, concatenated.
func (r *Reply) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.text.String()
}

func (r *Reply) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the cause of a failed reply, or nil.
func (r *Reply) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
