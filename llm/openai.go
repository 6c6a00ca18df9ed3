package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/chatkeep/server/session"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAI streams replies from an OpenAI-compatible chat completion endpoint.
type OpenAI struct {
	model  llms.Model
	system string
}

var (
	_ Provider  = (*OpenAI)(nil)
	_ Validator = (*OpenAI)(nil)
)

// NewOpenAI creates a client for the given key. BaseURL may point at any
// OpenAI-compatible server.
func NewOpenAI(cfg Config) (*OpenAI, error) {
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}

	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithModel(model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create openai client: %w", err)
	}
	return &OpenAI{model: client, system: cfg.SystemPrompt}, nil
}

func (o *OpenAI) Name() string { return string(TypeOpenAI) }

func (o *OpenAI) StreamChat(ctx context.Context, history []session.Message, onChunk func(string) error) error {
	_, err := o.model.GenerateContent(ctx, o.messages(history),
		llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			return onChunk(string(chunk))
		}),
	)
	return err
}

// Validate issues a one-token request. Only an unauthorized or forbidden
// answer counts as a rejected key.
func (o *OpenAI) Validate(ctx context.Context) error {
	ping := []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, "ping")}
	if _, err := o.model.GenerateContent(ctx, ping, llms.WithMaxTokens(1)); err != nil {
		return validationError(err)
	}
	return nil
}

func (o *OpenAI) messages(history []session.Message) []llms.MessageContent {
	msgs := make([]llms.MessageContent, 0, len(history)+1)
	if o.system != "" {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, o.system))
	}
	for _, m := range history {
		switch m.Role {
		case session.RoleUser:
			msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, m.Content))
		case session.RoleAssistant:
			msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeAI, m.Content))
		}
	}
	return msgs
}
