package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/chatkeep/server/session"
)

const defaultGeminiModel = "gemini-2.0-flash"

// Gemini streams replies from the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
	system string
}

var (
	_ Provider  = (*Gemini)(nil)
	_ Validator = (*Gemini)(nil)
)

func NewGemini(ctx context.Context, cfg Config) (*Gemini, error) {
	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &Gemini{client: client, model: model, system: cfg.SystemPrompt}, nil
}

func (g *Gemini) Name() string { return string(TypeGemini) }

func (g *Gemini) StreamChat(ctx context.Context, history []session.Message, onChunk func(string) error) error {
	var config *genai.GenerateContentConfig
	if g.system != "" {
		config = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(g.system, genai.RoleUser),
		}
	}

	for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, toGenaiContents(history), config) {
		if err != nil {
			return err
		}
		if text := resp.Text(); text != "" {
			if err := onChunk(text); err != nil {
				return err
			}
		}
	}
	return nil
}

// Validate looks up the configured model, which requires an accepted key.
func (g *Gemini) Validate(ctx context.Context) error {
	if _, err := g.client.Models.Get(ctx, g.model, nil); err != nil {
		return validationError(err)
	}
	return nil
}

func toGenaiContents(history []session.Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case session.RoleUser:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		case session.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		}
	}
	return contents
}
