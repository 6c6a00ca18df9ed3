package llm

import (
	"context"
	"errors"
	"fmt"
)

var errUnknownProvider = errors.New("unknown provider type")

// Config selects and configures a Provider.
type Config struct {
	Type         Type
	APIKey       string
	Model        string
	BaseURL      string
	SystemPrompt string
}

// New returns a Provider for cfg. A real backend without an API key runs in
// echo mode. Returns error if the type is not supported.
func New(ctx context.Context, cfg Config) (Provider, error) {
	if cfg.Type == "" {
		cfg.Type = Default
	}
	if !cfg.Type.IsValid() {
		return nil, fmt.Errorf("%w: %q", errUnknownProvider, cfg.Type)
	}
	if cfg.Type == TypeEcho || cfg.APIKey == "" {
		return Echo{}, nil
	}

	switch cfg.Type {
	case TypeOpenAI:
		return NewOpenAI(cfg)
	case TypeGemini:
		return NewGemini(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownProvider, cfg.Type)
	}
}

// Validate checks p's credential when p supports it. Echo always passes.
func Validate(ctx context.Context, p Provider) error {
	v, ok := p.(Validator)
	if !ok {
		return nil
	}
	return v.Validate(ctx)
}
