// Package config loads server settings from defaults, a .env file, the
// environment and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/chatkeep/server/auth"
	"github.com/chatkeep/server/llm"
)

const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Keys double as flag names.
const (
	KeyPort              = "port"
	KeyDataDir           = "data-dir"
	KeyDev               = "dev"
	KeyStorage           = "storage"
	KeyProvider          = "provider"
	KeyModel             = "model"
	KeyBaseURL           = "base-url"
	KeySystemPrompt      = "system-prompt"
	KeyOpenAIKey         = "openai-api-key"
	KeyGeminiKey         = "gemini-api-key"
	KeyJWTSecret         = "jwt-secret"
	KeyTokenTTL          = "token-ttl"
	KeySaveFailedReplies = "save-failed-replies"
)

var envNames = map[string]string{
	KeyPort:              "SERVER_PORT",
	KeyDataDir:           "DATA_DIR",
	KeyDev:               "DEV_MODE",
	KeyStorage:           "STORAGE_BACKEND",
	KeyProvider:          "LLM_PROVIDER",
	KeyModel:             "LLM_MODEL",
	KeyBaseURL:           "LLM_BASE_URL",
	KeySystemPrompt:      "SYSTEM_PROMPT",
	KeyOpenAIKey:         "OPENAI_API_KEY",
	KeyGeminiKey:         "GEMINI_API_KEY",
	KeyJWTSecret:         "JWT_SECRET",
	KeyTokenTTL:          "TOKEN_TTL",
	KeySaveFailedReplies: "SAVE_FAILED_REPLIES",
}

var (
	ErrUnknownBackend  = errors.New("unknown storage backend")
	ErrUnknownProvider = errors.New("unknown llm provider")
	ErrMissingSecret   = errors.New("JWT_SECRET is required (use --jwt-secret flag or JWT_SECRET env)")
)

type Config struct {
	Port              int
	DataDir           string
	DevMode           bool
	StorageBackend    string
	Provider          llm.Type
	Model             string
	BaseURL           string
	SystemPrompt      string
	OpenAIKey         string
	GeminiKey         string
	JWTSecret         string
	TokenTTL          time.Duration
	SaveFailedReplies bool
}

// Load reads configuration. envFile is loaded when present and never
// overrides variables already set; flags may be nil.
func Load(envFile string, flags *pflag.FlagSet) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetDefault(KeyPort, 8080)
	v.SetDefault(KeyDataDir, ".chatkeep")
	v.SetDefault(KeyDev, false)
	v.SetDefault(KeyStorage, BackendFile)
	v.SetDefault(KeyProvider, string(llm.Default))
	v.SetDefault(KeyTokenTTL, auth.DefaultTokenTTL)
	v.SetDefault(KeySaveFailedReplies, true)

	for key, env := range envNames {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
		if flags == nil {
			continue
		}
		if f := flags.Lookup(key); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", key, err)
			}
		}
	}

	dataDir, err := filepath.Abs(v.GetString(KeyDataDir))
	if err != nil {
		return nil, fmt.Errorf("resolve data directory: %w", err)
	}

	cfg := &Config{
		Port:              v.GetInt(KeyPort),
		DataDir:           dataDir,
		DevMode:           v.GetBool(KeyDev),
		StorageBackend:    v.GetString(KeyStorage),
		Provider:          llm.Type(v.GetString(KeyProvider)),
		Model:             v.GetString(KeyModel),
		BaseURL:           v.GetString(KeyBaseURL),
		SystemPrompt:      v.GetString(KeySystemPrompt),
		OpenAIKey:         v.GetString(KeyOpenAIKey),
		GeminiKey:         v.GetString(KeyGeminiKey),
		JWTSecret:         v.GetString(KeyJWTSecret),
		TokenTTL:          v.GetDuration(KeyTokenTTL),
		SaveFailedReplies: v.GetBool(KeySaveFailedReplies),
	}
	return cfg, nil
}

// Validate checks values that Load cannot. requireSecret is set for commands
// that issue tokens.
func (c *Config) Validate(requireSecret bool) error {
	switch c.StorageBackend {
	case BackendFile, BackendSQLite:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.StorageBackend)
	}
	if !c.Provider.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, c.Provider)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("invalid token ttl %s", c.TokenTTL)
	}
	if requireSecret && c.JWTSecret == "" {
		return ErrMissingSecret
	}
	return nil
}

// APIKey returns the key for the configured provider.
func (c *Config) APIKey() string {
	switch c.Provider {
	case llm.TypeOpenAI:
		return c.OpenAIKey
	case llm.TypeGemini:
		return c.GeminiKey
	default:
		return ""
	}
}

// LLM returns the provider configuration with apiKey overriding the
// configured key when non-empty.
func (c *Config) LLM(apiKey string) llm.Config {
	if apiKey == "" {
		apiKey = c.APIKey()
	}
	return llm.Config{
		Type:         c.Provider,
		APIKey:       apiKey,
		Model:        c.Model,
		BaseURL:      c.BaseURL,
		SystemPrompt: c.SystemPrompt,
	}
}

// LogValue omits secrets.
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("port", c.Port),
		slog.String("dataDir", c.DataDir),
		slog.Bool("devMode", c.DevMode),
		slog.String("storage", c.StorageBackend),
		slog.String("provider", string(c.Provider)),
		slog.String("model", c.Model),
		slog.Bool("apiKeySet", c.APIKey() != ""),
		slog.Duration("tokenTTL", c.TokenTTL),
		slog.Bool("saveFailedReplies", c.SaveFailedReplies),
	)
}

// RegisterFlags adds the flags Load understands to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.Int(KeyPort, 8080, "server port")
	fs.String(KeyDataDir, ".chatkeep", "data directory")
	fs.Bool(KeyDev, false, "enable development mode")
	fs.String(KeyStorage, BackendFile, "storage backend (file or sqlite)")
	fs.String(KeyProvider, string(llm.Default), "llm provider (openai, gemini or echo)")
	fs.String(KeyModel, "", "model name (provider default if empty)")
	fs.String(KeyBaseURL, "", "override the provider API base URL")
	fs.String(KeySystemPrompt, "", "system prompt sent before each conversation")
	fs.String(KeyJWTSecret, "", "secret for signing access tokens")
	fs.Duration(KeyTokenTTL, auth.DefaultTokenTTL, "access token lifetime")
	fs.Bool(KeySaveFailedReplies, true, "store partial replies of failed turns")
}
