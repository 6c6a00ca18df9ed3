package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/chatkeep/server/llm"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range envNames {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8080 || cfg.StorageBackend != BackendFile || cfg.Provider != llm.TypeOpenAI {
		t.Errorf("cfg = %+v", cfg)
	}
	if !cfg.SaveFailedReplies {
		t.Error("SaveFailedReplies default = false, want true")
	}
	if cfg.TokenTTL != 30*time.Minute {
		t.Errorf("TokenTTL = %v", cfg.TokenTTL)
	}
	if !filepath.IsAbs(cfg.DataDir) {
		t.Errorf("DataDir %q is not absolute", cfg.DataDir)
	}
}

func TestLoad_EnvAndFlags(t *testing.T) {
	clearEnv(t)
	t.Setenv("SERVER_PORT", "9000")
	t.Setenv("LLM_PROVIDER", "gemini")
	t.Setenv("GEMINI_API_KEY", "g-key")
	t.Setenv("SAVE_FAILED_REPLIES", "false")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse([]string{"--port", "9100", "--storage", "sqlite"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	cfg, err := Load("", fs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9100 {
		t.Errorf("Port = %d, want flag value 9100", cfg.Port)
	}
	if cfg.StorageBackend != BackendSQLite {
		t.Errorf("StorageBackend = %q", cfg.StorageBackend)
	}
	if cfg.Provider != llm.TypeGemini || cfg.APIKey() != "g-key" {
		t.Errorf("provider = %q key = %q", cfg.Provider, cfg.APIKey())
	}
	if cfg.SaveFailedReplies {
		t.Error("SaveFailedReplies = true, want false from env")
	}
}

func TestLoad_DotEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), ".env")
	os.WriteFile(path, []byte("OPENAI_API_KEY=sk-from-file\nJWT_SECRET=s3cret\n"), 0600)
	t.Cleanup(func() {
		os.Unsetenv("OPENAI_API_KEY")
		os.Unsetenv("JWT_SECRET")
	})

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.OpenAIKey != "sk-from-file" || cfg.JWTSecret != "s3cret" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoad_MissingDotEnvIsIgnored(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "absent.env"), nil); err != nil {
		t.Errorf("Load: %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{Port: 8080, StorageBackend: BackendFile, Provider: llm.TypeEcho, TokenTTL: time.Minute, JWTSecret: "x"}
	}

	if err := valid().Validate(true); err != nil {
		t.Errorf("valid config: %v", err)
	}

	c := valid()
	c.StorageBackend = "postgres"
	if err := c.Validate(false); !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("backend: err = %v", err)
	}

	c = valid()
	c.Provider = "claude"
	if err := c.Validate(false); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("provider: err = %v", err)
	}

	c = valid()
	c.JWTSecret = ""
	if err := c.Validate(true); !errors.Is(err, ErrMissingSecret) {
		t.Errorf("secret: err = %v", err)
	}
	if err := c.Validate(false); err != nil {
		t.Errorf("secret not required: err = %v", err)
	}

	c = valid()
	c.Port = 0
	if err := c.Validate(false); err == nil {
		t.Error("port 0 accepted")
	}
}

func TestLLM_OverrideKey(t *testing.T) {
	c := &Config{Provider: llm.TypeOpenAI, OpenAIKey: "server-key", Model: "gpt-4o"}
	if got := c.LLM("").APIKey; got != "server-key" {
		t.Errorf("APIKey = %q", got)
	}
	if got := c.LLM("client-key").APIKey; got != "client-key" {
		t.Errorf("APIKey = %q", got)
	}
}
