// Package logger configures the process-wide slog logger.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

const fileName = "chatkeep.log"

type Config struct {
	DataDir string
	DevMode bool
	// Stderr overrides the dev-mode console writer; defaults to os.Stderr.
	Stderr io.Writer
}

// Init installs a default logger that writes JSON to <DataDir>/logs/chatkeep.log,
// and human-readable text to stderr in dev mode. The returned function closes
// the log file.
func Init(cfg Config) (func() error, error) {
	level := slog.LevelInfo
	if cfg.DevMode {
		level = slog.LevelDebug
	}

	dir := filepath.Join(cfg.DataDir, "logs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, fileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	var handler slog.Handler = slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level})
	if cfg.DevMode {
		stderr := cfg.Stderr
		if stderr == nil {
			stderr = os.Stderr
		}
		handler = fanout{handler, slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})}
	}

	slog.SetDefault(slog.New(handler))
	return f.Close, nil
}
