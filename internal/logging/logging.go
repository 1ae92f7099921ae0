// Package logging builds the gateway's structured logger and provides a
// size-rotating file writer for file-based log output.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/tradewind/inference-gateway/internal/config"
)

// New builds a JSON slog.Logger per the logging configuration. The
// returned closer is non-nil when output goes to a rotating file; callers
// must close it on shutdown.
func New(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var (
		out    io.Writer
		closer io.Closer
	)

	switch cfg.Output {
	case "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		rw, err := NewRotatingWriter(cfg.Output, cfg.MaxSizeMB, cfg.MaxBackups)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log output: %w", err)
		}
		out = rw
		closer = rw
	}

	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	}))
	return logger, closer, nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
