package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/skypro1111/classlink-audio/internal/config"
)

// ParseLevel maps a configured level name to a slog level. Unknown names
// fall back to info.
func ParseLevel(name string) slog.Level {
	switch name {
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

// NewHandler creates the configured handler writing to w
func NewHandler(w io.Writer, cfg config.LoggingConfig) slog.Handler {
	level := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if cfg.Format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// New creates the structured logger based on configuration. The returned
// closer releases the log file when output is a path; it is a no-op for
// stdout and stderr.
func New(cfg config.LoggingConfig) (*slog.Logger, io.Closer) {
	var output *os.File
	closer := io.Closer(nopCloser{})

	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
			closer = file
		}
	}

	return slog.New(NewHandler(output, cfg)), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
