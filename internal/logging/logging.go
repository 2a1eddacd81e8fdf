package logging

import (
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/nhle/mailterm/internal/model"
)

// New builds the application logger from configuration. The terminal
// belongs to the interactive surface, so output goes to a file; an
// unopenable file degrades to a disabled logger rather than an error
// the caller cannot act on.
func New(cfg model.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var w io.Writer = io.Discard
	if cfg.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err == nil {
			f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err == nil {
				w = f
			}
		}
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
