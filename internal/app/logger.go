package app

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/element-hq/element-android-sub023/internal/config"
)

// NewLogger returns the root logger described by cfg. Pretty output goes
// through zerolog's console writer.
func NewLogger(cfg config.LogConfig, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if cfg.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
