// Package logging builds the zerolog loggers used across gatekeep.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/denizumutdereli/gatekeep/pkg/core"
)

// New returns a logger writing to w (stderr when nil). Development gets the
// human-readable console writer, production gets one JSON object per line.
// Unknown level names fall back to info.
func New(env core.Environment, level string, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if env.IsDevelopment() {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(ParseLevel(level)).With().Timestamp().Logger()
}

// ParseLevel maps a config level name to a zerolog level.
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
