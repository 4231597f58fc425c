// Package logging builds the zerolog loggers shared by every component.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/common/fsutil"
)

// ParseLevel maps a level string to a zerolog level. Unknown values fall back to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error", "err":
		return zerolog.ErrorLevel
	case "off", "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// New returns the root logger. format is "json" or "console" (default).
func New(level, format string, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if strings.ToLower(format) != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(ParseLevel(level)).With().Timestamp().Logger()
}

// Component returns a child logger tagged with the component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// DebugLog is the append-only JSON-lines debug log. The zero value discards everything.
type DebugLog struct {
	zerolog.Logger
	f *os.File
}

// OpenDebugLog opens (creating if needed) the debug log at path in append mode.
// An empty path yields a disabled logger.
func OpenDebugLog(path string) (*DebugLog, error) {
	if strings.TrimSpace(path) == "" {
		return &DebugLog{Logger: zerolog.Nop()}, nil
	}
	p, err := fsutil.ExpandHome(path)
	if err != nil {
		return nil, err
	}
	if _, err := fsutil.EnsureDir(filepath.Dir(p)); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open debug log %s: %w", p, err)
	}
	return &DebugLog{Logger: zerolog.New(f).With().Timestamp().Logger(), f: f}, nil
}

// Close releases the underlying file, if any.
func (d *DebugLog) Close() error {
	if d == nil || d.f == nil {
		return nil
	}
	return d.f.Close()
}
