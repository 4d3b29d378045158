package logger

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// SlogConfig configures the supervisor's own structured log.
type SlogConfig struct {
	Level    string    `json:"level"`     // debug, info, warn, error (default info)
	Format   string    `json:"format"`    // color, text, json (default color)
	File     string    `json:"file"`      // optional rotated file; empty writes to the fallback writer
	ShowTime bool      `json:"show_time"` // include time attribute in color/text output
	Rotation Config    `json:"-"`         // rotation knobs reused for File
	Writer   io.Writer `json:"-"`         // fallback writer when File is empty
}

// ParseLevel maps a level name to slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// NewSlog builds a *slog.Logger from cfg. The returned closer releases the
// log file, if any; it is never nil.
func NewSlog(cfg SlogConfig) (*slog.Logger, io.Closer, error) {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	var (
		w      = cfg.Writer
		closer io.Closer
	)
	if cfg.File != "" {
		lj := cfg.Rotation.rotating(cfg.File)
		w, closer = lj, lj
	}
	if w == nil {
		w = io.Discard
	}
	if closer == nil {
		closer = nopCloser{}
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "color":
		if cfg.File != "" {
			// no escape codes in files
			h = slog.NewTextHandler(w, opts)
		} else {
			h = NewColorTextHandler(w, opts, cfg.ShowTime)
		}
	case "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return slog.New(h), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
