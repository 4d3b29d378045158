package logger

import (
	"io"
	"strings"
	"sync"
	"time"
)

// LineStamper prefixes every line written through it with a timestamp.
// Partial lines are stamped once, when their first byte arrives.
type LineStamper struct {
	mu        sync.Mutex
	w         io.WriteCloser
	layout    string
	now       func() time.Time
	lineStart bool
}

// NewLineStamper wraps w. now defaults to time.Now.
func NewLineStamper(w io.WriteCloser, layout string, now func() time.Time) *LineStamper {
	if now == nil {
		now = time.Now
	}
	return &LineStamper{w: w, layout: layout, now: now, lineStart: true}
}

func (s *LineStamper) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b strings.Builder
	b.Grow(len(p) + 32)
	for _, c := range p {
		if s.lineStart {
			b.WriteString(s.now().Format(s.layout))
			b.WriteString(": ")
			s.lineStart = false
		}
		b.WriteByte(c)
		if c == '\n' {
			s.lineStart = true
		}
	}
	if _, err := io.WriteString(s.w, b.String()); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *LineStamper) Close() error { return s.w.Close() }

// pm2-style date tokens and their Go layout equivalents, longest first.
var dateTokens = []struct{ token, layout string }{
	{"YYYY", "2006"},
	{"SSS", "000"},
	{"MM", "01"},
	{"DD", "02"},
	{"HH", "15"},
	{"mm", "04"},
	{"ss", "05"},
	{"Z", "Z07:00"},
}

// Layout converts a date format to a Go time layout. Formats using
// YYYY-MM-DD HH:mm:ss tokens are translated; anything else is assumed to
// already be a Go layout. Empty means RFC3339.
func Layout(format string) string {
	if strings.TrimSpace(format) == "" {
		return time.RFC3339
	}
	if !strings.Contains(format, "YYYY") && !strings.Contains(format, "HH") {
		return format
	}
	out := format
	for _, t := range dateTokens {
		out = strings.ReplaceAll(out, t.token, t.layout)
	}
	return out
}
