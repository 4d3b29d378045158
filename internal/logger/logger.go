package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes where the managed process's stdout and stderr go.
// If StdoutPath/StderrPath are empty, and Dir is set, files will be
// Dir/<name>.stdout.log and Dir/<name>.stderr.log.
// CombinedPath additionally receives both streams interleaved.
// Rotation parameters follow lumberjack semantics.
type Config struct {
	Dir          string `json:"dir"`           // base directory for logs
	StdoutPath   string `json:"stdout_path"`   // explicit stdout path overrides Dir
	StderrPath   string `json:"stderr_path"`   // explicit stderr path overrides Dir
	CombinedPath string `json:"combined_path"` // optional merged stdout+stderr file
	Timestamp    bool   `json:"timestamp"`     // prefix each line with the time it was written
	DateFormat   string `json:"date_format"`   // Go layout or YYYY-MM-DD HH:mm:ss style tokens
	MaxSizeMB    int    `json:"max_size_mb"`   // megabytes before rotation (default 10)
	MaxBackups   int    `json:"max_backups"`   // number of backups to keep (default 3)
	MaxAgeDays   int    `json:"max_age_days"`  // days to keep (default 7)
	Compress     bool   `json:"compress"`      // Gzip rotated files
}

// Enabled reports whether any destination is configured.
func (c Config) Enabled() bool {
	return c.Dir != "" || c.StdoutPath != "" || c.StderrPath != "" || c.CombinedPath != ""
}

// Writers returns io.WriteClosers for stdout and stderr for the given process name.
// Either may be nil when no destination is configured for that stream.
// Closing both writers releases every underlying file.
func (c Config) Writers(name string) (io.WriteCloser, io.WriteCloser, error) {
	if !c.Enabled() {
		return nil, nil, nil
	}
	stdout := c.StdoutPath
	stderr := c.StderrPath
	if stdout == "" && c.Dir != "" {
		stdout = filepath.Join(c.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && c.Dir != "" {
		stderr = filepath.Join(c.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	for _, p := range []string{stdout, stderr, c.CombinedPath} {
		if p == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
			return nil, nil, fmt.Errorf("create log dir for %s: %w", p, err)
		}
	}

	var combined *sharedCloser
	if c.CombinedPath != "" {
		combined = &sharedCloser{WriteCloser: c.rotating(c.CombinedPath), refs: 2}
	}
	layout := Layout(c.DateFormat)
	outW := c.stream(stdout, combined, layout)
	errW := c.stream(stderr, combined, layout)
	if combined != nil {
		// a stream without its own file still holds one reference
		if outW == nil {
			outW = c.stamp(combined, layout)
		}
		if errW == nil {
			errW = c.stamp(combined, layout)
		}
	}
	return outW, errW, nil
}

func (c Config) stream(path string, combined *sharedCloser, layout string) io.WriteCloser {
	if path == "" {
		return nil
	}
	var w io.WriteCloser = c.rotating(path)
	if combined != nil {
		w = &teeCloser{primary: w, secondary: combined}
	}
	return c.stamp(w, layout)
}

func (c Config) stamp(w io.WriteCloser, layout string) io.WriteCloser {
	if !c.Timestamp {
		return w
	}
	return NewLineStamper(w, layout, nil)
}

func (c Config) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// sharedCloser closes the wrapped writer once every holder has closed it.
type sharedCloser struct {
	io.WriteCloser
	mu   sync.Mutex
	refs int
}

func (s *sharedCloser) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		return s.WriteCloser.Close()
	}
	return nil
}

type teeCloser struct {
	primary   io.WriteCloser
	secondary io.WriteCloser
}

func (t *teeCloser) Write(p []byte) (int, error) {
	n, err := t.primary.Write(p)
	if err != nil {
		return n, err
	}
	if _, err := t.secondary.Write(p); err != nil {
		return n, err
	}
	return n, nil
}

func (t *teeCloser) Close() error {
	err := t.primary.Close()
	if e2 := t.secondary.Close(); err == nil {
		err = e2
	}
	return err
}
