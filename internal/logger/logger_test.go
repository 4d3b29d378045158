package logger

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// helper to close non-nil closers and ignore errors
func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestWriters_WithDirOnly(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Dir: dir}
	outW, errW, err := cfg.Writers("demo")
	if err != nil {
		t.Fatalf("Writers error: %v", err)
	}
	if outW == nil || errW == nil {
		t.Fatalf("expected both writers non-nil when Dir is set")
	}
	_, _ = outW.Write([]byte("hello-out\n"))
	_, _ = errW.Write([]byte("hello-err\n"))
	closeIf(outW)
	closeIf(errW)
	outPath := filepath.Join(dir, "demo.stdout.log")
	errPath := filepath.Join(dir, "demo.stderr.log")
	if _, err := os.Stat(outPath); err != nil {
		t.Fatalf("stdout log not created at %s: %v", outPath, err)
	}
	if _, err := os.Stat(errPath); err != nil {
		t.Fatalf("stderr log not created at %s: %v", errPath, err)
	}
}

func TestWriters_Defaults(t *testing.T) {
	cfg := Config{}
	outW, errW, _ := cfg.Writers("n")
	if outW != nil || errW != nil {
		t.Fatalf("expected nil writers when nothing is configured")
	}
	dir := t.TempDir()
	cfg = Config{StdoutPath: filepath.Join(dir, "x"), StderrPath: filepath.Join(dir, "y")}
	outW, errW, _ = cfg.Writers("n")
	ol, ok1 := outW.(*lj.Logger)
	el, ok2 := errW.(*lj.Logger)
	if !ok1 || !ok2 {
		t.Fatalf("writers are not lumberjack.Logger")
	}
	if ol.MaxSize != 10 || ol.MaxBackups != 3 || ol.MaxAge != 7 {
		t.Fatalf("unexpected defaults: size=%d backups=%d age=%d", ol.MaxSize, ol.MaxBackups, ol.MaxAge)
	}
	if el.MaxSize != 10 || el.MaxBackups != 3 || el.MaxAge != 7 {
		t.Fatalf("unexpected defaults (stderr): size=%d backups=%d age=%d", el.MaxSize, el.MaxBackups, el.MaxAge)
	}
	closeIf(outW)
	closeIf(errW)
}

func TestWriters_Overrides(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{StdoutPath: filepath.Join(dir, "x2"), StderrPath: filepath.Join(dir, "y2"), MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}
	outW, errW, _ := cfg.Writers("n")
	ol := outW.(*lj.Logger)
	el := errW.(*lj.Logger)
	if ol.MaxSize != 1 || ol.MaxBackups != 9 || ol.MaxAge != 11 || !ol.Compress {
		t.Fatalf("unexpected overrides: size=%d backups=%d age=%d compress=%t", ol.MaxSize, ol.MaxBackups, ol.MaxAge, ol.Compress)
	}
	if el.MaxSize != 1 || el.MaxBackups != 9 || el.MaxAge != 11 || !el.Compress {
		t.Fatalf("unexpected overrides (stderr): size=%d backups=%d age=%d compress=%t", el.MaxSize, el.MaxBackups, el.MaxAge, el.Compress)
	}
	closeIf(outW)
	closeIf(errW)
}

func TestWriters_OnlyOneStream(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{StdoutPath: filepath.Join(dir, "only-stdout.log")}
	outW, errW, _ := cfg.Writers("n")
	if outW == nil || errW != nil {
		t.Fatalf("expected stdout writer only")
	}
	_, _ = outW.Write([]byte("a"))
	closeIf(outW)
	if _, err := os.Stat(filepath.Join(dir, "only-stdout.log")); err != nil {
		t.Fatalf("stdout not created: %v", err)
	}
}

func TestWriters_CombinedReceivesBothStreams(t *testing.T) {
	dir := t.TempDir()
	combined := filepath.Join(dir, "app-combined.log")
	cfg := Config{
		StdoutPath:   filepath.Join(dir, "app-out.log"),
		StderrPath:   filepath.Join(dir, "app-err.log"),
		CombinedPath: combined,
	}
	outW, errW, err := cfg.Writers("app")
	if err != nil {
		t.Fatalf("Writers error: %v", err)
	}
	_, _ = outW.Write([]byte("to-out\n"))
	_, _ = errW.Write([]byte("to-err\n"))
	closeIf(outW)
	closeIf(errW)

	b, err := os.ReadFile(combined)
	if err != nil {
		t.Fatalf("read combined: %v", err)
	}
	if !strings.Contains(string(b), "to-out\n") || !strings.Contains(string(b), "to-err\n") {
		t.Fatalf("combined log missing lines: %q", string(b))
	}
	b, _ = os.ReadFile(cfg.StderrPath)
	if string(b) != "to-err\n" {
		t.Fatalf("stderr log = %q", string(b))
	}
}

func TestWriters_CombinedOnly(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{CombinedPath: filepath.Join(dir, "all.log")}
	outW, errW, _ := cfg.Writers("app")
	if outW == nil || errW == nil {
		t.Fatalf("expected both streams to target the combined log")
	}
	_, _ = outW.Write([]byte("a\n"))
	_, _ = errW.Write([]byte("b\n"))
	closeIf(outW)
	closeIf(errW)
	b, _ := os.ReadFile(cfg.CombinedPath)
	if string(b) != "a\nb\n" {
		t.Fatalf("combined = %q", string(b))
	}
}

type bufCloser struct{ bytes.Buffer }

func (*bufCloser) Close() error { return nil }

func TestLineStamper_PrefixesEachLine(t *testing.T) {
	fixed := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	var buf bufCloser
	s := NewLineStamper(&buf, Layout("YYYY-MM-DD HH:mm:ss"), func() time.Time { return fixed })

	_, _ = s.Write([]byte("one\ntw"))
	_, _ = s.Write([]byte("o\nthree\n"))

	want := "2024-05-06 07:08:09: one\n2024-05-06 07:08:09: two\n2024-05-06 07:08:09: three\n"
	if buf.String() != want {
		t.Fatalf("got %q want %q", buf.String(), want)
	}
}

func TestLayout(t *testing.T) {
	cases := map[string]string{
		"":                        time.RFC3339,
		"YYYY-MM-DD HH:mm:ss":     "2006-01-02 15:04:05",
		"YYYY-MM-DD HH:mm:ss.SSS": "2006-01-02 15:04:05.000",
		"15:04:05":                "15:04:05",
	}
	for in, want := range cases {
		if got := Layout(in); got != want {
			t.Errorf("Layout(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewSlog_FormatsAndLevels(t *testing.T) {
	var buf bytes.Buffer
	l, c, err := NewSlog(SlogConfig{Level: "warn", Format: "json", Writer: &buf})
	if err != nil {
		t.Fatalf("NewSlog: %v", err)
	}
	defer closeIf(c)
	l.Info("hidden")
	l.Warn("shown", "k", "v")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"shown"`) {
		t.Fatalf("unexpected json output: %q", out)
	}

	if _, _, err := NewSlog(SlogConfig{Level: "loud"}); err == nil {
		t.Fatalf("expected error for unknown level")
	}
	if _, _, err := NewSlog(SlogConfig{Format: "xml"}); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestNewSlog_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.log")
	l, c, err := NewSlog(SlogConfig{File: path})
	if err != nil {
		t.Fatalf("NewSlog: %v", err)
	}
	l.Info("to-file")
	closeIf(c)
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(b), "to-file") || strings.Contains(string(b), "\033[") {
		t.Fatalf("unexpected file contents: %q", string(b))
	}
}

func TestColorTextHandler_DropsTime(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewColorTextHandler(&buf, nil, false)).With("app", "api")
	l.Info("hello")
	out := buf.String()
	if strings.Contains(out, "time=") || !strings.Contains(out, "app=api") || !strings.Contains(out, "hello") {
		t.Fatalf("unexpected output: %q", out)
	}
}
