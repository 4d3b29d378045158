package readiness

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Variables exported to the child by a Notify probe.
const (
	EnvNotifySocket = "WARDEN_NOTIFY_SOCKET"
	EnvRunID        = "WARDEN_RUN_ID"
)

const readPollInterval = 200 * time.Millisecond

// Notify listens on a unix datagram socket for a "READY=1" message, in the
// manner of sd_notify. A message carrying RUN_ID=<id> only satisfies the
// run with that id, so a late message from a previous run is ignored.
type Notify struct {
	path   string
	tmpDir string // created by ListenNotify, removed on Close
	conn   *net.UnixConn

	mu      sync.Mutex
	pending map[string]bool // runs that reported ready before Await
	closed  bool
}

// ListenNotify binds the socket at path, replacing a stale socket file.
// An empty path picks one in the temp dir.
func ListenNotify(path string) (*Notify, error) {
	var tmpDir string
	if path == "" {
		dir, err := os.MkdirTemp("", "warden")
		if err != nil {
			return nil, err
		}
		tmpDir = dir
		path = filepath.Join(dir, "notify.sock")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	_ = os.Remove(path)
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		return nil, fmt.Errorf("listen notify socket %s: %w", path, err)
	}
	return &Notify{path: path, tmpDir: tmpDir, conn: conn, pending: make(map[string]bool)}, nil
}

// Path is the socket address handed to the child.
func (n *Notify) Path() string { return n.path }

func (n *Notify) Env(t Target) map[string]string {
	m := map[string]string{EnvNotifySocket: n.path}
	if t.RunID != "" {
		m[EnvRunID] = t.RunID
	}
	return m
}

func (n *Notify) Await(ctx context.Context, t Target) error {
	if n.takePending(t.RunID) {
		return nil
	}
	buf := make([]byte, 4096)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_ = n.conn.SetReadDeadline(time.Now().Add(readPollInterval))
		sz, _, err := n.conn.ReadFromUnix(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if n.isClosed() {
				return net.ErrClosed
			}
			return err
		}
		msg := ParseNotifyMessage(buf[:sz])
		if msg["READY"] != "1" {
			continue
		}
		run := msg["RUN_ID"]
		if run == "" || run == t.RunID {
			return nil
		}
		n.remember(run)
	}
}

func (n *Notify) takePending(run string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pending[run] {
		delete(n.pending, run)
		return true
	}
	return false
}

// remember keeps an early report for a run whose Await has not started yet.
// Only the most recent one is kept.
func (n *Notify) remember(run string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	clear(n.pending)
	n.pending[run] = true
}

func (n *Notify) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

func (n *Notify) Describe() string { return "notify:" + n.path }

// Close releases the socket and removes its file.
func (n *Notify) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()
	err := n.conn.Close()
	_ = os.Remove(n.path)
	if n.tmpDir != "" {
		_ = os.RemoveAll(n.tmpDir)
	}
	return err
}

// ParseNotifyMessage splits newline separated KEY=VALUE pairs.
func ParseNotifyMessage(b []byte) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok || k == "" {
			continue
		}
		out[k] = v
	}
	return out
}

// SendNotify delivers msg to the socket at path. The child side of Notify;
// when path is empty it is taken from the environment, as is the run id.
func SendNotify(path, msg string) error {
	if path == "" {
		path = os.Getenv(EnvNotifySocket)
	}
	if path == "" {
		return fmt.Errorf("%s is not set", EnvNotifySocket)
	}
	if run := os.Getenv(EnvRunID); run != "" && !strings.Contains(msg, "RUN_ID=") {
		msg += "\nRUN_ID=" + run
	}
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		return fmt.Errorf("dial notify socket %s: %w", path, err)
	}
	defer func() { _ = conn.Close() }()
	_, err = conn.Write([]byte(msg))
	return err
}
