// Package sqlite stores lifecycle events in a local SQLite file, the
// default history destination.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/warden/internal/history"
)

const memory = ":memory:"

// Sink writes history events to a SQLite database.
type Sink struct {
	db   *sql.DB
	path string
}

// New opens or creates the database named by dsn, one of
// "sqlite:///var/lib/warden/history.db", "sqlite://:memory:", a bare path
// or ":memory:". The parent directory of a file database is created.
func New(dsn string) (*Sink, error) {
	path := strings.TrimSpace(dsn)
	if strings.HasPrefix(strings.ToLower(path), "sqlite://") {
		path = path[len("sqlite://"):]
	}
	if path == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if path != memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("sqlite history dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", withPragmas(path))
	if err != nil {
		return nil, err
	}
	// one connection: :memory: is per connection and writes are serialised anyway
	db.SetMaxOpenConns(1)

	if err := history.EnsureSchema(context.Background(), db, history.DialectSQLite); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Sink{db: db, path: path}, nil
}

// withPragmas adds a busy timeout so a concurrent reader such as the
// sqlite3 shell does not fail inserts, and WAL journaling for files.
func withPragmas(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	p := path + sep + "_pragma=busy_timeout(5000)"
	if path != memory {
		p += "&_pragma=journal_mode(WAL)"
	}
	return p
}

// Path is the database file, or ":memory:".
func (s *Sink) Path() string { return s.path }

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	return history.InsertEvent(ctx, s.db, history.DialectSQLite, e)
}

func (s *Sink) Recent(ctx context.Context, name string, limit int) ([]history.Event, error) {
	return history.RecentEvents(ctx, s.db, history.DialectSQLite, name, limit)
}

func (s *Sink) Close() error { return s.db.Close() }
