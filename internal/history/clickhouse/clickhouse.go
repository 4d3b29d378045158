// Package clickhouse stores lifecycle events in a ClickHouse MergeTree
// table using the native protocol client.
package clickhouse

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/warden/internal/history"
)

const (
	defaultTable = "process_history"
	dialTimeout  = 10 * time.Second
)

var validTable = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Options configures the ClickHouse connection.
type Options struct {
	Addr     string // host:port of the native protocol
	Database string
	Username string
	Password string
	Table    string
	TTLDays  int // rows older than this are dropped by ClickHouse; 0 keeps them
}

type Sink struct {
	conn  driver.Conn
	table string
}

func New(opts Options) (*Sink, error) {
	if opts.Table == "" {
		opts.Table = defaultTable
	}
	if !validTable.MatchString(opts.Table) {
		return nil, fmt.Errorf("invalid ClickHouse table name %q", opts.Table)
	}
	if opts.TTLDays < 0 {
		return nil, fmt.Errorf("invalid ClickHouse ttl_days %d", opts.TTLDays)
	}
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.Username == "" {
		opts.Username = "default"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout: dialTimeout,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("connect clickhouse history: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse history: %w", err)
	}
	if err := conn.Exec(ctx, createTableSQL(opts.Table, opts.TTLDays)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create clickhouse history table: %w", err)
	}
	return &Sink{conn: conn, table: opts.Table}, nil
}

func createTableSQL(table string, ttlDays int) string {
	q := `CREATE TABLE IF NOT EXISTS ` + table + ` (
	type LowCardinality(String),
	occurred_at DateTime64(6, 'UTC'),
	name LowCardinality(String),
	run_id String,
	pid Int64,
	state LowCardinality(String),
	exit_code Nullable(Int32),
	signal String,
	reason LowCardinality(String),
	error String,
	uptime_ms Int64,
	restarts Int64
) ENGINE = MergeTree()
ORDER BY (name, occurred_at)`
	if ttlDays > 0 {
		q += fmt.Sprintf("\nTTL toDateTime(occurred_at) + INTERVAL %d DAY", ttlDays)
	}
	return q
}

func (s *Sink) Close() error { return s.conn.Close() }

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (type, occurred_at, name, run_id, pid, state, exit_code, signal, reason, error, uptime_ms, restarts) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	r := e.Record
	var code *int32
	if r.ExitCode != nil {
		c := int32(*r.ExitCode)
		code = &c
	}
	err := s.conn.Exec(ctx, query,
		string(e.Type), e.OccurredAt.UTC(), r.Name, r.RunID, int64(r.PID), r.State,
		code, r.Signal, r.Reason, r.Error, r.UptimeMS, int64(r.Restarts))
	if err != nil {
		return history.Classify(fmt.Errorf("insert clickhouse history: %w", err))
	}
	return nil
}

// Recent returns up to limit events for name, newest first.
func (s *Sink) Recent(ctx context.Context, name string, limit int) ([]history.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.conn.Query(ctx, fmt.Sprintf(`SELECT type, occurred_at, name, run_id, pid, state, exit_code, signal, reason, error, uptime_ms, restarts
		FROM %s WHERE name = ? ORDER BY occurred_at DESC LIMIT ?`, s.table), name, uint64(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []history.Event
	for rows.Next() {
		var (
			e             history.Event
			typ           string
			pid, restarts int64
			code          *int32
		)
		r := &e.Record
		if err := rows.Scan(&typ, &e.OccurredAt, &r.Name, &r.RunID, &pid, &r.State, &code,
			&r.Signal, &r.Reason, &r.Error, &r.UptimeMS, &restarts); err != nil {
			return nil, err
		}
		e.Type = history.EventType(typ)
		e.OccurredAt = e.OccurredAt.UTC()
		r.PID, r.Restarts = int(pid), int(restarts)
		if code != nil {
			c := int(*code)
			r.ExitCode = &c
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the number of stored events for name.
func (s *Sink) Count(ctx context.Context, name string) (uint64, error) {
	var n uint64
	row := s.conn.QueryRow(ctx, fmt.Sprintf("SELECT count() FROM %s WHERE name = ?", s.table), name)
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
