package history

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"
)

// Querier is implemented by sinks that can read their events back.
type Querier interface {
	Recent(ctx context.Context, name string, limit int) ([]Event, error)
}

// Dialect selects placeholder and type syntax for the SQL sinks.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const table = "process_history"

// SchemaStatements returns the DDL creating the history table and indexes.
func SchemaStatements(d Dialect) []string {
	ts, id := "TIMESTAMP", "INTEGER PRIMARY KEY AUTOINCREMENT"
	if d == DialectPostgres {
		ts, id = "TIMESTAMPTZ", "BIGSERIAL PRIMARY KEY"
	}
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s(
			id %s,
			occurred_at %s NOT NULL,
			event TEXT NOT NULL,
			name TEXT NOT NULL,
			run_id TEXT NOT NULL,
			pid INTEGER NOT NULL,
			state TEXT NOT NULL,
			exit_code INTEGER NULL,
			signal TEXT NOT NULL,
			reason TEXT NOT NULL,
			error TEXT NOT NULL,
			uptime_ms BIGINT NOT NULL,
			restarts INTEGER NOT NULL
		);`, table, id, ts),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_name ON %[1]s(name, occurred_at);`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_run ON %[1]s(run_id);`, table),
	}
}

// EnsureSchema runs SchemaStatements against db.
func EnsureSchema(ctx context.Context, db *sql.DB, d Dialect) error {
	for _, q := range SchemaStatements(d) {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create history schema: %w", err)
		}
	}
	return nil
}

// InsertEvent appends e to the history table. Connection failures are
// reported as ErrTransient.
func InsertEvent(ctx context.Context, db *sql.DB, d Dialect, e Event) error {
	q := `INSERT INTO process_history(occurred_at, event, name, run_id, pid, state, exit_code, signal, reason, error, uptime_ms, restarts)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`
	if d == DialectPostgres {
		q = `INSERT INTO process_history(occurred_at, event, name, run_id, pid, state, exit_code, signal, reason, error, uptime_ms, restarts)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12);`
	}
	r := e.Record
	_, err := db.ExecContext(ctx, q,
		e.OccurredAt.UTC(), string(e.Type), r.Name, r.RunID, r.PID, r.State,
		r.ExitCodeOrNil(), r.Signal, r.Reason, r.Error, r.UptimeMS, r.Restarts)
	return Classify(err)
}

// RecentEvents returns up to limit events for name, newest first.
func RecentEvents(ctx context.Context, db *sql.DB, d Dialect, name string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT occurred_at, event, name, run_id, pid, state, exit_code, signal, reason, error, uptime_ms, restarts
		FROM process_history WHERE name = ? ORDER BY id DESC LIMIT ?;`
	if d == DialectPostgres {
		q = `SELECT occurred_at, event, name, run_id, pid, state, exit_code, signal, reason, error, uptime_ms, restarts
		FROM process_history WHERE name = $1 ORDER BY id DESC LIMIT $2;`
	}
	rows, err := db.QueryContext(ctx, q, name, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var (
			e    Event
			typ  string
			at   time.Time
			code sql.NullInt64
		)
		r := &e.Record
		if err := rows.Scan(&at, &typ, &r.Name, &r.RunID, &r.PID, &r.State, &code,
			&r.Signal, &r.Reason, &r.Error, &r.UptimeMS, &r.Restarts); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		e.OccurredAt = at.UTC()
		if code.Valid {
			c := int(code.Int64)
			r.ExitCode = &c
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Classify marks connection-level failures as ErrTransient.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var ne net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) || errors.As(err, &ne) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return err
}
