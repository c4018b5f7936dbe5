package trace

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// tsLayout sorts lexically in time order.
const tsLayout = "2006-01-02T15:04:05.000000Z"

// SQLiteSink stores calls in a local SQLite database. The driver is
// "sqlite3" (mattn, cgo) or "sqlite" (modernc, pure Go).
type SQLiteSink struct {
	db   *sql.DB
	path string
}

// NewSQLiteSink opens or creates the database at path. The schema is
// created on first use.
func NewSQLiteSink(path, driver string) (*SQLiteSink, error) {
	var dsn string
	switch driver {
	case "", "sqlite3":
		driver = "sqlite3"
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	case "sqlite":
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	default:
		return nil, fmt.Errorf("unknown sqlite driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open trace database: %w", err)
	}

	s := &SQLiteSink{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate trace schema: %w", err)
	}
	return s, nil
}

// Name implements Sink.
func (s *SQLiteSink) Name() string { return "sqlite" }

// Path returns the database file.
func (s *SQLiteSink) Path() string { return s.path }

// Close implements Sink.
func (s *SQLiteSink) Close(context.Context) error {
	return s.db.Close()
}

func (s *SQLiteSink) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS calls (
		id          TEXT PRIMARY KEY,
		trace_id    TEXT NOT NULL,
		parent_id   TEXT NOT NULL DEFAULT '',
		project     TEXT NOT NULL,
		op_name     TEXT NOT NULL,
		inputs      TEXT,
		output      TEXT,
		exception   TEXT NOT NULL DEFAULT '',
		attributes  TEXT,
		started_at  TEXT NOT NULL,
		ended_at    TEXT NOT NULL,
		duration_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_calls_trace ON calls(trace_id);
	CREATE INDEX IF NOT EXISTS idx_calls_started ON calls(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Export implements Sink. The batch is written in one transaction and
// re-exporting a call replaces it.
func (s *SQLiteSink) Export(ctx context.Context, calls []Call) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO calls
			(id, trace_id, parent_id, project, op_name, inputs, output,
			 exception, attributes, started_at, ended_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range calls {
		if _, err := stmt.ExecContext(ctx,
			c.ID,
			c.TraceID,
			c.ParentID,
			c.Project,
			c.Op,
			encodeJSON(c.Inputs),
			encodeJSON(c.Output),
			c.Error,
			encodeJSON(c.Attributes),
			c.StartedAt.UTC().Format(tsLayout),
			c.EndedAt.UTC().Format(tsLayout),
			c.Duration().Milliseconds(),
		); err != nil {
			return fmt.Errorf("insert call %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// Recent returns the newest n root calls, newest first.
func (s *SQLiteSink) Recent(ctx context.Context, n int) ([]Call, error) {
	return s.query(ctx,
		`SELECT id, trace_id, parent_id, project, op_name, inputs, output,
			exception, attributes, started_at, ended_at
		 FROM calls
		 WHERE parent_id = ''
		 ORDER BY started_at DESC
		 LIMIT ?`, n)
}

// Trace returns every call of one trace in start order.
func (s *SQLiteSink) Trace(ctx context.Context, traceID string) ([]Call, error) {
	return s.query(ctx,
		`SELECT id, trace_id, parent_id, project, op_name, inputs, output,
			exception, attributes, started_at, ended_at
		 FROM calls
		 WHERE trace_id = ?
		 ORDER BY started_at ASC`, traceID)
}

func (s *SQLiteSink) query(ctx context.Context, query string, args ...any) ([]Call, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query calls: %w", err)
	}
	defer rows.Close()

	var out []Call
	for rows.Next() {
		var (
			c                     Call
			inputs, output, attrs sql.NullString
			startedAt, endedAt    string
		)
		if err := rows.Scan(&c.ID, &c.TraceID, &c.ParentID, &c.Project, &c.Op,
			&inputs, &output, &c.Error, &attrs, &startedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		decodeJSON(inputs, &c.Inputs)
		decodeJSON(output, &c.Output)
		decodeJSON(attrs, &c.Attributes)
		c.StartedAt, _ = time.Parse(tsLayout, startedAt)
		c.EndedAt, _ = time.Parse(tsLayout, endedAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// encodeJSON stores v as JSON text, falling back to its printed form
// for values that do not marshal.
func encodeJSON(v any) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(fmt.Sprint(v))
	}
	return sql.NullString{String: string(b), Valid: true}
}

func decodeJSON(s sql.NullString, into any) {
	if !s.Valid || s.String == "" {
		return
	}
	_ = json.Unmarshal([]byte(s.String), into)
}
