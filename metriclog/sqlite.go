package metriclog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tsawler/lesion-distill/training"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs(
	run_id TEXT PRIMARY KEY,
	started_at TEXT NOT NULL,
	note TEXT
);
CREATE TABLE IF NOT EXISTS metrics(
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	phase TEXT NOT NULL,
	epoch INTEGER NOT NULL,
	key TEXT NOT NULL,
	value REAL NOT NULL,
	recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS metrics_run_key ON metrics(run_id, key, epoch);
`

// SQLiteSink appends every metric of every epoch as one row of a local
// SQLite database.
type SQLiteSink struct {
	db    *sql.DB
	runID string
	now   func() time.Time
}

// Row is one stored metric value.
type Row struct {
	RunID string
	Phase string
	Epoch int
	Key   string
	Value float64
}

// NewSQLiteSink opens (creating if needed) the database at path and
// registers the run.
func NewSQLiteSink(ctx context.Context, path, runID, note string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open metrics database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure metrics database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create metrics schema: %w", err)
	}
	s := &SQLiteSink{db: db, runID: runID, now: time.Now}
	if _, err := db.ExecContext(ctx,
		"INSERT OR IGNORE INTO runs(run_id, started_at, note) VALUES(?,?,?)",
		runID, s.now().UTC().Format(time.RFC3339), note); err != nil {
		db.Close()
		return nil, fmt.Errorf("register run %s: %w", runID, err)
	}
	return s, nil
}

// Write stores the record in one transaction.
func (s *SQLiteSink) Write(ctx context.Context, entry training.EpochEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin metrics transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO metrics(run_id, phase, epoch, key, value, recorded_at) VALUES(?,?,?,?,?,?)")
	if err != nil {
		return fmt.Errorf("prepare metrics insert: %w", err)
	}
	defer stmt.Close()

	ts := s.now().UTC().Format(time.RFC3339Nano)
	for key, value := range entry.Record {
		if _, err := stmt.ExecContext(ctx, s.runID, entry.Phase.String(), entry.Epoch, key, value, ts); err != nil {
			return fmt.Errorf("insert metric %q: %w", key, err)
		}
	}
	return tx.Commit()
}

// Rows returns the stored values of key for this run in epoch order. An
// empty key returns every metric.
func (s *SQLiteSink) Rows(ctx context.Context, key string) ([]Row, error) {
	query := "SELECT run_id, phase, epoch, key, value FROM metrics WHERE run_id = ?"
	args := []any{s.runID}
	if key != "" {
		query += " AND key = ?"
		args = append(args, key)
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.RunID, &r.Phase, &r.Epoch, &r.Key, &r.Value); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
