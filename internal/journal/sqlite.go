package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/webqx/vitalq/internal/queue"
)

const sqliteSchemaVersion = 1

const sqliteSchemaV1 = `
CREATE TABLE IF NOT EXISTS outcome_records (
  seq            INTEGER PRIMARY KEY AUTOINCREMENT,
  item_id        TEXT NOT NULL,
  priority       INTEGER NOT NULL,
  outcome        TEXT NOT NULL,
  attempts       INTEGER NOT NULL,
  cause          TEXT,
  enqueued_at    INTEGER NOT NULL,
  finished_at    INTEGER NOT NULL,
  wait_ms        INTEGER NOT NULL,
  processing_ms  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outcome_finished
  ON outcome_records(finished_at DESC, seq DESC);
CREATE INDEX IF NOT EXISTS idx_outcome_outcome
  ON outcome_records(outcome, finished_at DESC);
`

// SQLiteStore is the single-file journal backend for standalone
// deployments.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite journal: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent workers.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	var userVersion int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&userVersion); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if userVersion >= sqliteSchemaVersion {
		return nil
	}
	if _, err := s.db.Exec(sqliteSchemaV1); err != nil {
		return fmt.Errorf("apply journal schema: %w", err)
	}
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", sqliteSchemaVersion)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Append(rec queue.Record) error {
	_, err := s.db.Exec(`
INSERT INTO outcome_records
  (item_id, priority, outcome, attempts, cause, enqueued_at, finished_at, wait_ms, processing_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ItemID,
		rec.Priority,
		string(rec.Outcome),
		rec.Attempts,
		rec.Cause,
		rec.EnqueuedAt.UnixMilli(),
		rec.FinishedAt.UnixMilli(),
		rec.WaitTime.Milliseconds(),
		rec.Processing.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("append outcome record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(req ListRequest) ([]queue.Record, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	q := `
SELECT item_id, priority, outcome, attempts, cause, enqueued_at, finished_at, wait_ms, processing_ms
FROM outcome_records`
	var args []any
	var where []string
	if req.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, string(req.Outcome))
	}
	if !req.Before.IsZero() {
		where = append(where, "finished_at < ?")
		args = append(args, req.Before.UnixMilli())
	}
	for i, cond := range where {
		if i == 0 {
			q += " WHERE " + cond
		} else {
			q += " AND " + cond
		}
	}
	q += " ORDER BY finished_at DESC, seq DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list outcome records: %w", err)
	}
	defer rows.Close()

	var out []queue.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) OutcomeCounts() (map[queue.Outcome]int64, error) {
	rows, err := s.db.Query("SELECT outcome, COUNT(*) FROM outcome_records GROUP BY outcome")
	if err != nil {
		return nil, fmt.Errorf("count outcomes: %w", err)
	}
	defer rows.Close()

	out := make(map[queue.Outcome]int64)
	for rows.Next() {
		var outcome string
		var n int64
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		out[queue.Outcome(outcome)] = n
	}
	return out, rows.Err()
}

// PruneBefore drops records finished before cutoff.
func (s *SQLiteStore) PruneBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM outcome_records WHERE finished_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune outcome records: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (queue.Record, error) {
	var rec queue.Record
	var outcome string
	var cause sql.NullString
	var enqueuedMs, finishedMs, waitMs, processingMs int64
	if err := row.Scan(
		&rec.ItemID, &rec.Priority, &outcome, &rec.Attempts, &cause,
		&enqueuedMs, &finishedMs, &waitMs, &processingMs,
	); err != nil {
		return queue.Record{}, fmt.Errorf("scan outcome record: %w", err)
	}
	rec.Outcome = queue.Outcome(outcome)
	rec.Cause = cause.String
	rec.EnqueuedAt = time.UnixMilli(enqueuedMs).UTC()
	rec.FinishedAt = time.UnixMilli(finishedMs).UTC()
	rec.WaitTime = time.Duration(waitMs) * time.Millisecond
	rec.Processing = time.Duration(processingMs) * time.Millisecond
	return rec, nil
}
