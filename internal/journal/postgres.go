package journal

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/webqx/vitalq/internal/queue"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS outcome_records (
  seq            BIGSERIAL PRIMARY KEY,
  item_id        TEXT NOT NULL,
  priority       INTEGER NOT NULL,
  outcome        TEXT NOT NULL,
  attempts       INTEGER NOT NULL,
  cause          TEXT,
  enqueued_at    BIGINT NOT NULL,
  finished_at    BIGINT NOT NULL,
  wait_ms        BIGINT NOT NULL,
  processing_ms  BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outcome_finished
  ON outcome_records(finished_at DESC, seq DESC);
CREATE INDEX IF NOT EXISTS idx_outcome_outcome
  ON outcome_records(outcome, finished_at DESC);
`

// PostgresStore is the journal backend for shared deployments where several
// services report into one audit trail.
type PostgresStore struct {
	db *sql.DB
}

func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres journal: %w", err)
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply journal schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Append(rec queue.Record) error {
	_, err := s.db.Exec(`
INSERT INTO outcome_records
  (item_id, priority, outcome, attempts, cause, enqueued_at, finished_at, wait_ms, processing_ms)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
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

func (s *PostgresStore) List(req ListRequest) ([]queue.Record, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	q := `
SELECT item_id, priority, outcome, attempts, cause, enqueued_at, finished_at, wait_ms, processing_ms
FROM outcome_records`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	var where []string
	if req.Outcome != "" {
		where = append(where, "outcome = "+arg(string(req.Outcome)))
	}
	if !req.Before.IsZero() {
		where = append(where, "finished_at < "+arg(req.Before.UnixMilli()))
	}
	for i, cond := range where {
		if i == 0 {
			q += " WHERE " + cond
		} else {
			q += " AND " + cond
		}
	}
	q += " ORDER BY finished_at DESC, seq DESC LIMIT " + arg(limit)

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

func (s *PostgresStore) OutcomeCounts() (map[queue.Outcome]int64, error) {
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

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// PruneBefore drops records finished before cutoff.
func (s *PostgresStore) PruneBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM outcome_records WHERE finished_at < $1", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune outcome records: %w", err)
	}
	return res.RowsAffected()
}
