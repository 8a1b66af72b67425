// Package results persists evaluation records to a SQLite database so runs
// can be compared after the fact. The store is purely additive reporting;
// pipeline correctness never depends on it.
package results

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"brainseg/pkg/evaluation"
)

// Store wraps the SQLite database holding evaluation records.
type Store struct {
	db *sql.DB
}

// Open opens (and if needed creates) the results database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS evaluation_records (
  run_id      TEXT NOT NULL,
  recorded_at DATETIME NOT NULL,
  subject     TEXT NOT NULL,
  stage       TEXT NOT NULL,
  class       INTEGER NOT NULL,
  metric      TEXT NOT NULL,
  value       REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evaluation_records_run
  ON evaluation_records(run_id);
`)
	return err
}

// AppendRecords stores a batch of evaluation records under a run identifier.
func (s *Store) AppendRecords(ctx context.Context, runID string, records []evaluation.Record) error {
	if s.db == nil || len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting record transaction: %w", err)
	}
	now := time.Now()
	for _, r := range records {
		_, err := tx.ExecContext(ctx, `
INSERT INTO evaluation_records(run_id, recorded_at, subject, stage, class, metric, value)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, runID, now, r.Subject, r.Stage, r.Class, r.Metric, r.Value)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("inserting record for subject %s: %w", r.Subject, err)
		}
	}
	return tx.Commit()
}

// ListRun returns all records of one run in insertion order.
func (s *Store) ListRun(ctx context.Context, runID string) ([]evaluation.Record, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT subject, stage, class, metric, value
FROM evaluation_records WHERE run_id=? ORDER BY rowid ASC;
`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []evaluation.Record
	for rows.Next() {
		var r evaluation.Record
		if err := rows.Scan(&r.Subject, &r.Stage, &r.Class, &r.Metric, &r.Value); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Runs lists the distinct run identifiers in the store, newest first.
func (s *Store) Runs(ctx context.Context) ([]string, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id FROM evaluation_records
GROUP BY run_id ORDER BY MAX(recorded_at) DESC;
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
