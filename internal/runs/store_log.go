package runs

import (
	"context"
	"fmt"
	"time"
)

// AppendStageLog records one row of the per-attempt audit trail.
func (s *Store) AppendStageLog(ctx context.Context, runID, stage string, attempt int, level, message string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.execWithRetry(ctx,
		`INSERT INTO stage_log (run_id, stage, attempt, level, message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		runID, stage, attempt, level, message, now,
	)
	if err != nil {
		return fmt.Errorf("append stage log: %w", err)
	}
	return nil
}

// ListStageLog returns a run's audit trail in insertion order.
func (s *Store) ListStageLog(ctx context.Context, runID string) ([]*StageLogEntry, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT id, run_id, stage, attempt, level, message, created_at
		 FROM stage_log WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list stage log: %w", err)
	}
	defer rows.Close()

	var out []*StageLogEntry
	for rows.Next() {
		var (
			entry     StageLogEntry
			createdAt string
		)
		if err := rows.Scan(&entry.ID, &entry.RunID, &entry.Stage, &entry.Attempt,
			&entry.Level, &entry.Message, &createdAt); err != nil {
			return nil, err
		}
		created, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse stage log created_at: %w", err)
		}
		entry.CreatedAt = created
		out = append(out, &entry)
	}
	return out, rows.Err()
}
