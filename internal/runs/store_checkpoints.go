package runs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrCheckpointOrder indicates a checkpoint write that is not the immediate
// successor of the run's latest checkpoint. This is an engine defect, not a
// condition that retry can fix.
var ErrCheckpointOrder = errors.New("checkpoint indices must be strictly increasing and contiguous")

// PutCheckpoint persists a state snapshot taken after stage stageIndex
// completed. Indices for one run start at 0 and must arrive contiguously.
func (s *Store) PutCheckpoint(ctx context.Context, runID string, stageIndex int, stageName string, snapshot []byte) error {
	ctx = ensureContext(ctx)
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin checkpoint tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var latest sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MAX(stage_index) FROM checkpoints WHERE run_id = ?`, runID,
		).Scan(&latest); err != nil {
			return fmt.Errorf("read latest checkpoint index: %w", err)
		}

		expected := 0
		if latest.Valid {
			expected = int(latest.Int64) + 1
		}
		if stageIndex != expected {
			return fmt.Errorf("%w: run %s has latest index %v, got %d",
				ErrCheckpointOrder, runID, latest, stageIndex)
		}

		now := time.Now().UTC().Format(time.RFC3339Nano)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO checkpoints (run_id, stage_index, stage_name, state_json, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			runID, stageIndex, stageName, string(snapshot), now,
		); err != nil {
			return fmt.Errorf("insert checkpoint: %w", err)
		}

		return tx.Commit()
	})
}

// LatestCheckpoint returns the most recent checkpoint for a run, or
// ErrNotFound when the run has no checkpoints yet.
func (s *Store) LatestCheckpoint(ctx context.Context, runID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT run_id, stage_index, stage_name, state_json, created_at
		 FROM checkpoints WHERE run_id = ? ORDER BY stage_index DESC LIMIT 1`, runID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoints for run %s: %w", runID, ErrNotFound)
	}
	return cp, err
}

// ListCheckpoints returns a run's checkpoints in stage order.
func (s *Store) ListCheckpoints(ctx context.Context, runID string) ([]*Checkpoint, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT run_id, stage_index, stage_name, state_json, created_at
		 FROM checkpoints WHERE run_id = ? ORDER BY stage_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func scanCheckpoint(row rowScanner) (*Checkpoint, error) {
	var (
		cp        Checkpoint
		stateJSON string
		createdAt string
	)
	if err := row.Scan(&cp.RunID, &cp.StageIndex, &cp.StageName, &stateJSON, &createdAt); err != nil {
		return nil, err
	}
	cp.Snapshot = []byte(stateJSON)
	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse checkpoint created_at: %w", err)
	}
	cp.CreatedAt = created
	return &cp, nil
}
