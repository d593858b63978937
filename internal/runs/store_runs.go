package runs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const runColumns = `id, params_json, status, current_stage, current_stage_name,
	error_json, artifacts_json, cancel_requested, last_heartbeat,
	created_at, updated_at, started_at, finished_at`

// CreateRun inserts a new pending run for the given parameters and returns it.
func (s *Store) CreateRun(ctx context.Context, params Params) (*Run, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal run params: %w", err)
	}

	id := uuid.NewString()
	timestamp := time.Now().UTC().Format(time.RFC3339Nano)

	_, err = s.execWithRetry(ctx,
		`INSERT INTO runs (id, params_json, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		id, string(paramsJSON), StatusPending, timestamp, timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}

	return s.GetRun(ctx, id)
}

// GetRun fetches a run by identifier.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, err
}

// ListRuns returns runs ordered most recent first, optionally filtered by
// status. A limit of 0 means no limit.
func (s *Store) ListRuns(ctx context.Context, limit int, statuses ...Status) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	args := make([]any, 0, len(statuses)+1)
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, status := range statuses {
			placeholders[i] = "?"
			args = append(args, status)
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// ClaimNextPending atomically transitions the oldest pending run to running
// and returns it. Returns (nil, nil) when nothing is pending.
func (s *Store) ClaimNextPending(ctx context.Context) (*Run, error) {
	ctx = ensureContext(ctx)
	var claimed string

	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var id string
		err = tx.QueryRowContext(ctx,
			`SELECT id FROM runs WHERE status = ? ORDER BY created_at LIMIT 1`,
			StatusPending,
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			claimed = ""
			return nil
		}
		if err != nil {
			return fmt.Errorf("select pending run: %w", err)
		}

		now := time.Now().UTC().Format(time.RFC3339Nano)
		res, err := tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, started_at = COALESCE(started_at, ?), last_heartbeat = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			StatusRunning, now, now, now, id, StatusPending,
		)
		if err != nil {
			return fmt.Errorf("claim run: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		if affected == 0 {
			claimed = ""
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim: %w", err)
		}
		claimed = id
		return nil
	})
	if err != nil {
		return nil, err
	}
	if claimed == "" {
		return nil, nil
	}
	return s.GetRun(ctx, claimed)
}

// SetCurrentStage records the stage index and name the engine is executing.
func (s *Store) SetCurrentStage(ctx context.Context, id string, index int, name string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(ctx,
		`UPDATE runs SET current_stage = ?, current_stage_name = ?, updated_at = ? WHERE id = ?`,
		index, name, now, id,
	)
	if err != nil {
		return fmt.Errorf("set current stage: %w", err)
	}
	return requireAffected(res, id)
}

// CompleteRun transitions a running run to completed and records artifact
// references.
func (s *Store) CompleteRun(ctx context.Context, id string, artifacts []ArtifactRef) error {
	artifactsJSON, err := marshalArtifacts(artifacts)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(ctx,
		`UPDATE runs SET status = ?, artifacts_json = ?, error_json = NULL, last_heartbeat = NULL,
		 finished_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		StatusCompleted, artifactsJSON, now, now, id, StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return requireTransition(res, id, StatusCompleted)
}

// FailRun transitions a running run to failed with error detail. Artifacts
// from completed stages are preserved for diagnostics.
func (s *Store) FailRun(ctx context.Context, id string, info ErrorInfo, artifacts []ArtifactRef) error {
	errJSON, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal error info: %w", err)
	}
	artifactsJSON, err := marshalArtifacts(artifacts)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(ctx,
		`UPDATE runs SET status = ?, error_json = ?, artifacts_json = ?, last_heartbeat = NULL,
		 finished_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		StatusFailed, string(errJSON), artifactsJSON, now, now, id, StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("fail run: %w", err)
	}
	return requireTransition(res, id, StatusFailed)
}

// CancelRun transitions a pending or running run to cancelled.
func (s *Store) CancelRun(ctx context.Context, id string, artifacts []ArtifactRef) error {
	artifactsJSON, err := marshalArtifacts(artifacts)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(ctx,
		`UPDATE runs SET status = ?, artifacts_json = COALESCE(?, artifacts_json), last_heartbeat = NULL,
		 finished_at = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		StatusCancelled, artifactsJSON, now, now, id, StatusPending, StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("cancel run: %w", err)
	}
	return requireTransition(res, id, StatusCancelled)
}

// RequestCancel sets the cooperative cancellation flag. The engine observes
// it at stage boundaries and during retry backoff.
func (s *Store) RequestCancel(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(ctx,
		`UPDATE runs SET cancel_requested = 1, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		now, id, StatusPending, StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cancel rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("run %s is not pending or running: %w", id, ErrInvalidTransition)
	}
	return nil
}

// CancelRequested reads the cooperative cancellation flag.
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT cancel_requested FROM runs WHERE id = ?`, id).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return flag != 0, nil
}

// ResumeRun re-queues a failed run. The engine will continue it from the
// stage after its latest checkpoint. Only failed runs are resumable;
// completed and cancelled runs stay terminal.
func (s *Store) ResumeRun(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(ctx,
		`UPDATE runs SET status = ?, error_json = NULL, cancel_requested = 0,
		 finished_at = NULL, updated_at = ? WHERE id = ? AND status = ?`,
		StatusPending, now, id, StatusFailed,
	)
	if err != nil {
		return fmt.Errorf("resume run: %w", err)
	}
	return requireTransition(res, id, StatusPending)
}

// UpdateHeartbeat refreshes the liveness timestamp of a running run.
func (s *Store) UpdateHeartbeat(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.execWithRetry(ctx,
		`UPDATE runs SET last_heartbeat = ?, updated_at = ? WHERE id = ? AND status = ?`,
		now, now, id, StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

// ReclaimStale fails running runs whose heartbeat predates cutoff. These are
// runs orphaned by a crashed worker; their checkpoints remain for resume.
func (s *Store) ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error) {
	info := ErrorInfo{Kind: "interrupted", Message: "run orphaned by daemon shutdown; resume to continue"}
	errJSON, err := json.Marshal(info)
	if err != nil {
		return 0, fmt.Errorf("marshal error info: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(ctx,
		`UPDATE runs SET status = ?, error_json = ?, last_heartbeat = NULL, finished_at = ?, updated_at = ?
		 WHERE status = ? AND last_heartbeat IS NOT NULL AND last_heartbeat < ?`,
		StatusFailed, string(errJSON), now, now,
		StatusRunning, cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale runs: %w", err)
	}
	return res.RowsAffected()
}

// Stats aggregates run counts per lifecycle state.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT status, COUNT(1) FROM runs GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("run stats: %w", err)
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, err
		}
		stats.Total += count
		switch status {
		case StatusPending:
			stats.Pending = count
		case StatusRunning:
			stats.Running = count
		case StatusCompleted:
			stats.Completed = count
		case StatusFailed:
			stats.Failed = count
		case StatusCancelled:
			stats.Cancelled = count
		}
	}
	return stats, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run           Run
		paramsJSON    string
		errorJSON     sql.NullString
		artifactsJSON sql.NullString
		cancelFlag    int
		heartbeat     sql.NullString
		createdAt     string
		updatedAt     string
		startedAt     sql.NullString
		finishedAt    sql.NullString
	)
	if err := row.Scan(
		&run.ID, &paramsJSON, &run.Status, &run.CurrentStage, &run.CurrentStageName,
		&errorJSON, &artifactsJSON, &cancelFlag, &heartbeat,
		&createdAt, &updatedAt, &startedAt, &finishedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(paramsJSON), &run.Params); err != nil {
		return nil, fmt.Errorf("decode run params: %w", err)
	}
	if errorJSON.Valid && strings.TrimSpace(errorJSON.String) != "" {
		info := &ErrorInfo{}
		if err := json.Unmarshal([]byte(errorJSON.String), info); err != nil {
			return nil, fmt.Errorf("decode error info: %w", err)
		}
		run.Error = info
	}
	if artifactsJSON.Valid && strings.TrimSpace(artifactsJSON.String) != "" {
		if err := json.Unmarshal([]byte(artifactsJSON.String), &run.Artifacts); err != nil {
			return nil, fmt.Errorf("decode artifacts: %w", err)
		}
	}
	run.CancelRequested = cancelFlag != 0

	var err error
	if run.LastHeartbeat, err = parseTime(heartbeat); err != nil {
		return nil, err
	}
	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	run.CreatedAt = created
	updated, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	run.UpdatedAt = updated
	if run.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if run.FinishedAt, err = parseTime(finishedAt); err != nil {
		return nil, err
	}
	return &run, nil
}

func marshalArtifacts(artifacts []ArtifactRef) (any, error) {
	if len(artifacts) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(artifacts)
	if err != nil {
		return nil, fmt.Errorf("marshal artifacts: %w", err)
	}
	return string(data), nil
}

func requireAffected(res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

func requireTransition(res sql.Result, id string, to Status) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("run %s cannot transition to %s: %w", id, to, ErrInvalidTransition)
	}
	return nil
}
