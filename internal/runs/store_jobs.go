package runs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateJob inserts a scheduled job. Every of zero means one-shot.
func (s *Store) CreateJob(ctx context.Context, params Params, nextFire time.Time, every time.Duration) (*Job, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal job params: %w", err)
	}

	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.execWithRetry(ctx,
		`INSERT INTO scheduled_jobs (id, params_json, every_seconds, next_fire_time, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, string(paramsJSON), int64(every/time.Second),
		nextFire.UTC().Format(time.RFC3339Nano), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return s.GetJob(ctx, id)
}

// GetJob fetches a scheduled job by identifier.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT id, params_json, every_seconds, next_fire_time, created_at, updated_at
		 FROM scheduled_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, err
}

// ListJobs returns all scheduled jobs ordered by next fire time.
func (s *Store) ListJobs(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT id, params_json, every_seconds, next_fire_time, created_at, updated_at
		 FROM scheduled_jobs ORDER BY next_fire_time`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// DueJobs returns jobs whose next fire time is at or before now.
func (s *Store) DueJobs(ctx context.Context, now time.Time) ([]*Job, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT id, params_json, every_seconds, next_fire_time, created_at, updated_at
		 FROM scheduled_jobs WHERE next_fire_time <= ? ORDER BY next_fire_time`,
		now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("due jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// RescheduleJob advances a recurring job's next fire time. The scheduler is
// the sole writer of this column.
func (s *Store) RescheduleJob(ctx context.Context, id string, nextFire time.Time) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(ctx,
		`UPDATE scheduled_jobs SET next_fire_time = ?, updated_at = ? WHERE id = ?`,
		nextFire.UTC().Format(time.RFC3339Nano), now, id,
	)
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reschedule rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteJob removes a scheduled job, either on cancellation or after a
// one-shot job fired.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	res, err := s.execWithRetry(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job          Job
		paramsJSON   string
		everySeconds int64
		nextFire     string
		createdAt    string
		updatedAt    string
	)
	if err := row.Scan(&job.ID, &paramsJSON, &everySeconds, &nextFire, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(paramsJSON), &job.Params); err != nil {
		return nil, fmt.Errorf("decode job params: %w", err)
	}
	job.Every = time.Duration(everySeconds) * time.Second

	next, err := time.Parse(time.RFC3339Nano, nextFire)
	if err != nil {
		return nil, fmt.Errorf("parse next_fire_time: %w", err)
	}
	job.NextFireTime = next
	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse job created_at: %w", err)
	}
	job.CreatedAt = created
	updated, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse job updated_at: %w", err)
	}
	job.UpdatedAt = updated
	return &job, nil
}
