// Package status projects run and daemon state into read-only views for the
// CLI, IPC, and HTTP surfaces.
package status

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"dopcast/internal/logging"
	"dopcast/internal/runs"
	"dopcast/internal/stage"
)

// EngineInfo is the slice of the execution engine the tracker reads.
type EngineInfo interface {
	Running() bool
	LastError() error
	StageHealth(ctx context.Context) map[string]stage.Health
}

// Tracker answers status queries from the store and engine.
type Tracker struct {
	store  *runs.Store
	engine EngineInfo
	logger *slog.Logger
}

// NewTracker constructs a status tracker.
func NewTracker(store *runs.Store, engine EngineInfo, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Tracker{
		store:  store,
		engine: engine,
		logger: logging.NewComponentLogger(logger, "status"),
	}
}

// RunView is the externally visible projection of one run.
type RunView struct {
	ID          string             `json:"id"`
	Status      runs.Status        `json:"status"`
	Sport       string             `json:"sport"`
	EventID     string             `json:"event_id,omitempty"`
	EpisodeType string             `json:"episode_type,omitempty"`
	Trigger     string             `json:"trigger,omitempty"`
	Stage       string             `json:"stage,omitempty"`
	StageIndex  int                `json:"stage_index"`
	Error       *runs.ErrorInfo    `json:"error,omitempty"`
	Artifacts   []runs.ArtifactRef `json:"artifacts,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	FinishedAt  *time.Time         `json:"finished_at,omitempty"`
}

// Summary is the daemon-level status projection.
type Summary struct {
	EngineRunning bool                    `json:"engine_running"`
	LastError     string                  `json:"last_error,omitempty"`
	Stats         runs.Stats              `json:"stats"`
	StageHealth   map[string]stage.Health `json:"stage_health,omitempty"`
	Active        []RunView               `json:"active,omitempty"`
}

// Summary aggregates engine, store, and stage health state.
func (t *Tracker) Summary(ctx context.Context) (Summary, error) {
	stats, err := t.store.Stats(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("read run stats: %w", err)
	}

	summary := Summary{Stats: stats}
	if t.engine != nil {
		summary.EngineRunning = t.engine.Running()
		if lastErr := t.engine.LastError(); lastErr != nil {
			summary.LastError = lastErr.Error()
		}
		summary.StageHealth = t.engine.StageHealth(ctx)
	}

	active, err := t.store.ListRuns(ctx, 0, runs.StatusPending, runs.StatusRunning)
	if err != nil {
		return Summary{}, fmt.Errorf("list active runs: %w", err)
	}
	summary.Active = Views(active)
	return summary, nil
}

// Run returns the projection of a single run.
func (t *Tracker) Run(ctx context.Context, id string) (RunView, error) {
	run, err := t.store.GetRun(ctx, id)
	if err != nil {
		return RunView{}, err
	}
	return View(run), nil
}

// List returns run projections, newest first, optionally filtered by status.
func (t *Tracker) List(ctx context.Context, limit int, statuses ...runs.Status) ([]RunView, error) {
	list, err := t.store.ListRuns(ctx, limit, statuses...)
	if err != nil {
		return nil, err
	}
	return Views(list), nil
}

// StageLog returns a run's per-attempt audit trail.
func (t *Tracker) StageLog(ctx context.Context, id string) ([]*runs.StageLogEntry, error) {
	return t.store.ListStageLog(ctx, id)
}

// View projects a stored run.
func View(run *runs.Run) RunView {
	view := RunView{
		ID:          run.ID,
		Status:      run.Status,
		Sport:       run.Params.Sport,
		EventID:     run.Params.EventID,
		EpisodeType: run.Params.EpisodeType,
		Trigger:     run.Params.Trigger,
		Stage:       run.CurrentStageName,
		StageIndex:  run.CurrentStage,
		Error:       run.Error,
		Artifacts:   run.Artifacts,
		CreatedAt:   run.CreatedAt,
		StartedAt:   run.StartedAt,
		FinishedAt:  run.FinishedAt,
	}
	return view
}

// Views projects a slice of stored runs.
func Views(list []*runs.Run) []RunView {
	if len(list) == 0 {
		return nil
	}
	out := make([]RunView, 0, len(list))
	for _, run := range list {
		out = append(out, View(run))
	}
	return out
}
