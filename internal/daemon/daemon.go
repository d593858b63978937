package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"dopcast/internal/config"
	"dopcast/internal/engine"
	"dopcast/internal/logging"
	"dopcast/internal/runs"
	"dopcast/internal/scheduler"
	"dopcast/internal/status"
)

// Daemon coordinates the background services and enforces single-instance
// execution.
type Daemon struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *runs.Store
	engine    *engine.Engine
	scheduler *scheduler.Scheduler
	tracker   *status.Tracker
	api       *apiServer
	logPath   string

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	Summary      status.Summary
	StoreDBPath  string
	LockFilePath string
	PID          int
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, store *runs.Store, eng *engine.Engine, sched *scheduler.Scheduler, tracker *status.Tracker, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || store == nil || eng == nil || sched == nil || tracker == nil {
		return nil, errors.New("daemon requires config, store, engine, scheduler, and tracker")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	lockPath := filepath.Join(cfg.Paths.LogDir, "dopcastd.lock")
	d := &Daemon{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		engine:    eng,
		scheduler: sched,
		tracker:   tracker,
		logPath:   filepath.Join(cfg.Paths.LogDir, "dopcast.log"),
		lockPath:  lockPath,
		lock:      flock.New(lockPath),
	}
	api, err := newAPIServer(cfg, d, logger)
	if err != nil {
		return nil, err
	}
	d.api = api
	return d, nil
}

// Start acquires the daemon lock and launches the engine, scheduler, and
// HTTP API.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another dopcast daemon instance is already running")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	if err := d.engine.Start(d.ctx); err != nil {
		d.teardown()
		return fmt.Errorf("start engine: %w", err)
	}
	if err := d.scheduler.Start(d.ctx); err != nil {
		d.engine.Stop()
		d.teardown()
		return fmt.Errorf("start scheduler: %w", err)
	}
	if d.api != nil {
		if err := d.api.start(d.ctx); err != nil {
			d.scheduler.Stop()
			d.engine.Stop()
			d.teardown()
			return fmt.Errorf("start api server: %w", err)
		}
	}

	d.running.Store(true)
	d.logger.Info("dopcast daemon started",
		logging.String("lock", d.lockPath),
		logging.String(logging.FieldEventType, "daemon_start"))
	return nil
}

func (d *Daemon) teardown() {
	_ = d.lock.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
	d.ctx = nil
	d.cancel = nil
}

// Stop halts background processing and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if d.api != nil {
		d.api.stop()
	}
	d.scheduler.Stop()
	d.engine.Stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.ctx = nil
	d.running.Store(false)
	d.logger.Info("dopcast daemon stopped",
		logging.String(logging.FieldEventType, "daemon_stop"))
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// Submit validates and enqueues a new run.
func (d *Daemon) Submit(ctx context.Context, params runs.Params) (*runs.Run, error) {
	return d.engine.Submit(ctx, params)
}

// Cancel requests cancellation of a run.
func (d *Daemon) Cancel(ctx context.Context, id string) error {
	return d.engine.Cancel(ctx, id)
}

// Resume re-queues a failed run so it continues from its latest checkpoint.
func (d *Daemon) Resume(ctx context.Context, id string) error {
	return d.engine.Resume(ctx, id)
}

// Schedule registers a deferred or recurring run submission.
func (d *Daemon) Schedule(ctx context.Context, params runs.Params, fireAt time.Time, every time.Duration) (*runs.Job, error) {
	return d.scheduler.Schedule(ctx, params, fireAt, every)
}

// CancelJob removes a scheduled job.
func (d *Daemon) CancelJob(ctx context.Context, id string) error {
	return d.scheduler.CancelJob(ctx, id)
}

// Jobs lists scheduled jobs ordered by next fire time.
func (d *Daemon) Jobs(ctx context.Context) ([]*runs.Job, error) {
	return d.scheduler.Jobs(ctx)
}

// Runs lists run projections, newest first, optionally filtered by status.
func (d *Daemon) Runs(ctx context.Context, limit int, statuses ...runs.Status) ([]status.RunView, error) {
	return d.tracker.List(ctx, limit, statuses...)
}

// Run returns the projection of a single run.
func (d *Daemon) Run(ctx context.Context, id string) (status.RunView, error) {
	return d.tracker.Run(ctx, id)
}

// StageLog returns a run's per-attempt audit trail.
func (d *Daemon) StageLog(ctx context.Context, id string) ([]*runs.StageLogEntry, error) {
	return d.tracker.StageLog(ctx, id)
}

// LogPath returns the path to the daemon log file.
func (d *Daemon) LogPath() string {
	return d.logPath
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	summary, err := d.tracker.Summary(ctx)
	if err != nil {
		d.logger.Warn("status summary failed", logging.Error(err))
	}
	return Status{
		Running:      d.running.Load(),
		Summary:      summary,
		StoreDBPath:  filepath.Join(d.cfg.Paths.DataDir, "runs.db"),
		LockFilePath: d.lockPath,
		PID:          os.Getpid(),
	}
}
