// Package scheduler fires deferred and recurring run submissions. Jobs live
// in the run store; a tick loop submits the due ones and advances recurring
// fire times.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dopcast/internal/config"
	"dopcast/internal/logging"
	"dopcast/internal/runs"
	"dopcast/internal/services"
)

// Submitter enqueues a validated run. The execution engine satisfies this.
type Submitter interface {
	Submit(ctx context.Context, params runs.Params) (*runs.Run, error)
}

// Scheduler turns scheduled jobs into run submissions.
type Scheduler struct {
	cfg    *config.Config
	store  *runs.Store
	submit Submitter
	logger *slog.Logger

	tick   time.Duration
	policy string
	now    func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a scheduler over the given store and submitter.
func New(cfg *config.Config, store *runs.Store, submit Submitter, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = logging.NewNop()
	}
	tick := time.Duration(cfg.Scheduler.TickInterval) * time.Second
	if tick <= 0 {
		tick = 30 * time.Second
	}
	policy := cfg.Scheduler.CatchUpPolicy
	if policy == "" {
		policy = config.CatchUpFireOnce
	}
	return &Scheduler{
		cfg:    cfg,
		store:  store,
		submit: submit,
		logger: logging.NewComponentLogger(logger, "scheduler"),
		tick:   tick,
		policy: policy,
		now:    time.Now,
	}
}

// Schedule registers a job. A zero fireAt means the next tick; a zero every
// means one-shot.
func (s *Scheduler) Schedule(ctx context.Context, params runs.Params, fireAt time.Time, every time.Duration) (*runs.Job, error) {
	if every < 0 {
		return nil, services.Wrap(services.ErrValidation, "", "schedule", "recurrence interval must not be negative", nil)
	}
	if every > 0 && every < s.tick {
		return nil, services.Wrap(services.ErrValidation, "", "schedule",
			fmt.Sprintf("recurrence interval %s is shorter than the scheduler tick %s", every, s.tick), nil)
	}
	if fireAt.IsZero() {
		fireAt = s.now()
	}
	return s.store.CreateJob(ctx, params, fireAt, every)
}

// CancelJob removes a job before it fires again.
func (s *Scheduler) CancelJob(ctx context.Context, id string) error {
	return s.store.DeleteJob(ctx, id)
}

// Jobs lists registered jobs ordered by next fire time.
func (s *Scheduler) Jobs(ctx context.Context) ([]*runs.Job, error) {
	return s.store.ListJobs(ctx)
}

// Start begins the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.wg.Add(1)
	s.mu.Unlock()

	go s.loop(runCtx)
	return nil
}

// Stop terminates the tick loop and waits for it to drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx, s.now()); err != nil && ctx.Err() == nil {
				s.logger.Error("scheduler tick failed",
					logging.Error(err),
					logging.String(logging.FieldEventType, "scheduler_tick_failed"),
				)
			}
		}
	}
}

// Tick fires every job due at now. A fire time that came due within one tick
// is current; anything older was missed while the daemon was down and is
// handled per the catch-up policy: fire_once submits a single run for the
// whole gap, skip submits nothing. Either way recurring jobs advance to their
// next future fire time and one-shot jobs are removed.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	due, err := s.store.DueJobs(ctx, now)
	if err != nil {
		return fmt.Errorf("list due jobs: %w", err)
	}

	var firstErr error
	for _, job := range due {
		if err := s.fire(ctx, job, now); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Scheduler) fire(ctx context.Context, job *runs.Job, now time.Time) error {
	missed := now.Sub(job.NextFireTime) > s.tick
	submit := true
	if missed && s.policy == config.CatchUpSkip {
		submit = false
	}

	if submit {
		params := job.Params
		if params.Trigger == "" {
			params.Trigger = "scheduled"
		}
		run, err := s.submit.Submit(ctx, params)
		if err != nil {
			// A rejected submission is a job defect; drop one-shot jobs so
			// they do not fail forever, but keep recurring jobs advancing.
			s.logger.Error("scheduled submission rejected",
				logging.String("job_id", job.ID),
				logging.Error(err),
			)
			if !job.Recurring() {
				return s.store.DeleteJob(ctx, job.ID)
			}
			return s.store.RescheduleJob(ctx, job.ID, nextFireAfter(job, now))
		}
		s.logger.Info("scheduled run submitted",
			logging.String("job_id", job.ID),
			logging.String(logging.FieldRunID, run.ID),
			logging.Bool("catch_up", missed),
			logging.String(logging.FieldEventType, "scheduled_fire"),
		)
	} else {
		s.logger.Info("missed fire time skipped",
			logging.String("job_id", job.ID),
			logging.String(logging.FieldEventType, "scheduled_skip"),
		)
	}

	if !job.Recurring() {
		return s.store.DeleteJob(ctx, job.ID)
	}
	return s.store.RescheduleJob(ctx, job.ID, nextFireAfter(job, now))
}

// nextFireAfter advances a recurring job's fire time past now in whole
// intervals, preserving the original phase.
func nextFireAfter(job *runs.Job, now time.Time) time.Time {
	next := job.NextFireTime
	for !next.After(now) {
		next = next.Add(job.Every)
	}
	return next
}
