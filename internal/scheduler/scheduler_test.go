package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dopcast/internal/config"
	"dopcast/internal/logging"
	"dopcast/internal/runs"
	"dopcast/internal/scheduler"
	"dopcast/internal/services"
	"dopcast/internal/testsupport"
)

// recordingSubmitter captures submissions without running a pipeline.
type recordingSubmitter struct {
	mu        sync.Mutex
	submitted []runs.Params
	err       error
}

func (r *recordingSubmitter) Submit(_ context.Context, params runs.Params) (*runs.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.submitted = append(r.submitted, params)
	return &runs.Run{ID: "run-recorded", Params: params, Status: runs.StatusPending}, nil
}

func (r *recordingSubmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.submitted)
}

func jobParams() runs.Params {
	return runs.Params{Sport: "f1", EventID: "monza-2026", EpisodeType: "race_preview"}
}

func newScheduler(t *testing.T, opts ...testsupport.ConfigOption) (*scheduler.Scheduler, *recordingSubmitter, *runs.Store) {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	store := testsupport.MustOpenStore(t, cfg)
	submitter := &recordingSubmitter{}
	sched := scheduler.New(cfg, store, submitter, logging.NewNop())
	return sched, submitter, store
}

func TestOneShotJobFiresAndIsRemoved(t *testing.T) {
	sched, submitter, store := newScheduler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job, err := sched.Schedule(ctx, jobParams(), now.Add(-time.Second), 0)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	if err := sched.Tick(ctx, now); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if submitter.count() != 1 {
		t.Fatalf("submissions = %d", submitter.count())
	}
	if submitter.submitted[0].Trigger != "scheduled" {
		t.Fatalf("trigger = %q", submitter.submitted[0].Trigger)
	}
	if _, err := store.GetJob(ctx, job.ID); !errors.Is(err, runs.ErrNotFound) {
		t.Fatalf("one-shot job must be removed after firing, got %v", err)
	}
}

func TestRecurringJobAdvancesAfterFiring(t *testing.T) {
	sched, submitter, store := newScheduler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job, err := sched.Schedule(ctx, jobParams(), now, time.Hour)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	if err := sched.Tick(ctx, now); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if submitter.count() != 1 {
		t.Fatalf("submissions = %d", submitter.count())
	}

	advanced, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if !advanced.NextFireTime.After(now) {
		t.Fatalf("next fire %s not after %s", advanced.NextFireTime, now)
	}

	// The same tick time fires nothing twice.
	if err := sched.Tick(ctx, now); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if submitter.count() != 1 {
		t.Fatalf("submissions after repeat tick = %d", submitter.count())
	}
}

func TestFutureJobsAreLeftAlone(t *testing.T) {
	sched, submitter, _ := newScheduler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := sched.Schedule(ctx, jobParams(), now.Add(time.Hour), 0); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := sched.Tick(ctx, now); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if submitter.count() != 0 {
		t.Fatalf("submissions = %d", submitter.count())
	}
}

func TestCatchUpFireOnceSubmitsSingleRunForGap(t *testing.T) {
	sched, submitter, store := newScheduler(t, testsupport.WithCatchUpPolicy(config.CatchUpFireOnce))
	ctx := context.Background()
	now := time.Now().UTC()

	// Five missed hourly firings while the daemon was down.
	job, err := sched.Schedule(ctx, jobParams(), now.Add(-5*time.Hour), time.Hour)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	if err := sched.Tick(ctx, now); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if submitter.count() != 1 {
		t.Fatalf("submissions = %d, want exactly one catch-up run", submitter.count())
	}

	advanced, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if !advanced.NextFireTime.After(now) {
		t.Fatalf("next fire %s not after %s", advanced.NextFireTime, now)
	}
	// Phase preserved: the new fire time is a whole number of intervals from
	// the original one.
	if advanced.NextFireTime.Sub(job.NextFireTime)%time.Hour != 0 {
		t.Fatalf("fire time drifted: %s -> %s", job.NextFireTime, advanced.NextFireTime)
	}
}

func TestCatchUpSkipSubmitsNothingForGap(t *testing.T) {
	sched, submitter, store := newScheduler(t, testsupport.WithCatchUpPolicy(config.CatchUpSkip))
	ctx := context.Background()
	now := time.Now().UTC()

	job, err := sched.Schedule(ctx, jobParams(), now.Add(-5*time.Hour), time.Hour)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	if err := sched.Tick(ctx, now); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if submitter.count() != 0 {
		t.Fatalf("submissions = %d, skip policy must not fire for missed times", submitter.count())
	}

	advanced, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if !advanced.NextFireTime.After(now) {
		t.Fatalf("next fire %s not after %s", advanced.NextFireTime, now)
	}
}

func TestSkipPolicyStillFiresCurrentDueTimes(t *testing.T) {
	sched, submitter, _ := newScheduler(t, testsupport.WithCatchUpPolicy(config.CatchUpSkip))
	ctx := context.Background()
	now := time.Now().UTC()

	// Due within the last tick interval: current, not missed.
	if _, err := sched.Schedule(ctx, jobParams(), now.Add(-500*time.Millisecond), time.Hour); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := sched.Tick(ctx, now); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if submitter.count() != 1 {
		t.Fatalf("submissions = %d", submitter.count())
	}
}

func TestScheduleRejectsNegativeInterval(t *testing.T) {
	sched, _, _ := newScheduler(t)
	if _, err := sched.Schedule(context.Background(), jobParams(), time.Now(), -time.Hour); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestScheduleRejectsSubTickInterval(t *testing.T) {
	sched, _, _ := newScheduler(t)
	if _, err := sched.Schedule(context.Background(), jobParams(), time.Now(), 100*time.Millisecond); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestRejectedSubmissionDropsOneShotJob(t *testing.T) {
	sched, submitter, store := newScheduler(t)
	ctx := context.Background()
	now := time.Now().UTC()
	submitter.err = services.Wrap(services.ErrValidation, "", "submit", "plan rejected", nil)

	job, err := sched.Schedule(ctx, jobParams(), now.Add(-time.Second), 0)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := sched.Tick(ctx, now); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if _, err := store.GetJob(ctx, job.ID); !errors.Is(err, runs.ErrNotFound) {
		t.Fatalf("rejected one-shot job must be removed, got %v", err)
	}
}

func TestCancelJob(t *testing.T) {
	sched, submitter, _ := newScheduler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job, err := sched.Schedule(ctx, jobParams(), now.Add(-time.Second), 0)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := sched.CancelJob(ctx, job.ID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if err := sched.Tick(ctx, now); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if submitter.count() != 0 {
		t.Fatalf("cancelled job fired, submissions = %d", submitter.count())
	}
}
