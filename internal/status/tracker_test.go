package status_test

import (
	"context"
	"errors"
	"testing"

	"dopcast/internal/logging"
	"dopcast/internal/runs"
	"dopcast/internal/stage"
	"dopcast/internal/status"
	"dopcast/internal/testsupport"
)

type fakeEngine struct {
	running bool
	lastErr error
	health  map[string]stage.Health
}

func (f *fakeEngine) Running() bool    { return f.running }
func (f *fakeEngine) LastError() error { return f.lastErr }
func (f *fakeEngine) StageHealth(context.Context) map[string]stage.Health {
	return f.health
}

func TestSummaryReflectsEngineAndStore(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	pending := testsupport.NewRun(t, store, runs.Params{Sport: "f1", EventID: "spa-2026"})
	if _, err := store.ClaimNextPending(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	testsupport.NewRun(t, store, runs.Params{Sport: "f1", EventID: "monza-2026"})

	eng := &fakeEngine{
		running: true,
		lastErr: errors.New("previous claim hiccup"),
		health: map[string]stage.Health{
			"research": stage.Healthy("research"),
			"voice":    stage.Unhealthy("voice", "missing api key"),
		},
	}
	tracker := status.NewTracker(store, eng, logging.NewNop())

	summary, err := tracker.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if !summary.EngineRunning {
		t.Fatal("engine running flag lost")
	}
	if summary.LastError == "" {
		t.Fatal("last error lost")
	}
	if summary.Stats.Total != 2 || summary.Stats.Running != 1 || summary.Stats.Pending != 1 {
		t.Fatalf("stats = %+v", summary.Stats)
	}
	if len(summary.Active) != 2 {
		t.Fatalf("active = %d", len(summary.Active))
	}
	if health := summary.StageHealth["voice"]; health.Ready {
		t.Fatalf("voice health = %+v", health)
	}
	_ = pending
}

func TestRunViewProjection(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	run := testsupport.NewRun(t, store, runs.Params{Sport: "f1", EventID: "spa-2026", EpisodeType: "race_review"})
	if _, err := store.ClaimNextPending(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.SetCurrentStage(ctx, run.ID, 2, "script"); err != nil {
		t.Fatalf("SetCurrentStage: %v", err)
	}
	info := runs.ErrorInfo{Stage: "script", Kind: "transient", Message: "model overloaded", Attempts: 3}
	if err := store.FailRun(ctx, run.ID, info, []runs.ArtifactRef{{Stage: "research", Key: "research/spa.json"}}); err != nil {
		t.Fatalf("FailRun: %v", err)
	}

	tracker := status.NewTracker(store, nil, logging.NewNop())
	view, err := tracker.Run(ctx, run.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if view.Status != runs.StatusFailed || view.Stage != "script" || view.StageIndex != 2 {
		t.Fatalf("view = %+v", view)
	}
	if view.Error == nil || view.Error.Attempts != 3 {
		t.Fatalf("error = %+v", view.Error)
	}
	if len(view.Artifacts) != 1 {
		t.Fatalf("artifacts = %+v", view.Artifacts)
	}
	if view.FinishedAt == nil {
		t.Fatal("finished_at missing")
	}
}

func TestListFiltersByStatus(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	testsupport.NewRun(t, store, runs.Params{Sport: "f1"})
	claimed := testsupport.NewRun(t, store, runs.Params{Sport: "f1"})
	_ = claimed
	if _, err := store.ClaimNextPending(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}

	tracker := status.NewTracker(store, nil, logging.NewNop())
	views, err := tracker.List(ctx, 0, runs.StatusPending)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(views) != 1 || views[0].Status != runs.StatusPending {
		t.Fatalf("views = %+v", views)
	}
}
