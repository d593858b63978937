package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"dopcast/internal/config"
	"dopcast/internal/engine"
	"dopcast/internal/logging"
	"dopcast/internal/plan"
	"dopcast/internal/runs"
	"dopcast/internal/services"
	"dopcast/internal/stage"
	"dopcast/internal/state"
	"dopcast/internal/testsupport"
)

// stubStage is a scriptable stage handler for engine tests.
type stubStage struct {
	desc       stage.Descriptor
	optionsErr error
	execute    func(attempt int, st *state.State) (state.Delta, error)

	mu    sync.Mutex
	calls int
}

func (s *stubStage) Descriptor() stage.Descriptor { return s.desc }

func (s *stubStage) ValidateOptions(json.RawMessage) error { return s.optionsErr }

func (s *stubStage) Execute(_ context.Context, st *state.State) (state.Delta, error) {
	s.mu.Lock()
	s.calls++
	attempt := s.calls
	s.mu.Unlock()
	if s.execute != nil {
		return s.execute(attempt, st)
	}
	return state.Record(s.desc.Produces[0], map[string]string{"stage": s.desc.Name})
}

func (s *stubStage) HealthCheck(context.Context) stage.Health {
	return stage.Healthy(s.desc.Name)
}

func (s *stubStage) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func fastRetry(maxAttempts int) stage.RetryPolicy {
	return stage.RetryPolicy{MaxAttempts: maxAttempts, BaseDelay: time.Millisecond}
}

func newStub(name string, requires, produces []state.Namespace) *stubStage {
	return &stubStage{desc: stage.Descriptor{
		Name:     name,
		Requires: requires,
		Produces: produces,
		Retry:    fastRetry(3),
		Timeout:  5 * time.Second,
	}}
}

// newPipeline builds a three-stage research/script/production pipeline.
func newPipeline() (*stubStage, *stubStage, *stubStage, *plan.Registry, plan.Spec) {
	research := newStub("research", []state.Namespace{state.NamespaceRequest}, []state.Namespace{state.NamespaceResearch})
	script := newStub("script", []state.Namespace{state.NamespaceResearch}, []state.Namespace{state.NamespaceScript})
	production := newStub("production", []state.Namespace{state.NamespaceScript}, []state.Namespace{state.NamespaceProduction})
	production.execute = func(int, *state.State) (state.Delta, error) {
		return state.Record(state.NamespaceProduction, map[string]any{
			"artifacts": []runs.ArtifactRef{{Stage: "production", Key: "episodes/ep1.mp3", Size: 1024}},
		})
	}

	registry := plan.NewRegistry()
	for _, h := range []stage.Handler{research, script, production} {
		if err := registry.Register(h); err != nil {
			panic(err)
		}
	}
	spec := plan.Spec{
		Stages: []plan.StageSpec{
			{Name: "research"},
			{Name: "script"},
			{Name: "production"},
		},
		Terminal: []state.Namespace{state.NamespaceProduction},
	}
	return research, script, production, registry, spec
}

func newEngine(t *testing.T, registry *plan.Registry, spec plan.Spec) (*engine.Engine, *runs.Store, *config.Config) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Workflow.RetryBaseDelayMillis = 1
	store := testsupport.MustOpenStore(t, cfg)
	eng := engine.New(cfg, store, registry, spec, logging.NewNop())
	return eng, store, cfg
}

func submitParams() runs.Params {
	return runs.Params{Sport: "f1", EventID: "monaco-2026", EpisodeType: "race_review"}
}

func TestRunCompletesThroughAllStages(t *testing.T) {
	research, script, production, registry, spec := newPipeline()
	eng, store, _ := newEngine(t, registry, spec)
	ctx := context.Background()

	run, err := eng.Submit(ctx, submitParams())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final, err := eng.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if final == nil || final.ID != run.ID {
		t.Fatalf("final = %+v", final)
	}
	if final.Status != runs.StatusCompleted {
		t.Fatalf("status = %s, error = %+v", final.Status, final.Error)
	}
	if research.callCount() != 1 || script.callCount() != 1 || production.callCount() != 1 {
		t.Fatalf("calls = %d/%d/%d", research.callCount(), script.callCount(), production.callCount())
	}
	if len(final.Artifacts) != 1 || final.Artifacts[0].Key != "episodes/ep1.mp3" {
		t.Fatalf("artifacts = %+v", final.Artifacts)
	}

	checkpoints, err := store.ListCheckpoints(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListCheckpoints: %v", err)
	}
	if len(checkpoints) != 3 {
		t.Fatalf("checkpoints = %d", len(checkpoints))
	}
	for i, cp := range checkpoints {
		if cp.StageIndex != i {
			t.Fatalf("checkpoint %d has index %d", i, cp.StageIndex)
		}
	}

	// The final snapshot carries every namespace the pipeline produced.
	st, err := state.FromSnapshot(checkpoints[2].Snapshot)
	if err != nil {
		t.Fatalf("FromSnapshot: %v", err)
	}
	for _, ns := range []state.Namespace{state.NamespaceRequest, state.NamespaceResearch, state.NamespaceScript, state.NamespaceProduction} {
		if !st.Has(ns) {
			t.Fatalf("final snapshot missing namespace %s", ns)
		}
	}
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	_, script, _, registry, spec := newPipeline()
	script.execute = func(attempt int, _ *state.State) (state.Delta, error) {
		if attempt < 3 {
			return nil, services.Wrap(services.ErrTransient, "script", "generate", "model overloaded", nil)
		}
		return state.Record(state.NamespaceScript, map[string]string{"text": "episode script"})
	}
	eng, store, _ := newEngine(t, registry, spec)
	ctx := context.Background()

	run, err := eng.Submit(ctx, submitParams())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	final, err := eng.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if final.Status != runs.StatusCompleted {
		t.Fatalf("status = %s, error = %+v", final.Status, final.Error)
	}
	if script.callCount() != 3 {
		t.Fatalf("script calls = %d", script.callCount())
	}

	entries, err := store.ListStageLog(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListStageLog: %v", err)
	}
	var failures int
	for _, entry := range entries {
		if entry.Stage == "script" && entry.Level == "error" {
			failures++
		}
	}
	if failures != 2 {
		t.Fatalf("logged failures = %d", failures)
	}
}

func TestFatalFailureStopsPipeline(t *testing.T) {
	_, script, production, registry, spec := newPipeline()
	script.execute = func(int, *state.State) (state.Delta, error) {
		return nil, services.Wrap(services.ErrValidation, "script", "generate", "word count target out of range", nil)
	}
	eng, _, _ := newEngine(t, registry, spec)
	ctx := context.Background()

	if _, err := eng.Submit(ctx, submitParams()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	final, err := eng.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if final.Status != runs.StatusFailed {
		t.Fatalf("status = %s", final.Status)
	}
	if final.Error == nil || final.Error.Stage != "script" || final.Error.Kind != "validation" {
		t.Fatalf("error = %+v", final.Error)
	}
	if final.Error.Attempts != 1 {
		t.Fatalf("attempts = %d, fatal failures must not retry", final.Error.Attempts)
	}
	if script.callCount() != 1 {
		t.Fatalf("script calls = %d", script.callCount())
	}
	if production.callCount() != 0 {
		t.Fatal("production must not run after an upstream failure")
	}
}

func TestRetriesExhaustedFailsWithAttemptCount(t *testing.T) {
	_, script, _, registry, spec := newPipeline()
	script.desc.Retry = fastRetry(2)
	script.execute = func(int, *state.State) (state.Delta, error) {
		return nil, services.Wrap(services.ErrTransient, "script", "generate", "model overloaded", nil)
	}
	eng, _, _ := newEngine(t, registry, spec)
	ctx := context.Background()

	if _, err := eng.Submit(ctx, submitParams()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	final, err := eng.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if final.Status != runs.StatusFailed {
		t.Fatalf("status = %s", final.Status)
	}
	if final.Error == nil || final.Error.Kind != "transient" || final.Error.Attempts != 2 {
		t.Fatalf("error = %+v", final.Error)
	}
}

func TestResumeContinuesFromCheckpoint(t *testing.T) {
	research, script, production, registry, spec := newPipeline()
	fail := true
	baseExec := production.execute
	production.desc.Retry = fastRetry(1)
	production.execute = func(attempt int, st *state.State) (state.Delta, error) {
		if fail {
			return nil, services.Wrap(services.ErrTransient, "production", "mix", "encoder unavailable", nil)
		}
		return baseExec(attempt, st)
	}
	eng, store, _ := newEngine(t, registry, spec)
	ctx := context.Background()

	run, err := eng.Submit(ctx, submitParams())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	failed, err := eng.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if failed.Status != runs.StatusFailed {
		t.Fatalf("status = %s", failed.Status)
	}

	checkpoints, err := store.ListCheckpoints(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListCheckpoints: %v", err)
	}
	if len(checkpoints) != 2 {
		t.Fatalf("checkpoints before resume = %d", len(checkpoints))
	}

	fail = false
	if err := eng.Resume(ctx, run.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	resumed, err := eng.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce after resume: %v", err)
	}
	if resumed.ID != run.ID || resumed.Status != runs.StatusCompleted {
		t.Fatalf("resumed = %+v", resumed)
	}

	// Completed stages are not re-executed on resume.
	if research.callCount() != 1 || script.callCount() != 1 {
		t.Fatalf("upstream calls = %d/%d", research.callCount(), script.callCount())
	}
	if production.callCount() != 2 {
		t.Fatalf("production calls = %d", production.callCount())
	}

	checkpoints, err = store.ListCheckpoints(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListCheckpoints: %v", err)
	}
	if len(checkpoints) != 3 || checkpoints[2].StageName != "production" {
		t.Fatalf("checkpoints after resume = %+v", checkpoints)
	}
}

func TestCancelPendingRunIsImmediate(t *testing.T) {
	_, _, _, registry, spec := newPipeline()
	eng, store, _ := newEngine(t, registry, spec)
	ctx := context.Background()

	run, err := eng.Submit(ctx, submitParams())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := eng.Cancel(ctx, run.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	cancelled, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if cancelled.Status != runs.StatusCancelled {
		t.Fatalf("status = %s", cancelled.Status)
	}

	// Nothing left to claim.
	if final, err := eng.RunOnce(ctx); err != nil || final != nil {
		t.Fatalf("RunOnce = %+v, %v", final, err)
	}
}

func TestCancelObservedAtStageBoundary(t *testing.T) {
	research, script, _, registry, spec := newPipeline()
	eng, store, _ := newEngine(t, registry, spec)
	ctx := context.Background()

	run, err := eng.Submit(ctx, submitParams())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// The flag is set after research completes; the boundary before script
	// must observe it.
	research.execute = func(int, *state.State) (state.Delta, error) {
		if err := store.RequestCancel(ctx, run.ID); err != nil {
			t.Errorf("RequestCancel: %v", err)
		}
		return state.Record(state.NamespaceResearch, map[string]string{"stage": "research"})
	}

	final, err := eng.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if final.Status != runs.StatusCancelled {
		t.Fatalf("status = %s", final.Status)
	}
	if script.callCount() != 0 {
		t.Fatal("script must not run after cancellation")
	}

	// Cancelled runs cannot be resumed.
	if err := eng.Resume(ctx, run.ID); !errors.Is(err, runs.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestCancelObservedDuringRetryBackoff(t *testing.T) {
	_, script, production, registry, spec := newPipeline()
	script.desc.Retry = stage.RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second}
	script.execute = func(int, *state.State) (state.Delta, error) {
		return nil, services.Wrap(services.ErrTransient, "script", "generate", "model overloaded", nil)
	}
	eng, store, _ := newEngine(t, registry, spec)
	ctx := context.Background()

	run, err := eng.Submit(ctx, submitParams())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// The flag lands while script sits in its first backoff wait; the wait
	// must abandon the retry instead of sleeping it out.
	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(300 * time.Millisecond)
		if err := store.RequestCancel(ctx, run.ID); err != nil {
			t.Errorf("RequestCancel: %v", err)
		}
	}()

	final, err := eng.RunOnce(ctx)
	<-done
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if final.Status != runs.StatusCancelled {
		t.Fatalf("status = %s", final.Status)
	}
	if script.callCount() != 1 {
		t.Fatalf("script calls = %d, backoff must not run a second attempt", script.callCount())
	}
	if production.callCount() != 0 {
		t.Fatal("production must not run after cancellation")
	}

	// The research checkpoint written before the failing stage survives.
	checkpoints, err := store.ListCheckpoints(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListCheckpoints: %v", err)
	}
	if len(checkpoints) != 1 || checkpoints[0].StageName != "research" {
		t.Fatalf("checkpoints = %+v", checkpoints)
	}
}

func TestStageTimeoutClassifiedAndRetryable(t *testing.T) {
	_, script, _, registry, spec := newPipeline()
	script.desc.Retry = fastRetry(1)
	script.desc.Timeout = 20 * time.Millisecond
	script.execute = func(int, *state.State) (state.Delta, error) {
		time.Sleep(100 * time.Millisecond)
		return nil, context.DeadlineExceeded
	}
	eng, _, _ := newEngine(t, registry, spec)
	ctx := context.Background()

	if _, err := eng.Submit(ctx, submitParams()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	final, err := eng.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if final.Status != runs.StatusFailed {
		t.Fatalf("status = %s", final.Status)
	}
	if final.Error == nil || final.Error.Kind != "timeout" {
		t.Fatalf("error = %+v", final.Error)
	}
}

func TestStageDeltaContractEnforced(t *testing.T) {
	_, script, _, registry, spec := newPipeline()
	script.execute = func(int, *state.State) (state.Delta, error) {
		// Declares script but produces research_data instead.
		return state.Record(state.NamespaceResearch, map[string]string{"oops": "wrong namespace"})
	}
	eng, _, _ := newEngine(t, registry, spec)
	ctx := context.Background()

	if _, err := eng.Submit(ctx, submitParams()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	final, err := eng.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if final.Status != runs.StatusFailed {
		t.Fatalf("status = %s", final.Status)
	}
	if final.Error == nil || final.Error.Kind != "stage_logic" {
		t.Fatalf("error = %+v", final.Error)
	}
	if script.callCount() != 1 {
		t.Fatalf("contract violations must not retry, calls = %d", script.callCount())
	}
}

func TestSubmitRejectsUnknownStageOptions(t *testing.T) {
	_, _, _, registry, spec := newPipeline()
	eng, _, _ := newEngine(t, registry, spec)

	params := submitParams()
	params.Stages = map[string]json.RawMessage{"mastering": json.RawMessage(`{}`)}
	if _, err := eng.Submit(context.Background(), params); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestSubmitRejectsInvalidStageOptions(t *testing.T) {
	_, script, _, registry, spec := newPipeline()
	script.optionsErr = services.Wrap(services.ErrValidation, "script", "validate_options", "unknown field", nil)
	eng, _, _ := newEngine(t, registry, spec)

	params := submitParams()
	params.Stages = map[string]json.RawMessage{"script": json.RawMessage(`{"bogus":true}`)}
	if _, err := eng.Submit(context.Background(), params); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestConditionalStageSkipped(t *testing.T) {
	research, script, production, registry, spec := newPipeline()
	_ = research

	// Voice is conditional on the request not being text-only; production
	// consumes the script directly in this pipeline, so pruning keeps the
	// dataflow valid.
	voice := newStub("voice", []state.Namespace{state.NamespaceScript}, []state.Namespace{state.NamespaceAudio})
	if err := registry.Register(voice); err != nil {
		t.Fatalf("Register: %v", err)
	}
	textOnly := func(st *state.State) bool {
		var params runs.Params
		if err := st.Decode(state.NamespaceRequest, &params); err != nil {
			return false
		}
		return !params.TextOnly
	}
	spec.Stages = []plan.StageSpec{
		{Name: "research"},
		{Name: "script"},
		{Name: "voice", When: textOnly},
		{Name: "production"},
	}

	eng, _, _ := newEngine(t, registry, spec)
	ctx := context.Background()

	params := submitParams()
	params.TextOnly = true
	if _, err := eng.Submit(ctx, params); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	final, err := eng.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if final.Status != runs.StatusCompleted {
		t.Fatalf("status = %s, error = %+v", final.Status, final.Error)
	}
	if voice.callCount() != 0 {
		t.Fatal("voice must be pruned for text-only requests")
	}
	if script.callCount() != 1 || production.callCount() != 1 {
		t.Fatalf("calls = %d/%d", script.callCount(), production.callCount())
	}
}

func TestConcurrentRunsAreIsolated(t *testing.T) {
	_, _, _, registry, spec := newPipeline()
	eng, store, _ := newEngine(t, registry, spec)
	ctx := context.Background()

	first, err := eng.Submit(ctx, submitParams())
	if err != nil {
		t.Fatalf("Submit first: %v", err)
	}
	second, err := eng.Submit(ctx, runs.Params{Sport: "motogp", EventID: "qatar-2026"})
	if err != nil {
		t.Fatalf("Submit second: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := eng.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce %d: %v", i, err)
		}
	}

	for _, id := range []string{first.ID, second.ID} {
		run, err := store.GetRun(ctx, id)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if run.Status != runs.StatusCompleted {
			t.Fatalf("run %s status = %s", id, run.Status)
		}
		cps, err := store.ListCheckpoints(ctx, id)
		if err != nil {
			t.Fatalf("ListCheckpoints: %v", err)
		}
		if len(cps) != 3 {
			t.Fatalf("run %s checkpoints = %d", id, len(cps))
		}
	}

	// Each run's final snapshot reflects its own request only.
	cps, _ := store.ListCheckpoints(ctx, second.ID)
	st, err := state.FromSnapshot(cps[2].Snapshot)
	if err != nil {
		t.Fatalf("FromSnapshot: %v", err)
	}
	var params runs.Params
	if err := st.Decode(state.NamespaceRequest, &params); err != nil {
		t.Fatalf("Decode request: %v", err)
	}
	if params.Sport != "motogp" {
		t.Fatalf("request leaked across runs: %+v", params)
	}
}

func TestStartStopWorkers(t *testing.T) {
	_, _, _, registry, spec := newPipeline()
	eng, store, _ := newEngine(t, registry, spec)
	ctx := context.Background()

	run, err := eng.Submit(ctx, submitParams())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := eng.Start(ctx); err == nil {
		t.Fatal("second Start must fail")
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		current, err := store.GetRun(ctx, run.ID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if current.Status.Terminal() {
			if current.Status != runs.StatusCompleted {
				t.Fatalf("status = %s, error = %+v", current.Status, current.Error)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run never finished, status = %s", current.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	eng.Stop()
}
