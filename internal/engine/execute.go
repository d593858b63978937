package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dopcast/internal/logging"
	"dopcast/internal/plan"
	"dopcast/internal/runs"
	"dopcast/internal/services"
	"dopcast/internal/state"
)

// errCancelRequested surfaces the store-level cancellation flag inside the
// stage loop so it can be told apart from daemon shutdown.
var errCancelRequested = errors.New("run cancellation requested")

// backoffPollInterval bounds how long a retry wait can ignore a newly set
// cancellation flag.
const backoffPollInterval = 250 * time.Millisecond

// processRun drives one claimed run to a terminal state. It returns an error
// only when the run could not reach one: daemon shutdown leaves the run
// running for heartbeat reclaim, and persistence failures abort processing.
func (e *Engine) processRun(ctx context.Context, logger *slog.Logger, run *runs.Run) error {
	ctx = services.WithRunID(ctx, run.ID)
	logger = logger.With(logging.String(logging.FieldRunID, run.ID))
	runStart := time.Now()

	initial, err := initialState(run.Params)
	if err != nil {
		return e.failRun(ctx, logger, run, services.Wrap(services.ErrValidation, "", "compile", "encode request", err), 1, nil)
	}
	pl, err := plan.Compile(e.registry, e.spec, initial)
	if err != nil {
		return e.failRun(ctx, logger, run, services.Wrap(services.ErrValidation, "", "compile", "plan rejected", err), 1, nil)
	}
	for _, cs := range pl.Stages {
		if optErr := cs.Handler.ValidateOptions(run.Params.Stages[cs.Name]); optErr != nil {
			wrapped := services.Wrap(services.ErrValidation, cs.Name, "validate_options", "stage options rejected", optErr)
			return e.failRun(ctx, logger, run, wrapped, 1, nil)
		}
	}

	st := initial
	startIndex := 0
	if cp, cpErr := e.store.LatestCheckpoint(ctx, run.ID); cpErr == nil {
		restored, restoreErr := state.FromSnapshot(cp.Snapshot)
		if restoreErr != nil {
			wrapped := services.Wrap(services.ErrStageLogic, cp.StageName, "restore", "corrupt checkpoint snapshot", restoreErr)
			return e.failRun(ctx, logger, run, wrapped, 1, nil)
		}
		st = restored
		startIndex = cp.StageIndex + 1
		logger.Info("continuing run from checkpoint",
			logging.String(logging.FieldEventType, "run_resume"),
			logging.Int("stage_index", startIndex),
			logging.String("checkpoint_stage", cp.StageName),
		)
	} else if !errors.Is(cpErr, runs.ErrNotFound) {
		return fmt.Errorf("load checkpoint for run %s: %w", run.ID, cpErr)
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go e.heartbeat.StartLoop(hbCtx, &hbWG, run.ID)
	defer func() {
		hbCancel()
		hbWG.Wait()
	}()

	logger.Info("run started",
		logging.String(logging.FieldEventType, "run_start"),
		logging.Int("stage_count", len(pl.Stages)),
		logging.Int("start_index", startIndex),
	)

	for _, cs := range pl.Stages {
		if cs.Index < startIndex {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		cancelled, cancelErr := e.store.CancelRequested(ctx, run.ID)
		if cancelErr != nil {
			return fmt.Errorf("read cancel flag for run %s: %w", run.ID, cancelErr)
		}
		if cancelled {
			return e.cancelRun(ctx, logger, run, st)
		}

		if err := e.store.SetCurrentStage(ctx, run.ID, cs.Index, cs.Name); err != nil {
			return fmt.Errorf("record current stage: %w", err)
		}

		delta, attempts, execErr := e.executeStage(ctx, logger, run, cs, st)
		switch {
		case execErr == nil:
		case errors.Is(execErr, context.Canceled) && ctx.Err() != nil:
			return execErr
		case errors.Is(execErr, errCancelRequested):
			return e.cancelRun(ctx, logger, run, st)
		default:
			return e.failRun(ctx, logger, run, execErr, attempts, st)
		}

		if err := st.Merge(delta); err != nil {
			wrapped := services.Wrap(services.ErrStageLogic, cs.Name, "merge", "stage delta rejected", err)
			return e.failRun(ctx, logger, run, wrapped, attempts, st)
		}
		snapshot, err := st.Snapshot()
		if err != nil {
			wrapped := services.Wrap(services.ErrStageLogic, cs.Name, "checkpoint", "encode snapshot", err)
			return e.failRun(ctx, logger, run, wrapped, attempts, st)
		}
		if err := e.store.PutCheckpoint(ctx, run.ID, cs.Index, cs.Name, snapshot); err != nil {
			wrapped := services.Wrap(services.ErrStageLogic, cs.Name, "checkpoint", "persist snapshot", err)
			return e.failRun(ctx, logger, run, wrapped, attempts, st)
		}
	}

	artifacts := collectArtifacts(st)
	if err := e.store.CompleteRun(ctx, run.ID, artifacts); err != nil {
		if errors.Is(err, runs.ErrInvalidTransition) {
			// Cancelled out from under us between the last boundary check and
			// completion; the terminal status wins.
			logger.Info("run reached terminal state concurrently", logging.Error(err))
			return nil
		}
		return fmt.Errorf("complete run %s: %w", run.ID, err)
	}
	logger.Info("run completed",
		logging.String(logging.FieldEventType, "run_complete"),
		logging.Int("artifacts", len(artifacts)),
		logging.Duration("run_duration", time.Since(runStart)),
	)
	return nil
}

// executeStage runs one stage with per-attempt timeout and retry backoff.
// It returns the stage delta, the number of attempts consumed, and the final
// error when all attempts are exhausted or the failure is not retryable.
func (e *Engine) executeStage(ctx context.Context, logger *slog.Logger, run *runs.Run, cs plan.CompiledStage, st *state.State) (state.Delta, int, error) {
	desc := cs.Descriptor
	policy := desc.Retry
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = e.cfg.Workflow.MaxAttempts
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = time.Duration(e.cfg.Workflow.RetryBaseDelayMillis) * time.Millisecond
	}
	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = time.Duration(e.cfg.Workflow.StageTimeout) * time.Second
	}

	stageLogger := logger.With(logging.String(logging.FieldStage, desc.Name))

	for attempt := 1; ; attempt++ {
		attemptCtx := services.WithAttempt(services.WithStage(ctx, desc.Name), attempt)
		stageCtx, cancel := context.WithTimeout(attemptCtx, timeout)

		stageLogger.Info("stage started",
			logging.String(logging.FieldEventType, "stage_start"),
			logging.Int(logging.FieldAttempt, attempt),
		)
		e.appendStageLog(ctx, stageLogger, run.ID, desc.Name, attempt, "info", "stage started")

		stageStart := time.Now()
		delta, err := cs.Handler.Execute(stageCtx, st)
		if err != nil && errors.Is(stageCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, services.ErrTimeout) {
			err = services.Wrap(services.ErrTimeout, desc.Name, "execute",
				fmt.Sprintf("stage exceeded %s deadline", timeout), err)
		}
		cancel()

		if err == nil {
			if missing := missingNamespace(desc.Produces, delta); missing != "" {
				return nil, attempt, services.Wrap(services.ErrStageLogic, desc.Name, "execute",
					fmt.Sprintf("delta missing declared namespace %q", missing), nil)
			}
			if extra := undeclaredNamespace(desc.Produces, delta); extra != "" {
				return nil, attempt, services.Wrap(services.ErrStageLogic, desc.Name, "execute",
					fmt.Sprintf("delta contains undeclared namespace %q", extra), nil)
			}
			stageLogger.Info("stage completed",
				logging.String(logging.FieldEventType, "stage_complete"),
				logging.Int(logging.FieldAttempt, attempt),
				logging.Duration("stage_duration", time.Since(stageStart)),
			)
			e.appendStageLog(ctx, stageLogger, run.ID, desc.Name, attempt, "info", "stage completed")
			return delta, attempt, nil
		}

		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, attempt, err
		}

		kind := services.Classify(err)
		e.appendStageLog(ctx, stageLogger, run.ID, desc.Name, attempt, "error",
			fmt.Sprintf("attempt failed (%s): %v", kind, err))

		if attempt >= maxAttempts || !policy.ShouldRetry(err) {
			stageLogger.Error("stage failed",
				logging.String(logging.FieldEventType, "stage_failure"),
				logging.Int(logging.FieldAttempt, attempt),
				logging.String(logging.FieldErrorKind, string(kind)),
				logging.Error(err),
			)
			return nil, attempt, err
		}

		delay := policy.Delay(attempt)
		stageLogger.Warn("stage attempt failed; retrying",
			logging.String(logging.FieldEventType, "stage_retry"),
			logging.Int(logging.FieldAttempt, attempt),
			logging.String(logging.FieldErrorKind, string(kind)),
			logging.Duration("backoff", delay),
			logging.Error(err),
		)
		if waitErr := e.waitBackoff(ctx, run.ID, delay); waitErr != nil {
			return nil, attempt, waitErr
		}
	}
}

// waitBackoff sleeps for the retry delay while observing shutdown and the
// run's cancellation flag.
func (e *Engine) waitBackoff(ctx context.Context, runID string, delay time.Duration) error {
	deadline := time.Now().Add(delay)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		step := backoffPollInterval
		if remaining < step {
			step = remaining
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(step):
		}
		cancelled, err := e.store.CancelRequested(ctx, runID)
		if err != nil {
			return fmt.Errorf("read cancel flag during backoff: %w", err)
		}
		if cancelled {
			return errCancelRequested
		}
	}
}

func (e *Engine) failRun(ctx context.Context, logger *slog.Logger, run *runs.Run, err error, attempts int, st *state.State) error {
	details := services.Details(err)
	info := runs.ErrorInfo{
		Stage:    details.Stage,
		Kind:     string(details.Kind),
		Message:  details.Message,
		Attempts: attempts,
	}
	if info.Stage == "" {
		info.Stage = run.CurrentStageName
	}
	var artifacts []runs.ArtifactRef
	if st != nil {
		artifacts = collectArtifacts(st)
	}
	if failErr := e.store.FailRun(ctx, run.ID, info, artifacts); failErr != nil {
		if errors.Is(failErr, runs.ErrInvalidTransition) {
			logger.Info("run reached terminal state concurrently", logging.Error(failErr))
			return nil
		}
		return fmt.Errorf("fail run %s: %w", run.ID, failErr)
	}
	logger.Error("run failed",
		logging.String(logging.FieldEventType, "run_failed"),
		logging.String(logging.FieldStage, info.Stage),
		logging.String(logging.FieldErrorKind, info.Kind),
		logging.Int("attempts", attempts),
		logging.Error(err),
	)
	return nil
}

func (e *Engine) cancelRun(ctx context.Context, logger *slog.Logger, run *runs.Run, st *state.State) error {
	var artifacts []runs.ArtifactRef
	if st != nil {
		artifacts = collectArtifacts(st)
	}
	if err := e.store.CancelRun(ctx, run.ID, artifacts); err != nil {
		if errors.Is(err, runs.ErrInvalidTransition) {
			logger.Info("run reached terminal state concurrently", logging.Error(err))
			return nil
		}
		return fmt.Errorf("cancel run %s: %w", run.ID, err)
	}
	logger.Info("run cancelled",
		logging.String(logging.FieldEventType, "run_cancelled"),
	)
	return nil
}

// appendStageLog persists an audit row; failures degrade to a warning so an
// audit hiccup never takes a run down.
func (e *Engine) appendStageLog(ctx context.Context, logger *slog.Logger, runID, stage string, attempt int, level, message string) {
	if err := e.store.AppendStageLog(ctx, runID, stage, attempt, level, message); err != nil && ctx.Err() == nil {
		logger.Warn("stage log append failed", logging.Error(err))
	}
}

func missingNamespace(declared []state.Namespace, delta state.Delta) state.Namespace {
	for _, ns := range declared {
		if _, ok := delta[ns]; !ok {
			return ns
		}
	}
	return ""
}

func undeclaredNamespace(declared []state.Namespace, delta state.Delta) state.Namespace {
	allowed := make(map[state.Namespace]struct{}, len(declared))
	for _, ns := range declared {
		allowed[ns] = struct{}{}
	}
	for ns := range delta {
		if _, ok := allowed[ns]; !ok {
			return ns
		}
	}
	return ""
}
