package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dopcast/internal/config"
	"dopcast/internal/logging"
	"dopcast/internal/plan"
	"dopcast/internal/runs"
	"dopcast/internal/services"
	"dopcast/internal/stage"
	"dopcast/internal/state"
)

// Engine coordinates run execution using registered stage handlers.
type Engine struct {
	cfg      *config.Config
	store    *runs.Store
	registry *plan.Registry
	spec     plan.Spec
	logger   *slog.Logger

	pollInterval time.Duration
	heartbeat    *heartbeatMonitor

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	lastErr error
}

// New constructs an execution engine over the given store and stage registry.
func New(cfg *config.Config, store *runs.Store, registry *plan.Registry, spec plan.Spec, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Engine{
		cfg:          cfg,
		store:        store,
		registry:     registry,
		spec:         spec,
		logger:       logging.NewComponentLogger(logger, "engine"),
		pollInterval: time.Duration(cfg.Workflow.PollInterval) * time.Second,
		heartbeat: newHeartbeatMonitor(
			store,
			logger,
			time.Duration(cfg.Workflow.HeartbeatInterval)*time.Second,
			time.Duration(cfg.Workflow.HeartbeatTimeout)*time.Second,
		),
	}
}

// Submit validates a run request against the plan and enqueues it. The plan
// is compiled against the request's initial state and every participating
// stage checks its options record, so a malformed request is rejected here
// rather than after work has started.
func (e *Engine) Submit(ctx context.Context, params runs.Params) (*runs.Run, error) {
	initial, err := initialState(params)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "", "submit", "encode request", err)
	}
	compiled, err := plan.Compile(e.registry, e.spec, initial)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "", "submit", "plan rejected", err)
	}
	for name := range params.Stages {
		if _, ok := e.registry.Get(name); !ok {
			return nil, services.Wrap(services.ErrValidation, name, "submit",
				fmt.Sprintf("options reference unknown stage %q", name), nil)
		}
	}
	for _, cs := range compiled.Stages {
		if raw, ok := params.Stages[cs.Name]; ok {
			if err := cs.Handler.ValidateOptions(raw); err != nil {
				return nil, services.Wrap(services.ErrValidation, cs.Name, "submit", "stage options rejected", err)
			}
		}
	}
	return e.store.CreateRun(ctx, params)
}

// Cancel requests cancellation of a run. Pending runs are cancelled
// immediately; running runs observe the flag at the next stage boundary or
// backoff wait.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	if err := e.store.RequestCancel(ctx, id); err != nil {
		return err
	}
	run, err := e.store.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if run.Status == runs.StatusPending {
		if err := e.store.CancelRun(ctx, id, nil); err != nil && !errors.Is(err, runs.ErrInvalidTransition) {
			return err
		}
	}
	return nil
}

// Resume re-queues a failed run. The claiming worker continues it from the
// stage after its latest checkpoint.
func (e *Engine) Resume(ctx context.Context, id string) error {
	return e.store.ResumeRun(ctx, id)
}

// Start begins background processing with the configured worker count.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("engine already running")
	}
	workers := e.cfg.Workflow.WorkerCount
	if workers < 1 {
		workers = 1
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	e.wg.Add(workers)
	e.mu.Unlock()

	for i := 0; i < workers; i++ {
		go e.runWorker(runCtx, i, i == 0)
	}
	return nil
}

// Stop terminates background processing and waits for workers to drain.
// In-flight runs keep their running status; their stale heartbeats are
// reclaimed on the next start.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	cancel := e.cancel
	e.running = false
	e.cancel = nil
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
}

// RunOnce claims and fully processes a single pending run, returning it in
// its terminal state. Returns (nil, nil) when nothing is pending.
func (e *Engine) RunOnce(ctx context.Context) (*runs.Run, error) {
	claimed, err := e.store.ClaimNextPending(ctx)
	if err != nil || claimed == nil {
		return nil, err
	}
	if err := e.processRun(ctx, e.logger, claimed); err != nil {
		return nil, err
	}
	return e.store.GetRun(ctx, claimed.ID)
}

// Running reports whether the worker pool is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// LastError returns the most recent processing error, if any.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

func (e *Engine) setLastError(err error) {
	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()
}

// StageHealth probes every registered stage that participates in the plan.
func (e *Engine) StageHealth(ctx context.Context) map[string]stage.Health {
	health := make(map[string]stage.Health, len(e.spec.Stages))
	for _, ss := range e.spec.Stages {
		handler, ok := e.registry.Get(ss.Name)
		if !ok {
			health[ss.Name] = stage.Unhealthy(ss.Name, "handler not registered")
			continue
		}
		health[ss.Name] = handler.HealthCheck(ctx)
	}
	return health
}

func (e *Engine) runWorker(ctx context.Context, id int, reclaims bool) {
	defer e.wg.Done()
	logger := e.logger.With(logging.Int("worker", id))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if reclaims {
			if err := e.heartbeat.ReclaimStale(ctx, logger); err != nil {
				logger.Warn("reclaim stale runs failed; orphaned runs may remain",
					logging.Error(err),
					logging.String(logging.FieldEventType, "heartbeat_reclaim_failed"),
				)
			}
		}

		run, err := e.store.ClaimNextPending(ctx)
		if err != nil {
			e.setLastError(err)
			logger.Error("failed to claim next run",
				logging.Error(err),
				logging.String(logging.FieldEventType, "claim_failed"),
			)
			e.waitForRunOrShutdown(ctx, time.Duration(e.cfg.Workflow.ErrorRetryInterval)*time.Second)
			continue
		}
		if run == nil {
			e.waitForRunOrShutdown(ctx, e.pollInterval)
			continue
		}

		if err := e.processRun(ctx, logger, run); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			e.setLastError(err)
			logger.Error("run processing aborted",
				logging.String(logging.FieldRunID, run.ID),
				logging.Error(err),
			)
		}
	}
}

func (e *Engine) waitForRunOrShutdown(ctx context.Context, wait time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(wait):
	}
}

func initialState(params runs.Params) (*state.State, error) {
	delta, err := state.Record(state.NamespaceRequest, params)
	if err != nil {
		return nil, err
	}
	return state.New(delta), nil
}
