// Package daemonrun wires the daemon process together: logger, store,
// service clients, stage registry, engine, scheduler, and the IPC surface.
package daemonrun

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"dopcast/internal/config"
	"dopcast/internal/daemon"
	"dopcast/internal/engine"
	"dopcast/internal/ipc"
	"dopcast/internal/logging"
	"dopcast/internal/plan"
	"dopcast/internal/runs"
	"dopcast/internal/scheduler"
	"dopcast/internal/services/elevenlabs"
	"dopcast/internal/services/llm"
	"dopcast/internal/stage"
	"dopcast/internal/stages/planning"
	"dopcast/internal/stages/production"
	"dopcast/internal/stages/research"
	"dopcast/internal/stages/script"
	"dopcast/internal/stages/voice"
	"dopcast/internal/state"
	"dopcast/internal/status"
	"dopcast/internal/storage"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel string
}

// Run starts the dopcast daemon runtime loop and blocks until a termination
// signal arrives.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bootID := time.Now().UTC().Format("20060102T150405Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("dopcast-%s.log", bootID))
	level := opts.LogLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout", logPath},
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update dopcast.log link: %v\n", err)
	}

	pidPath := filepath.Join(cfg.Paths.LogDir, "dopcast.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := runs.Open(cfg)
	if err != nil {
		logger.Error("open run store", logging.Error(err))
		return err
	}
	defer store.Close()

	registry, spec, err := BuildPipeline(cfg)
	if err != nil {
		logger.Error("build pipeline", logging.Error(err))
		return err
	}

	eng := engine.New(cfg, store, registry, spec, logger)
	sched := scheduler.New(cfg, store, eng, logger)
	tracker := status.NewTracker(store, eng, logger)

	d, err := daemon.New(cfg, store, eng, sched, tracker, logger)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	ipcServer, err := ipc.NewServer(signalCtx, cfg.Paths.SocketPath, d, logger)
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	if err := d.Start(signalCtx); err != nil {
		logger.Warn("daemon start failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "daemon_start_failed"))
	}

	<-signalCtx.Done()
	logger.Info("dopcast daemon shutting down")
	return nil
}

// BuildPipeline constructs the stage registry and the ordered pipeline
// specification. The voice stage is pruned for text-only runs; production
// then renders a transcript artifact instead of an episode file.
func BuildPipeline(cfg *config.Config) (*plan.Registry, plan.Spec, error) {
	completer := llm.NewClient(llm.FromConfig(cfg.LLM))
	synthesizer := elevenlabs.NewClient(elevenlabs.FromConfig(cfg.ElevenLabs))
	artifacts, err := storage.New(cfg)
	if err != nil {
		return nil, plan.Spec{}, err
	}

	registry := plan.NewRegistry()
	for _, handler := range []stage.Handler{
		research.New(completer),
		planning.New(completer),
		script.New(completer),
		voice.New(synthesizer, artifacts),
		production.New(artifacts),
	} {
		if err := registry.Register(handler); err != nil {
			return nil, plan.Spec{}, err
		}
	}

	spec := plan.Spec{
		Stages: []plan.StageSpec{
			{Name: "research"},
			{Name: "planning"},
			{Name: "script"},
			{Name: "voice", When: func(st *state.State) bool { return !textOnly(st) }},
			{Name: "production"},
		},
		Terminal: []state.Namespace{state.NamespaceProduction},
	}
	return registry, spec, nil
}

func textOnly(st *state.State) bool {
	var req struct {
		TextOnly bool `json:"text_only"`
	}
	if err := st.Decode(state.NamespaceRequest, &req); err != nil {
		return false
	}
	return req.TextOnly
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "dopcast.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
