package testsupport

import (
	"path/filepath"
	"testing"

	"dopcast/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.ArtifactDir = filepath.Join(base, "artifacts")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.SocketPath = filepath.Join(base, "dopcastd.sock")
	cfg.Paths.APIBind = "127.0.0.1:0"
	cfg.Workflow.PollInterval = 1
	cfg.Scheduler.TickInterval = 1

	for _, opt := range opts {
		opt(&cfg)
	}

	return &cfg
}

// WithWorkerCount overrides the engine worker count on the test config.
func WithWorkerCount(n int) ConfigOption {
	return func(c *config.Config) {
		c.Workflow.WorkerCount = n
	}
}

// WithCatchUpPolicy overrides the scheduler catch-up policy on the test config.
func WithCatchUpPolicy(policy string) ConfigOption {
	return func(c *config.Config) {
		c.Scheduler.CatchUpPolicy = policy
	}
}
