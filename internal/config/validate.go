package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable by the daemon.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateScheduler(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.DataDir == "" {
		return errors.New("paths.data_dir must be set")
	}
	if c.Paths.SocketPath == "" {
		return errors.New("paths.socket_path must be set")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if c.Workflow.WorkerCount < 1 {
		return errors.New("workflow.worker_count must be at least 1")
	}
	if c.Workflow.PollInterval < 1 {
		return errors.New("workflow.poll_interval must be at least 1 second")
	}
	if c.Workflow.StageTimeout < 1 {
		return errors.New("workflow.stage_timeout must be at least 1 second")
	}
	if c.Workflow.MaxAttempts < 1 {
		return errors.New("workflow.max_attempts must be at least 1")
	}
	if c.Workflow.RetryBaseDelayMillis < 1 {
		return errors.New("workflow.retry_base_delay_ms must be at least 1")
	}
	if c.Workflow.HeartbeatTimeout > 0 && c.Workflow.HeartbeatInterval >= c.Workflow.HeartbeatTimeout {
		return errors.New("workflow.heartbeat_interval must be shorter than workflow.heartbeat_timeout")
	}
	return nil
}

func (c *Config) validateScheduler() error {
	if c.Scheduler.TickInterval < 1 {
		return errors.New("scheduler.tick_interval must be at least 1 second")
	}
	switch c.Scheduler.CatchUpPolicy {
	case CatchUpFireOnce, CatchUpSkip:
		return nil
	default:
		return fmt.Errorf("scheduler.catch_up_policy must be %q or %q, got %q",
			CatchUpFireOnce, CatchUpSkip, c.Scheduler.CatchUpPolicy)
	}
}

func (c *Config) validateStorage() error {
	switch c.Storage.Backend {
	case BackendLocal:
		if c.Paths.ArtifactDir == "" {
			return errors.New("paths.artifact_dir must be set for local storage")
		}
		return nil
	case BackendS3:
		if c.Storage.S3.Endpoint == "" {
			return errors.New("storage.s3.endpoint must be set")
		}
		if c.Storage.S3.Bucket == "" {
			return errors.New("storage.s3.bucket must be set")
		}
		if c.Storage.S3.AccessKey == "" || c.Storage.S3.SecretKey == "" {
			return errors.New("storage.s3 requires access_key and secret_key")
		}
		return nil
	default:
		return fmt.Errorf("storage.backend must be %q or %q, got %q", BackendLocal, BackendS3, c.Storage.Backend)
	}
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "console", "json", "":
		return nil
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
}
