package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"dopcast/internal/logging"
	"dopcast/internal/runs"
)

// heartbeatMonitor keeps liveness timestamps fresh for in-flight runs and
// reclaims runs orphaned by a crashed or restarted daemon.
type heartbeatMonitor struct {
	store    *runs.Store
	logger   *slog.Logger
	interval time.Duration
	timeout  time.Duration
}

func newHeartbeatMonitor(store *runs.Store, logger *slog.Logger, interval, timeout time.Duration) *heartbeatMonitor {
	if logger == nil {
		logger = logging.NewNop()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &heartbeatMonitor{
		store:    store,
		logger:   logging.NewComponentLogger(logger, "heartbeat"),
		interval: interval,
		timeout:  timeout,
	}
}

// StartLoop refreshes the heartbeat for runID until ctx is cancelled.
func (m *heartbeatMonitor) StartLoop(ctx context.Context, wg *sync.WaitGroup, runID string) {
	defer wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.store.UpdateHeartbeat(ctx, runID); err != nil && ctx.Err() == nil {
				m.logger.Warn("heartbeat update failed",
					logging.String(logging.FieldRunID, runID),
					logging.Error(err),
				)
			}
		}
	}
}

// ReclaimStale fails running runs whose heartbeat is older than the timeout.
// Their checkpoints stay intact so an operator can resume them.
func (m *heartbeatMonitor) ReclaimStale(ctx context.Context, logger *slog.Logger) error {
	cutoff := time.Now().Add(-m.timeout)
	reclaimed, err := m.store.ReclaimStale(ctx, cutoff)
	if err != nil {
		return err
	}
	if reclaimed > 0 && logger != nil {
		logger.Info("reclaimed orphaned runs",
			logging.Int64("count", reclaimed),
			logging.String(logging.FieldEventType, "heartbeat_reclaim"),
		)
	}
	return nil
}
