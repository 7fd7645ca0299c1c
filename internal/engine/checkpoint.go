package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/hikkoshi-lab/estate-crawler/internal/config"
	"github.com/hikkoshi-lab/estate-crawler/internal/observability"
	"github.com/hikkoshi-lab/estate-crawler/internal/store"
	"github.com/hikkoshi-lab/estate-crawler/internal/task"
)

// controller implements adapter.Controller for one worker. Every
// checkpoint reloads the task's control flags: a set cancel flag aborts,
// a set pause flag blocks in one-second polls until cleared, and a pause
// older than PauseTimeout promotes the task to cancelled.
type controller struct {
	ctx     context.Context
	store   store.Store
	taskID  string
	cfg     config.EngineConfig
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time

	// onResume runs once after a pause clears, before control returns to
	// the adapter. The engine uses it to rebuild HTTP sessions.
	onResume func()
}

func (c *controller) CheckpointOrAbort() error {
	paused := false
	for {
		flags, err := c.store.GetControlFlags(c.ctx, c.taskID)
		if err != nil {
			// A transient flag read failure must not kill the pair.
			c.logger.Warn("checkpoint flag read failed", "task_id", c.taskID, "error", err)
			return nil
		}

		if flags.IsCancelled {
			return task.ErrCancelled
		}

		if !flags.IsPaused {
			if paused && c.onResume != nil {
				c.onResume()
			}
			return nil
		}

		if flags.PauseRequestedAt != nil && c.now().Sub(*flags.PauseRequestedAt) > c.cfg.PauseTimeout {
			c.logger.Warn("pause exceeded timeout, cancelling task",
				"task_id", c.taskID,
				"paused_for", c.now().Sub(*flags.PauseRequestedAt).Round(time.Second))
			if c.metrics != nil {
				c.metrics.PauseTimeouts.Inc()
			}
			if err := c.store.SetControlFlag(c.ctx, c.taskID, store.FlagCancelled, true, c.now()); err != nil {
				c.logger.Error("pause-timeout cancel flag write failed", "task_id", c.taskID, "error", err)
			}
			return task.ErrCancelled
		}

		paused = true
		select {
		case <-c.ctx.Done():
			return task.ErrCancelled
		case <-time.After(c.cfg.PausePollInterval):
		}
	}
}
