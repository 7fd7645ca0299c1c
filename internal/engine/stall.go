package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/hikkoshi-lab/estate-crawler/internal/config"
	"github.com/hikkoshi-lab/estate-crawler/internal/joblog"
	"github.com/hikkoshi-lab/estate-crawler/internal/observability"
	"github.com/hikkoshi-lab/estate-crawler/internal/store"
	"github.com/hikkoshi-lab/estate-crawler/internal/task"
)

// StallDetector promotes abandoned running tasks to failed. A task is
// stalled when neither progress nor its start moved within the
// threshold; a crashed worker leaves exactly that shape behind.
type StallDetector struct {
	store   store.Store
	metrics *observability.Metrics
	cfg     config.EngineConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewStallDetector builds a detector. metrics may be nil.
func NewStallDetector(st store.Store, metrics *observability.Metrics, cfg config.EngineConfig, logger *slog.Logger) *StallDetector {
	return &StallDetector{
		store:   st,
		metrics: metrics,
		cfg:     cfg,
		logger:  logger.With("component", "stall_detector"),
		now:     time.Now,
	}
}

// Run sweeps on a timer until ctx is cancelled. ListTasks also sweeps
// lazily, so the timer only bounds staleness between listings.
func (d *StallDetector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.StallSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Sweep(ctx); err != nil {
				d.logger.Warn("stall sweep failed", "error", err)
			}
		}
	}
}

// Sweep promotes every stalled task and returns how many it touched.
func (d *StallDetector) Sweep(ctx context.Context) (int, error) {
	running, err := d.store.ListTasks(ctx, store.TaskFilter{Statuses: []task.Status{task.StatusRunning}})
	if err != nil {
		return 0, err
	}

	now := d.now()
	promoted := 0
	for _, t := range running {
		idle := d.idleSince(t, now)
		if idle < d.cfg.StallThreshold {
			continue
		}
		if err := d.promote(ctx, t.ID, idle, now); err != nil {
			d.logger.Error("stalled task promotion failed", "task_id", t.ID, "error", err)
			continue
		}
		promoted++
	}
	return promoted, nil
}

// idleSince measures how long a task has shown no sign of life.
func (d *StallDetector) idleSince(t *task.Task, now time.Time) time.Duration {
	last := t.CreatedAt
	if t.StartedAt != nil && t.StartedAt.After(last) {
		last = *t.StartedAt
	}
	if t.LastProgressAt != nil && t.LastProgressAt.After(last) {
		last = *t.LastProgressAt
	}
	return now.Sub(last)
}

// promote marks one stalled task failed: running records become
// failed+final and an error log records the idle time.
func (d *StallDetector) promote(ctx context.Context, taskID string, idle time.Duration, now time.Time) error {
	err := d.store.WithTaskRowLock(ctx, taskID, func(tk *task.Task) error {
		if tk.Status != task.StatusRunning {
			return nil
		}
		tk.Status = task.StatusFailed
		tk.CompletedAt = &now
		for _, rec := range tk.Progress {
			if !rec.Terminal() {
				rec.Status = task.StatusFailed
				rec.IsFinal = true
				rec.CompletedAt = &now
			}
		}
		tk.RecomputeTotals(now)
		return nil
	})
	if err != nil {
		return err
	}

	d.logger.Warn("stalled task promoted to failed", "task_id", taskID, "idle", idle.Round(time.Minute))
	if d.metrics != nil {
		d.metrics.StallPromotions.Inc()
	}

	entry := &task.LogEntry{
		TaskID:    taskID,
		Kind:      task.LogError,
		Timestamp: now,
		Message:   joblog.MsgTaskStalled,
		Details: map[string]any{
			"reason":       task.CategoryStalled,
			"idle_minutes": int(idle.Minutes()),
		},
	}
	if err := d.store.AppendLog(ctx, entry); err != nil {
		d.logger.Warn("stall log append failed", "task_id", taskID, "error", err)
	}
	return nil
}
