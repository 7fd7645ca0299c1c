// Package control is the operation surface of the orchestrator: start,
// inspect, pause, resume, cancel and delete tasks, read log diffs and
// force a stall cleanup. The API server is a thin JSON shim over this
// package.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hikkoshi-lab/estate-crawler/internal/area"
	"github.com/hikkoshi-lab/estate-crawler/internal/config"
	"github.com/hikkoshi-lab/estate-crawler/internal/engine"
	"github.com/hikkoshi-lab/estate-crawler/internal/joblog"
	"github.com/hikkoshi-lab/estate-crawler/internal/observability"
	"github.com/hikkoshi-lab/estate-crawler/internal/store"
	"github.com/hikkoshi-lab/estate-crawler/internal/task"
)

// StartRequest describes a task to launch. Areas accepts ward codes or
// Japanese ward names; both normalise to codes.
type StartRequest struct {
	Scrapers      []string     `json:"scrapers"`
	Areas         []string     `json:"areas"`
	MaxProperties int          `json:"max_properties"`
	Options       task.Options `json:"options"`
}

// Ops executes control operations against the store and engine.
type Ops struct {
	store   store.Store
	engine  *engine.Engine
	stall   *engine.StallDetector
	metrics *observability.Metrics
	cfg     config.EngineConfig
	logger  *slog.Logger
	now     func() time.Time
}

// New builds the control surface. metrics may be nil.
func New(st store.Store, eng *engine.Engine, stall *engine.StallDetector, metrics *observability.Metrics, cfg config.EngineConfig, logger *slog.Logger) *Ops {
	return &Ops{
		store:   st,
		engine:  eng,
		stall:   stall,
		metrics: metrics,
		cfg:     cfg,
		logger:  logger.With("component", "control"),
		now:     time.Now,
	}
}

// StartSerial launches a task whose pairs run one after another.
func (o *Ops) StartSerial(ctx context.Context, req StartRequest) (*task.Task, error) {
	return o.start(ctx, task.KindSerial, req)
}

// StartParallel launches a task with one concurrent worker per scraper.
func (o *Ops) StartParallel(ctx context.Context, req StartRequest) (*task.Task, error) {
	return o.start(ctx, task.KindParallel, req)
}

func (o *Ops) start(ctx context.Context, kind task.Kind, req StartRequest) (*task.Task, error) {
	o.countOp("start_" + string(kind))

	if len(req.Scrapers) == 0 {
		return nil, fmt.Errorf("%w: scrapers must not be empty", task.ErrInvalidArgument)
	}
	if len(req.Areas) == 0 {
		return nil, fmt.Errorf("%w: areas must not be empty", task.ErrInvalidArgument)
	}
	if req.MaxProperties <= 0 {
		return nil, fmt.Errorf("%w: max_properties must be positive, got %d", task.ErrInvalidArgument, req.MaxProperties)
	}

	codes, invalid := area.Normalize(req.Areas)
	if len(invalid) > 0 {
		return nil, fmt.Errorf("%w: unknown areas %v", task.ErrInvalidArgument, invalid)
	}

	opts := req.Options
	opts.MaxPropertiesPerPair = req.MaxProperties

	draft := &task.Task{
		ID:        task.NewID(),
		Kind:      kind,
		Scrapers:  req.Scrapers,
		Areas:     codes,
		Options:   opts,
		CreatedAt: o.now(),
	}
	created, err := o.store.CreateTask(ctx, draft)
	if err != nil {
		return nil, err
	}
	if err := o.engine.Submit(created); err != nil {
		return nil, err
	}

	o.logger.Info("task submitted",
		"task_id", created.ID,
		"kind", string(kind),
		"scrapers", created.Scrapers,
		"areas", created.Areas)
	return created, nil
}

// GetStatus returns the full task snapshot.
func (o *Ops) GetStatus(ctx context.Context, taskID string) (*task.Task, error) {
	return o.store.LoadTask(ctx, taskID)
}

// ListTasks returns the most recent tasks, newest first, capped at the
// configured limit. Every listing first runs a lazy stall sweep so a
// crashed worker can never present as running forever.
func (o *Ops) ListTasks(ctx context.Context, activeOnly bool) ([]*task.Task, error) {
	if o.stall != nil {
		if _, err := o.stall.Sweep(ctx); err != nil {
			o.logger.Warn("lazy stall sweep failed", "error", err)
		}
	}
	return o.store.ListTasks(ctx, store.TaskFilter{
		ActiveOnly: activeOnly,
		Limit:      o.cfg.MaxTasksListed,
	})
}

// Pause requests a pause on a running task. Workers park at their next
// checkpoint; in-flight fetches finish first.
func (o *Ops) Pause(ctx context.Context, taskID string) (*task.Task, error) {
	o.countOp("pause")
	t, err := o.store.LoadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusRunning {
		return nil, fmt.Errorf("%w: cannot pause a %s task", task.ErrInvalidState, t.Status)
	}
	now := o.now()
	if err := o.store.SetControlFlag(ctx, taskID, store.FlagPaused, true, now); err != nil {
		return nil, err
	}
	if err := o.store.UpdateTaskStatus(ctx, taskID, task.StatusPaused); err != nil {
		return nil, err
	}
	o.logger.Info("task paused", "task_id", taskID)
	return o.store.LoadTask(ctx, taskID)
}

// Resume clears the pause on a paused task.
func (o *Ops) Resume(ctx context.Context, taskID string) (*task.Task, error) {
	o.countOp("resume")
	t, err := o.store.LoadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusPaused {
		return nil, fmt.Errorf("%w: cannot resume a %s task", task.ErrInvalidState, t.Status)
	}
	if err := o.store.SetControlFlag(ctx, taskID, store.FlagPaused, false, o.now()); err != nil {
		return nil, err
	}
	if err := o.store.UpdateTaskStatus(ctx, taskID, task.StatusRunning); err != nil {
		return nil, err
	}
	o.logger.Info("task resumed", "task_id", taskID)
	return o.store.LoadTask(ctx, taskID)
}

// Cancel terminates a pending, running or paused task. The status flips
// immediately and every non-terminal pair record is frozen cancelled;
// workers observe the flag at their next checkpoint and unwind.
func (o *Ops) Cancel(ctx context.Context, taskID string) (*task.Task, error) {
	o.countOp("cancel")
	now := o.now()
	err := o.store.WithTaskRowLock(ctx, taskID, func(tk *task.Task) error {
		if !tk.Status.Active() {
			return fmt.Errorf("%w: cannot cancel a %s task", task.ErrInvalidState, tk.Status)
		}
		tk.Status = task.StatusCancelled
		tk.IsCancelled = true
		tk.IsPaused = false
		tk.CancelRequestedAt = &now
		tk.CompletedAt = &now
		for _, rec := range tk.Progress {
			if !rec.Terminal() {
				rec.Status = task.StatusCancelled
				rec.IsFinal = true
				rec.CompletedAt = &now
			}
		}
		tk.RecomputeTotals(now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.logger.Info("task cancelled", "task_id", taskID)
	return o.store.LoadTask(ctx, taskID)
}

// Delete removes a terminal task and its logs.
func (o *Ops) Delete(ctx context.Context, taskID string) error {
	o.countOp("delete")
	return o.store.DeleteTask(ctx, taskID)
}

// ReadLogDiff returns the task's log entries newer than since, grouped
// by kind. Pollers pass the timestamp of the last entry they saw.
func (o *Ops) ReadLogDiff(ctx context.Context, taskID string, since time.Time) (*joblog.Diff, error) {
	if _, err := o.store.LoadTask(ctx, taskID); err != nil {
		return nil, err
	}
	entries, err := o.store.ReadLogsSince(ctx, taskID, since)
	if err != nil {
		return nil, err
	}
	return joblog.GroupByKind(entries), nil
}

// ForceCleanup runs the stall policy immediately and returns how many
// tasks it promoted to failed.
func (o *Ops) ForceCleanup(ctx context.Context) (int, error) {
	o.countOp("force_cleanup")
	if o.stall == nil {
		return 0, nil
	}
	return o.stall.Sweep(ctx)
}

func (o *Ops) countOp(op string) {
	if o.metrics != nil {
		o.metrics.ControlRequests.WithLabelValues(op).Inc()
	}
}
