// Package store persists tasks, progress, logs, schedules and their
// histories. Two backends share one contract: a mutex-guarded in-memory
// store and a Postgres store using per-row locks.
package store

import (
	"context"
	"time"

	"github.com/hikkoshi-lab/estate-crawler/internal/task"
)

// ControlFlag names one of the two worker-visible flags on a task row.
type ControlFlag string

const (
	FlagPaused    ControlFlag = "paused"
	FlagCancelled ControlFlag = "cancelled"
)

// Flags is the checkpoint view of a task's control state.
type Flags struct {
	IsPaused         bool
	IsCancelled      bool
	PauseRequestedAt *time.Time
}

// TaskFilter narrows ListTasks. A zero filter lists everything, newest
// first. Limit 0 means no cap.
type TaskFilter struct {
	ActiveOnly    bool
	Statuses      []task.Status
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
}

// UpdateOption adjusts timestamps alongside a status transition.
type UpdateOption func(*task.Task)

// WithStartedAt sets started_at with the transition.
func WithStartedAt(t time.Time) UpdateOption {
	return func(tk *task.Task) { tk.StartedAt = &t }
}

// WithCompletedAt sets completed_at with the transition.
func WithCompletedAt(t time.Time) UpdateOption {
	return func(tk *task.Task) { tk.CompletedAt = &t }
}

// WithLastProgressAt sets last_progress_at with the transition.
func WithLastProgressAt(t time.Time) UpdateOption {
	return func(tk *task.Task) { tk.LastProgressAt = &t }
}

// Store is the persistence contract of the control plane.
//
// All multi-field updates to a single task are atomic, and every
// read-modify-write on progress_detail runs under the task's row lock.
// Log appends are append-only. Implementations return task.ErrNotFound,
// task.ErrInvalidState, task.ErrInvalidArgument and task.ErrConflict for
// their respective failure modes.
type Store interface {
	// CreateTask validates the draft (non-empty scrapers, recognised
	// area codes, positive max properties), initialises one pending
	// ProgressRecord per pair and persists the row. The caller supplies
	// the task id; a duplicate id fails with task.ErrConflict.
	CreateTask(ctx context.Context, draft *task.Task) (*task.Task, error)

	LoadTask(ctx context.Context, taskID string) (*task.Task, error)

	// UpdateTaskStatus writes status plus any timestamp options in one
	// atomic update, keeping the paused/cancelled booleans consistent
	// with the new status. A task already in a terminal status refuses
	// any further transition with task.ErrInvalidState.
	UpdateTaskStatus(ctx context.Context, taskID string, status task.Status, opts ...UpdateOption) error

	// SetControlFlag flips is_paused / is_cancelled and stamps the
	// matching requested-at timestamp when value is true.
	SetControlFlag(ctx context.Context, taskID string, flag ControlFlag, value bool, at time.Time) error

	// GetControlFlags is the cheap read used on every worker checkpoint.
	GetControlFlags(ctx context.Context, taskID string) (Flags, error)

	// MergeProgress applies a patch to one pair record under the row
	// lock, refreshes last_progress_at and the task's rollup counters,
	// and returns the merged record. A patch dropped by the finalisation
	// barrier returns the frozen record and no error.
	MergeProgress(ctx context.Context, taskID, pairKey string, patch task.ProgressPatch) (*task.ProgressRecord, error)

	// WithTaskRowLock runs fn holding the task's exclusive row lock. The
	// task passed to fn is mutable; when fn returns nil the whole row is
	// written back atomically.
	WithTaskRowLock(ctx context.Context, taskID string, fn func(*task.Task) error) error

	AppendLog(ctx context.Context, entry *task.LogEntry) error

	// ReadLogsSince returns entries with timestamp strictly after since,
	// in timestamp order.
	ReadLogsSince(ctx context.Context, taskID string, since time.Time) ([]*task.LogEntry, error)

	ListTasks(ctx context.Context, filter TaskFilter) ([]*task.Task, error)

	// DeleteTask removes a terminal task and cascades its logs.
	// task.ErrInvalidState for active tasks.
	DeleteTask(ctx context.Context, taskID string) error

	// Schedules.
	CreateSchedule(ctx context.Context, s *task.Schedule) (*task.Schedule, error)
	GetSchedule(ctx context.Context, id string) (*task.Schedule, error)
	UpdateSchedule(ctx context.Context, s *task.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
	ListSchedules(ctx context.Context, activeOnly bool) ([]*task.Schedule, error)
	ListDueSchedules(ctx context.Context, now time.Time) ([]*task.Schedule, error)

	// Schedule histories.
	OpenHistory(ctx context.Context, h *task.ScheduleHistory) error

	// SetHistoryTask records the task a fired history launched. Written
	// as soon as the task exists so reconciliation can match by task_id
	// across restarts.
	SetHistoryTask(ctx context.Context, historyID, taskID string) error

	// CloseHistory promotes a running history to a terminal status. It
	// is a compare-and-set: a history that is no longer running is left
	// untouched and no error is returned.
	CloseHistory(ctx context.Context, historyID string, status task.HistoryStatus, completedAt time.Time, errorMessage string) error

	ListHistories(ctx context.Context, scheduleID string, limit int) ([]*task.ScheduleHistory, error)
	ListRunningHistories(ctx context.Context) ([]*task.ScheduleHistory, error)

	Ping(ctx context.Context) error
	Close() error
}
