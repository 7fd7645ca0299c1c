package engine

import (
	"log/slog"
	"sync"

	"github.com/hikkoshi-lab/estate-crawler/internal/task"
)

// CompletionHook observes a task reaching a terminal status.
type CompletionHook func(taskID string, status task.Status)

// ErrorHook observes a task finishing failed.
type ErrorHook func(taskID string, status task.Status, err error)

// Hooks is the at-least-once notification registry fired after a task's
// terminal commit. Hook panics are recovered and logged; a slow or
// broken hook never blocks the engine's next task.
type Hooks struct {
	mu           sync.RWMutex
	onCompletion []CompletionHook
	onError      []ErrorHook
	logger       *slog.Logger
}

// NewHooks creates an empty registry.
func NewHooks(logger *slog.Logger) *Hooks {
	return &Hooks{logger: logger.With("component", "hooks")}
}

// OnCompletion registers a hook fired for every terminal task.
func (h *Hooks) OnCompletion(fn CompletionHook) {
	h.mu.Lock()
	h.onCompletion = append(h.onCompletion, fn)
	h.mu.Unlock()
}

// OnError registers a hook fired additionally when a task fails.
func (h *Hooks) OnError(fn ErrorHook) {
	h.mu.Lock()
	h.onError = append(h.onError, fn)
	h.mu.Unlock()
}

// Fire runs every registered hook for a terminal task. err is the
// representative failure, nil unless status is failed.
func (h *Hooks) Fire(taskID string, status task.Status, err error) {
	h.mu.RLock()
	completion := append([]CompletionHook(nil), h.onCompletion...)
	errHooks := append([]ErrorHook(nil), h.onError...)
	h.mu.RUnlock()

	for _, fn := range completion {
		h.safeCompletion(fn, taskID, status)
	}
	if status == task.StatusFailed {
		for _, fn := range errHooks {
			h.safeError(fn, taskID, status, err)
		}
	}
}

func (h *Hooks) safeCompletion(fn CompletionHook, taskID string, status task.Status) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("completion hook panicked", "task_id", taskID, "panic", r)
		}
	}()
	fn(taskID, status)
}

func (h *Hooks) safeError(fn ErrorHook, taskID string, status task.Status, err error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("error hook panicked", "task_id", taskID, "panic", r)
		}
	}()
	fn(taskID, status, err)
}
