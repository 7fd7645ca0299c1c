package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hikkoshi-lab/estate-crawler/internal/area"
	"github.com/hikkoshi-lab/estate-crawler/internal/progress"
	"github.com/hikkoshi-lab/estate-crawler/internal/task"
)

// taskRow pairs a task with its own mutex so read-modify-writes on one
// task never block the others. Logs live on the row so deletes cascade.
type taskRow struct {
	mu   sync.Mutex
	task *task.Task
	logs []*task.LogEntry
}

// MemoryStore is the in-process Store. It backs tests and single-node
// deployments that can live without durability.
type MemoryStore struct {
	mu        sync.RWMutex
	tasks     map[string]*taskRow
	schedules map[string]*task.Schedule
	histories map[string]*task.ScheduleHistory
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:     make(map[string]*taskRow),
		schedules: make(map[string]*task.Schedule),
		histories: make(map[string]*task.ScheduleHistory),
	}
}

func (m *MemoryStore) getRow(taskID string) (*taskRow, error) {
	m.mu.RLock()
	row, ok := m.tasks[taskID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, task.ErrNotFound)
	}
	return row, nil
}

// CreateTask validates the draft, seeds one pending progress record per
// (scraper × area) pair and stores the row.
func (m *MemoryStore) CreateTask(ctx context.Context, draft *task.Task) (*task.Task, error) {
	if err := validateDraft(draft); err != nil {
		return nil, err
	}
	t := draft.Clone()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.Status == "" {
		t.Status = task.StatusPending
	}
	seedProgress(t)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[t.ID]; exists {
		return nil, fmt.Errorf("task %s already exists: %w", t.ID, task.ErrConflict)
	}
	m.tasks[t.ID] = &taskRow{task: t}
	return t.Clone(), nil
}

func (m *MemoryStore) LoadTask(ctx context.Context, taskID string) (*task.Task, error) {
	row, err := m.getRow(taskID)
	if err != nil {
		return nil, err
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	return row.task.Clone(), nil
}

func (m *MemoryStore) UpdateTaskStatus(ctx context.Context, taskID string, status task.Status, opts ...UpdateOption) error {
	row, err := m.getRow(taskID)
	if err != nil {
		return err
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	if row.task.Status.IsTerminal() && status != row.task.Status {
		return fmt.Errorf("task %s is already %s: %w", taskID, row.task.Status, task.ErrInvalidState)
	}
	applyStatus(row.task, status)
	for _, opt := range opts {
		opt(row.task)
	}
	return nil
}

// applyStatus writes the status and keeps the control booleans coherent
// with it: entering running always clears a pause request.
func applyStatus(t *task.Task, status task.Status) {
	t.Status = status
	switch status {
	case task.StatusRunning:
		t.IsPaused = false
		t.PauseRequestedAt = nil
	case task.StatusPaused:
		t.IsPaused = true
	case task.StatusCancelled:
		t.IsCancelled = true
	}
}

func (m *MemoryStore) SetControlFlag(ctx context.Context, taskID string, flag ControlFlag, value bool, at time.Time) error {
	row, err := m.getRow(taskID)
	if err != nil {
		return err
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	switch flag {
	case FlagPaused:
		row.task.IsPaused = value
		if value {
			row.task.PauseRequestedAt = &at
		} else {
			row.task.PauseRequestedAt = nil
		}
	case FlagCancelled:
		row.task.IsCancelled = value
		if value {
			row.task.CancelRequestedAt = &at
		}
	default:
		return fmt.Errorf("unknown control flag %q: %w", flag, task.ErrInvalidArgument)
	}
	return nil
}

func (m *MemoryStore) GetControlFlags(ctx context.Context, taskID string) (Flags, error) {
	row, err := m.getRow(taskID)
	if err != nil {
		return Flags{}, err
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	f := Flags{
		IsPaused:    row.task.IsPaused,
		IsCancelled: row.task.IsCancelled,
	}
	if row.task.PauseRequestedAt != nil {
		at := *row.task.PauseRequestedAt
		f.PauseRequestedAt = &at
	}
	return f, nil
}

func (m *MemoryStore) MergeProgress(ctx context.Context, taskID, pairKey string, patch task.ProgressPatch) (*task.ProgressRecord, error) {
	row, err := m.getRow(taskID)
	if err != nil {
		return nil, err
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	existing, ok := row.task.Progress[pairKey]
	if !ok {
		return nil, fmt.Errorf("task %s has no progress key %q: %w", taskID, pairKey, task.ErrInvalidArgument)
	}
	merged, applied := progress.Apply(existing, patch)
	if !applied {
		return merged.Clone(), nil
	}
	row.task.Progress[pairKey] = merged
	now := time.Now()
	row.task.LastProgressAt = &now
	row.task.RecomputeTotals(now)
	return merged.Clone(), nil
}

func (m *MemoryStore) WithTaskRowLock(ctx context.Context, taskID string, fn func(*task.Task) error) error {
	row, err := m.getRow(taskID)
	if err != nil {
		return err
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	work := row.task.Clone()
	if err := fn(work); err != nil {
		return err
	}
	row.task = work
	return nil
}

func (m *MemoryStore) AppendLog(ctx context.Context, entry *task.LogEntry) error {
	if entry == nil || entry.TaskID == "" {
		return fmt.Errorf("log entry requires a task id: %w", task.ErrInvalidArgument)
	}
	row, err := m.getRow(entry.TaskID)
	if err != nil {
		return err
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	e := entry.Clone()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	row.logs = append(row.logs, e)
	return nil
}

func (m *MemoryStore) ReadLogsSince(ctx context.Context, taskID string, since time.Time) ([]*task.LogEntry, error) {
	row, err := m.getRow(taskID)
	if err != nil {
		return nil, err
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	var out []*task.LogEntry
	for _, e := range row.logs {
		if e.Timestamp.After(since) {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*task.Task, error) {
	m.mu.RLock()
	rows := make([]*taskRow, 0, len(m.tasks))
	for _, row := range m.tasks {
		rows = append(rows, row)
	}
	m.mu.RUnlock()

	out := make([]*task.Task, 0, len(rows))
	for _, row := range rows {
		row.mu.Lock()
		t := row.task.Clone()
		row.mu.Unlock()
		if matchesFilter(t, filter) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matchesFilter(t *task.Task, f TaskFilter) bool {
	if f.ActiveOnly && !t.Status.Active() {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if t.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.CreatedAfter != nil && !t.CreatedAt.After(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && !t.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	return true
}

func (m *MemoryStore) DeleteTask(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, task.ErrNotFound)
	}
	row.mu.Lock()
	status := row.task.Status
	row.mu.Unlock()
	if !status.IsTerminal() {
		return fmt.Errorf("task %s is %s, only terminal tasks can be deleted: %w", taskID, status, task.ErrInvalidState)
	}
	delete(m.tasks, taskID)
	return nil
}

func (m *MemoryStore) CreateSchedule(ctx context.Context, s *task.Schedule) (*task.Schedule, error) {
	if err := validateSchedule(s); err != nil {
		return nil, err
	}
	c := s.Clone()
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.schedules[c.ID]; exists {
		return nil, fmt.Errorf("schedule %s already exists: %w", c.ID, task.ErrConflict)
	}
	m.schedules[c.ID] = c
	return c.Clone(), nil
}

func (m *MemoryStore) GetSchedule(ctx context.Context, id string) (*task.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, fmt.Errorf("schedule %s: %w", id, task.ErrNotFound)
	}
	return s.Clone(), nil
}

func (m *MemoryStore) UpdateSchedule(ctx context.Context, s *task.Schedule) error {
	if err := validateSchedule(s); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; !ok {
		return fmt.Errorf("schedule %s: %w", s.ID, task.ErrNotFound)
	}
	c := s.Clone()
	c.UpdatedAt = time.Now()
	m.schedules[s.ID] = c
	return nil
}

func (m *MemoryStore) DeleteSchedule(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return fmt.Errorf("schedule %s: %w", id, task.ErrNotFound)
	}
	delete(m.schedules, id)
	for hid, h := range m.histories {
		if h.ScheduleID == id {
			delete(m.histories, hid)
		}
	}
	return nil
}

func (m *MemoryStore) ListSchedules(ctx context.Context, activeOnly bool) ([]*task.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*task.Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		if activeOnly && !s.IsActive {
			continue
		}
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) ListDueSchedules(ctx context.Context, now time.Time) ([]*task.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*task.Schedule
	for _, s := range m.schedules {
		if s.Due(now) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NextRunAt.Before(*out[j].NextRunAt)
	})
	return out, nil
}

func (m *MemoryStore) OpenHistory(ctx context.Context, h *task.ScheduleHistory) error {
	if h == nil || h.ID == "" || h.ScheduleID == "" {
		return fmt.Errorf("history requires id and schedule id: %w", task.ErrInvalidArgument)
	}
	c := h.Clone()
	if c.Status == "" {
		c.Status = task.HistoryRunning
	}
	if c.StartedAt.IsZero() {
		c.StartedAt = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[c.ScheduleID]; !ok {
		return fmt.Errorf("schedule %s: %w", c.ScheduleID, task.ErrNotFound)
	}
	if _, exists := m.histories[c.ID]; exists {
		return fmt.Errorf("history %s already exists: %w", c.ID, task.ErrConflict)
	}
	m.histories[c.ID] = c
	return nil
}

func (m *MemoryStore) SetHistoryTask(ctx context.Context, historyID, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.histories[historyID]
	if !ok {
		return fmt.Errorf("history %s: %w", historyID, task.ErrNotFound)
	}
	h.TaskID = taskID
	return nil
}

// CloseHistory is a compare-and-set on status=running. Reconciliation and
// the trigger path may both try to close the same history; whoever loses
// the race becomes a no-op.
func (m *MemoryStore) CloseHistory(ctx context.Context, historyID string, status task.HistoryStatus, completedAt time.Time, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.histories[historyID]
	if !ok {
		return fmt.Errorf("history %s: %w", historyID, task.ErrNotFound)
	}
	if h.Status != task.HistoryRunning {
		return nil
	}
	h.Status = status
	h.CompletedAt = &completedAt
	h.ErrorMessage = errorMessage
	return nil
}

func (m *MemoryStore) ListHistories(ctx context.Context, scheduleID string, limit int) ([]*task.ScheduleHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*task.ScheduleHistory
	for _, h := range m.histories {
		if scheduleID != "" && h.ScheduleID != scheduleID {
			continue
		}
		out = append(out, h.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListRunningHistories(ctx context.Context) ([]*task.ScheduleHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*task.ScheduleHistory
	for _, h := range m.histories {
		if h.Status == task.HistoryRunning {
			out = append(out, h.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func validateDraft(draft *task.Task) error {
	if draft == nil || draft.ID == "" {
		return fmt.Errorf("task id required: %w", task.ErrInvalidArgument)
	}
	switch draft.Kind {
	case task.KindSerial, task.KindParallel:
	default:
		return fmt.Errorf("unknown task kind %q: %w", draft.Kind, task.ErrInvalidArgument)
	}
	if len(draft.Scrapers) == 0 {
		return fmt.Errorf("scrapers must not be empty: %w", task.ErrInvalidArgument)
	}
	if len(draft.Areas) == 0 {
		return fmt.Errorf("areas must not be empty: %w", task.ErrInvalidArgument)
	}
	for _, code := range draft.Areas {
		if !area.IsValid(code) {
			return fmt.Errorf("unknown area code %q: %w", code, task.ErrInvalidArgument)
		}
	}
	if draft.Options.MaxPropertiesPerPair <= 0 {
		return fmt.Errorf("max properties must be positive, got %d: %w",
			draft.Options.MaxPropertiesPerPair, task.ErrInvalidArgument)
	}
	return nil
}

func validateSchedule(s *task.Schedule) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("schedule id required: %w", task.ErrInvalidArgument)
	}
	if s.Name == "" {
		return fmt.Errorf("schedule name required: %w", task.ErrInvalidArgument)
	}
	if len(s.Scrapers) == 0 {
		return fmt.Errorf("scrapers must not be empty: %w", task.ErrInvalidArgument)
	}
	if len(s.Areas) == 0 {
		return fmt.Errorf("areas must not be empty: %w", task.ErrInvalidArgument)
	}
	for _, code := range s.Areas {
		if !area.IsValid(code) {
			return fmt.Errorf("unknown area code %q: %w", code, task.ErrInvalidArgument)
		}
	}
	if s.MaxProperties <= 0 {
		return fmt.Errorf("max properties must be positive, got %d: %w", s.MaxProperties, task.ErrInvalidArgument)
	}
	switch s.Type {
	case task.ScheduleInterval:
		if s.IntervalMinutes <= 0 {
			return fmt.Errorf("interval minutes must be positive, got %d: %w", s.IntervalMinutes, task.ErrInvalidArgument)
		}
	case task.ScheduleDaily:
		if s.DailyHour < 0 || s.DailyHour > 23 {
			return fmt.Errorf("daily hour %d out of range: %w", s.DailyHour, task.ErrInvalidArgument)
		}
		if s.DailyMinute < 0 || s.DailyMinute > 59 {
			return fmt.Errorf("daily minute %d out of range: %w", s.DailyMinute, task.ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("unknown schedule type %q: %w", s.Type, task.ErrInvalidArgument)
	}
	return nil
}

// seedProgress creates the pending record for every pair of the task.
func seedProgress(t *task.Task) {
	t.Progress = make(map[string]*task.ProgressRecord, t.PairCount())
	for _, scraper := range t.Scrapers {
		for _, code := range t.Areas {
			t.Progress[task.PairKey(scraper, code)] = &task.ProgressRecord{
				Scraper:  scraper,
				AreaCode: code,
				AreaName: area.Name(code),
				Status:   task.StatusPending,
			}
		}
	}
}
