package task

import (
	"time"
)

// ScheduleType selects how a schedule's next run time is computed.
type ScheduleType string

const (
	ScheduleInterval ScheduleType = "interval"
	ScheduleDaily    ScheduleType = "daily"
)

// Schedule is a recurring-run template the scheduler materialises into
// concrete tasks.
type Schedule struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	Scrapers      []string `json:"scrapers"`
	Areas         []string `json:"areas"`
	MaxProperties int      `json:"max_properties"`
	IsActive      bool     `json:"is_active"`

	Type            ScheduleType `json:"schedule_type"`
	IntervalMinutes int          `json:"interval_minutes,omitempty"`
	DailyHour       int          `json:"daily_hour,omitempty"`
	DailyMinute     int          `json:"daily_minute,omitempty"`

	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	LastTaskID string     `json:"last_task_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	CreatedBy string    `json:"created_by,omitempty"`
}

// Due reports whether the schedule is eligible for triggering at now.
func (s *Schedule) Due(now time.Time) bool {
	return s.IsActive && s.NextRunAt != nil && !s.NextRunAt.After(now)
}

// Clone returns a deep copy of the schedule.
func (s *Schedule) Clone() *Schedule {
	c := *s
	c.Scrapers = append([]string(nil), s.Scrapers...)
	c.Areas = append([]string(nil), s.Areas...)
	c.LastRunAt = cloneTime(s.LastRunAt)
	c.NextRunAt = cloneTime(s.NextRunAt)
	return &c
}

// HistoryStatus is the outcome of one materialisation attempt.
type HistoryStatus string

const (
	HistoryRunning   HistoryStatus = "running"
	HistoryCompleted HistoryStatus = "completed"
	HistoryCancelled HistoryStatus = "cancelled"
	HistoryError     HistoryStatus = "error"
	HistorySkipped   HistoryStatus = "skipped"
)

// ScheduleHistory records one trigger of a schedule. TaskID stays empty
// when no task was created (skipped or validation error); the reference
// is soft, so deleting the task never breaks the history.
type ScheduleHistory struct {
	ID           string        `json:"id"`
	ScheduleID   string        `json:"schedule_id"`
	TaskID       string        `json:"task_id,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	Status       HistoryStatus `json:"status"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

// Clone returns a copy of the history row.
func (h *ScheduleHistory) Clone() *ScheduleHistory {
	c := *h
	c.CompletedAt = cloneTime(h.CompletedAt)
	return &c
}

// HistoryStatusFor maps a terminal task status to the history status the
// scheduler records for it. Non-terminal statuses map to HistoryRunning.
func HistoryStatusFor(s Status) HistoryStatus {
	switch s {
	case StatusCompleted:
		return HistoryCompleted
	case StatusFailed:
		return HistoryError
	case StatusCancelled:
		return HistoryCancelled
	default:
		return HistoryRunning
	}
}
