// Package task defines the domain model of the orchestrator: tasks,
// per-pair progress records, log entries, schedules and their histories.
package task

import (
	"time"
)

// Kind selects the worker topology of a task.
type Kind string

const (
	KindSerial   Kind = "serial"
	KindParallel Kind = "parallel"
)

// Status is the observable lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status permits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether the status counts as in-flight for listings
// and scheduler conflict checks.
func (s Status) Active() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPaused:
		return true
	}
	return false
}

// Options are the per-task knobs handed through to site adapters.
type Options struct {
	MaxPropertiesPerPair int  `json:"max_properties_per_pair"`
	ForceDetailFetch     bool `json:"force_detail_fetch"`
	DetailRefetchHours   *int `json:"detail_refetch_hours,omitempty"`
	IgnoreErrorHistory   bool `json:"ignore_error_history"`
}

// Totals are the task-level counters rolled up from all progress records.
type Totals struct {
	TotalProcessed      int   `json:"total_processed"`
	TotalNew            int   `json:"total_new"`
	TotalUpdated        int   `json:"total_updated"`
	TotalErrors         int   `json:"total_errors"`
	PropertiesFound     int   `json:"properties_found"`
	DetailFetched       int   `json:"detail_fetched"`
	DetailSkipped       int   `json:"detail_skipped"`
	PriceMissing        int   `json:"price_missing"`
	BuildingInfoMissing int   `json:"building_info_missing"`
	ElapsedSeconds      int64 `json:"elapsed_seconds"`
}

// Task is one scraping run across a set of (scraper × area) pairs.
//
// Status is the observable summary; IsPaused and IsCancelled are the
// source of truth consulted by workers at every checkpoint. A worker
// that sees IsCancelled must terminate regardless of Status.
type Task struct {
	ID       string   `json:"task_id"`
	Kind     Kind     `json:"kind"`
	Scrapers []string `json:"scrapers"`
	Areas    []string `json:"areas"`
	Options  Options  `json:"options"`

	Status      Status `json:"status"`
	IsPaused    bool   `json:"is_paused"`
	IsCancelled bool   `json:"is_cancelled"`

	PauseRequestedAt  *time.Time `json:"pause_requested_at,omitempty"`
	CancelRequestedAt *time.Time `json:"cancel_requested_at,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	LastProgressAt    *time.Time `json:"last_progress_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`

	// Progress maps pair keys ("{scraper}_{area_code}") to their records.
	Progress map[string]*ProgressRecord `json:"progress_detail"`

	Totals Totals `json:"totals"`
}

// IsTerminal reports whether the task reached a terminal status.
func (t *Task) IsTerminal() bool { return t.Status.IsTerminal() }

// PairCount is the number of (scraper × area) pairs the task covers.
func (t *Task) PairCount() int { return len(t.Scrapers) * len(t.Areas) }

// Clone returns a deep copy. Stores hand out clones so callers can never
// mutate a row outside the row lock.
func (t *Task) Clone() *Task {
	c := *t
	c.Scrapers = append([]string(nil), t.Scrapers...)
	c.Areas = append([]string(nil), t.Areas...)
	c.PauseRequestedAt = cloneTime(t.PauseRequestedAt)
	c.CancelRequestedAt = cloneTime(t.CancelRequestedAt)
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.LastProgressAt = cloneTime(t.LastProgressAt)
	if t.Options.DetailRefetchHours != nil {
		h := *t.Options.DetailRefetchHours
		c.Options.DetailRefetchHours = &h
	}
	c.Progress = make(map[string]*ProgressRecord, len(t.Progress))
	for k, rec := range t.Progress {
		c.Progress[k] = rec.Clone()
	}
	return &c
}

// RecomputeTotals rebuilds the rollup counters from all progress records.
// Callers must hold the task row lock. ElapsedSeconds is measured against
// now, or against CompletedAt once the task is terminal.
func (t *Task) RecomputeTotals(now time.Time) {
	var tot Totals
	for _, rec := range t.Progress {
		tot.TotalProcessed += rec.PropertiesProcessed
		tot.TotalNew += rec.NewListings
		tot.TotalUpdated += rec.PriceUpdated + rec.OtherUpdates
		tot.TotalErrors += rec.Errors
		tot.PropertiesFound += rec.PropertiesFound
		tot.DetailFetched += rec.DetailFetched
		tot.DetailSkipped += rec.DetailSkipped
		tot.PriceMissing += rec.PriceMissing
		tot.BuildingInfoMissing += rec.BuildingInfoMissing
	}
	if t.StartedAt != nil {
		end := now
		if t.IsTerminal() && t.CompletedAt != nil {
			end = *t.CompletedAt
		}
		if d := end.Sub(*t.StartedAt); d > 0 {
			tot.ElapsedSeconds = int64(d.Seconds())
		}
	}
	t.Totals = tot
}

// FinalStatus derives the terminal task status from its pair outcomes:
// completed iff all pairs completed, cancelled iff at least one pair
// cancelled and none failed, failed otherwise.
func FinalStatus(records map[string]*ProgressRecord) Status {
	anyFailed, anyCancelled := false, false
	for _, rec := range records {
		switch rec.Status {
		case StatusFailed:
			anyFailed = true
		case StatusCancelled:
			anyCancelled = true
		case StatusCompleted:
		default:
			// Non-terminal record: the run did not finish cleanly.
			anyFailed = true
		}
	}
	switch {
	case anyFailed:
		return StatusFailed
	case anyCancelled:
		return StatusCancelled
	default:
		return StatusCompleted
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
