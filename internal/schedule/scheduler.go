// Package schedule turns recurring schedules into concrete scraping
// tasks: a ticker sweep fires due schedules, a conflict check keeps one
// run per scraper at a time, and a history row records every attempt.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hikkoshi-lab/estate-crawler/internal/area"
	"github.com/hikkoshi-lab/estate-crawler/internal/config"
	"github.com/hikkoshi-lab/estate-crawler/internal/control"
	"github.com/hikkoshi-lab/estate-crawler/internal/engine"
	"github.com/hikkoshi-lab/estate-crawler/internal/joblog"
	"github.com/hikkoshi-lab/estate-crawler/internal/observability"
	"github.com/hikkoshi-lab/estate-crawler/internal/store"
	"github.com/hikkoshi-lab/estate-crawler/internal/task"
)

// Scheduler sweeps the schedule table and materialises due schedules
// into parallel tasks.
type Scheduler struct {
	store   store.Store
	ops     *control.Ops
	metrics *observability.Metrics
	cfg     config.SchedulerConfig
	loc     *time.Location
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	inFlight  map[string]bool   // schedule id → trigger in progress
	histories map[string]string // task id → open history id
}

// New builds a Scheduler and registers its completion hook on the
// engine, so schedule histories close when their tasks finish.
func New(st store.Store, ops *control.Ops, hooks *engine.Hooks, metrics *observability.Metrics, cfg config.SchedulerConfig, logger *slog.Logger) (*Scheduler, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler timezone %q: %w", cfg.Timezone, err)
	}
	s := &Scheduler{
		store:     st,
		ops:       ops,
		metrics:   metrics,
		cfg:       cfg,
		loc:       loc,
		logger:    logger.With("component", "scheduler"),
		now:       time.Now,
		inFlight:  make(map[string]bool),
		histories: make(map[string]string),
	}
	hooks.OnCompletion(s.onTaskFinished)
	return s, nil
}

// Run reconciles leftover histories, then sweeps until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	if err := s.Reconcile(ctx); err != nil {
		s.logger.Warn("startup reconciliation failed", "error", err)
	}

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep triggers every due schedule once.
func (s *Scheduler) Sweep(ctx context.Context) {
	due, err := s.store.ListDueSchedules(ctx, s.now())
	if err != nil {
		s.logger.Warn("due schedule listing failed", "error", err)
		return
	}
	for _, sched := range due {
		s.trigger(ctx, sched.ID)
	}
}

// trigger fires one schedule: open a history, check for scraper
// conflicts, validate areas, launch the task and advance next_run_at.
// At most one trigger per schedule runs at a time.
func (s *Scheduler) trigger(ctx context.Context, scheduleID string) {
	s.mu.Lock()
	if s.inFlight[scheduleID] {
		s.mu.Unlock()
		return
	}
	s.inFlight[scheduleID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, scheduleID)
		s.mu.Unlock()
	}()

	// Re-read: the schedule may have been edited or disabled since the
	// sweep listed it.
	sched, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		s.logger.Warn("schedule re-read failed", "schedule_id", scheduleID, "error", err)
		return
	}
	now := s.now()
	if !sched.Due(now) {
		return
	}
	log := s.logger.With("schedule_id", sched.ID, "schedule", sched.Name)

	hist := &task.ScheduleHistory{
		ID:         task.NewHistoryID(),
		ScheduleID: sched.ID,
		StartedAt:  now,
		Status:     task.HistoryRunning,
	}
	if err := s.store.OpenHistory(ctx, hist); err != nil {
		log.Error("history open failed", "error", err)
		return
	}

	if conflicting := s.conflictingScrapers(ctx, sched.Scrapers); len(conflicting) > 0 {
		msg := fmt.Sprintf("スクレイパーが実行中のためスキップしました: %s", strings.Join(conflicting, ", "))
		s.closeHistory(ctx, hist.ID, task.HistorySkipped, msg, log)
		if s.metrics != nil {
			s.metrics.SchedulerSkips.Inc()
		}
		log.Info("schedule skipped", "conflicting", conflicting)
		s.advance(ctx, sched, now, "")
		return
	}

	if _, invalid := area.Normalize(sched.Areas); len(invalid) > 0 {
		msg := fmt.Sprintf("不正なエリア指定: %s", strings.Join(invalid, ", "))
		s.closeHistory(ctx, hist.ID, task.HistoryError, msg, log)
		log.Warn("schedule has invalid areas", "invalid", invalid)
		s.advance(ctx, sched, now, "")
		return
	}

	created, err := s.ops.StartParallel(ctx, control.StartRequest{
		Scrapers:      sched.Scrapers,
		Areas:         sched.Areas,
		MaxProperties: sched.MaxProperties,
	})
	if err != nil {
		s.closeHistory(ctx, hist.ID, task.HistoryError, err.Error(), log)
		log.Error("scheduled task launch failed", "error", err)
		s.advance(ctx, sched, now, "")
		return
	}

	if err := s.store.SetHistoryTask(ctx, hist.ID, created.ID); err != nil {
		log.Warn("history task link failed", "history_id", hist.ID, "task_id", created.ID, "error", err)
	}

	s.mu.Lock()
	s.histories[created.ID] = hist.ID
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SchedulerFires.Inc()
	}
	log.Info("schedule fired", "task_id", created.ID)
	s.advance(ctx, sched, now, created.ID)
}

// advance computes next_run_at; a fired schedule (non-empty taskID)
// also records last_run_at and last_task_id.
func (s *Scheduler) advance(ctx context.Context, sched *task.Schedule, ranAt time.Time, taskID string) {
	if taskID != "" {
		sched.LastRunAt = &ranAt
		sched.LastTaskID = taskID
	}
	next := s.NextRun(sched, ranAt)
	sched.NextRunAt = &next
	sched.UpdatedAt = ranAt
	if err := s.store.UpdateSchedule(ctx, sched); err != nil {
		s.logger.Error("schedule advance failed", "schedule_id", sched.ID, "error", err)
	}
}

// NextRun computes the next fire time after now: interval schedules add
// their minutes, daily schedules take today's HH:MM in the configured
// location, rolled to tomorrow when already past.
func (s *Scheduler) NextRun(sched *task.Schedule, now time.Time) time.Time {
	switch sched.Type {
	case task.ScheduleDaily:
		local := now.In(s.loc)
		next := time.Date(local.Year(), local.Month(), local.Day(), sched.DailyHour, sched.DailyMinute, 0, 0, s.loc)
		if !next.After(local) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	default:
		return now.Add(time.Duration(sched.IntervalMinutes) * time.Minute)
	}
}

// conflictingScrapers names the schedule's scrapers that already belong
// to a pending, running or paused task.
func (s *Scheduler) conflictingScrapers(ctx context.Context, scrapers []string) []string {
	active, err := s.store.ListTasks(ctx, store.TaskFilter{ActiveOnly: true})
	if err != nil {
		s.logger.Warn("active task listing failed", "error", err)
		return nil
	}
	busy := make(map[string]bool)
	for _, t := range active {
		for _, sc := range t.Scrapers {
			busy[sc] = true
		}
	}
	var out []string
	for _, sc := range scrapers {
		if busy[sc] {
			out = append(out, sc)
		}
	}
	return out
}

// onTaskFinished is the engine completion hook: it closes the history of
// a scheduled task when the task reaches a terminal status.
func (s *Scheduler) onTaskFinished(taskID string, status task.Status) {
	s.mu.Lock()
	histID, ok := s.histories[taskID]
	if ok {
		delete(s.histories, taskID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	msg := ""
	if status == task.StatusFailed {
		msg = joblog.MsgTaskFailed
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.closeHistory(ctx, histID, task.HistoryStatusFor(status), msg, s.logger)
}

// Reconcile matches leftover running histories to their tasks, by task
// id or by start-time proximity, and closes those whose task finished.
// Run at startup and before every schedule listing; a process crash
// between task completion and history close leaves exactly this debris.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	open, err := s.store.ListRunningHistories(ctx)
	if err != nil {
		return err
	}
	if len(open) == 0 {
		return nil
	}

	tasks, err := s.store.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		return err
	}

	for _, hist := range open {
		matched := s.matchTask(hist, tasks)
		if matched == nil {
			s.logger.Warn("running history has no matching task",
				"history_id", hist.ID, "schedule_id", hist.ScheduleID, "task_id", hist.TaskID)
			continue
		}
		if !matched.Status.IsTerminal() {
			continue
		}
		msg := ""
		if matched.Status == task.StatusFailed {
			msg = joblog.MsgTaskFailed
		}
		s.closeHistory(ctx, hist.ID, task.HistoryStatusFor(matched.Status), msg, s.logger)
		s.logger.Info("history reconciled",
			"history_id", hist.ID, "task_id", matched.ID, "status", string(matched.Status))
	}
	return nil
}

// matchTask finds the task a history belongs to: by task_id when
// recorded, otherwise by start-time proximity within a minute.
func (s *Scheduler) matchTask(hist *task.ScheduleHistory, tasks []*task.Task) *task.Task {
	for _, t := range tasks {
		if hist.TaskID != "" && t.ID == hist.TaskID {
			return t
		}
	}
	if hist.TaskID != "" {
		return nil
	}
	for _, t := range tasks {
		if t.StartedAt == nil {
			continue
		}
		if d := t.StartedAt.Sub(hist.StartedAt); d > -time.Minute && d < time.Minute {
			return t
		}
	}
	return nil
}

// Schedules returns all (or active) schedules, reconciling first so
// listings never show a stale running history.
func (s *Scheduler) Schedules(ctx context.Context, activeOnly bool) ([]*task.Schedule, error) {
	if err := s.Reconcile(ctx); err != nil {
		s.logger.Warn("reconciliation before listing failed", "error", err)
	}
	return s.store.ListSchedules(ctx, activeOnly)
}

// Create persists a new schedule with its first next_run_at computed.
func (s *Scheduler) Create(ctx context.Context, sched *task.Schedule) (*task.Schedule, error) {
	if sched.ID == "" {
		sched.ID = task.NewScheduleID()
	}
	now := s.now()
	sched.CreatedAt = now
	sched.UpdatedAt = now
	if sched.NextRunAt == nil {
		next := s.NextRun(sched, now)
		sched.NextRunAt = &next
	}
	return s.store.CreateSchedule(ctx, sched)
}

// Histories lists the most recent trigger records of one schedule.
func (s *Scheduler) Histories(ctx context.Context, scheduleID string, limit int) ([]*task.ScheduleHistory, error) {
	return s.store.ListHistories(ctx, scheduleID, limit)
}

func (s *Scheduler) closeHistory(ctx context.Context, historyID string, status task.HistoryStatus, msg string, log *slog.Logger) {
	if err := s.store.CloseHistory(ctx, historyID, status, s.now(), msg); err != nil {
		log.Error("history close failed", "history_id", historyID, "error", err)
	}
}
