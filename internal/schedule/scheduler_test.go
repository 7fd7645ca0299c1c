package schedule

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/hikkoshi-lab/estate-crawler/internal/adapter"
	"github.com/hikkoshi-lab/estate-crawler/internal/adapter/adaptertest"
	"github.com/hikkoshi-lab/estate-crawler/internal/config"
	"github.com/hikkoshi-lab/estate-crawler/internal/control"
	"github.com/hikkoshi-lab/estate-crawler/internal/engine"
	"github.com/hikkoshi-lab/estate-crawler/internal/listing"
	"github.com/hikkoshi-lab/estate-crawler/internal/store"
	"github.com/hikkoshi-lab/estate-crawler/internal/task"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

type fixture struct {
	store *store.MemoryStore
	eng   *engine.Engine
	ops   *control.Ops
	sched *Scheduler
	fake  *adaptertest.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	engCfg := config.DefaultConfig().Engine
	engCfg.PausePollInterval = 10 * time.Millisecond
	engCfg.StatsInterval = 20 * time.Millisecond
	schedCfg := config.DefaultConfig().Scheduler

	st := store.NewMemoryStore()
	fake := adaptertest.New("suumo")
	registry := adapter.NewRegistry(testLogger)
	if err := registry.Register("suumo", fake.Factory()); err != nil {
		t.Fatalf("register: %v", err)
	}
	eng := engine.New(st, registry, listing.NewMemorySink(testLogger), nil, nil, engCfg, testLogger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		eng.Shutdown(ctx)
	})
	ops := control.New(st, eng, nil, nil, engCfg, testLogger)
	sched, err := New(st, ops, eng.Hooks(), nil, schedCfg, testLogger)
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	return &fixture{store: st, eng: eng, ops: ops, sched: sched, fake: fake}
}

func dueSchedule(name string) *task.Schedule {
	past := time.Now().Add(-time.Minute)
	return &task.Schedule{
		ID:              task.NewScheduleID(),
		Name:            name,
		Scrapers:        []string{"suumo"},
		Areas:           []string{"13103"},
		MaxProperties:   10,
		IsActive:        true,
		Type:            task.ScheduleInterval,
		IntervalMinutes: 60,
		NextRunAt:       &past,
	}
}

func TestNextRunInterval(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	s := &task.Schedule{Type: task.ScheduleInterval, IntervalMinutes: 45}
	if got := f.sched.NextRun(s, now); !got.Equal(now.Add(45 * time.Minute)) {
		t.Errorf("next = %v, want %v", got, now.Add(45*time.Minute))
	}
}

func TestNextRunDaily(t *testing.T) {
	f := newFixture(t)
	loc, _ := time.LoadLocation("Asia/Tokyo")
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, loc)

	// Today's slot already passed: roll to tomorrow.
	early := &task.Schedule{Type: task.ScheduleDaily, DailyHour: 3, DailyMinute: 0}
	if got := f.sched.NextRun(early, now); !got.Equal(time.Date(2026, 8, 26, 3, 0, 0, 0, loc)) {
		t.Errorf("next = %v, want tomorrow 03:00 JST", got)
	}

	// Still ahead today.
	late := &task.Schedule{Type: task.ScheduleDaily, DailyHour: 23, DailyMinute: 30}
	if got := f.sched.NextRun(late, now); !got.Equal(time.Date(2026, 8, 25, 23, 30, 0, 0, loc)) {
		t.Errorf("next = %v, want today 23:30 JST", got)
	}
}

func TestSweepFiresDueSchedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.sched.Create(ctx, dueSchedule("nightly suumo"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	f.sched.Sweep(ctx)

	tasks, err := f.store.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("tasks after sweep = %d, want 1", len(tasks))
	}
	tk := tasks[0]
	if tk.Kind != task.KindParallel {
		t.Errorf("scheduled task kind = %s, want parallel", tk.Kind)
	}

	// The history row keeps the task reference, so a restarted process
	// can still match them without the proximity fallback.
	histories, err := f.sched.Histories(ctx, created.ID, 10)
	if err != nil {
		t.Fatalf("histories: %v", err)
	}
	if len(histories) != 1 {
		t.Fatalf("histories = %d, want 1", len(histories))
	}
	if histories[0].TaskID != tk.ID {
		t.Errorf("fired history task_id = %q, want %q", histories[0].TaskID, tk.ID)
	}

	after, err := f.store.GetSchedule(ctx, created.ID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if after.LastTaskID != tk.ID {
		t.Errorf("last_task_id = %q, want %q", after.LastTaskID, tk.ID)
	}
	if after.LastRunAt == nil {
		t.Error("last_run_at not set")
	}
	if after.NextRunAt == nil || !after.NextRunAt.After(time.Now()) {
		t.Errorf("next_run_at = %v, want in the future", after.NextRunAt)
	}

	// The completion hook closes the history once the task finishes.
	select {
	case <-f.eng.Done(tk.ID):
	case <-time.After(10 * time.Second):
		t.Fatal("scheduled task did not finish")
	}
	waitHistoryStatus(t, f, created.ID, task.HistoryCompleted)

	// A due time in the future means no second fire.
	f.sched.Sweep(ctx)
	tasks, _ = f.store.ListTasks(ctx, store.TaskFilter{})
	if len(tasks) != 1 {
		t.Errorf("tasks after second sweep = %d, want still 1", len(tasks))
	}
}

func TestSweepSkipsOnScraperConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Hold a task open on the same scraper.
	block := make(chan struct{})
	defer close(block)
	f.fake.ScriptArea("13104", adaptertest.Script{Block: block})
	running, err := f.ops.StartParallel(ctx, control.StartRequest{
		Scrapers: []string{"suumo"}, Areas: []string{"13104"}, MaxProperties: 10,
	})
	if err != nil {
		t.Fatalf("start blocking task: %v", err)
	}

	created, err := f.sched.Create(ctx, dueSchedule("conflicting"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	f.sched.Sweep(ctx)

	histories, err := f.sched.Histories(ctx, created.ID, 10)
	if err != nil {
		t.Fatalf("histories: %v", err)
	}
	if len(histories) != 1 {
		t.Fatalf("histories = %d, want 1", len(histories))
	}
	h := histories[0]
	if h.Status != task.HistorySkipped {
		t.Fatalf("history status = %s, want skipped", h.Status)
	}
	if !strings.Contains(h.ErrorMessage, "suumo") {
		t.Errorf("skip message %q does not name the conflicting scraper", h.ErrorMessage)
	}
	if h.TaskID != "" {
		t.Errorf("skipped history has task_id %q", h.TaskID)
	}

	// No task beyond the blocking one.
	tasks, _ := f.store.ListTasks(ctx, store.TaskFilter{})
	if len(tasks) != 1 || tasks[0].ID != running.ID {
		t.Errorf("unexpected tasks after skipped fire: %d", len(tasks))
	}

	// The schedule still advanced past its due time.
	after, _ := f.store.GetSchedule(ctx, created.ID)
	if after.NextRunAt == nil || !after.NextRunAt.After(time.Now()) {
		t.Errorf("next_run_at = %v, want in the future", after.NextRunAt)
	}
}

func TestSweepSkipsWhenPausedTaskHoldsScraper(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A paused task resumes into its scrapers, so it holds them just
	// like a running one.
	draft := &task.Task{
		ID:       task.NewID(),
		Kind:     task.KindParallel,
		Scrapers: []string{"suumo"},
		Areas:    []string{"13104"},
		Options:  task.Options{MaxPropertiesPerPair: 10},
	}
	if _, err := f.store.CreateTask(ctx, draft); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := f.store.UpdateTaskStatus(ctx, draft.ID, task.StatusPaused); err != nil {
		t.Fatalf("mark paused: %v", err)
	}

	created, err := f.sched.Create(ctx, dueSchedule("paused conflict"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	f.sched.Sweep(ctx)

	histories, err := f.sched.Histories(ctx, created.ID, 10)
	if err != nil {
		t.Fatalf("histories: %v", err)
	}
	if len(histories) != 1 || histories[0].Status != task.HistorySkipped {
		t.Fatalf("histories = %+v, want one skipped", histories)
	}
	tasks, _ := f.store.ListTasks(ctx, store.TaskFilter{})
	if len(tasks) != 1 {
		t.Errorf("tasks after sweep = %d, want only the paused one", len(tasks))
	}
}

func TestReconcileClosesFinishedHistories(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sched, err := f.sched.Create(ctx, dueSchedule("orphaned"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// A task that finished while the previous process was down.
	draft := &task.Task{
		ID:       task.NewID(),
		Kind:     task.KindParallel,
		Scrapers: []string{"suumo"},
		Areas:    []string{"13103"},
		Options:  task.Options{MaxPropertiesPerPair: 10},
	}
	if _, err := f.store.CreateTask(ctx, draft); err != nil {
		t.Fatalf("create task: %v", err)
	}
	now := time.Now()
	if err := f.store.UpdateTaskStatus(ctx, draft.ID, task.StatusFailed,
		store.WithStartedAt(now.Add(-10*time.Minute)), store.WithCompletedAt(now)); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	matched := &task.ScheduleHistory{
		ID:         task.NewHistoryID(),
		ScheduleID: sched.ID,
		TaskID:     draft.ID,
		StartedAt:  now.Add(-10 * time.Minute),
		Status:     task.HistoryRunning,
	}
	orphan := &task.ScheduleHistory{
		ID:         task.NewHistoryID(),
		ScheduleID: sched.ID,
		TaskID:     "task_gone_forever",
		StartedAt:  now.Add(-2 * time.Hour),
		Status:     task.HistoryRunning,
	}
	for _, h := range []*task.ScheduleHistory{matched, orphan} {
		if err := f.store.OpenHistory(ctx, h); err != nil {
			t.Fatalf("open history: %v", err)
		}
	}

	if err := f.sched.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	histories, _ := f.sched.Histories(ctx, sched.ID, 10)
	byID := make(map[string]*task.ScheduleHistory, len(histories))
	for _, h := range histories {
		byID[h.ID] = h
	}

	if got := byID[matched.ID]; got == nil || got.Status != task.HistoryError {
		t.Errorf("matched history = %+v, want error", got)
	} else if got.ErrorMessage == "" {
		t.Error("failed task reconciled without an error message")
	}
	// No matching task: left running for the operator to see.
	if got := byID[orphan.ID]; got == nil || got.Status != task.HistoryRunning {
		t.Errorf("orphan history = %+v, want still running", got)
	}
}

func TestReconcileMatchesByProximity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sched, err := f.sched.Create(ctx, dueSchedule("proximity"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	draft := &task.Task{
		ID:       task.NewID(),
		Kind:     task.KindParallel,
		Scrapers: []string{"suumo"},
		Areas:    []string{"13103"},
		Options:  task.Options{MaxPropertiesPerPair: 10},
	}
	if _, err := f.store.CreateTask(ctx, draft); err != nil {
		t.Fatalf("create task: %v", err)
	}
	started := time.Now().Add(-5 * time.Minute)
	if err := f.store.UpdateTaskStatus(ctx, draft.ID, task.StatusCompleted,
		store.WithStartedAt(started), store.WithCompletedAt(time.Now())); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	// History without a task reference, opened seconds before the task
	// started.
	h := &task.ScheduleHistory{
		ID:         task.NewHistoryID(),
		ScheduleID: sched.ID,
		StartedAt:  started.Add(-5 * time.Second),
		Status:     task.HistoryRunning,
	}
	if err := f.store.OpenHistory(ctx, h); err != nil {
		t.Fatalf("open history: %v", err)
	}

	if err := f.sched.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	histories, _ := f.sched.Histories(ctx, sched.ID, 10)
	if len(histories) != 1 || histories[0].Status != task.HistoryCompleted {
		t.Fatalf("history = %+v, want completed", histories[0])
	}
}

func waitHistoryStatus(t *testing.T, f *fixture, scheduleID string, want task.HistoryStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		histories, err := f.sched.Histories(context.Background(), scheduleID, 10)
		if err == nil && len(histories) > 0 && histories[0].Status == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("history of schedule %s never reached %s", scheduleID, want)
}
