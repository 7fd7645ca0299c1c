// End-to-end scenarios on the memory store: full task lifecycles through
// the orchestrator facade, with scriptable fake adapters and compressed
// timing knobs.
package integration

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hikkoshi-lab/estate-crawler/internal/adapter"
	"github.com/hikkoshi-lab/estate-crawler/internal/adapter/adaptertest"
	"github.com/hikkoshi-lab/estate-crawler/internal/config"
	"github.com/hikkoshi-lab/estate-crawler/internal/control"
	"github.com/hikkoshi-lab/estate-crawler/internal/joblog"
	"github.com/hikkoshi-lab/estate-crawler/internal/listing"
	"github.com/hikkoshi-lab/estate-crawler/internal/store"
	"github.com/hikkoshi-lab/estate-crawler/internal/task"
	"github.com/hikkoshi-lab/estate-crawler/pkg/estatecrawler"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

// newOrchestrator builds a facade on the memory store with millisecond
// tunables, no HTTP listener, and the given fakes registered.
func newOrchestrator(t *testing.T, mutate func(*config.Config), fakes ...*adaptertest.Fake) *estatecrawler.Orchestrator {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Engine.PausePollInterval = 10 * time.Millisecond
	cfg.Engine.StatsInterval = 20 * time.Millisecond
	cfg.Engine.SamplerJoinTimeout = time.Second
	cfg.Server.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.Adapters.RulesDir = ""
	cfg.Listings.Driver = "memory"
	if mutate != nil {
		mutate(cfg)
	}

	opts := []estatecrawler.Option{
		estatecrawler.WithConfig(cfg),
		estatecrawler.WithLogger(testLogger),
	}
	for _, f := range fakes {
		opts = append(opts, estatecrawler.WithAdapter(f.Name(), f.Factory()))
	}
	orch, err := estatecrawler.New(opts...)
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	orch.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orch.Stop(ctx)
	})
	return orch
}

func waitDone(t *testing.T, orch *estatecrawler.Orchestrator, taskID string) *task.Task {
	t.Helper()
	select {
	case <-orch.Engine().Done(taskID):
	case <-time.After(10 * time.Second):
		t.Fatal("task did not finish")
	}
	got, err := orch.Ops().GetStatus(context.Background(), taskID)
	if err != nil {
		t.Fatalf("load task: %v", err)
	}
	return got
}

func waitStatus(t *testing.T, orch *estatecrawler.Orchestrator, taskID string, want task.Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := orch.Ops().GetStatus(context.Background(), taskID)
		if err == nil && got.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s", taskID, want)
}

func change(kind listing.ChangeKind, site, ref string, price int) listing.Change {
	return listing.Change{
		Kind:     kind,
		Ref:      listing.Ref(site, ref),
		Site:     site,
		AreaCode: "13103",
		Building: listing.BuildingInfo{Name: "パークハウス" + ref},
		Property: listing.PropertyInfo{Price: price, Layout: "2LDK", Floor: "5階"},
	}
}

func TestSerialHappyPath(t *testing.T) {
	stats := adapter.Stats{
		PropertiesFound:     5,
		PropertiesAttempted: 5,
		PropertiesProcessed: 5,
		NewListings:         2,
		PriceUpdated:        1,
		RefetchedUnchanged:  2,
		DetailFetched:       5,
	}
	suumo := adaptertest.New("suumo").ScriptArea("13103", adaptertest.Script{
		Stats: stats,
		Changes: []listing.Change{
			change(listing.ChangeNew, "suumo", "p1", 5480),
			change(listing.ChangeNew, "suumo", "p2", 7200),
			change(listing.ChangePriceUpdated, "suumo", "p3", 6100),
		},
	})
	orch := newOrchestrator(t, nil, suumo)

	tk, err := orch.Ops().StartSerial(context.Background(), control.StartRequest{
		Scrapers:      []string{"suumo"},
		Areas:         []string{"13103"},
		MaxProperties: 5,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	got := waitDone(t, orch, tk.ID)

	if got.Status != task.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	rec := got.Progress[task.PairKey("suumo", "13103")]
	if rec == nil {
		t.Fatal("progress record missing")
	}
	if !rec.IsFinal || rec.Status != task.StatusCompleted {
		t.Errorf("record = %+v, want final completed", rec)
	}
	if rec.Counters != stats {
		t.Errorf("counters = %+v, want %+v", rec.Counters, stats)
	}

	diff, err := orch.Ops().ReadLogDiff(context.Background(), tk.ID, time.Time{})
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(diff.PropertyUpdates) != 3 {
		t.Errorf("property updates = %d, want 3", len(diff.PropertyUpdates))
	}
	if len(diff.Errors) != 0 || len(diff.Warnings) != 0 {
		t.Errorf("errors = %d, warnings = %d, want none", len(diff.Errors), len(diff.Warnings))
	}
	if !strings.HasPrefix(diff.PropertyUpdates[0].Message, "新規物件登録") {
		t.Errorf("first update message = %q", diff.PropertyUpdates[0].Message)
	}
}

func TestPauseResumeFiresCompletionOnce(t *testing.T) {
	block := make(chan struct{})
	suumo := adaptertest.New("suumo").ScriptArea("13103", adaptertest.Script{
		Steps: 2,
		Block: block,
		Stats: adapter.Stats{PropertiesFound: 1, PropertiesProcessed: 1},
	})
	orch := newOrchestrator(t, nil, suumo)

	var completions atomic.Int32
	var lastStatus atomic.Value
	orch.Engine().Hooks().OnCompletion(func(taskID string, status task.Status) {
		completions.Add(1)
		lastStatus.Store(status)
	})

	ctx := context.Background()
	tk, err := orch.Ops().StartSerial(ctx, control.StartRequest{
		Scrapers:      []string{"suumo"},
		Areas:         []string{"13103"},
		MaxProperties: 5,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStatus(t, orch, tk.ID, task.StatusRunning)

	if _, err := orch.Ops().Pause(ctx, tk.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	waitStatus(t, orch, tk.ID, task.StatusPaused)

	// The worker sits at its checkpoint while paused; the task must not
	// drift to a terminal state on its own.
	time.Sleep(50 * time.Millisecond)
	mid, _ := orch.Ops().GetStatus(ctx, tk.ID)
	if mid.Status != task.StatusPaused {
		t.Fatalf("status while paused = %s", mid.Status)
	}

	if _, err := orch.Ops().Resume(ctx, tk.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	close(block)
	got := waitDone(t, orch, tk.ID)

	if got.Status != task.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if n := completions.Load(); n != 1 {
		t.Errorf("completion hook fired %d times, want 1", n)
	}
	if s := lastStatus.Load(); s != task.StatusCompleted {
		t.Errorf("hook status = %v, want completed", s)
	}
}

func TestPauseTimeoutAutoCancels(t *testing.T) {
	block := make(chan struct{})
	suumo := adaptertest.New("suumo").ScriptArea("13103", adaptertest.Script{
		Steps: 2,
		Block: block,
	})
	orch := newOrchestrator(t, func(cfg *config.Config) {
		cfg.Engine.PauseTimeout = 50 * time.Millisecond
	}, suumo)

	ctx := context.Background()
	tk, err := orch.Ops().StartSerial(ctx, control.StartRequest{
		Scrapers:      []string{"suumo"},
		Areas:         []string{"13103"},
		MaxProperties: 5,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStatus(t, orch, tk.ID, task.StatusRunning)

	if _, err := orch.Ops().Pause(ctx, tk.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	// Release the adapter so it reaches the next checkpoint, where the
	// expired pause turns into cancellation.
	close(block)
	got := waitDone(t, orch, tk.ID)

	if got.Status != task.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if got.CancelRequestedAt == nil {
		t.Error("cancel_requested_at not set")
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not set")
	}
	rec := got.Progress[task.PairKey("suumo", "13103")]
	if rec == nil || !rec.IsFinal || rec.Status != task.StatusCancelled {
		t.Errorf("record = %+v, want final cancelled", rec)
	}
}

func TestParallelPartialFailure(t *testing.T) {
	boom := errors.New("detail page layout changed")
	suumo := adaptertest.New("suumo")
	homes := adaptertest.New("homes").ScriptArea("13104", adaptertest.Script{Err: boom})
	orch := newOrchestrator(t, nil, suumo, homes)

	tk, err := orch.Ops().StartParallel(context.Background(), control.StartRequest{
		Scrapers:      []string{"suumo", "homes"},
		Areas:         []string{"13103", "13104"},
		MaxProperties: 10,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	got := waitDone(t, orch, tk.ID)

	if got.Status != task.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if len(got.Progress) != 4 {
		t.Fatalf("records = %d, want 4", len(got.Progress))
	}
	var completed, failed int
	for _, rec := range got.Progress {
		if !rec.IsFinal {
			t.Errorf("record %s_%s not final", rec.Scraper, rec.AreaCode)
		}
		switch rec.Status {
		case task.StatusCompleted:
			completed++
		case task.StatusFailed:
			failed++
		}
	}
	if completed != 3 || failed != 1 {
		t.Fatalf("completed = %d, failed = %d, want 3/1", completed, failed)
	}

	diff, err := orch.Ops().ReadLogDiff(context.Background(), tk.ID, time.Time{})
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(diff.Errors) != 1 {
		t.Fatalf("error entries = %d, want 1", len(diff.Errors))
	}
	if reason := diff.Errors[0].Details["reason"]; reason != task.CategoryExecution {
		t.Errorf("reason = %v, want %s", reason, task.CategoryExecution)
	}
}

func TestSchedulerSkipsOnScraperConflict(t *testing.T) {
	block := make(chan struct{})
	suumo := adaptertest.New("suumo").ScriptArea("13103", adaptertest.Script{Block: block})
	homes := adaptertest.New("homes")
	orch := newOrchestrator(t, nil, suumo, homes)

	ctx := context.Background()
	running, err := orch.Ops().StartSerial(ctx, control.StartRequest{
		Scrapers:      []string{"suumo"},
		Areas:         []string{"13103"},
		MaxProperties: 5,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStatus(t, orch, running.ID, task.StatusRunning)

	past := time.Now().Add(-time.Minute)
	sched, err := orch.Scheduler().Create(ctx, &task.Schedule{
		Name:            "morning sweep",
		Scrapers:        []string{"suumo", "homes"},
		Areas:           []string{"13103"},
		MaxProperties:   10,
		IsActive:        true,
		Type:            task.ScheduleInterval,
		IntervalMinutes: 60,
		NextRunAt:       &past,
	})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	orch.Scheduler().Sweep(ctx)

	hists, err := orch.Scheduler().Histories(ctx, sched.ID, 10)
	if err != nil {
		t.Fatalf("histories: %v", err)
	}
	if len(hists) != 1 {
		t.Fatalf("histories = %d, want 1", len(hists))
	}
	if hists[0].Status != task.HistorySkipped {
		t.Errorf("history status = %s, want skipped", hists[0].Status)
	}
	if !strings.Contains(hists[0].ErrorMessage, "suumo") {
		t.Errorf("skip message %q does not name suumo", hists[0].ErrorMessage)
	}
	if hists[0].TaskID != "" {
		t.Errorf("skipped history has task_id %q", hists[0].TaskID)
	}

	tasks, err := orch.Store().ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 {
		t.Errorf("tasks = %d, want only the original running task", len(tasks))
	}

	after, err := orch.Store().GetSchedule(ctx, sched.ID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if after.NextRunAt == nil || !after.NextRunAt.After(time.Now()) {
		t.Errorf("next_run_at = %v, want advanced into the future", after.NextRunAt)
	}

	close(block)
	waitDone(t, orch, running.ID)
}

func TestListTasksSweepsStalledTask(t *testing.T) {
	orch := newOrchestrator(t, nil, adaptertest.New("suumo"))
	ctx := context.Background()

	// A worker that died without a terminal write leaves exactly this
	// shape behind: status running, no progress for over the threshold.
	stale := &task.Task{
		ID:        task.NewID(),
		Kind:      task.KindSerial,
		Scrapers:  []string{"suumo"},
		Areas:     []string{"13103"},
		Options:   task.Options{MaxPropertiesPerPair: 5},
		CreatedAt: time.Now().Add(-2 * time.Hour),
	}
	if _, err := orch.Store().CreateTask(ctx, stale); err != nil {
		t.Fatalf("create: %v", err)
	}
	old := time.Now().Add(-time.Hour)
	if err := orch.Store().UpdateTaskStatus(ctx, stale.ID, task.StatusRunning,
		store.WithStartedAt(old), store.WithLastProgressAt(old)); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	tasks, err := orch.Ops().ListTasks(ctx, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var got *task.Task
	for _, tk := range tasks {
		if tk.ID == stale.ID {
			got = tk
		}
	}
	if got == nil {
		t.Fatal("stale task missing from listing")
	}
	if got.Status != task.StatusFailed {
		t.Fatalf("status after listing = %s, want failed", got.Status)
	}
	for _, rec := range got.Progress {
		if !rec.IsFinal || rec.Status != task.StatusFailed {
			t.Errorf("record %s_%s = %+v, want final failed", rec.Scraper, rec.AreaCode, rec)
		}
	}

	diff, err := orch.Ops().ReadLogDiff(ctx, stale.ID, time.Time{})
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(diff.Errors) != 1 {
		t.Fatalf("error entries = %d, want 1", len(diff.Errors))
	}
	if reason := diff.Errors[0].Details["reason"]; reason != task.CategoryStalled {
		t.Errorf("reason = %v, want %s", reason, task.CategoryStalled)
	}
	if diff.Errors[0].Message != joblog.MsgTaskStalled {
		t.Errorf("message = %q, want %q", diff.Errors[0].Message, joblog.MsgTaskStalled)
	}
}
