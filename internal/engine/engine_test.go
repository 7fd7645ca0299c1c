package engine

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
	"github.com/hikkoshi-lab/estate-crawler/internal/joblog"
	"github.com/hikkoshi-lab/estate-crawler/internal/listing"
	"github.com/hikkoshi-lab/estate-crawler/internal/store"
	"github.com/hikkoshi-lab/estate-crawler/internal/task"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

func testEngineConfig() config.EngineConfig {
	cfg := config.DefaultConfig().Engine
	cfg.PausePollInterval = 10 * time.Millisecond
	cfg.StatsInterval = 20 * time.Millisecond
	cfg.SamplerJoinTimeout = time.Second
	return cfg
}

func newTestEngine(t *testing.T, st store.Store, cfg config.EngineConfig, fakes ...*adaptertest.Fake) *Engine {
	t.Helper()
	registry := adapter.NewRegistry(testLogger)
	for _, f := range fakes {
		if err := registry.Register(f.Name(), f.Factory()); err != nil {
			t.Fatalf("register %s: %v", f.Name(), err)
		}
	}
	eng := New(st, registry, listing.NewMemorySink(testLogger), nil, nil, cfg, testLogger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		eng.Shutdown(ctx)
	})
	return eng
}

func createTask(t *testing.T, st store.Store, kind task.Kind, scrapers, areas []string) *task.Task {
	t.Helper()
	draft := &task.Task{
		ID:       task.NewID(),
		Kind:     kind,
		Scrapers: scrapers,
		Areas:    areas,
		Options:  task.Options{MaxPropertiesPerPair: 100},
	}
	created, err := st.CreateTask(context.Background(), draft)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return created
}

func waitDone(t *testing.T, eng *Engine, taskID string) {
	t.Helper()
	select {
	case <-eng.Done(taskID):
	case <-time.After(10 * time.Second):
		t.Fatal("task did not reach a terminal status in time")
	}
}

func TestSerialTaskCompletes(t *testing.T) {
	st := store.NewMemoryStore()
	stats := task.Counters{
		PropertiesFound:     5,
		PropertiesAttempted: 5,
		PropertiesProcessed: 5,
		NewListings:         2,
		DetailFetched:       5,
	}
	change := listing.Change{
		Kind:     listing.ChangeNew,
		Site:     "suumo",
		AreaCode: "13103",
		Building: listing.BuildingInfo{Name: "港レジデンス"},
		Property: listing.PropertyInfo{Price: 5480, Floor: "12F", Layout: "3LDK"},
	}
	fake := adaptertest.New("suumo").
		ScriptArea("13103", adaptertest.Script{Stats: stats, Changes: []listing.Change{change}}).
		ScriptArea("13104", adaptertest.Script{Stats: stats})

	eng := newTestEngine(t, st, testEngineConfig(), fake)
	tk := createTask(t, st, task.KindSerial, []string{"suumo"}, []string{"13103", "13104"})
	if err := eng.Submit(tk); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitDone(t, eng, tk.ID)

	got, err := st.LoadTask(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Status != task.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Error("started_at / completed_at not set")
	}
	for key, rec := range got.Progress {
		if !rec.IsFinal || rec.Status != task.StatusCompleted {
			t.Errorf("record %s: final=%v status=%s, want final completed", key, rec.IsFinal, rec.Status)
		}
		if rec.PropertiesProcessed != 5 {
			t.Errorf("record %s processed = %d, want 5", key, rec.PropertiesProcessed)
		}
	}
	if got.Totals.TotalProcessed != 10 || got.Totals.TotalNew != 4 {
		t.Errorf("totals processed/new = %d/%d, want 10/4", got.Totals.TotalProcessed, got.Totals.TotalNew)
	}

	// Areas crawled in order within the scraper.
	calls := fake.Calls()
	if len(calls) != 2 || calls[0] != "suumo_13103" || calls[1] != "suumo_13104" {
		t.Errorf("call order = %v", calls)
	}

	logs, err := st.ReadLogsSince(context.Background(), tk.ID, time.Time{})
	if err != nil {
		t.Fatalf("read logs: %v", err)
	}
	diff := joblog.GroupByKind(logs)
	if len(diff.PropertyUpdates) != 1 {
		t.Fatalf("property_update entries = %d, want 1", len(diff.PropertyUpdates))
	}
	if !strings.HasPrefix(diff.PropertyUpdates[0].Message, "新規物件登録") {
		t.Errorf("message = %q, want 新規物件登録 prefix", diff.PropertyUpdates[0].Message)
	}
}

func TestParallelPartialFailure(t *testing.T) {
	st := store.NewMemoryStore()
	boom := errors.New("listing markup changed")
	suumo := adaptertest.New("suumo")
	homes := adaptertest.New("homes").
		ScriptArea("13104", adaptertest.Script{Err: boom})

	eng := newTestEngine(t, st, testEngineConfig(), suumo, homes)
	tk := createTask(t, st, task.KindParallel, []string{"suumo", "homes"}, []string{"13103", "13104"})
	if err := eng.Submit(tk); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitDone(t, eng, tk.ID)

	got, _ := st.LoadTask(context.Background(), tk.ID)
	if got.Status != task.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if len(got.Progress) != 4 {
		t.Fatalf("progress records = %d, want 4", len(got.Progress))
	}

	failed := got.Progress["homes_13104"]
	if failed == nil || failed.Status != task.StatusFailed || !failed.IsFinal {
		t.Fatalf("homes_13104 = %+v, want final failed", failed)
	}
	if len(failed.ErrorsList) == 0 || !strings.Contains(failed.ErrorsList[0], "markup changed") {
		t.Errorf("errors_list = %v", failed.ErrorsList)
	}

	// Siblings are unaffected by one pair's failure.
	for _, key := range []string{"suumo_13103", "suumo_13104", "homes_13103"} {
		rec := got.Progress[key]
		if rec == nil || rec.Status != task.StatusCompleted || !rec.IsFinal {
			t.Errorf("record %s = %+v, want final completed", key, rec)
		}
	}

	logs, _ := st.ReadLogsSince(context.Background(), tk.ID, time.Time{})
	diff := joblog.GroupByKind(logs)
	if len(diff.Errors) == 0 {
		t.Fatal("no error log entry for the failed pair")
	}
	if reason := diff.Errors[0].Details["reason"]; reason != task.CategoryExecution {
		t.Errorf("reason = %v, want %s", reason, task.CategoryExecution)
	}
}

func TestCancelStopsRemainingPairs(t *testing.T) {
	st := store.NewMemoryStore()
	block := make(chan struct{})
	fake := adaptertest.New("suumo").
		ScriptArea("13101", adaptertest.Script{Steps: 2, Block: block})

	eng := newTestEngine(t, st, testEngineConfig(), fake)
	tk := createTask(t, st, task.KindSerial, []string{"suumo"}, []string{"13101", "13102", "13103"})
	if err := eng.Submit(tk); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// First pair is inside the adapter; flip the cancel flag, then let it
	// reach its next checkpoint.
	time.Sleep(50 * time.Millisecond)
	if err := st.SetControlFlag(context.Background(), tk.ID, store.FlagCancelled, true, time.Now()); err != nil {
		t.Fatalf("set flag: %v", err)
	}
	close(block)
	waitDone(t, eng, tk.ID)

	got, _ := st.LoadTask(context.Background(), tk.ID)
	if got.Status != task.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	for key, rec := range got.Progress {
		if !rec.IsFinal || rec.Status != task.StatusCancelled {
			t.Errorf("record %s: final=%v status=%s, want final cancelled", key, rec.IsFinal, rec.Status)
		}
	}

	// Never reached the later areas.
	if calls := fake.Calls(); len(calls) != 1 {
		t.Errorf("calls = %v, want just the first pair", calls)
	}
}

func TestPauseBlocksThenResumes(t *testing.T) {
	st := store.NewMemoryStore()
	block := make(chan struct{})
	fake := adaptertest.New("suumo").
		ScriptArea("13103", adaptertest.Script{Steps: 2, Block: block,
			Stats: task.Counters{PropertiesProcessed: 1}})

	eng := newTestEngine(t, st, testEngineConfig(), fake)
	tk := createTask(t, st, task.KindSerial, []string{"suumo"}, []string{"13103"})
	if err := eng.Submit(tk); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Pause while the adapter is mid-area; the next checkpoint parks it.
	time.Sleep(50 * time.Millisecond)
	if err := st.SetControlFlag(context.Background(), tk.ID, store.FlagPaused, true, time.Now()); err != nil {
		t.Fatalf("set flag: %v", err)
	}
	close(block)

	time.Sleep(100 * time.Millisecond)
	got, _ := st.LoadTask(context.Background(), tk.ID)
	if got.Status.IsTerminal() {
		t.Fatalf("task finished while paused: %s", got.Status)
	}

	if err := st.SetControlFlag(context.Background(), tk.ID, store.FlagPaused, false, time.Now()); err != nil {
		t.Fatalf("clear flag: %v", err)
	}
	waitDone(t, eng, tk.ID)

	got, _ = st.LoadTask(context.Background(), tk.ID)
	if got.Status != task.StatusCompleted {
		t.Fatalf("status after resume = %s, want completed", got.Status)
	}
	if got.Totals.TotalProcessed != 1 {
		t.Errorf("totals processed = %d, want 1", got.Totals.TotalProcessed)
	}
}

func TestPauseTimeoutCancels(t *testing.T) {
	st := store.NewMemoryStore()
	cfg := testEngineConfig()
	cfg.PauseTimeout = 50 * time.Millisecond

	block := make(chan struct{})
	fake := adaptertest.New("suumo").
		ScriptArea("13103", adaptertest.Script{Steps: 2, Block: block})

	eng := newTestEngine(t, st, cfg, fake)
	tk := createTask(t, st, task.KindSerial, []string{"suumo"}, []string{"13103"})
	if err := eng.Submit(tk); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Backdate the pause request past the timeout; the next checkpoint
	// must promote it to a cancel.
	time.Sleep(50 * time.Millisecond)
	if err := st.SetControlFlag(context.Background(), tk.ID, store.FlagPaused, true, time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("set flag: %v", err)
	}
	close(block)
	waitDone(t, eng, tk.ID)

	got, _ := st.LoadTask(context.Background(), tk.ID)
	if got.Status != task.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if !got.IsCancelled {
		t.Error("is_cancelled not set")
	}
}

func TestHooksFireOncePerTask(t *testing.T) {
	st := store.NewMemoryStore()
	fake := adaptertest.New("suumo").
		ScriptArea("13103", adaptertest.Script{Err: errors.New("boom")})

	eng := newTestEngine(t, st, testEngineConfig(), fake)

	var completions, errHooks atomic.Int32
	var hookStatus atomic.Value
	eng.Hooks().OnCompletion(func(taskID string, status task.Status) {
		completions.Add(1)
		hookStatus.Store(status)
	})
	eng.Hooks().OnError(func(taskID string, status task.Status, err error) {
		errHooks.Add(1)
	})
	// A panicking hook must not break the others.
	eng.Hooks().OnCompletion(func(taskID string, status task.Status) {
		panic("hook gone wrong")
	})

	tk := createTask(t, st, task.KindSerial, []string{"suumo"}, []string{"13103"})
	if err := eng.Submit(tk); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitDone(t, eng, tk.ID)

	if got := completions.Load(); got != 1 {
		t.Errorf("completion hook fired %d times, want 1", got)
	}
	if got := errHooks.Load(); got != 1 {
		t.Errorf("error hook fired %d times, want 1", got)
	}
	if s, _ := hookStatus.Load().(task.Status); s != task.StatusFailed {
		t.Errorf("hook status = %s, want failed", s)
	}
}

func TestUnknownScraperFailsAllPairs(t *testing.T) {
	st := store.NewMemoryStore()
	eng := newTestEngine(t, st, testEngineConfig()) // nothing registered

	tk := createTask(t, st, task.KindSerial, []string{"ghost"}, []string{"13103", "13104"})
	if err := eng.Submit(tk); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitDone(t, eng, tk.ID)

	got, _ := st.LoadTask(context.Background(), tk.ID)
	if got.Status != task.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	for key, rec := range got.Progress {
		if rec.Status != task.StatusFailed || !rec.IsFinal {
			t.Errorf("record %s = %+v, want final failed", key, rec)
		}
	}

	logs, _ := st.ReadLogsSince(context.Background(), tk.ID, time.Time{})
	diff := joblog.GroupByKind(logs)
	if len(diff.Errors) != 2 {
		t.Fatalf("error entries = %d, want one per pair", len(diff.Errors))
	}
	if reason := diff.Errors[0].Details["reason"]; reason != task.CategoryModuleImport {
		t.Errorf("reason = %v, want %s", reason, task.CategoryModuleImport)
	}
}

func TestStallDetectorPromotesIdleTask(t *testing.T) {
	st := store.NewMemoryStore()
	cfg := testEngineConfig()
	cfg.StallThreshold = 30 * time.Minute

	tk := createTask(t, st, task.KindSerial, []string{"suumo"}, []string{"13103"})
	old := time.Now().Add(-time.Hour)
	if err := st.UpdateTaskStatus(context.Background(), tk.ID, task.StatusRunning,
		store.WithStartedAt(old), store.WithLastProgressAt(old)); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	// A healthy running task in the same store must survive the sweep.
	healthy := createTask(t, st, task.KindSerial, []string{"suumo"}, []string{"13104"})
	now := time.Now()
	if err := st.UpdateTaskStatus(context.Background(), healthy.ID, task.StatusRunning,
		store.WithStartedAt(now), store.WithLastProgressAt(now)); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	det := NewStallDetector(st, nil, cfg, testLogger)
	promoted, err := det.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if promoted != 1 {
		t.Fatalf("promoted = %d, want 1", promoted)
	}

	got, _ := st.LoadTask(context.Background(), tk.ID)
	if got.Status != task.StatusFailed {
		t.Fatalf("stalled task status = %s, want failed", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not set")
	}
	for key, rec := range got.Progress {
		if !rec.IsFinal || rec.Status != task.StatusFailed {
			t.Errorf("record %s = %+v, want final failed", key, rec)
		}
	}

	logs, _ := st.ReadLogsSince(context.Background(), tk.ID, time.Time{})
	diff := joblog.GroupByKind(logs)
	if len(diff.Errors) != 1 {
		t.Fatalf("error entries = %d, want 1", len(diff.Errors))
	}
	if diff.Errors[0].Message != joblog.MsgTaskStalled {
		t.Errorf("message = %q, want %q", diff.Errors[0].Message, joblog.MsgTaskStalled)
	}
	if reason := diff.Errors[0].Details["reason"]; reason != task.CategoryStalled {
		t.Errorf("reason = %v, want stalled", reason)
	}

	alive, _ := st.LoadTask(context.Background(), healthy.ID)
	if alive.Status != task.StatusRunning {
		t.Errorf("healthy task status = %s, want running", alive.Status)
	}
}
