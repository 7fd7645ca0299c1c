// Package engine executes scraping tasks: serial or parallel worker
// topologies over (scraper × area) pairs, the checkpoint protocol that
// makes tasks pausable and cancellable, per-pair progress finalisation,
// stall detection and completion hooks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hikkoshi-lab/estate-crawler/internal/adapter"
	"github.com/hikkoshi-lab/estate-crawler/internal/config"
	"github.com/hikkoshi-lab/estate-crawler/internal/fetch"
	"github.com/hikkoshi-lab/estate-crawler/internal/joblog"
	"github.com/hikkoshi-lab/estate-crawler/internal/listing"
	"github.com/hikkoshi-lab/estate-crawler/internal/observability"
	"github.com/hikkoshi-lab/estate-crawler/internal/progress"
	"github.com/hikkoshi-lab/estate-crawler/internal/store"
	"github.com/hikkoshi-lab/estate-crawler/internal/task"
)

// Engine runs submitted tasks to a terminal status. One supervisor
// goroutine per task; inside a parallel task, one worker per scraper
// with areas crawled serially.
type Engine struct {
	store    store.Store
	registry *adapter.Registry
	sink     listing.Sink
	sessions *fetch.Manager
	metrics  *observability.Metrics
	hooks    *Hooks
	cfg      config.EngineConfig
	logger   *slog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	done map[string]chan struct{}
}

// New builds an Engine. sessions and metrics may be nil; the fake
// adapters used in tests need neither.
func New(st store.Store, registry *adapter.Registry, sink listing.Sink, sessions *fetch.Manager, metrics *observability.Metrics, cfg config.EngineConfig, logger *slog.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:    st,
		registry: registry,
		sink:     sink,
		sessions: sessions,
		metrics:  metrics,
		hooks:    NewHooks(logger),
		cfg:      cfg,
		logger:   logger.With("component", "engine"),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(map[string]chan struct{}),
	}
}

// Hooks exposes the completion hook registry.
func (e *Engine) Hooks() *Hooks { return e.hooks }

// Submit hands a created task to a supervisor goroutine and returns
// immediately. The task must already be persisted as pending.
func (e *Engine) Submit(t *task.Task) error {
	e.mu.Lock()
	if _, dup := e.done[t.ID]; dup {
		e.mu.Unlock()
		return fmt.Errorf("%w: task %s already submitted", task.ErrConflict, t.ID)
	}
	ch := make(chan struct{})
	e.done[t.ID] = ch
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(ch)
		e.supervise(t.Clone())
	}()
	return nil
}

// Done returns a channel closed when the task's supervisor exits. An
// unknown id yields an already-closed channel.
func (e *Engine) Done(taskID string) <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.done[taskID]; ok {
		return ch
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// Shutdown cancels all supervisors and waits for them, bounded by ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.cancel()
	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// supervise runs one task from pending to its terminal commit.
func (e *Engine) supervise(t *task.Task) {
	log := e.logger.With("task_id", t.ID, "kind", string(t.Kind))

	if e.metrics != nil {
		e.metrics.TasksStarted.WithLabelValues(string(t.Kind)).Inc()
		e.metrics.ActiveTasks.Inc()
		defer e.metrics.ActiveTasks.Dec()
	}

	// A cancel issued while pending wins before any work starts.
	flags, err := e.store.GetControlFlags(e.ctx, t.ID)
	if err == nil && !flags.IsCancelled {
		start := e.now()
		if err := e.store.UpdateTaskStatus(e.ctx, t.ID, task.StatusRunning, store.WithStartedAt(start), store.WithLastProgressAt(start)); err != nil {
			if errors.Is(err, task.ErrInvalidState) {
				// A cancel committed after the flag read; the task is
				// already terminal and finalise below settles the rest.
				log.Info("task cancelled before start")
			} else {
				log.Error("task start transition failed", "error", err)
			}
		} else {
			log.Info("task started", "scrapers", t.Scrapers, "areas", t.Areas)
			e.runWorkers(t, log)
		}
	}

	final, firstErr := e.finalise(t.ID, log)
	log.Info("task finished", "status", string(final))

	if e.metrics != nil {
		e.metrics.TasksFinished.WithLabelValues(string(final)).Inc()
	}
	if final == task.StatusFailed && firstErr == nil {
		firstErr = errors.New(joblog.MsgTaskFailed)
	}
	e.hooks.Fire(t.ID, final, firstErr)
}

// runWorkers fans the task's pairs out per its topology and joins.
func (e *Engine) runWorkers(t *task.Task, log *slog.Logger) {
	switch t.Kind {
	case task.KindParallel:
		var wg sync.WaitGroup
		for _, scraper := range t.Scrapers {
			wg.Add(1)
			go func(scraper string) {
				defer wg.Done()
				e.runScraper(t, scraper, log)
			}(scraper)
		}
		wg.Wait()
	default:
		for _, scraper := range t.Scrapers {
			if err := e.runScraper(t, scraper, log); errors.Is(err, task.ErrCancelled) {
				return
			}
		}
	}
}

// runScraper crawls every area of the task with one scraper's adapter.
// The adapter instance is reused across areas; its sessions are rebuilt
// after an observed pause.
func (e *Engine) runScraper(t *task.Task, scraper string, log *slog.Logger) error {
	ctl := &controller{
		ctx:     e.ctx,
		store:   e.store,
		taskID:  t.ID,
		cfg:     e.cfg,
		metrics: e.metrics,
		logger:  log,
		now:     e.now,
	}
	if e.sessions != nil {
		ctl.onResume = func() { e.sessions.Reset(scraper) }
	}

	ad, resolveErr := e.registry.Resolve(scraper, e.sink, e.logger)
	if resolveErr != nil {
		// Every pair of an unresolvable scraper fails with the same cause.
		for _, area := range t.Areas {
			e.failPairEarly(t.ID, scraper, area, resolveErr, log)
		}
		return nil
	}
	defer func() {
		if err := ad.Close(e.ctx); err != nil {
			log.Warn("adapter close failed", "scraper", scraper, "error", err)
		}
		if e.sessions != nil {
			e.sessions.Release(scraper)
		}
	}()

	for _, area := range t.Areas {
		if err := e.runPair(t, ad, scraper, area, ctl, log); errors.Is(err, task.ErrCancelled) {
			return err
		}
	}
	return nil
}

// runPair executes one (scraper × area) pair through its full life:
// checkpoint, running record, sampler, adapter, sampler join, final
// barrier write with one re-issue check.
func (e *Engine) runPair(t *task.Task, ad adapter.SiteAdapter, scraper, area string, ctl *controller, log *slog.Logger) error {
	key := task.PairKey(scraper, area)

	if err := ctl.CheckpointOrAbort(); err != nil {
		e.finalisePair(t.ID, key, task.FinalPatch(task.StatusCancelled, e.now(), nil, nil), log)
		return err
	}

	start := e.now()
	running := task.StatusRunning
	if _, err := e.store.MergeProgress(e.ctx, t.ID, key, task.ProgressPatch{Status: &running, StartedAt: &start}); err != nil {
		log.Error("pair start write failed", "pair", key, "error", err)
	}

	if e.metrics != nil {
		e.metrics.ActiveWorkers.Inc()
		defer e.metrics.ActiveWorkers.Dec()
	}

	rep := &reporter{
		ctx:     e.ctx,
		store:   e.store,
		taskID:  t.ID,
		scraper: scraper,
		metrics: e.metrics,
		logger:  log,
		now:     e.now,
	}

	sampler := progress.NewSampler(key, e.cfg.StatsInterval, log, rep.Snapshot, func(c task.Counters) bool {
		rec, err := e.store.MergeProgress(e.ctx, t.ID, key, task.ProgressPatch{Counters: &c})
		if err != nil {
			log.Warn("stats flush failed", "pair", key, "error", err)
			return false
		}
		if e.metrics != nil {
			e.metrics.ProgressFlushes.Inc()
			if rec.IsFinal {
				// The barrier dropped this patch; the pair is done.
				e.metrics.ProgressConflict.Inc()
			}
		}
		return rec.IsFinal || rec.Terminal()
	})
	sampler.Start()

	stats, scrapeErr := ad.ScrapeArea(e.ctx, area, adapter.OptionsFor(t.Options), rep, ctl)

	if !sampler.Stop(e.cfg.SamplerJoinTimeout) {
		log.Warn("stats sampler did not stop in time", "pair", key)
	}

	status := task.StatusCompleted
	var errsList []string
	switch {
	case scrapeErr == nil:
	case errors.Is(scrapeErr, task.ErrCancelled):
		status = task.StatusCancelled
	default:
		status = task.StatusFailed
		errsList = []string{scrapeErr.Error()}
		rep.LogError(joblog.ErrorInfo{
			Scraper:  scraper,
			AreaCode: area,
			Reason:   task.CategoryOf(scrapeErr),
			Detail:   scrapeErr.Error(),
		})
	}

	end := e.now()
	e.finalisePair(t.ID, key, task.FinalPatch(status, end, &stats, errsList), log)

	if e.metrics != nil {
		e.metrics.PairsFinished.WithLabelValues(scraper, string(status)).Inc()
		e.metrics.PairDuration.WithLabelValues(scraper).Observe(end.Sub(start).Seconds())
	}

	if errors.Is(scrapeErr, task.ErrCancelled) {
		return scrapeErr
	}
	return nil
}

// finalisePair issues the finalisation barrier write, re-issuing once if
// the merged record does not reflect it. A record already frozen by a
// cancel keeps its status; the barrier never overwrites a final record.
func (e *Engine) finalisePair(taskID, key string, patch task.ProgressPatch, log *slog.Logger) {
	rec, err := e.store.MergeProgress(e.ctx, taskID, key, patch)
	if err == nil && rec.IsFinal {
		return
	}
	if err != nil {
		log.Warn("pair final write failed, re-issuing", "pair", key, "error", err)
	}
	if _, err := e.store.MergeProgress(e.ctx, taskID, key, patch); err != nil {
		log.Error("pair final write failed after re-issue", "pair", key, "error", err)
	}
}

// failPairEarly finalises a pair that never ran, with an error log.
func (e *Engine) failPairEarly(taskID, scraper, area string, cause error, log *slog.Logger) {
	key := task.PairKey(scraper, area)
	entry := joblog.ErrorEntry(taskID, joblog.ErrorInfo{
		Scraper:  scraper,
		AreaCode: area,
		Reason:   task.CategoryOf(cause),
		Detail:   cause.Error(),
	}, e.now())
	if err := e.store.AppendLog(e.ctx, entry); err != nil {
		log.Warn("error log append failed", "pair", key, "error", err)
	}
	e.finalisePair(taskID, key, task.FinalPatch(task.StatusFailed, e.now(), nil, []string{cause.Error()}), log)
}

// finalise commits the task's terminal status under the row lock. A task
// already terminal (cancelled via the control surface) is left as is;
// otherwise remaining non-terminal records are resolved and the status
// derived from the pair outcomes.
func (e *Engine) finalise(taskID string, log *slog.Logger) (task.Status, error) {
	var final task.Status
	var firstErr error

	err := e.store.WithTaskRowLock(e.ctx, taskID, func(tk *task.Task) error {
		if tk.Status.IsTerminal() {
			final = tk.Status
			return nil
		}
		now := e.now()

		// Workers stop at their next checkpoint after a cancel; pairs they
		// never reached are resolved here.
		if tk.IsCancelled {
			for _, rec := range tk.Progress {
				if !rec.Terminal() {
					rec.Status = task.StatusCancelled
					rec.IsFinal = true
					rec.CompletedAt = &now
				}
			}
		}

		final = task.FinalStatus(tk.Progress)
		tk.Status = final
		tk.CompletedAt = &now
		tk.IsPaused = false
		if final == task.StatusCancelled {
			tk.IsCancelled = true
		}
		tk.RecomputeTotals(now)

		for _, rec := range tk.Progress {
			if rec.Status == task.StatusFailed && len(rec.ErrorsList) > 0 && firstErr == nil {
				firstErr = errors.New(rec.ErrorsList[0])
			}
		}
		return nil
	})
	if err != nil {
		log.Error("task terminal commit failed", "error", err)
		return task.StatusFailed, err
	}
	return final, firstErr
}
