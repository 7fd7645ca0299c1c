package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hikkoshi-lab/estate-crawler/internal/joblog"
	"github.com/hikkoshi-lab/estate-crawler/internal/listing"
	"github.com/hikkoshi-lab/estate-crawler/internal/observability"
	"github.com/hikkoshi-lab/estate-crawler/internal/store"
	"github.com/hikkoshi-lab/estate-crawler/internal/task"
)

// reporter implements adapter.Reporter for one pair. It holds the live
// counter snapshot the stats sampler reads, and turns change and error
// notifications into log entries.
type reporter struct {
	ctx     context.Context
	store   store.Store
	taskID  string
	scraper string
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	counters task.Counters
}

func (r *reporter) UpdateStats(s task.Counters) {
	r.mu.Lock()
	r.counters = s
	r.mu.Unlock()
}

// Snapshot is the sampler's counter source.
func (r *reporter) Snapshot() task.Counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters
}

func (r *reporter) LogListingChange(ch listing.Change) {
	if r.metrics != nil {
		r.metrics.ListingChanges.WithLabelValues(ch.Site, string(ch.Kind)).Inc()
	}
	if !ch.Kind.Logged() {
		return
	}
	if err := r.store.AppendLog(r.ctx, joblog.ChangeEntry(r.taskID, ch, r.now())); err != nil {
		r.logger.Warn("property_update log append failed", "task_id", r.taskID, "ref", ch.Ref, "error", err)
	}
}

func (r *reporter) LogError(info joblog.ErrorInfo) {
	if r.metrics != nil {
		r.metrics.PairErrors.WithLabelValues(info.Scraper, info.Reason).Inc()
	}
	if err := r.store.AppendLog(r.ctx, joblog.ErrorEntry(r.taskID, info, r.now())); err != nil {
		r.logger.Warn("error log append failed", "task_id", r.taskID, "error", err)
	}
}

func (r *reporter) LogWarning(info joblog.ErrorInfo) {
	if err := r.store.AppendLog(r.ctx, joblog.WarningEntry(r.taskID, info, r.now())); err != nil {
		r.logger.Warn("warning log append failed", "task_id", r.taskID, "error", err)
	}
}
