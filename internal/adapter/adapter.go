// Package adapter defines the capability surface between the task engine
// and site adapters: the SiteAdapter contract, the Reporter and
// Controller handles a worker passes in, and the registry that resolves
// adapters by scraper name.
package adapter

import (
	"context"

	"github.com/hikkoshi-lab/estate-crawler/internal/joblog"
	"github.com/hikkoshi-lab/estate-crawler/internal/listing"
	"github.com/hikkoshi-lab/estate-crawler/internal/task"
)

// ScrapeOptions are the per-task knobs handed to an adapter for one area.
type ScrapeOptions struct {
	MaxProperties      int
	ForceDetailFetch   bool
	DetailRefetchHours *int
	IgnoreErrorHistory bool
}

// OptionsFor converts task options into the adapter view.
func OptionsFor(o task.Options) ScrapeOptions {
	return ScrapeOptions{
		MaxProperties:      o.MaxPropertiesPerPair,
		ForceDetailFetch:   o.ForceDetailFetch,
		DetailRefetchHours: o.DetailRefetchHours,
		IgnoreErrorHistory: o.IgnoreErrorHistory,
	}
}

// Stats is the terminal counter snapshot an adapter returns for one area.
type Stats = task.Counters

// Reporter is the engine-side glue adapters report through: live counter
// updates for the stats sampler, listing change notifications, and error
// or warning log entries.
type Reporter interface {
	// UpdateStats replaces the live counter snapshot for the pair. The
	// stats sampler flushes it to the store on its own cadence.
	UpdateStats(s Stats)

	// LogListingChange records a sink write. Kinds new, price_updated and
	// other_updates produce property_update log entries; unchanged
	// refetches and skips only move counters.
	LogListingChange(ch listing.Change)

	LogError(info joblog.ErrorInfo)
	LogWarning(info joblog.ErrorInfo)
}

// Controller is the worker's pause/cancel surface inside an adapter.
// Adapters must call CheckpointOrAbort before each list-page fetch and
// before each detail-page fetch.
type Controller interface {
	// CheckpointOrAbort blocks while the task is paused and returns
	// task.ErrCancelled when the task is cancelled or a pause outlived
	// its timeout. A nil return means keep going.
	CheckpointOrAbort() error
}

// SiteAdapter scrapes one area of one site. Implementations are owned by
// a single worker at a time; the engine may reuse one instance across
// areas within a task, serially. After a pause the adapter must not
// assume its HTTP sessions survived; CheckpointOrAbort can return after
// an arbitrary interval and connections are re-established by the engine
// before the next area.
type SiteAdapter interface {
	Name() string

	// ScrapeArea crawls one area and returns the terminal counter
	// snapshot. Returning task.ErrCancelled (usually propagated straight
	// from Controller.CheckpointOrAbort) marks the pair cancelled rather
	// than failed.
	ScrapeArea(ctx context.Context, areaCode string, opts ScrapeOptions, rep Reporter, ctl Controller) (Stats, error)

	// Close releases sessions and other resources. Called when the
	// worker finishes with the adapter.
	Close(ctx context.Context) error
}
