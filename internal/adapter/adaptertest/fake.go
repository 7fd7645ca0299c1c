// Package adaptertest provides a scriptable SiteAdapter for engine and
// control-plane tests: per-area scripts declare the counters to report,
// the listing changes to emit, how many checkpoints to pass through and
// what to fail with.
package adaptertest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hikkoshi-lab/estate-crawler/internal/adapter"
	"github.com/hikkoshi-lab/estate-crawler/internal/listing"
	"github.com/hikkoshi-lab/estate-crawler/internal/task"
)

// Script declares what the fake does for one area.
type Script struct {
	// Steps is the number of checkpoint rounds the area runs through.
	// Zero means one.
	Steps int
	// StepDelay is slept between rounds, giving pause/cancel tests a
	// window to flip flags.
	StepDelay time.Duration
	// Stats is the terminal counter snapshot returned on success.
	Stats adapter.Stats
	// Changes are reported through the Reporter before returning.
	Changes []listing.Change
	// Err, when set, is returned after the rounds complete.
	Err error
	// Block, when non-nil, is waited on after the first checkpoint.
	// Lets tests hold a pair open until they close the channel.
	Block <-chan struct{}
}

// Fake is a scriptable SiteAdapter. Safe for use by one worker at a
// time, like real adapters; the bookkeeping is locked so tests can read
// it concurrently.
type Fake struct {
	name string

	mu      sync.Mutex
	scripts map[string]Script
	calls   []string
	closed  int
}

var _ adapter.SiteAdapter = (*Fake)(nil)

// New returns a Fake named name with no scripts; unscripted areas
// complete immediately with zero counters.
func New(name string) *Fake {
	return &Fake{name: name, scripts: make(map[string]Script)}
}

// ScriptArea sets the script for one area code.
func (f *Fake) ScriptArea(areaCode string, s Script) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[areaCode] = s
	return f
}

// Factory returns a registry factory handing out this same instance.
func (f *Fake) Factory() adapter.Factory {
	return func(sink listing.Sink, logger *slog.Logger) (adapter.SiteAdapter, error) {
		return f, nil
	}
}

func (f *Fake) Name() string { return f.name }

func (f *Fake) ScrapeArea(ctx context.Context, areaCode string, opts adapter.ScrapeOptions, rep adapter.Reporter, ctl adapter.Controller) (adapter.Stats, error) {
	f.mu.Lock()
	s := f.scripts[areaCode]
	f.calls = append(f.calls, task.PairKey(f.name, areaCode))
	f.mu.Unlock()

	steps := s.Steps
	if steps <= 0 {
		steps = 1
	}

	for i := 0; i < steps; i++ {
		if err := ctl.CheckpointOrAbort(); err != nil {
			return adapter.Stats{}, err
		}
		if i == 0 && s.Block != nil {
			select {
			case <-s.Block:
			case <-ctx.Done():
				return adapter.Stats{}, ctx.Err()
			}
		}
		if s.StepDelay > 0 {
			select {
			case <-time.After(s.StepDelay):
			case <-ctx.Done():
				return adapter.Stats{}, ctx.Err()
			}
		}
		rep.UpdateStats(s.Stats)
	}

	if s.Err != nil {
		return adapter.Stats{}, s.Err
	}

	for _, ch := range s.Changes {
		rep.LogListingChange(ch)
	}
	rep.UpdateStats(s.Stats)
	return s.Stats, nil
}

func (f *Fake) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

// Calls returns the pair keys scraped so far, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Closed returns how many times Close was called.
func (f *Fake) Closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
