package progress

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hikkoshi-lab/estate-crawler/internal/task"
)

// Sampler periodically flushes a pair's live counters to the store while
// the pair is running. One sampler is started per active pair; the worker
// stops and joins it before issuing the pair's finalisation write.
type Sampler struct {
	pairKey  string
	interval time.Duration
	logger   *slog.Logger

	// source reads the adapter's in-memory counters.
	source func() task.Counters
	// flush persists a snapshot and reports whether the sampler should
	// terminate (record finalised or already completed/failed).
	flush func(task.Counters) (stop bool)

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewSampler builds a sampler for one pair. Start must be called to begin
// sampling.
func NewSampler(pairKey string, interval time.Duration, logger *slog.Logger, source func() task.Counters, flush func(task.Counters) bool) *Sampler {
	return &Sampler{
		pairKey:  pairKey,
		interval: interval,
		logger:   logger.With("component", "stats_sampler", "pair", pairKey),
		source:   source,
		flush:    flush,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the sampling goroutine.
func (s *Sampler) Start() {
	go s.run()
}

func (s *Sampler) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.flush(s.source()) {
				s.logger.Debug("pair finalised, sampler exiting")
				return
			}
		}
	}
}

// Stop signals the sampler and joins it, waiting at most joinTimeout.
// It returns false when the goroutine did not exit in time; the caller
// logs a warning and proceeds to its terminal write regardless.
func (s *Sampler) Stop(joinTimeout time.Duration) bool {
	s.stopOnce.Do(func() { close(s.stopCh) })

	select {
	case <-s.doneCh:
		return true
	case <-time.After(joinTimeout):
		return false
	}
}
