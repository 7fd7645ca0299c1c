package adapter

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/hikkoshi-lab/estate-crawler/internal/listing"
	"github.com/hikkoshi-lab/estate-crawler/internal/task"
)

// Factory builds a fresh adapter instance for one task. The sink is
// already wrapped by the engine so writes feed progress counters and the
// property_update log stream.
type Factory func(sink listing.Sink, logger *slog.Logger) (SiteAdapter, error)

// Registry maps scraper names to adapter factories. The engine resolves
// a factory per (task, scraper); an unknown name surfaces as a
// module_import_error at the pair level.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	logger    *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		logger:    logger.With("component", "adapter_registry"),
	}
}

// Register adds a factory under a scraper name.
func (r *Registry) Register(name string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("adapter %q already registered: %w", name, task.ErrConflict)
	}
	r.factories[name] = f

	r.logger.Info("adapter registered", "name", name)
	return nil
}

// Resolve builds an adapter for a scraper name.
func (r *Registry) Resolve(name string, sink listing.Sink, logger *slog.Logger) (SiteAdapter, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", task.ErrUnknownScraper, name)
	}
	return f(sink, logger)
}

// Known reports whether a scraper name has a registered factory.
func (r *Registry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names returns all registered scraper names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
