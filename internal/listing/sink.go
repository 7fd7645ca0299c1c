package listing

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Sink persists parsed listings. CreateOrUpdateListing reports how the
// write changed the stored document so callers can count and log it.
type Sink interface {
	Name() string
	CreateOrUpdateListing(ctx context.Context, b BuildingInfo, p PropertyInfo, l ListingInfo) (ref string, kind ChangeKind, details string, err error)
	Close(ctx context.Context) error
}

// MemorySink keeps documents in process memory. It backs tests, the
// quickstart example and runs where listings only need task counters.
type MemorySink struct {
	mu     sync.Mutex
	docs   map[string]*Document
	logger *slog.Logger
}

var _ Sink = (*MemorySink)(nil)

// NewMemorySink returns an empty MemorySink.
func NewMemorySink(logger *slog.Logger) *MemorySink {
	return &MemorySink{
		docs:   make(map[string]*Document),
		logger: logger.With("component", "memory_sink"),
	}
}

func (s *MemorySink) Name() string { return "memory" }

func (s *MemorySink) CreateOrUpdateListing(ctx context.Context, b BuildingInfo, p PropertyInfo, l ListingInfo) (string, ChangeKind, string, error) {
	up := Upsert{Building: b, Property: p, Listing: l}
	if err := validateUpsert(up); err != nil {
		return "", "", "", err
	}
	ref := Ref(l.Site, l.SitePropertyID)
	now := l.FetchedAt
	if now.IsZero() {
		now = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.docs[ref]
	kind, details := Detect(prev, up)
	s.docs[ref] = apply(prev, up, ref, now)

	s.logger.Debug("listing stored", "ref", ref, "kind", string(kind))
	return ref, kind, details, nil
}

// Get returns the stored document for ref, or nil.
func (s *MemorySink) Get(ref string) *Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[ref]
	if !ok {
		return nil
	}
	c := *doc
	return &c
}

// Refs returns all stored references in sorted order.
func (s *MemorySink) Refs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	refs := make([]string, 0, len(s.docs))
	for ref := range s.docs {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// Len returns the number of stored documents.
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

func (s *MemorySink) Close(ctx context.Context) error {
	s.logger.Debug("memory sink closed", "documents", s.Len())
	return nil
}

// NopSink discards every write. It backs runs that only need task
// counters and logs, with no listing persistence.
type NopSink struct{}

var _ Sink = NopSink{}

func (NopSink) Name() string { return "none" }

func (NopSink) CreateOrUpdateListing(ctx context.Context, b BuildingInfo, p PropertyInfo, l ListingInfo) (string, ChangeKind, string, error) {
	return "", ChangeSkipped, "", nil
}

func (NopSink) Close(ctx context.Context) error { return nil }
