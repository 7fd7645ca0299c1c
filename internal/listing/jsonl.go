package listing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// jsonlLine is one appended observation. Kind records how the write
// changed the in-memory index at the time it happened.
type jsonlLine struct {
	Ref       string       `json:"ref"`
	Kind      ChangeKind   `json:"kind"`
	Details   string       `json:"details,omitempty"`
	Building  BuildingInfo `json:"building"`
	Property  PropertyInfo `json:"property"`
	Listing   ListingInfo  `json:"listing"`
	Timestamp time.Time    `json:"timestamp"`
}

// JSONLSink appends every accepted write as one JSON line (streaming, no
// buffering until Close). Change detection runs against an in-memory
// index, so a fresh process classifies every listing as new.
type JSONLSink struct {
	path   string
	file   *os.File
	enc    *json.Encoder
	mu     sync.Mutex
	docs   map[string]*Document
	count  int
	logger *slog.Logger
}

var _ Sink = (*JSONLSink)(nil)

// NewJSONLSink creates the output file, truncating any previous run.
func NewJSONLSink(outputPath string, logger *slog.Logger) (*JSONLSink, error) {
	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.Create(outputPath)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}

	return &JSONLSink{
		path:   outputPath,
		file:   f,
		enc:    json.NewEncoder(f),
		docs:   make(map[string]*Document),
		logger: logger.With("component", "jsonl_sink"),
	}, nil
}

func (s *JSONLSink) Name() string { return "jsonl" }

func (s *JSONLSink) CreateOrUpdateListing(ctx context.Context, b BuildingInfo, p PropertyInfo, l ListingInfo) (string, ChangeKind, string, error) {
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

	line := jsonlLine{
		Ref:       ref,
		Kind:      kind,
		Details:   details,
		Building:  b,
		Property:  p,
		Listing:   l,
		Timestamp: now,
	}
	if err := s.enc.Encode(line); err != nil {
		return "", "", "", fmt.Errorf("encode listing line: %w", err)
	}
	s.count++
	return ref, kind, details, nil
}

func (s *JSONLSink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Info("jsonl sink closed", "path", s.path, "lines", s.count)
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}
