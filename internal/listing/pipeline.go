package listing

import (
	"fmt"
	"html"
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/text/width"
)

// Middleware normalises an observation before it reaches a sink. Return
// nil to drop the observation.
type Middleware interface {
	Name() string
	Process(up *Upsert) (*Upsert, error)
}

// PipelineError wraps a middleware failure with the stage that produced it.
type PipelineError struct {
	Stage string
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline stage %s: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Pipeline chains middleware in registration order.
type Pipeline struct {
	middlewares []Middleware
	logger      *slog.Logger
}

// NewPipeline creates an empty Pipeline.
func NewPipeline(logger *slog.Logger) *Pipeline {
	return &Pipeline{
		logger: logger.With("component", "listing_pipeline"),
	}
}

// DefaultPipeline is the normalisation chain adapters run before sink
// writes: trim, strip markup, fold character widths, require identity.
func DefaultPipeline(logger *slog.Logger) *Pipeline {
	p := NewPipeline(logger)
	p.Use(&TrimMiddleware{})
	p.Use(NewHTMLStripMiddleware())
	p.Use(&WidthFoldMiddleware{})
	p.Use(&RequireIdentityMiddleware{})
	return p
}

// Use appends a middleware to the chain.
func (p *Pipeline) Use(mw Middleware) {
	p.middlewares = append(p.middlewares, mw)
	p.logger.Debug("middleware added", "name", mw.Name(), "position", len(p.middlewares))
}

// Process runs the observation through all middleware in order. A nil
// result with nil error means some stage dropped it.
func (p *Pipeline) Process(up *Upsert) (*Upsert, error) {
	current := up
	for _, mw := range p.middlewares {
		result, err := mw.Process(current)
		if err != nil {
			return nil, &PipelineError{Stage: mw.Name(), Err: err}
		}
		if result == nil {
			p.logger.Debug("observation dropped",
				"stage", mw.Name(),
				"site", up.Listing.Site,
				"site_property_id", up.Listing.SitePropertyID)
			return nil, nil
		}
		current = result
	}
	return current, nil
}

// Len returns the number of middleware in the chain.
func (p *Pipeline) Len() int { return len(p.middlewares) }

// mapTextFields rewrites the display-text fields of an observation.
// Identity fields (site, site_property_id, url) are never touched.
func mapTextFields(up *Upsert, fn func(string) string) {
	up.Building.Name = fn(up.Building.Name)
	up.Building.Address = fn(up.Building.Address)
	up.Property.Floor = fn(up.Property.Floor)
	up.Property.Layout = fn(up.Property.Layout)
	up.Property.Direction = fn(up.Property.Direction)
	up.Listing.Title = fn(up.Listing.Title)
}

// TrimMiddleware trims surrounding whitespace from all text fields.
type TrimMiddleware struct{}

func (m *TrimMiddleware) Name() string { return "trim" }

func (m *TrimMiddleware) Process(up *Upsert) (*Upsert, error) {
	mapTextFields(up, strings.TrimSpace)
	return up, nil
}

// HTMLStripMiddleware removes markup fragments that leak out of sloppy
// detail pages: tags are stripped, entities decoded, whitespace collapsed.
type HTMLStripMiddleware struct {
	stripRe *regexp.Regexp
}

func NewHTMLStripMiddleware() *HTMLStripMiddleware {
	return &HTMLStripMiddleware{
		stripRe: regexp.MustCompile(`<[^>]*>`),
	}
}

func (m *HTMLStripMiddleware) Name() string { return "html_strip" }

func (m *HTMLStripMiddleware) Process(up *Upsert) (*Upsert, error) {
	mapTextFields(up, func(s string) string {
		if s == "" {
			return s
		}
		cleaned := m.stripRe.ReplaceAllString(s, "")
		cleaned = html.UnescapeString(cleaned)
		return strings.Join(strings.Fields(cleaned), " ")
	})
	return up, nil
}

// WidthFoldMiddleware folds character widths so "３ＬＤＫ" and "3LDK"
// compare equal across sites: full-width latin and digits become ASCII,
// half-width katakana becomes full-width.
type WidthFoldMiddleware struct{}

func (m *WidthFoldMiddleware) Name() string { return "width_fold" }

func (m *WidthFoldMiddleware) Process(up *Upsert) (*Upsert, error) {
	mapTextFields(up, width.Fold.String)
	return up, nil
}

// RequireIdentityMiddleware drops observations that could never be stored:
// missing site identity or building name.
type RequireIdentityMiddleware struct{}

func (m *RequireIdentityMiddleware) Name() string { return "require_identity" }

func (m *RequireIdentityMiddleware) Process(up *Upsert) (*Upsert, error) {
	if up.Listing.Site == "" || up.Listing.SitePropertyID == "" || up.Building.Name == "" {
		return nil, nil
	}
	return up, nil
}
