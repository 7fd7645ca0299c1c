// Package rulebased is the reference SiteAdapter: per-site extraction
// rules loaded from YAML drive a list-page → detail-page crawl with CSS,
// XPath and regex field extraction. One rules file describes one site.
package rulebased

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/hikkoshi-lab/estate-crawler/internal/task"
)

// FieldRule extracts one named field. Type selects the mechanism: css
// (default), xpath or regex. Attribute applies to css rules ("" or
// "text" for text content, otherwise the attribute name); Pattern is the
// regex with one capture group.
type FieldRule struct {
	Name      string `mapstructure:"name"`
	Type      string `mapstructure:"type"`
	Selector  string `mapstructure:"selector"`
	Attribute string `mapstructure:"attribute"`
	Pattern   string `mapstructure:"pattern"`
}

// ListRules describe the search-result pages of a site.
type ListRules struct {
	// URL is the list-page template; {area} and {page} are substituted.
	URL string `mapstructure:"url"`
	// MaxPages caps pagination per area.
	MaxPages int `mapstructure:"max_pages"`
	// Item is the CSS selector matching one listing element.
	Item string `mapstructure:"item"`
	// Fields are extracted relative to each item element. The fields
	// "id" and "url" are required; "url" may be relative.
	Fields []FieldRule `mapstructure:"fields"`
}

// DetailRules describe the per-listing detail pages.
type DetailRules struct {
	// Fields are extracted from the whole detail document.
	Fields []FieldRule `mapstructure:"fields"`
}

// Rules is one site's complete configuration.
type Rules struct {
	Site    string            `mapstructure:"site"`
	BaseURL string            `mapstructure:"base_url"`
	Browser bool              `mapstructure:"browser"`
	Areas   map[string]string `mapstructure:"areas"` // area code → site-specific path segment
	List    ListRules         `mapstructure:"list"`
	Detail  DetailRules       `mapstructure:"detail"`
}

// LoadRules reads one site rules file (YAML).
func LoadRules(path string) (*Rules, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	var r Rules
	if err := v.Unmarshal(&r); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	if err := r.validate(); err != nil {
		return nil, fmt.Errorf("rules %s: %w", path, err)
	}
	return &r, nil
}

// LoadDir reads every *.yaml / *.yml rules file in a directory.
func LoadDir(dir string) ([]*Rules, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read rules dir: %w", err)
	}
	var out []*Rules
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		r, err := LoadRules(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (r *Rules) validate() error {
	if r.Site == "" {
		return fmt.Errorf("site name required: %w", task.ErrInvalidArgument)
	}
	if r.List.URL == "" {
		return fmt.Errorf("list url required: %w", task.ErrInvalidArgument)
	}
	if r.List.Item == "" {
		return fmt.Errorf("list item selector required: %w", task.ErrInvalidArgument)
	}
	hasID, hasURL := false, false
	for _, f := range r.List.Fields {
		switch f.Name {
		case "id":
			hasID = true
		case "url":
			hasURL = true
		}
	}
	if !hasID || !hasURL {
		return fmt.Errorf("list fields must include id and url: %w", task.ErrInvalidArgument)
	}
	if r.List.MaxPages <= 0 {
		r.List.MaxPages = 10
	}
	return nil
}

// listURL renders the list-page template for an area and page number.
func (r *Rules) listURL(areaCode string, page int) string {
	area := areaCode
	if mapped, ok := r.Areas[areaCode]; ok {
		area = mapped
	}
	u := strings.ReplaceAll(r.List.URL, "{area}", area)
	u = strings.ReplaceAll(u, "{page}", fmt.Sprintf("%d", page))
	return u
}
