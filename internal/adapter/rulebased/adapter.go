package rulebased

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"

	"github.com/hikkoshi-lab/estate-crawler/internal/adapter"
	"github.com/hikkoshi-lab/estate-crawler/internal/fetch"
	"github.com/hikkoshi-lab/estate-crawler/internal/joblog"
	"github.com/hikkoshi-lab/estate-crawler/internal/listing"
	"github.com/hikkoshi-lab/estate-crawler/internal/task"
)

// Fetcher is the page source the adapter crawls through. Both
// fetch.Session and fetch.Browser satisfy it.
type Fetcher interface {
	Get(ctx context.Context, rawURL string) (*fetch.Response, error)
}

// Adapter crawls one site by its rules file: paginate list pages, walk
// each listing, optionally fetch its detail page, normalise and sink.
type Adapter struct {
	rules    *Rules
	fetcher  Fetcher
	sink     listing.Sink
	pipeline *listing.Pipeline
	logger   *slog.Logger

	// seen tracks listings already detail-fetched in this task, so a
	// refetch window can skip them on later areas.
	seen map[string]time.Time
}

var _ adapter.SiteAdapter = (*Adapter)(nil)

// New builds an Adapter for one site.
func New(rules *Rules, fetcher Fetcher, sink listing.Sink, logger *slog.Logger) *Adapter {
	return &Adapter{
		rules:    rules,
		fetcher:  fetcher,
		sink:     sink,
		pipeline: listing.DefaultPipeline(logger),
		logger:   logger.With("component", "rulebased_adapter", "site", rules.Site),
		seen:     make(map[string]time.Time),
	}
}

// Factory returns a registry factory for this site's rules. The fetcher
// is resolved per task: a browser when the rules demand one, otherwise a
// per-scraper session from the manager.
func Factory(rules *Rules, sessions *fetch.Manager, browser *fetch.Browser) adapter.Factory {
	return func(sink listing.Sink, logger *slog.Logger) (adapter.SiteAdapter, error) {
		var fetcher Fetcher
		if rules.Browser {
			if browser == nil {
				return nil, fmt.Errorf("%w: site %q requires a browser fetcher", task.ErrInvalidArgument, rules.Site)
			}
			fetcher = browser
		} else {
			session, err := sessions.Session(rules.Site)
			if err != nil {
				return nil, err
			}
			fetcher = session
		}
		return New(rules, fetcher, sink, logger), nil
	}
}

func (a *Adapter) Name() string { return a.rules.Site }

func (a *Adapter) ScrapeArea(ctx context.Context, areaCode string, opts adapter.ScrapeOptions, rep adapter.Reporter, ctl adapter.Controller) (adapter.Stats, error) {
	var stats adapter.Stats

	for page := 1; page <= a.rules.List.MaxPages; page++ {
		if err := ctl.CheckpointOrAbort(); err != nil {
			return stats, err
		}

		pageURL := a.rules.listURL(areaCode, page)
		resp, err := a.fetcher.Get(ctx, pageURL)
		if err != nil {
			// A failed list page ends the area; partial results stand.
			stats.Errors++
			stats.OtherErrors++
			rep.LogError(joblog.ErrorInfo{
				Scraper:  a.rules.Site,
				AreaCode: areaCode,
				URL:      pageURL,
				Reason:   task.CategoryOf(err),
				Detail:   err.Error(),
			})
			return stats, fmt.Errorf("list page %d: %w", page, err)
		}

		items, err := a.parseListPage(resp)
		if err != nil {
			stats.Errors++
			stats.OtherErrors++
			return stats, fmt.Errorf("parse list page %d: %w", page, err)
		}
		if len(items) == 0 {
			break
		}

		for _, item := range items {
			stats.PropertiesFound++
			if stats.PropertiesAttempted >= opts.MaxProperties {
				continue
			}
			stats.PropertiesAttempted++

			if err := a.scrapeListing(ctx, areaCode, item, opts, rep, ctl, &stats); err != nil {
				if errors.Is(err, task.ErrCancelled) {
					return stats, err
				}
				// Listing-level failures are counted, not fatal.
				a.logger.Debug("listing failed", "area", areaCode, "id", item["id"], "error", err)
			}
			rep.UpdateStats(stats)
		}

		if stats.PropertiesAttempted >= opts.MaxProperties {
			break
		}
	}

	rep.UpdateStats(stats)
	return stats, nil
}

// scrapeListing processes one list-page item through detail fetch,
// normalisation and the sink.
func (a *Adapter) scrapeListing(ctx context.Context, areaCode string, fields map[string]string, opts adapter.ScrapeOptions, rep adapter.Reporter, ctl adapter.Controller, stats *adapter.Stats) error {
	id := fields["id"]
	listingURL := a.absoluteURL(fields["url"])
	ref := listing.Ref(a.rules.Site, id)

	detailFetched := false
	if len(a.rules.Detail.Fields) > 0 && listingURL != "" {
		if a.shouldFetchDetail(ref, opts) {
			if err := ctl.CheckpointOrAbort(); err != nil {
				return err
			}
			detail, err := a.fetcher.Get(ctx, listingURL)
			if err != nil {
				stats.DetailFetchFailed++
				stats.Errors++
				rep.LogWarning(joblog.ErrorInfo{
					Scraper:      a.rules.Site,
					AreaCode:     areaCode,
					URL:          listingURL,
					BuildingName: fields["building_name"],
					Reason:       task.CategoryOf(err),
					Detail:       err.Error(),
				})
			} else {
				for k, v := range a.parseDetailPage(detail) {
					fields[k] = v
				}
				stats.DetailFetched++
				detailFetched = true
				a.seen[ref] = time.Now()
			}
		} else {
			stats.DetailSkipped++
		}
	}

	up := a.buildUpsert(areaCode, fields, listingURL, detailFetched)
	if up.Property.Price == 0 {
		stats.PriceMissing++
	}
	if up.Building.Name == "" {
		stats.BuildingInfoMissing++
	}

	normalised, err := a.pipeline.Process(&up)
	if err != nil || normalised == nil {
		stats.ValidationFailed++
		if err != nil {
			stats.Errors++
			return err
		}
		return nil
	}

	sunkRef, kind, details, err := a.sink.CreateOrUpdateListing(ctx, normalised.Building, normalised.Property, normalised.Listing)
	if err != nil {
		stats.SaveFailed++
		stats.Errors++
		rep.LogError(joblog.ErrorInfo{
			Scraper:      a.rules.Site,
			AreaCode:     areaCode,
			URL:          listingURL,
			BuildingName: normalised.Building.Name,
			Price:        normalised.Property.Price,
			Reason:       task.CategoryOf(err),
			Detail:       err.Error(),
		})
		return err
	}

	stats.PropertiesProcessed++
	switch kind {
	case listing.ChangeNew:
		stats.NewListings++
	case listing.ChangePriceUpdated:
		stats.PriceUpdated++
	case listing.ChangeOtherUpdates:
		stats.OtherUpdates++
	case listing.ChangeRefetchedUnchanged:
		stats.RefetchedUnchanged++
	}

	if kind.Logged() {
		rep.LogListingChange(listing.Change{
			Kind:     kind,
			Ref:      sunkRef,
			Site:     a.rules.Site,
			AreaCode: areaCode,
			URL:      listingURL,
			Building: normalised.Building,
			Property: normalised.Property,
			Details:  details,
		})
	}
	return nil
}

// shouldFetchDetail applies the refetch window: always under
// ForceDetailFetch, otherwise skip listings detail-fetched within
// DetailRefetchHours during this task.
func (a *Adapter) shouldFetchDetail(ref string, opts adapter.ScrapeOptions) bool {
	if opts.ForceDetailFetch {
		return true
	}
	last, ok := a.seen[ref]
	if !ok {
		return true
	}
	if opts.DetailRefetchHours == nil {
		return false
	}
	return time.Since(last) >= time.Duration(*opts.DetailRefetchHours)*time.Hour
}

func (a *Adapter) parseListPage(resp *fetch.Response) ([]map[string]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(resp.Text()))
	if err != nil {
		return nil, err
	}

	var items []map[string]string
	doc.Find(a.rules.List.Item).Each(func(i int, sel *goquery.Selection) {
		fields := extractFields(a.rules.List.Fields, sel, nil, "")
		if fields["id"] == "" {
			return
		}
		items = append(items, fields)
	})
	return items, nil
}

func (a *Adapter) parseDetailPage(resp *fetch.Response) map[string]string {
	body := resp.Text()

	var cssRoot *goquery.Selection
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(body)); err == nil {
		cssRoot = doc.Selection
	}
	xpathDoc, err := htmlquery.Parse(strings.NewReader(body))
	if err != nil {
		xpathDoc = nil
	}
	return extractFields(a.rules.Detail.Fields, cssRoot, xpathDoc, body)
}

// buildUpsert maps the extracted field names onto the listing records.
func (a *Adapter) buildUpsert(areaCode string, fields map[string]string, listingURL string, detailFetched bool) listing.Upsert {
	return listing.Upsert{
		Building: listing.BuildingInfo{
			Name:        fields["building_name"],
			Address:     fields["address"],
			AreaCode:    areaCode,
			YearBuilt:   parseInt(fields["year_built"]),
			TotalFloors: parseInt(fields["total_floors"]),
		},
		Property: listing.PropertyInfo{
			Floor:         fields["floor"],
			AreaSqm:       parseFloat(fields["area_sqm"]),
			Layout:        fields["layout"],
			Direction:     fields["direction"],
			Price:         parsePrice(fields["price"]),
			ManagementFee: parseInt(fields["management_fee"]),
		},
		Listing: listing.ListingInfo{
			Site:           a.rules.Site,
			SitePropertyID: fields["id"],
			URL:            listingURL,
			Title:          fields["title"],
			DetailFetched:  detailFetched,
			FetchedAt:      time.Now(),
		},
	}
}

// absoluteURL resolves a possibly-relative listing URL against the
// site's base URL.
func (a *Adapter) absoluteURL(raw string) string {
	if raw == "" || a.rules.BaseURL == "" {
		return raw
	}
	base, err := url.Parse(a.rules.BaseURL)
	if err != nil {
		return raw
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return base.ResolveReference(ref).String()
}

func (a *Adapter) Close(ctx context.Context) error {
	// Sessions are owned by the manager; nothing to release here.
	return nil
}
