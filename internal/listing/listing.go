// Package listing holds the parsed real-estate records adapters produce
// and the sinks that persist them. Sinks classify every write by how it
// changed the stored document; the engine turns those classifications
// into progress counters and property_update logs.
package listing

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidListing marks writes the sink refuses to store.
var ErrInvalidListing = errors.New("invalid listing")

// ChangeKind classifies the outcome of one sink write.
type ChangeKind string

const (
	ChangeNew                ChangeKind = "new"
	ChangePriceUpdated       ChangeKind = "price_updated"
	ChangeOtherUpdates       ChangeKind = "other_updates"
	ChangeRefetchedUnchanged ChangeKind = "refetched_unchanged"
	ChangeSkipped            ChangeKind = "skipped"
)

// Logged reports whether the kind produces a property_update log entry.
// Unchanged refetches and skips stay off the log stream.
func (k ChangeKind) Logged() bool {
	switch k {
	case ChangeNew, ChangePriceUpdated, ChangeOtherUpdates:
		return true
	}
	return false
}

// BuildingInfo identifies the physical building a unit belongs to.
type BuildingInfo struct {
	Name        string  `json:"name" bson:"name"`
	Address     string  `json:"address,omitempty" bson:"address,omitempty"`
	AreaCode    string  `json:"area_code" bson:"area_code"`
	YearBuilt   int     `json:"year_built,omitempty" bson:"year_built,omitempty"`
	TotalFloors int     `json:"total_floors,omitempty" bson:"total_floors,omitempty"`
	Latitude    float64 `json:"latitude,omitempty" bson:"latitude,omitempty"`
	Longitude   float64 `json:"longitude,omitempty" bson:"longitude,omitempty"`
}

// PropertyInfo describes the unit on offer. Price is in units of 10,000
// yen (万円); zero means the page carried no parseable price.
type PropertyInfo struct {
	Floor         string  `json:"floor,omitempty" bson:"floor,omitempty"`
	AreaSqm       float64 `json:"area_sqm,omitempty" bson:"area_sqm,omitempty"`
	Layout        string  `json:"layout,omitempty" bson:"layout,omitempty"`
	Direction     string  `json:"direction,omitempty" bson:"direction,omitempty"`
	Price         int     `json:"price" bson:"price"`
	ManagementFee int     `json:"management_fee,omitempty" bson:"management_fee,omitempty"`
}

// ListingInfo carries the per-site identity and fetch bookkeeping of one
// observation. DetailFetched distinguishes an unchanged refetch from a
// listing whose detail page was skipped this visit.
type ListingInfo struct {
	Site           string    `json:"site" bson:"site"`
	SitePropertyID string    `json:"site_property_id" bson:"site_property_id"`
	URL            string    `json:"url,omitempty" bson:"url,omitempty"`
	Title          string    `json:"title,omitempty" bson:"title,omitempty"`
	DetailFetched  bool      `json:"detail_fetched" bson:"detail_fetched"`
	FetchedAt      time.Time `json:"fetched_at" bson:"fetched_at"`
}

// Upsert bundles one observation on its way through the normalisation
// pipeline into a sink.
type Upsert struct {
	Building BuildingInfo
	Property PropertyInfo
	Listing  ListingInfo
}

// Document is the stored shape, keyed by (site, site_property_id).
type Document struct {
	Ref         string       `json:"ref" bson:"ref"`
	Building    BuildingInfo `json:"building" bson:"building"`
	Property    PropertyInfo `json:"property" bson:"property"`
	Listing     ListingInfo  `json:"listing" bson:"listing"`
	FirstSeenAt time.Time    `json:"first_seen_at" bson:"first_seen_at"`
	UpdatedAt   time.Time    `json:"updated_at" bson:"updated_at"`
}

// Change is what adapters hand to Reporter.LogListingChange after a sink
// write. Details carries the sink's human-readable delta description.
type Change struct {
	Kind     ChangeKind   `json:"kind"`
	Ref      string       `json:"ref"`
	Site     string       `json:"site"`
	AreaCode string       `json:"area_code"`
	URL      string       `json:"url,omitempty"`
	Building BuildingInfo `json:"building"`
	Property PropertyInfo `json:"property"`
	Details  string       `json:"details,omitempty"`
}

// Ref builds the stable sink reference for a listing.
func Ref(site, sitePropertyID string) string {
	return site + ":" + sitePropertyID
}

func validateUpsert(up Upsert) error {
	if up.Listing.Site == "" {
		return fmt.Errorf("%w: site is empty", ErrInvalidListing)
	}
	if up.Listing.SitePropertyID == "" {
		return fmt.Errorf("%w: site property id is empty", ErrInvalidListing)
	}
	if up.Building.Name == "" {
		return fmt.Errorf("%w: building name is empty", ErrInvalidListing)
	}
	if up.Property.Price < 0 {
		return fmt.Errorf("%w: negative price %d", ErrInvalidListing, up.Property.Price)
	}
	return nil
}

// Detect classifies an incoming observation against the stored document.
// The price field wins: any price movement is price_updated even when
// other fields moved with it, and the details string always names the
// delta in 万円.
func Detect(prev *Document, up Upsert) (ChangeKind, string) {
	if prev == nil {
		return ChangeNew, ""
	}

	changed := diffFields(prev, up)
	if prev.Property.Price != up.Property.Price {
		details := fmt.Sprintf("価格変更: %d万円 → %d万円", prev.Property.Price, up.Property.Price)
		if len(changed) > 0 {
			details += " (他: " + strings.Join(changed, ", ") + ")"
		}
		return ChangePriceUpdated, details
	}
	if len(changed) > 0 {
		return ChangeOtherUpdates, "変更項目: " + strings.Join(changed, ", ")
	}
	if up.Listing.DetailFetched {
		return ChangeRefetchedUnchanged, ""
	}
	return ChangeSkipped, ""
}

// diffFields names the non-price fields that differ, for details text.
func diffFields(prev *Document, up Upsert) []string {
	var changed []string
	add := func(name string, differs bool) {
		if differs {
			changed = append(changed, name)
		}
	}
	add("building_name", prev.Building.Name != up.Building.Name)
	add("address", prev.Building.Address != up.Building.Address)
	add("year_built", prev.Building.YearBuilt != up.Building.YearBuilt)
	add("total_floors", prev.Building.TotalFloors != up.Building.TotalFloors)
	add("floor", prev.Property.Floor != up.Property.Floor)
	add("area_sqm", prev.Property.AreaSqm != up.Property.AreaSqm)
	add("layout", prev.Property.Layout != up.Property.Layout)
	add("direction", prev.Property.Direction != up.Property.Direction)
	add("management_fee", prev.Property.ManagementFee != up.Property.ManagementFee)
	add("title", prev.Listing.Title != up.Listing.Title)
	add("url", prev.Listing.URL != up.Listing.URL)
	return changed
}

// apply builds the replacement document for an accepted write.
func apply(prev *Document, up Upsert, ref string, now time.Time) *Document {
	doc := &Document{
		Ref:       ref,
		Building:  up.Building,
		Property:  up.Property,
		Listing:   up.Listing,
		UpdatedAt: now,
	}
	if prev != nil {
		doc.FirstSeenAt = prev.FirstSeenAt
	} else {
		doc.FirstSeenAt = now
	}
	return doc
}
