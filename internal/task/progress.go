package task

import (
	"fmt"
	"time"
)

// PairKey names a ProgressRecord within a task: "{scraper}_{area_code}".
func PairKey(scraper, areaCode string) string {
	return fmt.Sprintf("%s_%s", scraper, areaCode)
}

// Counters are the per-pair counters reported by adapters. They embed
// flat into the record's JSON so the persisted shape matches the
// progress_detail layout.
type Counters struct {
	PropertiesFound     int `json:"properties_found"`
	PropertiesProcessed int `json:"properties_processed"`
	PropertiesAttempted int `json:"properties_attempted"`
	DetailFetched       int `json:"detail_fetched"`
	DetailSkipped       int `json:"detail_skipped"`
	DetailFetchFailed   int `json:"detail_fetch_failed"`
	NewListings         int `json:"new_listings"`
	PriceUpdated        int `json:"price_updated"`
	OtherUpdates        int `json:"other_updates"`
	RefetchedUnchanged  int `json:"refetched_unchanged"`
	SaveFailed          int `json:"save_failed"`
	PriceMissing        int `json:"price_missing"`
	BuildingInfoMissing int `json:"building_info_missing"`
	OtherErrors         int `json:"other_errors"`
	ValidationFailed    int `json:"validation_failed"`
	Errors              int `json:"errors"`
}

// ProgressRecord tracks one (scraper × area) execution. Once IsFinal is
// set the record is frozen; the aggregator drops all later patches.
type ProgressRecord struct {
	Scraper  string `json:"scraper"`
	AreaCode string `json:"area_code"`
	AreaName string `json:"area_name"`

	Status  Status `json:"status"`
	IsFinal bool   `json:"is_final"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Counters

	ErrorsList []string `json:"errors_list,omitempty"`
}

// Clone returns a deep copy of the record.
func (r *ProgressRecord) Clone() *ProgressRecord {
	c := *r
	c.StartedAt = cloneTime(r.StartedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.ErrorsList = append([]string(nil), r.ErrorsList...)
	return &c
}

// Terminal reports whether the record's status is terminal.
func (r *ProgressRecord) Terminal() bool { return r.Status.IsTerminal() }

// ProgressPatch is a partial update to one ProgressRecord. Nil fields are
// absent from the patch; Counters, when set, is the adapter's full
// current snapshot for the pair and replaces the stored counters.
type ProgressPatch struct {
	Status      *Status
	IsFinal     *bool
	AreaName    *string
	StartedAt   *time.Time
	CompletedAt *time.Time
	Counters    *Counters
	ErrorsList  []string
}

// StatusPatch is shorthand for a patch that only sets a status.
func StatusPatch(s Status) ProgressPatch {
	return ProgressPatch{Status: &s}
}

// FinalPatch builds the finalisation barrier write for a pair.
func FinalPatch(s Status, at time.Time, counters *Counters, errs []string) ProgressPatch {
	final := true
	return ProgressPatch{
		Status:      &s,
		IsFinal:     &final,
		CompletedAt: &at,
		Counters:    counters,
		ErrorsList:  errs,
	}
}
