// Package joblog builds the entries of the per-task log stream: listing
// change messages rendered from stable Japanese templates, error and
// warning payloads, and the kind-grouped diff served to clients.
package joblog

import (
	"fmt"
	"strconv"
	"time"

	"github.com/hikkoshi-lab/estate-crawler/internal/listing"
	"github.com/hikkoshi-lab/estate-crawler/internal/task"
)

// Fixed messages reused by the engine and scheduler.
const (
	MsgTaskFailed  = "スクレイピングタスクが失敗しました"
	MsgTaskStalled = "タスクが異常終了しました"
)

// ChangeMessage renders the property_update template for a change.
// The body is "{building} {floor}/{area}/{layout}/{direction} ({price}万円)"
// under a prefix naming the change kind.
func ChangeMessage(ch listing.Change) string {
	var prefix string
	switch ch.Kind {
	case listing.ChangeNew:
		prefix = "新規物件登録"
	case listing.ChangePriceUpdated:
		prefix = "価格更新"
	case listing.ChangeOtherUpdates:
		prefix = "物件情報更新"
	default:
		prefix = string(ch.Kind)
	}
	return fmt.Sprintf("%s: %s %s/%s/%s/%s (%d万円)",
		prefix,
		ch.Building.Name,
		ch.Property.Floor,
		formatSqm(ch.Property.AreaSqm),
		ch.Property.Layout,
		ch.Property.Direction,
		ch.Property.Price,
	)
}

func formatSqm(sqm float64) string {
	if sqm == 0 {
		return ""
	}
	return strconv.FormatFloat(sqm, 'f', -1, 64) + "m²"
}

// ChangeEntry builds the property_update log entry for a sink write.
func ChangeEntry(taskID string, ch listing.Change, at time.Time) *task.LogEntry {
	details := map[string]any{
		"scraper":       ch.Site,
		"area":          ch.AreaCode,
		"change_kind":   string(ch.Kind),
		"ref":           ch.Ref,
		"building_name": ch.Building.Name,
		"price":         ch.Property.Price,
	}
	if ch.URL != "" {
		details["url"] = ch.URL
	}
	if ch.Details != "" {
		details["details"] = ch.Details
	}
	return &task.LogEntry{
		TaskID:    taskID,
		Kind:      task.LogPropertyUpdate,
		Timestamp: at,
		Message:   ChangeMessage(ch),
		Details:   details,
	}
}

// ErrorInfo is the payload shared by error and warning entries.
type ErrorInfo struct {
	Scraper      string
	AreaCode     string
	URL          string
	BuildingName string
	Price        int
	Reason       string
	Detail       string
}

// ErrorEntry builds an error log entry. The message is the short reason;
// the raw failure text travels in details.
func ErrorEntry(taskID string, info ErrorInfo, at time.Time) *task.LogEntry {
	return infoEntry(taskID, task.LogError, info, at)
}

// WarningEntry builds a warning entry with the same payload shape.
func WarningEntry(taskID string, info ErrorInfo, at time.Time) *task.LogEntry {
	return infoEntry(taskID, task.LogWarning, info, at)
}

func infoEntry(taskID string, kind task.LogKind, info ErrorInfo, at time.Time) *task.LogEntry {
	details := map[string]any{
		"scraper": info.Scraper,
		"area":    info.AreaCode,
		"reason":  info.Reason,
	}
	if info.URL != "" {
		details["url"] = info.URL
	}
	if info.BuildingName != "" {
		details["building_name"] = info.BuildingName
	}
	if info.Price != 0 {
		details["price"] = info.Price
	}
	if info.Detail != "" {
		details["error_detail"] = info.Detail
	}
	return &task.LogEntry{
		TaskID:    taskID,
		Kind:      kind,
		Timestamp: at,
		Message:   info.Reason,
		Details:   details,
	}
}

// Diff is the kind-grouped view returned by ReadLogDiff.
type Diff struct {
	PropertyUpdates []*task.LogEntry `json:"property_updates"`
	Errors          []*task.LogEntry `json:"errors"`
	Warnings        []*task.LogEntry `json:"warnings"`
}

// Total counts entries across all groups.
func (d *Diff) Total() int {
	return len(d.PropertyUpdates) + len(d.Errors) + len(d.Warnings)
}

// GroupByKind splits a timestamp-ordered slice of entries into the diff
// groups, preserving order within each group.
func GroupByKind(entries []*task.LogEntry) *Diff {
	d := &Diff{}
	for _, e := range entries {
		switch e.Kind {
		case task.LogPropertyUpdate:
			d.PropertyUpdates = append(d.PropertyUpdates, e)
		case task.LogError:
			d.Errors = append(d.Errors, e)
		case task.LogWarning:
			d.Warnings = append(d.Warnings, e)
		}
	}
	return d
}
