// Package dashboard serves a small operator status page: aggregate
// counters plus the recent task list, polled from the store. It mounts
// under /dashboard on the control API server.
package dashboard

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/hikkoshi-lab/estate-crawler/internal/store"
	"github.com/hikkoshi-lab/estate-crawler/internal/task"
)

// Dashboard renders the status page and its stats feed.
type Dashboard struct {
	mux    *http.ServeMux
	store  store.Store
	logger *slog.Logger
}

// New builds the dashboard over the given store.
func New(st store.Store, logger *slog.Logger) *Dashboard {
	d := &Dashboard{
		mux:    http.NewServeMux(),
		store:  st,
		logger: logger.With("component", "dashboard"),
	}
	d.mux.HandleFunc("GET /{$}", d.handlePage)
	d.mux.HandleFunc("GET /stats", d.handleStats)
	return d
}

func (d *Dashboard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.mux.ServeHTTP(w, r)
}

func (d *Dashboard) handlePage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(dashboardHTML))
}

type taskRow struct {
	ID        string `json:"task_id"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
	Scrapers  int    `json:"scrapers"`
	Areas     int    `json:"areas"`
	Found     int    `json:"found"`
	New       int    `json:"new"`
	Errors    int    `json:"errors"`
	CreatedAt string `json:"created_at"`
}

func (d *Dashboard) handleStats(w http.ResponseWriter, r *http.Request) {
	tasks, err := d.store.ListTasks(r.Context(), store.TaskFilter{Limit: 20})
	if err != nil {
		d.logger.Warn("dashboard task listing failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	stats := map[string]any{
		"timestamp": time.Now().Format(time.RFC3339),
	}
	var active, completed, failed, found, newListings int
	rows := make([]taskRow, 0, len(tasks))
	for _, t := range tasks {
		switch {
		case t.Status.Active():
			active++
		case t.Status == task.StatusCompleted:
			completed++
		case t.Status == task.StatusFailed:
			failed++
		}
		found += t.Totals.PropertiesFound
		newListings += t.Totals.TotalNew
		rows = append(rows, taskRow{
			ID:        t.ID,
			Kind:      string(t.Kind),
			Status:    string(t.Status),
			Scrapers:  len(t.Scrapers),
			Areas:     len(t.Areas),
			Found:     t.Totals.PropertiesFound,
			New:       t.Totals.TotalNew,
			Errors:    t.Totals.TotalErrors,
			CreatedAt: t.CreatedAt.Format(time.RFC3339),
		})
	}
	stats["active"] = active
	stats["completed"] = completed
	stats["failed"] = failed
	stats["properties_found"] = found
	stats["new_listings"] = newListings
	stats["tasks"] = rows

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		d.logger.Warn("stats encode failed", "error", err)
	}
}
