// Package observability exports the orchestrator's Prometheus metrics.
// One Metrics value is shared by the engine, the scheduler and the stall
// detector; the API server mounts Handler() at /metrics.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every instrument the orchestrator records.
type Metrics struct {
	registry *prometheus.Registry

	TasksStarted   *prometheus.CounterVec // labels: mode (serial|parallel)
	TasksFinished  *prometheus.CounterVec // labels: status
	PairsFinished  *prometheus.CounterVec // labels: scraper, status
	ListingChanges *prometheus.CounterVec // labels: scraper, kind
	PairErrors     *prometheus.CounterVec // labels: scraper, category

	SchedulerFires   prometheus.Counter
	SchedulerSkips   prometheus.Counter
	StallPromotions  prometheus.Counter
	PauseTimeouts    prometheus.Counter
	ControlRequests  *prometheus.CounterVec // labels: op
	ActiveWorkers    prometheus.Gauge
	ActiveTasks      prometheus.Gauge
	PairDuration     *prometheus.HistogramVec // labels: scraper
	ProgressFlushes  prometheus.Counter
	ProgressConflict prometheus.Counter
}

// New creates a Metrics with its own registry, so tests can build
// several without duplicate-registration panics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		TasksStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "estate_tasks_started_total",
			Help: "Scraping tasks accepted, by execution mode.",
		}, []string{"mode"}),
		TasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "estate_tasks_finished_total",
			Help: "Scraping tasks reaching a terminal status.",
		}, []string{"status"}),
		PairsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "estate_pairs_finished_total",
			Help: "Scraper-area pairs reaching a terminal status.",
		}, []string{"scraper", "status"}),
		ListingChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "estate_listing_changes_total",
			Help: "Sink writes by change kind.",
		}, []string{"scraper", "kind"}),
		PairErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "estate_pair_errors_total",
			Help: "Pair failures by error category.",
		}, []string{"scraper", "category"}),
		SchedulerFires: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "estate_scheduler_fires_total",
			Help: "Schedules that produced a task.",
		}),
		SchedulerSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "estate_scheduler_skips_total",
			Help: "Schedule fires skipped because a scraper was already busy.",
		}),
		StallPromotions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "estate_stall_promotions_total",
			Help: "Running tasks promoted to failed by the stall detector.",
		}),
		PauseTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "estate_pause_timeouts_total",
			Help: "Paused tasks auto-cancelled after the pause timeout.",
		}),
		ControlRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "estate_control_requests_total",
			Help: "Control operations received, by operation.",
		}, []string{"op"}),
		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "estate_active_workers",
			Help: "Pair workers currently running.",
		}),
		ActiveTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "estate_active_tasks",
			Help: "Tasks in running or paused state.",
		}),
		PairDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "estate_pair_duration_seconds",
			Help:    "Wall time of one scraper-area pair.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s .. ~2.3h
		}, []string{"scraper"}),
		ProgressFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "estate_progress_flushes_total",
			Help: "Stats sampler flushes written to the store.",
		}),
		ProgressConflict: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "estate_progress_conflicts_total",
			Help: "Progress patches dropped by the merge rules.",
		}),
	}

	reg.MustRegister(
		m.TasksStarted, m.TasksFinished, m.PairsFinished,
		m.ListingChanges, m.PairErrors,
		m.SchedulerFires, m.SchedulerSkips,
		m.StallPromotions, m.PauseTimeouts, m.ControlRequests,
		m.ActiveWorkers, m.ActiveTasks, m.PairDuration,
		m.ProgressFlushes, m.ProgressConflict,
	)
	return m
}

// Handler serves this registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
