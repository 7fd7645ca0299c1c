// Package estatecrawler provides a one-stop entry point for embedding
// the orchestrator as a library.
//
// Example usage:
//
//	orch, err := estatecrawler.New(estatecrawler.WithConfigFile("estated.yaml"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	orch.Start()
//	defer orch.Stop(context.Background())
//
//	tk, err := orch.Ops().StartParallel(ctx, control.StartRequest{
//	    Scrapers:      []string{"suumo"},
//	    Areas:         []string{"港区", "世田谷区"},
//	    MaxProperties: 100,
//	})
package estatecrawler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/hikkoshi-lab/estate-crawler/internal/adapter"
	"github.com/hikkoshi-lab/estate-crawler/internal/adapter/rulebased"
	"github.com/hikkoshi-lab/estate-crawler/internal/api"
	"github.com/hikkoshi-lab/estate-crawler/internal/config"
	"github.com/hikkoshi-lab/estate-crawler/internal/control"
	"github.com/hikkoshi-lab/estate-crawler/internal/engine"
	"github.com/hikkoshi-lab/estate-crawler/internal/fetch"
	"github.com/hikkoshi-lab/estate-crawler/internal/listing"
	"github.com/hikkoshi-lab/estate-crawler/internal/logging"
	"github.com/hikkoshi-lab/estate-crawler/internal/observability"
	"github.com/hikkoshi-lab/estate-crawler/internal/schedule"
	"github.com/hikkoshi-lab/estate-crawler/internal/store"
)

// Orchestrator owns every subsystem of a running crawler process: store,
// sinks, fetch toolkit, adapter registry, task engine, stall detector,
// control surface, scheduler and HTTP server.
type Orchestrator struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   store.Store
	sink    listing.Sink
	sess    *fetch.Manager
	browser *fetch.Browser
	reg     *adapter.Registry
	eng     *engine.Engine
	stall   *engine.StallDetector
	ops     *control.Ops
	sched   *schedule.Scheduler
	metrics *observability.Metrics
	server  *api.Server

	extraAdapters map[string]adapter.Factory
	cfgFile       string
	cancel        context.CancelFunc
}

// Option configures an Orchestrator before construction.
type Option func(*Orchestrator)

// WithConfig uses an already-built configuration.
func WithConfig(cfg *config.Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// WithConfigFile loads configuration from the given file.
func WithConfigFile(path string) Option {
	return func(o *Orchestrator) { o.cfgFile = path }
}

// WithLogger replaces the logger built from the logging config.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithStore replaces the store built from the storage config. The caller
// keeps ownership; Stop will not close it.
func WithStore(st store.Store) Option {
	return func(o *Orchestrator) { o.store = st }
}

// WithSink replaces the listing sink built from the listings config.
func WithSink(sink listing.Sink) Option {
	return func(o *Orchestrator) { o.sink = sink }
}

// WithAdapter registers a site adapter factory in addition to the
// rule-based adapters loaded from the rules directory.
func WithAdapter(name string, f adapter.Factory) Option {
	return func(o *Orchestrator) { o.extraAdapters[name] = f }
}

// New builds the full subsystem graph from configuration. Nothing runs
// until Start.
func New(opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{extraAdapters: make(map[string]adapter.Factory)}
	for _, opt := range opts {
		opt(o)
	}

	if o.cfg == nil {
		cfg, err := config.Load(o.cfgFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		o.cfg = cfg
	}
	if err := config.Validate(o.cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if o.logger == nil {
		o.logger = logging.New(o.cfg.Logging)
	}

	if o.store == nil {
		st, err := buildStore(o.cfg.Storage, o.logger)
		if err != nil {
			return nil, err
		}
		o.store = st
	}
	if o.sink == nil {
		sink, err := buildSink(o.cfg.Listings, o.logger)
		if err != nil {
			return nil, err
		}
		o.sink = sink
	}

	o.sess = fetch.NewManager(o.cfg.Fetch, o.cfg.Proxy, o.logger)
	if o.cfg.Fetch.Browser.Enabled {
		o.browser = fetch.NewBrowser(o.cfg.Fetch.Browser, o.logger)
	}

	o.reg = adapter.NewRegistry(o.logger)
	if err := o.registerAdapters(); err != nil {
		return nil, err
	}

	if o.cfg.Metrics.Enabled {
		o.metrics = observability.New()
	}

	o.eng = engine.New(o.store, o.reg, o.sink, o.sess, o.metrics, o.cfg.Engine, o.logger)
	o.stall = engine.NewStallDetector(o.store, o.metrics, o.cfg.Engine, o.logger)
	o.ops = control.New(o.store, o.eng, o.stall, o.metrics, o.cfg.Engine, o.logger)

	if o.cfg.Scheduler.Enabled {
		sched, err := schedule.New(o.store, o.ops, o.eng.Hooks(), o.metrics, o.cfg.Scheduler, o.logger)
		if err != nil {
			return nil, err
		}
		o.sched = sched
	}

	if o.cfg.Server.Enabled {
		o.server = api.New(o.cfg.Server, o.ops, o.sched, o.store, o.metricsHandler(), o.logger)
	}
	return o, nil
}

// Start launches the background loops: stall sweeps, the scheduler and
// the HTTP server. Safe to call once.
func (o *Orchestrator) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel

	go o.stall.Run(ctx)
	if o.sched != nil {
		go o.sched.Run(ctx)
	}
	if o.server != nil {
		o.server.Start()
	}
	o.logger.Info("orchestrator started",
		"storage", o.cfg.Storage.Driver,
		"sink", o.sink.Name(),
		"scrapers", o.reg.Names(),
		"scheduler", o.sched != nil,
		"server", o.server != nil)
}

// Stop shuts everything down in dependency order: HTTP first, then the
// engine (waiting for workers to unwind), then the background loops and
// the storage layers. Bounded by ctx.
func (o *Orchestrator) Stop(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if o.server != nil {
		keep(o.server.Shutdown(ctx))
	}
	keep(o.eng.Shutdown(ctx))
	if o.cancel != nil {
		o.cancel()
	}
	keep(o.sink.Close(ctx))
	o.sess.CloseAll()
	if o.browser != nil {
		keep(o.browser.Close())
	}
	if closer, ok := o.store.(interface{ Close() error }); ok {
		keep(closer.Close())
	}
	o.logger.Info("orchestrator stopped")
	return firstErr
}

// Ops exposes the control surface: start, pause, resume, cancel, delete,
// list, logs, cleanup.
func (o *Orchestrator) Ops() *control.Ops { return o.ops }

// Engine exposes the task engine, mainly for Done-channel waits.
func (o *Orchestrator) Engine() *engine.Engine { return o.eng }

// Scheduler exposes schedule management; nil when disabled.
func (o *Orchestrator) Scheduler() *schedule.Scheduler { return o.sched }

// Store exposes the backing task store.
func (o *Orchestrator) Store() store.Store { return o.store }

// Sink exposes the listing sink.
func (o *Orchestrator) Sink() listing.Sink { return o.sink }

// Config returns the effective configuration.
func (o *Orchestrator) Config() *config.Config { return o.cfg }

// Logger returns the process logger.
func (o *Orchestrator) Logger() *slog.Logger { return o.logger }

func (o *Orchestrator) registerAdapters() error {
	if dir := o.cfg.Adapters.RulesDir; dir != "" {
		if _, err := os.Stat(dir); err == nil {
			rules, err := rulebased.LoadDir(dir)
			if err != nil {
				return fmt.Errorf("load adapter rules: %w", err)
			}
			for _, r := range rules {
				if r.Browser && o.browser == nil {
					o.logger.Warn("skipping site: rules require the browser fetcher but it is disabled", "site", r.Site)
					continue
				}
				if err := o.reg.Register(r.Site, rulebased.Factory(r, o.sess, o.browser)); err != nil {
					return err
				}
			}
		} else {
			o.logger.Warn("rules directory not found, no rule-based adapters loaded", "dir", dir)
		}
	}
	for name, f := range o.extraAdapters {
		if err := o.reg.Register(name, f); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) metricsHandler() http.Handler {
	if o.metrics == nil {
		return nil
	}
	return o.metrics.Handler()
}

func buildStore(cfg config.StorageConfig, logger *slog.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return store.NewPostgresStore(ctx, store.PostgresConfig{
			DSN:               cfg.DSN,
			MaxConns:          cfg.MaxConns,
			MinConns:          cfg.MinConns,
			MaxConnLifetime:   cfg.MaxConnLifetime,
			HealthCheckPeriod: cfg.HealthCheckPeriod,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func buildSink(cfg config.ListingsConfig, logger *slog.Logger) (listing.Sink, error) {
	switch cfg.Driver {
	case "none":
		return listing.NopSink{}, nil
	case "", "memory":
		return listing.NewMemorySink(logger), nil
	case "jsonl":
		return listing.NewJSONLSink(cfg.Path, logger)
	case "mongo":
		return listing.NewMongoSink(cfg.URI, cfg.Database, cfg.Collection, logger)
	default:
		return nil, fmt.Errorf("unknown listings driver %q", cfg.Driver)
	}
}
