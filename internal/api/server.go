// Package api is the HTTP face of the control surface: a thin JSON
// adapter over internal/control, plus schedule listings, the area table,
// health and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hikkoshi-lab/estate-crawler/internal/area"
	"github.com/hikkoshi-lab/estate-crawler/internal/config"
	"github.com/hikkoshi-lab/estate-crawler/internal/control"
	"github.com/hikkoshi-lab/estate-crawler/internal/dashboard"
	"github.com/hikkoshi-lab/estate-crawler/internal/schedule"
	"github.com/hikkoshi-lab/estate-crawler/internal/store"
	"github.com/hikkoshi-lab/estate-crawler/internal/task"
)

// Server exposes the control operations over HTTP.
type Server struct {
	mux    *http.ServeMux
	srv    *http.Server
	ops    *control.Ops
	sched  *schedule.Scheduler
	store  store.Store
	logger *slog.Logger
}

// New builds the server. sched and metricsHandler may be nil; their
// routes are simply not mounted.
func New(cfg config.ServerConfig, ops *control.Ops, sched *schedule.Scheduler, st store.Store, metricsHandler http.Handler, logger *slog.Logger) *Server {
	s := &Server{
		mux:    http.NewServeMux(),
		ops:    ops,
		sched:  sched,
		store:  st,
		logger: logger.With("component", "api_server"),
	}
	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	s.registerRoutes(metricsHandler)
	return s
}

// Handler returns the route mux, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.mux }

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	s.logger.Info("api server starting", "addr", s.srv.Addr)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", "error", err)
		}
	}()
}

// Shutdown drains in-flight requests, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) registerRoutes(metricsHandler http.Handler) {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.HandleFunc("POST /api/v1/tasks/serial", s.handleStart(s.ops.StartSerial))
	s.mux.HandleFunc("POST /api/v1/tasks/parallel", s.handleStart(s.ops.StartParallel))
	s.mux.HandleFunc("GET /api/v1/tasks", s.handleListTasks)
	s.mux.HandleFunc("GET /api/v1/tasks/{id}", s.handleGetTask)
	s.mux.HandleFunc("DELETE /api/v1/tasks/{id}", s.handleDeleteTask)
	s.mux.HandleFunc("POST /api/v1/tasks/{id}/pause", s.handleControl(s.ops.Pause))
	s.mux.HandleFunc("POST /api/v1/tasks/{id}/resume", s.handleControl(s.ops.Resume))
	s.mux.HandleFunc("POST /api/v1/tasks/{id}/cancel", s.handleControl(s.ops.Cancel))
	s.mux.HandleFunc("GET /api/v1/tasks/{id}/logs", s.handleLogs)
	s.mux.HandleFunc("POST /api/v1/cleanup", s.handleCleanup)

	s.mux.HandleFunc("GET /api/v1/schedules", s.handleListSchedules)
	s.mux.HandleFunc("GET /api/v1/areas", s.handleAreas)

	dash := dashboard.New(s.store, s.logger)
	s.mux.Handle("GET /dashboard/", http.StripPrefix("/dashboard", dash))

	if metricsHandler != nil {
		s.mux.Handle("GET /metrics", metricsHandler)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.jsonError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": config.Version,
	})
}

func (s *Server) handleStart(start func(context.Context, control.StartRequest) (*task.Task, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req control.StartRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.jsonError(w, http.StatusBadRequest, errors.New("invalid JSON body"))
			return
		}
		t, err := start(r.Context(), req)
		if err != nil {
			s.jsonError(w, statusFor(err), err)
			return
		}
		s.jsonResponse(w, http.StatusCreated, t)
	}
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active_only") == "true"
	tasks, err := s.ops.ListTasks(r.Context(), activeOnly)
	if err != nil {
		s.jsonError(w, statusFor(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"tasks": tasks,
		"count": len(tasks),
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.ops.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.jsonError(w, statusFor(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.ops.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.jsonError(w, statusFor(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleControl(op func(context.Context, string) (*task.Task, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := op(r.Context(), r.PathValue("id"))
		if err != nil {
			s.jsonError(w, statusFor(err), err)
			return
		}
		s.jsonResponse(w, http.StatusOK, t)
	}
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			s.jsonError(w, http.StatusBadRequest, errors.New("since must be RFC 3339"))
			return
		}
		since = parsed
	}
	diff, err := s.ops.ReadLogDiff(r.Context(), r.PathValue("id"), since)
	if err != nil {
		s.jsonError(w, statusFor(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"diff":  diff,
		"count": diff.Total(),
	})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	cleaned, err := s.ops.ForceCleanup(r.Context())
	if err != nil {
		s.jsonError(w, statusFor(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]int{"cleaned": cleaned})
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		s.jsonError(w, http.StatusServiceUnavailable, errors.New("scheduler disabled"))
		return
	}
	activeOnly := r.URL.Query().Get("active_only") == "true"
	schedules, err := s.sched.Schedules(r.Context(), activeOnly)
	if err != nil {
		s.jsonError(w, statusFor(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"schedules": schedules,
		"count":     len(schedules),
	})
}

func (s *Server) handleAreas(w http.ResponseWriter, r *http.Request) {
	wards := area.All()
	out := make([]map[string]string, 0, len(wards))
	for _, ward := range wards {
		out = append(out, map[string]string{
			"code":   ward.Code,
			"name":   ward.NameJa,
			"romaji": ward.Romaji,
		})
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"areas": out,
		"count": len(out),
	})
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, task.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, task.ErrInvalidArgument), errors.Is(err, task.ErrUnknownScraper):
		return http.StatusBadRequest
	case errors.Is(err, task.ErrInvalidState), errors.Is(err, task.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, status int, err error) {
	s.jsonResponse(w, status, map[string]string{"error": err.Error()})
}
