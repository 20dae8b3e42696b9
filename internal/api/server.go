// Package api serves the admin HTTP surface: job CRUD, manual
// triggers, the executor roster, statistics and runtime scheduler
// controls. Responses are JSON; errors use {"error", "status"}.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/taskgrid/internal/config"
	"github.com/nextlevelbuilder/taskgrid/internal/job"
	"github.com/nextlevelbuilder/taskgrid/internal/placement"
	"github.com/nextlevelbuilder/taskgrid/internal/scheduler"
	"github.com/nextlevelbuilder/taskgrid/internal/stats"
	"github.com/nextlevelbuilder/taskgrid/internal/store"
	"github.com/nextlevelbuilder/taskgrid/internal/tracing"
)

const (
	maxBodyBytes = 1 << 20

	defaultPageLimit = 50
	maxPageLimit     = 500
)

// Server is the admin HTTP server.
type Server struct {
	cfg    *config.Config
	engine *scheduler.Engine
	store  store.Store
	stats  *stats.Manager

	srv     *http.Server
	limiter *rateLimiter
	tracer  *tracing.Provider
}

// NewServer wires the admin surface.
func NewServer(cfg *config.Config, engine *scheduler.Engine, st store.Store, sm *stats.Manager) *Server {
	return &Server{
		cfg:     cfg,
		engine:  engine,
		store:   st,
		stats:   sm,
		limiter: newRateLimiter(float64(cfg.Int("api.rate_limit", 50)), cfg.Int("api.rate_burst", 100)),
	}
}

// WithTracing attaches an OTLP span provider; a nil provider is inert.
func (s *Server) WithTracing(p *tracing.Provider) *Server {
	s.tracer = p
	return s
}

// Handler builds the routed handler with CORS and rate limiting.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/stats/jobs", s.handleStatsJobs)
	mux.HandleFunc("GET /api/stats/system", s.handleStatsSystem)
	mux.HandleFunc("GET /api/stats/executors", s.handleStatsExecutors)
	mux.HandleFunc("GET /api/stats/reset", s.handleStatsReset)

	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("POST /api/jobs", s.handleSubmitJob)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("PUT /api/jobs/{id}", s.handleUpdateJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", s.handleDeleteJob)
	mux.HandleFunc("POST /api/jobs/{id}/execute", s.handleExecuteJob)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", s.handleCancelJob)
	mux.HandleFunc("GET /api/jobs/{id}/executions", s.handleJobExecutions)

	mux.HandleFunc("GET /api/executors", s.handleListExecutors)
	mux.HandleFunc("GET /api/executors/{id}", s.handleGetExecutor)
	mux.HandleFunc("GET /api/executors/{id}/tasks", s.handleExecutorTasks)
	mux.HandleFunc("PUT /api/executors/{id}/load", s.handleExecutorLoad)
	mux.HandleFunc("PUT /api/executors/{id}/status", s.handleExecutorStatus)

	mux.HandleFunc("GET /api/scheduler/status", s.handleSchedulerStatus)
	mux.HandleFunc("PUT /api/scheduler/strategy", s.handleSchedulerStrategy)

	return corsMiddleware(s.limiter.middleware(s.tracer.HTTPMiddleware(mux)))
}

// Start serves on the configured port until Stop.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.APIPort())
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("admin api server failed", "error", err)
		}
	}()
	slog.Info("admin api listening", "addr", addr)
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() {
	if s.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.srv.Shutdown(ctx)
}

// corsMiddleware is permissive on every route; OPTIONS short-circuits
// with an empty 200.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg, "status": code})
}

// writeStoreError maps store sentinels onto HTTP codes.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrDuplicate):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrNotLeader):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func pageParams(r *http.Request) (offset, limit int) {
	q := r.URL.Query()
	offset, _ = strconv.Atoi(q.Get("offset"))
	if offset < 0 {
		offset = 0
	}
	limit, _ = strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return offset, limit
}

// --- stats ---

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":      s.stats.Jobs(),
		"system":    s.stats.System(),
		"executors": s.stats.Executors(),
	})
}

func (s *Server) handleStatsJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Jobs())
}

func (s *Server) handleStatsSystem(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.System())
}

func (s *Server) handleStatsExecutors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Executors())
}

func (s *Server) handleStatsReset(w http.ResponseWriter, r *http.Request) {
	s.stats.Reset()
	writeJSON(w, http.StatusOK, map[string]string{"result": "reset"})
}

// --- jobs ---

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	offset, limit := pageParams(r)
	var (
		jobs []job.Info
		err  error
	)
	if t := r.URL.Query().Get("type"); t != "" {
		jobs, err = s.store.ListJobsByType(r.Context(), job.Type(t), offset, limit)
	} else {
		jobs, err = s.store.ListJobs(r.Context(), offset, limit)
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}
	total, err := s.store.JobCount(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "total": total})
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var info job.Info
	if !decodeBody(w, r, &info) {
		return
	}
	created, err := s.engine.SubmitJob(r.Context(), info)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeStoreError(w, err)
		} else {
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	info, err := s.store.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	var info job.Info
	if !decodeBody(w, r, &info) {
		return
	}
	info.JobID = r.PathValue("id")
	if err := s.engine.UpdateJob(r.Context(), info); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeStoreError(w, err)
		} else {
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteJob(r.Context(), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "deleted"})
}

func (s *Server) handleExecuteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.TriggerJob(r.Context(), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"result": "queued"})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.CancelJob(r.Context(), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "cancelled"})
}

func (s *Server) handleJobExecutions(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if _, err := s.store.GetJob(r.Context(), jobID); err != nil {
		writeStoreError(w, err)
		return
	}
	offset, limit := pageParams(r)
	execs, err := s.store.JobExecutions(r.Context(), jobID, offset, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

// --- executors ---

func (s *Server) handleListExecutors(w http.ResponseWriter, r *http.Request) {
	executors, err := s.store.ListExecutors(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executors": executors})
}

func (s *Server) handleGetExecutor(w http.ResponseWriter, r *http.Request) {
	info, err := s.store.GetExecutor(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleExecutorTasks(w http.ResponseWriter, r *http.Request) {
	info, err := s.store.GetExecutor(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"executor_id":          info.ExecutorID,
		"current_load":         info.CurrentLoad,
		"total_tasks_executed": info.TotalTasksExecuted,
	})
}

func (s *Server) handleExecutorLoad(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MaxLoad int `json:"max_load"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.MaxLoad <= 0 {
		writeError(w, http.StatusBadRequest, "max_load must be positive")
		return
	}
	if err := s.store.UpdateExecutorMaxLoad(r.Context(), r.PathValue("id"), body.MaxLoad); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"max_load": body.MaxLoad})
}

func (s *Server) handleExecutorStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status job.ExecutorStatus `json:"status"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Status != job.ExecutorOnline && body.Status != job.ExecutorOffline {
		writeError(w, http.StatusBadRequest, "status must be ONLINE or OFFLINE")
		return
	}
	err := s.store.UpdateExecutorStatus(r.Context(), r.PathValue("id"), body.Status == job.ExecutorOnline)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": body.Status})
}

// --- scheduler controls ---

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"strategy":     s.engine.Strategy(),
		"queue_length": s.engine.QueueLength(),
	})
}

func (s *Server) handleSchedulerStrategy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Strategy string `json:"strategy"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	strategy, err := placement.ParseStrategy(body.Strategy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.engine.ChangeStrategy(strategy)
	writeJSON(w, http.StatusOK, map[string]any{"strategy": strategy})
}
