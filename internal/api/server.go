// Package api exposes the HTTP interface for the crawler service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/dispatcher"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
	"github.com/JakeFAU/catalog-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/catalog-crawler/internal/scheduler"
	"github.com/JakeFAU/catalog-crawler/internal/store"
)

const (
	defaultRequestTimeout = 60 * time.Second
	readyTimeout          = 2 * time.Second
)

// Pool is the worker pool surface the API drives.
type Pool interface {
	Start(ctx context.Context) error
	Stop()
	Running() bool
	Status() dispatcher.Status
	Submit(ctx context.Context, target crawler.TargetRef, priority crawler.Priority) (string, error)
}

// RateLimits is the limiter surface the API drives.
type RateLimits interface {
	AllStats() []ratelimit.EndpointRateState
	ResetAll()
	ForceInterval(endpoint string, d time.Duration) error
}

// Syncer runs a full catalog sync.
type Syncer interface {
	FullSync(ctx context.Context) (scheduler.SyncResult, error)
}

// Deps are the components behind the routes. TaskLog and Sync are optional.
type Deps struct {
	Queue   crawler.TaskQueue
	Pool    Pool
	Limits  RateLimits
	Sync    Syncer
	TaskLog store.TaskLogRepository
	// BaseContext bounds pools started over HTTP; request contexts end too early.
	BaseContext context.Context
}

// Config controls middleware.
type Config struct {
	AuthEnabled    bool
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the queue, pool and limiter.
type Server struct {
	router chi.Router
	deps   Deps
	logs   *TaskLogHandler
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.BaseContext == nil {
		deps.BaseContext = context.Background()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{
		deps:   deps,
		logs:   NewTaskLogHandler(deps.TaskLog, logger),
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.AuthEnabled {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.submitTask)
			r.Get("/{task_id}", s.getTask)
			r.Get("/{task_id}/log", s.logs.GetTaskLog)
		})
		r.Get("/task-logs", s.logs.ListTaskLogs)
		r.Get("/queue", s.queueDepth)
		r.Delete("/queue", s.clearQueue)
		r.Route("/pool", func(r chi.Router) {
			r.Get("/", s.poolStatus)
			r.Post("/start", s.startPool)
			r.Post("/stop", s.stopPool)
		})
		r.Route("/ratelimit", func(r chi.Router) {
			r.Get("/", s.rateLimits)
			r.Post("/reset", s.resetRateLimits)
			r.Put("/*", s.forceInterval)
		})
		r.Post("/sync", s.fullSync)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if _, err := s.deps.Queue.Depth(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitTaskRequest struct {
	CatalogID string `json:"catalog_id"`
	Level     *int   `json:"level"`
	Priority  *int   `json:"priority"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	target, priority, err := req.toTarget()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.deps.Pool.Submit(r.Context(), target, priority)
	switch {
	case errors.Is(err, crawler.ErrTaskBusy):
		writeError(w, http.StatusConflict, "target is being processed")
		return
	case err != nil:
		s.logger.Error("submit task failed", zap.String("catalog_id", target.CatalogID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to submit task")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": id, "priority": int(priority)})
}

func (req submitTaskRequest) toTarget() (crawler.TargetRef, crawler.Priority, error) {
	catalogID := strings.TrimSpace(req.CatalogID)
	if catalogID == "" {
		return crawler.TargetRef{}, 0, errors.New("catalog_id required")
	}
	level := crawler.LevelLeaf
	if req.Level != nil {
		level = crawler.Level(*req.Level)
		if level < crawler.LevelTop || level > crawler.LevelLeaf {
			return crawler.TargetRef{}, 0, errors.New("level must be 1, 2 or 3")
		}
	}
	priority := crawler.PriorityManual
	if req.Priority != nil {
		priority = crawler.Priority(*req.Priority).Clamp()
	}
	return crawler.TargetRef{CatalogID: catalogID, Level: level}, priority, nil
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	task, err := s.deps.Queue.Status(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("task status failed", zap.String("task_id", taskID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task":     task,
		"percent":  crawler.Progress{CurrentPage: task.CurrentPage, TotalPages: task.TotalPages}.Percent(),
		"sub_task": task.Target.IsSubTask(),
	})
}

func (s *Server) queueDepth(w http.ResponseWriter, r *http.Request) {
	depth, err := s.deps.Queue.Depth(r.Context())
	if err != nil {
		s.logger.Error("queue depth failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read queue depth")
		return
	}
	writeJSON(w, http.StatusOK, depth)
}

func (s *Server) clearQueue(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pool.Running() {
		writeError(w, http.StatusConflict, "stop the worker pool before clearing the queue")
		return
	}
	if err := s.deps.Queue.Clear(r.Context()); err != nil {
		s.logger.Error("clear queue failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to clear queue")
		return
	}
	s.logger.Warn("task queue cleared via API")
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) poolStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Pool.Status())
}

func (s *Server) startPool(w http.ResponseWriter, _ *http.Request) {
	err := s.deps.Pool.Start(s.deps.BaseContext)
	switch {
	case errors.Is(err, dispatcher.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, "worker pool already running")
		return
	case err != nil:
		s.logger.Error("start pool failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start worker pool")
		return
	}
	writeJSON(w, http.StatusAccepted, s.deps.Pool.Status())
}

func (s *Server) stopPool(w http.ResponseWriter, _ *http.Request) {
	s.deps.Pool.Stop()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

type rateStateDTO struct {
	Endpoint          string    `json:"endpoint"`
	IntervalMillis    int64     `json:"interval_ms"`
	LastRequestAt     time.Time `json:"last_request_at"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	TotalRequests     int64     `json:"total_requests"`
	Successful        int64     `json:"successful_requests"`
	SuccessRate       float64   `json:"success_rate"`
}

func (s *Server) rateLimits(w http.ResponseWriter, _ *http.Request) {
	stats := s.deps.Limits.AllStats()
	out := make([]rateStateDTO, 0, len(stats))
	for _, st := range stats {
		out = append(out, rateStateDTO{
			Endpoint:          st.Endpoint,
			IntervalMillis:    st.CurrentInterval.Milliseconds(),
			LastRequestAt:     st.LastRequestAt,
			ConsecutiveErrors: st.ConsecutiveErrors,
			TotalRequests:     st.TotalRequests,
			Successful:        st.SuccessfulRequests,
			SuccessRate:       st.SuccessRate,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": out})
}

func (s *Server) resetRateLimits(w http.ResponseWriter, _ *http.Request) {
	s.deps.Limits.ResetAll()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

type forceIntervalRequest struct {
	IntervalMillis int64 `json:"interval_ms"`
}

func (s *Server) forceInterval(w http.ResponseWriter, r *http.Request) {
	endpoint := "/" + strings.Trim(chi.URLParam(r, "*"), "/")
	if endpoint == "/" {
		writeError(w, http.StatusBadRequest, "endpoint required")
		return
	}
	var req forceIntervalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	d := time.Duration(req.IntervalMillis) * time.Millisecond
	if err := s.deps.Limits.ForceInterval(endpoint, d); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"endpoint": endpoint, "interval_ms": req.IntervalMillis})
}

func (s *Server) fullSync(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sync == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler unavailable")
		return
	}
	res, err := s.deps.Sync.FullSync(r.Context())
	if err != nil {
		s.logger.Error("full sync failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "result": res})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if expected == "" || key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
