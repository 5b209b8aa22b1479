package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/store"
)

const (
	defaultLogLimit = 50
	maxLogLimit     = 500
	taskLogTimeout  = 3 * time.Second
)

// TaskLogHandler exposes read-only task history.
type TaskLogHandler struct {
	repo    store.TaskLogRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewTaskLogHandler wires the repository and logger. A nil repository makes
// every route answer 503.
func NewTaskLogHandler(repo store.TaskLogRepository, logger *zap.Logger) *TaskLogHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskLogHandler{repo: repo, timeout: taskLogTimeout, logger: logger}
}

// GetTaskLog handles GET /v1/tasks/{task_id}/log. It returns {"log": {...}},
// 404 when the repository reports store.ErrNotFound, or 503 without a
// repository.
func (h *TaskLogHandler) GetTaskLog(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "task log unavailable")
		return
	}
	taskID := strings.TrimSpace(chi.URLParam(r, "task_id"))
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	entry, err := h.repo.GetTaskLog(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task log not found")
			return
		}
		h.logger.Error("get task log failed", zap.String("task_id", taskID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load task log")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"log": toTaskLogDTO(entry)})
}

// ListTaskLogs handles GET /v1/task-logs?status=&limit=&offset=.
func (h *TaskLogHandler) ListTaskLogs(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "task log unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultLogLimit, maxLogLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *crawler.TaskStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed, err := parseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		status = &parsed
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	entries, err := h.repo.ListTaskLogs(ctx, status, limit, offset)
	if err != nil {
		h.logger.Error("list task logs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list task logs")
		return
	}
	out := make([]taskLogDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, toTaskLogDTO(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": out})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (crawler.TaskStatus, error) {
	s := crawler.TaskStatus(strings.ToUpper(input))
	switch s {
	case crawler.TaskPending, crawler.TaskProcessing, crawler.TaskCompleted, crawler.TaskFailed, crawler.TaskCancelled:
		return s, nil
	case "CANCELED":
		return crawler.TaskCancelled, nil
	default:
		return "", errors.New("invalid status")
	}
}

type taskLogDTO struct {
	TaskID      string     `json:"task_id"`
	CatalogID   string     `json:"catalog_id"`
	Target      string     `json:"target"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Page        int        `json:"page"`
	TotalPages  int        `json:"total_pages"`
	TotalRows   int        `json:"total_rows"`
	RowsSaved   int        `json:"rows_saved"`
	ParseErrors int        `json:"parse_errors"`
	Percent     int        `json:"percent"`
	Partial     bool       `json:"partial"`
	ErrorKind   string     `json:"error_kind,omitempty"`
	Error       *string    `json:"error,omitempty"`
}

func toTaskLogDTO(e store.TaskLogEntry) taskLogDTO {
	return taskLogDTO{
		TaskID:      e.TaskID,
		CatalogID:   e.CatalogID,
		Target:      e.Target,
		Status:      string(e.Status),
		StartedAt:   e.StartedAt,
		UpdatedAt:   e.UpdatedAt,
		FinishedAt:  e.FinishedAt,
		Page:        e.Page,
		TotalPages:  e.TotalPages,
		TotalRows:   e.TotalRows,
		RowsSaved:   e.RowsSaved,
		ParseErrors: e.ParseErrors,
		Percent:     crawler.Progress{CurrentPage: e.Page, TotalPages: e.TotalPages}.Percent(),
		Partial:     e.Partial,
		ErrorKind:   e.ErrorKind,
		Error:       e.ErrorMessage,
	}
}
