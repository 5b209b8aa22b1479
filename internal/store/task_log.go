package store

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("task log record not found")

// TaskLogEntry models one row of the task_log table.
type TaskLogEntry struct {
	// TaskID is the queue identifier and primary key.
	TaskID string
	// CatalogID and Target describe what the task crawled.
	CatalogID string
	Target    string
	// StartedAt captures when a worker first claimed the task.
	StartedAt time.Time
	// UpdatedAt moves forward with every progress or terminal write.
	UpdatedAt time.Time
	// FinishedAt is nil until the task reaches a terminal status.
	FinishedAt *time.Time
	Status     crawler.TaskStatus
	// Page counters mirror the last progress report.
	Page        int
	TotalPages  int
	TotalRows   int
	RowsSaved   int
	ParseErrors int
	Partial     bool
	// ErrorKind and ErrorMessage are set on failed tasks.
	ErrorKind    string
	ErrorMessage *string
}

// TaskLogRepository persists per-task history for operators.
type TaskLogRepository interface {
	// RecordStart inserts the row, or resets it when a task id is reused.
	RecordStart(ctx context.Context, entry TaskLogEntry) error
	// RecordProgress applies the latest page counters.
	RecordProgress(ctx context.Context, taskID string, p crawler.Progress, at time.Time) error
	// RecordFinish stores the terminal outcome.
	RecordFinish(ctx context.Context, taskID string, finishedAt time.Time, out crawler.Outcome) error

	// GetTaskLog loads one row or returns ErrNotFound.
	GetTaskLog(ctx context.Context, taskID string) (TaskLogEntry, error)
	// ListTaskLogs returns rows filtered by optional status, newest first.
	ListTaskLogs(ctx context.Context, status *crawler.TaskStatus, limit, offset int) ([]TaskLogEntry, error)
}
