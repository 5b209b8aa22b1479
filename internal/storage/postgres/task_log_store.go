package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/store"
)

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// TaskLogStore implements store.TaskLogRepository on the task_log table.
type TaskLogStore struct {
	pool querier
}

var _ store.TaskLogRepository = (*TaskLogStore)(nil)

// NewTaskLogStore wraps an existing pool.
func NewTaskLogStore(pool querier) (*TaskLogStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &TaskLogStore{pool: pool}, nil
}

// Close closes the underlying connection pool.
func (s *TaskLogStore) Close() {
	s.pool.Close()
}

const taskLogColumns = `task_id, catalog_id, target, status, started_at, updated_at, finished_at,
	page, total_pages, total_rows, rows_saved, parse_errors, partial, error_kind, error_message`

// RecordStart inserts the row in PROCESSING, resetting a reused task id.
func (s *TaskLogStore) RecordStart(ctx context.Context, entry store.TaskLogEntry) error {
	query := `
		INSERT INTO task_log (task_id, catalog_id, target, status, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (task_id) DO UPDATE
		SET status = EXCLUDED.status,
			started_at = EXCLUDED.started_at,
			updated_at = EXCLUDED.updated_at,
			finished_at = NULL,
			error_kind = NULL,
			error_message = NULL;
	`
	_, err := s.pool.Exec(ctx, query,
		entry.TaskID, entry.CatalogID, entry.Target, string(crawler.TaskProcessing), entry.StartedAt)
	if err != nil {
		return fmt.Errorf("record task start: %w", err)
	}
	return nil
}

// RecordProgress applies page counters.
func (s *TaskLogStore) RecordProgress(ctx context.Context, taskID string, p crawler.Progress, at time.Time) error {
	query := `
		UPDATE task_log
		SET page = $1, total_pages = $2, total_rows = $3, rows_saved = $4, parse_errors = $5, updated_at = $6
		WHERE task_id = $7;
	`
	tag, err := s.pool.Exec(ctx, query,
		p.CurrentPage, p.TotalPages, p.TotalRows, p.RowsSaved, p.ParseErrors, at, taskID)
	if err != nil {
		return fmt.Errorf("record task progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// RecordFinish stores the terminal outcome.
func (s *TaskLogStore) RecordFinish(ctx context.Context, taskID string, finishedAt time.Time, out crawler.Outcome) error {
	query := `
		UPDATE task_log
		SET status = $1, rows_saved = $2, parse_errors = $3, partial = $4,
			error_kind = $5, error_message = $6, finished_at = $7, updated_at = $7
		WHERE task_id = $8;
	`
	tag, err := s.pool.Exec(ctx, query,
		string(out.Status),
		out.RowsSaved,
		out.ParseErrors,
		out.Partial,
		nullable(out.ErrorKind),
		nullable(out.Error),
		finishedAt,
		taskID,
	)
	if err != nil {
		return fmt.Errorf("record task finish: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetTaskLog loads one row by task id.
func (s *TaskLogStore) GetTaskLog(ctx context.Context, taskID string) (store.TaskLogEntry, error) {
	query := `SELECT ` + taskLogColumns + ` FROM task_log WHERE task_id = $1;`
	entry, err := scanTaskLog(s.pool.QueryRow(ctx, query, taskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.TaskLogEntry{}, store.ErrNotFound
		}
		return store.TaskLogEntry{}, fmt.Errorf("get task log: %w", err)
	}
	return entry, nil
}

// ListTaskLogs returns rows newest first, optionally filtered by status.
func (s *TaskLogStore) ListTaskLogs(
	ctx context.Context,
	status *crawler.TaskStatus,
	limit,
	offset int,
) ([]store.TaskLogEntry, error) {
	query := `SELECT ` + taskLogColumns + `
		FROM task_log
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC, task_id
		LIMIT $2 OFFSET $3;`
	var statusArg *string
	if status != nil {
		v := string(*status)
		statusArg = &v
	}
	rows, err := s.pool.Query(ctx, query, statusArg, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list task logs: %w", err)
	}
	defer rows.Close()

	entries := []store.TaskLogEntry{}
	for rows.Next() {
		entry, err := scanTaskLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task log row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task logs: %w", err)
	}
	return entries, nil
}

func scanTaskLog(row pgx.Row) (store.TaskLogEntry, error) {
	var (
		entry     store.TaskLogEntry
		status    string
		errorKind *string
	)
	err := row.Scan(
		&entry.TaskID,
		&entry.CatalogID,
		&entry.Target,
		&status,
		&entry.StartedAt,
		&entry.UpdatedAt,
		&entry.FinishedAt,
		&entry.Page,
		&entry.TotalPages,
		&entry.TotalRows,
		&entry.RowsSaved,
		&entry.ParseErrors,
		&entry.Partial,
		&errorKind,
		&entry.ErrorMessage,
	)
	if err != nil {
		return store.TaskLogEntry{}, err
	}
	entry.Status = crawler.TaskStatus(status)
	if errorKind != nil {
		entry.ErrorKind = *errorKind
	}
	return entry, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
