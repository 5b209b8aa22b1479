package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/store"
)

var taskLogColumnNames = []string{
	"task_id", "catalog_id", "target", "status", "started_at", "updated_at", "finished_at",
	"page", "total_pages", "total_rows", "rows_saved", "parse_errors", "partial", "error_kind", "error_message",
}

func newTaskLogMock(t *testing.T) (pgxmock.PgxPoolIface, *TaskLogStore) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	logs, err := NewTaskLogStore(mock)
	require.NoError(t, err)
	return mock, logs
}

func TestTaskLogStoreRecordStart(t *testing.T) {
	t.Parallel()

	mock, logs := newTaskLogMock(t)
	started := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("INSERT INTO task_log").
		WithArgs("t1", "312", "catalog 312", "PROCESSING", started).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := logs.RecordStart(context.Background(), store.TaskLogEntry{
		TaskID:    "t1",
		CatalogID: "312",
		Target:    "catalog 312",
		StartedAt: started,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskLogStoreRecordProgressNotFound(t *testing.T) {
	t.Parallel()

	mock, logs := newTaskLogMock(t)
	at := time.Unix(1700000100, 0).UTC()
	mock.ExpectExec("UPDATE task_log").
		WithArgs(2, 5, 900, 400, 1, at, "t1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE task_log").
		WithArgs(1, 1, 10, 10, 0, at, "ghost").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	p := crawler.Progress{CurrentPage: 2, TotalPages: 5, TotalRows: 900, RowsSaved: 400, ParseErrors: 1}
	require.NoError(t, logs.RecordProgress(context.Background(), "t1", p, at))
	err := logs.RecordProgress(context.Background(), "ghost", crawler.Progress{
		CurrentPage: 1, TotalPages: 1, TotalRows: 10, RowsSaved: 10,
	}, at)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskLogStoreRecordFinish(t *testing.T) {
	t.Parallel()

	mock, logs := newTaskLogMock(t)
	at := time.Unix(1700000200, 0).UTC()
	kind := "server-error"
	msg := "HTTP 500"
	mock.ExpectExec("UPDATE task_log").
		WithArgs("FAILED", 0, 0, false, &kind, &msg, at, "t1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE task_log").
		WithArgs("COMPLETED", 200, 0, true, (*string)(nil), (*string)(nil), at, "t2").
		WillReturnError(errors.New("conn closed"))

	require.NoError(t, logs.RecordFinish(context.Background(), "t1", at, crawler.Outcome{
		Status: crawler.TaskFailed, ErrorKind: kind, Error: msg,
	}))
	err := logs.RecordFinish(context.Background(), "t2", at, crawler.Outcome{
		Status: crawler.TaskCompleted, RowsSaved: 200, Partial: true,
	})
	require.ErrorContains(t, err, "record task finish")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskLogStoreGetTaskLog(t *testing.T) {
	t.Parallel()

	mock, logs := newTaskLogMock(t)
	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(time.Minute)
	kind := "rate-limit"
	msg := "HTTP 429"
	mock.ExpectQuery("SELECT task_id").
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows(taskLogColumnNames).AddRow(
			"t1", "312", "catalog 312", "FAILED", started, finished, &finished,
			3, 5, 900, 400, 0, false, &kind, &msg,
		))
	mock.ExpectQuery("SELECT task_id").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows(taskLogColumnNames))

	entry, err := logs.GetTaskLog(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, crawler.TaskFailed, entry.Status)
	require.Equal(t, "rate-limit", entry.ErrorKind)
	require.Equal(t, 3, entry.Page)
	require.NotNil(t, entry.FinishedAt)
	require.Equal(t, finished, *entry.FinishedAt)

	_, err = logs.GetTaskLog(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskLogStoreListTaskLogs(t *testing.T) {
	t.Parallel()

	mock, logs := newTaskLogMock(t)
	started := time.Unix(1700000000, 0).UTC()
	done := started.Add(time.Minute)
	none := ""
	status := crawler.TaskCompleted
	statusArg := "COMPLETED"
	mock.ExpectQuery("SELECT task_id").
		WithArgs(&statusArg, 10, 0).
		WillReturnRows(pgxmock.NewRows(taskLogColumnNames).
			AddRow("t2", "312", "catalog 312", "COMPLETED", started, done, &done, 5, 5, 900, 900, 0, false, &none, &none).
			AddRow("t1", "313", "catalog 313", "COMPLETED", started, done, &done, 1, 1, 20, 20, 0, false, &none, &none))

	entries, err := logs.ListTaskLogs(context.Background(), &status, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "t2", entries[0].TaskID)
	require.Equal(t, 900, entries[0].RowsSaved)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewTaskLogStoreRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewTaskLogStore(nil)
	require.Error(t, err)
}
