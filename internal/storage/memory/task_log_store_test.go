package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/store"
)

func TestTaskLogStoreLifecycle(t *testing.T) {
	t.Parallel()

	logs := NewTaskLogStore()
	ctx := context.Background()
	start := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)

	if err := logs.RecordProgress(ctx, "missing", crawler.Progress{}, start); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("RecordProgress() on unknown task error = %v", err)
	}
	if err := logs.RecordStart(ctx, store.TaskLogEntry{TaskID: "t1", CatalogID: "312", StartedAt: start}); err != nil {
		t.Fatalf("RecordStart() error = %v", err)
	}
	progress := crawler.Progress{CurrentPage: 2, TotalPages: 5, TotalRows: 1000, RowsSaved: 400}
	if err := logs.RecordProgress(ctx, "t1", progress, start.Add(time.Minute)); err != nil {
		t.Fatalf("RecordProgress() error = %v", err)
	}
	out := crawler.Outcome{Status: crawler.TaskCompleted, RowsSaved: 400, Partial: true}
	if err := logs.RecordFinish(ctx, "t1", start.Add(2*time.Minute), out); err != nil {
		t.Fatalf("RecordFinish() error = %v", err)
	}

	entry, err := logs.GetTaskLog(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTaskLog() error = %v", err)
	}
	if entry.Status != crawler.TaskCompleted || !entry.Partial || entry.FinishedAt == nil {
		t.Fatalf("unexpected terminal entry %+v", entry)
	}
	if entry.Page != 2 || entry.TotalPages != 5 || entry.RowsSaved != 400 {
		t.Fatalf("expected progress counters to persist, got %+v", entry)
	}
	if entry.ErrorMessage != nil {
		t.Fatalf("expected no error message, got %q", *entry.ErrorMessage)
	}
}

func TestTaskLogStoreListFiltersAndPages(t *testing.T) {
	t.Parallel()

	logs := NewTaskLogStore()
	ctx := context.Background()
	base := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		if err := logs.RecordStart(ctx, store.TaskLogEntry{TaskID: id, StartedAt: base.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatalf("RecordStart(%s) error = %v", id, err)
		}
	}
	failed := crawler.Outcome{Status: crawler.TaskFailed, Error: "HTTP 500", ErrorKind: "server-error"}
	if err := logs.RecordFinish(ctx, "b", base.Add(time.Hour), failed); err != nil {
		t.Fatalf("RecordFinish() error = %v", err)
	}

	all, err := logs.ListTaskLogs(ctx, nil, 10, 0)
	if err != nil {
		t.Fatalf("ListTaskLogs() error = %v", err)
	}
	if len(all) != 3 || all[0].TaskID != "c" || all[2].TaskID != "a" {
		t.Fatalf("expected newest first, got %+v", all)
	}

	status := crawler.TaskFailed
	onlyFailed, err := logs.ListTaskLogs(ctx, &status, 10, 0)
	if err != nil || len(onlyFailed) != 1 || onlyFailed[0].TaskID != "b" {
		t.Fatalf("unexpected filtered result: %+v err=%v", onlyFailed, err)
	}
	if onlyFailed[0].ErrorMessage == nil || *onlyFailed[0].ErrorMessage != "HTTP 500" {
		t.Fatalf("expected error message to persist, got %+v", onlyFailed[0])
	}

	page, err := logs.ListTaskLogs(ctx, nil, 1, 1)
	if err != nil || len(page) != 1 || page[0].TaskID != "b" {
		t.Fatalf("unexpected page: %+v err=%v", page, err)
	}
	empty, err := logs.ListTaskLogs(ctx, nil, 10, 5)
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty page, got %+v err=%v", empty, err)
	}
}
