package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/store"
)

// TaskLogStore provides an in-memory task log for development/testing.
type TaskLogStore struct {
	mu      sync.RWMutex
	entries map[string]store.TaskLogEntry
}

var _ store.TaskLogRepository = (*TaskLogStore)(nil)

// NewTaskLogStore constructs a TaskLogStore.
func NewTaskLogStore() *TaskLogStore {
	return &TaskLogStore{entries: make(map[string]store.TaskLogEntry)}
}

// RecordStart stores a fresh PROCESSING row, replacing any previous one.
func (s *TaskLogStore) RecordStart(_ context.Context, entry store.TaskLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.Status = crawler.TaskProcessing
	entry.UpdatedAt = entry.StartedAt
	entry.FinishedAt = nil
	s.entries[entry.TaskID] = entry
	return nil
}

// RecordProgress updates page counters for a known task.
func (s *TaskLogStore) RecordProgress(_ context.Context, taskID string, p crawler.Progress, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[taskID]
	if !ok {
		return store.ErrNotFound
	}
	entry.Page = p.CurrentPage
	entry.TotalPages = p.TotalPages
	entry.TotalRows = p.TotalRows
	entry.RowsSaved = p.RowsSaved
	entry.ParseErrors = p.ParseErrors
	entry.UpdatedAt = at
	s.entries[taskID] = entry
	return nil
}

// RecordFinish stores the terminal outcome for a known task.
func (s *TaskLogStore) RecordFinish(_ context.Context, taskID string, finishedAt time.Time, out crawler.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[taskID]
	if !ok {
		return store.ErrNotFound
	}
	entry.Status = out.Status
	entry.RowsSaved = out.RowsSaved
	entry.ParseErrors = out.ParseErrors
	entry.Partial = out.Partial
	entry.ErrorKind = out.ErrorKind
	entry.ErrorMessage = nil
	if out.Error != "" {
		msg := out.Error
		entry.ErrorMessage = &msg
	}
	entry.UpdatedAt = finishedAt
	entry.FinishedAt = pointerTime(finishedAt)
	s.entries[taskID] = entry
	return nil
}

// GetTaskLog fetches a row by task id.
func (s *TaskLogStore) GetTaskLog(_ context.Context, taskID string) (store.TaskLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[taskID]
	if !ok {
		return store.TaskLogEntry{}, store.ErrNotFound
	}
	return entry, nil
}

// ListTaskLogs returns rows ordered by StartedAt descending.
func (s *TaskLogStore) ListTaskLogs(
	_ context.Context,
	status *crawler.TaskStatus,
	limit,
	offset int,
) ([]store.TaskLogEntry, error) {
	s.mu.RLock()
	out := make([]store.TaskLogEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		if status != nil && entry.Status != *status {
			continue
		}
		out = append(out, entry)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if offset >= len(out) {
		return []store.TaskLogEntry{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
