package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/progress"
	"github.com/JakeFAU/catalog-crawler/internal/store"
)

// StoreSink writes task events to a store.TaskLogRepository. Progress events
// are collapsed per task so one batch costs at most one progress write per task.
type StoreSink struct {
	repo   store.TaskLogRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.TaskLogRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume applies the batch in order. Progress for a task is flushed before
// that task's terminal event and at the end of the batch.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	pending := make(map[string]progress.Event)
	order := make([]string, 0)

	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageTaskStart:
			delete(pending, evt.TaskID)
			if err := s.repo.RecordStart(ctx, store.TaskLogEntry{
				TaskID:    evt.TaskID,
				CatalogID: evt.CatalogID,
				Target:    evt.Target,
				StartedAt: evt.TS,
			}); err != nil {
				return fmt.Errorf("record task start: %w", err)
			}
		case progress.StageTaskProgress:
			if _, seen := pending[evt.TaskID]; !seen {
				order = append(order, evt.TaskID)
			}
			pending[evt.TaskID] = evt
		case progress.StageTaskDone, progress.StageTaskFailed:
			if p, ok := pending[evt.TaskID]; ok {
				if err := s.writeProgress(ctx, p); err != nil {
					return err
				}
				delete(pending, evt.TaskID)
			}
			if err := s.repo.RecordFinish(ctx, evt.TaskID, evt.TS, crawler.Outcome{
				Status:      evt.Status,
				Error:       evt.Note,
				ErrorKind:   evt.ErrorKind,
				RowsSaved:   evt.RowsSaved,
				ParseErrors: evt.ParseErrors,
				Partial:     evt.Partial,
			}); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					s.logger.Debug("task log row missing for finish", zap.String("task_id", evt.TaskID))
					continue
				}
				return fmt.Errorf("record task finish: %w", err)
			}
		}
	}

	for _, id := range order {
		p, ok := pending[id]
		if !ok {
			continue
		}
		if err := s.writeProgress(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) writeProgress(ctx context.Context, evt progress.Event) error {
	err := s.repo.RecordProgress(ctx, evt.TaskID, crawler.Progress{
		CurrentPage: evt.Page,
		TotalPages:  evt.TotalPages,
		TotalRows:   evt.TotalRows,
		RowsSaved:   evt.RowsSaved,
		ParseErrors: evt.ParseErrors,
	}, evt.TS)
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Debug("task log row missing for progress", zap.String("task_id", evt.TaskID))
		return nil
	}
	return fmt.Errorf("record task progress: %w", err)
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
