package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/catalog-crawler/internal/progress"
)

// LogSink writes one structured log line per event. Progress events log at
// debug level; failures log at warn.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("task_id", evt.TaskID),
			zap.String("stage", string(evt.Stage)),
			zap.String("catalog_id", evt.CatalogID),
			zap.String("target", evt.Target),
		}
		level := zapcore.InfoLevel
		switch evt.Stage {
		case progress.StageTaskProgress:
			level = zapcore.DebugLevel
			fields = append(fields,
				zap.Int("page", evt.Page),
				zap.Int("total_pages", evt.TotalPages),
				zap.Int("rows_saved", evt.RowsSaved),
				zap.Int("percent", evt.Percent()),
			)
		case progress.StageTaskDone, progress.StageTaskFailed:
			fields = append(fields,
				zap.String("status", string(evt.Status)),
				zap.Int("rows_saved", evt.RowsSaved),
				zap.Int("parse_errors", evt.ParseErrors),
				zap.Bool("partial", evt.Partial),
				zap.Duration("dur", evt.Dur),
			)
			if evt.Stage == progress.StageTaskFailed {
				level = zapcore.WarnLevel
				fields = append(fields, zap.String("kind", evt.ErrorKind), zap.String("note", evt.Note))
			}
		}
		if ce := s.logger.Check(level, "task event"); ce != nil {
			ce.Write(fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
