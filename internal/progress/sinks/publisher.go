package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/progress"
)

// PublisherSink forwards task events to a topic. By default only start and
// terminal events are published; progress events are opt-in.
type PublisherSink struct {
	pub             crawler.Publisher
	topic           string
	publishProgress bool
	logger          *zap.Logger
}

// PublisherOption customizes a PublisherSink.
type PublisherOption func(*PublisherSink)

// WithProgressEvents also publishes per-page progress events.
func WithProgressEvents() PublisherOption {
	return func(s *PublisherSink) {
		s.publishProgress = true
	}
}

// NewPublisherSink publishes to topic through pub.
func NewPublisherSink(pub crawler.Publisher, topic string, logger *zap.Logger, opts ...PublisherOption) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &PublisherSink{pub: pub, topic: topic, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Consume publishes each selected event. Every event is attempted; the
// returned error joins the individual failures.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if evt.Stage == progress.StageTaskProgress && !s.publishProgress {
			continue
		}
		id, err := s.pub.Publish(ctx, s.topic, evt)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s for %s: %w", evt.Stage, evt.TaskID, err))
			continue
		}
		s.logger.Debug("task event published",
			zap.String("task_id", evt.TaskID),
			zap.String("stage", string(evt.Stage)),
			zap.String("message_id", id))
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
