package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

var _ crawler.Publisher = (*Publisher)(nil)

func TestPublisherRecordsByTopic(t *testing.T) {
	t.Parallel()

	pub := New()
	ctx := context.Background()
	id1, err := pub.Publish(ctx, "task-events", map[string]string{"stage": "TASK_START"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	_, err = pub.Publish(ctx, "task-failures", "boom")
	require.NoError(t, err)
	_, err = pub.Publish(ctx, "task-events", map[string]string{"stage": "TASK_DONE"})
	require.NoError(t, err)

	require.Len(t, pub.Messages(), 3)
	events := pub.Topic("task-events")
	require.Len(t, events, 2)
	require.Equal(t, "memory-3", events[1].ID)

	msgs := pub.Messages()
	msgs[0].Topic = "modified"
	require.Equal(t, "task-events", pub.Messages()[0].Topic)

	pub.Reset()
	require.Empty(t, pub.Messages())
	id, err := pub.Publish(ctx, "task-events", nil)
	require.NoError(t, err)
	require.Equal(t, "memory-4", id)
}

func TestPublisherHonoursCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pub := New()
	_, err := pub.Publish(ctx, "task-events", "x")
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, pub.Messages())
}
