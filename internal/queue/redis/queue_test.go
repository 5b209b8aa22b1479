package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/queue/queuetest"
)

func newTestQueue(t *testing.T, opts ...Option) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		if err := client.Close(); err != nil {
			t.Log(err)
		}
	})
	return New(client, opts...), mr
}

func TestQueueContract(t *testing.T) {
	queuetest.Run(t, func(t *testing.T) crawler.TaskQueue {
		q, _ := newTestQueue(t)
		return q
	})
}

func TestScoreOrdersPriorityBeforeSeq(t *testing.T) {
	t.Parallel()

	require.Less(t, Score(crawler.PriorityManual, 900), Score(crawler.PriorityAuto, 1))
	require.Less(t, Score(crawler.PriorityAuto, 1), Score(crawler.PriorityAuto, 2))
	require.Less(t, Score(crawler.MaxPriority, 1_000_000), Score(crawler.MaxPriority-1, 0))
}

func TestSubmitLayout(t *testing.T) {
	t.Parallel()

	q, mr := newTestQueue(t, WithPrefix("test:"))
	ctx := context.Background()

	id, err := q.Submit(ctx, crawler.SubmitRequest{
		Target:   crawler.TargetRef{CatalogID: "312", Level: crawler.LevelLeaf},
		Priority: crawler.PriorityManual,
	})
	require.NoError(t, err)

	require.True(t, mr.Exists("test:queue:pending"))
	require.True(t, mr.Exists("test:task:"+id))
	require.Equal(t, id, mr.HGet("test:dedup", "catalog:312"))
	require.Equal(t, "PENDING", mr.HGet("test:task:"+id, "status"))
	require.Equal(t, "1", mr.HGet("test:state", "total"))

	score, err := mr.ZScore("test:queue:pending", id)
	require.NoError(t, err)
	require.Equal(t, Score(crawler.PriorityManual, 1), score)
	require.False(t, mr.Exists("crawler:queue:pending"))
}

func TestStateSurvivesNewClient(t *testing.T) {
	t.Parallel()

	q, mr := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Submit(ctx, crawler.SubmitRequest{Target: crawler.TargetRef{CatalogID: "5"}, Priority: crawler.PriorityAuto})
	require.NoError(t, err)
	_, ok, err := q.Claim(ctx, "w-1")
	require.NoError(t, err)
	require.True(t, ok)

	// A restarted process sees the orphaned task and requeues it.
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() {
		if err := client.Close(); err != nil {
			t.Log(err)
		}
	}()
	restarted := New(client)
	n, err := restarted.RecoverProcessing(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	task, ok, err := restarted.Claim(ctx, "w-2")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, task.ID)
	require.Equal(t, "w-2", task.AssignedWorker)
	require.WithinDuration(t, time.Now(), task.CreatedAt, time.Minute)
}
