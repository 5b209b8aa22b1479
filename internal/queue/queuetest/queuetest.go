// Package queuetest holds behaviour tests shared by every crawler.TaskQueue
// implementation.
package queuetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// Factory returns a fresh, empty queue.
type Factory func(t *testing.T) crawler.TaskQueue

func target(id string) crawler.TargetRef {
	return crawler.TargetRef{CatalogID: id, Level: crawler.LevelLeaf}
}

// Run exercises the queue contract against new.
func Run(t *testing.T, newQueue Factory) {
	t.Run("priority then fifo", func(t *testing.T) { testOrdering(t, newQueue(t)) })
	t.Run("pending resubmit replaces", func(t *testing.T) { testResubmit(t, newQueue(t)) })
	t.Run("keep queued resubmit", func(t *testing.T) { testKeepQueued(t, newQueue(t)) })
	t.Run("processing resubmit is busy", func(t *testing.T) { testBusy(t, newQueue(t)) })
	t.Run("complete transitions", func(t *testing.T) { testComplete(t, newQueue(t)) })
	t.Run("exactly once claim", func(t *testing.T) { testConcurrentClaim(t, newQueue(t)) })
	t.Run("recover processing", func(t *testing.T) { testRecover(t, newQueue(t)) })
	t.Run("progress and clear", func(t *testing.T) { testProgressAndClear(t, newQueue(t)) })
}

func submit(t *testing.T, q crawler.TaskQueue, tr crawler.TargetRef, p crawler.Priority) string {
	t.Helper()
	id, err := q.Submit(context.Background(), crawler.SubmitRequest{Target: tr, Priority: p})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return id
}

func claim(t *testing.T, q crawler.TaskQueue) crawler.CrawlTask {
	t.Helper()
	task, ok, err := q.Claim(context.Background(), "w-test")
	require.NoError(t, err)
	require.True(t, ok)
	return task
}

func testOrdering(t *testing.T, q crawler.TaskQueue) {
	a := submit(t, q, target("A"), crawler.PriorityAuto)
	b := submit(t, q, target("B"), crawler.PriorityManual)
	c := submit(t, q, target("C"), crawler.PriorityAuto)

	require.Equal(t, b, claim(t, q).ID)
	require.Equal(t, a, claim(t, q).ID)
	got := claim(t, q)
	require.Equal(t, c, got.ID)
	require.Equal(t, crawler.TaskProcessing, got.Status)
	require.Equal(t, "w-test", got.AssignedWorker)
	require.NotNil(t, got.StartedAt)

	_, ok, err := q.Claim(context.Background(), "w-test")
	require.NoError(t, err)
	require.False(t, ok)
}

func testResubmit(t *testing.T, q crawler.TaskQueue) {
	ctx := context.Background()
	first := submit(t, q, target("X"), crawler.PriorityAuto)
	second := submit(t, q, target("X"), crawler.PriorityManual)
	require.NotEqual(t, first, second)

	old, err := q.Status(ctx, first)
	require.NoError(t, err)
	require.Equal(t, crawler.TaskCancelled, old.Status)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), depth.Pending)
	require.Equal(t, int64(2), depth.Total)

	got := claim(t, q)
	require.Equal(t, second, got.ID)
	require.Equal(t, crawler.PriorityManual, got.Priority)
	require.Equal(t, "X", got.Target.CatalogID)
}

func testKeepQueued(t *testing.T, q crawler.TaskQueue) {
	ctx := context.Background()
	manual := submit(t, q, target("X"), crawler.PriorityManual)

	id, err := q.Submit(ctx, crawler.SubmitRequest{Target: target("X"), Priority: crawler.PriorityAuto, KeepQueued: true})
	require.ErrorIs(t, err, crawler.ErrTaskQueued)
	require.Equal(t, manual, id)

	kept, err := q.Status(ctx, manual)
	require.NoError(t, err)
	require.Equal(t, crawler.TaskPending, kept.Status)
	require.Equal(t, crawler.PriorityManual, kept.Priority)

	// A higher priority still replaces the pending task.
	urgent, err := q.Submit(ctx, crawler.SubmitRequest{Target: target("X"), Priority: crawler.MaxPriority, KeepQueued: true})
	require.NoError(t, err)
	require.NotEqual(t, manual, urgent)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), depth.Pending)
	require.Equal(t, urgent, claim(t, q).ID)
}

func testBusy(t *testing.T, q crawler.TaskQueue) {
	submit(t, q, target("X"), crawler.PriorityAuto)
	claim(t, q)

	_, err := q.Submit(context.Background(), crawler.SubmitRequest{Target: target("X"), Priority: crawler.PriorityManual})
	require.ErrorIs(t, err, crawler.ErrTaskBusy)
}

func testComplete(t *testing.T, q crawler.TaskQueue) {
	ctx := context.Background()
	id := submit(t, q, target("X"), crawler.PriorityAuto)

	err := q.Complete(ctx, id, crawler.Outcome{Status: crawler.TaskCompleted})
	require.ErrorIs(t, err, crawler.ErrInvalidTransition)

	claim(t, q)
	require.NoError(t, q.Complete(ctx, id, crawler.Outcome{
		Status:    crawler.TaskCompleted,
		RowsSaved: 120,
		Partial:   true,
	}))
	task, err := q.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, crawler.TaskCompleted, task.Status)
	require.Equal(t, 120, task.RowsSaved)
	require.True(t, task.Partial)
	require.NotNil(t, task.CompletedAt)

	require.ErrorIs(t, q.Complete(ctx, id, crawler.Outcome{Status: crawler.TaskFailed}), crawler.ErrInvalidTransition)
	require.ErrorIs(t, q.Complete(ctx, "missing", crawler.Outcome{Status: crawler.TaskFailed}), crawler.ErrNotFound)
	_, err = q.Status(ctx, "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)

	// The dedup entry is released, so the target may be scheduled again.
	again := submit(t, q, target("X"), crawler.PriorityAuto)
	claim(t, q)
	require.NoError(t, q.Complete(ctx, again, crawler.Outcome{
		Status:    crawler.TaskFailed,
		Error:     "boom",
		ErrorKind: "server-error",
	}))
	failed, err := q.Status(ctx, again)
	require.NoError(t, err)
	require.Equal(t, "boom", failed.LastError)
	require.Equal(t, "server-error", failed.LastErrorKind)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), depth.Completed)
	require.Equal(t, int64(1), depth.Failed)
	require.Zero(t, depth.Processing)
}

func testConcurrentClaim(t *testing.T, q crawler.TaskQueue) {
	const tasks = 40
	for i := 0; i < tasks; i++ {
		submit(t, q, target(fmt.Sprint("cat-", i)), crawler.PriorityAuto)
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				task, ok, err := q.Claim(context.Background(), fmt.Sprint("w-", worker))
				if err != nil || !ok {
					return
				}
				mu.Lock()
				seen[task.ID]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	require.Len(t, seen, tasks)
	for id, n := range seen {
		require.Equal(t, 1, n, "task %s claimed %d times", id, n)
	}
}

func testRecover(t *testing.T, q crawler.TaskQueue) {
	ctx := context.Background()
	a := submit(t, q, target("A"), crawler.PriorityManual)
	b := submit(t, q, target("B"), crawler.PriorityAuto)
	claim(t, q)
	claim(t, q)

	n, err := q.RecoverProcessing(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	first := claim(t, q)
	require.Equal(t, a, first.ID)
	require.Equal(t, b, claim(t, q).ID)

	n, err = q.RecoverProcessing(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), depth.Pending)
	require.Zero(t, depth.Processing)
}

func testProgressAndClear(t *testing.T, q crawler.TaskQueue) {
	ctx := context.Background()
	sub := crawler.TargetRef{CatalogID: "9", SplitLevel: 1, FilterParams: map[string]any{"brandIdList": []string{"4"}}}
	id := submit(t, q, sub, crawler.PriorityAuto)
	claim(t, q)

	require.NoError(t, q.RecordProgress(ctx, id, crawler.Progress{CurrentPage: 2, TotalPages: 5, TotalRows: 480, RowsSaved: 200}))
	task, err := q.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 2, task.CurrentPage)
	require.Equal(t, 5, task.TotalPages)
	require.Equal(t, 200, task.RowsSaved)
	require.Equal(t, sub.Key(), task.Target.Key())
	require.ErrorIs(t, q.RecordProgress(ctx, "missing", crawler.Progress{}), crawler.ErrNotFound)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), depth.SubTasks)

	require.NoError(t, q.Clear(ctx))
	depth, err = q.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, crawler.QueueDepth{}, depth)
	_, err = q.Status(ctx, id)
	require.ErrorIs(t, err, crawler.ErrNotFound)
}
