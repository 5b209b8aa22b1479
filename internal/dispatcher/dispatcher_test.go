package dispatcher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/queue/memory"
	"github.com/JakeFAU/catalog-crawler/internal/retry"
	storemem "github.com/JakeFAU/catalog-crawler/internal/storage/memory"
	"github.com/JakeFAU/catalog-crawler/internal/worker"
)

type onePageAPI struct{ calls atomic.Int64 }

func (a *onePageAPI) FetchPage(_ context.Context, target crawler.TargetRef, page int) (crawler.Page, error) {
	a.calls.Add(1)
	return crawler.Page{
		Rows:        []crawler.RawRow{{"productCode": "C" + target.CatalogID}},
		CurrentPage: page,
		TotalPages:  1,
		TotalRows:   1,
	}, nil
}

func (a *onePageAPI) FetchFacetGroups(context.Context, crawler.TargetRef) (map[string]any, error) {
	return nil, nil
}

func (a *onePageAPI) FetchCatalogTree(context.Context) ([]crawler.CatalogNode, error) {
	return nil, nil
}

type codeParser struct{}

func (codeParser) ToDomainRecord(row crawler.RawRow) (crawler.Record, error) {
	code, _ := row["productCode"].(string)
	return crawler.Record{ProductCode: code}, nil
}

type noSleep struct{}

func (noSleep) Sleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newPool(t *testing.T, q crawler.TaskQueue, size int) (*Pool, *storemem.ProductSink) {
	t.Helper()
	sink := storemem.NewProductSink()
	api := &onePageAPI{}
	factory := func(id string) *worker.Worker {
		return worker.New(worker.Deps{
			Queue:  q,
			API:    api,
			Parser: codeParser{},
			Sink:   sink,
			Retry:  retry.NewSmart(nil, retry.WithSleeper(noSleep{})),
		}, worker.Config{ID: id, IdlePoll: 5 * time.Millisecond}, nil)
	}
	return New(Config{Workers: size}, q, factory, nil), sink
}

func TestPoolClampsWorkerCount(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue()
	small, _ := newPool(t, q, 0)
	require.Equal(t, MinWorkers, small.Size())
	large, _ := newPool(t, q, 16)
	require.Equal(t, MaxWorkers, large.Size())
	exact, _ := newPool(t, q, 3)
	require.Equal(t, 3, exact.Size())
}

func TestPoolProcessesQueuedTasks(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue()
	pool, sink := newPool(t, q, 2)
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3", "4"} {
		_, err := pool.Submit(ctx, crawler.TargetRef{CatalogID: id}, crawler.PriorityAuto)
		require.NoError(t, err)
	}

	require.NoError(t, pool.Start(ctx))
	require.True(t, pool.Running())
	require.ErrorIs(t, pool.Start(ctx), ErrAlreadyRunning)

	require.Eventually(t, func() bool { return sink.Len() == 4 }, 2*time.Second, 5*time.Millisecond)
	status := pool.Status()
	require.True(t, status.Running)
	require.Len(t, status.States, 2)
	require.Equal(t, "worker-1", status.States[0].ID)

	pool.Stop()
	require.NoError(t, pool.Wait())
	require.False(t, pool.Running())

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(4), depth.Completed)
	require.Zero(t, depth.Pending)
}

func TestPoolRecoversOrphanedTasksOnStart(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue()
	ctx := context.Background()
	id, err := q.Submit(ctx, crawler.SubmitRequest{Target: crawler.TargetRef{CatalogID: "7"}, Priority: crawler.PriorityAuto})
	require.NoError(t, err)
	_, ok, err := q.Claim(ctx, "crashed-worker")
	require.NoError(t, err)
	require.True(t, ok)

	pool, sink := newPool(t, q, 2)
	require.NoError(t, pool.Start(ctx))
	require.Eventually(t, func() bool {
		task, err := q.Status(ctx, id)
		return err == nil && task.Status == crawler.TaskCompleted
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, sink.Len())

	pool.Stop()
	require.NoError(t, pool.Wait())
}

func TestPoolRestartAfterStop(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue()
	pool, _ := newPool(t, q, 2)
	ctx := context.Background()

	require.NoError(t, pool.Start(ctx))
	pool.Stop()
	require.NoError(t, pool.Wait())
	require.NoError(t, pool.Start(ctx))
	pool.Stop()
	require.NoError(t, pool.Wait())
}

func TestPoolStopsWhenContextEnds(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue()
	pool, _ := newPool(t, q, 2)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, pool.Start(ctx))
	cancel()

	done := make(chan error, 1)
	go func() { done <- pool.Wait() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after context cancel")
	}
}

type failingQueue struct {
	crawler.TaskQueue
	err error
}

func (q failingQueue) Submit(context.Context, crawler.SubmitRequest) (string, error) {
	return "", q.err
}

func (q failingQueue) RecoverProcessing(context.Context) (int, error) {
	return 0, q.err
}

func TestPoolWrapsQueueErrors(t *testing.T) {
	t.Parallel()

	q := failingQueue{err: errors.New("boom")}
	pool := New(Config{}, q, nil, nil)

	_, err := pool.Submit(context.Background(), crawler.TargetRef{CatalogID: "1"}, crawler.PriorityManual)
	require.EqualError(t, err, "queue submit: boom")

	err = pool.Start(context.Background())
	require.ErrorContains(t, err, "recover processing tasks")
	require.False(t, pool.Running())

	_, err = pool.Submit(context.Background(), crawler.TargetRef{CatalogID: "1"}, crawler.PriorityManual)
	require.ErrorIs(t, errors.Unwrap(err), q.err)
}
