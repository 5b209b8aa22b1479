package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/queue/memory"
	"github.com/JakeFAU/catalog-crawler/internal/retry"
	storemem "github.com/JakeFAU/catalog-crawler/internal/storage/memory"
)

type noSleep struct{}

func (noSleep) Sleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

// pagedAPI serves totalRows rows in pages of pageSize.
type pagedAPI struct {
	mu        sync.Mutex
	totalRows int
	pageSize  int
	err       error
	onFetch   func(page int)
	fetched   []int
}

func (a *pagedAPI) FetchPage(ctx context.Context, target crawler.TargetRef, page int) (crawler.Page, error) {
	a.mu.Lock()
	a.fetched = append(a.fetched, page)
	hook := a.onFetch
	a.mu.Unlock()
	if hook != nil {
		hook(page)
	}
	if err := ctx.Err(); err != nil {
		return crawler.Page{}, err
	}
	if a.err != nil {
		return crawler.Page{}, a.err
	}
	pages := (a.totalRows + a.pageSize - 1) / a.pageSize
	rows := make([]crawler.RawRow, 0, a.pageSize)
	for i := 0; i < a.pageSize && (page-1)*a.pageSize+i < a.totalRows; i++ {
		rows = append(rows, crawler.RawRow{"productCode": fmt.Sprintf("C%s-%d-%d", target.CatalogID, page, i)})
	}
	return crawler.Page{
		Rows:        rows,
		CurrentPage: page,
		TotalPages:  pages,
		TotalRows:   a.totalRows,
		Body:        []byte(fmt.Sprintf(`{"page":%d}`, page)),
	}, nil
}

func (a *pagedAPI) FetchFacetGroups(context.Context, crawler.TargetRef) (map[string]any, error) {
	return nil, nil
}

func (a *pagedAPI) FetchCatalogTree(context.Context) ([]crawler.CatalogNode, error) {
	return nil, nil
}

func (a *pagedAPI) pagesFetched() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int(nil), a.fetched...)
}

type codeParser struct{}

func (codeParser) ToDomainRecord(row crawler.RawRow) (crawler.Record, error) {
	code, _ := row["productCode"].(string)
	if code == "" {
		return crawler.Record{}, errors.New("missing product code")
	}
	return crawler.Record{ProductCode: code, ContentHash: "h-" + code}, nil
}

type fakeSplitter struct {
	threshold int
	units     []crawler.SplitUnit
	calls     int
}

func (s *fakeSplitter) NeedsSplit(total int) bool { return total > s.threshold }

func (s *fakeSplitter) Split(_ context.Context, target crawler.TargetRef) ([]crawler.SplitUnit, error) {
	s.calls++
	out := make([]crawler.SplitUnit, len(s.units))
	for i, u := range s.units {
		u.Parent = target
		out[i] = u
	}
	return out, nil
}

type failingSink struct{ err error }

func (f failingSink) UpsertBatch(context.Context, []crawler.Record) (int, error) { return 0, f.err }

type recordingNotifier struct {
	mu       sync.Mutex
	started  int
	progress []crawler.Progress
	done     []crawler.Outcome
	failed   []crawler.Outcome
}

func (n *recordingNotifier) OnTaskStart(crawler.CrawlTask) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.started++
}

func (n *recordingNotifier) OnProgress(_ crawler.CrawlTask, p crawler.Progress) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.progress = append(n.progress, p)
}

func (n *recordingNotifier) OnTaskComplete(_ crawler.CrawlTask, out crawler.Outcome) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.done = append(n.done, out)
}

func (n *recordingNotifier) OnTaskFailed(_ crawler.CrawlTask, out crawler.Outcome) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, out)
}

type fixture struct {
	queue    *memory.Queue
	sink     *storemem.ProductSink
	archive  *storemem.BlobStore
	notifier *recordingNotifier
	api      *pagedAPI
}

func newFixture(api *pagedAPI) *fixture {
	return &fixture{
		queue:    memory.NewQueue(),
		sink:     storemem.NewProductSink(),
		archive:  storemem.NewBlobStore(),
		notifier: &recordingNotifier{},
		api:      api,
	}
}

func (f *fixture) worker(splitter Splitter, sink crawler.Sink) *Worker {
	if sink == nil {
		sink = f.sink
	}
	deps := Deps{
		Queue:    f.queue,
		API:      f.api,
		Parser:   codeParser{},
		Sink:     sink,
		Splitter: splitter,
		Notifier: f.notifier,
		Archive:  f.archive,
		Retry:    retry.NewSmart(nil, retry.WithSleeper(noSleep{})),
		Sleeper:  noSleep{},
	}
	return New(deps, Config{ID: "worker-1"}, nil)
}

func (f *fixture) claim(t *testing.T, target crawler.TargetRef, p crawler.Priority, retries int) crawler.CrawlTask {
	t.Helper()
	ctx := context.Background()
	_, err := f.queue.Submit(ctx, crawler.SubmitRequest{Target: target, Priority: p, RetryCount: retries})
	require.NoError(t, err)
	task, ok, err := f.queue.Claim(ctx, "worker-1")
	require.NoError(t, err)
	require.True(t, ok)
	return task
}

func (f *fixture) status(t *testing.T, id string) crawler.CrawlTask {
	t.Helper()
	task, err := f.queue.Status(context.Background(), id)
	require.NoError(t, err)
	return task
}

func TestWorkerProcessCompletesAllPages(t *testing.T) {
	t.Parallel()

	f := newFixture(&pagedAPI{totalRows: 5, pageSize: 2})
	w := f.worker(nil, nil)
	task := f.claim(t, crawler.TargetRef{CatalogID: "312", Level: crawler.LevelLeaf}, crawler.PriorityAuto, 0)

	w.Process(context.Background(), task)

	got := f.status(t, task.ID)
	require.Equal(t, crawler.TaskCompleted, got.Status)
	require.Equal(t, 5, got.RowsSaved)
	require.False(t, got.Partial)
	require.Equal(t, 3, got.CurrentPage)
	require.Equal(t, 3, got.TotalPages)
	require.Equal(t, 5, f.sink.Len())
	require.Equal(t, []int{1, 2, 3}, f.api.pagesFetched())
	require.Equal(t, []string{
		crawler.RawPagePath("312", task.ID, 1),
		crawler.RawPagePath("312", task.ID, 2),
		crawler.RawPagePath("312", task.ID, 3),
	}, f.archive.Paths())

	require.Equal(t, 1, f.notifier.started)
	require.Len(t, f.notifier.progress, 3)
	require.Equal(t, 4, f.notifier.progress[1].RowsSaved)
	require.Len(t, f.notifier.done, 1)
	require.Equal(t, StateFinalizing, w.State())
	require.Empty(t, w.CurrentTask())
}

func TestWorkerPartialCompletionOnStop(t *testing.T) {
	t.Parallel()

	api := &pagedAPI{totalRows: 10, pageSize: 2}
	f := newFixture(api)
	w := f.worker(nil, nil)
	api.onFetch = func(page int) {
		if page == 1 {
			w.Stop()
		}
	}
	task := f.claim(t, crawler.TargetRef{CatalogID: "312"}, crawler.PriorityAuto, 0)

	w.Process(context.Background(), task)

	got := f.status(t, task.ID)
	require.Equal(t, crawler.TaskCompleted, got.Status)
	require.True(t, got.Partial)
	require.Equal(t, 2, got.RowsSaved)
	require.Equal(t, 1, got.CurrentPage)
	require.Equal(t, 5, got.TotalPages)
	require.Equal(t, []int{1}, api.pagesFetched())
	require.Len(t, f.notifier.done, 1)
	require.True(t, f.notifier.done[0].Partial)
}

func TestWorkerCancelledBeforeAnyRows(t *testing.T) {
	t.Parallel()

	f := newFixture(&pagedAPI{totalRows: 10, pageSize: 2})
	w := f.worker(nil, nil)
	task := f.claim(t, crawler.TargetRef{CatalogID: "312"}, crawler.PriorityAuto, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Process(ctx, task)

	got := f.status(t, task.ID)
	require.Equal(t, crawler.TaskCancelled, got.Status)
	require.Zero(t, got.RowsSaved)
	require.Zero(t, f.sink.Len())
}

func TestWorkerSplitsOversizedTarget(t *testing.T) {
	t.Parallel()

	api := &pagedAPI{totalRows: 9000, pageSize: 100}
	f := newFixture(api)
	splitter := &fakeSplitter{threshold: 4800, units: []crawler.SplitUnit{
		{DimensionName: "brand", FilterID: "7", FilterValue: "Yageo", EstimatedCount: 5000,
			FilterParams: map[string]any{"brandIdList": []any{"7"}}},
		{DimensionName: "brand", FilterID: "9", FilterValue: "Vishay", EstimatedCount: 4000,
			FilterParams: map[string]any{"brandIdList": []any{"9"}}},
	}}
	w := f.worker(splitter, nil)
	task := f.claim(t, crawler.TargetRef{CatalogID: "312"}, crawler.PriorityManual, 0)

	w.Process(context.Background(), task)

	require.Equal(t, crawler.TaskCompleted, f.status(t, task.ID).Status)
	require.Equal(t, []int{1}, api.pagesFetched())
	require.Zero(t, f.sink.Len())

	ctx := context.Background()
	depth, err := f.queue.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), depth.Pending)
	require.Equal(t, int64(2), depth.SubTasks)

	for _, want := range []string{"Yageo", "Vishay"} {
		child, ok, err := f.queue.Claim(ctx, "worker-2")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, want, child.Target.FilterValue)
		require.Equal(t, 1, child.Target.SplitLevel)
		require.Equal(t, task.ID, child.Target.ParentTaskID)
		require.Equal(t, crawler.PriorityManual, child.Priority)
	}
}

func TestWorkerCrawlsUnsplittableTargetAtRisk(t *testing.T) {
	t.Parallel()

	api := &pagedAPI{totalRows: 6000, pageSize: 3000}
	f := newFixture(api)
	splitter := &fakeSplitter{threshold: 4800}
	w := f.worker(splitter, nil)
	task := f.claim(t, crawler.TargetRef{CatalogID: "312"}, crawler.PriorityAuto, 0)

	w.Process(context.Background(), task)

	require.Equal(t, 1, splitter.calls)
	got := f.status(t, task.ID)
	require.Equal(t, crawler.TaskCompleted, got.Status)
	require.Equal(t, 6000, got.RowsSaved)
}

func TestWorkerDoesNotSplitBeyondMaxDepth(t *testing.T) {
	t.Parallel()

	f := newFixture(&pagedAPI{totalRows: 5000, pageSize: 2500})
	splitter := &fakeSplitter{threshold: 4800, units: []crawler.SplitUnit{{FilterValue: "x"}}}
	w := f.worker(splitter, nil)
	task := f.claim(t, crawler.TargetRef{CatalogID: "312", SplitLevel: 1, Dimension: "brand", FilterID: "7"},
		crawler.PriorityAuto, 0)

	w.Process(context.Background(), task)

	require.Zero(t, splitter.calls)
	require.Equal(t, crawler.TaskCompleted, f.status(t, task.ID).Status)
	require.Equal(t, 5000, f.sink.Len())
}

func TestWorkerRequeuesRetryableFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		priority     crawler.Priority
		retries      int
		wantRequeue  bool
		wantPriority crawler.Priority
	}{
		{"first failure", 5, 0, true, 6},
		{"clamped at max", crawler.MaxPriority, 1, true, crawler.MaxPriority},
		{"retry budget spent", 5, 3, false, 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			api := &pagedAPI{err: &crawler.StatusError{Endpoint: "/query/list", Code: 503}}
			f := newFixture(api)
			w := f.worker(nil, nil)
			task := f.claim(t, crawler.TargetRef{CatalogID: "312"}, tt.priority, tt.retries)

			w.Process(context.Background(), task)

			got := f.status(t, task.ID)
			require.Equal(t, crawler.TaskFailed, got.Status)
			require.Equal(t, "service-unavailable", got.LastErrorKind)
			require.True(t, strings.HasPrefix(got.LastError, "[service-unavailable] "), got.LastError)
			require.Contains(t, got.LastError, "503")
			require.Len(t, f.notifier.failed, 1)

			next, ok, err := f.queue.Claim(context.Background(), "worker-1")
			require.NoError(t, err)
			require.Equal(t, tt.wantRequeue, ok)
			if tt.wantRequeue {
				require.Equal(t, tt.wantPriority, next.Priority)
				require.Equal(t, tt.retries+1, next.RetryCount)
				require.Equal(t, task.Target.Key(), next.Target.Key())
			}
		})
	}
}

func TestWorkerPermanentFailureIsNotRequeued(t *testing.T) {
	t.Parallel()

	api := &pagedAPI{err: &crawler.StatusError{Endpoint: "/query/list", Code: 404}}
	f := newFixture(api)
	w := f.worker(nil, nil)
	task := f.claim(t, crawler.TargetRef{CatalogID: "999"}, crawler.PriorityAuto, 0)

	w.Process(context.Background(), task)

	got := f.status(t, task.ID)
	require.Equal(t, crawler.TaskFailed, got.Status)
	require.Equal(t, "not-found", got.LastErrorKind)
	require.Equal(t, []int{1}, api.pagesFetched())
	depth, err := f.queue.Depth(context.Background())
	require.NoError(t, err)
	require.Zero(t, depth.Pending)
}

func TestWorkerSinkErrorFailsTask(t *testing.T) {
	t.Parallel()

	f := newFixture(&pagedAPI{totalRows: 4, pageSize: 2})
	w := f.worker(nil, failingSink{err: &crawler.StatusError{Endpoint: "sink", Code: 400}})
	task := f.claim(t, crawler.TargetRef{CatalogID: "312"}, crawler.PriorityAuto, 0)

	w.Process(context.Background(), task)

	got := f.status(t, task.ID)
	require.Equal(t, crawler.TaskFailed, got.Status)
	require.Equal(t, "bad-request", got.LastErrorKind)
	require.Zero(t, got.RowsSaved)
	require.False(t, got.Partial)
}

func TestWorkerCountsParseErrors(t *testing.T) {
	t.Parallel()

	api := &pagedAPI{totalRows: 3, pageSize: 3}
	f := newFixture(api)
	w := f.worker(nil, nil)
	w.deps.Parser = skipSecondRow{}
	task := f.claim(t, crawler.TargetRef{CatalogID: "312"}, crawler.PriorityAuto, 0)

	w.Process(context.Background(), task)

	got := f.status(t, task.ID)
	require.Equal(t, crawler.TaskCompleted, got.Status)
	require.Equal(t, 2, got.RowsSaved)
	require.Equal(t, 1, got.ParseErrors)
}

type skipSecondRow struct{}

func (skipSecondRow) ToDomainRecord(row crawler.RawRow) (crawler.Record, error) {
	code, _ := row["productCode"].(string)
	if code == "C312-1-1" {
		return crawler.Record{}, errors.New("bad row")
	}
	return crawler.Record{ProductCode: code}, nil
}

func TestWorkerRunClaimsUntilStopped(t *testing.T) {
	t.Parallel()

	f := newFixture(&pagedAPI{totalRows: 2, pageSize: 2})
	w := New(Deps{
		Queue:  f.queue,
		API:    f.api,
		Parser: codeParser{},
		Sink:   f.sink,
		Retry:  retry.NewSmart(nil, retry.WithSleeper(noSleep{})),
	}, Config{ID: "worker-1", IdlePoll: 5 * time.Millisecond}, nil)

	id, err := f.queue.Submit(context.Background(), crawler.SubmitRequest{
		Target:   crawler.TargetRef{CatalogID: "312"},
		Priority: crawler.PriorityAuto,
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		task, err := f.queue.Status(context.Background(), id)
		return err == nil && task.Status == crawler.TaskCompleted
	}, 2*time.Second, 5*time.Millisecond)

	w.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	require.Equal(t, StateIdle, w.State())
	require.Equal(t, 2, f.sink.Len())
}
