package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/dispatcher"
	"github.com/JakeFAU/catalog-crawler/internal/queue/memory"
)

type treeAPI struct {
	tree []crawler.CatalogNode
	err  error
}

func (a treeAPI) FetchPage(context.Context, crawler.TargetRef, int) (crawler.Page, error) {
	return crawler.Page{}, nil
}

func (a treeAPI) FetchFacetGroups(context.Context, crawler.TargetRef) (map[string]any, error) {
	return nil, nil
}

func (a treeAPI) FetchCatalogTree(context.Context) ([]crawler.CatalogNode, error) {
	return a.tree, a.err
}

type recordingSubmitter struct {
	mu      sync.Mutex
	targets []crawler.TargetRef
	busy    map[string]bool
	queued  map[string]bool
	fail    map[string]error
}

func (r *recordingSubmitter) Enqueue(_ context.Context, req crawler.SubmitRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if req.Priority != crawler.PriorityAuto || !req.KeepQueued {
		return "", errors.New("unexpected request")
	}
	target := req.Target
	if r.busy[target.CatalogID] {
		return "", crawler.ErrTaskBusy
	}
	if r.queued[target.CatalogID] {
		return "id-" + target.CatalogID, crawler.ErrTaskQueued
	}
	if err := r.fail[target.CatalogID]; err != nil {
		return "", err
	}
	r.targets = append(r.targets, target)
	return "id-" + target.CatalogID, nil
}

func (r *recordingSubmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.targets)
}

var sampleTree = []crawler.CatalogNode{
	{CatalogID: "1", Level: crawler.LevelTop, Children: []crawler.CatalogNode{
		{CatalogID: "10", Level: crawler.LevelMid, Children: []crawler.CatalogNode{
			{CatalogID: "100", Level: crawler.LevelLeaf, ProductCount: 3000},
			{CatalogID: "101", Level: crawler.LevelLeaf, ProductCount: 12000},
		}},
		{CatalogID: "11", Level: crawler.LevelMid, ProductCount: 40},
	}},
	{CatalogID: "2", Level: crawler.LevelTop, ProductCount: 5},
}

func TestLeaves(t *testing.T) {
	t.Parallel()

	var ids []string
	for _, n := range Leaves(sampleTree) {
		ids = append(ids, n.CatalogID)
	}
	require.Equal(t, []string{"100", "101", "11", "2"}, ids)
	require.Empty(t, Leaves(nil))
}

func TestFullSyncSubmitsLeaves(t *testing.T) {
	t.Parallel()

	sub := &recordingSubmitter{busy: map[string]bool{"101": true}, queued: map[string]bool{"11": true}}
	s := New(treeAPI{tree: sampleTree}, sub, 0, nil)

	res, err := s.FullSync(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, res.Leaves)
	require.Equal(t, 2, res.Submitted)
	require.Equal(t, 1, res.Busy)
	require.Equal(t, 1, res.Queued)
	require.Zero(t, res.Failed)
	require.Equal(t, "100", sub.targets[0].CatalogID)
	require.Equal(t, crawler.LevelLeaf, sub.targets[0].Level)
	require.Equal(t, 3000, sub.targets[0].ExpectedCount)
}

func TestFullSyncKeepsManualTasks(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue()
	pool := dispatcher.New(dispatcher.Config{}, q, nil, nil)
	ctx := context.Background()
	manual, err := pool.Submit(ctx, crawler.TargetRef{CatalogID: "312", Level: crawler.LevelLeaf}, crawler.PriorityManual)
	require.NoError(t, err)

	tree := []crawler.CatalogNode{
		{CatalogID: "312", Level: crawler.LevelLeaf},
		{CatalogID: "313", Level: crawler.LevelLeaf},
	}
	res, err := New(treeAPI{tree: tree}, pool, 0, nil).FullSync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Submitted)
	require.Equal(t, 1, res.Queued)

	task, ok, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, manual, task.ID)
	require.Equal(t, crawler.PriorityManual, task.Priority)

	next, ok, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "313", next.Target.CatalogID)
	require.Equal(t, crawler.PriorityAuto, next.Priority)
}

func TestFullSyncReportsFailures(t *testing.T) {
	t.Parallel()

	s := New(treeAPI{err: errors.New("upstream down")}, &recordingSubmitter{}, 0, nil)
	_, err := s.FullSync(context.Background())
	require.ErrorContains(t, err, "fetch catalog tree")

	sub := &recordingSubmitter{fail: map[string]error{"2": errors.New("redis down")}}
	s = New(treeAPI{tree: sampleTree}, sub, 0, nil)
	res, err := s.FullSync(context.Background())
	require.ErrorContains(t, err, "redis down")
	require.Equal(t, 3, res.Submitted)
	require.Equal(t, 1, res.Failed)
}

func TestRunSyncsOnInterval(t *testing.T) {
	t.Parallel()

	sub := &recordingSubmitter{}
	s := New(treeAPI{tree: []crawler.CatalogNode{{CatalogID: "5"}}}, sub, 10*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return sub.count() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestRunDisabled(t *testing.T) {
	t.Parallel()

	s := New(treeAPI{}, &recordingSubmitter{}, 0, nil)
	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled scheduler should return immediately")
	}
}
