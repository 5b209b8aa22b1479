// Package memory provides an in-process task queue for tests and local
// development. State is lost on restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/catalog-crawler/internal/clock/system"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/id/uuid"
)

// Queue is a mutex-guarded priority queue with target dedup.
type Queue struct {
	mu      sync.Mutex
	tasks   map[string]*crawler.CrawlTask
	pending []string
	dedup   map[string]string
	seq     int64
	ids     crawler.IDGenerator
	clock   crawler.Clock
	depth   crawler.QueueDepth
}

// Option customises a Queue.
type Option func(*Queue)

// WithIDGenerator replaces the UUID generator.
func WithIDGenerator(g crawler.IDGenerator) Option {
	return func(q *Queue) { q.ids = g }
}

// WithClock replaces the system clock.
func WithClock(c crawler.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// NewQueue constructs an empty queue.
func NewQueue(opts ...Option) *Queue {
	q := &Queue{
		tasks: make(map[string]*crawler.CrawlTask),
		dedup: make(map[string]string),
		ids:   uuid.New(),
		clock: system.New(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Submit schedules req.Target, replacing a pending predecessor for the same
// target and refusing one that is being processed.
func (q *Queue) Submit(ctx context.Context, req crawler.SubmitRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("submit canceled: %w", err)
	}
	id, err := q.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	key := req.Target.Key()
	if prevID, ok := q.dedup[key]; ok {
		prev := q.tasks[prevID]
		switch prev.Status {
		case crawler.TaskProcessing:
			return "", crawler.ErrTaskBusy
		case crawler.TaskPending:
			if req.KeepQueued && prev.Priority >= req.Priority.Clamp() {
				return prevID, crawler.ErrTaskQueued
			}
			q.removePending(prevID)
			prev.Status = crawler.TaskCancelled
			now := q.clock.Now()
			prev.CompletedAt = &now
		}
	}

	q.seq++
	task := &crawler.CrawlTask{
		ID:         id,
		Target:     req.Target,
		Priority:   req.Priority.Clamp(),
		Status:     crawler.TaskPending,
		Seq:        q.seq,
		CreatedAt:  q.clock.Now(),
		RetryCount: req.RetryCount,
	}
	q.tasks[id] = task
	q.dedup[key] = id
	q.pending = append(q.pending, id)
	q.sortPending()
	q.depth.Total++
	if req.Target.IsSubTask() {
		q.depth.SubTasks++
	}
	return id, nil
}

func (q *Queue) sortPending() {
	sort.SliceStable(q.pending, func(i, j int) bool {
		a, b := q.tasks[q.pending[i]], q.tasks[q.pending[j]]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.Seq < b.Seq
	})
}

func (q *Queue) removePending(id string) {
	for i, pid := range q.pending {
		if pid == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

// Claim hands the best pending task to workerID.
func (q *Queue) Claim(ctx context.Context, workerID string) (crawler.CrawlTask, bool, error) {
	if err := ctx.Err(); err != nil {
		return crawler.CrawlTask{}, false, fmt.Errorf("claim canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return crawler.CrawlTask{}, false, nil
	}
	id := q.pending[0]
	q.pending = q.pending[1:]
	task := q.tasks[id]
	now := q.clock.Now()
	task.Status = crawler.TaskProcessing
	task.StartedAt = &now
	task.AssignedWorker = workerID
	return *task, true, nil
}

// Complete records the terminal outcome of a processing task.
func (q *Queue) Complete(ctx context.Context, taskID string, out crawler.Outcome) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("complete canceled: %w", err)
	}
	if !out.Status.Terminal() {
		return fmt.Errorf("complete %s with %s: %w", taskID, out.Status, crawler.ErrInvalidTransition)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return fmt.Errorf("complete %s: %w", taskID, crawler.ErrNotFound)
	}
	if task.Status != crawler.TaskProcessing {
		return fmt.Errorf("complete %s from %s: %w", taskID, task.Status, crawler.ErrInvalidTransition)
	}
	now := q.clock.Now()
	task.Status = out.Status
	task.CompletedAt = &now
	task.LastError = out.Error
	task.LastErrorKind = out.ErrorKind
	task.RowsSaved = out.RowsSaved
	task.ParseErrors = out.ParseErrors
	task.Partial = out.Partial
	if key := task.Target.Key(); q.dedup[key] == taskID {
		delete(q.dedup, key)
	}
	switch out.Status {
	case crawler.TaskCompleted:
		q.depth.Completed++
	case crawler.TaskFailed:
		q.depth.Failed++
	}
	return nil
}

// RecordProgress stores paging progress on a processing task.
func (q *Queue) RecordProgress(_ context.Context, taskID string, p crawler.Progress) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[taskID]
	if !ok {
		return fmt.Errorf("record progress %s: %w", taskID, crawler.ErrNotFound)
	}
	task.CurrentPage = p.CurrentPage
	task.TotalPages = p.TotalPages
	task.TotalRows = p.TotalRows
	task.RowsSaved = p.RowsSaved
	task.ParseErrors = p.ParseErrors
	return nil
}

// Status returns a copy of the task.
func (q *Queue) Status(_ context.Context, taskID string) (crawler.CrawlTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[taskID]
	if !ok {
		return crawler.CrawlTask{}, fmt.Errorf("status %s: %w", taskID, crawler.ErrNotFound)
	}
	return *task, nil
}

// Depth returns queue occupancy.
func (q *Queue) Depth(context.Context) (crawler.QueueDepth, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	d := q.depth
	d.Pending = int64(len(q.pending))
	for _, t := range q.tasks {
		if t.Status == crawler.TaskProcessing {
			d.Processing++
		}
	}
	return d, nil
}

// RecoverProcessing puts every processing task back into pending at its
// original position.
func (q *Queue) RecoverProcessing(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for id, t := range q.tasks {
		if t.Status != crawler.TaskProcessing {
			continue
		}
		t.Status = crawler.TaskPending
		t.StartedAt = nil
		t.AssignedWorker = ""
		q.pending = append(q.pending, id)
		n++
	}
	if n > 0 {
		q.sortPending()
	}
	return n, nil
}

// Clear drops every task and counter.
func (q *Queue) Clear(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = make(map[string]*crawler.CrawlTask)
	q.dedup = make(map[string]string)
	q.pending = nil
	q.depth = crawler.QueueDepth{}
	return nil
}
