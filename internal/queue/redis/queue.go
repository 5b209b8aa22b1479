// Package redis implements the durable task queue on Redis. Pending tasks live
// in a sorted set scored so that higher priority, then earlier submission,
// sorts first; task bodies live in hashes so state survives a restart.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/catalog-crawler/internal/clock/system"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/id/uuid"
)

// DefaultPrefix namespaces every key the queue touches.
const DefaultPrefix = "crawler:"

// priorityWeight separates priority tiers in the score; seq stays well below it.
const priorityWeight = 1e12

// Queue is a crawler.TaskQueue backed by Redis.
type Queue struct {
	client redis.UniversalClient
	prefix string
	ids    crawler.IDGenerator
	clock  crawler.Clock
}

// Option customises a Queue.
type Option func(*Queue)

// WithPrefix changes the key namespace.
func WithPrefix(p string) Option {
	return func(q *Queue) {
		if p != "" {
			q.prefix = p
		}
	}
}

// WithIDGenerator replaces the UUID generator.
func WithIDGenerator(g crawler.IDGenerator) Option {
	return func(q *Queue) { q.ids = g }
}

// WithClock replaces the system clock.
func WithClock(c crawler.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// New wraps client.
func New(client redis.UniversalClient, opts ...Option) *Queue {
	q := &Queue{client: client, prefix: DefaultPrefix, ids: uuid.New(), clock: system.New()}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) pendingKey() string    { return q.prefix + "queue:pending" }
func (q *Queue) processingKey() string { return q.prefix + "queue:processing" }
func (q *Queue) seqKey() string        { return q.prefix + "queue:seq" }
func (q *Queue) dedupKey() string      { return q.prefix + "dedup" }
func (q *Queue) stateKey() string      { return q.prefix + "state" }
func (q *Queue) taskPrefix() string    { return q.prefix + "task:" }
func (q *Queue) taskKey(id string) string {
	return q.taskPrefix() + id
}

// Score orders pending tasks: lower scores are claimed first.
func Score(priority crawler.Priority, seq int64) float64 {
	return -float64(priority)*priorityWeight + float64(seq)
}

// Submit schedules req.Target. A pending task for the same target is
// cancelled and replaced; a processing one yields crawler.ErrTaskBusy.
func (q *Queue) Submit(ctx context.Context, req crawler.SubmitRequest) (string, error) {
	id, err := q.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("redis submit: %w", err)
	}
	seq, err := q.client.Incr(ctx, q.seqKey()).Result()
	if err != nil {
		return "", fmt.Errorf("redis submit seq: %w", err)
	}
	target, err := json.Marshal(req.Target)
	if err != nil {
		return "", fmt.Errorf("encode target: %w", err)
	}

	priority := req.Priority.Clamp()
	score := strconv.FormatFloat(Score(priority, seq), 'f', -1, 64)
	now := q.clock.Now()
	subtask := "0"
	if req.Target.IsSubTask() {
		subtask = "1"
	}
	key := req.Target.Key()

	keep := "0"
	if req.KeepQueued {
		keep = "1"
	}
	args := []any{
		key, id, score, q.taskPrefix(), formatTime(now), subtask, keep, int(priority),
		"id", id,
		"key", key,
		"target", string(target),
		"priority", int(priority),
		"status", string(crawler.TaskPending),
		"seq", seq,
		"score", score,
		"created_at", formatTime(now),
		"retry_count", req.RetryCount,
	}
	keys := []string{q.dedupKey(), q.pendingKey(), q.stateKey(), q.taskKey(id)}
	res, err := submitScript.Run(ctx, q.client, keys, args...).Result()
	if err != nil {
		return "", fmt.Errorf("redis submit: %w", err)
	}
	switch v := res.(type) {
	case int64:
		if v == 0 {
			return "", crawler.ErrTaskBusy
		}
		return id, nil
	case string:
		return v, crawler.ErrTaskQueued
	default:
		return "", fmt.Errorf("redis submit: unexpected reply %T", res)
	}
}

// Claim moves the best pending task to processing and returns it.
func (q *Queue) Claim(ctx context.Context, workerID string) (crawler.CrawlTask, bool, error) {
	keys := []string{q.pendingKey(), q.processingKey()}
	id, err := claimScript.Run(ctx, q.client, keys, q.taskPrefix(), workerID, formatTime(q.clock.Now())).Text()
	if errors.Is(err, redis.Nil) {
		return crawler.CrawlTask{}, false, nil
	}
	if err != nil {
		return crawler.CrawlTask{}, false, fmt.Errorf("redis claim: %w", err)
	}
	task, err := q.Status(ctx, id)
	if err != nil {
		return crawler.CrawlTask{}, false, err
	}
	return task, true, nil
}

// Complete records the terminal outcome of a processing task.
func (q *Queue) Complete(ctx context.Context, taskID string, out crawler.Outcome) error {
	if !out.Status.Terminal() {
		return fmt.Errorf("complete %s with %s: %w", taskID, out.Status, crawler.ErrInvalidTransition)
	}
	keys := []string{q.processingKey(), q.dedupKey(), q.stateKey(), q.taskKey(taskID)}
	res, err := completeScript.Run(ctx, q.client, keys,
		taskID, string(out.Status), formatTime(q.clock.Now()), out.Error, out.ErrorKind,
		out.RowsSaved, out.ParseErrors, strconv.FormatBool(out.Partial),
	).Int()
	if err != nil {
		return fmt.Errorf("redis complete: %w", err)
	}
	switch res {
	case -1:
		return fmt.Errorf("complete %s: %w", taskID, crawler.ErrNotFound)
	case 0:
		return fmt.Errorf("complete %s: %w", taskID, crawler.ErrInvalidTransition)
	}
	return nil
}

// RecordProgress stores paging progress on the task hash.
func (q *Queue) RecordProgress(ctx context.Context, taskID string, p crawler.Progress) error {
	key := q.taskKey(taskID)
	n, err := q.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redis record progress: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("record progress %s: %w", taskID, crawler.ErrNotFound)
	}
	err = q.client.HSet(ctx, key,
		"current_page", p.CurrentPage,
		"total_pages", p.TotalPages,
		"total_rows", p.TotalRows,
		"rows_saved", p.RowsSaved,
		"parse_errors", p.ParseErrors,
	).Err()
	if err != nil {
		return fmt.Errorf("redis record progress: %w", err)
	}
	return nil
}

// Status loads one task.
func (q *Queue) Status(ctx context.Context, taskID string) (crawler.CrawlTask, error) {
	fields, err := q.client.HGetAll(ctx, q.taskKey(taskID)).Result()
	if err != nil {
		return crawler.CrawlTask{}, fmt.Errorf("redis status: %w", err)
	}
	if len(fields) == 0 {
		return crawler.CrawlTask{}, fmt.Errorf("status %s: %w", taskID, crawler.ErrNotFound)
	}
	return decodeTask(fields)
}

// Depth reports queue occupancy.
func (q *Queue) Depth(ctx context.Context) (crawler.QueueDepth, error) {
	pipe := q.client.Pipeline()
	pending := pipe.ZCard(ctx, q.pendingKey())
	processing := pipe.SCard(ctx, q.processingKey())
	state := pipe.HGetAll(ctx, q.stateKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return crawler.QueueDepth{}, fmt.Errorf("redis depth: %w", err)
	}
	counters := state.Val()
	return crawler.QueueDepth{
		Pending:    pending.Val(),
		Processing: processing.Val(),
		Completed:  parseInt64(counters["completed"]),
		Failed:     parseInt64(counters["failed"]),
		Total:      parseInt64(counters["total"]),
		SubTasks:   parseInt64(counters["subtasks"]),
	}, nil
}

// RecoverProcessing requeues every task left in processing by a crash, at
// its original score.
func (q *Queue) RecoverProcessing(ctx context.Context) (int, error) {
	keys := []string{q.processingKey(), q.pendingKey()}
	n, err := recoverScript.Run(ctx, q.client, keys, q.taskPrefix()).Int()
	if err != nil {
		return 0, fmt.Errorf("redis recover: %w", err)
	}
	return n, nil
}

// Clear deletes every key under the queue prefix.
func (q *Queue) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := q.client.Scan(ctx, cursor, q.prefix+"*", 500).Result()
		if err != nil {
			return fmt.Errorf("redis clear scan: %w", err)
		}
		if len(keys) > 0 {
			if err := q.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis clear: %w", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func decodeTask(f map[string]string) (crawler.CrawlTask, error) {
	var target crawler.TargetRef
	if err := json.Unmarshal([]byte(f["target"]), &target); err != nil {
		return crawler.CrawlTask{}, fmt.Errorf("decode task %s target: %w", f["id"], err)
	}
	t := crawler.CrawlTask{
		ID:             f["id"],
		Target:         target,
		Priority:       crawler.Priority(parseInt64(f["priority"])),
		Status:         crawler.TaskStatus(f["status"]),
		Seq:            parseInt64(f["seq"]),
		CreatedAt:      parseTime(f["created_at"]),
		StartedAt:      parseTimePtr(f["started_at"]),
		CompletedAt:    parseTimePtr(f["completed_at"]),
		RetryCount:     int(parseInt64(f["retry_count"])),
		LastError:      f["last_error"],
		LastErrorKind:  f["last_error_kind"],
		AssignedWorker: f["assigned_worker"],
		CurrentPage:    int(parseInt64(f["current_page"])),
		TotalPages:     int(parseInt64(f["total_pages"])),
		TotalRows:      int(parseInt64(f["total_rows"])),
		RowsSaved:      int(parseInt64(f["rows_saved"])),
		ParseErrors:    int(parseInt64(f["parse_errors"])),
		Partial:        f["partial"] == "true",
	}
	return t, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t := parseTime(s)
	if t.IsZero() {
		return nil
	}
	return &t
}

func parseInt64(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
