// Package worker implements the crawl loop: claim a task, page through its
// target, persist rows and report the outcome back to the queue.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/errkind"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
	"github.com/JakeFAU/catalog-crawler/internal/retry"
)

var tracer = otel.Tracer("github.com/JakeFAU/catalog-crawler/internal/worker")

// State is the observable phase of a Worker.
type State string

// Worker states.
const (
	StateIdle         State = "IDLE"
	StateClaimed      State = "CLAIMED"
	StateFetchingPage State = "FETCHING_PAGE"
	StateSplitCheck   State = "SPLIT_CHECK"
	StatePaging       State = "PAGING"
	StateFinalizing   State = "FINALIZING"
)

const (
	defaultIdlePoll       = 2 * time.Second
	defaultErrorBackoff   = time.Second
	defaultPageDelay      = 500 * time.Millisecond
	defaultMaxSplitDepth  = 1
	defaultMaxTaskRetries = 3
	defaultRequeueBoost   = 1
	finalizeTimeout       = 10 * time.Second
	archiveContentType    = "application/json"
)

// Config controls Worker pacing and the failure policy.
type Config struct {
	ID             string
	IdlePoll       time.Duration
	ErrorBackoff   time.Duration
	PageDelay      time.Duration
	MaxSplitDepth  int
	MaxTaskRetries int
	RequeueBoost   crawler.Priority
}

func (c Config) withDefaults() Config {
	if c.ID == "" {
		c.ID = "worker"
	}
	if c.IdlePoll <= 0 {
		c.IdlePoll = defaultIdlePoll
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = defaultErrorBackoff
	}
	if c.PageDelay < 0 {
		c.PageDelay = 0
	}
	if c.MaxSplitDepth <= 0 {
		c.MaxSplitDepth = defaultMaxSplitDepth
	}
	if c.MaxTaskRetries <= 0 {
		c.MaxTaskRetries = defaultMaxTaskRetries
	}
	if c.RequeueBoost <= 0 {
		c.RequeueBoost = defaultRequeueBoost
	}
	return c
}

// DefaultConfig returns the production pacing.
func DefaultConfig() Config {
	return Config{
		IdlePoll:       defaultIdlePoll,
		ErrorBackoff:   defaultErrorBackoff,
		PageDelay:      defaultPageDelay,
		MaxSplitDepth:  defaultMaxSplitDepth,
		MaxTaskRetries: defaultMaxTaskRetries,
		RequeueBoost:   defaultRequeueBoost,
	}
}

// Splitter decides whether a target is too large and subdivides it.
type Splitter interface {
	NeedsSplit(total int) bool
	Split(ctx context.Context, target crawler.TargetRef) ([]crawler.SplitUnit, error)
}

// Deps are the collaborators a Worker drives. Splitter, Notifier and Archive
// are optional.
type Deps struct {
	Queue    crawler.TaskQueue
	API      crawler.APIClient
	Parser   crawler.Parser
	Sink     crawler.Sink
	Splitter Splitter
	Notifier crawler.Notifier
	Archive  crawler.BlobStore
	Retry    *retry.Smart
	Clock    crawler.Clock
	Sleeper  crawler.Sleeper
}

// Worker claims and executes tasks one at a time.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	state   atomic.Value
	stopped atomic.Bool
	current atomic.Value
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	if deps.Retry == nil {
		deps.Retry = retry.NewSmart(logger)
	}
	if deps.Sleeper == nil {
		deps.Sleeper = crawler.TimerSleeper{}
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	w := &Worker{deps: deps, cfg: cfg, logger: logger.With(zap.String("worker", cfg.ID))}
	w.state.Store(StateIdle)
	w.current.Store("")
	return w
}

// ID returns the worker identity used when claiming.
func (w *Worker) ID() string { return w.cfg.ID }

// State reports the current phase.
func (w *Worker) State() State {
	return w.state.Load().(State)
}

// CurrentTask returns the id of the task being executed, if any.
func (w *Worker) CurrentTask() string {
	return w.current.Load().(string)
}

// Stop asks the worker to exit after the page in flight.
func (w *Worker) Stop() {
	w.stopped.Store(true)
}

func (w *Worker) stopRequested(ctx context.Context) bool {
	return w.stopped.Load() || ctx.Err() != nil
}

func (w *Worker) setState(s State) {
	w.state.Store(s)
}

func (w *Worker) now() time.Time {
	if w.deps.Clock == nil {
		return time.Now().UTC()
	}
	return w.deps.Clock.Now()
}

// Run claims tasks until Stop is called or ctx finishes.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started")
	defer w.logger.Info("worker stopped")
	defer w.setState(StateIdle)

	for !w.stopRequested(ctx) {
		w.setState(StateIdle)
		task, ok, err := w.deps.Queue.Claim(ctx, w.cfg.ID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("queue claim failed", zap.Error(err))
			_ = w.deps.Sleeper.Sleep(ctx, w.cfg.ErrorBackoff)
			continue
		}
		if !ok {
			_ = w.deps.Sleeper.Sleep(ctx, w.cfg.IdlePoll)
			continue
		}
		w.Process(ctx, task)
	}
	return nil
}

// Process executes one claimed task and records its outcome.
func (w *Worker) Process(ctx context.Context, task crawler.CrawlTask) {
	w.setState(StateClaimed)
	w.current.Store(task.ID)
	defer w.current.Store("")
	if task.StartedAt == nil {
		now := w.now()
		task.StartedAt = &now
	}
	logger := w.logger.With(
		zap.String("task_id", task.ID),
		zap.String("catalog_id", task.Target.CatalogID),
		zap.String("target", task.Target.Label()),
	)
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	ctx, span := tracer.Start(ctx, "crawl.task")
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("catalog.id", task.Target.CatalogID),
		attribute.Int("task.priority", int(task.Priority)),
		attribute.Int("task.split_level", task.Target.SplitLevel),
	)
	defer span.End()

	logger.Info("task started", zap.Int("priority", int(task.Priority)), zap.Int("retry_count", task.RetryCount))
	w.deps.Notifier.OnTaskStart(task)

	out, err := w.execute(ctx, &task, logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Int("task.rows_saved", out.RowsSaved))

	w.setState(StateFinalizing)
	w.finish(ctx, task, out, err, logger)
}

func (w *Worker) execute(ctx context.Context, task *crawler.CrawlTask, logger *zap.Logger) (crawler.Outcome, error) {
	w.setState(StateFetchingPage)
	page, err := w.fetch(ctx, task.Target, 1)
	if err != nil {
		if w.stopRequested(ctx) {
			return interrupted(0, 0), nil
		}
		return crawler.Outcome{}, err
	}
	task.TotalRows = page.TotalRows
	task.TotalPages = max(page.TotalPages, 1)

	w.setState(StateSplitCheck)
	if out, split, err := w.maybeSplit(ctx, *task, logger); err != nil || split {
		return out, err
	}

	w.setState(StatePaging)
	var saved, parseErrors int
	for n := 1; ; n++ {
		if n > 1 {
			if w.stopRequested(ctx) {
				logger.Info("task interrupted between pages", zap.Int("page", n-1), zap.Int("rows_saved", saved))
				return interrupted(saved, parseErrors), nil
			}
			if err := w.deps.Sleeper.Sleep(ctx, w.cfg.PageDelay); err != nil {
				return interrupted(saved, parseErrors), nil
			}
			w.setState(StateFetchingPage)
			page, err = w.fetch(ctx, task.Target, n)
			if err != nil {
				if w.stopRequested(ctx) {
					return interrupted(saved, parseErrors), nil
				}
				return crawler.Outcome{RowsSaved: saved, ParseErrors: parseErrors, Partial: saved > 0}, err
			}
			w.setState(StatePaging)
		}

		s, pe, err := w.persist(ctx, *task, n, page, logger)
		saved += s
		parseErrors += pe
		if err != nil {
			if w.stopRequested(ctx) {
				return interrupted(saved, parseErrors), nil
			}
			return crawler.Outcome{RowsSaved: saved, ParseErrors: parseErrors, Partial: saved > 0}, err
		}

		task.CurrentPage = n
		task.RowsSaved = saved
		task.ParseErrors = parseErrors
		progress := crawler.Progress{
			CurrentPage: n,
			TotalPages:  task.TotalPages,
			TotalRows:   task.TotalRows,
			RowsSaved:   saved,
			ParseErrors: parseErrors,
		}
		if err := w.deps.Queue.RecordProgress(ctx, task.ID, progress); err != nil {
			logger.Warn("record progress failed", zap.Int("page", n), zap.Error(err))
		}
		w.deps.Notifier.OnProgress(*task, progress)
		logger.Debug("page saved", zap.Int("page", n), zap.Int("total_pages", task.TotalPages), zap.Int("rows_saved", saved))

		if n >= task.TotalPages || len(page.Rows) == 0 {
			break
		}
	}
	return crawler.Outcome{Status: crawler.TaskCompleted, RowsSaved: saved, ParseErrors: parseErrors}, nil
}

func interrupted(saved, parseErrors int) crawler.Outcome {
	if saved > 0 {
		return crawler.Outcome{Status: crawler.TaskCompleted, RowsSaved: saved, ParseErrors: parseErrors, Partial: true}
	}
	return crawler.Outcome{Status: crawler.TaskCancelled, ParseErrors: parseErrors, Error: "stopped before any rows were saved"}
}

func (w *Worker) fetch(ctx context.Context, target crawler.TargetRef, page int) (crawler.Page, error) {
	op := fmt.Sprintf("fetch page %d of %s", page, target.Label())
	return retry.DoValue(ctx, w.deps.Retry, op, retry.APIContext(), func(ctx context.Context) (crawler.Page, error) {
		return w.deps.API.FetchPage(ctx, target, page)
	})
}

// maybeSplit replaces an over-capacity target with sub-tasks. It reports
// split=true when the parent is done.
func (w *Worker) maybeSplit(ctx context.Context, task crawler.CrawlTask, logger *zap.Logger) (crawler.Outcome, bool, error) {
	if w.deps.Splitter == nil || !w.deps.Splitter.NeedsSplit(task.TotalRows) {
		return crawler.Outcome{}, false, nil
	}
	if task.Target.SplitLevel >= w.cfg.MaxSplitDepth {
		logger.Warn("target exceeds page ceiling at max split depth; crawling at risk",
			zap.Int("total_rows", task.TotalRows), zap.Int("split_level", task.Target.SplitLevel))
		return crawler.Outcome{}, false, nil
	}

	op := "split " + task.Target.Label()
	units, err := retry.DoValue(ctx, w.deps.Retry, op, retry.APIContext(), func(ctx context.Context) ([]crawler.SplitUnit, error) {
		return w.deps.Splitter.Split(ctx, task.Target)
	})
	if err != nil {
		return crawler.Outcome{}, false, err
	}
	if len(units) == 0 {
		logger.Warn("target exceeds page ceiling and cannot be split; crawling at risk",
			zap.Int("total_rows", task.TotalRows))
		return crawler.Outcome{}, false, nil
	}

	priority := max(task.Priority, crawler.PriorityAuto)
	submitted, busy := 0, 0
	for _, unit := range units {
		_, err := w.deps.Queue.Submit(ctx, crawler.SubmitRequest{
			Target:   unit.ToTarget(task.ID),
			Priority: priority,
		})
		switch {
		case errors.Is(err, crawler.ErrTaskBusy):
			busy++
		case err != nil:
			return crawler.Outcome{}, false, fmt.Errorf("submit sub-task %s: %w", unit.FilterValue, err)
		default:
			submitted++
		}
	}
	logger.Info("task split into sub-tasks",
		zap.Int("total_rows", task.TotalRows),
		zap.Int("sub_tasks", submitted),
		zap.Int("busy", busy),
	)
	return crawler.Outcome{Status: crawler.TaskCompleted}, true, nil
}

// persist parses, archives and saves one page. Parse failures are counted
// and skipped.
func (w *Worker) persist(
	ctx context.Context,
	task crawler.CrawlTask,
	n int,
	page crawler.Page,
	logger *zap.Logger,
) (int, int, error) {
	records := make([]crawler.Record, 0, len(page.Rows))
	parseErrors := 0
	for i, row := range page.Rows {
		rec, err := w.deps.Parser.ToDomainRecord(row)
		if err != nil {
			parseErrors++
			logger.Debug("row skipped", zap.Int("page", n), zap.Int("row", i), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	w.archive(ctx, task, n, page.Body, logger)
	if len(records) == 0 {
		return 0, parseErrors, nil
	}

	op := fmt.Sprintf("save page %d of %s", n, task.Target.Label())
	saved, err := retry.DoValue(ctx, w.deps.Retry, op, retry.DatabaseContext(), func(ctx context.Context) (int, error) {
		return w.deps.Sink.UpsertBatch(ctx, records)
	})
	if err != nil {
		return 0, parseErrors, err
	}
	metrics.ObserveRowsSaved(saved)
	return saved, parseErrors, nil
}

func (w *Worker) archive(ctx context.Context, task crawler.CrawlTask, n int, body []byte, logger *zap.Logger) {
	if w.deps.Archive == nil || len(body) == 0 {
		return
	}
	path := crawler.RawPagePath(task.Target.CatalogID, task.ID, n)
	if _, err := w.deps.Archive.PutObject(ctx, path, archiveContentType, bytes.NewReader(body)); err != nil {
		logger.Warn("archive raw page failed", zap.String("path", path), zap.Error(err))
	}
}

// finish hands the outcome to the queue and requeues retryable failures.
func (w *Worker) finish(ctx context.Context, task crawler.CrawlTask, out crawler.Outcome, runErr error, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	var kind errkind.Kind
	if runErr != nil {
		classified := errkind.Wrap(runErr)
		kind = errkind.ClassifyError(classified)
		out.Status = crawler.TaskFailed
		out.Error = classified.Error()
		out.ErrorKind = kind.String()
	}
	if err := w.deps.Queue.Complete(ctx, task.ID, out); err != nil {
		logger.Error("complete task failed", zap.String("status", string(out.Status)), zap.Error(err))
	}
	metrics.ObserveTask(string(out.Status))

	if runErr == nil {
		logger.Info("task finished",
			zap.String("status", string(out.Status)),
			zap.Int("rows_saved", out.RowsSaved),
			zap.Int("parse_errors", out.ParseErrors),
			zap.Bool("partial", out.Partial),
		)
		w.deps.Notifier.OnTaskComplete(task, out)
		return
	}

	w.deps.Notifier.OnTaskFailed(task, out)
	if !kind.Retryable() || task.RetryCount >= w.cfg.MaxTaskRetries {
		logger.Error("task failed permanently",
			zap.String("kind", kind.String()),
			zap.String("suggestion", kind.Suggestion()),
			zap.Int("retry_count", task.RetryCount),
			zap.Error(runErr),
		)
		return
	}

	priority := min(task.Priority+w.cfg.RequeueBoost, crawler.MaxPriority)
	id, err := w.deps.Queue.Submit(ctx, crawler.SubmitRequest{
		Target:     task.Target,
		Priority:   priority,
		RetryCount: task.RetryCount + 1,
	})
	if err != nil {
		logger.Error("requeue failed task", zap.String("kind", kind.String()), zap.Error(err))
		return
	}
	logger.Warn("task failed; requeued",
		zap.String("kind", kind.String()),
		zap.String("requeued_as", id),
		zap.Int("priority", int(priority)),
		zap.Int("retry_count", task.RetryCount+1),
		zap.Error(runErr),
	)
}

type nopNotifier struct{}

func (nopNotifier) OnTaskStart(crawler.CrawlTask) {}

func (nopNotifier) OnProgress(crawler.CrawlTask, crawler.Progress) {}

func (nopNotifier) OnTaskComplete(crawler.CrawlTask, crawler.Outcome) {}

func (nopNotifier) OnTaskFailed(crawler.CrawlTask, crawler.Outcome) {}
