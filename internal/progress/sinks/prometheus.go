package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/catalog-crawler/internal/progress"
)

// PrometheusSink exports task lifecycle metrics. It owns the collectors for
// tasks started/finished/running, task runtime and page progress.
type PrometheusSink struct {
	tasksStarted  prometheus.Counter
	tasksFinished *prometheus.CounterVec
	tasksRunning  prometheus.Gauge
	taskRuntime   *prometheus.HistogramVec
	pagesDone     prometheus.Counter
	parseErrors   prometheus.Counter

	tracker *taskTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		tasksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_task_events_started_total",
			Help: "Tasks claimed by a worker.",
		}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_task_events_finished_total",
			Help: "Tasks finished partitioned by final status and partial coverage.",
		}, []string{"status", "partial"}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_tasks_running",
			Help: "Tasks currently between start and a terminal event.",
		}),
		taskRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_task_runtime_seconds",
			Help:    "Wall time per finished task.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"status"}),
		pagesDone: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_task_pages_total",
			Help: "Pages persisted across all tasks.",
		}),
		parseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_task_parse_errors_total",
			Help: "Rows rejected by the parser on finished tasks.",
		}),
		tracker: newTaskTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.tasksStarted,
		s.tasksFinished,
		s.tasksRunning,
		s.taskRuntime,
		s.pagesDone,
		s.parseErrors,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. It is safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageTaskStart:
		s.tasksStarted.Inc()
		if s.tracker.start(evt.TaskID) {
			s.tasksRunning.Inc()
		}
	case progress.StageTaskProgress:
		s.pagesDone.Inc()
	case progress.StageTaskDone, progress.StageTaskFailed:
		status := string(evt.Status)
		partial := "false"
		if evt.Partial {
			partial = "true"
		}
		s.tasksFinished.WithLabelValues(status, partial).Inc()
		if evt.Dur > 0 {
			s.taskRuntime.WithLabelValues(status).Observe(evt.Dur.Seconds())
		}
		if evt.ParseErrors > 0 {
			s.parseErrors.Add(float64(evt.ParseErrors))
		}
		if s.tracker.complete(evt.TaskID) {
			s.tasksRunning.Dec()
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type taskTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newTaskTracker() *taskTracker {
	return &taskTracker{running: make(map[string]struct{})}
}

func (t *taskTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *taskTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
