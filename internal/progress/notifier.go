package progress

import (
	"time"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// Notifier turns worker lifecycle callbacks into hub events. Every method
// returns immediately.
type Notifier struct {
	emitter Emitter
	clock   crawler.Clock
}

var _ crawler.Notifier = (*Notifier)(nil)

// NewNotifier builds a Notifier. A nil emitter makes every call a no-op.
func NewNotifier(emitter Emitter, clock crawler.Clock) *Notifier {
	return &Notifier{emitter: emitter, clock: clock}
}

func (n *Notifier) now() time.Time {
	if n.clock == nil {
		return time.Now().UTC()
	}
	return n.clock.Now()
}

func (n *Notifier) base(task crawler.CrawlTask, stage Stage) Event {
	return Event{
		TaskID:    task.ID,
		TS:        n.now(),
		Stage:     stage,
		CatalogID: task.Target.CatalogID,
		Target:    task.Target.Label(),
	}
}

func (n *Notifier) disabled() bool {
	return n == nil || n.emitter == nil
}

func (n *Notifier) emit(evt Event) {
	n.emitter.Emit(evt)
}

// OnTaskStart reports a claimed task.
func (n *Notifier) OnTaskStart(task crawler.CrawlTask) {
	if n.disabled() {
		return
	}
	n.emit(n.base(task, StageTaskStart))
}

// OnProgress reports one persisted page.
func (n *Notifier) OnProgress(task crawler.CrawlTask, p crawler.Progress) {
	if n.disabled() {
		return
	}
	evt := n.base(task, StageTaskProgress)
	evt.Page = p.CurrentPage
	evt.TotalPages = p.TotalPages
	evt.TotalRows = p.TotalRows
	evt.RowsSaved = p.RowsSaved
	evt.ParseErrors = p.ParseErrors
	n.emit(evt)
}

// OnTaskComplete reports a completed or cancelled task.
func (n *Notifier) OnTaskComplete(task crawler.CrawlTask, out crawler.Outcome) {
	if n.disabled() {
		return
	}
	n.emit(n.terminal(task, StageTaskDone, out))
}

// OnTaskFailed reports a failed task.
func (n *Notifier) OnTaskFailed(task crawler.CrawlTask, out crawler.Outcome) {
	if n.disabled() {
		return
	}
	n.emit(n.terminal(task, StageTaskFailed, out))
}

func (n *Notifier) terminal(task crawler.CrawlTask, stage Stage, out crawler.Outcome) Event {
	evt := n.base(task, stage)
	evt.Status = out.Status
	evt.ErrorKind = out.ErrorKind
	evt.Note = out.Error
	evt.Partial = out.Partial
	evt.RowsSaved = out.RowsSaved
	evt.ParseErrors = out.ParseErrors
	evt.Page = task.CurrentPage
	evt.TotalPages = task.TotalPages
	evt.TotalRows = task.TotalRows
	if task.StartedAt != nil {
		if d := evt.TS.Sub(*task.StartedAt); d > 0 {
			evt.Dur = d
		}
	}
	return evt
}
