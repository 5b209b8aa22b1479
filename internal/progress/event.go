package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// Stage denotes the lifecycle milestone an Event reports.
type Stage string

// Supported progress stages.
const (
	StageTaskStart    Stage = "TASK_START"
	StageTaskProgress Stage = "TASK_PROGRESS"
	StageTaskDone     Stage = "TASK_DONE"
	StageTaskFailed   Stage = "TASK_FAILED"
)

// Event captures one task milestone.
type Event struct {
	// TaskID is the queue identifier of the task.
	TaskID string `json:"task_id"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	// Stage denotes which milestone occurred.
	Stage Stage `json:"stage"`
	// CatalogID and Target describe what the task crawls.
	CatalogID string `json:"catalog_id"`
	Target    string `json:"target"`
	// Page counters are set on progress and terminal events.
	Page        int `json:"page,omitempty"`
	TotalPages  int `json:"total_pages,omitempty"`
	TotalRows   int `json:"total_rows,omitempty"`
	RowsSaved   int `json:"rows_saved,omitempty"`
	ParseErrors int `json:"parse_errors,omitempty"`
	// Status is the final task status on terminal events.
	Status    crawler.TaskStatus `json:"status,omitempty"`
	ErrorKind string             `json:"error_kind,omitempty"`
	Partial   bool               `json:"partial,omitempty"`
	// Dur is the task wall time on terminal events.
	Dur time.Duration `json:"dur,omitempty"`
	// Note carries low-volume context such as the error text.
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TaskID == "" {
		return errors.New("task id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageTaskStart:
	case StageTaskProgress:
		if e.Page < 1 {
			return errors.New("progress requires page >= 1")
		}
	case StageTaskDone, StageTaskFailed:
		if !e.Status.Terminal() {
			return fmt.Errorf("terminal event with status %q", e.Status)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Percent returns page completion for progress events.
func (e Event) Percent() int {
	return crawler.Progress{CurrentPage: e.Page, TotalPages: e.TotalPages}.Percent()
}

// Attributes returns the routing attributes attached to published events.
func (e Event) Attributes() map[string]string {
	attrs := map[string]string{
		"stage":      string(e.Stage),
		"catalog_id": e.CatalogID,
	}
	if e.Status != "" {
		attrs["status"] = string(e.Status)
	}
	return attrs
}
