// Package crawler defines core types shared across subsystems.
package crawler

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Level identifies the depth of a catalog node in the marketplace tree.
type Level int

// Catalog tree levels.
const (
	LevelTop  Level = 1
	LevelMid  Level = 2
	LevelLeaf Level = 3
)

// String returns the lowercase level name.
func (l Level) String() string {
	switch l {
	case LevelTop:
		return "top"
	case LevelMid:
		return "mid"
	case LevelLeaf:
		return "leaf"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Priority orders tasks in the queue. Higher values are claimed first.
type Priority int

// Priority tiers.
const (
	PriorityAuto   Priority = 1
	PriorityManual Priority = 10
	MaxPriority    Priority = 100
)

// Clamp bounds p to [PriorityAuto, MaxPriority].
func (p Priority) Clamp() Priority {
	if p < PriorityAuto {
		return PriorityAuto
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// TaskStatus represents the lifecycle state of a crawl task.
type TaskStatus string

// Task status values persisted by the queue.
const (
	TaskPending    TaskStatus = "PENDING"
	TaskProcessing TaskStatus = "PROCESSING"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
	TaskCancelled  TaskStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are expected.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// TargetRef identifies what a task crawls: a catalog node, optionally narrowed
// by the dimension filters accumulated while splitting.
type TargetRef struct {
	CatalogID     string         `json:"catalog_id"`
	Level         Level          `json:"level"`
	SplitLevel    int            `json:"split_level,omitempty"`
	Dimension     string         `json:"dimension,omitempty"`
	FilterID      string         `json:"filter_id,omitempty"`
	FilterValue   string         `json:"filter_value,omitempty"`
	FilterParams  map[string]any `json:"filter_params,omitempty"`
	ExpectedCount int            `json:"expected_count,omitempty"`
	ParentTaskID  string         `json:"parent_task_id,omitempty"`
}

// IsSubTask reports whether the target was produced by the splitter.
func (t TargetRef) IsSubTask() bool {
	return t.SplitLevel > 0
}

// Key returns the dedup key. Two targets crawl the same rows iff their keys match.
func (t TargetRef) Key() string {
	var b strings.Builder
	b.WriteString("catalog:")
	b.WriteString(t.CatalogID)
	if len(t.FilterParams) == 0 {
		return b.String()
	}
	keys := make([]string, 0, len(t.FilterParams))
	for k := range t.FilterParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		encoded, err := json.Marshal(t.FilterParams[k])
		if err != nil {
			encoded = []byte(fmt.Sprint(t.FilterParams[k]))
		}
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.Write(encoded)
	}
	return b.String()
}

// Label is a short human-readable description used in logs and notifications.
func (t TargetRef) Label() string {
	if t.Dimension == "" {
		return "catalog " + t.CatalogID
	}
	value := t.FilterValue
	if value == "" {
		value = t.FilterID
	}
	return fmt.Sprintf("catalog %s [%s=%s]", t.CatalogID, t.Dimension, value)
}

// CloneParams returns a shallow copy of the filter bag.
func (t TargetRef) CloneParams() map[string]any {
	out := make(map[string]any, len(t.FilterParams)+1)
	for k, v := range t.FilterParams {
		out[k] = v
	}
	return out
}

// CrawlTask is one unit of queued work.
type CrawlTask struct {
	ID             string     `json:"id"`
	Target         TargetRef  `json:"target"`
	Priority       Priority   `json:"priority"`
	Status         TaskStatus `json:"status"`
	Seq            int64      `json:"seq"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	RetryCount     int        `json:"retry_count"`
	LastError      string     `json:"last_error,omitempty"`
	LastErrorKind  string     `json:"last_error_kind,omitempty"`
	AssignedWorker string     `json:"assigned_worker,omitempty"`
	CurrentPage    int        `json:"current_page"`
	TotalPages     int        `json:"total_pages"`
	TotalRows      int        `json:"total_rows"`
	RowsSaved      int        `json:"rows_saved"`
	ParseErrors    int        `json:"parse_errors"`
	Partial        bool       `json:"partial"`
}

// SubmitRequest asks the queue to schedule a target.
type SubmitRequest struct {
	Target     TargetRef
	Priority   Priority
	RetryCount int
	// KeepQueued leaves a pending predecessor in place when its priority is
	// at least Priority. Submit then returns the predecessor's ID together
	// with ErrTaskQueued.
	KeepQueued bool
}

// Outcome is the final report a worker hands back to the queue.
type Outcome struct {
	Status      TaskStatus
	Error       string
	ErrorKind   string
	RowsSaved   int
	ParseErrors int
	Partial     bool
}

// Progress captures paging progress for a running task.
type Progress struct {
	CurrentPage int
	TotalPages  int
	TotalRows   int
	RowsSaved   int
	ParseErrors int
}

// Percent returns the page completion percentage.
func (p Progress) Percent() int {
	if p.TotalPages <= 0 {
		return 0
	}
	pct := p.CurrentPage * 100 / p.TotalPages
	if pct > 100 {
		return 100
	}
	return pct
}

// QueueDepth summarises queue occupancy.
type QueueDepth struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Total      int64 `json:"total"`
	SubTasks   int64 `json:"sub_tasks"`
}

// SplitUnit is one facet-scoped subdivision of an over-capacity target.
type SplitUnit struct {
	DimensionName  string         `json:"dimension_name"`
	FilterID       string         `json:"filter_id"`
	FilterValue    string         `json:"filter_value"`
	EstimatedCount int            `json:"estimated_count"`
	Parent         TargetRef      `json:"parent"`
	FilterParams   map[string]any `json:"filter_params"`
}

// ToTarget converts the unit into the child target it describes.
func (u SplitUnit) ToTarget(parentTaskID string) TargetRef {
	return TargetRef{
		CatalogID:     u.Parent.CatalogID,
		Level:         u.Parent.Level,
		SplitLevel:    u.Parent.SplitLevel + 1,
		Dimension:     u.DimensionName,
		FilterID:      u.FilterID,
		FilterValue:   u.FilterValue,
		FilterParams:  u.FilterParams,
		ExpectedCount: u.EstimatedCount,
		ParentTaskID:  parentTaskID,
	}
}

// RawRow is one undecoded result row as returned by the marketplace.
type RawRow map[string]any

// Page is one page of list results.
type Page struct {
	Rows        []RawRow
	CurrentPage int
	TotalPages  int
	TotalRows   int
	Body        []byte
}

// CatalogNode is one entry of the marketplace category tree.
type CatalogNode struct {
	CatalogID    string        `json:"catalog_id"`
	Name         string        `json:"name"`
	Level        Level         `json:"level"`
	ProductCount int           `json:"product_count"`
	Children     []CatalogNode `json:"children,omitempty"`
}

// PriceBreak is one quantity tier of a product's price ladder.
type PriceBreak struct {
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
	Currency string  `json:"currency,omitempty"`
}

// Record is the domain form of a product row handed to sinks.
type Record struct {
	ProductCode string            `json:"product_code" bson:"product_code"`
	ProductID   string            `json:"product_id" bson:"product_id"`
	CatalogID   string            `json:"catalog_id" bson:"catalog_id"`
	BrandID     string            `json:"brand_id" bson:"brand_id"`
	BrandName   string            `json:"brand_name" bson:"brand_name"`
	Model       string            `json:"model" bson:"model"`
	Package     string            `json:"package" bson:"package"`
	Description string            `json:"description" bson:"description"`
	Stock       int               `json:"stock" bson:"stock"`
	Prices      []PriceBreak      `json:"prices" bson:"prices"`
	Attributes  map[string]string `json:"attributes" bson:"attributes"`
	ContentHash string            `json:"content_hash" bson:"content_hash"`
	FetchedAt   time.Time         `json:"fetched_at" bson:"fetched_at"`
}

// RawPagePath is the blob path under which a task's raw page body is archived.
func RawPagePath(catalogID, taskID string, page int) string {
	return fmt.Sprintf("raw/%s/%s/page-%d.json", catalogID, taskID, page)
}
