package crawler

import (
	"context"
	"io"
	"time"
)

// TaskQueue is the durable, deduplicated priority store of crawl tasks.
// Submit, Claim and Complete are each atomic against the backing store.
type TaskQueue interface {
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	Claim(ctx context.Context, workerID string) (CrawlTask, bool, error)
	Complete(ctx context.Context, taskID string, outcome Outcome) error
	RecordProgress(ctx context.Context, taskID string, progress Progress) error
	Status(ctx context.Context, taskID string) (CrawlTask, error)
	Depth(ctx context.Context) (QueueDepth, error)
	RecoverProcessing(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
}

// APIClient talks to the marketplace. Every method is idempotent and free of
// side effects so callers may repeat it.
type APIClient interface {
	FetchPage(ctx context.Context, target TargetRef, page int) (Page, error)
	FetchFacetGroups(ctx context.Context, target TargetRef) (map[string]any, error)
	FetchCatalogTree(ctx context.Context) ([]CatalogNode, error)
}

// Parser maps raw rows into records.
type Parser interface {
	ToDomainRecord(row RawRow) (Record, error)
}

// Sink persists records. UpsertBatch must be idempotent per ProductCode.
type Sink interface {
	UpsertBatch(ctx context.Context, records []Record) (int, error)
}

// Notifier receives best-effort task lifecycle callbacks. Implementations must
// not block the caller.
type Notifier interface {
	OnTaskStart(task CrawlTask)
	OnProgress(task CrawlTask, progress Progress)
	OnTaskComplete(task CrawlTask, outcome Outcome)
	OnTaskFailed(task CrawlTask, outcome Outcome)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for content comparison.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task IDs.
type IDGenerator interface {
	NewID() (string, error)
}
