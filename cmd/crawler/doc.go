// Package main hosts the catalog crawler service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, task submission and status, the task log, worker pool
//     control, rate limiter inspection and overrides, and an on-demand full catalog sync.
//   - Queue: tasks live in a durable priority queue (Redis, or in memory for local runs). Submitting a target that is
//     already pending replaces it; a target being processed is rejected as busy. Higher priority is claimed first and
//     equal priorities are FIFO.
//   - Worker pool: internal/dispatcher runs 2 to 4 workers. Each claims one task at a time, fetches page 1, splits
//     targets whose result set is too large for the upstream page ceiling into filtered sub-tasks, and otherwise pages
//     through the result set, parsing and upserting rows as it goes. Pool start recovers tasks orphaned by a crash.
//   - Pacing and retries: every upstream call passes through an adaptive per-endpoint rate limiter that backs off on
//     429/5xx and speeds up on fast successes, then a transport retry layer; task-level operations use an error
//     taxonomy to decide whether and how long to retry, and retryable task failures are requeued at higher priority.
//   - Persistence and fanout: records go to Postgres, MongoDB or memory; raw pages optionally to local disk or GCS.
//     Task lifecycle events are batched by the progress hub into the log, Prometheus, the task log store and Pub/Sub.
//   - Configuration and plumbing: Viper populates config from env/files; zap provides structured logging; Prometheus
//     metrics are served on /metrics.
//
// Quick checklist:
//   - Configure env vars: CRAWLER_API_BASE_URL (required), CRAWLER_SERVER_PORT or PORT, CRAWLER_POOL_WORKERS,
//     CRAWLER_QUEUE_BACKEND=redis with CRAWLER_QUEUE_REDIS_ADDR, CRAWLER_STORAGE_BACKEND with the matching DSN/URI,
//     CRAWLER_ARCHIVE_BACKEND, and CRAWLER_PUBSUB_* when events should be published.
//   - Run locally: go run ./cmd/crawler -config config.yaml (or rely solely on env overrides).
//   - Shutdown: SIGINT/SIGTERM stops the HTTP server, lets workers finish their current page, flushes pending events
//     and closes every backend within server.shutdown_timeout.
package main
