// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/tasks and GET /v1/tasks/{id} for manual submission and status.
//   - GET /v1/tasks/{id}/log and /v1/task-logs for task history via the
//     TaskLogRepository interface.
//   - /v1/pool, /v1/queue, /v1/ratelimit and /v1/sync for operating the crawl.
package api
