// Package crawler defines the domain model shared by the crawl engine: crawl
// targets and tasks, queue and worker contracts, and the records produced by
// parsing catalog rows.
package crawler
