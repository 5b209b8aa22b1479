// Package progress turns worker lifecycle callbacks into task events and fans
// them out, in batches and off the worker goroutines, to pluggable sinks such
// as Prometheus metrics, the task log, or a Pub/Sub topic.
package progress
