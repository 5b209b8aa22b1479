// Package sinks implements concrete progress consumers: Prometheus, the task
// log repository, Pub/Sub publishing and structured logging. Each sink
// satisfies progress.Sink and is safe for repeated Consume/Close cycles.
package sinks
