// Package errkind classifies crawl failures into a closed set of kinds, each
// carrying a severity, a retry budget and a base backoff delay.
package errkind

import "time"

// Severity ranks how urgently an operator should look at a failure.
type Severity int

// Severity tiers.
const (
	SeverityLow      Severity = 1
	SeverityMedium   Severity = 2
	SeverityHigh     Severity = 3
	SeverityCritical Severity = 4
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Kind is one entry of the failure taxonomy.
type Kind int

// Failure kinds.
const (
	Unknown Kind = iota
	NetworkTimeout
	ConnectionRefused
	ConnectionTimeout
	DNSResolution
	NetworkUnreachable
	RateLimit
	ServerError
	ClientError
	Unauthorized
	Forbidden
	NotFound
	BadRequest
	ServiceUnavailable
	DataValidation
	DataParsing
	DataFormat
	DataIncomplete
	DataDuplicate
	DataCorruption
	DBConnection
	DBTimeout
	DBDeadlock
	DBConstraint
	DBQuery
	Memory
	DiskSpace
	PoolExhausted
	FileIO
	Permission
	TaskExecution
	TaskTimeout
	TaskCancelled
	Configuration
	Dependency
	Unexpected
)

type kindInfo struct {
	name       string
	label      string
	severity   Severity
	retryable  bool
	maxRetries int
	baseDelay  time.Duration
	suggestion string
}

var table = map[Kind]kindInfo{
	NetworkTimeout:     {"network-timeout", "network timeout", SeverityMedium, true, 3, 2 * time.Second, "check network latency or raise the request timeout"},
	ConnectionRefused:  {"connection-refused", "connection refused", SeverityMedium, true, 2, 5 * time.Second, "verify the upstream host is reachable"},
	ConnectionTimeout:  {"connection-timeout", "connection timeout", SeverityMedium, true, 3, 3 * time.Second, "check connectivity to the upstream host"},
	DNSResolution:      {"dns-resolution", "DNS resolution failed", SeverityHigh, true, 2, 10 * time.Second, "check DNS configuration"},
	NetworkUnreachable: {"network-unreachable", "network unreachable", SeverityHigh, true, 1, 30 * time.Second, "check routing and outbound network access"},
	RateLimit:          {"rate-limit", "rate limited", SeverityMedium, true, 5, 5 * time.Second, "lower request rate; the limiter will widen its interval"},
	ServerError:        {"server-error", "upstream server error", SeverityMedium, true, 3, 3 * time.Second, "retry later; upstream is failing"},
	ClientError:        {"client-error", "client error", SeverityLow, false, 0, 0, "inspect the request parameters"},
	Unauthorized:       {"unauthorized", "unauthorized", SeverityHigh, false, 0, 0, "refresh credentials or cookies"},
	Forbidden:          {"forbidden", "access forbidden", SeverityCritical, false, 0, 0, "the crawler may be blocked; pause and review headers and rate"},
	NotFound:           {"not-found", "resource not found", SeverityHigh, false, 0, 0, "the catalog node may have been removed"},
	BadRequest:         {"bad-request", "bad request", SeverityMedium, false, 0, 0, "inspect filter parameters sent upstream"},
	ServiceUnavailable: {"service-unavailable", "service unavailable", SeverityHigh, true, 2, 30 * time.Second, "upstream is overloaded or in maintenance"},
	DataValidation:     {"data-validation", "data validation failed", SeverityLow, false, 0, 0, "row skipped; check parser mapping"},
	DataParsing:        {"data-parsing", "data parsing failed", SeverityLow, false, 0, 0, "upstream response shape changed"},
	DataFormat:         {"data-format", "data format error", SeverityLow, false, 0, 0, "upstream response shape changed"},
	DataIncomplete:     {"data-incomplete", "incomplete data", SeverityMedium, true, 1, time.Second, "retry the page"},
	DataDuplicate:      {"data-duplicate", "duplicate data", SeverityLow, false, 0, 0, "safe to ignore"},
	DataCorruption:     {"data-corruption", "corrupted data", SeverityHigh, true, 2, 2 * time.Second, "retry; inspect the archived raw page"},
	DBConnection:       {"db-connection", "database connection failed", SeverityCritical, true, 3, 5 * time.Second, "check database availability"},
	DBTimeout:          {"db-timeout", "database timeout", SeverityMedium, true, 2, 3 * time.Second, "check database load"},
	DBDeadlock:         {"db-deadlock", "database deadlock", SeverityMedium, true, 3, time.Second, "retry the batch"},
	DBConstraint:       {"db-constraint", "database constraint violated", SeverityLow, false, 0, 0, "check record keys"},
	DBQuery:            {"db-query", "database query failed", SeverityMedium, true, 1, time.Second, "inspect the failing statement"},
	Memory:             {"memory", "out of memory", SeverityCritical, true, 1, 10 * time.Second, "reduce worker count or batch size"},
	DiskSpace:          {"disk-space", "disk full", SeverityCritical, false, 0, 0, "free disk space"},
	PoolExhausted:      {"pool-exhausted", "worker pool exhausted", SeverityHigh, true, 2, 5 * time.Second, "reduce load or widen the pool"},
	FileIO:             {"file-io", "file I/O error", SeverityMedium, true, 2, time.Second, "check archive storage"},
	Permission:         {"permission", "permission denied", SeverityHigh, false, 0, 0, "check file or bucket permissions"},
	TaskExecution:      {"task-execution", "task execution failed", SeverityMedium, true, 2, 2 * time.Second, "inspect the task log"},
	TaskTimeout:        {"task-timeout", "task timed out", SeverityMedium, true, 2, 5 * time.Second, "raise the operation deadline"},
	TaskCancelled:      {"task-cancelled", "task cancelled", SeverityLow, false, 0, 0, "no action needed"},
	Configuration:      {"configuration", "configuration error", SeverityHigh, false, 0, 0, "fix the configuration and restart"},
	Dependency:         {"dependency", "dependency failure", SeverityHigh, true, 2, 10 * time.Second, "check downstream services"},
	Unknown:            {"unknown", "unknown error", SeverityMedium, true, 1, 5 * time.Second, "inspect logs"},
	Unexpected:         {"unexpected", "unexpected error", SeverityMedium, true, 1, 3 * time.Second, "inspect logs"},
}

// All returns every kind in declaration order.
func All() []Kind {
	out := make([]Kind, 0, len(table))
	for k := Unknown; k <= Unexpected; k++ {
		out = append(out, k)
	}
	return out
}

func (k Kind) info() kindInfo {
	if s, ok := table[k]; ok {
		return s
	}
	return table[Unknown]
}

// String returns the stable machine name, e.g. "rate-limit".
func (k Kind) String() string { return k.info().name }

// Label returns a human-readable description.
func (k Kind) Label() string { return k.info().label }

// Severity returns the operator severity tier.
func (k Kind) Severity() Severity { return k.info().severity }

// Retryable reports whether the kind may be retried at all.
func (k Kind) Retryable() bool { return k.info().retryable }

// MaxRetries is the number of retries granted after the first attempt.
func (k Kind) MaxRetries() int { return k.info().maxRetries }

// BaseDelay seeds the kind-specific backoff curve.
func (k Kind) BaseDelay() time.Duration { return k.info().baseDelay }

// Suggestion is a short operator hint.
func (k Kind) Suggestion() string { return k.info().suggestion }

// Parse maps a machine name back to its Kind.
func Parse(name string) (Kind, bool) {
	for k, s := range table {
		if s.name == name {
			return k, true
		}
	}
	return Unknown, false
}
