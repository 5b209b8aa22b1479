package crawler

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrTaskBusy is returned when a target already has a task in PROCESSING.
	ErrTaskBusy = errors.New("target is being processed")
	// ErrTaskQueued is returned for a KeepQueued submit when the target is
	// already pending at an equal or higher priority.
	ErrTaskQueued = errors.New("target is already queued")
	// ErrNotFound signals an unknown task id.
	ErrNotFound = errors.New("task not found")
	// ErrInvalidTransition is returned when completing a task that is not PROCESSING.
	ErrInvalidTransition = errors.New("invalid task state transition")
)

// StatusError reports a non-2xx response from the marketplace API.
type StatusError struct {
	Endpoint string
	Code     int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d %s", e.Endpoint, e.Code, http.StatusText(e.Code))
}

// HTTPStatus exposes the response code to error classification.
func (e *StatusError) HTTPStatus() int {
	return e.Code
}
