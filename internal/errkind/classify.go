package errkind

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// ValidationError reports a row or request that failed domain validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// Classified attaches a Kind to an underlying error.
type Classified struct {
	Kind  Kind
	Cause error
}

// Wrap classifies err and wraps it. A nil err stays nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	var c *Classified
	if errors.As(err, &c) {
		return err
	}
	return &Classified{Kind: ClassifyError(err), Cause: err}
}

func (e *Classified) Error() string {
	return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Kind.Label(), e.Cause)
}

func (e *Classified) Unwrap() error {
	return e.Cause
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var coded interface{ HTTPStatus() int }
	if errors.As(err, &coded) {
		return coded.HTTPStatus()
	}
	return 0
}

// ClassifyError classifies err using any HTTP status found in its chain.
func ClassifyError(err error) Kind {
	var c *Classified
	if errors.As(err, &c) {
		return c.Kind
	}
	return Classify(err, StatusOf(err))
}

// Classify maps an error and optional HTTP status (0 for none) to exactly one
// Kind. Status wins over error category, which wins over message keywords.
func Classify(err error, status int) Kind {
	if status > 0 {
		if k, ok := fromStatus(status); ok {
			return k
		}
	}
	if err == nil {
		return Unknown
	}
	if k, ok := fromCategory(err); ok {
		return k
	}
	if k, ok := fromMessage(err.Error()); ok {
		return k
	}
	if strings.TrimSpace(err.Error()) == "" {
		return Unknown
	}
	return Unexpected
}

func fromStatus(status int) (Kind, bool) {
	switch status {
	case http.StatusBadRequest:
		return BadRequest, true
	case http.StatusUnauthorized:
		return Unauthorized, true
	case http.StatusForbidden:
		return Forbidden, true
	case http.StatusNotFound:
		return NotFound, true
	case http.StatusTooManyRequests:
		return RateLimit, true
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return ServiceUnavailable, true
	case http.StatusGatewayTimeout:
		return ServerError, true
	}
	switch {
	case status >= 400 && status < 500:
		return ClientError, true
	case status >= 500 && status < 600:
		return ServerError, true
	}
	return Unknown, false
}

func fromCategory(err error) (Kind, bool) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return TaskTimeout, true
	case errors.Is(err, context.Canceled):
		return TaskCancelled, true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return DNSResolution, true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" && opErr.Timeout() {
		return ConnectionTimeout, true
	}
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return ConnectionRefused, true
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		return NetworkUnreachable, true
	case errors.Is(err, syscall.ENOSPC):
		return DiskSpace, true
	case errors.Is(err, syscall.ENOMEM):
		return Memory, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NetworkTimeout, true
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return DataParsing, true
	}
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return DataValidation, true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fromSQLState(pgErr.Code), true
	}
	if pgconn.Timeout(err) {
		return DBTimeout, true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return DBConnection, true
	}

	if errors.Is(err, fs.ErrPermission) {
		return Permission, true
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return FileIO, true
	}
	return Unknown, false
}

func fromSQLState(code string) Kind {
	switch {
	case code == "40P01":
		return DBDeadlock
	case code == "57014":
		return DBTimeout
	case strings.HasPrefix(code, "23"):
		return DBConstraint
	case strings.HasPrefix(code, "08"):
		return DBConnection
	default:
		return DBQuery
	}
}

func fromMessage(msg string) (Kind, bool) {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "rate limit"), strings.Contains(m, "too many requests"):
		return RateLimit, true
	case strings.Contains(m, "forbidden"), strings.Contains(m, "access denied"):
		return Forbidden, true
	case strings.Contains(m, "unauthorized"):
		return Unauthorized, true
	case strings.Contains(m, "not found"):
		return NotFound, true
	case strings.Contains(m, "service unavailable"), strings.Contains(m, "bad gateway"):
		return ServiceUnavailable, true
	case strings.Contains(m, "timeout"), strings.Contains(m, "timed out"):
		return NetworkTimeout, true
	case strings.Contains(m, "connection"):
		return ConnectionRefused, true
	}
	return Unknown, false
}
