package module

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"unicode"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrConfigurationInvalid is an operator error. Never retried.
	ErrConfigurationInvalid = errors.New("configuration invalid")

	// ErrTenantIsolation is raised when an operation would read or write across
	// tenants. Always fatal to the call.
	ErrTenantIsolation = errors.New("tenant isolation violation")

	// ErrModuleNotFound is returned for an unknown module id.
	ErrModuleNotFound = errors.New("module not found")

	// ErrDuplicateModuleID is returned when an id is registered twice with different implementations.
	ErrDuplicateModuleID = errors.New("duplicate module id")

	// ErrRegistrySealed is returned by Register after start-up discovery has finished.
	ErrRegistrySealed = errors.New("registry sealed")

	// ErrTransient marks network/timeout/connection class failures.
	ErrTransient = errors.New("transient error")

	// ErrTimeout is recorded when an execution exceeds its allotted time.
	ErrTimeout = errors.New("execution timed out")
)

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }
func (e *transientError) Is(target error) bool {
	return target == ErrTransient
}

// Transient wraps err so the job queue retries it with backoff.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// HTTPStatusError is returned by modules that talk to an upstream over HTTP.
type HTTPStatusError struct {
	URL  string
	Code int
	Body string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.URL, e.Code, e.Body)
}

// retryable words and phrases, lower case, matched on word boundaries
var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"connection closed",
	"conn closed",
	"broken pipe",
	"timeout",
	"timed out",
	"deadlock",
	"lock timeout",
	"could not obtain lock",
	"network",
	"operational error",
	"temporarily unavailable",
	"eof",
}

// transientSQLState reports whether a postgres error code is worth retrying:
// connection exceptions, insufficient resources, operator intervention,
// serialization failures, deadlocks and lock timeouts.
func transientSQLState(code string) bool {
	switch code {
	case "40001", "40P01", "55P03":
		return true
	}
	if len(code) < 2 {
		return false
	}
	switch code[:2] {
	case "08", "53", "57":
		return true
	}
	return false
}

// containsWord reports whether phrase occurs in msg with no letter or digit
// directly on either side.
func containsWord(msg, phrase string) bool {
	for i := 0; ; {
		j := strings.Index(msg[i:], phrase)
		if j < 0 {
			return false
		}
		start, end := i+j, i+j+len(phrase)
		before := start == 0 || !isWordByte(msg[start-1])
		after := end == len(msg) || !isWordByte(msg[end])
		if before && after {
			return true
		}
		i = start + 1
	}
}

func isWordByte(b byte) bool {
	return b < 0x80 && (unicode.IsLetter(rune(b)) || unicode.IsDigit(rune(b)))
}

// IsTransient classifies err as worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConfigurationInvalid) || errors.Is(err, ErrTenantIsolation) ||
		errors.Is(err, ErrModuleNotFound) || errors.Is(err, ErrDuplicateModuleID) {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var se *HTTPStatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}

	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		return transientSQLState(pe.Code)
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if containsWord(msg, m) {
			return true
		}
	}
	return false
}
