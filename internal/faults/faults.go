// Package faults classifies the errors that flow through the retrieval and
// correlation pipeline so callers can decide between retrying, degrading to a
// partial result, or stopping the run.
package faults

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind identifies the class of a pipeline error
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindRateLimit
	KindValidation
	KindProcessing
	KindCircuitOpen
)

// String returns the name used in logs
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindRateLimit:
		return "rate_limit"
	case KindValidation:
		return "data_validation"
	case KindProcessing:
		return "processing"
	case KindCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Error is a classified pipeline error
type Error struct {
	Kind       Kind
	Op         string        // operation that failed, e.g. "nvd.fetch_page"
	StatusCode int           // HTTP status when the error came from a response
	RetryAfter time.Duration // server supplied Retry-After, if any
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrCircuitOpen is returned without invoking the guarded operation while a
// circuit breaker is open.
var ErrCircuitOpen = &Error{Kind: KindCircuitOpen, Err: errors.New("circuit breaker is open, failing fast")}

// Network wraps a transport or timeout failure
func Network(op string, err error) *Error {
	return &Error{Kind: KindNetwork, Op: op, Err: err}
}

// HTTPStatus classifies a non-2xx response. 429 becomes a rate-limit error.
func HTTPStatus(op string, status int, retryAfter time.Duration) *Error {
	kind := KindNetwork
	if status == http.StatusTooManyRequests {
		kind = KindRateLimit
	}
	return &Error{
		Kind:       kind,
		Op:         op,
		StatusCode: status,
		RetryAfter: retryAfter,
		Err:        fmt.Errorf("unexpected status %s", http.StatusText(status)),
	}
}

// Validation wraps a malformed input record or annotation
func Validation(op string, err error) *Error {
	return &Error{Kind: KindValidation, Op: op, Err: err}
}

// Processing wraps a failure inside a correlation tier
func Processing(op string, err error) *Error {
	return &Error{Kind: KindProcessing, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// IsNetwork reports transport failures, including rate-limit responses
func IsNetwork(err error) bool {
	k := KindOf(err)
	return k == KindNetwork || k == KindRateLimit
}

// IsRateLimit reports an HTTP 429 from the remote catalog
func IsRateLimit(err error) bool {
	return KindOf(err) == KindRateLimit
}

// IsValidation reports malformed data
func IsValidation(err error) bool {
	return KindOf(err) == KindValidation
}

// IsProcessing reports a correlation tier failure
func IsProcessing(err error) bool {
	return KindOf(err) == KindProcessing
}

// IsCircuitOpen reports a fail-fast rejection by a circuit breaker
func IsCircuitOpen(err error) bool {
	return KindOf(err) == KindCircuitOpen
}

// IsRetryable reports whether a retry could plausibly succeed. Client errors
// other than 429 are permanent.
func IsRetryable(err error) bool {
	var fe *Error
	if !errors.As(err, &fe) {
		return true
	}
	switch fe.Kind {
	case KindRateLimit:
		return true
	case KindNetwork:
		return fe.StatusCode == 0 || fe.StatusCode >= 500 || fe.StatusCode == http.StatusRequestTimeout
	default:
		return false
	}
}
