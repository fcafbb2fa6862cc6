// Package perror defines the canonical error taxonomy shared by the parser,
// pipeline, sender, backend and proxy packages, and the HTTP status each code
// translates to when the proxy must synthesize a response for the edge.
package perror

import (
	"net/http"

	"github.com/pkg/errors"
)

// Code is one of the canonical, language-neutral error codes from the
// forwarding engine.
type Code string

const (
	CodeConnReset                    Code = "CONN_RESET"
	CodeConnAborted                  Code = "CONN_ABORTED"
	CodeConnRefused                  Code = "CONN_REFUSED"
	CodeBodyStream                   Code = "BODY_STREAM"
	CodeTimedOut                     Code = "TIMED_OUT"
	CodeRecipientAborted             Code = "RECIPIENT_ABORTED"
	CodeInvalidContentLength         Code = "INVALID_CONTENT_LENGTH"
	CodeInvalidChunkSize             Code = "INVALID_CHUNK_SIZE"
	CodePipelineOverflow             Code = "PIPELINE_OVERFLOW"
	CodeMaxConnections               Code = "MAX_CONNECTIONS"
	CodeStreamUntilCloseNotSupported Code = "STREAM_UNTIL_CLOSE_NOT_SUPPORTED"
)

// Error is a canonical-code error that can be wrapped with additional
// context via Wrap while preserving Code for status translation.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a canonical Error with no further cause.
func New(code Code) *Error {
	return &Error{Code: code}
}

// Wrap attaches a canonical code to an underlying cause, annotated with a
// stack trace courtesy of github.com/pkg/errors so translation-boundary logs
// retain the origin of the failure.
func Wrap(code Code, cause error, message string) *Error {
	return &Error{Code: code, Err: errors.Wrap(cause, message)}
}

// fatal lists the parser errors that require tearing down the owning
// Connection (spec §4.1, §7): all other parser-reported issues are tolerable
// format quirks that do not advance state but don't kill the connection.
var fatal = map[Code]struct{}{
	CodeInvalidContentLength: {},
	CodeInvalidChunkSize:     {},
}

// IsFatal reports whether code requires the owning backend Connection to be
// torn down rather than just failing the in-flight request.
func IsFatal(code Code) bool {
	_, ok := fatal[code]
	return ok
}

// statusByCode is the default code -> HTTP status translation table from
// spec §7. A caller-provided error hook may override it per request.
var statusByCode = map[Code]int{
	CodeConnReset:                    http.StatusServiceUnavailable,
	CodeConnAborted:                  http.StatusServiceUnavailable,
	CodeConnRefused:                  http.StatusServiceUnavailable,
	CodeBodyStream:                   http.StatusServiceUnavailable,
	CodeTimedOut:                     http.StatusGatewayTimeout,
	CodeRecipientAborted:             http.StatusBadGateway,
	CodeInvalidContentLength:         http.StatusBadGateway,
	CodeInvalidChunkSize:             http.StatusBadGateway,
	CodePipelineOverflow:             http.StatusBadGateway,
	CodeMaxConnections:               http.StatusBadGateway,
	CodeStreamUntilCloseNotSupported: http.StatusBadGateway,
}

// Status returns the default HTTP status for err, unwrapping to find a
// canonical *Error if necessary. Unrecognized errors default to 502, the
// same fallback the teacher's httpError translation used.
func Status(err error) int {
	var e *Error
	if errors.As(err, &e) {
		if status, ok := statusByCode[e.Code]; ok {
			return status
		}
	}
	return http.StatusBadGateway
}

// As is a thin re-export of errors.As so callers don't need a second import
// for the common case of recovering the canonical code.
func As(err error, target **Error) bool {
	return errors.As(err, target)
}
