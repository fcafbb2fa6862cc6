// Package forward holds the logical Request type shared by the proxy,
// pipeline, sender, and backend packages (spec §3 "Data model").
package forward

import (
	"context"
	"io"
	"net/http"

	"github.com/jordan-breton/uws-reverse-proxy/internal/reply"
)

// Request is a logical forwarded request: created once per inbound edge
// call, consumed exactly once by the backend pipeline, and discarded after
// the pipeline terminates it. Its Body and Reply are provided by the edge
// for the duration of the call (spec §3 "Ownership").
type Request struct {
	Method   string
	Path     string
	Host     string
	Port     int
	Protocol string // "http" or "https"
	Headers  http.Header

	// Body is the request-body source. It may be nil for bodyless methods.
	// Its Read returning io.EOF is the "is_last" marker from spec §3; ctx
	// cancellation is the abort signal the source would otherwise expose via
	// a dedicated callback.
	Body io.ReadCloser

	// Reply is the edge reply-handle this request's response must be
	// written through, exactly once.
	Reply reply.Handle

	// Ctx carries the edge request's lifetime; cancellation means the edge
	// connection aborted.
	Ctx context.Context

	// OnResponseStart, if set, is invoked once the backend's response
	// headers have been correlated to this request (spec §5: the per-request
	// timeout bounds time-to-headers, not time-to-full-response). Nil is a
	// valid no-op.
	OnResponseStart func()
}

// ResponseCallback is invoked exactly once when a Request's forwarding
// terminates, with a non-nil error on failure.
type ResponseCallback func(err error)
