// Package sender implements the RequestSender from spec §4.3: it serializes
// one request's head onto a backend socket, streams its body honoring socket
// backpressure, and enforces a bounded buffer before declining the request.
package sender

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jordan-breton/uws-reverse-proxy/internal/forward"
	"github.com/jordan-breton/uws-reverse-proxy/internal/perror"
	"github.com/rs/zerolog"
)

// Socket is the minimal non-blocking write surface the Sender needs from a
// backend connection. TryWrite attempts to hand chunk to the connection's
// bounded outbound queue without blocking; it reports false once that queue
// is already at capacity, which the Sender treats as spec §4.3's
// maxStackedBuffers overflow.
type Socket interface {
	TryWrite(chunk []byte) (ok bool)
}

// Strategy is the subset of pipeline.Pipeline the Sender drives.
type Strategy interface {
	AcceptsMoreRequests() bool
	ScheduleSend(req *forward.Request, cb forward.ResponseCallback, readyToSend func()) error
	Close(err error)
}

// Sender serializes and transmits requests on one backend socket.
type Sender struct {
	socket         Socket
	strategy       Strategy
	requestTimeout time.Duration
	log            zerolog.Logger

	// writeMu holds a pipelined connection's wire order: one request's head
	// and full body must reach the socket before the next one's, or two
	// concurrent callers sharing a pooled Connection would interleave their
	// TryWrite calls and corrupt HTTP/1.1 framing.
	writeMu sync.Mutex
}

// New returns a Sender writing to socket and bookkeeping via strategy.
// requestTimeout is spec §5's per-request backend timeout: if no full
// response headers arrive within it, the whole pipeline is torn down with
// perror.CodeTimedOut (a hung backend connection cannot be trusted to
// preserve framing for requests behind the stuck one). Zero disables it.
func New(socket Socket, strategy Strategy, requestTimeout time.Duration, log zerolog.Logger) *Sender {
	return &Sender{socket: socket, strategy: strategy, requestTimeout: requestTimeout, log: log}
}

// AcceptsMoreRequests delegates to the owning Pipeline.
func (s *Sender) AcceptsMoreRequests() bool {
	return s.strategy.AcceptsMoreRequests()
}

// Send schedules req on the Sender's Pipeline and streams its head and body
// once the strategy signals readiness. writeMu is held across scheduling and
// the full head+body write so that, on a pipelined connection, a request is
// entirely on the wire before the next one's bytes are.
func (s *Sender) Send(req *forward.Request, cb forward.ResponseCallback) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.requestTimeout <= 0 {
		return s.strategy.ScheduleSend(req, cb, func() {
			s.writeHeadAndBody(req, cb)
		})
	}

	timer := time.AfterFunc(s.requestTimeout, func() {
		s.strategy.Close(perror.New(perror.CodeTimedOut))
	})
	// OnResponseStart fires once the pipeline correlates response headers to
	// req: from that point the backend has proven it's alive, so the timeout
	// no longer applies to whatever remains of the response body.
	req.OnResponseStart = func() {
		timer.Stop()
	}
	wrapped := func(err error) {
		timer.Stop()
		cb(err)
	}
	return s.strategy.ScheduleSend(req, wrapped, func() {
		s.writeHeadAndBody(req, wrapped)
	})
}

func (s *Sender) writeHeadAndBody(req *forward.Request, cb forward.ResponseCallback) {
	head := buildHead(req)
	if !s.socket.TryWrite([]byte(head)) {
		cb(perror.New(perror.CodePipelineOverflow))
		return
	}

	if req.Body == nil {
		return
	}

	s.streamBody(req)
}

// buildHead renders the request line and headers exactly as spec §4.3 and
// §6 require: "host" and "connection: keep-alive" are mandatory and
// hop-by-hop connection headers from the caller are expected to already have
// been stripped by the proxy dispatcher.
func buildHead(req *forward.Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", req.Method, req.Path)
	fmt.Fprintf(&b, "host: %s:%d\r\n", req.Host, req.Port)
	b.WriteString("connection: keep-alive\r\n")

	names := make([]string, 0, len(req.Headers))
	for name := range req.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		lname := strings.ToLower(name)
		for _, v := range req.Headers[name] {
			fmt.Fprintf(&b, "%s: %s\r\n", lname, v)
		}
	}
	b.WriteString("\r\n")
	return b.String()
}

const (
	bodyReadBufferSize = 32 * 1024
	// maxStackedBuffers bounds how many body chunks may be queued awaiting a
	// socket drain before the Sender declines the request (spec §4.3). The
	// Socket's own bounded queue (internal/backend) is what actually enforces
	// this; overflow surfaces here as a failed TryWrite.
)

func (s *Sender) streamBody(req *forward.Request) {
	defer req.Body.Close()

	buf := make([]byte, bodyReadBufferSize)
	var written int64
	isChunked := strings.Contains(strings.ToLower(req.Headers.Get("Transfer-Encoding")), "chunked")
	contentLength, hasContentLength := parseContentLength(req.Headers.Get("Content-Length"))

	for {
		select {
		case <-req.Ctx.Done():
			s.compensateAbort(req, written, hasContentLength, contentLength, isChunked)
			return
		default:
		}

		n, err := req.Body.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if !s.socket.TryWrite(chunk) {
				s.overflow(req)
				return
			}
			written += int64(n)
		}
		if err != nil {
			if err != io.EOF {
				s.compensateAbort(req, written, hasContentLength, contentLength, isChunked)
			}
			return
		}
	}
}

// overflow implements spec §4.3's bounded-buffer decline: synthesize 504 on
// the edge reply and let the Pipeline's own teardown path observe it.
func (s *Sender) overflow(req *forward.Request) {
	if req.Reply == nil || req.Reply.Aborted() {
		return
	}
	req.Reply.Cork(func() {
		req.Reply.WriteStatus(504, "Gateway Timeout")
		body := []byte("the server is too busy to handle your request")
		req.Reply.End(body)
	})
}

// compensateAbort pads a fixed-length body to its declared size, or sends a
// premature chunked terminator, so pipeline framing on the shared backend
// connection survives the client's abort or a body-read error (spec §4.3).
func (s *Sender) compensateAbort(req *forward.Request, written int64, hasCL bool, contentLength int64, chunked bool) {
	switch {
	case hasCL:
		remaining := contentLength - written
		if remaining > 0 {
			s.socket.TryWrite(make([]byte, remaining))
		}
	case chunked:
		s.socket.TryWrite([]byte("0\r\n\r\n"))
	}
}

func parseContentLength(v string) (int64, bool) {
	if v == "" {
		return 0, false
	}
	var n int64
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}
