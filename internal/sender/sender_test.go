package sender

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jordan-breton/uws-reverse-proxy/internal/forward"
	"github.com/jordan-breton/uws-reverse-proxy/internal/perror"
	"github.com/rs/zerolog"
)

// recordingSocket captures every chunk handed to TryWrite; it can be told to
// decline the next write to exercise the sender's overflow path.
type recordingSocket struct {
	mu       sync.Mutex
	chunks   [][]byte
	declines int
}

func (s *recordingSocket) TryWrite(chunk []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.declines > 0 {
		s.declines--
		return false
	}
	s.chunks = append(s.chunks, append([]byte(nil), chunk...))
	return true
}

func (s *recordingSocket) joined() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b bytes.Buffer
	for _, c := range s.chunks {
		b.Write(c)
	}
	return b.String()
}

type fakeStrategy struct {
	accepts bool
	closed  chan error
	lastCB  forward.ResponseCallback
}

func newFakeStrategy() *fakeStrategy {
	return &fakeStrategy{accepts: true, closed: make(chan error, 1)}
}

func (s *fakeStrategy) AcceptsMoreRequests() bool { return s.accepts }
func (s *fakeStrategy) ScheduleSend(req *forward.Request, cb forward.ResponseCallback, readyToSend func()) error {
	s.lastCB = cb
	readyToSend()
	return nil
}
func (s *fakeStrategy) Close(err error) {
	select {
	case s.closed <- err:
	default:
	}
}

func TestSendWritesHeadAndBody(t *testing.T) {
	socket := &recordingSocket{}
	strategy := newFakeStrategy()
	s := New(socket, strategy, 0, zerolog.Nop())

	req := &forward.Request{
		Method:  "POST",
		Path:    "/submit",
		Host:    "localhost",
		Port:    9000,
		Headers: http.Header{"Content-Length": {"5"}, "X-Test": {"1"}},
		Body:    io.NopCloser(strings.NewReader("hello")),
		Ctx:     context.Background(),
	}

	done := make(chan error, 1)
	if err := s.Send(req, func(err error) { done <- err }); err != nil {
		t.Fatalf("Send: %v", err)
	}

	out := socket.joined()
	if !strings.HasPrefix(out, "POST /submit HTTP/1.1\r\n") {
		t.Fatalf("unexpected head: %q", out)
	}
	if !strings.Contains(out, "host: localhost:9000\r\n") {
		t.Fatalf("missing host header: %q", out)
	}
	if !strings.Contains(out, "connection: keep-alive\r\n") {
		t.Fatalf("missing connection header: %q", out)
	}
	if !strings.Contains(out, "x-test: 1\r\n") {
		t.Fatalf("missing forwarded header: %q", out)
	}
	if !strings.HasSuffix(out, "hello") {
		t.Fatalf("body not streamed: %q", out)
	}
}

func TestSendDeclinesWhenSocketOverflows(t *testing.T) {
	socket := &recordingSocket{declines: 1}
	strategy := newFakeStrategy()
	s := New(socket, strategy, 0, zerolog.Nop())

	req := &forward.Request{
		Method: "GET",
		Path:   "/",
		Host:   "localhost",
		Port:   9000,
		Ctx:    context.Background(),
	}

	done := make(chan error, 1)
	if err := s.Send(req, func(err error) { done <- err }); err != nil {
		t.Fatalf("Send: %v", err)
	}

	err := <-done
	var pe *perror.Error
	if !perror.As(err, &pe) || pe.Code != perror.CodePipelineOverflow {
		t.Fatalf("callback error = %v, want CodePipelineOverflow", err)
	}
}

func TestRequestTimeoutClosesStrategy(t *testing.T) {
	socket := &recordingSocket{}
	strategy := newFakeStrategy()
	s := New(socket, strategy, 10*time.Millisecond, zerolog.Nop())

	req := &forward.Request{Method: "GET", Path: "/", Host: "h", Port: 1, Ctx: context.Background()}
	if err := s.Send(req, func(error) {}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case err := <-strategy.closed:
		var pe *perror.Error
		if !perror.As(err, &pe) || pe.Code != perror.CodeTimedOut {
			t.Fatalf("strategy closed with %v, want CodeTimedOut", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timed out waiting for strategy.Close")
	}
}

func TestRequestTimeoutCanceledByCallback(t *testing.T) {
	socket := &recordingSocket{}
	strategy := newFakeStrategy()
	s := New(socket, strategy, 50*time.Millisecond, zerolog.Nop())

	req := &forward.Request{Method: "GET", Path: "/", Host: "h", Port: 1, Ctx: context.Background()}
	var cbErr error
	if err := s.Send(req, func(err error) { cbErr = err }); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// Simulate the pipeline completing the request before the deadline; this
	// invokes the sender's timer-stopping wrapper around the original cb.
	strategy.lastCB(nil)
	_ = cbErr

	select {
	case <-strategy.closed:
		t.Fatalf("strategy should not be closed since the callback already fired")
	case <-time.After(150 * time.Millisecond):
	}
}

// TestRequestTimeoutCanceledByResponseStart ensures the timeout bounds
// time-to-headers rather than time-to-full-response: a response that starts
// within the deadline but keeps streaming past it must not trip the timer.
func TestRequestTimeoutCanceledByResponseStart(t *testing.T) {
	socket := &recordingSocket{}
	strategy := newFakeStrategy()
	s := New(socket, strategy, 50*time.Millisecond, zerolog.Nop())

	req := &forward.Request{Method: "GET", Path: "/", Host: "h", Port: 1, Ctx: context.Background()}
	if err := s.Send(req, func(error) {}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if req.OnResponseStart == nil {
		t.Fatalf("Send should have installed an OnResponseStart hook")
	}
	req.OnResponseStart()

	select {
	case <-strategy.closed:
		t.Fatalf("strategy should not be closed once headers have started arriving")
	case <-time.After(150 * time.Millisecond):
	}
}
