package parser

import (
	"strings"
	"testing"

	"github.com/jordan-breton/uws-reverse-proxy/internal/perror"
)

type recordingSink struct {
	headers   []HeadersEvent
	modes     []BodyReadModeEvent
	chunks    []BodyChunkEvent
	errors    []ErrorEvent
	resets    int
	bodyParts []string
}

func (s *recordingSink) OnHeaders(e HeadersEvent)           { s.headers = append(s.headers, e) }
func (s *recordingSink) OnBodyReadMode(e BodyReadModeEvent) { s.modes = append(s.modes, e) }
func (s *recordingSink) OnBodyChunk(e BodyChunkEvent) {
	s.chunks = append(s.chunks, e)
	s.bodyParts = append(s.bodyParts, string(e.Data))
}
func (s *recordingSink) OnError(e ErrorEvent) { s.errors = append(s.errors, e) }
func (s *recordingSink) OnReset()             { s.resets++ }

func TestFixedSingleResponse(t *testing.T) {
	sink := &recordingSink{}
	p := New(sink)

	p.Feed([]byte("HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 12\r\n\r\nHello World!"))

	if len(sink.headers) != 1 {
		t.Fatalf("expected 1 headers event, got %d", len(sink.headers))
	}
	h := sink.headers[0]
	if h.StatusCode != 200 || h.StatusMessage != "OK" || h.Version != "HTTP/1.1" {
		t.Fatalf("unexpected headers event: %+v", h)
	}
	if h.Headers.Get("content-type") != "text/plain" {
		t.Fatalf("missing content-type header: %+v", h.Headers)
	}
	if len(sink.modes) != 1 || sink.modes[0].Mode != ModeFixed || sink.modes[0].Length != 12 {
		t.Fatalf("unexpected body mode: %+v", sink.modes)
	}
	if len(sink.chunks) != 1 || string(sink.chunks[0].Data) != "Hello World!" || !sink.chunks[0].IsLast {
		t.Fatalf("unexpected chunks: %+v", sink.chunks)
	}
	if len(sink.errors) != 0 {
		t.Fatalf("expected no errors, got %+v", sink.errors)
	}
}

func TestChunkedSingleChunk(t *testing.T) {
	sink := &recordingSink{}
	p := New(sink)

	p.Feed([]byte("HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nTransfer-Encoding: chunked\r\n\r\nc\r\nHello World!\r\n0\r\n\r\n"))

	if len(sink.modes) != 1 || sink.modes[0].Mode != ModeChunked {
		t.Fatalf("expected chunked mode, got %+v", sink.modes)
	}
	if len(sink.chunks) != 2 {
		t.Fatalf("expected 2 chunk events, got %d: %+v", len(sink.chunks), sink.chunks)
	}
	if string(sink.chunks[0].Data) != "Hello World!" || sink.chunks[0].IsLast {
		t.Fatalf("unexpected first chunk: %+v", sink.chunks[0])
	}
	if len(sink.chunks[1].Data) != 0 || !sink.chunks[1].IsLast {
		t.Fatalf("unexpected terminal chunk: %+v", sink.chunks[1])
	}
}

func TestChunkedTwoChunksWithExtension(t *testing.T) {
	sink := &recordingSink{}
	p := New(sink)

	p.Feed([]byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n6; ext=test\r\nHello \r\n6\r\nWorld!\r\n0\r\n\r\n"))

	if len(sink.chunks) != 3 {
		t.Fatalf("expected 3 chunk events, got %d: %+v", len(sink.chunks), sink.chunks)
	}
	if string(sink.chunks[0].Data) != "Hello " || string(sink.chunks[1].Data) != "World!" {
		t.Fatalf("unexpected chunk bodies: %q %q", sink.chunks[0].Data, sink.chunks[1].Data)
	}
	if !sink.chunks[2].IsLast || len(sink.chunks[2].Data) != 0 {
		t.Fatalf("unexpected terminal chunk: %+v", sink.chunks[2])
	}
}

func Test20PipelinedFixedResponses(t *testing.T) {
	sink := &recordingSink{}
	p := New(sink)

	one := "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 12\r\n\r\nHello World!"
	p.Feed([]byte(strings.Repeat(one, 20)))

	if len(sink.headers) != 20 {
		t.Fatalf("expected 20 headers events, got %d", len(sink.headers))
	}
	terminals := 0
	var body strings.Builder
	for _, c := range sink.chunks {
		body.Write(c.Data)
		if c.IsLast {
			terminals++
		}
	}
	if terminals != 20 {
		t.Fatalf("expected 20 terminal chunks, got %d", terminals)
	}
	if body.String() != strings.Repeat("Hello World!", 20) {
		t.Fatalf("unexpected concatenated body: %q", body.String())
	}
}

func TestInvalidContentLength(t *testing.T) {
	sink := &recordingSink{}
	p := New(sink)

	p.Feed([]byte("HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: zzz\r\n\r\nHello World!"))

	if len(sink.errors) != 1 || sink.errors[0].Code != perror.CodeInvalidContentLength {
		t.Fatalf("expected INVALID_CONTENT_LENGTH error, got %+v", sink.errors)
	}
	if !perror.IsFatal(sink.errors[0].Code) {
		t.Fatalf("expected fatal code")
	}

	p.Reset()
	if sink.resets != 1 {
		t.Fatalf("expected 1 reset event after explicit Reset, got %d", sink.resets)
	}
}

func TestInvalidChunkSize(t *testing.T) {
	sink := &recordingSink{}
	p := New(sink)

	p.Feed([]byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\nHello World!\r\n0\r\n\r\n"))

	if len(sink.errors) != 1 || sink.errors[0].Code != perror.CodeInvalidChunkSize {
		t.Fatalf("expected INVALID_CHUNK_SIZE error, got %+v", sink.errors)
	}
}

func TestEmptyFeedIsNoOp(t *testing.T) {
	sink := &recordingSink{}
	p := New(sink)

	p.Feed(nil)

	if len(sink.headers) != 0 || len(sink.chunks) != 0 || len(sink.errors) != 0 {
		t.Fatalf("expected no events from empty feed")
	}
}

func TestSlicingInvariance(t *testing.T) {
	msg := "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 12\r\n\r\nHello World!" +
		"HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n6\r\nHello \r\n6\r\nWorld!\r\n0\r\n\r\n"

	whole := &recordingSink{}
	New(whole).Feed([]byte(msg))

	split := &recordingSink{}
	p := New(split)
	for i := 0; i < len(msg); i++ {
		p.Feed([]byte{msg[i]})
	}

	if len(whole.chunks) != len(split.chunks) {
		t.Fatalf("chunk event count differs: whole=%d split=%d", len(whole.chunks), len(split.chunks))
	}
	for i := range whole.chunks {
		if string(whole.chunks[i].Data) != string(split.chunks[i].Data) || whole.chunks[i].IsLast != split.chunks[i].IsLast {
			t.Fatalf("chunk %d differs: whole=%+v split=%+v", i, whole.chunks[i], split.chunks[i])
		}
	}
	if len(whole.headers) != len(split.headers) {
		t.Fatalf("headers event count differs: whole=%d split=%d", len(whole.headers), len(split.headers))
	}
}

func Test204HasNoBody(t *testing.T) {
	sink := &recordingSink{}
	p := New(sink)

	p.Feed([]byte("HTTP/1.1 204 No Content\r\nContent-Length: 40\r\n\r\n"))

	if len(sink.modes) != 1 || sink.modes[0].Mode != ModeFixed || sink.modes[0].Length != 0 {
		t.Fatalf("expected forced zero-length fixed body for 204, got %+v", sink.modes)
	}
	if len(sink.chunks) != 1 || !sink.chunks[0].IsLast || len(sink.chunks[0].Data) != 0 {
		t.Fatalf("expected immediate terminal empty chunk, got %+v", sink.chunks)
	}
}
