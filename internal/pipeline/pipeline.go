// Package pipeline implements the SendingStrategy described in spec §4.2: a
// FIFO queue of in-flight requests on one backend connection, correlating
// parser events with the oldest in-flight request (queue head) and writing
// the reply through the edge reply-handle, honoring its backpressure.
package pipeline

import (
	"sync"

	"github.com/jordan-breton/uws-reverse-proxy/internal/forward"
	"github.com/jordan-breton/uws-reverse-proxy/internal/parser"
	"github.com/jordan-breton/uws-reverse-proxy/internal/perror"
	"github.com/jordan-breton/uws-reverse-proxy/internal/reply"
	"github.com/rs/zerolog"
)

// entry is spec §3's PipelineEntry: the request, its response-in-progress
// bookkeeping, the stale flag, and the completion callback.
type entry struct {
	request  *forward.Request
	callback forward.ResponseCallback

	stale   bool
	started bool // true once the reply-handle has actually begun writing a response

	contentLength int64 // -1 until BodyReadMode arrives, then -1 means "unknown length"
	written       int64

	pendingChunk  []byte
	pendingOffset int64
	pendingTotal  int64
	awaitingDrain bool
}

// Pipeline is a bounded FIFO queue of pipeline entries for a single backend
// Connection. It implements parser.Sink.
type Pipeline struct {
	mu          sync.Mutex
	maxRequests int
	queue       []*entry
	locked      bool // set once the connection entered ModeUntilClose
	closed      bool
	log         zerolog.Logger
}

// New returns a Pipeline bounded to maxRequests in-flight entries.
func New(maxRequests int, log zerolog.Logger) *Pipeline {
	return &Pipeline{maxRequests: maxRequests, log: log}
}

// AcceptsMoreRequests reports whether ScheduleSend would currently succeed.
func (p *Pipeline) AcceptsMoreRequests() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && !p.locked && len(p.queue) < p.maxRequests
}

// ScheduleSend appends a new entry for req, arranges for readyToSend to run
// once the entry is registered, and installs abort/writable handling on the
// reply-handle.
func (p *Pipeline) ScheduleSend(req *forward.Request, cb forward.ResponseCallback, readyToSend func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return perror.New(perror.CodePipelineOverflow)
	}
	if p.locked || len(p.queue) >= p.maxRequests {
		p.mu.Unlock()
		return perror.New(perror.CodePipelineOverflow)
	}
	e := &entry{request: req, callback: cb, contentLength: -1}
	p.queue = append(p.queue, e)
	p.mu.Unlock()

	if req.Reply != nil {
		req.Reply.OnAborted(func() {
			p.mu.Lock()
			e.stale = true
			p.mu.Unlock()
		})
	}

	readyToSend()
	return nil
}

// Close drains the queue, failing every pending entry's callback with err and
// best-effort ending its reply-handle, then re-initializes the pipeline so a
// fresh Connection attempt could reuse the instance (spec §4.2).
func (p *Pipeline) Close(err error) {
	p.mu.Lock()
	drained := p.queue
	p.queue = nil
	p.locked = false
	p.closed = true
	p.mu.Unlock()

	for _, e := range drained {
		p.terminate(e, err)
	}

	p.mu.Lock()
	p.closed = false
	p.mu.Unlock()
}

// terminate fails e's callback with err and, if e's reply-handle already
// began writing a response, best-effort ends it. An entry that never
// started writing is left untouched: its reply-handle still has no status
// committed, so the caller's own error translator is the one that gets to
// write the real status.
func (p *Pipeline) terminate(e *entry, err error) {
	if e.started && e.request != nil && e.request.Reply != nil && !e.request.Reply.Aborted() {
		e.request.Reply.Cork(func() {
			e.request.Reply.End(nil)
		})
	}
	if e.callback != nil {
		e.callback(err)
	}
}

func (p *Pipeline) head() *entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil
	}
	return p.queue[0]
}

func (p *Pipeline) popHead() {
	p.mu.Lock()
	if len(p.queue) > 0 {
		p.queue = p.queue[1:]
	}
	p.mu.Unlock()
}

// OnHeaders correlates the event with the queue head and writes the status
// line/headers through the reply-handle, unless the head went stale.
func (p *Pipeline) OnHeaders(e parser.HeadersEvent) {
	head := p.head()
	if head == nil {
		return
	}

	if head.request.OnResponseStart != nil {
		head.request.OnResponseStart()
	}

	if head.stale || head.request.Reply == nil {
		return
	}
	head.started = true
	head.request.Reply.Cork(func() {
		head.request.Reply.WriteStatus(e.StatusCode, e.StatusMessage)
		for name, values := range e.Headers {
			if name == "content-length" {
				// Left to the edge to compute from try_end's totalSize; see
				// DESIGN.md for the resolved Open Question.
				continue
			}
			for _, v := range values {
				head.request.Reply.WriteHeader(name, v)
			}
		}
	})
}

// OnBodyReadMode records the body-framing mode for the queue head and locks
// the pipeline against further scheduling if the mode is contagious
// (ModeUntilClose, spec §4.1/§9).
func (p *Pipeline) OnBodyReadMode(e parser.BodyReadModeEvent) {
	head := p.head()
	if head == nil {
		return
	}
	if e.Mode == parser.ModeFixed {
		head.contentLength = e.Length
	} else {
		head.contentLength = -1
	}
	if e.Mode == parser.ModeUntilClose {
		p.mu.Lock()
		p.locked = true
		p.mu.Unlock()
	}
}

// OnBodyChunk forwards body bytes to the queue head's reply-handle,
// terminating and popping the head once the chunk is marked IsLast.
func (p *Pipeline) OnBodyChunk(e parser.BodyChunkEvent) {
	head := p.head()
	if head == nil {
		return
	}

	if !head.stale && head.request.Reply != nil {
		p.writeChunk(head, e)
	}

	if e.IsLast {
		p.popHead()
		if head.callback != nil {
			head.callback(nil)
		}
	}
}

// writeChunk performs the reply-handle write loop from spec §4.2: try_end
// when the content length is known, write otherwise, pausing on rejection
// and resuming via OnWritable.
func (p *Pipeline) writeChunk(head *entry, e parser.BodyChunkEvent) {
	reply := head.request.Reply
	if head.contentLength >= 0 {
		reply.Cork(func() {
			accepted, done := reply.TryEnd(e.Data, head.contentLength)
			if !accepted {
				head.pendingChunk = append([]byte(nil), e.Data...)
				head.pendingOffset = reply.GetWriteOffset()
				head.pendingTotal = head.contentLength
				reply.OnWritable(func(offset int64) bool {
					return p.retryTryEnd(head, offset)
				})
				return
			}
			head.written += int64(len(e.Data))
			_ = done
		})
		return
	}

	reply.Cork(func() {
		accepted := reply.Write(e.Data)
		if !accepted {
			head.pendingChunk = append([]byte(nil), e.Data...)
			reply.OnWritable(func(offset int64) bool {
				return p.retryWrite(head)
			})
			return
		}
		head.written += int64(len(e.Data))
		if e.IsLast {
			reply.End(nil)
		}
	})
}

func (p *Pipeline) retryTryEnd(head *entry, offset int64) bool {
	reply := head.request.Reply
	remaining := head.pendingChunk[offset-head.pendingOffset:]
	accepted, _ := reply.TryEnd(remaining, head.pendingTotal)
	if accepted {
		head.written += int64(len(remaining))
		head.pendingChunk = nil
	}
	return accepted
}

func (p *Pipeline) retryWrite(head *entry) bool {
	reply := head.request.Reply
	accepted := reply.Write(head.pendingChunk)
	if accepted {
		head.written += int64(len(head.pendingChunk))
		head.pendingChunk = nil
	}
	return accepted
}

// OnError closes the whole pipeline; the owning Connection is responsible
// for tearing itself down after this call returns (spec §4.2, §7).
func (p *Pipeline) OnError(e parser.ErrorEvent) {
	p.Close(perror.New(e.Code))
}

// OnReset is a no-op for the pipeline: no pipeline state depends on parser
// resets, and the owning Connection never calls Parser.Reset.
func (p *Pipeline) OnReset() {}
