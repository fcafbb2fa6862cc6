package edge

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
)

// httpReply adapts net/http's ResponseWriter into the spec §3/§6
// reply.Handle contract. Go's http.ResponseWriter.Write is synchronous: it
// blocks until the write is handed to the kernel, which already gives us the
// backpressure spec's try_end/write/on_writable dance exists to provide over
// a non-blocking socket. So TryEnd/Write here always report accepted=true on
// success; OnWritable is still honored for any reply.Handle (see the fake in
// pipeline's tests) that genuinely needs the pause/resume path — see
// DESIGN.md's resolution of this Open Question.
type httpReply struct {
	w       http.ResponseWriter
	flusher http.Flusher
	ctx     context.Context

	corkMu sync.Mutex

	mu          sync.Mutex
	statusCode  int
	wroteHeader bool
	writeOffset int64
	onAbortedFn func()

	aborted   atomic.Bool
	abortOnce sync.Once
}

// NewHTTPReply wraps w/r as a reply.Handle for the duration of one request.
func NewHTTPReply(w http.ResponseWriter, r *http.Request) *httpReply {
	flusher, _ := w.(http.Flusher)
	h := &httpReply{w: w, ctx: r.Context(), flusher: flusher}
	go h.watchAbort()
	return h
}

func (h *httpReply) watchAbort() {
	<-h.ctx.Done()
	h.markAborted()
}

func (h *httpReply) markAborted() {
	h.abortOnce.Do(func() {
		h.aborted.Store(true)
		h.mu.Lock()
		fn := h.onAbortedFn
		h.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}

func (h *httpReply) WriteStatus(code int, _ string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statusCode = code
}

func (h *httpReply) WriteHeader(key, value string) {
	h.w.Header().Add(key, value)
}

func (h *httpReply) ensureHeaderWritten() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.wroteHeader {
		return
	}
	code := h.statusCode
	if code == 0 {
		code = http.StatusOK
	}
	h.w.WriteHeader(code)
	h.wroteHeader = true
}

func (h *httpReply) TryEnd(chunk []byte, totalSize int64) (accepted bool, done bool) {
	h.mu.Lock()
	if !h.wroteHeader {
		if totalSize >= 0 {
			h.w.Header().Set("Content-Length", itoa(totalSize))
		}
	}
	h.mu.Unlock()
	h.ensureHeaderWritten()

	n, err := h.w.Write(chunk)
	atomic.AddInt64(&h.writeOffset, int64(n))
	if h.flusher != nil {
		h.flusher.Flush()
	}
	offset := atomic.LoadInt64(&h.writeOffset)
	return err == nil, err == nil && offset >= totalSize
}

func (h *httpReply) Write(chunk []byte) bool {
	h.ensureHeaderWritten()
	n, err := h.w.Write(chunk)
	atomic.AddInt64(&h.writeOffset, int64(n))
	if h.flusher != nil {
		h.flusher.Flush()
	}
	return err == nil
}

func (h *httpReply) End(chunk []byte) {
	if len(chunk) > 0 {
		h.Write(chunk)
		return
	}
	h.ensureHeaderWritten()
}

func (h *httpReply) OnWritable(fn func(offset int64) bool) {
	// Go's synchronous ResponseWriter never rejects a write transiently, so
	// production code never needs to invoke fn; it is retained only so a
	// reply.Handle implementation under test can exercise the pause/resume
	// path in internal/pipeline.
	_ = fn
}

func (h *httpReply) OnAborted(fn func()) {
	if h.aborted.Load() {
		fn()
		return
	}
	h.mu.Lock()
	h.onAbortedFn = fn
	h.mu.Unlock()
}

func (h *httpReply) Cork(fn func()) {
	h.corkMu.Lock()
	defer h.corkMu.Unlock()
	fn()
}

func (h *httpReply) GetWriteOffset() int64 {
	return atomic.LoadInt64(&h.writeOffset)
}

func (h *httpReply) Aborted() bool {
	return h.aborted.Load()
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
