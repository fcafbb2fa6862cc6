// Package parser implements a single-threaded, byte-driven streaming parser
// for HTTP/1.1 server responses on a trusted channel (spec §4.1). It is the
// one piece of this proxy with no ecosystem substitute: every third-party
// HTTP client library decodes responses against a blocking io.Reader, while
// this parser must accept arbitrarily sliced byte feeds from a non-blocking
// socket callback and emit typed events synchronously, so it is written by
// hand against the wire grammar instead (see DESIGN.md).
package parser

import (
	"strconv"
	"strings"

	"github.com/jordan-breton/uws-reverse-proxy/internal/perror"
)

type state int

const (
	stateVersion state = iota
	stateStatusCode
	stateStatusMessage
	stateHeaderLine
	stateBodyFixed
	stateBodyChunkSize
	stateBodyChunkData
	stateBodyChunkCRLF
	stateBodyChunkTrailer
	stateBodyUntilClose
	stateDone // fatal error occurred; feed is ignored until Reset
)

// Parser is a reusable, single-response-at-a-time HTTP/1.1 response decoder.
// A single instance is intended to live for the lifetime of one backend
// Connection and to be fed every byte read from that connection's socket, in
// order, including across multiple pipelined responses.
type Parser struct {
	sink Sink

	st state

	scratch []byte // accumulates the in-progress line/header value across Feed calls

	version       string
	statusCode    int
	statusMessage string
	headers       Headers
	lastHeaderKey string

	bodyMode     Mode
	bodyLength   int64
	bytesRead    int64
	chunkSize    int64
	chunkRead    int64
	afterCRLFPos int // how many of "\r\n" have been matched while skipping a trailing CRLF
}

// New returns a Parser in its initial state, delivering events to sink.
func New(sink Sink) *Parser {
	p := &Parser{sink: sink}
	p.resetState()
	return p
}

func (p *Parser) resetState() {
	p.st = stateVersion
	p.scratch = p.scratch[:0]
	p.version = ""
	p.statusCode = 0
	p.statusMessage = ""
	p.headers = Headers{}
	p.lastHeaderKey = ""
	p.bodyMode = ModeFixed
	p.bodyLength = 0
	p.bytesRead = 0
	p.chunkSize = 0
	p.chunkRead = 0
	p.afterCRLFPos = 0
}

// Reset returns the parser to its initial state, discarding any in-progress
// response, and emits OnReset.
func (p *Parser) Reset() {
	p.resetState()
	p.sink.OnReset()
}

func lower(s string) string {
	return strings.ToLower(s)
}

// Feed consumes a contiguous slice of response bytes, synchronously emitting
// events on the sink. Feeding an empty slice is a no-op. Feed is
// slicing-invariant: splitting one logical byte stream into any sequence of
// Feed calls yields the identical event sequence (spec §8).
func (p *Parser) Feed(data []byte) {
	i := 0
	for i < len(data) {
		if p.st == stateDone {
			return
		}
		switch p.st {
		case stateVersion:
			i = p.feedLineToken(data, i, &p.version, ' ', stateStatusCode)
		case stateStatusCode:
			i = p.feedStatusCode(data, i)
		case stateStatusMessage:
			i = p.feedStatusMessage(data, i)
		case stateHeaderLine:
			i = p.feedHeaderLine(data, i)
		case stateBodyFixed:
			i = p.feedBodyFixed(data, i)
		case stateBodyChunkSize:
			i = p.feedChunkSizeLine(data, i)
		case stateBodyChunkData:
			i = p.feedChunkData(data, i)
		case stateBodyChunkCRLF:
			i = p.skipCRLF(data, i, stateBodyChunkSize)
		case stateBodyChunkTrailer:
			i = p.feedChunkTrailer(data, i)
		case stateBodyUntilClose:
			p.emitBodyChunk(data[i:], false)
			i = len(data)
		}
	}
}

// feedLineToken accumulates bytes until sep is seen, then stores the token
// (sans sep) into *dst and transitions to next.
func (p *Parser) feedLineToken(data []byte, i int, dst *string, sep byte, next state) int {
	for ; i < len(data); i++ {
		if data[i] == sep {
			*dst = string(p.scratch)
			p.scratch = p.scratch[:0]
			p.st = next
			return i + 1
		}
		p.scratch = append(p.scratch, data[i])
	}
	return i
}

func (p *Parser) feedStatusCode(data []byte, i int) int {
	var tok string
	j := p.feedLineToken(data, i, &tok, ' ', stateStatusMessage)
	if tok != "" {
		code, err := strconv.Atoi(strings.TrimSpace(tok))
		if err != nil {
			code = 0
		}
		p.statusCode = code
	}
	return j
}

func (p *Parser) feedStatusMessage(data []byte, i int) int {
	for ; i < len(data); i++ {
		c := data[i]
		if c == '\n' {
			msg := string(p.scratch)
			msg = strings.TrimSuffix(msg, "\r")
			p.statusMessage = msg
			p.scratch = p.scratch[:0]
			p.st = stateHeaderLine
			return i + 1
		}
		p.scratch = append(p.scratch, c)
	}
	return i
}

// feedHeaderLine accumulates one header line (or the blank line terminating
// the header block) up to and including its LF, tolerating a bare LF with no
// preceding CR (spec §4.1 step 4). A single blank line, whether it ends in
// CRLF or a bare LF, ends the header block.
func (p *Parser) feedHeaderLine(data []byte, i int) int {
	for ; i < len(data); i++ {
		c := data[i]
		if c == '\n' {
			line := string(p.scratch)
			line = strings.TrimSuffix(line, "\r")
			p.scratch = p.scratch[:0]
			i++
			if line == "" {
				p.onHeadersComplete()
				return i
			}
			p.parseHeaderLine(line)
			continue
		}
		p.scratch = append(p.scratch, c)
	}
	return i
}

func (p *Parser) parseHeaderLine(line string) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		// Tolerable format issue: no colon. Ignore the line.
		return
	}
	name := lower(strings.TrimSpace(line[:idx]))
	value := line[idx+1:]
	value = strings.TrimPrefix(value, " ")
	p.headers.add(name, value)
	p.lastHeaderKey = name
}

func (p *Parser) onHeadersComplete() {
	p.sink.OnHeaders(HeadersEvent{
		Version:       p.version,
		StatusCode:    p.statusCode,
		StatusMessage: p.statusMessage,
		Headers:       p.headers,
	})

	if noBodyStatus(p.statusCode) {
		p.startFixedBody(0)
		return
	}

	te := lower(p.headers.Get("transfer-encoding"))
	if strings.Contains(te, "chunked") {
		p.headers.del("content-length")
		p.bodyMode = ModeChunked
		p.sink.OnBodyReadMode(BodyReadModeEvent{Mode: ModeChunked})
		p.st = stateBodyChunkSize
		return
	}

	if cl := p.headers.Get("content-length"); cl != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err != nil || n < 0 {
			p.fatal(perror.CodeInvalidContentLength)
			return
		}
		p.startFixedBody(n)
		return
	}

	p.bodyMode = ModeUntilClose
	p.sink.OnBodyReadMode(BodyReadModeEvent{Mode: ModeUntilClose})
	p.st = stateBodyUntilClose
}

// noBodyStatus reports the status codes that spec §4.1 step 2 calls out as
// never carrying a body regardless of what headers claim.
func noBodyStatus(code int) bool {
	if code >= 100 && code < 200 {
		return true
	}
	switch code {
	case 204, 304:
		return true
	}
	return false
}

func (p *Parser) startFixedBody(n int64) {
	p.bodyMode = ModeFixed
	p.bodyLength = n
	p.bytesRead = 0
	p.sink.OnBodyReadMode(BodyReadModeEvent{Mode: ModeFixed, Length: n})
	if n == 0 {
		p.emitBodyChunk(nil, true)
		return
	}
	p.st = stateBodyFixed
}

func (p *Parser) feedBodyFixed(data []byte, i int) int {
	remaining := p.bodyLength - p.bytesRead
	avail := int64(len(data) - i)
	take := remaining
	if avail < take {
		take = avail
	}
	chunk := data[i : i+int(take)]
	p.bytesRead += take
	isLast := p.bytesRead >= p.bodyLength
	p.emitBodyChunk(chunk, isLast)
	return i + int(take)
}

func (p *Parser) feedChunkSizeLine(data []byte, i int) int {
	for ; i < len(data); i++ {
		c := data[i]
		if c == '\n' {
			line := string(p.scratch)
			line = strings.TrimSuffix(line, "\r")
			p.scratch = p.scratch[:0]
			i++
			if !p.parseChunkSizeLine(line) {
				return i
			}
			if p.chunkSize == 0 {
				p.st = stateBodyChunkTrailer
			} else {
				p.chunkRead = 0
				p.st = stateBodyChunkData
			}
			return i
		}
		p.scratch = append(p.scratch, c)
	}
	return i
}

func (p *Parser) parseChunkSizeLine(line string) bool {
	if semi := strings.IndexByte(line, ';'); semi >= 0 {
		line = line[:semi]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		p.fatal(perror.CodeInvalidChunkSize)
		return false
	}
	n, err := strconv.ParseInt(line, 16, 64)
	if err != nil || n < 0 {
		p.fatal(perror.CodeInvalidChunkSize)
		return false
	}
	p.chunkSize = n
	return true
}

func (p *Parser) feedChunkData(data []byte, i int) int {
	remaining := p.chunkSize - p.chunkRead
	avail := int64(len(data) - i)
	take := remaining
	if avail < take {
		take = avail
	}
	chunk := data[i : i+int(take)]
	p.chunkRead += take
	p.emitBodyChunk(chunk, false)
	i += int(take)
	if p.chunkRead >= p.chunkSize {
		p.afterCRLFPos = 0
		p.st = stateBodyChunkCRLF
	}
	return i
}

// skipCRLF consumes exactly "\r\n" (tolerating a bare "\n") before resuming
// at next.
func (p *Parser) skipCRLF(data []byte, i int, next state) int {
	for ; i < len(data); i++ {
		c := data[i]
		if c == '\r' && p.afterCRLFPos == 0 {
			p.afterCRLFPos = 1
			continue
		}
		if c == '\n' {
			p.afterCRLFPos = 0
			p.st = next
			return i + 1
		}
		// Tolerable: unexpected byte where CRLF was expected; resync by
		// treating this byte as the start of the next token.
		p.afterCRLFPos = 0
		p.st = next
		return i
	}
	return i
}

// feedChunkTrailer consumes the optional trailer block following the final
// zero-size chunk, up to and including the blank line that ends it.
func (p *Parser) feedChunkTrailer(data []byte, i int) int {
	for ; i < len(data); i++ {
		c := data[i]
		if c == '\n' {
			line := string(p.scratch)
			line = strings.TrimSuffix(line, "\r")
			p.scratch = p.scratch[:0]
			i++
			if line == "" {
				p.emitBodyChunk(nil, true)
				return i
			}
			continue
		}
		p.scratch = append(p.scratch, c)
	}
	return i
}

// emitBodyChunk forwards a chunk to the sink, and, if it terminates the
// response, internally resets so the remainder of the current Feed slice is
// parsed as the next pipelined response (spec §4.1).
func (p *Parser) emitBodyChunk(data []byte, isLast bool) {
	p.sink.OnBodyChunk(BodyChunkEvent{Data: data, IsLast: isLast})
	if isLast {
		p.resetState()
	}
}

func (p *Parser) fatal(code perror.Code) {
	p.st = stateDone
	p.sink.OnError(ErrorEvent{Code: code})
}
