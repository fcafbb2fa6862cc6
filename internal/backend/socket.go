package backend

import (
	"net"

	"github.com/rs/zerolog"
)

// queuedSocket wraps a net.Conn with a single writer goroutine draining a
// bounded channel. TryWrite is the non-blocking enqueue spec §4.3 calls a
// socket "write returning not fully accepted / drain signal": the channel's
// capacity IS the maxStackedBuffers bound from spec §6 - once it is full,
// TryWrite reports false rather than blocking the caller.
type queuedSocket struct {
	conn    net.Conn
	queue   chan []byte
	onError func(error)
	log     zerolog.Logger
	stopped chan struct{}
}

func newQueuedSocket(conn net.Conn, capacity int, onError func(error), log zerolog.Logger) *queuedSocket {
	s := &queuedSocket{
		conn:    conn,
		queue:   make(chan []byte, capacity),
		onError: onError,
		log:     log,
		stopped: make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

func (s *queuedSocket) writeLoop() {
	defer close(s.stopped)
	for buf := range s.queue {
		if len(buf) == 0 {
			continue
		}
		if _, err := s.conn.Write(buf); err != nil {
			s.log.Debug().Err(err).Msg("backend socket write failed")
			if s.onError != nil {
				s.onError(err)
			}
			return
		}
	}
}

// TryWrite implements sender.Socket.
func (s *queuedSocket) TryWrite(chunk []byte) bool {
	select {
	case s.queue <- chunk:
		return true
	default:
		return false
	}
}

func (s *queuedSocket) close() {
	defer func() { recover() }() //nolint:errcheck // close of an already-closed channel on racing teardown
	close(s.queue)
}
