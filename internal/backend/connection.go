package backend

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jordan-breton/uws-reverse-proxy/internal/forward"
	"github.com/jordan-breton/uws-reverse-proxy/internal/parser"
	"github.com/jordan-breton/uws-reverse-proxy/internal/perror"
	"github.com/jordan-breton/uws-reverse-proxy/internal/pipeline"
	"github.com/jordan-breton/uws-reverse-proxy/internal/sender"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// State is one of the Connection lifecycle states from spec §3/§4.4. Events
// fire in state order Connecting -> Connected -> Closed; once Closed no
// further activity occurs.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "closed"
	}
}

// Connection owns one TCP (optionally TLS) socket to a backend: lifecycle,
// keepalive, reconnect with attempts/delay, idle eviction (spec §4.4).
type Connection struct {
	target Target
	opts   Options
	log    zerolog.Logger
	dialSem *semaphore.Weighted

	state        atomic.Int32
	lastActivity atomic.Int64 // unix nano
	reopenAttempts int

	mu     sync.Mutex
	conn   net.Conn
	socket *queuedSocket

	Parser   *parser.Parser
	Pipeline *pipeline.Pipeline
	Sender   *sender.Sender

	ready    chan struct{}
	readyErr error
	readyOnce sync.Once

	onClosed func(*Connection)
	closeOnce sync.Once
}

// newConnection constructs a Connection and starts its first connect
// attempt in the background.
func newConnection(target Target, opts Options, dialSem *semaphore.Weighted, log zerolog.Logger, onClosed func(*Connection)) *Connection {
	c := &Connection{
		target:   target,
		opts:     opts,
		dialSem:  dialSem,
		log:      log.With().Str("backend", fmt.Sprintf("%s:%d", target.Host, target.Port)).Logger(),
		ready:    make(chan struct{}),
		onClosed: onClosed,
	}
	c.state.Store(int32(StateConnecting))
	c.Pipeline = pipeline.New(opts.MaxPipelinedRequestsByConnection, c.log)

	go c.openConnection()
	return c
}

// State returns the Connection's current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// IsAvailable reports whether the Connection can accept another request
// right now (spec §4.4 "Send gating").
func (c *Connection) IsAvailable() bool {
	return c.State() == StateConnected && c.Sender != nil && c.Sender.AcceptsMoreRequests()
}

// LastActivity returns the last time bytes were read from or flowed through
// this Connection.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Ready blocks until the Connection's first connect attempt resolves,
// returning the error from a permanently failed bootstrap, if any.
func (c *Connection) Ready(ctx context.Context) error {
	select {
	case <-c.ready:
		return c.readyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) resolveReady(err error) {
	c.readyOnce.Do(func() {
		c.readyErr = err
		close(c.ready)
	})
}

// Send delegates to the Connection's Sender, failing synchronously if the
// Connection is not in the Connected state (spec §4.4 "Send gating").
func (c *Connection) Send(req *forward.Request, cb forward.ResponseCallback) error {
	if c.State() != StateConnected {
		return perror.New(perror.CodeConnReset)
	}
	if req.Host == "" {
		req.Host = c.target.Host
	}
	if req.Port == 0 {
		req.Port = c.target.Port
	}
	return c.Sender.Send(req, cb)
}

func (c *Connection) openConnection() {
	if c.dialSem != nil {
		_ = c.dialSem.Acquire(context.Background(), 1)
		defer c.dialSem.Release(1)
	}

	dialer := &net.Dialer{
		Timeout:   c.opts.ConnectionTimeout,
		KeepAlive: c.opts.KeepAlive,
	}

	addr := fmt.Sprintf("%s:%d", c.target.Host, c.target.Port)

	var conn net.Conn
	var err error
	if c.target.TLS {
		tlsCfg := &tls.Config{
			ServerName:         c.target.ServerName,
			InsecureSkipVerify: c.target.InsecureSkipVerify, //nolint:gosec // loopback backends are opt-in via config
		}
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsCfg)
	} else {
		conn, err = dialer.Dial("tcp", addr)
	}

	if err != nil {
		c.handleDialError(err)
		return
	}

	c.onConnected(conn)
}

func (c *Connection) handleDialError(err error) {
	if isConnRefused(err) && c.reopenAttempts < c.opts.ReconnectionAttempts {
		c.state.Store(int32(StateClosed))
		c.reopenAttempts++
		c.log.Debug().Err(err).Int("attempt", c.reopenAttempts).Msg("backend refused connection, scheduling retry")
		time.AfterFunc(c.opts.ReconnectionDelay, func() {
			c.state.Store(int32(StateConnecting))
			c.openConnection()
		})
		return
	}

	c.state.Store(int32(StateClosed))
	wrapped := perror.Wrap(perror.CodeConnRefused, err, "dial backend")
	c.resolveReady(wrapped)
	c.teardown(wrapped)
}

func (c *Connection) onConnected(conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.socket = newQueuedSocket(conn, c.opts.MaxStackedBuffers, c.handleSocketError, c.log)
	c.mu.Unlock()

	c.Parser = parser.New(c.Pipeline)
	c.Sender = sender.New(c.socket, c.Pipeline, c.opts.RequestTimeout, c.log)

	c.reopenAttempts = 0
	c.touch()
	c.state.Store(int32(StateConnected))
	c.resolveReady(nil)

	go c.readLoop()
}

func (c *Connection) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.touch()
			c.Parser.Feed(buf[:n])
		}
		if err != nil {
			c.handleSocketError(err)
			return
		}
	}
}

func (c *Connection) handleSocketError(err error) {
	if errors.Is(err, net.ErrClosed) {
		c.teardown(nil)
		return
	}
	if isConnAborted(err) {
		c.teardown(perror.Wrap(perror.CodeRecipientAborted, err, "backend connection aborted mid-flight"))
		return
	}
	c.teardown(perror.Wrap(perror.CodeConnReset, err, "backend connection error"))
}

// teardown transitions the Connection to Closed exactly once, drains the
// Pipeline with err, and notifies the owning Client so it is evicted from
// the pool (spec §4.4 "On socket close").
func (c *Connection) teardown(err error) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))

		c.mu.Lock()
		if c.socket != nil {
			c.socket.close()
		}
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.mu.Unlock()

		c.resolveReady(err)
		c.Pipeline.Close(err)

		if c.onClosed != nil {
			c.onClosed(c)
		}
	})
}

// Close tears the Connection down deliberately (spec §4.5 "Close").
func (c *Connection) Close() {
	c.teardown(nil)
}

func isConnRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

func isConnAborted(err error) bool {
	return errors.Is(err, syscall.ECONNABORTED)
}
