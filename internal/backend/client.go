// Package backend implements the Connection and Client (pool) components
// from spec §4.4 and §4.5: a keyed connection pool that chooses a connection
// per request (random among available) up to a cap, creates connections
// lazily, evicts idle ones, and exposes a request entry point.
package backend

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jordan-breton/uws-reverse-proxy/internal/forward"
	"github.com/jordan-breton/uws-reverse-proxy/internal/perror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Client is the `(host, port) -> set<Connection>` pool from spec §3/§4.5.
type Client struct {
	opts Options
	log  zerolog.Logger

	dialSem *semaphore.Weighted

	mu      sync.Mutex
	conns   map[string][]*Connection
	closed  bool

	watcherStop chan struct{}
	watcherDone chan struct{}
}

// New returns a Client pool and starts its idle-connection watcher.
func New(opts Options, log zerolog.Logger) *Client {
	c := &Client{
		opts:        opts,
		log:         log.With().Str("component", "backend.Client").Logger(),
		dialSem:     semaphore.NewWeighted(maxInt64(opts.MaxConcurrentDials, 1)),
		conns:       make(map[string][]*Connection),
		watcherStop: make(chan struct{}),
		watcherDone: make(chan struct{}),
	}
	go c.watch()
	return c
}

func maxInt64(v, floor int64) int64 {
	if v <= 0 {
		return floor
	}
	return v
}

func key(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}

// Request sends req on a Connection chosen/created for (target.Host,
// target.Port), per spec §4.5's selection policy. Once the request is
// scheduled, cb is invoked exactly once on completion or failure; when
// Request itself returns a non-nil error, cb is not invoked.
func (c *Client) Request(ctx context.Context, target Target, req *forward.Request, cb forward.ResponseCallback) error {
	conn, err := c.getConnection(ctx, target)
	if err != nil {
		return err
	}
	return conn.Send(req, cb)
}

// getConnection implements spec §4.5's selection policy: create eagerly
// while under the per-host cap (to avoid head-of-line blocking across
// pipelines), otherwise pick uniformly at random among ready, available
// connections, failing with E_MAX_CONNECTIONS if none qualify.
func (c *Client) getConnection(ctx context.Context, target Target) (*Connection, error) {
	k := key(target.Host, target.Port)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, perror.New(perror.CodeConnReset)
	}

	list := c.conns[k]
	if len(list) < c.opts.MaxConnectionsByHost {
		conn := newConnection(target, c.opts, c.dialSem, c.log, c.remove)
		c.conns[k] = append(list, conn)
		c.mu.Unlock()

		if err := conn.Ready(ctx); err != nil {
			return nil, err
		}
		return conn, nil
	}

	available := make([]*Connection, 0, len(list))
	for _, conn := range list {
		if conn.IsAvailable() {
			available = append(available, conn)
		}
	}
	c.mu.Unlock()

	if len(available) == 0 {
		return nil, perror.New(perror.CodeMaxConnections)
	}
	return available[rand.Intn(len(available))], nil
}

// remove evicts conn from the pool; installed as every Connection's onClosed
// hook so closures (graceful or not) keep the pool invariant
// `pending + ready <= maxConnectionsByHost` (spec §3).
func (c *Client) remove(conn *Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key(conn.target.Host, conn.target.Port)
	list := c.conns[k]
	for i, candidate := range list {
		if candidate == conn {
			c.conns[k] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(c.conns[k]) == 0 {
		delete(c.conns, k)
	}
}

// watch runs the periodic idle-connection eviction described in spec §4.5:
// any Connection that is currently available and whose last activity is
// older than ConnectionTimeout is closed. In-flight connections are never
// touched.
func (c *Client) watch() {
	defer close(c.watcherDone)
	ticker := time.NewTicker(c.opts.ConnectionWatcherInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.watcherStop:
			return
		case <-ticker.C:
			c.evictIdle()
		}
	}
}

func (c *Client) evictIdle() {
	cutoff := time.Now().Add(-c.opts.ConnectionTimeout)

	c.mu.Lock()
	var toClose []*Connection
	for _, list := range c.conns {
		for _, conn := range list {
			if conn.IsAvailable() && conn.LastActivity().Before(cutoff) {
				toClose = append(toClose, conn)
			}
		}
	}
	c.mu.Unlock()

	for _, conn := range toClose {
		conn.Close()
	}
}

// Close shuts the pool down. With no arguments every connection is closed
// and the watcher stopped; Client.CloseHost closes only one key.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	var all []*Connection
	for _, list := range c.conns {
		all = append(all, list...)
	}
	c.conns = make(map[string][]*Connection)
	c.mu.Unlock()

	close(c.watcherStop)
	<-c.watcherDone

	for _, conn := range all {
		conn.Close()
	}
}

// CloseHost closes only the connections for (host, port), leaving the pool
// itself open (spec §4.5 "Close").
func (c *Client) CloseHost(host string, port int) {
	k := key(host, port)
	c.mu.Lock()
	list := c.conns[k]
	delete(c.conns, k)
	c.mu.Unlock()

	for _, conn := range list {
		conn.Close()
	}
}
