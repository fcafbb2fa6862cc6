package backend

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/jordan-breton/uws-reverse-proxy/internal/forward"
	"github.com/rs/zerolog"
)

// fakeReply is a minimal reply.Handle recording what the forwarding engine
// wrote back, for asserting against a real (loopback) backend's response.
type fakeReply struct {
	status int
	body   []byte
	ended  chan struct{}
}

func newFakeReply() *fakeReply { return &fakeReply{ended: make(chan struct{})} }

func (f *fakeReply) WriteStatus(code int, _ string)  { f.status = code }
func (f *fakeReply) WriteHeader(string, string)      {}
func (f *fakeReply) TryEnd(chunk []byte, total int64) (bool, bool) {
	f.body = append(f.body, chunk...)
	done := int64(len(f.body)) >= total
	if done {
		close(f.ended)
	}
	return true, done
}
func (f *fakeReply) Write(chunk []byte) bool { f.body = append(f.body, chunk...); return true }
func (f *fakeReply) End(chunk []byte) {
	f.body = append(f.body, chunk...)
	select {
	case <-f.ended:
	default:
		close(f.ended)
	}
}
func (f *fakeReply) OnWritable(func(offset int64) bool) {}
func (f *fakeReply) OnAborted(func())                   {}
func (f *fakeReply) Cork(fn func())                     { fn() }
func (f *fakeReply) GetWriteOffset() int64              { return int64(len(f.body)) }
func (f *fakeReply) Aborted() bool                      { return false }

// startEchoBackend listens on loopback and replies to every request it reads
// with a fixed, fully-buffered HTTP/1.1 response.
func startEchoBackend(t *testing.T, response string) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					if line == "\r\n" {
						if _, err := c.Write([]byte(response)); err != nil {
							return
						}
					}
				}
			}(conn)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func TestClientRequestRoundTrip(t *testing.T) {
	host, port := startEchoBackend(t, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")

	opts := DefaultOptions()
	opts.ConnectionTimeout = 2 * time.Second
	client := New(opts, zerolog.Nop())
	defer client.Close()

	target := Target{Host: host, Port: port}
	rep := newFakeReply()
	req := &forward.Request{
		Method: "GET",
		Path:   "/",
		Reply:  rep,
		Ctx:    context.Background(),
	}

	done := make(chan error, 1)
	if err := client.Request(context.Background(), target, req, func(err error) { done <- err }); err != nil {
		t.Fatalf("Request: %v", err)
	}

	select {
	case <-rep.ended:
	case <-time.After(3 * time.Second):
		t.Fatalf("response never completed")
	}

	if rep.status != 200 {
		t.Fatalf("status = %d, want 200", rep.status)
	}
	if string(rep.body) != "hello" {
		t.Fatalf("body = %q, want hello", rep.body)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("callback error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("callback never invoked")
	}
}

func TestClientFailsFastOnRefusedConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close() // free the port immediately so dialing it is refused

	opts := DefaultOptions()
	opts.ReconnectionAttempts = 0
	opts.ConnectionTimeout = 1 * time.Second
	client := New(opts, zerolog.Nop())
	defer client.Close()

	target := Target{Host: "127.0.0.1", Port: addr.Port}
	rep := newFakeReply()
	req := &forward.Request{Method: "GET", Path: "/", Reply: rep, Ctx: context.Background()}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = client.Request(ctx, target, req, func(error) {})
	if err == nil {
		t.Fatalf("expected an error dialing a refused port")
	}
}

func TestMaxConnectionsByHostCapsPoolSize(t *testing.T) {
	host, port := startEchoBackend(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")

	opts := DefaultOptions()
	opts.MaxConnectionsByHost = 1
	opts.ConnectionTimeout = 2 * time.Second
	client := New(opts, zerolog.Nop())
	defer client.Close()

	target := Target{Host: host, Port: port}

	for i := 0; i < 5; i++ {
		if _, err := client.getConnection(context.Background(), target); err != nil {
			t.Fatalf("getConnection #%d: %v", i, err)
		}
	}

	client.mu.Lock()
	n := len(client.conns[key(host, port)])
	client.mu.Unlock()

	if n != 1 {
		t.Fatalf("pool grew to %d connections, want 1 (MaxConnectionsByHost cap)", n)
	}
}
