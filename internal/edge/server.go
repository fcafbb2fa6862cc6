package edge

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jordan-breton/uws-reverse-proxy/internal/backend"
	"github.com/jordan-breton/uws-reverse-proxy/internal/proxy"
	"github.com/rs/zerolog"
)

// Options configure the single-port edge listener (spec §3 "Start" /
// §4.6 "Edge adapters").
type Options struct {
	Addr string

	// Routes mirrors spec §3's "(method, route) pairs", defaulting to a
	// single ANY -> "/" registration matching every request. Keys are
	// HTTP methods or "ANY"; values are net/http.ServeMux patterns.
	Routes map[string]string

	// Target is the single loopback HTTP backend every non-WebSocket
	// request is forwarded to (routing by URL across multiple backends is
	// an explicit non-goal).
	Target backend.Target

	// WebSocketHandler takes over an upgraded connection. If nil, a
	// minimal default that keeps the connection alive and echoes frames
	// is used, since the upgraded application protocol itself is out of
	// this module's scope.
	WebSocketHandler func(conn *websocket.Conn, r *http.Request)

	ReadHeaderTimeout time.Duration
}

// DefaultOptions returns the spec's default single-route registration.
func DefaultOptions() Options {
	return Options{
		Addr:              ":8080",
		Routes:            map[string]string{"ANY": "/"},
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Server is the single-port listener bridging WebSocket upgrades (handled
// natively here) and plain HTTP requests (handed to a proxy.Proxy).
type Server struct {
	opts     Options
	proxy    *proxy.Proxy
	upgrader websocket.Upgrader
	log      zerolog.Logger
	http     *http.Server
}

// New builds a Server dispatching non-WebSocket traffic through p.
func New(p *proxy.Proxy, opts Options, log zerolog.Logger) *Server {
	if len(opts.Routes) == 0 {
		opts.Routes = map[string]string{"ANY": "/"}
	}

	s := &Server{
		opts:     opts,
		proxy:    p,
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		log:      log.With().Str("component", "edge.Server").Logger(),
	}

	mux := http.NewServeMux()
	for method, pattern := range opts.Routes {
		pattern := pattern
		if strings.EqualFold(method, "ANY") || method == "" {
			mux.HandleFunc(pattern, s.handle)
		} else {
			mux.HandleFunc(method+" "+pattern, s.handle)
		}
	}

	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: opts.ReadHeaderTimeout,
	}
	return s
}

// ListenAndServe starts the listener (spec §3 "Start"). It cannot be undone:
// once called, routes are fixed for the Server's lifetime.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.opts.Addr).Msg("edge listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if IsWebSocketUpgrade(r) {
		s.handleUpgrade(w, r)
		return
	}

	in := Decode(r)
	rep := NewHTTPReply(w, r)
	s.proxy.Dispatch(r.Context(), s.opts.Target, in, rep)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	handler := s.opts.WebSocketHandler
	if handler == nil {
		handler = defaultWebSocketHandler
	}
	handler(conn, r)
}

// defaultWebSocketHandler keeps the upgraded connection alive by echoing
// frames back until the peer closes it. The actual WebSocket application
// served by the edge is outside this module's scope (spec's explicit
// non-goals); this exists only so "the edge handles WebSocket upgrades
// natively" is true out of the box.
func defaultWebSocketHandler(conn *websocket.Conn, _ *http.Request) {
	defer conn.Close()
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(messageType, data); err != nil {
			return
		}
	}
}
