// Package proxy implements the dispatcher from spec §4.6: it turns one
// decoded edge request into a forward.Request bound for a backend.Client,
// rewriting X-Forwarded-* headers and stripping hop-by-hop headers the way
// an HTTP/1.1 reverse proxy must, then translates a failed forward back into
// an HTTP error response on the edge's reply.Handle.
package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jordan-breton/uws-reverse-proxy/internal/backend"
	"github.com/jordan-breton/uws-reverse-proxy/internal/forward"
	"github.com/jordan-breton/uws-reverse-proxy/internal/metrics"
	"github.com/jordan-breton/uws-reverse-proxy/internal/perror"
	"github.com/jordan-breton/uws-reverse-proxy/internal/reply"
	"github.com/rs/zerolog"
)

// hopHeaders lists the standard hop-by-hop headers that must never be
// forwarded to the backend; the backend connection's own "connection:
// keep-alive" is set by internal/sender, not copied from the edge request.
var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// Inbound is the edge-agnostic view of one inbound request the dispatcher
// needs; internal/edge is responsible for producing it from *http.Request.
type Inbound struct {
	Method     string
	Path       string
	RemoteAddr string
	Proto      string // "http" or "https", as seen by the edge
	Host       string
	Headers    http.Header
	Body       io.ReadCloser
}

// ErrorHook lets the caller override the default canonical-code -> HTTP
// status translation (spec §7 "caller-provided error hook").
type ErrorHook func(err error) (status int, message string, handled bool)

// Options configure a Proxy's behavior beyond what it infers per-request.
type Options struct {
	// ExtraHeaders are merged into every forwarded request (spec §4.6
	// "merges configured extra headers"), without overriding ones already
	// set by the inbound request or the X-Forwarded-* rewrite.
	ExtraHeaders http.Header
	ErrorHook    ErrorHook

	// Metrics is optional; when set, every dispatch is observed on it.
	Metrics *metrics.Metrics
}

// Proxy dispatches decoded inbound requests to a backend.Client.
type Proxy struct {
	client *backend.Client
	opts   Options
	log    zerolog.Logger
}

// New returns a Proxy forwarding through client.
func New(client *backend.Client, opts Options, log zerolog.Logger) *Proxy {
	return &Proxy{client: client, opts: opts, log: log.With().Str("component", "proxy").Logger()}
}

// Dispatch builds a forward.Request from in and hands it to the backend
// pool for target, writing an error response on rep if forwarding fails
// before any response byte was produced.
func (p *Proxy) Dispatch(ctx context.Context, target backend.Target, in *Inbound, rep reply.Handle) {
	correlationID := uuid.NewString()
	event := p.log.With().
		Str("correlation_id", correlationID).
		Str("method", in.Method).
		Str("path", in.Path).
		Str("backend", net.JoinHostPort(target.Host, strconv.Itoa(target.Port))).
		Logger()

	headers := rewriteHeaders(in, p.opts.ExtraHeaders)

	req := &forward.Request{
		Method:   in.Method,
		Path:     in.Path,
		Host:     target.Host,
		Port:     target.Port,
		Protocol: in.Proto,
		Headers:  headers,
		Body:     in.Body,
		Reply:    rep,
		Ctx:      ctx,
	}

	start := time.Now()
	err := p.client.Request(ctx, target, req, func(err error) {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			event.Warn().Err(err).Dur("duration", time.Since(start)).Msg("request forwarding failed")
			p.writeError(rep, err)
		} else {
			event.Debug().Dur("duration", time.Since(start)).Msg("request forwarded")
		}
		p.observe(outcome, time.Since(start))
	})
	if err != nil {
		event.Warn().Err(err).Msg("request could not be scheduled")
		p.writeError(rep, err)
		p.observe("error", time.Since(start))
	}
}

func (p *Proxy) observe(outcome string, d time.Duration) {
	if p.opts.Metrics == nil {
		return
	}
	p.opts.Metrics.ForwardedRequests.WithLabelValues(outcome).Inc()
	p.opts.Metrics.RequestDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// writeError synthesizes an HTTP error response for err on rep, unless a
// response has already started (in which case the connection must simply be
// let die: spec §7 "an error after headers were sent cannot be recovered").
func (p *Proxy) writeError(rep reply.Handle, err error) {
	if rep == nil || rep.Aborted() || rep.GetWriteOffset() > 0 {
		return
	}

	status := perror.Status(err)
	message := http.StatusText(status)
	if p.opts.ErrorHook != nil {
		if hookStatus, hookMessage, handled := p.opts.ErrorHook(err); handled {
			status = hookStatus
			message = hookMessage
		}
	}

	rep.Cork(func() {
		rep.WriteStatus(status, http.StatusText(status))
		rep.WriteHeader("Content-Type", "text/plain; charset=utf-8")
		rep.End([]byte(message))
	})
}

// rewriteHeaders clones in.Headers, strips hop-by-hop headers, rewrites
// X-Forwarded-* the way a reverse proxy must, and merges extra.
func rewriteHeaders(in *Inbound, extra http.Header) http.Header {
	out := make(http.Header, len(in.Headers)+4)
	for k, vv := range in.Headers {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(k)]; hop {
			continue
		}
		out[k] = append([]string(nil), vv...)
	}

	if clientIP, _, err := net.SplitHostPort(in.RemoteAddr); err == nil {
		if prior := out.Get("X-Forwarded-For"); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		out.Set("X-Forwarded-For", clientIP)
	}
	if _, port, err := net.SplitHostPort(in.RemoteAddr); err == nil {
		out.Set("X-Forwarded-Port", port)
	}
	out.Set("X-Forwarded-Proto", in.Proto)
	if out.Get("X-Forwarded-Host") == "" {
		out.Set("X-Forwarded-Host", in.Host)
	}

	for k, vv := range extra {
		for _, v := range vv {
			out.Add(k, v)
		}
	}

	return out
}
