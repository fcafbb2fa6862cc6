// Package edge is the single-port HTTP listener and WebSocket adapter from
// spec §4.6's "Edge adapters": it decodes *http.Request into the proxy
// dispatcher's edge-agnostic Inbound, answers WebSocket upgrades natively
// (the upgraded connection's application protocol is out of this module's
// scope; see SPEC_FULL.md's Non-goals), and hands every other request to a
// proxy.Proxy.
package edge

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/jordan-breton/uws-reverse-proxy/internal/proxy"
)

// Decode turns an inbound *http.Request into the dispatcher's edge-agnostic
// view. The request's own Context() is reused so cancellation (client
// disconnect, server shutdown) flows through unchanged.
func Decode(r *http.Request) *proxy.Inbound {
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	return &proxy.Inbound{
		Method:     r.Method,
		Path:       requestURI(r),
		RemoteAddr: r.RemoteAddr,
		Proto:      proto,
		Host:       r.Host,
		Headers:    r.Header,
		Body:       r.Body,
	}
}

func requestURI(r *http.Request) string {
	if r.RequestURI != "" {
		return r.RequestURI
	}
	return r.URL.RequestURI()
}

// IsWebSocketUpgrade reports whether r is asking to switch protocols to
// WebSocket (spec §4.6 "WebSocket upgrades are handled natively by the
// edge, never by the proxy dispatcher").
func IsWebSocketUpgrade(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}
