package proxy

import (
	"net/http"
	"testing"
)

func TestRewriteHeadersSetsForwardedHeadersFromScratch(t *testing.T) {
	in := &Inbound{
		RemoteAddr: "203.0.113.7:51000",
		Proto:      "https",
		Host:       "app.internal",
		Headers:    http.Header{"X-Test": {"1"}, "Connection": {"keep-alive"}},
	}

	out := rewriteHeaders(in, nil)

	if got := out.Get("X-Forwarded-For"); got != "203.0.113.7" {
		t.Fatalf("X-Forwarded-For = %q, want 203.0.113.7", got)
	}
	if got := out.Get("X-Forwarded-Port"); got != "51000" {
		t.Fatalf("X-Forwarded-Port = %q, want 51000", got)
	}
	if got := out.Get("X-Forwarded-Proto"); got != "https" {
		t.Fatalf("X-Forwarded-Proto = %q, want https", got)
	}
	if got := out.Get("X-Forwarded-Host"); got != "app.internal" {
		t.Fatalf("X-Forwarded-Host = %q, want app.internal", got)
	}
	if _, ok := out["Connection"]; ok {
		t.Fatalf("hop-by-hop Connection header should have been stripped")
	}
	if got := out.Get("X-Test"); got != "1" {
		t.Fatalf("non hop-by-hop header dropped: %v", out)
	}
}

// TestRewriteHeadersPreservesExistingForwardedFor ensures a request arriving
// through an upstream proxy keeps its chain intact instead of being
// overwritten.
func TestRewriteHeadersPreservesExistingForwardedFor(t *testing.T) {
	in := &Inbound{
		RemoteAddr: "203.0.113.7:51000",
		Proto:      "http",
		Host:       "app.internal",
		Headers:    http.Header{"X-Forwarded-For": {"198.51.100.1"}},
	}

	out := rewriteHeaders(in, nil)

	if got := out.Get("X-Forwarded-For"); got != "198.51.100.1, 203.0.113.7" {
		t.Fatalf("X-Forwarded-For = %q, want chained value", got)
	}
}

// TestRewriteHeadersPreservesExistingForwardedHost covers the same rule for
// X-Forwarded-Host: an upstream proxy's value must survive, not be clobbered
// by this hop's own Host.
func TestRewriteHeadersPreservesExistingForwardedHost(t *testing.T) {
	in := &Inbound{
		RemoteAddr: "203.0.113.7:51000",
		Proto:      "http",
		Host:       "internal-hop.local",
		Headers:    http.Header{"X-Forwarded-Host": {"public.example.com"}},
	}

	out := rewriteHeaders(in, nil)

	if got := out.Get("X-Forwarded-Host"); got != "public.example.com" {
		t.Fatalf("X-Forwarded-Host = %q, want preserved public.example.com", got)
	}
}

func TestRewriteHeadersMergesExtraWithoutOverridingInbound(t *testing.T) {
	in := &Inbound{
		RemoteAddr: "203.0.113.7:51000",
		Proto:      "http",
		Host:       "app.internal",
		Headers:    http.Header{"X-Test": {"inbound"}},
	}
	extra := http.Header{"X-Extra": {"configured"}}

	out := rewriteHeaders(in, extra)

	if got := out.Get("X-Extra"); got != "configured" {
		t.Fatalf("X-Extra = %q, want configured", got)
	}
	if got := out.Get("X-Test"); got != "inbound" {
		t.Fatalf("X-Test = %q, want inbound", got)
	}
}
