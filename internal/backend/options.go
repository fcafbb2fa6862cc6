package backend

import "time"

// Target identifies one backend endpoint a Connection dials (spec §3
// Connection "target (host, port, tls, sni, rejectUnauthorized, key/cert/ca)").
type Target struct {
	Host               string
	Port               int
	TLS                bool
	ServerName         string
	InsecureSkipVerify bool
	CertFile           string
	KeyFile            string
	CAFile             string
}

// Options are the client options enumerated in spec §6.
type Options struct {
	Pipelining                       bool
	ReconnectionAttempts             int
	ReconnectionDelay                time.Duration
	KeepAlive                        time.Duration
	KeepAliveInitialDelay            time.Duration
	ConnectionTimeout                time.Duration
	MaxConnectionsByHost             int
	ConnectionWatcherInterval        time.Duration
	MaxPipelinedRequestsByConnection int
	MaxStackedBuffers                int
	// RequestTimeout is spec §5's per-request backend timeout: if no full
	// response headers arrive within the deadline, the connection's pipeline
	// is closed and every request queued on it fails with
	// perror.CodeTimedOut.
	RequestTimeout time.Duration
	// MaxConcurrentDials bounds how many Connections across the whole pool
	// may be dialing at once (domain-stack addition, golang.org/x/sync).
	MaxConcurrentDials int64
}

// DefaultOptions returns spec §6's documented defaults.
func DefaultOptions() Options {
	return Options{
		Pipelining:                       true,
		ReconnectionAttempts:             3,
		ReconnectionDelay:                1000 * time.Millisecond,
		KeepAlive:                        5000 * time.Millisecond,
		KeepAliveInitialDelay:            1000 * time.Millisecond,
		ConnectionTimeout:                5000 * time.Millisecond,
		MaxConnectionsByHost:             10,
		ConnectionWatcherInterval:        1000 * time.Millisecond,
		MaxPipelinedRequestsByConnection: 100000,
		MaxStackedBuffers:                4096,
		RequestTimeout:                   300000 * time.Millisecond,
		MaxConcurrentDials:               64,
	}
}
