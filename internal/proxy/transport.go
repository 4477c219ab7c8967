// Package proxy contains the per-protocol backend engines: HTTP/1 forwarding,
// HTTP/2 (gRPC and gRPC-Web) forwarding, and REST-to-gRPC transcoding.
package proxy

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// Transports holds the shared round-trippers the engines forward through.
// One HTTP/1 transport and one h2c transport serve every route; per-target
// connection pooling lives inside net/http.
type Transports struct {
	http1 *http.Transport
	http2 *http2.Transport
}

// NewTransports builds the shared transport pair. idleTimeout bounds how
// long pooled backend connections linger.
func NewTransports(idleTimeout time.Duration) *Transports {
	if idleTimeout <= 0 {
		idleTimeout = 90 * time.Second
	}
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &Transports{
		http1: &http.Transport{
			DialContext:           dialer.DialContext,
			MaxIdleConns:          256,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       idleTimeout,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     false,
		},
		// Backends speak cleartext HTTP/2; TLS terminates at the gateway.
		http2: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return dialer.DialContext(ctx, network, addr)
			},
			ReadIdleTimeout: idleTimeout,
		},
	}
}

// HTTP1 returns the shared HTTP/1.1 transport.
func (t *Transports) HTTP1() http.RoundTripper { return t.http1 }

// HTTP2 returns the shared h2c transport.
func (t *Transports) HTTP2() http.RoundTripper { return t.http2 }

// Close shuts idle backend connections.
func (t *Transports) Close() {
	t.http1.CloseIdleConnections()
	t.http2.CloseIdleConnections()
}
