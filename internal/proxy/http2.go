package proxy

import (
	"net/http"
	"net/http/httputil"
	"strings"

	"github.com/trac-platform/gateway/internal/errors"
	"github.com/trac-platform/gateway/internal/logging"
	"github.com/trac-platform/gateway/internal/metrics"
	"github.com/trac-platform/gateway/internal/routing"
)

// GRPCEngine forwards native gRPC and gRPC-Web traffic over cleartext
// HTTP/2. Frames stream both ways unbuffered; trailers carry the status.
type GRPCEngine struct {
	transport http.RoundTripper
	metrics   *metrics.Collector
}

// NewGRPCEngine builds the HTTP/2 forwarding engine on a shared transport.
func NewGRPCEngine(t *Transports, collector *metrics.Collector) *GRPCEngine {
	return &GRPCEngine{transport: t.HTTP2(), metrics: collector}
}

// Serve forwards one gRPC or gRPC-Web exchange.
func (e *GRPCEngine) Serve(w http.ResponseWriter, r *http.Request, route *routing.Route) {
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Scheme = "http"
			pr.Out.URL.Host = route.Target.Addr()
			pr.Out.URL.Path = route.RewritePath(pr.In.URL.Path)
			pr.Out.Host = route.Target.HostHeader()
			// Backends reject gRPC requests that do not declare trailer
			// support.
			pr.Out.Header.Set("Te", "trailers")
			pr.SetXForwarded()
		},
		Transport: e.transport,
		// gRPC messages must reach the peer as they are produced.
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logging.Errorf("route %s: backend %s: %v", route.Name, route.Target.Addr(), err)
			if e.metrics != nil {
				e.metrics.BackendError(route.Name, "unreachable")
			}
			// A gRPC client expects a status trailer, not a JSON body.
			if isGRPCRequest(r) {
				writeGRPCUnavailable(w)
				return
			}
			errors.ErrBadGateway.WriteJSON(w)
		},
	}
	rp.ServeHTTP(w, r)
}

func isGRPCRequest(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	return ct == "application/grpc" || strings.HasPrefix(ct, "application/grpc+")
}

// writeGRPCUnavailable emits a trailers-only UNAVAILABLE response.
func writeGRPCUnavailable(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "application/grpc")
	h.Set("Grpc-Status", "14")
	h.Set("Grpc-Message", "backend unreachable")
	w.WriteHeader(http.StatusOK)
}
