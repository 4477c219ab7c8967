package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptrace"
	"strings"
	"time"

	"github.com/trac-platform/gateway/internal/errors"
	"github.com/trac-platform/gateway/internal/logging"
	"github.com/trac-platform/gateway/internal/metrics"
	"github.com/trac-platform/gateway/internal/routing"
)

// hopHeaders never cross a proxy hop (RFC 7230 section 6.1).
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// HTTPEngine forwards plain HTTP/1.1 requests to a route's backend.
type HTTPEngine struct {
	transport http.RoundTripper
	metrics   *metrics.Collector
}

// NewHTTPEngine builds the HTTP/1 engine on a shared transport.
func NewHTTPEngine(t *Transports, collector *metrics.Collector) *HTTPEngine {
	return &HTTPEngine{transport: t.HTTP1(), metrics: collector}
}

// Serve forwards one request. Connect failures on idempotent requests with
// no body bytes sent are retried once; everything else maps straight to a
// gateway error response.
func (e *HTTPEngine) Serve(w http.ResponseWriter, r *http.Request, route *routing.Route) {
	out, err := e.outboundRequest(r, route)
	if err != nil {
		errors.ErrBadRequest.WithDetails(err.Error()).WriteJSON(w)
		return
	}

	wroteBody := false
	trace := &httptrace.ClientTrace{
		WroteHeaders: func() { wroteBody = true },
	}
	out = out.WithContext(httptrace.WithClientTrace(out.Context(), trace))

	resp, err := e.transport.RoundTrip(out)
	if err != nil && !wroteBody && retryableMethod(r.Method) && bodyless(r) {
		// Nothing reached the backend; one fresh attempt is safe.
		retry, rerr := e.outboundRequest(r, route)
		if rerr == nil {
			resp, err = e.transport.RoundTrip(retry)
		}
	}
	if err != nil {
		e.writeBackendError(w, r, route, err)
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	removeHopHeaders(w.Header())
	announceTrailers(w, resp)
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		// Mid-body failure; status already went out, nothing to map.
		logging.Warnf("route %s: response copy: %v", route.Name, err)
		return
	}
	copyTrailers(w, resp)
}

func (e *HTTPEngine) outboundRequest(r *http.Request, route *routing.Route) (*http.Request, error) {
	out := r.Clone(r.Context())
	out.URL.Scheme = route.Target.Scheme
	if out.URL.Scheme == "" {
		out.URL.Scheme = "http"
	}
	out.URL.Host = route.Target.Addr()
	out.URL.Path = route.RewritePath(r.URL.Path)
	out.Host = route.Target.HostHeader()
	out.RequestURI = ""
	out.Close = false

	removeHopHeaders(out.Header)
	appendForwardedFor(out, r)

	// A nil body after Clone means re-sending is always possible; bodies
	// are never retried, so a failed first write stops the request.
	if r.Body != nil && r.ContentLength == 0 {
		out.Body = nil
	}
	return out, nil
}

func (e *HTTPEngine) writeBackendError(w http.ResponseWriter, r *http.Request, route *routing.Route, err error) {
	kind := "unreachable"
	gerr := errors.ErrBadGateway
	if r.Context().Err() == context.DeadlineExceeded ||
		strings.Contains(err.Error(), "context deadline exceeded") {
		kind = "timeout"
		gerr = errors.ErrGatewayTimeout
	}
	logging.Errorf("route %s: backend %s: %v", route.Name, route.Target.Addr(), err)
	if e.metrics != nil {
		e.metrics.BackendError(route.Name, kind)
	}
	gerr.WriteJSON(w)
}

// bodyless reports whether a request carries no body, which makes a second
// attempt indistinguishable from the first.
func bodyless(r *http.Request) bool {
	return r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0
}

func retryableMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions,
		http.MethodPut, http.MethodDelete, http.MethodTrace:
		return true
	}
	return false
}

func copyHeaders(dst, src http.Header) {
	for name, vals := range src {
		dst[name] = append([]string(nil), vals...)
	}
}

func removeHopHeaders(h http.Header) {
	// Headers named in Connection fall with the Connection header itself,
	// so collect the tokens before the hop set is deleted. Each value may
	// carry a comma-separated token list.
	for _, value := range h.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			if token = strings.TrimSpace(token); token != "" {
				h.Del(token)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func appendForwardedFor(out, in *http.Request) {
	host := in.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	if prior := in.Header.Get("X-Forwarded-For"); prior != "" {
		host = prior + ", " + host
	}
	out.Header.Set("X-Forwarded-For", host)
}

func announceTrailers(w http.ResponseWriter, resp *http.Response) {
	if len(resp.Trailer) == 0 {
		return
	}
	names := make([]string, 0, len(resp.Trailer))
	for name := range resp.Trailer {
		names = append(names, name)
	}
	w.Header().Set("Trailer", strings.Join(names, ", "))
}

func copyTrailers(w http.ResponseWriter, resp *http.Response) {
	for name, vals := range resp.Trailer {
		for _, v := range vals {
			w.Header().Add(http.TrailerPrefix+name, v)
		}
	}
}

// timeoutContext derives a bounded context for one proxied exchange.
func timeoutContext(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, d)
}
