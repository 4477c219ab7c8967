package routing

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/trac-platform/gateway/internal/config"
)

// Target is the backend a route forwards to.
type Target struct {
	Scheme    string
	Host      string
	Port      int
	Path      string
	HostAlias string
}

// Addr returns the host:port dial address for the target.
func (t Target) Addr() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// HostHeader returns the Host header value for platform-bound requests.
func (t Target) HostHeader() string {
	if t.HostAlias != "" {
		return t.HostAlias
	}
	return t.Addr()
}

// Route is one entry of the ordered route table.
type Route struct {
	Name        string
	Class       config.Protocol
	Host        string
	Prefix      string
	Target      Target
	RouteKey    string
	RestMethods []config.RestMethodConfig

	accepted map[config.Protocol]bool
	order    int
}

// NewRoute compiles a config record into a route table entry.
func NewRoute(rc config.RouteConfig, order int) *Route {
	accepted := make(map[config.Protocol]bool, len(rc.Protocols)+1)
	accepted[rc.RouteType] = true
	for _, p := range rc.Protocols {
		accepted[p] = true
	}

	// REST is JSON over plain HTTP; the two classes are interchangeable on
	// the wire, so accepting one accepts the other.
	if accepted[config.ProtocolREST] {
		accepted[config.ProtocolHTTP] = true
	}

	// The INTERNAL class gates who may reach the target, not how; the wire
	// carries ordinary HTTP or gRPC.
	if accepted[config.ProtocolInternal] {
		accepted[config.ProtocolHTTP] = true
		accepted[config.ProtocolGRPC] = true
	}

	return &Route{
		Name:        rc.RouteName,
		Class:       rc.RouteType,
		Host:        rc.Match.Host,
		Prefix:      strings.TrimSuffix(rc.Match.Path, "/"),
		Target: Target{
			Scheme:    rc.Target.Scheme,
			Host:      rc.Target.Host,
			Port:      rc.Target.Port,
			Path:      rc.Target.Path,
			HostAlias: rc.Target.HostAlias,
		},
		RouteKey:    rc.RouteKey,
		RestMethods: rc.RestMethods,
		accepted:    accepted,
		order:       order,
	}
}

// Accepts reports whether the route allows the given inbound transport.
func (r *Route) Accepts(transport config.Protocol) bool {
	return r.accepted[transport]
}

// MatchesHost reports whether the route's host constraint (if any) matches.
func (r *Route) MatchesHost(host string) bool {
	if r.Host == "" {
		return true
	}
	// Strip any port from the request host before comparing.
	if i := strings.LastIndexByte(host, ':'); i > strings.LastIndexByte(host, ']') {
		host = host[:i]
	}
	return strings.EqualFold(r.Host, host)
}

// MatchesPath reports whether the request path falls under the route prefix,
// on a path-segment boundary.
func (r *Route) MatchesPath(path string) bool {
	if r.Prefix == "" {
		return true
	}
	if !strings.HasPrefix(path, r.Prefix) {
		return false
	}
	return len(path) == len(r.Prefix) || path[len(r.Prefix)] == '/'
}

// RewritePath strips the matched prefix and prepends the target path prefix.
// The query string is carried on the URL, not the path, so it is untouched.
func (r *Route) RewritePath(requestPath string) string {
	suffix := strings.TrimPrefix(requestPath, r.Prefix)
	if suffix == "" {
		suffix = "/"
	}
	if r.Target.Path == "" || r.Target.Path == "/" {
		return suffix
	}
	return singleJoinSlash(r.Target.Path, suffix)
}

// ClassifyTransport derives the inbound transport class for route acceptance
// checks from the request shape.
func ClassifyTransport(r *http.Request) config.Protocol {
	if isUpgradeRequest(r) {
		return config.ProtocolWebSocket
	}
	ct := r.Header.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i != -1 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch {
	case strings.HasPrefix(ct, "application/grpc-web"):
		return config.ProtocolGRPCWeb
	case strings.HasPrefix(ct, "application/grpc"):
		return config.ProtocolGRPC
	}
	return config.ProtocolHTTP
}

func isUpgradeRequest(r *http.Request) bool {
	connection := strings.ToLower(r.Header.Get("Connection"))
	upgrade := strings.ToLower(r.Header.Get("Upgrade"))
	return strings.Contains(connection, "upgrade") && upgrade == "websocket"
}

// singleJoinSlash joins two URL path segments with exactly one slash.
func singleJoinSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
