package routing

import (
	"net/http"

	"github.com/trac-platform/gateway/internal/config"
)

// Table is the static, ordered route table. It is built once at startup and
// read-only afterwards, so lookups take no locks.
type Table struct {
	routes    []*Route
	redirects map[string]config.RedirectConfig
}

// MatchResult distinguishes the three lookup outcomes.
type MatchResult int

const (
	// Matched means a route accepted the request.
	Matched MatchResult = iota
	// NoRoute means no route covers the host/path.
	NoRoute
	// WrongProtocol means a route covers the path but not this transport.
	WrongProtocol
)

// NewTable compiles the configured routes and redirects.
func NewTable(routes []config.RouteConfig, redirects []config.RedirectConfig) *Table {
	t := &Table{
		redirects: make(map[string]config.RedirectConfig, len(redirects)),
	}
	for i, rc := range routes {
		t.routes = append(t.routes, NewRoute(rc, i))
	}
	for _, rd := range redirects {
		t.redirects[rd.Source] = rd
	}
	return t
}

// Redirect returns the redirect for an exact source path, if any. Redirects
// are evaluated before routing.
func (t *Table) Redirect(path string) (config.RedirectConfig, bool) {
	rd, ok := t.redirects[path]
	return rd, ok
}

// Match finds the route for a request: longest path prefix among routes whose
// host matches and whose accepted set contains the transport. At equal prefix
// length a host-bound route beats a host wildcard; declaration order breaks
// the remaining ties.
func (t *Table) Match(r *http.Request) (*Route, MatchResult) {
	transport := ClassifyTransport(r)
	return t.MatchParts(r.Host, r.URL.Path, transport)
}

// MatchParts is Match on pre-extracted request parts.
func (t *Table) MatchParts(host, path string, transport config.Protocol) (*Route, MatchResult) {
	var best *Route
	pathCovered := false

	for _, route := range t.routes {
		if !route.MatchesHost(host) || !route.MatchesPath(path) {
			continue
		}
		pathCovered = true
		if !route.Accepts(transport) {
			continue
		}
		if best == nil || moreSpecific(route, best) {
			best = route
		}
	}

	if best != nil {
		return best, Matched
	}
	if pathCovered {
		return nil, WrongProtocol
	}
	return nil, NoRoute
}

// moreSpecific reports whether a wins over b: longer prefix first, then a
// host-bound route over a host wildcard. Everything else keeps declaration
// order.
func moreSpecific(a, b *Route) bool {
	if len(a.Prefix) != len(b.Prefix) {
		return len(a.Prefix) > len(b.Prefix)
	}
	return a.Host != "" && b.Host == ""
}

// Routes returns the compiled table in declaration order.
func (t *Table) Routes() []*Route {
	return t.routes
}
