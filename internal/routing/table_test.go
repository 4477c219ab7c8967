package routing

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/trac-platform/gateway/internal/config"
)

func testRoutes() []config.RouteConfig {
	return []config.RouteConfig{
		{
			RouteName: "web-ui",
			RouteType: config.ProtocolHTTP,
			Match:     config.MatchConfig{Path: "/"},
			Target:    config.TargetConfig{Scheme: "http", Host: "ui", Port: 9100},
		},
		{
			RouteName: "trac-meta",
			RouteType: config.ProtocolGRPC,
			Protocols: []config.Protocol{config.ProtocolGRPCWeb, config.ProtocolWebSocket},
			Match:     config.MatchConfig{Path: "/trac.api.TracMetadataApi/"},
			Target:    config.TargetConfig{Scheme: "http", Host: "meta", Port: 9101, Path: "/trac.api.TracMetadataApi/"},
		},
		{
			RouteName: "docs",
			RouteType: config.ProtocolHTTP,
			Match:     config.MatchConfig{Path: "/docs"},
			Target:    config.TargetConfig{Scheme: "http", Host: "docs", Port: 9105},
		},
		{
			RouteName: "docs-api",
			RouteType: config.ProtocolHTTP,
			Match:     config.MatchConfig{Path: "/docs/api"},
			Target:    config.TargetConfig{Scheme: "http", Host: "docsapi", Port: 9106},
		},
		{
			RouteName: "tenant-ui",
			RouteType: config.ProtocolHTTP,
			Match:     config.MatchConfig{Host: "tenant.example.com", Path: "/"},
			Target:    config.TargetConfig{Scheme: "http", Host: "tenant", Port: 9107},
		},
	}
}

func TestMatchLongestPrefix(t *testing.T) {
	table := NewTable(testRoutes(), nil)

	tests := []struct {
		name      string
		host      string
		path      string
		transport config.Protocol
		want      string
		result    MatchResult
	}{
		{"root falls to web-ui", "local", "/", config.ProtocolHTTP, "web-ui", Matched},
		{"anything falls to web-ui", "local", "/some/page.html", config.ProtocolHTTP, "web-ui", Matched},
		{"docs wins over root", "local", "/docs/intro", config.ProtocolHTTP, "docs", Matched},
		{"docs-api wins over docs", "local", "/docs/api/v2", config.ProtocolHTTP, "docs-api", Matched},
		{"exact prefix length match", "local", "/docs", config.ProtocolHTTP, "docs", Matched},
		{"segment boundary respected", "local", "/docsworthy", config.ProtocolHTTP, "web-ui", Matched},
		{"grpc route by transport", "local", "/trac.api.TracMetadataApi/readObject", config.ProtocolGRPC, "trac-meta", Matched},
		{"grpc-web accepted", "local", "/trac.api.TracMetadataApi/readObject", config.ProtocolGRPCWeb, "trac-meta", Matched},
		{"websocket accepted", "local", "/trac.api.TracMetadataApi/readObject", config.ProtocolWebSocket, "trac-meta", Matched},
		{"host-bound route", "tenant.example.com", "/home", config.ProtocolHTTP, "tenant-ui", Matched},
		{"host with port still matches", "tenant.example.com:8080", "/home", config.ProtocolHTTP, "tenant-ui", Matched},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			route, result := table.MatchParts(tc.host, tc.path, tc.transport)
			if result != tc.result {
				t.Fatalf("result = %v, want %v", result, tc.result)
			}
			if route.Name != tc.want {
				t.Errorf("route = %s, want %s", route.Name, tc.want)
			}
		})
	}
}

func TestMatchWrongProtocol(t *testing.T) {
	// No catch-all: the gRPC prefix is the only cover for its path.
	table := NewTable(testRoutes()[1:2], nil)

	route, result := table.MatchParts("local", "/trac.api.TracMetadataApi/readObject", config.ProtocolHTTP)
	if route != nil || result != WrongProtocol {
		t.Fatalf("got route=%v result=%v, want nil/WrongProtocol", route, result)
	}

	route, result = table.MatchParts("local", "/nowhere", config.ProtocolHTTP)
	if route != nil || result != NoRoute {
		t.Fatalf("got route=%v result=%v, want nil/NoRoute", route, result)
	}
}

func TestRESTRouteAcceptsHTTP(t *testing.T) {
	route := NewRoute(config.RouteConfig{
		RouteName: "meta-rest",
		RouteType: config.ProtocolREST,
		Match:     config.MatchConfig{Path: "/trac-meta/api/v1/"},
		Target:    config.TargetConfig{Scheme: "http", Host: "meta", Port: 9101},
	}, 0)

	if !route.Accepts(config.ProtocolHTTP) {
		t.Error("REST route rejects plain HTTP")
	}
	if route.Accepts(config.ProtocolGRPC) {
		t.Error("REST route accepts gRPC")
	}
}

func TestInternalRouteAcceptsWireProtocols(t *testing.T) {
	route := NewRoute(config.RouteConfig{
		RouteName: "internal-svc",
		RouteType: config.ProtocolInternal,
		Match:     config.MatchConfig{Path: "/internal/"},
		Target:    config.TargetConfig{Scheme: "http", Host: "admin", Port: 9200},
	}, 0)

	if !route.Accepts(config.ProtocolHTTP) || !route.Accepts(config.ProtocolGRPC) {
		t.Error("internal route rejects its wire protocols")
	}
	if route.Accepts(config.ProtocolWebSocket) {
		t.Error("internal route accepts WebSocket")
	}
}

func TestRewritePath(t *testing.T) {
	tests := []struct {
		name       string
		prefix     string
		targetPath string
		request    string
		want       string
	}{
		{"strip prefix", "/docs/", "", "/docs/intro", "/intro"},
		{"prefix only becomes root", "/docs/", "", "/docs", "/"},
		{"target path prepended", "/meta/", "/trac.api.TracMetadataApi/", "/meta/readObject", "/trac.api.TracMetadataApi/readObject"},
		{"root prefix passthrough", "/", "", "/anything/here", "/anything/here"},
		{"root target ignored", "/app/", "/", "/app/page", "/page"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			route := NewRoute(config.RouteConfig{
				RouteType: config.ProtocolHTTP,
				Match:     config.MatchConfig{Path: tc.prefix},
				Target:    config.TargetConfig{Path: tc.targetPath},
			}, 0)
			if got := route.RewritePath(tc.request); got != tc.want {
				t.Errorf("RewritePath(%q) = %q, want %q", tc.request, got, tc.want)
			}
		})
	}
}

func TestClassifyTransport(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    config.Protocol
	}{
		{"plain GET", nil, config.ProtocolHTTP},
		{"json POST", map[string]string{"Content-Type": "application/json"}, config.ProtocolHTTP},
		{"grpc", map[string]string{"Content-Type": "application/grpc"}, config.ProtocolGRPC},
		{"grpc proto subtype", map[string]string{"Content-Type": "application/grpc+proto"}, config.ProtocolGRPC},
		{"grpc-web", map[string]string{"Content-Type": "application/grpc-web"}, config.ProtocolGRPCWeb},
		{"grpc-web-text", map[string]string{"Content-Type": "application/grpc-web-text"}, config.ProtocolGRPCWeb},
		{
			"websocket upgrade",
			map[string]string{"Connection": "keep-alive, Upgrade", "Upgrade": "websocket"},
			config.ProtocolWebSocket,
		},
		{
			// An upgrade header without the connection token is not an
			// upgrade request.
			"upgrade without connection",
			map[string]string{"Upgrade": "websocket"},
			config.ProtocolHTTP,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/x", nil)
			for k, v := range tc.headers {
				r.Header.Set(k, v)
			}
			if got := ClassifyTransport(r); got != tc.want {
				t.Errorf("ClassifyTransport = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRedirectHandler(t *testing.T) {
	table := NewTable(nil, []config.RedirectConfig{
		{Source: "/index.html", Target: "/", Status: 301},
	})

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	handler := table.RedirectHandler(next)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/index.html", nil))
	if rec.Code != 301 || rec.Header().Get("Location") != "/" {
		t.Errorf("redirect: code=%d location=%q", rec.Code, rec.Header().Get("Location"))
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/other", nil))
	if rec.Code != http.StatusTeapot {
		t.Errorf("non-redirect path reached handler with code %d", rec.Code)
	}
}
