package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// redirectStatuses are the HTTP statuses a redirect may carry.
var redirectStatuses = map[int]bool{301: true, 302: true, 303: true, 307: true, 308: true}

// targetSchemes are the backend schemes a route target may use.
var targetSchemes = map[string]bool{"http": true, "https": true, "ws": true, "wss": true}

// routeTypes are the recognized primary protocol classes.
var routeTypes = map[Protocol]bool{
	ProtocolHTTP: true, ProtocolGRPC: true, ProtocolGRPCWeb: true,
	ProtocolREST: true, ProtocolInternal: true,
}

// Loader handles configuration loading and parsing.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.Parse(data)
}

// Parse parses configuration from YAML bytes.
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // keep original if env var not set
	})
}

// validate checks configuration for errors.
func (l *Loader) validate(cfg *Config) error {
	if cfg.Listen.Address == "" {
		return fmt.Errorf("listen.address is required")
	}
	if cfg.Listen.TLS.Enabled {
		if cfg.Listen.TLS.CertFile == "" || cfg.Listen.TLS.KeyFile == "" {
			return fmt.Errorf("listen.tls: certFile and keyFile are required when TLS is enabled")
		}
	}

	if err := l.validateRoutes(cfg); err != nil {
		return err
	}

	for i, rd := range cfg.Redirects {
		if rd.Source == "" || rd.Target == "" {
			return fmt.Errorf("redirect %d: source and target are required", i)
		}
		if !redirectStatuses[rd.Status] {
			return fmt.Errorf("redirect %q: invalid status %d", rd.Source, rd.Status)
		}
	}

	auth := cfg.Authentication
	if auth.JwtExpiry <= 0 {
		return fmt.Errorf("authentication.jwtExpiry must be positive")
	}
	if auth.JwtLimit < auth.JwtExpiry {
		return fmt.Errorf("authentication.jwtLimit must be at least jwtExpiry")
	}
	if auth.RefreshThreshold < 0 || auth.RefreshThreshold > auth.JwtExpiry {
		return fmt.Errorf("authentication.refreshThreshold must fall inside the session window")
	}

	// Production deployments may not run with auth or signing disabled.
	if cfg.PlatformInfo.Production {
		if auth.DisableAuth {
			return fmt.Errorf("disableAuth is not permitted when platformInfo.production is set")
		}
		if auth.DisableSigning {
			return fmt.Errorf("disableSigning is not permitted when platformInfo.production is set")
		}
	}

	if cfg.MaxPendingContent <= 0 {
		return fmt.Errorf("maxPendingContent must be positive")
	}
	if cfg.MaxFrameSize <= 0 {
		return fmt.Errorf("maxFrameSize must be positive")
	}

	return nil
}

// validateRoutes checks the route table: every prefix non-empty and unique
// among routes sharing a host, targets complete, protocol sets coherent.
func (l *Loader) validateRoutes(cfg *Config) error {
	seen := make(map[string]string) // host + "\x00" + path → route name
	names := make(map[string]bool)

	for i, rc := range cfg.Routes {
		if rc.RouteName == "" {
			return fmt.Errorf("route %d: routeName is required", i)
		}
		if names[rc.RouteName] {
			return fmt.Errorf("duplicate route name: %s", rc.RouteName)
		}
		names[rc.RouteName] = true

		if !routeTypes[rc.RouteType] {
			return fmt.Errorf("route %q: invalid routeType %q", rc.RouteName, rc.RouteType)
		}

		if rc.Match.Path == "" {
			return fmt.Errorf("route %q: match.path is required", rc.RouteName)
		}
		if !strings.HasPrefix(rc.Match.Path, "/") {
			return fmt.Errorf("route %q: match.path must start with /", rc.RouteName)
		}

		key := rc.Match.Host + "\x00" + rc.Match.Path
		if prev, dup := seen[key]; dup {
			return fmt.Errorf("route %q: match.path %q duplicates route %q", rc.RouteName, rc.Match.Path, prev)
		}
		seen[key] = rc.RouteName

		if !targetSchemes[rc.Target.Scheme] {
			return fmt.Errorf("route %q: invalid target scheme %q", rc.RouteName, rc.Target.Scheme)
		}
		if rc.Target.Host == "" {
			return fmt.Errorf("route %q: target.host is required", rc.RouteName)
		}
		if rc.Target.Port <= 0 || rc.Target.Port > 65535 {
			return fmt.Errorf("route %q: target.port %d out of range", rc.RouteName, rc.Target.Port)
		}

		if rc.RouteType == ProtocolREST {
			if len(rc.RestMethods) == 0 {
				return fmt.Errorf("route %q: REST routes require restMethods", rc.RouteName)
			}
			for _, m := range rc.RestMethods {
				if m.PathTemplate == "" || m.RPCMethod == "" {
					return fmt.Errorf("route %q: restMethods entries require pathTemplate and rpcMethod", rc.RouteName)
				}
				if !strings.HasPrefix(m.RPCMethod, "/") {
					return fmt.Errorf("route %q: rpcMethod %q must be /service/method", rc.RouteName, m.RPCMethod)
				}
			}
		}
	}

	return nil
}
