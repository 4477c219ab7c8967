package config

import "time"

// Protocol identifies a transport a route can accept.
type Protocol string

const (
	ProtocolHTTP      Protocol = "HTTP"
	ProtocolGRPC      Protocol = "GRPC"
	ProtocolGRPCWeb   Protocol = "GRPC_WEB"
	ProtocolREST      Protocol = "REST"
	ProtocolInternal  Protocol = "INTERNAL"
	ProtocolWebSocket Protocol = "WEBSOCKET"
)

// Config is the root gateway configuration.
type Config struct {
	Listen         ListenConfig       `yaml:"listen"`
	Routes         []RouteConfig      `yaml:"routes"`
	Redirects      []RedirectConfig   `yaml:"redirects"`
	Authentication AuthConfig         `yaml:"authentication"`
	PlatformInfo   PlatformInfoConfig `yaml:"platformInfo"`
	Logging        LoggingConfig      `yaml:"logging"`
	Metrics        MetricsConfig      `yaml:"metrics"`
	Transport      TransportConfig    `yaml:"transport"`

	// IdleTimeout closes a quiet connection, in seconds. Zero disables.
	IdleTimeout int `yaml:"idleTimeout"`

	// MaxPendingContent bounds the auth content-aggregation buffer, in bytes.
	MaxPendingContent int `yaml:"maxPendingContent"`

	// MaxFrameSize caps LPM payloads on the WebSocket transport, in bytes.
	// Trailer frames are exempt.
	MaxFrameSize int `yaml:"maxFrameSize"`

	// Secrets maps well-known secret names to file paths. The gateway reads
	// trac-auth-public-key and trac-auth-private-key from here at startup.
	Secrets map[string]string `yaml:"secrets"`
}

// ListenConfig configures the single inbound port.
type ListenConfig struct {
	Address string    `yaml:"address"`
	TLS     TLSConfig `yaml:"tls"`
}

// TLSConfig configures TLS termination on the inbound listener.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

// RouteConfig declares one entry of the ordered route table.
type RouteConfig struct {
	RouteName string       `yaml:"routeName"`
	RouteType Protocol     `yaml:"routeType"`
	Protocols []Protocol   `yaml:"protocols"`
	Match     MatchConfig  `yaml:"match"`
	Target    TargetConfig `yaml:"target"`
	RouteKey  string       `yaml:"routeKey"`

	// RestMethods binds REST paths to backend RPC methods for REST routes.
	RestMethods []RestMethodConfig `yaml:"restMethods"`
}

// MatchConfig is what a route matches against.
type MatchConfig struct {
	Host string `yaml:"host"`
	Path string `yaml:"path"`
}

// TargetConfig is where a matched request is sent.
type TargetConfig struct {
	Scheme    string `yaml:"scheme"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	HostAlias string `yaml:"hostAlias"`
}

// RestMethodConfig maps one HTTP method + path template onto a unary RPC.
// Path template parameters (:name) become fields of the JSON request body.
type RestMethodConfig struct {
	HTTPMethod   string `yaml:"httpMethod"`
	PathTemplate string `yaml:"pathTemplate"`
	RPCMethod    string `yaml:"rpcMethod"`
	BodyField    string `yaml:"bodyField"`
}

// RedirectConfig declares a fixed redirect, evaluated before routing.
type RedirectConfig struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
	Status int    `yaml:"status"`
}

// AuthConfig configures sessions, tokens and the login flow.
type AuthConfig struct {
	JwtIssuer            string `yaml:"jwtIssuer"`
	JwtExpiry            int    `yaml:"jwtExpiry"`            // seconds
	JwtLimit             int    `yaml:"jwtLimit"`             // seconds, absolute ceiling
	RefreshThreshold     int    `yaml:"refreshThreshold"`     // seconds
	SystemTicketDuration int    `yaml:"systemTicketDuration"` // seconds
	SystemTicketRefresh  int    `yaml:"systemTicketRefresh"`  // seconds
	SystemUserID         string `yaml:"systemUserId"`
	SystemUserName       string `yaml:"systemUserName"`
	ReturnPath           string `yaml:"returnPath"`
	Provider             string `yaml:"provider"`
	UserDatabase         string `yaml:"userDatabase"`
	DisableAuth          bool   `yaml:"disableAuth"`
	DisableSigning       bool   `yaml:"disableSigning"`
}

// JwtExpiryDuration returns the configured session duration.
func (a AuthConfig) JwtExpiryDuration() time.Duration {
	return time.Duration(a.JwtExpiry) * time.Second
}

// JwtLimitDuration returns the absolute session ceiling.
func (a AuthConfig) JwtLimitDuration() time.Duration {
	return time.Duration(a.JwtLimit) * time.Second
}

// RefreshThresholdDuration returns the refresh threshold.
func (a AuthConfig) RefreshThresholdDuration() time.Duration {
	return time.Duration(a.RefreshThreshold) * time.Second
}

// PlatformInfoConfig describes the deployment environment. Production flips
// the startup safety checks on token signing.
type PlatformInfoConfig struct {
	Environment string `yaml:"environment"`
	Production  bool   `yaml:"production"`
	TracVersion string `yaml:"tracVersion"`
}

// LoggingConfig configures the zap logger. File output is optional and
// size-rotated.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// TransportConfig tunes backend connections.
type TransportConfig struct {
	ConnectTimeout        int  `yaml:"connectTimeout"`        // seconds
	ResponseHeaderTimeout int  `yaml:"responseHeaderTimeout"` // seconds
	MaxIdleConnsPerHost   int  `yaml:"maxIdleConnsPerHost"`
	IdleConnTimeout       int  `yaml:"idleConnTimeout"` // seconds
	InsecureSkipVerify    bool `yaml:"insecureSkipVerify"`
}

// Well-known secret names.
const (
	SecretPublicKey  = "trac-auth-public-key"
	SecretPrivateKey = "trac-auth-private-key"
)

// DefaultConfig returns a config populated with documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			Address: ":8080",
		},
		Authentication: AuthConfig{
			JwtIssuer:            "trac-gateway",
			JwtExpiry:            3600,
			JwtLimit:             6 * 3600,
			RefreshThreshold:     300,
			SystemTicketDuration: 300,
			SystemTicketRefresh:  60,
			SystemUserID:         "#trac",
			SystemUserName:       "TRAC System",
			ReturnPath:           "/",
			Provider:             "guest",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9090",
		},
		Transport: TransportConfig{
			ConnectTimeout:      10,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90,
		},
		IdleTimeout:       300,
		MaxPendingContent: 64 * 1024,
		MaxFrameSize:      3 * 1024 * 1024,
	}
}
