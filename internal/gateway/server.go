// Package gateway assembles the listener, middleware pipeline, route table
// and backend engines into a runnable server.
package gateway

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/trac-platform/gateway/internal/auth"
	"github.com/trac-platform/gateway/internal/config"
	"github.com/trac-platform/gateway/internal/errors"
	"github.com/trac-platform/gateway/internal/listener"
	"github.com/trac-platform/gateway/internal/logging"
	"github.com/trac-platform/gateway/internal/metrics"
	"github.com/trac-platform/gateway/internal/middleware"
	"github.com/trac-platform/gateway/internal/proxy"
	"github.com/trac-platform/gateway/internal/routing"
	"github.com/trac-platform/gateway/internal/wsrpc"
)

// ErrMissingKeyMaterial is returned when production startup cannot find the
// token signing keys. Callers map it to a distinct exit code.
var ErrMissingKeyMaterial = stderrors.New("token signing keys not configured")

// Server is one assembled gateway instance.
type Server struct {
	cfg       *config.Config
	table     *routing.Table
	collector *metrics.Collector

	transports *proxy.Transports
	grpcPool   *proxy.GRPCPool

	httpEngine *proxy.HTTPEngine
	grpcEngine *proxy.GRPCEngine
	restEngine *proxy.RESTEngine
	wsEngine   *wsrpc.Engine

	login  *auth.LoginHandler
	authmw *auth.Middleware

	httpServer    *http.Server
	metricsServer *http.Server
	certs         *listener.CertReloader
}

// New assembles a server from a validated configuration.
func New(cfg *config.Config) (*Server, error) {
	log, err := logging.New(cfg.Logging.Level, logging.FileOutput{
		Path:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	logging.SetGlobal(log)

	s := &Server{
		cfg:       cfg,
		collector: metrics.NewCollector(),
	}

	s.table = routing.NewTable(cfg.Routes, cfg.Redirects)

	connectTimeout := time.Duration(cfg.Transport.ConnectTimeout) * time.Second
	idleConnTimeout := time.Duration(cfg.Transport.IdleConnTimeout) * time.Second
	s.transports = proxy.NewTransports(idleConnTimeout)
	s.grpcPool = proxy.NewGRPCPool(connectTimeout)

	s.httpEngine = proxy.NewHTTPEngine(s.transports, s.collector)
	s.grpcEngine = proxy.NewGRPCEngine(s.transports, s.collector)
	s.restEngine = proxy.NewRESTEngine(s.grpcPool, int64(cfg.MaxFrameSize),
		time.Duration(cfg.Transport.ResponseHeaderTimeout)*time.Second, s.collector)
	s.wsEngine = wsrpc.NewEngine(s.grpcPool, cfg.MaxFrameSize, s.collector)

	for _, route := range s.table.Routes() {
		if route.Class == config.ProtocolREST {
			if err := s.restEngine.Register(route); err != nil {
				return nil, fmt.Errorf("route %s: %w", route.Name, err)
			}
		}
	}

	if err := s.setupAuth(); err != nil {
		return nil, err
	}

	handler := s.buildPipeline()
	s.httpServer = &http.Server{
		Handler:           h2c.NewHandler(handler, &http2.Server{}),
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       time.Duration(cfg.IdleTimeout) * time.Second,
	}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.collector.Handler())
		s.metricsServer = &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return s, nil
}

// setupAuth builds the token processor, session manager, providers, login
// handler and middleware.
func (s *Server) setupAuth() error {
	acfg := s.cfg.Authentication

	tokens, err := s.buildTokenProcessor()
	if err != nil {
		return err
	}
	sessions := auth.NewSessionManager(acfg, tokens)

	providerName := acfg.Provider
	if providerName == "" {
		providerName = "guest"
	}
	provider, err := auth.NewProvider(providerName, acfg)
	if err != nil {
		return fmt.Errorf("auth provider: %w", err)
	}

	s.login, err = auth.NewLoginHandler(acfg, sessions, provider, provider, s.cfg.MaxPendingContent)
	if err != nil {
		return fmt.Errorf("login handler: %w", err)
	}

	s.authmw = auth.NewMiddleware(auth.MiddlewareConfig{
		Sessions:          sessions,
		Browser:           provider,
		API:               provider,
		MaxPendingContent: s.cfg.MaxPendingContent,
		LoginPath:         auth.LoginBrowserPath,
		Disabled:          acfg.DisableAuth,
		OnDecision:        s.collector.AuthDecision,
	})
	return nil
}

func (s *Server) buildTokenProcessor() (*auth.TokenProcessor, error) {
	acfg := s.cfg.Authentication

	if acfg.DisableSigning {
		logging.Warn("token signing disabled; sessions are unauthenticated")
		return auth.NewUnsignedProcessor(acfg.JwtIssuer), nil
	}

	pubPath := s.cfg.Secrets[config.SecretPublicKey]
	privPath := s.cfg.Secrets[config.SecretPrivateKey]
	if pubPath == "" || privPath == "" {
		if s.cfg.PlatformInfo.Production {
			return nil, ErrMissingKeyMaterial
		}
		logging.Warn("signing keys not configured; falling back to unsigned tokens")
		return auth.NewUnsignedProcessor(acfg.JwtIssuer), nil
	}

	private, public, err := auth.LoadKeyPair(pubPath, privPath)
	if err != nil {
		if s.cfg.PlatformInfo.Production {
			return nil, fmt.Errorf("%w: %v", ErrMissingKeyMaterial, err)
		}
		return nil, fmt.Errorf("signing keys: %w", err)
	}
	return auth.NewTokenProcessor(acfg.JwtIssuer, private, public)
}

// buildPipeline stacks the request path: recovery, request id, access log,
// redirects, login surface, authentication, then route dispatch.
func (s *Server) buildPipeline() http.Handler {
	dispatch := s.authmw.Wrap(http.HandlerFunc(s.route))

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth.Owns(r.URL.Path) {
			s.login.ServeHTTP(w, r)
			return
		}
		dispatch.ServeHTTP(w, r)
	})

	chain := middleware.NewChain(
		middleware.Recovery(),
		middleware.RequestID(),
		middleware.AccessLog(),
	)
	return chain.Then(s.table.RedirectHandler(inner))
}

// route matches the request against the table and hands it to the engine
// for its transport.
func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	transport := routing.ClassifyTransport(r)

	route, result := s.table.Match(r)
	switch result {
	case routing.NoRoute:
		errors.ErrNotFound.WithRequestID(middleware.GetRequestID(r)).WriteJSON(w)
		return
	case routing.WrongProtocol:
		errors.ErrProtocolNotAcceptable.WithRequestID(middleware.GetRequestID(r)).WriteJSON(w)
		return
	}

	// Internal targets are reachable only on behalf of a real user, so the
	// session must carry a delegate identity.
	if route.Class == config.ProtocolInternal {
		s, ok := auth.SessionFromContext(r.Context())
		if !ok || !s.HasDelegate() {
			errors.ErrForbidden.WithRequestID(middleware.GetRequestID(r)).WriteJSON(w)
			return
		}
	}

	start := time.Now()
	rec := &recordingWriter{ResponseWriter: w, status: http.StatusOK}

	switch transport {
	case config.ProtocolWebSocket:
		s.wsEngine.Serve(rec, r, route)
	case config.ProtocolGRPC, config.ProtocolGRPCWeb:
		s.grpcEngine.Serve(rec, r, route)
	default:
		if route.Class == config.ProtocolREST {
			s.restEngine.Serve(rec, r, route)
		} else {
			s.httpEngine.Serve(rec, r, route)
		}
	}

	s.collector.ObserveRequest(route.Name, string(transport), rec.status, time.Since(start))
}

// Run serves until ctx is cancelled, then drains.
func (s *Server) Run(ctx context.Context) error {
	base, err := net.Listen("tcp", s.cfg.Listen.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen.Address, err)
	}

	tlsMode := s.cfg.Listen.TLS.Enabled
	if tlsMode {
		s.certs, err = listener.NewCertReloader(s.cfg.Listen.TLS.CertFile, s.cfg.Listen.TLS.KeyFile)
		if err != nil {
			base.Close()
			return err
		}
		base = listener.NewTLSListener(base, s.certs)
	}
	negotiated := listener.New(base, tlsMode, s.collector)

	logging.Info("gateway listening",
		zap.String("address", s.cfg.Listen.Address),
		zap.Bool("tls", tlsMode))

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := s.httpServer.Serve(negotiated); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	if s.metricsServer != nil {
		group.Go(func() error {
			if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	group.Go(func() error {
		<-ctx.Done()
		s.Shutdown()
		return nil
	})

	return group.Wait()
}

// Shutdown drains both servers and releases backend resources.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.httpServer.Shutdown(ctx)
	if s.metricsServer != nil {
		s.metricsServer.Shutdown(ctx)
	}
	if s.certs != nil {
		s.certs.Close()
	}
	s.grpcPool.Close()
	s.transports.Close()
	logging.Sync()
}

// recordingWriter captures the status code for request metrics.
type recordingWriter struct {
	http.ResponseWriter
	status int
}

func (rw *recordingWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *recordingWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack keeps WebSocket upgrades working through the recorder.
func (rw *recordingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return h.Hijack()
}
