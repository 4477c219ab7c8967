package auth

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/trac-platform/gateway/internal/errors"
	"github.com/trac-platform/gateway/internal/logging"
	"go.uber.org/zap"
)

// sessionKey carries the authenticated Session in the request context.
type sessionKey struct{}

// WithSession attaches a session to a context.
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFromContext returns the session established by the auth middleware.
func SessionFromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(Session)
	return s, ok
}

// MiddlewareConfig assembles the auth middleware.
type MiddlewareConfig struct {
	Sessions *SessionManager
	// Browser and API are the primary auth providers per request class.
	// Either may be nil.
	Browser Provider
	API     Provider
	// MaxPendingContent bounds the NeedContent aggregation buffer.
	MaxPendingContent int
	// LoginPath is where expired browser sessions are redirected.
	LoginPath string
	// Disabled skips authentication entirely (non-production only).
	Disabled bool
	// OnDecision, when set, observes each auth outcome for metrics.
	OnDecision func(decision string)
}

// Middleware runs token check, provider fallback, header scrub and token
// injection for every request between negotiation and proxying.
type Middleware struct {
	cfg MiddlewareConfig
}

// NewMiddleware creates the auth middleware.
func NewMiddleware(cfg MiddlewareConfig) *Middleware {
	if cfg.LoginPath == "" {
		cfg.LoginPath = "/login/browser"
	}
	if cfg.OnDecision == nil {
		cfg.OnDecision = func(string) {}
	}
	return &Middleware{cfg: cfg}
}

// Wrap installs the middleware in front of next.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.cfg.Disabled {
			ScrubHeaders(r.Header)
			next.ServeHTTP(w, r)
			return
		}

		if token, ok := FindToken(r); ok {
			if m.serveWithToken(w, r, next, token) {
				return
			}
			// Token present but useless; fall through to the provider.
		}

		m.serveWithProvider(w, r, next, nil)
	})
}

// serveWithToken handles the existing-token path. Returns false when the
// token did not establish a session and the provider should be consulted.
func (m *Middleware) serveWithToken(w http.ResponseWriter, r *http.Request, next http.Handler, token string) bool {
	sessions := m.cfg.Sessions
	s := sessions.Decode(token)
	if !s.Valid {
		m.cfg.OnDecision("invalid_token")
		return false
	}

	if sessions.Expired(s) {
		m.cfg.OnDecision("expired")
		if sessions.NeedsRefresh(s) {
			// Still under the limit; treat like a refresh rather than a
			// full re-authentication.
			refreshed, err := sessions.Refresh(s)
			if err == nil {
				m.forward(w, r, next, refreshed, true)
				return true
			}
		}
		if IsBrowserRequest(r) {
			redirectToLogin(w, r, m.cfg.LoginPath)
			return true
		}
		errors.ErrUnauthorized.WithDetails("session expired").WriteJSON(w)
		return true
	}

	m.cfg.OnDecision("authorized")
	m.forward(w, r, next, s, sessions.NeedsRefresh(s))
	return true
}

// serveWithProvider runs the primary-auth fallback, including the
// NeedContent aggregation loop.
func (m *Middleware) serveWithProvider(w http.ResponseWriter, r *http.Request, next http.Handler, content []byte) {
	provider := m.cfg.API
	if IsBrowserRequest(r) && m.cfg.Browser != nil {
		provider = m.cfg.Browser
	}
	if provider == nil {
		m.cfg.OnDecision("failed")
		m.writeAuthFailure(w, r, "no authentication provider for this request")
		return
	}

	result := provider.Attempt(w, r, content)
	switch result.Kind {

	case Authorized:
		m.cfg.OnDecision("authorized")
		s := m.cfg.Sessions.NewSession(result.User)
		m.forward(w, r, next, s, true)

	case Failed:
		m.cfg.OnDecision("failed")
		m.writeAuthFailure(w, r, result.Message)

	case Redirected:
		// The provider already wrote its response; drop the request body.
		m.cfg.OnDecision("redirected")
		io.Copy(io.Discard, r.Body)

	case OtherResponse:
		m.cfg.OnDecision("other_response")
		writeSynthetic(w, result.Response)

	case NeedContent:
		if content != nil {
			// The provider asked twice; treat as failure rather than loop.
			m.cfg.OnDecision("failed")
			m.writeAuthFailure(w, r, "authentication provider could not complete")
			return
		}
		body, err := readBounded(r.Body, m.cfg.MaxPendingContent)
		if err != nil {
			m.cfg.OnDecision("overflow")
			closeAfter(w)
			errors.ErrContentTooLarge.WriteJSON(w)
			return
		}
		m.serveWithProvider(w, r, next, body)
	}
}

// forward hands the request to the rest of the pipeline under an established
// session, with scrubbed headers and fresh token material where needed.
func (m *Middleware) forward(w http.ResponseWriter, r *http.Request, next http.Handler, s Session, mintToken bool) {
	var clientToken ClientTokenWriter
	if mintToken {
		token, err := m.cfg.Sessions.Tokens().Sign(s)
		if err != nil {
			logging.Error("Failed to sign session token", zap.Error(err))
			errors.ErrInternal.WriteJSON(w)
			return
		}
		clientToken = ClientTokenWriter{Session: s, Token: token, Cookies: WantCookies(r)}
		InjectPlatformToken(r.Header, token)
	} else {
		// Re-sign is not needed; forward the discovered token platform-bound.
		token, _ := FindToken(r)
		InjectPlatformToken(r.Header, token)
	}

	sw := &scrubbingWriter{ResponseWriter: w, clientToken: clientToken}
	next.ServeHTTP(sw, r.WithContext(WithSession(r.Context(), s)))
}

// writeAuthFailure emits the 401 with a reason header. Failed primary auth
// always answers 401; the login redirect is reserved for expired browser
// sessions. The connection is closed for HTTP/1.
func (m *Middleware) writeAuthFailure(w http.ResponseWriter, r *http.Request, reason string) {
	if reason != "" {
		w.Header().Set(ReasonHeader, reason)
	}
	closeAfter(w)
	errors.ErrUnauthorized.WriteJSON(w)
}

func redirectToLogin(w http.ResponseWriter, r *http.Request, loginPath string) {
	target := loginPath + "?return-path=" + url.QueryEscape(r.URL.RequestURI())
	w.Header().Set("Location", target)
	w.WriteHeader(http.StatusFound)
}

func writeSynthetic(w http.ResponseWriter, resp *SyntheticResponse) {
	if resp == nil {
		errors.ErrInternal.WriteJSON(w)
		return
	}
	for name, values := range resp.Headers {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

// closeAfter asks HTTP/1 to close the connection after the response. For
// HTTP/2 the server resets the stream instead; the header is ignored there.
func closeAfter(w http.ResponseWriter) {
	w.Header().Set("Connection", "close")
}

// readBounded reads the whole body up to limit bytes; one byte over fails.
func readBounded(body io.Reader, limit int) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if len(data) > limit {
		return nil, io.ErrShortBuffer
	}
	return data, nil
}

// scrubbingWriter removes auth material from backend responses before they
// reach the client, then injects the gateway-owned token material.
type scrubbingWriter struct {
	http.ResponseWriter
	clientToken ClientTokenWriter
	wroteHeader bool
}

func (sw *scrubbingWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.wroteHeader = true
		ScrubHeaders(sw.Header())
		sw.clientToken.Apply(sw.Header())
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *scrubbingWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.WriteHeader(http.StatusOK)
	}
	return sw.ResponseWriter.Write(b)
}

// Flush keeps streaming responses streaming.
func (sw *scrubbingWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack keeps WebSocket upgrades working through the middleware.
func (sw *scrubbingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := sw.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}
