package auth

import (
	"embed"
	"encoding/json"
	"fmt"
	"html"
	"io/fs"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/trac-platform/gateway/internal/config"
	"github.com/trac-platform/gateway/internal/errors"
	"github.com/trac-platform/gateway/internal/logging"
	"go.uber.org/zap"
)

// Well-known login URLs.
const (
	LoginPrefix      = "/login/"
	LoginBrowserPath = "/login/browser"
	LoginAPIPath     = "/login/api"
	LoginLogoutPath  = "/login/logout"
	LoginStaticPath  = "/login/static/"
	RefreshPath      = "/refresh"
)

//go:embed static
var staticContent embed.FS

// staticAsset is one compiled-in login page asset.
type staticAsset struct {
	body        []byte
	contentType string
}

// LoginHandler owns the /login/ URL prefix and /refresh. It invokes the
// provider directly, mints tokens and serves the bundled static content; the
// auth middleware never runs in front of it.
type LoginHandler struct {
	sessions   *SessionManager
	browser    Provider
	api        Provider
	returnPath string
	maxContent int
	assets     map[string]staticAsset
}

// NewLoginHandler builds the login surface.
func NewLoginHandler(cfg config.AuthConfig, sessions *SessionManager, browser, api Provider, maxContent int) (*LoginHandler, error) {
	assets, err := loadStaticAssets()
	if err != nil {
		return nil, err
	}
	returnPath := cfg.ReturnPath
	if returnPath == "" {
		returnPath = "/"
	}
	return &LoginHandler{
		sessions:   sessions,
		browser:    browser,
		api:        api,
		returnPath: returnPath,
		maxContent: maxContent,
		assets:     assets,
	}, nil
}

// Owns reports whether a request path belongs to the login surface.
func Owns(p string) bool {
	return strings.HasPrefix(p, LoginPrefix) || p == RefreshPath
}

// ServeHTTP dispatches the well-known login URLs.
func (h *LoginHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == LoginBrowserPath:
		h.serveLogin(w, r, h.browser, true)
	case r.URL.Path == LoginAPIPath:
		h.serveLogin(w, r, h.api, false)
	case r.URL.Path == RefreshPath:
		h.serveRefresh(w, r)
	case r.URL.Path == LoginLogoutPath:
		h.serveLogout(w, r)
	case strings.HasPrefix(r.URL.Path, LoginStaticPath):
		h.serveStatic(w, r)
	default:
		errors.ErrNotFound.WritePlain(w)
	}
}

// serveLogin runs the provider and, on success, issues a token. Browser
// logins get an HTML redirect page with cookies; API logins a JSON reply.
func (h *LoginHandler) serveLogin(w http.ResponseWriter, r *http.Request, provider Provider, asBrowser bool) {
	if provider == nil {
		errors.ErrUnauthorized.WithDetails("no authentication provider configured").WriteJSON(w)
		return
	}

	var content []byte
	for {
		result := provider.Attempt(w, r, content)
		switch result.Kind {

		case Authorized:
			s := h.sessions.NewSession(result.User)
			token, err := h.sessions.Tokens().Sign(s)
			if err != nil {
				logging.Error("Failed to sign session token", zap.Error(err))
				errors.ErrInternal.WriteJSON(w)
				return
			}
			if asBrowser || WantCookies(r) {
				h.writeLoginPage(w, r, s, token)
			} else {
				writeLoginJSON(w, s, token)
			}
			return

		case Failed:
			if result.Message != "" {
				w.Header().Set(ReasonHeader, result.Message)
			}
			errors.ErrUnauthorized.WriteJSON(w)
			return

		case Redirected:
			return

		case OtherResponse:
			writeSynthetic(w, result.Response)
			return

		case NeedContent:
			if content != nil {
				errors.ErrUnauthorized.WithDetails("authentication provider could not complete").WriteJSON(w)
				return
			}
			body, err := readBounded(r.Body, h.maxContent)
			if err != nil {
				errors.ErrContentTooLarge.WriteJSON(w)
				closeAfter(w)
				return
			}
			content = body
		}
	}
}

// serveRefresh re-mints a valid session token, redirects browsers back to
// the login flow when the session is gone, and 401s API clients.
func (h *LoginHandler) serveRefresh(w http.ResponseWriter, r *http.Request) {
	token, ok := FindToken(r)
	if ok {
		s := h.sessions.Decode(token)
		if s.Valid && !h.sessions.Expired(s) {
			refreshed, err := h.sessions.Refresh(s)
			if err == nil {
				newToken, err := h.sessions.Tokens().Sign(refreshed)
				if err == nil {
					if WantCookies(r) {
						h.writeLoginPage(w, r, refreshed, newToken)
					} else {
						writeLoginJSON(w, refreshed, newToken)
					}
					return
				}
			}
		}
	}

	if IsBrowserRequest(r) {
		target := LoginBrowserPath + "?return-path=" + url.QueryEscape(h.returnPathFor(r))
		w.Header().Set("Location", target)
		w.WriteHeader(http.StatusFound)
		return
	}
	errors.ErrUnauthorized.WithDetails("session expired").WriteJSON(w)
}

// serveLogout clears the client-side token material. Tokens are stateless,
// so logout is cookie expiry plus a redirect to the configured return path.
func (h *LoginHandler) serveLogout(w http.ResponseWriter, r *http.Request) {
	ClearClientToken(w.Header())
	if IsBrowserRequest(r) {
		w.Header().Set("Location", h.returnPath)
		w.WriteHeader(http.StatusFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// serveStatic serves the compiled-in login page assets.
func (h *LoginHandler) serveStatic(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, LoginStaticPath)
	asset, ok := h.assets[key]
	if !ok {
		errors.ErrNotFound.WritePlain(w)
		return
	}
	w.Header().Set("Content-Type", asset.contentType)
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(asset.body)
}

// writeLoginPage writes the post-login HTML page: Set-Cookie headers plus a
// one-second meta refresh to the return path.
func (h *LoginHandler) writeLoginPage(w http.ResponseWriter, r *http.Request, s Session, token string) {
	ClientTokenWriter{Session: s, Token: token, Cookies: true}.Apply(w.Header())

	target := h.returnPathFor(r)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, loginPageTemplate, html.EscapeString(target), html.EscapeString(s.UserName))
}

// returnPathFor resolves the post-login destination: the return-path query
// parameter when present and safe, the configured default otherwise.
func (h *LoginHandler) returnPathFor(r *http.Request) string {
	if rp := r.URL.Query().Get("return-path"); rp != "" {
		// Reject absolute and protocol-relative targets; the login flow
		// never redirects off-host.
		if strings.HasPrefix(rp, "/") && !strings.HasPrefix(rp, "//") {
			return rp
		}
	}
	return h.returnPath
}

func writeLoginJSON(w http.ResponseWriter, s Session, token string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"token":    token,
		"expiry":   s.Expiry.UTC().Format(time.RFC3339),
		"userId":   s.UserID,
		"userName": s.UserName,
	})
}

const loginPageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="1; URL=%s">
<link rel="stylesheet" href="/login/static/login.css">
<title>TRAC sign in</title>
</head>
<body>
<div class="login-panel">
<p>Signed in as %s</p>
<p>Taking you back to the platform&hellip;</p>
</div>
</body>
</html>
`

// loadStaticAssets builds the compiled-in key -> (bytes, content type) map.
func loadStaticAssets() (map[string]staticAsset, error) {
	assets := make(map[string]staticAsset)
	err := fs.WalkDir(staticContent, "static", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		body, err := staticContent.ReadFile(p)
		if err != nil {
			return err
		}
		key := strings.TrimPrefix(p, "static/")
		assets[key] = staticAsset{body: body, contentType: contentTypeFor(p)}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading login static content: %w", err)
	}
	return assets, nil
}

func contentTypeFor(p string) string {
	switch path.Ext(p) {
	case ".html":
		return "text/html; charset=utf-8"
	case ".css":
		return "text/css; charset=utf-8"
	case ".js":
		return "application/javascript"
	case ".svg":
		return "image/svg+xml"
	case ".png":
		return "image/png"
	case ".ico":
		return "image/x-icon"
	}
	return "application/octet-stream"
}
