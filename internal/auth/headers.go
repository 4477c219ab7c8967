package auth

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Gateway-owned header and cookie names.
const (
	TokenHeader    = "trac-auth-token"
	ExpiryHeader   = "trac-auth-expiry"
	UserIDHeader   = "trac-user-id"
	UserNameHeader = "trac-user-name"
	ReasonHeader   = "trac-auth-reason"
	CookiesHeader  = "trac-auth-cookies"

	TokenCookie    = "trac_auth_token"
	ExpiryCookie   = "trac_auth_expiry"
	UserIDCookie   = "trac_user_id"
	UserNameCookie = "trac_user_name"
)

// Header name prefixes owned by the gateway. Anything under them is scrubbed
// in both directions before crossing the gateway boundary.
const (
	authPrefix = "trac-auth-"
	userPrefix = "trac-user-"
)

// FindToken discovers a session token on the request: Authorization Bearer,
// then the trac-auth-token header, then the token cookie. A raw JWT without
// the Bearer prefix is accepted.
func FindToken(r *http.Request) (string, bool) {
	if v := r.Header.Get("Authorization"); v != "" {
		if strings.HasPrefix(v, "Bearer ") || strings.HasPrefix(v, "bearer ") {
			return v[7:], true
		}
		return v, true
	}
	if v := r.Header.Get(TokenHeader); v != "" {
		return v, true
	}
	for _, name := range []string{TokenCookie, TokenHeader} {
		if c, err := r.Cookie(name); err == nil && c.Value != "" {
			return c.Value, true
		}
	}
	return "", false
}

// IsBrowserRequest applies the browser/API heuristic: a User-Agent with no
// API-shaped content type marks a browser.
func IsBrowserRequest(r *http.Request) bool {
	if r.Header.Get("User-Agent") == "" {
		return false
	}
	ct := r.Header.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i != -1 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch {
	case ct == "":
		return true
	case strings.HasPrefix(ct, "application/x-www-form-urlencoded"),
		strings.HasPrefix(ct, "multipart/form-data"),
		strings.HasPrefix(ct, "text/"):
		return true
	}
	return false
}

// WantCookies reports whether token material should be returned as cookies.
// An explicit trac-auth-cookies: true header forces cookies regardless of
// the browser heuristic.
func WantCookies(r *http.Request) bool {
	if strings.EqualFold(r.Header.Get(CookiesHeader), "true") {
		return true
	}
	return IsBrowserRequest(r)
}

// isScrubbedHeader reports whether a header name may never cross the gateway
// boundary.
func isScrubbedHeader(name string) bool {
	lower := strings.ToLower(name)
	switch lower {
	case "authorization", "cookie", "set-cookie":
		return true
	}
	return strings.HasPrefix(lower, authPrefix) || strings.HasPrefix(lower, userPrefix)
}

// ScrubHeaders removes all auth-related headers and cookies from a header
// map. Used on both the platform-facing and client-facing directions.
func ScrubHeaders(h http.Header) {
	for name := range h {
		if isScrubbedHeader(name) {
			h.Del(name)
		}
	}
}

// InjectPlatformToken sets the gateway-owned token header on a platform-bound
// request, after scrubbing everything auth-related the client sent.
func InjectPlatformToken(h http.Header, token string) {
	ScrubHeaders(h)
	if token != "" {
		h.Set(TokenHeader, token)
	}
}

// ClientTokenWriter writes token material onto a client-bound response,
// either as cookies or as plain headers.
type ClientTokenWriter struct {
	Session Session
	Token   string
	Cookies bool
}

// Apply writes the token, the expiry and the user identity to the response
// header map. Cookie responses keep the token HttpOnly; the human-readable
// companions are script-visible.
func (cw ClientTokenWriter) Apply(h http.Header) {
	if cw.Token == "" {
		return
	}
	expiry := cw.Session.Expiry.UTC().Format(time.RFC3339)
	if !cw.Cookies {
		h.Set(TokenHeader, cw.Token)
		h.Set(ExpiryHeader, expiry)
		h.Set(UserIDHeader, cw.Session.UserID)
		h.Set(UserNameHeader, cw.Session.UserName)
		return
	}

	setCookie(h, &http.Cookie{
		Name:     TokenCookie,
		Value:    cw.Token,
		Path:     "/",
		SameSite: http.SameSiteStrictMode,
		HttpOnly: true,
	})
	setCookie(h, &http.Cookie{Name: ExpiryCookie, Value: expiry, Path: "/", SameSite: http.SameSiteStrictMode})
	setCookie(h, &http.Cookie{Name: UserIDCookie, Value: cw.Session.UserID, Path: "/", SameSite: http.SameSiteStrictMode})
	setCookie(h, &http.Cookie{Name: UserNameCookie, Value: cw.Session.UserName, Path: "/", SameSite: http.SameSiteStrictMode})
}

// ClearClientToken expires the token cookies on logout.
func ClearClientToken(h http.Header) {
	for _, name := range []string{TokenCookie, ExpiryCookie, UserIDCookie, UserNameCookie} {
		setCookie(h, &http.Cookie{Name: name, Value: "", Path: "/", MaxAge: -1})
	}
}

// setCookie appends a Set-Cookie line to a bare header map. Cookie values
// are URL-escaped so user names with spaces survive the round trip.
func setCookie(h http.Header, c *http.Cookie) {
	if c.Value != "" {
		c.Value = sanitizeCookieValue(c.Value)
	}
	if v := c.String(); v != "" {
		h.Add("Set-Cookie", v)
	}
}

func sanitizeCookieValue(v string) string {
	// Quote values containing separators; http.Cookie handles the rest.
	if strings.ContainsAny(v, " ,") {
		return strconv.Quote(v)
	}
	return v
}
