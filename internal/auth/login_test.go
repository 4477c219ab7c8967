package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/trac-platform/gateway/internal/config"
)

func testLoginHandler(t *testing.T, provider Provider, at time.Time) *LoginHandler {
	t.Helper()
	sessions := NewSessionManager(testAuthConfig(), NewUnsignedProcessor("trac.test"))
	sessions.now = func() time.Time { return at }
	h, err := NewLoginHandler(testAuthConfig(), sessions, provider, provider, 64)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestOwns(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/login/browser", true},
		{"/login/api", true},
		{"/login/logout", true},
		{"/login/static/login.css", true},
		{"/refresh", true},
		{"/login", false},
		{"/refresh/extra", false},
		{"/app/login/browser", false},
		{"/", false},
	}
	for _, tc := range tests {
		if got := Owns(tc.path); got != tc.want {
			t.Errorf("Owns(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestBrowserLoginPage(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	provider := &scriptedProvider{results: []Result{AuthorizedAs(UserInfo{UserID: "alice", DisplayName: "Alice"})}}
	h := testLoginHandler(t, provider, now)

	rec := httptest.NewRecorder()
	r := browserRequest("/login/browser?return-path=%2Fapp%2Fhome")
	h.ServeHTTP(rec, r)

	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `content="1; URL=/app/home"`) {
		t.Errorf("meta refresh target missing:\n%s", body)
	}
	if !strings.Contains(body, "Alice") {
		t.Error("user name missing from login page")
	}

	cookies := rec.Result().Cookies()
	names := map[string]bool{}
	for _, c := range cookies {
		names[c.Name] = true
	}
	for _, want := range []string{TokenCookie, ExpiryCookie, UserIDCookie, UserNameCookie} {
		if !names[want] {
			t.Errorf("cookie %s not set", want)
		}
	}
}

func TestBrowserLoginRejectsOffHostReturnPath(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for _, rp := range []string{
		"https%3A%2F%2Fevil.example.com",
		"%2F%2Fevil.example.com",
	} {
		provider := &scriptedProvider{results: []Result{AuthorizedAs(UserInfo{UserID: "alice"})}}
		h := testLoginHandler(t, provider, now)

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, browserRequest("/login/browser?return-path="+rp))

		if strings.Contains(rec.Body.String(), "evil.example.com") {
			t.Errorf("return-path %q escaped to the login page", rp)
		}
		if !strings.Contains(rec.Body.String(), `URL=/`) {
			t.Errorf("default return path not used for %q", rp)
		}
	}
}

func TestAPILoginJSON(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	provider := &scriptedProvider{results: []Result{AuthorizedAs(UserInfo{UserID: "alice", DisplayName: "Alice"})}}
	h := testLoginHandler(t, provider, now)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, apiRequest("POST", "/login/api", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var reply struct {
		Token    string `json:"token"`
		Expiry   string `json:"expiry"`
		UserID   string `json:"userId"`
		UserName string `json:"userName"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Token == "" || reply.UserID != "alice" || reply.UserName != "Alice" {
		t.Errorf("reply = %+v", reply)
	}
	if reply.Expiry != "2026-03-01T10:00:00Z" {
		t.Errorf("expiry = %q", reply.Expiry)
	}
	if len(rec.Result().Cookies()) != 0 {
		t.Error("API login set cookies")
	}
}

func TestLoginFailure(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	provider := &scriptedProvider{results: []Result{FailedWith("wrong password")}}
	h := testLoginHandler(t, provider, now)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, apiRequest("POST", "/login/api", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("code = %d", rec.Code)
	}
	if rec.Header().Get(ReasonHeader) != "wrong password" {
		t.Errorf("reason = %q", rec.Header().Get(ReasonHeader))
	}
}

func TestRefreshEndpoint(t *testing.T) {
	issued := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	h := testLoginHandler(t, &scriptedProvider{}, issued)
	token, err := h.sessions.Tokens().Sign(h.sessions.NewSession(UserInfo{UserID: "alice"}))
	if err != nil {
		t.Fatal(err)
	}

	t.Run("live session re-mints", func(t *testing.T) {
		later := testLoginHandler(t, &scriptedProvider{}, issued.Add(30*time.Minute))
		rec := httptest.NewRecorder()
		r := apiRequest("GET", "/refresh", nil)
		r.Header.Set(TokenHeader, token)
		later.ServeHTTP(rec, r)

		if rec.Code != http.StatusOK {
			t.Fatalf("code = %d", rec.Code)
		}
		var reply map[string]string
		if err := json.NewDecoder(rec.Body).Decode(&reply); err != nil {
			t.Fatal(err)
		}
		if reply["token"] == "" || reply["token"] == token {
			t.Error("refresh did not mint a new token")
		}
	})

	t.Run("expired API session gets 401", func(t *testing.T) {
		later := testLoginHandler(t, &scriptedProvider{}, issued.Add(2*time.Hour))
		rec := httptest.NewRecorder()
		r := apiRequest("GET", "/refresh", nil)
		r.Header.Set(TokenHeader, token)
		later.ServeHTTP(rec, r)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("code = %d", rec.Code)
		}
	})

	t.Run("expired browser session redirects", func(t *testing.T) {
		later := testLoginHandler(t, &scriptedProvider{}, issued.Add(2*time.Hour))
		rec := httptest.NewRecorder()
		r := browserRequest("/refresh?return-path=%2Fapp")
		r.AddCookie(&http.Cookie{Name: TokenCookie, Value: token})
		later.ServeHTTP(rec, r)

		if rec.Code != http.StatusFound {
			t.Fatalf("code = %d", rec.Code)
		}
		loc := rec.Header().Get("Location")
		if !strings.HasPrefix(loc, LoginBrowserPath+"?return-path=") {
			t.Errorf("location = %q", loc)
		}
	})
}

func TestLogout(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	h := testLoginHandler(t, &scriptedProvider{}, now)

	t.Run("browser", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, browserRequest("/login/logout"))

		if rec.Code != http.StatusFound {
			t.Fatalf("code = %d", rec.Code)
		}
		for _, c := range rec.Result().Cookies() {
			if c.MaxAge >= 0 {
				t.Errorf("cookie %s not expired", c.Name)
			}
		}
	})

	t.Run("api", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, apiRequest("POST", "/login/logout", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("code = %d", rec.Code)
		}
	})
}

func TestStaticAssets(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	h := testLoginHandler(t, &scriptedProvider{}, now)

	tests := []struct {
		path     string
		code     int
		ctPrefix string
	}{
		{"/login/static/login.css", http.StatusOK, "text/css"},
		{"/login/static/login.js", http.StatusOK, "application/javascript"},
		{"/login/static/login.html", http.StatusOK, "text/html"},
		{"/login/static/missing.png", http.StatusNotFound, ""},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest("GET", tc.path, nil))
			if rec.Code != tc.code {
				t.Fatalf("code = %d, want %d", rec.Code, tc.code)
			}
			if tc.ctPrefix != "" && !strings.HasPrefix(rec.Header().Get("Content-Type"), tc.ctPrefix) {
				t.Errorf("content type = %q", rec.Header().Get("Content-Type"))
			}
		})
	}
}

func TestGuestProvider(t *testing.T) {
	p, err := NewProvider("guest", config.AuthConfig{})
	if err != nil {
		t.Fatal(err)
	}
	result := p.Attempt(nil, httptest.NewRequest("GET", "/", nil), nil)
	if result.Kind != Authorized || result.User.UserID != "guest" {
		t.Errorf("result = %+v", result)
	}

	if _, err := NewProvider("no-such-provider", config.AuthConfig{}); err == nil {
		t.Error("unknown provider accepted")
	}
}

func TestDelegateSource(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	sessions := NewSessionManager(testAuthConfig(), NewUnsignedProcessor("trac.test"))
	sessions.now = func() time.Time { return start }

	origin := sessions.NewSession(UserInfo{UserID: "alice", DisplayName: "Alice"})
	src, err := NewDelegateSource(testAuthConfig(), sessions, origin)
	if err != nil {
		t.Fatal(err)
	}
	src.now = sessions.now

	md, err := src.GetRequestMetadata(nil)
	if err != nil {
		t.Fatal(err)
	}
	token := md[TokenHeader]
	if token == "" {
		t.Fatal("no delegate token minted")
	}

	s := sessions.Tokens().Validate(token)
	if !s.Valid {
		t.Fatalf("delegate token invalid: %s", s.ErrorMessage)
	}
	if s.UserID != "#system" || s.DelegateID != "alice" {
		t.Errorf("primary=%s delegate=%s", s.UserID, s.DelegateID)
	}

	// A fresh token is cached until it nears expiry.
	md2, err := src.GetRequestMetadata(nil)
	if err != nil {
		t.Fatal(err)
	}
	if md2[TokenHeader] != token {
		t.Error("fresh delegate token was not reused")
	}

	// Past the origin limit, minting stops.
	late := start.Add(7 * time.Hour)
	sessions.now = func() time.Time { return late }
	src.now = sessions.now
	src.token = ""
	if _, err := src.Token(); err == nil {
		t.Error("delegate token minted past the origin session limit")
	}

	if _, err := NewDelegateSource(testAuthConfig(), sessions, invalidSession("x")); err == nil {
		t.Error("invalid origin session accepted")
	}
}
