package auth

import (
	"bufio"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/trac-platform/gateway/internal/config"
)

func init() {
	RegisterProvider("basic", func(cfg config.AuthConfig) (Provider, error) {
		if cfg.UserDatabase == "" {
			return nil, fmt.Errorf("basic provider requires authentication.userDatabase")
		}
		return NewBasicProvider(cfg.UserDatabase)
	})
}

// dummyHash is compared against when the user is unknown, so a missing user
// costs the same as a wrong password.
var dummyHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

type localUser struct {
	hash    []byte
	display string
}

// BasicProvider authenticates against a local user file. Each line holds
// user:bcrypt-hash or user:bcrypt-hash:display name; blank lines and lines
// starting with # are skipped. Credentials arrive as HTTP basic auth, as
// the sign-in form's fields, or as an aggregated form body.
type BasicProvider struct {
	users map[string]localUser
}

// NewBasicProvider loads the user file.
func NewBasicProvider(path string) (*BasicProvider, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("user database: %w", err)
	}
	defer f.Close()

	users := make(map[string]localUser)
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		parts := strings.SplitN(text, ":", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("user database %s:%d: want user:hash[:display]", path, line)
		}
		u := localUser{hash: []byte(parts[1]), display: parts[0]}
		if len(parts) == 3 && parts[2] != "" {
			u.display = parts[2]
		}
		users[parts[0]] = u
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("user database: %w", err)
	}
	return &BasicProvider{users: users}, nil
}

// Name implements Provider.
func (p *BasicProvider) Name() string { return "basic" }

// Attempt implements Provider.
func (p *BasicProvider) Attempt(w http.ResponseWriter, r *http.Request, content []byte) Result {
	if user, pass, ok := r.BasicAuth(); ok {
		return p.check(user, pass)
	}
	if user := r.URL.Query().Get("username"); user != "" {
		return p.check(user, r.URL.Query().Get("password"))
	}
	if r.Method == http.MethodPost && r.ContentLength != 0 {
		if content == nil {
			return Result{Kind: NeedContent}
		}
		form, err := url.ParseQuery(string(content))
		if err == nil && form.Get("username") != "" {
			return p.check(form.Get("username"), form.Get("password"))
		}
	}

	// No credentials at all. Browsers get the sign-in form; API clients a
	// basic-auth challenge.
	if IsBrowserRequest(r) {
		target := LoginStaticPath + "login.html"
		if rp := r.URL.Query().Get("return-path"); rp != "" && strings.HasPrefix(rp, "/") {
			target += "?return-path=" + url.QueryEscape(rp)
		}
		w.Header().Set("Location", target)
		w.WriteHeader(http.StatusSeeOther)
		return Result{Kind: Redirected}
	}
	return Result{Kind: OtherResponse, Response: &SyntheticResponse{
		Status:  http.StatusUnauthorized,
		Headers: http.Header{"Www-Authenticate": []string{`Basic realm="TRAC platform"`}},
	}}
}

func (p *BasicProvider) check(user, pass string) Result {
	u, ok := p.users[user]
	hash := u.hash
	if !ok {
		hash = dummyHash
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(pass)); err != nil || !ok {
		return FailedWith("invalid credentials")
	}
	return AuthorizedAs(UserInfo{UserID: user, DisplayName: u.display})
}
