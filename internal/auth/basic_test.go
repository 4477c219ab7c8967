package auth

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func testUserDB(t *testing.T) *BasicProvider {
	t.Helper()

	hash := func(pw string) string {
		h, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.MinCost)
		if err != nil {
			t.Fatal(err)
		}
		return string(h)
	}

	path := filepath.Join(t.TempDir(), "users")
	content := fmt.Sprintf(`# local users
alice:%s
bob:%s:Bob the Builder

`, hash("wonderland"), hash("hunter2"))
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	p, err := NewBasicProvider(path)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestBasicProviderCredentials(t *testing.T) {
	p := testUserDB(t)

	t.Run("basic auth header", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/login/api", nil)
		r.SetBasicAuth("alice", "wonderland")
		result := p.Attempt(httptest.NewRecorder(), r, nil)
		if result.Kind != Authorized || result.User.UserID != "alice" {
			t.Fatalf("result = %+v", result)
		}
	})

	t.Run("display name from file", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/login/api", nil)
		r.SetBasicAuth("bob", "hunter2")
		result := p.Attempt(httptest.NewRecorder(), r, nil)
		if result.User.DisplayName != "Bob the Builder" {
			t.Fatalf("display = %q", result.User.DisplayName)
		}
	})

	t.Run("form fields on the query", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/login/browser?username=alice&password=wonderland", nil)
		result := p.Attempt(httptest.NewRecorder(), r, nil)
		if result.Kind != Authorized {
			t.Fatalf("result = %+v", result)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/login/api", nil)
		r.SetBasicAuth("alice", "looking-glass")
		result := p.Attempt(httptest.NewRecorder(), r, nil)
		if result.Kind != Failed || result.Message != "invalid credentials" {
			t.Fatalf("result = %+v", result)
		}
	})

	t.Run("unknown user", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/login/api", nil)
		r.SetBasicAuth("mallory", "wonderland")
		if result := p.Attempt(httptest.NewRecorder(), r, nil); result.Kind != Failed {
			t.Fatalf("result = %+v", result)
		}
	})
}

func TestBasicProviderFormBody(t *testing.T) {
	p := testUserDB(t)

	r := httptest.NewRequest(http.MethodPost, "/login/browser", strings.NewReader("username=alice&password=wonderland"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	result := p.Attempt(httptest.NewRecorder(), r, nil)
	if result.Kind != NeedContent {
		t.Fatalf("first attempt = %+v, want NeedContent", result)
	}

	result = p.Attempt(httptest.NewRecorder(), r, []byte("username=alice&password=wonderland"))
	if result.Kind != Authorized || result.User.UserID != "alice" {
		t.Fatalf("second attempt = %+v", result)
	}
}

func TestBasicProviderNoCredentials(t *testing.T) {
	p := testUserDB(t)

	t.Run("browser gets the sign-in form", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/login/browser?return-path=/app/home", nil)
		r.Header.Set("User-Agent", "Mozilla/5.0")
		r.Header.Set("Accept", "text/html,application/xhtml+xml")
		rec := httptest.NewRecorder()

		result := p.Attempt(rec, r, nil)
		if result.Kind != Redirected {
			t.Fatalf("result = %+v", result)
		}
		if rec.Code != http.StatusSeeOther {
			t.Fatalf("status = %d", rec.Code)
		}
		loc := rec.Header().Get("Location")
		if !strings.HasPrefix(loc, LoginStaticPath+"login.html") || !strings.Contains(loc, "return-path=%2Fapp%2Fhome") {
			t.Fatalf("Location = %q", loc)
		}
	})

	t.Run("api client gets a challenge", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/login/api", nil)
		result := p.Attempt(httptest.NewRecorder(), r, nil)
		if result.Kind != OtherResponse || result.Response.Status != http.StatusUnauthorized {
			t.Fatalf("result = %+v", result)
		}
		if got := result.Response.Headers.Get("Www-Authenticate"); !strings.HasPrefix(got, "Basic ") {
			t.Fatalf("Www-Authenticate = %q", got)
		}
	})
}

func TestBasicProviderFileErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := NewBasicProvider(filepath.Join(dir, "missing")); err == nil {
		t.Fatal("expected an error for a missing file")
	}

	bad := filepath.Join(dir, "bad")
	os.WriteFile(bad, []byte("no-colon-here\n"), 0o600)
	if _, err := NewBasicProvider(bad); err == nil {
		t.Fatal("expected an error for a malformed line")
	}
}
