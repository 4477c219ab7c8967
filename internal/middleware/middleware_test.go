package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestChainOrder(t *testing.T) {
	var calls []string
	tag := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls = append(calls, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	handler := NewChain(tag("outer"), tag("middle"), tag("inner")).
		ThenFunc(func(w http.ResponseWriter, r *http.Request) {
			calls = append(calls, "handler")
		})

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	want := []string{"outer", "middle", "inner", "handler"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v", calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}
}

func TestChainAppend(t *testing.T) {
	base := NewChain(func(next http.Handler) http.Handler { return next })
	extended := base.Append(func(next http.Handler) http.Handler { return next })

	if base.Len() != 1 || extended.Len() != 2 {
		t.Errorf("lengths = %d/%d", base.Len(), extended.Len())
	}
}

func TestRequestID(t *testing.T) {
	t.Run("generated", func(t *testing.T) {
		var seen string
		handler := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = GetRequestID(r)
		}))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

		if seen == "" {
			t.Fatal("no request id in context")
		}
		if rec.Header().Get(RequestIDHeader) != seen {
			t.Error("response header does not echo the request id")
		}
	})

	t.Run("inbound header trusted", func(t *testing.T) {
		var seen string
		handler := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = GetRequestID(r)
		}))

		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set(RequestIDHeader, "upstream-id")
		handler.ServeHTTP(httptest.NewRecorder(), r)

		if seen != "upstream-id" {
			t.Errorf("request id = %q", seen)
		}
	})
}

func TestRecovery(t *testing.T) {
	handler := RequestID()(Recovery()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("exploded")
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("code = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if body["errorCode"] != "GATEWAY_INTERNAL" {
		t.Errorf("errorCode = %v", body["errorCode"])
	}
}
