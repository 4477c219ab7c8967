package routing

import (
	"net/http"
)

// RedirectHandler serves the configured fixed redirects. It wraps the rest of
// the pipeline; matched sources never reach auth or routing.
func (t *Table) RedirectHandler(next http.Handler) http.Handler {
	if len(t.redirects) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rd, ok := t.Redirect(r.URL.Path); ok {
			w.Header().Set("Location", rd.Target)
			w.WriteHeader(rd.Status)
			return
		}
		next.ServeHTTP(w, r)
	})
}
