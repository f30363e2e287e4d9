package api

import (
	"net/http"
	"strings"
)

// localOrigins are the browser origins allowed to POST, with or without a
// port suffix.
var localOrigins = []string{"http://127.0.0.1", "http://localhost", "http://[::1]"}

// LocalOriginGuard rejects POST requests whose Origin header names anything
// but a loopback origin. Requests without an Origin header, such as those
// from curl or local scripts, pass.
func LocalOriginGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && !originAllowed(r.Header.Get("Origin")) {
			writeError(w, http.StatusForbidden, "Forbidden origin")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	for _, o := range localOrigins {
		if origin == o || strings.HasPrefix(origin, o+":") {
			return true
		}
	}
	return false
}
