package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Auth gates requests behind a static operator key, accepted either as
// "Authorization: Bearer <key>" or in the X-API-Key header. Paths listed in
// skipPaths stay open so orchestration probes work without credentials. An
// empty key disables the gate entirely.
func Auth(apiKey string, skipPaths ...string) func(http.Handler) http.Handler {
	open := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		open[p] = true
	}
	want := []byte(apiKey)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(want) == 0 || open[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			got := requestKey(r)
			if got == "" {
				deny(w, "missing authentication token")
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				deny(w, "invalid authentication token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// requestKey pulls the key from the Authorization Bearer scheme first, then
// from X-API-Key.
func requestKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if scheme, rest, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(rest)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// deny writes a 401 with a JSON error body.
func deny(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("WWW-Authenticate", `Bearer realm="levbot"`)
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
