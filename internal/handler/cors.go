package handler

import (
	"net/http"
	"strings"
)

// CORS provides an allowlist-based CORS middleware. "*" echoes any origin;
// an entry ending in "*" (e.g. "chrome-extension://*") matches by prefix.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAny := false
	allow := map[string]struct{}{}
	var prefixes []string
	for _, origin := range allowedOrigins {
		origin = strings.TrimSpace(origin)
		switch {
		case origin == "":
			continue
		case origin == "*":
			allowAny = true
		case strings.HasSuffix(origin, "*"):
			prefixes = append(prefixes, strings.TrimSuffix(origin, "*"))
		default:
			allow[origin] = struct{}{}
		}
	}

	allowedHeaders := "Authorization, Content-Type, Accept-Language"
	allowedMethods := "GET, POST, OPTIONS"

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin != "" && (allowAny || isAllowedOrigin(allow, prefixes, origin)) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
				w.Header().Set("Access-Control-Allow-Methods", allowedMethods)
				w.Header().Set("Access-Control-Max-Age", "600")
			}

			if r.Method == http.MethodOptions && origin != "" && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func isAllowedOrigin(allow map[string]struct{}, prefixes []string, origin string) bool {
	if _, ok := allow[origin]; ok {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}
