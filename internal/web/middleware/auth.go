package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/JonMunkholm/ledgerport/internal/config"
)

// APIKeyAuth guards a route group with the X-API-Key header. With
// RequireAPIKey off every request passes; with it on and no keys configured
// every request is rejected.
func APIKeyAuth(cfg config.ServerConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.RequireAPIKey {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get("X-API-Key")
			switch {
			case key == "":
				deny(w, r, http.StatusUnauthorized, "missing API key", "AUTH_MISSING_KEY")
			case !validKey(key, cfg.APIKeys):
				deny(w, r, http.StatusForbidden, "invalid API key", "AUTH_INVALID_KEY")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func deny(w http.ResponseWriter, r *http.Request, status int, msg, code string) {
	slog.Warn("auth: "+msg, "path", r.URL.Path, "method", r.Method, "remote_addr", r.RemoteAddr)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `","code":"` + code + `"}`))
}

// validKey compares against every configured key in constant time.
func validKey(key string, keys []string) bool {
	match := 0
	for _, k := range keys {
		match |= subtle.ConstantTimeCompare([]byte(key), []byte(k))
	}
	return match == 1
}
