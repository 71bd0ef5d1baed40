package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/JonMunkholm/geoimport/internal/core"
)

// APIKeyAuth returns middleware that resolves the X-API-Key header to a user.
// keys maps each accepted key to the user it authenticates. A request with a
// valid key runs as that user; a request without one runs as
// core.AnonymousUser unless require is set, in which case it gets 401. An
// unknown key always gets 403.
func APIKeyAuth(keys map[string]string, require bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := r.Header.Get("X-API-Key")
			if apiKey == "" {
				if require {
					slog.Warn("auth: missing API key",
						"path", r.URL.Path,
						"method", r.Method,
						"remote_addr", r.RemoteAddr,
					)
					writeAuthError(w, http.StatusUnauthorized, "missing API key", "AUTH_MISSING_KEY")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			user, ok := lookupAPIKey(apiKey, keys)
			if !ok {
				slog.Warn("auth: invalid API key",
					"path", r.URL.Path,
					"method", r.Method,
					"remote_addr", r.RemoteAddr,
				)
				writeAuthError(w, http.StatusForbidden, "invalid API key", "AUTH_INVALID_KEY")
				return
			}

			recordUser(r.Context(), user)
			next.ServeHTTP(w, r.WithContext(core.ContextWithUser(r.Context(), user)))
		})
	}
}

// lookupAPIKey compares key against every configured key in constant time
// and returns the user of the match.
func lookupAPIKey(key string, keys map[string]string) (string, bool) {
	var user string
	valid := 0
	for k, u := range keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(k)) == 1 {
			user = u
			valid = 1
		}
	}
	return user, valid == 1
}

func writeAuthError(w http.ResponseWriter, status int, msg, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"success":false,"errors":["` + msg + `"],"code":"` + code + `"}`))
}
