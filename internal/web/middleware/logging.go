// Package middleware provides HTTP middleware for the web server.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/JonMunkholm/geoimport/internal/core"
	"github.com/JonMunkholm/geoimport/internal/logging"
)

// Logger logs one line per API request once it has been served.
//
// Log fields:
//   - method, path, status
//   - duration_ms: time spent serving the request
//   - ip: client address resolved by TrustedRealIP
//   - user: the authenticated user, or anonymous
//   - bytes: response body size
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		// APIKeyAuth runs inside the route group and reports the user back
		// through the holder.
		holder := &userHolder{user: core.AnonymousUser}
		next.ServeHTTP(ww, r.WithContext(withUserHolder(r.Context(), holder)))

		level := slog.LevelInfo
		if ww.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		logging.FromContext(r.Context()).Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"ip", core.IPFromContext(r.Context()),
			"user", holder.user,
			"bytes", ww.bytes,
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (w *responseWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.status = status
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Unwrap exposes the underlying ResponseWriter to http.ResponseController.
func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

type userHolderKey struct{}

type userHolder struct{ user string }

func withUserHolder(ctx context.Context, h *userHolder) context.Context {
	return context.WithValue(ctx, userHolderKey{}, h)
}

// recordUser reports the authenticated user to an enclosing Logger.
func recordUser(ctx context.Context, user string) {
	if h, ok := ctx.Value(userHolderKey{}).(*userHolder); ok {
		h.user = user
	}
}
