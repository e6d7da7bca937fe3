// Package auth guards the local HTTP endpoints with a static API key.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

type contextKey int

const ctxRemoteIP contextKey = iota

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// Middleware returns HTTP middleware that accepts only requests carrying
// "Authorization: Bearer <apiKey>". Anything else gets a 401 with a
// WWW-Authenticate challenge.
func Middleware(apiKey string, logger *slog.Logger) func(http.Handler) http.Handler {
	// Both sides are hashed before comparison so ConstantTimeCompare
	// never short-circuits on a length mismatch.
	want := sha256.Sum256([]byte(apiKey))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", `Bearer realm="agri-chat"`)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			got := sha256.Sum256([]byte(strings.TrimPrefix(authHeader, "Bearer ")))
			if apiKey == "" || subtle.ConstantTimeCompare(want[:], got[:]) != 1 {
				logger.Warn("middleware: invalid API key",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", `Bearer realm="agri-chat", error="invalid_token"`)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			ctx := context.WithValue(r.Context(), ctxRemoteIP, ip)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
