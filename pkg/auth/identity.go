package auth

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"courier/pkg/logger"
)

// Identity resolution trusts the gateway in front of this service to
// authenticate users and forward the verified ID in the X-User-ID
// header. Websocket upgrades may carry it as a user_id query parameter
// instead, since browsers cannot set headers on the upgrade request.

type ctxKey struct{}

const (
	userHeader = "X-User-ID"
	userQuery  = "user_id"
	maxUserID  = 128
)

// WithUser stamps the resolved user ID onto the context.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserFromContext returns the resolved user ID, or "" when absent.
func UserFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok {
		return id
	}
	return ""
}

// UserFromRequest resolves the caller identity from the request without
// requiring the middleware to have run.
func UserFromRequest(r *http.Request) string {
	if id := UserFromContext(r.Context()); id != "" {
		return id
	}
	if id := strings.TrimSpace(r.Header.Get(userHeader)); id != "" {
		return id
	}
	return strings.TrimSpace(r.URL.Query().Get(userQuery))
}

func valid(id string) bool {
	return id != "" && len(id) <= maxUserID && !strings.ContainsAny(id, " \t\n")
}

// Middleware rejects requests without a usable identity and stamps the
// context for downstream handlers.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := UserFromRequest(r)
		if !valid(id) {
			logger.Log.Warn("request_identity_missing",
				zap.String("remote", r.RemoteAddr), zap.String("path", r.URL.Path))
			http.Error(w, "missing or invalid user identity", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), id)))
	})
}
