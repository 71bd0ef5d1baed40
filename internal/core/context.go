package core

import "context"

type contextKey string

const (
	ctxKeyUser      contextKey = "user"
	ctxKeyIPAddress contextKey = "client_ip"
)

// AnonymousUser owns executions created without credentials.
const AnonymousUser = "anonymous"

// ContextWithUser adds the acting user to the context.
func ContextWithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, ctxKeyUser, user)
}

// UserFromContext returns the acting user, or AnonymousUser.
func UserFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyUser).(string); ok && v != "" {
		return v
	}
	return AnonymousUser
}

// ContextWithIPAddress adds the client IP address to the context.
func ContextWithIPAddress(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxKeyIPAddress, ip)
}

// IPFromContext returns the client IP address, or "" outside a request.
func IPFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyIPAddress).(string); ok {
		return v
	}
	return ""
}
