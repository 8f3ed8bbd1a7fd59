// Package middleware provides HTTP middleware components for the API server.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// Actor roles recognized by the API. Tokens carry exactly one role.
const (
	// RoleService identifies the application backend that records audit events.
	RoleService = "service"
	// RoleAuditor identifies read-only compliance reviewers.
	RoleAuditor = "auditor"
	// RoleAdmin identifies operators with full access.
	RoleAdmin = "admin"
)

// actorRoleKey is the context key for the authenticated actor's role.
type actorRoleKey struct{}

// SetActorRole stores the actor's role in the context.
func SetActorRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, actorRoleKey{}, role)
}

// GetActorRole retrieves the actor's role from the context.
// Returns empty string if not authenticated.
func GetActorRole(ctx context.Context) string {
	if role, ok := ctx.Value(actorRoleKey{}).(string); ok {
		return role
	}
	return ""
}

// TokenValidatorFunc validates a bearer token and returns the actor identity
// it carries. Implementations must reject expired and malformed tokens.
type TokenValidatorFunc func(token string) (actorID, role string, err error)

// BearerAuth returns middleware that authenticates requests with a bearer token.
//
// The token is read from the Authorization header ("Bearer <token>"). For
// WebSocket upgrade requests, where browsers cannot set custom headers, a
// "token" query parameter is accepted as a fallback.
//
// On success the actor ID and role are stored in the request context for
// downstream handlers and the logging middleware. On failure the request is
// rejected with 401 and a structured error body.
func BearerAuth(validate TokenValidatorFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				writeAuthError(w, r, http.StatusUnauthorized, "auth_failed", "missing bearer token")
				return
			}

			actorID, role, err := validate(token)
			if err != nil {
				logger.LogAttrs(r.Context(), slog.LevelWarn, "token validation failed",
					slog.String("error", err.Error()),
					slog.String("path", r.URL.Path),
				)
				writeAuthError(w, r, http.StatusUnauthorized, "auth_failed", "invalid or expired token")
				return
			}

			ctx := SetActorID(r.Context(), actorID)
			ctx = SetActorRole(ctx, role)
			// Propagate the identity to the logging middleware's response writer.
			UpdateResponseContext(w, ctx)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole returns middleware that rejects requests whose authenticated
// actor does not hold one of the given roles. It must run after BearerAuth.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(roles))
	for _, role := range roles {
		allowed[role] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := GetActorRole(r.Context())
			if role == "" {
				writeAuthError(w, r, http.StatusUnauthorized, "auth_failed", "authentication required")
				return
			}
			if !allowed[role] {
				writeAuthError(w, r, http.StatusForbidden, "forbidden", "insufficient role for this operation")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractBearerToken pulls the token from the Authorization header, falling
// back to the "token" query parameter for WebSocket clients.
func extractBearerToken(r *http.Request) string {
	if authz := r.Header.Get("Authorization"); authz != "" {
		const prefix = "Bearer "
		if len(authz) > len(prefix) && strings.EqualFold(authz[:len(prefix)], prefix) {
			return strings.TrimSpace(authz[len(prefix):])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// writeAuthError writes a structured error response and records the error
// code for the logging middleware.
func writeAuthError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	ctx := SetErrorCode(r.Context(), code)
	UpdateResponseContext(w, ctx)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"code":%q,"message":%q}}`, code, message)
}
