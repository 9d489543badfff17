// Package middleware holds the HTTP cross-cutting wrappers: authentication
// and CORS.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/partshive/partshive/taskplane/auth"
	"github.com/partshive/partshive/taskplane/policy"
)

type contextKey string

const (
	UserContextKey   contextKey = "user"
	ActorContextKey  contextKey = "actor"
	ClaimsContextKey contextKey = "claims"
)

// roleCapabilities maps a role claim to its implied capability set. Explicit
// capabilities in the token are added on top.
func roleCapabilities(role string) []string {
	user := []string{"tasks:user", "parts:read", "parts:write",
		"pricing:read", "datasheet:download"}
	power := append([]string{"tasks:power_user", "csv:import", "pricing:update",
		"printer:discover", "notifications:send", "reports:generate"}, user...)
	admin := append([]string{policy.CapabilityAdmin, "tasks:admin",
		"database:cleanup", "backup:create", "backup:restore", "backup:retention",
		"inventory:audit", "system"}, power...)
	switch role {
	case "admin":
		return admin
	case "power_user":
		return power
	case "user":
		return user
	default:
		return nil
	}
}

// AuthMiddleware enforces a Bearer token and injects the resolved actor into
// the request context.
func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid Authorization format. Expected 'Bearer <token>'", http.StatusUnauthorized)
			return
		}

		claims, err := auth.ValidateToken(parts[1])
		if err != nil {
			http.Error(w, fmt.Sprintf("Unauthorized: %v", err), http.StatusUnauthorized)
			return
		}

		caps := roleCapabilities(claims.Role)
		for _, c := range claims.Capabilities {
			if !contains(caps, c) {
				caps = append(caps, c)
			}
		}
		actor := policy.Actor{UserID: claims.UserID, Capabilities: caps}

		ctx := context.WithValue(r.Context(), UserContextKey, claims.UserID)
		ctx = context.WithValue(ctx, ActorContextKey, actor)
		ctx = context.WithValue(ctx, ClaimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ActorFromContext retrieves the resolved actor.
func ActorFromContext(ctx context.Context) (policy.Actor, error) {
	val := ctx.Value(ActorContextKey)
	if val == nil {
		return policy.Actor{}, fmt.Errorf("actor not found in context")
	}
	actor, ok := val.(policy.Actor)
	if !ok {
		return policy.Actor{}, fmt.Errorf("actor in context has wrong type")
	}
	return actor, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
