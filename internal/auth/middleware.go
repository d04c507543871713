/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package auth

import (
	"net/http"
	"path"
	"strings"
)

// Middleware validates API keys (X-API-Key) or JWT Bearer tokens and injects
// claims into the request context. With neither keys nor a secret
// configured, every request passes with admin claims.
func Middleware(keys *KeySet, jwtSecret []byte) func(http.Handler) http.Handler {
	open := keys.Len() == 0 && len(jwtSecret) == 0
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if open {
				next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), &Claims{Roles: []string{RoleAdmin}})))
				return
			}

			if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
				claims, err := keys.Validate(apiKey)
				if err != nil {
					unauthorized(w)
					return
				}
				next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
				return
			}

			if len(jwtSecret) > 0 {
				if token := extractToken(r); token != "" {
					claims, err := Parse(jwtSecret, token)
					if err == nil && claims != nil {
						next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
						return
					}
				}
			}

			unauthorized(w)
		})
	}
}

// RequireRole rejects requests whose claims carry none of roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				unauthorized(w)
				return
			}
			if !claims.HasRole(roles...) {
				forbidden(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
}

func forbidden(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_, _ = w.Write([]byte(`{"error":"insufficient_role"}`))
}

func extractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}

	// Browser WebSocket clients cannot set arbitrary Authorization headers.
	// Allow query-token auth only for the events WebSocket upgrade endpoint.
	if isWebSocketUpgrade(r) && path.Clean(r.URL.Path) == "/api/v1/events" {
		if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
			return token
		}
	}
	return ""
}

func isWebSocketUpgrade(r *http.Request) bool {
	if r == nil {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket")
}
