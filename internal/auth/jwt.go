/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package auth guards the relay control API with HS256 bearer tokens and
// static API keys.
package auth

import (
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles understood by the control API.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// Claims extends standard registered claims with roles and a channel scope.
// An empty Channels list grants every channel.
type Claims struct {
	Roles    []string `json:"roles"`
	Channels []string `json:"channels,omitempty"`
	jwt.RegisteredClaims
}

// HasRole reports whether the claims carry any of roles. Admin implies all.
func (c *Claims) HasRole(roles ...string) bool {
	if slices.Contains(c.Roles, RoleAdmin) {
		return true
	}
	for _, r := range roles {
		if slices.Contains(c.Roles, r) {
			return true
		}
	}
	return false
}

// AllowsChannel reports whether the claims cover channel.
func (c *Claims) AllowsChannel(channel string) bool {
	return len(c.Channels) == 0 || slices.Contains(c.Channels, channel)
}

// Issue creates a signed token for subject.
func Issue(secret []byte, subject string, claims Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		Subject:   subject,
		Issuer:    "grimnir-relay",
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// Parse validates a token string. Only HS256 is accepted.
func Parse(secret []byte, token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}
