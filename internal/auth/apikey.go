/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// APIKeyPrefix marks keys generated by GenerateAPIKey.
const APIKeyPrefix = "grl_"

// ErrAPIKeyNotFound is returned when an API key matches no configured key.
var ErrAPIKeyNotFound = errors.New("api key not found")

// KeySet holds the configured API keys. Entries starting with "$2" are
// bcrypt hashes; anything else is a plaintext key.
type KeySet struct {
	plain  [][32]byte
	hashed [][]byte
}

// NewKeySet builds a key set from configuration entries.
func NewKeySet(keys []string) *KeySet {
	ks := &KeySet{}
	for _, k := range keys {
		k = strings.TrimSpace(k)
		switch {
		case k == "":
		case strings.HasPrefix(k, "$2"):
			ks.hashed = append(ks.hashed, []byte(k))
		default:
			ks.plain = append(ks.plain, sha256.Sum256([]byte(k)))
		}
	}
	return ks
}

// Len returns the number of configured keys.
func (ks *KeySet) Len() int {
	if ks == nil {
		return 0
	}
	return len(ks.plain) + len(ks.hashed)
}

// Validate returns operator claims for a known key.
func (ks *KeySet) Validate(key string) (*Claims, error) {
	if ks.Len() == 0 || key == "" {
		return nil, ErrAPIKeyNotFound
	}

	sum := sha256.Sum256([]byte(key))
	for _, p := range ks.plain {
		if subtle.ConstantTimeCompare(sum[:], p[:]) == 1 {
			return apiKeyClaims(), nil
		}
	}
	for _, h := range ks.hashed {
		if bcrypt.CompareHashAndPassword(h, []byte(key)) == nil {
			return apiKeyClaims(), nil
		}
	}
	return nil, ErrAPIKeyNotFound
}

func apiKeyClaims() *Claims {
	c := &Claims{Roles: []string{RoleOperator}}
	c.Subject = "api-key"
	return c
}

// GenerateAPIKey returns a new random key and its bcrypt hash for
// configuration.
func GenerateAPIKey() (key, hash string, err error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	key = APIKeyPrefix + hex.EncodeToString(buf)

	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", "", err
	}
	return key, string(h), nil
}
