package auth

import (
	"errors"
	"time"
)

// Subject is the authenticated principal behind a request.
type Subject struct {
	ID    string
	Roles []string
}

// HasRole reports whether the subject carries the given role.
func (s *Subject) HasRole(role string) bool {
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ErrUnauthenticated is returned for missing, invalid or expired tokens.
var ErrUnauthenticated = errors.New("auth: token invalid or expired")

// cacheEntry holds a validated subject until expiry. Keyed by token
// fingerprint, never by the raw token.
type cacheEntry struct {
	subject   Subject
	expiresAt time.Time
}

// LoginResult is the auth proxy's response to a credential login.
type LoginResult struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}
