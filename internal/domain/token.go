package domain

import "time"

// TokenKind distinguishes the one-shot login bridge from the browser auth session.
type TokenKind string

const (
	// TokenLogin is minted by the OAuth callback and redeemed once by the main tab.
	TokenLogin TokenKind = "login"
	// TokenAuth backs the authenticated cookie.
	TokenAuth TokenKind = "auth"
)

// LoginToken is an opaque short-lived credential tied to a user.
type LoginToken struct {
	Token      string     `json:"token" bson:"_id"`
	Kind       TokenKind  `json:"kind" bson:"kind"`
	UserID     string     `json:"user_id" bson:"user_id"`
	Email      string     `json:"email" bson:"email"`
	Name       string     `json:"name" bson:"name"`
	ExpiresAt  time.Time  `json:"expires_at" bson:"expires_at"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty" bson:"consumed_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at" bson:"created_at"`
}

// Expired reports whether the token is past its expiry at now.
func (t *LoginToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Usable reports whether the token is unexpired and, for login tokens, unconsumed.
func (t *LoginToken) Usable(now time.Time) bool {
	if t.Expired(now) {
		return false
	}
	return t.Kind != TokenLogin || t.ConsumedAt == nil
}
