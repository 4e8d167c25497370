package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/poten/internal/domain"
	"github.com/ashureev/poten/internal/tokens"
)

// ErrWrongTokenKind is returned when an auth token is presented as a login token.
var ErrWrongTokenKind = errors.New("wrong token kind")

// Bridge mints and redeems the opaque tokens that carry a sign-in from the
// OAuth callback to the main tab.
type Bridge struct {
	store    tokens.Store
	loginTTL time.Duration
	authTTL  time.Duration
	now      func() time.Time
}

// NewBridge creates a Bridge.
func NewBridge(store tokens.Store, loginTTL, authTTL time.Duration) *Bridge {
	return &Bridge{store: store, loginTTL: loginTTL, authTTL: authTTL, now: time.Now}
}

// AuthTTL is the lifetime of auth tokens minted by Redeem.
func (b *Bridge) AuthTTL() time.Duration { return b.authTTL }

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (b *Bridge) mint(ctx context.Context, kind domain.TokenKind, user *domain.User, ttl time.Duration) (string, error) {
	value, err := newToken()
	if err != nil {
		return "", err
	}
	now := b.now()
	tok := &domain.LoginToken{
		Token:     value,
		Kind:      kind,
		UserID:    user.UserID,
		Email:     user.Email,
		Name:      user.Name,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if err := b.store.Save(ctx, tok); err != nil {
		return "", fmt.Errorf("save %s token: %w", kind, err)
	}
	return value, nil
}

// MintLogin issues a single-use login token for user.
func (b *Bridge) MintLogin(ctx context.Context, user *domain.User) (string, error) {
	return b.mint(ctx, domain.TokenLogin, user, b.loginTTL)
}

// Redeem consumes a login token exactly once and returns a fresh auth token
// for the same user.
func (b *Bridge) Redeem(ctx context.Context, loginToken string) (string, *domain.LoginToken, error) {
	tok, err := b.store.Consume(ctx, loginToken, b.now())
	if err != nil {
		return "", nil, err
	}
	if tok.Kind != domain.TokenLogin {
		return "", nil, ErrWrongTokenKind
	}

	user := &domain.User{UserID: tok.UserID, Email: tok.Email, Name: tok.Name}
	auth, err := b.mint(ctx, domain.TokenAuth, user, b.authTTL)
	if err != nil {
		return "", nil, err
	}
	return auth, tok, nil
}

// Revoke deletes an auth token.
func (b *Bridge) Revoke(ctx context.Context, authToken string) error {
	return b.store.Revoke(ctx, authToken)
}
