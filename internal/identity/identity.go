// Package identity resolves who is calling: an authenticated account from the
// auth cookie, or an anonymous per-device guest.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/poten/internal/domain"
	"github.com/ashureev/poten/internal/store"
	"github.com/ashureev/poten/internal/tokens"
)

const (
	AnonCookieName    = "poten_anon_id"
	AuthCookieName    = "poten_auth"
	SessionHeaderName = "X-Poten-Session-ID"
	anonCookieMaxAge  = 30 * 24 * time.Hour
)

type contextKey int

const (
	userKey contextKey = iota
	anonIDKey
	sessionIDKey
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// UserFromContext returns the caller. It is never nil inside Middleware.
func UserFromContext(ctx context.Context) *domain.User {
	if v, ok := ctx.Value(userKey).(*domain.User); ok {
		return v
	}
	return nil
}

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if u := UserFromContext(ctx); u != nil {
		return u.UserID
	}
	return ""
}

// IsGuest reports whether the caller is anonymous.
func IsGuest(ctx context.Context) bool {
	u := UserFromContext(ctx)
	return u == nil || u.IsGuest()
}

// AnonIDFromContext returns the device's anonymous ID, set even for
// authenticated callers.
func AnonIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(anonIDKey).(string); ok {
		return v
	}
	return ""
}

// SessionIDFromContext extracts the chat session ID. Empty means the
// conversation outside any named session.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return ""
}

// WithUser returns a context carrying user. Used by tests and background jobs.
func WithUser(ctx context.Context, user *domain.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// WithAnonID returns a context carrying the device ID.
func WithAnonID(ctx context.Context, anonID string) context.Context {
	return context.WithValue(ctx, anonIDKey, anonID)
}

// WithSessionID returns a context carrying a sanitized session ID.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, SanitizeSessionID(sessionID))
}

func generateAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return domain.GuestPrefix + hex.EncodeToString(buf), nil
}

func isValidAnonID(id string) bool {
	return domain.IsGuestID(id)
}

// SanitizeSessionID returns id when it is a well-formed session ID, else "".
func SanitizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !sessionIDPattern.MatchString(id) {
		return ""
	}
	return id
}

// Guest builds the in-memory user for an anonymous device.
func Guest(anonID string) *domain.User {
	return &domain.User{
		UserID: anonID,
		Name:   domain.GuestName(anonID),
	}
}

func setCookie(w http.ResponseWriter, name, value string, maxAge time.Duration, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		Expires:  time.Now().Add(maxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

// SetAuthCookie stores the auth token on the browser.
func SetAuthCookie(w http.ResponseWriter, token string, ttl time.Duration, isDev bool) {
	setCookie(w, AuthCookieName, token, ttl, isDev)
}

// ClearAuthCookie removes the auth cookie.
func ClearAuthCookie(w http.ResponseWriter, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AuthCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreateAnonID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(AnonCookieName); err == nil && isValidAnonID(c.Value) {
		setCookie(w, AnonCookieName, c.Value, anonCookieMaxAge, isDev)
		return c.Value, nil
	}

	id, err := generateAnonID()
	if err != nil {
		return "", err
	}
	setCookie(w, AnonCookieName, id, anonCookieMaxAge, isDev)
	return id, nil
}

func sessionIDFromRequest(r *http.Request) string {
	sid := r.Header.Get(SessionHeaderName)
	if sid == "" {
		sid = r.URL.Query().Get("session_id")
	}
	return SanitizeSessionID(sid)
}

// resolveAuth returns the account behind the auth cookie, or nil when the
// request carries no usable auth token.
func resolveAuth(ctx context.Context, r *http.Request, repo store.Repository, ts tokens.Store) (*domain.User, bool) {
	c, err := r.Cookie(AuthCookieName)
	if err != nil || c.Value == "" {
		return nil, false
	}

	tok, err := ts.Lookup(ctx, c.Value, time.Now())
	if err != nil {
		if !errors.Is(err, tokens.ErrNotFound) && !errors.Is(err, tokens.ErrExpired) {
			slog.Warn("auth token lookup failed", "error", err)
		}
		return nil, true
	}
	if tok.Kind != domain.TokenAuth {
		return nil, true
	}

	user, err := repo.GetUser(ctx, tok.UserID)
	if err != nil {
		slog.Warn("auth user lookup failed", "user_id", tok.UserID, "error", err)
		return nil, false
	}
	if user == nil {
		return nil, true
	}
	return user, false
}

// Middleware injects the caller identity and per-request session ID.
func Middleware(repo store.Repository, ts tokens.Store, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			anonID, err := getOrCreateAnonID(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish anonymous identity"}`, http.StatusInternalServerError)
				return
			}

			user, stale := resolveAuth(r.Context(), r, repo, ts)
			if stale {
				ClearAuthCookie(w, isDev)
			}
			if user == nil {
				user = Guest(anonID)
			}

			ctx := WithUser(r.Context(), user)
			ctx = WithAnonID(ctx, anonID)
			ctx = context.WithValue(ctx, sessionIDKey, sessionIDFromRequest(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns the client IP without its port, for request logs.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
