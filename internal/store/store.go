// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ashureev/poten/internal/domain"
)

// Common errors returned by Repository implementations.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrTokenUsed     = errors.New("token already used")
	ErrTokenExpired  = errors.New("token expired")
)

// Repository defines the interface for persisting users, chat history and tokens.
type Repository interface {
	// GetUser retrieves a user by their user ID. Returns nil, nil when absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// LogLogin appends a login event.
	LogLogin(ctx context.Context, event domain.LoginEvent) error

	// ListLogins returns the most recent login events for an email, newest first.
	ListLogins(ctx context.Context, email string, limit int) ([]domain.LoginEvent, error)

	// AppendMessage persists a chat message.
	AppendMessage(ctx context.Context, msg *domain.ChatMessage) error

	// ListMessages returns the latest limit messages of a conversation in
	// chronological order. An empty sessionID selects messages sent outside
	// any named session.
	ListMessages(ctx context.Context, userID, sessionID string, limit int) ([]domain.ChatMessage, error)

	// DeleteMessages removes every message of a conversation.
	DeleteMessages(ctx context.Context, userID, sessionID string) (int64, error)

	// CreateSession inserts a new named session. Returns ErrAlreadyExists
	// when the ID is taken, whoever owns it.
	CreateSession(ctx context.Context, session *domain.ChatSession) error

	// GetSession loads a session with its artifacts. Returns ErrNotFound when
	// the session does not exist or belongs to another user.
	GetSession(ctx context.Context, userID, sessionID string) (*domain.ChatSession, error)

	// ListSessions returns the user's sessions, most recently updated first.
	ListSessions(ctx context.Context, userID string) ([]*domain.ChatSession, error)

	// RenameSession updates a session title.
	RenameSession(ctx context.Context, userID, sessionID, title string) error

	// TouchSession bumps updated_at.
	TouchSession(ctx context.Context, userID, sessionID string, at time.Time) error

	// DeleteSession removes a session, its messages and its artifacts.
	DeleteSession(ctx context.Context, userID, sessionID string) error

	// SaveArtifact stores (or replaces) a generated artifact on a session.
	SaveArtifact(ctx context.Context, userID, sessionID string, kind domain.ArtifactKind, data json.RawMessage) error

	// SaveToken persists a login or auth token.
	SaveToken(ctx context.Context, token *domain.LoginToken) error

	// GetToken retrieves a token. Returns ErrNotFound when absent.
	GetToken(ctx context.Context, token string) (*domain.LoginToken, error)

	// ConsumeToken atomically marks an unexpired, unconsumed token as used.
	// Returns ErrNotFound, ErrTokenUsed or ErrTokenExpired otherwise.
	ConsumeToken(ctx context.Context, token string, now time.Time) (*domain.LoginToken, error)

	// DeleteToken revokes a token.
	DeleteToken(ctx context.Context, token string) error

	// DeleteExpiredTokens removes tokens whose expiry is at or before now.
	DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error)

	// ReassignGuest moves a guest's sessions and messages to userID.
	// Returns the number of messages moved.
	ReassignGuest(ctx context.Context, guestID, userID string) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// consumeFailure explains why a token could not be consumed.
func consumeFailure(tok *domain.LoginToken, now time.Time) error {
	switch {
	case tok == nil:
		return ErrNotFound
	case tok.ConsumedAt != nil:
		return ErrTokenUsed
	case tok.Expired(now):
		return ErrTokenExpired
	}
	return ErrTokenUsed
}
