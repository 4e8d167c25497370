// Package tokens stores the opaque credentials that bridge the OAuth popup to
// the main tab and back the authenticated cookie.
package tokens

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/poten/internal/domain"
	"github.com/ashureev/poten/internal/store"
	"github.com/redis/go-redis/v9"
)

// Driver selects the backing store.
type Driver string

const (
	DriverStore Driver = "store"
	DriverRedis Driver = "redis"
)

// Errors shared with the repository so callers match on a single set.
var (
	ErrNotFound      = store.ErrNotFound
	ErrUsed          = store.ErrTokenUsed
	ErrExpired       = store.ErrTokenExpired
	ErrInvalidConfig = errors.New("invalid token store configuration")
	ErrInvalidDriver = errors.New("invalid token store driver")
)

// Store defines token persistence.
type Store interface {
	// Save persists a new token.
	Save(ctx context.Context, tok *domain.LoginToken) error

	// Consume marks a token used exactly once.
	Consume(ctx context.Context, token string, now time.Time) (*domain.LoginToken, error)

	// Lookup returns a token that is still usable at now.
	Lookup(ctx context.Context, token string, now time.Time) (*domain.LoginToken, error)

	// Revoke deletes a token.
	Revoke(ctx context.Context, token string) error

	// Close releases resources owned by the store.
	Close() error
}

// Option configures NewStore.
type Option func(*options)

type options struct {
	repo        store.Repository
	redisClient *redis.Client
}

// WithRepository backs the store driver with the document repository.
func WithRepository(repo store.Repository) Option {
	return func(o *options) {
		o.repo = repo
	}
}

// WithRedisClient sets the client for the redis driver.
func WithRedisClient(client *redis.Client) Option {
	return func(o *options) {
		o.redisClient = client
	}
}

// NewStore creates a token Store for the given driver.
func NewStore(driver Driver, opts ...Option) (Store, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	switch driver {
	case DriverStore:
		if o.repo == nil {
			return nil, ErrInvalidConfig
		}
		return &repoStore{repo: o.repo}, nil
	case DriverRedis:
		if o.redisClient == nil {
			return nil, ErrInvalidConfig
		}
		return &redisStore{client: o.redisClient}, nil
	default:
		return nil, ErrInvalidDriver
	}
}

// repoStore keeps tokens in the repository's login_tokens collection.
type repoStore struct {
	repo store.Repository
}

func (s *repoStore) Save(ctx context.Context, tok *domain.LoginToken) error {
	return s.repo.SaveToken(ctx, tok)
}

func (s *repoStore) Consume(ctx context.Context, token string, now time.Time) (*domain.LoginToken, error) {
	return s.repo.ConsumeToken(ctx, token, now)
}

func (s *repoStore) Lookup(ctx context.Context, token string, now time.Time) (*domain.LoginToken, error) {
	tok, err := s.repo.GetToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return checkUsable(tok, now)
}

func (s *repoStore) Revoke(ctx context.Context, token string) error {
	return s.repo.DeleteToken(ctx, token)
}

// Close is a no-op; the repository is owned by the caller.
func (s *repoStore) Close() error { return nil }

func checkUsable(tok *domain.LoginToken, now time.Time) (*domain.LoginToken, error) {
	if tok.Expired(now) {
		return nil, ErrExpired
	}
	if !tok.Usable(now) {
		return nil, ErrUsed
	}
	return tok, nil
}
