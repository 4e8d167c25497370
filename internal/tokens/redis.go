package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/poten/internal/domain"
	"github.com/redis/go-redis/v9"
)

const tokenKeyPrefix = "poten:token:"

// redisStore keeps tokens as JSON values whose key TTL matches the token expiry.
type redisStore struct {
	client *redis.Client
}

func (s *redisStore) key(token string) string {
	return tokenKeyPrefix + token
}

func (s *redisStore) Save(ctx context.Context, tok *domain.LoginToken) error {
	if tok.CreatedAt.IsZero() {
		tok.CreatedAt = time.Now()
	}
	ttl := time.Until(tok.ExpiresAt)
	if ttl <= 0 {
		return ErrExpired
	}
	val, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	if err := s.client.Set(ctx, s.key(tok.Token), val, ttl).Err(); err != nil {
		return fmt.Errorf("redis set token: %w", err)
	}
	return nil
}

func (s *redisStore) get(ctx context.Context, getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}, token string) (*domain.LoginToken, error) {
	val, err := getter.Get(ctx, s.key(token)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get token: %w", err)
	}
	var tok domain.LoginToken
	if err := json.Unmarshal([]byte(val), &tok); err != nil {
		return nil, fmt.Errorf("unmarshal token: %w", err)
	}
	return &tok, nil
}

// Consume uses WATCH/MULTI/EXEC so that concurrent redeemers see exactly one winner.
func (s *redisStore) Consume(ctx context.Context, token string, now time.Time) (*domain.LoginToken, error) {
	key := s.key(token)
	var consumed *domain.LoginToken

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		tok, err := s.get(ctx, tx, token)
		if err != nil {
			return err
		}
		if tok.ConsumedAt != nil {
			return ErrUsed
		}
		if tok.Expired(now) {
			return ErrExpired
		}

		at := now
		tok.ConsumedAt = &at
		val, err := json.Marshal(tok)
		if err != nil {
			return fmt.Errorf("marshal token: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, val, redis.KeepTTL)
			return nil
		})
		if err != nil {
			return err
		}
		consumed = tok
		return nil
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return nil, ErrUsed
	}
	if err != nil {
		return nil, err
	}
	return consumed, nil
}

func (s *redisStore) Lookup(ctx context.Context, token string, now time.Time) (*domain.LoginToken, error) {
	tok, err := s.get(ctx, s.client, token)
	if err != nil {
		return nil, err
	}
	return checkUsable(tok, now)
}

func (s *redisStore) Revoke(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, s.key(token)).Err(); err != nil {
		return fmt.Errorf("redis del token: %w", err)
	}
	return nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
