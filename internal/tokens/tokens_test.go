package tokens

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ashureev/poten/internal/domain"
	"github.com/ashureev/poten/internal/store"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStoreValidation(t *testing.T) {
	_, err := NewStore(DriverStore)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewStore(DriverRedis)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewStore("memcached")
	assert.ErrorIs(t, err, ErrInvalidDriver)
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	login := &domain.LoginToken{
		Token: uuid.NewString(), Kind: domain.TokenLogin,
		UserID: "a@example.com", Email: "a@example.com", Name: "A",
		ExpiresAt: now.Add(time.Minute),
	}
	require.NoError(t, s.Save(ctx, login))

	got, err := s.Lookup(ctx, login.Token, now)
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", got.Email)

	consumed, err := s.Consume(ctx, login.Token, now)
	require.NoError(t, err)
	assert.NotNil(t, consumed.ConsumedAt)

	_, err = s.Consume(ctx, login.Token, now)
	assert.ErrorIs(t, err, ErrUsed)

	_, err = s.Lookup(ctx, login.Token, now)
	assert.ErrorIs(t, err, ErrUsed)

	auth := &domain.LoginToken{
		Token: uuid.NewString(), Kind: domain.TokenAuth,
		UserID: "a@example.com", ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, s.Save(ctx, auth))
	_, err = s.Lookup(ctx, auth.Token, now.Add(2*time.Hour))
	assert.Error(t, err)

	require.NoError(t, s.Revoke(ctx, auth.Token))
	_, err = s.Lookup(ctx, auth.Token, now)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRepositoryDriver(t *testing.T) {
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "tokens.db"))
	require.NoError(t, err)
	defer func() { _ = repo.Close() }()

	s, err := NewStore(DriverStore, WithRepository(repo))
	require.NoError(t, err)
	exerciseStore(t, s)
}

// newRedisClient connects to REDIS_ADDR when set, otherwise to an
// in-process miniredis.
func newRedisClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		require.NoError(t, client.Ping(context.Background()).Err())
		return client, nil
	}
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()}), mr
}

func TestRedisDriver(t *testing.T) {
	client, _ := newRedisClient(t)
	s, err := NewStore(DriverRedis, WithRedisClient(client))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	exerciseStore(t, s)
}

func TestRedisConsumeKeepsTTL(t *testing.T) {
	client, mr := newRedisClient(t)
	if mr == nil {
		t.Skip("TTL inspection needs miniredis")
	}
	s, err := NewStore(DriverRedis, WithRedisClient(client))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	now := time.Now()
	tok := &domain.LoginToken{Token: uuid.NewString(), Kind: domain.TokenLogin, ExpiresAt: now.Add(10 * time.Minute)}
	require.NoError(t, s.Save(ctx, tok))

	_, err = s.Consume(ctx, tok.Token, now)
	require.NoError(t, err)
	ttl := mr.TTL(tokenKeyPrefix + tok.Token)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, 10*time.Minute)

	mr.FastForward(11 * time.Minute)
	_, err = s.Lookup(ctx, tok.Token, now)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisConsumeConcurrentSingleWinner(t *testing.T) {
	client, _ := newRedisClient(t)
	s, err := NewStore(DriverRedis, WithRedisClient(client))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	now := time.Now()
	tok := &domain.LoginToken{Token: uuid.NewString(), Kind: domain.TokenLogin, ExpiresAt: now.Add(time.Minute)}
	require.NoError(t, s.Save(ctx, tok))

	const redeemers = 8
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for range redeemers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Consume(ctx, tok.Token, now)
			switch {
			case err == nil:
				wins.Add(1)
			case !errors.Is(err, ErrUsed):
				t.Errorf("unexpected consume error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}
