package cleanup

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/poten/internal/domain"
	"github.com/ashureev/poten/internal/store"
)

type flakyPurger struct {
	failures int32
	calls    atomic.Int32
	err      error
}

func (p *flakyPurger) DeleteExpiredTokens(context.Context, time.Time) (int64, error) {
	n := p.calls.Add(1)
	if n <= p.failures {
		return 0, p.err
	}
	return 3, nil
}

func TestSweepRetriesBusyDatabase(t *testing.T) {
	p := &flakyPurger{failures: 2, err: errors.New("database is locked (5) (SQLITE_BUSY)")}

	if got := Sweep(context.Background(), p, time.Now()); got != 3 {
		t.Fatalf("expected 3 deleted, got %d", got)
	}
	if calls := p.calls.Load(); calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestSweepGivesUpOnOtherErrors(t *testing.T) {
	p := &flakyPurger{failures: 10, err: errors.New("disk I/O error")}

	if got := Sweep(context.Background(), p, time.Now()); got != 0 {
		t.Fatalf("expected 0 deleted, got %d", got)
	}
	if calls := p.calls.Load(); calls != 1 {
		t.Fatalf("expected a single attempt for non-busy errors, got %d", calls)
	}
}

func TestSweepDeletesExpiredTokens(t *testing.T) {
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "sweep.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	defer func() { _ = repo.Close() }()

	ctx := context.Background()
	now := time.Now()
	for _, tok := range []*domain.LoginToken{
		{Token: "old", Kind: domain.TokenLogin, UserID: "u@example.com", ExpiresAt: now.Add(-time.Minute), CreatedAt: now.Add(-time.Hour)},
		{Token: "fresh", Kind: domain.TokenAuth, UserID: "u@example.com", ExpiresAt: now.Add(time.Hour), CreatedAt: now},
	} {
		if err := repo.SaveToken(ctx, tok); err != nil {
			t.Fatalf("SaveToken failed: %v", err)
		}
	}

	if got := Sweep(ctx, repo, now); got != 1 {
		t.Fatalf("expected 1 deleted, got %d", got)
	}
	if _, err := repo.GetToken(ctx, "fresh"); err != nil {
		t.Fatalf("fresh token should survive: %v", err)
	}
	if _, err := repo.GetToken(ctx, "old"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected old token gone, got %v", err)
	}
}

func TestStartSweeperStopsOnCancel(t *testing.T) {
	p := &flakyPurger{}
	ctx, cancel := context.WithCancel(context.Background())

	StartSweeper(ctx, p, 10*time.Millisecond)
	deadline := time.Now().Add(2 * time.Second)
	for p.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if p.calls.Load() == 0 {
		t.Fatal("expected at least one sweep")
	}
}
