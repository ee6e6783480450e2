package presence

import (
	"context"
	"testing"
	"time"

	"github.com/coldwire/gateway/internal/store"
)

func newTestService(t *testing.T) (*Service, store.Repository) {
	t.Helper()
	repo, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return New(repo), repo
}

func TestLeaseClampsTTL(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	before := time.Now()
	expiresAt, _, err := s.Lease(ctx, "dev1", "u1", 14*time.Second, false, nil)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if expiresAt.Sub(before) < minLeaseTTL {
		t.Fatalf("expected TTL clamped up to 15s, expires_at=%v", expiresAt)
	}

	expiresAt2, _, err := s.Lease(ctx, "dev1", "u1", 600*time.Second, false, nil)
	if err != nil {
		t.Fatalf("lease 2: %v", err)
	}
	if expiresAt2.Sub(time.Now()) > maxLeaseTTL+time.Second {
		t.Fatalf("expected TTL clamped down to 300s, expires_at=%v", expiresAt2)
	}
}

func TestMutualWatchGatesUpdates(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	if err := s.Watch(ctx, "u1", []string{"u2"}); err != nil {
		t.Fatalf("u1 watch u2: %v", err)
	}

	// u2 leases online; u1 watches u2 but u2 does not watch u1 back yet.
	_, updates, err := s.Lease(ctx, "dev2", "u2", 30*time.Second, false, nil)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if len(updates) != 0 {
		t.Fatalf("expected no updates without mutual watch, got %+v", updates)
	}

	if err := s.Watch(ctx, "u2", []string{"u1"}); err != nil {
		t.Fatalf("u2 watch u1: %v", err)
	}

	_, updates2, err := s.Lease(ctx, "dev2", "u2", 30*time.Second, false, nil)
	if err != nil {
		t.Fatalf("lease 2: %v", err)
	}
	if len(updates2) != 1 || updates2[0].WatcherUserID != "u1" {
		t.Fatalf("expected update for u1 once mutual, got %+v", updates2)
	}
	if updates2[0].LastSeenBucket != "now" {
		t.Fatalf("expected last_seen_bucket=now for a fresh lease, got %s", updates2[0].LastSeenBucket)
	}
}

func TestInvisibleModeSuppressesExceptAllowlist(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	if err := s.Watch(ctx, "u1", []string{"u2"}); err != nil {
		t.Fatalf("u1 watch u2: %v", err)
	}
	if err := s.Watch(ctx, "u2", []string{"u1"}); err != nil {
		t.Fatalf("u2 watch u1: %v", err)
	}

	_, updates, err := s.Lease(ctx, "dev2", "u2", 30*time.Second, true, nil)
	if err != nil {
		t.Fatalf("lease invisible: %v", err)
	}
	if len(updates) != 0 {
		t.Fatalf("expected invisible mode to suppress updates, got %+v", updates)
	}

	_, updates2, err := s.Lease(ctx, "dev2", "u2", 30*time.Second, true, []string{"u1"})
	if err != nil {
		t.Fatalf("lease invisible with allowlist: %v", err)
	}
	if len(updates2) != 1 {
		t.Fatalf("expected allowlisted watcher to still see update, got %+v", updates2)
	}
}

func TestUnwatchRemovesTarget(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	if err := s.Watch(ctx, "u1", []string{"u2", "u3"}); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := s.Unwatch(ctx, "u1", []string{"u2"}); err != nil {
		t.Fatalf("unwatch: %v", err)
	}

	wl, err := s.repo.GetWatchlist(ctx, "u1")
	if err != nil {
		t.Fatalf("get watchlist: %v", err)
	}
	if wl.Contains("u2") || !wl.Contains("u3") {
		t.Fatalf("expected only u3 remaining, got %+v", wl.Targets)
	}
}
