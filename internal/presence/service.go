// Package presence implements the presence service: TTL-bounded leases,
// mutual-watch gating, and bucketed last-seen emission.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/coldwire/gateway/internal/domain"
	"github.com/coldwire/gateway/internal/store"
)

const (
	minLeaseTTL     = 15 * time.Second
	maxLeaseTTL     = 300 * time.Second
	maxWatchTargets = 500
)

// Update is one presence.update fan-out event.
type Update struct {
	WatcherUserID   string
	TargetUserID    string
	Status          string
	ExpiresAt       time.Time
	LastSeenBucket  string
}

// Service implements lease/watch/unwatch and computes which watchers
// should see a given state change.
type Service struct {
	repo store.Repository
}

// New builds a presence service backed by repo.
func New(repo store.Repository) *Service {
	return &Service{repo: repo}
}

func clampTTL(ttl time.Duration) time.Duration {
	if ttl < minLeaseTTL {
		return minLeaseTTL
	}
	if ttl > maxLeaseTTL {
		return maxLeaseTTL
	}
	return ttl
}

// Lease creates or renews deviceID's presence lease, clamping ttl to
// [15s, 300s]. It returns the watchers that should be notified of the
// resulting state change.
func (s *Service) Lease(ctx context.Context, deviceID, userID string, ttl time.Duration, invisible bool, allowlist []string) (expiresAt time.Time, updates []Update, err error) {
	ttl = clampTTL(ttl)
	now := time.Now()
	expiresAt = now.Add(ttl)

	lease := &domain.PresenceLease{
		DeviceID:   deviceID,
		UserID:     userID,
		Status:     "online",
		ExpiresAt:  expiresAt,
		Invisible:  invisible,
		Allowlist:  allowlist,
		LastChange: now,
	}
	if err := s.repo.UpsertLease(ctx, lease); err != nil {
		return time.Time{}, nil, fmt.Errorf("lease: %w", err)
	}

	updates, err = s.fanOutFor(ctx, lease)
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("lease: %w", err)
	}
	return expiresAt, updates, nil
}

// Renew extends an existing lease without changing its visibility
// settings.
func (s *Service) Renew(ctx context.Context, deviceID string, ttl time.Duration) (expiresAt time.Time, updates []Update, err error) {
	existing, err := s.repo.GetLease(ctx, deviceID)
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("renew: %w", err)
	}
	return s.Lease(ctx, deviceID, existing.UserID, ttl, existing.Invisible, existing.Allowlist)
}

// Watch sets watcherUserID's bounded watch list, enforcing the per-watcher
// cap.
func (s *Service) Watch(ctx context.Context, watcherUserID string, targets []string) error {
	if err := s.repo.SetWatchlist(ctx, watcherUserID, targets, maxWatchTargets); err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	return nil
}

// Unwatch removes targets from watcherUserID's watch list.
func (s *Service) Unwatch(ctx context.Context, watcherUserID string, targets []string) error {
	current, err := s.repo.GetWatchlist(ctx, watcherUserID)
	if err != nil {
		return fmt.Errorf("unwatch: %w", err)
	}
	remove := make(map[string]bool, len(targets))
	for _, t := range targets {
		remove[t] = true
	}
	remaining := current.Targets[:0:0]
	for _, t := range current.Targets {
		if !remove[t] {
			remaining = append(remaining, t)
		}
	}
	if err := s.repo.SetWatchlist(ctx, watcherUserID, remaining, maxWatchTargets); err != nil {
		return fmt.Errorf("unwatch: %w", err)
	}
	return nil
}

// fanOutFor computes the presence.update events to deliver after a lease
// transition: only watchers in a mutual-watch relationship with the
// target, and subject to the target's invisible-mode allowlist.
func (s *Service) fanOutFor(ctx context.Context, lease *domain.PresenceLease) ([]Update, error) {
	watchers, err := s.repo.ListWatchersOf(ctx, lease.UserID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var updates []Update
	for _, watcherUserID := range watchers {
		visible, err := s.VisibleTo(ctx, lease, watcherUserID)
		if err != nil {
			return nil, err
		}
		if visible {
			updates = append(updates, BuildUpdate(lease, watcherUserID, now))
		}
	}
	return updates, nil
}

// VisibleTo reports whether lease's owner should be visible to
// watcherUserID: both sides must watch each other, and if the owner is
// invisible, watcherUserID must be on the explicit allowlist.
func (s *Service) VisibleTo(ctx context.Context, lease *domain.PresenceLease, watcherUserID string) (bool, error) {
	mutual, err := s.repo.IsMutualWatch(ctx, watcherUserID, lease.UserID)
	if err != nil {
		return false, fmt.Errorf("visible to: %w", err)
	}
	if !mutual {
		return false, nil
	}
	if !lease.Invisible {
		return true, nil
	}
	for _, allowed := range lease.Allowlist {
		if allowed == watcherUserID {
			return true, nil
		}
	}
	return false, nil
}

// BuildUpdate renders the presence.update payload for watcherUserID
// observing lease, bucketing LastChange into coarse granularity rather
// than exposing an exact timestamp.
func BuildUpdate(lease *domain.PresenceLease, watcherUserID string, now time.Time) Update {
	return Update{
		WatcherUserID:  watcherUserID,
		TargetUserID:   lease.UserID,
		Status:         lease.Status,
		ExpiresAt:      lease.ExpiresAt,
		LastSeenBucket: lease.LastSeenBucket(now),
	}
}
