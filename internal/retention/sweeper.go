// Package retention implements the retention/GC sweeper: bounded,
// incremental pruning of conversation event logs in SAFE or HARD mode.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/coldwire/gateway/internal/config"
	"github.com/coldwire/gateway/internal/shared"
	"github.com/coldwire/gateway/internal/store"
)

const (
	retryAttempts = 3
	retryBaseDelay = 50 * time.Millisecond
)

// Sweeper periodically enforces the configured retention policy against
// every conversation's event log.
type Sweeper struct {
	repo store.Repository
	cfg  config.RetentionConfig
}

// New builds a sweeper with the given retention policy. A zero-value
// RetentionConfig (no caps configured) makes every sweep tick a no-op.
func New(repo store.Repository, cfg config.RetentionConfig) *Sweeper {
	return &Sweeper{repo: repo, cfg: cfg}
}

// Run ticks every cfg.SweepInterval until ctx is cancelled, sweeping every
// known conv_id on each tick. Each conv_id is pruned independently and a
// failure on one does not abort the rest; the number of conversations or
// rows a single tick handles is not capped.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("retention sweeper started", "interval", interval, "hard", s.cfg.Hard)

	for {
		select {
		case <-ticker.C:
			s.sweepOnce(ctx)
		case <-ctx.Done():
			slog.Info("retention sweeper shutting down", "reason", ctx.Err())
			return
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	if s.cfg.MaxEventsPerConv <= 0 && s.cfg.MaxAge <= 0 {
		return
	}

	convIDs, err := s.repo.ListConvIDs(ctx)
	if err != nil {
		slog.Error("retention sweeper failed to list conversations", "error", err)
		return
	}

	var totalPruned int64
	for _, convID := range convIDs {
		pruned, err := s.sweepConversation(ctx, convID)
		if err != nil {
			slog.Error("retention sweeper failed on conversation", "conv_id", convID, "error", err)
			continue
		}
		totalPruned += pruned
	}

	if totalPruned > 0 {
		slog.Info("retention sweeper completed", "conversations", len(convIDs), "pruned", totalPruned)
	}
}

// sweepConversation computes the prune floor for one conv_id and deletes
// everything at or below it. In SAFE mode, the floor never exceeds
// min(active cursor next_seq) - 2, so no event with
// seq >= min(active cursor next_seq) - 1 is ever pruned. In HARD mode, the
// cap is enforced regardless of cursor state.
func (s *Sweeper) sweepConversation(ctx context.Context, convID string) (int64, error) {
	var pruned int64

	if s.cfg.MaxEventsPerConv > 0 {
		n, err := s.pruneOverCap(ctx, convID)
		if err != nil {
			return pruned, err
		}
		pruned += n
	}

	if s.cfg.MaxAge > 0 {
		n, err := s.pruneOlderThan(ctx, convID)
		if err != nil {
			return pruned, err
		}
		pruned += n
	}

	return pruned, nil
}

func (s *Sweeper) safeFloor(ctx context.Context, convID string) (uint64, error) {
	if s.cfg.Hard {
		return 0, nil
	}
	minActive, _, err := s.repo.MinActiveNextSeq(ctx, convID, s.cfg.CursorStaleAfter)
	if err != nil {
		return 0, err
	}
	if minActive < 2 {
		return 0, nil
	}
	return minActive - 2, nil
}

func (s *Sweeper) pruneOverCap(ctx context.Context, convID string) (int64, error) {
	if s.cfg.Hard {
		var n int64
		err := shared.Retry(ctx, retryAttempts, retryBaseDelay, func() error {
			var pruneErr error
			n, pruneErr = s.repo.PruneEventsOverCap(ctx, convID, s.cfg.MaxEventsPerConv)
			return pruneErr
		})
		return n, err
	}

	// SAFE mode: only prune the portion of the over-cap window that is
	// also below the active-cursor floor.
	latest, ok, err := s.repo.LatestSeq(ctx, convID)
	if err != nil || !ok {
		return 0, err
	}
	if latest <= uint64(s.cfg.MaxEventsPerConv) {
		return 0, nil
	}
	capFloor := latest - uint64(s.cfg.MaxEventsPerConv)

	safeFloor, err := s.safeFloor(ctx, convID)
	if err != nil {
		return 0, err
	}
	keepFrom := capFloor
	if safeFloor < keepFrom {
		keepFrom = safeFloor
	}

	var n int64
	err = shared.Retry(ctx, retryAttempts, retryBaseDelay, func() error {
		var pruneErr error
		n, pruneErr = s.repo.PruneEventsBelow(ctx, convID, keepFrom+1)
		return pruneErr
	})
	return n, err
}

func (s *Sweeper) pruneOlderThan(ctx context.Context, convID string) (int64, error) {
	cutoff := uint64(time.Now().Add(-s.cfg.MaxAge).UnixMilli())

	if s.cfg.Hard {
		var n int64
		err := shared.Retry(ctx, retryAttempts, retryBaseDelay, func() error {
			var pruneErr error
			n, pruneErr = s.repo.PruneEventsOlderThan(ctx, convID, cutoff)
			return pruneErr
		})
		return n, err
	}

	safeFloor, err := s.safeFloor(ctx, convID)
	if err != nil {
		return 0, err
	}

	// SAFE mode with an age cap: prune only events that are both older
	// than cutoff and at or below the active-cursor floor, so no event at
	// or above min(active next_seq) - 1 is ever pruned regardless of age.
	var n int64
	err = shared.Retry(ctx, retryAttempts, retryBaseDelay, func() error {
		var pruneErr error
		n, pruneErr = s.repo.PruneEventsOlderThanBelow(ctx, convID, cutoff, safeFloor)
		return pruneErr
	})
	return n, err
}
