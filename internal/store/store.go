// Package store provides the gateway's durable storage engine: the
// append-only conversation log with atomic sequence allocation, the
// idempotency index, cursors, sessions, KeyPackages, presence leases,
// watchlists, and blocklists.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/coldwire/gateway/internal/domain"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when an optimistic precondition does not hold
// (e.g. a resume token was already rotated by a concurrent resume).
var ErrConflict = errors.New("store: conflict")

// Repository is the storage engine's transactional surface. All shared
// mutable gateway state (sequence counters, idempotency index, cursors,
// sessions) is confined behind this interface; nothing outside store
// mutates it directly.
type Repository interface {
	// AppendEvent atomically allocates the next seq for convID and inserts
	// the event, or — if (convID, msgID) already exists — returns the
	// existing seq with isNew=false and performs no insert.
	AppendEvent(ctx context.Context, convID, msgID string, env []byte, tsMillis uint64, originGateway string) (seq uint64, isNew bool, err error)

	// ReplayEvents returns events for convID with seq >= fromSeq, ascending,
	// bounded to limit rows.
	ReplayEvents(ctx context.Context, convID string, fromSeq uint64, limit int) ([]domain.Event, error)

	// EarliestRetainedSeq and LatestSeq support replay-window errors.
	EarliestRetainedSeq(ctx context.Context, convID string) (seq uint64, ok bool, err error)
	LatestSeq(ctx context.Context, convID string) (seq uint64, ok bool, err error)

	// PruneEventsBelow deletes events with seq < keepFromSeq for convID.
	PruneEventsBelow(ctx context.Context, convID string, keepFromSeq uint64) (int64, error)
	// PruneEventsOlderThan deletes events with ts_ms < cutoffMillis for convID.
	PruneEventsOlderThan(ctx context.Context, convID string, cutoffMillis uint64) (int64, error)
	// PruneEventsOlderThanBelow deletes events with ts_ms < cutoffMillis AND
	// seq <= maxSeq for convID, the SAFE-mode variant of age-based pruning
	// that never crosses the active-cursor floor.
	PruneEventsOlderThanBelow(ctx context.Context, convID string, cutoffMillis, maxSeq uint64) (int64, error)
	// PruneEventsOverCap keeps only the newest maxEvents rows for convID.
	PruneEventsOverCap(ctx context.Context, convID string, maxEvents int) (int64, error)
	// ListConvIDs returns every conversation id that currently has a
	// sequence counter, for the retention sweeper to iterate.
	ListConvIDs(ctx context.Context) ([]string, error)

	// GetCursor returns the stored cursor, or ErrNotFound if the device has
	// never acked in this conversation (callers default to NextSeq=1).
	GetCursor(ctx context.Context, deviceID, convID string) (*domain.Cursor, error)
	// AckCursor advances the cursor to max(stored, seq+1) and returns it.
	AckCursor(ctx context.Context, deviceID, convID string, seq uint64) (*domain.Cursor, error)
	// ListCursorsForDevice returns every conversation cursor for a device.
	ListCursorsForDevice(ctx context.Context, deviceID string) ([]domain.Cursor, error)
	// MinActiveNextSeq returns the minimum NextSeq among cursors considered
	// active (updated within staleAfter, or all cursors when staleAfter==0).
	// When no cursor row exists yet for convID, it returns (1, true, nil):
	// nothing has been acked, so SAFE mode must protect the whole log.
	MinActiveNextSeq(ctx context.Context, convID string, staleAfter time.Duration) (uint64, bool, error)

	// Conversations.
	GetConversation(ctx context.Context, convID string) (*domain.Conversation, error)
	UpsertConversation(ctx context.Context, conv *domain.Conversation) error

	// Sessions.
	CreateSession(ctx context.Context, s *domain.Session) error
	GetSessionByToken(ctx context.Context, sessionToken string) (*domain.Session, error)
	GetSessionByResumeToken(ctx context.Context, resumeToken string) (*domain.Session, error)
	// RotateResumeToken atomically replaces a session's tokens, used by
	// session.resume to mint single-use resume tokens. Fails with
	// ErrConflict if oldResumeToken no longer matches (already rotated).
	RotateResumeToken(ctx context.Context, oldResumeToken, newSessionToken, newResumeToken string, expiresAt time.Time) (*domain.Session, error)
	RevokeSessionByToken(ctx context.Context, sessionToken string) error
	RevokeSessionsForDevice(ctx context.Context, deviceID string) error
	RevokeSessionsForUser(ctx context.Context, userID string) error
	ListSessionsForUser(ctx context.Context, userID string) ([]domain.Session, error)
	// GetUserIDForDevice resolves the user_id a device_id is bound to, from
	// its most recent session row. ErrNotFound if the device has never
	// started a session.
	GetUserIDForDevice(ctx context.Context, deviceID string) (string, error)

	// KeyPackages.
	PublishKeyPackages(ctx context.Context, deviceID, userID string, blobs [][]byte, poolCap int) (accepted int, err error)
	FetchKeyPackages(ctx context.Context, userID string, count int) ([]domain.KeyPackage, error)
	RotateKeyPackages(ctx context.Context, deviceID, userID string, revoke bool, replacements [][]byte, poolCap int) (accepted int, err error)

	// Presence.
	UpsertLease(ctx context.Context, lease *domain.PresenceLease) error
	GetLease(ctx context.Context, deviceID string) (*domain.PresenceLease, error)
	SetWatchlist(ctx context.Context, watcherUserID string, targets []string, cap int) error
	GetWatchlist(ctx context.Context, watcherUserID string) (*domain.Watchlist, error)
	IsMutualWatch(ctx context.Context, watcherUserID, targetUserID string) (bool, error)
	// ListWatchersOf returns every user_id that currently watches targetUserID.
	ListWatchersOf(ctx context.Context, targetUserID string) ([]string, error)

	// Blocklists.
	IsBlocked(ctx context.Context, userID, otherUserID string) (bool, error)
	BlockUser(ctx context.Context, userID, blockedUserID string) error
	UnblockUser(ctx context.Context, userID, blockedUserID string) error

	Ping(ctx context.Context) error
	Close() error
}
