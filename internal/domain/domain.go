// Package domain contains the core types of the delivery-service gateway.
package domain

import "time"

// Event is one append-only row in a conversation's log. The gateway never
// inspects Env; it is opaque ciphertext produced by the client's MLS stack.
type Event struct {
	ConvID        string
	Seq           uint64
	MsgID         string
	Env           []byte
	TSMillis      uint64
	OriginGateway string
}

// ConvSeq is the per-conversation sequence counter. NextSeq is the value
// that will be assigned to the next successfully inserted event.
type ConvSeq struct {
	ConvID  string
	NextSeq uint64
}

// Cursor is a device's read position within one conversation. NextSeq is
// the next unread sequence number and only ever moves forward.
type Cursor struct {
	DeviceID  string
	ConvID    string
	NextSeq   uint64
	UpdatedAt time.Time
}

// Conversation is a DM or room. Membership holds device ids.
type Conversation struct {
	ConvID    string
	ConvHome  string
	Kind      ConversationKind
	Owner     string
	Admins    []string
	Members   []string
	CreatedAt time.Time
}

// ConversationKind distinguishes a two-party DM from a multi-member room.
type ConversationKind string

const (
	ConversationDM   ConversationKind = "dm"
	ConversationRoom ConversationKind = "room"
)

// HasMember reports whether deviceID is a member of the conversation.
func (c *Conversation) HasMember(deviceID string) bool {
	for _, m := range c.Members {
		if m == deviceID {
			return true
		}
	}
	return false
}

// Session is a live authenticated binding between a device and a pair of
// bearer capabilities. Revocation tombstones RevokedAt; any further use
// must be treated as unauthorized.
type Session struct {
	SessionToken string
	ResumeToken  string
	DeviceID     string
	UserID       string
	ExpiresAt    time.Time
	CreatedAt    time.Time
	RevokedAt    *time.Time
}

// Revoked reports whether the session has been tombstoned or has expired.
func (s *Session) Revoked() bool {
	return s.RevokedAt != nil || time.Now().After(s.ExpiresAt)
}

// KeyPackage is a one-time credential used by peers to bootstrap a group.
type KeyPackage struct {
	ID         int64
	DeviceID   string
	UserID     string
	Blob       []byte
	ContentSum string // sha256 of Blob, for duplicate rejection
	Served     bool
	Revoked    bool
	CreatedAt  time.Time
}

// PresenceLease is a TTL-bounded online marker for one device.
type PresenceLease struct {
	DeviceID   string
	UserID     string
	Status     string
	ExpiresAt  time.Time
	Invisible  bool
	Allowlist  []string
	LastChange time.Time
}

// Active reports whether the lease has not yet expired.
func (p *PresenceLease) Active() bool {
	return time.Now().Before(p.ExpiresAt)
}

// LastSeenBucket buckets p.LastChange into a coarse presence bucket;
// never a precise timestamp.
func (p *PresenceLease) LastSeenBucket(now time.Time) string {
	d := now.Sub(p.LastChange)
	switch {
	case d <= 30*time.Second:
		return "now"
	case d <= 5*time.Minute:
		return "5m"
	case d <= time.Hour:
		return "1h"
	case d <= 24*time.Hour:
		return "1d"
	default:
		return "7d"
	}
}

// Watchlist is one watcher's bounded set of target user ids.
type Watchlist struct {
	WatcherUserID string
	Targets       []string
}

// Contains reports whether target is present in the watchlist.
func (w *Watchlist) Contains(target string) bool {
	for _, t := range w.Targets {
		if t == target {
			return true
		}
	}
	return false
}
