package gateway

import (
	"github.com/coldwire/gateway/internal/broker"
	"github.com/coldwire/gateway/internal/presence"
)

// presenceUpdateBody is the body of a `presence.update` frame.
type presenceUpdateBody struct {
	UserID         string `json:"user_id"`
	Status         string `json:"status"`
	ExpiresAt      int64  `json:"expires_at"`
	LastSeenBucket string `json:"last_seen_bucket"`
}

// PresencePublisher adapts a Hub into the httpapi.PresenceUpdatePublisher
// interface: a presence.Update always targets one watcher's user_id, so it
// is pushed to every live session belonging to that user regardless of
// which device currently holds the connection.
type PresencePublisher struct {
	Hub *Hub
}

// PublishPresenceUpdate renders update as a presence.update frame and
// pushes it to every live session of update.WatcherUserID.
func (p *PresencePublisher) PublishPresenceUpdate(update presence.Update) {
	frame, err := broker.NewFrame(broker.TypePresenceUpdate, "", presenceUpdateBody{
		UserID:         update.TargetUserID,
		Status:         update.Status,
		ExpiresAt:      update.ExpiresAt.UnixMilli(),
		LastSeenBucket: update.LastSeenBucket,
	})
	if err != nil {
		return
	}
	p.Hub.PushToUser(update.WatcherUserID, frame)
}
