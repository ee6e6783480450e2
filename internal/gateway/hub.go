package gateway

import (
	"sync"

	"github.com/coldwire/gateway/internal/broker"
)

// Hub tracks every live, READY Session by device_id so out-of-band pushes
// (presence.update) can reach a device regardless of which conv_id lanes it
// happens to be subscribed to. A device may hold more than one live
// connection (e.g. a WS reconnect racing an old SSE stream); all of them
// receive the push.
type Hub struct {
	mu       sync.Mutex
	byDevice map[string]map[*Session]struct{}
	byUser   map[string]map[*Session]struct{}
}

// NewHub builds an empty connection hub.
func NewHub() *Hub {
	return &Hub{
		byDevice: make(map[string]map[*Session]struct{}),
		byUser:   make(map[string]map[*Session]struct{}),
	}
}

func addTo(index map[string]map[*Session]struct{}, key string, s *Session) {
	set, ok := index[key]
	if !ok {
		set = make(map[*Session]struct{})
		index[key] = set
	}
	set[s] = struct{}{}
}

func removeFrom(index map[string]map[*Session]struct{}, key string, s *Session) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(index, key)
	}
}

func (h *Hub) register(deviceID, userID string, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	addTo(h.byDevice, deviceID, s)
	addTo(h.byUser, userID, s)
}

func (h *Hub) unregister(deviceID, userID string, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	removeFrom(h.byDevice, deviceID, s)
	removeFrom(h.byUser, userID, s)
}

// PushToDevice emits env to every live session currently registered for
// deviceID. A device with no live connection simply misses the push; the
// presence service does not queue undelivered updates, matching the
// ephemeral-state (no durable event log) nature of presence per the design
// notes.
func (h *Hub) PushToDevice(deviceID string, env *broker.Envelope) {
	h.pushTo(h.byDevice, deviceID, env)
}

// PushToUser emits env to every live session belonging to userID, across
// however many devices that user currently has connected.
func (h *Hub) PushToUser(userID string, env *broker.Envelope) {
	h.pushTo(h.byUser, userID, env)
}

// RevokeDevice cancels every live session currently registered for
// deviceID: their subscriptions are dropped and they move to CLOSING, so
// any further frame on that connection is rejected by requireReady.
func (h *Hub) RevokeDevice(deviceID string) {
	h.revoke(h.byDevice, deviceID)
}

// RevokeUser cancels every live session belonging to userID, across
// however many devices that user currently has connected.
func (h *Hub) RevokeUser(userID string) {
	h.revoke(h.byUser, userID)
}

func (h *Hub) revoke(index map[string]map[*Session]struct{}, key string) {
	h.mu.Lock()
	sessions := make([]*Session, 0, 1)
	if set, ok := index[key]; ok {
		for s := range set {
			sessions = append(sessions, s)
		}
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.RevokeSubscriptions()
	}
}

func (h *Hub) pushTo(index map[string]map[*Session]struct{}, key string, env *broker.Envelope) {
	h.mu.Lock()
	sessions := make([]*Session, 0, 1)
	if set, ok := index[key]; ok {
		for s := range set {
			sessions = append(sessions, s)
		}
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.emit(env)
	}
}
