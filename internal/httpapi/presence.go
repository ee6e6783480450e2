package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/coldwire/gateway/internal/broker"
	"github.com/coldwire/gateway/internal/middleware"
	"github.com/coldwire/gateway/internal/presence"
	"github.com/coldwire/gateway/internal/ratelimit"
)

// PresenceHandler implements the /v1/presence/* endpoints.
type PresenceHandler struct {
	svc       *presence.Service
	limiter   *ratelimit.Limiter
	publisher PresenceUpdatePublisher
}

// PresenceUpdatePublisher delivers presence.update fan-out to connected
// watchers. Satisfied by *gateway.PresencePublisher, which pushes each update
// to every live session of the watching user through the gateway Hub.
type PresenceUpdatePublisher interface {
	PublishPresenceUpdate(update presence.Update)
}

// NewPresenceHandler builds a presence handler.
func NewPresenceHandler(svc *presence.Service, limiter *ratelimit.Limiter, publisher PresenceUpdatePublisher) *PresenceHandler {
	return &PresenceHandler{svc: svc, limiter: limiter, publisher: publisher}
}

func (h *PresenceHandler) publishAll(updates []presence.Update) {
	if h.publisher == nil {
		return
	}
	for _, u := range updates {
		h.publisher.PublishPresenceUpdate(u)
	}
}

func (h *PresenceHandler) rateLimited(w http.ResponseWriter, r *http.Request) bool {
	sess := middleware.SessionFromContext(r.Context())
	if sess == nil {
		return false
	}
	allowed, retryAfter := h.limiter.Allow(sess.DeviceID, ratelimit.OpPresence)
	if !allowed {
		w.Header().Set("Retry-After", formatRetryAfter(retryAfter))
		Error(w, http.StatusTooManyRequests, broker.CodeRateLimited, "presence rate limit exceeded")
		return true
	}
	return false
}

type leaseRequest struct {
	TTLSeconds int      `json:"ttl_seconds"`
	Invisible  bool     `json:"invisible"`
	Allowlist  []string `json:"allowlist,omitempty"`
}

type leaseResponse struct {
	ExpiresAt int64 `json:"expires_at"`
}

// Lease handles POST /v1/presence/lease.
func (h *PresenceHandler) Lease(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())
	if sess == nil {
		Error(w, http.StatusUnauthorized, broker.CodeUnauthorized, "missing session")
		return
	}
	if h.rateLimited(w, r) {
		return
	}

	var req leaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, broker.CodeInvalidRequest, "malformed body")
		return
	}

	expiresAt, updates, err := h.svc.Lease(r.Context(), sess.DeviceID, sess.UserID,
		time.Duration(req.TTLSeconds)*time.Second, req.Invisible, req.Allowlist)
	if err != nil {
		Error(w, http.StatusInternalServerError, broker.CodeInternalError, "lease failed")
		return
	}
	h.publishAll(updates)

	JSON(w, http.StatusOK, leaseResponse{ExpiresAt: expiresAt.UnixMilli()})
}

type renewRequest struct {
	TTLSeconds int `json:"ttl_seconds"`
}

// Renew handles POST /v1/presence/renew.
func (h *PresenceHandler) Renew(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())
	if sess == nil {
		Error(w, http.StatusUnauthorized, broker.CodeUnauthorized, "missing session")
		return
	}
	if h.rateLimited(w, r) {
		return
	}

	var req renewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, broker.CodeInvalidRequest, "malformed body")
		return
	}

	expiresAt, updates, err := h.svc.Renew(r.Context(), sess.DeviceID, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		Error(w, http.StatusNotFound, broker.CodeNotFound, "no active lease")
		return
	}
	h.publishAll(updates)

	JSON(w, http.StatusOK, leaseResponse{ExpiresAt: expiresAt.UnixMilli()})
}

type watchRequest struct {
	Targets []string `json:"targets"`
}

// Watch handles POST /v1/presence/watch.
func (h *PresenceHandler) Watch(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())
	if sess == nil {
		Error(w, http.StatusUnauthorized, broker.CodeUnauthorized, "missing session")
		return
	}

	var req watchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, broker.CodeInvalidRequest, "malformed body")
		return
	}

	if err := h.svc.Watch(r.Context(), sess.UserID, req.Targets); err != nil {
		Error(w, http.StatusBadRequest, broker.CodeInvalidRequest, err.Error())
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusNoContent)
}

// Unwatch handles POST /v1/presence/unwatch.
func (h *PresenceHandler) Unwatch(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())
	if sess == nil {
		Error(w, http.StatusUnauthorized, broker.CodeUnauthorized, "missing session")
		return
	}

	var req watchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, broker.CodeInvalidRequest, "malformed body")
		return
	}

	if err := h.svc.Unwatch(r.Context(), sess.UserID, req.Targets); err != nil {
		Error(w, http.StatusBadRequest, broker.CodeInvalidRequest, err.Error())
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusNoContent)
}
