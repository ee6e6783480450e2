package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/coldwire/gateway/internal/broker"
	"github.com/coldwire/gateway/internal/middleware"
	"github.com/coldwire/gateway/internal/session"
	"github.com/coldwire/gateway/internal/store"
)

// ConnectionRevoker cancels any live realtime connections for a device or
// user, so a revoked session_token stops being able to send/subscribe/ack
// over an already-open WS/SSE stream rather than only failing future
// session.start/resume attempts. Satisfied by *gateway.Hub.
type ConnectionRevoker interface {
	RevokeDevice(deviceID string)
	RevokeUser(userID string)
}

// SessionHandler implements the /v1/session/* management endpoints.
type SessionHandler struct {
	mgr  *session.Manager
	repo store.Repository
	hub  ConnectionRevoker
}

// NewSessionHandler builds a session management handler. hub may be nil
// (e.g. in tests that don't exercise live connections); revocation then
// only tombstones the store.
func NewSessionHandler(mgr *session.Manager, repo store.Repository, hub ConnectionRevoker) *SessionHandler {
	return &SessionHandler{mgr: mgr, repo: repo, hub: hub}
}

type sessionSummary struct {
	DeviceID  string `json:"device_id"`
	ExpiresAt int64  `json:"expires_at"`
	CreatedAt int64  `json:"created_at"`
}

// List handles GET /v1/session/list.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())
	if sess == nil {
		Error(w, http.StatusUnauthorized, broker.CodeUnauthorized, "missing session")
		return
	}

	sessions, err := h.repo.ListSessionsForUser(r.Context(), sess.UserID)
	if err != nil {
		Error(w, http.StatusInternalServerError, broker.CodeInternalError, "list failed")
		return
	}

	summaries := make([]sessionSummary, 0, len(sessions))
	for _, s := range sessions {
		if s.Revoked() {
			continue
		}
		summaries = append(summaries, sessionSummary{
			DeviceID:  s.DeviceID,
			ExpiresAt: s.ExpiresAt.UnixMilli(),
			CreatedAt: s.CreatedAt.UnixMilli(),
		})
	}

	JSON(w, http.StatusOK, map[string]interface{}{"sessions": summaries})
}

type revokeRequest struct {
	DeviceID string `json:"device_id,omitempty"`
}

// Revoke handles POST /v1/session/revoke. With no device_id it revokes the
// caller's own session; with one, every session bound to that device (the
// caller must own the target device's sessions, enforced by revoking only
// within the caller's own user).
func (h *SessionHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())
	if sess == nil {
		Error(w, http.StatusUnauthorized, broker.CodeUnauthorized, "missing session")
		return
	}

	var req revokeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			Error(w, http.StatusBadRequest, broker.CodeInvalidRequest, "malformed body")
			return
		}
	}

	if req.DeviceID == "" {
		if err := h.mgr.RevokeByToken(r.Context(), sess.SessionToken); err != nil {
			Error(w, http.StatusInternalServerError, broker.CodeInternalError, "revoke failed")
			return
		}
		if h.hub != nil {
			h.hub.RevokeDevice(sess.DeviceID)
		}
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	owned, err := h.deviceBelongsToCaller(r, req.DeviceID, sess.UserID)
	if err != nil {
		Error(w, http.StatusInternalServerError, broker.CodeInternalError, "revoke failed")
		return
	}
	if !owned {
		Error(w, http.StatusForbidden, broker.CodeForbidden, "device does not belong to caller")
		return
	}

	if err := h.mgr.RevokeDevice(r.Context(), req.DeviceID); err != nil {
		Error(w, http.StatusInternalServerError, broker.CodeInternalError, "revoke failed")
		return
	}
	if h.hub != nil {
		h.hub.RevokeDevice(req.DeviceID)
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionHandler) deviceBelongsToCaller(r *http.Request, deviceID, userID string) (bool, error) {
	sessions, err := h.repo.ListSessionsForUser(r.Context(), userID)
	if err != nil {
		return false, err
	}
	for _, s := range sessions {
		if s.DeviceID == deviceID {
			return true, nil
		}
	}
	return false, nil
}

// LogoutAll handles POST /v1/session/logout_all.
func (h *SessionHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())
	if sess == nil {
		Error(w, http.StatusUnauthorized, broker.CodeUnauthorized, "missing session")
		return
	}

	if err := h.mgr.LogoutAll(r.Context(), sess.UserID); err != nil {
		Error(w, http.StatusInternalServerError, broker.CodeInternalError, "logout_all failed")
		return
	}
	if h.hub != nil {
		h.hub.RevokeUser(sess.UserID)
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusNoContent)
}
