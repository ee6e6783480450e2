package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coldwire/gateway/internal/broker"
	"github.com/coldwire/gateway/internal/keypackage"
	"github.com/coldwire/gateway/internal/middleware"
	"github.com/coldwire/gateway/internal/ratelimit"
)

// KeyPackageHandler implements the /v1/keypackages* endpoints.
type KeyPackageHandler struct {
	dir     *keypackage.Directory
	limiter *ratelimit.Limiter
}

// NewKeyPackageHandler builds a KeyPackage directory handler.
func NewKeyPackageHandler(dir *keypackage.Directory, limiter *ratelimit.Limiter) *KeyPackageHandler {
	return &KeyPackageHandler{dir: dir, limiter: limiter}
}

func decodeBlobs(encoded []string) ([][]byte, error) {
	blobs := make([][]byte, 0, len(encoded))
	for _, e := range encoded {
		b, err := base64.StdEncoding.DecodeString(e)
		if err != nil {
			return nil, err
		}
		blobs = append(blobs, b)
	}
	return blobs, nil
}

func routingJSON(r keypackage.RoutingInfo) map[string]string {
	return map[string]string{
		"served_by":         r.ServedBy,
		"user_home_gateway": r.UserHomeGateway,
	}
}

type publishRequest struct {
	Blobs []string `json:"blobs"`
}

type publishResponse struct {
	Accepted int               `json:"accepted"`
	Routing  map[string]string `json:"routing"`
}

// Publish handles POST /v1/keypackages.
func (h *KeyPackageHandler) Publish(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())
	if sess == nil {
		Error(w, http.StatusUnauthorized, broker.CodeUnauthorized, "missing session")
		return
	}

	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, broker.CodeInvalidRequest, "malformed body")
		return
	}
	blobs, err := decodeBlobs(req.Blobs)
	if err != nil {
		Error(w, http.StatusBadRequest, broker.CodeInvalidRequest, "blobs must be base64")
		return
	}

	accepted, routing, err := h.dir.Publish(r.Context(), sess.DeviceID, sess.UserID, blobs)
	if err != nil {
		Error(w, http.StatusInternalServerError, broker.CodeInternalError, "publish failed")
		return
	}

	JSON(w, http.StatusOK, publishResponse{Accepted: accepted, Routing: routingJSON(routing)})
}

type fetchRequest struct {
	UserID string `json:"user_id"`
	Count  int    `json:"count,omitempty"`
}

type fetchResponse struct {
	Blobs   []string          `json:"blobs"`
	Routing map[string]string `json:"routing"`
}

// Fetch handles POST /v1/keypackages/fetch.
func (h *KeyPackageHandler) Fetch(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())
	if sess == nil {
		Error(w, http.StatusUnauthorized, broker.CodeUnauthorized, "missing session")
		return
	}

	allowed, retryAfter := h.limiter.Allow(sess.DeviceID, ratelimit.OpKeyPackageFetch)
	if !allowed {
		w.Header().Set("Retry-After", formatRetryAfter(retryAfter))
		Error(w, http.StatusTooManyRequests, broker.CodeRateLimited, "keypackage fetch rate limit exceeded")
		return
	}

	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, broker.CodeInvalidRequest, "malformed body")
		return
	}

	packages, routing, err := h.dir.Fetch(r.Context(), req.UserID, req.Count)
	if errors.Is(err, keypackage.ErrNotFound) {
		Error(w, http.StatusNotFound, broker.CodeNotFound, "no keypackages available")
		return
	}
	if err != nil {
		Error(w, http.StatusInternalServerError, broker.CodeInternalError, "fetch failed")
		return
	}

	blobs := make([]string, 0, len(packages))
	for _, p := range packages {
		blobs = append(blobs, base64.StdEncoding.EncodeToString(p.Blob))
	}

	JSON(w, http.StatusOK, fetchResponse{Blobs: blobs, Routing: routingJSON(routing)})
}

type rotateRequest struct {
	Revoke       bool     `json:"revoke"`
	Replacements []string `json:"replacements"`
}

// Rotate handles POST /v1/keypackages/rotate.
func (h *KeyPackageHandler) Rotate(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())
	if sess == nil {
		Error(w, http.StatusUnauthorized, broker.CodeUnauthorized, "missing session")
		return
	}

	var req rotateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, broker.CodeInvalidRequest, "malformed body")
		return
	}
	replacements, err := decodeBlobs(req.Replacements)
	if err != nil {
		Error(w, http.StatusBadRequest, broker.CodeInvalidRequest, "replacements must be base64")
		return
	}

	accepted, routing, err := h.dir.Rotate(r.Context(), sess.DeviceID, sess.UserID, req.Revoke, replacements)
	if err != nil {
		Error(w, http.StatusInternalServerError, broker.CodeInternalError, "rotate failed")
		return
	}

	JSON(w, http.StatusOK, publishResponse{Accepted: accepted, Routing: routingJSON(routing)})
}
