package httpapi

import (
	"github.com/go-chi/chi/v5"

	"github.com/coldwire/gateway/internal/middleware"
	"github.com/coldwire/gateway/internal/session"
)

// RegisterPresenceRoutes mounts /v1/presence/* behind session auth.
func RegisterPresenceRoutes(r chi.Router, mgr *session.Manager, h *PresenceHandler) {
	r.Route("/v1/presence", func(r chi.Router) {
		r.Use(middleware.RequireSession(mgr))
		r.Post("/lease", h.Lease)
		r.Post("/renew", h.Renew)
		r.Post("/watch", h.Watch)
		r.Post("/unwatch", h.Unwatch)
	})
}

// RegisterKeyPackageRoutes mounts /v1/keypackages* behind session auth.
func RegisterKeyPackageRoutes(r chi.Router, mgr *session.Manager, h *KeyPackageHandler) {
	r.Route("/v1/keypackages", func(r chi.Router) {
		r.Use(middleware.RequireSession(mgr))
		r.Post("/", h.Publish)
		r.Post("/fetch", h.Fetch)
		r.Post("/rotate", h.Rotate)
	})
}

// RegisterSessionRoutes mounts /v1/session/* behind session auth.
func RegisterSessionRoutes(r chi.Router, mgr *session.Manager, h *SessionHandler) {
	r.Route("/v1/session", func(r chi.Router) {
		r.Use(middleware.RequireSession(mgr))
		r.Get("/list", h.List)
		r.Post("/revoke", h.Revoke)
		r.Post("/logout_all", h.LogoutAll)
	})
}
