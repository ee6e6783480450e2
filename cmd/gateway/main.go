// Command gateway runs the delivery-service gateway: realtime message
// fan-out, presence, and KeyPackage directory over WebSocket, SSE, and a
// plain HTTP API.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/coldwire/gateway/internal/broker"
	"github.com/coldwire/gateway/internal/config"
	"github.com/coldwire/gateway/internal/gateway"
	"github.com/coldwire/gateway/internal/httpapi"
	"github.com/coldwire/gateway/internal/keypackage"
	"github.com/coldwire/gateway/internal/middleware"
	"github.com/coldwire/gateway/internal/presence"
	"github.com/coldwire/gateway/internal/ratelimit"
	"github.com/coldwire/gateway/internal/retention"
	"github.com/coldwire/gateway/internal/session"
	"github.com/coldwire/gateway/internal/store"
	"github.com/coldwire/gateway/internal/transport"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("starting gateway", "gateway_id", cfg.GatewayID, "addr", cfg.Addr, "durable", cfg.Durable())

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("database connected")

	if cfg.JWTSecret == "" {
		slog.Warn("JWT_SECRET is unset; auth_token verification will reject every session.start")
	}

	verifier := session.NewTokenVerifier(cfg.JWTSecret)
	sessionMgr := session.NewManager(repo, verifier)

	rateLimiter := ratelimit.New(map[ratelimit.Operation]ratelimit.Policy{
		ratelimit.OpSendPerConv:     {Rate: cfg.RateLimit.SendPerConvRate, Burst: cfg.RateLimit.SendPerConvBurst},
		ratelimit.OpSocialPublish:   {Rate: cfg.RateLimit.SocialPublishRate, Burst: cfg.RateLimit.SocialPublishBurst},
		ratelimit.OpDMCreate:        {Rate: cfg.RateLimit.DMCreateRate, Burst: cfg.RateLimit.DMCreateBurst},
		ratelimit.OpKeyPackageFetch: {Rate: cfg.RateLimit.KeyPackageFetchRate, Burst: cfg.RateLimit.KeyPackageFetchBurst},
		ratelimit.OpPresence:        {Rate: cfg.RateLimit.PresenceOpRate, Burst: cfg.RateLimit.PresenceOpBurst},
		ratelimit.OpConnectionFrame: {Rate: cfg.RateLimit.ConnectionFrameRate, Burst: cfg.RateLimit.ConnectionFrameBurst},
	})
	defer rateLimiter.Close()

	convBroker := broker.New(repo, broker.Config{
		EnvelopeByteCap:  cfg.EnvelopeByteCap,
		ReplayBatchLimit: 500,
		GatewayID:        cfg.GatewayID,
	})
	presenceSvc := presence.New(repo)
	keypackageDir := keypackage.New(repo, cfg.GatewayID, 0)
	hub := gateway.NewHub()

	deps := gateway.Deps{
		Broker:      convBroker,
		Sessions:    sessionMgr,
		Presence:    presenceSvc,
		KeyPackages: keypackageDir,
		RateLimit:   rateLimiter,
		GatewayID:   cfg.GatewayID,
		Hub:         hub,
	}

	presencePublisher := &gateway.PresencePublisher{Hub: hub}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweeper := retention.New(repo, cfg.Retention)
	go sweeper.Run(ctx)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))

	wsHandler := transport.NewWebSocketHandler(deps, "*", false, cfg.FrameByteCap)
	sseHandler := transport.NewSSEHandler(deps, cfg.FrameByteCap)
	r.Get("/v1/ws", wsHandler.ServeHTTP)
	r.Get("/v1/sse", sseHandler.ServeSSE)
	r.Post("/v1/inbox", sseHandler.ServeInbox)

	presenceHandler := httpapi.NewPresenceHandler(presenceSvc, rateLimiter, presencePublisher)
	keypackageHandler := httpapi.NewKeyPackageHandler(keypackageDir, rateLimiter)
	sessionHandler := httpapi.NewSessionHandler(sessionMgr, repo, hub)
	httpapi.RegisterPresenceRoutes(r, sessionMgr, presenceHandler)
	httpapi.RegisterKeyPackageRoutes(r, sessionMgr, keypackageHandler)
	httpapi.RegisterSessionRoutes(r, sessionMgr, sessionHandler)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE/WS connections are long-lived
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("gateway listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()
	slog.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	slog.Info("gateway stopped")
}
