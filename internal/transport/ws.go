// Package transport implements the WebSocket and SSE/inbox connection
// handlers. Both transports drive one gateway.Session and must produce
// identical frame shapes, errors, and per-conv_id ordering.
package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/coldwire/gateway/internal/broker"
	"github.com/coldwire/gateway/internal/gateway"
)

const (
	wsHeartbeatInterval = 20 * time.Second
	defaultFrameByteCap = 1 << 20 // 1 MiB, generous cap on a single frame
)

// WebSocketHandler upgrades /v1/ws connections and pumps frames between the
// client and a gateway.Session.
type WebSocketHandler struct {
	deps          gateway.Deps
	allowedOrigin string
	isDev         bool
	frameByteCap  int64
}

// NewWebSocketHandler builds a handler sharing deps with the SSE transport
// and HTTP API. frameByteCap bounds a single inbound frame; 0 uses the
// package default.
func NewWebSocketHandler(deps gateway.Deps, allowedOrigin string, isDev bool, frameByteCap int) *WebSocketHandler {
	if frameByteCap <= 0 {
		frameByteCap = defaultFrameByteCap
	}
	return &WebSocketHandler{deps: deps, allowedOrigin: allowedOrigin, isDev: isDev, frameByteCap: int64(frameByteCap)}
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev || h.allowedOrigin == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("websocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// ServeHTTP implements http.Handler for the WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err)
		return
	}
	conn.SetReadLimit(h.frameByteCap)
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "session ended")
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess := gateway.NewSession(h.deps)
	defer sess.Close()

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		defer cancel()
		h.readLoop(ctx, conn, sess)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		h.writeLoop(ctx, conn, sess)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		sess.HeartbeatLoop(ctx, wsHeartbeatInterval)
	}()

	wg.Wait()
}

func (h *WebSocketHandler) readLoop(ctx context.Context, conn *websocket.Conn, sess *gateway.Session) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 {
				slog.Debug("websocket read error", "error", err)
			}
			return
		}

		var env broker.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			errEnv := broker.NewErrorEnvelope("", broker.ErrorBody{
				Code:    broker.CodeInvalidRequest,
				Message: "malformed frame envelope",
			})
			h.write(ctx, conn, errEnv)
			continue
		}

		sess.Dispatch(ctx, &env)

		if sess.State() == gateway.StateClosing {
			return
		}
	}
}

func (h *WebSocketHandler) writeLoop(ctx context.Context, conn *websocket.Conn, sess *gateway.Session) {
	for {
		select {
		case env, ok := <-sess.Outbound():
			if !ok {
				return
			}
			if err := h.write(ctx, conn, env); err != nil {
				return
			}
			if env.T == broker.TypeError && sess.State() == gateway.StateClosing {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *WebSocketHandler) write(ctx context.Context, conn *websocket.Conn, env *broker.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, payload)
}
