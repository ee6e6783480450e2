package transport

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coldwire/gateway/internal/broker"
	"github.com/coldwire/gateway/internal/gateway"
)

const (
	sseRetryDelayMillis = 3000
	sseHeartbeatInterval = 20 * time.Second
	sseConnHeader        = "X-Conn-Id"
)

// sseConn bundles the registry entry for one live GET /v1/sse stream: the
// gateway.Session it feeds and a done channel the stream's goroutine closes
// when the client disconnects.
type sseConn struct {
	sess *gateway.Session
	done chan struct{}
}

// SSEHandler implements the receive-only /v1/sse stream and the companion
// /v1/inbox endpoint that carries client->server frames for it. A
// connection id correlates the two: GET /v1/sse mints one and pushes it as
// the first out-of-band event, and every POST /v1/inbox call must echo it
// back in the X-Conn-Id header so frames reach the right Session.
type SSEHandler struct {
	deps         gateway.Deps
	frameByteCap int64

	mu    sync.Mutex
	conns map[string]*sseConn
}

// NewSSEHandler builds an SSE/inbox handler sharing deps with the
// WebSocket transport and HTTP API. frameByteCap bounds a single /v1/inbox
// body; 0 uses the package default.
func NewSSEHandler(deps gateway.Deps, frameByteCap int) *SSEHandler {
	if frameByteCap <= 0 {
		frameByteCap = defaultFrameByteCap
	}
	return &SSEHandler{
		deps:         deps,
		frameByteCap: int64(frameByteCap),
		conns:        make(map[string]*sseConn),
	}
}

func writeSSEEvent(w io.Writer, event string, data []byte) error {
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// ServeSSE handles GET /v1/sse: it opens a long-lived event stream, mints a
// connection id, and forwards every frame the bound gateway.Session emits.
func (h *SSEHandler) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"code":"internal_error","message":"streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", sseRetryDelayMillis); err != nil {
		return
	}
	flusher.Flush()

	connID := uuid.NewString()
	sess := gateway.NewSession(h.deps)
	conn := &sseConn{sess: sess, done: make(chan struct{})}

	h.mu.Lock()
	h.conns[connID] = conn
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.conns, connID)
		h.mu.Unlock()
		close(conn.done)
		sess.Close()
		slog.Debug("sse connection closed", "conn_id", connID)
	}()

	if err := writeSSEEvent(w, "conn.id", []byte(fmt.Sprintf(`{"conn_id":%q}`, connID))); err != nil {
		return
	}
	flusher.Flush()

	ctx := r.Context()
	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case env, ok := <-sess.Outbound():
			if !ok {
				return
			}
			payload, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if err := writeSSEEvent(w, env.T, payload); err != nil {
				return
			}
			flusher.Flush()
			if env.T == broker.TypeError && sess.State() == gateway.StateClosing {
				return
			}
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

type inboxErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeInboxError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(inboxErrorResponse{Code: code, Message: message})
}

// ServeInbox handles POST /v1/inbox: one JSON frame per request body,
// dispatched against the gateway.Session bound to the X-Conn-Id header.
// A frame that reaches the Session is answered 202 Accepted; a missing or
// unknown connection id, an unreadable body, a malformed envelope or a
// closed stream is answered with a JSON error (400, 404 or 410) instead.
// Frames produced by the dispatch (session.ready, conv.acked, error, ...)
// arrive asynchronously on the matching /v1/sse stream, keeping ordering
// identical to the socket transport.
func (h *SSEHandler) ServeInbox(w http.ResponseWriter, r *http.Request) {
	connID := r.Header.Get(sseConnHeader)
	if connID == "" {
		writeInboxError(w, http.StatusBadRequest, broker.CodeInvalidRequest, "missing "+sseConnHeader+" header")
		return
	}

	h.mu.Lock()
	conn, ok := h.conns[connID]
	h.mu.Unlock()
	if !ok {
		writeInboxError(w, http.StatusNotFound, broker.CodeNotFound, "unknown connection id")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.frameByteCap))
	if err != nil {
		writeInboxError(w, http.StatusBadRequest, broker.CodeInvalidRequest, "failed to read body")
		return
	}

	var env broker.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeInboxError(w, http.StatusBadRequest, broker.CodeInvalidRequest, "malformed frame envelope")
		return
	}

	select {
	case <-conn.done:
		writeInboxError(w, http.StatusGone, broker.CodeNotFound, "connection already closed")
		return
	default:
	}

	conn.sess.Dispatch(r.Context(), &env)

	w.WriteHeader(http.StatusAccepted)
}
