package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coldwire/gateway/internal/broker"
	"github.com/coldwire/gateway/internal/gateway"
	"github.com/coldwire/gateway/internal/keypackage"
	"github.com/coldwire/gateway/internal/presence"
	"github.com/coldwire/gateway/internal/ratelimit"
	"github.com/coldwire/gateway/internal/session"
	"github.com/coldwire/gateway/internal/store"
)

func newTestSSEHandler(t *testing.T) *SSEHandler {
	t.Helper()
	repo, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	verifier := session.NewTokenVerifier("sse-test-secret")
	deps := gateway.Deps{
		Broker:      broker.New(repo, broker.Config{GatewayID: "gw_test"}),
		Sessions:    session.NewManager(repo, verifier),
		Presence:    presence.New(repo),
		KeyPackages: keypackage.New(repo, "gw_test", 0),
		RateLimit:   ratelimit.New(map[ratelimit.Operation]ratelimit.Policy{}),
		GatewayID:   "gw_test",
	}
	t.Cleanup(deps.RateLimit.Close)
	return NewSSEHandler(deps, 0)
}

// sseReader pulls "event: X\ndata: Y\n\n" blocks off a streaming response
// body, skipping keepalive comment lines.
type sseReader struct {
	r *bufio.Reader
}

func (s *sseReader) next(t *testing.T) (event string, data string) {
	t.Helper()
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			t.Fatalf("read sse stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
			return event, data
		case line == "" || strings.HasPrefix(line, ":") || strings.HasPrefix(line, "retry:"):
			continue
		}
	}
}

func TestSSEConnAndInboxSessionStart(t *testing.T) {
	h := newTestSSEHandler(t)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeSSE))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get sse: %v", err)
	}
	defer resp.Body.Close()

	reader := &sseReader{r: bufio.NewReader(resp.Body)}
	event, data := reader.next(t)
	if event != "conn.id" {
		t.Fatalf("expected first event conn.id, got %s", event)
	}
	var connIDBody struct {
		ConnID string `json:"conn_id"`
	}
	if err := json.Unmarshal([]byte(data), &connIDBody); err != nil {
		t.Fatalf("unmarshal conn.id: %v", err)
	}
	if connIDBody.ConnID == "" {
		t.Fatal("expected non-empty conn_id")
	}

	verifier := session.NewTokenVerifier("sse-test-secret")
	token, err := verifier.Issue("alice", "", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	startFrame, _ := broker.NewFrame(broker.TypeSessionStart, "r1", map[string]string{"auth_token": token})
	payload, _ := json.Marshal(startFrame)

	inboxReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, "/v1/inbox", strings.NewReader(string(payload)))
	inboxReq.Header.Set(sseConnHeader, connIDBody.ConnID)
	inboxRec := httptest.NewRecorder()
	h.ServeInbox(inboxRec, inboxReq)
	if inboxRec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 from inbox, got %d: %s", inboxRec.Code, inboxRec.Body.String())
	}

	event, data = reader.next(t)
	if event != broker.TypeSessionReady {
		t.Fatalf("expected session.ready event on sse stream, got %s", event)
	}
	var env broker.Envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	var ready broker.SessionReadyBody
	if err := json.Unmarshal(env.Body, &ready); err != nil {
		t.Fatalf("unmarshal session.ready body: %v", err)
	}
	if ready.SessionToken == "" {
		t.Fatal("expected non-empty session_token")
	}
}

func TestInboxUnknownConnIDRejected(t *testing.T) {
	h := newTestSSEHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/inbox", strings.NewReader(`{"v":1,"t":"ping"}`))
	req.Header.Set(sseConnHeader, "does-not-exist")
	rec := httptest.NewRecorder()
	h.ServeInbox(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown conn id, got %d", rec.Code)
	}
}

func TestInboxMissingConnHeaderRejected(t *testing.T) {
	h := newTestSSEHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/inbox", strings.NewReader(`{"v":1,"t":"ping"}`))
	rec := httptest.NewRecorder()
	h.ServeInbox(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing conn header, got %d", rec.Code)
	}
}
