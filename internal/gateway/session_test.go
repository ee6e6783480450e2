package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/coldwire/gateway/internal/broker"
	"github.com/coldwire/gateway/internal/domain"
	"github.com/coldwire/gateway/internal/keypackage"
	"github.com/coldwire/gateway/internal/presence"
	"github.com/coldwire/gateway/internal/ratelimit"
	"github.com/coldwire/gateway/internal/session"
	"github.com/coldwire/gateway/internal/store"
)

func newTestDeps(t *testing.T) (Deps, store.Repository) {
	t.Helper()
	repo, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	verifier := session.NewTokenVerifier("test-secret")
	mgr := session.NewManager(repo, verifier)
	b := broker.New(repo, broker.Config{GatewayID: "gw_test"})
	pres := presence.New(repo)
	kp := keypackage.New(repo, "gw_test", 0)
	rl := ratelimit.New(map[ratelimit.Operation]ratelimit.Policy{
		ratelimit.OpSendPerConv: {Rate: 100, Burst: 100},
	})
	t.Cleanup(rl.Close)

	return Deps{
		Broker:      b,
		Sessions:    mgr,
		Presence:    pres,
		KeyPackages: kp,
		RateLimit:   rl,
		GatewayID:   "gw_test",
	}, repo
}

func mintAuthToken(t *testing.T, deps Deps, userID string) string {
	t.Helper()
	v := session.NewTokenVerifier("test-secret")
	tok, err := v.Issue(userID, "", time.Hour)
	if err != nil {
		t.Fatalf("issue auth token: %v", err)
	}
	return tok
}

func mustFrame(t *testing.T, typ, id string, body interface{}) *broker.Envelope {
	t.Helper()
	env, err := broker.NewFrame(typ, id, body)
	if err != nil {
		t.Fatalf("build frame: %v", err)
	}
	return env
}

func drainOne(t *testing.T, s *Session) *broker.Envelope {
	t.Helper()
	select {
	case env := <-s.Outbound():
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return nil
	}
}

func TestSessionStartTransitionsToReady(t *testing.T) {
	deps, _ := newTestDeps(t)
	s := NewSession(deps)
	token := mintAuthToken(t, deps, "user1")

	s.Dispatch(context.Background(), mustFrame(t, broker.TypeSessionStart, "req1", map[string]string{
		"auth_token": token,
	}))

	env := drainOne(t, s)
	if env.T != broker.TypeSessionReady {
		t.Fatalf("expected session.ready, got %s", env.T)
	}
	if s.State() != StateReady {
		t.Fatalf("expected READY state, got %s", s.State())
	}

	var body broker.SessionReadyBody
	if err := json.Unmarshal(env.Body, &body); err != nil {
		t.Fatalf("unmarshal session.ready: %v", err)
	}
	if body.SessionToken == "" || body.ResumeToken == "" {
		t.Fatal("expected non-empty tokens")
	}
}

func TestSessionStartBadAuthTokenRejectsAndCloses(t *testing.T) {
	deps, _ := newTestDeps(t)
	s := NewSession(deps)

	s.Dispatch(context.Background(), mustFrame(t, broker.TypeSessionStart, "req1", map[string]string{
		"auth_token": "garbage",
	}))

	env := drainOne(t, s)
	if env.T != broker.TypeError {
		t.Fatalf("expected error frame, got %s", env.T)
	}
	var body broker.ErrorBody
	_ = json.Unmarshal(env.Body, &body)
	if body.Code != broker.CodeUnauthorized {
		t.Fatalf("expected unauthorized, got %s", body.Code)
	}
	if s.State() != StateClosing {
		t.Fatalf("expected CLOSING after bad auth, got %s", s.State())
	}
}

func TestDispatchBeforeReadyRejected(t *testing.T) {
	deps, _ := newTestDeps(t)
	s := NewSession(deps)

	s.Dispatch(context.Background(), mustFrame(t, broker.TypeConvSend, "req1", map[string]string{
		"conv_id": "c1", "msg_id": "m1", "env": "aGVsbG8=",
	}))

	env := drainOne(t, s)
	var body broker.ErrorBody
	_ = json.Unmarshal(env.Body, &body)
	if body.Code != broker.CodeUnauthorized {
		t.Fatalf("expected unauthorized for pre-ready send, got %s", body.Code)
	}
}

func TestSendAndSubscribeRoundTrip(t *testing.T) {
	deps, repo := newTestDeps(t)
	ctx := context.Background()

	if err := repo.UpsertConversation(ctx, &domain.Conversation{
		ConvID: "c1", Kind: domain.ConversationDM, Members: []string{"dev_alice", "dev_bob"},
	}); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}

	alice := NewSession(deps)
	aliceToken := mintAuthToken(t, deps, "alice")
	alice.Dispatch(ctx, mustFrame(t, broker.TypeSessionStart, "s1", map[string]string{"auth_token": aliceToken}))
	drainOne(t, alice) // session.ready

	bob := NewSession(deps)
	bobToken := mintAuthToken(t, deps, "bob")
	bob.Dispatch(ctx, mustFrame(t, broker.TypeSessionStart, "s2", map[string]string{"auth_token": bobToken}))
	drainOne(t, bob) // session.ready

	zero := uint64(0)
	bob.Dispatch(ctx, mustFrame(t, broker.TypeConvSubscribe, "sub1", map[string]interface{}{
		"conv_id": "c1", "from_seq": zero,
	}))

	payload := base64.StdEncoding.EncodeToString([]byte("hello"))
	alice.Dispatch(ctx, mustFrame(t, broker.TypeConvSend, "send1", map[string]string{
		"conv_id": "c1", "msg_id": "m1", "env": payload,
	}))

	acked := drainOne(t, alice)
	if acked.T != broker.TypeConvAcked {
		t.Fatalf("expected conv.acked, got %s", acked.T)
	}

	event := drainOne(t, bob)
	if event.T != broker.TypeConvEvent {
		t.Fatalf("expected conv.event, got %s", event.T)
	}
	var eventBody broker.ConvEventBody
	if err := json.Unmarshal(event.Body, &eventBody); err != nil {
		t.Fatalf("unmarshal conv.event: %v", err)
	}
	if eventBody.MsgID != "m1" || eventBody.Seq != 1 {
		t.Fatalf("unexpected event body: %+v", eventBody)
	}
}

func TestSubscribeToNonMemberConvReturnsForbidden(t *testing.T) {
	deps, repo := newTestDeps(t)
	ctx := context.Background()
	if err := repo.UpsertConversation(ctx, &domain.Conversation{
		ConvID: "c1", Kind: domain.ConversationDM, Members: []string{"dev_alice"},
	}); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}

	s := NewSession(deps)
	token := mintAuthToken(t, deps, "eve")
	s.Dispatch(ctx, mustFrame(t, broker.TypeSessionStart, "s1", map[string]string{"auth_token": token}))
	drainOne(t, s)

	s.Dispatch(ctx, mustFrame(t, broker.TypeConvSubscribe, "sub1", map[string]string{"conv_id": "c1"}))

	env := drainOne(t, s)
	var body broker.ErrorBody
	_ = json.Unmarshal(env.Body, &body)
	if body.Code != broker.CodeForbidden {
		t.Fatalf("expected forbidden, got %s", body.Code)
	}
}

func TestUnsupportedVersionClosesSession(t *testing.T) {
	deps, _ := newTestDeps(t)
	s := NewSession(deps)

	s.Dispatch(context.Background(), &broker.Envelope{V: 2, T: broker.TypePing})

	env := drainOne(t, s)
	var body broker.ErrorBody
	_ = json.Unmarshal(env.Body, &body)
	if body.Code != broker.CodeUnsupportedVersion {
		t.Fatalf("expected unsupported_version, got %s", body.Code)
	}
	if s.State() != StateClosing {
		t.Fatalf("expected CLOSING, got %s", s.State())
	}
}

func TestPongResetsMissedCounter(t *testing.T) {
	deps, _ := newTestDeps(t)
	s := NewSession(deps)
	token := mintAuthToken(t, deps, "user1")
	s.Dispatch(context.Background(), mustFrame(t, broker.TypeSessionStart, "s1", map[string]string{"auth_token": token}))
	drainOne(t, s)

	s.SendPing("hb-1")
	drainOne(t, s)
	s.SendPing("hb-2")
	drainOne(t, s)
	if !s.ShouldClose() {
		t.Fatal("expected ShouldClose after two missed pongs")
	}

	s.handlePong()
	if s.ShouldClose() {
		t.Fatal("expected pong to reset missed counter")
	}
}

func TestCloseUnsubscribesAllConversations(t *testing.T) {
	deps, repo := newTestDeps(t)
	ctx := context.Background()
	if err := repo.UpsertConversation(ctx, &domain.Conversation{
		ConvID: "c1", Kind: domain.ConversationDM, Members: []string{"dev_alice"},
	}); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}

	s := NewSession(deps)
	token := mintAuthToken(t, deps, "alice")
	s.Dispatch(ctx, mustFrame(t, broker.TypeSessionStart, "s1", map[string]string{"auth_token": token}))
	drainOne(t, s)

	s.Dispatch(ctx, mustFrame(t, broker.TypeConvSubscribe, "sub1", map[string]string{"conv_id": "c1"}))

	s.Close()
	if s.State() != StateClosed {
		t.Fatalf("expected CLOSED, got %s", s.State())
	}
	// Second close must not panic.
	s.Close()
}
