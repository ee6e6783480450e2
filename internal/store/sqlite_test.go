package store

import (
	"context"
	"testing"
	"time"

	"github.com/coldwire/gateway/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendEventAllocatesIncreasingSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seq1, isNew1, err := s.AppendEvent(ctx, "conv1", "msg1", []byte("a"), 1000, "gw_local")
	if err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if !isNew1 || seq1 != 1 {
		t.Fatalf("expected seq=1 isNew=true, got seq=%d isNew=%v", seq1, isNew1)
	}

	seq2, isNew2, err := s.AppendEvent(ctx, "conv1", "msg2", []byte("b"), 1001, "gw_local")
	if err != nil {
		t.Fatalf("append 2: %v", err)
	}
	if !isNew2 || seq2 != 2 {
		t.Fatalf("expected seq=2 isNew=true, got seq=%d isNew=%v", seq2, isNew2)
	}
}

func TestAppendEventIdempotentOnDuplicateMsgID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seq1, isNew1, err := s.AppendEvent(ctx, "conv1", "dup", []byte("a"), 1000, "gw_local")
	if err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if !isNew1 {
		t.Fatalf("expected first append to be new")
	}

	seq2, isNew2, err := s.AppendEvent(ctx, "conv1", "dup", []byte("b"), 2000, "gw_local")
	if err != nil {
		t.Fatalf("append 2: %v", err)
	}
	if isNew2 {
		t.Fatalf("expected duplicate append to report isNew=false")
	}
	if seq2 != seq1 {
		t.Fatalf("expected duplicate to return original seq %d, got %d", seq1, seq2)
	}

	seq3, _, err := s.AppendEvent(ctx, "conv1", "other", []byte("c"), 3000, "gw_local")
	if err != nil {
		t.Fatalf("append 3: %v", err)
	}
	if seq3 != 2 {
		t.Fatalf("expected next seq to be 2 (duplicate must not consume a seq), got %d", seq3)
	}
}

func TestAppendEventIndependentPerConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seqA, _, err := s.AppendEvent(ctx, "convA", "m1", []byte("a"), 1000, "gw_local")
	if err != nil {
		t.Fatalf("append convA: %v", err)
	}
	seqB, _, err := s.AppendEvent(ctx, "convB", "m1", []byte("a"), 1000, "gw_local")
	if err != nil {
		t.Fatalf("append convB: %v", err)
	}
	if seqA != 1 || seqB != 1 {
		t.Fatalf("expected independent seq=1 counters, got convA=%d convB=%d", seqA, seqB)
	}
}

func TestReplayEventsFromSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, _, err := s.AppendEvent(ctx, "conv1", string(rune('a'+i)), []byte{byte(i)}, uint64(1000+i), "gw_local"); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	events, err := s.ReplayEvents(ctx, "conv1", 3, 0)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events from seq 3, got %d", len(events))
	}
	if events[0].Seq != 3 {
		t.Fatalf("expected first replayed seq to be 3, got %d", events[0].Seq)
	}

	limited, err := s.ReplayEvents(ctx, "conv1", 1, 2)
	if err != nil {
		t.Fatalf("replay limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected limit=2 to bound results, got %d", len(limited))
	}
}

func TestPruneEventsBelow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, _, err := s.AppendEvent(ctx, "conv1", string(rune('a'+i)), []byte{byte(i)}, uint64(1000+i), "gw_local"); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	n, err := s.PruneEventsBelow(ctx, "conv1", 3)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows pruned, got %d", n)
	}

	earliest, ok, err := s.EarliestRetainedSeq(ctx, "conv1")
	if err != nil {
		t.Fatalf("earliest: %v", err)
	}
	if !ok || earliest != 3 {
		t.Fatalf("expected earliest=3, got %d ok=%v", earliest, ok)
	}
}

func TestEarliestRetainedSeqNoEventsReturnsNotOK(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	earliest, ok, err := s.EarliestRetainedSeq(ctx, "conv_never_sent")
	if err != nil {
		t.Fatalf("earliest: %v", err)
	}
	if ok || earliest != 0 {
		t.Fatalf("expected ok=false earliest=0 for a conv_id with no retained events, got ok=%v earliest=%d", ok, earliest)
	}
}

func TestAckCursorMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.AckCursor(ctx, "dev1", "conv1", 5)
	if err != nil {
		t.Fatalf("ack 5: %v", err)
	}
	if c.NextSeq != 6 {
		t.Fatalf("expected NextSeq=6, got %d", c.NextSeq)
	}

	// Acking an older seq must not move the cursor backwards.
	c2, err := s.AckCursor(ctx, "dev1", "conv1", 2)
	if err != nil {
		t.Fatalf("ack 2: %v", err)
	}
	if c2.NextSeq != 6 {
		t.Fatalf("expected cursor to stay at 6 after stale ack, got %d", c2.NextSeq)
	}
}

func TestGetCursorNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetCursor(ctx, "dev1", "conv1")
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMinActiveNextSeqDefaultsToOneWithNoCursors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seq, ok, err := s.MinActiveNextSeq(ctx, "conv1", 0)
	if err != nil {
		t.Fatalf("min active: %v", err)
	}
	if !ok || seq != 1 {
		t.Fatalf("expected (1, true) with no cursors, got (%d, %v)", seq, ok)
	}
}

func TestMinActiveNextSeqTracksSlowestDevice(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.AckCursor(ctx, "dev1", "conv1", 10); err != nil {
		t.Fatalf("ack dev1: %v", err)
	}
	if _, err := s.AckCursor(ctx, "dev2", "conv1", 2); err != nil {
		t.Fatalf("ack dev2: %v", err)
	}

	seq, ok, err := s.MinActiveNextSeq(ctx, "conv1", 0)
	if err != nil {
		t.Fatalf("min active: %v", err)
	}
	if !ok || seq != 3 {
		t.Fatalf("expected min next_seq=3 (slowest device), got %d", seq)
	}
}

func TestConversationUpsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := &domain.Conversation{
		ConvID:   "conv1",
		ConvHome: "gw_local",
		Kind:     domain.ConversationRoom,
		Owner:    "dev_owner",
		Admins:   []string{"dev_owner"},
		Members:  []string{"dev_owner", "dev_b"},
	}
	if err := s.UpsertConversation(ctx, conv); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetConversation(ctx, "conv1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Kind != domain.ConversationRoom || !got.HasMember("dev_b") {
		t.Fatalf("unexpected conversation: %+v", got)
	}

	conv.Members = append(conv.Members, "dev_c")
	if err := s.UpsertConversation(ctx, conv); err != nil {
		t.Fatalf("upsert 2: %v", err)
	}
	got2, err := s.GetConversation(ctx, "conv1")
	if err != nil {
		t.Fatalf("get 2: %v", err)
	}
	if !got2.HasMember("dev_c") {
		t.Fatalf("expected membership update to persist")
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &domain.Session{
		SessionToken: "st1",
		ResumeToken:  "rt1",
		DeviceID:     "dev1",
		UserID:       "user1",
		ExpiresAt:    time.Now().Add(time.Hour),
		CreatedAt:    time.Now(),
	}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetSessionByToken(ctx, "st1")
	if err != nil {
		t.Fatalf("get by token: %v", err)
	}
	if got.DeviceID != "dev1" || got.Revoked() {
		t.Fatalf("unexpected session: %+v", got)
	}

	rotated, err := s.RotateResumeToken(ctx, "rt1", "st2", "rt2", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.SessionToken != "st2" {
		t.Fatalf("expected rotated session_token st2, got %s", rotated.SessionToken)
	}

	// Reusing the old resume token must fail: single-use.
	if _, err := s.RotateResumeToken(ctx, "rt1", "st3", "rt3", time.Now().Add(time.Hour)); err != ErrConflict {
		t.Fatalf("expected ErrConflict on reused resume token, got %v", err)
	}

	if err := s.RevokeSessionByToken(ctx, "st2"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	revoked, err := s.GetSessionByToken(ctx, "st2")
	if err != nil {
		t.Fatalf("get revoked: %v", err)
	}
	if !revoked.Revoked() {
		t.Fatalf("expected session to be revoked")
	}
}

func TestPublishAndFetchKeyPackages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	accepted, err := s.PublishKeyPackages(ctx, "dev1", "user1", [][]byte{[]byte("kp1"), []byte("kp2"), []byte("kp1")}, 10)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if accepted != 2 {
		t.Fatalf("expected 2 accepted (duplicate content rejected), got %d", accepted)
	}

	fetched, err := s.FetchKeyPackages(ctx, "user1", 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(fetched) != 2 {
		t.Fatalf("expected 2 fetched packages, got %d", len(fetched))
	}

	// Served packages are one-time: a second fetch must return none.
	fetched2, err := s.FetchKeyPackages(ctx, "user1", 10)
	if err != nil {
		t.Fatalf("fetch 2: %v", err)
	}
	if len(fetched2) != 0 {
		t.Fatalf("expected served packages not to be refetched, got %d", len(fetched2))
	}
}

func TestPublishKeyPackagesRespectsPoolCap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	accepted, err := s.PublishKeyPackages(ctx, "dev1", "user1", [][]byte{[]byte("a"), []byte("b"), []byte("c")}, 2)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if accepted != 2 {
		t.Fatalf("expected pool cap to admit only 2, got %d", accepted)
	}
}

func TestPresenceLeaseRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	lease := &domain.PresenceLease{
		DeviceID:   "dev1",
		UserID:     "user1",
		Status:     "online",
		ExpiresAt:  time.Now().Add(time.Minute),
		Invisible:  false,
		Allowlist:  []string{"user2"},
		LastChange: time.Now(),
	}
	if err := s.UpsertLease(ctx, lease); err != nil {
		t.Fatalf("upsert lease: %v", err)
	}

	got, err := s.GetLease(ctx, "dev1")
	if err != nil {
		t.Fatalf("get lease: %v", err)
	}
	if got.Status != "online" || !got.Active() {
		t.Fatalf("unexpected lease: %+v", got)
	}
}

func TestMutualWatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetWatchlist(ctx, "alice", []string{"bob"}, 100); err != nil {
		t.Fatalf("set alice watchlist: %v", err)
	}

	mutual, err := s.IsMutualWatch(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("is mutual: %v", err)
	}
	if mutual {
		t.Fatalf("expected one-sided watch to not be mutual yet")
	}

	if err := s.SetWatchlist(ctx, "bob", []string{"alice"}, 100); err != nil {
		t.Fatalf("set bob watchlist: %v", err)
	}

	mutual2, err := s.IsMutualWatch(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("is mutual 2: %v", err)
	}
	if !mutual2 {
		t.Fatalf("expected mutual watch once both sides watch each other")
	}
}
