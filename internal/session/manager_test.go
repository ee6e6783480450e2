package session

import (
	"context"
	"testing"
	"time"

	"github.com/coldwire/gateway/internal/store"
)

const testSecret = "test-secret-key-for-signing"

func newTestManager(t *testing.T) (*Manager, *store.SQLiteStore) {
	t.Helper()
	repo, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	verifier := NewTokenVerifier(testSecret)
	return NewManager(repo, verifier), repo
}

func TestStartWithValidAuthToken(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	token, err := mgr.verifier.Issue("user1", "cred1", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	res, err := mgr.Start(ctx, token, "", "cred1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if res.SessionToken == "" || res.ResumeToken == "" {
		t.Fatalf("expected non-empty tokens, got %+v", res)
	}
	if res.DeviceID != "cred1" {
		t.Fatalf("expected device id derived from credential, got %s", res.DeviceID)
	}
	if len(res.Cursors) != 0 {
		t.Fatalf("expected no cursors for a brand new device, got %v", res.Cursors)
	}
}

func TestStartWithInvalidAuthTokenFails(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.Start(ctx, "garbage", "dev1", "")
	if err != ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestResumeRotatesAndIsSingleUse(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	token, _ := mgr.verifier.Issue("user1", "cred1", time.Hour)
	started, err := mgr.Start(ctx, token, "", "cred1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	resumed, err := mgr.Resume(ctx, started.ResumeToken)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.ResumeToken == started.ResumeToken {
		t.Fatalf("expected a fresh resume token")
	}
	if resumed.DeviceID != "cred1" {
		t.Fatalf("expected device id to be preserved across resume")
	}

	// Reusing the original resume token must now fail.
	if _, err := mgr.Resume(ctx, started.ResumeToken); err != ErrResumeFailed {
		t.Fatalf("expected ErrResumeFailed on reused resume token, got %v", err)
	}
}

func TestResumeUnknownTokenFails(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := mgr.Resume(ctx, "nonexistent"); err != ErrResumeFailed {
		t.Fatalf("expected ErrResumeFailed, got %v", err)
	}
}

func TestAuthenticateRejectsRevokedSession(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	token, _ := mgr.verifier.Issue("user1", "cred1", time.Hour)
	started, err := mgr.Start(ctx, token, "", "cred1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := mgr.Authenticate(ctx, started.SessionToken); err != nil {
		t.Fatalf("expected valid session to authenticate, got %v", err)
	}

	if err := mgr.RevokeByToken(ctx, started.SessionToken); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	if _, err := mgr.Authenticate(ctx, started.SessionToken); err != ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized after revoke, got %v", err)
	}
}

func TestLogoutAllRevokesEveryDeviceSession(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	token, _ := mgr.verifier.Issue("user1", "", time.Hour)
	s1, err := mgr.Start(ctx, token, "dev1", "")
	if err != nil {
		t.Fatalf("start dev1: %v", err)
	}
	s2, err := mgr.Start(ctx, token, "dev2", "")
	if err != nil {
		t.Fatalf("start dev2: %v", err)
	}

	if err := mgr.LogoutAll(ctx, "user1"); err != nil {
		t.Fatalf("logout all: %v", err)
	}

	if _, err := mgr.Authenticate(ctx, s1.SessionToken); err != ErrUnauthorized {
		t.Fatalf("expected dev1 session revoked, got %v", err)
	}
	if _, err := mgr.Authenticate(ctx, s2.SessionToken); err != ErrUnauthorized {
		t.Fatalf("expected dev2 session revoked, got %v", err)
	}
}

func TestStartReturnsStoredCursors(t *testing.T) {
	mgr, repo := newTestManager(t)
	ctx := context.Background()

	if _, err := repo.AckCursor(ctx, "dev1", "conv1", 4); err != nil {
		t.Fatalf("ack: %v", err)
	}

	token, _ := mgr.verifier.Issue("user1", "", time.Hour)
	res, err := mgr.Start(ctx, token, "dev1", "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(res.Cursors) != 1 || res.Cursors[0].ConvID != "conv1" || res.Cursors[0].NextSeq != 5 {
		t.Fatalf("expected stored cursor conv1@5, got %+v", res.Cursors)
	}
}
