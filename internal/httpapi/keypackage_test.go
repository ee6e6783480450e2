package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coldwire/gateway/internal/domain"
	"github.com/coldwire/gateway/internal/keypackage"
	"github.com/coldwire/gateway/internal/ratelimit"
	"github.com/coldwire/gateway/internal/store"
)

func newTestKeyPackageHandler(t *testing.T) *KeyPackageHandler {
	t.Helper()
	repo, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	limiter := ratelimit.New(map[ratelimit.Operation]ratelimit.Policy{
		ratelimit.OpKeyPackageFetch: {Rate: 100, Burst: 100},
	})
	t.Cleanup(limiter.Close)

	return NewKeyPackageHandler(keypackage.New(repo, "gw_test", 0), limiter)
}

func TestKeyPackagePublishAndFetch(t *testing.T) {
	h := newTestKeyPackageHandler(t)
	sess := &domain.Session{DeviceID: "dev1", UserID: "alice"}

	publishReq := httptest.NewRequest(http.MethodPost, "/v1/keypackages", strings.NewReader(`{"blobs":["aGVsbG8="]}`))
	publishReq = withSession(publishReq, sess)
	rec := httptest.NewRecorder()
	h.Publish(rec, publishReq)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	fetchReq := httptest.NewRequest(http.MethodPost, "/v1/keypackages/fetch", strings.NewReader(`{"user_id":"alice","count":1}`))
	fetchReq = withSession(fetchReq, sess)
	fetchRec := httptest.NewRecorder()
	h.Fetch(fetchRec, fetchReq)
	if fetchRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", fetchRec.Code, fetchRec.Body.String())
	}
}

func TestKeyPackageFetchExhaustedReturnsNotFound(t *testing.T) {
	h := newTestKeyPackageHandler(t)
	sess := &domain.Session{DeviceID: "dev1", UserID: "bob"}

	fetchReq := httptest.NewRequest(http.MethodPost, "/v1/keypackages/fetch", strings.NewReader(`{"user_id":"bob","count":1}`))
	fetchReq = withSession(fetchReq, sess)
	rec := httptest.NewRecorder()
	h.Fetch(rec, fetchReq)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for empty pool, got %d", rec.Code)
	}
}

func TestKeyPackageRotateRevokesAndReplaces(t *testing.T) {
	h := newTestKeyPackageHandler(t)
	sess := &domain.Session{DeviceID: "dev1", UserID: "carol"}

	publishReq := httptest.NewRequest(http.MethodPost, "/v1/keypackages", strings.NewReader(`{"blobs":["b2xk"]}`))
	publishReq = withSession(publishReq, sess)
	h.Publish(httptest.NewRecorder(), publishReq)

	rotateReq := httptest.NewRequest(http.MethodPost, "/v1/keypackages/rotate", strings.NewReader(`{"revoke":true,"replacements":["bmV3"]}`))
	rotateReq = withSession(rotateReq, sess)
	rec := httptest.NewRecorder()
	h.Rotate(rec, rotateReq)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	fetchReq := httptest.NewRequest(http.MethodPost, "/v1/keypackages/fetch", strings.NewReader(`{"user_id":"carol","count":10}`))
	fetchReq = withSession(fetchReq, sess)
	fetchRec := httptest.NewRecorder()
	h.Fetch(fetchRec, fetchReq)
	if fetchRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", fetchRec.Code, fetchRec.Body.String())
	}
	if strings.Contains(fetchRec.Body.String(), "b2xk") {
		t.Fatalf("revoked blob should not be fetchable: %s", fetchRec.Body.String())
	}
}

func TestKeyPackagePublishRejectsBadBase64(t *testing.T) {
	h := newTestKeyPackageHandler(t)
	sess := &domain.Session{DeviceID: "dev1", UserID: "alice"}

	req := httptest.NewRequest(http.MethodPost, "/v1/keypackages", strings.NewReader(`{"blobs":["not-base64!!"]}`))
	req = withSession(req, sess)
	rec := httptest.NewRecorder()
	h.Publish(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed base64, got %d", rec.Code)
	}
}
