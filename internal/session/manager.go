// Package session implements the session manager: auth_token verification,
// session_token/resume_token minting, and device-bound session lifecycle.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/coldwire/gateway/internal/domain"
	"github.com/coldwire/gateway/internal/store"
)

// ErrUnauthorized is returned by Start when auth_token fails verification.
var ErrUnauthorized = errors.New("session: unauthorized")

// ErrResumeFailed is returned by Resume when resume_token is unknown,
// revoked, or expired.
var ErrResumeFailed = errors.New("session: resume_failed")

const tokenByteLength = 32

const defaultSessionTTL = 24 * time.Hour

// CursorPosition mirrors one entry of the start/resume response's
// cursors list.
type CursorPosition struct {
	ConvID  string
	NextSeq uint64
}

// StartResult is returned by Start and Resume.
type StartResult struct {
	SessionToken string
	ResumeToken  string
	DeviceID     string
	UserID       string
	ExpiresAt    time.Time
	Cursors      []CursorPosition
}

// Manager implements the session manager operations.
type Manager struct {
	repo     store.Repository
	verifier *TokenVerifier
	ttl      time.Duration
}

// NewManager builds a session manager backed by repo, verifying auth_token
// bearer credentials with verifier.
func NewManager(repo store.Repository, verifier *TokenVerifier) *Manager {
	return &Manager{repo: repo, verifier: verifier, ttl: defaultSessionTTL}
}

func generateToken() (string, error) {
	buf := make([]byte, tokenByteLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func deriveDeviceID(userID, credential string) string {
	if credential != "" {
		return credential
	}
	return "dev_" + userID
}

// Start validates authToken and mints a fresh session bound to deviceID
// (derived from deviceCredential when deviceID is not presented). It
// returns every stored cursor for the device; conversations the device has
// never acked are omitted and default to next_seq=1 on the client side.
func (m *Manager) Start(ctx context.Context, authToken, deviceID, deviceCredential string) (*StartResult, error) {
	claims, err := m.verifier.Verify(authToken)
	if err != nil {
		return nil, ErrUnauthorized
	}

	if deviceID == "" {
		deviceID = deriveDeviceID(claims.UserID, deviceCredential)
	}

	sessionToken, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	resumeToken, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}

	now := time.Now()
	expiresAt := now.Add(m.ttl)
	sess := &domain.Session{
		SessionToken: sessionToken,
		ResumeToken:  resumeToken,
		DeviceID:     deviceID,
		UserID:       claims.UserID,
		ExpiresAt:    expiresAt,
		CreatedAt:    now,
	}
	if err := m.repo.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}

	cursors, err := m.cursorsForDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}

	return &StartResult{
		SessionToken: sessionToken,
		ResumeToken:  resumeToken,
		DeviceID:     deviceID,
		UserID:       claims.UserID,
		ExpiresAt:    expiresAt,
		Cursors:      cursors,
	}, nil
}

// Resume exchanges resumeToken for a fresh session_token/resume_token pair.
// The old resume_token is single-use: a concurrent resume of the same
// token fails with ErrResumeFailed for the loser.
func (m *Manager) Resume(ctx context.Context, resumeToken string) (*StartResult, error) {
	existing, err := m.repo.GetSessionByResumeToken(ctx, resumeToken)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrResumeFailed
	}
	if err != nil {
		return nil, fmt.Errorf("resume session: %w", err)
	}
	if existing.Revoked() {
		return nil, ErrResumeFailed
	}

	newSessionToken, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("resume session: %w", err)
	}
	newResumeToken, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("resume session: %w", err)
	}

	expiresAt := time.Now().Add(m.ttl)
	rotated, err := m.repo.RotateResumeToken(ctx, resumeToken, newSessionToken, newResumeToken, expiresAt)
	if errors.Is(err, store.ErrConflict) {
		return nil, ErrResumeFailed
	}
	if err != nil {
		return nil, fmt.Errorf("resume session: %w", err)
	}

	cursors, err := m.cursorsForDevice(ctx, rotated.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("resume session: %w", err)
	}

	return &StartResult{
		SessionToken: rotated.SessionToken,
		ResumeToken:  rotated.ResumeToken,
		DeviceID:     rotated.DeviceID,
		UserID:       rotated.UserID,
		ExpiresAt:    rotated.ExpiresAt,
		Cursors:      cursors,
	}, nil
}

func (m *Manager) cursorsForDevice(ctx context.Context, deviceID string) ([]CursorPosition, error) {
	stored, err := m.repo.ListCursorsForDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	cursors := make([]CursorPosition, 0, len(stored))
	for _, c := range stored {
		cursors = append(cursors, CursorPosition{ConvID: c.ConvID, NextSeq: c.NextSeq})
	}
	return cursors, nil
}

// Authenticate resolves a bearer session_token to its live session. Callers
// must treat a revoked or expired session as unauthorized.
func (m *Manager) Authenticate(ctx context.Context, sessionToken string) (*domain.Session, error) {
	sess, err := m.repo.GetSessionByToken(ctx, sessionToken)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	if sess.Revoked() {
		return nil, ErrUnauthorized
	}
	return sess, nil
}

// RevokeByToken tombstones exactly one session.
func (m *Manager) RevokeByToken(ctx context.Context, sessionToken string) error {
	if err := m.repo.RevokeSessionByToken(ctx, sessionToken); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// RevokeDevice tombstones every session bound to deviceID.
func (m *Manager) RevokeDevice(ctx context.Context, deviceID string) error {
	if err := m.repo.RevokeSessionsForDevice(ctx, deviceID); err != nil {
		return fmt.Errorf("revoke device sessions: %w", err)
	}
	return nil
}

// LogoutAll revokes every session across every device of a user.
func (m *Manager) LogoutAll(ctx context.Context, userID string) error {
	if err := m.repo.RevokeSessionsForUser(ctx, userID); err != nil {
		return fmt.Errorf("logout all: %w", err)
	}
	return nil
}
