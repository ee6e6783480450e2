package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidAuthToken is returned when an auth_token fails verification.
var ErrInvalidAuthToken = errors.New("session: invalid auth_token")

// AuthClaims carries the identity asserted by a verified auth_token. The
// gateway never originates these; they are presented by the client's
// identity provider and only checked here.
type AuthClaims struct {
	UserID           string `json:"user_id"`
	DeviceCredential string `json:"device_credential,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier validates auth_token bearer credentials presented to
// session.start. It holds no session state of its own.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier builds a verifier around an HMAC secret.
func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

// Verify parses and validates tokenString, returning the asserted claims.
func (v *TokenVerifier) Verify(tokenString string) (*AuthClaims, error) {
	claims := &AuthClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAuthToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidAuthToken
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing user_id claim", ErrInvalidAuthToken)
	}
	return claims, nil
}

// Issue mints an auth_token for the given user, for use by test harnesses
// and local development login flows that stand in for a real identity
// provider.
func (v *TokenVerifier) Issue(userID, deviceCredential string, ttl time.Duration) (string, error) {
	claims := &AuthClaims{
		UserID:           userID,
		DeviceCredential: deviceCredential,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			Subject:   userID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
