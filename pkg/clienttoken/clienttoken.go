// Package clienttoken issues and validates the JWT bearer tokens the relay
// hands out to its own callers, distinct from the upstream provider
// credentials internal/credential manages on their behalf.
package clienttoken

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// Claims is the JWT payload for one client token. Mode restricts which
// route groups the token may call (see AllowsMode).
type Claims struct {
	UserName string `json:"name"`
	Mode     string `json:"mode"` // "api", "web", or "both"
	jwt.RegisteredClaims
}

// AllowsMode reports whether this token's Mode authorizes a route gated to
// any of the given modes. A "both" token passes any gate; otherwise the
// token's Mode must appear in the allowed list verbatim.
func (c *Claims) AllowsMode(modes ...string) bool {
	if c.Mode == "both" {
		return true
	}
	for _, want := range modes {
		if c.Mode == want {
			return true
		}
	}
	return false
}

// TokenInfo is the non-secret record persisted alongside the token (see
// store.ClientToken) and returned from issuance/listing endpoints.
type TokenInfo struct {
	ID        string    `json:"id"`
	UserName  string    `json:"user_name"`
	Mode      string    `json:"mode"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Manager signs and verifies client tokens with a single shared HMAC secret.
type Manager struct {
	secret []byte
	issuer string
}

func NewManager(secret, issuer string) *Manager {
	return &Manager{secret: []byte(secret), issuer: issuer}
}

func (m *Manager) Generate(userName, mode string, expiry time.Duration) (string, *TokenInfo, error) {
	tokenID := uuid.New().String()
	now := time.Now()
	expiresAt := now.Add(expiry)

	claims := Claims{
		UserName: userName,
		Mode:     mode,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Subject:   userName,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(m.secret)
	if err != nil {
		return "", nil, err
	}

	info := &TokenInfo{
		ID:        tokenID,
		UserName:  userName,
		Mode:      mode,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	}

	return tokenString, info, nil
}

// Validate parses and signature-checks tokenString. It does not consult
// the revocation table — callers combine this with a store lookup (see
// middleware.AuthMiddleware) to reject revoked-but-unexpired tokens.
func (m *Manager) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

func (m *Manager) TokenID(tokenString string) (string, error) {
	claims, err := m.Validate(tokenString)
	if err != nil {
		return "", err
	}
	return claims.ID, nil
}
