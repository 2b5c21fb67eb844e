package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ccrelay/internal/store"
	"ccrelay/pkg/clienttoken"
)

// TokenHandler serves the admin-key-gated client token issuance and
// revocation surface (POST/GET /api/tokens, DELETE /api/tokens/{id}).
type TokenHandler struct {
	tokens        *clienttoken.Manager
	store         *store.Store
	defaultExpiry time.Duration
}

func NewTokenHandler(tokens *clienttoken.Manager, s *store.Store, defaultExpiry time.Duration) *TokenHandler {
	return &TokenHandler{tokens: tokens, store: s, defaultExpiry: defaultExpiry}
}

type generateTokenRequest struct {
	Name      string `json:"name" binding:"required"`
	Mode      string `json:"mode"`       // "web", "api", or "both"
	ExpiresIn string `json:"expires_in"` // e.g. "720h"; defaults to defaultExpiry
}

type generateTokenResponse struct {
	Token     string    `json:"token"`
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Mode      string    `json:"mode"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *TokenHandler) Generate(c *gin.Context) {
	var req generateTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	expiry := h.defaultExpiry
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid expires_in duration"})
			return
		}
		expiry = d
	}

	mode := req.Mode
	if mode == "" {
		mode = "both"
	}
	if mode != "web" && mode != "api" && mode != "both" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be 'web', 'api', or 'both'"})
		return
	}

	tokenString, info, err := h.tokens.Generate(req.Name, mode, expiry)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	if err := h.store.CreateClientToken(store.ClientToken{
		ID:        info.ID,
		UserName:  info.UserName,
		Mode:      info.Mode,
		ExpiresAt: info.ExpiresAt,
	}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist token"})
		return
	}

	c.JSON(http.StatusOK, generateTokenResponse{
		Token:     tokenString,
		ID:        info.ID,
		Name:      info.UserName,
		Mode:      info.Mode,
		ExpiresAt: info.ExpiresAt,
	})
}

type tokenView struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Mode       string     `json:"mode"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	IsValid    bool       `json:"is_valid"`
}

func toTokenView(t store.ClientToken, now time.Time) tokenView {
	v := tokenView{
		ID:        t.ID,
		Name:      t.UserName,
		Mode:      t.Mode,
		CreatedAt: t.CreatedAt,
		ExpiresAt: t.ExpiresAt,
		IsValid:   !t.RevokedAt.Valid && t.ExpiresAt.After(now),
	}
	if t.RevokedAt.Valid {
		v.RevokedAt = &t.RevokedAt.Time
	}
	if t.LastUsedAt.Valid {
		v.LastUsedAt = &t.LastUsedAt.Time
	}
	return v
}

// List returns every issued token, most recently created first.
func (h *TokenHandler) List(c *gin.Context) {
	tokens, err := h.store.ListClientTokens()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tokens"})
		return
	}

	now := time.Now()
	out := make([]tokenView, len(tokens))
	for i, t := range tokens {
		out[i] = toTokenView(t, now)
	}
	c.JSON(http.StatusOK, gin.H{"tokens": out})
}

// Revoke marks a token revoked as of now, rejecting it on its next Auth
// check regardless of its remaining JWT expiry.
func (h *TokenHandler) Revoke(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}

	if err := h.store.RevokeClientToken(id, time.Now()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to revoke token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "token revoked"})
}
