// Package middleware provides the gin auth gates in front of the relay's
// routes: client-token (JWT) auth for user-mode and relay routes, a static
// API-key allow-list as a simpler alternative for the relay routes, and an
// admin-key gate for the admin API.
package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"ccrelay/internal/store"
	"ccrelay/pkg/clienttoken"
)

const (
	ContextKeyTokenID       = "token_id"
	ContextKeyUserName      = "user_name"
	ContextKeyTokenMode     = "token_mode"
	ContextKeyClaims        = "claims"
	ContextKeyClientKeyHash = "client_key_hash"
)

// AuthMiddleware implements the client-authentication contract: a JWT
// client token validated against the revocation table, or (for relay
// routes only) a static API key from an allow-list, attributed to usage
// by its SHA-256 hash.
type AuthMiddleware struct {
	tokens     *clienttoken.Manager
	store      *store.Store
	apiKeyHash map[string]string // sha256 hex -> raw key, for a fast allow-list membership check
}

func NewAuthMiddleware(tokens *clienttoken.Manager, db *store.Store, apiKeys []string) *AuthMiddleware {
	hashes := make(map[string]string, len(apiKeys))
	for _, k := range apiKeys {
		hashes[hashAPIKey(k)] = k
	}
	return &AuthMiddleware{tokens: tokens, store: db, apiKeyHash: hashes}
}

func hashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Auth validates a client token (Authorization/x-api-key/token query
// param) and attaches token identity to the request context. Used by
// user-mode (§6 `/api`) and web-mode routes, which have no notion of a
// static API-key identity.
func (m *AuthMiddleware) Auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractToken(c)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization token"})
			return
		}

		claims, err := m.tokens.Validate(tokenString)
		if err != nil {
			message := "invalid token"
			if err == clienttoken.ErrExpiredToken {
				message = "token has expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": message})
			return
		}

		valid, err := m.store.IsClientTokenValid(claims.ID, time.Now())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to validate token"})
			return
		}
		if !valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token is revoked or expired"})
			return
		}

		go m.store.TouchClientToken(claims.ID, time.Now())

		c.Set(ContextKeyTokenID, claims.ID)
		c.Set(ContextKeyUserName, claims.UserName)
		c.Set(ContextKeyTokenMode, claims.Mode)
		c.Set(ContextKeyClaims, claims)
		c.Set(ContextKeyClientKeyHash, claims.ID)

		c.Next()
	}
}

// RelayAuth validates either a client token (as Auth does) or, if an
// api_keys allow-list is configured, a matching x-api-key. Exactly one of
// ContextKeyTokenID / ContextKeyClientKeyHash carries the usage-attribution
// identity depending on which layer matched.
func (m *AuthMiddleware) RelayAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(m.apiKeyHash) > 0 {
			if key := c.GetHeader("x-api-key"); key != "" {
				hash := hashAPIKey(key)
				if _, ok := m.apiKeyHash[hash]; ok {
					c.Set(ContextKeyClientKeyHash, hash)
					c.Next()
					return
				}
			}
		}

		m.Auth()(c)
	}
}

func (m *AuthMiddleware) RequireMode(modes ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, exists := c.Get(ContextKeyClaims)
		if !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		claims, ok := v.(*clienttoken.Claims)
		if !ok || !claims.AllowsMode(modes...) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "token does not have permission for this mode"})
			return
		}

		c.Next()
	}
}

// AdminMiddleware gates the admin API behind a single shared key.
type AdminMiddleware struct {
	adminKey string
}

func NewAdminMiddleware(adminKey string) *AdminMiddleware {
	return &AdminMiddleware{adminKey: adminKey}
}

func (m *AdminMiddleware) Auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-Admin-Key")
		if key == "" {
			key = c.Query("admin_key")
		}

		if key == "" || key != m.adminKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing admin key"})
			return
		}

		c.Next()
	}
}

func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
			return parts[1]
		}
		return authHeader
	}

	if apiKey := c.GetHeader("x-api-key"); apiKey != "" {
		return apiKey
	}

	if token := c.Query("token"); token != "" {
		return token
	}

	return ""
}
