package middleware

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"ccrelay/internal/store"
	"ccrelay/pkg/clienttoken"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func issueToken(t *testing.T, tokens *clienttoken.Manager, db *store.Store, userName, mode string) string {
	t.Helper()
	token, info, err := tokens.Generate(userName, mode, time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := db.CreateClientToken(store.ClientToken{
		ID:        info.ID,
		UserName:  info.UserName,
		Mode:      info.Mode,
		ExpiresAt: info.ExpiresAt,
	}); err != nil {
		t.Fatalf("create client token: %v", err)
	}
	return token
}

func newTestRouter(m *AuthMiddleware) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/relay", m.RelayAuth(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"client_key_hash": c.GetString(ContextKeyClientKeyHash)})
	})
	r.GET("/api", m.Auth(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": c.GetString(ContextKeyUserName)})
	})
	return r
}

func TestAuth_ValidTokenPasses(t *testing.T) {
	db := newTestStore(t)
	tokens := clienttoken.NewManager("secret", "ccrelay-test")
	token := issueToken(t, tokens, db, "alice", "api")

	r := newTestRouter(NewAuthMiddleware(tokens, db, nil))
	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestAuth_MissingTokenRejected(t *testing.T) {
	db := newTestStore(t)
	tokens := clienttoken.NewManager("secret", "ccrelay-test")

	r := newTestRouter(NewAuthMiddleware(tokens, db, nil))
	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestAuth_RevokedTokenRejected(t *testing.T) {
	db := newTestStore(t)
	tokens := clienttoken.NewManager("secret", "ccrelay-test")
	token := issueToken(t, tokens, db, "alice", "api")

	claims, err := tokens.Validate(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := db.RevokeClientToken(claims.ID, time.Now()); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	r := newTestRouter(NewAuthMiddleware(tokens, db, nil))
	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for revoked token", w.Code)
	}
}

func TestRelayAuth_StaticAPIKeyAllowed(t *testing.T) {
	db := newTestStore(t)
	tokens := clienttoken.NewManager("secret", "ccrelay-test")

	r := newTestRouter(NewAuthMiddleware(tokens, db, []string{"sk-allowed"}))
	req := httptest.NewRequest(http.MethodGet, "/relay", nil)
	req.Header.Set("x-api-key", "sk-allowed")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestRelayAuth_UnknownAPIKeyFallsThroughToTokenAuth(t *testing.T) {
	db := newTestStore(t)
	tokens := clienttoken.NewManager("secret", "ccrelay-test")

	r := newTestRouter(NewAuthMiddleware(tokens, db, []string{"sk-allowed"}))
	req := httptest.NewRequest(http.MethodGet, "/relay", nil)
	req.Header.Set("x-api-key", "sk-not-allowed")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 (unknown key falls through to token auth, which has none)", w.Code)
	}
}

func TestRelayAuth_EmptyAllowListDisablesAPIKeyLayer(t *testing.T) {
	db := newTestStore(t)
	tokens := clienttoken.NewManager("secret", "ccrelay-test")
	token := issueToken(t, tokens, db, "alice", "api")

	r := newTestRouter(NewAuthMiddleware(tokens, db, nil))
	req := httptest.NewRequest(http.MethodGet, "/relay", nil)
	req.Header.Set("x-api-key", "sk-anything")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 since the allow-list is empty and x-api-key is not a client token", w.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/relay", nil)
	req2.Header.Set("Authorization", "Bearer "+token)
	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 via client-token fallback", w2.Code)
	}
}
