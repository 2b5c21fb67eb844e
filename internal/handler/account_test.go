package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"

	"ccrelay/internal/account"
	"ccrelay/internal/store"
)

func newAccountTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newAccountTestRouter(h *AccountHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/accounts", h.List)
	r.POST("/accounts", h.Create)
	r.PUT("/accounts/:id", h.Update)
	r.DELETE("/accounts/:id", h.Delete)
	return r
}

func TestAccountHandler_CreateAndList(t *testing.T) {
	db := newAccountTestStore(t)
	h := NewAccountHandler(db, nil)
	r := newAccountTestRouter(h)

	body, _ := json.Marshal(createAccountRequest{
		ID:     "acc-1",
		Name:   "Primary",
		Type:   "claude-api",
		APIKey: "sk-test",
	})
	req := httptest.NewRequest(http.MethodPost, "/accounts", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}

	listReq := httptest.NewRequest(http.MethodGet, "/accounts", nil)
	listW := httptest.NewRecorder()
	r.ServeHTTP(listW, listReq)
	if listW.Code != http.StatusOK {
		t.Fatalf("list status = %d", listW.Code)
	}

	var listResp struct {
		Accounts []accountView `json:"accounts"`
	}
	if err := json.Unmarshal(listW.Body.Bytes(), &listResp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(listResp.Accounts) != 1 || listResp.Accounts[0].ID != "acc-1" {
		t.Fatalf("unexpected accounts: %+v", listResp.Accounts)
	}
}

func TestAccountHandler_CreateRejectsMissingCredential(t *testing.T) {
	db := newAccountTestStore(t)
	h := NewAccountHandler(db, nil)
	r := newAccountTestRouter(h)

	body, _ := json.Marshal(createAccountRequest{ID: "acc-2", Name: "No key", Type: "claude-api"})
	req := httptest.NewRequest(http.MethodPost, "/accounts", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for missing api_key", w.Code)
	}
}

func TestAccountHandler_UpdateEnabledTakesEffectOnLiveRegistry(t *testing.T) {
	db := newAccountTestStore(t)
	live := account.NewAPIKeyAccount("acc-3", "Live", account.Claude, 100, true, account.Proxy{}, "", "sk-live")
	registry, err := account.NewRegistry(live)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if err := db.UpsertAccount(store.AccountRow{
		ID: "acc-3", Name: "Live", Platform: "claude", CredentialKind: "api_key",
		Priority: 100, Enabled: true, APIKey: "sk-live",
	}); err != nil {
		t.Fatalf("seed account: %v", err)
	}

	h := NewAccountHandler(db, registry)
	r := newAccountTestRouter(h)

	disabled := false
	body, _ := json.Marshal(updateAccountRequest{Enabled: &disabled})
	req := httptest.NewRequest(http.MethodPut, "/accounts/acc-3", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if live.Enabled() {
		t.Fatal("expected the live registry entry to be disabled immediately")
	}
}

func TestAccountHandler_UpdateUnknownAccountNotFound(t *testing.T) {
	db := newAccountTestStore(t)
	h := NewAccountHandler(db, nil)
	r := newAccountTestRouter(h)

	body, _ := json.Marshal(updateAccountRequest{})
	req := httptest.NewRequest(http.MethodPut, "/accounts/missing", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestAccountHandler_DeleteDisablesLiveAndRemovesRow(t *testing.T) {
	db := newAccountTestStore(t)
	live := account.NewAPIKeyAccount("acc-4", "Live", account.Claude, 100, true, account.Proxy{}, "", "sk-live")
	registry, err := account.NewRegistry(live)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if err := db.UpsertAccount(store.AccountRow{ID: "acc-4", Name: "Live", Platform: "claude", CredentialKind: "api_key", APIKey: "sk-live"}); err != nil {
		t.Fatalf("seed account: %v", err)
	}

	h := NewAccountHandler(db, registry)
	r := newAccountTestRouter(h)

	req := httptest.NewRequest(http.MethodDelete, "/accounts/acc-4", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if live.Enabled() {
		t.Fatal("expected the live registry entry to be disabled on delete")
	}

	rows, err := db.ListAccounts()
	if err != nil {
		t.Fatalf("list accounts: %v", err)
	}
	for _, row := range rows {
		if row.ID == "acc-4" {
			t.Fatal("expected acc-4 to be removed from the store")
		}
	}
}
