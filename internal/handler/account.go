package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ccrelay/internal/account"
	"ccrelay/internal/config"
	"ccrelay/internal/store"
)

// AccountHandler serves the admin-key-gated account CRUD surface. Accounts
// are persisted in the store immediately; the live account.Registry is
// immutable except for its Enabled flag, so only SetEnabled toggles take
// effect without a restart — every other field change is recorded but only
// picked up the next time the registry is rebuilt from the store at
// startup, the same tradeoff the registry itself is built around.
type AccountHandler struct {
	store    *store.Store
	registry *account.Registry
}

func NewAccountHandler(s *store.Store, registry *account.Registry) *AccountHandler {
	return &AccountHandler{store: s, registry: registry}
}

// accountView is the sanitized account shape returned to admin callers:
// api_key and refresh_token are never echoed back.
type accountView struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Platform       string     `json:"platform"`
	CredentialKind string     `json:"credential_kind"`
	Priority       int        `json:"priority"`
	Enabled        bool       `json:"enabled"`
	APIURL         string     `json:"api_url,omitempty"`
	OrganizationID string     `json:"organization_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
}

func toAccountView(row store.AccountRow) accountView {
	v := accountView{
		ID:             row.ID,
		Name:           row.Name,
		Platform:       row.Platform,
		CredentialKind: row.CredentialKind,
		Priority:       row.Priority,
		Enabled:        row.Enabled,
		APIURL:         row.APIURL,
		OrganizationID: row.OrganizationID,
		CreatedAt:      row.CreatedAt,
	}
	if row.LastUsedAt.Valid {
		v.LastUsedAt = &row.LastUsedAt.Time
	}
	return v
}

// List returns every persisted account, credentials stripped.
func (h *AccountHandler) List(c *gin.Context) {
	rows, err := h.store.ListAccounts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list accounts"})
		return
	}

	out := make([]accountView, len(rows))
	for i, row := range rows {
		out[i] = toAccountView(row)
	}
	c.JSON(http.StatusOK, gin.H{"accounts": out})
}

// createAccountRequest mirrors config.AccountConfig's TOML shape, since the
// same tagged-union validation (config.BuildAccount) governs both.
type createAccountRequest struct {
	ID           string              `json:"id" binding:"required"`
	Name         string              `json:"name" binding:"required"`
	Type         string              `json:"type" binding:"required"`
	Priority     int                 `json:"priority"`
	Enabled      *bool               `json:"enabled"`
	APIURL       string              `json:"api_url"`
	APIKey       string              `json:"api_key"`
	RefreshToken string              `json:"refresh_token"`
	Proxy        *config.ProxyConfig `json:"proxy"`
}

// Create validates and persists a new account. It does not add the account
// to the live registry — new accounts become selectable after the next
// restart, the same way a config.toml edit would.
func (h *AccountHandler) Create(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	built, err := config.BuildAccount(config.AccountConfig{
		ID: req.ID, Name: req.Name, Type: req.Type, Priority: req.Priority,
		Enabled: req.Enabled, APIURL: req.APIURL, APIKey: req.APIKey,
		RefreshToken: req.RefreshToken, Proxy: req.Proxy,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	proxyJSON := ""
	if req.Proxy != nil {
		proxyJSON, err = store.MarshalProxy(req.Proxy)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode proxy config"})
			return
		}
	}

	row := store.AccountRow{
		ID:             built.ID(),
		Name:           built.Name(),
		Platform:       string(built.Platform()),
		CredentialKind: string(built.Kind()),
		Priority:       built.Priority(),
		Enabled:        built.Enabled(),
		APIURL:         req.APIURL,
		ProxyJSON:      proxyJSON,
		APIKey:         req.APIKey,
		RefreshToken:   req.RefreshToken,
	}
	if err := h.store.UpsertAccount(row); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist account"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"account": toAccountView(row),
		"message": "account created; it becomes selectable after the next restart",
	})
}

// updateAccountRequest only covers fields an admin can usefully change
// after creation. Enabled is the one field that takes effect immediately.
type updateAccountRequest struct {
	Name     *string `json:"name"`
	Priority *int    `json:"priority"`
	Enabled  *bool   `json:"enabled"`
}

func (h *AccountHandler) Update(c *gin.Context) {
	id := c.Param("id")
	rows, err := h.store.ListAccounts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load account"})
		return
	}
	var row *store.AccountRow
	for i := range rows {
		if rows[i].ID == id {
			row = &rows[i]
			break
		}
	}
	if row == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}

	var req updateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Name != nil {
		row.Name = *req.Name
	}
	if req.Priority != nil {
		row.Priority = *req.Priority
	}
	if req.Enabled != nil {
		row.Enabled = *req.Enabled
	}

	if err := h.store.UpsertAccount(*row); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update account"})
		return
	}

	message := "account updated; non-enabled field changes take effect after the next restart"
	if req.Enabled != nil && h.registry != nil {
		if live := h.registry.Get(id); live != nil {
			live.SetEnabled(*req.Enabled)
			message = "account updated"
		}
	}

	c.JSON(http.StatusOK, gin.H{"account": toAccountView(*row), "message": message})
}

// Delete removes the persisted account. A live registry entry (if any)
// cannot be removed without a restart, so it is disabled instead — it stops
// being selected immediately even though it remains listed as a known
// account until the process restarts.
func (h *AccountHandler) Delete(c *gin.Context) {
	id := c.Param("id")

	if h.registry != nil {
		if live := h.registry.Get(id); live != nil {
			live.SetEnabled(false)
		}
	}

	if err := h.store.DeleteAccount(id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete account"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "account deleted"})
}
