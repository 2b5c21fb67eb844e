package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// AccountRow is the persisted representation of a provider account.
type AccountRow struct {
	ID             string
	Name           string
	Platform       string
	CredentialKind string
	Priority       int
	Enabled        bool
	APIURL         string
	ProxyJSON      string
	APIKey         string
	RefreshToken   string
	OrganizationID string
	CreatedAt      time.Time
	LastUsedAt     sql.NullTime
}

// UpsertAccount inserts a new account row or overwrites an existing one by id.
func (s *Store) UpsertAccount(a AccountRow) error {
	_, err := s.db.Exec(`
		INSERT INTO accounts (id, name, platform, credential_kind, priority, enabled, api_url, proxy_json, api_key, refresh_token, organization_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			platform = excluded.platform,
			credential_kind = excluded.credential_kind,
			priority = excluded.priority,
			enabled = excluded.enabled,
			api_url = excluded.api_url,
			proxy_json = excluded.proxy_json,
			api_key = excluded.api_key,
			refresh_token = excluded.refresh_token,
			organization_id = excluded.organization_id
	`, a.ID, a.Name, a.Platform, a.CredentialKind, a.Priority, a.Enabled, a.APIURL, a.ProxyJSON, a.APIKey, a.RefreshToken, a.OrganizationID)
	return err
}

// ListAccounts returns every persisted account, in no particular order.
func (s *Store) ListAccounts() ([]AccountRow, error) {
	rows, err := s.db.Query(`
		SELECT id, name, platform, credential_kind, priority, enabled, api_url, proxy_json, api_key, refresh_token, organization_id, created_at, last_used_at
		FROM accounts
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AccountRow
	for rows.Next() {
		var a AccountRow
		var apiURL, proxyJSON, apiKey, refreshToken, orgID sql.NullString
		if err := rows.Scan(&a.ID, &a.Name, &a.Platform, &a.CredentialKind, &a.Priority, &a.Enabled,
			&apiURL, &proxyJSON, &apiKey, &refreshToken, &orgID, &a.CreatedAt, &a.LastUsedAt); err != nil {
			return nil, err
		}
		a.APIURL, a.ProxyJSON, a.APIKey, a.RefreshToken, a.OrganizationID = apiURL.String, proxyJSON.String, apiKey.String, refreshToken.String, orgID.String
		out = append(out, a)
	}
	return out, rows.Err()
}

// SetAccountEnabled toggles an account's enabled flag.
func (s *Store) SetAccountEnabled(id string, enabled bool) error {
	_, err := s.db.Exec(`UPDATE accounts SET enabled = ? WHERE id = ?`, enabled, id)
	return err
}

// UpdateRefreshToken persists a rotated OAuth refresh token.
func (s *Store) UpdateRefreshToken(id, refreshToken string) error {
	_, err := s.db.Exec(`UPDATE accounts SET refresh_token = ? WHERE id = ?`, refreshToken, id)
	return err
}

// TouchAccountUsed stamps an account's last_used_at to now.
func (s *Store) TouchAccountUsed(id string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE accounts SET last_used_at = ? WHERE id = ?`, at, id)
	return err
}

// DeleteAccount removes a persisted account.
func (s *Store) DeleteAccount(id string) error {
	_, err := s.db.Exec(`DELETE FROM accounts WHERE id = ?`, id)
	return err
}

// MarshalProxy is a small helper so callers don't need to import encoding/json
// just to serialize a proxy struct into the accounts.proxy_json column.
func MarshalProxy(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
