package store

import (
	"database/sql"
	"errors"
	"time"
)

// ClientToken is a client-facing API token issued by the relay's own admin
// surface, distinct from the upstream provider credentials in accounts.
type ClientToken struct {
	ID         string
	UserName   string
	Mode       string // "web", "api", or "both"
	CreatedAt  time.Time
	ExpiresAt  time.Time
	RevokedAt  sql.NullTime
	LastUsedAt sql.NullTime
}

// CreateClientToken persists a newly issued token.
func (s *Store) CreateClientToken(t ClientToken) error {
	_, err := s.db.Exec(`
		INSERT INTO client_tokens (id, user_name, mode, expires_at)
		VALUES (?, ?, ?, ?)
	`, t.ID, t.UserName, t.Mode, t.ExpiresAt)
	return err
}

// GetClientToken fetches a token by id, whether or not it has expired or
// been revoked — callers decide validity themselves via IsClientTokenValid.
func (s *Store) GetClientToken(id string) (ClientToken, error) {
	var t ClientToken
	err := s.db.QueryRow(`
		SELECT id, user_name, mode, created_at, expires_at, revoked_at, last_used_at
		FROM client_tokens WHERE id = ?
	`, id).Scan(&t.ID, &t.UserName, &t.Mode, &t.CreatedAt, &t.ExpiresAt, &t.RevokedAt, &t.LastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ClientToken{}, ErrNotFound
	}
	return t, err
}

// IsClientTokenValid reports whether a token is usable at the given instant:
// not revoked and not expired.
func (s *Store) IsClientTokenValid(id string, now time.Time) (bool, error) {
	t, err := s.GetClientToken(id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if t.RevokedAt.Valid {
		return false, nil
	}
	return t.ExpiresAt.After(now), nil
}

// TouchClientToken stamps a token's last_used_at to now.
func (s *Store) TouchClientToken(id string, now time.Time) error {
	_, err := s.db.Exec(`UPDATE client_tokens SET last_used_at = ? WHERE id = ?`, now, id)
	return err
}

// RevokeClientToken marks a token revoked as of now.
func (s *Store) RevokeClientToken(id string, now time.Time) error {
	_, err := s.db.Exec(`UPDATE client_tokens SET revoked_at = ? WHERE id = ?`, now, id)
	return err
}

// ListClientTokens returns every issued token, most recently created first.
func (s *Store) ListClientTokens() ([]ClientToken, error) {
	rows, err := s.db.Query(`
		SELECT id, user_name, mode, created_at, expires_at, revoked_at, last_used_at
		FROM client_tokens ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ClientToken
	for rows.Next() {
		var t ClientToken
		if err := rows.Scan(&t.ID, &t.UserName, &t.Mode, &t.CreatedAt, &t.ExpiresAt, &t.RevokedAt, &t.LastUsedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteExpiredClientTokens removes tokens expired for more than gracePeriod,
// returning the number of rows removed.
func (s *Store) DeleteExpiredClientTokens(now time.Time, gracePeriod time.Duration) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM client_tokens WHERE expires_at <= ?`, now.Add(-gracePeriod))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
