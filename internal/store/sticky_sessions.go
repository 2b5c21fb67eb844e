package store

import (
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("store: not found")

// StickySession binds a session fingerprint to the account it was last
// routed to, until expiresAt.
type StickySession struct {
	SessionHash string
	AccountID   string
	ExpiresAt   time.Time
}

// GetStickySession looks up a session by fingerprint. A row whose
// expires_at has passed is treated identically to no row at all.
func (s *Store) GetStickySession(hash string, now time.Time) (StickySession, error) {
	var row StickySession
	err := s.db.QueryRow(`SELECT session_hash, account_id, expires_at FROM sticky_sessions WHERE session_hash = ?`, hash).
		Scan(&row.SessionHash, &row.AccountID, &row.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return StickySession{}, ErrNotFound
	}
	if err != nil {
		return StickySession{}, err
	}
	if !row.ExpiresAt.After(now) {
		return StickySession{}, ErrNotFound
	}
	return row, nil
}

// UpsertStickySession binds (or rebinds) a session fingerprint to an
// account, overwriting any prior binding and extending its expiry.
func (s *Store) UpsertStickySession(hash, accountID string, expiresAt time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO sticky_sessions (session_hash, account_id, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_hash) DO UPDATE SET
			account_id = excluded.account_id,
			expires_at = excluded.expires_at
	`, hash, accountID, expiresAt)
	return err
}

// DeleteStickySession removes a binding outright, used when an account is
// excluded mid-retry and its sticky session must not be reused.
func (s *Store) DeleteStickySession(hash string) error {
	_, err := s.db.Exec(`DELETE FROM sticky_sessions WHERE session_hash = ?`, hash)
	return err
}

// SweepStickySessions deletes every binding that has expired as of now,
// returning the number of rows removed.
func (s *Store) SweepStickySessions(now time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM sticky_sessions WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
