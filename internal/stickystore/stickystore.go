// Package stickystore exposes the scheduler's durable session-affinity
// table as a small get/upsert/delete/sweep interface, backed by
// internal/store's sticky_sessions table. A read past expires_at behaves
// identically to absence.
package stickystore

import (
	"time"

	"ccrelay/internal/store"
)

// Binding is a live session-hash → account binding together with its
// remaining lifetime as of the moment it was read.
type Binding struct {
	AccountID string
	Remaining time.Duration
}

// Store is the durable collaborator the scheduler consults on every
// selection. Its own concurrency is assumed linearizable per key.
type Store struct {
	db  *store.Store
	now func() time.Time
}

// New wraps a *store.Store. now defaults to time.Now when nil, overridable
// for deterministic tests.
func New(db *store.Store, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, now: now}
}

// Get returns the binding for hash, or ok=false if absent or expired.
func (s *Store) Get(hash string) (Binding, bool) {
	now := s.now()
	row, err := s.db.GetStickySession(hash, now)
	if err != nil {
		return Binding{}, false
	}
	return Binding{AccountID: row.AccountID, Remaining: row.ExpiresAt.Sub(now)}, true
}

// Upsert inserts or replaces the binding for hash, setting its expiry to
// now + ttl.
func (s *Store) Upsert(hash, accountID string, ttl time.Duration) error {
	return s.db.UpsertStickySession(hash, accountID, s.now().Add(ttl))
}

// Delete removes a binding outright.
func (s *Store) Delete(hash string) error {
	return s.db.DeleteStickySession(hash)
}

// Sweep removes every binding expired as of now, returning the count
// removed. Called from the scheduler's 60-second sweep goroutine.
func (s *Store) Sweep() (int64, error) {
	return s.db.SweepStickySessions(s.now())
}
