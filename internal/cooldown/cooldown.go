// Package cooldown tracks temporary per-account suspensions from candidate
// selection after the upstream relay classifies a retryable failure.
package cooldown

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultUnavailable is the cooldown duration applied for suspensions that
// are not tied to a provider-supplied retry-after value (auth failures,
// disabled organizations, quota exhaustion, opus weekly limits).
const DefaultUnavailable = time.Hour

// entry is a single account's suspension.
type entry struct {
	until  time.Time
	reason string
}

// Table is a concurrent-safe map of account id to cooldown entry. Readers
// may proceed concurrently with other readers; writers are exclusive.
type Table struct {
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time
}

func New() *Table {
	return &Table{entries: make(map[string]entry), now: time.Now}
}

func (t *Table) mark(id string, until time.Time, reason string) {
	t.mu.Lock()
	t.entries[id] = entry{until: until, reason: reason}
	t.mu.Unlock()
	log.Info().Str("account_id", id).Str("reason", reason).Time("until", until).Msg("account cooldown applied")
}

// MarkRateLimited suspends the account for the given duration (typically the
// provider's retry-after hint).
func (t *Table) MarkRateLimited(id string, d time.Duration) {
	t.mark(id, t.now().Add(d), "rate_limited")
}

// MarkOverloaded suspends the account for the given duration (minutes, per a
// 529 overloaded response).
func (t *Table) MarkOverloaded(id string, d time.Duration) {
	t.mark(id, t.now().Add(d), "overloaded")
}

// MarkUnavailable suspends the account for DefaultUnavailable with an
// arbitrary reason string (auth failure, disabled org, quota, opus limit).
func (t *Table) MarkUnavailable(id, reason string) {
	t.mark(id, t.now().Add(DefaultUnavailable), reason)
}

// IsInCooldown reports whether the account currently has an unexpired entry.
func (t *Table) IsInCooldown(id string) bool {
	t.mu.RLock()
	e, ok := t.entries[id]
	t.mu.RUnlock()
	return ok && t.now().Before(e.until)
}

// Sweep drops all expired entries and returns how many were removed.
func (t *Table) Sweep() int {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, e := range t.entries {
		if !now.Before(e.until) {
			delete(t.entries, id)
			removed++
		}
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("cooldown sweep removed expired entries")
	}
	return removed
}
