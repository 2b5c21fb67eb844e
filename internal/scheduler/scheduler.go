// Package scheduler implements the central account-selection operation:
// sticky-session affinity first, falling back to a priority/least-recently-used
// ordering over the candidate accounts for a platform.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"ccrelay/internal/account"
	"ccrelay/internal/circuit"
	"ccrelay/internal/cooldown"
	"ccrelay/internal/fingerprint"
	"ccrelay/internal/stickystore"
)

// NoAccountAvailableError is returned when no enabled, non-cooldown,
// non-excluded account exists for a platform.
type NoAccountAvailableError struct {
	Platform account.Platform
}

func (e *NoAccountAvailableError) Error() string {
	return fmt.Sprintf("scheduler: no account available for platform %s", e.Platform)
}

// Config holds the scheduler's session-affinity tunables.
type Config struct {
	StickyTTL        time.Duration
	RenewalThreshold time.Duration
	SweepInterval    time.Duration
}

// DefaultConfig returns the spec's default sticky/renewal/sweep windows.
func DefaultConfig() Config {
	return Config{
		StickyTTL:        time.Hour,
		RenewalThreshold: 5 * time.Minute,
		SweepInterval:    60 * time.Second,
	}
}

// Scheduler selects a backing account for each request.
type Scheduler struct {
	config   Config
	registry *account.Registry
	sticky   *stickystore.Store
	cooldown *cooldown.Table
	breakers circuit.Manager
	now      func() time.Time

	mu       sync.RWMutex
	lastUsed map[string]time.Time

	totalSelections    int64
	stickyHits         int64
	stickyMisses       int64
	noAccountAvailable int64

	stop chan struct{}
}

// Stats summarizes the scheduler's selection activity, exposed at
// /api/stats/scheduler.
type Stats struct {
	TotalSelections    int64 `json:"total_selections"`
	StickyHits         int64 `json:"sticky_hits"`
	StickyMisses       int64 `json:"sticky_misses"`
	NoAccountAvailable int64 `json:"no_account_available"`
}

// New builds a scheduler and starts its 60-second sweep goroutine
// (sticky-session expiry + cooldown expiry). Call Close to stop it.
func New(config Config, registry *account.Registry, sticky *stickystore.Store, cooldownTable *cooldown.Table, breakers circuit.Manager) *Scheduler {
	s := &Scheduler{
		config:   config,
		registry: registry,
		sticky:   sticky,
		cooldown: cooldownTable,
		breakers: breakers,
		now:      time.Now,
		lastUsed: make(map[string]time.Time),
		stop:     make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Select implements the ordered sticky-path-then-priority-path selection
// described in the scheduler's external contract.
func (s *Scheduler) Select(ctx context.Context, platform account.Platform, body map[string]interface{}, excluded map[string]bool) (account.Account, error) {
	atomic.AddInt64(&s.totalSelections, 1)

	hash, hasFingerprint := fingerprint.Generate(body)

	if hasFingerprint {
		if a, ok := s.stickyAccount(hash, platform, excluded); ok {
			atomic.AddInt64(&s.stickyHits, 1)
			s.recordUsed(a.ID())
			return a, nil
		}
		atomic.AddInt64(&s.stickyMisses, 1)
	}

	selected, err := s.selectAvailable(platform, excluded)
	if err != nil {
		if _, ok := err.(*NoAccountAvailableError); ok {
			atomic.AddInt64(&s.noAccountAvailable, 1)
		}
		return nil, err
	}

	if hasFingerprint {
		if err := s.sticky.Upsert(hash, selected.ID(), s.config.StickyTTL); err != nil {
			log.Warn().Err(err).Str("account_id", selected.ID()).Msg("failed to persist new sticky session")
		}
	}

	log.Debug().
		Str("account_id", selected.ID()).
		Str("account_name", selected.Name()).
		Int("priority", selected.Priority()).
		Str("platform", string(platform)).
		Msg("selected account for request")

	s.recordUsed(selected.ID())
	return selected, nil
}

func (s *Scheduler) stickyAccount(hash string, platform account.Platform, excluded map[string]bool) (account.Account, bool) {
	binding, ok := s.sticky.Get(hash)
	if !ok {
		return nil, false
	}
	if excluded[binding.AccountID] {
		return nil, false
	}
	if s.cooldown.IsInCooldown(binding.AccountID) {
		return nil, false
	}
	if s.breakers != nil && !s.breakers.IsAvailable(binding.AccountID) {
		return nil, false
	}

	a := s.registry.Get(binding.AccountID)
	if a == nil || a.Platform() != platform || !a.Enabled() {
		return nil, false
	}

	if binding.Remaining < s.config.RenewalThreshold {
		if err := s.sticky.Upsert(hash, binding.AccountID, s.config.StickyTTL); err != nil {
			log.Warn().Err(err).Str("account_id", binding.AccountID).Msg("failed to renew sticky session")
		}
	}

	return a, true
}

func (s *Scheduler) selectAvailable(platform account.Platform, excluded map[string]bool) (account.Account, error) {
	candidates := make([]account.Account, 0)
	for _, a := range s.registry.ForPlatform(platform) {
		if !a.Enabled() {
			continue
		}
		if excluded[a.ID()] {
			continue
		}
		if s.cooldown.IsInCooldown(a.ID()) {
			continue
		}
		if s.breakers != nil && !s.breakers.IsAvailable(a.ID()) {
			continue
		}
		candidates = append(candidates, a)
	}

	if len(candidates) == 0 {
		log.Warn().Str("platform", string(platform)).Msg("no available accounts for platform")
		return nil, &NoAccountAvailableError{Platform: platform}
	}

	s.mu.RLock()
	lastUsed := make(map[string]time.Time, len(s.lastUsed))
	for k, v := range s.lastUsed {
		lastUsed[k] = v
	}
	s.mu.RUnlock()

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority() != b.Priority() {
			return a.Priority() > b.Priority()
		}
		at, aok := lastUsed[a.ID()]
		bt, bok := lastUsed[b.ID()]
		switch {
		case !aok && !bok:
			return false
		case !aok:
			return true
		case !bok:
			return false
		default:
			return at.Before(bt)
		}
	})

	return candidates[0], nil
}

func (s *Scheduler) recordUsed(accountID string) {
	s.mu.Lock()
	s.lastUsed[accountID] = s.now()
	s.mu.Unlock()
}

func (s *Scheduler) sweepLoop() {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.cooldown.Sweep(); n > 0 {
				log.Debug().Int("removed", n).Msg("swept expired cooldowns")
			}
			if n, err := s.sticky.Sweep(); err != nil {
				log.Warn().Err(err).Msg("sticky session sweep failed")
			} else if n > 0 {
				log.Debug().Int64("removed", n).Msg("swept expired sticky sessions")
			}
		case <-s.stop:
			return
		}
	}
}

// Close stops the sweep goroutine.
func (s *Scheduler) Close() {
	close(s.stop)
}

// Stats reports selection counters for the scheduler introspection endpoint.
// It omits the teacher's ActiveStickySessions field: sticky bindings live in
// the SQLite-backed stickystore rather than an in-memory map, and counting
// live rows on every stats poll isn't worth a query on this path.
func (s *Scheduler) Stats() Stats {
	return Stats{
		TotalSelections:    atomic.LoadInt64(&s.totalSelections),
		StickyHits:         atomic.LoadInt64(&s.stickyHits),
		StickyMisses:       atomic.LoadInt64(&s.stickyMisses),
		NoAccountAvailable: atomic.LoadInt64(&s.noAccountAvailable),
	}
}
