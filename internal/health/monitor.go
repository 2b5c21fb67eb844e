// Package health runs a background sweep over configured accounts: it
// proactively refreshes OAuth tokens nearing expiry (so the credential
// manager's lazy path in internal/credential rarely blocks a live request
// on a network round-trip) and probes reachability where that can be done
// without a billable request, feeding results into the circuit breaker the
// scheduler already consults.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"ccrelay/internal/account"
	"ccrelay/internal/circuit"
	"ccrelay/internal/config"
	"ccrelay/internal/credential"
	"ccrelay/internal/httpclient"
	"ccrelay/internal/metrics"
)

// CheckResult is the outcome of one account's health check.
type CheckResult struct {
	AccountID string        `json:"account_id"`
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// MonitorStats summarizes the monitor's most recent sweep.
type MonitorStats struct {
	TotalChecks       int64     `json:"total_checks"`
	HealthyAccounts   int       `json:"healthy_accounts"`
	UnhealthyAccounts int       `json:"unhealthy_accounts"`
	LastCheckAt       time.Time `json:"last_check_at,omitempty"`
}

// Monitor runs the background reachability sweep and eager-refresh pass.
type Monitor interface {
	Start(ctx context.Context) error
	Stop()
	CheckAccount(ctx context.Context, accountID string) (*CheckResult, error)
	CheckAll(ctx context.Context) ([]*CheckResult, error)
	Stats() MonitorStats
}

type monitor struct {
	config      config.HealthConfig
	registry    *account.Registry
	credentials *credential.Manager
	circuitMgr  circuit.Manager
	metrics     *metrics.Metrics

	mu              sync.RWMutex
	totalChecks     int64
	healthyAccounts map[string]bool
	lastCheckAt     time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor builds a health monitor. credentials must be the same manager
// instance used to serve live requests, so the proactive refresh populates
// the cache the dispatch path actually reads from. m may be nil in tests;
// every Metrics method is a no-op on a nil receiver.
func NewMonitor(cfg config.HealthConfig, registry *account.Registry, credentials *credential.Manager, circuitMgr circuit.Manager, m *metrics.Metrics) Monitor {
	return &monitor{
		config:          cfg,
		registry:        registry,
		credentials:     credentials,
		circuitMgr:      circuitMgr,
		metrics:         m,
		healthyAccounts: make(map[string]bool),
	}
}

func (m *monitor) Start(ctx context.Context) error {
	if !m.config.Enabled {
		log.Info().Msg("health monitor disabled")
		return nil
	}

	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.backgroundCheck()

	m.wg.Add(1)
	go m.backgroundRefresh()

	log.Info().
		Dur("check_interval", m.config.CheckInterval).
		Dur("refresh_before", m.config.TokenRefreshBefore).
		Msg("health monitor started")

	return nil
}

func (m *monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	log.Info().Msg("health monitor stopped")
}

func (m *monitor) CheckAccount(ctx context.Context, accountID string) (*CheckResult, error) {
	a := m.registry.Get(accountID)
	if a == nil {
		return nil, fmt.Errorf("health: account not found: %s", accountID)
	}
	return m.checkAccountHealth(ctx, a), nil
}

func (m *monitor) CheckAll(ctx context.Context) ([]*CheckResult, error) {
	accounts := m.registry.All()
	results := make([]*CheckResult, 0, len(accounts))

	for _, a := range accounts {
		if !a.Enabled() {
			continue
		}

		results = append(results, m.checkAccountHealth(ctx, a))

		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return results, ctx.Err()
		}
	}

	return results, nil
}

func (m *monitor) Stats() MonitorStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	healthy, unhealthy := 0, 0
	for _, ok := range m.healthyAccounts {
		if ok {
			healthy++
		} else {
			unhealthy++
		}
	}

	return MonitorStats{
		TotalChecks:       m.totalChecks,
		HealthyAccounts:   healthy,
		UnhealthyAccounts: unhealthy,
		LastCheckAt:       m.lastCheckAt,
	}
}

func (m *monitor) checkAccountHealth(ctx context.Context, a account.Account) *CheckResult {
	start := time.Now()
	result := &CheckResult{AccountID: a.ID(), CheckedAt: start}

	m.mu.Lock()
	m.totalChecks++
	m.mu.Unlock()

	var err error
	switch a.Kind() {
	case account.KindOAuth:
		err = m.checkOAuthAccount(ctx, a.(*account.OAuthAccount))
	case account.KindAPIKey:
		err = m.checkAPIKeyAccount(a.(*account.APIKeyAccount))
	default:
		err = fmt.Errorf("unknown credential kind %q", a.Kind())
	}

	result.Latency = time.Since(start)
	result.Healthy = err == nil

	if err != nil {
		result.Error = err.Error()
		log.Warn().Str("account_id", a.ID()).Err(err).Dur("latency", result.Latency).Msg("account health check failed")
		if m.circuitMgr != nil {
			m.circuitMgr.RecordFailure(a.ID())
		}
	} else {
		log.Debug().Str("account_id", a.ID()).Dur("latency", result.Latency).Msg("account health check passed")
		if m.circuitMgr != nil {
			m.circuitMgr.RecordSuccess(a.ID())
		}
	}

	m.metrics.SetAccountHealthy(a.ID(), string(a.Platform()), result.Healthy)

	m.mu.Lock()
	m.healthyAccounts[a.ID()] = result.Healthy
	m.mu.Unlock()

	return result
}

// checkOAuthAccount resolves a usable token (refreshing if the lazy cache
// has gone stale) and, for Claude, probes the account against a real
// endpoint sitting behind Cloudflare's bot detection — the same
// Chrome-impersonating transport live traffic uses, so the probe result
// reflects what a real relayed request would see. Gemini's CloudCode API
// has no equivalent cheap unauthenticated-ish probe, so a resolved token is
// treated as healthy; token_refresh_before keeps that token fresh.
func (m *monitor) checkOAuthAccount(ctx context.Context, a *account.OAuthAccount) error {
	cred, err := m.credentials.CredentialsFor(ctx, a)
	if err != nil {
		return fmt.Errorf("resolve credential: %w", err)
	}

	if a.Platform() != account.Claude {
		return nil
	}

	client := httpclient.NewClientForAccount(a.ID(), a.Proxy().ToURL())
	if m.config.Timeout > 0 {
		client.SetTimeout(m.config.Timeout)
	}
	resp, err := client.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+cred.Token).
		Get("https://claude.ai/api/organizations")
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("authentication failed: status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("api error: status %d", resp.StatusCode)
	}
	return nil
}

// checkAPIKeyAccount only verifies the key's shape: exercising it for real
// would be a billable upstream call.
func (m *monitor) checkAPIKeyAccount(a *account.APIKeyAccount) error {
	if a.Key == "" {
		return fmt.Errorf("no api key configured")
	}
	if len(a.Key) < 10 {
		return fmt.Errorf("invalid api key format")
	}
	return nil
}

func (m *monitor) backgroundCheck() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			results, err := m.CheckAll(m.ctx)
			if err != nil {
				log.Error().Err(err).Msg("background health check failed")
				continue
			}

			healthy := 0
			for _, r := range results {
				if r.Healthy {
					healthy++
				}
			}

			m.mu.Lock()
			m.lastCheckAt = time.Now()
			m.mu.Unlock()

			log.Info().Int("total", len(results)).Int("healthy", healthy).Int("unhealthy", len(results)-healthy).
				Msg("background health check completed")

		case <-m.ctx.Done():
			return
		}
	}
}

func (m *monitor) backgroundRefresh() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.refreshExpiringSoon()
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *monitor) refreshExpiringSoon() {
	for _, p := range []account.Platform{account.Claude, account.Gemini} {
		for _, a := range m.registry.ForPlatform(p) {
			oauthAcc, ok := a.(*account.OAuthAccount)
			if !ok || !oauthAcc.Enabled() {
				continue
			}

			refreshed, err := m.credentials.RefreshIfNeeded(m.ctx, oauthAcc, m.config.TokenRefreshBefore)
			if err != nil {
				log.Error().Str("account_id", oauthAcc.ID()).Err(err).Msg("failed to proactively refresh token")
				continue
			}
			if refreshed {
				log.Info().Str("account_id", oauthAcc.ID()).Msg("proactively refreshed expiring token")
			}
		}
	}
}
