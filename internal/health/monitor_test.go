package health

import (
	"context"
	"testing"
	"time"

	"ccrelay/internal/account"
	"ccrelay/internal/circuit"
	"ccrelay/internal/config"
	"ccrelay/internal/credential"
)

type fakeRefresher struct {
	token     string
	expiresIn time.Duration
	calls     int
	err       error
}

func (f *fakeRefresher) Refresh(ctx context.Context, a *account.OAuthAccount) (string, time.Duration, error) {
	f.calls++
	if f.err != nil {
		return "", 0, f.err
	}
	return f.token, f.expiresIn, nil
}

func testConfig() config.HealthConfig {
	return config.HealthConfig{
		Enabled:            true,
		CheckInterval:      time.Minute,
		TokenRefreshBefore: 30 * time.Minute,
		Timeout:            5 * time.Second,
	}
}

func TestCheckAccount_APIKeyValid(t *testing.T) {
	acc := account.NewAPIKeyAccount("acc-a", "A", account.Claude, 100, true, account.Proxy{}, "", "sk-valid-key")
	registry, err := account.NewRegistry(acc)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	mon := NewMonitor(testConfig(), registry, credential.NewManager(nil, nil), circuit.NewManager(circuit.BreakerConfig{Enabled: false}), nil)

	result, err := mon.CheckAccount(context.Background(), "acc-a")
	if err != nil {
		t.Fatalf("check account: %v", err)
	}
	if !result.Healthy {
		t.Fatalf("result = %+v, want healthy", result)
	}
}

func TestCheckAccount_APIKeyInvalidFormat(t *testing.T) {
	acc := account.NewAPIKeyAccount("acc-a", "A", account.Claude, 100, true, account.Proxy{}, "", "short")
	registry, err := account.NewRegistry(acc)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	mon := NewMonitor(testConfig(), registry, credential.NewManager(nil, nil), circuit.NewManager(circuit.BreakerConfig{Enabled: false}), nil)

	result, err := mon.CheckAccount(context.Background(), "acc-a")
	if err != nil {
		t.Fatalf("check account: %v", err)
	}
	if result.Healthy || result.Error == "" {
		t.Fatalf("result = %+v, want unhealthy with an error", result)
	}
}

func TestCheckAccount_NotFound(t *testing.T) {
	registry, err := account.NewRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	mon := NewMonitor(testConfig(), registry, credential.NewManager(nil, nil), circuit.NewManager(circuit.BreakerConfig{Enabled: false}), nil)

	if _, err := mon.CheckAccount(context.Background(), "missing"); err == nil {
		t.Fatalf("expected error for unknown account")
	}
}

func TestCheckAll_SkipsDisabledAccounts(t *testing.T) {
	enabled := account.NewAPIKeyAccount("acc-a", "A", account.Claude, 100, true, account.Proxy{}, "", "sk-valid-key")
	disabled := account.NewAPIKeyAccount("acc-b", "B", account.Claude, 100, false, account.Proxy{}, "", "sk-valid-key")
	registry, err := account.NewRegistry(enabled, disabled)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	mon := NewMonitor(testConfig(), registry, credential.NewManager(nil, nil), circuit.NewManager(circuit.BreakerConfig{Enabled: false}), nil)

	results, err := mon.CheckAll(context.Background())
	if err != nil {
		t.Fatalf("check all: %v", err)
	}
	if len(results) != 1 || results[0].AccountID != "acc-a" {
		t.Fatalf("results = %+v, want only acc-a", results)
	}
}

func TestStats_TracksHealthyAndUnhealthy(t *testing.T) {
	healthy := account.NewAPIKeyAccount("acc-a", "A", account.Claude, 100, true, account.Proxy{}, "", "sk-valid-key")
	unhealthy := account.NewAPIKeyAccount("acc-b", "B", account.Claude, 100, true, account.Proxy{}, "", "x")
	registry, err := account.NewRegistry(healthy, unhealthy)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	mon := NewMonitor(testConfig(), registry, credential.NewManager(nil, nil), circuit.NewManager(circuit.BreakerConfig{Enabled: false}), nil)
	if _, err := mon.CheckAll(context.Background()); err != nil {
		t.Fatalf("check all: %v", err)
	}

	stats := mon.Stats()
	if stats.HealthyAccounts != 1 || stats.UnhealthyAccounts != 1 {
		t.Fatalf("stats = %+v, want 1 healthy, 1 unhealthy", stats)
	}
	if stats.TotalChecks != 2 {
		t.Fatalf("total checks = %d, want 2", stats.TotalChecks)
	}
}

func TestRefreshExpiringSoon_RefreshesUnsetCache(t *testing.T) {
	oauthAcc := account.NewOAuthAccount("acc-a", "A", account.Claude, 100, true, account.Proxy{}, "", "refresh-token")
	registry, err := account.NewRegistry(oauthAcc)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	refresher := &fakeRefresher{token: "fresh-token", expiresIn: time.Hour}
	creds := credential.NewManager(refresher, nil)

	mon := NewMonitor(testConfig(), registry, creds, circuit.NewManager(circuit.BreakerConfig{Enabled: false}), nil).(*monitor)
	mon.ctx = context.Background()

	mon.refreshExpiringSoon()

	if refresher.calls != 1 {
		t.Fatalf("refresher calls = %d, want 1", refresher.calls)
	}
	if token, ok := oauthAcc.Cache().Valid(time.Now()); !ok || token != "fresh-token" {
		t.Fatalf("cache token = %q, ok = %v, want fresh-token", token, ok)
	}
}

func TestRefreshExpiringSoon_SkipsFreshCache(t *testing.T) {
	oauthAcc := account.NewOAuthAccount("acc-a", "A", account.Claude, 100, true, account.Proxy{}, "", "refresh-token")
	oauthAcc.Cache().Store("still-good", 2*time.Hour, time.Now())

	registry, err := account.NewRegistry(oauthAcc)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	refresher := &fakeRefresher{token: "fresh-token", expiresIn: time.Hour}
	creds := credential.NewManager(refresher, nil)

	mon := NewMonitor(testConfig(), registry, creds, circuit.NewManager(circuit.BreakerConfig{Enabled: false}), nil).(*monitor)
	mon.ctx = context.Background()

	mon.refreshExpiringSoon()

	if refresher.calls != 0 {
		t.Fatalf("refresher calls = %d, want 0 since cache is well within the window", refresher.calls)
	}
}

func TestRefreshExpiringSoon_SkipsDisabledAccounts(t *testing.T) {
	oauthAcc := account.NewOAuthAccount("acc-a", "A", account.Claude, 100, false, account.Proxy{}, "", "refresh-token")
	registry, err := account.NewRegistry(oauthAcc)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	refresher := &fakeRefresher{token: "fresh-token", expiresIn: time.Hour}
	creds := credential.NewManager(refresher, nil)

	mon := NewMonitor(testConfig(), registry, creds, circuit.NewManager(circuit.BreakerConfig{Enabled: false}), nil).(*monitor)
	mon.ctx = context.Background()

	mon.refreshExpiringSoon()

	if refresher.calls != 0 {
		t.Fatalf("refresher calls = %d, want 0 for a disabled account", refresher.calls)
	}
}

func TestStartStop_DisabledMonitorReturnsImmediately(t *testing.T) {
	registry, err := account.NewRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	cfg := testConfig()
	cfg.Enabled = false

	mon := NewMonitor(cfg, registry, credential.NewManager(nil, nil), circuit.NewManager(circuit.BreakerConfig{Enabled: false}), nil)
	if err := mon.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	mon.Stop()
}
