// Package credential produces ready-to-use authentication values for
// accounts, refreshing and caching OAuth tokens lazily on demand.
package credential

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"ccrelay/internal/account"
)

// Error wraps a refresh failure with the account it occurred on.
type Error struct {
	AccountID string
	Status    int
	Body      string
}

func (e *Error) Error() string {
	return fmt.Sprintf("credential: oauth refresh failed for account %s: status=%d body=%s", e.AccountID, e.Status, e.Body)
}

// Refresher performs the wire-level OAuth refresh for one platform.
type Refresher interface {
	Refresh(ctx context.Context, a *account.OAuthAccount) (token string, expiresIn time.Duration, err error)
}

// Manager produces Credential values for accounts, coalescing no refreshes
// (the spec permits duplicate concurrent refreshes) but guaranteeing every
// reader sees a fully written cache entry.
type Manager struct {
	claude Refresher
	gemini Refresher
	now    func() time.Time
}

func NewManager(claude, gemini Refresher) *Manager {
	return &Manager{claude: claude, gemini: gemini, now: time.Now}
}

// CredentialsFor returns a ready-to-use Credential for the account,
// refreshing a cached OAuth token if it has expired or is about to.
func (m *Manager) CredentialsFor(ctx context.Context, a account.Account) (account.Credential, error) {
	switch v := a.(type) {
	case *account.APIKeyAccount:
		return account.Credential{Kind: account.KindAPIKey, Key: v.Key}, nil
	case *account.OAuthAccount:
		return m.credentialsForOAuth(ctx, v)
	default:
		return account.Credential{}, fmt.Errorf("credential: unsupported account type %T", a)
	}
}

func (m *Manager) credentialsForOAuth(ctx context.Context, a *account.OAuthAccount) (account.Credential, error) {
	now := m.now()
	if token, ok := a.Cache().Valid(now); ok {
		return account.Credential{Kind: account.KindOAuth, Token: token}, nil
	}

	refresher, err := m.refresherFor(a.Platform())
	if err != nil {
		return account.Credential{}, err
	}

	token, expiresIn, err := refresher.Refresh(ctx, a)
	if err != nil {
		return account.Credential{}, err
	}
	a.Cache().Store(token, expiresIn, now)

	log.Debug().Str("account_id", a.ID()).Str("platform", string(a.Platform())).Msg("refreshed oauth token")
	return account.Credential{Kind: account.KindOAuth, Token: token}, nil
}

// RefreshIfNeeded eagerly refreshes a's cached token when it is unset or
// will expire within `before` of now, regardless of CredentialsFor's much
// shorter validityBuffer. It reports whether a refresh actually happened.
// The health monitor's proactive sweep is the only caller; CredentialsFor's
// lazy path is correct on its own without this.
func (m *Manager) RefreshIfNeeded(ctx context.Context, a *account.OAuthAccount, before time.Duration) (bool, error) {
	now := m.now()
	if !a.Cache().NeedsRefresh(now, before) {
		return false, nil
	}

	refresher, err := m.refresherFor(a.Platform())
	if err != nil {
		return false, err
	}

	token, expiresIn, err := refresher.Refresh(ctx, a)
	if err != nil {
		return false, err
	}
	a.Cache().Store(token, expiresIn, now)

	log.Debug().Str("account_id", a.ID()).Str("platform", string(a.Platform())).Msg("proactively refreshed oauth token")
	return true, nil
}

func (m *Manager) refresherFor(p account.Platform) (Refresher, error) {
	switch p {
	case account.Claude:
		if m.claude == nil {
			return nil, fmt.Errorf("credential: no claude refresher configured")
		}
		return m.claude, nil
	case account.Gemini:
		if m.gemini == nil {
			return nil, fmt.Errorf("credential: no gemini refresher configured")
		}
		return m.gemini, nil
	default:
		return nil, fmt.Errorf("credential: platform %s does not use oauth", p)
	}
}

// envOrDefault reads an environment override, falling back to def when unset.
func envOrDefault(envVar, def string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return def
}
