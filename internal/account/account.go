// Package account models the configured pool of upstream provider accounts:
// their platform, priority, proxy, and credential source. Accounts are
// immutable after construction except for the atomic Enabled flag.
package account

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Platform identifies which upstream provider an account belongs to.
type Platform string

const (
	Claude Platform = "claude"
	Gemini Platform = "gemini"
	Codex  Platform = "codex"
)

// CredentialKind distinguishes how an account authenticates to its upstream.
type CredentialKind string

const (
	KindAPIKey CredentialKind = "api_key"
	KindOAuth  CredentialKind = "oauth"
)

// Credential is a ready-to-use authentication value for one upstream call.
// Exactly one of Bearer/Key is populated, selected by Kind.
type Credential struct {
	Kind  CredentialKind
	Token string // bearer token for OAuth
	Key   string // static key for API-key accounts
}

// ProxyKind enumerates the supported outbound proxy schemes.
type ProxyKind string

const (
	ProxyNone   ProxyKind = "none"
	ProxyHTTP   ProxyKind = "http"
	ProxySocks5 ProxyKind = "socks5"
)

// Proxy describes an optional outbound proxy an account's requests must
// route through. The zero value (Kind == ProxyNone) means direct connection.
type Proxy struct {
	Kind     ProxyKind
	Host     string
	Port     int
	Username string
	Password string
}

func (p Proxy) IsNone() bool {
	return p.Kind == "" || p.Kind == ProxyNone
}

// ToURL renders the proxy as a URL suitable for http.Transport.Proxy or a
// SOCKS5 dialer, matching the scheme the original relay implementation used.
func (p Proxy) ToURL() string {
	if p.IsNone() {
		return ""
	}
	scheme := string(p.Kind)
	auth := ""
	if p.Username != "" {
		if p.Password != "" {
			auth = fmt.Sprintf("%s:%s@", p.Username, p.Password)
		} else {
			auth = fmt.Sprintf("%s@", p.Username)
		}
	}
	return fmt.Sprintf("%s://%s%s:%d", scheme, auth, p.Host, p.Port)
}

// Account is the capability set every concrete account variant implements.
// The in-memory OAuth token cache, when present, belongs to the concrete
// variant instance, not to this interface.
type Account interface {
	ID() string
	Name() string
	Platform() Platform
	Priority() int
	Enabled() bool
	SetEnabled(bool)
	Proxy() Proxy
	APIURLOverride() string
	Kind() CredentialKind
}

// base holds the fields common to every account variant.
type base struct {
	id       string
	name     string
	platform Platform
	priority int
	enabled  int32 // atomic bool
	proxy    Proxy
	apiURL   string
}

func newBase(id, name string, platform Platform, priority int, enabled bool, proxy Proxy, apiURL string) base {
	b := base{id: id, name: name, platform: platform, priority: priority, proxy: proxy, apiURL: apiURL}
	if enabled {
		b.enabled = 1
	}
	return b
}

func (b *base) ID() string             { return b.id }
func (b *base) Name() string            { return b.name }
func (b *base) Platform() Platform      { return b.platform }
func (b *base) Priority() int           { return b.priority }
func (b *base) Proxy() Proxy            { return b.proxy }
func (b *base) APIURLOverride() string  { return b.apiURL }
func (b *base) Enabled() bool           { return atomic.LoadInt32(&b.enabled) == 1 }
func (b *base) SetEnabled(v bool) {
	if v {
		atomic.StoreInt32(&b.enabled, 1)
	} else {
		atomic.StoreInt32(&b.enabled, 0)
	}
}

// APIKeyAccount is a static-credential account: Claude API key, Gemini API
// key, or a Codex (OpenAI Responses) API key.
type APIKeyAccount struct {
	base
	Key string
}

func NewAPIKeyAccount(id, name string, platform Platform, priority int, enabled bool, proxy Proxy, apiURL, key string) *APIKeyAccount {
	return &APIKeyAccount{base: newBase(id, name, platform, priority, enabled, proxy, apiURL), Key: key}
}

func (a *APIKeyAccount) Kind() CredentialKind { return KindAPIKey }

// OAuthAccount is a refresh-token-backed account (Claude or Gemini). It owns
// its own token cache, guarded independently of the registry.
type OAuthAccount struct {
	base
	RefreshToken  string
	OrganizationID string
	cache         tokenCache
}

func NewOAuthAccount(id, name string, platform Platform, priority int, enabled bool, proxy Proxy, apiURL, refreshToken string) *OAuthAccount {
	return &OAuthAccount{base: newBase(id, name, platform, priority, enabled, proxy, apiURL), RefreshToken: refreshToken}
}

func (a *OAuthAccount) Kind() CredentialKind { return KindOAuth }

// Cache exposes the account's token cache to the credential manager.
func (a *OAuthAccount) Cache() *tokenCache { return &a.cache }

// Registry holds the immutable set of configured accounts, indexed by id,
// with a stable total order for deterministic filter views.
type Registry struct {
	byID  map[string]Account
	order []string
}

func NewRegistry(accounts ...Account) (*Registry, error) {
	r := &Registry{byID: make(map[string]Account, len(accounts))}
	for _, a := range accounts {
		if _, exists := r.byID[a.ID()]; exists {
			return nil, fmt.Errorf("account: duplicate id %q", a.ID())
		}
		r.byID[a.ID()] = a
		r.order = append(r.order, a.ID())
	}
	return r, nil
}

// All returns every account, ordered by id.
func (r *Registry) All() []Account {
	out := make([]Account, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// ForPlatform returns accounts on the given platform, ordered by id.
func (r *Registry) ForPlatform(p Platform) []Account {
	var out []Account
	for _, id := range r.order {
		a := r.byID[id]
		if a.Platform() == p {
			out = append(out, a)
		}
	}
	return out
}

// Get returns the account with the given id, or nil if unknown.
func (r *Registry) Get(id string) Account {
	return r.byID[id]
}

// ParsePlatform validates a platform string from configuration.
func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(s) {
	case "claude":
		return Claude, nil
	case "gemini":
		return Gemini, nil
	case "codex":
		return Codex, nil
	default:
		return "", fmt.Errorf("account: unknown platform %q", s)
	}
}
