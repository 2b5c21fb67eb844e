package httpclient

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/imroc/req/v3"
	"github.com/rs/zerolog/log"
)

var (
	defaultClient *req.Client
	once          sync.Once
)

// GetClient returns the shared Chrome-impersonating client used for Claude
// upstream calls, which sit behind Cloudflare's bot detection.
func GetClient() *req.Client {
	once.Do(func() {
		defaultClient = NewClient("")
	})
	return defaultClient
}

// NewClient builds a Chrome-TLS-impersonating client for a single account's
// proxy. proxyURL is the account's configured proxy (internal/account's
// Proxy.ToURL()); empty falls back to the process's system proxy.
func NewClient(proxyURL string) *req.Client {
	client := req.C().
		SetTimeout(10 * time.Minute). // Support slow models (Opus) and large documents
		ImpersonateChrome().          // Chrome TLS fingerprint to bypass Cloudflare
		SetCookieJar(nil)             // Don't persist cookies between requests

	// Use provided proxy or detect system proxy
	proxy := strings.TrimSpace(proxyURL)
	if proxy == "" {
		proxy = GetSystemProxy()
	}
	if proxy != "" {
		client.SetProxyURL(proxy)
	}

	return client
}

// NewClientForAccount builds a Chrome-impersonating client for a single
// account, logging which account and proxy configuration produced it so a
// Cloudflare challenge failure can be traced back to a specific account's
// transport rather than just "some outbound request failed". accountID is
// never sent upstream; it only reaches the local log.
func NewClientForAccount(accountID, proxyURL string) *req.Client {
	client := NewClient(proxyURL)
	log.Debug().Str("account_id", accountID).Bool("has_proxy", strings.TrimSpace(proxyURL) != "").Msg("built chrome-impersonating client for account")
	return client
}

// GetSystemProxy returns the system proxy URL from environment variables
func GetSystemProxy() string {
	envVars := []string{
		"HTTPS_PROXY", "https_proxy",
		"HTTP_PROXY", "http_proxy",
		"ALL_PROXY", "all_proxy",
	}
	for _, env := range envVars {
		if proxy := os.Getenv(env); proxy != "" {
			return proxy
		}
	}
	return ""
}
