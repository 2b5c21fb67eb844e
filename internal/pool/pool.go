// Package pool maintains one pooled *http.Client per account so each
// account's outbound connections (and optional per-account proxy) stay
// isolated from every other account's.
package pool

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds connection pool tuning.
type Config struct {
	MaxIdleConns        int           `mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost int           `mapstructure:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `mapstructure:"idle_conn_timeout"`
	MaxClients          int           `mapstructure:"max_clients"`
	ClientIdleTTL       time.Duration `mapstructure:"client_idle_ttl"`
	ResponseTimeout     time.Duration `mapstructure:"response_timeout"`
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		MaxIdleConns:        240,
		MaxIdleConnsPerHost: 120,
		IdleConnTimeout:     90 * time.Second,
		MaxClients:          5000,
		ClientIdleTTL:       15 * time.Minute,
		ResponseTimeout:     10 * time.Minute,
	}
}

// Pool hands out a per-account *http.Client, evicting least-recently-used
// entries at capacity and idle entries on a timer.
type Pool interface {
	// GetClient returns the client for accountID, routed through proxyURL
	// if non-empty. The first call for an account id fixes its proxy for
	// the life of the pooled entry.
	GetClient(accountID, proxyURL string) *http.Client
	Do(req *http.Request, accountID, proxyURL string) (*http.Response, error)
	Stats() Stats
	Close()
}

// Stats summarizes pool occupancy.
type Stats struct {
	TotalClients int `json:"total_clients"`
}

type clientEntry struct {
	client     *http.Client
	transport  *http.Transport
	accountID  string
	createdAt  time.Time
	lastUsedAt time.Time
}

// httpPool implements Pool with LRU eviction.
type httpPool struct {
	config  Config
	clients map[string]*clientEntry
	order   []string
	mu      sync.RWMutex
	closed  bool

	sharedTransport *http.Transport
	sharedClient    *http.Client
}

// New creates a connection pool and starts its idle-eviction goroutine.
func New(config Config) Pool {
	sharedTransport := createTransport(config, "")
	p := &httpPool{
		config:          config,
		clients:         make(map[string]*clientEntry),
		sharedTransport: sharedTransport,
		sharedClient:    &http.Client{Transport: sharedTransport, Timeout: config.ResponseTimeout},
	}
	go p.cleanup()
	return p
}

func createTransport(config Config, proxyURL string) *http.Transport {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}

	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		} else {
			log.Warn().Str("proxy", proxyURL).Err(err).Msg("ignoring unparseable account proxy url")
		}
	}

	return transport
}

func (p *httpPool) GetClient(accountID, proxyURL string) *http.Client {
	if accountID == "" {
		return p.sharedClient
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return p.sharedClient
	}

	if entry, ok := p.clients[accountID]; ok {
		entry.lastUsedAt = time.Now()
		p.moveToFront(accountID)
		return entry.client
	}

	transport := createTransport(p.config, proxyURL)
	client := &http.Client{Transport: transport, Timeout: p.config.ResponseTimeout}

	entry := &clientEntry{
		client:     client,
		transport:  transport,
		accountID:  accountID,
		createdAt:  time.Now(),
		lastUsedAt: time.Now(),
	}

	for len(p.clients) >= p.config.MaxClients && len(p.order) > 0 {
		p.evictOldest()
	}

	p.clients[accountID] = entry
	p.order = append([]string{accountID}, p.order...)

	log.Debug().Str("account_id", accountID).Int("pool_size", len(p.clients)).Msg("created new client")

	return client
}

func (p *httpPool) Do(req *http.Request, accountID, proxyURL string) (*http.Response, error) {
	client := p.GetClient(accountID, proxyURL)
	return client.Do(req)
}

func (p *httpPool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Stats{TotalClients: len(p.clients)}
}

func (p *httpPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	for _, entry := range p.clients {
		entry.transport.CloseIdleConnections()
	}
	p.sharedTransport.CloseIdleConnections()
	p.clients = make(map[string]*clientEntry)
	p.order = nil

	log.Info().Msg("connection pool closed")
}

func (p *httpPool) moveToFront(accountID string) {
	for i, id := range p.order {
		if id == accountID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			p.order = append([]string{accountID}, p.order...)
			return
		}
	}
}

func (p *httpPool) evictOldest() {
	if len(p.order) == 0 {
		return
	}
	oldestID := p.order[len(p.order)-1]
	p.order = p.order[:len(p.order)-1]

	if entry, ok := p.clients[oldestID]; ok {
		entry.transport.CloseIdleConnections()
		delete(p.clients, oldestID)
		log.Debug().Str("account_id", oldestID).Msg("evicted client from pool")
	}
}

func (p *httpPool) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}

		now := time.Now()
		var toEvict []string
		for id, entry := range p.clients {
			if now.Sub(entry.lastUsedAt) > p.config.ClientIdleTTL {
				toEvict = append(toEvict, id)
			}
		}
		for _, id := range toEvict {
			if entry, ok := p.clients[id]; ok {
				entry.transport.CloseIdleConnections()
				delete(p.clients, id)
			}
			for i, orderID := range p.order {
				if orderID == id {
					p.order = append(p.order[:i], p.order[i+1:]...)
					break
				}
			}
		}

		if len(toEvict) > 0 {
			log.Debug().Int("evicted", len(toEvict)).Int("remaining", len(p.clients)).Msg("cleaned up idle clients")
		}

		p.mu.Unlock()
	}
}
