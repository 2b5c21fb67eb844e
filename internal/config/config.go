// Package config loads the relay's TOML configuration (server, accounts,
// session policy, plus the ambient-stack tunables) via viper, with
// CCRELAY_-prefixed environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"ccrelay/internal/account"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	APIKeys     []string          `mapstructure:"api_keys"`
	Accounts    []AccountConfig   `mapstructure:"accounts"`
	Session     SessionConfig     `mapstructure:"session"`
	JWT         JWTConfig         `mapstructure:"jwt"`
	Admin       AdminConfig       `mapstructure:"admin"`
	Pool        PoolConfig        `mapstructure:"pool"`
	Circuit     CircuitConfig     `mapstructure:"circuit"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Health      HealthConfig      `mapstructure:"health"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	DatabasePath string `mapstructure:"database_path"`
	LogLevel     string `mapstructure:"log_level"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

// AccountConfig is the TOML tagged-union shape for one `[[accounts]]` entry.
// Type selects which of the credential/platform fields below apply; the
// rest are left zero-valued in TOML and ignored at load time.
type AccountConfig struct {
	ID           string `mapstructure:"id"`
	Name         string `mapstructure:"name"`
	Type         string `mapstructure:"type"` // claude-oauth, claude-api, gemini, openai-responses
	Priority     int    `mapstructure:"priority"`
	Enabled      *bool  `mapstructure:"enabled"` // nil means unset; defaults to true in BuildAccount
	APIURL       string `mapstructure:"api_url"`
	APIKey       string `mapstructure:"api_key"`       // claude-api, openai-responses
	RefreshToken string `mapstructure:"refresh_token"` // claude-oauth, gemini
	Proxy        *ProxyConfig `mapstructure:"proxy"`
}

type ProxyConfig struct {
	Kind     string `mapstructure:"kind"` // http, socks5
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type SessionConfig struct {
	StickyTTLSeconds           int `mapstructure:"sticky_ttl_seconds"`
	RenewalThresholdSeconds    int `mapstructure:"renewal_threshold_seconds"`
	UnavailableCooldownSeconds int `mapstructure:"unavailable_cooldown_seconds"`
}

type JWTConfig struct {
	Secret        string        `mapstructure:"secret"`
	DefaultExpiry time.Duration `mapstructure:"default_expiry"`
	Issuer        string        `mapstructure:"issuer"`
}

type AdminConfig struct {
	Key string `mapstructure:"key"`
}

// PoolConfig holds connection pool configuration
type PoolConfig struct {
	MaxIdleConns        int           `mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost int           `mapstructure:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `mapstructure:"idle_conn_timeout"`
	MaxClients          int           `mapstructure:"max_clients"`
	ClientIdleTTL       time.Duration `mapstructure:"client_idle_ttl"`
	ResponseTimeout     time.Duration `mapstructure:"response_timeout"`
}

// CircuitConfig holds circuit breaker configuration
type CircuitConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
}

// ConcurrencyConfig holds concurrency control configuration
type ConcurrencyConfig struct {
	UserMax       int           `mapstructure:"user_max"`
	AccountMax    int           `mapstructure:"account_max"`
	MaxWaitQueue  int           `mapstructure:"max_wait_queue"`
	WaitTimeout   time.Duration `mapstructure:"wait_timeout"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
	BackoffJitter float64       `mapstructure:"backoff_jitter"`
	PingInterval  time.Duration `mapstructure:"ping_interval"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled      bool      `mapstructure:"enabled"`
	UserLimit    LimitRule `mapstructure:"user_limit"`
	AccountLimit LimitRule `mapstructure:"account_limit"`
	IPLimit      LimitRule `mapstructure:"ip_limit"`
	GlobalLimit  LimitRule `mapstructure:"global_limit"`
}

// LimitRule defines a rate limit rule
type LimitRule struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// RetryConfig holds retry configuration
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Jitter         float64       `mapstructure:"jitter"`
}

// HealthConfig holds health monitor configuration
type HealthConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	CheckInterval      time.Duration `mapstructure:"check_interval"`
	TokenRefreshBefore time.Duration `mapstructure:"token_refresh_before"`
	Timeout            time.Duration `mapstructure:"timeout"`
}

// SchedulerConfig holds scheduler configuration
type SchedulerConfig struct {
	Strategy string `mapstructure:"strategy"` // currently only "priority_lru" is implemented
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

var cfg *Config

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("toml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()

	viper.SetEnvPrefix("CCRELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg = &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.database_path", "./ccrelay.db")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("server.read_timeout", 30)
	viper.SetDefault("server.write_timeout", 300)

	viper.SetDefault("session.sticky_ttl_seconds", 3600)
	viper.SetDefault("session.renewal_threshold_seconds", 300)
	viper.SetDefault("session.unavailable_cooldown_seconds", 3600)

	viper.SetDefault("jwt.default_expiry", "720h")
	viper.SetDefault("jwt.issuer", "ccrelay")

	viper.SetDefault("pool.max_idle_conns", 240)
	viper.SetDefault("pool.max_idle_conns_per_host", 120)
	viper.SetDefault("pool.idle_conn_timeout", "90s")
	viper.SetDefault("pool.max_clients", 5000)
	viper.SetDefault("pool.client_idle_ttl", "15m")
	viper.SetDefault("pool.response_timeout", "10m")

	viper.SetDefault("circuit.enabled", true)
	viper.SetDefault("circuit.failure_threshold", 5)
	viper.SetDefault("circuit.success_threshold", 2)
	viper.SetDefault("circuit.open_timeout", "30s")

	viper.SetDefault("concurrency.user_max", 10)
	viper.SetDefault("concurrency.account_max", 5)
	viper.SetDefault("concurrency.max_wait_queue", 20)
	viper.SetDefault("concurrency.wait_timeout", "30s")
	viper.SetDefault("concurrency.backoff_base", "100ms")
	viper.SetDefault("concurrency.backoff_max", "2s")
	viper.SetDefault("concurrency.backoff_jitter", 0.2)
	viper.SetDefault("concurrency.ping_interval", "5s")

	viper.SetDefault("ratelimit.enabled", true)
	viper.SetDefault("ratelimit.user_limit.requests", 100)
	viper.SetDefault("ratelimit.user_limit.window", "1m")
	viper.SetDefault("ratelimit.account_limit.requests", 1000)
	viper.SetDefault("ratelimit.account_limit.window", "1m")
	viper.SetDefault("ratelimit.ip_limit.requests", 200)
	viper.SetDefault("ratelimit.ip_limit.window", "1m")
	viper.SetDefault("ratelimit.global_limit.requests", 10000)
	viper.SetDefault("ratelimit.global_limit.window", "1m")

	viper.SetDefault("retry.max_attempts", 3)
	viper.SetDefault("retry.initial_backoff", "100ms")
	viper.SetDefault("retry.max_backoff", "2s")
	viper.SetDefault("retry.jitter", 0.2)

	viper.SetDefault("health.enabled", true)
	viper.SetDefault("health.check_interval", "5m")
	viper.SetDefault("health.token_refresh_before", "30m")
	viper.SetDefault("health.timeout", "30s")

	viper.SetDefault("scheduler.strategy", "priority_lru")

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
}

func validate(cfg *Config) error {
	if len(cfg.Accounts) == 0 {
		return fmt.Errorf("config: at least one [[accounts]] entry is required")
	}
	seen := make(map[string]bool, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		if a.ID == "" {
			return fmt.Errorf("config: account entry missing id")
		}
		if seen[a.ID] {
			return fmt.Errorf("config: duplicate account id %q", a.ID)
		}
		seen[a.ID] = true
		if _, err := accountType(a.Type); err != nil {
			return fmt.Errorf("config: account %q: %w", a.ID, err)
		}
	}
	return nil
}

// accountType maps a TOML `type` string to its platform and credential kind.
func accountType(t string) (account.Platform, error) {
	switch t {
	case "claude-oauth":
		return account.Claude, nil
	case "claude-api":
		return account.Claude, nil
	case "gemini":
		return account.Gemini, nil
	case "openai-responses":
		return account.Codex, nil
	default:
		return "", fmt.Errorf("unknown account type %q", t)
	}
}

// BuildAccount constructs the runtime account.Account for one TOML entry.
// Defaults priority to 100 and enabled to true when left unset, matching
// the TOML contract's documented field defaults.
func BuildAccount(a AccountConfig) (account.Account, error) {
	platform, err := accountType(a.Type)
	if err != nil {
		return nil, fmt.Errorf("config: account %q: %w", a.ID, err)
	}

	priority := a.Priority
	if priority == 0 {
		priority = 100
	}
	enabled := true
	if a.Enabled != nil {
		enabled = *a.Enabled
	}

	proxy := account.Proxy{}
	if a.Proxy != nil {
		proxy = account.Proxy{
			Kind:     account.ProxyKind(a.Proxy.Kind),
			Host:     a.Proxy.Host,
			Port:     a.Proxy.Port,
			Username: a.Proxy.Username,
			Password: a.Proxy.Password,
		}
	}

	switch a.Type {
	case "claude-oauth", "gemini":
		if a.RefreshToken == "" {
			return nil, fmt.Errorf("config: account %q: %s requires refresh_token", a.ID, a.Type)
		}
		return account.NewOAuthAccount(a.ID, a.Name, platform, priority, enabled, proxy, a.APIURL, a.RefreshToken), nil
	case "claude-api", "openai-responses":
		if a.APIKey == "" {
			return nil, fmt.Errorf("config: account %q: %s requires api_key", a.ID, a.Type)
		}
		return account.NewAPIKeyAccount(a.ID, a.Name, platform, priority, enabled, proxy, a.APIURL, a.APIKey), nil
	default:
		return nil, fmt.Errorf("config: account %q: unknown type %q", a.ID, a.Type)
	}
}

func Get() *Config {
	if cfg == nil {
		cfg, _ = Load()
	}
	return cfg
}
