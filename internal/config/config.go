package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds every setting of the circlejoin server. Values come
// from defaults, then an optional YAML file, then CIRCLE_* environment
// variables, then command-line flags.
type ServerConfig struct {
	Listen       string `yaml:"listen"`
	ListenHTTP   string `yaml:"listen_http"`
	TLSDomain    string `yaml:"tls_domain"`
	CertCacheDir string `yaml:"cert_cache_dir"`
	TrustProxy   bool   `yaml:"trust_proxy"`
	CookieSecure bool   `yaml:"cookie_secure"`

	// CookieSameSite is lax, strict or none. Empty means none when cookies
	// are secure and lax otherwise.
	CookieSameSite string   `yaml:"cookie_same_site"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	Store    string `yaml:"store"`
	DBPath   string `yaml:"db_path"`
	RedisURL string `yaml:"redis_url"`

	Admins []string `yaml:"admins"`

	SessionTTL        time.Duration `yaml:"session_ttl"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
	JanitorInterval   time.Duration `yaml:"janitor_interval"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	SendQueueSize     int           `yaml:"send_queue_size"`

	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
	WAFEnabled     bool    `yaml:"waf_enabled"`
	WAFAuditOnly   bool    `yaml:"waf_audit_only"`

	Reddit       RedditConfig       `yaml:"reddit"`
	CheckAccount CheckAccountConfig `yaml:"check_account"`

	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	PprofListen string `yaml:"pprof_listen"`
}

// RedditConfig describes the registered OAuth application.
type RedditConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURI  string `yaml:"redirect_uri"`
	UserAgent    string `yaml:"user_agent"`
}

// CheckAccountConfig is the script account used to verify circle keys.
type CheckAccountConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

const defaultListen = ":3000"
const defaultListenHTTP = ":80"
const defaultDBPath = "./circlejoin.db"
const defaultCertCacheDir = "./cert"
const defaultSessionTTL = 144 * time.Hour
const defaultKeepAliveInterval = 90 * time.Second
const defaultJanitorInterval = 10 * time.Minute
const defaultWriteTimeout = 10 * time.Second
const defaultSendQueueSize = 16
const defaultRateLimitRPS = 1.0
const defaultRateLimitBurst = 5
const defaultUserAgent = "circlejoin/1.0"

// DefaultServerConfig returns a configuration with every default applied.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Listen:            defaultListen,
		ListenHTTP:        defaultListenHTTP,
		CertCacheDir:      defaultCertCacheDir,
		Store:             StoreSQLite,
		DBPath:            defaultDBPath,
		SessionTTL:        defaultSessionTTL,
		KeepAliveInterval: defaultKeepAliveInterval,
		JanitorInterval:   defaultJanitorInterval,
		WriteTimeout:      defaultWriteTimeout,
		SendQueueSize:     defaultSendQueueSize,
		RateLimitRPS:      defaultRateLimitRPS,
		RateLimitBurst:    defaultRateLimitBurst,
		WAFEnabled:        true,
		Reddit:            RedditConfig{UserAgent: defaultUserAgent},
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// Load returns the defaults overlaid with the YAML file at path (skipped
// when path is empty) and the environment. It does not validate.
func Load(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overrides fields from CIRCLE_* environment variables.
func (c *ServerConfig) ApplyEnv() {
	c.Listen = envOrDefault("CIRCLE_LISTEN", c.Listen)
	c.ListenHTTP = envOrDefault("CIRCLE_LISTEN_HTTP", c.ListenHTTP)
	c.TLSDomain = envOrDefault("CIRCLE_TLS_DOMAIN", c.TLSDomain)
	c.CertCacheDir = envOrDefault("CIRCLE_CERT_CACHE_DIR", c.CertCacheDir)
	c.TrustProxy = envBoolOrDefault("CIRCLE_TRUST_PROXY", c.TrustProxy)
	c.CookieSecure = envBoolOrDefault("CIRCLE_COOKIE_SECURE", c.CookieSecure)
	c.CookieSameSite = envOrDefault("CIRCLE_COOKIE_SAME_SITE", c.CookieSameSite)
	if v := strings.TrimSpace(os.Getenv("CIRCLE_ALLOWED_ORIGINS")); v != "" {
		c.AllowedOrigins = SplitList(v)
	}
	c.Store = envOrDefault("CIRCLE_STORE", c.Store)
	c.DBPath = envOrDefault("CIRCLE_DB_PATH", c.DBPath)
	c.RedisURL = envOrDefault("CIRCLE_REDIS_URL", c.RedisURL)
	if v := strings.TrimSpace(os.Getenv("CIRCLE_ADMINS")); v != "" {
		c.Admins = SplitList(v)
	}
	c.SessionTTL = envDurationOrDefault("CIRCLE_SESSION_TTL", c.SessionTTL)
	c.KeepAliveInterval = envDurationOrDefault("CIRCLE_KEEPALIVE_INTERVAL", c.KeepAliveInterval)
	c.JanitorInterval = envDurationOrDefault("CIRCLE_JANITOR_INTERVAL", c.JanitorInterval)
	c.WriteTimeout = envDurationOrDefault("CIRCLE_WRITE_TIMEOUT", c.WriteTimeout)
	c.SendQueueSize = envIntOrDefault("CIRCLE_SEND_QUEUE_SIZE", c.SendQueueSize)
	c.RateLimitRPS = envFloatOrDefault("CIRCLE_RATE_LIMIT_RPS", c.RateLimitRPS)
	c.RateLimitBurst = envIntOrDefault("CIRCLE_RATE_LIMIT_BURST", c.RateLimitBurst)
	c.WAFEnabled = envBoolOrDefault("CIRCLE_WAF_ENABLED", c.WAFEnabled)
	c.WAFAuditOnly = envBoolOrDefault("CIRCLE_WAF_AUDIT_ONLY", c.WAFAuditOnly)
	c.Reddit.ClientID = envOrDefault("CIRCLE_REDDIT_CLIENT_ID", c.Reddit.ClientID)
	c.Reddit.ClientSecret = envOrDefault("CIRCLE_REDDIT_CLIENT_SECRET", c.Reddit.ClientSecret)
	c.Reddit.RedirectURI = envOrDefault("CIRCLE_REDDIT_REDIRECT_URI", c.Reddit.RedirectURI)
	c.Reddit.UserAgent = envOrDefault("CIRCLE_USER_AGENT", c.Reddit.UserAgent)
	c.CheckAccount.Username = envOrDefault("CIRCLE_CHECK_USERNAME", c.CheckAccount.Username)
	c.CheckAccount.Password = envOrDefault("CIRCLE_CHECK_PASSWORD", c.CheckAccount.Password)
	c.LogLevel = envOrDefault("CIRCLE_LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOrDefault("CIRCLE_LOG_FORMAT", c.LogFormat)
	c.PprofListen = envOrDefault("CIRCLE_PPROF_LISTEN", c.PprofListen)
}

// Validate normalizes c in place and reports the first invalid setting.
func (c *ServerConfig) Validate() error {
	c.Listen = strings.TrimSpace(c.Listen)
	if c.Listen == "" {
		return errors.New("listen address is required")
	}
	c.TLSDomain = normalizeDomainHost(c.TLSDomain)
	if c.TLSDomain != "" && strings.TrimSpace(c.CertCacheDir) == "" {
		return errors.New("cert_cache_dir is required when tls_domain is set")
	}
	c.CookieSameSite = strings.ToLower(strings.TrimSpace(c.CookieSameSite))
	switch c.CookieSameSite {
	case "", "lax", "strict":
	case "none":
		if !c.SecureCookies() {
			return errors.New("cookie_same_site none requires cookie_secure or tls_domain")
		}
	default:
		return errors.New("cookie_same_site must be one of: lax, strict, none")
	}
	origins := make([]string, 0, len(c.AllowedOrigins))
	for _, o := range c.AllowedOrigins {
		origins = append(origins, NormalizeOrigin(o))
	}
	c.AllowedOrigins = normalizeList(origins)
	if err := c.ValidateStore(); err != nil {
		return err
	}

	if c.Reddit.ClientID == "" || c.Reddit.ClientSecret == "" {
		return errors.New("reddit.client_id and reddit.client_secret are required")
	}
	if !strings.HasPrefix(c.Reddit.RedirectURI, "http://") && !strings.HasPrefix(c.Reddit.RedirectURI, "https://") {
		return errors.New("reddit.redirect_uri must be a valid HTTP(S) URL")
	}
	if c.CheckAccount.Username == "" || c.CheckAccount.Password == "" {
		return errors.New("check_account.username and check_account.password are required")
	}

	if c.SessionTTL <= 0 {
		return errors.New("session ttl must be > 0")
	}
	if c.KeepAliveInterval <= 0 {
		return errors.New("keepalive interval must be > 0")
	}
	if c.JanitorInterval <= 0 {
		return errors.New("janitor interval must be > 0")
	}
	if c.WriteTimeout <= 0 {
		return errors.New("write timeout must be > 0")
	}
	if c.SendQueueSize <= 0 {
		return errors.New("send queue size must be > 0")
	}
	if c.RateLimitRPS <= 0 {
		return errors.New("rate limit rps must be > 0")
	}
	if c.RateLimitBurst < 1 {
		return errors.New("rate limit burst must be >= 1")
	}

	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("log level must be one of: debug, info, warn, error")
	}
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	switch c.LogFormat {
	case "text", "json":
	default:
		return errors.New("log format must be one of: text, json")
	}
	return nil
}

// SecureCookies reports whether session cookies carry the Secure flag.
func (c ServerConfig) SecureCookies() bool {
	return c.CookieSecure || c.TLSDomain != ""
}

// CookieSameSiteMode resolves CookieSameSite to its http.SameSite value.
func (c ServerConfig) CookieSameSiteMode() http.SameSite {
	switch strings.ToLower(strings.TrimSpace(c.CookieSameSite)) {
	case "lax":
		return http.SameSiteLaxMode
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	}
	if c.SecureCookies() {
		return http.SameSiteNoneMode
	}
	return http.SameSiteLaxMode
}

// NormalizeOrigin lowercases an origin and drops a trailing slash.
func NormalizeOrigin(v string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(v)), "/")
}

// ValidateStore checks only the storage and admin settings, for offline
// commands that never talk to Reddit.
func (c *ServerConfig) ValidateStore() error {
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	switch c.Store {
	case StoreSQLite:
		if strings.TrimSpace(c.DBPath) == "" {
			return errors.New("db_path is required for the sqlite store")
		}
	case StoreRedis:
		if strings.TrimSpace(c.RedisURL) == "" {
			return errors.New("redis_url is required for the redis store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("store must be one of: %s, %s, %s", StoreSQLite, StoreRedis, StoreMemory)
	}
	c.Admins = normalizeList(c.Admins)
	return nil
}

// SplitList splits a comma-separated list, dropping blanks.
func SplitList(v string) []string {
	return normalizeList(strings.Split(v, ","))
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloatOrDefault(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBoolOrDefault(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func normalizeDomainHost(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	if idx := strings.Index(v, "/"); idx >= 0 {
		v = v[:idx]
	}
	if strings.HasPrefix(v, "[") {
		if end := strings.Index(v, "]"); end > 0 {
			return v[1:end]
		}
	}
	if host, _, ok := strings.Cut(v, ":"); ok {
		v = host
	}
	return strings.TrimSuffix(v, ".")
}
