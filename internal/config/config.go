// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	toml "github.com/pelletier/go-toml/v2"
)

// AdminPrefix is the path prefix reserved for the service's own endpoints.
// Everything else on the listener is routed upstream.
const AdminPrefix = "/_edge"

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/storefront-edge/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config      string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host        string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port        int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel    string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	MarkerValue string `kong:"help='Value injected into the marker header on write requests (overrides config).'"`

	Version kong.VersionFlag `kong:"help='Print version and exit.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Backend  BackendConfig  `toml:"backend"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Routing  RoutingConfig  `toml:"routing"`
	Upstream UpstreamConfig `toml:"upstream"`
	Secrets  SecretsConfig  `toml:"secrets"`
	Tracing  TracingConfig  `toml:"tracing"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// BackendConfig describes the commerce backend reached directly.
type BackendConfig struct {
	// Name is used in the destination tag, e.g. "shopify(write-direct)".
	Name string `toml:"name"`
	// CanonicalHost is the network name connections are actually dialed to.
	// It may carry a port; without one the port of the request URL is kept.
	CanonicalHost string `toml:"canonical_host"`
	// PublicHost is the logical host the backend resolves the tenant by.
	PublicHost string `toml:"public_host"`
	Scheme     string `toml:"scheme"`
}

// ProxyConfig describes the intermediary proxy origin.
type ProxyConfig struct {
	Name         string `toml:"name"`
	URL          string `toml:"url"`
	MarkerHeader string `toml:"marker_header"`
	MarkerValue  string `toml:"marker_value"`
}

// RoutingConfig holds the request classification rules.
type RoutingConfig struct {
	MarkerHeader      string   `toml:"marker_header"`
	MarkerValue       string   `toml:"marker_value"`
	StripMarker       bool     `toml:"strip_marker"`
	DestHeader        string   `toml:"dest_header"`
	BypassPrefixes    []string `toml:"bypass_prefixes"`
	SensitivePrefixes []string `toml:"sensitive_prefixes"`
	WriteMethods      []string `toml:"write_methods"`
	MaxRedirects      *int     `toml:"max_redirects"` // nil means default; 0 disables following
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	TimeoutSeconds  int `toml:"timeout_seconds"`
	IdleConnections int `toml:"idle_connections"`
}

// SecretsConfig selects where the injected marker value comes from.
type SecretsConfig struct {
	Provider string      `toml:"provider"` // static | env | vault
	EnvVar   string      `toml:"env_var"`
	Vault    VaultConfig `toml:"vault"`
}

// VaultConfig locates the marker value in a Vault KV v2 engine.
type VaultConfig struct {
	Address string `toml:"address"`
	Token   string `toml:"token"`
	Mount   string `toml:"mount"`
	Path    string `toml:"path"`
	Key     string `toml:"key"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool    `toml:"enabled"`
	Endpoint     string  `toml:"endpoint"`
	SamplingRate float64 `toml:"sampling_rate"`
	ServiceName  string  `toml:"service_name"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Default routing values.
var (
	DefaultBypassPrefixes    = []string{"/.well-known/shopify/monorail/"}
	DefaultSensitivePrefixes = []string{"/cart", "/checkout", "/account"}
	DefaultWriteMethods      = []string{
		http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions,
	}
)

// DefaultMaxRedirects bounds the number of 307/308 responses followed per request.
const DefaultMaxRedirects = 10

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/storefront-edge/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.MarkerValue != "" {
		c.Routing.MarkerValue = cli.MarkerValue
	}
}

func (c *Config) validate() error {
	if c.Backend.PublicHost == "" {
		return fmt.Errorf("backend.public_host is required")
	}
	if strings.ContainsAny(c.Backend.PublicHost, "/:") {
		return fmt.Errorf("backend.public_host must be a bare hostname; got %q", c.Backend.PublicHost)
	}
	if c.Backend.CanonicalHost == "" {
		return fmt.Errorf("backend.canonical_host is required")
	}
	switch c.Backend.Scheme {
	case "https", "http", "":
	default:
		return fmt.Errorf("backend.scheme must be https or http; got %q", c.Backend.Scheme)
	}

	// Proxy URL: required and must be HTTPS.
	if c.Proxy.URL == "" {
		return fmt.Errorf("proxy.url is required")
	}
	u, err := url.Parse(c.Proxy.URL)
	if err != nil {
		return fmt.Errorf("proxy.url is not a valid URL: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("proxy.url must use HTTPS; got %q", c.Proxy.URL)
	}
	if u.Hostname() == c.Backend.PublicHost {
		return fmt.Errorf("proxy.url host must differ from backend.public_host to avoid routing loops")
	}

	if c.Routing.MarkerHeader == "" {
		return fmt.Errorf("routing.marker_header is required")
	}
	if c.Routing.MaxRedirects != nil && *c.Routing.MaxRedirects < 0 {
		return fmt.Errorf("routing.max_redirects must be non-negative; got %d", *c.Routing.MaxRedirects)
	}
	for _, p := range append(append([]string{}, c.Routing.BypassPrefixes...), c.Routing.SensitivePrefixes...) {
		if p == "" || p[0] != '/' {
			return fmt.Errorf("routing path prefixes must start with '/'; got %q", p)
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	switch strings.ToLower(c.Secrets.Provider) {
	case "", "static":
	case "env":
	case "vault":
		if c.Secrets.Vault.Address == "" || c.Secrets.Vault.Path == "" {
			return fmt.Errorf("secrets.vault.address and secrets.vault.path are required for the vault provider")
		}
	default:
		return fmt.Errorf("secrets.provider must be one of: static, env, vault; got %q", c.Secrets.Provider)
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing.sampling_rate must be within [0, 1]; got %v", c.Tracing.SamplingRate)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics live under the admin prefix so they never shadow storefront paths.
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if !strings.HasPrefix(p, AdminPrefix+"/") {
			return fmt.Errorf("metrics.path must start with %q; got %q", AdminPrefix+"/", p)
		}
		for _, reserved := range []string{AdminPrefix + "/healthz", AdminPrefix + "/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// SetDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Backend.Name == "" {
		c.Backend.Name = "shopify"
	}
	if c.Backend.Scheme == "" {
		c.Backend.Scheme = "https"
	}
	if c.Proxy.Name == "" {
		c.Proxy.Name = "edgee"
	}
	if c.Proxy.MarkerHeader == "" {
		c.Proxy.MarkerHeader = "X-From-Edge-Worker"
	}
	if c.Proxy.MarkerValue == "" {
		c.Proxy.MarkerValue = "1"
	}
	if c.Routing.MarkerValue == "" {
		c.Routing.MarkerValue = "1"
	}
	if c.Routing.DestHeader == "" {
		c.Routing.DestHeader = "X-Edge-Dest"
	}
	if c.Routing.BypassPrefixes == nil {
		c.Routing.BypassPrefixes = DefaultBypassPrefixes
	}
	if c.Routing.SensitivePrefixes == nil {
		c.Routing.SensitivePrefixes = DefaultSensitivePrefixes
	}
	if len(c.Routing.WriteMethods) == 0 {
		c.Routing.WriteMethods = DefaultWriteMethods
	}
	if c.Routing.MaxRedirects == nil {
		n := DefaultMaxRedirects
		c.Routing.MaxRedirects = &n
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Secrets.Provider == "" {
		c.Secrets.Provider = "static"
	}
	if c.Secrets.EnvVar == "" {
		c.Secrets.EnvVar = "EDGE_AUTH_VALUE"
	}
	if c.Secrets.Vault.Mount == "" {
		c.Secrets.Vault.Mount = "secret"
	}
	if c.Secrets.Vault.Key == "" {
		c.Secrets.Vault.Key = "value"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "storefront-edge"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = AdminPrefix + "/metrics"
	}
}

// MaxRedirectHops returns the configured redirect bound.
func (r *RoutingConfig) MaxRedirectHops() int {
	if r.MaxRedirects == nil {
		return DefaultMaxRedirects
	}
	return *r.MaxRedirects
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
// The file may hold a Vault token.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
