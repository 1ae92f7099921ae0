// Package config provides YAML configuration loading with validation and
// environment variable substitution for the inference gateway.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server" json:"server"`
	Metrics   MetricsConfig    `yaml:"metrics" json:"metrics"`
	Logging   LoggingConfig    `yaml:"logging" json:"logging"`
	Auth      AuthConfig       `yaml:"auth" json:"auth"`
	RateLimit RateLimitConfig  `yaml:"rate_limit" json:"rate_limit"`
	Admin     AdminConfig      `yaml:"admin" json:"admin"`
	Routing   RoutingConfig    `yaml:"routing" json:"routing"`
	Breaker   BreakerConfig    `yaml:"circuit_breaker" json:"circuit_breaker"`
	Providers []ProviderConfig `yaml:"providers" json:"providers"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
	GlobalTimeoutMs int           `yaml:"global_timeout_ms" json:"global_timeout_ms"`
}

// GlobalTimeout returns the global request deadline as a time.Duration.
// Returns 0 (disabled) when GlobalTimeoutMs is not set.
func (s ServerConfig) GlobalTimeout() time.Duration {
	if s.GlobalTimeoutMs <= 0 {
		return 0
	}
	return time.Duration(s.GlobalTimeoutMs) * time.Millisecond
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Output     string `yaml:"output" json:"output"`           // "stdout", "stderr", or file path; default: "stdout"
	Level      string `yaml:"level" json:"level"`             // "debug", "info", "warn", "error"; default: "info"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"` // max log file size before rotation; default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"` // number of rotated files to keep; default: 3
}

// AuthConfig holds JWT authentication settings for the caller surface.
type AuthConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	JWTSecret string   `yaml:"jwt_secret" json:"jwt_secret"`
	Issuer    string   `yaml:"issuer" json:"issuer"`
	Audience  string   `yaml:"audience" json:"audience"`
	Scopes    []string `yaml:"scopes" json:"scopes"`
}

// RateLimitConfig holds inbound per-caller rate limiter settings.
type RateLimitConfig struct {
	RequestsPerSecond float64           `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int               `yaml:"burst_size" json:"burst_size"`
	Overrides         map[string]Limits `yaml:"overrides" json:"overrides,omitempty"` // per-capability
}

// Limits is a rate/burst pair used by per-capability overrides.
type Limits struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size"`
}

// AdminConfig holds admin API settings.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`           // default: false
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
}

// RoutingConfig selects the candidate ordering strategy.
type RoutingConfig struct {
	Strategy string `yaml:"strategy" json:"strategy"`
}

// ValidStrategies are the accepted routing strategy names.
var ValidStrategies = map[string]bool{
	"priority_failover": true,
	"round_robin":       true,
	"weighted":          true,
	"least_latency":     true,
}

// BreakerConfig holds circuit breaker settings applied to all providers.
type BreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold" json:"failure_threshold"`
	Cooldown           time.Duration `yaml:"cooldown" json:"cooldown"`
	CooldownMultiplier float64       `yaml:"cooldown_multiplier" json:"cooldown_multiplier"`
	CooldownMax        time.Duration `yaml:"cooldown_max" json:"cooldown_max"`
	HalfOpenProbes     int           `yaml:"half_open_probes" json:"half_open_probes"`
}

// ProviderConfig defines a single inference provider and its key pool.
type ProviderConfig struct {
	ID           string   `yaml:"id" json:"id"`
	DisplayName  string   `yaml:"display_name" json:"display_name"`
	Priority     int      `yaml:"priority" json:"priority"` // lower = tried first
	Weight       int      `yaml:"weight" json:"weight"`
	Capabilities []string `yaml:"capabilities" json:"capabilities,omitempty"` // empty = all
	BaseURL      string   `yaml:"base_url" json:"base_url"`
	Model        string   `yaml:"model" json:"model"`
	TimeoutMs    int      `yaml:"timeout_ms" json:"timeout_ms"`
	RPMLimit     int      `yaml:"rpm_limit" json:"rpm_limit"` // per key; 0 = unlimited
	TPMLimit     int      `yaml:"tpm_limit" json:"tpm_limit"` // per key; 0 = unlimited
	Keys         []string `yaml:"keys" json:"-"`              // never serialized
}

// Timeout returns the per-attempt timeout as a time.Duration.
func (p ProviderConfig) Timeout() time.Duration {
	if p.TimeoutMs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(p.TimeoutMs) * time.Millisecond
}

// UsableKeys returns the provider's keys with blank entries removed.
func (p ProviderConfig) UsableKeys() []string {
	keys := make([]string, 0, len(p.Keys))
	for _, k := range p.Keys {
		if strings.TrimSpace(k) != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		// Inference calls stream slowly; the write timeout must outlast
		// the longest provider attempt.
		cfg.Server.WriteTimeout = 2 * time.Minute
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1048576 // 1 MB
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}

	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 50
	}
	if cfg.RateLimit.BurstSize == 0 {
		cfg.RateLimit.BurstSize = 25
	}

	if cfg.Routing.Strategy == "" {
		cfg.Routing.Strategy = "priority_failover"
	}

	cb := &cfg.Breaker
	if cb.FailureThreshold == 0 {
		cb.FailureThreshold = 5
	}
	if cb.Cooldown == 0 {
		cb.Cooldown = 30 * time.Second
	}
	if cb.CooldownMultiplier == 0 {
		cb.CooldownMultiplier = 2.0
	}
	if cb.CooldownMax == 0 {
		cb.CooldownMax = 5 * time.Minute
	}
	if cb.HalfOpenProbes == 0 {
		cb.HalfOpenProbes = 1
	}

	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.DisplayName == "" {
			p.DisplayName = p.ID
		}
		if p.Priority == 0 {
			p.Priority = 10
		}
		if p.Weight == 0 {
			p.Weight = 1
		}
		if p.TimeoutMs == 0 {
			p.TimeoutMs = 60000
		}
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}
	if cfg.Server.GlobalTimeoutMs < 0 {
		return fmt.Errorf("server.global_timeout_ms must be non-negative")
	}

	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" {
		if cfg.Logging.MaxSizeMB < 1 {
			return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
		}
	}

	if cfg.Auth.Enabled {
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
		}
		if cfg.Auth.Issuer == "" {
			return fmt.Errorf("auth.issuer is required when auth is enabled")
		}
		if cfg.Auth.Audience == "" {
			return fmt.Errorf("auth.audience is required when auth is enabled")
		}
	}

	if cfg.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be positive")
	}
	if cfg.RateLimit.BurstSize <= 0 {
		return fmt.Errorf("rate_limit.burst_size must be positive")
	}
	for cap, o := range cfg.RateLimit.Overrides {
		if o.RequestsPerSecond <= 0 || o.BurstSize <= 0 {
			return fmt.Errorf("rate_limit.overrides[%q]: requests_per_second and burst_size must be positive", cap)
		}
	}

	if cfg.Admin.Enabled && len(cfg.Admin.IPAllowlist) == 0 {
		return fmt.Errorf("admin.ip_allowlist is required when admin is enabled")
	}

	if !ValidStrategies[cfg.Routing.Strategy] {
		return fmt.Errorf("routing.strategy must be one of priority_failover, round_robin, weighted, least_latency; got %q", cfg.Routing.Strategy)
	}

	cb := cfg.Breaker
	if cb.FailureThreshold < 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be positive")
	}
	if cb.Cooldown <= 0 {
		return fmt.Errorf("circuit_breaker.cooldown must be positive")
	}
	if cb.CooldownMultiplier < 1 {
		return fmt.Errorf("circuit_breaker.cooldown_multiplier must be >= 1")
	}
	if cb.CooldownMax < cb.Cooldown {
		return fmt.Errorf("circuit_breaker.cooldown_max must be >= cooldown")
	}
	if cb.HalfOpenProbes < 1 {
		return fmt.Errorf("circuit_breaker.half_open_probes must be positive")
	}

	if len(cfg.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}

	seen := make(map[string]bool)
	for i, p := range cfg.Providers {
		if p.ID == "" {
			return fmt.Errorf("providers[%d].id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider id: %s", p.ID)
		}
		seen[p.ID] = true

		if p.Priority < 1 {
			return fmt.Errorf("providers[%d].priority must be positive", i)
		}
		if p.Weight < 1 {
			return fmt.Errorf("providers[%d].weight must be positive", i)
		}
		if p.RPMLimit < 0 || p.TPMLimit < 0 {
			return fmt.Errorf("providers[%d]: rpm_limit and tpm_limit must be non-negative", i)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("providers[%d].base_url is required", i)
		}
		u, err := url.Parse(p.BaseURL)
		if err != nil {
			return fmt.Errorf("providers[%d].base_url: invalid URL: %w", i, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("providers[%d].base_url: scheme must be http or https, got %q", i, u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("providers[%d].base_url: host is required", i)
		}
		if p.Model == "" {
			return fmt.Errorf("providers[%d].model is required", i)
		}
	}

	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if cfg.Auth.Enabled && strings.Contains(cfg.Auth.JWTSecret, "${") {
		warnings = append(warnings, "auth.jwt_secret contains unresolved environment variable")
	}
	for _, p := range cfg.Providers {
		if len(p.UsableKeys()) == 0 {
			warnings = append(warnings, fmt.Sprintf("provider %q has no usable keys and will be excluded from routing", p.ID))
		}
		for _, k := range p.Keys {
			if strings.Contains(k, "${") {
				warnings = append(warnings, fmt.Sprintf("provider %q has a key with an unresolved environment variable", p.ID))
				break
			}
		}
	}
	return warnings
}
