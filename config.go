package tangguh

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the file-friendly configuration surface. Field names follow the
// wire convention services usually ship (camelCase, millisecond and second
// suffixes); Options translates it into functional options.
type Config struct {
	BaseURL        string            `json:"baseUrl" yaml:"baseUrl"`
	TimeoutMs      int               `json:"timeoutMs" yaml:"timeoutMs"`
	Auth           AuthSettings      `json:"auth" yaml:"auth"`
	Retry          RetrySettings     `json:"retry" yaml:"retry"`
	CircuitBreaker BreakerConfig     `json:"circuitBreaker" yaml:"circuitBreaker"`
	Cache          CacheConfig       `json:"cache" yaml:"cache"`
	RateLimit      RateLimitRules    `json:"rateLimit" yaml:"rateLimit"`
	Headers        map[string]string `json:"headers" yaml:"headers"`
}

// AuthSettings configures credentials. Type accepts "oauth2", "jwt" (alias
// "bearer") and "apikey"; empty means unauthenticated.
type AuthSettings struct {
	Type                 string   `json:"type" yaml:"type"`
	ClientID             string   `json:"clientId" yaml:"clientId"`
	ClientSecret         string   `json:"clientSecret" yaml:"clientSecret"`
	TokenURL             string   `json:"tokenUrl" yaml:"tokenUrl"`
	Scopes               []string `json:"scopes" yaml:"scopes"`
	StaticToken          string   `json:"staticToken" yaml:"staticToken"`
	APIKey               string   `json:"apiKey" yaml:"apiKey"`
	RefreshBufferSeconds int      `json:"refreshBufferSeconds" yaml:"refreshBufferSeconds"`
}

// RetrySettings configures the retry loop. Zero fields keep defaults.
type RetrySettings struct {
	MaxAttempts       int     `json:"maxAttempts" yaml:"maxAttempts"`
	InitialDelayMs    int     `json:"initialDelayMs" yaml:"initialDelayMs"`
	MaxDelayMs        int     `json:"maxDelayMs" yaml:"maxDelayMs"`
	BackoffMultiplier float64 `json:"backoffMultiplier" yaml:"backoffMultiplier"`
}

// BreakerConfig configures the circuit breaker. Enabled is tri-state: absent
// keeps the breaker on with defaults, false disables it.
type BreakerConfig struct {
	Enabled          *bool `json:"enabled" yaml:"enabled"`
	FailureThreshold int   `json:"failureThreshold" yaml:"failureThreshold"`
	ResetTimeoutMs   int   `json:"resetTimeoutMs" yaml:"resetTimeoutMs"`
}

// CacheConfig configures response caching. TTLSeconds maps resource names to
// lifetimes for GetResource; a zero value disables caching for that resource.
type CacheConfig struct {
	Enabled              bool           `json:"enabled" yaml:"enabled"`
	DefaultTTLSeconds    int            `json:"defaultTtlSeconds" yaml:"defaultTtlSeconds"`
	TTLSeconds           map[string]int `json:"ttlSeconds" yaml:"ttlSeconds"`
	SweepIntervalSeconds int            `json:"sweepIntervalSeconds" yaml:"sweepIntervalSeconds"`
}

// RateLimitRules configures the local token bucket.
type RateLimitRules struct {
	Enabled   bool `json:"enabled" yaml:"enabled"`
	MaxTokens int  `json:"maxTokens" yaml:"maxTokens"`
	RefillMs  int  `json:"refillMs" yaml:"refillMs"`
}

// LoadConfig reads a YAML (or JSON, which YAML subsumes) config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes config bytes.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

// Options translates the config into the functional options New consumes.
// Unset fields produce no option, so client defaults still apply.
func (cfg *Config) Options() []Option {
	var opts []Option

	if cfg.BaseURL != "" {
		opts = append(opts, WithBaseURL(cfg.BaseURL))
	}
	if cfg.TimeoutMs > 0 {
		opts = append(opts, WithTimeout(time.Duration(cfg.TimeoutMs)*time.Millisecond))
	}
	for key, value := range cfg.Headers {
		opts = append(opts, WithDefaultHeader(key, value))
	}

	if auth := cfg.Auth.authConfig(); auth.Type != AuthTypeNone {
		opts = append(opts, WithAuth(auth))
	}

	if cfg.Retry.MaxAttempts > 0 {
		opts = append(opts, WithMaxAttempts(cfg.Retry.MaxAttempts))
	}
	if cfg.Retry.InitialDelayMs > 0 {
		opts = append(opts, WithInitialDelay(time.Duration(cfg.Retry.InitialDelayMs)*time.Millisecond))
	}
	if cfg.Retry.MaxDelayMs > 0 {
		opts = append(opts, WithMaxDelay(time.Duration(cfg.Retry.MaxDelayMs)*time.Millisecond))
	}
	if cfg.Retry.BackoffMultiplier > 0 {
		opts = append(opts, WithBackoffMultiplier(cfg.Retry.BackoffMultiplier))
	}

	switch {
	case cfg.CircuitBreaker.Enabled != nil && !*cfg.CircuitBreaker.Enabled:
		opts = append(opts, WithoutCircuitBreaker())
	case cfg.CircuitBreaker.FailureThreshold > 0 || cfg.CircuitBreaker.ResetTimeoutMs > 0:
		opts = append(opts, WithCircuitBreaker(CircuitBreakerConfig{
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			ResetTimeout:     time.Duration(cfg.CircuitBreaker.ResetTimeoutMs) * time.Millisecond,
		}))
	}

	if cfg.Cache.Enabled {
		ttl := 300 * time.Second
		if cfg.Cache.DefaultTTLSeconds > 0 {
			ttl = time.Duration(cfg.Cache.DefaultTTLSeconds) * time.Second
		}
		opts = append(opts, WithCache(ttl))
		if len(cfg.Cache.TTLSeconds) > 0 {
			ttls := make(map[string]time.Duration, len(cfg.Cache.TTLSeconds))
			for resource, seconds := range cfg.Cache.TTLSeconds {
				ttls[resource] = time.Duration(seconds) * time.Second
			}
			opts = append(opts, WithResourceTTLs(ttls))
		}
		if cfg.Cache.SweepIntervalSeconds > 0 {
			opts = append(opts, WithCacheSweepInterval(time.Duration(cfg.Cache.SweepIntervalSeconds)*time.Second))
		}
	}

	if cfg.RateLimit.Enabled && cfg.RateLimit.MaxTokens > 0 && cfg.RateLimit.RefillMs > 0 {
		opts = append(opts, WithRateLimiter(cfg.RateLimit.MaxTokens, time.Duration(cfg.RateLimit.RefillMs)*time.Millisecond))
	}

	return opts
}

func (a AuthSettings) authConfig() AuthConfig {
	cfg := AuthConfig{
		ClientID:     a.ClientID,
		ClientSecret: a.ClientSecret,
		TokenURL:     a.TokenURL,
		Scopes:       a.Scopes,
		StaticToken:  a.StaticToken,
		APIKey:       a.APIKey,
	}
	if a.RefreshBufferSeconds > 0 {
		cfg.RefreshBuffer = time.Duration(a.RefreshBufferSeconds) * time.Second
	}
	switch strings.ToLower(strings.TrimSpace(a.Type)) {
	case "", "none":
		cfg.Type = AuthTypeNone
	case "oauth2":
		cfg.Type = AuthTypeOAuth2
	case "jwt", "bearer":
		cfg.Type = AuthTypeBearer
	case "apikey", "api_key":
		cfg.Type = AuthTypeAPIKey
	default:
		// Let token store validation report the unknown type by name.
		cfg.Type = AuthType(a.Type)
	}
	return cfg
}

// NewFromConfig builds a client from a parsed config plus any programmatic
// overrides, returning the validation error construction produced, if any.
func NewFromConfig(cfg *Config, extra ...Option) (*Client, error) {
	opts := cfg.Options()
	opts = append(opts, extra...)
	client := New(opts...)
	if err := client.ValidationError(); err != nil {
		return nil, err
	}
	return client, nil
}
