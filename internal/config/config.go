// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file. A .env file, when present, is loaded into
// the process environment first.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML.
//
// Exactly one upstream provider is active, selected by LLM_PROVIDER, and its
// API key is required. Redis is optional: CACHE_MODE=memory keeps the cache
// in-process.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/nulpointcorp/crm-chat-gateway/internal/providers"
)

// Native provider names. Any key of providers.CompatibleHosts is accepted too.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel is one of: debug, info, warn, error. Default: info.
	LogLevel string

	// Provider is the active upstream.
	Provider ProviderConfig

	// LLM holds request defaults and the retry policy.
	LLM LLMConfig

	// Redis is required when the cache or the rate limiter is Redis-backed.
	Redis RedisConfig

	Cache CacheConfig

	// MetricsReportInterval is the period of the snapshot log. 0 disables it.
	// Default: 60s.
	MetricsReportInterval time.Duration

	RateLimit RateLimitConfig

	RequestLog RequestLogConfig

	// CORSOrigins is the list of allowed CORS origins. Default: ["*"].
	CORSOrigins []string
}

// ProviderConfig identifies the upstream and its credentials.
type ProviderConfig struct {
	// Name is openai, anthropic, gemini or an OpenAI-compatible host name.
	Name string
	// APIKey is read from <NAME>_API_KEY (GOOGLE_API_KEY for gemini).
	APIKey string
	// BaseURL overrides the provider endpoint. Useful for local mocks.
	BaseURL string
}

// LLMConfig holds per-request defaults and the retry policy.
type LLMConfig struct {
	Model       string
	MaxTokens   int
	Temperature float64

	// Timeout bounds each upstream attempt. Default: 2s.
	Timeout time.Duration
	// MaxRetries is the total number of attempts. Default: 3.
	MaxRetries int
	// RetryBaseDelay is multiplied by the attempt number. Default: 1s.
	RetryBaseDelay time.Duration
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "memory" (default) in-process FIFO cache;
	//   "redis"  shared across replicas (requires REDIS_URL);
	//   "none"   caching disabled.
	Mode string

	// MaxSize caps the number of entries. Default: 100.
	MaxSize int

	// Timeout is the freshness window of an entry. Default: 5m.
	Timeout time.Duration

	// ExcludeModels lists exact model names that are never cached.
	ExcludeModels []string

	// ExcludePatterns are Go regular expressions matched against model names.
	ExcludePatterns []string

	// ExcludeAgents lists agent types whose requests are never cached.
	ExcludeAgents []string
}

// RateLimitConfig controls per-agent-type request limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum chat requests per minute per agent type.
	// Agent types are caller-declared, so the limit is advisory.
	// 0 disables rate limiting.
	RPMLimit int
	// Burst applies to the in-process limiter. 0 means RPMLimit.
	Burst int
}

// RequestLogConfig selects where chat events are persisted.
type RequestLogConfig struct {
	// Sink is stdout (default), clickhouse or none.
	Sink string
	// ClickHouseDSN is required for the clickhouse sink.
	ClickHouseDSN string
}

// Load reads configuration from .env, config.yaml and the environment, in
// increasing order of precedence.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read config.yaml: %w", err)
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	name := strings.ToLower(strings.TrimSpace(v.GetString("LLM_PROVIDER")))
	keyVar, urlVar := providerEnv(name)

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Provider: ProviderConfig{
			Name:    name,
			APIKey:  v.GetString(keyVar),
			BaseURL: v.GetString(urlVar),
		},

		LLM: LLMConfig{
			Model:          v.GetString("LLM_MODEL"),
			MaxTokens:      v.GetInt("LLM_MAX_TOKENS"),
			Temperature:    v.GetFloat64("LLM_TEMPERATURE"),
			Timeout:        v.GetDuration("LLM_TIMEOUT"),
			MaxRetries:     v.GetInt("LLM_MAX_RETRIES"),
			RetryBaseDelay: v.GetDuration("LLM_RETRY_BASE_DELAY"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			MaxSize:         v.GetInt("CACHE_MAX_SIZE"),
			Timeout:         v.GetDuration("CACHE_TIMEOUT"),
			ExcludeModels:   getList(v, "CACHE_EXCLUDE_MODELS"),
			ExcludePatterns: getList(v, "CACHE_EXCLUDE_PATTERNS"),
			ExcludeAgents:   getList(v, "CACHE_EXCLUDE_AGENTS"),
		},

		MetricsReportInterval: v.GetDuration("METRICS_REPORT_INTERVAL"),

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
			Burst:    v.GetInt("RPM_BURST"),
		},

		RequestLog: RequestLogConfig{
			Sink:          strings.ToLower(v.GetString("REQUEST_LOG_SINK")),
			ClickHouseDSN: v.GetString("CLICKHOUSE_DSN"),
		},

		CORSOrigins: getList(v, "CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("LLM_PROVIDER", ProviderOpenAI)
	v.SetDefault("LLM_MODEL", "gpt-4o-mini")
	v.SetDefault("LLM_MAX_TOKENS", 1000)
	v.SetDefault("LLM_TEMPERATURE", 0.7)
	v.SetDefault("LLM_TIMEOUT", "2s")
	v.SetDefault("LLM_MAX_RETRIES", 3)
	v.SetDefault("LLM_RETRY_BASE_DELAY", "1s")

	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_MAX_SIZE", 100)
	v.SetDefault("CACHE_TIMEOUT", "5m")

	v.SetDefault("METRICS_REPORT_INTERVAL", "60s")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)
	v.SetDefault("RPM_BURST", 0)

	v.SetDefault("REQUEST_LOG_SINK", "stdout")
	v.SetDefault("CORS_ORIGINS", "*")
}

// providerEnv returns the API key and base URL variable names for name.
func providerEnv(name string) (keyVar, urlVar string) {
	upper := strings.ToUpper(name)
	if name == ProviderGemini {
		return "GOOGLE_API_KEY", "GEMINI_BASE_URL"
	}
	return upper + "_API_KEY", upper + "_BASE_URL"
}

// getList reads a comma separated env var or a YAML list.
func getList(v *viper.Viper, key string) []string {
	var raw []string
	switch val := v.Get(key).(type) {
	case nil:
		return nil
	case string:
		raw = strings.Split(val, ",")
	default:
		raw = v.GetStringSlice(key)
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: PORT must be within 1..65535, got %d", c.Port)
	}

	if !KnownProvider(c.Provider.Name) {
		return fmt.Errorf("config: unknown LLM_PROVIDER %q", c.Provider.Name)
	}
	if c.Provider.APIKey == "" {
		keyVar, _ := providerEnv(c.Provider.Name)
		return fmt.Errorf("config: %s is required when LLM_PROVIDER=%s", keyVar, c.Provider.Name)
	}

	if c.LLM.Model == "" {
		return fmt.Errorf("config: LLM_MODEL must not be empty")
	}
	if c.LLM.MaxTokens < 0 {
		return fmt.Errorf("config: LLM_MAX_TOKENS must be >= 0, got %d", c.LLM.MaxTokens)
	}
	if t := c.LLM.Temperature; math.IsNaN(t) || t < 0 || t > 2 {
		return fmt.Errorf("config: LLM_TEMPERATURE must be within [0, 2], got %v", t)
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("config: LLM_TIMEOUT must be a positive duration")
	}
	if c.LLM.MaxRetries < 1 {
		return fmt.Errorf("config: LLM_MAX_RETRIES must be >= 1, got %d", c.LLM.MaxRetries)
	}
	if c.LLM.RetryBaseDelay < 0 {
		return fmt.Errorf("config: LLM_RETRY_BASE_DELAY must not be negative")
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf("config: invalid CACHE_MODE %q; must be one of: redis, memory, none", c.Cache.Mode)
	}
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when CACHE_MODE=redis; " +
			"set CACHE_MODE=memory to use the built-in in-process cache")
	}
	if c.Cache.MaxSize < 1 {
		return fmt.Errorf("config: CACHE_MAX_SIZE must be >= 1, got %d", c.Cache.MaxSize)
	}
	if c.Cache.Timeout <= 0 {
		return fmt.Errorf("config: CACHE_TIMEOUT must be a positive duration")
	}

	if c.MetricsReportInterval < 0 {
		return fmt.Errorf("config: METRICS_REPORT_INTERVAL must not be negative")
	}
	if c.RateLimit.RPMLimit < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("config: RPM_LIMIT and RPM_BURST must not be negative")
	}

	switch c.RequestLog.Sink {
	case "stdout", "none":
	case "clickhouse":
		if c.RequestLog.ClickHouseDSN == "" {
			return fmt.Errorf("config: CLICKHOUSE_DSN is required when REQUEST_LOG_SINK=clickhouse")
		}
	default:
		return fmt.Errorf("config: invalid REQUEST_LOG_SINK %q; must be one of: stdout, clickhouse, none", c.RequestLog.Sink)
	}

	return nil
}

// KnownProvider reports whether name can be used as LLM_PROVIDER.
func KnownProvider(name string) bool {
	switch name {
	case ProviderOpenAI, ProviderAnthropic, ProviderGemini:
		return true
	}
	_, ok := providers.CompatibleHosts[name]
	return ok
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
