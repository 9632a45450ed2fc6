package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Supported generative text providers.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Config holds everything the gateway reads from the environment at start.
type Config struct {
	Debug      bool   `env:"DEBUG"`
	LogFormat  string `env:"LOG_FORMAT" envDefault:"text"`
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`
	// FunctionsPort overrides the listen port when running as an Azure
	// Functions custom handler.
	FunctionsPort string `env:"FUNCTIONS_CUSTOMHANDLER_PORT"`

	Upstream  UpstreamConfig
	Enrich    EnrichConfig    `envPrefix:"ENRICH_"`
	AI        AIConfig        `envPrefix:"AI_"`
	Auth      AuthConfig      `envPrefix:"AUTH_"`
	RateLimit RateLimitConfig
	Telemetry TelemetryConfig
}

type UpstreamConfig struct {
	BaseURL      string        `env:"UPSTREAM_BASE_URL"`
	ClientPrefix string        `env:"CLIENT_API_PREFIX" envDefault:"/api/v1"`
	Prefix       string        `env:"UPSTREAM_API_PREFIX" envDefault:"/v1"`
	FeedPath     string        `env:"FEED_PATH" envDefault:"/feed"`
	TaskPath     string        `env:"TASK_PATH" envDefault:"/tasks"`
	Timeout      time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"15s"`
}

type EnrichConfig struct {
	TaskTimeout time.Duration `env:"TASK_TIMEOUT" envDefault:"5s"`
	// Concurrency optionally caps in-flight task fetches per feed response; 0,
	// the default, starts every fetch at once.
	Concurrency int `env:"CONCURRENCY" envDefault:"0"`
}

type AIConfig struct {
	Provider string        `env:"PROVIDER" envDefault:"openai"`
	APIKey   string        `env:"API_KEY"`
	BaseURL  string        `env:"BASE_URL"`
	Model    string        `env:"MODEL"`
	Timeout  time.Duration `env:"TIMEOUT" envDefault:"20s"`
}

type AuthConfig struct {
	JWKSURL      string        `env:"JWKS_URL"`
	Audience     string        `env:"AUDIENCE"`
	Issuer       string        `env:"ISSUER"`
	HS256Secret  string        `env:"HS256_SECRET"`
	JWKSCacheTTL time.Duration `env:"JWKS_CACHE_TTL" envDefault:"15m"`
}

// Enabled reports whether bearer verification is configured.
func (a AuthConfig) Enabled() bool {
	return a.JWKSURL != "" || a.HS256Secret != ""
}

type RateLimitConfig struct {
	// Limit is the number of XP suggestions a caller may request per Window.
	Limit    int           `env:"AI_RATE_LIMIT" envDefault:"0"`
	Window   time.Duration `env:"AI_RATE_WINDOW" envDefault:"1m"`
	RedisURL string        `env:"REDIS_URL"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string `env:"OTEL_SERVICE_NAME" envDefault:"tasquest-gateway"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Addr returns the address the HTTP server listens on.
func (c Config) Addr() string {
	if c.FunctionsPort != "" {
		return ":" + c.FunctionsPort
	}
	return c.ListenAddr
}

// Validate checks invariants the env tags cannot express.
func (c Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.Upstream.BaseURL)
	switch {
	case c.Upstream.BaseURL == "":
		errs = append(errs, errors.New("UPSTREAM_BASE_URL is required"))
	case err != nil || !u.IsAbs() || u.Host == "":
		errs = append(errs, fmt.Errorf("UPSTREAM_BASE_URL must be an absolute URL, got %q", c.Upstream.BaseURL))
	}

	for name, v := range map[string]string{
		"CLIENT_API_PREFIX":   c.Upstream.ClientPrefix,
		"UPSTREAM_API_PREFIX": c.Upstream.Prefix,
		"FEED_PATH":           c.Upstream.FeedPath,
		"TASK_PATH":           c.Upstream.TaskPath,
	} {
		if !strings.HasPrefix(v, "/") {
			errs = append(errs, fmt.Errorf("%s must start with '/', got %q", name, v))
		}
	}

	if c.Upstream.Timeout <= 0 {
		errs = append(errs, errors.New("UPSTREAM_TIMEOUT must be positive"))
	}
	if c.Enrich.TaskTimeout <= 0 {
		errs = append(errs, errors.New("ENRICH_TASK_TIMEOUT must be positive"))
	}
	if c.Enrich.Concurrency < 0 {
		errs = append(errs, errors.New("ENRICH_CONCURRENCY must not be negative"))
	}
	if c.AI.Timeout <= 0 {
		errs = append(errs, errors.New("AI_TIMEOUT must be positive"))
	}
	switch c.AI.Provider {
	case ProviderOpenAI, ProviderGemini:
	default:
		errs = append(errs, fmt.Errorf("unsupported AI_PROVIDER %q", c.AI.Provider))
	}
	if c.RateLimit.Limit < 0 {
		errs = append(errs, errors.New("AI_RATE_LIMIT must not be negative"))
	}
	if c.RateLimit.Limit > 0 && c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("AI_RATE_WINDOW must be positive"))
	}
	if c.Auth.JWKSURL != "" && c.Auth.HS256Secret != "" {
		errs = append(errs, errors.New("AUTH_JWKS_URL and AUTH_HS256_SECRET are mutually exclusive"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unsupported LOG_FORMAT %q", c.LogFormat))
	}

	return errors.Join(errs...)
}
