package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds every environment-driven setting for the engine. Values are
// resolved defaults -> TASKMESH_* environment variables -> functional
// options, in that priority order, matching the teacher's three-layer
// configuration approach.
type Config struct {
	// LLM reasoning backend.
	LLMProvider string `env:"TASKMESH_LLM_PROVIDER"`
	LLMAPIKey   string `env:"TASKMESH_LLM_API_KEY"`
	LLMModel    string `env:"TASKMESH_LLM_MODEL"`
	LLMBaseURL  string `env:"TASKMESH_LLM_BASE_URL"`

	// Browser agent backend.
	BrowserAgentAPIKey    string `env:"TASKMESH_BROWSER_AGENT_API_KEY"`
	BrowserAgentBaseURL   string `env:"TASKMESH_BROWSER_AGENT_BASE_URL"`
	HeadlessBrowser       bool   `env:"TASKMESH_HEADLESS_BROWSER"`
	MaxConcurrentBrowsers int    `env:"TASKMESH_MAX_CONCURRENT_BROWSERS"`
	BrowserTimeoutSeconds int    `env:"TASKMESH_BROWSER_TIMEOUT_SECONDS"`

	// HTTP surface.
	AppHost     string `env:"TASKMESH_APP_HOST"`
	AppPort     int    `env:"TASKMESH_APP_PORT"`
	CORSOrigins string `env:"TASKMESH_CORS_ORIGINS"`

	// Task admission and scheduling.
	MaxTasksPerMinute  int `env:"TASKMESH_MAX_TASKS_PER_MINUTE"`
	MaxConcurrentTasks int `env:"TASKMESH_MAX_CONCURRENT_TASKS"`

	// Auth (referenced only; issuance is an external collaborator).
	JWTSecret        string `env:"TASKMESH_JWT_SECRET"`
	JWTExpiryMinutes int    `env:"TASKMESH_JWT_EXPIRY_MINUTES"`
	JWTAlgorithm     string `env:"TASKMESH_JWT_ALGORITHM"`

	// Persistence.
	RedisURL string `env:"TASKMESH_REDIS_URL"`

	// Ambient.
	LogLevel  string `env:"TASKMESH_LOG_LEVEL"`
	LogFormat string `env:"TASKMESH_LOG_FORMAT"`
}

// Option mutates a Config after defaults and environment variables have been
// applied, for tests and embedders that want to override a handful of
// fields without setting environment variables.
type Option func(*Config)

// WithLLMProvider overrides the configured LLM provider.
func WithLLMProvider(provider string) Option {
	return func(c *Config) { c.LLMProvider = provider }
}

// WithRedisURL overrides the configured Redis URL.
func WithRedisURL(url string) Option {
	return func(c *Config) { c.RedisURL = url }
}

// NewConfig builds a Config from defaults, then TASKMESH_* environment
// variables, then the supplied options, mirroring the teacher's
// defaults-then-env-then-options layering.
func NewConfig(opts ...Option) (*Config, error) {
	c := &Config{
		LLMProvider:           "openai",
		LLMModel:              "gpt-4o-mini",
		HeadlessBrowser:       true,
		MaxConcurrentBrowsers: 5,
		BrowserTimeoutSeconds: 60,
		AppHost:               "0.0.0.0",
		AppPort:               8080,
		CORSOrigins:           "*",
		MaxTasksPerMinute:     30,
		MaxConcurrentTasks:    10,
		JWTExpiryMinutes:      60,
		JWTAlgorithm:          "HS256",
		LogLevel:              "info",
		LogFormat:             "json",
	}

	applyEnvOverride(&c.LLMProvider, "TASKMESH_LLM_PROVIDER")
	applyEnvOverride(&c.LLMAPIKey, "TASKMESH_LLM_API_KEY")
	applyEnvOverride(&c.LLMModel, "TASKMESH_LLM_MODEL")
	applyEnvOverride(&c.LLMBaseURL, "TASKMESH_LLM_BASE_URL")
	applyEnvOverride(&c.BrowserAgentAPIKey, "TASKMESH_BROWSER_AGENT_API_KEY")
	applyEnvOverride(&c.BrowserAgentBaseURL, "TASKMESH_BROWSER_AGENT_BASE_URL")
	applyEnvOverride(&c.AppHost, "TASKMESH_APP_HOST")
	applyEnvOverride(&c.CORSOrigins, "TASKMESH_CORS_ORIGINS")
	applyEnvOverride(&c.JWTSecret, "TASKMESH_JWT_SECRET")
	applyEnvOverride(&c.JWTAlgorithm, "TASKMESH_JWT_ALGORITHM")
	applyEnvOverride(&c.RedisURL, "TASKMESH_REDIS_URL")
	applyEnvOverride(&c.LogLevel, "TASKMESH_LOG_LEVEL")
	applyEnvOverride(&c.LogFormat, "TASKMESH_LOG_FORMAT")

	if err := applyEnvOverrideBool(&c.HeadlessBrowser, "TASKMESH_HEADLESS_BROWSER"); err != nil {
		return nil, err
	}
	if err := applyEnvOverrideInt(&c.MaxConcurrentBrowsers, "TASKMESH_MAX_CONCURRENT_BROWSERS"); err != nil {
		return nil, err
	}
	if err := applyEnvOverrideInt(&c.BrowserTimeoutSeconds, "TASKMESH_BROWSER_TIMEOUT_SECONDS"); err != nil {
		return nil, err
	}
	if err := applyEnvOverrideInt(&c.AppPort, "TASKMESH_APP_PORT"); err != nil {
		return nil, err
	}
	if err := applyEnvOverrideInt(&c.MaxTasksPerMinute, "TASKMESH_MAX_TASKS_PER_MINUTE"); err != nil {
		return nil, err
	}
	if err := applyEnvOverrideInt(&c.MaxConcurrentTasks, "TASKMESH_MAX_CONCURRENT_TASKS"); err != nil {
		return nil, err
	}
	if err := applyEnvOverrideInt(&c.JWTExpiryMinutes, "TASKMESH_JWT_EXPIRY_MINUTES"); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks invariants that must hold regardless of source.
func (c *Config) Validate() error {
	if c.MaxConcurrentBrowsers <= 0 {
		return NewFrameworkError("Config.Validate", "validation", ErrInvalidConfiguration)
	}
	if c.MaxConcurrentTasks <= 0 {
		return NewFrameworkError("Config.Validate", "validation", ErrInvalidConfiguration)
	}
	if c.AppPort <= 0 || c.AppPort > 65535 {
		return NewFrameworkError("Config.Validate", "validation", ErrInvalidConfiguration)
	}
	return nil
}

// Addr returns the host:port the HTTP surface should bind to.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.AppHost, c.AppPort)
}

// AllowedOrigins splits the configured CORS origins list.
func (c *Config) AllowedOrigins() []string {
	if c.CORSOrigins == "" {
		return nil
	}
	parts := strings.Split(c.CORSOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func applyEnvOverride(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func applyEnvOverrideInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return NewFrameworkError("Config.load", "validation", fmt.Errorf("%s: %w", key, ErrInvalidConfiguration))
	}
	*dst = n
	return nil
}

func applyEnvOverrideBool(dst *bool, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return NewFrameworkError("Config.load", "validation", fmt.Errorf("%s: %w", key, ErrInvalidConfiguration))
	}
	*dst = b
	return nil
}
