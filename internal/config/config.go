package config

import (
	"fmt"
	"os"
	"strconv"
)

// Environment is the runtime environment the gateway runs in.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
	Test        Environment = "test"
)

var logLevels = map[string]bool{
	"fatal": true, "error": true, "warn": true,
	"info": true, "debug": true, "trace": true,
}

// Config holds the gateway configuration, sourced from the environment.
type Config struct {
	Port            int
	Env             Environment
	DatabaseURL     string
	RedisURL        string
	AdminAPIKey     string
	LogLevel        string
	LogFile         string
	MetricsEnabled  bool
	TracingEnabled  bool
	TracingEndpoint string
}

// FromEnv loads and validates configuration from environment variables.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Port:            8080,
		Env:             Development,
		LogLevel:        "info",
		MetricsEnabled:  true,
		TracingEnabled:  false,
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		AdminAPIKey:     os.Getenv("ADMIN_API_KEY"),
		LogFile:         os.Getenv("LOG_FILE"),
		TracingEndpoint: os.Getenv("TRACING_ENDPOINT"),
	}

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid PORT %q", v)
		}
		cfg.Port = port
	}

	env := os.Getenv("ENV")
	if env == "" {
		env = os.Getenv("NODE_ENV") // legacy deployments
	}
	if env != "" {
		switch Environment(env) {
		case Development, Production, Test:
			cfg.Env = Environment(env)
		default:
			return nil, fmt.Errorf("invalid ENV %q (want development, production or test)", env)
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if !logLevels[v] {
			return nil, fmt.Errorf("invalid LOG_LEVEL %q", v)
		}
		cfg.LogLevel = v
	}

	var err error
	if cfg.MetricsEnabled, err = boolEnv("METRICS_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.TracingEnabled, err = boolEnv("TRACING_ENABLED", false); err != nil {
		return nil, err
	}

	return cfg, cfg.Validate()
}

func boolEnv(name string, def bool) (bool, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s %q", name, v)
	}
	return b, nil
}

// Validate checks that required settings are present.
func (c *Config) Validate() error {
	if c.AdminAPIKey == "" {
		return fmt.Errorf("ADMIN_API_KEY is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
