// Package config loads the gateway configuration from environment
// variables, with an optional YAML file overriding the defaults.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds server configuration.
type Config struct {
	Port         string `yaml:"port"`
	LogLevel     string `yaml:"log_level"`
	DatabaseURL  string `yaml:"database_url"`
	RedisURL     string `yaml:"redis_url"`
	ToolsBaseURL string `yaml:"tools_base_url"`
	ToolsAPIKey  string `yaml:"tools_api_key"`
	JWTSecret    string `yaml:"jwt_secret"`

	ProposalTTLSeconds int `yaml:"proposal_ttl_seconds"`

	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`

	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Load reads configuration from environment variables. When CONFIG_FILE
// is set, the YAML file is read first and env vars override it.
func Load() (*Config, error) {
	cfg := &Config{
		Port:               "8080",
		LogLevel:           "INFO",
		ToolsBaseURL:       "http://localhost:8000/api",
		ProposalTTLSeconds: 3600,
		RateLimitRPS:       10,
		RateLimitBurst:     20,
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	setString(&cfg.Port, "PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.RedisURL, "REDIS_URL")
	setString(&cfg.ToolsBaseURL, "TOOLS_BASE_URL")
	setString(&cfg.ToolsAPIKey, "TOOLS_API_KEY")
	setString(&cfg.JWTSecret, "JWT_SECRET")
	setString(&cfg.OTLPEndpoint, "OTLP_ENDPOINT")

	if err := setInt(&cfg.ProposalTTLSeconds, "PROPOSAL_TTL_SECONDS"); err != nil {
		return nil, err
	}
	if err := setFloat(&cfg.RateLimitRPS, "RATE_LIMIT_RPS"); err != nil {
		return nil, err
	}
	if err := setInt(&cfg.RateLimitBurst, "RATE_LIMIT_BURST"); err != nil {
		return nil, err
	}

	if cfg.ProposalTTLSeconds <= 0 {
		return nil, fmt.Errorf("proposal_ttl_seconds must be positive, got %d", cfg.ProposalTTLSeconds)
	}
	return cfg, nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}
