package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/RichardoC/chatstore/internal/chat"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr string `yaml:"addr"`

	Driver      string `yaml:"driver"` // "sqlite" or "postgres"
	SQLitePath  string `yaml:"sqlite_path"`
	DatabaseURL string `yaml:"database_url"`

	// An empty LLMBaseURL leaves the echo responder in place.
	LLMBaseURL string `yaml:"llm_base_url"`
	LLMToken   string `yaml:"llm_token"`
	LLMModel   string `yaml:"llm_model"`

	RetentionKeep     int           `yaml:"retention_keep"`
	RetentionInterval time.Duration `yaml:"retention_interval"` // 0 disables the worker

	LogLevel string `yaml:"log_level"`
}

func Default() *Config {
	return &Config{
		Addr:          ":8100",
		Driver:        "sqlite",
		SQLitePath:    "chatstore.db",
		LLMModel:      "llama3.1:8b",
		RetentionKeep: 50,
		LogLevel:      "info",
	}
}

// Load reads the YAML file at path (if any) over the defaults, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read is Load without validation, for callers that apply their own
// overrides (command-line flags) before calling Validate.
func Read(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Addr, "CHATSTORE_ADDR")
	setString(&c.Driver, "CHATSTORE_DB_DRIVER")
	setString(&c.SQLitePath, "CHATSTORE_DB_PATH")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.LLMBaseURL, "CHATSTORE_LLM_BASE_URL")
	setString(&c.LLMToken, "OPENAI_API_KEY")
	setString(&c.LLMModel, "CHATSTORE_LLM_MODEL")
	setString(&c.LogLevel, "CHATSTORE_LOG_LEVEL")

	if v := os.Getenv("CHATSTORE_RETENTION_KEEP"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: CHATSTORE_RETENTION_KEEP: %w", err)
		}
		c.RetentionKeep = n
	}
	if v := os.Getenv("CHATSTORE_RETENTION_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: CHATSTORE_RETENTION_INTERVAL: %w", err)
		}
		c.RetentionInterval = d
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// DSN returns the connection string for the configured driver.
func (c *Config) DSN() string {
	if c.Driver == "postgres" {
		return c.DatabaseURL
	}
	return c.SQLitePath
}

func (c *Config) Validate() error {
	switch c.Driver {
	case "sqlite":
		if c.SQLitePath == "" {
			return errors.New("config: sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("config: database_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown driver %q", c.Driver)
	}

	if c.RetentionKeep < 1 || c.RetentionKeep > chat.MaxKeepCount {
		return fmt.Errorf("config: retention_keep must be between 1 and %d, got %d", chat.MaxKeepCount, c.RetentionKeep)
	}
	if c.RetentionInterval < 0 {
		return errors.New("config: retention_interval must not be negative")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	return nil
}
