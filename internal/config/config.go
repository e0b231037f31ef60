package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig     `yaml:"server"`
	Database    DatabaseConfig   `yaml:"database"`
	Dispatcher  DispatcherConfig `yaml:"dispatcher"`
	Executor    ExecutorConfig   `yaml:"executor"`
	Webhooks    WebhooksConfig   `yaml:"webhooks"`
	Auth        AuthConfig       `yaml:"auth"`
	Logging     LoggingConfig    `yaml:"logging"`
	CatalogPath string           `yaml:"catalog_path"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type DispatcherConfig struct {
	WorkerCount     int           `yaml:"worker_count"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	ExecutorTimeout time.Duration `yaml:"executor_timeout"`
	BatchWindow     time.Duration `yaml:"batch_window"`
}

type ExecutorConfig struct {
	// Mode is "http" to forward jobs to a print service or "dry-run" to
	// only log them.
	Mode    string        `yaml:"mode"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type WebhooksConfig struct {
	Workers    int               `yaml:"workers"`
	Timeout    time.Duration     `yaml:"timeout"`
	MaxRetries int               `yaml:"max_retries"`
	Endpoints  []WebhookEndpoint `yaml:"endpoints"`
}

type WebhookEndpoint struct {
	Name   string   `yaml:"name"`
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

type AuthConfig struct {
	Enabled   bool          `yaml:"enabled"`
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	Clients   []APIClient   `yaml:"clients"`
}

// APIClient is a business module allowed to post events. SecretHash is a
// bcrypt hash, see the hash-secret command.
type APIClient struct {
	ID         string `yaml:"id"`
	SecretHash string `yaml:"secret_hash"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePath   string `yaml:"file_path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "./data/autoprint.db",
		},
		Dispatcher: DispatcherConfig{
			WorkerCount:     2,
			PollInterval:    time.Second,
			ExecutorTimeout: 30 * time.Second,
			BatchWindow:     time.Minute,
		},
		Executor: ExecutorConfig{
			Mode:    "dry-run",
			Timeout: 30 * time.Second,
		},
		Webhooks: WebhooksConfig{
			Workers:    2,
			Timeout:    10 * time.Second,
			MaxRetries: 3,
		},
		Auth: AuthConfig{
			TokenTTL: time.Hour,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "./logs/autoprint.log",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
		},
		CatalogPath: "./catalog.yaml",
	}
}

// Load reads configPath over the defaults and then applies AUTOPRINT_*
// environment overrides. A missing file is not an error.
func Load(configPath string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func LoadFromEnv() *Config {
	cfg := defaults()
	applyEnv(cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AUTOPRINT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("AUTOPRINT_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("AUTOPRINT_CATALOG"); v != "" {
		cfg.CatalogPath = v
	}

	if v := os.Getenv("AUTOPRINT_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatcher.WorkerCount = n
		}
	}

	if v := os.Getenv("AUTOPRINT_EXECUTOR_URL"); v != "" {
		cfg.Executor.URL = v
		cfg.Executor.Mode = "http"
	}

	if v := os.Getenv("AUTOPRINT_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}

	if v := os.Getenv("AUTOPRINT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server read timeout must be non-negative")
	}

	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server write timeout must be non-negative")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	if c.Dispatcher.WorkerCount < 1 {
		return fmt.Errorf("worker count must be at least 1")
	}

	if c.Dispatcher.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}

	if c.Dispatcher.ExecutorTimeout <= 0 {
		return fmt.Errorf("executor timeout must be positive")
	}

	if c.Dispatcher.BatchWindow <= 0 {
		return fmt.Errorf("batch window must be positive")
	}

	switch c.Executor.Mode {
	case "dry-run":
	case "http":
		u, err := url.Parse(c.Executor.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("executor url %q is not a valid absolute url", c.Executor.URL)
		}
	default:
		return fmt.Errorf("invalid executor mode: %s (valid: http, dry-run)", c.Executor.Mode)
	}

	if c.Webhooks.Workers < 1 {
		return fmt.Errorf("webhook workers must be at least 1")
	}

	if c.Webhooks.MaxRetries < 0 {
		return fmt.Errorf("webhook max retries must be non-negative")
	}

	for i, ep := range c.Webhooks.Endpoints {
		if ep.URL == "" {
			return fmt.Errorf("webhook endpoint %d has no url", i)
		}
	}

	if c.Auth.Enabled {
		if len(c.Auth.JWTSecret) < 16 {
			return fmt.Errorf("jwt secret must be at least 16 characters when auth is enabled")
		}
		if c.Auth.TokenTTL <= 0 {
			return fmt.Errorf("token ttl must be positive")
		}
		for _, cl := range c.Auth.Clients {
			if cl.ID == "" || cl.SecretHash == "" {
				return fmt.Errorf("auth clients need both id and secret_hash")
			}
		}
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, text)", c.Logging.Format)
	}

	validOutputs := map[string]bool{
		"stdout": true,
		"file":   true,
		"both":   true,
	}

	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid log output: %s (valid: stdout, file, both)", c.Logging.Output)
	}

	return nil
}
