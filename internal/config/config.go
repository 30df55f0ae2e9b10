package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Security  SecurityConfig  `mapstructure:"security" yaml:"security"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
	Usage     UsageConfig     `mapstructure:"usage" yaml:"usage"`
	LLM       LLMConfig       `mapstructure:"llm" yaml:"llm"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	Mode            string        `mapstructure:"mode" yaml:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type SecurityConfig struct {
	AdminPassword  string   `mapstructure:"admin_password" yaml:"admin_password"`
	APIKey         string   `mapstructure:"api_key" yaml:"api_key"`
	EnableCORS     bool     `mapstructure:"enable_cors" yaml:"enable_cors"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	// IgnoreUserHeader stops the static API key from choosing its rate limit
	// identity through X-User-ID.
	IgnoreUserHeader bool `mapstructure:"ignore_user_header" yaml:"ignore_user_header"`
}

type LoggingConfig struct {
	Level         string `mapstructure:"level" yaml:"level"`
	Format        string `mapstructure:"format" yaml:"format"`
	Output        string `mapstructure:"output" yaml:"output"`
	ConsoleOutput bool   `mapstructure:"console_output" yaml:"console_output"`
	MaxSize       int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups    int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge        int    `mapstructure:"max_age" yaml:"max_age"`
	Compress      bool   `mapstructure:"compress" yaml:"compress"`
	BufferSize    int    `mapstructure:"buffer_size" yaml:"buffer_size"`
}

type StorageConfig struct {
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
	KeysDir string `mapstructure:"keys_dir" yaml:"keys_dir"`
	LogsDir string `mapstructure:"logs_dir" yaml:"logs_dir"`
	// Driver is sqlite3 or postgres.
	Driver string `mapstructure:"driver" yaml:"driver"`
	DSN    string `mapstructure:"dsn" yaml:"dsn"`
}

// PolicyConfig overrides one named admission policy.
type PolicyConfig struct {
	Limit  int           `mapstructure:"limit" yaml:"limit"`
	Window time.Duration `mapstructure:"window" yaml:"window"`
}

type RateLimitConfig struct {
	// Backend is memory or redis.
	Backend         string                  `mapstructure:"backend" yaml:"backend"`
	JanitorInterval time.Duration           `mapstructure:"janitor_interval" yaml:"janitor_interval"`
	RedisAddr       string                  `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword   string                  `mapstructure:"redis_password" yaml:"redis_password"`
	RedisDB         int                     `mapstructure:"redis_db" yaml:"redis_db"`
	RedisPrefix     string                  `mapstructure:"redis_prefix" yaml:"redis_prefix"`
	Policies        map[string]PolicyConfig `mapstructure:"policies" yaml:"policies,omitempty"`
}

type UsageConfig struct {
	PricingFile  string        `mapstructure:"pricing_file" yaml:"pricing_file"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`
}

type LLMConfig struct {
	BaseURL         string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey          string        `mapstructure:"api_key" yaml:"api_key"`
	Model           string        `mapstructure:"model" yaml:"model"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries      int           `mapstructure:"max_retries" yaml:"max_retries"`
	MaxBulkItems    int           `mapstructure:"max_bulk_items" yaml:"max_bulk_items"`
	BulkConcurrency int           `mapstructure:"bulk_concurrency" yaml:"bulk_concurrency"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// Load loads the configuration from the global viper instance
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom unmarshals, defaults and validates the configuration held by v.
func LoadFrom(v *viper.Viper) (*Config, error) {
	var cfg Config

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// LoadOrCreate loads the config file, creating a default one on first run.
func LoadOrCreate() (*Config, error) {
	configFile := viper.ConfigFileUsed()
	if configFile == "" {
		configFile = "./config.yaml"
	}

	if _, err := os.Stat(configFile); err == nil {
		cfg, err := Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configFile, err)
		}
		return cfg, nil
	}

	// Environment overrides still apply when no file exists.
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	fmt.Println("\nConfig file not found, creating default config...")

	if cfg.Security.AdminPassword == "" {
		password, err := generateRandomPassword(16)
		if err != nil {
			return nil, err
		}
		cfg.Security.AdminPassword = password
		fmt.Printf("\nGenerated admin password: %s\n", password)
		fmt.Println("   IMPORTANT: save this password, the admin API needs it.")
	}

	if err := SaveConfig(cfg, configFile); err != nil {
		fmt.Printf("\nWarning: failed to save config file: %v\n", err)
		fmt.Println("   Continuing with in-memory config...")
	} else {
		fmt.Printf("\nConfig file created: %s\n", configFile)
	}

	return cfg, nil
}

// SaveConfig writes cfg as YAML to path.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0600)
}

func generateRandomPassword(length int) (string, error) {
	b := make([]byte, (length+1)/2)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate password: %w", err)
	}
	return hex.EncodeToString(b)[:length], nil
}

func setDefaults(cfg *Config) {
	// server
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8045
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "release"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 180 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	// logging
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "logs/contentops.log"
	}
	if cfg.Logging.MaxSize == 0 {
		cfg.Logging.MaxSize = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 10
	}
	if cfg.Logging.MaxAge == 0 {
		cfg.Logging.MaxAge = 30
	}
	if cfg.Logging.BufferSize == 0 {
		cfg.Logging.BufferSize = 1000
	}

	// storage
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "./data"
	}
	if cfg.Storage.KeysDir == "" {
		cfg.Storage.KeysDir = filepath.Join(cfg.Storage.DataDir, "keys")
	}
	if cfg.Storage.LogsDir == "" {
		cfg.Storage.LogsDir = "./logs"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite3"
	}
	if cfg.Storage.DSN == "" && cfg.Storage.Driver == "sqlite3" {
		cfg.Storage.DSN = filepath.Join(cfg.Storage.DataDir, "usage.db")
	}

	// rate limiting
	if cfg.RateLimit.Backend == "" {
		cfg.RateLimit.Backend = "memory"
	}
	if cfg.RateLimit.JanitorInterval == 0 {
		cfg.RateLimit.JanitorInterval = 60 * time.Second
	}
	if cfg.RateLimit.RedisAddr == "" {
		cfg.RateLimit.RedisAddr = "localhost:6379"
	}
	if cfg.RateLimit.RedisPrefix == "" {
		cfg.RateLimit.RedisPrefix = "contentops:rl:"
	}

	// usage metering
	if cfg.Usage.WriteTimeout == 0 {
		cfg.Usage.WriteTimeout = 10 * time.Second
	}
	if cfg.Usage.DrainTimeout == 0 {
		cfg.Usage.DrainTimeout = 15 * time.Second
	}

	// llm
	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-4o"
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = 120 * time.Second
	}
	if cfg.LLM.MaxRetries == 0 {
		cfg.LLM.MaxRetries = 3
	}
	if cfg.LLM.MaxBulkItems == 0 {
		cfg.LLM.MaxBulkItems = 10
	}
	if cfg.LLM.BulkConcurrency == 0 {
		cfg.LLM.BulkConcurrency = 3
	}

	// metrics
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Server.Port)
	}
	switch cfg.Storage.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported storage driver: %s", cfg.Storage.Driver)
	}
	if cfg.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for driver %s", cfg.Storage.Driver)
	}
	switch cfg.RateLimit.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported rate limit backend: %s", cfg.RateLimit.Backend)
	}
	if cfg.LLM.BulkConcurrency < 1 || cfg.LLM.MaxBulkItems < 1 {
		return fmt.Errorf("llm bulk settings must be positive")
	}
	return nil
}
