package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Push channel modes.
const (
	PushWebsocket = "websocket"
	PushPostgres  = "postgres"
	PushRedis     = "redis"
	PushOff       = "off"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Cache    CacheConfig    `yaml:"cache"`
	Push     PushConfig     `yaml:"push"`
	Polling  PollingConfig  `yaml:"polling"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig contains PostgreSQL connection settings
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
	Migrate  bool   `yaml:"migrate"` // apply the schema on startup
}

// CacheConfig contains cache freshness and fetch settings
type CacheConfig struct {
	CacheDuration time.Duration `yaml:"cache_duration"`
	StaleDuration time.Duration `yaml:"stale_duration"`
	Debounce      time.Duration `yaml:"debounce"`
	PageSize      int           `yaml:"page_size"`
}

// PushConfig selects and tunes the change notification channel
type PushConfig struct {
	Mode             string        `yaml:"mode"` // "websocket", "postgres", "redis" or "off"
	URL              string        `yaml:"url"`  // websocket endpoint
	RedisAddr        string        `yaml:"redis_addr"`
	RedisPassword    string        `yaml:"redis_password"`
	SubscribeTimeout time.Duration `yaml:"subscribe_timeout"`
	RetryBase        time.Duration `yaml:"retry_base"`
	RetryMax         time.Duration `yaml:"retry_max"`
}

// PollingConfig contains the fallback polling intervals
type PollingConfig struct {
	DegradedInterval time.Duration `yaml:"degraded_interval"`
	LiveInterval     time.Duration `yaml:"live_interval"`
}

// AuthConfig contains session token settings
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	AdminRole string `yaml:"admin_role"`
	// SessionToken is the dashboard's own access token. Push subscriptions
	// are authorized with it; request tokens only authorize their request.
	SessionToken string `yaml:"session_token"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "text"
}

// LoadEnv loads variables from dotenv files into the process environment
// without overriding variables already set. Missing files are skipped.
func LoadEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads configuration from a YAML file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applies environment overrides and
// validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override with environment variables if present
	if err := cfg.overrideWithEnv(); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// overrideWithEnv overrides config values with environment variables
func (c *Config) overrideWithEnv() error {
	// Database
	if val := os.Getenv("DB_HOST"); val != "" {
		c.Database.Host = val
	}
	if val := os.Getenv("DB_PORT"); val != "" {
		if _, err := fmt.Sscanf(val, "%d", &c.Database.Port); err != nil {
			return fmt.Errorf("DB_PORT: %w", err)
		}
	}
	if val := os.Getenv("DB_USER"); val != "" {
		c.Database.User = val
	}
	if val := os.Getenv("DB_PASSWORD"); val != "" {
		c.Database.Password = val
	}
	if val := os.Getenv("DB_NAME"); val != "" {
		c.Database.Database = val
	}
	if val := os.Getenv("DB_SSL_MODE"); val != "" {
		c.Database.SSLMode = val
	}

	// Push
	if val := os.Getenv("PUSH_URL"); val != "" {
		c.Push.URL = val
	}
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		c.Push.RedisAddr = val
	}
	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		c.Push.RedisPassword = val
	}

	// Auth
	if val := os.Getenv("JWT_SECRET"); val != "" {
		c.Auth.JWTSecret = val
	}
	if val := os.Getenv("DASHBOARD_TOKEN"); val != "" {
		c.Auth.SessionToken = val
	}

	// Server
	if val := os.Getenv("HTTP_PORT"); val != "" {
		if _, err := fmt.Sscanf(val, "%d", &c.Server.Port); err != nil {
			return fmt.Errorf("HTTP_PORT: %w", err)
		}
	}

	// Log
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = val
	}
	return nil
}

// Validate checks if the configuration is valid and fills in defaults
func (c *Config) Validate() error {
	// Server
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	// Database
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database user is required")
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}

	// Cache
	if err := defaultDuration("cache.cache_duration", &c.Cache.CacheDuration, 30*time.Second); err != nil {
		return err
	}
	if err := defaultDuration("cache.stale_duration", &c.Cache.StaleDuration, 5*time.Minute); err != nil {
		return err
	}
	if err := defaultDuration("cache.debounce", &c.Cache.Debounce, 100*time.Millisecond); err != nil {
		return err
	}
	if c.Cache.StaleDuration < c.Cache.CacheDuration {
		return fmt.Errorf("cache.stale_duration (%s) must not be shorter than cache.cache_duration (%s)",
			c.Cache.StaleDuration, c.Cache.CacheDuration)
	}
	if c.Cache.PageSize == 0 {
		c.Cache.PageSize = 50
	}
	if c.Cache.PageSize < 0 {
		return fmt.Errorf("invalid cache.page_size: %d", c.Cache.PageSize)
	}

	// Push
	switch c.Push.Mode {
	case "":
		c.Push.Mode = PushPostgres
	case PushWebsocket:
		if c.Push.URL == "" {
			return fmt.Errorf("push.url is required in websocket mode")
		}
	case PushRedis:
		if c.Push.RedisAddr == "" {
			return fmt.Errorf("push.redis_addr is required in redis mode")
		}
	case PushPostgres, PushOff:
	default:
		return fmt.Errorf("invalid push.mode: %q", c.Push.Mode)
	}
	if err := defaultDuration("push.subscribe_timeout", &c.Push.SubscribeTimeout, 10*time.Second); err != nil {
		return err
	}
	if err := defaultDuration("push.retry_base", &c.Push.RetryBase, 2*time.Second); err != nil {
		return err
	}
	if err := defaultDuration("push.retry_max", &c.Push.RetryMax, 2*time.Minute); err != nil {
		return err
	}

	// Polling
	if err := defaultDuration("polling.degraded_interval", &c.Polling.DegradedInterval, 30*time.Second); err != nil {
		return err
	}
	if err := defaultDuration("polling.live_interval", &c.Polling.LiveInterval, 5*time.Minute); err != nil {
		return err
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("JWT secret must be at least 32 characters")
	}
	if c.Auth.AdminRole == "" {
		c.Auth.AdminRole = "admin"
	}

	// Log
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	return nil
}

func defaultDuration(name string, d *time.Duration, def time.Duration) error {
	if *d < 0 {
		return fmt.Errorf("invalid %s: %s", name, *d)
	}
	if *d == 0 {
		*d = def
	}
	return nil
}

// GetDatabaseConnectionString returns a PostgreSQL connection string
func (c *Config) GetDatabaseConnectionString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
		c.Database.SSLMode,
	)
}

// GetServerAddress returns the HTTP listen address
func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
