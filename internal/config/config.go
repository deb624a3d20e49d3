// Package config provides configuration management for the marketplace sync
// service. It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	Listing  ListingConfig
	Stats    StatsConfig
	Mutation MutationConfig
	CrossTab CrossTabConfig
	Images   ImagesConfig
	Logging  LoggingConfig
}

// ServerConfig holds the consumer API server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RequestsPerSec  int
	Burst           int
}

// RedisConfig holds the shared persisted store configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// ListingConfig holds the live query manager configuration
type ListingConfig struct {
	FetchURL            string
	SubscribeURL        string
	SubscriptionTimeout time.Duration // how long to wait for the first push message
	RefreshDelay        time.Duration // UX feedback delay after a manual refresh
	FetchTimeout        time.Duration
}

// StatsConfig holds the stats cache configuration
type StatsConfig struct {
	FreshnessWindow time.Duration // age beyond which an entry is stale
	Capacity        int           // bounded entry count, enforced on every insert
}

// MutationConfig holds the optimistic mutation engine configuration
type MutationConfig struct {
	ViewDebounce time.Duration // a view counts only after surviving this long
}

// CrossTabConfig holds the cross-context sync configuration
type CrossTabConfig struct {
	Channel        string        // pub/sub channel name
	ThrottleWindow time.Duration // minimum interval between applied updates per observer
}

// ImagesConfig holds the gateway-fallback image loader configuration
type ImagesConfig struct {
	Gateways      []string // gateway prefixes in priority order
	CacheCapacity int
	ProbeTimeout  time.Duration
	MaxConcurrent int // resolver worker pool size
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// DefaultGateways is the built-in gateway priority order, fastest first.
var DefaultGateways = []string{
	"https://ipfs.io/ipfs/",
	"https://cloudflare-ipfs.com/ipfs/",
	"https://gateway.pinata.cloud/ipfs/",
	"https://dweb.link/ipfs/",
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env file is optional - environment variables can be set directly
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnv("SERVER_PORT", "8080"),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			RequestsPerSec:  getEnvAsInt("SERVER_REQUESTS_PER_SEC", 50),
			Burst:           getEnvAsInt("SERVER_BURST", 10),
		},
		Redis: RedisConfig{
			Host:           getEnv("REDIS_HOST", "localhost"),
			Port:           getEnv("REDIS_PORT", "6379"),
			Password:       getEnv("REDIS_PASSWORD", ""),
			DB:             getEnvAsInt("REDIS_DB", 0),
			MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 50),
		},
		Listing: ListingConfig{
			FetchURL:            getEnv("LISTING_FETCH_URL", ""),
			SubscribeURL:        getEnv("LISTING_SUBSCRIBE_URL", ""),
			SubscriptionTimeout: getEnvAsDuration("LISTING_SUBSCRIPTION_TIMEOUT", 10*time.Second),
			RefreshDelay:        getEnvAsDuration("LISTING_REFRESH_DELAY", 400*time.Millisecond),
			FetchTimeout:        getEnvAsDuration("LISTING_FETCH_TIMEOUT", 15*time.Second),
		},
		Stats: StatsConfig{
			FreshnessWindow: getEnvAsDuration("STATS_FRESHNESS_WINDOW", 60*time.Second),
			Capacity:        getEnvAsInt("STATS_CACHE_CAPACITY", 100),
		},
		Mutation: MutationConfig{
			ViewDebounce: getEnvAsDuration("VIEW_DEBOUNCE", 2*time.Second),
		},
		CrossTab: CrossTabConfig{
			Channel:        getEnv("CROSSTAB_CHANNEL", "market:interactions"),
			ThrottleWindow: getEnvAsDuration("CROSSTAB_THROTTLE_WINDOW", time.Second),
		},
		Images: ImagesConfig{
			Gateways:      getEnvAsSlice("IMAGE_GATEWAYS", DefaultGateways),
			CacheCapacity: getEnvAsInt("IMAGE_CACHE_CAPACITY", 200),
			ProbeTimeout:  getEnvAsDuration("IMAGE_PROBE_TIMEOUT", 8*time.Second),
			MaxConcurrent: getEnvAsInt("IMAGE_MAX_CONCURRENT", 4),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration invariants that would otherwise surface as
// subtle runtime misbehavior.
func (c *Config) Validate() error {
	if c.Stats.Capacity <= 0 {
		return fmt.Errorf("STATS_CACHE_CAPACITY must be positive, got %d", c.Stats.Capacity)
	}
	if c.Images.CacheCapacity <= 0 {
		return fmt.Errorf("IMAGE_CACHE_CAPACITY must be positive, got %d", c.Images.CacheCapacity)
	}
	if c.Listing.SubscriptionTimeout <= 0 {
		return fmt.Errorf("LISTING_SUBSCRIPTION_TIMEOUT must be positive, got %v", c.Listing.SubscriptionTimeout)
	}
	if c.CrossTab.ThrottleWindow <= 0 {
		return fmt.Errorf("CROSSTAB_THROTTLE_WINDOW must be positive, got %v", c.CrossTab.ThrottleWindow)
	}
	if len(c.Images.Gateways) == 0 {
		return fmt.Errorf("at least one image gateway is required")
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsSlice gets a comma-separated environment variable with a default value
func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var values []string
	for _, v := range strings.Split(valueStr, ",") {
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return defaultValue
	}
	return values
}
