package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the ad server.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	ClickHouse ClickHouseConfig
	Log        LogConfig
	Metrics    MetricsConfig
	Geo        GeoConfig
	Tracking   TrackingConfig
	Conversion ConversionConfig
	Rollup     RollupConfig
	RateLimit  RateLimitConfig
}

type ServerConfig struct {
	Addr            string
	Env             string
	ShutdownTimeout time.Duration
	// ServeDomains are the alternate serving hosts postbacks are
	// redirected to when the case cannot be resolved locally.
	ServeDomains []string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ClickHouseConfig configures the long-term event archive.
type ClickHouseConfig struct {
	Enabled  bool
	Addr     string
	Database string
	User     string
	Password string
}

type LogConfig struct {
	Level  string
	Format string
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool
	Path    string
}

// GeoConfig configures GeoIP lookup for event enrichment.
type GeoConfig struct {
	Enabled      bool
	DatabasePath string
}

// TrackingConfig configures visitor identification.
type TrackingConfig struct {
	// Secret keys the tracking-id cookie checksum.
	Secret string
}

// ConversionConfig configures conversion attribution.
type ConversionConfig struct {
	// LookbackWindow bounds tracking-id attribution age.
	LookbackWindow time.Duration
}

// RollupConfig configures the hourly aggregation job.
type RollupConfig struct {
	Enabled  bool
	Interval time.Duration
	// WindowHours is how many trailing hours each run recomputes.
	WindowHours int
}

type RateLimitConfig struct {
	Enabled       bool
	PostbackRPS   float64
	PostbackBurst int
	StatsRPS      float64
	StatsBurst    int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:            getEnv("ADSERVER_HTTP_ADDR", ":8080"),
			Env:             getEnv("ADSERVER_ENV", "development"),
			ShutdownTimeout: getDurationEnv("ADSERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			ServeDomains:    getSliceEnv("ADSERVER_SERVE_DOMAINS", nil),
		},
		Database: DatabaseConfig{
			Host:     getEnv("ADSERVER_DB_HOST", "localhost"),
			Port:     getIntEnv("ADSERVER_DB_PORT", 5432),
			User:     getEnv("ADSERVER_DB_USER", "adserver"),
			Password: getEnv("ADSERVER_DB_PASSWORD", "adserver_secret"),
			DBName:   getEnv("ADSERVER_DB_NAME", "adserver"),
			SSLMode:  getEnv("ADSERVER_DB_SSLMODE", "disable"),
			MaxConns: getIntEnv("ADSERVER_DB_MAX_CONNS", 25),
			MinConns: getIntEnv("ADSERVER_DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Addr:     getEnv("ADSERVER_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("ADSERVER_REDIS_PASSWORD", ""),
			DB:       getIntEnv("ADSERVER_REDIS_DB", 0),
		},
		ClickHouse: ClickHouseConfig{
			Enabled:  getBoolEnv("ADSERVER_CLICKHOUSE_ENABLED", false),
			Addr:     getEnv("ADSERVER_CLICKHOUSE_ADDR", "localhost:9000"),
			Database: getEnv("ADSERVER_CLICKHOUSE_DB", "adserver"),
			User:     getEnv("ADSERVER_CLICKHOUSE_USER", "default"),
			Password: getEnv("ADSERVER_CLICKHOUSE_PASSWORD", ""),
		},
		Log: LogConfig{
			Level:  getEnv("ADSERVER_LOG_LEVEL", "info"),
			Format: getEnv("ADSERVER_LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Enabled: getBoolEnv("ADSERVER_METRICS_ENABLED", true),
			Path:    getEnv("ADSERVER_METRICS_PATH", "/metrics"),
		},
		Geo: GeoConfig{
			Enabled:      getBoolEnv("ADSERVER_GEO_ENABLED", false),
			DatabasePath: getEnv("ADSERVER_GEO_DB_PATH", "/app/data/GeoLite2-City.mmdb"),
		},
		Tracking: TrackingConfig{
			Secret: getEnv("ADSERVER_TRACKING_SECRET", ""),
		},
		Conversion: ConversionConfig{
			LookbackWindow: getDurationEnv("ADSERVER_CONVERSION_LOOKBACK", 7*24*time.Hour),
		},
		Rollup: RollupConfig{
			Enabled:     getBoolEnv("ADSERVER_ROLLUP_ENABLED", true),
			Interval:    getDurationEnv("ADSERVER_ROLLUP_INTERVAL", 10*time.Minute),
			WindowHours: getIntEnv("ADSERVER_ROLLUP_WINDOW_HOURS", 48),
		},
		RateLimit: RateLimitConfig{
			Enabled:       getBoolEnv("ADSERVER_RATE_LIMIT_ENABLED", false),
			PostbackRPS:   getFloatEnv("ADSERVER_RATE_LIMIT_POSTBACK_RPS", 1000),
			PostbackBurst: getIntEnv("ADSERVER_RATE_LIMIT_POSTBACK_BURST", 100),
			StatsRPS:      getFloatEnv("ADSERVER_RATE_LIMIT_STATS_RPS", 100),
			StatsBurst:    getIntEnv("ADSERVER_RATE_LIMIT_STATS_BURST", 20),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Tracking.Secret == "" {
		return fmt.Errorf("ADSERVER_TRACKING_SECRET is required")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// Helper functions for reading environment variables

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getIntEnv(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getFloatEnv(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getSliceEnv(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				result = append(result, p)
			}
		}
		return result
	}
	return def
}
