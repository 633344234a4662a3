package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Crawl    CrawlConfig
	Queue    QueueConfig
	Memory   MemoryConfig
	Alerts   AlertConfig
	Schedule ScheduleConfig
	LogLevel slog.Level
}

type ServerConfig struct {
	Port            int
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	MaxConns int32
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type CrawlConfig struct {
	UserAgent        string
	MinDelay         time.Duration
	MaxDelay         time.Duration
	DefaultRPM       int
	RequestTimeout   time.Duration
	MaxRetries       int
	RateLimitBackoff time.Duration
	UseBrowser       bool
	Headless         bool
}

type QueueConfig struct {
	Concurrency        int
	MaxAttempts        int
	BackoffBase        time.Duration
	JobsPerMinute      int
	CompletedRetention time.Duration
	FailedRetention    time.Duration
	StallTimeout       time.Duration
}

// MemoryConfig bounds the heap a single worker process may use while crawling.
// Thresholds are fractions of LimitMB.
type MemoryConfig struct {
	LimitMB           int
	WarningThreshold  float64
	CriticalThreshold float64
}

type AlertConfig struct {
	PriceDropThreshold float64
	Stream             string
}

type ScheduleConfig struct {
	Enabled bool
	Cron    string
}

const DefaultUserAgent = "SeedScraperBot/1.0 (+https://github.com/maltedev/seed-scraper)"

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvInt("PORT", 8084),
			ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Name:     getEnv("DB_NAME", "seed_catalog"),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 20)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			Prefix:   getEnv("QUEUE_PREFIX", "seedscraper"),
		},
		Crawl: CrawlConfig{
			UserAgent:        getEnv("CRAWL_USER_AGENT", DefaultUserAgent),
			MinDelay:         getEnvDuration("CRAWL_MIN_DELAY", 1*time.Second),
			MaxDelay:         getEnvDuration("CRAWL_MAX_DELAY", 2*time.Second),
			DefaultRPM:       getEnvInt("CRAWL_DEFAULT_RPM", 20),
			RequestTimeout:   getEnvDuration("CRAWL_REQUEST_TIMEOUT", 30*time.Second),
			MaxRetries:       getEnvInt("CRAWL_MAX_RETRIES", 3),
			RateLimitBackoff: getEnvDuration("CRAWL_RATE_LIMIT_BACKOFF", 10*time.Second),
			UseBrowser:       getEnvBool("CRAWL_BROWSER", false),
			Headless:         getEnvBool("CRAWL_HEADLESS", true),
		},
		Queue: QueueConfig{
			Concurrency:        getEnvInt("WORKER_CONCURRENCY", 2),
			MaxAttempts:        getEnvInt("QUEUE_MAX_ATTEMPTS", 3),
			BackoffBase:        getEnvDuration("QUEUE_BACKOFF_BASE", 5*time.Second),
			JobsPerMinute:      getEnvInt("QUEUE_JOBS_PER_MINUTE", 30),
			CompletedRetention: getEnvDuration("QUEUE_COMPLETED_RETENTION", 24*time.Hour),
			FailedRetention:    getEnvDuration("QUEUE_FAILED_RETENTION", 7*24*time.Hour),
			StallTimeout:       getEnvDuration("QUEUE_STALL_TIMEOUT", 10*time.Minute),
		},
		Memory: MemoryConfig{
			LimitMB:           getEnvInt("WORKER_MEMORY_LIMIT_MB", 1536),
			WarningThreshold:  getEnvFloat("WORKER_MEMORY_WARNING_THRESHOLD", 0.80),
			CriticalThreshold: getEnvFloat("WORKER_MEMORY_CRITICAL_THRESHOLD", 0.90),
		},
		Alerts: AlertConfig{
			PriceDropThreshold: getEnvFloat("PRICE_DROP_THRESHOLD", 0.05),
			Stream:             getEnv("ALERT_STREAM", "stream:price_alerts"),
		},
		Schedule: ScheduleConfig{
			Enabled: getEnvBool("AUTO_SCRAPE_ENABLED", false),
			Cron:    getEnv("AUTO_SCRAPE_CRON", "0 3 * * *"),
		},
		LogLevel: parseLevel(getEnv("LOG_LEVEL", "info")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Name == "" {
		return fmt.Errorf("database name is required")
	}

	if c.Queue.Concurrency < 1 {
		return fmt.Errorf("at least 1 concurrent worker is required")
	}

	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue max attempts must be at least 1, got %d", c.Queue.MaxAttempts)
	}

	if c.Crawl.MinDelay <= 0 || c.Crawl.MinDelay > c.Crawl.MaxDelay {
		return fmt.Errorf("invalid crawl delay band: %s..%s", c.Crawl.MinDelay, c.Crawl.MaxDelay)
	}

	if c.Crawl.DefaultRPM < 1 {
		return fmt.Errorf("default requests per minute must be positive")
	}

	if c.Alerts.PriceDropThreshold <= 0 || c.Alerts.PriceDropThreshold > 1 {
		return fmt.Errorf("price drop threshold must be in (0,1], got %v", c.Alerts.PriceDropThreshold)
	}

	if c.Memory.WarningThreshold <= 0 || c.Memory.CriticalThreshold > 1 ||
		c.Memory.WarningThreshold >= c.Memory.CriticalThreshold {
		return fmt.Errorf("invalid memory thresholds: warning=%v critical=%v",
			c.Memory.WarningThreshold, c.Memory.CriticalThreshold)
	}

	if c.Schedule.Enabled {
		if _, err := cron.ParseStandard(c.Schedule.Cron); err != nil {
			return fmt.Errorf("invalid auto scrape schedule %q: %w", c.Schedule.Cron, err)
		}
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
