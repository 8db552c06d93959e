package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	RotationStoreDirectory = "directory"
	RotationStoreRedis     = "redis"
)

type Config struct {
	Addr         string
	LogLevel     string
	RedisURL     string
	DatabaseURL  string
	OTLPEndpoint string
	AWSRegion    string
	SecretsName  string

	// Rate limiting
	RateLimitStrategy  string
	RateLimitPrefix    string
	StoreTimeout       time.Duration
	MasterUserID       int64
	ResetLimitsOnStart bool

	// Repositories and routing
	SeedFile              string
	RotationStore         string
	RoleCacheTTL          time.Duration
	QoSFallbackUnfiltered bool
	SignalsAlpha          float64

	// Handoff and notifications
	DispatchQueueURL      string
	NotificationsTopicARN string
	NotificationDedupTTL  time.Duration

	// Graceful shutdown
	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:                  getEnv("ADDR", ":8080"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		RedisURL:              getEnv("REDIS_URL", ""),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		OTLPEndpoint:          getEnv("OTLP_ENDPOINT", ""),
		AWSRegion:             getEnv("AWS_REGION", ""),
		SecretsName:           getEnv("SECRETS_NAME", ""),
		RateLimitStrategy:     getEnv("RATE_LIMIT_STRATEGY", "sliding_window"),
		RateLimitPrefix:       getEnv("RATE_LIMIT_PREFIX", "rl"),
		StoreTimeout:          getDurationEnv("STORE_TIMEOUT", 250*time.Millisecond),
		MasterUserID:          getIntEnv("MASTER_USER_ID", 0),
		ResetLimitsOnStart:    getBoolEnv("RESET_LIMITS_ON_START", true),
		SeedFile:              getEnv("SEED_FILE", ""),
		RotationStore:         getEnv("ROTATION_STORE", RotationStoreDirectory),
		RoleCacheTTL:          getDurationEnv("ROLE_CACHE_TTL", time.Minute),
		QoSFallbackUnfiltered: getBoolEnv("QOS_FALLBACK_UNFILTERED", false),
		SignalsAlpha:          getFloatEnv("SIGNALS_ALPHA", 0.2),
		DispatchQueueURL:      getEnv("DISPATCH_QUEUE_URL", ""),
		NotificationsTopicARN: getEnv("NOTIFICATIONS_TOPIC_ARN", ""),
		NotificationDedupTTL:  getDurationEnv("NOTIFICATION_DEDUP_TTL", time.Hour),
		ShutdownTimeout:       getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	switch c.RateLimitStrategy {
	case "fixed_window", "sliding_window", "moving_window":
	default:
		errs = append(errs, fmt.Errorf("RATE_LIMIT_STRATEGY: unknown strategy %q", c.RateLimitStrategy))
	}

	switch c.RotationStore {
	case RotationStoreDirectory:
	case RotationStoreRedis:
		if c.RedisURL == "" && c.SecretsName == "" {
			errs = append(errs, errors.New("ROTATION_STORE=redis requires REDIS_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("ROTATION_STORE: unknown store %q", c.RotationStore))
	}

	if c.RateLimitPrefix == "" {
		errs = append(errs, errors.New("RATE_LIMIT_PREFIX must not be empty"))
	}
	if c.StoreTimeout <= 0 {
		errs = append(errs, errors.New("STORE_TIMEOUT must be positive"))
	}
	if c.SignalsAlpha <= 0 || c.SignalsAlpha > 1 {
		errs = append(errs, fmt.Errorf("SIGNALS_ALPHA must be in (0, 1], got %v", c.SignalsAlpha))
	}
	if (c.DispatchQueueURL != "" || c.NotificationsTopicARN != "" || c.SecretsName != "") && c.AWSRegion == "" {
		errs = append(errs, errors.New("AWS_REGION is required when an AWS integration is configured"))
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv accepts Go durations ("250ms") or plain seconds ("30").
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true"
	}
	return defaultValue
}
