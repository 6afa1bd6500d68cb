package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string
	DatabaseURL string
	StoreDriver string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	WaitTimeCacheTTL      time.Duration
	DefaultServiceMinutes float64
	AverageLookback       time.Duration

	JoinMaxAttempts int
	JoinRetryDelay  time.Duration

	AutoCreateQueue bool
	DefaultMaxSize  int
	DefaultLateCap  time.Duration
	QueueTimezone   *time.Location

	RateLimitPerMinute         int
	RateLimitBurst             int
	LocationRateLimitPerMinute int
	LocationRateLimitBurst     int

	LogLevel  string
	LogFormat string

	OTLPEndpoint string
	OTLPInsecure bool
}

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("DB_DSN", "")
	v.SetDefault("STORE_DRIVER", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("WAIT_TIME_CACHE_TTL_SECONDS", 300)
	v.SetDefault("DEFAULT_SERVICE_MINUTES", 15)
	v.SetDefault("AVERAGE_LOOKBACK_DAYS", 30)
	v.SetDefault("JOIN_MAX_ATTEMPTS", 3)
	v.SetDefault("JOIN_RETRY_DELAY_MS", 100)
	v.SetDefault("AUTO_CREATE_QUEUE", true)
	v.SetDefault("DEFAULT_MAX_SIZE", 50)
	v.SetDefault("DEFAULT_LATE_CAP_MINUTES", 15)
	v.SetDefault("QUEUE_TIMEZONE", "UTC")
	v.SetDefault("RATE_LIMIT_PER_MIN", 120)
	v.SetDefault("RATE_LIMIT_BURST", 30)
	v.SetDefault("LOCATION_RATE_LIMIT_PER_MIN", 600)
	v.SetDefault("LOCATION_RATE_LIMIT_BURST", 120)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
}

// Load reads settings from the environment, falling back to an optional
// .env file in the working directory and then to defaults.
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read .env: %w", err)
		}
	}
	v.AutomaticEnv()
	setDefaults(v)
	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	zone, err := time.LoadLocation(v.GetString("QUEUE_TIMEZONE"))
	if err != nil {
		return Config{}, fmt.Errorf("QUEUE_TIMEZONE: %w", err)
	}

	cfg := Config{
		Port:                       v.GetString("PORT"),
		DatabaseURL:                v.GetString("DB_DSN"),
		StoreDriver:                strings.ToLower(strings.TrimSpace(v.GetString("STORE_DRIVER"))),
		RedisAddr:                  v.GetString("REDIS_ADDR"),
		RedisPassword:              v.GetString("REDIS_PASSWORD"),
		RedisDB:                    v.GetInt("REDIS_DB"),
		WaitTimeCacheTTL:           seconds(v.GetInt("WAIT_TIME_CACHE_TTL_SECONDS")),
		DefaultServiceMinutes:      v.GetFloat64("DEFAULT_SERVICE_MINUTES"),
		AverageLookback:            time.Duration(v.GetInt("AVERAGE_LOOKBACK_DAYS")) * 24 * time.Hour,
		JoinMaxAttempts:            v.GetInt("JOIN_MAX_ATTEMPTS"),
		JoinRetryDelay:             time.Duration(v.GetInt("JOIN_RETRY_DELAY_MS")) * time.Millisecond,
		AutoCreateQueue:            v.GetBool("AUTO_CREATE_QUEUE"),
		DefaultMaxSize:             v.GetInt("DEFAULT_MAX_SIZE"),
		DefaultLateCap:             time.Duration(v.GetInt("DEFAULT_LATE_CAP_MINUTES")) * time.Minute,
		QueueTimezone:              zone,
		RateLimitPerMinute:         v.GetInt("RATE_LIMIT_PER_MIN"),
		RateLimitBurst:             v.GetInt("RATE_LIMIT_BURST"),
		LocationRateLimitPerMinute: v.GetInt("LOCATION_RATE_LIMIT_PER_MIN"),
		LocationRateLimitBurst:     v.GetInt("LOCATION_RATE_LIMIT_BURST"),
		LogLevel:                   v.GetString("LOG_LEVEL"),
		LogFormat:                  v.GetString("LOG_FORMAT"),
		OTLPEndpoint:               v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:               v.GetBool("OTEL_EXPORTER_OTLP_INSECURE"),
	}
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = DriverMemory
		if cfg.DatabaseURL != "" {
			cfg.StoreDriver = DriverPostgres
		}
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.StoreDriver {
	case DriverMemory:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DB_DSN is required when STORE_DRIVER is postgres")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.JoinMaxAttempts <= 0 {
		return errors.New("JOIN_MAX_ATTEMPTS must be positive")
	}
	if c.DefaultMaxSize <= 0 {
		return errors.New("DEFAULT_MAX_SIZE must be positive")
	}
	if c.DefaultServiceMinutes <= 0 {
		return errors.New("DEFAULT_SERVICE_MINUTES must be positive")
	}
	return nil
}

func seconds(value int) time.Duration {
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}
