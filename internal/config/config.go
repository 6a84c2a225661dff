// Package config loads gateway configuration from built-in defaults, an
// optional YAML file and the environment, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks namespaced environment variables. A double underscore
// separates levels: AQUAGUIDE_SCHEDULER__POLL_INTERVAL=30s.
const EnvPrefix = "AQUAGUIDE_"

// Storage backends
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// plainEnv maps the service's unprefixed variable names to config keys.
var plainEnv = map[string]string{
	"PORT":           "port",
	"LOG_LEVEL":      "log_level",
	"ENV":            "env",
	"DATABASE_URL":   "db.url",
	"DB_HOST":        "db.host",
	"DB_PORT":        "db.port",
	"DB_USER":        "db.user",
	"DB_PASSWORD":    "db.password",
	"DB_NAME":        "db.name",
	"DB_SSLMODE":     "db.sslmode",
	"REDIS_HOST":     "redis.host",
	"REDIS_PORT":     "redis.port",
	"REDIS_PASSWORD": "redis.password",
	"REDIS_DB":       "redis.db",
	"AWS_REGION":     "aws.region",
	"AWS_ENDPOINT":   "aws.endpoint",
}

type Config struct {
	Port     int    `koanf:"port"`
	LogLevel string `koanf:"log_level"`
	Env      string `koanf:"env"`

	Storage       StorageConfig       `koanf:"storage"`
	DB            DBConfig            `koanf:"db"`
	Redis         RedisConfig         `koanf:"redis"`
	Scheduler     SchedulerConfig     `koanf:"scheduler"`
	Notifications NotificationsConfig `koanf:"notifications"`
	AWS           AWSConfig           `koanf:"aws"`
	RateLimit     RateLimitConfig     `koanf:"rate_limit"`
}

type StorageConfig struct {
	Backend    string `koanf:"backend"`
	Path       string `koanf:"path"`        // JSON file for the file backend
	SQLitePath string `koanf:"sqlite_path"` // Database file for the sqlite backend
	Key        string `koanf:"key"`         // Storage key holding the collection
}

type DBConfig struct {
	URL      string `koanf:"url"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	Name     string `koanf:"name"`
	SSLMode  string `koanf:"sslmode"`
}

type RedisConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Host      string `koanf:"host"`
	Port      int    `koanf:"port"`
	Password  string `koanf:"password"`
	DB        int    `koanf:"db"`
	KeyPrefix string `koanf:"key_prefix"`
}

type SchedulerConfig struct {
	PollInterval    time.Duration `koanf:"poll_interval"`
	DeliveryTimeout time.Duration `koanf:"delivery_timeout"`
	Timezone        string        `koanf:"timezone"`
	FiredGuard      bool          `koanf:"fired_guard"` // Needs redis.enabled
}

type NotificationsConfig struct {
	Icon        string        `koanf:"icon"`
	Preapproved bool          `koanf:"preapproved"` // Server-side channels start granted
	Log         bool          `koanf:"log"`
	Desktop     bool          `koanf:"desktop"`
	WebSocket   bool          `koanf:"websocket"`
	Webhook     WebhookConfig `koanf:"webhook"`
	Email       EmailConfig   `koanf:"email"`
	SNS         SNSConfig     `koanf:"sns"`
	SQS         SQSConfig     `koanf:"sqs"`
}

type WebhookConfig struct {
	URL     string            `koanf:"url"`
	Timeout time.Duration     `koanf:"timeout"`
	Headers map[string]string `koanf:"headers"`
}

type EmailConfig struct {
	From string `koanf:"from"`
	To   string `koanf:"to"`
}

type SNSConfig struct {
	TopicARN string `koanf:"topic_arn"`
}

type SQSConfig struct {
	QueueURL       string `koanf:"queue_url"`
	ActionQueueURL string `koanf:"action_queue_url"`
}

type AWSConfig struct {
	Region   string `koanf:"region"`
	Endpoint string `koanf:"endpoint"` // LocalStack
}

type RateLimitConfig struct {
	Requests int           `koanf:"requests"` // 0 disables
	Window   time.Duration `koanf:"window"`
}

// Load reads configuration. A missing file at configPath is not an error.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(NewDefaultProvider(), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file: %w", err)
			}
		}
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return plainEnv[s]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// The fired-today guard lives in Redis.
	if !cfg.Redis.Enabled {
		cfg.Scheduler.FiredGuard = false
	}

	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port must be between 1 and 65535, got %d", c.Port))
	}

	switch c.Storage.Backend {
	case BackendMemory, BackendFile, BackendSQLite, BackendPostgres:
	case BackendRedis:
		if !c.Redis.Enabled {
			errs = append(errs, errors.New("storage backend redis requires redis.enabled"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend: %q", c.Storage.Backend))
	}
	if c.Storage.Key == "" {
		errs = append(errs, errors.New("storage key is required"))
	}

	if c.Scheduler.PollInterval <= 0 {
		errs = append(errs, errors.New("scheduler poll_interval must be positive"))
	}
	if c.Scheduler.DeliveryTimeout <= 0 {
		errs = append(errs, errors.New("scheduler delivery_timeout must be positive"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}

	if c.RateLimit.Requests < 0 {
		errs = append(errs, errors.New("rate_limit requests must not be negative"))
	}
	if c.RateLimit.Requests > 0 && c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate_limit window must be positive"))
	}

	return errors.Join(errs...)
}

// Location resolves the scheduler's local zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid scheduler timezone %q: %w", c.Scheduler.Timezone, err)
	}
	return loc, nil
}
