package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrMissingSetting marks configuration errors that are fatal for a
// sweep (missing credentials, missing DSN).
var ErrMissingSetting = errors.New("missing required setting")

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Feed     FeedConfig     `yaml:"feed"`
	Sync     SyncConfig     `yaml:"sync"`
	LogLevel string         `yaml:"log_level"`
}

type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
	QueueName  string `yaml:"queue_name"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

type FeedConfig struct {
	BaseURL            string        `yaml:"base_url"`
	APIKey             string        `yaml:"api_key"`
	PageSize           int           `yaml:"page_size"`
	Timeout            time.Duration `yaml:"timeout"`
	MinRequestInterval time.Duration `yaml:"min_request_interval"`
	Retry              RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

type SyncConfig struct {
	Interval           time.Duration `yaml:"interval"`
	IncrementalMinutes int           `yaml:"incremental_minutes"`
	PageConcurrency    int           `yaml:"page_concurrency"`
	BatchSize          int           `yaml:"batch_size"`
	MaxExecution       time.Duration `yaml:"max_execution"`
	PageErrorCap       int           `yaml:"page_error_cap"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	MinValidityRatio   float64       `yaml:"min_validity_ratio"`
	GraceWindow        time.Duration `yaml:"grace_window"`
	StaleJobAfter      time.Duration `yaml:"stale_job_after"`
}

func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Feed.BaseURL == "" {
		return fmt.Errorf("%w: feed.base_url", ErrMissingSetting)
	}
	if c.Feed.APIKey == "" {
		return fmt.Errorf("%w: feed.api_key", ErrMissingSetting)
	}
	if c.Database.Host == "" || c.Database.DBName == "" {
		return fmt.Errorf("%w: database host/dbname", ErrMissingSetting)
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.RabbitMQ.Exchange == "" {
		c.RabbitMQ.Exchange = "carsync"
	}
	if c.RabbitMQ.RoutingKey == "" {
		c.RabbitMQ.RoutingKey = "listings"
	}
	if c.RabbitMQ.QueueName == "" {
		c.RabbitMQ.QueueName = "catalog_listings"
	}
	if c.Feed.PageSize == 0 {
		c.Feed.PageSize = 100
	}
	if c.Feed.Timeout == 0 {
		c.Feed.Timeout = 60 * time.Second
	}
	if c.Feed.MinRequestInterval == 0 {
		c.Feed.MinRequestInterval = 200 * time.Millisecond
	}
	if c.Feed.Retry.MaxAttempts == 0 {
		c.Feed.Retry.MaxAttempts = 4
	}
	if c.Feed.Retry.InitialBackoff == 0 {
		c.Feed.Retry.InitialBackoff = 1 * time.Second
	}
	if c.Feed.Retry.MaxBackoff == 0 {
		c.Feed.Retry.MaxBackoff = 30 * time.Second
	}
	if c.Sync.Interval == 0 {
		c.Sync.Interval = 30 * time.Minute
	}
	if c.Sync.IncrementalMinutes == 0 {
		c.Sync.IncrementalMinutes = 60
	}
	if c.Sync.PageConcurrency == 0 {
		c.Sync.PageConcurrency = 5
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = 100
	}
	if c.Sync.MaxExecution == 0 {
		c.Sync.MaxExecution = 8 * time.Minute
	}
	if c.Sync.PageErrorCap == 0 {
		c.Sync.PageErrorCap = 20
	}
	if c.Sync.ErrorRateThreshold == 0 {
		c.Sync.ErrorRateThreshold = 0.05
	}
	if c.Sync.MinValidityRatio == 0 {
		c.Sync.MinValidityRatio = 0.95
	}
	if c.Sync.GraceWindow == 0 {
		c.Sync.GraceWindow = 24 * time.Hour
	}
	if c.Sync.StaleJobAfter == 0 {
		c.Sync.StaleJobAfter = time.Hour
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}
