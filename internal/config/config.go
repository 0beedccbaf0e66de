package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type APIConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// queue selection
	UseEmailQueue bool   `envconfig:"USE_EMAIL_QUEUE" default:"true"`
	RedisURL      string `envconfig:"REDIS_URL" default:"redis://localhost:6379"`

	// SMTP relay (the API sends directly when the queue path is off, and for
	// test sends)
	SMTPHost string `envconfig:"SMTP_HOST" required:"true"`
	SMTPPort int    `envconfig:"SMTP_PORT" default:"587"`
	SMTPUser string `envconfig:"SMTP_USER"`
	SMTPPass string `envconfig:"SMTP_PASS"`

	SenderName    string `envconfig:"EMAIL_SENDER_NAME" default:"Mailq"`
	SenderAddress string `envconfig:"EMAIL_SENDER_ADDRESS" required:"true"`

	// delivery tuning
	MaxRetries      int  `envconfig:"EMAIL_MAX_RETRIES" default:"3"`
	BatchSize       int  `envconfig:"EMAIL_BATCH_SIZE" default:"10"`
	BatchDelayMs    int  `envconfig:"EMAIL_BATCH_DELAY" default:"1000"`
	TrackingEnabled bool `envconfig:"EMAIL_TRACKING_ENABLED" default:"false"`

	// base URL used to build tracking pixel, click and unsubscribe links
	BaseURL string `envconfig:"BASE_URL" default:"http://localhost:8080"`

	// policy for template placeholders with no matching variable: "keep" or "error"
	PlaceholderPolicy string `envconfig:"TEMPLATE_PLACEHOLDER_POLICY" default:"keep"`
}

type WorkerConfig struct {
	DBDSN                   string        `envconfig:"DB_DSN" required:"true"`
	DBPoolMaxConns          int32         `envconfig:"DB_POOL_MAX_CONNS" default:"8"`
	DBPoolMinConns          int32         `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   time.Duration `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	DBPoolMaxConnIdleTime   time.Duration `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
	DBPoolHealthCheckPeriod time.Duration `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"1m"`

	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	RedisURL string `envconfig:"REDIS_URL" default:"redis://localhost:6379"`

	SMTPHost string `envconfig:"SMTP_HOST" required:"true"`
	SMTPPort int    `envconfig:"SMTP_PORT" default:"587"`
	SMTPUser string `envconfig:"SMTP_USER"`
	SMTPPass string `envconfig:"SMTP_PASS"`

	SenderName    string `envconfig:"EMAIL_SENDER_NAME" default:"Mailq"`
	SenderAddress string `envconfig:"EMAIL_SENDER_ADDRESS" required:"true"`

	MaxRetries      int  `envconfig:"EMAIL_MAX_RETRIES" default:"3"`
	BatchSize       int  `envconfig:"EMAIL_BATCH_SIZE" default:"10"`
	BatchDelayMs    int  `envconfig:"EMAIL_BATCH_DELAY" default:"1000"`
	TrackingEnabled bool `envconfig:"EMAIL_TRACKING_ENABLED" default:"false"`
	BaseURL         string `envconfig:"BASE_URL" default:"http://localhost:8080"`

	PlaceholderPolicy string `envconfig:"TEMPLATE_PLACEHOLDER_POLICY" default:"keep"`

	WorkerConcurrency int `envconfig:"WORKER_CONCURRENCY" default:"4"`

	// Queue-level attempts sit above the delivery retry loop. Default 1 so the
	// effective retry budget is EMAIL_MAX_RETRIES alone; raise explicitly for
	// defense-in-depth.
	QueueMaxAttempts int `envconfig:"QUEUE_MAX_ATTEMPTS" default:"1"`

	// How long a job may sit in the active set before the worker assumes its
	// owner crashed and returns it to waiting. Must exceed the longest
	// expected job runtime or long bulk sends get double-processed.
	QueueStalledAfter time.Duration `envconfig:"QUEUE_STALLED_AFTER" default:"5m"`

	// outbound pacing across all in-flight sends in this process
	SMTPRPSPerPod float64 `envconfig:"SMTP_RPS_PER_POD" default:"10"`
	SMTPBurst     int     `envconfig:"SMTP_BURST" default:"20"`
}

type TrackingConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8081"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWorker() WorkerConfig {
	var cfg WorkerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadTracking() TrackingConfig {
	var cfg TrackingConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
