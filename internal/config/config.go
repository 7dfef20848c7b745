package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds the core runtime configuration for the service.
// Values are sourced from environment variables (optionally seeded from a
// .env file by main), with sensible defaults where appropriate.
type Config struct {
	Env        string `env:"APP_ENV" envDefault:"development"`
	ListenAddr string `env:"APP_LISTEN_ADDR" envDefault:":8080"`

	DatabaseURL string `env:"APP_DATABASE_URL"`
	RedisURL    string `env:"APP_REDIS_URL"`

	LogLevel  string `env:"APP_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"APP_LOG_FORMAT" envDefault:"console"`

	// CronSecret guards the scheduled batch endpoints. In production an
	// empty value makes those endpoints answer 503.
	CronSecret string `env:"APP_CRON_SECRET"`

	// SessionTokenSecret signs the short-lived handshake tokens used by
	// export/ack consumers.
	SessionTokenSecret string        `env:"APP_SESSION_TOKEN_SECRET"`
	SessionTokenTTL    time.Duration `env:"APP_SESSION_TOKEN_TTL" envDefault:"5m"`

	// OperatorToken is the bearer token accepted on operator stage actions.
	// Operator identity is owned by the dashboard; this service only checks
	// the shared token.
	OperatorToken string `env:"APP_OPERATOR_TOKEN"`

	ConversionAPIURL     string        `env:"APP_CONVERSION_API_URL" envDefault:"http://localhost:9090"`
	ConversionAPIToken   string        `env:"APP_CONVERSION_API_TOKEN"`
	ConversionAPITimeout time.Duration `env:"APP_CONVERSION_API_TIMEOUT" envDefault:"15s"`

	DispatchBatchSize   int           `env:"APP_DISPATCH_BATCH_SIZE" envDefault:"100"`
	DispatchConcurrency int           `env:"APP_DISPATCH_CONCURRENCY" envDefault:"8"`
	DispatchMaxAttempts int           `env:"APP_DISPATCH_MAX_ATTEMPTS" envDefault:"10"`
	DispatchTimeout     time.Duration `env:"APP_DISPATCH_TIMEOUT" envDefault:"50s"`
	StuckCutoff         time.Duration `env:"APP_STUCK_CUTOFF" envDefault:"15m"`

	ReconcileBatchSize int `env:"APP_RECONCILE_BATCH_SIZE" envDefault:"50"`

	IdempotencyBucket        time.Duration `env:"APP_IDEMPOTENCY_BUCKET" envDefault:"5m"`
	IdempotencyRetentionDays int           `env:"APP_IDEMPOTENCY_RETENTION_DAYS" envDefault:"90"`
	QueueRetentionDays       int           `env:"APP_QUEUE_RETENTION_DAYS" envDefault:"30"`

	RateLimitPerMinute int `env:"APP_RATE_LIMIT_PER_MINUTE" envDefault:"600"`

	// InternalScheduler runs the batch jobs in-process on a crontab instead
	// of waiting for an external scheduler to call /cron/*.
	InternalScheduler bool          `env:"APP_INTERNAL_SCHEDULER" envDefault:"false"`
	JobLockTTL        time.Duration `env:"APP_JOB_LOCK_TTL" envDefault:"2m"`

	// Optional site created at startup when missing (local development).
	BootstrapSitePublicID      string `env:"APP_BOOTSTRAP_SITE_PUBLIC_ID"`
	BootstrapSiteAPIKey        string `env:"APP_BOOTSTRAP_SITE_API_KEY"`
	BootstrapSiteSigningSecret string `env:"APP_BOOTSTRAP_SITE_SIGNING_SECRET"`

	// envExplicit records whether APP_ENV was set rather than defaulted.
	envExplicit bool
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	_, cfg.envExplicit = os.LookupEnv("APP_ENV")
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values that have no usable default.
func (c *Config) Validate() error {
	dsn := strings.TrimSpace(c.DatabaseURL)
	if dsn == "" {
		return errors.New("APP_DATABASE_URL is required (PostgreSQL URL)")
	}
	if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		return errors.New("APP_DATABASE_URL must be a postgres:// or postgresql:// URL")
	}
	if c.DispatchBatchSize <= 0 {
		return errors.New("APP_DISPATCH_BATCH_SIZE must be positive")
	}
	if c.DispatchConcurrency <= 0 {
		c.DispatchConcurrency = 1
	}
	if c.IdempotencyBucket <= 0 {
		return errors.New("APP_IDEMPOTENCY_BUCKET must be positive")
	}
	if c.IsProduction() && c.SessionTokenSecret == "" {
		return errors.New("APP_SESSION_TOKEN_SECRET is required in production")
	}
	return nil
}

// IsProduction reports whether security checks must fail closed on missing
// configuration.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production") || strings.EqualFold(c.Env, "prod")
}

// AllowsCronBypass reports whether cron endpoints may run without a secret.
// Only APP_ENV=development set in the environment allows it; the default
// environment name does not.
func (c *Config) AllowsCronBypass() bool {
	return c.CronSecret == "" && c.envExplicit && strings.EqualFold(c.Env, "development")
}
