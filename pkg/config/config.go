package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	EnvPrefix  = ""
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

type Config struct {
	App          AppConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	Stripe       StripeConfig
	Entitlements EntitlementsConfig
	GCP          GCPConfig
	GCS          GCSConfig
	PubSub       PubSubConfig
	Vision       VisionConfig
	FormCheck    FormCheckConfig
	Cron         CronConfig
	FeatureFlags FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"VITAFLOW_APP_ENV" required:"true"`
	Port         string `envconfig:"VITAFLOW_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"VITAFLOW_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"VITAFLOW_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN string `envconfig:"VITAFLOW_DB_DSN" required:"true"`

	MaxOpenConns    int           `envconfig:"VITAFLOW_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"VITAFLOW_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"VITAFLOW_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"VITAFLOW_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"VITAFLOW_REDIS_URL"`
	Address      string        `envconfig:"VITAFLOW_REDIS_ADDR"`
	Password     string        `envconfig:"VITAFLOW_REDIS_PASSWORD"`
	DB           int           `envconfig:"VITAFLOW_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"VITAFLOW_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"VITAFLOW_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"VITAFLOW_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"VITAFLOW_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"VITAFLOW_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"VITAFLOW_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"VITAFLOW_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"VITAFLOW_JWT_EXPIRATION_MINUTES" default:"60"`
}

type StripeConfig struct {
	APIKey        string `envconfig:"VITAFLOW_STRIPE_API_KEY"`
	SigningSecret string `envconfig:"VITAFLOW_STRIPE_WEBHOOK_SECRET" required:"true"`
	Env           string `envconfig:"VITAFLOW_STRIPE_ENV" default:"test"`
}

type EntitlementsConfig struct {
	// IdempotencyTTL bounds the Redis fast-path replay guard; the durable
	// guard lives on the subscription row.
	IdempotencyTTL time.Duration `envconfig:"VITAFLOW_ENTITLEMENTS_IDEMPOTENCY_TTL" default:"720h"`
	GracePeriod    time.Duration `envconfig:"VITAFLOW_ENTITLEMENTS_GRACE_PERIOD" default:"168h"`
	WriteAttempts  int           `envconfig:"VITAFLOW_ENTITLEMENTS_WRITE_ATTEMPTS" default:"3"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"VITAFLOW_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"VITAFLOW_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"VITAFLOW_GOOGLE_APPLICATION_CREDENTIALS"`
}

type GCSConfig struct {
	BucketName string `envconfig:"VITAFLOW_GCS_BUCKET_NAME" required:"true"`
}

type PubSubConfig struct {
	FormCheckTopic string `envconfig:"VITAFLOW_PUBSUB_FORMCHECK_TOPIC" default:"vf-formcheck-events"`
}

type VisionConfig struct {
	APIKey      string        `envconfig:"VITAFLOW_GEMINI_API_KEY" required:"true"`
	Model       string        `envconfig:"VITAFLOW_GEMINI_MODEL" default:"gemini-2.0-flash"`
	BaseURL     string        `envconfig:"VITAFLOW_GEMINI_BASE_URL" default:"https://generativelanguage.googleapis.com"`
	CallTimeout time.Duration `envconfig:"VITAFLOW_GEMINI_CALL_TIMEOUT" default:"30s"`
}

type FormCheckConfig struct {
	MaxAttempts  int           `envconfig:"VITAFLOW_FORMCHECK_MAX_ATTEMPTS" default:"3"`
	RetryBackoff time.Duration `envconfig:"VITAFLOW_FORMCHECK_RETRY_BACKOFF" default:"30s"`
	Workers      int           `envconfig:"VITAFLOW_FORMCHECK_WORKERS" default:"4"`
	PollInterval time.Duration `envconfig:"VITAFLOW_FORMCHECK_POLL_INTERVAL" default:"2s"`
	MetricsPort  string        `envconfig:"VITAFLOW_FORMCHECK_METRICS_PORT" default:"9090"`
	// StuckAfter is how long a job may sit in processing before the cron
	// sweep returns it to the queue (worker crash recovery).
	StuckAfter time.Duration `envconfig:"VITAFLOW_FORMCHECK_STUCK_AFTER" default:"10m"`
}

type CronConfig struct {
	Interval time.Duration `envconfig:"VITAFLOW_CRON_INTERVAL" default:"15m"`
	LockKey  string        `envconfig:"VITAFLOW_CRON_LOCK_KEY" default:"cron:vitaflow"`
	LockTTL  time.Duration `envconfig:"VITAFLOW_CRON_LOCK_TTL" default:"14m"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"VITAFLOW_AUTO_MIGRATE" default:"false"`
}
