// Package config defines the configuration for the Queryline coordinator.
// Configuration is loaded once at process startup and is immutable
// thereafter, following 12-Factor principles: values come from the OS
// environment, with an optional .env file for local development. Any missing
// required value or invalid format fails the process immediately.
package config

import (
	"time"

	"queryline/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration for the coordinator process.
// Sub-components receive only the specific subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"queryline-coordinator"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Database    DatabaseConfig
	Analytics   AnalyticsConfig
	Auth        AuthConfig
	Coordinator CoordinatorConfig
}

// DatabaseConfig holds connection and pool tuning parameters for the
// schedule store.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AnalyticsConfig holds the external execution API settings.
type AnalyticsConfig struct {
	BaseURL string        `envconfig:"ANALYTICS_API_URL" validate:"required,url"`
	Timeout time.Duration `envconfig:"ANALYTICS_API_TIMEOUT" default:"30s"`
}

// AuthConfig holds the credential provider settings used to obtain and
// refresh analytics API access tokens on behalf of schedule owners.
type AuthConfig struct {
	TokenURL     string        `envconfig:"AUTH_TOKEN_URL" validate:"required,url"`
	ClientID     string        `envconfig:"AUTH_CLIENT_ID" validate:"required"`
	ClientSecret SecretString  `envconfig:"AUTH_CLIENT_SECRET" validate:"required"`
	RefreshSkew  time.Duration `envconfig:"AUTH_REFRESH_SKEW" default:"2m"`
}

// CoordinatorConfig holds the poll-loop, claim, retry, and recovery tuning.
//
// DueBuffer is the tolerated gap between "is due" and the claim attempt; it
// caps false claims on schedules whose next_run_at is mid-update. The 30s
// default is empirical, not load-bearing: verify it against the poll
// interval and clock-skew assumptions of the deployment before changing it.
type CoordinatorConfig struct {
	PollInterval     time.Duration `envconfig:"COORDINATOR_POLL_INTERVAL" default:"60s"`
	DueBuffer        time.Duration `envconfig:"COORDINATOR_DUE_BUFFER" default:"30s"`
	Concurrency      int           `envconfig:"COORDINATOR_CONCURRENCY" default:"4" validate:"min=1"`
	RecoveryInterval time.Duration `envconfig:"COORDINATOR_RECOVERY_INTERVAL" default:"60s"`
	RecoveryTimeout  time.Duration `envconfig:"COORDINATOR_RECOVERY_TIMEOUT" default:"5m"`
	RecoveryBatch    int           `envconfig:"COORDINATOR_RECOVERY_BATCH" default:"100" validate:"min=1"`
}
