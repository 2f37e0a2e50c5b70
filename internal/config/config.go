// Package config defines the global configuration structure for remindq.
// Configuration is loaded once at process initialization and is immutable
// thereafter. It follows 12-Factor App principles by strictly separating
// code from configuration: any missing required value or invalid format
// causes startup to fail immediately.
package config

import "time"

// Config is the top-level configuration struct. It is populated once during
// process initialization and never modified. Sub-components receive only the
// specific config subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server   ServerConfig
	Redis    RedisConfig
	Queue    QueueConfig
	Email    EmailConfig
	Schedule ScheduleConfig
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// PublicURL is this service's externally reachable base URL (no trailing
	// slash). The scheduler derives the callback endpoints the external
	// queue invokes from it.
	PublicURL string `envconfig:"PUBLIC_URL" validate:"required,url"`
	// CORSOrigins is the allowed-origin list for the UI query surface.
	CORSOrigins []string `envconfig:"CORS_ORIGINS" default:"*"`
}

// RedisConfig holds job store connection and retention parameters.
type RedisConfig struct {
	Addr     string `envconfig:"REDIS_ADDR" default:"localhost:6379" validate:"required"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`

	// Retention bounds how long batches and jobs stay queryable.
	Retention time.Duration `envconfig:"STORE_RETENTION" default:"720h"`
	// DeadLetterRetention is intentionally longer than Retention: dead
	// letters exist for manual inspection after their job expires.
	DeadLetterRetention time.Duration `envconfig:"DEADLETTER_RETENTION" default:"2160h"`
}

// QueueConfig holds the external delayed-delivery queue settings.
type QueueConfig struct {
	BaseURL string `envconfig:"QUEUE_BASE_URL" default:"https://qstash.upstash.io" validate:"required,url"`
	Token   string `envconfig:"QUEUE_TOKEN" validate:"required"`
	// Retries is how many delivery attempts the queue makes against the
	// worker before invoking the failure callback.
	Retries int `envconfig:"QUEUE_RETRIES" default:"3"`
	// FlowControlKey and Parallelism form the rate-control directive
	// attached to every published message.
	FlowControlKey string `envconfig:"QUEUE_FLOW_CONTROL_KEY" default:"remindq-delivery"`
	Parallelism    int    `envconfig:"QUEUE_PARALLELISM" default:"5"`
	// PublishConcurrency bounds concurrent publish calls during fan-out.
	PublishConcurrency int `envconfig:"QUEUE_PUBLISH_CONCURRENCY" default:"4"`
}

// EmailConfig holds delivery provider credentials and sender identity.
type EmailConfig struct {
	// SendGridKey empty means the stub provider is used (local/dev mode).
	SendGridKey string `envconfig:"SENDGRID_API_KEY"`
	FromAddress string `envconfig:"EMAIL_FROM_ADDRESS" default:"reminders@remindq.io" validate:"email"`
	FromName    string `envconfig:"EMAIL_FROM_NAME" default:"Session Reminders"`
}

// ScheduleConfig holds send-time computation tunables.
type ScheduleConfig struct {
	// GraceWindow is how far in the past a computed send time may fall and
	// still be scheduled (with zero delay) instead of dropped.
	GraceWindow time.Duration `envconfig:"SCHEDULE_GRACE_WINDOW" default:"5m"`
}
