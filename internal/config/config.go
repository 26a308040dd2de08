// Package config loads the hub's configuration from environment variables
// (with optional .env convenience loading), the way the teacher server does
// it: a single tagged struct, caarlos0/env for parsing, explicit Validate.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Connection holds the transport-facing knobs from spec §6 "connection".
type Connection struct {
	Host                     string        `env:"WS_HOST" envDefault:"0.0.0.0"`
	Port                     int           `env:"WS_PORT" envDefault:"6001"`
	Scheme                   string        `env:"WS_SCHEME" envDefault:"ws"`
	IdleTimeout              time.Duration `env:"WS_IDLE_TIMEOUT" envDefault:"120s"`
	MaxPayloadLength         int           `env:"WS_MAX_PAYLOAD_LENGTH" envDefault:"65536"`
	BackpressureLimit        int           `env:"WS_BACKPRESSURE_LIMIT" envDefault:"1048576"`
	CloseOnBackpressureLimit bool          `env:"WS_CLOSE_ON_BACKPRESSURE_LIMIT" envDefault:"false"`
	SendPings                bool          `env:"WS_SEND_PINGS" envDefault:"true"`
	PublishToSelf            bool          `env:"WS_PUBLISH_TO_SELF" envDefault:"false"`
	PerMessageDeflate        bool          `env:"WS_PER_MESSAGE_DEFLATE" envDefault:"false"`
}

// Relay holds the cross-node pub/sub backend settings from §6 "relay".
type Relay struct {
	Enabled   bool   `env:"RELAY_ENABLED" envDefault:"true"`
	Host      string `env:"RELAY_HOST" envDefault:"localhost"`
	Port      int    `env:"RELAY_PORT" envDefault:"4222"`
	Password  string `env:"RELAY_PASSWORD" envDefault:""`
	Database  int    `env:"RELAY_DATABASE" envDefault:"0"`
	KeyPrefix string `env:"RELAY_KEY_PREFIX" envDefault:"broadcasting:"`
}

// AuthCookie is the cookie-based auth sub-config.
type AuthCookie struct {
	Name   string `env:"AUTH_COOKIE_NAME" envDefault:"hub_session"`
	Secure bool   `env:"AUTH_COOKIE_SECURE" envDefault:"true"`
}

// AuthJWT is the bearer-token auth sub-config.
type AuthJWT struct {
	Secret    string `env:"AUTH_JWT_SECRET" envDefault:""`
	Algorithm string `env:"AUTH_JWT_ALGORITHM" envDefault:"HS256"`
}

// Auth holds §6 "auth" settings.
type Auth struct {
	Enabled bool `env:"AUTH_ENABLED" envDefault:"false"`
	Cookie  AuthCookie
	JWT     AuthJWT
}

// RateLimit holds §6 "rateLimit" settings.
type RateLimit struct {
	Max        int           `env:"RATE_LIMIT_MAX" envDefault:"100"`
	Window     time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"60s"`
	PerChannel bool          `env:"RATE_LIMIT_PER_CHANNEL" envDefault:"false"`
	PerUser    bool          `env:"RATE_LIMIT_PER_USER" envDefault:"false"`
}

// CORS holds the CORS sub-section of §6 "security".
type CORS struct {
	Enabled     bool     `env:"CORS_ENABLED" envDefault:"true"`
	Origins     []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`
	Credentials bool     `env:"CORS_CREDENTIALS" envDefault:"false"`
}

// Security holds §6 "security" settings.
type Security struct {
	CORS             CORS
	MaxPayloadSize   int64 `env:"SECURITY_MAX_PAYLOAD_SIZE" envDefault:"1048576"`
	SanitizeMessages bool  `env:"SECURITY_SANITIZE_MESSAGES" envDefault:"true"`
}

// Acknowledgments holds §6 "acknowledgments" settings.
type Acknowledgments struct {
	Enabled       bool          `env:"ACK_ENABLED" envDefault:"false"`
	Timeout       time.Duration `env:"ACK_TIMEOUT" envDefault:"5s"`
	RetryAttempts int           `env:"ACK_RETRY_ATTEMPTS" envDefault:"3"`
}

// Heartbeat holds §6 "heartbeat" settings.
type Heartbeat struct {
	Enabled                 bool          `env:"HEARTBEAT_ENABLED" envDefault:"true"`
	Interval                time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	Timeout                 time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"90s"`
	RequireClientHeartbeat  bool          `env:"HEARTBEAT_REQUIRE_CLIENT" envDefault:"false"`
}

// WebhookEndpoint is one registered webhook subscription.
type WebhookEndpoint struct {
	URL     string            `json:"url"`
	Events  []string          `json:"events"`
	Headers map[string]string `json:"headers,omitempty"`
	Method  string            `json:"method,omitempty"`
}

// Webhooks holds §6 "webhooks" settings.
type Webhooks struct {
	Enabled            bool          `env:"WEBHOOKS_ENABLED" envDefault:"false"`
	RetryAttempts      int           `env:"WEBHOOKS_RETRY_ATTEMPTS" envDefault:"3"`
	RetryDelay         time.Duration `env:"WEBHOOKS_RETRY_DELAY" envDefault:"1s"`
	Timeout            time.Duration `env:"WEBHOOKS_TIMEOUT" envDefault:"5s"`
	Secret             string        `env:"WEBHOOKS_SECRET" envDefault:""`
	DispatchRatePerSec float64       `env:"WEBHOOKS_DISPATCH_RATE_PER_SEC" envDefault:"10"`
	DispatchBurst      int           `env:"WEBHOOKS_DISPATCH_BURST" envDefault:"20"`
	// Endpoints are not practically expressible as a flat env var; callers
	// wire them programmatically (the CLI/config-file loader named in
	// spec.md §1 as an external collaborator is responsible for parsing
	// them from file and injecting them here before construction).
	Endpoints []WebhookEndpoint `env:"-"`
}

// Persistence holds §6 "persistence" settings.
type Persistence struct {
	Enabled       bool          `env:"PERSISTENCE_ENABLED" envDefault:"false"`
	TTL           time.Duration `env:"PERSISTENCE_TTL" envDefault:"300s"`
	MaxMessages   int           `env:"PERSISTENCE_MAX_MESSAGES" envDefault:"100"`
	ExcludeEvents []string      `env:"PERSISTENCE_EXCLUDE_EVENTS" envSeparator:","`
}

// Deduplication holds §6 "deduplication" settings.
type Deduplication struct {
	Enabled bool          `env:"DEDUP_ENABLED" envDefault:"true"`
	TTL     time.Duration `env:"DEDUP_TTL" envDefault:"60s"`
	MaxSize int           `env:"DEDUP_MAX_SIZE" envDefault:"10000"`
}

// LoadManagement holds §6 "loadManagement" settings.
type LoadManagement struct {
	MaxConnections           int     `env:"LOAD_MAX_CONNECTIONS" envDefault:"10000"`
	MaxChannelsPerConnection int     `env:"LOAD_MAX_CHANNELS_PER_CONNECTION" envDefault:"100"`
	MaxGlobalChannels        int     `env:"LOAD_MAX_GLOBAL_CHANNELS" envDefault:"100000"`
	ShedLoadAt               float64 `env:"LOAD_SHED_AT_PERCENT" envDefault:"90"`
	BackpressureThreshold    int     `env:"LOAD_BACKPRESSURE_THRESHOLD" envDefault:"1048576"`

	ConnRateGlobalBurst  int           `env:"LOAD_CONN_RATE_GLOBAL_BURST" envDefault:"300"`
	ConnRateGlobalPerSec float64       `env:"LOAD_CONN_RATE_GLOBAL_PER_SEC" envDefault:"50"`
	ConnRateIPBurst      int           `env:"LOAD_CONN_RATE_IP_BURST" envDefault:"10"`
	ConnRateIPPerSec     float64       `env:"LOAD_CONN_RATE_IP_PER_SEC" envDefault:"1"`
	ConnRateIPTTL        time.Duration `env:"LOAD_CONN_RATE_IP_TTL" envDefault:"5m"`
}

// CircuitBreaker holds §6 "circuitBreaker" settings.
type CircuitBreaker struct {
	FailureThreshold  int           `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	FailureWindow     time.Duration `env:"BREAKER_FAILURE_WINDOW" envDefault:"30s"`
	ResetTimeout      time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"30s"`
	SuccessThreshold  int           `env:"BREAKER_SUCCESS_THRESHOLD" envDefault:"2"`
	Timeout           time.Duration `env:"BREAKER_TIMEOUT" envDefault:"5s"`
}

// Config is the root configuration record, assembled the way the teacher's
// Config struct is: one flat tagged struct parsed in a single env.Parse
// pass, with nested subrecords per concern.
type Config struct {
	Connection      Connection
	Relay           Relay
	Auth            Auth
	RateLimit       RateLimit
	Security        Security
	Acknowledgments Acknowledgments
	Heartbeat       Heartbeat
	Webhooks        Webhooks
	Persistence     Persistence
	Deduplication   Deduplication
	LoadManagement  LoadManagement
	CircuitBreaker  CircuitBreaker

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	NodeID    string `env:"NODE_ID" envDefault:""`
}

// Load reads configuration from an optional .env file and then environment
// variables (env vars take precedence), validates it, and returns it.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return cfg, nil
}

// Validate checks the loaded configuration for internally inconsistent or
// out-of-range values.
func (c *Config) Validate() error {
	if c.Connection.Port <= 0 {
		return fmt.Errorf("WS_PORT must be > 0, got %d", c.Connection.Port)
	}
	if c.LoadManagement.MaxConnections < 1 {
		return fmt.Errorf("LOAD_MAX_CONNECTIONS must be > 0, got %d", c.LoadManagement.MaxConnections)
	}
	if c.LoadManagement.ShedLoadAt <= 0 || c.LoadManagement.ShedLoadAt > 100 {
		return fmt.Errorf("LOAD_SHED_AT_PERCENT must be in (0,100], got %.1f", c.LoadManagement.ShedLoadAt)
	}
	if c.Acknowledgments.RetryAttempts < 0 {
		return fmt.Errorf("ACK_RETRY_ATTEMPTS must be >= 0, got %d", c.Acknowledgments.RetryAttempts)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug,info,warn,error; got %q", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of json,text,pretty; got %q", c.LogFormat)
	}

	if c.Auth.Enabled && c.Auth.JWT.Secret == "" && c.Auth.Cookie.Name == "" {
		return fmt.Errorf("AUTH_ENABLED requires either AUTH_JWT_SECRET or AUTH_COOKIE_NAME")
	}

	return nil
}

// LogConfig emits the loaded configuration as one structured log line,
// matching the teacher's LogConfig convention (Loki-friendly, single event).
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("host", c.Connection.Host).
		Int("port", c.Connection.Port).
		Int("max_connections", c.LoadManagement.MaxConnections).
		Bool("auth_enabled", c.Auth.Enabled).
		Bool("webhooks_enabled", c.Webhooks.Enabled).
		Bool("persistence_enabled", c.Persistence.Enabled).
		Bool("dedup_enabled", c.Deduplication.Enabled).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
