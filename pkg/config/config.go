// Package config loads the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/Mindburn-Labs/agentscm/pkg/observability"
)

// Oracle modes.
const (
	OracleAuto      = "auto"
	OracleRuleBased = "rule-based"
	OracleGemini    = "gemini"
	OracleChat      = "chat"
)

// Config holds server configuration.
type Config struct {
	ListenAddr    string        `env:"AGENTSCM_LISTEN_ADDR" envDefault:":8000"`
	LogLevel      string        `env:"LOG_LEVEL" envDefault:"INFO"`
	LogFormat     string        `env:"AGENTSCM_LOG_FORMAT" envDefault:"json"`
	ShutdownGrace time.Duration `env:"AGENTSCM_SHUTDOWN_GRACE" envDefault:"10s"`

	AuditLogPath  string `env:"AGENTSCM_AUDIT_LOG" envDefault:"logs/events.log"`
	WatchAuditLog bool   `env:"AGENTSCM_WATCH_AUDIT_LOG"`
	CatalogPath   string `env:"AGENTSCM_CATALOG"`

	// Oracle is one of auto, rule-based, gemini or chat. auto picks gemini
	// when GEMINI_API_KEY is set and rule-based otherwise.
	Oracle        string        `env:"AGENTSCM_ORACLE" envDefault:"auto"`
	RulesPath     string        `env:"AGENTSCM_RULES"`
	OracleTimeout time.Duration `env:"AGENTSCM_ORACLE_TIMEOUT" envDefault:"30s"`
	GeminiAPIKey  string        `env:"GEMINI_API_KEY"`
	GeminiModel   string        `env:"AGENTSCM_GEMINI_MODEL"`
	ChatEndpoint  string        `env:"AGENTSCM_CHAT_ENDPOINT"`
	ChatAPIKey    string        `env:"AGENTSCM_CHAT_API_KEY"`
	ChatModel     string        `env:"AGENTSCM_CHAT_MODEL" envDefault:"gpt-4o-mini"`

	BackendAPIKey   string        `env:"BACKEND_API_KEY"`
	JWTSecret       string        `env:"AGENTSCM_JWT_SECRET"`
	JWTIssuer       string        `env:"AGENTSCM_JWT_ISSUER" envDefault:"agentscm"`
	FrontendOrigin  string        `env:"FRONTEND_ORIGIN" envDefault:"http://localhost:3000"`
	EventsPerMinute int           `env:"AGENTSCM_EVENTS_PER_MINUTE" envDefault:"30"`
	ReadsPerMinute  int           `env:"AGENTSCM_READS_PER_MINUTE" envDefault:"120"`
	ReplayTTL       time.Duration `env:"AGENTSCM_REPLAY_TTL" envDefault:"24h"`
	MaxSubscribers  int           `env:"AGENTSCM_MAX_STREAMS" envDefault:"20"`
	Heartbeat       time.Duration `env:"AGENTSCM_STREAM_HEARTBEAT" envDefault:"15s"`

	// RedisAddr, when set, moves the settlement ledger and the request
	// replay cache into Redis.
	RedisAddr      string        `env:"AGENTSCM_REDIS_ADDR"`
	RedisPassword  string        `env:"AGENTSCM_REDIS_PASSWORD"`
	RedisDB        int           `env:"AGENTSCM_REDIS_DB"`
	ReservationTTL time.Duration `env:"AGENTSCM_RESERVATION_TTL" envDefault:"5m"`

	// RailURL, when set, dispatches through the HTTP payment rail instead
	// of the simulator.
	RailURL         string `env:"AGENTSCM_RAIL_URL"`
	RailAPIKey      string `env:"CIRCLE_API_KEY"`
	PaymasterConfig string `env:"CIRCLE_PAYMASTER_CONFIG"`
	ExplorerURL     string `env:"ARC_EXPLORER_URL" envDefault:"https://testnet.arcscan.app"`
	FXEndpoint      string `env:"STABLEFX_ENDPOINT"`
	FXAPIKey        string `env:"STABLEFX_API_KEY"`
	FXSimulated     bool   `env:"AGENTSCM_FX_SIMULATED" envDefault:"true"`
	SourceWallet    string `env:"AGENTSCM_SOURCE_WALLET" envDefault:"WALLET_BUYER001"`
	DestWallet      string `env:"AGENTSCM_DESTINATION_WALLET" envDefault:"WALLET_SUPPLIER001"`

	OTelEnabled    bool    `env:"AGENTSCM_OTEL_ENABLED"`
	OTLPEndpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	OTLPInsecure   bool    `env:"OTEL_EXPORTER_OTLP_INSECURE"`
	OTelSampleRate float64 `env:"AGENTSCM_OTEL_SAMPLE_RATE" envDefault:"1.0"`
	Environment    string  `env:"AGENTSCM_ENV" envDefault:"development"`
	ServiceVersion string  `env:"AGENTSCM_VERSION" envDefault:"0.1.0"`
}

// Load parses the environment and validates the result.
func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Oracle {
	case OracleAuto, OracleRuleBased, OracleGemini, OracleChat:
	default:
		errs = append(errs, fmt.Errorf("AGENTSCM_ORACLE: unknown oracle %q", c.Oracle))
	}
	if c.Oracle == OracleGemini && c.GeminiAPIKey == "" {
		errs = append(errs, errors.New("GEMINI_API_KEY is required when AGENTSCM_ORACLE=gemini"))
	}
	if c.Oracle == OracleChat && c.ChatAPIKey == "" {
		errs = append(errs, errors.New("AGENTSCM_CHAT_API_KEY is required when AGENTSCM_ORACLE=chat"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("AGENTSCM_LOG_FORMAT: must be json or text, got %q", c.LogFormat))
	}
	if c.AuditLogPath == "" {
		errs = append(errs, errors.New("AGENTSCM_AUDIT_LOG must not be empty"))
	}
	if c.OracleTimeout <= 0 {
		errs = append(errs, errors.New("AGENTSCM_ORACLE_TIMEOUT must be positive"))
	}
	if c.EventsPerMinute <= 0 || c.ReadsPerMinute <= 0 {
		errs = append(errs, errors.New("rate limits must be positive"))
	}
	if c.MaxSubscribers <= 0 {
		errs = append(errs, errors.New("AGENTSCM_MAX_STREAMS must be positive"))
	}
	if c.Heartbeat <= 0 {
		errs = append(errs, errors.New("AGENTSCM_STREAM_HEARTBEAT must be positive"))
	}
	if c.OTelSampleRate < 0 || c.OTelSampleRate > 1 {
		errs = append(errs, errors.New("AGENTSCM_OTEL_SAMPLE_RATE must be within [0, 1]"))
	}
	return errors.Join(errs...)
}

// OracleMode resolves auto to a concrete oracle.
func (c *Config) OracleMode() string {
	if c.Oracle != OracleAuto {
		return c.Oracle
	}
	if c.GeminiAPIKey != "" {
		return OracleGemini
	}
	return OracleRuleBased
}

// ParseLevel maps LOG_LEVEL to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(strings.TrimSpace(s)))); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return l, nil
}

// Observability returns the telemetry settings.
func (c *Config) Observability() *observability.Config {
	oc := observability.DefaultConfig()
	oc.Enabled = c.OTelEnabled
	oc.OTLPEndpoint = c.OTLPEndpoint
	oc.Insecure = c.OTLPInsecure
	oc.SampleRate = c.OTelSampleRate
	oc.Environment = c.Environment
	oc.ServiceVersion = c.ServiceVersion
	return oc
}
