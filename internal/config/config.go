// Package config provides the configuration schema and loader for the
// pailflow server and bot workers.
//
// Configuration comes from two layers: an optional YAML file for structured
// server settings and the process environment for secrets and deployment
// toggles. FromEnv applies the environment on top of whatever the file set,
// so a bare deployment can run on environment variables alone.
package config

import "log/slog"

// LogLevel controls log verbosity for the pailflow server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to a slog.Level, defaulting to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Config is the root configuration structure for pailflow.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Security  SecurityConfig  `yaml:"security"`
	Providers ProvidersConfig `yaml:"providers"`
	Placement PlacementConfig `yaml:"placement"`
	Billing   BillingConfig   `yaml:"billing"`
	Email     EmailConfig     `yaml:"email"`
	Meet      MeetConfig      `yaml:"meet"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host to bind the HTTP listener to. Empty means all interfaces.
	Host string `yaml:"host"`

	// Port for the HTTP listener. Defaults to 8080.
	Port int `yaml:"port"`

	LogLevel LogLevel `yaml:"log_level"`

	// MetricsEnabled exposes the Prometheus endpoint on /metrics.
	MetricsEnabled bool `yaml:"metrics_enabled"`
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	// DSN is the postgres connection string (DATABASE_URL).
	DSN string `yaml:"dsn"`
}

// SecurityConfig holds encryption and authentication settings.
type SecurityConfig struct {
	// EncryptionKey is the master key for field-level encryption
	// (ENCRYPTION_KEY). Must be at least 32 characters.
	EncryptionKey string `yaml:"encryption_key"`

	// UnkeyVerifyURL is the key-verification service endpoint. When empty,
	// bearer tokens are accepted without remote verification.
	UnkeyVerifyURL string `yaml:"unkey_verify_url"`

	// UnkeyAPIID scopes key verification to one API, when the verification
	// service requires it.
	UnkeyAPIID string `yaml:"unkey_api_id"`
}

// ProvidersConfig holds the vendor API settings for rooms, LLM, STT and TTS.
type ProvidersConfig struct {
	Rooms RoomProviderConfig `yaml:"rooms"`
	LLM   LLMProviderConfig  `yaml:"llm"`
	STT   STTProviderConfig  `yaml:"stt"`
	TTS   TTSProviderConfig  `yaml:"tts"`
}

// RoomProviderConfig configures the hosted room service REST client.
type RoomProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// LLMProviderConfig configures the dialogue and insight models.
type LLMProviderConfig struct {
	APIKey string `yaml:"api_key"`

	// Model drives the live dialogue. Defaults to gpt-4o.
	Model string `yaml:"model"`

	// InsightModel runs post-call analysis. Defaults to Model.
	InsightModel string `yaml:"insight_model"`

	// FallbackProvider names a secondary vendor to fail over to when the
	// primary is down ("anthropic", "gemini", "groq", ...). Empty disables
	// failover.
	FallbackProvider string `yaml:"fallback_provider"`

	// FallbackModel is the model on the fallback vendor. Required when
	// FallbackProvider is set.
	FallbackModel string `yaml:"fallback_model"`

	// FallbackAPIKey authenticates against the fallback vendor. When empty
	// the vendor's own environment variable (ANTHROPIC_API_KEY, ...) applies.
	FallbackAPIKey string `yaml:"fallback_api_key"`
}

// STTProviderConfig configures the speech-to-text stream.
type STTProviderConfig struct {
	APIKey   string `yaml:"api_key"`
	Language string `yaml:"language"`

	// FallbackAPIKey is a secondary key (separate account or region) that new
	// transcription sessions fail over to when the primary is down. Empty
	// disables failover.
	FallbackAPIKey string `yaml:"fallback_api_key"`
}

// TTSProviderConfig configures speech synthesis.
type TTSProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	VoiceID string `yaml:"voice_id"`

	// FallbackAPIKey is a secondary key for synthesis failover. The voice ID
	// is shared with the primary, so the fallback account must carry the same
	// voice. Empty disables failover.
	FallbackAPIKey string `yaml:"fallback_api_key"`
}

// PlacementConfig selects and configures the bot placement backends.
// With neither Modal nor Fly configured, bots run in-process only.
type PlacementConfig struct {
	Modal ModalConfig `yaml:"modal"`
	Fly   FlyConfig   `yaml:"fly"`
}

// ModalConfig configures the serverless-function backend (USE_MODAL_BOTS,
// MODAL_APP_NAME, MODAL_FUNCTION_NAME, MODAL_INVOKE_URL).
type ModalConfig struct {
	Enabled      bool   `yaml:"enabled"`
	AppName      string `yaml:"app_name"`
	FunctionName string `yaml:"function_name"`

	// InvokeURL is the HTTP invoke endpoint for the function. Required when
	// Enabled is set.
	InvokeURL string `yaml:"invoke_url"`

	Token string `yaml:"token"`
}

// FlyConfig configures the VM-per-task backend (FLY_API_HOST, FLY_APP_NAME,
// FLY_API_KEY).
type FlyConfig struct {
	APIHost string `yaml:"api_host"`
	AppName string `yaml:"app_name"`
	APIKey  string `yaml:"api_key"`

	// Image is the container image bot VMs run.
	Image string `yaml:"image"`
}

// BillingConfig holds customer-facing pricing settings.
type BillingConfig struct {
	// RatePerMinute is the per-minute charge for bot calls
	// (BOT_CALL_RATE_PER_MINUTE). Defaults to 0.15 USD.
	RatePerMinute float64 `yaml:"rate_per_minute"`

	// MinimumCredits is the admission floor. Defaults to RatePerMinute.
	MinimumCredits float64 `yaml:"minimum_credits"`
}

// EmailConfig configures the results email sender.
type EmailConfig struct {
	// MailgunAPIKey and Domain enable the post-call email step when both set.
	MailgunAPIKey string `yaml:"mailgun_api_key"`
	Domain        string `yaml:"domain"`

	// Sender is the From address. Defaults to "results@<domain>".
	Sender string `yaml:"sender"`
}

// MeetConfig configures the hosted meeting page redirect.
type MeetConfig struct {
	// BaseURL is where /meet/{room} links point (MEET_BASE_URL).
	BaseURL string `yaml:"base_url"`
}
