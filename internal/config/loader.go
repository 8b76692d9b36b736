package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, overlays the process
// environment and returns a validated [Config]. An empty path skips the file
// and builds the config from environment alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		cfg, err = decode(f)
		if err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	FromEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result,
// without touching the environment. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads a .env file into the process environment when one exists.
// Existing environment variables win over file values.
func LoadDotEnv(paths ...string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		_ = godotenv.Load(p)
	}
}

// FromEnv overlays process environment variables onto cfg. Only variables
// that are actually set override file values.
func FromEnv(cfg *Config) {
	setStr := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}

	setStr(&cfg.Database.DSN, "DATABASE_URL")
	setStr(&cfg.Security.EncryptionKey, "ENCRYPTION_KEY")
	setStr(&cfg.Security.UnkeyVerifyURL, "UNKEY_VERIFY_URL")
	setStr(&cfg.Security.UnkeyAPIID, "UNKEY_API_ID")

	setStr(&cfg.Providers.Rooms.APIKey, "ROOM_PROVIDER_API_KEY")
	setStr(&cfg.Providers.Rooms.BaseURL, "ROOM_PROVIDER_BASE_URL")
	setStr(&cfg.Providers.LLM.APIKey, "OPENAI_API_KEY")
	setStr(&cfg.Providers.LLM.Model, "LLM_MODEL")
	setStr(&cfg.Providers.LLM.InsightModel, "INSIGHT_MODEL")
	setStr(&cfg.Providers.LLM.FallbackProvider, "LLM_FALLBACK_PROVIDER")
	setStr(&cfg.Providers.LLM.FallbackModel, "LLM_FALLBACK_MODEL")
	setStr(&cfg.Providers.LLM.FallbackAPIKey, "LLM_FALLBACK_API_KEY")
	setStr(&cfg.Providers.STT.APIKey, "DEEPGRAM_API_KEY")
	setStr(&cfg.Providers.STT.FallbackAPIKey, "STT_FALLBACK_API_KEY")
	setStr(&cfg.Providers.TTS.APIKey, "ELEVENLABS_API_KEY")
	setStr(&cfg.Providers.TTS.VoiceID, "ELEVENLABS_VOICE_ID")
	setStr(&cfg.Providers.TTS.FallbackAPIKey, "TTS_FALLBACK_API_KEY")

	if v, ok := os.LookupEnv("USE_MODAL_BOTS"); ok {
		cfg.Placement.Modal.Enabled = parseBool(v)
	}
	setStr(&cfg.Placement.Modal.AppName, "MODAL_APP_NAME")
	setStr(&cfg.Placement.Modal.FunctionName, "MODAL_FUNCTION_NAME")
	setStr(&cfg.Placement.Modal.InvokeURL, "MODAL_INVOKE_URL")
	setStr(&cfg.Placement.Modal.Token, "MODAL_TOKEN")
	setStr(&cfg.Placement.Fly.APIHost, "FLY_API_HOST")
	setStr(&cfg.Placement.Fly.AppName, "FLY_APP_NAME")
	setStr(&cfg.Placement.Fly.APIKey, "FLY_API_KEY")
	setStr(&cfg.Placement.Fly.Image, "FLY_BOT_IMAGE")

	if v, ok := os.LookupEnv("BOT_CALL_RATE_PER_MINUTE"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Billing.RatePerMinute = f
		}
	}

	setStr(&cfg.Email.MailgunAPIKey, "MAILGUN_API_KEY")
	setStr(&cfg.Email.Domain, "MAILGUN_DOMAIN")
	setStr(&cfg.Email.Sender, "MAILGUN_SENDER")
	setStr(&cfg.Meet.BaseURL, "MEET_BASE_URL")

	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		if lvl := LogLevel(strings.ToLower(v)); lvl.IsValid() {
			cfg.Server.LogLevel = lvl
		}
	}
	if v, ok := os.LookupEnv("PORT"); ok {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.Server.Port = p
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Providers.LLM.Model == "" {
		cfg.Providers.LLM.Model = "gpt-4o"
	}
	if cfg.Providers.LLM.InsightModel == "" {
		cfg.Providers.LLM.InsightModel = cfg.Providers.LLM.Model
	}
	if cfg.Billing.RatePerMinute == 0 {
		cfg.Billing.RatePerMinute = 0.15
	}
	if cfg.Billing.MinimumCredits == 0 {
		cfg.Billing.MinimumCredits = cfg.Billing.RatePerMinute
	}
	if cfg.Email.Sender == "" && cfg.Email.Domain != "" {
		cfg.Email.Sender = "results@" + cfg.Email.Domain
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", cfg.Server.Port))
	}

	if cfg.Security.EncryptionKey != "" && len(cfg.Security.EncryptionKey) < 32 {
		errs = append(errs, errors.New("security.encryption_key must be at least 32 characters"))
	}

	if cfg.Placement.Modal.Enabled {
		if cfg.Placement.Modal.AppName == "" || cfg.Placement.Modal.FunctionName == "" {
			errs = append(errs, errors.New("placement.modal requires app_name and function_name when enabled"))
		}
		if cfg.Placement.Modal.InvokeURL == "" {
			errs = append(errs, errors.New("placement.modal.invoke_url is required when enabled"))
		}
	}
	if cfg.Placement.Fly.APIKey != "" && cfg.Placement.Fly.AppName == "" {
		errs = append(errs, errors.New("placement.fly.app_name is required when api_key is set"))
	}

	if cfg.Billing.RatePerMinute < 0 {
		errs = append(errs, fmt.Errorf("billing.rate_per_minute %.4f must not be negative", cfg.Billing.RatePerMinute))
	}
	if cfg.Billing.MinimumCredits < 0 {
		errs = append(errs, fmt.Errorf("billing.minimum_credits %.4f must not be negative", cfg.Billing.MinimumCredits))
	}

	if cfg.Providers.LLM.FallbackProvider != "" && cfg.Providers.LLM.FallbackModel == "" {
		errs = append(errs, errors.New("providers.llm.fallback_model is required when fallback_provider is set"))
	}

	if cfg.Email.MailgunAPIKey != "" && cfg.Email.Domain == "" {
		errs = append(errs, errors.New("email.domain is required when mailgun_api_key is set"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %w", errors.Join(errs...))
	}
	return nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
