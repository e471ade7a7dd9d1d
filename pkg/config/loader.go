package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. AUTEUR_SERVER_ADDR.
const EnvPrefix = "AUTEUR_"

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads a JSON or YAML config file (chosen by extension), substitutes
// ${VAR} placeholders, applies AUTEUR_* overrides and defaults, and validates.
// An empty path yields defaults plus environment overrides.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(path, substituteEnv(data), &cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config YAML: %w", err)
		}
	case ".json", "":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config JSON: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format %q (want .json, .yaml or .yml)", filepath.Ext(path))
	}
	return nil
}

// substituteEnv replaces ${VAR} with its value, leaving unknown placeholders intact.
func substituteEnv(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		name := string(match[2 : len(match)-1])
		if value := lookupEnv(name); value != "" {
			return []byte(value)
		}
		return match
	})
}

func applyEnvOverrides(cfg *Config) {
	v := reflect.ValueOf(cfg).Elem()
	applyEnvOverridesRecursive(v, v.Type(), EnvPrefix)
}

func applyEnvOverridesRecursive(v reflect.Value, t reflect.Type, prefix string) {
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		jsonTag := fieldType.Tag.Get("json")
		if jsonTag == "" || jsonTag == "-" {
			continue
		}

		envKey := strings.ToUpper(prefix + strings.Split(jsonTag, ",")[0])

		if field.Kind() == reflect.Struct {
			applyEnvOverridesRecursive(field, field.Type(), envKey+"_")
			continue
		}

		if envValue := lookupEnv(envKey); envValue != "" {
			setFieldFromEnv(field, envValue)
		}
	}
}

func setFieldFromEnv(field reflect.Value, envValue string) {
	if !field.CanSet() {
		return
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(envValue)
	case reflect.Int:
		if val, err := strconv.Atoi(strings.TrimSpace(envValue)); err == nil {
			field.SetInt(int64(val))
		}
	case reflect.Float64:
		if val, err := strconv.ParseFloat(strings.TrimSpace(envValue), 64); err == nil {
			field.SetFloat(val)
		}
	case reflect.Bool:
		if val, err := strconv.ParseBool(strings.TrimSpace(envValue)); err == nil {
			field.SetBool(val)
		}
	case reflect.Ptr:
		// Optional ints, where an explicit 0 differs from unset.
		if field.Type().Elem().Kind() != reflect.Int {
			return
		}
		if val, err := strconv.Atoi(strings.TrimSpace(envValue)); err == nil {
			field.Set(reflect.ValueOf(&val))
		}
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return
		}
		parts := strings.Split(envValue, ",")
		out := reflect.MakeSlice(field.Type(), 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = reflect.Append(out, reflect.ValueOf(p))
			}
		}
		field.Set(out)
	}
}

// applyDefaults sets default values for missing configuration.
func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultAddr
	}
	if cfg.Server.ShutdownTimeoutSec <= 0 {
		cfg.Server.ShutdownTimeoutSec = DefaultShutdownTimeoutSec
	}

	if cfg.Agent.Model == "" {
		cfg.Agent.Model = DefaultModel
	}
	if cfg.Agent.Temperature == 0 {
		cfg.Agent.Temperature = DefaultTemperature
	}
	if cfg.Agent.MaxTokens == 0 {
		cfg.Agent.MaxTokens = DefaultMaxTokens
	}
	if cfg.Agent.MaxContextTokens == 0 {
		cfg.Agent.MaxContextTokens = DefaultMaxContextTokens
	}
	if cfg.Agent.MaxRetries == nil {
		retries := DefaultMaxRetries
		cfg.Agent.MaxRetries = &retries
	}
	if cfg.Agent.Greeting == "" {
		cfg.Agent.Greeting = DefaultGreeting
	}
	if cfg.Agent.UserIdentityPrefix == "" {
		cfg.Agent.UserIdentityPrefix = DefaultUserIdentityPrefix
	}
	if cfg.Agent.SpeakQueue == 0 {
		cfg.Agent.SpeakQueue = DefaultSpeakQueue
	}
	if cfg.Agent.RequestTimeoutSec == 0 {
		cfg.Agent.RequestTimeoutSec = DefaultRequestTimeoutSec
	}
	if cfg.Agent.BreakerFailures == 0 {
		cfg.Agent.BreakerFailures = DefaultBreakerFailures
	}
	if cfg.Agent.BreakerCooldownSec == 0 {
		cfg.Agent.BreakerCooldownSec = DefaultBreakerCooldownSec
	}

	if cfg.Voice.TTSProvider == "" {
		cfg.Voice.TTSProvider = ProviderCartesia
	}
	if cfg.Voice.Voice == "" {
		cfg.Voice.Voice = DefaultVoiceID
	}
	if cfg.Voice.TTSModel == "" {
		cfg.Voice.TTSModel = DefaultTTSModel
	}
	if cfg.Voice.Language == "" {
		cfg.Voice.Language = DefaultLanguage
	}
	if cfg.Voice.SampleRate == 0 {
		cfg.Voice.SampleRate = DefaultSampleRate
	}

	if cfg.Session.EventBuffer == 0 {
		cfg.Session.EventBuffer = DefaultEventBuffer
	}
	if cfg.Persistence.DBPath == "" {
		cfg.Persistence.DBPath = DefaultDBPath
	}
	if cfg.EventLog.Dir == "" {
		cfg.EventLog.Dir = DefaultEventLogDir
	}
}

// Validate checks a fully defaulted config.
func Validate(cfg *Config) error {
	_, model, err := ParseModel(cfg.Agent.Model)
	if err != nil {
		return fmt.Errorf("agent.model: %w", err)
	}
	if cfg.Agent.Temperature < 0.0 || cfg.Agent.Temperature > 2.0 {
		return fmt.Errorf("agent.temperature must be between 0.0 and 2.0, got %g", cfg.Agent.Temperature)
	}
	if cfg.Agent.MaxTokens <= 0 {
		return fmt.Errorf("agent.max_tokens must be positive")
	}
	if cfg.Agent.MaxContextTokens < cfg.Agent.MaxTokens {
		return fmt.Errorf("agent.max_context_tokens (%d) must be at least agent.max_tokens (%d)",
			cfg.Agent.MaxContextTokens, cfg.Agent.MaxTokens)
	}
	// Unregistered models only get the generic checks above.
	if info, known := GetModelInfo(model); known {
		if cfg.Agent.MaxTokens > info.MaxOutputTokens {
			return fmt.Errorf("agent.max_tokens (%d) exceeds %s output limit (%d)", cfg.Agent.MaxTokens, model, info.MaxOutputTokens)
		}
		if cfg.Agent.MaxContextTokens > info.MaxContextTokens {
			return fmt.Errorf("agent.max_context_tokens (%d) exceeds %s context window (%d)", cfg.Agent.MaxContextTokens, model, info.MaxContextTokens)
		}
	}
	if cfg.Agent.Retries() < 0 {
		return fmt.Errorf("agent.max_retries cannot be negative")
	}
	if cfg.Agent.SpeakQueue <= 0 {
		return fmt.Errorf("agent.speak_queue must be positive")
	}
	if cfg.Agent.RequestTimeoutSec < 0 || cfg.Agent.BreakerFailures < 0 || cfg.Agent.BreakerCooldownSec < 0 {
		return fmt.Errorf("agent request timeout and breaker settings cannot be negative")
	}
	if cfg.Agent.MaxTPM < 0 || cfg.Agent.MaxConcurrent < 0 {
		return fmt.Errorf("agent.max_tpm and agent.max_concurrent cannot be negative")
	}
	if strings.TrimSpace(cfg.Agent.UserIdentityPrefix) == "" {
		return fmt.Errorf("agent.user_identity_prefix cannot be blank")
	}
	switch cfg.Voice.TTSProvider {
	case "none", ProviderCartesia:
	default:
		return fmt.Errorf("voice.tts_provider must be %q or %q, got %q", ProviderCartesia, "none", cfg.Voice.TTSProvider)
	}
	if cfg.Session.EventBuffer <= 0 {
		return fmt.Errorf("session.event_buffer must be positive")
	}
	if cfg.Server.DisableWebSocket && cfg.Server.DisableWebRTC {
		return fmt.Errorf("at least one side-channel transport (websocket, webrtc) must be enabled")
	}
	return nil
}
