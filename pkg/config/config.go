// Package config provides configuration loading, validation, and API key resolution for auteur.
//
// A single Config value is loaded at startup (JSON or YAML, with ${ENV}
// substitution and AUTEUR_* overrides) and passed by value to the server and
// session factory. Per-session state never lives here.
package config

import (
	"fmt"
	"os"
	"strings"

	"auteur/pkg/logx"
)

// Provider names.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"
	ProviderCartesia  = "cartesia"
)

// Environment variable names for provider credentials.
const (
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvGoogleAPIKey    = "GOOGLE_GENAI_API_KEY"
	EnvOllamaHost      = "OLLAMA_HOST"
	EnvCartesiaAPIKey  = "CARTESIA_API_KEY"
)

// Defaults.
const (
	DefaultAddr               = ":8080"
	DefaultModel              = "gpt-4o-mini"
	DefaultTemperature        = 0.3
	DefaultMaxTokens          = 256
	DefaultMaxContextTokens   = 8000
	DefaultMaxRetries         = 2
	DefaultGreeting           = "Auteur ready. Ask me anything about your shot."
	DefaultUserIdentityPrefix = "user-"
	DefaultVoiceID            = "9626c31c-bec5-4cca-baa8-f8ba9e84c8bc"
	DefaultTTSModel           = "sonic-3"
	DefaultLanguage           = "en"
	DefaultSampleRate         = 24000
	DefaultEventBuffer        = 64
	DefaultSpeakQueue         = 16
	DefaultRequestTimeoutSec  = 30
	DefaultBreakerFailures    = 5
	DefaultBreakerCooldownSec = 30
	DefaultDBPath             = "auteur.db"
	DefaultEventLogDir        = "logs/events"
	DefaultShutdownTimeoutSec = 10
	DefaultOllamaHost         = "http://localhost:11434"
)

// Config is the root configuration.
type Config struct {
	Server      ServerConfig      `json:"server" yaml:"server"`
	Agent       AgentConfig       `json:"agent" yaml:"agent"`
	Voice       VoiceConfig       `json:"voice" yaml:"voice"`
	Session     SessionConfig     `json:"session" yaml:"session"`
	Persistence PersistenceConfig `json:"persistence" yaml:"persistence"`
	EventLog    EventLogConfig    `json:"event_log" yaml:"event_log"`
	Metrics     MetricsConfig     `json:"metrics" yaml:"metrics"`
}

// ServerConfig controls the HTTP listener and side-channel transports.
type ServerConfig struct {
	Addr               string   `json:"addr" yaml:"addr"`
	DisableWebSocket   bool     `json:"disable_websocket" yaml:"disable_websocket"`
	DisableWebRTC      bool     `json:"disable_webrtc" yaml:"disable_webrtc"`
	ICEServers         []string `json:"ice_servers" yaml:"ice_servers"`
	AllowedOrigins     []string `json:"allowed_origins" yaml:"allowed_origins"`
	ShutdownTimeoutSec int      `json:"shutdown_timeout_sec" yaml:"shutdown_timeout_sec"`
}

// AgentConfig controls the conversational agent of every session.
type AgentConfig struct {
	// Model accepts a bare name ("gpt-4o-mini") or "provider/model" ("openai/gpt-4o-mini").
	Model              string  `json:"model" yaml:"model"`
	Temperature        float64 `json:"temperature" yaml:"temperature"`
	MaxTokens          int     `json:"max_tokens" yaml:"max_tokens"`
	MaxContextTokens   int     `json:"max_context_tokens" yaml:"max_context_tokens"`
	// MaxRetries caps LLM retries. Unset means DefaultMaxRetries; 0 disables retries.
	MaxRetries         *int    `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Greeting           string  `json:"greeting" yaml:"greeting"`
	UserIdentityPrefix string  `json:"user_identity_prefix" yaml:"user_identity_prefix"`
	SpeakQueue         int     `json:"speak_queue" yaml:"speak_queue"`
	RequestTimeoutSec  int     `json:"request_timeout_sec" yaml:"request_timeout_sec"`
	BreakerFailures    int     `json:"breaker_failures" yaml:"breaker_failures"`
	BreakerCooldownSec int     `json:"breaker_cooldown_sec" yaml:"breaker_cooldown_sec"`
	// MaxTPM and MaxConcurrent bound LLM traffic across all sessions. Zero is unlimited.
	MaxTPM        int `json:"max_tpm" yaml:"max_tpm"`
	MaxConcurrent int `json:"max_concurrent" yaml:"max_concurrent"`
}

// Retries returns the effective retry cap.
func (a *AgentConfig) Retries() int {
	if a.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *a.MaxRetries
}

// VoiceConfig controls speech synthesis of agent utterances. TTSProvider "none" disables audio.
type VoiceConfig struct {
	TTSProvider string `json:"tts_provider" yaml:"tts_provider"`
	Voice       string `json:"voice" yaml:"voice"`
	TTSModel    string `json:"tts_model" yaml:"tts_model"`
	Language    string `json:"language" yaml:"language"`
	SampleRate  int    `json:"sample_rate" yaml:"sample_rate"`
}

// SessionConfig controls per-session coordination.
type SessionConfig struct {
	// TimestampFencing drops updates older than the committed snapshot. Off by default.
	TimestampFencing bool `json:"timestamp_fencing" yaml:"timestamp_fencing"`
	EventBuffer      int  `json:"event_buffer" yaml:"event_buffer"`
}

// PersistenceConfig controls the sqlite session journal.
type PersistenceConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	DBPath  string `json:"db_path" yaml:"db_path"`
}

// EventLogConfig controls the JSONL event log.
type EventLogConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Dir     string `json:"dir" yaml:"dir"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Disabled bool `json:"disabled" yaml:"disabled"`
}

// ModelInfo contains static information about a known LLM model.
type ModelInfo struct {
	Provider         string
	MaxContextTokens int
	MaxOutputTokens  int
}

// KnownModels is the registry of models with known limits.
// Unknown models are resolved through ProviderPatterns.
//
//nolint:gochecknoglobals // static model registry
var KnownModels = map[string]ModelInfo{
	"gpt-4o-mini":       {Provider: ProviderOpenAI, MaxContextTokens: 128000, MaxOutputTokens: 16384},
	"gpt-4.1-mini":      {Provider: ProviderOpenAI, MaxContextTokens: 1000000, MaxOutputTokens: 32768},
	"gpt-5":             {Provider: ProviderOpenAI, MaxContextTokens: 400000, MaxOutputTokens: 128000},
	"claude-sonnet-4-5": {Provider: ProviderAnthropic, MaxContextTokens: 200000, MaxOutputTokens: 8192},
	"claude-haiku-4-5":  {Provider: ProviderAnthropic, MaxContextTokens: 200000, MaxOutputTokens: 8192},
	"gemini-2.5-flash":  {Provider: ProviderGoogle, MaxContextTokens: 1000000, MaxOutputTokens: 65536},
	"gemini-2.5-pro":    {Provider: ProviderGoogle, MaxContextTokens: 1000000, MaxOutputTokens: 65536},
}

// ProviderPattern maps a model-name prefix to a provider.
type ProviderPattern struct {
	Prefix   string
	Provider string
}

// ProviderPatterns is consulted in order for models not in KnownModels.
//
//nolint:gochecknoglobals // static pattern table
var ProviderPatterns = []ProviderPattern{
	{"claude", ProviderAnthropic},
	{"gpt", ProviderOpenAI},
	{"o1", ProviderOpenAI},
	{"o3", ProviderOpenAI},
	{"o4", ProviderOpenAI},
	{"gemini", ProviderGoogle},
	{"phi", ProviderOllama},
	{"llama", ProviderOllama},
	{"qwen", ProviderOllama},
	{"mistral", ProviderOllama},
	{"gemma", ProviderOllama},
	{"deepseek", ProviderOllama},
}

var logger = logx.NewLogger("config")

// ParseModel splits an agent model setting into provider and model name.
// "openai/gpt-4o-mini" names the provider explicitly; "gpt-4o-mini" is inferred.
func ParseModel(setting string) (provider, model string, err error) {
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return "", "", fmt.Errorf("model cannot be empty")
	}

	if prefix, rest, ok := strings.Cut(setting, "/"); ok {
		switch prefix {
		case ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderOllama:
			if rest == "" {
				return "", "", fmt.Errorf("model name missing after provider %q", prefix)
			}
			return prefix, rest, nil
		}
	}

	provider, err = GetModelProvider(setting)
	if err != nil {
		return "", "", err
	}
	return provider, setting, nil
}

// GetModelProvider returns the API provider for a given model.
func GetModelProvider(modelName string) (string, error) {
	if info, exists := KnownModels[modelName]; exists {
		return info.Provider, nil
	}
	for i := range ProviderPatterns {
		if strings.HasPrefix(modelName, ProviderPatterns[i].Prefix) {
			return ProviderPatterns[i].Provider, nil
		}
	}
	return "", fmt.Errorf("unknown model '%s': no known provider mapping or pattern match", modelName)
}

// GetModelInfo returns registry info, or conservative defaults with an inferred
// provider. The bool reports whether the model is in the registry.
func GetModelInfo(modelName string) (ModelInfo, bool) {
	if info, exists := KnownModels[modelName]; exists {
		return info, true
	}
	provider, _ := GetModelProvider(modelName)
	return ModelInfo{
		Provider:         provider,
		MaxContextTokens: 32000,
		MaxOutputTokens:  4096,
	}, false
}

// GetAPIKey returns the credential for a provider.
// Checks decrypted secrets first, then environment variables.
// For Ollama, returns the host URL instead of an API key.
func GetAPIKey(provider string) (string, error) {
	var envVar string
	switch provider {
	case ProviderAnthropic:
		envVar = EnvAnthropicAPIKey
	case ProviderOpenAI:
		envVar = EnvOpenAIAPIKey
	case ProviderGoogle:
		envVar = EnvGoogleAPIKey
	case ProviderCartesia:
		envVar = EnvCartesiaAPIKey
	case ProviderOllama:
		if host, err := GetSecret(EnvOllamaHost); err == nil && host != "" {
			return host, nil
		}
		return DefaultOllamaHost, nil
	default:
		return "", fmt.Errorf("unknown provider: %s", provider)
	}

	key, err := GetSecret(envVar)
	if err == nil && key != "" {
		return key, nil
	}
	return "", fmt.Errorf("API key not found: %s not found in secrets file or environment variables", envVar)
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// HasTTS reports whether agent utterances should be synthesized.
func (c *Config) HasTTS() bool {
	return c.Voice.TTSProvider != "" && c.Voice.TTSProvider != "none"
}

// LogSummary writes the effective, non-secret settings.
func (c *Config) LogSummary() {
	logger.Info("listen=%s websocket=%t webrtc=%t model=%s tts=%s fencing=%t persistence=%t eventlog=%t metrics=%t",
		c.Server.Addr, !c.Server.DisableWebSocket, !c.Server.DisableWebRTC, c.Agent.Model,
		c.Voice.TTSProvider, c.Session.TimestampFencing, c.Persistence.Enabled, c.EventLog.Enabled, !c.Metrics.Disabled)
}

func lookupEnv(name string) string {
	return os.Getenv(name)
}
